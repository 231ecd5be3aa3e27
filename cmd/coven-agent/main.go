// ABOUTME: Reference worker agent that answers coordinator A2A messages with canned results
// ABOUTME: Usage: coven-agent [-name fitness-agent] [-addr :8001] [-fail-tool X] [-delay 0s]

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-coordinator/internal/a2a"
	"github.com/2389/coven-coordinator/internal/packs"
)

type agent struct {
	name     string
	tools    []string
	failTool string
	delay    time.Duration
	logger   *slog.Logger
}

func main() {
	name := flag.String("name", packs.FitnessAgent, "agent name (selects the tool pack)")
	addr := flag.String("addr", ":8001", "HTTP listen address")
	failTool := flag.String("fail-tool", "", "tool that always answers with a failure")
	delay := flag.Duration("delay", 0, "delay before every reply")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("agent", *name)

	defs, ok := packs.DefaultPacks()[*name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown agent %q\n", *name)
		os.Exit(1)
	}
	a := &agent{name: *name, failTool: *failTool, delay: *delay, logger: logger}
	for _, d := range defs {
		a.tools = append(a.tools, d.Name)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.run(ctx, *addr); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func (a *agent) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(a2a.HealthPath, a.handleHealth)
	r.Post(a2a.MessagePath, a.handleMessage)
	return r
}

func (a *agent) run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.routes(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", addr, "tools", a.tools)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "healthy", "tools": a.tools})
}

func (a *agent) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg a2a.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	a.logger.Info("received message", "message_id", msg.MessageID, "from", msg.FromAgent, "intent", msg.Intent)

	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, a.answer(msg))
}

// answer handles process_query and execute_tool_<tool> intents.
func (a *agent) answer(msg a2a.Message) a2a.Reply {
	tool := strings.TrimPrefix(msg.Intent, packs.IntentPrefix)
	if tool != packs.QueryTool && tool == msg.Intent {
		return a2a.Reply{Success: false, Error: "unsupported intent: " + msg.Intent}
	}
	if tool == a.failTool {
		return a2a.Reply{Success: false, Error: fmt.Sprintf("%s is failing on purpose", tool)}
	}

	params, _ := msg.Payload["parameters"].(map[string]any)
	if tool == packs.QueryTool {
		query, _ := params["query"].(string)
		if query == "" {
			query, _ = params["workflow_type"].(string)
		}
		return a2a.Reply{Success: true, Data: map[string]any{
			"response": fmt.Sprintf("**%s** looked at: %s", a.name, query),
		}}
	}
	for _, t := range a.tools {
		if t == tool {
			return a2a.Reply{Success: true, Data: map[string]any{
				"response":   fmt.Sprintf("%s finished %s", a.name, tool),
				"tool":       tool,
				"parameters": params,
			}}
		}
	}
	return a2a.Reply{Success: false, Error: "unknown tool: " + tool}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
