// ABOUTME: Client and offline subcommands: classify, agents, token, workflow, version
// ABOUTME: Client commands talk to a running coordinator over its HTTP API

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/2389/coven-coordinator/internal/a2a"
	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/gateway"
	"github.com/2389/coven-coordinator/internal/intent"
	"github.com/2389/coven-coordinator/internal/orchestrator"
	"github.com/2389/coven-coordinator/internal/packs"
	"github.com/2389/coven-coordinator/internal/workflow"
)

// clientTimeout bounds client commands that talk to a running coordinator.
const clientTimeout = 10 * time.Second

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <query>",
		Short: "Show how a query would be routed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			classifier, err := intent.NewClassifier(nil)
			if err != nil {
				return err
			}
			d := classifier.Decide(strings.Join(args, " "))

			cyan := color.New(color.FgCyan)
			cyan.Print("intent:    ")
			fmt.Println(d.Intent)
			cyan.Print("agents:    ")
			if len(d.TargetAgents) == 0 {
				color.New(color.FgHiBlack).Println("(none, coordinator answers)")
			} else {
				fmt.Println(strings.Join(d.TargetAgents, ", "))
			}
			if d.Strategy != "" {
				cyan.Print("strategy:  ")
				fmt.Println(d.Strategy)
			}
			cyan.Print("patterns:  ")
			fmt.Println(classifier.Version())
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "Probe every registered agent through a running coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp gateway.AgentsResponse
			if err := call(cmd.Context(), http.MethodGet, "/agents", "", http.StatusOK, &resp); err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Agent", "Status", "Latency", "Tools", "Endpoint"})
			for _, h := range resp.Agents {
				tw.AppendRow(table.Row{h.Name, statusText(h.Status), h.Latency.Round(time.Millisecond), len(h.Tools), h.Endpoint})
			}
			tw.AppendFooter(table.Row{"", fmt.Sprintf("%d/%d healthy", resp.Healthy, resp.Total)})
			tw.Render()
			return nil
		},
	}
}

func statusText(s a2a.HealthStatus) string {
	switch s {
	case a2a.StatusHealthy:
		return color.GreenString(string(s))
	case a2a.StatusUnhealthy:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Issue and revoke agent tokens"}
	tok.AddCommand(&cobra.Command{
		Use:   "issue <agent>",
		Short: "Issue a bearer token for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp gateway.TokenResponse
			if err := call(cmd.Context(), http.MethodPost, "/auth/tokens/"+args[0], adminToken(), http.StatusCreated, &resp); err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("  ✓ Issued token for %s (expires %s)\n", resp.Agent, resp.ExpiresAt.Format(time.RFC3339))
			fmt.Printf("  Permissions: %s\n", strings.Join(resp.Permissions, ", "))
			fmt.Println(resp.AccessToken)
			return nil
		},
	})
	tok.AddCommand(&cobra.Command{
		Use:   "revoke <agent>",
		Short: "Revoke an agent's token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd.Context(), http.MethodDelete, "/auth/tokens/"+args[0], adminToken(), http.StatusNoContent, nil); err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("  ✓ Revoked token for %s\n", args[0])
			return nil
		},
	})
	return tok
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect workflow templates"}
	wf.AddCommand(&cobra.Command{
		Use:   "templates",
		Short: "List built-in and configured workflow templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs := orchestrator.DefaultTemplates()
			if cfg, err := config.Load(configPath()); err == nil {
				configured, err := cfg.Workflow.Definitions(packs.Default(nil))
				if err != nil {
					return err
				}
				// Configured templates replace built-ins of the same id.
				defs = slices.DeleteFunc(defs, func(d workflow.Definition) bool {
					return slices.ContainsFunc(configured, func(c workflow.Definition) bool { return c.ID == d.ID })
				})
				defs = append(defs, configured...)
			}
			slices.SortFunc(defs, func(a, b workflow.Definition) int { return strings.Compare(a.ID, b.ID) })

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Steps", "Agents", "Description"})
			for _, d := range defs {
				tw.AppendRow(table.Row{d.ID, len(d.Steps), strings.Join(d.Agents(), " → "), d.Description})
			}
			tw.Render()
			return nil
		},
	})
	return wf
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("coven-coordinator", version)
		},
	}
}

// baseURL resolves the coordinator address from --addr, COVEN_ADDR, or
// server.http_addr in the config.
func baseURL() (string, error) {
	addr := viper.GetString("addr")
	if addr == "" {
		cfg, err := config.Load(configPath())
		if err != nil {
			return "", fmt.Errorf("loading config: %w", err)
		}
		addr = cfg.Server.HTTPAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/"), nil
	}
	return "http://" + addr, nil
}

// adminToken resolves --admin-token, COVEN_ADMIN_TOKEN, or the file serve
// writes next to the config.
func adminToken() string {
	if tok := viper.GetString("admin-token"); tok != "" {
		return tok
	}
	raw, err := os.ReadFile(adminTokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// call sends a request to the running coordinator and decodes a response
// with the expected status into out.
func call(ctx context.Context, method, path, token string, want int, out any) error {
	base, err := baseURL()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting coordinator: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
