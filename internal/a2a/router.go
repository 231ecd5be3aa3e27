// ABOUTME: Routes A2A messages to registered agent endpoints over HTTP
// ABOUTME: Point-to-point send and ordered broadcast; transport failures become failed responses

package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/coven-coordinator/internal/auth"
	"github.com/2389/coven-coordinator/internal/metrics"
	"github.com/2389/coven-coordinator/internal/retry"
)

// DefaultTimeout bounds a single HTTP attempt when RouterConfig.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// MessagePath is the agent endpoint that accepts messages.
const MessagePath = "/a2a/message"

const (
	maxReplyBytes   = 4 << 20
	maxErrorExcerpt = 512
	fanoutLimit     = 16
)

// ErrNotRegistered indicates the target agent has no registered endpoint.
var ErrNotRegistered = errors.New("agent not registered")

// StatusError is a non-2xx reply from an agent.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Client        *http.Client
	Timeout       time.Duration
	HealthTimeout time.Duration
	// Signer, when set, adds detached envelope headers to every send.
	Signer *auth.Signer
	Retry  retry.Config
	// RateLimit is the per-agent send rate; zero disables limiting.
	RateLimit rate.Limit
	Burst     int
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// Router holds the agent endpoint table and delivers messages.
type Router struct {
	client        *http.Client
	timeout       time.Duration
	healthTimeout time.Duration
	signer        *auth.Signer
	retry         retry.Config
	rateLimit     rate.Limit
	burst         int
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	logger        *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]string
	order     []string
	limiters  map[string]*rate.Limiter
}

// NewRouter creates a router with no registered agents.
func NewRouter(cfg RouterConfig) *Router {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = DefaultHealthTimeout
	}
	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/2389/coven-coordinator/internal/a2a")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		client:        client,
		timeout:       timeout,
		healthTimeout: healthTimeout,
		signer:        cfg.Signer,
		retry:         retryCfg,
		rateLimit:     cfg.RateLimit,
		burst:         burst,
		metrics:       cfg.Metrics,
		tracer:        tracer,
		logger:        logger.With("component", "a2a.router"),
		endpoints:     make(map[string]string),
		limiters:      make(map[string]*rate.Limiter),
	}
}

// Register maps name to endpoint. Re-registering replaces the endpoint and
// keeps the agent's original position in registration order.
func (r *Router) Register(name, endpoint string) {
	endpoint = strings.TrimRight(endpoint, "/")

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, exists := r.endpoints[name]
	r.endpoints[name] = endpoint
	if !exists {
		r.order = append(r.order, name)
	}
	if r.rateLimit > 0 {
		if _, ok := r.limiters[name]; !ok {
			r.limiters[name] = rate.NewLimiter(r.rateLimit, r.burst)
		}
	}

	if exists && previous != endpoint {
		r.logger.Info("agent endpoint replaced", "agent", name, "endpoint", endpoint, "previous", previous)
		return
	}
	if !exists {
		r.logger.Info("=== AGENT REGISTERED ===", "agent", name, "endpoint", endpoint, "total_agents", len(r.order))
	}
}

// Unregister removes name and reports whether it was registered.
func (r *Router) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[name]; !ok {
		return false
	}
	delete(r.endpoints, name)
	delete(r.limiters, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("=== AGENT UNREGISTERED ===", "agent", name, "total_agents", len(r.order))
	return true
}

// Endpoint returns the base URL registered for name.
func (r *Router) Endpoint(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	return ep, ok
}

// Agents returns registered agent names in registration order.
func (r *Router) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Router) limiter(name string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}

// Send delivers msg to msg.ToAgent. It returns ErrNotRegistered for an
// unknown agent; every other failure is reported in the Response.
func (r *Router) Send(ctx context.Context, msg Message) (Response, error) {
	endpoint, ok := r.Endpoint(msg.ToAgent)
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrNotRegistered, msg.ToAgent)
	}

	ctx, span := r.tracer.Start(ctx, "a2a.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("a2a.message_id", msg.MessageID),
			attribute.String("a2a.from_agent", msg.FromAgent),
			attribute.String("a2a.to_agent", msg.ToAgent),
			attribute.String("a2a.intent", msg.Intent),
		),
	)
	defer span.End()

	r.logger.Debug("→ sending message",
		"message_id", msg.MessageID,
		"to_agent", msg.ToAgent,
		"intent", msg.Intent,
	)

	start := time.Now()
	resp := r.deliver(ctx, endpoint, msg)
	elapsed := time.Since(start)
	r.metrics.ObserveSend(msg.ToAgent, resp.Success, elapsed)

	span.SetAttributes(attribute.Bool("a2a.success", resp.Success))
	if resp.Success {
		r.logger.Debug("← agent responded", "message_id", msg.MessageID, "agent", msg.ToAgent, "elapsed", elapsed)
	} else {
		span.SetStatus(codes.Error, resp.Error)
		r.logger.Warn("← agent send failed",
			"message_id", msg.MessageID,
			"agent", msg.ToAgent,
			"intent", msg.Intent,
			"error", resp.Error,
			"elapsed", elapsed,
		)
	}
	return resp, nil
}

func (r *Router) deliver(ctx context.Context, endpoint string, msg Message) Response {
	if lim := r.limiter(msg.ToAgent); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return TransportFailure(msg, fmt.Sprintf("rate limit: %v", err))
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return TransportFailure(msg, fmt.Sprintf("encoding message: %v", err))
	}

	var reply Reply
	err = retry.Do(ctx, r.retry, func(ctx context.Context, attempt int) error {
		var postErr error
		reply, postErr = r.post(ctx, endpoint, msg, body)
		return postErr
	})
	if err != nil {
		return TransportFailure(msg, err.Error())
	}
	return ResponseTo(msg, reply)
}

func (r *Router) post(ctx context.Context, endpoint string, msg Message, body []byte) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+MessagePath, bytes.NewReader(body))
	if err != nil {
		return Reply{}, retry.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	if r.signer != nil {
		payload, err := decodeMap(body)
		if err != nil {
			return Reply{}, retry.Permanent(err)
		}
		if err := r.signer.SignRequest(req.Header, payload, msg.FromAgent); err != nil {
			return Reply{}, retry.Permanent(fmt.Errorf("signing message: %w", err))
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Reply{}, fmt.Errorf("timeout after %s", r.timeout)
		}
		return Reply{}, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, fmt.Errorf("network error: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Code: resp.StatusCode, Body: excerpt(raw)}
		if statusErr.retryable() {
			return Reply{}, statusErr
		}
		return Reply{}, retry.Permanent(statusErr)
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Reply{}, retry.Permanent(fmt.Errorf("decoding agent reply: %w", err))
	}
	return reply, nil
}

// Broadcast sends a copy of msg to every registered agent, optionally
// skipping msg.FromAgent. Sends run concurrently; the returned responses
// follow registration order and include every target.
func (r *Router) Broadcast(ctx context.Context, msg Message, excludeSender bool) []Response {
	var targets []string
	for _, name := range r.Agents() {
		if excludeSender && name == msg.FromAgent {
			continue
		}
		targets = append(targets, name)
	}

	r.logger.Info("broadcasting message", "message_id", msg.MessageID, "intent", msg.Intent, "targets", len(targets))

	responses := make([]Response, len(targets))
	var g errgroup.Group
	g.SetLimit(fanoutLimit)
	for i, name := range targets {
		g.Go(func() error {
			copyMsg := msg
			copyMsg.ToAgent = name
			copyMsg.MessageID = NewMessageID(msg.FromAgent)
			copyMsg.Metadata = make(map[string]any, len(msg.Metadata)+1)
			for k, v := range msg.Metadata {
				copyMsg.Metadata[k] = v
			}
			copyMsg.Metadata["broadcast_id"] = msg.MessageID

			resp, err := r.Send(ctx, copyMsg)
			if err != nil {
				resp = Failure(copyMsg, err.Error())
			}
			responses[i] = resp
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

func excerpt(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorExcerpt {
		s = s[:maxErrorExcerpt] + "..."
	}
	return s
}
