// ABOUTME: Probes agent GET /health endpoints and summarizes their state
// ABOUTME: Classifies each agent as healthy, unhealthy, or unreachable

package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultHealthTimeout bounds a single health probe.
const DefaultHealthTimeout = 2 * time.Second

// HealthPath is the agent health endpoint.
const HealthPath = "/health"

// HealthStatus summarizes one probe.
type HealthStatus string

// Health statuses.
const (
	StatusHealthy     HealthStatus = "healthy"
	StatusUnhealthy   HealthStatus = "unhealthy"
	StatusUnreachable HealthStatus = "unreachable"
)

// AgentHealth is the result of probing one agent.
type AgentHealth struct {
	Name      string         `json:"name"`
	Endpoint  string         `json:"endpoint"`
	Status    HealthStatus   `json:"status"`
	Tools     []string       `json:"tools"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	Latency   time.Duration  `json:"latency_ns"`
	CheckedAt time.Time      `json:"checked_at"`
}

type healthBody struct {
	Status string   `json:"status"`
	Tools  []string `json:"tools"`
}

// Probe checks one registered agent.
func (r *Router) Probe(ctx context.Context, name string) (AgentHealth, error) {
	endpoint, ok := r.Endpoint(name)
	if !ok {
		return AgentHealth{}, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return r.probe(ctx, name, endpoint), nil
}

func (r *Router) probe(ctx context.Context, name, endpoint string) AgentHealth {
	h := AgentHealth{Name: name, Endpoint: endpoint, Tools: []string{}, CheckedAt: time.Now().UTC()}

	ctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+HealthPath, nil)
	if err != nil {
		h.Status = StatusUnreachable
		h.Error = err.Error()
		return h
	}

	resp, err := r.client.Do(req)
	h.Latency = time.Since(start)
	if err != nil {
		h.Status = StatusUnreachable
		h.Error = err.Error()
		return h
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if resp.StatusCode != http.StatusOK {
		h.Status = StatusUnhealthy
		h.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return h
	}

	h.Status = StatusHealthy
	var body healthBody
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Tools != nil {
			h.Tools = body.Tools
		}
		var details map[string]any
		if json.Unmarshal(raw, &details) == nil {
			h.Details = details
		}
		if body.Status != "" && body.Status != "healthy" && body.Status != "ok" {
			h.Status = StatusUnhealthy
			h.Error = "agent reported status " + body.Status
		}
	}
	return h
}

// ProbeAll checks every registered agent concurrently. Results follow
// registration order.
func (r *Router) ProbeAll(ctx context.Context) []AgentHealth {
	names := r.Agents()
	results := make([]AgentHealth, len(names))

	var g errgroup.Group
	g.SetLimit(fanoutLimit)
	for i, name := range names {
		g.Go(func() error {
			h, err := r.Probe(ctx, name)
			if err != nil {
				h = AgentHealth{Name: name, Status: StatusUnreachable, Tools: []string{}, Error: err.Error(), CheckedAt: time.Now().UTC()}
			}
			results[i] = h
			return nil
		})
	}
	_ = g.Wait()
	return results
}
