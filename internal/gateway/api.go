// ABOUTME: HTTP handlers for health, agents, queries, workflows, and coordinator views
// ABOUTME: Every error is a JSON body of the form {"error": "..."}

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-coordinator/internal/a2a"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/orchestrator"
	"github.com/2389/coven-coordinator/internal/session"
	"github.com/2389/coven-coordinator/internal/workflow"
)

const maxBodyBytes = 1 << 20

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version,omitempty"`
	Agents    int       `json:"registered_agents"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentsResponse is the body of GET /agents.
type AgentsResponse struct {
	Agents  []a2a.AgentHealth `json:"agents"`
	Healthy int               `json:"healthy"`
	Total   int               `json:"total"`
}

// AgentDetail is the body of GET /agents/{name}.
type AgentDetail struct {
	a2a.AgentHealth
	PackTools []string `json:"pack_tools"`
}

// QueryResponse is the body of POST /query.
type QueryResponse struct {
	orchestrator.Result
	SessionID string `json:"session_id"`
}

// WorkflowStatusResponse is the body of GET /workflows/{id}.
type WorkflowStatusResponse struct {
	workflow.Snapshot
	Results map[string]workflow.StepResult `json:"results"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Workflows workflow.Statistics `json:"workflows"`
	Sessions  session.Stats       `json:"sessions"`
	Tokens    int                 `json:"active_tokens"`
	Agents    int                 `json:"registered_agents"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Service:   g.name,
		Version:   g.version,
		Agents:    len(g.router.Agents()),
		Uptime:    time.Since(g.startedAt).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Workflows: g.workflows.Statistics(),
		Sessions:  g.sessions.Stats(),
		Tokens:    g.tokens.Count(),
		Agents:    len(g.router.Agents()),
	})
}

// handleListAgents probes every registered agent concurrently.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	health := g.router.ProbeAll(r.Context())
	resp := AgentsResponse{Agents: health, Total: len(health)}
	for _, h := range health {
		if h.Status == a2a.StatusHealthy {
			resp.Healthy++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h, err := g.router.Probe(r.Context(), name)
	if errors.Is(err, a2a.ErrNotRegistered) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found: "+name)
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	detail := AgentDetail{AgentHealth: h, PackTools: []string{}}
	if g.packs != nil {
		if tools := g.packs.ToolNames(name); tools != nil {
			detail.PackTools = tools
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleQuery runs a query to completion.
func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q coordinator.Query
	if !g.decode(w, r, &q) {
		return
	}
	if strings.TrimSpace(q.Text) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "query is required")
		return
	}
	q.SessionID = g.sessionFor(q.UserID, q.SessionID)

	res, err := g.orchestrator.Handle(r.Context(), q)
	g.trackWorkflow(q.SessionID, res.WorkflowID)
	resp := QueryResponse{Result: res, SessionID: q.SessionID}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, orchestrator.ErrTransport):
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		g.logger.Error("query failed", "workflow_id", res.WorkflowID, "error", err)
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

// handleSubmitWorkflow starts a workflow template or a background query.
func (g *Gateway) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.WorkflowRequest
	if !g.decode(w, r, &req) {
		return
	}
	resp, err := g.orchestrator.Submit(r.Context(), req)
	if errors.Is(err, orchestrator.ErrMissingType) || errors.Is(err, orchestrator.ErrMissingQuery) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("workflow submit failed", "type", req.Type, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sid, _ := req.Parameters["session_id"].(string); sid != "" {
		g.trackWorkflow(sid, resp.WorkflowID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows":  g.workflows.List(),
		"statistics": g.workflows.Statistics(),
	})
}

func (g *Gateway) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := g.workflows.Status(id)
	if errors.Is(err, workflow.ErrExecutionNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "workflow not found: "+id)
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results, err := g.workflows.Results(id)
	if err != nil {
		results = map[string]workflow.StepResult{}
	}
	writeJSON(w, http.StatusOK, WorkflowStatusResponse{Snapshot: snap, Results: results})
}

func (g *Gateway) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"definitions": g.workflows.Definitions()})
}

// handleRegisterDefinition validates the posted definition against the
// definition schema and registers it.
func (g *Gateway) handleRegisterDefinition(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	def, err := workflow.ParseDefinition(raw)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if def.ID == "" {
		def.ID, err = g.workflows.Define(def.Name, def.Description, def.Steps)
	} else {
		err = g.workflows.Register(def)
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, workflow.ErrAlreadyRegistered) {
			status = http.StatusConflict
		}
		g.sendJSONError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"workflow_id": def.ID,
		"status":      "registered",
		"agents":      def.Agents(),
	})
}

func (g *Gateway) handleExecuteDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req workflow.Request
	if r.ContentLength != 0 {
		if !g.decode(w, r, &req) {
			return
		}
	}
	if req.SessionID != "" {
		req.SessionID = g.sessionFor(req.UserID, req.SessionID)
	}
	execID, err := g.workflows.Execute(r.Context(), id, req)
	if errors.Is(err, workflow.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.trackWorkflow(req.SessionID, execID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"execution_id": execID,
		"workflow_id":  id,
		"status":       workflow.StatusRunning,
	})
}

func (g *Gateway) handleCoordinatorStatus(w http.ResponseWriter, r *http.Request) {
	st, err := g.coordinator.SystemStatus(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleAnalyze classifies a query and answers conversational ones without
// dispatching to agents.
func (g *Gateway) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var q coordinator.Query
	if !g.decode(w, r, &q) {
		return
	}
	if strings.TrimSpace(q.Text) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "query is required")
		return
	}
	reply, err := g.coordinator.Process(r.Context(), q)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (g *Gateway) handleMemory(w http.ResponseWriter, r *http.Request) {
	sum, err := g.coordinator.MemorySummary(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// sessionFor returns a live session id for userID, creating a session when
// id is empty, unknown, or expired.
func (g *Gateway) sessionFor(userID, id string) string {
	if id != "" && g.sessions.Touch(id) == nil {
		return id
	}
	if userID == "" {
		userID = coordinator.DefaultUser
	}
	return g.sessions.Create(userID, nil, nil).ID
}

// trackWorkflow lists execID as active in the session until it finishes.
func (g *Gateway) trackWorkflow(sessionID, execID string) {
	if sessionID == "" || execID == "" {
		return
	}
	if err := g.sessions.AttachWorkflow(sessionID, execID); err != nil {
		return
	}
	// The terminal callback may already have fired.
	if snap, err := g.workflows.Status(execID); err == nil && snap.Status.Terminal() {
		g.sessions.DetachWorkflow(execID)
	}
}

// decode reads a JSON body into v and writes a 400 on failure.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
