// ABOUTME: Inbound A2A endpoint that lets agents ask the coordinator for work
// ABOUTME: Also serves admin token issue and revoke for holders of system_management

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-coordinator/internal/a2a"
	"github.com/2389/coven-coordinator/internal/auth"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/workflow"
)

// PermissionManage guards token administration.
const PermissionManage = "system_management"

// Intents accepted on the inbound A2A endpoint.
const (
	IntentRouteQuery     = "route_query"
	IntentWorkflowStatus = "workflow_status"
)

// handleA2AMessage accepts a message from an authenticated agent. Failures
// of the requested operation are reported in the reply body with a 200, the
// way agents report their own failures.
func (g *Gateway) handleA2AMessage(w http.ResponseWriter, r *http.Request) {
	identity := auth.AgentFromContext(r.Context())

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	payload, err := decodeWire(raw)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if g.requireSignatures {
		signer, err := g.signer.VerifyEnvelope(auth.EnvelopeFromRequest(r.Header, payload))
		if err != nil {
			g.logger.Warn("rejected unsigned or badly signed message", "agent", identity.Name, "error", err)
			g.sendJSONError(w, http.StatusUnauthorized, "signature verification failed: "+err.Error())
			return
		}
		if signer != identity.Name {
			g.sendJSONError(w, http.StatusForbidden, "envelope agent does not match token")
			return
		}
	}

	msg, err := a2a.MessageFromMap(payload)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg.FromAgent != identity.Name {
		g.sendJSONError(w, http.StatusForbidden, fmt.Sprintf("from_agent %q does not match token", msg.FromAgent))
		return
	}
	if g.seen != nil && !g.seen.Observe(msg.MessageID) {
		g.logger.Warn("duplicate message", "message_id", msg.MessageID, "agent", msg.FromAgent)
		writeJSON(w, http.StatusConflict, a2a.Reply{Success: false, Error: "duplicate message_id " + msg.MessageID})
		return
	}

	g.logger.Debug("← inbound message",
		"message_id", msg.MessageID,
		"agent", msg.FromAgent,
		"intent", msg.Intent,
	)

	var reply a2a.Reply
	switch msg.Intent {
	case IntentRouteQuery:
		reply = g.routeQuery(r, msg)
	case IntentWorkflowStatus:
		reply = g.workflowStatus(msg)
	default:
		reply = a2a.Reply{Success: false, Error: "unsupported intent: " + msg.Intent}
	}
	reply.Metadata = map[string]any{"message_id": msg.MessageID, "from_agent": g.name}
	writeJSON(w, http.StatusOK, reply)
}

func (g *Gateway) routeQuery(r *http.Request, msg a2a.Message) a2a.Reply {
	text, _ := msg.Payload["query"].(string)
	if strings.TrimSpace(text) == "" {
		return a2a.Reply{Success: false, Error: "payload.query is required"}
	}
	userID, _ := msg.Payload["user_id"].(string)
	q := coordinator.Query{Text: text, UserID: userID, SessionID: msg.SessionID}
	if q.SessionID != "" {
		q.SessionID = g.sessionFor(userID, q.SessionID)
	}

	res, err := g.orchestrator.Handle(r.Context(), q)
	g.trackWorkflow(q.SessionID, res.WorkflowID)
	data, convErr := toMap(res)
	if convErr != nil {
		return a2a.Reply{Success: false, Error: convErr.Error()}
	}
	if err != nil {
		return a2a.Reply{Success: false, Data: data, Error: err.Error()}
	}
	return a2a.Reply{Success: true, Data: data}
}

func (g *Gateway) workflowStatus(msg a2a.Message) a2a.Reply {
	id, _ := msg.Payload["workflow_id"].(string)
	if id == "" {
		return a2a.Reply{Success: false, Error: "payload.workflow_id is required"}
	}
	snap, err := g.workflows.Status(id)
	if errors.Is(err, workflow.ErrExecutionNotFound) {
		return a2a.Reply{Success: false, Error: "workflow not found: " + id}
	}
	if err != nil {
		return a2a.Reply{Success: false, Error: err.Error()}
	}
	data, err := toMap(snap)
	if err != nil {
		return a2a.Reply{Success: false, Error: err.Error()}
	}
	return a2a.Reply{Success: true, Data: data}
}

// TokenResponse is the body of POST /auth/tokens/{agent}.
type TokenResponse struct {
	auth.Token
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	Permissions []string `json:"permissions"`
}

func (g *Gateway) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	tok, err := g.tokens.Issue(agent)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller := auth.AgentFromContext(r.Context())
	g.logger.Info("token issued via API", "agent", agent, "by", caller.Name)
	g.recordAudit(r, store.AuditEntry{
		Actor:  caller.Name,
		Action: store.AuditIssueToken,
		Target: agent,
		Detail: map[string]any{"expires_at": tok.ExpiresAt},
	})
	writeJSON(w, http.StatusCreated, TokenResponse{
		Token:       tok,
		AccessToken: tok.Value,
		TokenType:   "Bearer",
		Permissions: auth.Permissions(agent),
	})
}

func (g *Gateway) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if !g.tokens.Revoke(agent) {
		g.sendJSONError(w, http.StatusNotFound, "no token for agent: "+agent)
		return
	}
	caller := auth.AgentFromContext(r.Context())
	g.logger.Info("token revoked via API", "agent", agent, "by", caller.Name)
	g.recordAudit(r, store.AuditEntry{Actor: caller.Name, Action: store.AuditRevokeToken, Target: agent})
	w.WriteHeader(http.StatusNoContent)
}

// recordAudit appends e to the audit log. Failures are logged; the action
// itself has already happened.
func (g *Gateway) recordAudit(r *http.Request, e store.AuditEntry) {
	if g.audit == nil {
		return
	}
	if _, err := store.AppendAudit(r.Context(), g.audit, e); err != nil {
		g.logger.Error("audit append failed", "action", e.Action, "target", e.Target, "error", err)
	}
}

// handleAudit lists recent token administration, newest first.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	if g.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []store.AuditEntry{}})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := store.ListAudit(r.Context(), g.audit, limit)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// decodeWire keeps numbers as json.Number so signatures are verified over
// the same canonical form the sender signed.
func decodeWire(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("empty body")
	}
	return out, nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding reply data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encoding reply data: %w", err)
	}
	return out, nil
}
