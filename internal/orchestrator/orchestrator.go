// ABOUTME: Orchestrates queries through classify, route, dispatch, and synthesize phases
// ABOUTME: Also starts workflow templates and background queries for POST /workflow

package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/intent"
	"github.com/2389/coven-coordinator/internal/workflow"
)

// QueryType is the workflow type that runs a free-text query.
const QueryType = "query"

// EstimatedDuration is reported to callers of Submit, in seconds.
const EstimatedDuration = 300

var (
	ErrMissingQuery = errors.New("parameters.query is required")
	ErrMissingType  = errors.New("workflow type is required")
)

// ErrTransport marks an execution failed because an agent never answered.
var ErrTransport = errors.New("agent transport failure")

// AgentReply is one agent's part of an answer.
type AgentReply struct {
	Agent    string `json:"agent"`
	Response string `json:"response"`
	// Templated is set when the agent did not answer and a fixed reply
	// stands in for it.
	Templated bool `json:"templated"`
}

// Result is the outcome of Handle.
type Result struct {
	WorkflowID string          `json:"workflow_id"`
	Status     workflow.Status `json:"status"`
	Phase      workflow.Phase  `json:"phase"`
	Intent     intent.Intent   `json:"intent"`
	Strategy   intent.Strategy `json:"coordination_strategy,omitempty"`
	Agents     []string        `json:"agents_involved"`
	Response   string          `json:"response,omitempty"`
	HTML       string          `json:"response_html,omitempty"`
	Replies    []AgentReply    `json:"agent_responses,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// WorkflowRequest is the body of POST /workflow.
type WorkflowRequest struct {
	Type       string         `json:"type"`
	UserID     string         `json:"user_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority,omitempty"`
}

// WorkflowResponse acknowledges a submitted workflow.
type WorkflowResponse struct {
	WorkflowID        string   `json:"workflow_id"`
	Status            string   `json:"status"`
	Message           string   `json:"message"`
	AgentsInvolved    []string `json:"agents_involved"`
	EstimatedDuration int      `json:"estimated_duration"`
}

// Config configures an Orchestrator.
type Config struct {
	Coordinator *coordinator.Coordinator
	Workflows   *workflow.Coordinator
	// Templates are registered before the built-in workflow types and win
	// on name clashes.
	Templates []workflow.Definition
	Logger    *slog.Logger
}

// Orchestrator runs queries and workflow templates.
type Orchestrator struct {
	coord     *coordinator.Coordinator
	workflows *workflow.Coordinator
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator and registers workflow templates.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Coordinator == nil || cfg.Workflows == nil {
		return nil, errors.New("coordinator and workflow engine are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		coord:     cfg.Coordinator,
		workflows: cfg.Workflows,
		logger:    logger.With("component", "orchestrator"),
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())

	for _, def := range cfg.Templates {
		if err := o.workflows.Register(def); err != nil {
			return nil, fmt.Errorf("registering template %s: %w", def.ID, err)
		}
	}
	for _, def := range DefaultTemplates() {
		err := o.workflows.Register(def)
		if err != nil && !errors.Is(err, workflow.ErrAlreadyRegistered) {
			return nil, fmt.Errorf("registering template %s: %w", def.ID, err)
		}
	}
	return o, nil
}

// Close stops background queries and waits for them.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Templates lists registered workflow definitions.
func (o *Orchestrator) Templates() []workflow.Definition {
	return o.workflows.Definitions()
}

// Handle runs q to completion and returns the synthesized answer. The
// returned error is non-nil only when the execution failed.
func (o *Orchestrator) Handle(ctx context.Context, q coordinator.Query) (Result, error) {
	exec := o.begin(q)
	return o.drive(ctx, exec.ID, q)
}

func (o *Orchestrator) begin(q coordinator.Query) workflow.Execution {
	return o.workflows.Begin(workflow.KindQuery, workflow.Request{
		UserID:    q.UserID,
		SessionID: q.SessionID,
		Parameters: map[string]any{
			"query": q.Text,
		},
	})
}

func (o *Orchestrator) drive(ctx context.Context, id string, q coordinator.Query) (Result, error) {
	res := Result{WorkflowID: id}

	if err := o.workflows.Advance(id, workflow.PhaseAnalyzing); err != nil {
		return o.fail(res, err)
	}
	reply, err := o.coord.Process(ctx, q)
	if err != nil {
		return o.fail(res, fmt.Errorf("classifying query: %w", err))
	}
	d := reply.Decision
	res.Intent = d.Intent
	res.Strategy = d.Strategy

	if !reply.ShouldForward {
		res.Response = reply.Response
		return o.complete(res)
	}

	if err := o.workflows.Advance(id, workflow.PhaseRouting); err != nil {
		return o.fail(res, err)
	}
	res.Agents = d.TargetAgents
	if err := o.workflows.SetAgents(id, d.TargetAgents); err != nil {
		return o.fail(res, err)
	}
	o.logger.Info("routing query",
		"execution_id", id,
		"intent", d.Intent,
		"agents", d.TargetAgents,
		"strategy", d.Strategy,
	)

	params := map[string]any{"query": q.Text, "intent": string(d.Intent)}
	if d.Strategy != "" {
		params["strategy"] = string(d.Strategy)
	}
	steps := chain(d.TargetAgents, params, len(d.TargetAgents) > 1 && sequential(d.Strategy))
	results, err := o.workflows.Dispatch(ctx, id, steps)
	if err != nil {
		return o.fail(res, err)
	}

	var transport []string
	for _, agent := range d.TargetAgents {
		r, ran := results[agent]
		if ran && r.Transport {
			transport = append(transport, fmt.Sprintf("%s: %s", agent, r.Error))
			continue
		}
		text, ok := agentText(r)
		res.Replies = append(res.Replies, AgentReply{
			Agent:     agent,
			Response:  orTemplate(text, ok, agent, q.Text),
			Templated: !ok,
		})
	}
	if len(transport) > 0 {
		return o.fail(res, fmt.Errorf("%w: %s", ErrTransport, strings.Join(transport, "; ")))
	}

	res.Response = synthesize(q.Text, d.Strategy, res.Replies)
	if reply.Response != "" {
		res.Response = reply.Response + "\n\n" + res.Response
	}
	return o.complete(res)
}

func orTemplate(text string, ok bool, agent, query string) string {
	if ok {
		return text
	}
	return templateReply(agent, query)
}

// agentText pulls the reply text out of a successful step result.
func agentText(r workflow.StepResult) (string, bool) {
	if !r.Success {
		return "", false
	}
	for _, key := range []string{"response", "message", "result"} {
		if s, ok := r.Result[key].(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

func renderHTML(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	return buf.String()
}

func (o *Orchestrator) complete(res Result) (Result, error) {
	res.HTML = renderHTML(res.Response)
	exec, err := o.workflows.Finish(res.WorkflowID, resultMap(res), nil)
	if err != nil {
		return o.fail(res, err)
	}
	res.Status = exec.Status
	res.Phase = exec.Phase
	return res, nil
}

func (o *Orchestrator) fail(res Result, runErr error) (Result, error) {
	res.Error = runErr.Error()
	res.Status = workflow.StatusFailed
	res.Phase = workflow.PhaseFailed
	if exec, err := o.workflows.Finish(res.WorkflowID, resultMap(res), runErr); err == nil {
		res.Status = exec.Status
		res.Phase = exec.Phase
	}
	o.logger.Warn("query failed", "execution_id", res.WorkflowID, "error", runErr)
	return res, runErr
}

func resultMap(res Result) map[string]any {
	m := map[string]any{
		"intent":   string(res.Intent),
		"response": res.Response,
	}
	if res.Strategy != "" {
		m["coordination_strategy"] = string(res.Strategy)
	}
	if len(res.Replies) > 0 {
		replies := make([]map[string]any, len(res.Replies))
		for i, r := range res.Replies {
			replies[i] = map[string]any{"agent": r.Agent, "response": r.Response, "templated": r.Templated}
		}
		m["agent_responses"] = replies
	}
	return m
}

// Submit starts a workflow without waiting for it. Type names a workflow
// template, or QueryType to run parameters.query through Handle. Unknown
// types run the default template.
func (o *Orchestrator) Submit(ctx context.Context, req WorkflowRequest) (WorkflowResponse, error) {
	if req.Type == "" {
		return WorkflowResponse{}, ErrMissingType
	}

	if req.Type == QueryType {
		text, _ := req.Parameters["query"].(string)
		if strings.TrimSpace(text) == "" {
			return WorkflowResponse{}, ErrMissingQuery
		}
		session, _ := req.Parameters["session_id"].(string)
		q := coordinator.Query{Text: text, UserID: req.UserID, SessionID: session}
		exec := o.begin(q)

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			ctx, cancel := context.WithTimeout(o.ctx, EstimatedDuration*time.Second)
			defer cancel()
			_, _ = o.drive(ctx, exec.ID, q)
		}()

		return WorkflowResponse{
			WorkflowID:        exec.ID,
			Status:            "started",
			Message:           "Query workflow started",
			AgentsInvolved:    []string{},
			EstimatedDuration: EstimatedDuration,
		}, nil
	}

	name := req.Type
	def, err := o.workflows.Definition(name)
	if errors.Is(err, workflow.ErrNotFound) {
		o.logger.Info("unknown workflow type, using default", "type", name)
		name = DefaultTemplate
		def, err = o.workflows.Definition(name)
	}
	if err != nil {
		return WorkflowResponse{}, err
	}

	params := make(map[string]any, len(req.Parameters)+1)
	for k, v := range req.Parameters {
		params[k] = v
	}
	if req.Priority != 0 {
		params["priority"] = req.Priority
	}
	id, err := o.workflows.Execute(ctx, name, workflow.Request{UserID: req.UserID, Parameters: params})
	if err != nil {
		return WorkflowResponse{}, err
	}
	return WorkflowResponse{
		WorkflowID:        id,
		Status:            "started",
		Message:           fmt.Sprintf("Workflow %s started", req.Type),
		AgentsInvolved:    def.Agents(),
		EstimatedDuration: EstimatedDuration,
	}, nil
}
