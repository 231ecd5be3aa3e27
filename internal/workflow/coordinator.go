// ABOUTME: Workflow coordinator owning definitions, executions, and step results
// ABOUTME: Starts DAG runs in the background and tracks orchestrated executions through their phases

package workflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-coordinator/internal/a2a"
	"github.com/2389/coven-coordinator/internal/metrics"
	"github.com/2389/coven-coordinator/internal/packs"
	"github.com/2389/coven-coordinator/internal/retry"
	"github.com/2389/coven-coordinator/internal/store"
)

// DefaultSender is the from_agent on step messages.
const DefaultSender = "workflow-coordinator"

const executionKeyPrefix = "execution/"

// Sender delivers one message. *a2a.Router implements it.
type Sender interface {
	Send(ctx context.Context, msg a2a.Message) (a2a.Response, error)
}

// ToolResolver finds the pack tool a step invokes. *packs.Registry
// implements it.
type ToolResolver interface {
	ResolveFor(agent, tool string) (*packs.Tool, error)
}

// StatusCallback runs when an execution reaches the status it was
// registered for.
type StatusCallback func(executionID string, exec Execution)

// Config configures a Coordinator.
type Config struct {
	Sender Sender
	// Tools, when set, resolves and validates every step's tool.
	Tools ToolResolver
	// Name is the from_agent on step messages.
	Name            string
	StepTimeout     time.Duration
	MaxRetries      int
	WorkflowTimeout time.Duration
	// Backoff shapes the delay between step retries; its MaxAttempts is
	// ignored in favor of each step's retry budget.
	Backoff    retry.Config
	HaltPolicy HaltPolicy
	// Store, when set, receives a record of every terminal execution.
	Store   store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type run struct {
	exec    Execution
	def     *Definition
	results map[string]StepResult
	done    chan struct{}
}

// record is what gets persisted for a terminal execution.
type record struct {
	Execution Execution             `json:"execution"`
	Results   map[string]StepResult `json:"results"`
	Name      string                `json:"workflow_name,omitempty"`
	Desc      string                `json:"workflow_description,omitempty"`
}

// Coordinator owns workflow definitions and executions.
type Coordinator struct {
	sender          Sender
	tools           ToolResolver
	name            string
	stepTimeout     time.Duration
	maxRetries      int
	workflowTimeout time.Duration
	backoff         retry.Config
	halt            HaltPolicy
	store           store.Store
	metrics         *metrics.Metrics
	logger          *slog.Logger
	now             func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	definitions map[string]*Definition
	runs        map[string]*run
	callbacks   map[Status][]StatusCallback
}

// NewCoordinator creates a coordinator with no definitions.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		sender:          cfg.Sender,
		tools:           cfg.Tools,
		name:            cfg.Name,
		stepTimeout:     cfg.StepTimeout,
		maxRetries:      cfg.MaxRetries,
		workflowTimeout: cfg.WorkflowTimeout,
		backoff:         cfg.Backoff,
		halt:            cfg.HaltPolicy,
		store:           cfg.Store,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		now:             cfg.Now,
		definitions:     make(map[string]*Definition),
		runs:            make(map[string]*run),
		callbacks:       make(map[Status][]StatusCallback),
	}
	if c.name == "" {
		c.name = DefaultSender
	}
	if c.stepTimeout <= 0 {
		c.stepTimeout = DefaultStepTimeout
	}
	if c.maxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.workflowTimeout <= 0 {
		c.workflowTimeout = DefaultWorkflowTimeout
	}
	if c.backoff.InitialBackoff == 0 && c.backoff.Multiplier == 0 {
		c.backoff = retry.DefaultConfig()
	}
	if c.halt == "" {
		c.halt = HaltFailFast
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "workflow")
	if c.now == nil {
		c.now = time.Now
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Close cancels running executions and waits for them to finish.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Register validates def and stores it. Defaults are applied to a copy.
func (c *Coordinator) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: workflow_id is required", ErrInvalidDefinition)
	}
	if err := c.checkSteps(def.Steps); err != nil {
		return err
	}

	stored := def
	stored.Steps = append([]Step(nil), def.Steps...)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = c.now()
	}
	if stored.Timeout <= 0 {
		stored.Timeout = c.workflowTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.definitions[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, def.ID)
	}
	c.definitions[def.ID] = &stored

	c.logger.Info("=== WORKFLOW REGISTERED ===",
		"workflow_id", def.ID,
		"name", def.Name,
		"steps", len(def.Steps),
		"agents", strings.Join(stored.Agents(), ","),
	)
	return nil
}

func (c *Coordinator) checkSteps(steps []Step) error {
	dangling, err := validateSteps(steps)
	if err != nil {
		return err
	}
	if len(dangling) > 0 {
		c.logger.Warn("steps depend on ids outside the workflow and will deadlock", "dependencies", dangling)
	}
	if c.tools == nil {
		return nil
	}
	for _, s := range steps {
		tool, err := c.tools.ResolveFor(s.Agent, s.Tool)
		if err != nil {
			return fmt.Errorf("%w: step %s: %w", ErrInvalidDefinition, s.ID, err)
		}
		if len(s.Parameters) > 0 {
			if err := tool.ValidateParameters(s.Parameters); err != nil {
				return fmt.Errorf("%w: step %s: %w", ErrInvalidDefinition, s.ID, err)
			}
		}
	}
	return nil
}

// Define registers a new definition under a generated id. Steps without
// an id are numbered step_1, step_2, ...
func (c *Coordinator) Define(name, description string, steps []Step) (string, error) {
	id := "workflow_" + uuid.New().String()[:8]
	numbered := make([]Step, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			s.ID = fmt.Sprintf("step_%d", i+1)
		}
		numbered[i] = s
	}
	err := c.Register(Definition{ID: id, Name: name, Description: description, Steps: numbered})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Definition returns a registered definition.
func (c *Coordinator) Definition(id string) (Definition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.definitions[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *def, nil
}

// Definitions returns every registered definition sorted by id.
func (c *Coordinator) Definitions() []Definition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Definition, 0, len(c.definitions))
	for _, d := range c.definitions {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func newExecutionID(workflowID string) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return workflowID + "_" + uuid.New().String()[:8]
	}
	return workflowID + "_" + hex.EncodeToString(b[:])
}

func (c *Coordinator) newRun(kind Kind, workflowID string, req Request, def *Definition) *run {
	exec := Execution{
		ID:         newExecutionID(workflowID),
		WorkflowID: workflowID,
		Kind:       kind,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Parameters: req.Parameters,
		Status:     StatusRunning,
		Phase:      PhaseCreated,
		StepStates: map[string]StepStatus{},
		StartedAt:  c.now(),
	}
	if def != nil {
		exec.TotalSteps = len(def.Steps)
		exec.Agents = def.Agents()
		for _, s := range def.Steps {
			exec.StepStates[s.ID] = StepPending
		}
	}
	return &run{exec: exec, def: def, results: map[string]StepResult{}, done: make(chan struct{})}
}

// Execute starts a run of a registered workflow and returns its execution
// id without waiting for it.
func (c *Coordinator) Execute(ctx context.Context, workflowID string, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	def, ok := c.definitions[workflowID]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	r := c.newRun(KindDAG, workflowID, req, def)
	r.exec.Phase = PhaseExecuting
	c.runs[r.exec.ID] = r
	c.mu.Unlock()

	c.logger.Info("=== EXECUTION STARTED ===",
		"execution_id", r.exec.ID,
		"workflow_id", workflowID,
		"user_id", req.UserID,
		"steps", len(def.Steps),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		runCtx, cancel := context.WithTimeout(c.ctx, def.Timeout)
		defer cancel()
		err := c.schedule(runCtx, r, def.Steps, def.Timeout)
		c.finish(r, nil, err)
	}()

	return r.exec.ID, nil
}

// Begin creates an orchestrated execution in the created phase.
func (c *Coordinator) Begin(kind Kind, req Request) Execution {
	r := c.newRun(kind, string(kind), req, nil)

	c.mu.Lock()
	c.runs[r.exec.ID] = r
	exec := r.exec.clone()
	c.mu.Unlock()

	c.logger.Debug("execution created", "execution_id", exec.ID, "kind", kind, "user_id", req.UserID)
	return exec
}

// Advance moves an execution to phase. Terminal phases go through Finish.
func (c *Coordinator) Advance(id string, phase Phase) error {
	if phase == PhaseCompleted || phase == PhaseFailed {
		return fmt.Errorf("%w: use Finish to enter %s", ErrInvalidTransition, phase)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if !r.exec.Phase.CanTransition(phase) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, r.exec.Phase, phase)
	}
	r.exec.Phase = phase
	c.logger.Debug("execution phase", "execution_id", id, "phase", phase)
	return nil
}

// SetAgents records the agents an orchestrated execution involves.
func (c *Coordinator) SetAgents(id string, agents []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	r.exec.Agents = append([]string(nil), agents...)
	return nil
}

// Dispatch runs steps for an orchestrated execution and blocks until the
// scheduler is done. The execution moves to the executing phase but is
// not finished; the caller calls Finish.
func (c *Coordinator) Dispatch(ctx context.Context, id string, steps []Step) (map[string]StepResult, error) {
	if err := c.checkSteps(steps); err != nil {
		return nil, err
	}

	c.mu.Lock()
	r, ok := c.runs[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if !r.exec.Phase.CanTransition(PhaseExecuting) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, r.exec.Phase, PhaseExecuting)
	}
	r.exec.Phase = PhaseExecuting
	r.exec.TotalSteps = len(steps)
	for _, s := range steps {
		r.exec.StepStates[s.ID] = StepPending
	}
	c.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, c.workflowTimeout)
	defer cancel()
	err := c.schedule(runCtx, r, steps, c.workflowTimeout)

	c.mu.Lock()
	results := make(map[string]StepResult, len(r.results))
	for k, v := range r.results {
		results[k] = v
	}
	c.mu.Unlock()
	return results, err
}

// Finish moves an orchestrated execution to its terminal status. A nil
// runErr completes it.
func (c *Coordinator) Finish(id string, result map[string]any, runErr error) (Execution, error) {
	c.mu.Lock()
	r, ok := c.runs[id]
	if !ok {
		c.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	target := PhaseCompleted
	if runErr != nil {
		target = PhaseFailed
	}
	if !r.exec.Phase.CanTransition(target) {
		c.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, r.exec.Phase, target)
	}
	c.mu.Unlock()

	return c.finish(r, result, runErr), nil
}

// finish stamps the terminal status, persists the record, and fires
// callbacks before releasing waiters.
func (c *Coordinator) finish(r *run, result map[string]any, runErr error) Execution {
	c.mu.Lock()
	if r.exec.Status.Terminal() {
		exec := r.exec.clone()
		c.mu.Unlock()
		return exec
	}
	now := c.now()
	r.exec.CompletedAt = &now
	if result != nil {
		r.exec.Result = result
	}
	switch {
	case runErr != nil:
		r.exec.Status = StatusFailed
		r.exec.Error = runErr.Error()
	case r.exec.Kind == KindDAG && r.exec.StepsFailed > 0:
		r.exec.Status = StatusFailed
		r.exec.Error = "failed steps: " + strings.Join(failedSteps(r), ", ")
	default:
		r.exec.Status = StatusCompleted
	}
	if r.exec.Status == StatusCompleted {
		r.exec.Phase = PhaseCompleted
	} else {
		r.exec.Phase = PhaseFailed
	}
	exec := r.exec.clone()
	rec := c.recordLocked(r)
	callbacks := append([]StatusCallback(nil), c.callbacks[exec.Status]...)
	c.mu.Unlock()
	defer close(r.done)

	c.metrics.ExecutionFinished(string(exec.Status))
	logArgs := []any{
		"execution_id", exec.ID,
		"workflow_id", exec.WorkflowID,
		"status", exec.Status,
		"steps_completed", exec.StepsCompleted,
		"steps_failed", exec.StepsFailed,
		"elapsed", now.Sub(exec.StartedAt),
	}
	if exec.Status == StatusFailed {
		c.logger.Warn("=== EXECUTION FAILED ===", append(logArgs, "error", exec.Error)...)
	} else {
		c.logger.Info("=== EXECUTION COMPLETED ===", logArgs...)
	}

	if c.store != nil {
		if err := store.PutJSON(context.Background(), c.store, executionKeyPrefix+exec.ID, rec); err != nil {
			c.logger.Warn("failed to persist execution", "execution_id", exec.ID, "error", err)
		}
	}

	for _, cb := range callbacks {
		c.invoke(cb, exec)
	}
	return exec
}

func (c *Coordinator) invoke(cb StatusCallback, exec Execution) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("status callback panicked", "execution_id", exec.ID, "panic", p)
		}
	}()
	cb(exec.ID, exec.clone())
}

func failedSteps(r *run) []string {
	var out []string
	for id, st := range r.exec.StepStates {
		if st == StepFailed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) recordLocked(r *run) record {
	rec := record{Execution: r.exec.clone(), Results: make(map[string]StepResult, len(r.results))}
	for k, v := range r.results {
		rec.Results[k] = v
	}
	if r.def != nil {
		rec.Name = r.def.Name
		rec.Desc = r.def.Description
	}
	return rec
}

// OnStatus registers fn to run when an execution reaches status.
func (c *Coordinator) OnStatus(status Status, fn StatusCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[status] = append(c.callbacks[status], fn)
}

// Wait blocks until the execution is terminal or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id string) (Snapshot, error) {
	c.mu.Lock()
	r, ok := c.runs[id]
	c.mu.Unlock()
	if !ok {
		return c.Status(id)
	}

	select {
	case <-r.done:
		return c.Status(id)
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Status reports an execution with its progress. Executions no longer in
// memory are read back from the store.
func (c *Coordinator) Status(id string) (Snapshot, error) {
	c.mu.Lock()
	r, ok := c.runs[id]
	if ok {
		snap := Snapshot{Execution: r.exec.clone()}
		if r.def != nil {
			snap.WorkflowName = r.def.Name
			snap.WorkflowDescription = r.def.Description
		}
		c.mu.Unlock()
		snap.Progress = snap.Execution.Progress()
		return snap, nil
	}
	c.mu.Unlock()

	rec, err := c.loadRecord(id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Execution:           rec.Execution,
		Progress:            rec.Execution.Progress(),
		WorkflowName:        rec.Name,
		WorkflowDescription: rec.Desc,
	}, nil
}

func (c *Coordinator) loadRecord(id string) (record, error) {
	if c.store == nil {
		return record{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	var rec record
	if err := store.GetJSON(context.Background(), c.store, executionKeyPrefix+id, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return record{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return record{}, fmt.Errorf("loading execution %s: %w", id, err)
	}
	return rec, nil
}

// Results returns the step results recorded so far, keyed by step id.
func (c *Coordinator) Results(id string) (map[string]StepResult, error) {
	c.mu.Lock()
	r, ok := c.runs[id]
	if ok {
		out := make(map[string]StepResult, len(r.results))
		for k, v := range r.results {
			out[k] = v
		}
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	rec, err := c.loadRecord(id)
	if err != nil {
		return nil, err
	}
	return rec.Results, nil
}

// List returns every in-memory execution, newest first.
func (c *Coordinator) List() []Snapshot {
	c.mu.Lock()
	out := make([]Snapshot, 0, len(c.runs))
	for _, r := range c.runs {
		snap := Snapshot{Execution: r.exec.clone()}
		if r.def != nil {
			snap.WorkflowName = r.def.Name
			snap.WorkflowDescription = r.def.Description
		}
		out = append(out, snap)
	}
	c.mu.Unlock()

	for i := range out {
		out[i].Progress = out[i].Execution.Progress()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Cleanup evicts terminal executions that finished more than maxAge ago,
// along with their step results and stored records.
func (c *Coordinator) Cleanup(ctx context.Context, maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)

	c.mu.Lock()
	var evicted []string
	for id, r := range c.runs {
		if r.exec.Status.Terminal() && r.exec.CompletedAt != nil && r.exec.CompletedAt.Before(cutoff) {
			delete(c.runs, id)
			evicted = append(evicted, id)
		}
	}
	c.mu.Unlock()

	removed := len(evicted)
	if c.store != nil {
		removed += c.cleanupStore(ctx, cutoff, evicted)
	}
	if removed > 0 {
		c.logger.Info("executions cleaned up", "count", removed, "max_age", maxAge)
	}
	return removed
}

// cleanupStore deletes stored records older than cutoff and returns how
// many were not already counted in evicted.
func (c *Coordinator) cleanupStore(ctx context.Context, cutoff time.Time, evicted []string) int {
	counted := make(map[string]bool, len(evicted))
	for _, id := range evicted {
		counted[id] = true
		if err := c.store.Delete(ctx, executionKeyPrefix+id); err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("failed to delete stored execution", "execution_id", id, "error", err)
		}
	}

	keys, err := c.store.List(ctx, executionKeyPrefix)
	if err != nil {
		c.logger.Warn("failed to list stored executions", "error", err)
		return 0
	}
	extra := 0
	for _, key := range keys {
		id := strings.TrimPrefix(key, executionKeyPrefix)
		if counted[id] {
			continue
		}
		c.mu.Lock()
		_, live := c.runs[id]
		c.mu.Unlock()
		if live {
			continue
		}
		var rec record
		if err := store.GetJSON(ctx, c.store, key, &rec); err != nil {
			continue
		}
		if rec.Execution.CompletedAt != nil && rec.Execution.CompletedAt.Before(cutoff) {
			if err := c.store.Delete(ctx, key); err == nil {
				extra++
			}
		}
	}
	return extra
}

// Statistics counts in-memory executions by status.
func (c *Coordinator) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Statistics{Total: len(c.runs)}
	for _, r := range c.runs {
		switch r.exec.Status {
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Completed) / float64(st.Total)
	}
	return st
}

// Run evicts old executions every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup(ctx, retention)
		}
	}
}
