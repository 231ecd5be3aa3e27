// ABOUTME: Workflow data model: steps, definitions, executions, results, and phases
// ABOUTME: One Execution entity serves both DAG runs and orchestrated queries

package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied when a step or definition leaves the field zero.
const (
	DefaultStepTimeout     = 300 * time.Second
	DefaultMaxRetries      = 3
	DefaultWorkflowTimeout = time.Hour
	DefaultRetention       = 24 * time.Hour
)

var (
	ErrNotFound          = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrDeadlock          = errors.New("workflow deadlock")
	ErrStepTimeout       = errors.New("step timeout")
	ErrWorkflowTimeout   = errors.New("workflow timeout")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrAlreadyRegistered = errors.New("workflow already registered")
)

// DeadlockError names the steps that could never become ready.
type DeadlockError struct {
	Stuck []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("workflow deadlock: steps [%s] have unsatisfiable dependencies", strings.Join(e.Stuck, ", "))
}

func (e *DeadlockError) Unwrap() error { return ErrDeadlock }

// Status is the coarse state of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase is where an execution is in its lifecycle.
type Phase string

const (
	PhaseCreated   Phase = "created"
	PhaseAnalyzing Phase = "analyzing"
	PhaseRouting   Phase = "routing"
	PhaseExecuting Phase = "executing"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

var transitions = map[Phase][]Phase{
	PhaseCreated:   {PhaseAnalyzing, PhaseExecuting, PhaseFailed},
	PhaseAnalyzing: {PhaseRouting, PhaseCompleted, PhaseFailed},
	PhaseRouting:   {PhaseExecuting, PhaseFailed},
	PhaseExecuting: {PhaseCompleted, PhaseFailed},
}

// CanTransition reports whether an execution may move from p to next.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepStatus is the state of one step inside one execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// HaltPolicy decides what a step failure does to the rest of the run.
type HaltPolicy string

const (
	HaltFailFast       HaltPolicy = "fail_fast"
	HaltSkipDependents HaltPolicy = "skip_dependents"
)

// Kind distinguishes how an execution was started.
type Kind string

const (
	KindDAG   Kind = "dag"
	KindQuery Kind = "query"
)

// Step is one tool invocation in a definition.
type Step struct {
	ID           string         `json:"step_id"`
	Agent        string         `json:"agent"`
	Tool         string         `json:"tool"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	// Timeout bounds each attempt; zero uses the coordinator default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// MaxRetries is the retry budget; zero uses the coordinator default and
	// a negative value disables retries.
	MaxRetries int `json:"max_retries,omitempty"`
}

// Definition is a registered workflow.
type Definition struct {
	ID          string        `json:"workflow_id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Steps       []Step        `json:"steps"`
	CreatedAt   time.Time     `json:"created_at"`
	Timeout     time.Duration `json:"timeout"`
}

// Agents returns the distinct agents used by the definition in step order.
func (d Definition) Agents() []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range d.Steps {
		if !seen[s.Agent] {
			seen[s.Agent] = true
			out = append(out, s.Agent)
		}
	}
	return out
}

// Request carries the caller's identity and workflow-level parameters.
type Request struct {
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Execution is one run.
type Execution struct {
	ID             string                `json:"execution_id"`
	WorkflowID     string                `json:"workflow_id"`
	Kind           Kind                  `json:"kind"`
	UserID         string                `json:"user_id"`
	SessionID      string                `json:"session_id"`
	Parameters     map[string]any        `json:"parameters,omitempty"`
	Status         Status                `json:"status"`
	Phase          Phase                 `json:"phase"`
	CurrentStep    int                   `json:"current_step"`
	TotalSteps     int                   `json:"total_steps"`
	StepsCompleted int                   `json:"steps_completed"`
	StepsFailed    int                   `json:"steps_failed"`
	StepsSkipped   int                   `json:"steps_skipped"`
	StepStates     map[string]StepStatus `json:"step_states,omitempty"`
	Agents         []string              `json:"agents_involved,omitempty"`
	Result         map[string]any        `json:"result,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	Error          string                `json:"error,omitempty"`
}

func (e *Execution) clone() Execution {
	c := *e
	c.StepStates = make(map[string]StepStatus, len(e.StepStates))
	for k, v := range e.StepStates {
		c.StepStates[k] = v
	}
	c.Agents = append([]string(nil), e.Agents...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Progress is the completed share of steps as a percentage.
func (e Execution) Progress() float64 {
	if e.TotalSteps == 0 {
		if e.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	return float64(e.StepsCompleted) / float64(e.TotalSteps) * 100
}

// StepResult is the outcome of one step.
type StepResult struct {
	StepID   string         `json:"step_id"`
	Agent    string         `json:"agent"`
	Tool     string         `json:"tool"`
	Success  bool           `json:"success"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
	// Transport is set when the step never got an answer from the agent.
	Transport bool          `json:"transport_failure,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Snapshot is an execution with derived status fields.
type Snapshot struct {
	Execution
	Progress            float64 `json:"progress"`
	WorkflowName        string  `json:"workflow_name,omitempty"`
	WorkflowDescription string  `json:"workflow_description,omitempty"`
}

// Statistics summarizes executions held by the coordinator.
type Statistics struct {
	Total       int     `json:"total_workflows"`
	Running     int     `json:"running_workflows"`
	Completed   int     `json:"completed_workflows"`
	Failed      int     `json:"failed_workflows"`
	SuccessRate float64 `json:"success_rate"`
}
