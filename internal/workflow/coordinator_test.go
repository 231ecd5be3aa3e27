// ABOUTME: Tests for workflow registration, DAG scheduling, and execution bookkeeping
// ABOUTME: Exercises rounds, deadlock, halt policies, retries, timeouts, callbacks, and cleanup

package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/a2a"
	"github.com/2389/coven-coordinator/internal/packs"
	"github.com/2389/coven-coordinator/internal/store"
)

func diamond() Definition {
	return Definition{
		ID:   "plan_week",
		Name: "Plan week",
		Steps: []Step{
			{ID: "a", Agent: packs.SchedulerAgent, Tool: "calendar_manager"},
			{ID: "b", Agent: packs.FitnessAgent, Tool: "workout_planner", Dependencies: []string{"a"}},
			{ID: "c", Agent: packs.NutritionAgent, Tool: "meal_planner", Dependencies: []string{"a"}},
		},
	}
}

func TestExecute_DependencyRounds(t *testing.T) {
	var started atomic.Int32
	var concurrent atomic.Bool
	bothStarted := make(chan struct{})
	var once sync.Once

	parallel := func(ctx context.Context, msg a2a.Message) a2a.Response {
		if started.Add(1) == 2 {
			once.Do(func() { close(bothStarted) })
		}
		select {
		case <-bothStarted:
			concurrent.Store(true)
		case <-time.After(2 * time.Second):
		}
		return a2a.ResponseTo(msg, a2a.Reply{Success: true})
	}
	sender := newFakeSender().on("b", parallel).on("c", parallel)

	c := newTestCoordinator(t, Config{Sender: sender, Tools: packs.Default(nil)})
	require.NoError(t, c.Register(diamond()))

	id, err := c.Execute(context.Background(), "plan_week", Request{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Regexp(t, `^plan_week_[0-9a-f]{8}$`, id)

	snap := waitDone(t, c, id)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, PhaseCompleted, snap.Phase)
	assert.Equal(t, 3, snap.StepsCompleted)
	assert.Equal(t, 2, snap.CurrentStep, "two rounds")
	assert.Equal(t, 100.0, snap.Progress)
	assert.NotNil(t, snap.CompletedAt)
	assert.True(t, concurrent.Load(), "b and c dispatched in the same round")

	msgs := sender.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[0].Payload["step_id"], "a runs alone in round one")

	results, err := c.Results(id)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.True(t, results["b"].Success)
	assert.Equal(t, packs.FitnessAgent, results["b"].Agent)
}

func TestExecute_MessageShape(t *testing.T) {
	sender := newFakeSender()
	c := newTestCoordinator(t, Config{Sender: sender, Tools: packs.Default(nil), Name: "master-coordinator"})
	require.NoError(t, c.Register(Definition{
		ID: "one",
		Steps: []Step{{ID: "plan", Agent: packs.FitnessAgent, Tool: "workout_planner",
			Parameters: map[string]any{"days": 3}}},
	}))

	id, err := c.Execute(context.Background(), "one", Request{
		SessionID:  "sess-9",
		Parameters: map[string]any{"days": 7, "goal": "strength"},
	})
	require.NoError(t, err)
	waitDone(t, c, id)

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "master-coordinator", msg.FromAgent)
	assert.Equal(t, packs.FitnessAgent, msg.ToAgent)
	assert.Equal(t, "execute_tool_workout_planner", msg.Intent)
	assert.Equal(t, "sess-9", msg.SessionID)
	assert.Equal(t, "workout_planner", msg.Payload["tool_name"])
	assert.Equal(t, id, msg.Payload["execution_id"])
	assert.Equal(t, "plan", msg.Payload["step_id"])
	assert.Equal(t, map[string]any{"days": 3, "goal": "strength"}, msg.Payload["parameters"], "step parameters win")
}

func TestExecute_NotFound(t *testing.T) {
	c := newTestCoordinator(t, Config{Sender: newFakeSender()})
	_, err := c.Execute(context.Background(), "nope", Request{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecute_MissingDependencyDeadlocks(t *testing.T) {
	sender := newFakeSender()
	c := newTestCoordinator(t, Config{Sender: sender})
	require.NoError(t, c.Register(Definition{
		ID: "dangling",
		Steps: []Step{
			{ID: "a", Agent: "x", Tool: "t"},
			{ID: "b", Agent: "x", Tool: "t", Dependencies: []string{"ghost"}},
		},
	}))

	id, err := c.Execute(context.Background(), "dangling", Request{})
	require.NoError(t, err)

	snap := waitDone(t, c, id)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "workflow deadlock")
	assert.Contains(t, snap.Error, "[b]")
	assert.Equal(t, 1, snap.StepsCompleted)
	assert.Equal(t, StepPending, snap.StepStates["b"])
	assert.Equal(t, 1, sender.countFor("a"))
}

func TestExecute_HaltPolicies(t *testing.T) {
	def := Definition{
		ID: "branches",
		Steps: []Step{
			{ID: "a", Agent: "x", Tool: "t"},
			{ID: "b", Agent: "x", Tool: "t", Dependencies: []string{"a"}},
			{ID: "c", Agent: "x", Tool: "t"},
			{ID: "d", Agent: "x", Tool: "t", Dependencies: []string{"c"}},
			{ID: "e", Agent: "x", Tool: "t", Dependencies: []string{"b"}},
		},
	}

	t.Run("fail_fast", func(t *testing.T) {
		sender := newFakeSender().on("a", reject("no calendar access"))
		c := newTestCoordinator(t, Config{Sender: sender})
		require.NoError(t, c.Register(def))

		id, err := c.Execute(context.Background(), "branches", Request{})
		require.NoError(t, err)
		snap := waitDone(t, c, id)

		assert.Equal(t, StatusFailed, snap.Status)
		assert.Equal(t, "failed steps: a", snap.Error)
		assert.Equal(t, StepCompleted, snap.StepStates["c"], "same-round sibling still runs")
		assert.Equal(t, StepPending, snap.StepStates["b"])
		assert.Equal(t, StepPending, snap.StepStates["d"], "no new rounds after a failure")
		assert.Equal(t, 1, snap.StepsFailed)
		assert.Zero(t, snap.StepsSkipped)
	})

	t.Run("skip_dependents", func(t *testing.T) {
		sender := newFakeSender().on("a", reject("no calendar access"))
		c := newTestCoordinator(t, Config{Sender: sender, HaltPolicy: HaltSkipDependents})
		require.NoError(t, c.Register(def))

		id, err := c.Execute(context.Background(), "branches", Request{})
		require.NoError(t, err)
		snap := waitDone(t, c, id)

		assert.Equal(t, StatusFailed, snap.Status)
		assert.Equal(t, StepSkipped, snap.StepStates["b"])
		assert.Equal(t, StepSkipped, snap.StepStates["e"], "skips are transitive")
		assert.Equal(t, StepCompleted, snap.StepStates["d"], "independent branch continues")
		assert.Equal(t, 2, snap.StepsSkipped)
		assert.Equal(t, 2, snap.StepsCompleted)
	})
}

func TestExecute_RemoteFailureIsNotRetried(t *testing.T) {
	sender := newFakeSender().on("a", reject("bad input"))
	c := newTestCoordinator(t, Config{Sender: sender})
	require.NoError(t, c.Register(Definition{ID: "w", Steps: []Step{{ID: "a", Agent: "x", Tool: "t", MaxRetries: 3}}}))

	id, err := c.Execute(context.Background(), "w", Request{})
	require.NoError(t, err)
	waitDone(t, c, id)

	results, err := c.Results(id)
	require.NoError(t, err)
	assert.Equal(t, "bad input", results["a"].Error)
	assert.Equal(t, 1, results["a"].Attempts)
	assert.False(t, results["a"].Transport)
	assert.Equal(t, 1, sender.countFor("a"))
}

func TestExecute_TimeoutConsumesRetryBudget(t *testing.T) {
	var calls atomic.Int32
	sender := newFakeSender().on("a", func(ctx context.Context, msg a2a.Message) a2a.Response {
		if calls.Add(1) < 3 {
			return hangUntilDone(ctx, msg)
		}
		return a2a.ResponseTo(msg, a2a.Reply{Success: true, Data: map[string]any{"ok": true}})
	})
	c := newTestCoordinator(t, Config{Sender: sender})
	require.NoError(t, c.Register(Definition{ID: "w", Steps: []Step{
		{ID: "a", Agent: "x", Tool: "t", Timeout: 30 * time.Millisecond, MaxRetries: 3},
	}}))

	id, err := c.Execute(context.Background(), "w", Request{})
	require.NoError(t, err)
	snap := waitDone(t, c, id)

	assert.Equal(t, StatusCompleted, snap.Status)
	results, err := c.Results(id)
	require.NoError(t, err)
	assert.Equal(t, 3, results["a"].Attempts)
	assert.Equal(t, true, results["a"].Result["ok"])
}

func TestExecute_TimeoutWithoutRetries(t *testing.T) {
	sender := newFakeSender().on("a", hangUntilDone)
	c := newTestCoordinator(t, Config{Sender: sender})
	require.NoError(t, c.Register(Definition{ID: "w", Steps: []Step{
		{ID: "a", Agent: "x", Tool: "t", Timeout: 20 * time.Millisecond, MaxRetries: -1},
	}}))

	id, err := c.Execute(context.Background(), "w", Request{})
	require.NoError(t, err)
	snap := waitDone(t, c, id)

	assert.Equal(t, StatusFailed, snap.Status)
	results, err := c.Results(id)
	require.NoError(t, err)
	assert.Contains(t, results["a"].Error, "step timeout after 20ms")
	assert.True(t, results["a"].Transport)
	assert.Equal(t, 1, sender.countFor("a"))
}

func TestExecute_WorkflowTimeout(t *testing.T) {
	sender := newFakeSender().on("a", hangUntilDone)
	c := newTestCoordinator(t, Config{Sender: sender})
	require.NoError(t, c.Register(Definition{
		ID:      "w",
		Timeout: 50 * time.Millisecond,
		Steps:   []Step{{ID: "a", Agent: "x", Tool: "t", Timeout: time.Minute, MaxRetries: -1}},
	}))

	id, err := c.Execute(context.Background(), "w", Request{})
	require.NoError(t, err)
	snap := waitDone(t, c, id)

	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "workflow timeout after 50ms")
}

func TestExecute_UnregisteredAgentFailsStep(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.Register(Definition{ID: "w", Steps: []Step{{ID: "a", Agent: "ghost", Tool: "t"}}}))

	id, err := c.Execute(context.Background(), "w", Request{})
	require.NoError(t, err)
	snap := waitDone(t, c, id)

	assert.Equal(t, StatusFailed, snap.Status)
	results, err := c.Results(id)
	require.NoError(t, err)
	assert.Contains(t, results["a"].Error, "agent not registered")
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{"no id", Definition{Steps: []Step{{ID: "a", Agent: packs.FitnessAgent, Tool: "workout_planner"}}}, "workflow_id is required"},
		{"no steps", Definition{ID: "w"}, "at least one step"},
		{"duplicate", Definition{ID: "w", Steps: []Step{
			{ID: "a", Agent: packs.FitnessAgent, Tool: "workout_planner"},
			{ID: "a", Agent: packs.FitnessAgent, Tool: "fitness_tracker"},
		}}, "duplicate step_id a"},
		{"self reference", Definition{ID: "w", Steps: []Step{
			{ID: "a", Agent: packs.FitnessAgent, Tool: "workout_planner", Dependencies: []string{"a"}},
		}}, "depends on itself"},
		{"cycle", Definition{ID: "w", Steps: []Step{
			{ID: "a", Agent: packs.FitnessAgent, Tool: "workout_planner", Dependencies: []string{"c"}},
			{ID: "b", Agent: packs.FitnessAgent, Tool: "fitness_tracker", Dependencies: []string{"a"}},
			{ID: "c", Agent: packs.FitnessAgent, Tool: "health_analyzer", Dependencies: []string{"b"}},
		}}, "dependency cycle a → c → b → a"},
		{"unknown tool", Definition{ID: "w", Steps: []Step{
			{ID: "a", Agent: packs.FitnessAgent, Tool: "teleporter"},
		}}, "tool not found"},
		{"wrong agent", Definition{ID: "w", Steps: []Step{
			{ID: "a", Agent: packs.FitnessAgent, Tool: "meal_planner"},
		}}, "tool not provided by agent"},
		{"bad parameters", Definition{ID: "w", Steps: []Step{
			{ID: "a", Agent: packs.NutritionAgent, Tool: "meal_planner", Parameters: map[string]any{"days": 90}},
		}}, "invalid tool parameters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCoordinator(t, Config{Tools: packs.Default(nil)})
			err := c.Register(tt.def)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("already registered", func(t *testing.T) {
		c := newTestCoordinator(t, Config{Tools: packs.Default(nil)})
		require.NoError(t, c.Register(diamond()))
		assert.ErrorIs(t, c.Register(diamond()), ErrAlreadyRegistered)
	})
}

func TestDefine_GeneratesIDs(t *testing.T) {
	c := newTestCoordinator(t, Config{Tools: packs.Default(nil)})
	id, err := c.Define("Groceries", "weekly shop", []Step{
		{Agent: packs.ShoppingAgent, Tool: "pantry_tracker"},
		{Agent: packs.ShoppingAgent, Tool: "shopping_optimizer", Dependencies: []string{"step_1"}},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^workflow_[0-9a-f]{8}$`, id)

	def, err := c.Definition(id)
	require.NoError(t, err)
	assert.Equal(t, "step_2", def.Steps[1].ID)
	assert.Equal(t, DefaultWorkflowTimeout, def.Timeout)
	assert.False(t, def.CreatedAt.IsZero())
	assert.Equal(t, []string{packs.ShoppingAgent}, def.Agents())

	assert.Len(t, c.Definitions(), 1)
	_, err = c.Definition("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOnStatus_Callbacks(t *testing.T) {
	sender := newFakeSender().on("bad", reject("nope"))
	c := newTestCoordinator(t, Config{Sender: sender})
	require.NoError(t, c.Register(Definition{ID: "good", Steps: []Step{{ID: "ok", Agent: "x", Tool: "t"}}}))
	require.NoError(t, c.Register(Definition{ID: "broken", Steps: []Step{{ID: "bad", Agent: "x", Tool: "t"}}}))

	got := make(chan string, 4)
	c.OnStatus(StatusCompleted, func(id string, exec Execution) {
		got <- "completed:" + exec.WorkflowID
	})
	c.OnStatus(StatusFailed, func(id string, exec Execution) {
		panic("callback bug")
	})
	c.OnStatus(StatusFailed, func(id string, exec Execution) {
		got <- "failed:" + exec.WorkflowID
	})

	id1, err := c.Execute(context.Background(), "good", Request{})
	require.NoError(t, err)
	waitDone(t, c, id1)
	id2, err := c.Execute(context.Background(), "broken", Request{})
	require.NoError(t, err)
	waitDone(t, c, id2)

	assert.Equal(t, "completed:good", <-got)
	assert.Equal(t, "failed:broken", <-got, "a panicking callback does not stop the others")
}

func TestCleanup_EvictsOldTerminalExecutions(t *testing.T) {
	clock := newTestClock()
	st := store.NewMockStore()
	c := newTestCoordinator(t, Config{Sender: newFakeSender(), Store: st, Now: clock.Now})
	require.NoError(t, c.Register(Definition{ID: "w", Steps: []Step{{ID: "a", Agent: "x", Tool: "t"}}}))

	oldID, err := c.Execute(context.Background(), "w", Request{})
	require.NoError(t, err)
	waitDone(t, c, oldID)

	clock.Advance(25 * time.Hour)
	newID, err := c.Execute(context.Background(), "w", Request{})
	require.NoError(t, err)
	waitDone(t, c, newID)

	assert.Equal(t, 1, c.Cleanup(context.Background(), 24*time.Hour))

	_, err = c.Status(oldID)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	_, err = c.Results(oldID)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	_, err = c.Status(newID)
	assert.NoError(t, err)
	assert.Equal(t, 1, st.Len())
}

func TestStatus_ReadsPersistedRecord(t *testing.T) {
	st := store.NewMockStore()
	c := newTestCoordinator(t, Config{Sender: newFakeSender(), Store: st})
	require.NoError(t, c.Register(Definition{ID: "w", Name: "Week", Steps: []Step{{ID: "a", Agent: "x", Tool: "t"}}}))

	id, err := c.Execute(context.Background(), "w", Request{UserID: "u"})
	require.NoError(t, err)
	waitDone(t, c, id)

	restarted := newTestCoordinator(t, Config{Store: st})
	snap, err := restarted.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "Week", snap.WorkflowName)
	assert.Equal(t, 100.0, snap.Progress)

	results, err := restarted.Results(id)
	require.NoError(t, err)
	assert.True(t, results["a"].Success)

	_, err = restarted.Status("w_deadbeef")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestStatistics(t *testing.T) {
	sender := newFakeSender().on("bad", reject("nope"))
	c := newTestCoordinator(t, Config{Sender: sender})
	require.NoError(t, c.Register(Definition{ID: "good", Steps: []Step{{ID: "ok", Agent: "x", Tool: "t"}}}))
	require.NoError(t, c.Register(Definition{ID: "broken", Steps: []Step{{ID: "bad", Agent: "x", Tool: "t"}}}))

	for _, wf := range []string{"good", "good", "good", "broken"} {
		id, err := c.Execute(context.Background(), wf, Request{})
		require.NoError(t, err)
		waitDone(t, c, id)
	}

	st := c.Statistics()
	assert.Equal(t, Statistics{Total: 4, Completed: 3, Failed: 1, SuccessRate: 0.75}, st)
	assert.Len(t, c.List(), 4)
}

func TestOrchestratedPhases(t *testing.T) {
	sender := newFakeSender().on("fitness", succeed(map[string]any{"response": "3 sessions"}))
	c := newTestCoordinator(t, Config{Sender: sender, Tools: packs.Default(nil)})

	t.Run("task query walks every phase", func(t *testing.T) {
		exec := c.Begin(KindQuery, Request{UserID: "u"})
		assert.Regexp(t, `^query_[0-9a-f]{8}$`, exec.ID)
		assert.Equal(t, PhaseCreated, exec.Phase)

		require.NoError(t, c.Advance(exec.ID, PhaseAnalyzing))
		require.NoError(t, c.Advance(exec.ID, PhaseRouting))
		require.NoError(t, c.SetAgents(exec.ID, []string{packs.FitnessAgent}))

		results, err := c.Dispatch(context.Background(), exec.ID, []Step{
			{ID: "fitness", Agent: packs.FitnessAgent, Tool: packs.QueryTool, Parameters: map[string]any{"query": "plan"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "3 sessions", results["fitness"].Result["response"])

		snap, err := c.Status(exec.ID)
		require.NoError(t, err)
		assert.Equal(t, PhaseExecuting, snap.Phase)
		assert.Equal(t, StatusRunning, snap.Status)

		done, err := c.Finish(exec.ID, map[string]any{"response": "done"}, nil)
		require.NoError(t, err)
		assert.Equal(t, PhaseCompleted, done.Phase)
		assert.Equal(t, StatusCompleted, done.Status)
		assert.Equal(t, []string{packs.FitnessAgent}, done.Agents)
	})

	t.Run("conversational query skips routing", func(t *testing.T) {
		exec := c.Begin(KindQuery, Request{})
		require.NoError(t, c.Advance(exec.ID, PhaseAnalyzing))
		done, err := c.Finish(exec.ID, map[string]any{"response": "hi"}, nil)
		require.NoError(t, err)
		assert.Equal(t, PhaseCompleted, done.Phase)
		assert.Zero(t, done.TotalSteps)
		assert.Equal(t, 100.0, done.Progress())
	})

	t.Run("illegal transitions", func(t *testing.T) {
		exec := c.Begin(KindQuery, Request{})
		assert.ErrorIs(t, c.Advance(exec.ID, PhaseRouting), ErrInvalidTransition)
		assert.ErrorIs(t, c.Advance(exec.ID, PhaseCompleted), ErrInvalidTransition)
		_, err := c.Finish(exec.ID, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition, "created cannot complete directly")
		assert.ErrorIs(t, c.Advance("missing", PhaseAnalyzing), ErrExecutionNotFound)

		failed, err := c.Finish(exec.ID, nil, assert.AnError)
		require.NoError(t, err)
		assert.Equal(t, PhaseFailed, failed.Phase)
		assert.Equal(t, assert.AnError.Error(), failed.Error)
		assert.ErrorIs(t, c.Advance(exec.ID, PhaseAnalyzing), ErrInvalidTransition)
	})
}
