// ABOUTME: Round-based DAG scheduler dispatching ready steps concurrently
// ABOUTME: Applies per-step timeouts, retry budgets, halt policy, and deadlock detection

package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-coordinator/internal/a2a"
	"github.com/2389/coven-coordinator/internal/packs"
	"github.com/2389/coven-coordinator/internal/retry"
)

// errRemote marks a step the agent answered with success=false.
type errRemote struct{ msg string }

func (e *errRemote) Error() string { return e.msg }

// schedule runs steps for r until every step is settled, a failure halts
// the run, the dependency graph deadlocks, or ctx expires.
func (c *Coordinator) schedule(ctx context.Context, r *run, steps []Step, timeout time.Duration) error {
	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	for round := 1; ; round++ {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrWorkflowTimeout, timeout)
			}
			return ctx.Err()
		}

		ready, remaining, halted := c.readySet(r, steps)
		if halted || len(remaining) == 0 {
			return nil
		}
		if len(ready) == 0 {
			return &DeadlockError{Stuck: remaining}
		}

		c.mu.Lock()
		r.exec.CurrentStep = round
		for _, s := range ready {
			r.exec.StepStates[s.ID] = StepRunning
		}
		exec := r.exec.clone()
		c.mu.Unlock()

		c.logger.Debug("scheduling round",
			"execution_id", exec.ID,
			"round", round,
			"ready", stepIDs(ready),
		)

		var g errgroup.Group
		for _, step := range ready {
			g.Go(func() error {
				res := c.runStep(ctx, exec, step)
				c.recordResult(r, res)
				return nil
			})
		}
		_ = g.Wait()

		if c.halt == HaltSkipDependents {
			c.skipDependents(r, byID)
		}
	}
}

// readySet returns pending steps whose dependencies have all completed and
// the ids of every step still pending. halted is set when fail-fast has
// seen a failure.
func (c *Coordinator) readySet(r *run, steps []Step) (ready []Step, remaining []string, halted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halt == HaltFailFast && r.exec.StepsFailed > 0 {
		return nil, nil, true
	}
	for _, s := range steps {
		if r.exec.StepStates[s.ID] != StepPending {
			continue
		}
		remaining = append(remaining, s.ID)
		satisfied := true
		for _, dep := range s.Dependencies {
			if r.exec.StepStates[dep] != StepCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, s)
		}
	}
	return ready, remaining, false
}

// skipDependents marks every pending step downstream of a failed or
// skipped step as skipped.
func (c *Coordinator) skipDependents(r *run, byID map[string]Step) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for changed := true; changed; {
		changed = false
		for id, st := range r.exec.StepStates {
			if st != StepPending {
				continue
			}
			step, ok := byID[id]
			if !ok {
				continue
			}
			for _, dep := range step.Dependencies {
				if ds := r.exec.StepStates[dep]; ds == StepFailed || ds == StepSkipped {
					r.exec.StepStates[id] = StepSkipped
					r.exec.StepsSkipped++
					c.metrics.StepFinished(string(StepSkipped))
					c.logger.Debug("step skipped", "execution_id", r.exec.ID, "step_id", id, "failed_dependency", dep)
					changed = true
					break
				}
			}
		}
	}
}

func (c *Coordinator) recordResult(r *run, res StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r.results[res.StepID] = res
	if res.Success {
		r.exec.StepStates[res.StepID] = StepCompleted
		r.exec.StepsCompleted++
		c.metrics.StepFinished(string(StepCompleted))
		return
	}
	r.exec.StepStates[res.StepID] = StepFailed
	r.exec.StepsFailed++
	c.metrics.StepFinished(string(StepFailed))
}

// runStep dispatches one step, retrying timeouts and transport failures
// within the step's retry budget.
func (c *Coordinator) runStep(ctx context.Context, exec Execution, step Step) StepResult {
	start := time.Now()
	res := StepResult{StepID: step.ID, Agent: step.Agent, Tool: step.Tool}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.stepTimeout
	}
	retries := step.MaxRetries
	switch {
	case retries == 0:
		retries = c.maxRetries
	case retries < 0:
		retries = 0
	}

	params := mergeParameters(step.Parameters, exec.Parameters)
	intent := packs.IntentFor(step.Tool)
	if c.tools != nil {
		tool, err := c.tools.ResolveFor(step.Agent, step.Tool)
		if err == nil {
			err = tool.ValidateParameters(params)
		}
		if err != nil {
			res.Error = err.Error()
			res.Duration = time.Since(start)
			return res
		}
		intent = tool.Intent
	}
	payload := map[string]any{
		"tool_name":    step.Tool,
		"parameters":   params,
		"execution_id": exec.ID,
		"step_id":      step.ID,
	}

	cfg := c.backoff.WithAttempts(retries + 1)
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("retrying step",
			"execution_id", exec.ID,
			"step_id", step.ID,
			"attempt", attempt,
			"error", err,
			"wait", wait,
		)
	}

	var reply a2a.Response
	err := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		msg := a2a.NewMessage(c.name, step.Agent, intent, payload,
			a2a.WithSession(exec.SessionID),
			a2a.WithMetadata(map[string]any{"execution_id": exec.ID, "step_id": step.ID, "attempt": attempt}),
		)
		c.logger.Debug("→ dispatching step",
			"execution_id", exec.ID,
			"step_id", step.ID,
			"agent", step.Agent,
			"intent", intent,
			"attempt", attempt,
		)

		resp, err := c.send(stepCtx, msg)
		if err != nil {
			return retry.Permanent(err)
		}
		if resp.Success {
			reply = resp
			return nil
		}
		if !resp.Transport {
			return retry.Permanent(&errRemote{msg: resp.Error})
		}
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrStepTimeout, timeout)
		}
		return errors.New(resp.Error)
	})

	res.Duration = time.Since(start)
	if err != nil {
		var remote *errRemote
		res.Transport = !errors.As(err, &remote) && !errors.Is(err, a2a.ErrNotRegistered)
		res.Error = err.Error()
		c.logger.Warn("← step failed",
			"execution_id", exec.ID,
			"step_id", step.ID,
			"agent", step.Agent,
			"attempts", res.Attempts,
			"error", res.Error,
		)
		return res
	}

	res.Success = true
	res.Result = reply.Data
	c.logger.Debug("← step responded",
		"execution_id", exec.ID,
		"step_id", step.ID,
		"agent", step.Agent,
		"elapsed", res.Duration,
	)
	return res
}

func (c *Coordinator) send(ctx context.Context, msg a2a.Message) (a2a.Response, error) {
	if c.sender == nil {
		return a2a.Response{}, fmt.Errorf("%w: %s", a2a.ErrNotRegistered, msg.ToAgent)
	}
	return c.sender.Send(ctx, msg)
}

// mergeParameters overlays workflow-level parameters under step
// parameters; the step wins on conflicts.
func mergeParameters(step, workflow map[string]any) map[string]any {
	out := make(map[string]any, len(step)+len(workflow))
	for k, v := range workflow {
		out[k] = v
	}
	for k, v := range step {
		out[k] = v
	}
	return out
}

func stepIDs(steps []Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	sort.Strings(ids)
	return ids
}
