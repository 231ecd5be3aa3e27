// ABOUTME: Shared fakes for workflow tests
// ABOUTME: Programmable in-memory sender and a settable clock

package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/a2a"
	"github.com/2389/coven-coordinator/internal/retry"
)

type handlerFunc func(ctx context.Context, msg a2a.Message) a2a.Response

// fakeSender answers messages in memory and records them.
type fakeSender struct {
	mu       sync.Mutex
	sent     []a2a.Message
	handlers map[string]handlerFunc
}

func newFakeSender() *fakeSender {
	return &fakeSender{handlers: make(map[string]handlerFunc)}
}

// on installs a handler for messages whose payload step_id is stepID.
func (f *fakeSender) on(stepID string, h handlerFunc) *fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[stepID] = h
	return f
}

func (f *fakeSender) Send(ctx context.Context, msg a2a.Message) (a2a.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	h := f.handlers[msg.Payload["step_id"].(string)]
	f.mu.Unlock()

	if h == nil {
		return a2a.ResponseTo(msg, a2a.Reply{Success: true, Data: map[string]any{"tool": msg.Payload["tool_name"]}}), nil
	}
	return h(ctx, msg), nil
}

func (f *fakeSender) messages() []a2a.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]a2a.Message(nil), f.sent...)
}

func (f *fakeSender) countFor(stepID string) int {
	n := 0
	for _, m := range f.messages() {
		if m.Payload["step_id"] == stepID {
			n++
		}
	}
	return n
}

func succeed(data map[string]any) handlerFunc {
	return func(_ context.Context, msg a2a.Message) a2a.Response {
		return a2a.ResponseTo(msg, a2a.Reply{Success: true, Data: data})
	}
}

func reject(errMsg string) handlerFunc {
	return func(_ context.Context, msg a2a.Message) a2a.Response {
		return a2a.Failure(msg, errMsg)
	}
}

// hangUntilDone blocks until the step context ends, then reports a
// transport failure the way the router does.
func hangUntilDone(ctx context.Context, msg a2a.Message) a2a.Response {
	<-ctx.Done()
	return a2a.TransportFailure(msg, "timeout after 30s")
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fastBackoff() retry.Config {
	return retry.Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.Backoff.InitialBackoff == 0 {
		cfg.Backoff = fastBackoff()
	}
	c := NewCoordinator(cfg)
	t.Cleanup(c.Close)
	return c
}

func waitDone(t *testing.T, c *Coordinator, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, snap.Status.Terminal(), "execution %s still %s", id, snap.Status)
	return snap
}
