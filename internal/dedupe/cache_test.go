// ABOUTME: Tests for the sliding dedupe window.
// ABOUTME: Covers duplicates, expiry, capacity eviction, pruning, and concurrent use.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWindow(t *testing.T, ttl time.Duration, maxKeys int) (*Window, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	w := newWindow(ttl, maxKeys, clock.Now)
	t.Cleanup(w.Close)
	return w, clock
}

func TestWindow_ObserveRejectsDuplicates(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 10)

	assert.True(t, w.Observe("sig-1"))
	assert.False(t, w.Observe("sig-1"))
	assert.True(t, w.Observe("sig-2"))
	assert.True(t, w.Seen("sig-1"))
	assert.False(t, w.Seen("never"))
}

func TestWindow_KeysExpire(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	require.True(t, w.Observe("msg_1"))
	clock.Advance(59 * time.Second)
	assert.True(t, w.Seen("msg_1"))

	clock.Advance(2 * time.Second)
	assert.False(t, w.Seen("msg_1"))
	assert.True(t, w.Observe("msg_1"), "expired key is accepted again")
}

func TestWindow_EvictsOldestAtCapacity(t *testing.T) {
	w, clock := newTestWindow(t, time.Hour, 3)

	for i := 0; i < 3; i++ {
		require.True(t, w.Observe(fmt.Sprintf("k%d", i)))
		clock.Advance(time.Second)
	}
	require.True(t, w.Observe("k3"))

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Seen("k0"))
	assert.True(t, w.Seen("k3"))
}

func TestWindow_Prune(t *testing.T) {
	w, clock := newTestWindow(t, 10*time.Second, 100)

	w.Observe("a")
	clock.Advance(5 * time.Second)
	w.Observe("b")
	clock.Advance(6 * time.Second)

	assert.Equal(t, 1, w.Prune())
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Seen("b"))
}

func TestWindow_ConcurrentObserve(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 1000)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Observe("same-key") {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
}

func TestWindow_CloseIsIdempotent(t *testing.T) {
	w := NewWindow(time.Minute, 10)
	w.Close()
	w.Close()
}
