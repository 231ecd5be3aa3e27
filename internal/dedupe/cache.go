// ABOUTME: Sliding-window set of recently observed keys with bounded size.
// ABOUTME: Backs envelope replay protection and inbound message-id de-duplication.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultPruneInterval is how often the background pruner runs.
const DefaultPruneInterval = time.Minute

type entry struct {
	key     string
	expires time.Time
}

// Window remembers keys for a fixed TTL. Entries share one TTL, so the
// insertion list is also ordered by expiry and pruning only looks at its head.
type Window struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxKeys int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWindow creates a window holding keys for ttl, evicting the oldest key
// once maxKeys is reached. A background goroutine prunes expired keys until
// Close is called.
func NewWindow(ttl time.Duration, maxKeys int) *Window {
	w := newWindow(ttl, maxKeys, time.Now)
	go w.pruneLoop(DefaultPruneInterval)
	return w
}

func newWindow(ttl time.Duration, maxKeys int, now func() time.Time) *Window {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &Window{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxKeys: maxKeys,
		now:     now,
		stop:    make(chan struct{}),
	}
}

// Observe records key and reports whether this is its first sighting inside
// the window. A false return means the key is a duplicate.
func (w *Window) Observe(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.entries[key]; ok {
		e := el.Value.(*entry)
		if now.Before(e.expires) {
			return false
		}
		w.order.Remove(el)
		delete(w.entries, key)
	}

	w.pruneLocked(now)
	for len(w.entries) >= w.maxKeys {
		w.removeLocked(w.order.Front())
	}

	w.entries[key] = w.order.PushBack(&entry{key: key, expires: now.Add(w.ttl)})
	return true
}

// Seen reports whether key was observed and has not yet expired.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.entries[key]
	if !ok {
		return false
	}
	return w.now().Before(el.Value.(*entry).expires)
}

// Len returns the number of keys currently held, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Prune drops expired keys and returns how many were removed.
func (w *Window) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pruneLocked(w.now())
}

func (w *Window) pruneLocked(now time.Time) int {
	removed := 0
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if now.Before(front.Value.(*entry).expires) {
			break
		}
		w.removeLocked(front)
		removed++
	}
	return removed
}

func (w *Window) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	w.order.Remove(el)
	delete(w.entries, el.Value.(*entry).key)
}

func (w *Window) pruneLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Prune()
		case <-w.stop:
			return
		}
	}
}

// Close stops the background pruner. Safe to call more than once.
func (w *Window) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}
