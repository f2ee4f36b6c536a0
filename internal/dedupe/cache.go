// ABOUTME: Thread-safe TTL and size bounded set of recently seen transport event ids.
// ABOUTME: Lets the ingress path drop redelivered events before they reach the router.

package dedupe

import (
	"sync"
	"time"
)

// mark is one entry in the arrival queue. A queue entry is stale when the
// key was marked again later, in which case seen[key] no longer equals at.
type mark struct {
	key string
	at  time.Time
}

// Cache remembers event ids for a bounded time window and a bounded count.
// Entries leave the cache when they expire or when the oldest entry must make
// room for a new one.
type Cache struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	queue      []mark // arrival order, oldest first
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSweepInterval sets how often expired entries are purged in the background.
// Zero disables the background sweep; expired entries are still ignored on lookup.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = d }
}

// New creates a cache with the given retention window and entry bound.
func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	c := &Cache{
		seen:       make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		sweepEvery: time.Minute,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepEvery > 0 {
		go c.sweepLoop()
	}
	return c
}

// Seen reports whether id was marked within the retention window.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(id)
}

// CheckAndMark reports whether id is a duplicate. A new id is recorded in the
// same critical section, so two concurrent callers with the same id can never
// both see false.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(id) {
		return true
	}
	c.markLocked(id)
	return false
}

// Forget removes id so a later delivery of the same event is accepted again.
// Used when processing an event failed before it was durably recorded.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, id)
}

// Len returns the number of ids currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) liveLocked(id string) bool {
	at, ok := c.seen[id]
	return ok && c.now().Sub(at) < c.ttl
}

func (c *Cache) markLocked(id string) {
	at := c.now()
	if _, exists := c.seen[id]; !exists {
		for len(c.seen) >= c.maxEntries {
			if !c.evictOldestLocked() {
				break
			}
		}
	}
	c.seen[id] = at
	c.queue = append(c.queue, mark{key: id, at: at})
}

// evictOldestLocked drops the oldest live queue entry. Stale queue entries
// are discarded along the way. Returns false when the queue is empty.
func (c *Cache) evictOldestLocked() bool {
	for len(c.queue) > 0 {
		head := c.queue[0]
		c.queue = c.queue[1:]
		if at, ok := c.seen[head.key]; ok && at.Equal(head.at) {
			delete(c.seen, head.key)
			return true
		}
	}
	return false
}

// Sweep purges expired entries and compacts the arrival queue.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	kept := c.queue[:0]
	for _, m := range c.queue {
		at, ok := c.seen[m.key]
		if !ok || !at.Equal(m.at) {
			continue
		}
		if now.Sub(at) >= c.ttl {
			delete(c.seen, m.key)
			continue
		}
		kept = append(kept, m)
	}
	// Clear the tail so dropped keys can be collected.
	for i := len(kept); i < len(c.queue); i++ {
		c.queue[i] = mark{}
	}
	c.queue = kept
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
