// ABOUTME: TTL and size bounded set of recently handled envelope ids.
// ABOUTME: The broker bridge uses it to drop redeliveries of an envelope it already processed.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize bounds memory when the caller does not pick a size.
const DefaultMaxSize = 100_000

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers ids for ttl, evicting the least recently marked id once
// maxSize is reached. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	sweep   time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSweepInterval starts a background sweep of expired ids. Without it,
// expired ids are only dropped lazily or by eviction.
func WithSweepInterval(every time.Duration) Option {
	return func(c *Cache) { c.sweep = every }
}

// New creates a cache. maxSize <= 0 means DefaultMaxSize.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweep > 0 {
		go c.sweepLoop(c.sweep)
	}
	return c
}

// Seen reports whether id was marked within the ttl.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[id]
	return ok && c.now().Sub(e.seenAt) < c.ttl
}

// CheckAndMark returns true if id is a duplicate. Otherwise it marks id and
// returns false. Check and mark happen under one lock.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[id]; ok && now.Sub(e.seenAt) < c.ttl {
		return true
	}
	c.markLocked(id, now)
	return false
}

// Mark records id as handled, refreshing it if already present.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id, c.now())
}

// Forget removes id so a later delivery is processed again.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[id]; ok {
		c.order.Remove(e.element)
		delete(c.seen, id)
	}
}

// Len returns the number of ids currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) markLocked(id string, now time.Time) {
	if e, ok := c.seen[id]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}
	for len(c.seen) >= c.maxSize {
		front := c.order.Front()
		if front == nil {
			break
		}
		oldest, _ := front.Value.(string)
		c.order.Remove(front)
		delete(c.seen, oldest)
	}
	c.seen[id] = &entry{seenAt: now, element: c.order.PushBack(id)}
}

// Sweep drops every expired id and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	// The list is ordered by mark time, so expired ids are all at the front.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(c.seen[id].seenAt) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.seen, id)
		removed++
	}
	return removed
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
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

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
