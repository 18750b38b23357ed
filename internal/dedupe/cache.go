// ABOUTME: Windowed set of recently seen event IDs with LRU eviction
// ABOUTME: Lets the Matrix adapter skip events the homeserver delivers twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 4096
)

// Options configures a Cache.
type Options struct {
	TTL     time.Duration
	MaxSize int
	// SweepInterval controls how often expired entries are purged in the
	// background. Zero disables the sweeper; expired entries are still
	// ignored and replaced on access.
	SweepInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers keys for a bounded time and a bounded count.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // front is oldest
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache. Call Close to stop the sweeper.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     opts.Now,
		stop:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go c.sweepEvery(opts.SweepInterval)
	}
	return c
}

// Seen reports whether key was marked within the TTL. When it was not, the
// key is marked in the same critical section, so of two concurrent callers
// exactly one gets false.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return true
		}
		// Expired: re-mark as fresh.
		e.seen = now
		c.order.MoveToBack(el)
		return false
	}

	for c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Forget removes key so a later delivery is handled again. The adapter calls
// it when forwarding an event failed before any reply was posted.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	// Entries are ordered by mark time, so stop at the first live one.
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seen) < c.ttl {
			break
		}
		c.removeLocked(el)
		removed++
	}
	return removed
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}

func (c *Cache) sweepEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
