// ABOUTME: Thread-safe TTL and size bounded cache keyed by idempotency keys
// ABOUTME: Remembers the result of a write so retries return it instead of writing twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores a cached value with the time it was recorded.
type entry[V any] struct {
	key       string
	value     V
	timestamp time.Time
}

// call is an in-flight Do for one key.
type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Cache remembers values by key for a bounded time and a bounded count.
// The oldest entry is evicted when the cache is full.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // oldest at front
	inflight map[string]*call[V]
	ttl      time.Duration
	maxSize  int
	done     chan struct{}
	closed   bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		inflight: make(map[string]*call[V]),
		ttl:      ttl,
		maxSize:  maxSize,
		done:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	elem, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if time.Since(e.timestamp) >= c.ttl {
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) putLocked(key string, value V) {
	now := time.Now()

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		e.timestamp = now
		c.order.MoveToBack(elem)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = c.order.PushBack(&entry[V]{key: key, value: value, timestamp: now})
}

// Do returns the cached value for key, or runs fn and caches its result on
// success. Concurrent calls for the same key wait for the first one and share
// its outcome. The bool result reports whether the value came from an earlier call.
// Errors are not cached, so a failed call can be retried.
func (c *Cache[V]) Do(key string, fn func() (V, error)) (V, bool, error) {
	c.mu.Lock()
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return v, true, nil
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-cl.done
		return cl.value, cl.err == nil, cl.err
	}
	cl := &call[V]{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.value, cl.err = fn()

	c.mu.Lock()
	delete(c.inflight, key)
	if cl.err == nil {
		c.putLocked(key, cl.value)
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.value, false, cl.err
}

// Len returns the number of entries, expired or not, still held.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(*entry[V])
	c.order.Remove(front)
	delete(c.entries, e.key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry[V])
		if now.Sub(e.timestamp) >= c.ttl {
			c.order.Remove(elem)
			delete(c.entries, e.key)
		}
		elem = next
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
