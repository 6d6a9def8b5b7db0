// ABOUTME: Replay guard for client-supplied idempotency keys on paid requests
// ABOUTME: Remembers claimed keys for a window so retried requests do not spend twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// claim is one remembered key.
type claim struct {
	key     string
	claimed time.Time
	element *list.Element
}

// Cache remembers claimed keys for a fixed window. It holds at most maxSize
// keys; when full the oldest claim is forgotten first.
type Cache struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // oldest claim at front
	window  time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Cache and starts a goroutine that sweeps expired claims
// every sweep interval. Close stops it.
func New(window time.Duration, maxSize int, sweep time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		claims:  make(map[string]*claim),
		order:   list.New(),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweep > 0 {
		go c.sweepLoop(sweep)
	}
	return c
}

// Claim records key and reports true if it was free. A key claimed within the
// window is refused. Empty keys are always free and never recorded.
func (c *Cache) Claim(key string) bool {
	if key == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cl, ok := c.claims[key]; ok {
		if now.Sub(cl.claimed) < c.window {
			return false
		}
		c.removeLocked(cl)
	}

	if len(c.claims) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			if oldest, ok := front.Value.(*claim); ok {
				c.removeLocked(oldest)
			}
		}
	}

	cl := &claim{key: key, claimed: now}
	cl.element = c.order.PushBack(cl)
	c.claims[key] = cl
	return true
}

// Release forgets key so it can be claimed again.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.claims[key]; ok {
		c.removeLocked(cl)
	}
}

// Len returns the number of remembered keys, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

func (c *Cache) removeLocked(cl *claim) {
	c.order.Remove(cl.element)
	delete(c.claims, cl.key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired claims. Claims are ordered by time so it stops at the
// first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		cl, ok := front.Value.(*claim)
		if !ok || now.Sub(cl.claimed) < c.window {
			return
		}
		c.removeLocked(cl)
	}
}

// Close stops the sweep goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
