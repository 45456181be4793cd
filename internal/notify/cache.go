package notify

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// ttlCache is a thread-safe, TTL-based, size-limited set of seen keys. The
// ready cooldown and the permission request-id memory are both built on it.
// Expired entries are collected lazily on insert; there is no background
// goroutine to shut down.
type ttlCache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newTTLCache(ttl time.Duration, maxSize int) *ttlCache {
	return &ttlCache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark atomically checks whether key was seen within the TTL and
// marks it if not. Returns true for a duplicate.
func (c *ttlCache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok && now.Sub(e.timestamp) < c.ttl {
		return true
	}

	c.expireLocked(now)
	if e, ok := c.seen[key]; ok {
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return false
	}
	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{timestamp: now, element: elem}
	return false
}

func (c *ttlCache) expireLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(string)
		e := c.seen[key]
		if now.Sub(e.timestamp) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

func (c *ttlCache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
