package export

import (
	"container/list"
	"sync"
)

// DefaultDedupCapacity bounds how many recent session ids are remembered.
const DefaultDedupCapacity = 10

// DedupCache is a bounded, insertion-ordered set of recently sent session
// ids. It is an approximate guard: eviction or restart allows a resend.
type DedupCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewDedupCache returns a cache holding at most capacity ids. Capacity <= 0
// uses DefaultDedupCapacity.
func NewDedupCache(capacity int) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &DedupCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity+1),
	}
}

// ShouldSend records id and returns true iff id was not already recorded.
// Check and insert happen under one lock.
func (c *DedupCache) ShouldSend(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[id]; ok {
		return false
	}
	c.index[id] = c.order.PushBack(id)
	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(string))
	}
	return true
}

// Contains reports whether id is currently recorded.
func (c *DedupCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[id]
	return ok
}

// Len returns the number of recorded ids.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the configured bound.
func (c *DedupCache) Capacity() int {
	return c.capacity
}
