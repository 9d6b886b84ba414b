package resultcache

import (
	"container/list"
	"sync"
	"time"
)

type lruEntry struct {
	id        string
	payload   []byte
	expiresAt time.Time
}

// lruCache is a bounded in-memory front for decompressed payloads.
// Reads move entries to the front; inserts evict the least recently
// used entry on overflow.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 128
	}
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		items:    map[string]*list.Element{},
	}
}

func (c *lruCache) get(id string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if !entry.expiresAt.After(now) {
		c.order.Remove(el)
		delete(c.items, id)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.payload, true
}

func (c *lruCache) put(id string, payload []byte, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		el.Value = &lruEntry{id: id, payload: payload, expiresAt: expiresAt}
		c.order.MoveToFront(el)
		return
	}
	c.items[id] = c.order.PushFront(&lruEntry{id: id, payload: payload, expiresAt: expiresAt})
	for c.order.Len() > c.capacity {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.order.Remove(tail)
		delete(c.items, tail.Value.(*lruEntry).id)
	}
}

func (c *lruCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.order.Remove(el)
		delete(c.items, id)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
