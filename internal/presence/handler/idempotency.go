package handler

import (
	"container/list"
	"sync"
)

// idempotencyCache keeps the encoded response of recent POST /v1/events
// calls by Idempotency-Key. The oldest key is evicted once capacity is hit.
type idempotencyCache struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List
	responses map[string]*list.Element
}

type cachedResponse struct {
	key     string
	payload []byte
}

func newIdempotencyCache(capacity int) *idempotencyCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &idempotencyCache{capacity: capacity, order: list.New(), responses: make(map[string]*list.Element)}
}

func (c *idempotencyCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.responses[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), el.Value.(cachedResponse).payload...), true
}

func (c *idempotencyCache) put(key string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.responses[key]; ok {
		return
	}
	c.responses[key] = c.order.PushBack(cachedResponse{key: key, payload: append([]byte(nil), payload...)})
	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.responses, oldest.Value.(cachedResponse).key)
	}
}
