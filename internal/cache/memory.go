package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	answer    Answer
	expiresAt time.Time
}

// MemoryCache is the single-process AnswerCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, fingerprint string) (Answer, bool) {
	c.mu.RLock()
	e, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return Answer{}, false
	}
	if c.ttl > 0 && c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, fingerprint)
		c.mu.Unlock()
		return Answer{}, false
	}
	return e.answer, true
}

func (c *MemoryCache) Set(_ context.Context, fingerprint string, answer Answer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = memoryEntry{answer: answer, expiresAt: c.now().Add(c.ttl)}
}

func (c *MemoryCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
