package memory

import "sync"

// SummaryCache caches the running summary per session so the chat cycle does
// not have to re-read it from the store on every request. Cached entries are
// an optimization only: the summary must always be rebuildable from the turn
// log, and callers invalidate on every turn append.
type SummaryCache interface {
	Get(sessionID string) (string, bool)
	Put(sessionID, summary string)
	Invalidate(sessionID string)
}

// InMemorySummaryCache is a process-local SummaryCache.
type InMemorySummaryCache struct {
	mu        sync.RWMutex
	summaries map[string]string
}

func NewInMemorySummaryCache() *InMemorySummaryCache {
	return &InMemorySummaryCache{summaries: make(map[string]string)}
}

func (c *InMemorySummaryCache) Get(sessionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.summaries[sessionID]
	return s, ok
}

func (c *InMemorySummaryCache) Put(sessionID, summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries[sessionID] = summary
}

func (c *InMemorySummaryCache) Invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.summaries, sessionID)
}
