// Package feed is the client side of the notification contract: a
// session-scoped cache filled wholesale from the snapshot endpoint and
// prepended by live pushes. Each session owns its own cache; nothing here is
// process-wide.
package feed

import (
	"sync"

	"campusfeed/internal/model"
)

// Cache holds one session's ordered notification list, most recent first.
type Cache struct {
	mu    sync.RWMutex
	items []model.Notification
}

// NewCache builds an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Replace swaps the whole list for a fresh snapshot.
func (c *Cache) Replace(items []model.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make([]model.Notification, len(items))
	copy(c.items, items)
}

// Prepend puts a live-pushed notification at the head without refetching.
// A notification already present by id is ignored, which makes the
// snapshot-then-subscribe overlap harmless.
func (c *Cache) Prepend(n model.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, have := range c.items {
		if have.ID == n.ID {
			return
		}
	}
	c.items = append([]model.Notification{n}, c.items...)
}

// Items returns a copy of the current list.
func (c *Cache) Items() []model.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Notification, len(c.items))
	copy(out, c.items)
	return out
}

// Len reports the current list length.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
