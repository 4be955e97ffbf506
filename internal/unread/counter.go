// Package unread maintains per-(owner, conversation) counters of messages
// that arrived while the owner was not viewing the conversation. The store
// row is the source of truth; the in-memory cache is only mutated after the
// store confirms, so a reconnecting client never observes a dirty count.
package unread

import (
	"context"
	"sync"

	"chat-server/internal/apperr"
	"chat-server/internal/database"
	"chat-server/internal/models"
	"chat-server/pkg/keylock"
)

type Counter struct {
	store database.UnreadStore
	locks *keylock.KeyLock

	mu    sync.RWMutex
	cache map[string]map[string]int // owner -> conversation key -> count
}

func NewCounter(store database.UnreadStore) *Counter {
	return &Counter{
		store: store,
		locks: keylock.New(),
		cache: make(map[string]map[string]int),
	}
}

// Increment bumps the owner's counter for ref by one, persist-first. The
// returned value is the new persisted count.
func (c *Counter) Increment(ctx context.Context, ownerID string, ref models.ConversationRef) (int, error) {
	c.locks.Lock(ownerID)
	defer c.locks.Unlock(ownerID)

	count, err := c.store.IncrementUnread(ctx, ownerID, ref)
	if err != nil {
		return 0, apperr.FromStore("increment unread", err)
	}

	c.mu.Lock()
	if c.cache[ownerID] != nil {
		c.cache[ownerID][ref.Key()] = count
	}
	c.mu.Unlock()
	return count, nil
}

// Clear resets the owner's counter for ref to zero, persist-first.
func (c *Counter) Clear(ctx context.Context, ownerID string, ref models.ConversationRef) error {
	c.locks.Lock(ownerID)
	defer c.locks.Unlock(ownerID)

	if err := c.store.ClearUnread(ctx, ownerID, ref); err != nil {
		return apperr.FromStore("clear unread", err)
	}

	c.mu.Lock()
	if c.cache[ownerID] != nil {
		delete(c.cache[ownerID], ref.Key())
	}
	c.mu.Unlock()
	return nil
}

// Snapshot returns the owner's counters, loading through to the store on
// first access and serving the cache afterwards.
func (c *Counter) Snapshot(ctx context.Context, ownerID string) (map[string]int, error) {
	c.mu.RLock()
	cached, ok := c.cache[ownerID]
	if ok {
		out := make(map[string]int, len(cached))
		for k, v := range cached {
			out[k] = v
		}
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	c.locks.Lock(ownerID)
	defer c.locks.Unlock(ownerID)

	counts, err := c.store.GetUnreadCounts(ctx, ownerID)
	if err != nil {
		return nil, apperr.FromStore("load unread", err)
	}

	c.mu.Lock()
	c.cache[ownerID] = counts
	c.mu.Unlock()

	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out, nil
}

// Forget drops the owner's cached counters. Called on last disconnect so a
// long-offline identity does not pin memory.
func (c *Counter) Forget(ownerID string) {
	c.mu.Lock()
	delete(c.cache, ownerID)
	c.mu.Unlock()
}

// DropConversation removes every owner's counter for ref, persisted and
// cached. Used when a group is deleted.
func (c *Counter) DropConversation(ctx context.Context, ref models.ConversationRef) error {
	if err := c.store.DeleteConversationUnread(ctx, ref); err != nil {
		return apperr.FromStore("drop unread", err)
	}

	c.mu.Lock()
	for _, byOwner := range c.cache {
		delete(byOwner, ref.Key())
	}
	c.mu.Unlock()
	return nil
}
