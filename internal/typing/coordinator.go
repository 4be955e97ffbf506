// Package typing tracks ephemeral typing state per (conversation, identity)
// pair. Entries expire server-side so a client that crashes mid-typing never
// leaves a stuck indicator.
package typing

import (
	"sync"
	"time"

	"chat-server/internal/models"
)

type entry struct {
	displayName string
	timer       *time.Timer
	expiresAt   time.Time
}

// ExpireFunc is invoked when an entry expires without an explicit stop. It
// runs on the timer goroutine.
type ExpireFunc func(ref models.ConversationRef, identity, displayName string)

type Coordinator struct {
	mu       sync.Mutex
	entries  map[string]*entry // ref key + "|" + identity
	expiry   time.Duration
	onExpire ExpireFunc
}

func NewCoordinator(expiry time.Duration, onExpire ExpireFunc) *Coordinator {
	return &Coordinator{
		entries:  make(map[string]*entry),
		expiry:   expiry,
		onExpire: onExpire,
	}
}

func entryKey(ref models.ConversationRef, identity string) string {
	return ref.Key() + "|" + identity
}

// Signal upserts the typing entry and resets its expiry timer. Every signal
// is an idempotent refresh regardless of client-side debounce behavior.
func (c *Coordinator) Signal(ref models.ConversationRef, identity, displayName string) {
	key := entryKey(ref, identity)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.displayName = displayName
		e.expiresAt = time.Now().Add(c.expiry)
		e.timer.Reset(c.expiry)
		return
	}

	e := &entry{displayName: displayName, expiresAt: time.Now().Add(c.expiry)}
	e.timer = time.AfterFunc(c.expiry, func() {
		c.expire(ref, identity)
	})
	c.entries[key] = e
}

// Stop removes the entry immediately and cancels its timer. It reports
// whether an entry was present, so callers only fan out a clear when the
// identity was actually typing.
func (c *Coordinator) Stop(ref models.ConversationRef, identity string) bool {
	key := entryKey(ref, identity)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(c.entries, key)
	return true
}

// StopAll clears every entry for identity, returning the refs that were
// active. Used on disconnect.
func (c *Coordinator) StopAll(identity string) []models.ConversationRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cleared []models.ConversationRef
	suffix := "|" + identity
	for key, e := range c.entries {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			if ref, err := models.ParseRoomID(key[:len(key)-len(suffix)]); err == nil {
				cleared = append(cleared, ref)
			}
			e.timer.Stop()
			delete(c.entries, key)
		}
	}
	return cleared
}

// Active reports whether identity currently has a live typing entry for ref.
func (c *Coordinator) Active(ref models.ConversationRef, identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[entryKey(ref, identity)]
	return ok
}

func (c *Coordinator) expire(ref models.ConversationRef, identity string) {
	key := entryKey(ref, identity)

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	// A Signal can race a timer that already fired: the refresh lands while
	// this callback waits on the lock. The stamped deadline is authoritative;
	// if it is still ahead, re-arm for the remainder instead of clearing.
	if remaining := time.Until(e.expiresAt); remaining > 0 {
		e.timer.Reset(remaining)
		c.mu.Unlock()
		return
	}
	name := e.displayName
	delete(c.entries, key)
	c.mu.Unlock()

	if c.onExpire != nil {
		c.onExpire(ref, identity, name)
	}
}
