package presence

import (
	"testing"

	"chat-server/internal/models"
	"chat-server/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id       string
	identity string
	events   []*models.Event
}

func (c *fakeConn) ID() string       { return c.id }
func (c *fakeConn) Identity() string { return c.identity }
func (c *fakeConn) Deliver(ev *models.Event) bool {
	c.events = append(c.events, ev)
	return true
}

func TestBroadcastSendsFullSnapshotToEveryone(t *testing.T) {
	reg := registry.New()
	tracker := NewTracker(reg)

	alice := &fakeConn{id: "c1", identity: "alice"}
	bob := &fakeConn{id: "c2", identity: "bob"}
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	tracker.Broadcast()

	for _, c := range []*fakeConn{alice, bob} {
		require.Len(t, c.events, 1)
		assert.Equal(t, models.EventPresenceSnapshot, c.events[0].Type)
		assert.Equal(t, []string{"alice", "bob"}, c.events[0].Online)
	}
}

func TestBroadcastAfterLastDisconnectShrinksSnapshot(t *testing.T) {
	reg := registry.New()
	tracker := NewTracker(reg)

	alice := &fakeConn{id: "c1", identity: "alice"}
	bob := &fakeConn{id: "c2", identity: "bob"}
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	reg.Unregister("bob", bob)
	tracker.Broadcast()

	require.Len(t, alice.events, 1)
	assert.Equal(t, []string{"alice"}, alice.events[0].Online)
	assert.Empty(t, bob.events)
}
