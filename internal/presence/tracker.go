// Package presence broadcasts online-identity snapshots whenever an
// identity's connection count flips between zero and nonzero.
package presence

import (
	"chat-server/internal/models"
	"chat-server/internal/registry"
)

type Tracker struct {
	reg *registry.Registry
}

func NewTracker(reg *registry.Registry) *Tracker {
	return &Tracker{reg: reg}
}

// Broadcast pushes the full online snapshot to every live connection.
// Clients replace their online set wholesale; a snapshot is never a delta.
// Delivery is fire-and-forget: a dead or saturated connection never blocks
// the rest.
func (t *Tracker) Broadcast() {
	ev := models.NewEvent(models.EventPresenceSnapshot)
	ev.Online = t.reg.OnlineIdentities()
	t.reg.SendAll(ev)
}
