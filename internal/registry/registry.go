// Package registry maps logical identities to their live connections and
// keeps the transient room index used for addressed fan-out. It is pure
// in-memory state; callers decide what to broadcast on transitions.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"

	"chat-server/internal/models"
	"chat-server/pkg/logger"
)

// Conn is one live transport connection for an identity. Deliver must not
// block; it reports whether the event was enqueued.
type Conn interface {
	ID() string
	Identity() string
	Deliver(ev *models.Event) bool
}

const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	conns map[string]map[string]Conn // identity -> conn id -> conn
}

type Registry struct {
	shards [shardCount]*shard

	// Room index: transient group-room joins plus per-connection viewing
	// marks. Guarded separately from the identity shards since room churn is
	// independent of connect/disconnect.
	roomMu    sync.RWMutex
	rooms     map[string]map[string]Conn // room key -> conn id -> conn
	connRooms map[string]map[string]bool // conn id -> room keys
}

func New() *Registry {
	r := &Registry{
		rooms:     make(map[string]map[string]Conn),
		connRooms: make(map[string]map[string]bool),
	}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(identity string) *shard {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds c to the identity's connection set, idempotent per connection
// id. It reports whether this was the identity's first live connection.
func (r *Registry) Register(identity string, c Conn) (first bool) {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[identity]
	if !ok {
		set = make(map[string]Conn)
		s.conns[identity] = set
	}
	first = len(set) == 0
	set[c.ID()] = c
	return first
}

// Unregister removes c and reports whether it was the identity's last live
// connection. The check is atomic with the removal under the identity's
// shard lock. The connection is also dropped from every room it joined.
func (r *Registry) Unregister(identity string, c Conn) (last bool) {
	s := r.shardFor(identity)
	s.mu.Lock()
	set, ok := s.conns[identity]
	if ok {
		delete(set, c.ID())
		if len(set) == 0 {
			delete(s.conns, identity)
			last = true
		}
	}
	s.mu.Unlock()

	r.roomMu.Lock()
	for key := range r.connRooms[c.ID()] {
		r.dropFromRoomLocked(key, c.ID())
	}
	delete(r.connRooms, c.ID())
	r.roomMu.Unlock()

	return last
}

// Resolve returns the identity's live connections. An empty result means the
// identity is offline; it is never an error.
func (r *Registry) Resolve(identity string) []Conn {
	s := r.shardFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.conns[identity]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// OnlineIdentities is a sorted snapshot of identities with at least one live
// connection.
func (r *Registry) OnlineIdentities() []string {
	var online []string
	for _, s := range r.shards {
		s.mu.RLock()
		for identity := range s.conns {
			online = append(online, identity)
		}
		s.mu.RUnlock()
	}
	sort.Strings(online)
	return online
}

// Send delivers ev to every live connection of identity, fire-and-forget. A
// saturated connection is skipped, never allowed to block the others.
func (r *Registry) Send(identity string, ev *models.Event) int {
	delivered := 0
	for _, c := range r.Resolve(identity) {
		if c.Deliver(ev) {
			delivered++
		} else {
			logger.Debug("dropping %s event for saturated connection %s", ev.Type, c.ID())
		}
	}
	return delivered
}

// SendAll delivers ev to every live connection.
func (r *Registry) SendAll(ev *models.Event) {
	for _, s := range r.shards {
		s.mu.RLock()
		conns := make([]Conn, 0)
		for _, set := range s.conns {
			for _, c := range set {
				conns = append(conns, c)
			}
		}
		s.mu.RUnlock()

		for _, c := range conns {
			if !c.Deliver(ev) {
				logger.Debug("dropping %s event for saturated connection %s", ev.Type, c.ID())
			}
		}
	}
}

// JoinRoom subscribes c to the room key. Group-room membership is transient
// and must be re-established by the client after a reconnect.
func (r *Registry) JoinRoom(c Conn, key string) {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()

	if r.rooms[key] == nil {
		r.rooms[key] = make(map[string]Conn)
	}
	r.rooms[key][c.ID()] = c

	if r.connRooms[c.ID()] == nil {
		r.connRooms[c.ID()] = make(map[string]bool)
	}
	r.connRooms[c.ID()][key] = true
}

func (r *Registry) LeaveRoom(c Conn, key string) {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	r.dropFromRoomLocked(key, c.ID())
	delete(r.connRooms[c.ID()], key)
}

// EvictFromRoom removes every connection of identity from the room key.
// Called when an identity loses group membership so its connections stop
// receiving and emitting room traffic.
func (r *Registry) EvictFromRoom(identity, key string) {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	for connID, c := range r.rooms[key] {
		if c.Identity() == identity {
			r.dropFromRoomLocked(key, connID)
			delete(r.connRooms[connID], key)
		}
	}
}

// DropRoom removes the room key and every connection joined to it. Called
// when the underlying group is deleted.
func (r *Registry) DropRoom(key string) {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	for connID := range r.rooms[key] {
		delete(r.connRooms[connID], key)
	}
	delete(r.rooms, key)
}

func (r *Registry) dropFromRoomLocked(key, connID string) {
	if set, ok := r.rooms[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.rooms, key)
		}
	}
}

// InRoom reports whether any of the identity's connections has joined the
// room key. This is the "viewing" check of the delivery rules.
func (r *Registry) InRoom(identity, key string) bool {
	r.roomMu.RLock()
	defer r.roomMu.RUnlock()
	for _, c := range r.rooms[key] {
		if c.Identity() == identity {
			return true
		}
	}
	return false
}

// SendRoom delivers ev to every connection joined to the room key, excluding
// connections belonging to exceptIdentity.
func (r *Registry) SendRoom(key string, ev *models.Event, exceptIdentity string) {
	r.roomMu.RLock()
	conns := make([]Conn, 0, len(r.rooms[key]))
	for _, c := range r.rooms[key] {
		if c.Identity() != exceptIdentity {
			conns = append(conns, c)
		}
	}
	r.roomMu.RUnlock()

	for _, c := range conns {
		if !c.Deliver(ev) {
			logger.Debug("dropping %s event for saturated connection %s", ev.Type, c.ID())
		}
	}
}
