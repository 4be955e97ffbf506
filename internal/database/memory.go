package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-server/internal/apperr"
	"chat-server/internal/models"
)

// MemoryDB is an in-memory Database used by tests and local development. It
// honors the same error taxonomy as the Postgres implementation.
type MemoryDB struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	groups   map[string]*models.Group
	messages map[string]*models.Message
	order    []string // message ids in append order
	unread   map[string]map[string]int
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		users:    make(map[string]*models.User),
		groups:   make(map[string]*models.Group),
		messages: make(map[string]*models.Message),
		unread:   make(map[string]map[string]int),
	}
}

func (db *MemoryDB) Close() error { return nil }

func copyUser(u *models.User) *models.User {
	cp := *u
	return &cp
}

func copyGroup(g *models.Group) *models.Group {
	cp := *g
	cp.Members = append([]string(nil), g.Members...)
	return &cp
}

func copyMessage(m *models.Message) *models.Message {
	cp := *m
	return &cp
}

// Directory: users

func (db *MemoryDB) CreateUser(ctx context.Context, user *models.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.users {
		if existing.Email == user.Email {
			return apperr.Conflict("email %s already registered", user.Email)
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.LastSeen = user.CreatedAt
	db.users[user.ID] = copyUser(user)
	return nil
}

func (db *MemoryDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	user, ok := db.users[id]
	if !ok {
		return nil, apperr.NotFound("user %s not found", id)
	}
	return copyUser(user), nil
}

func (db *MemoryDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, user := range db.users {
		if user.Email == email {
			return copyUser(user), nil
		}
	}
	return nil, apperr.NotFound("user %s not found", email)
}

func (db *MemoryDB) ListUsers(ctx context.Context, excludeID string) ([]*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var users []*models.User
	for _, user := range db.users {
		if user.ID != excludeID {
			users = append(users, copyUser(user))
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

func (db *MemoryDB) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	user, ok := db.users[id]
	if !ok {
		return apperr.NotFound("user %s not found", id)
	}
	user.PasswordHash = passwordHash
	return nil
}

func (db *MemoryDB) TouchLastSeen(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if user, ok := db.users[id]; ok {
		user.LastSeen = time.Now()
	}
	return nil
}

// Directory: groups

func (db *MemoryDB) CreateGroup(ctx context.Context, group *models.Group) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now()
	group.CreatedAt = now
	group.UpdatedAt = now
	db.groups[group.ID] = copyGroup(group)
	return nil
}

func (db *MemoryDB) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	group, ok := db.groups[id]
	if !ok {
		return nil, apperr.NotFound("group %s not found", id)
	}
	return copyGroup(group), nil
}

func (db *MemoryDB) UpdateGroup(ctx context.Context, group *models.Group) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.groups[group.ID]; !ok {
		return apperr.Conflict("group %s deleted concurrently", group.ID)
	}
	group.UpdatedAt = time.Now()
	db.groups[group.ID] = copyGroup(group)
	return nil
}

func (db *MemoryDB) DeleteGroup(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.groups[id]; !ok {
		return apperr.NotFound("group %s not found", id)
	}
	delete(db.groups, id)
	return nil
}

func (db *MemoryDB) ListUserGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var groups []*models.Group
	for _, group := range db.groups {
		if group.HasMember(userID) {
			groups = append(groups, copyGroup(group))
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

// MessageStore

func (db *MemoryDB) AppendMessage(ctx context.Context, msg *models.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	db.messages[msg.ID] = copyMessage(msg)
	db.order = append(db.order, msg.ID)
	return nil
}

func (db *MemoryDB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	msg, ok := db.messages[id]
	if !ok {
		return nil, apperr.NotFound("message %s not found", id)
	}
	return copyMessage(msg), nil
}

func (db *MemoryDB) QueryDirect(ctx context.Context, userA, userB string) ([]*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []*models.Message
	for _, id := range db.order {
		m := db.messages[id]
		if m.GroupID != "" {
			continue
		}
		if (m.SenderID == userA && m.ReceiverID == userB) || (m.SenderID == userB && m.ReceiverID == userA) {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

func (db *MemoryDB) QueryGroup(ctx context.Context, groupID string) ([]*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []*models.Message
	for _, id := range db.order {
		if m := db.messages[id]; m.GroupID == groupID {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

func (db *MemoryDB) MarkSeen(ctx context.Context, messageID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	msg, ok := db.messages[messageID]
	if !ok {
		return apperr.NotFound("message %s not found", messageID)
	}
	msg.Seen = true
	return nil
}

func (db *MemoryDB) DeleteGroupMessages(ctx context.Context, groupID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	kept := db.order[:0]
	for _, id := range db.order {
		if db.messages[id].GroupID == groupID {
			delete(db.messages, id)
			continue
		}
		kept = append(kept, id)
	}
	db.order = kept
	return nil
}

func (db *MemoryDB) LastMessageTimes(ctx context.Context, userID string) (map[string]time.Time, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	times := make(map[string]time.Time)
	for _, id := range db.order {
		m := db.messages[id]
		var key string
		switch {
		case m.GroupID != "":
			group, ok := db.groups[m.GroupID]
			if !ok || !group.HasMember(userID) {
				continue
			}
			key = models.GroupRef(m.GroupID).Key()
		case m.SenderID == userID:
			key = models.DirectRef(m.ReceiverID).Key()
		case m.ReceiverID == userID:
			key = models.DirectRef(m.SenderID).Key()
		default:
			continue
		}
		if m.CreatedAt.After(times[key]) {
			times[key] = m.CreatedAt
		}
	}
	return times, nil
}

// UnreadStore

func (db *MemoryDB) IncrementUnread(ctx context.Context, ownerID string, ref models.ConversationRef) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.unread[ownerID] == nil {
		db.unread[ownerID] = make(map[string]int)
	}
	db.unread[ownerID][ref.Key()]++
	return db.unread[ownerID][ref.Key()], nil
}

func (db *MemoryDB) ClearUnread(ctx context.Context, ownerID string, ref models.ConversationRef) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if byOwner, ok := db.unread[ownerID]; ok {
		delete(byOwner, ref.Key())
	}
	return nil
}

func (db *MemoryDB) GetUnreadCounts(ctx context.Context, ownerID string) (map[string]int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	counts := make(map[string]int, len(db.unread[ownerID]))
	for key, count := range db.unread[ownerID] {
		counts[key] = count
	}
	return counts, nil
}

func (db *MemoryDB) DeleteConversationUnread(ctx context.Context, ref models.ConversationRef) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, byOwner := range db.unread {
		delete(byOwner, ref.Key())
	}
	return nil
}
