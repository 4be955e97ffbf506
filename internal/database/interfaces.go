package database

import (
	"context"
	"time"

	"chat-server/internal/models"
)

// Directory resolves identities and groups.
type Directory interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context, excludeID string) ([]*models.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	TouchLastSeen(ctx context.Context, id string) error

	CreateGroup(ctx context.Context, group *models.Group) error
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	UpdateGroup(ctx context.Context, group *models.Group) error
	DeleteGroup(ctx context.Context, id string) error
	ListUserGroups(ctx context.Context, userID string) ([]*models.Group, error)
}

// MessageStore persists and queries messages.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	QueryDirect(ctx context.Context, userA, userB string) ([]*models.Message, error)
	QueryGroup(ctx context.Context, groupID string) ([]*models.Message, error)
	MarkSeen(ctx context.Context, messageID string) error
	DeleteGroupMessages(ctx context.Context, groupID string) error
	// LastMessageTimes returns the newest message timestamp per conversation
	// the user participates in, keyed by ConversationRef.Key().
	LastMessageTimes(ctx context.Context, userID string) (map[string]time.Time, error)
}

// UnreadStore persists per-(owner, conversation) unread counters.
type UnreadStore interface {
	IncrementUnread(ctx context.Context, ownerID string, ref models.ConversationRef) (int, error)
	ClearUnread(ctx context.Context, ownerID string, ref models.ConversationRef) error
	GetUnreadCounts(ctx context.Context, ownerID string) (map[string]int, error)
	DeleteConversationUnread(ctx context.Context, ref models.ConversationRef) error
}

type Database interface {
	Directory
	MessageStore
	UnreadStore
	Close() error
}
