package models

import (
	"sort"
	"strings"
	"time"

	"chat-server/internal/apperr"
)

type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	AdminID     string    `json:"admin_id"`
	Members     []string  `json:"members"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasMember reports whether id is in the group's member set.
func (g *Group) HasMember(id string) bool {
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	ImageRef   string    `json:"image_ref,omitempty"`
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"created_at"`
}

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// ConversationRef is the tagged union identifying a conversation. It is
// resolved exactly once at the API boundary and threaded through; code past
// the boundary never probes the store to guess whether an id is a group or a
// user.
type ConversationRef struct {
	Kind ConversationKind `json:"kind"`
	ID   string           `json:"id"`
}

func DirectRef(peerID string) ConversationRef {
	return ConversationRef{Kind: KindDirect, ID: peerID}
}

func GroupRef(groupID string) ConversationRef {
	return ConversationRef{Kind: KindGroup, ID: groupID}
}

// Key is the room/viewing key for this conversation from a viewer's
// perspective: "direct:{peer}" or "group:{groupId}".
func (r ConversationRef) Key() string {
	return string(r.Kind) + ":" + r.ID
}

func (r ConversationRef) IsGroup() bool {
	return r.Kind == KindGroup
}

// ParseRoomID parses a wire room id of the form "direct:{id}" or "group:{id}".
func ParseRoomID(s string) (ConversationRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ConversationRef{}, apperr.InvalidArgument("malformed room id %q", s)
	}
	switch ConversationKind(kind) {
	case KindDirect:
		return DirectRef(id), nil
	case KindGroup:
		return GroupRef(id), nil
	default:
		return ConversationRef{}, apperr.InvalidArgument("unknown room kind %q", kind)
	}
}

// SerializationKey identifies the conversation for ordering purposes. Both
// sides of a direct chat map to the same key so two concurrent sends within
// one pair serialize, while sends in unrelated conversations run in parallel.
func SerializationKey(senderID string, ref ConversationRef) string {
	if ref.Kind == KindGroup {
		return ref.Key()
	}
	pair := []string{senderID, ref.ID}
	sort.Strings(pair)
	return "direct:" + pair[0] + "|" + pair[1]
}
