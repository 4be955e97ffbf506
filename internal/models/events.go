package models

import "time"

type EventType string

// Outbound event types delivered to live connections.
const (
	EventPresenceSnapshot       EventType = "presenceSnapshot"
	EventMessageDelivered       EventType = "messageDelivered"
	EventMessageSeen            EventType = "messageSeen"
	EventTypingIndicator        EventType = "typingIndicator"
	EventTypingCleared          EventType = "typingCleared"
	EventUnreadCleared          EventType = "unreadCleared"
	EventGroupMembershipChanged EventType = "groupMembershipChanged"
	EventError                  EventType = "error"
)

// Membership change kinds carried by groupMembershipChanged events.
const (
	ChangeGroupCreated    = "created"
	ChangeMembersAdded    = "membersAdded"
	ChangeMemberRemoved   = "memberRemoved"
	ChangeMemberLeft      = "memberLeft"
	ChangeAdminTransfer   = "adminTransferred"
	ChangeGroupUpdated    = "updated"
	ChangeGroupDeleted    = "deleted"
)

// Event is the outbound envelope pushed over live connections. Clients must
// treat presence snapshots as authoritative replacements, not deltas.
type Event struct {
	Type        EventType `json:"type"`
	Online      []string  `json:"online,omitempty"`
	Message     *Message  `json:"message,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	ReaderID    string    `json:"reader_id,omitempty"`
	ChatKey     string    `json:"chat_key,omitempty"`
	From        string    `json:"from,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Group       *Group    `json:"group,omitempty"`
	ChangeKind  string    `json:"change_kind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   string    `json:"timestamp,omitempty"`
}

func NewEvent(t EventType) *Event {
	return &Event{Type: t, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// ClientEvent is the inbound envelope read from a live connection. Target is
// a raw conversation id for sendMessage (resolved server-side); RoomID and
// ChatKey use the "direct:{id}" / "group:{id}" form.
type ClientEvent struct {
	Type      string `json:"type"`
	Target    string `json:"target,omitempty"`
	Text      string `json:"text,omitempty"`
	ImageRef  string `json:"image_ref,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	ChatKey   string `json:"chat_key,omitempty"`
}

// Inbound client event types.
const (
	ClientSendMessage  = "sendMessage"
	ClientMarkSeen     = "markSeen"
	ClientTypingSignal = "typingSignal"
	ClientTypingStop   = "typingStop"
	ClientJoinRoom     = "joinRoom"
	ClientLeaveRoom    = "leaveRoom"
	ClientClearUnread  = "clearUnread"
)

// ChatSummary is one sidebar entry: a peer or group plus unread count and
// last activity, sorted most-recent-first by the handler.
type ChatSummary struct {
	Kind            ConversationKind `json:"kind"`
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	AvatarURL       string           `json:"avatar_url,omitempty"`
	UnreadCount     int              `json:"unread_count"`
	LastMessageTime time.Time        `json:"last_message_time"`
}
