// Package dispatch is the core event engine: it routes inbound client events
// (send, seen, typing, clear, join/leave) into state mutations and addressed
// fan-out across the registry, unread counters, and typing coordinator.
package dispatch

import (
	"context"
	"sort"
	"time"

	"chat-server/internal/apperr"
	"chat-server/internal/database"
	"chat-server/internal/models"
	"chat-server/internal/presence"
	"chat-server/internal/registry"
	"chat-server/internal/typing"
	"chat-server/internal/unread"
	"chat-server/pkg/keylock"
	"chat-server/pkg/logger"

	"github.com/google/uuid"
)

type Dispatcher struct {
	db       database.Database
	reg      *registry.Registry
	presence *presence.Tracker
	unread   *unread.Counter
	typing   *typing.Coordinator

	// convLocks serializes sends within one conversation so that persist →
	// counter update → fan-out runs as a unit per message. Sends to
	// different conversations proceed in parallel.
	convLocks    *keylock.KeyLock
	storeTimeout time.Duration
}

func New(db database.Database, reg *registry.Registry, counter *unread.Counter, storeTimeout, typingExpiry time.Duration) *Dispatcher {
	d := &Dispatcher{
		db:           db,
		reg:          reg,
		presence:     presence.NewTracker(reg),
		unread:       counter,
		convLocks:    keylock.New(),
		storeTimeout: storeTimeout,
	}
	d.typing = typing.NewCoordinator(typingExpiry, d.typingExpired)
	return d
}

func (d *Dispatcher) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.storeTimeout)
}

// Connect records a new live connection. The first connection for an
// identity flips it online and re-broadcasts presence.
func (d *Dispatcher) Connect(c registry.Conn) {
	if first := d.reg.Register(c.Identity(), c); first {
		d.presence.Broadcast()
	}
}

// Disconnect tears a connection down: its group-room joins evaporate
// (clients re-join after reconnect) and the last connection flips the
// identity offline. Typing state is keyed per identity, so it is cleared
// only when no other device remains to own it.
func (d *Dispatcher) Disconnect(c registry.Conn) {
	identity := c.Identity()

	if last := d.reg.Unregister(identity, c); last {
		for _, ref := range d.typing.StopAll(identity) {
			d.fanoutTypingCleared(ref, identity)
		}
		d.presence.Broadcast()
		d.unread.Forget(identity)

		ctx, cancel := d.storeCtx(context.Background())
		if err := d.db.TouchLastSeen(ctx, identity); err != nil {
			logger.Error("touch last seen for %s: %v", identity, err)
		}
		cancel()
	}
}

// ResolveConversation turns a raw target id into a tagged ConversationRef,
// exactly once at the boundary. Groups take precedence; ids are UUIDs drawn
// from the same generator, so a collision between a group id and a user id
// does not occur in practice and is never guessed from the id shape.
func (d *Dispatcher) ResolveConversation(ctx context.Context, targetID string) (models.ConversationRef, error) {
	if targetID == "" {
		return models.ConversationRef{}, apperr.InvalidArgument("missing target")
	}

	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	if _, err := d.db.GetGroup(sctx, targetID); err == nil {
		return models.GroupRef(targetID), nil
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return models.ConversationRef{}, apperr.FromStore("resolve target", err)
	}

	if _, err := d.db.GetUserByID(sctx, targetID); err == nil {
		return models.DirectRef(targetID), nil
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return models.ConversationRef{}, apperr.FromStore("resolve target", err)
	}

	return models.ConversationRef{}, apperr.NotFound("no user or group with id %s", targetID)
}

// SendMessage persists the message and runs the delivery rules for ref. The
// persisted message is returned to the caller synchronously; fan-out to
// other connections is asynchronous best-effort.
func (d *Dispatcher) SendMessage(ctx context.Context, senderID string, ref models.ConversationRef, text, imageRef string) (*models.Message, error) {
	if text == "" && imageRef == "" {
		return nil, apperr.InvalidArgument("message needs text or an image")
	}
	if ref.Kind == models.KindDirect && ref.ID == senderID {
		return nil, apperr.InvalidArgument("cannot send a message to yourself")
	}

	key := models.SerializationKey(senderID, ref)
	d.convLocks.Lock(key)
	defer d.convLocks.Unlock(key)

	if ref.IsGroup() {
		return d.sendGroup(ctx, senderID, ref, text, imageRef)
	}
	return d.sendDirect(ctx, senderID, ref, text, imageRef)
}

func (d *Dispatcher) sendGroup(ctx context.Context, senderID string, ref models.ConversationRef, text, imageRef string) (*models.Message, error) {
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	group, err := d.db.GetGroup(sctx, ref.ID)
	if err != nil {
		return nil, apperr.FromStore("get group", err)
	}
	if !group.HasMember(senderID) {
		return nil, apperr.Forbidden("not a member of this group")
	}

	msg := &models.Message{
		ID:       uuid.NewString(),
		SenderID: senderID,
		GroupID:  ref.ID,
		Text:     text,
		ImageRef: imageRef,
	}
	if err := d.db.AppendMessage(sctx, msg); err != nil {
		// Nothing was delivered and no counter moved: no phantom delivery.
		return nil, apperr.FromStore("append message", err)
	}

	ev := models.NewEvent(models.EventMessageDelivered)
	ev.Message = msg

	// Per member, delivery and counting are mutually exclusive: viewing
	// members get the live event, the rest get a counter bump and fetch on
	// next open.
	for _, member := range group.Members {
		if member == senderID {
			continue
		}
		if d.reg.InRoom(member, ref.Key()) {
			d.reg.Send(member, ev)
			continue
		}
		if _, err := d.unread.Increment(sctx, member, ref); err != nil {
			logger.Error("unread increment for %s in %s: %v", member, ref.Key(), err)
		}
	}

	// Sender's own connections get the event too, which doubles as the
	// multi-device ack.
	d.reg.Send(senderID, ev)
	return msg, nil
}

func (d *Dispatcher) sendDirect(ctx context.Context, senderID string, ref models.ConversationRef, text, imageRef string) (*models.Message, error) {
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	recipient := ref.ID
	if _, err := d.db.GetUserByID(sctx, recipient); err != nil {
		return nil, apperr.FromStore("get recipient", err)
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: recipient,
		Text:       text,
		ImageRef:   imageRef,
	}
	if err := d.db.AppendMessage(sctx, msg); err != nil {
		return nil, apperr.FromStore("append message", err)
	}

	// Delivery to the recipient's direct room is unconditional routing; the
	// unread counter tracks the separate "seen" notion.
	viewing := d.reg.InRoom(recipient, models.DirectRef(senderID).Key())
	if !viewing {
		if _, err := d.unread.Increment(sctx, recipient, models.DirectRef(senderID)); err != nil {
			logger.Error("unread increment for %s from %s: %v", recipient, senderID, err)
		}
	}

	ev := models.NewEvent(models.EventMessageDelivered)
	ev.Message = msg
	d.reg.Send(recipient, ev)
	d.reg.Send(senderID, ev)
	return msg, nil
}

// MarkSeen flags a direct message as seen by its designated receiver and
// notifies the sender's live connections. Repeat calls are no-ops.
func (d *Dispatcher) MarkSeen(ctx context.Context, readerID, messageID string) (*models.Message, error) {
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	msg, err := d.db.GetMessage(sctx, messageID)
	if err != nil {
		return nil, apperr.FromStore("get message", err)
	}
	if msg.GroupID != "" {
		return nil, apperr.InvalidArgument("group messages have no per-message seen state")
	}
	if msg.ReceiverID != readerID {
		return nil, apperr.Forbidden("only the receiver may mark a message seen")
	}
	if msg.Seen {
		return msg, nil
	}

	if err := d.db.MarkSeen(sctx, messageID); err != nil {
		return nil, apperr.FromStore("mark seen", err)
	}
	msg.Seen = true

	ev := models.NewEvent(models.EventMessageSeen)
	ev.MessageID = msg.ID
	ev.ReaderID = readerID
	d.reg.Send(msg.SenderID, ev)
	return msg, nil
}

// ClearUnread resets the identity's counter for ref and tells all of the
// identity's connections so multi-device clients stay in sync.
func (d *Dispatcher) ClearUnread(ctx context.Context, identity string, ref models.ConversationRef) error {
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	if err := d.unread.Clear(sctx, identity, ref); err != nil {
		return err
	}

	ev := models.NewEvent(models.EventUnreadCleared)
	ev.ChatKey = ref.Key()
	d.reg.Send(identity, ev)
	return nil
}

// Typing records a typing signal and fans the indicator out: to the peer for
// a direct chat, to the joined group room (sender excluded) for a group.
func (d *Dispatcher) Typing(ctx context.Context, identity string, ref models.ConversationRef) error {
	if ref.IsGroup() && !d.reg.InRoom(identity, ref.Key()) {
		return apperr.InvalidState("join the group room before typing in it")
	}

	sctx, cancel := d.storeCtx(ctx)
	defer cancel()
	user, err := d.db.GetUserByID(sctx, identity)
	if err != nil {
		return apperr.FromStore("get profile", err)
	}

	d.typing.Signal(ref, identity, user.Name)

	ev := models.NewEvent(models.EventTypingIndicator)
	ev.From = identity
	ev.DisplayName = user.Name
	d.fanoutTyping(ref, identity, ev)
	return nil
}

// StopTyping clears the typing entry and fans out the clear if one existed.
func (d *Dispatcher) StopTyping(identity string, ref models.ConversationRef) {
	if d.typing.Stop(ref, identity) {
		d.fanoutTypingCleared(ref, identity)
	}
}

func (d *Dispatcher) typingExpired(ref models.ConversationRef, identity, displayName string) {
	d.fanoutTypingCleared(ref, identity)
}

func (d *Dispatcher) fanoutTypingCleared(ref models.ConversationRef, identity string) {
	ev := models.NewEvent(models.EventTypingCleared)
	ev.From = identity
	d.fanoutTyping(ref, identity, ev)
}

func (d *Dispatcher) fanoutTyping(ref models.ConversationRef, identity string, ev *models.Event) {
	if ref.IsGroup() {
		// ChatKey is the group from every viewer's perspective.
		ev.ChatKey = ref.Key()
		d.reg.SendRoom(ref.Key(), ev, identity)
		return
	}
	// For the peer, the chat is keyed by the typist's identity.
	ev.ChatKey = models.DirectRef(identity).Key()
	d.reg.Send(ref.ID, ev)
}

// JoinRoom marks the connection as viewing ref. For groups this also
// subscribes the connection to live group fan-out; membership is verified so
// room joins cannot leak another group's traffic.
func (d *Dispatcher) JoinRoom(ctx context.Context, c registry.Conn, ref models.ConversationRef) error {
	if ref.IsGroup() {
		sctx, cancel := d.storeCtx(ctx)
		defer cancel()
		group, err := d.db.GetGroup(sctx, ref.ID)
		if err != nil {
			return apperr.FromStore("get group", err)
		}
		if !group.HasMember(c.Identity()) {
			return apperr.Forbidden("not a member of this group")
		}
	}
	d.reg.JoinRoom(c, ref.Key())
	return nil
}

// LeaveRoom drops the connection's viewing state for ref.
func (d *Dispatcher) LeaveRoom(c registry.Conn, ref models.ConversationRef) {
	d.reg.LeaveRoom(c, ref.Key())
}

// History returns the conversation's messages in creation order. Group
// history requires membership.
func (d *Dispatcher) History(ctx context.Context, identity string, ref models.ConversationRef) ([]*models.Message, error) {
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	if ref.IsGroup() {
		group, err := d.db.GetGroup(sctx, ref.ID)
		if err != nil {
			return nil, apperr.FromStore("get group", err)
		}
		if !group.HasMember(identity) {
			return nil, apperr.Forbidden("not a member of this group")
		}
		msgs, err := d.db.QueryGroup(sctx, ref.ID)
		return msgs, apperr.FromStore("query group messages", err)
	}

	msgs, err := d.db.QueryDirect(sctx, identity, ref.ID)
	return msgs, apperr.FromStore("query direct messages", err)
}

// Summaries builds the identity's sidebar: every other user plus every group
// the identity belongs to, with unread counts and last activity, newest
// first.
func (d *Dispatcher) Summaries(ctx context.Context, identity string) ([]models.ChatSummary, error) {
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	users, err := d.db.ListUsers(sctx, identity)
	if err != nil {
		return nil, apperr.FromStore("list users", err)
	}
	groups, err := d.db.ListUserGroups(sctx, identity)
	if err != nil {
		return nil, apperr.FromStore("list groups", err)
	}
	counts, err := d.unread.Snapshot(sctx, identity)
	if err != nil {
		return nil, err
	}
	lastTimes, err := d.db.LastMessageTimes(sctx, identity)
	if err != nil {
		return nil, apperr.FromStore("last message times", err)
	}

	summaries := make([]models.ChatSummary, 0, len(users)+len(groups))
	for _, user := range users {
		ref := models.DirectRef(user.ID)
		summaries = append(summaries, models.ChatSummary{
			Kind:            models.KindDirect,
			ID:              user.ID,
			Name:            user.Name,
			AvatarURL:       user.AvatarURL,
			UnreadCount:     counts[ref.Key()],
			LastMessageTime: lastTimes[ref.Key()],
		})
	}
	for _, group := range groups {
		ref := models.GroupRef(group.ID)
		summaries = append(summaries, models.ChatSummary{
			Kind:            models.KindGroup,
			ID:              group.ID,
			Name:            group.Name,
			AvatarURL:       group.AvatarURL,
			UnreadCount:     counts[ref.Key()],
			LastMessageTime: lastTimes[ref.Key()],
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastMessageTime.After(summaries[j].LastMessageTime)
	})
	return summaries, nil
}

// UnreadCounts exposes the identity's counters keyed by conversation key.
func (d *Dispatcher) UnreadCounts(ctx context.Context, identity string) (map[string]int, error) {
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()
	return d.unread.Snapshot(sctx, identity)
}
