package dispatch

import (
	"context"
	"testing"
	"time"

	"chat-server/internal/apperr"
	"chat-server/internal/database"
	"chat-server/internal/models"
	"chat-server/internal/registry"
	"chat-server/internal/rooms"
	"chat-server/internal/unread"

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

func (c *fakeConn) ofType(t models.EventType) []*models.Event {
	var out []*models.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	db   *database.MemoryDB
	reg  *registry.Registry
	disp *Dispatcher
}

func newFixture(t *testing.T, userIDs ...string) *fixture {
	t.Helper()
	db := database.NewMemoryDB()
	for _, id := range userIDs {
		require.NoError(t, db.CreateUser(context.Background(), &models.User{
			ID:    id,
			Email: id + "@example.com",
			Name:  "user " + id,
		}))
	}
	reg := registry.New()
	return &fixture{
		db:   db,
		reg:  reg,
		disp: New(db, reg, unread.NewCounter(db), time.Second, 50*time.Millisecond),
	}
}

func (f *fixture) connect(identity string) *fakeConn {
	c := &fakeConn{id: "conn-" + identity, identity: identity}
	f.disp.Connect(c)
	return c
}

func (f *fixture) group(t *testing.T, id, admin string, members ...string) *models.Group {
	t.Helper()
	g := &models.Group{
		ID:      id,
		Name:    "group " + id,
		AdminID: admin,
		Members: append([]string{admin}, members...),
	}
	require.NoError(t, f.db.CreateGroup(context.Background(), g))
	return g
}

func TestResolveConversation(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.group(t, "g1", "alice", "bob")
	ctx := context.Background()

	ref, err := f.disp.ResolveConversation(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GroupRef("g1"), ref)

	ref, err = f.disp.ResolveConversation(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.DirectRef("bob"), ref)

	_, err = f.disp.ResolveConversation(ctx, "nobody")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = f.disp.ResolveConversation(ctx, "")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	_, err := f.disp.SendMessage(ctx, "alice", models.DirectRef("bob"), "", "")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))

	_, err = f.disp.SendMessage(ctx, "alice", models.DirectRef("alice"), "hi", "")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))

	_, err = f.disp.SendMessage(ctx, "alice", models.DirectRef("nobody"), "hi", "")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestDirectSendOfflineRecipientCountsUnread(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	msg, err := f.disp.SendMessage(ctx, "alice", models.DirectRef("bob"), "hi bob", "")
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)

	counts, err := f.disp.UnreadCounts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.DirectRef("alice").Key()])

	// Clearing drops the counter; the message itself is untouched.
	require.NoError(t, f.disp.ClearUnread(ctx, "bob", models.DirectRef("alice")))

	counts, err = f.disp.UnreadCounts(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, counts[models.DirectRef("alice").Key()])

	history, err := f.disp.History(ctx, "bob", models.DirectRef("alice"))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi bob", history[0].Text)
}

func TestDirectSendViewingRecipientSkipsCounter(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	bob := f.connect("bob")

	// Bob has the chat with alice open.
	require.NoError(t, f.disp.JoinRoom(ctx, bob, models.DirectRef("alice")))

	_, err := f.disp.SendMessage(ctx, "alice", models.DirectRef("bob"), "hi", "")
	require.NoError(t, err)

	counts, err := f.disp.UnreadCounts(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, counts[models.DirectRef("alice").Key()])

	delivered := bob.ofType(models.EventMessageDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, "hi", delivered[0].Message.Text)
}

func TestDirectSendDeliversEvenWhenNotViewing(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	bob := f.connect("bob")

	_, err := f.disp.SendMessage(context.Background(), "alice", models.DirectRef("bob"), "hi", "")
	require.NoError(t, err)

	// Online but not viewing: the event still reaches bob's connections,
	// and the counter moves as well.
	assert.Len(t, bob.ofType(models.EventMessageDelivered), 1)
	counts, err := f.disp.UnreadCounts(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.DirectRef("alice").Key()])
}

func TestGroupSendViewingXorCounter(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.group(t, "g1", "alice", "bob", "carol")
	ctx := context.Background()

	bob := f.connect("bob")
	carol := f.connect("carol")
	require.NoError(t, f.disp.JoinRoom(ctx, bob, models.GroupRef("g1")))

	_, err := f.disp.SendMessage(ctx, "alice", models.GroupRef("g1"), "hello all", "")
	require.NoError(t, err)

	// Bob is viewing: live event, no counter.
	assert.Len(t, bob.ofType(models.EventMessageDelivered), 1)
	bobCounts, err := f.disp.UnreadCounts(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, bobCounts[models.GroupRef("g1").Key()])

	// Carol is not viewing: counter, no live event.
	assert.Empty(t, carol.ofType(models.EventMessageDelivered))
	carolCounts, err := f.disp.UnreadCounts(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, carolCounts[models.GroupRef("g1").Key()])
}

func TestGroupSendSenderGetsAck(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.group(t, "g1", "alice", "bob")
	alice := f.connect("alice")

	_, err := f.disp.SendMessage(context.Background(), "alice", models.GroupRef("g1"), "hi", "")
	require.NoError(t, err)

	assert.Len(t, alice.ofType(models.EventMessageDelivered), 1)
}

func TestGroupSendRequiresMembership(t *testing.T) {
	f := newFixture(t, "alice", "bob", "mallory")
	f.group(t, "g1", "alice", "bob")

	_, err := f.disp.SendMessage(context.Background(), "mallory", models.GroupRef("g1"), "hi", "")
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestMarkSeen(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.group(t, "g1", "alice", "bob")
	ctx := context.Background()
	alice := f.connect("alice")

	msg, err := f.disp.SendMessage(ctx, "alice", models.DirectRef("bob"), "hi", "")
	require.NoError(t, err)

	_, err = f.disp.MarkSeen(ctx, "alice", msg.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden), "only the receiver marks seen")

	seen, err := f.disp.MarkSeen(ctx, "bob", msg.ID)
	require.NoError(t, err)
	assert.True(t, seen.Seen)

	// Sender's connections hear about it once; a repeat call is a no-op.
	require.Len(t, alice.ofType(models.EventMessageSeen), 1)
	assert.Equal(t, msg.ID, alice.ofType(models.EventMessageSeen)[0].MessageID)

	_, err = f.disp.MarkSeen(ctx, "bob", msg.ID)
	require.NoError(t, err)
	assert.Len(t, alice.ofType(models.EventMessageSeen), 1)

	groupMsg, err := f.disp.SendMessage(ctx, "alice", models.GroupRef("g1"), "hi group", "")
	require.NoError(t, err)
	_, err = f.disp.MarkSeen(ctx, "bob", groupMsg.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
}

func TestTypingDirectReachesPeer(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	f.connect("alice")
	bob := f.connect("bob")

	require.NoError(t, f.disp.Typing(ctx, "alice", models.DirectRef("bob")))

	indicators := bob.ofType(models.EventTypingIndicator)
	require.Len(t, indicators, 1)
	assert.Equal(t, "alice", indicators[0].From)
	assert.Equal(t, "user alice", indicators[0].DisplayName)
	assert.Equal(t, models.DirectRef("alice").Key(), indicators[0].ChatKey)

	f.disp.StopTyping("alice", models.DirectRef("bob"))
	assert.Len(t, bob.ofType(models.EventTypingCleared), 1)

	// No entry left, so a second stop fans nothing out.
	f.disp.StopTyping("alice", models.DirectRef("bob"))
	assert.Len(t, bob.ofType(models.EventTypingCleared), 1)
}

func TestTypingGroupRequiresJoinedRoom(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.group(t, "g1", "alice", "bob", "carol")
	ctx := context.Background()

	alice := f.connect("alice")
	bob := f.connect("bob")
	f.connect("carol")

	err := f.disp.Typing(ctx, "alice", models.GroupRef("g1"))
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	require.NoError(t, f.disp.JoinRoom(ctx, alice, models.GroupRef("g1")))
	require.NoError(t, f.disp.JoinRoom(ctx, bob, models.GroupRef("g1")))

	require.NoError(t, f.disp.Typing(ctx, "alice", models.GroupRef("g1")))

	// Only joined viewers hear it, and never the typist.
	assert.Len(t, bob.ofType(models.EventTypingIndicator), 1)
	assert.Empty(t, alice.ofType(models.EventTypingIndicator))
}

func TestRemovedMemberNoLongerSeesGroupTyping(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	g := f.group(t, "g1", "alice", "bob")
	ctx := context.Background()

	alice := f.connect("alice")
	bob := f.connect("bob")
	require.NoError(t, f.disp.JoinRoom(ctx, alice, models.GroupRef(g.ID)))
	require.NoError(t, f.disp.JoinRoom(ctx, bob, models.GroupRef(g.ID)))

	roomSvc := rooms.NewService(f.db, f.reg, unread.NewCounter(f.db), time.Second)
	_, err := roomSvc.RemoveMember(ctx, "alice", g.ID, "bob")
	require.NoError(t, err)

	// Eviction severs both directions: bob hears no group typing and can no
	// longer emit into the room.
	require.NoError(t, f.disp.Typing(ctx, "alice", models.GroupRef(g.ID)))
	assert.Empty(t, bob.ofType(models.EventTypingIndicator))

	err = f.disp.Typing(ctx, "bob", models.GroupRef(g.ID))
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestTypingSurvivesOtherDeviceDisconnect(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	phone := f.connect("alice")
	laptop := &fakeConn{id: "conn-alice-2", identity: "alice"}
	f.disp.Connect(laptop)
	bob := f.connect("bob")

	require.NoError(t, f.disp.Typing(context.Background(), "alice", models.DirectRef("bob")))

	// One device closing must not clear typing the other still owns.
	f.disp.Disconnect(laptop)
	assert.Empty(t, bob.ofType(models.EventTypingCleared))

	f.disp.Disconnect(phone)
	assert.Len(t, bob.ofType(models.EventTypingCleared), 1)
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.connect("alice")
	bob := f.connect("bob")

	require.NoError(t, f.disp.Typing(context.Background(), "alice", models.DirectRef("bob")))

	require.Eventually(t, func() bool {
		return len(bob.ofType(models.EventTypingCleared)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDisconnectClearsTyping(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	alice := f.connect("alice")
	bob := f.connect("bob")

	require.NoError(t, f.disp.Typing(context.Background(), "alice", models.DirectRef("bob")))
	f.disp.Disconnect(alice)

	assert.Len(t, bob.ofType(models.EventTypingCleared), 1)
}

func TestPresenceBroadcastOnConnectAndDisconnect(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	alice := f.connect("alice")

	snaps := alice.ofType(models.EventPresenceSnapshot)
	require.Len(t, snaps, 1)
	assert.Equal(t, []string{"alice"}, snaps[0].Online)

	bob := f.connect("bob")
	snaps = alice.ofType(models.EventPresenceSnapshot)
	require.Len(t, snaps, 2)
	assert.Equal(t, []string{"alice", "bob"}, snaps[1].Online)

	f.disp.Disconnect(bob)
	snaps = alice.ofType(models.EventPresenceSnapshot)
	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"alice"}, snaps[2].Online)
}

func TestSecondConnectionDoesNotRebroadcast(t *testing.T) {
	f := newFixture(t, "alice")
	alice := f.connect("alice")

	second := &fakeConn{id: "conn-alice-2", identity: "alice"}
	f.disp.Connect(second)

	assert.Len(t, alice.ofType(models.EventPresenceSnapshot), 1)

	// Dropping one of two connections keeps alice online, no broadcast.
	f.disp.Disconnect(second)
	assert.Len(t, alice.ofType(models.EventPresenceSnapshot), 1)
}

func TestJoinRoomGroupMembershipEnforced(t *testing.T) {
	f := newFixture(t, "alice", "mallory")
	f.group(t, "g1", "alice")
	mallory := f.connect("mallory")

	err := f.disp.JoinRoom(context.Background(), mallory, models.GroupRef("g1"))
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	assert.False(t, f.reg.InRoom("mallory", models.GroupRef("g1").Key()))
}

func TestHistoryGroupRequiresMembership(t *testing.T) {
	f := newFixture(t, "alice", "mallory")
	f.group(t, "g1", "alice")

	_, err := f.disp.History(context.Background(), "mallory", models.GroupRef("g1"))
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestSummariesOrderAndCounts(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.group(t, "g1", "alice", "bob")
	ctx := context.Background()

	_, err := f.disp.SendMessage(ctx, "bob", models.DirectRef("alice"), "first", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // distinct timestamps for the ordering assertion
	_, err = f.disp.SendMessage(ctx, "bob", models.GroupRef("g1"), "second", "")
	require.NoError(t, err)

	summaries, err := f.disp.Summaries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, summaries, 3) // bob, carol, g1

	// Newest activity first: the group message landed after bob's direct.
	assert.Equal(t, "g1", summaries[0].ID)
	assert.Equal(t, models.KindGroup, summaries[0].Kind)
	assert.Equal(t, 1, summaries[0].UnreadCount)

	assert.Equal(t, "bob", summaries[1].ID)
	assert.Equal(t, 1, summaries[1].UnreadCount)

	assert.Equal(t, "carol", summaries[2].ID)
	assert.Zero(t, summaries[2].UnreadCount)
}
