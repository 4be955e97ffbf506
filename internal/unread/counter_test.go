package unread

import (
	"context"
	"errors"
	"testing"

	"chat-server/internal/apperr"
	"chat-server/internal/database"
	"chat-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementAndClear(t *testing.T) {
	ctx := context.Background()
	c := NewCounter(database.NewMemoryDB())
	ref := models.DirectRef("alice")

	count, err := c.Increment(ctx, "bob", ref)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = c.Increment(ctx, "bob", ref)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, c.Clear(ctx, "bob", ref))

	counts, err := c.Snapshot(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, counts[ref.Key()])

	// Clearing an already-zero counter stays at zero, never negative.
	require.NoError(t, c.Clear(ctx, "bob", ref))
	counts, err = c.Snapshot(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, counts[ref.Key()])
}

func TestSnapshotLoadsPersistedCounts(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemoryDB()
	ref := models.GroupRef("g1")

	// Counts written by a previous process survive into a fresh counter.
	_, err := db.IncrementUnread(ctx, "bob", ref)
	require.NoError(t, err)

	c := NewCounter(db)
	counts, err := c.Snapshot(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ref.Key()])
}

func TestForgetDropsCacheNotPersistedState(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemoryDB()
	c := NewCounter(db)
	ref := models.DirectRef("alice")

	_, err := c.Increment(ctx, "bob", ref)
	require.NoError(t, err)

	c.Forget("bob")

	counts, err := c.Snapshot(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ref.Key()])
}

type failingStore struct {
	database.UnreadStore
	fail bool
}

func (s *failingStore) IncrementUnread(ctx context.Context, ownerID string, ref models.ConversationRef) (int, error) {
	if s.fail {
		return 0, errors.New("store down")
	}
	return s.UnreadStore.IncrementUnread(ctx, ownerID, ref)
}

func TestIncrementFailureLeavesCacheConsistent(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{UnreadStore: database.NewMemoryDB()}
	c := NewCounter(store)
	ref := models.DirectRef("alice")

	_, err := c.Increment(ctx, "bob", ref)
	require.NoError(t, err)

	store.fail = true
	_, err = c.Increment(ctx, "bob", ref)
	require.Error(t, err)

	counts, err := c.Snapshot(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ref.Key()], "failed persist must not bump the cached value")
}

func TestTimeoutSurfacesAsTimeoutKind(t *testing.T) {
	store := &deadlineStore{}
	c := NewCounter(store)

	_, err := c.Increment(context.Background(), "bob", models.DirectRef("alice"))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTimeout))
}

type deadlineStore struct {
	database.UnreadStore
}

func (s *deadlineStore) IncrementUnread(ctx context.Context, ownerID string, ref models.ConversationRef) (int, error) {
	return 0, context.DeadlineExceeded
}

func TestDropConversationRemovesAllOwners(t *testing.T) {
	ctx := context.Background()
	c := NewCounter(database.NewMemoryDB())
	ref := models.GroupRef("g1")

	_, err := c.Increment(ctx, "bob", ref)
	require.NoError(t, err)
	_, err = c.Increment(ctx, "carol", ref)
	require.NoError(t, err)

	require.NoError(t, c.DropConversation(ctx, ref))

	for _, owner := range []string{"bob", "carol"} {
		counts, err := c.Snapshot(ctx, owner)
		require.NoError(t, err)
		assert.Zero(t, counts[ref.Key()])
	}
}
