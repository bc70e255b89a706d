package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MetaDevZone/secure-2fa/internal/model"
)

func newRecord(session string, createdAt time.Time) *model.CodeAttempt {
	return &model.CodeAttempt{
		Destination: "user@example.com",
		Context:     "login",
		Channel:     model.ChannelEmail,
		SessionID:   session,
		CodeHash:    "hash",
		CodeTag:     "tag",
		MaxAttempts: 5,
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(5 * time.Minute),
	}
}

func TestCreateAssignsIDAndRejectsDuplicates(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	rec, err := s.Create(ctx, newRecord("sess-1", now))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	_, err = s.Create(ctx, newRecord("sess-1", now))
	assert.ErrorIs(t, err, model.ErrDuplicateKey)

	// A different session id under the same key is fine.
	_, err = s.Create(ctx, newRecord("sess-2", now))
	assert.NoError(t, err)
}

func TestFindBySessionKey(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := s.Create(ctx, newRecord("sess-1", now))
	require.NoError(t, err)

	found, err := s.FindBySessionKey(ctx, "user@example.com", "login", "sess-1", model.ChannelEmail)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	// Absent sessions and mismatched destinations both answer nil, nil.
	found, err = s.FindBySessionKey(ctx, "user@example.com", "login", "missing", model.ChannelEmail)
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = s.FindBySessionKey(ctx, "other@example.com", "login", "sess-1", model.ChannelEmail)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindActiveSkipsTerminalRecords(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	used := newRecord("sess-used", now.Add(-2*time.Minute))
	used.Used = true
	_, err := s.Create(ctx, used)
	require.NoError(t, err)

	locked := newRecord("sess-locked", now.Add(-1*time.Minute))
	locked.Locked = true
	_, err = s.Create(ctx, locked)
	require.NoError(t, err)

	expired := newRecord("sess-expired", now.Add(-10*time.Minute))
	expired.ExpiresAt = now.Add(-5 * time.Minute)
	_, err = s.Create(ctx, expired)
	require.NoError(t, err)

	found, err := s.FindActive(ctx, "user@example.com", "login", model.ChannelEmail)
	require.NoError(t, err)
	assert.Nil(t, found)

	live, err := s.Create(ctx, newRecord("sess-live", now))
	require.NoError(t, err)

	found, err = s.FindActive(ctx, "user@example.com", "login", model.ChannelEmail)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, live.ID, found.ID)
}

func TestFindActiveReturnsNewest(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Create(ctx, newRecord("sess-old", now.Add(-time.Minute)))
	require.NoError(t, err)
	newest, err := s.Create(ctx, newRecord("sess-new", now))
	require.NoError(t, err)

	found, err := s.FindActive(ctx, "user@example.com", "login", model.ChannelEmail)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, newest.SessionID, found.SessionID)
}

func TestUpdateAppliesPartialFields(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	rec, err := s.Create(ctx, newRecord("sess-1", time.Now().UTC()))
	require.NoError(t, err)

	attempts := 3
	updated, err := s.Update(ctx, rec.ID, model.RecordUpdate{Attempts: &attempts})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Attempts)
	assert.False(t, updated.Used)

	used := true
	updated, err = s.Update(ctx, rec.ID, model.RecordUpdate{Used: &used})
	require.NoError(t, err)
	assert.True(t, updated.Used)
	assert.Equal(t, 3, updated.Attempts)

	_, err = s.Update(ctx, "missing", model.RecordUpdate{Used: &used})
	assert.Error(t, err)
}

func TestDeleteFreesSessionKey(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	rec, err := s.Create(ctx, newRecord("sess-1", now))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, rec.ID))
	require.NoError(t, s.Delete(ctx, rec.ID)) // idempotent
	assert.Equal(t, 0, s.Len())

	// The key can be reused after deletion.
	_, err = s.Create(ctx, newRecord("sess-1", now))
	assert.NoError(t, err)
}

func TestDeleteExpired(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	stale := newRecord("sess-stale", now.Add(-time.Hour))
	stale.ExpiresAt = now.Add(-time.Minute)
	_, err := s.Create(ctx, stale)
	require.NoError(t, err)

	_, err = s.Create(ctx, newRecord("sess-live", now))
	require.NoError(t, err)

	removed, err := s.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())

	found, err := s.FindBySessionKey(ctx, "user@example.com", "login", "sess-live", model.ChannelEmail)
	require.NoError(t, err)
	assert.NotNil(t, found)
}

func TestReconcileDuplicatesKeepsNewest(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Create(ctx, newRecord("sess-1", now.Add(-2*time.Minute)))
	require.NoError(t, err)
	_, err = s.Create(ctx, newRecord("sess-2", now.Add(-time.Minute)))
	require.NoError(t, err)
	newest, err := s.Create(ctx, newRecord("sess-3", now))
	require.NoError(t, err)

	require.NoError(t, s.ReconcileDuplicates(ctx, "user@example.com", "login", model.ChannelEmail))
	assert.Equal(t, 1, s.Len())

	found, err := s.FindActive(ctx, "user@example.com", "login", model.ChannelEmail)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, newest.SessionID, found.SessionID)
}

func TestReconcileDuplicatesLeavesTerminalRecords(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	used := newRecord("sess-used", now.Add(-3*time.Minute))
	used.Used = true
	_, err := s.Create(ctx, used)
	require.NoError(t, err)

	locked := newRecord("sess-locked", now.Add(-2*time.Minute))
	locked.Locked = true
	_, err = s.Create(ctx, locked)
	require.NoError(t, err)

	_, err = s.Create(ctx, newRecord("sess-old", now.Add(-time.Minute)))
	require.NoError(t, err)
	newest, err := s.Create(ctx, newRecord("sess-new", now))
	require.NoError(t, err)

	require.NoError(t, s.ReconcileDuplicates(ctx, "user@example.com", "login", model.ChannelEmail))

	// Only the older active record is removed; used and locked records
	// keep answering with their terminal state.
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 1, s.ActiveLen())

	found, err := s.FindActive(ctx, "user@example.com", "login", model.ChannelEmail)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, newest.SessionID, found.SessionID)

	kept, err := s.FindBySessionKey(ctx, "user@example.com", "login", "sess-used", model.ChannelEmail)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.True(t, kept.Used)
}

func TestCloneIsolation(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	in := newRecord("sess-1", time.Now().UTC())
	rec, err := s.Create(ctx, in)
	require.NoError(t, err)

	// Mutating the returned record must not touch the stored copy.
	rec.Used = true
	in.Locked = true

	found, err := s.FindBySessionKey(ctx, "user@example.com", "login", "sess-1", model.ChannelEmail)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.False(t, found.Used)
	assert.False(t, found.Locked)
}
