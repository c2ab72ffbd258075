package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/types"
)

func newTestStore(t *testing.T, clock *ids.FakeClock, onExpire ExpireFunc) *Store {
	t.Helper()
	s := NewStore(Options{
		TTL:           30 * time.Minute,
		MaxTTL:        2 * time.Hour,
		PurgeInterval: time.Hour, // sweeps are triggered manually in tests
		MaxSessions:   3,
		Clock:         clock,
		IDs:           ids.NewSequenceGenerator("sess"),
		OnExpire:      onExpire,
	})
	t.Cleanup(s.Close)
	return s
}

func TestStoreCreateAndGet(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	s := newTestStore(t, clock, nil)

	rec, err := s.Create("user-1", "alice", []string{"admin"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", rec.ID)
	assert.Equal(t, clock.Now().Add(30*time.Minute), rec.ExpiresAt)

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, got.HasRole("admin"))
	assert.False(t, got.HasRole("viewer"))
}

func TestStoreGetUnknown(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	s := newTestStore(t, clock, nil)

	_, err := s.Get("nope")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestStoreTTLClamp(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	s := newTestStore(t, clock, nil)

	rec, err := s.Create("user-1", "alice", nil, 10*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Hour), rec.ExpiresAt)
}

func TestStoreMaxSessions(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	s := newTestStore(t, clock, nil)

	for i := 0; i < 3; i++ {
		_, err := s.Create("user-1", "alice", nil, 0)
		require.NoError(t, err)
	}
	_, err := s.Create("user-1", "alice", nil, 0)
	assert.ErrorIs(t, err, types.ErrTooManySessions)

	// Deleting one frees a slot.
	_, err = s.Delete("sess-1")
	require.NoError(t, err)
	_, err = s.Create("user-1", "alice", nil, 0)
	assert.NoError(t, err)
}

func TestStoreTouchDoesNotExtendExpiry(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	s := newTestStore(t, clock, nil)

	rec, err := s.Create("user-1", "alice", nil, time.Hour)
	require.NoError(t, err)

	// Activity right up to the deadline keeps LastSeen fresh but does not
	// move ExpiresAt.
	clock.Advance(59 * time.Minute)
	_, err = s.Get(rec.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = s.Get(rec.ID)
	assert.ErrorIs(t, err, types.ErrSessionExpired)

	// The expired record is gone entirely afterwards.
	_, err = s.Get(rec.ID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestStoreExpiryCallback(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())

	var mu sync.Mutex
	var expired []string
	s := newTestStore(t, clock, func(rec *Record) {
		mu.Lock()
		expired = append(expired, rec.ID)
		mu.Unlock()
	})

	_, err := s.Create("user-1", "alice", nil, time.Hour)
	require.NoError(t, err)
	_, err = s.Create("user-2", "bob", nil, 3*time.Hour)
	require.NoError(t, err)

	clock.Advance(90 * time.Minute)
	s.purgeExpired()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, expired, 1)
	assert.Equal(t, "sess-1", expired[0])
	assert.Equal(t, 1, s.Count())
}

func TestStoreDeleteSkipsExpiryCallback(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())

	calls := 0
	s := newTestStore(t, clock, func(rec *Record) { calls++ })

	rec, err := s.Create("user-1", "alice", nil, 0)
	require.NoError(t, err)

	_, err = s.Delete(rec.ID)
	require.NoError(t, err)
	assert.Zero(t, calls)

	_, err = s.Delete(rec.ID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestStoreListByUser(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	s := newTestStore(t, clock, nil)

	_, err := s.Create("user-1", "alice", nil, 0)
	require.NoError(t, err)
	_, err = s.Create("user-1", "alice", nil, 0)
	require.NoError(t, err)
	_, err = s.Create("user-2", "bob", nil, 0)
	require.NoError(t, err)

	assert.Len(t, s.ListByUser("user-1"), 2)
	assert.Len(t, s.ListByUser("user-2"), 1)
	assert.Empty(t, s.ListByUser("user-3"))
	assert.Len(t, s.List(), 3)
}

func TestStoreEnsureIsIdempotent(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	s := newTestStore(t, clock, nil)

	rec, err := s.Ensure("apikey:key-1", "user-1", "key-1", []string{"viewer"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "apikey:key-1", rec.ID)
	assert.True(t, rec.HasRole("viewer"))

	again, err := s.Ensure("apikey:key-1", "user-1", "key-1", []string{"viewer"}, 0)
	require.NoError(t, err)
	assert.Same(t, rec, again)
	assert.Equal(t, 1, s.Count())
}

func TestStoreEnsureReplacesExpiredRecord(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	s := newTestStore(t, clock, nil)

	rec, err := s.Ensure("apikey:key-1", "user-1", "key-1", nil, time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	fresh, err := s.Ensure("apikey:key-1", "user-1", "key-1", nil, time.Hour)
	require.NoError(t, err)
	assert.NotSame(t, rec, fresh)
	assert.Equal(t, rec.ID, fresh.ID)
	assert.Equal(t, clock.Now().Add(time.Hour), fresh.ExpiresAt)
}

func TestStoreEnsureHonoursMaxSessions(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	s := newTestStore(t, clock, nil)

	for i := 0; i < 3; i++ {
		_, err := s.Create("user-1", "alice", nil, 0)
		require.NoError(t, err)
	}
	_, err := s.Ensure("apikey:key-1", "user-1", "key-1", nil, 0)
	assert.ErrorIs(t, err, types.ErrTooManySessions)
}

func TestStorePurgeTickRunsOnPurgeHook(t *testing.T) {
	calls := make(chan struct{}, 1)
	s := NewStore(Options{
		TTL:           time.Hour,
		MaxTTL:        2 * time.Hour,
		PurgeInterval: 10 * time.Millisecond,
		MaxSessions:   3,
		IDs:           ids.NewSequenceGenerator("sess"),
		OnPurge: func() {
			select {
			case calls <- struct{}{}:
			default:
			}
		},
	})
	t.Cleanup(s.Close)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("purge tick never ran the hook")
	}
}

func TestStorePurgeRemovesCorruptedRecords(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	s := newTestStore(t, clock, nil)

	rec, err := s.Create("user-1", "alice", nil, 0)
	require.NoError(t, err)

	// Simulate a record that lost its identity.
	s.mu.Lock()
	s.sessions[rec.ID].UserID = ""
	s.mu.Unlock()

	s.purgeExpired()
	assert.Zero(t, s.Count())
}
