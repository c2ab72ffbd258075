package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/session"
	"github.com/Rorqualx/browserd/internal/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	clock    *ids.FakeClock
	users    *Registry
	keys     *KeyStore
	tokens   *TokenIssuer
	sessions *session.Store
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := ids.NewFakeClock(time.Now())
	users := NewRegistry()
	require.NoError(t, users.Add("user-1", "alice", "s3cret!", []string{"admin"}))

	keys := NewKeyStore()
	keys.Add("key-1", "topsecret", "user-2", []string{"viewer"})

	tokens := NewTokenIssuer(testSecret, 15*time.Minute, 24*time.Hour, clock)
	sessions := session.NewStore(session.Options{
		TTL:           time.Hour,
		MaxTTL:        4 * time.Hour,
		PurgeInterval: time.Hour,
		MaxSessions:   10,
		Clock:         clock,
		IDs:           ids.NewSequenceGenerator("sess"),
	})
	t.Cleanup(sessions.Close)

	return &fixture{
		clock:    clock,
		users:    users,
		keys:     keys,
		tokens:   tokens,
		sessions: sessions,
		verifier: NewVerifier(users, keys, tokens, sessions, nil, clock),
	}
}

func TestLoginAndBearer(t *testing.T) {
	f := newFixture(t)

	rec, pair, err := f.verifier.Login("alice", "s3cret!", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	p, err := f.verifier.Bearer(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, rec.ID, p.SessionID)
	assert.Equal(t, MethodBearer, p.Method)
	assert.True(t, p.HasRole("admin"))
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.verifier.Login("alice", "wrong", 0)
	assert.ErrorIs(t, err, types.ErrInvalidCredentials)

	_, _, err = f.verifier.Login("nobody", "s3cret!", 0)
	assert.ErrorIs(t, err, types.ErrInvalidCredentials)
}

func TestBearerExpiredToken(t *testing.T) {
	f := newFixture(t)

	_, pair, err := f.verifier.Login("alice", "s3cret!", 0)
	require.NoError(t, err)

	f.clock.Advance(16 * time.Minute)
	_, err = f.verifier.Bearer(pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, types.CodeUnauthenticated, types.CodeOf(err))
}

func TestBearerRevokedSession(t *testing.T) {
	f := newFixture(t)

	rec, pair, err := f.verifier.Login("alice", "s3cret!", 0)
	require.NoError(t, err)

	// Deleting the session invalidates still-fresh access tokens.
	_, err = f.sessions.Delete(rec.ID)
	require.NoError(t, err)

	_, err = f.verifier.Bearer(pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, types.CodeUnauthenticated, types.CodeOf(err))
}

func TestBearerGarbage(t *testing.T) {
	f := newFixture(t)

	_, err := f.verifier.Bearer("not-a-jwt")
	assert.Equal(t, types.CodeUnauthenticated, types.CodeOf(err))
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)

	rec, pair, err := f.verifier.Login("alice", "s3cret!", 0)
	require.NoError(t, err)

	rec2, pair2, err := f.verifier.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rec2.ID)
	assert.NotEqual(t, pair.RefreshToken, pair2.RefreshToken)

	// The old refresh token is single use.
	_, _, err = f.verifier.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestRefreshAfterSessionRevocation(t *testing.T) {
	f := newFixture(t)

	rec, pair, err := f.verifier.Login("alice", "s3cret!", 0)
	require.NoError(t, err)

	_, err = f.sessions.Delete(rec.ID)
	require.NoError(t, err)
	f.verifier.RevokeSession(rec.ID)

	_, _, err = f.verifier.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestAPIKey(t *testing.T) {
	f := newFixture(t)

	p, err := f.verifier.APIKey("key-1.topsecret")
	require.NoError(t, err)
	assert.Equal(t, "user-2", p.UserID)
	assert.Equal(t, "apikey:key-1", p.SessionID)
	assert.Equal(t, MethodAPIKey, p.Method)
	assert.True(t, p.HasRole("viewer"))
}

func TestAPIKeyProvisionsSession(t *testing.T) {
	f := newFixture(t)

	p, err := f.verifier.APIKey("key-1.topsecret")
	require.NoError(t, err)

	// The fixed per-key session is created in the store on first use.
	rec, err := f.sessions.Get(p.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "user-2", rec.UserID)
	assert.Equal(t, []string{"viewer"}, rec.Roles)

	// Repeat requests share the one record.
	before := f.sessions.Count()
	p2, err := f.verifier.APIKey("key-1.topsecret")
	require.NoError(t, err)
	assert.Equal(t, p.SessionID, p2.SessionID)
	assert.Equal(t, before, f.sessions.Count())
}

func TestPruneExpiredDropsStaleRefreshTokens(t *testing.T) {
	f := newFixture(t)

	_, pair, err := f.verifier.Login("alice", "s3cret!", 0)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	f.verifier.PruneExpired()

	f.tokens.mu.Lock()
	remaining := len(f.tokens.refresh)
	f.tokens.mu.Unlock()
	assert.Zero(t, remaining)

	_, _, err = f.verifier.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestAPIKeyRejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"wrong secret", "key-1.nope"},
		{"unknown key id", "key-9.topsecret"},
		{"missing separator", "key-1topsecret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.verifier.APIKey(tt.raw)
			assert.ErrorIs(t, err, types.ErrInvalidCredentials)
		})
	}
}

func TestSessionCredential(t *testing.T) {
	f := newFixture(t)

	rec, _, err := f.verifier.Login("alice", "s3cret!", 0)
	require.NoError(t, err)

	p, err := f.verifier.Session(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, MethodSession, p.Method)
	assert.Equal(t, "user-1", p.UserID)

	_, err = f.verifier.Session("sess-unknown")
	assert.Equal(t, types.CodeUnauthenticated, types.CodeOf(err))
}

func TestFromHeadersPrecedence(t *testing.T) {
	f := newFixture(t)

	rec, pair, err := f.verifier.Login("alice", "s3cret!", 0)
	require.NoError(t, err)

	// Bearer wins over the other credentials.
	p, err := f.verifier.FromHeaders("Bearer "+pair.AccessToken, "key-1.topsecret", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, MethodBearer, p.Method)

	p, err = f.verifier.FromHeaders("", "key-1.topsecret", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, MethodAPIKey, p.Method)

	p, err = f.verifier.FromHeaders("", "", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, MethodSession, p.Method)

	_, err = f.verifier.FromHeaders("", "", "")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	_, err = f.verifier.FromHeaders("Basic abc", "", "")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestKeyStoreLoadFromSpecs(t *testing.T) {
	ks := NewKeyStore()
	ks.LoadFromSpecs([]string{
		"k1:sec1:user-1:admin|viewer",
		"k2:sec2:user-2",
		"broken",
		":missing:user-3",
	})
	assert.Equal(t, 2, ks.Count())

	key, err := ks.Verify("k1", "sec1")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "viewer"}, key.Roles)
}
