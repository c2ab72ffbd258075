package auth

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/events"
	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/session"
	"github.com/Rorqualx/browserd/internal/types"
)

// Auth method names used in principals and audit events.
const (
	MethodBearer   = "bearer"
	MethodAPIKey   = "apikey"
	MethodSession  = "session"
	MethodPassword = "password"
)

// Principal is an authenticated caller.
type Principal struct {
	UserID    string
	Username  string
	Roles     []string
	SessionID string
	Method    string
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, got := range p.Roles {
		if got == role {
			return true
		}
	}
	return false
}

// Verifier resolves any supported credential to a principal. Bearer tokens
// and raw session IDs resolve through the session store; API keys resolve
// through it too, against a fixed per-key session provisioned on first use.
type Verifier struct {
	users    *Registry
	keys     *KeyStore
	tokens   *TokenIssuer
	sessions *session.Store
	bus      *events.Bus
	clock    ids.Clock
}

// NewVerifier wires the verifier.
func NewVerifier(users *Registry, keys *KeyStore, tokens *TokenIssuer, sessions *session.Store, bus *events.Bus, clock ids.Clock) *Verifier {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Verifier{
		users:    users,
		keys:     keys,
		tokens:   tokens,
		sessions: sessions,
		bus:      bus,
		clock:    clock,
	}
}

// Login authenticates a username/password pair, opens a session, and issues
// a token pair for it.
func (v *Verifier) Login(username, password string, ttl time.Duration) (*session.Record, TokenPair, error) {
	user, err := v.users.Authenticate(username, password)
	if err != nil {
		v.audit(MethodPassword, "", "", "denied", "invalid credentials")
		return nil, TokenPair{}, err
	}

	rec, err := v.sessions.Create(user.ID, user.Username, user.Roles, ttl)
	if err != nil {
		return nil, TokenPair{}, err
	}

	pair, err := v.tokens.Issue(rec.ID, user.ID, user.Username, user.Roles)
	if err != nil {
		_, _ = v.sessions.Delete(rec.ID)
		return nil, TokenPair{}, err
	}

	v.audit(MethodPassword, user.ID, rec.ID, "granted", "")
	return rec, pair, nil
}

// Refresh redeems a refresh token for a new pair bound to the same session.
// The session must still be live.
func (v *Verifier) Refresh(refreshToken string) (*session.Record, TokenPair, error) {
	sessionID, userID, err := v.tokens.Redeem(refreshToken)
	if err != nil {
		v.audit(MethodBearer, "", "", "denied", "invalid refresh token")
		return nil, TokenPair{}, err
	}

	rec, err := v.sessions.Get(sessionID)
	if err != nil {
		v.audit(MethodBearer, userID, sessionID, "denied", "session gone")
		return nil, TokenPair{}, types.ErrUnauthenticated
	}

	pair, err := v.tokens.Issue(rec.ID, rec.UserID, rec.Username, rec.Roles)
	if err != nil {
		return nil, TokenPair{}, err
	}

	v.audit(MethodBearer, rec.UserID, rec.ID, "granted", "refresh")
	return rec, pair, nil
}

// Bearer resolves a JWT access token. The embedded session must be live.
func (v *Verifier) Bearer(token string) (Principal, error) {
	claims, err := v.tokens.Verify(token)
	if err != nil {
		v.audit(MethodBearer, "", "", "denied", "invalid token")
		return Principal{}, err
	}

	rec, err := v.sessions.Get(claims.SessionID)
	if err != nil {
		v.audit(MethodBearer, claims.Subject, claims.SessionID, "denied", "session gone")
		return Principal{}, types.E(types.CodeUnauthenticated, "session no longer valid", types.ErrUnauthenticated)
	}

	p := Principal{
		UserID:    rec.UserID,
		Username:  rec.Username,
		Roles:     append([]string(nil), rec.Roles...),
		SessionID: rec.ID,
		Method:    MethodBearer,
	}
	v.audit(MethodBearer, p.UserID, p.SessionID, "granted", "")
	return p, nil
}

// APIKey resolves a "keyID.secret" credential. The key's session record is
// provisioned in the store on first use, so key-authenticated resources go
// through the same TTL and expiry cascade as everything else.
func (v *Verifier) APIKey(raw string) (Principal, error) {
	keyID, secret, ok := strings.Cut(raw, ".")
	if !ok {
		v.audit(MethodAPIKey, "", "", "denied", "malformed key")
		return Principal{}, types.ErrInvalidCredentials
	}
	key, err := v.keys.Verify(keyID, secret)
	if err != nil {
		v.audit(MethodAPIKey, "", "", "denied", "invalid key")
		return Principal{}, err
	}

	rec, err := v.sessions.Ensure(key.SessionID(), key.UserID, key.KeyID, key.Roles, 0)
	if err != nil {
		v.audit(MethodAPIKey, key.UserID, key.SessionID(), "denied", "session provisioning failed")
		return Principal{}, err
	}

	p := Principal{
		UserID:    rec.UserID,
		Username:  rec.Username,
		Roles:     append([]string(nil), rec.Roles...),
		SessionID: rec.ID,
		Method:    MethodAPIKey,
	}
	v.audit(MethodAPIKey, p.UserID, p.SessionID, "granted", "")
	return p, nil
}

// Session resolves a raw session ID credential.
func (v *Verifier) Session(id string) (Principal, error) {
	rec, err := v.sessions.Get(id)
	if err != nil {
		v.audit(MethodSession, "", id, "denied", "unknown or expired session")
		return Principal{}, types.E(types.CodeUnauthenticated, "unknown or expired session", types.ErrUnauthenticated)
	}

	p := Principal{
		UserID:    rec.UserID,
		Username:  rec.Username,
		Roles:     append([]string(nil), rec.Roles...),
		SessionID: rec.ID,
		Method:    MethodSession,
	}
	v.audit(MethodSession, p.UserID, p.SessionID, "granted", "")
	return p, nil
}

// FromHeaders resolves a request's credentials in precedence order: bearer
// token, then API key header, then raw session header.
func (v *Verifier) FromHeaders(authorization, apiKey, sessionID string) (Principal, error) {
	if authorization != "" {
		token, ok := strings.CutPrefix(authorization, "Bearer ")
		if !ok {
			v.audit(MethodBearer, "", "", "denied", "malformed authorization header")
			return Principal{}, types.ErrUnauthenticated
		}
		return v.Bearer(strings.TrimSpace(token))
	}
	if apiKey != "" {
		return v.APIKey(apiKey)
	}
	if sessionID != "" {
		return v.Session(sessionID)
	}
	return Principal{}, types.ErrUnauthenticated
}

// RevokeSession invalidates refresh tokens bound to a session. Called on
// session deletion and expiry.
func (v *Verifier) RevokeSession(sessionID string) {
	v.tokens.RevokeSession(sessionID)
}

// PruneExpired drops refresh tokens that outlived their window. Wired to
// the session store's purge tick.
func (v *Verifier) PruneExpired() {
	v.tokens.PruneExpired()
}

func (v *Verifier) audit(method, userID, sessionID, result, reason string) {
	if result == "denied" {
		log.Warn().
			Str("method", method).
			Str("reason", reason).
			Msg("Authentication denied")
	}
	if v.bus == nil {
		return
	}
	kind := events.KindAuthSucceeded
	if result == "denied" {
		kind = events.KindAuthDenied
	}
	v.bus.Publish(events.AuthEvent{
		K:         kind,
		Method:    method,
		UserID:    userID,
		SessionID: sessionID,
		Result:    result,
		Reason:    reason,
		At:        v.clock.Now(),
	})
}
