package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/types"
)

// Claims is the access token payload. The subject is the user ID; sid binds
// the token to one session so revoking the session revokes its tokens.
type Claims struct {
	SessionID string   `json:"sid"`
	Username  string   `json:"username,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is an issued access/refresh pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type refreshRecord struct {
	sessionID string
	userID    string
	expiresAt time.Time
}

// TokenIssuer signs HS256 access tokens and tracks opaque refresh tokens.
// Refresh tokens are single use: redeeming one rotates it.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      ids.Clock

	mu       sync.Mutex
	refresh  map[string]refreshRecord
}

// NewTokenIssuer creates an issuer with the given HMAC secret.
func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration, clock ids.Clock) *TokenIssuer {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      clock,
		refresh:    make(map[string]refreshRecord),
	}
}

// Issue mints a token pair bound to the given session.
func (t *TokenIssuer) Issue(sessionID, userID, username string, roles []string) (TokenPair, error) {
	now := t.clock.Now()
	exp := now.Add(t.accessTTL)

	claims := Claims{
		SessionID: sessionID,
		Username:  username,
		Roles:     append([]string(nil), roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return TokenPair{}, err
	}

	refresh, err := ids.NewToken(32)
	if err != nil {
		return TokenPair{}, err
	}

	t.mu.Lock()
	t.refresh[refresh] = refreshRecord{
		sessionID: sessionID,
		userID:    userID,
		expiresAt: now.Add(t.refreshTTL),
	}
	t.mu.Unlock()

	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

// Verify parses and validates an access token.
func (t *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, types.ErrUnauthenticated
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.E(types.CodeUnauthenticated, "access token expired", types.ErrUnauthenticated)
		}
		return nil, types.E(types.CodeUnauthenticated, "invalid access token", types.ErrUnauthenticated)
	}
	if !token.Valid {
		return nil, types.ErrUnauthenticated
	}
	return claims, nil
}

// Redeem exchanges a refresh token for the session it was bound to, rotating
// the token out of existence. Expired and unknown tokens fail identically.
func (t *TokenIssuer) Redeem(refreshToken string) (sessionID, userID string, err error) {
	now := t.clock.Now()

	t.mu.Lock()
	rec, ok := t.refresh[refreshToken]
	if ok {
		delete(t.refresh, refreshToken)
	}
	t.mu.Unlock()

	if !ok || now.After(rec.expiresAt) {
		return "", "", types.ErrUnauthenticated
	}
	return rec.sessionID, rec.userID, nil
}

// RevokeSession invalidates every refresh token bound to the session.
func (t *TokenIssuer) RevokeSession(sessionID string) {
	t.mu.Lock()
	for tok, rec := range t.refresh {
		if rec.sessionID == sessionID {
			delete(t.refresh, tok)
		}
	}
	t.mu.Unlock()
}

// PruneExpired drops refresh tokens past their expiry. Called from the
// session purge tick.
func (t *TokenIssuer) PruneExpired() {
	now := t.clock.Now()
	t.mu.Lock()
	for tok, rec := range t.refresh {
		if now.After(rec.expiresAt) {
			delete(t.refresh, tok)
		}
	}
	t.mu.Unlock()
}
