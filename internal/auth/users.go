// Package auth provides the credential substrate: password users, API keys,
// signed tokens, and the verifier that resolves any supported credential to
// a principal bound to a live session.
package auth

import (
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/Rorqualx/browserd/internal/types"
)

// User is one password-authenticated account.
type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	Roles        []string
}

// Registry holds user accounts in memory.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*User // keyed by username
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]*User)}
}

// Add registers a user with a bcrypt-hashed password. An existing username
// is replaced.
func (r *Registry) Add(id, username, password string, roles []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.users[username] = &User{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		Roles:        append([]string(nil), roles...),
	}
	r.mu.Unlock()

	log.Debug().Str("username", username).Msg("User registered")
	return nil
}

// Authenticate checks a username/password pair. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (r *Registry) Authenticate(username, password string) (*User, error) {
	r.mu.RLock()
	user, ok := r.users[username]
	r.mu.RUnlock()

	if !ok {
		// Burn a comparison anyway so unknown usernames cost the same as
		// wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, types.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, types.ErrInvalidCredentials
	}
	return user, nil
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// dummyHash is a valid bcrypt hash of an unguessable string, used to keep
// timing flat for unknown usernames.
var dummyHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("browserd-timing-pad"), bcrypt.DefaultCost)
	return h
}()
