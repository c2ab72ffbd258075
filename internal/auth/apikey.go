package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/types"
)

// APIKey is one provisioned key. Only a digest of the secret is retained.
type APIKey struct {
	KeyID      string
	secretHash [32]byte
	UserID     string
	Roles      []string
}

// SessionID is the fixed session identity for requests authenticated by
// this key. The record behind it is provisioned lazily in the session
// store on first use and shared by every request with the same key.
func (k *APIKey) SessionID() string {
	return "apikey:" + k.KeyID
}

// KeyStore holds provisioned API keys.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // keyed by KeyID
}

// NewKeyStore creates an empty store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]*APIKey)}
}

// Add provisions a key. The plaintext secret is hashed immediately and
// never stored.
func (s *KeyStore) Add(keyID, secret, userID string, roles []string) {
	s.mu.Lock()
	s.keys[keyID] = &APIKey{
		KeyID:      keyID,
		secretHash: sha256.Sum256([]byte(secret)),
		UserID:     userID,
		Roles:      append([]string(nil), roles...),
	}
	s.mu.Unlock()

	log.Debug().Str("key_id", keyID).Str("user_id", userID).Msg("API key provisioned")
}

// LoadFromSpecs parses "keyID:secret:userID:role1|role2" entries, the format
// the config layer reads from the environment. Malformed entries are logged
// and skipped.
func (s *KeyStore) LoadFromSpecs(specs []string) {
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 4)
		if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			log.Warn().Msg("Skipping malformed API key spec")
			continue
		}
		var roles []string
		if len(parts) == 4 && parts[3] != "" {
			roles = strings.Split(parts[3], "|")
		}
		s.Add(parts[0], parts[1], parts[2], roles)
	}
}

// Verify checks a keyID/secret pair in constant time over the secret.
func (s *KeyStore) Verify(keyID, secret string) (*APIKey, error) {
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()

	given := sha256.Sum256([]byte(secret))
	if !ok {
		// Compare against the given digest itself so lookup misses take
		// the same time as mismatches.
		subtle.ConstantTimeCompare(given[:], given[:])
		return nil, types.ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare(key.secretHash[:], given[:]) != 1 {
		return nil, types.ErrInvalidCredentials
	}
	return key, nil
}

// Count returns the number of provisioned keys.
func (s *KeyStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
