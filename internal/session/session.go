// Package session stores authenticated client sessions. A session records
// who the client is and when their access lapses; browser resources attached
// to a session are owned by other components and torn down through the
// expiry callback.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/browserd/internal/events"
	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/types"
)

// Record is one authenticated session. Expiry is fixed at creation: Touch
// refreshes the activity timestamp for observability but never extends the
// session's life.
type Record struct {
	ID        string
	UserID    string
	Username  string
	Roles     []string
	CreatedAt time.Time
	ExpiresAt time.Time

	lastSeen atomic.Int64 // Unix nano, lock-free
}

// Touch records activity on the session.
func (r *Record) Touch(now time.Time) {
	r.lastSeen.Store(now.UnixNano())
}

// LastSeen returns the last recorded activity time.
func (r *Record) LastSeen() time.Time {
	return time.Unix(0, r.lastSeen.Load())
}

// HasRole reports whether the session carries the given role.
func (r *Record) HasRole(role string) bool {
	for _, got := range r.Roles {
		if got == role {
			return true
		}
	}
	return false
}

// Summary converts the record to its wire representation.
func (r *Record) Summary() types.SessionSummary {
	roles := make([]string, len(r.Roles))
	copy(roles, r.Roles)
	return types.SessionSummary{
		SessionID:      r.ID,
		UserID:         r.UserID,
		Username:       r.Username,
		Roles:          roles,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastSeen(),
		ExpiresAt:      r.ExpiresAt,
	}
}

// ExpireFunc runs after an expired session has been removed from the store.
// It must tear down whatever browser state the session owned.
type ExpireFunc func(rec *Record)

// Options configures a Store.
type Options struct {
	// TTL is the default session lifetime.
	TTL time.Duration
	// MaxTTL caps client-requested lifetimes.
	MaxTTL time.Duration
	// PurgeInterval is how often expired sessions are swept.
	PurgeInterval time.Duration
	// MaxSessions bounds concurrently live sessions.
	MaxSessions int

	Clock    ids.Clock
	IDs      ids.Generator
	Bus      *events.Bus
	OnExpire ExpireFunc

	// OnPurge runs after every purge pass so other stores with
	// time-bounded state can sweep on the same cadence.
	OnPurge func()
}

// Store holds live sessions and purges expired ones in the background.
type Store struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Record
	closed   bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	created atomic.Int64
	expired atomic.Int64
}

// NewStore creates the store and starts its purge loop.
func NewStore(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = 24 * time.Hour
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = time.Minute
	}
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 100
	}
	if opts.Clock == nil {
		opts.Clock = ids.SystemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = ids.UUIDGenerator{}
	}

	s := &Store{
		opts:     opts,
		sessions: make(map[string]*Record),
		stopCh:   make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.purgeLoop()
	}()

	log.Info().
		Dur("ttl", opts.TTL).
		Dur("purge_interval", opts.PurgeInterval).
		Int("max_sessions", opts.MaxSessions).
		Msg("Session store initialized")

	return s
}

// Create opens a session for userID. A non-positive ttl uses the default;
// requests beyond MaxTTL are clamped, not rejected.
func (s *Store) Create(userID, username string, roles []string, ttl time.Duration) (*Record, error) {
	if ttl <= 0 {
		ttl = s.opts.TTL
	}
	if ttl > s.opts.MaxTTL {
		ttl = s.opts.MaxTTL
	}

	now := s.opts.Clock.Now()
	rec := &Record{
		ID:        s.opts.IDs.NewID(),
		UserID:    userID,
		Username:  username,
		Roles:     append([]string(nil), roles...),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	rec.lastSeen.Store(now.UnixNano())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.ErrPoolClosed
	}
	if len(s.sessions) >= s.opts.MaxSessions {
		s.mu.Unlock()
		return nil, types.ErrTooManySessions
	}
	s.sessions[rec.ID] = rec
	total := len(s.sessions)
	s.mu.Unlock()

	s.created.Add(1)
	log.Info().
		Str("session_id", rec.ID).
		Str("user_id", userID).
		Int("total_sessions", total).
		Msg("Session created")

	if s.opts.Bus != nil {
		s.opts.Bus.Publish(events.SessionEvent{
			K:         events.KindSessionCreated,
			SessionID: rec.ID,
			UserID:    userID,
			At:        now,
		})
	}
	return rec, nil
}

// Ensure returns the session with the given fixed ID, provisioning it on
// first use. API-key principals resolve through here: every request with
// the same key shares one session record with normal TTL and expiry
// semantics. An expired record is replaced with a fresh one.
func (s *Store) Ensure(id, userID, username string, roles []string, ttl time.Duration) (*Record, error) {
	if ttl <= 0 {
		ttl = s.opts.TTL
	}
	if ttl > s.opts.MaxTTL {
		ttl = s.opts.MaxTTL
	}

	for {
		s.mu.RLock()
		rec, ok := s.sessions[id]
		s.mu.RUnlock()

		now := s.opts.Clock.Now()
		if ok {
			if now.After(rec.ExpiresAt) {
				s.removeExpired(rec, now)
				continue
			}
			rec.Touch(now)
			return rec, nil
		}

		rec = &Record{
			ID:        id,
			UserID:    userID,
			Username:  username,
			Roles:     append([]string(nil), roles...),
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		rec.lastSeen.Store(now.UnixNano())

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, types.ErrPoolClosed
		}
		if _, raced := s.sessions[id]; raced {
			// Another request provisioned it first; take that one.
			s.mu.Unlock()
			continue
		}
		if len(s.sessions) >= s.opts.MaxSessions {
			s.mu.Unlock()
			return nil, types.ErrTooManySessions
		}
		s.sessions[id] = rec
		s.mu.Unlock()

		s.created.Add(1)
		log.Info().
			Str("session_id", id).
			Str("user_id", userID).
			Msg("Session provisioned")

		if s.opts.Bus != nil {
			s.opts.Bus.Publish(events.SessionEvent{
				K:         events.KindSessionCreated,
				SessionID: id,
				UserID:    userID,
				At:        now,
			})
		}
		return rec, nil
	}
}

// Get returns a live session and records the access. Expired sessions fail
// with ErrSessionExpired and are removed; their resources are torn down via
// the expiry callback.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, types.ErrSessionNotFound
	}

	now := s.opts.Clock.Now()
	if now.After(rec.ExpiresAt) {
		s.removeExpired(rec, now)
		return nil, types.ErrSessionExpired
	}

	rec.Touch(now)
	return rec, nil
}

// Delete removes a session without running the expiry callback. The caller
// is expected to cascade resource cleanup itself.
func (s *Store) Delete(id string) (*Record, error) {
	s.mu.Lock()
	rec, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return nil, types.ErrSessionNotFound
	}

	now := s.opts.Clock.Now()
	log.Info().
		Str("session_id", id).
		Str("user_id", rec.UserID).
		Dur("lifetime", now.Sub(rec.CreatedAt)).
		Msg("Session destroyed")

	if s.opts.Bus != nil {
		s.opts.Bus.Publish(events.SessionEvent{
			K:         events.KindSessionDestroyed,
			SessionID: id,
			UserID:    rec.UserID,
			At:        now,
		})
	}
	return rec, nil
}

// List returns summaries of every live session.
func (s *Store) List() []types.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.SessionSummary, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec.Summary())
	}
	return out
}

// ListByUser returns summaries of the user's live sessions.
func (s *Store) ListByUser(userID string) []types.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.SessionSummary
	for _, rec := range s.sessions {
		if rec.UserID == userID {
			out = append(out, rec.Summary())
		}
	}
	return out
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats reports lifetime counters.
func (s *Store) Stats() (created, expired int64) {
	return s.created.Load(), s.expired.Load()
}

func (s *Store) purgeLoop() {
	ticker := time.NewTicker(s.opts.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.purgeExpired()
			if s.opts.OnPurge != nil {
				s.opts.OnPurge()
			}
		case <-s.stopCh:
			return
		}
	}
}

// purgeExpired sweeps expired and corrupted records. Two phases: collect
// under lock, then run expiry callbacks outside it.
func (s *Store) purgeExpired() {
	now := s.opts.Clock.Now()

	s.mu.Lock()
	var dead []*Record
	for id, rec := range s.sessions {
		if rec.UserID == "" || rec.ExpiresAt.IsZero() {
			// Corrupted record. Unusable, drop it.
			log.Warn().Str("session_id", id).Msg("Removing corrupted session record")
			delete(s.sessions, id)
			dead = append(dead, rec)
			continue
		}
		if now.After(rec.ExpiresAt) {
			delete(s.sessions, id)
			dead = append(dead, rec)
		}
	}
	remaining := len(s.sessions)
	s.mu.Unlock()

	if len(dead) == 0 {
		return
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, rec := range dead {
		rec := rec
		eg.Go(func() error {
			s.finishExpiry(rec, now)
			return nil
		})
	}
	_ = eg.Wait()

	log.Debug().
		Int("expired_count", len(dead)).
		Int("remaining", remaining).
		Msg("Session purge completed")
}

// removeExpired handles a session found expired on access.
func (s *Store) removeExpired(rec *Record, now time.Time) {
	s.mu.Lock()
	_, still := s.sessions[rec.ID]
	if still {
		delete(s.sessions, rec.ID)
	}
	s.mu.Unlock()

	if still {
		s.finishExpiry(rec, now)
	}
}

func (s *Store) finishExpiry(rec *Record, now time.Time) {
	s.expired.Add(1)
	if s.opts.OnExpire != nil {
		s.opts.OnExpire(rec)
	}

	log.Info().
		Str("session_id", rec.ID).
		Str("user_id", rec.UserID).
		Dur("lifetime", now.Sub(rec.CreatedAt)).
		Msg("Session expired")

	if s.opts.Bus != nil {
		s.opts.Bus.Publish(events.SessionEvent{
			K:         events.KindSessionDestroyed,
			SessionID: rec.ID,
			UserID:    rec.UserID,
			At:        now,
		})
	}
}

// Close stops the purge loop and drops all sessions without running expiry
// callbacks. Shutdown resource teardown is handled by the owning components.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	n := len(s.sessions)
	s.sessions = make(map[string]*Record)
	s.mu.Unlock()

	log.Info().Int("dropped", n).Msg("Session store closed")
}
