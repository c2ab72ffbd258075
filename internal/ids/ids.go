// Package ids provides the clock and identifier source used across the core.
// Both are injectable so tests can control time and ID sequences.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time for components that schedule or expire work.
type Clock interface {
	Now() time.Time
}

// Generator produces opaque, globally unique, lexically comparable IDs.
// IDs must not encode information a client could exploit.
type Generator interface {
	NewID() string
}

// SystemClock is the production clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// UUIDGenerator produces UUIDv7 identifiers. V7 embeds a millisecond
// timestamp prefix, which keeps IDs lexically sortable by creation time
// while the random tail prevents guessing.
type UUIDGenerator struct{}

// NewID returns a fresh UUIDv7 string. On the (practically impossible)
// failure of the entropy source it falls back to raw random hex.
func (UUIDGenerator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return randomHex()
	}
	return id.String()
}

func randomHex() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// NewToken returns a cryptographically secure opaque secret of n bytes,
// hex encoded. Used for API key material and refresh token IDs.
func NewToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock starting at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// SequenceGenerator yields predictable IDs for tests ("id-1", "id-2", ...).
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator returns a SequenceGenerator with the given prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// NewID returns the next ID in the sequence.
func (g *SequenceGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + "-" + strconv.Itoa(g.n)
}
