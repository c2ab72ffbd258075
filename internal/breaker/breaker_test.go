package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/types"
)

var errBoom = errors.New("boom")

func failing(ctx context.Context) error { return errBoom }
func succeeding(ctx context.Context) error { return nil }

func newTestBreaker(clock *ids.FakeClock) *Breaker {
	return New(Options{
		Name:           "test",
		ErrorThreshold: 3,
		ErrorWindow:    time.Minute,
		OpenDuration:   30 * time.Second,
		HalfOpenProbes: 2,
		Clock:          clock,
	})
}

func TestBreakerOpensOnExactThreshold(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	b := newTestBreaker(clock)
	ctx := context.Background()

	// Two failures stay under the threshold.
	require.ErrorIs(t, b.Do(ctx, failing), errBoom)
	require.ErrorIs(t, b.Do(ctx, failing), errBoom)
	assert.Equal(t, StateClosed, b.State())

	// The third failure trips it.
	require.ErrorIs(t, b.Do(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.State())

	// Subsequent calls fail fast without running fn.
	ran := false
	err := b.Do(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, types.ErrBreakerOpen)
	assert.Equal(t, types.CodeUnavailable, types.CodeOf(err))
	assert.False(t, ran)
}

func TestBreakerWindowExpiry(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	b := newTestBreaker(clock)
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failing))
	require.Error(t, b.Do(ctx, failing))

	// Old failures fall out of the window, so the next failure is 1 of 3.
	clock.Advance(2 * time.Minute)
	require.Error(t, b.Do(ctx, failing))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.FailureCount())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Do(ctx, failing))
	}
	require.Equal(t, StateOpen, b.State())

	// After the cooldown the breaker probes.
	clock.Advance(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// Two successful probes close it.
	require.NoError(t, b.Do(ctx, succeeding))
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Do(ctx, failing))
	}
	clock.Advance(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// One probe failure sends it straight back to open.
	require.ErrorIs(t, b.Do(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.State())

	// And the cooldown restarts from now.
	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Do(ctx, failing))
	}
	clock.Advance(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// Hold the probe slots open and verify excess calls are rejected.
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			_ = b.Do(ctx, func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	err := b.Do(ctx, succeeding)
	require.ErrorIs(t, err, types.ErrBreakerOpen)
	close(release)
}

func TestBreakerFallback(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	fallbackCalls := 0
	b := New(Options{
		Name:           "fallback",
		ErrorThreshold: 1,
		ErrorWindow:    time.Minute,
		OpenDuration:   30 * time.Second,
		HalfOpenProbes: 1,
		Clock:          clock,
		Fallback: func(ctx context.Context) error {
			fallbackCalls++
			return nil
		},
	})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failing))
	require.Equal(t, StateOpen, b.State())

	// Open calls run the fallback instead of failing fast.
	require.NoError(t, b.Do(ctx, failing))
	assert.Equal(t, 1, fallbackCalls)
}

func TestBreakerIgnoresCanceledContext(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	b := newTestBreaker(clock)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		err := b.Do(canceled, failing)
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.FailureCount())
}
