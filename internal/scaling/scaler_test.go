package scaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/browserd/internal/browser"
	"github.com/Rorqualx/browserd/internal/driver/drivertest"
	"github.com/Rorqualx/browserd/internal/events"
	"github.com/Rorqualx/browserd/internal/ids"
)

type fixture struct {
	fake  *drivertest.FakeDriver
	clock *ids.FakeClock
	pool  *browser.Pool
	bus   *events.Bus
}

func newFixture(t *testing.T, minBrowsers int) *fixture {
	t.Helper()
	fake := drivertest.NewFakeDriver()
	clock := ids.NewFakeClock(time.Now())

	pool := browser.NewPool(browser.Options{
		Driver:              fake,
		MinBrowsers:         minBrowsers,
		MaxBrowsers:         4,
		MaxPagesPerBrowser:  10,
		AcquireTimeout:      time.Second,
		AcquireQueueSize:    4,
		HealthCheckInterval: time.Hour,
		LaunchRetries:       1,
		DrainTimeout:        time.Second,
		Clock:               clock,
		IDs:                 ids.NewSequenceGenerator("browser"),
	})
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	return &fixture{fake: fake, clock: clock, pool: pool, bus: bus}
}

func newTestScaler(f *fixture, policy Policy) *Scaler {
	return NewScaler(Options{
		Pool:     f.pool,
		Policy:   StaticPolicy(policy),
		Interval: time.Hour, // passes are triggered manually
		Clock:    f.clock,
		Bus:      f.bus,
	})
}

func TestScaleUpUnderPressure(t *testing.T) {
	f := newFixture(t, 1)
	s := newTestScaler(f, Policy{
		MinBrowsers:      1,
		MaxBrowsers:      4,
		ScaleUpThreshold: 0.8,
		MaxScaleStep:     2,
		SampleWindow:     1,
	})

	// One bound browser out of one: utilisation 1.0.
	_, err := f.pool.Acquire(context.Background(), "sess-a")
	require.NoError(t, err)

	s.Evaluate(context.Background())

	snap := f.pool.SnapshotNow()
	assert.Equal(t, 2, snap.Total)
}

func TestScaleUpCoversWaiters(t *testing.T) {
	f := newFixture(t, 1)
	s := newTestScaler(f, Policy{
		MinBrowsers:      1,
		MaxBrowsers:      4,
		ScaleUpThreshold: 0.8,
		MaxScaleStep:     3,
		SampleWindow:     1,
	})

	_, err := f.pool.Acquire(context.Background(), "sess-a")
	require.NoError(t, err)

	// Two sessions queue behind the only browser.
	for _, sid := range []string{"sess-b", "sess-c"} {
		sid := sid
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			inst, err := f.pool.Acquire(ctx, sid)
			if err == nil {
				_ = inst
				_ = f.pool.Release(sid)
			}
		}()
	}
	require.Eventually(t, func() bool {
		return f.pool.SnapshotNow().Waiting == 2
	}, 2*time.Second, 10*time.Millisecond)

	s.Evaluate(context.Background())

	assert.Equal(t, 3, f.pool.SnapshotNow().Total)
}

func TestScaleDownWhenQuiet(t *testing.T) {
	f := newFixture(t, 1)
	s := newTestScaler(f, Policy{
		MinBrowsers:        1,
		MaxBrowsers:        4,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		MaxScaleStep:       2,
		SampleWindow:       1,
	})

	require.Equal(t, 2, f.pool.ScaleUp(context.Background(), 2))
	require.Equal(t, 3, f.pool.SnapshotNow().Total)

	s.Evaluate(context.Background())

	// Drained browsers terminate once their (empty) page set is confirmed.
	assert.Eventually(t, func() bool {
		return f.pool.SnapshotNow().Total == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCooldownSpacesDecisions(t *testing.T) {
	f := newFixture(t, 1)
	s := newTestScaler(f, Policy{
		MinBrowsers:      1,
		MaxBrowsers:      4,
		ScaleUpThreshold: 0.8,
		MaxScaleStep:     1,
		SampleWindow:     1,
		Cooldown:         time.Minute,
	})

	_, err := f.pool.Acquire(context.Background(), "sess-a")
	require.NoError(t, err)

	s.Evaluate(context.Background())
	require.Equal(t, 2, f.pool.SnapshotNow().Total)

	// Still hot, but inside the cooldown window.
	s.Evaluate(context.Background())
	assert.Equal(t, 2, f.pool.SnapshotNow().Total)

	f.clock.Advance(2 * time.Minute)
	s.Evaluate(context.Background())
	assert.Equal(t, 2, f.pool.SnapshotNow().Total, "utilisation halved, no further growth")
}

func TestRecyclesAgedBrowser(t *testing.T) {
	f := newFixture(t, 1)
	s := newTestScaler(f, Policy{
		MinBrowsers:        1,
		MaxBrowsers:        4,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.1,
		MaxScaleStep:       1,
		SampleWindow:       5, // keeps the scale path quiet during the pass
		RecycleAfterAge:    time.Hour,
	})

	decisions := make(chan events.Event, 4)
	sub := f.bus.Subscribe(func(e events.Event) { decisions <- e }, events.KindScaleDecision)
	defer f.bus.Unsubscribe(sub)

	f.clock.Advance(2 * time.Hour)
	s.Evaluate(context.Background())

	select {
	case ev := <-decisions:
		se := ev.(events.ScaleEvent)
		assert.Equal(t, "recycle", se.Direction)
		assert.Equal(t, 1, se.Count)
	case <-time.After(time.Second):
		t.Fatal("expected a recycle decision")
	}

	assert.Eventually(t, func() bool {
		for _, st := range f.pool.SnapshotNow().Instances {
			if st.State == "idle" || st.State == "active" || st.State == "draining" {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWearReason(t *testing.T) {
	policy := Policy{
		RecycleAfterPages:  100,
		RecycleAfterAge:    time.Hour,
		RecycleAfterErrors: 10,
		RecycleAfterMemory: 1 << 30,
	}

	assert.Empty(t, wearReason(policy, browser.InstanceStats{PagesCreated: 99, Age: time.Minute, MemoryBytes: 1 << 29}))
	assert.NotEmpty(t, wearReason(policy, browser.InstanceStats{PagesCreated: 100}))
	assert.NotEmpty(t, wearReason(policy, browser.InstanceStats{Age: 2 * time.Hour}))
	assert.NotEmpty(t, wearReason(policy, browser.InstanceStats{Errors: 10}))
	assert.NotEmpty(t, wearReason(policy, browser.InstanceStats{MemoryBytes: 1 << 30}))

	// Disabled limits never match.
	assert.Empty(t, wearReason(Policy{}, browser.InstanceStats{PagesCreated: 1 << 20, Age: 240 * time.Hour, MemoryBytes: 16 << 30}))
}
