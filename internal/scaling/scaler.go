package scaling

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/browser"
	"github.com/Rorqualx/browserd/internal/events"
	"github.com/Rorqualx/browserd/internal/ids"
)

// PolicySource serves the active policy. Implemented by PolicyFile.
type PolicySource interface {
	Get() Policy
}

// staticPolicy adapts a fixed Policy to PolicySource.
type staticPolicy struct{ p Policy }

func (s staticPolicy) Get() Policy { return s.p }

// StaticPolicy wraps a fixed policy as a PolicySource.
func StaticPolicy(p Policy) PolicySource { return staticPolicy{p: p} }

// Options configures a Scaler.
type Options struct {
	Pool   *browser.Pool
	Policy PolicySource

	// Interval is the evaluation period.
	Interval time.Duration

	Clock ids.Clock
	Bus   *events.Bus
}

// Scaler periodically samples pool utilisation and applies the policy:
// scale up under pressure, drain idle browsers when quiet, and recycle
// browsers that crossed a wear limit.
type Scaler struct {
	opts Options

	samples    *sampleRing
	lastAction time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewScaler creates the scaler. Call Start to begin evaluating.
func NewScaler(opts Options) *Scaler {
	if opts.Policy == nil {
		opts.Policy = StaticPolicy(DefaultPolicy())
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = ids.SystemClock{}
	}
	return &Scaler{
		opts:    opts,
		samples: newSampleRing(opts.Policy.Get().SampleWindow),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (s *Scaler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	log.Info().Dur("interval", s.opts.Interval).Msg("Scaler started")
}

// Close stops the loop and waits for it.
func (s *Scaler) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scaler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.Interval)
			s.Evaluate(ctx)
			cancel()
		}
	}
}

// Evaluate runs one scaling pass: sample, decide, act, then recycle worn
// browsers. Exported so operators can trigger a pass out of band.
func (s *Scaler) Evaluate(ctx context.Context) {
	policy := s.opts.Policy.Get()
	snap := s.opts.Pool.SnapshotNow()

	s.samples.Resize(policy.SampleWindow)
	s.samples.Add(snap.Utilisation)

	s.recyclePass(policy, snap)

	if !s.samples.Full() {
		return
	}
	now := s.opts.Clock.Now()
	if policy.Cooldown > 0 && now.Sub(s.lastAction) < policy.Cooldown {
		return
	}

	avg := s.samples.Average()
	decision := policy.Decide(avg, snap.Total, snap.Waiting)

	switch decision.Direction {
	case "up":
		n := s.opts.Pool.ScaleUp(ctx, decision.Count)
		if n == 0 {
			return
		}
		s.lastAction = now
		log.Info().
			Int("added", n).
			Float64("utilisation", avg).
			Int("waiting", snap.Waiting).
			Msg("Scaled pool up")
		s.publish("up", n, avg)

	case "down":
		n := s.drainIdle(decision.Count)
		if n == 0 {
			return
		}
		s.lastAction = now
		log.Info().
			Int("drained", n).
			Float64("utilisation", avg).
			Msg("Scaled pool down")
		s.publish("down", n, avg)
	}
}

// drainIdle drains up to n idle browsers, oldest first.
func (s *Scaler) drainIdle(n int) int {
	drained := 0
	for _, inst := range s.opts.Pool.IdleCandidates() {
		if drained >= n {
			break
		}
		if err := s.opts.Pool.Drain(inst.ID, "scale-down"); err != nil {
			continue
		}
		drained++
	}
	return drained
}

// recyclePass drains browsers that crossed a wear limit. Draining waits
// for open pages, so active sessions finish their work first.
func (s *Scaler) recyclePass(policy Policy, snap browser.Snapshot) {
	recycled := 0
	for _, st := range snap.Instances {
		if st.State != "idle" && st.State != "active" {
			continue
		}
		reason := wearReason(policy, st)
		if reason == "" {
			continue
		}
		if err := s.opts.Pool.Drain(st.ID, reason); err != nil {
			continue
		}
		recycled++
		log.Info().
			Str("browser_id", st.ID).
			Str("reason", reason).
			Int64("pages_created", st.PagesCreated).
			Dur("age", st.Age).
			Msg("Recycling worn browser")
	}
	if recycled > 0 {
		s.publish("recycle", recycled, snap.Utilisation)
	}
}

func wearReason(policy Policy, st browser.InstanceStats) string {
	if policy.RecycleAfterPages > 0 && st.PagesCreated >= policy.RecycleAfterPages {
		return "page limit reached"
	}
	if policy.RecycleAfterAge > 0 && st.Age >= policy.RecycleAfterAge {
		return "max age reached"
	}
	if policy.RecycleAfterErrors > 0 && st.Errors >= policy.RecycleAfterErrors {
		return "error limit reached"
	}
	if policy.RecycleAfterMemory > 0 && st.MemoryBytes >= policy.RecycleAfterMemory {
		return "memory limit reached"
	}
	return ""
}

func (s *Scaler) publish(direction string, count int, util float64) {
	if s.opts.Bus == nil {
		return
	}
	s.opts.Bus.Publish(events.ScaleEvent{
		Direction:   direction,
		Count:       count,
		Utilisation: util,
		At:          s.opts.Clock.Now(),
	})
}
