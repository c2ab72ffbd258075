// Package browser maintains the pool of live browser instances. The pool
// owns the instance lifecycle (launch, bind, drain, terminate); what happens
// inside a page belongs to the page manager.
package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/browserd/internal/breaker"
	"github.com/Rorqualx/browserd/internal/driver"
	"github.com/Rorqualx/browserd/internal/events"
	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/types"
)

// Options configures a Pool.
type Options struct {
	Driver driver.Driver
	Launch driver.LaunchOptions

	MinBrowsers         int
	MaxBrowsers         int
	MaxPagesPerBrowser  int
	AcquireTimeout      time.Duration
	AcquireQueueSize    int
	HealthCheckInterval time.Duration
	LaunchRetries       int
	DrainTimeout        time.Duration

	Clock ids.Clock
	IDs   ids.Generator
	Bus   *events.Bus

	// LaunchBreaker guards browser process creation; PageBreaker guards
	// page creation. Either may be nil.
	LaunchBreaker *breaker.Breaker
	PageBreaker   *breaker.Breaker
}

// Stats holds the pool's lifetime counters.
type Stats struct {
	Launched   atomic.Int64
	Acquired   atomic.Int64
	Released   atomic.Int64
	Recycled   atomic.Int64
	Terminated atomic.Int64
	Timeouts   atomic.Int64
	Errors     atomic.Int64
}

// Snapshot is a point-in-time view of the whole pool.
type Snapshot struct {
	Instances   []InstanceStats
	Total       int
	Busy        int
	Waiting     int
	Utilisation float64
}

type waiter struct {
	sessionID string
	ch        chan *Instance
	canceled  bool
}

// Pool is the browser pool. Safe for concurrent use.
type Pool struct {
	opts Options

	mu        sync.Mutex
	instances map[string]*Instance
	bindings  map[string]*Instance // sessionID -> bound instance
	waiters   []*waiter
	launching int
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats Stats
}

// NewPool creates a pool. Call Start to warm the minimum instances and
// begin health checking.
func NewPool(opts Options) *Pool {
	if opts.MinBrowsers < 0 {
		opts.MinBrowsers = 0
	}
	if opts.MaxBrowsers < 1 {
		opts.MaxBrowsers = 1
	}
	if opts.MinBrowsers > opts.MaxBrowsers {
		opts.MinBrowsers = opts.MaxBrowsers
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	if opts.AcquireQueueSize < 1 {
		opts.AcquireQueueSize = 32
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 30 * time.Second
	}
	if opts.LaunchRetries < 1 {
		opts.LaunchRetries = 3
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = ids.SystemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = ids.UUIDGenerator{}
	}

	return &Pool{
		opts:      opts,
		instances: make(map[string]*Instance),
		bindings:  make(map[string]*Instance),
		stopCh:    make(chan struct{}),
	}
}

// Start warms MinBrowsers instances in parallel and starts the health loop.
// A partial warm-up is not fatal as long as one instance came up; with
// MinBrowsers of zero the pool starts empty.
func (p *Pool) Start(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(4)

	var ok atomic.Int64
	for n := 0; n < p.opts.MinBrowsers; n++ {
		eg.Go(func() error {
			if _, err := p.launchOne(egCtx); err != nil {
				log.Warn().Err(err).Msg("Warm-up browser launch failed")
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = eg.Wait()

	if p.opts.MinBrowsers > 0 && ok.Load() == 0 {
		return types.E(types.CodeUnavailable, "no browser could be launched", types.ErrDriverUnavailable)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.healthLoop()
	}()

	log.Info().
		Int("min", p.opts.MinBrowsers).
		Int("max", p.opts.MaxBrowsers).
		Int64("warmed", ok.Load()).
		Msg("Browser pool started")
	return nil
}

// Acquire returns the browser bound to sessionID, binding a fresh one when
// needed. The binding is sticky: repeated acquires by the same session see
// the same browser. When the pool is saturated the caller queues FIFO until
// a browser frees up, the acquire timeout fires, or the queue overflows.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.ErrPoolClosed
	}

	// Sticky path first.
	if inst := p.bindings[sessionID]; inst != nil {
		inst.mu.Lock()
		switch inst.state {
		case StateIdle, StateActive:
			inst.state = StateActive
			inst.holds++
			inst.lastActivity = p.opts.Clock.Now()
			inst.mu.Unlock()
			p.mu.Unlock()
			p.afterAcquire(inst, sessionID)
			return inst, nil
		case StateDraining:
			inst.mu.Unlock()
			p.mu.Unlock()
			return nil, types.ErrBrowserDraining
		default:
			// Bound instance died; fall through to a fresh bind.
			inst.mu.Unlock()
			delete(p.bindings, sessionID)
		}
	}

	if inst := p.bindIdleLocked(sessionID); inst != nil {
		p.mu.Unlock()
		p.afterAcquire(inst, sessionID)
		return inst, nil
	}

	// Room to grow: launch a dedicated instance. The slot is reserved so
	// concurrent acquires cannot overshoot MaxBrowsers.
	if len(p.instances)+p.launching < p.opts.MaxBrowsers {
		p.launching++
		p.mu.Unlock()

		inst, err := p.launchOne(ctx)

		p.mu.Lock()
		p.launching--
		if err != nil {
			p.mu.Unlock()
			p.stats.Errors.Add(1)
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			p.destroyInstance(inst, "pool closed")
			return nil, types.ErrPoolClosed
		}
		p.bindLocked(inst, sessionID)
		p.mu.Unlock()
		p.afterAcquire(inst, sessionID)
		return inst, nil
	}

	// Saturated: queue.
	if len(p.waiters) >= p.opts.AcquireQueueSize {
		p.mu.Unlock()
		p.stats.Errors.Add(1)
		return nil, types.ErrAcquireQueueFull
	}
	w := &waiter{sessionID: sessionID, ch: make(chan *Instance, 1)}
	p.waiters = append(p.waiters, w)
	queued := len(p.waiters)
	p.mu.Unlock()

	log.Debug().
		Str("session_id", sessionID).
		Int("queue_depth", queued).
		Msg("Acquire queued, pool saturated")

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case inst := <-w.ch:
		p.afterAcquire(inst, sessionID)
		return inst, nil
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()
	case <-timer.C:
		p.abandonWaiter(w)
		p.stats.Timeouts.Add(1)
		return nil, types.ErrAcquireTimeout
	case <-p.stopCh:
		p.abandonWaiter(w)
		return nil, types.ErrPoolClosed
	}
}

// abandonWaiter removes w from the queue, re-dispatching any instance that
// was delivered concurrently with the cancellation.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	w.canceled = true
	for idx, got := range p.waiters {
		if got == w {
			p.waiters = append(p.waiters[:idx], p.waiters[idx+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case inst := <-w.ch:
		// Delivery raced the timeout; give the instance back.
		p.unbindAndRecirculate(inst, w.sessionID)
	default:
	}
}

func (p *Pool) afterAcquire(inst *Instance, sessionID string) {
	p.stats.Acquired.Add(1)
	if p.opts.Bus != nil {
		p.opts.Bus.Publish(events.BrowserEvent{
			K:         events.KindBrowserAcquired,
			BrowserID: inst.ID,
			SessionID: sessionID,
			At:        p.opts.Clock.Now(),
		})
	}
}

// bindIdleLocked picks an unbound idle instance. Normally it prefers the
// most recently active one so cold instances stay cold for the scaler to
// reap. Under reclaim pressure it prefers the oldest instance instead:
// working the long-lived browser keeps it visible as the next recycling
// victim while younger ones drain. Returns nil when none qualifies.
func (p *Pool) bindIdleLocked(sessionID string) *Instance {
	pressure := p.reclaimPressureLocked()

	var best *Instance
	var bestStamp time.Time
	for _, inst := range p.instances {
		inst.mu.Lock()
		free := inst.state == StateIdle && inst.sessionID == "" && !inst.unhealthy
		stamp := inst.lastActivity
		if pressure {
			stamp = inst.createdAt
		}
		inst.mu.Unlock()
		if !free {
			continue
		}
		better := stamp.After(bestStamp)
		if pressure {
			better = stamp.Before(bestStamp)
		}
		if best == nil || better {
			best = inst
			bestStamp = stamp
		}
	}
	if best == nil {
		return nil
	}
	p.bindLocked(best, sessionID)
	return best
}

// reclaimPressureLocked reports whether the pool is actively shedding
// capacity: an instance is draining or has been flagged unhealthy.
// Caller holds p.mu.
func (p *Pool) reclaimPressureLocked() bool {
	for _, inst := range p.instances {
		inst.mu.Lock()
		pressed := inst.state == StateDraining || inst.unhealthy
		inst.mu.Unlock()
		if pressed {
			return true
		}
	}
	return false
}

// bindLocked binds inst to sessionID. Caller holds p.mu.
func (p *Pool) bindLocked(inst *Instance, sessionID string) {
	inst.mu.Lock()
	inst.sessionID = sessionID
	inst.state = StateActive
	inst.holds++
	inst.lastActivity = p.opts.Clock.Now()
	inst.mu.Unlock()
	p.bindings[sessionID] = inst
}

// Release returns the session's hold on its browser. The binding persists
// while the session still has pages open on the instance; once the last
// page is gone the instance recirculates to the next waiter or back to
// idle. Releasing without holding fails with ErrNotOwner.
func (p *Pool) Release(sessionID string) error {
	p.mu.Lock()
	inst := p.bindings[sessionID]
	if inst == nil {
		p.mu.Unlock()
		return types.ErrNotOwner
	}

	inst.mu.Lock()
	if inst.holds == 0 {
		inst.mu.Unlock()
		p.mu.Unlock()
		return types.ErrNotOwner
	}
	inst.holds--
	inst.lastActivity = p.opts.Clock.Now()
	stillHeld := inst.holds > 0
	hasPages := len(inst.pages) > 0
	draining := inst.state == StateDraining
	if !stillHeld && !draining {
		inst.state = StateIdle
	}
	inst.mu.Unlock()

	p.stats.Released.Add(1)

	if stillHeld || hasPages || draining {
		// Binding stays; the session will come back for its pages.
		p.mu.Unlock()
		p.publishReleased(inst, sessionID)
		return nil
	}

	delete(p.bindings, sessionID)
	p.dispatchLocked(inst)
	p.mu.Unlock()

	p.publishReleased(inst, sessionID)
	return nil
}

func (p *Pool) publishReleased(inst *Instance, sessionID string) {
	if p.opts.Bus != nil {
		p.opts.Bus.Publish(events.BrowserEvent{
			K:         events.KindBrowserReleased,
			BrowserID: inst.ID,
			SessionID: sessionID,
			At:        p.opts.Clock.Now(),
		})
	}
}

// EndSession tears down everything the session holds: pages, holds, and the
// binding itself. Used by the session-delete cascade and expiry.
func (p *Pool) EndSession(ctx context.Context, sessionID string) {
	p.mu.Lock()
	inst := p.bindings[sessionID]
	if inst == nil {
		p.mu.Unlock()
		return
	}
	delete(p.bindings, sessionID)
	p.mu.Unlock()

	inst.closeAllPages(ctx)

	p.mu.Lock()
	inst.mu.Lock()
	inst.holds = 0
	inst.sessionID = ""
	if inst.state == StateActive {
		inst.state = StateIdle
	}
	inst.lastActivity = p.opts.Clock.Now()
	inst.mu.Unlock()
	p.dispatchLocked(inst)
	p.mu.Unlock()
}

// unbindAndRecirculate drops a binding created for a waiter that gave up.
func (p *Pool) unbindAndRecirculate(inst *Instance, sessionID string) {
	p.mu.Lock()
	if p.bindings[sessionID] == inst {
		delete(p.bindings, sessionID)
	}
	inst.mu.Lock()
	inst.holds = 0
	inst.sessionID = ""
	if inst.state == StateActive {
		inst.state = StateIdle
	}
	inst.mu.Unlock()
	p.dispatchLocked(inst)
	p.mu.Unlock()
}

// dispatchLocked hands a free instance to the first live waiter. Caller
// holds p.mu; the instance must be unbound.
func (p *Pool) dispatchLocked(inst *Instance) {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.canceled {
			continue
		}
		inst.mu.Lock()
		usable := inst.state == StateIdle && !inst.unhealthy
		inst.mu.Unlock()
		if !usable {
			// Put the waiter back; the instance is not servable.
			p.waiters = append([]*waiter{w}, p.waiters...)
			return
		}
		p.bindLocked(inst, w.sessionID)
		w.ch <- inst
		return
	}
}

// Get returns an instance by ID.
func (p *Pool) Get(id string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[id]
	if !ok {
		return nil, types.ErrBrowserNotFound
	}
	return inst, nil
}

// ForSession returns the instance bound to the session, if any.
func (p *Pool) ForSession(sessionID string) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.bindings[sessionID]
	return inst, ok
}

// MaxPages exposes the per-browser page limit for instance callers.
func (p *Pool) MaxPages() int { return p.opts.MaxPagesPerBrowser }

// PageBreaker exposes the page-creation breaker for instance callers.
func (p *Pool) PageBreaker() *breaker.Breaker { return p.opts.PageBreaker }

// CreatePage opens a page on the session's bound browser.
func (p *Pool) CreatePage(ctx context.Context, sessionID, pageID string) (*Instance, driver.Page, error) {
	p.mu.Lock()
	inst := p.bindings[sessionID]
	p.mu.Unlock()
	if inst == nil {
		return nil, nil, types.ErrBrowserNotFound
	}
	page, err := inst.CreatePage(ctx, sessionID, pageID, p.opts.MaxPagesPerBrowser, p.opts.PageBreaker)
	if err != nil {
		return nil, nil, err
	}
	return inst, page, nil
}

// launchOne starts a browser under the launch breaker with bounded retries.
func (p *Pool) launchOne(ctx context.Context) (*Instance, error) {
	var drv driver.Browser

	attempt := func(ctx context.Context) error {
		var err error
		for try := 0; try < p.opts.LaunchRetries; try++ {
			if err = ctx.Err(); err != nil {
				return err
			}
			drv, err = p.opts.Driver.Launch(ctx, p.opts.Launch)
			if err == nil {
				return nil
			}
			log.Warn().Err(err).Int("attempt", try+1).Msg("Browser launch failed")
		}
		return err
	}

	var err error
	if p.opts.LaunchBreaker != nil {
		err = p.opts.LaunchBreaker.Do(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		return nil, types.E(types.CodeUnavailable, "browser launch failed", err)
	}

	now := p.opts.Clock.Now()
	inst := &Instance{
		ID:           p.opts.IDs.NewID(),
		state:        StateIdle,
		drv:          drv,
		pages:        make(map[string]driver.Page),
		createdAt:    now,
		lastActivity: now,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyInstance(inst, "pool closed")
		return nil, types.ErrPoolClosed
	}
	p.instances[inst.ID] = inst
	total := len(p.instances)
	p.mu.Unlock()

	p.stats.Launched.Add(1)
	log.Info().
		Str("browser_id", inst.ID).
		Int("total", total).
		Msg("Browser launched")

	if p.opts.Bus != nil {
		p.opts.Bus.Publish(events.BrowserEvent{
			K:         events.KindBrowserLaunched,
			BrowserID: inst.ID,
			At:        now,
		})
	}
	return inst, nil
}

// ScaleUp launches up to n additional instances, bounded by MaxBrowsers.
// Returns how many actually came up.
func (p *Pool) ScaleUp(ctx context.Context, n int) int {
	launched := 0
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed || len(p.instances)+p.launching >= p.opts.MaxBrowsers {
			p.mu.Unlock()
			break
		}
		p.launching++
		p.mu.Unlock()

		inst, err := p.launchOne(ctx)

		p.mu.Lock()
		p.launching--
		p.mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Msg("Scale-up launch failed")
			break
		}

		p.mu.Lock()
		p.dispatchLocked(inst)
		p.mu.Unlock()
		launched++
	}
	return launched
}

// IdleCandidates returns unbound idle instances ordered oldest first, the
// order the scaler retires them in.
func (p *Pool) IdleCandidates() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Instance
	for _, inst := range p.instances {
		inst.mu.Lock()
		free := inst.state == StateIdle && inst.sessionID == "" && len(inst.pages) == 0
		inst.mu.Unlock()
		if free {
			out = append(out, inst)
		}
	}
	// Oldest createdAt first.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].createdAt.Before(out[j-1].createdAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Drain stops new work on the instance and terminates it once its pages are
// gone, or after the drain timeout. Idempotent.
func (p *Pool) Drain(id, reason string) error {
	p.mu.Lock()
	inst, ok := p.instances[id]
	p.mu.Unlock()
	if !ok {
		return types.ErrBrowserNotFound
	}

	inst.mu.Lock()
	if inst.state == StateDraining || inst.state == StateTerminated {
		inst.mu.Unlock()
		return nil
	}
	inst.state = StateDraining
	inst.mu.Unlock()

	log.Info().Str("browser_id", id).Str("reason", reason).Msg("Browser draining")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.awaitDrain(inst, reason)
	}()
	return nil
}

func (p *Pool) awaitDrain(inst *Instance, reason string) {
	deadline := time.NewTimer(p.opts.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			inst.mu.Lock()
			empty := len(inst.pages) == 0 && inst.holds == 0
			inst.mu.Unlock()
			if empty {
				if p.opts.Bus != nil {
					p.opts.Bus.Publish(events.BrowserEvent{
						K:         events.KindBrowserDrained,
						BrowserID: inst.ID,
						Reason:    reason,
						At:        p.opts.Clock.Now(),
					})
				}
				p.Terminate(inst.ID, reason)
				return
			}
		case <-deadline.C:
			log.Warn().
				Str("browser_id", inst.ID).
				Dur("timeout", p.opts.DrainTimeout).
				Msg("Drain timed out, terminating with open pages")
			p.Terminate(inst.ID, reason)
			return
		case <-p.stopCh:
			return
		}
	}
}

// Terminate removes an instance immediately, closing its pages and process.
func (p *Pool) Terminate(id, reason string) error {
	p.mu.Lock()
	inst, ok := p.instances[id]
	if ok {
		delete(p.instances, id)
	}
	p.mu.Unlock()
	if !ok {
		return types.ErrBrowserNotFound
	}

	inst.mu.Lock()
	alreadyDead := inst.state == StateTerminated
	inst.state = StateTerminated
	sessionID := inst.sessionID
	inst.sessionID = ""
	inst.holds = 0
	inst.mu.Unlock()

	if alreadyDead {
		return nil
	}

	p.mu.Lock()
	if sessionID != "" && p.bindings[sessionID] == inst {
		delete(p.bindings, sessionID)
	}
	p.mu.Unlock()

	p.destroyInstance(inst, reason)
	p.stats.Terminated.Add(1)

	if p.opts.Bus != nil {
		p.opts.Bus.Publish(events.BrowserEvent{
			K:         events.KindBrowserRecycled,
			BrowserID: inst.ID,
			SessionID: sessionID,
			Reason:    reason,
			At:        p.opts.Clock.Now(),
		})
	}

	// Freed capacity can serve a queued acquire.
	p.mu.Lock()
	hasWaiters := len(p.waiters) > 0
	canLaunch := !p.closed && len(p.instances)+p.launching < p.opts.MaxBrowsers
	if hasWaiters && canLaunch {
		p.launching++
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.launchForWaiter()
		}()
	}
	p.mu.Unlock()
	return nil
}

func (p *Pool) launchForWaiter() {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.AcquireTimeout)
	defer cancel()

	inst, err := p.launchOne(ctx)

	p.mu.Lock()
	p.launching--
	if err != nil {
		p.mu.Unlock()
		log.Warn().Err(err).Msg("Replacement launch for queued acquire failed")
		return
	}
	p.dispatchLocked(inst)
	p.mu.Unlock()
}

// destroyInstance closes pages and the process with a bounded wait.
func (p *Pool) destroyInstance(inst *Instance, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst.closeAllPages(ctx)
	if err := inst.drv.Close(ctx); err != nil {
		log.Debug().Err(err).Str("browser_id", inst.ID).Msg("Browser close failed, killing process")
		inst.drv.Kill()
	}

	log.Info().
		Str("browser_id", inst.ID).
		Str("reason", reason).
		Msg("Browser terminated")
}

// Reconnect re-establishes the control connection. First recovery stage.
func (p *Pool) Reconnect(ctx context.Context, id string) error {
	p.mu.Lock()
	inst, ok := p.instances[id]
	p.mu.Unlock()
	if !ok {
		return types.ErrBrowserNotFound
	}

	inst.mu.Lock()
	drv := inst.drv
	inst.mu.Unlock()

	if err := drv.Reconnect(ctx); err != nil {
		return err
	}

	inst.mu.Lock()
	inst.badProbes = 0
	inst.unhealthy = false
	inst.mu.Unlock()

	log.Info().Str("browser_id", id).Msg("Browser reconnected")
	return nil
}

// Relaunch replaces the instance's process while keeping its identity.
// Second recovery stage. Open pages are lost; callers must have detached
// their page state first.
func (p *Pool) Relaunch(ctx context.Context, id string) error {
	p.mu.Lock()
	inst, ok := p.instances[id]
	p.mu.Unlock()
	if !ok {
		return types.ErrBrowserNotFound
	}

	inst.mu.Lock()
	old := inst.drv
	sessionID := inst.sessionID
	inst.mu.Unlock()

	old.Kill()

	fresh, err := p.opts.Driver.Launch(ctx, p.opts.Launch)
	if err != nil {
		return types.E(types.CodeUnavailable, "browser relaunch failed", err)
	}

	p.mu.Lock()
	if sessionID != "" && p.bindings[sessionID] == inst {
		delete(p.bindings, sessionID)
	}
	inst.mu.Lock()
	inst.drv = fresh
	inst.pages = make(map[string]driver.Page)
	inst.sessionID = ""
	inst.holds = 0
	inst.state = StateIdle
	inst.badProbes = 0
	inst.unhealthy = false
	inst.createdAt = p.opts.Clock.Now()
	inst.lastActivity = inst.createdAt
	inst.mu.Unlock()
	p.mu.Unlock()

	p.stats.Recycled.Add(1)
	log.Info().Str("browser_id", id).Msg("Browser relaunched")
	return nil
}

// SnapshotNow captures per-instance stats and pool pressure.
func (p *Pool) SnapshotNow() Snapshot {
	now := p.opts.Clock.Now()

	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	waiting := len(p.waiters)
	launching := p.launching
	p.mu.Unlock()

	snap := Snapshot{Waiting: waiting}
	for _, inst := range instances {
		st := inst.stats(now)
		snap.Instances = append(snap.Instances, st)
		if st.SessionID != "" || st.State == "active" || st.Pages > 0 {
			snap.Busy++
		}
	}
	snap.Total = len(instances) + launching
	if snap.Total > 0 {
		snap.Utilisation = float64(snap.Busy) / float64(snap.Total)
	}
	return snap
}

// StatsRef exposes the lifetime counters.
func (p *Pool) StatsRef() *Stats { return &p.stats }

func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkHealth()
		case <-p.stopCh:
			return
		}
	}
}

// checkHealth probes every instance. The probe budget is half the check
// interval so a stuck browser cannot push the loop past its next tick.
func (p *Pool) checkHealth() {
	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.mu.Unlock()

	timeout := p.opts.HealthCheckInterval / 2

	for _, inst := range instances {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		res, nowUnhealthy := inst.probe(ctx)
		inst.sampleMemory(ctx)
		cancel()

		if nowUnhealthy {
			p.stats.Errors.Add(1)
			log.Warn().
				Str("browser_id", inst.ID).
				Str("probe", res.String()).
				Msg("Browser unhealthy after consecutive failed probes")
			if p.opts.Bus != nil {
				p.opts.Bus.Publish(events.BrowserEvent{
					K:         events.KindBrowserUnhealthy,
					BrowserID: inst.ID,
					SessionID: inst.SessionID(),
					Reason:    res.String(),
					At:        p.opts.Clock.Now(),
				})
			}
		}
	}
}

// Close shuts the pool down: waiters fail fast, background loops stop, and
// every instance terminates in parallel.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	instances := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.instances = make(map[string]*Instance)
	p.bindings = make(map[string]*Instance)
	p.mu.Unlock()

	close(p.stopCh)
	for _, w := range waiters {
		w.canceled = true
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, inst := range instances {
		inst := inst
		eg.Go(func() error {
			inst.mu.Lock()
			inst.state = StateTerminated
			inst.mu.Unlock()
			p.destroyInstance(inst, "shutdown")
			return nil
		})
	}
	_ = eg.Wait()
	p.wg.Wait()

	log.Info().Int("terminated", len(instances)).Msg("Browser pool closed")
	return nil
}
