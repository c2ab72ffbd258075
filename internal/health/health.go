// Package health turns unhealthy-browser events into staged recovery and
// summarises overall service health for the /health endpoint.
//
// Recovery escalates per browser: reconnect to the existing process first,
// relaunch the process if reconnecting keeps failing, and terminate as the
// last resort. Two consecutive failures at a stage move to the next one.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/browser"
	"github.com/Rorqualx/browserd/internal/events"
	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/page"
	"github.com/Rorqualx/browserd/internal/types"
)

// Recovery stages, in escalation order.
const (
	StageReconnect = "reconnect"
	StageRelaunch  = "relaunch"
	StageTerminate = "terminate"
)

// failuresPerStage is how many consecutive failures move to the next stage.
const failuresPerStage = 2

// MetricsSource supplies counters for the health report.
type MetricsSource interface {
	Snapshot() map[string]int64
}

// Options configures a Monitor.
type Options struct {
	Pool  *browser.Pool
	Pages *page.Manager
	Bus   *events.Bus

	// Metrics feeds the health report. May be nil.
	Metrics MetricsSource

	// RecoveryTimeout bounds one recovery attempt.
	RecoveryTimeout time.Duration

	Clock   ids.Clock
	Version string
}

type recoveryState struct {
	stage    string
	failures int
}

// Monitor consumes unhealthy-browser events and drives recovery. One
// worker serialises attempts so a flapping browser is handled once at a
// time.
type Monitor struct {
	opts Options

	sub    *events.Subscription
	work   chan string
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   map[string]*recoveryState
	started bool
}

// NewMonitor creates the monitor. Call Start to begin recovering.
func NewMonitor(opts Options) *Monitor {
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = ids.SystemClock{}
	}
	return &Monitor{
		opts:   opts,
		work:   make(chan string, 32),
		stopCh: make(chan struct{}),
		state:  make(map[string]*recoveryState),
	}
}

// Start subscribes to unhealthy-browser events and launches the worker.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	if m.opts.Bus != nil {
		m.sub = m.opts.Bus.Subscribe(func(e events.Event) {
			be, ok := e.(events.BrowserEvent)
			if !ok {
				return
			}
			select {
			case m.work <- be.BrowserID:
			default:
				log.Warn().Str("browser_id", be.BrowserID).Msg("Recovery queue full, dropping event")
			}
		}, events.KindBrowserUnhealthy)
	}

	m.wg.Add(1)
	go m.worker()
}

// Close stops the worker and unsubscribes.
func (m *Monitor) Close() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	if m.sub != nil && m.opts.Bus != nil {
		m.opts.Bus.Unsubscribe(m.sub)
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case id := <-m.work:
			m.Recover(id)
		}
	}
}

// Recover runs one recovery attempt for the browser at its current stage.
// Exported for tests and for operator-triggered recovery.
func (m *Monitor) Recover(browserID string) {
	m.mu.Lock()
	st, ok := m.state[browserID]
	if !ok {
		st = &recoveryState{stage: StageReconnect}
		m.state[browserID] = st
	}
	stage := st.stage
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RecoveryTimeout)
	defer cancel()

	err := m.runStage(ctx, stage, browserID)
	m.publish(browserID, stage, err)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.state, browserID)
		log.Info().Str("browser_id", browserID).Str("stage", stage).Msg("Browser recovered")
		return
	}

	st.failures++
	log.Warn().
		Err(err).
		Str("browser_id", browserID).
		Str("stage", stage).
		Int("failures", st.failures).
		Msg("Recovery attempt failed")

	if st.failures < failuresPerStage {
		return
	}
	st.failures = 0
	switch stage {
	case StageReconnect:
		st.stage = StageRelaunch
	case StageRelaunch:
		st.stage = StageTerminate
	case StageTerminate:
		// Nothing above terminate; forget the browser.
		delete(m.state, browserID)
	}
}

func (m *Monitor) runStage(ctx context.Context, stage, browserID string) error {
	switch stage {
	case StageReconnect:
		return m.opts.Pool.Reconnect(ctx, browserID)
	case StageRelaunch:
		// The old process is gone; forget its pages before relaunching so
		// no driver call is made against dead handles.
		if m.opts.Pages != nil {
			m.opts.Pages.DetachBrowser(browserID)
		}
		return m.opts.Pool.Relaunch(ctx, browserID)
	default:
		if m.opts.Pages != nil {
			m.opts.Pages.DetachBrowser(browserID)
		}
		return m.opts.Pool.Terminate(browserID, "recovery exhausted")
	}
}

func (m *Monitor) publish(browserID, stage string, err error) {
	if m.opts.Bus == nil {
		return
	}
	ev := events.RecoveryEvent{
		BrowserID: browserID,
		Stage:     stage,
		Handled:   err == nil,
		At:        m.opts.Clock.Now(),
	}
	if err != nil {
		ev.Err = err.Error()
	}
	m.opts.Bus.Publish(ev)
}

// Evaluate summarises the pool into a health report. Status is "healthy",
// "warning", or "critical".
func (m *Monitor) Evaluate() types.HealthResponse {
	snap := m.opts.Pool.SnapshotNow()

	var issues []types.HealthIssue
	var recommendations []string

	unhealthy := 0
	draining := 0
	for _, st := range snap.Instances {
		if st.Unhealthy {
			unhealthy++
			issues = append(issues, types.HealthIssue{
				Severity:  "warning",
				Code:      "browser_unhealthy",
				Message:   "browser is failing health probes",
				BrowserID: st.ID,
			})
		}
		if st.State == "draining" {
			draining++
		}
	}

	if snap.Total == 0 {
		issues = append(issues, types.HealthIssue{
			Severity: "critical",
			Code:     "no_browsers",
			Message:  "no browsers are running",
		})
		recommendations = append(recommendations, "check browser binary path and launch logs")
	}
	if unhealthy > 0 && unhealthy*2 >= snap.Total {
		issues = append(issues, types.HealthIssue{
			Severity: "critical",
			Code:     "pool_degraded",
			Message:  "half or more of the pool is unhealthy",
		})
	}
	if snap.Waiting > 0 {
		issues = append(issues, types.HealthIssue{
			Severity: "warning",
			Code:     "sessions_waiting",
			Message:  "sessions are queued for a browser",
		})
		recommendations = append(recommendations, "raise maxBrowsers or reduce session concurrency")
	}
	if snap.Utilisation >= 0.9 && snap.Total > 0 {
		recommendations = append(recommendations, "pool is near capacity, consider raising maxBrowsers")
	}

	status := "healthy"
	for _, issue := range issues {
		if issue.Severity == "critical" {
			status = "critical"
			break
		}
		status = "warning"
	}

	resp := types.HealthResponse{
		Status:          status,
		Version:         m.opts.Version,
		Issues:          issues,
		Recommendations: recommendations,
	}
	if m.opts.Metrics != nil {
		resp.Metrics = m.opts.Metrics.Snapshot()
	}
	return resp
}
