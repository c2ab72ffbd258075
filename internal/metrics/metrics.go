// Package metrics exposes Prometheus metrics and the counter snapshot
// embedded in health reports. Lifecycle counters are fed by the event bus;
// pool and session gauges are read at scrape time.
package metrics

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Rorqualx/browserd/internal/browser"
	"github.com/Rorqualx/browserd/internal/events"
)

// Counter is anything that reports a current count.
type Counter interface {
	Count() int
}

// Options configures a Registry.
type Options struct {
	Bus  *events.Bus
	Pool *browser.Pool

	// Sessions and Pages feed the active gauges. Either may be nil.
	Sessions Counter
	Pages    Counter

	Version string
}

// Registry owns the Prometheus collectors and the raw counters behind
// Snapshot.
type Registry struct {
	opts Options
	reg  *prometheus.Registry
	sub  *events.Subscription

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	launched   prometheus.Counter
	recycled   prometheus.Counter
	unhealthy  prometheus.Counter
	pagesMade  prometheus.Counter
	authDenied prometheus.Counter
	scaleOps   *prometheus.CounterVec
	recovery   *prometheus.CounterVec
	breaker    *prometheus.CounterVec

	// Raw counters for the health snapshot.
	cLaunched   atomic.Int64
	cRecycled   atomic.Int64
	cUnhealthy  atomic.Int64
	cPagesMade  atomic.Int64
	cAuthDenied atomic.Int64
	cRequests   atomic.Int64
	cErrors     atomic.Int64
}

// NewRegistry builds the collectors and, when a bus is present, starts
// counting lifecycle events. Call Close to unsubscribe.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		opts: opts,
		reg:  prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browserd_requests_total",
			Help: "Total requests processed, by action and status",
		}, []string{"action", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "browserd_request_duration_seconds",
			Help:    "Request duration in seconds, by action",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		}, []string{"action"}),
		launched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "browserd_browsers_launched_total",
			Help: "Total browser processes launched",
		}),
		recycled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "browserd_browsers_recycled_total",
			Help: "Total browsers recycled or terminated",
		}),
		unhealthy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "browserd_browsers_unhealthy_total",
			Help: "Total times a browser was flagged unhealthy",
		}),
		pagesMade: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "browserd_pages_created_total",
			Help: "Total pages created",
		}),
		authDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "browserd_auth_denied_total",
			Help: "Total denied authentication and ownership checks",
		}),
		scaleOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browserd_scale_decisions_total",
			Help: "Scaling decisions applied, by direction",
		}, []string{"direction"}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browserd_recovery_steps_total",
			Help: "Recovery steps executed, by stage and outcome",
		}, []string{"stage", "outcome"}),
		breaker: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browserd_breaker_transitions_total",
			Help: "Circuit breaker state transitions, by breaker and target state",
		}, []string{"name", "to"}),
	}

	r.reg.MustRegister(
		r.requests, r.requestDuration,
		r.launched, r.recycled, r.unhealthy, r.pagesMade,
		r.authDenied, r.scaleOps, r.recovery, r.breaker,
	)
	r.registerGauges()

	if opts.Bus != nil {
		r.sub = opts.Bus.Subscribe(r.onEvent,
			events.KindBrowserLaunched,
			events.KindBrowserRecycled,
			events.KindBrowserUnhealthy,
			events.KindPageCreated,
			events.KindAuthDenied,
			events.KindOwnershipDenied,
			events.KindScaleDecision,
			events.KindRecoveryStep,
			events.KindBreakerState,
		)
	}
	return r
}

func (r *Registry) registerGauges() {
	gauge := func(name, help string, f func() float64) {
		r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, f))
	}

	if r.opts.Pool != nil {
		gauge("browserd_browsers_total", "Browsers in the pool, launching included", func() float64 {
			return float64(r.opts.Pool.SnapshotNow().Total)
		})
		gauge("browserd_browsers_busy", "Browsers bound to a session or holding pages", func() float64 {
			return float64(r.opts.Pool.SnapshotNow().Busy)
		})
		gauge("browserd_acquire_waiting", "Sessions queued for a browser", func() float64 {
			return float64(r.opts.Pool.SnapshotNow().Waiting)
		})
	}
	if r.opts.Sessions != nil {
		gauge("browserd_sessions_active", "Live sessions", func() float64 {
			return float64(r.opts.Sessions.Count())
		})
	}
	if r.opts.Pages != nil {
		gauge("browserd_pages_active", "Open pages", func() float64 {
			return float64(r.opts.Pages.Count())
		})
	}
	gauge("browserd_goroutines", "Current goroutine count", func() float64 {
		return float64(runtime.NumGoroutine())
	})

	build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "browserd_build_info",
		Help: "Build information",
	}, []string{"version", "go_version"})
	build.WithLabelValues(r.opts.Version, runtime.Version()).Set(1)
	r.reg.MustRegister(build)
}

func (r *Registry) onEvent(e events.Event) {
	switch ev := e.(type) {
	case events.BrowserEvent:
		switch ev.K {
		case events.KindBrowserLaunched:
			r.launched.Inc()
			r.cLaunched.Add(1)
		case events.KindBrowserRecycled:
			r.recycled.Inc()
			r.cRecycled.Add(1)
		case events.KindBrowserUnhealthy:
			r.unhealthy.Inc()
			r.cUnhealthy.Add(1)
		}
	case events.PageEvent:
		if ev.K == events.KindPageCreated {
			r.pagesMade.Inc()
			r.cPagesMade.Add(1)
		}
	case events.AuthEvent:
		if ev.Result == "denied" {
			r.authDenied.Inc()
			r.cAuthDenied.Add(1)
		}
	case events.ScaleEvent:
		r.scaleOps.WithLabelValues(ev.Direction).Add(float64(ev.Count))
	case events.RecoveryEvent:
		outcome := "failed"
		if ev.Handled {
			outcome = "ok"
		}
		r.recovery.WithLabelValues(ev.Stage, outcome).Inc()
	case events.BreakerEvent:
		r.breaker.WithLabelValues(ev.Name, ev.To).Inc()
	}
}

// RecordRequest counts one finished request.
func (r *Registry) RecordRequest(action, status string, elapsed time.Duration) {
	r.requests.WithLabelValues(action, status).Inc()
	r.requestDuration.WithLabelValues(action).Observe(elapsed.Seconds())
	r.cRequests.Add(1)
	if status != "ok" {
		r.cErrors.Add(1)
	}
}

// Handler serves the Prometheus scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Snapshot returns the counters embedded in health reports.
func (r *Registry) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"browsers_launched":  r.cLaunched.Load(),
		"browsers_recycled":  r.cRecycled.Load(),
		"browsers_unhealthy": r.cUnhealthy.Load(),
		"pages_created":      r.cPagesMade.Load(),
		"auth_denied":        r.cAuthDenied.Load(),
		"requests":           r.cRequests.Load(),
		"request_errors":     r.cErrors.Load(),
	}
	if r.opts.Pool != nil {
		ps := r.opts.Pool.SnapshotNow()
		snap["browsers_total"] = int64(ps.Total)
		snap["browsers_busy"] = int64(ps.Busy)
		snap["acquire_waiting"] = int64(ps.Waiting)
	}
	if r.opts.Sessions != nil {
		snap["sessions_active"] = int64(r.opts.Sessions.Count())
	}
	if r.opts.Pages != nil {
		snap["pages_active"] = int64(r.opts.Pages.Count())
	}
	return snap
}

// Close unsubscribes from the bus.
func (r *Registry) Close() {
	if r.sub != nil && r.opts.Bus != nil {
		r.opts.Bus.Unsubscribe(r.sub)
	}
}
