// Package page tracks live pages across the pool and enforces that a page
// is only ever touched by the session that owns it.
package page

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/browser"
	"github.com/Rorqualx/browserd/internal/driver"
	"github.com/Rorqualx/browserd/internal/events"
	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/types"
)

// Page is one tracked page. Driver calls go through the embedded handle;
// bookkeeping fields are guarded by mu.
type Page struct {
	ID        string
	ContextID string
	SessionID string
	BrowserID string

	drv  driver.Page
	inst *browser.Instance

	mu        sync.Mutex
	url       string
	title     string
	state     string
	history   []string
	errors    int64
	createdAt time.Time
	lastUsed  time.Time
	closed    bool
}

// Page lifecycle states as reported in summaries.
const (
	StateActive     = "active"
	StateNavigating = "navigating"
	StateClosed     = "closed"
)

// URL returns the last known page URL.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Title returns the last known document title.
func (p *Page) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

// Closed reports whether the page has been closed.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// State returns the page's lifecycle state.
func (p *Page) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetNavigating flips the page into the navigating state for the duration
// of a navigation. Done returns it to active.
func (p *Page) SetNavigating() {
	p.mu.Lock()
	if !p.closed {
		p.state = StateNavigating
	}
	p.mu.Unlock()
}

// SetActive returns the page to the active state after a navigation.
func (p *Page) SetActive() {
	p.mu.Lock()
	if !p.closed {
		p.state = StateActive
	}
	p.mu.Unlock()
}

// ErrorCount returns how many operation failures this page has seen.
func (p *Page) ErrorCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errors
}

// History returns a copy of the page's navigation history, oldest first.
func (p *Page) History() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.history))
	copy(out, p.history)
	return out
}

// LastUsed returns the time of the page's most recent operation.
func (p *Page) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

// Summary converts the page to its wire representation.
func (p *Page) Summary() types.PageSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	history := make([]string, len(p.history))
	copy(history, p.history)
	return types.PageSummary{
		PageID:            p.ID,
		ContextID:         p.ContextID,
		BrowserID:         p.BrowserID,
		URL:               p.url,
		Title:             p.title,
		State:             p.state,
		ErrorCount:        p.errors,
		NavigationHistory: history,
		CreatedAt:         p.createdAt,
	}
}

// Driver exposes the raw driver handle for action execution.
func (p *Page) Driver() driver.Page { return p.drv }

func (p *Page) touch(now time.Time) {
	p.mu.Lock()
	p.lastUsed = now
	p.mu.Unlock()
}

// setLocation updates cached URL and title after navigation and appends
// the new URL to the navigation history.
func (p *Page) setLocation(url, title string) {
	p.mu.Lock()
	p.url = url
	p.title = title
	if url != "" && (len(p.history) == 0 || p.history[len(p.history)-1] != url) {
		p.history = append(p.history, url)
	}
	p.mu.Unlock()
}

// RecordError charges an operation failure to the page and its owning
// browser. The recycle policy retires browsers that accumulate too many.
func (p *Page) RecordError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
	if p.inst != nil {
		p.inst.RecordError()
	}
}

// Options configures a Manager.
type Options struct {
	Pool *browser.Pool

	// IdleThreshold is how long a page may sit untouched before the sweep
	// closes it. Zero disables the sweep.
	IdleThreshold time.Duration
	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration

	Clock ids.Clock
	IDs   ids.Generator
	Bus   *events.Bus
}

// Manager owns page bookkeeping: creation, ownership checks, idle sweeping,
// and cascaded teardown.
type Manager struct {
	opts Options

	mu      sync.Mutex
	pages   map[string]*Page
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates the manager and starts the idle sweep when enabled.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = ids.SystemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = ids.UUIDGenerator{}
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	m := &Manager{
		opts:   opts,
		pages:  make(map[string]*Page),
		stopCh: make(chan struct{}),
	}

	if opts.IdleThreshold > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.sweepLoop()
		}()
	}
	return m
}

// Create opens a page on the session's bound browser and starts watching
// its event stream.
func (m *Manager) Create(ctx context.Context, sessionID, contextID string) (*Page, error) {
	pageID := m.opts.IDs.NewID()
	inst, drv, err := m.opts.Pool.CreatePage(ctx, sessionID, pageID)
	if err != nil {
		return nil, err
	}

	now := m.opts.Clock.Now()
	p := &Page{
		ID:        pageID,
		ContextID: contextID,
		SessionID: sessionID,
		BrowserID: inst.ID,
		drv:       drv,
		inst:      inst,
		url:       "about:blank",
		state:     StateActive,
		createdAt: now,
		lastUsed:  now,
	}

	m.mu.Lock()
	m.pages[pageID] = p
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watch(p)
	}()

	log.Debug().
		Str("page_id", pageID).
		Str("context_id", contextID).
		Str("session_id", sessionID).
		Msg("Page tracked")

	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.PageEvent{
			K:         events.KindPageCreated,
			PageID:    pageID,
			ContextID: contextID,
			SessionID: sessionID,
			BrowserID: inst.ID,
			At:        now,
		})
	}
	return p, nil
}

// watch forwards the driver's page events onto the bus and keeps the cached
// URL current. Ends when the driver closes the stream or the manager stops;
// the stop check lets shutdown proceed before the driver is torn down.
func (m *Manager) watch(p *Page) {
	for {
		var ev driver.PageEvent
		var ok bool
		select {
		case ev, ok = <-p.drv.Events():
			if !ok {
				return
			}
		case <-m.stopCh:
			return
		}

		switch ev.Type {
		case driver.EventFrameNavigated:
			p.setLocation(ev.URL, ev.Title)
			if m.opts.Bus != nil {
				m.opts.Bus.Publish(events.PageEvent{
					K:         events.KindPageNavigated,
					PageID:    p.ID,
					ContextID: p.ContextID,
					SessionID: p.SessionID,
					BrowserID: p.BrowserID,
					URL:       ev.URL,
					At:        m.opts.Clock.Now(),
				})
			}
		case driver.EventPageError, driver.EventPageScriptError:
			log.Debug().
				Str("page_id", p.ID).
				Str("message", ev.Message).
				Msg("Page error event")
			p.RecordError()
			if m.opts.Bus != nil {
				m.opts.Bus.Publish(events.PageEvent{
					K:         events.KindPageError,
					PageID:    p.ID,
					ContextID: p.ContextID,
					SessionID: p.SessionID,
					BrowserID: p.BrowserID,
					URL:       ev.URL,
					At:        m.opts.Clock.Now(),
				})
			}
		}
	}
}

// Get returns a page after verifying the caller owns it. A wrong session
// is a Forbidden failure and leaves exactly one audit event on the bus.
func (m *Manager) Get(sessionID, pageID string) (*Page, error) {
	m.mu.Lock()
	p, ok := m.pages[pageID]
	m.mu.Unlock()

	if !ok {
		return nil, types.ErrPageNotFound
	}
	if p.SessionID != sessionID {
		m.denyOwnership(sessionID, pageID)
		return nil, types.ErrNotOwner
	}
	if p.Closed() {
		return nil, types.ErrPageClosed
	}
	p.touch(m.opts.Clock.Now())
	return p, nil
}

func (m *Manager) denyOwnership(sessionID, resource string) {
	log.Warn().
		Str("session_id", sessionID).
		Str("resource", resource).
		Msg("Ownership check failed")
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.AuthEvent{
			K:         events.KindOwnershipDenied,
			SessionID: sessionID,
			Resource:  resource,
			Result:    "denied",
			Reason:    "page owned by another session",
			At:        m.opts.Clock.Now(),
		})
	}
}

// Close closes a page. A pageID the manager does not track, including one
// that was already closed, is a not-found failure. Closing someone else's
// page is a Forbidden failure.
func (m *Manager) Close(ctx context.Context, sessionID, pageID string) error {
	m.mu.Lock()
	p, ok := m.pages[pageID]
	m.mu.Unlock()

	if !ok {
		return types.ErrPageNotFound
	}
	if p.SessionID != sessionID {
		m.denyOwnership(sessionID, pageID)
		return types.ErrNotOwner
	}
	m.closePage(ctx, p, "closed")
	return nil
}

// closePage removes the record and closes the driver page once.
func (m *Manager) closePage(ctx context.Context, p *Page, reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.state = StateClosed
	p.mu.Unlock()

	m.mu.Lock()
	delete(m.pages, p.ID)
	m.mu.Unlock()

	p.inst.ClosePage(ctx, p.ID)

	log.Debug().
		Str("page_id", p.ID).
		Str("reason", reason).
		Msg("Page closed")

	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.PageEvent{
			K:         events.KindPageClosed,
			PageID:    p.ID,
			ContextID: p.ContextID,
			SessionID: p.SessionID,
			BrowserID: p.BrowserID,
			At:        m.opts.Clock.Now(),
		})
	}
}

// CloseForContext closes every page belonging to a context.
func (m *Manager) CloseForContext(ctx context.Context, contextID string) int {
	return m.closeWhere(ctx, "context closed", func(p *Page) bool {
		return p.ContextID == contextID
	})
}

// CloseForSession closes every page belonging to a session.
func (m *Manager) CloseForSession(ctx context.Context, sessionID string) int {
	return m.closeWhere(ctx, "session ended", func(p *Page) bool {
		return p.SessionID == sessionID
	})
}

// DetachBrowser forgets pages on a browser without driver calls. Used when
// a browser process is being relaunched and its pages are already gone.
func (m *Manager) DetachBrowser(browserID string) int {
	m.mu.Lock()
	var victims []*Page
	for id, p := range m.pages {
		if p.BrowserID == browserID {
			victims = append(victims, p)
			delete(m.pages, id)
		}
	}
	m.mu.Unlock()

	for _, p := range victims {
		p.mu.Lock()
		p.closed = true
		p.state = StateClosed
		p.mu.Unlock()
		if m.opts.Bus != nil {
			m.opts.Bus.Publish(events.PageEvent{
				K:         events.KindPageClosed,
				PageID:    p.ID,
				ContextID: p.ContextID,
				SessionID: p.SessionID,
				BrowserID: p.BrowserID,
				At:        m.opts.Clock.Now(),
			})
		}
	}
	return len(victims)
}

func (m *Manager) closeWhere(ctx context.Context, reason string, match func(*Page) bool) int {
	m.mu.Lock()
	var victims []*Page
	for _, p := range m.pages {
		if match(p) {
			victims = append(victims, p)
		}
	}
	m.mu.Unlock()

	for _, p := range victims {
		m.closePage(ctx, p, reason)
	}
	return len(victims)
}

// ListForSession returns summaries of the session's pages.
func (m *Manager) ListForSession(sessionID string) []types.PageSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.PageSummary
	for _, p := range m.pages {
		if p.SessionID == sessionID {
			out = append(out, p.Summary())
		}
	}
	return out
}

// ListForContext returns summaries of the context's pages.
func (m *Manager) ListForContext(contextID string) []types.PageSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.PageSummary
	for _, p := range m.pages {
		if p.ContextID == contextID {
			out = append(out, p.Summary())
		}
	}
	return out
}

// Count returns the number of tracked pages.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stopCh:
			return
		}
	}
}

// sweepIdle closes pages that sat untouched past the idle threshold.
func (m *Manager) sweepIdle() {
	now := m.opts.Clock.Now()

	m.mu.Lock()
	var idle []*Page
	for _, p := range m.pages {
		if now.Sub(p.LastUsed()) > m.opts.IdleThreshold {
			idle = append(idle, p)
		}
	}
	m.mu.Unlock()

	if len(idle) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range idle {
		m.closePage(ctx, p, "idle")
	}

	log.Info().Int("swept", len(idle)).Msg("Idle pages closed")
}

// Stop ends the sweep loop and the page watchers. Pages themselves are
// torn down by the pool. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}
