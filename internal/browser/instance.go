package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/breaker"
	"github.com/Rorqualx/browserd/internal/driver"
	"github.com/Rorqualx/browserd/internal/types"
)

// State is an instance lifecycle state.
type State int32

const (
	StateLaunching State = iota
	StateIdle
	StateActive
	StateDraining
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "terminated"
	}
}

// Instance is one pooled browser. While bound to a session the instance
// serves only that session; the binding outlives Release as long as the
// session keeps pages open on it.
type Instance struct {
	ID string

	mu           sync.Mutex
	state        State
	drv          driver.Browser
	sessionID    string // bound session, empty when unbound
	holds        int    // concurrent acquires by the bound session
	pages        map[string]driver.Page
	createdAt    time.Time
	lastActivity time.Time

	pagesCreated atomic.Int64
	errorCount   atomic.Int64
	memoryBytes  atomic.Int64 // JS heap estimate, refreshed by the health loop
	badProbes    int          // consecutive failed probes
	unhealthy    bool         // set by the health loop, cleared by recovery
}

// InstanceStats is a point-in-time view of one instance.
type InstanceStats struct {
	ID           string
	State        string
	SessionID    string
	Unhealthy    bool
	Pages        int
	PagesCreated int64
	Errors       int64
	MemoryBytes  int64
	Age          time.Duration
	IdleFor      time.Duration
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// SessionID returns the bound session, or empty.
func (i *Instance) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// PageCount returns the number of open pages.
func (i *Instance) PageCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pages)
}

// RecordError bumps the instance error counter. Fed by page operation
// failures and used by the recycle policy.
func (i *Instance) RecordError() {
	i.errorCount.Add(1)
}

// stats snapshots the instance. Callers pass now to keep a whole pool
// snapshot on one timestamp.
func (i *Instance) stats(now time.Time) InstanceStats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return InstanceStats{
		ID:           i.ID,
		State:        i.state.String(),
		SessionID:    i.sessionID,
		Unhealthy:    i.unhealthy,
		Pages:        len(i.pages),
		PagesCreated: i.pagesCreated.Load(),
		Errors:       i.errorCount.Load(),
		MemoryBytes:  i.memoryBytes.Load(),
		Age:          now.Sub(i.createdAt),
		IdleFor:      now.Sub(i.lastActivity),
	}
}

// sampleMemory refreshes the instance's memory estimate by summing the JS
// heap size over its open pages. Pages that fail to report are skipped.
func (i *Instance) sampleMemory(ctx context.Context) {
	i.mu.Lock()
	if i.state == StateTerminated || i.state == StateLaunching {
		i.mu.Unlock()
		return
	}
	pages := make([]driver.Page, 0, len(i.pages))
	for _, p := range i.pages {
		pages = append(pages, p)
	}
	i.mu.Unlock()

	var total int64
	for _, p := range pages {
		m, err := p.Metrics(ctx)
		if err != nil {
			continue
		}
		total += int64(m["JSHeapUsedSize"])
	}
	i.memoryBytes.Store(total)
}

// CreatePage opens a page for the bound session, enforcing the per-browser
// page limit. The pageID is assigned by the caller.
func (i *Instance) CreatePage(ctx context.Context, sessionID, pageID string, maxPages int, pageBreaker *breaker.Breaker) (driver.Page, error) {
	i.mu.Lock()
	if i.state == StateTerminated {
		i.mu.Unlock()
		return nil, types.ErrBrowserNotFound
	}
	if i.state == StateDraining {
		i.mu.Unlock()
		return nil, types.ErrBrowserDraining
	}
	if i.sessionID != sessionID {
		i.mu.Unlock()
		return nil, types.ErrNotOwner
	}
	if maxPages > 0 && len(i.pages) >= maxPages {
		i.mu.Unlock()
		return nil, types.ErrPageLimit
	}
	drv := i.drv
	i.mu.Unlock()

	var page driver.Page
	create := func(ctx context.Context) error {
		var err error
		page, err = drv.NewPage(ctx)
		return err
	}

	var err error
	if pageBreaker != nil {
		err = pageBreaker.Do(ctx, create)
	} else {
		err = create(ctx)
	}
	if err != nil {
		i.errorCount.Add(1)
		return nil, err
	}

	i.mu.Lock()
	if i.state == StateTerminated || i.sessionID != sessionID {
		// Lost the instance while the page was being created.
		i.mu.Unlock()
		_ = page.Close(context.Background())
		return nil, types.ErrBrowserNotFound
	}
	i.pages[pageID] = page
	i.pagesCreated.Add(1)
	i.mu.Unlock()

	log.Debug().
		Str("browser_id", i.ID).
		Str("page_id", pageID).
		Msg("Page created")
	return page, nil
}

// ClosePage closes and forgets a page. Unknown pageIDs are a no-op so the
// operation is idempotent.
func (i *Instance) ClosePage(ctx context.Context, pageID string) {
	i.mu.Lock()
	page, ok := i.pages[pageID]
	if ok {
		delete(i.pages, pageID)
	}
	i.mu.Unlock()

	if !ok {
		return
	}
	if err := page.Close(ctx); err != nil {
		log.Debug().Err(err).
			Str("browser_id", i.ID).
			Str("page_id", pageID).
			Msg("Error closing page")
	}
}

// closeAllPages closes every page outside the instance lock.
func (i *Instance) closeAllPages(ctx context.Context) {
	i.mu.Lock()
	pages := make([]driver.Page, 0, len(i.pages))
	for _, p := range i.pages {
		pages = append(pages, p)
	}
	i.pages = make(map[string]driver.Page)
	i.mu.Unlock()

	for _, p := range pages {
		if err := p.Close(ctx); err != nil {
			log.Debug().Err(err).Str("browser_id", i.ID).Msg("Error closing page during teardown")
		}
	}
}

// probe runs one liveness check and tracks consecutive failures. Returns
// true when the instance has just crossed the unhealthy threshold.
func (i *Instance) probe(ctx context.Context) (driver.ProbeResult, bool) {
	i.mu.Lock()
	if i.state == StateTerminated || i.state == StateLaunching {
		i.mu.Unlock()
		return driver.ProbeHealthy, false
	}
	drv := i.drv
	i.mu.Unlock()

	res := drv.Probe(ctx)

	i.mu.Lock()
	defer i.mu.Unlock()
	if res == driver.ProbeHealthy {
		i.badProbes = 0
		i.unhealthy = false
		return res, false
	}
	i.badProbes++
	if i.badProbes >= 2 && !i.unhealthy {
		i.unhealthy = true
		return res, true
	}
	return res, false
}
