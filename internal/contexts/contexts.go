// Package contexts manages logical browser contexts. A context is the unit
// of action execution: each one owns at most one live page, created lazily
// on first use, and executes actions one at a time.
package contexts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/browser"
	"github.com/Rorqualx/browserd/internal/events"
	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/page"
	"github.com/Rorqualx/browserd/internal/security"
	"github.com/Rorqualx/browserd/internal/types"
)

// Record is one logical context. Closed records remain as tombstones so a
// later Execute can distinguish "closed" from "never existed".
type Record struct {
	ID        string
	SessionID string
	Name      string
	Options   *types.ContextOptions // nil means browser defaults
	CreatedAt time.Time

	mu     sync.Mutex // guards status and pageID
	closed bool
	pageID string

	execMu sync.Mutex // serialises action execution
}

// Closed reports whether the context has been closed.
func (r *Record) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Summary converts the record to its wire representation.
func (r *Record) Summary() types.ContextSummary {
	status := "active"
	if r.Closed() {
		status = "closed"
	}
	return types.ContextSummary{
		ContextID: r.ID,
		SessionID: r.SessionID,
		Name:      r.Name,
		Status:    status,
		CreatedAt: r.CreatedAt,
	}
}

// Options configures a Manager.
type Options struct {
	Pool  *browser.Pool
	Pages *page.Manager

	Clock ids.Clock
	IDs   ids.Generator
	Bus   *events.Bus
}

// Manager owns context records and the execute path.
type Manager struct {
	opts Options

	mu       sync.Mutex
	contexts map[string]*Record
}

// NewManager creates the manager.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = ids.SystemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = ids.UUIDGenerator{}
	}
	return &Manager{
		opts:     opts,
		contexts: make(map[string]*Record),
	}
}

// Create opens a context for the session. Options are validated up front;
// no browser resources are touched until the first action runs.
func (m *Manager) Create(sessionID, name string, raw json.RawMessage) (*Record, error) {
	options, err := parseOptions(raw)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:        m.opts.IDs.NewID(),
		SessionID: sessionID,
		Name:      name,
		Options:   options,
		CreatedAt: m.opts.Clock.Now(),
	}

	m.mu.Lock()
	m.contexts[rec.ID] = rec
	m.mu.Unlock()

	log.Info().
		Str("context_id", rec.ID).
		Str("session_id", sessionID).
		Msg("Context created")

	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.ContextEvent{
			K:         events.KindContextCreated,
			ContextID: rec.ID,
			SessionID: sessionID,
			At:        rec.CreatedAt,
		})
	}
	return rec, nil
}

// Viewport bounds accepted from context options.
const (
	maxViewportWidth  = 7680
	maxViewportHeight = 4320
	maxUserAgentLen   = 1024
)

// parseOptions decodes and validates raw context options. Unknown fields
// and out-of-range values are invalid-argument failures.
func parseOptions(raw json.RawMessage) (*types.ContextOptions, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var opts types.ContextOptions
	if err := dec.Decode(&opts); err != nil {
		return nil, types.E(types.CodeInvalidArgument, "invalid context options", err)
	}

	if v := opts.Viewport; v != nil {
		if v.Width < 1 || v.Width > maxViewportWidth || v.Height < 1 || v.Height > maxViewportHeight {
			return nil, types.E(types.CodeInvalidArgument,
				fmt.Sprintf("viewport must be within 1x1 and %dx%d", maxViewportWidth, maxViewportHeight),
				types.ErrInvalidArgument)
		}
	}
	if len(opts.UserAgent) > maxUserAgentLen {
		return nil, types.E(types.CodeInvalidArgument, "userAgent too long", types.ErrInvalidArgument)
	}
	if err := security.ValidateHeaders(opts.ExtraHeaders); err != nil {
		return nil, types.E(types.CodeInvalidArgument, "invalid extraHeaders", err)
	}
	if len(opts.Cookies) > types.MaxCookies {
		return nil, types.E(types.CodeInvalidArgument, "too many cookies", types.ErrInvalidArgument)
	}
	for _, c := range opts.Cookies {
		if c.Name == "" {
			return nil, types.E(types.CodeInvalidArgument, "cookie name must not be empty", types.ErrInvalidArgument)
		}
	}
	return &opts, nil
}

// Get returns a context after verifying ownership. A wrong session is a
// Forbidden failure and leaves exactly one audit event on the bus.
func (m *Manager) Get(sessionID, contextID string) (*Record, error) {
	m.mu.Lock()
	rec, ok := m.contexts[contextID]
	m.mu.Unlock()

	if !ok {
		return nil, types.ErrContextNotFound
	}
	if rec.SessionID != sessionID {
		m.denyOwnership(sessionID, contextID)
		return nil, types.ErrNotOwner
	}
	return rec, nil
}

func (m *Manager) denyOwnership(sessionID, resource string) {
	log.Warn().
		Str("session_id", sessionID).
		Str("resource", resource).
		Msg("Context ownership check failed")
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.AuthEvent{
			K:         events.KindOwnershipDenied,
			SessionID: sessionID,
			Resource:  resource,
			Result:    "denied",
			Reason:    "context owned by another session",
			At:        m.opts.Clock.Now(),
		})
	}
}

// List returns summaries of the session's contexts, open and closed.
func (m *Manager) List(sessionID string) []types.ContextSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.ContextSummary
	for _, rec := range m.contexts {
		if rec.SessionID == sessionID {
			out = append(out, rec.Summary())
		}
	}
	return out
}

// Close closes a context and its pages. Closing twice succeeds.
func (m *Manager) Close(ctx context.Context, sessionID, contextID string) error {
	rec, err := m.Get(sessionID, contextID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.closed {
		rec.mu.Unlock()
		return nil
	}
	rec.closed = true
	rec.pageID = ""
	rec.mu.Unlock()

	m.opts.Pages.CloseForContext(ctx, contextID)

	log.Info().
		Str("context_id", contextID).
		Str("session_id", sessionID).
		Msg("Context closed")

	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.ContextEvent{
			K:         events.KindContextClosed,
			ContextID: contextID,
			SessionID: sessionID,
			At:        m.opts.Clock.Now(),
		})
	}
	return nil
}

// CloseForSession closes every context of the session. Part of the
// session-delete cascade.
func (m *Manager) CloseForSession(ctx context.Context, sessionID string) int {
	m.mu.Lock()
	var victims []*Record
	for _, rec := range m.contexts {
		if rec.SessionID == sessionID {
			victims = append(victims, rec)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, rec := range victims {
		rec.mu.Lock()
		already := rec.closed
		rec.closed = true
		rec.pageID = ""
		rec.mu.Unlock()
		if !already {
			n++
		}
	}
	if n > 0 {
		m.opts.Pages.CloseForSession(ctx, sessionID)
	}

	// Tombstones of a dead session serve no one.
	m.mu.Lock()
	for _, rec := range victims {
		delete(m.contexts, rec.ID)
	}
	m.mu.Unlock()
	return n
}

// Execute runs fn against the context's page, creating the page on first
// use. Execution is serialised per context; the session's browser is held
// for the duration so the pool sees accurate pressure.
func (m *Manager) Execute(ctx context.Context, sessionID, contextID string, fn func(p *page.Page) (any, error)) (any, error) {
	rec, err := m.Get(sessionID, contextID)
	if err != nil {
		return nil, err
	}
	if rec.Closed() {
		return nil, types.ErrContextClosed
	}

	rec.execMu.Lock()
	defer rec.execMu.Unlock()

	// Re-check: the context may have closed while we queued.
	if rec.Closed() {
		return nil, types.ErrContextClosed
	}

	if _, err := m.opts.Pool.Acquire(ctx, sessionID); err != nil {
		return nil, err
	}
	defer func() {
		if err := m.opts.Pool.Release(sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Release after execute failed")
		}
	}()

	p, err := m.ensurePage(ctx, rec)
	if err != nil {
		return nil, err
	}

	result, err := fn(p)
	if err != nil {
		// Only driver failures count against the page; bad arguments and
		// other caller mistakes say nothing about browser health.
		if types.CodeOf(err) == types.CodeInternal {
			p.RecordError()
		}
		return nil, err
	}
	return result, nil
}

// ensurePage returns the context's page, creating it lazily. A page that
// died (idle sweep, browser recycle) is replaced transparently.
func (m *Manager) ensurePage(ctx context.Context, rec *Record) (*page.Page, error) {
	rec.mu.Lock()
	pageID := rec.pageID
	rec.mu.Unlock()

	if pageID != "" {
		p, err := m.opts.Pages.Get(rec.SessionID, pageID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, types.ErrPageNotFound) && !errors.Is(err, types.ErrPageClosed) {
			return nil, err
		}
	}

	p, err := m.opts.Pages.Create(ctx, rec.SessionID, rec.ID)
	if err != nil {
		return nil, err
	}

	if err := applyOptions(ctx, p, rec.Options); err != nil {
		m.opts.Pages.CloseForContext(ctx, rec.ID)
		return nil, err
	}

	rec.mu.Lock()
	rec.pageID = p.ID
	rec.mu.Unlock()
	return p, nil
}

// applyOptions configures a fresh page from the context options. Every page
// the context opens, the first and any replacement, gets the same setup.
func applyOptions(ctx context.Context, p *page.Page, opts *types.ContextOptions) error {
	if opts == nil {
		return nil
	}
	drv := p.Driver()

	if v := opts.Viewport; v != nil {
		if err := drv.SetViewport(ctx, v.Width, v.Height); err != nil {
			return err
		}
	}
	if opts.UserAgent != "" {
		if err := drv.SetUserAgent(ctx, opts.UserAgent); err != nil {
			return err
		}
	}
	if len(opts.ExtraHeaders) > 0 {
		if err := drv.SetExtraHeaders(ctx, opts.ExtraHeaders); err != nil {
			return err
		}
	}
	if opts.JavaScriptEnabled != nil {
		if err := drv.SetJavaScriptEnabled(ctx, *opts.JavaScriptEnabled); err != nil {
			return err
		}
	}
	if opts.CacheEnabled != nil {
		if err := drv.SetCacheEnabled(ctx, *opts.CacheEnabled); err != nil {
			return err
		}
	}
	if opts.BypassCSP {
		if err := drv.SetBypassCSP(ctx, true); err != nil {
			return err
		}
	}
	if opts.Offline {
		if err := drv.SetOffline(ctx, true); err != nil {
			return err
		}
	}
	if len(opts.Cookies) > 0 {
		if err := drv.SetCookies(ctx, opts.Cookies); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of context records, tombstones included.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}
