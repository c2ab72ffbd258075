// Package drivertest provides an in-memory driver implementation so the
// pool, page manager, and action tests run without a real browser.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rorqualx/browserd/internal/driver"
	"github.com/Rorqualx/browserd/internal/types"
)

// pngMagic is a minimal valid PNG header so screenshot consumers that sniff
// the format still work.
var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// FakeDriver launches FakeBrowser instances. Zero value is ready to use.
type FakeDriver struct {
	mu       sync.Mutex
	browsers []*FakeBrowser

	// LaunchErr, when set, fails the next Launch calls.
	LaunchErr error
	// LaunchDelay simulates a slow browser start.
	LaunchDelay time.Duration

	launches atomic.Int64
}

// NewFakeDriver returns an empty fake driver.
func NewFakeDriver() *FakeDriver { return &FakeDriver{} }

// Launch creates a new FakeBrowser, honoring LaunchErr and LaunchDelay.
func (d *FakeDriver) Launch(ctx context.Context, opts driver.LaunchOptions) (driver.Browser, error) {
	d.launches.Add(1)
	if d.LaunchDelay > 0 {
		select {
		case <-time.After(d.LaunchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	b := &FakeBrowser{
		Opts:  opts,
		probe: driver.ProbeHealthy,
	}
	d.browsers = append(d.browsers, b)
	return b, nil
}

// Launches reports how many times Launch was called, including failures.
func (d *FakeDriver) Launches() int64 { return d.launches.Load() }

// Browsers returns every browser this driver has launched.
func (d *FakeDriver) Browsers() []*FakeBrowser {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeBrowser, len(d.browsers))
	copy(out, d.browsers)
	return out
}

// FakeBrowser is one fake browser process.
type FakeBrowser struct {
	Opts driver.LaunchOptions

	mu     sync.Mutex
	probe  driver.ProbeResult
	closed bool
	killed bool
	pages  []*FakePage

	// NewPageErr fails the next NewPage calls when set.
	NewPageErr error
	// ReconnectErr fails Reconnect when set.
	ReconnectErr error

	reconnects atomic.Int64
}

// SetProbe changes what Probe reports.
func (b *FakeBrowser) SetProbe(r driver.ProbeResult) {
	b.mu.Lock()
	b.probe = r
	b.mu.Unlock()
}

// Probe returns the configured probe result; closed browsers always report
// disconnected.
func (b *FakeBrowser) Probe(ctx context.Context) driver.ProbeResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.killed {
		return driver.ProbeDisconnected
	}
	return b.probe
}

// NewPage opens a fake tab.
func (b *FakeBrowser) NewPage(ctx context.Context) (driver.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	if b.closed || b.killed {
		return nil, fmt.Errorf("browser is closed")
	}
	p := NewFakePage()
	b.pages = append(b.pages, p)
	return p, nil
}

// Reconnect restores a healthy probe unless ReconnectErr is set.
func (b *FakeBrowser) Reconnect(ctx context.Context) error {
	b.reconnects.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ReconnectErr != nil {
		return b.ReconnectErr
	}
	if b.killed {
		return fmt.Errorf("browser process is gone")
	}
	b.probe = driver.ProbeHealthy
	return nil
}

// Reconnects reports how many times Reconnect was called.
func (b *FakeBrowser) Reconnects() int64 { return b.reconnects.Load() }

// Close marks the browser closed.
func (b *FakeBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Kill marks the browser killed.
func (b *FakeBrowser) Kill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed = true
}

// Closed reports whether Close or Kill was called.
func (b *FakeBrowser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed || b.killed
}

// Pages returns every page opened on this browser.
func (b *FakeBrowser) Pages() []*FakePage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*FakePage, len(b.pages))
	copy(out, b.pages)
	return out
}

// FakePage is one fake tab with scripted behaviour.
type FakePage struct {
	mu      sync.Mutex
	url     string
	title   string
	html    string
	cookies []types.Cookie
	closed  bool
	events  chan driver.PageEvent

	// NavigateErr fails Navigate when set.
	NavigateErr error
	// NavigateDelay simulates slow page loads.
	NavigateDelay time.Duration
	// EvalResult is returned by Evaluate; EvalErr overrides it.
	EvalResult any
	EvalErr    error
	// ActionErr fails Click, Type and WaitForSelector when set.
	ActionErr error
	// Selectors lists the selectors the page "contains". Empty means every
	// selector matches.
	Selectors []string

	typed      []string
	clicked    []string
	navigated  []string
	closeCount atomic.Int64
}

// NewFakePage returns a blank fake page at about:blank.
func NewFakePage() *FakePage {
	return &FakePage{
		url:    "about:blank",
		html:   "<html><head></head><body></body></html>",
		events: make(chan driver.PageEvent, 16),
	}
}

// SetHTML sets the document content returned by Content.
func (p *FakePage) SetHTML(html string) {
	p.mu.Lock()
	p.html = html
	p.mu.Unlock()
}

// SetTitle sets the document title.
func (p *FakePage) SetTitle(title string) {
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
}

// Emit pushes an event onto the page's event channel.
func (p *FakePage) Emit(e driver.PageEvent) {
	select {
	case p.events <- e:
	default:
	}
}

// NavigatedTo lists every URL passed to Navigate.
func (p *FakePage) NavigatedTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.navigated))
	copy(out, p.navigated)
	return out
}

// Typed lists every text passed to Type.
func (p *FakePage) Typed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.typed))
	copy(out, p.typed)
	return out
}

// Clicked lists every selector passed to Click.
func (p *FakePage) Clicked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.clicked))
	copy(out, p.clicked)
	return out
}

// Closed reports whether Close was called.
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseCount reports how many times Close was called.
func (p *FakePage) CloseCount() int64 { return p.closeCount.Load() }

// URL returns the current page URL.
func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *FakePage) Navigate(ctx context.Context, url string, opts driver.NavigateOptions) (driver.NavigateResult, error) {
	if p.NavigateDelay > 0 {
		select {
		case <-time.After(p.NavigateDelay):
		case <-ctx.Done():
			return driver.NavigateResult{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return driver.NavigateResult{}, fmt.Errorf("page is closed")
	}
	p.navigated = append(p.navigated, url)
	if p.NavigateErr != nil {
		return driver.NavigateResult{}, p.NavigateErr
	}
	p.url = url
	if p.title == "" {
		p.title = "Fake Page"
	}
	return driver.NavigateResult{FinalURL: url, Title: p.title}, nil
}

func (p *FakePage) Evaluate(ctx context.Context, script string) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("page is closed")
	}
	if p.EvalErr != nil {
		return nil, p.EvalErr
	}
	return p.EvalResult, nil
}

func (p *FakePage) Screenshot(ctx context.Context, opts driver.ScreenshotOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("page is closed")
	}
	data := make([]byte, len(pngMagic)+8)
	copy(data, pngMagic)
	return data, nil
}

func (p *FakePage) PDF(ctx context.Context, opts driver.PDFOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("page is closed")
	}
	return []byte("%PDF-1.7 fake"), nil
}

func (p *FakePage) Content(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", fmt.Errorf("page is closed")
	}
	if selector != "" && !p.hasSelectorLocked(selector) {
		return "", fmt.Errorf("element not found: %s", selector)
	}
	return p.html, nil
}

func (p *FakePage) Click(ctx context.Context, selector string, clickCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("page is closed")
	}
	if p.ActionErr != nil {
		return p.ActionErr
	}
	if !p.hasSelectorLocked(selector) {
		return fmt.Errorf("element not found: %s", selector)
	}
	p.clicked = append(p.clicked, selector)
	return nil
}

func (p *FakePage) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("page is closed")
	}
	if p.ActionErr != nil {
		return p.ActionErr
	}
	if !p.hasSelectorLocked(selector) {
		return fmt.Errorf("element not found: %s", selector)
	}
	p.typed = append(p.typed, text)
	return nil
}

func (p *FakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration, visible bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("page is closed")
	}
	if p.ActionErr != nil {
		return p.ActionErr
	}
	if !p.hasSelectorLocked(selector) {
		return fmt.Errorf("selector did not appear: %s", selector)
	}
	return nil
}

func (p *FakePage) hasSelectorLocked(selector string) bool {
	if len(p.Selectors) == 0 {
		return true
	}
	for _, s := range p.Selectors {
		if s == selector {
			return true
		}
	}
	return false
}

func (p *FakePage) Cookies(ctx context.Context) ([]types.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Cookie, len(p.cookies))
	copy(out, p.cookies)
	return out, nil
}

func (p *FakePage) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cookies {
		replaced := false
		for i, existing := range p.cookies {
			if existing.Name == c.Name && existing.Domain == c.Domain && existing.Path == c.Path {
				p.cookies[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			p.cookies = append(p.cookies, c)
		}
	}
	return nil
}

func (p *FakePage) DeleteCookies(ctx context.Context, cookies []types.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cookies {
		kept := p.cookies[:0]
		for _, existing := range p.cookies {
			if existing.Name != c.Name {
				kept = append(kept, existing)
			}
		}
		p.cookies = kept
	}
	return nil
}

func (p *FakePage) ClearCookies(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = nil
	return nil
}

func (p *FakePage) SetViewport(ctx context.Context, width, height int) error     { return nil }
func (p *FakePage) SetUserAgent(ctx context.Context, ua string) error            { return nil }
func (p *FakePage) SetExtraHeaders(ctx context.Context, h map[string]string) error { return nil }
func (p *FakePage) SetJavaScriptEnabled(ctx context.Context, enabled bool) error { return nil }
func (p *FakePage) SetCacheEnabled(ctx context.Context, enabled bool) error      { return nil }
func (p *FakePage) SetOffline(ctx context.Context, offline bool) error           { return nil }
func (p *FakePage) SetBypassCSP(ctx context.Context, bypass bool) error          { return nil }

func (p *FakePage) Metrics(ctx context.Context) (map[string]float64, error) {
	return map[string]float64{"Nodes": 12, "JSHeapUsedSize": 1 << 20}, nil
}

func (p *FakePage) Events() <-chan driver.PageEvent { return p.events }

// Close is idempotent; the event channel closes on the first call.
func (p *FakePage) Close(ctx context.Context) error {
	p.closeCount.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}
