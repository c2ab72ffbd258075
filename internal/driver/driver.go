// Package driver defines the contract the core requires from a browser
// driver. The production implementation controls Chromium over CDP via rod;
// tests substitute the in-memory fake from the drivertest subpackage.
package driver

import (
	"context"
	"time"

	"github.com/Rorqualx/browserd/internal/types"
)

// ProbeResult is the outcome of a liveness probe.
type ProbeResult int

const (
	ProbeHealthy ProbeResult = iota
	ProbeUnresponsive
	ProbeDisconnected
)

// String returns the probe result name.
func (r ProbeResult) String() string {
	switch r {
	case ProbeHealthy:
		return "healthy"
	case ProbeUnresponsive:
		return "unresponsive"
	default:
		return "disconnected"
	}
}

// LaunchOptions is the option bag passed to Launch.
type LaunchOptions struct {
	Headless         bool
	BrowserPath      string
	Stealth          bool
	ProxyServer      string
	IgnoreCertErrors bool
	UserAgent        string
	WindowWidth      int
	WindowHeight     int
}

// Driver launches browser processes.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is one live browser subprocess.
type Browser interface {
	// Probe checks liveness. It must return within the context deadline.
	Probe(ctx context.Context) ProbeResult
	// NewPage opens a fresh tab.
	NewPage(ctx context.Context) (Page, error)
	// Reconnect re-establishes the control connection without restarting
	// the process. Used as the first recovery step.
	Reconnect(ctx context.Context) error
	// Close shuts the browser down cooperatively.
	Close(ctx context.Context) error
	// Kill terminates the subprocess immediately.
	Kill()
}

// WaitUntil names the navigation settle condition.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle0     WaitUntil = "networkidle0"
	WaitNetworkIdle2     WaitUntil = "networkidle2"
)

// ValidWaitUntil reports whether s names a known settle condition.
func ValidWaitUntil(s string) bool {
	switch WaitUntil(s) {
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle0, WaitNetworkIdle2:
		return true
	}
	return false
}

// NavigateOptions controls a navigation.
type NavigateOptions struct {
	WaitUntil WaitUntil
	Referer   string
}

// NavigateResult carries the settled URL and document title.
type NavigateResult struct {
	FinalURL string
	Title    string
}

// ScreenshotOptions controls a capture.
type ScreenshotOptions struct {
	FullPage       bool
	Format         string // png | jpeg | webp
	Quality        int    // 0-100, jpeg/webp only
	Clip           *Clip
	OmitBackground bool
	Selector       string // capture a single element when set
}

// Clip is a capture region in CSS pixels.
type Clip struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// PDFOptions controls PDF rendering.
type PDFOptions struct {
	Format              string // a4 | letter | legal
	Landscape           bool
	Scale               float64 // 0.1-2; 0 means 1
	MarginInches        float64
	DisplayHeaderFooter bool
	PrintBackground     bool
	PageRanges          string
}

// PageEventType tags an asynchronous page event.
type PageEventType string

const (
	EventFrameNavigated  PageEventType = "frame-navigated"
	EventPageError       PageEventType = "page-error"
	EventPageScriptError PageEventType = "page-script-error"
)

// PageEvent is an asynchronous notification from a live page.
type PageEvent struct {
	Type    PageEventType
	URL     string
	Title   string
	Message string
}

// Page is one live tab.
type Page interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) (NavigateResult, error)
	Evaluate(ctx context.Context, script string) (any, error)
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	PDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	// Content returns outer HTML of the document, or of the first element
	// matching selector when selector is non-empty.
	Content(ctx context.Context, selector string) (string, error)
	Click(ctx context.Context, selector string, clickCount int) error
	Type(ctx context.Context, selector, text string, delay time.Duration) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration, visible bool) error

	Cookies(ctx context.Context) ([]types.Cookie, error)
	SetCookies(ctx context.Context, cookies []types.Cookie) error
	DeleteCookies(ctx context.Context, cookies []types.Cookie) error
	ClearCookies(ctx context.Context) error

	SetViewport(ctx context.Context, width, height int) error
	SetUserAgent(ctx context.Context, ua string) error
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	SetJavaScriptEnabled(ctx context.Context, enabled bool) error
	SetCacheEnabled(ctx context.Context, enabled bool) error
	SetOffline(ctx context.Context, offline bool) error
	SetBypassCSP(ctx context.Context, bypass bool) error

	Metrics(ctx context.Context) (map[string]float64, error)

	// Events returns the asynchronous event stream. The channel closes when
	// the page closes.
	Events() <-chan PageEvent

	Close(ctx context.Context) error
}
