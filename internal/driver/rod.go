package driver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/security"
	"github.com/Rorqualx/browserd/internal/types"
)

// networkIdleWindow is how long the network must stay quiet before a
// networkidle navigation is considered settled.
const networkIdleWindow = 500 * time.Millisecond

// RodDriver drives Chromium over CDP.
type RodDriver struct{}

// NewRodDriver returns the production driver.
func NewRodDriver() *RodDriver { return &RodDriver{} }

// Launch starts a Chromium subprocess and connects to it.
func (d *RodDriver) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l := newLauncher(opts)
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if opts.IgnoreCertErrors {
		log.Warn().Msg("Certificate validation disabled - MITM attacks possible")
		if err := browser.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}

	log.Debug().Str("url", url).Msg("Browser launched")
	return &rodBrowser{browser: browser, launcher: l, controlURL: url, opts: opts}, nil
}

// newLauncher builds the Chromium command line. Each launcher launches once,
// so every browser gets a fresh one.
func newLauncher(opts LaunchOptions) *launcher.Launcher {
	l := launcher.New()

	if opts.BrowserPath != "" {
		l = l.Bin(opts.BrowserPath)
	}

	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		// Rod enables headless by default. Under Xvfb we must disable it
		// explicitly or Chrome still runs headless.
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if opts.ProxyServer != "" {
		l = l.Set("proxy-server", opts.ProxyServer)
		log.Debug().Str("proxy", security.RedactProxyURL(opts.ProxyServer)).Msg("Proxy configured")
	}
	// Prevent WebRTC from leaking the real IP even without a proxy.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	if opts.Stealth {
		// Keeps navigator.webdriver undefined.
		l = l.Set("disable-blink-features", "AutomationControlled")
		l = l.Delete("enable-automation")
		l = l.Set("disable-features", "Translate,TranslateUI,WebRtcHideLocalIpsWithMdns")
	}

	if opts.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors").
			Set("ignore-ssl-errors")
	}

	if opts.UserAgent != "" {
		l = l.Set("user-agent", opts.UserAgent)
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")

	width, height := opts.WindowWidth, opts.WindowHeight
	if width <= 0 {
		width = 1920
	}
	if height <= 0 {
		height = 1080
	}
	l = l.Set("window-size", fmt.Sprintf("%d,%d", width, height))

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	return l
}

type rodBrowser struct {
	browser    *rod.Browser
	launcher   *launcher.Launcher
	controlURL string
	opts       LaunchOptions
}

// Probe checks liveness with a cheap version query. A timeout means the
// process is alive but not answering; a connection error means it is gone.
func (b *rodBrowser) Probe(ctx context.Context) ProbeResult {
	_, err := proto.BrowserGetVersion{}.Call(b.browser.Context(ctx))
	if err == nil {
		return ProbeHealthy
	}
	if ctx.Err() != nil {
		return ProbeUnresponsive
	}
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout") {
		return ProbeUnresponsive
	}
	return ProbeDisconnected
}

func (b *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	var page *rod.Page
	var err error
	if b.opts.Stealth {
		page, err = stealth.Page(b.browser.Context(ctx))
	} else {
		page, err = b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	rp := &rodPage{page: page, events: make(chan PageEvent, 64)}
	rp.watchEvents()
	return rp, nil
}

// Reconnect drops the control connection and dials the same DevTools URL
// again. The subprocess keeps running.
func (b *rodBrowser) Reconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	fresh := rod.New().ControlURL(b.controlURL)
	if err := fresh.Connect(); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}
	old := b.browser
	b.browser = fresh
	_ = old.Close()
	return nil
}

func (b *rodBrowser) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- b.browser.Close() }()
	select {
	case err := <-done:
		b.launcher.Kill()
		return err
	case <-ctx.Done():
		b.launcher.Kill()
		return ctx.Err()
	}
}

func (b *rodBrowser) Kill() {
	b.launcher.Kill()
}

type rodPage struct {
	page   *rod.Page
	events chan PageEvent
}

// watchEvents forwards navigation and error notifications from CDP onto
// the page's event channel. Slow consumers lose events rather than stall
// the CDP dispatcher.
func (p *rodPage) watchEvents() {
	wait := p.page.EachEvent(
		func(e *proto.PageFrameNavigated) {
			if e.Frame.ParentID != "" {
				return
			}
			p.emit(PageEvent{Type: EventFrameNavigated, URL: e.Frame.URL})
		},
		func(e *proto.RuntimeExceptionThrown) {
			msg := e.ExceptionDetails.Text
			if e.ExceptionDetails.Exception != nil {
				msg = e.ExceptionDetails.Exception.Description
			}
			p.emit(PageEvent{Type: EventPageScriptError, Message: msg})
		},
		func(e *proto.LogEntryAdded) {
			if e.Entry.Level != proto.LogLogEntryLevelError {
				return
			}
			p.emit(PageEvent{Type: EventPageError, URL: e.Entry.URL, Message: e.Entry.Text})
		},
	)
	go func() {
		defer close(p.events)
		wait()
	}()
}

func (p *rodPage) emit(e PageEvent) {
	select {
	case p.events <- e:
	default:
	}
}

func (p *rodPage) Events() <-chan PageEvent { return p.events }

func (p *rodPage) Navigate(ctx context.Context, url string, opts NavigateOptions) (NavigateResult, error) {
	page := p.page.Context(ctx)

	if opts.Referer != "" {
		if _, err := (proto.PageNavigate{URL: url, Referrer: opts.Referer}).Call(page); err != nil {
			return NavigateResult{}, fmt.Errorf("navigation failed: %w", err)
		}
	} else if err := page.Navigate(url); err != nil {
		return NavigateResult{}, fmt.Errorf("navigation failed: %w", err)
	}

	if err := p.settle(page, opts.WaitUntil); err != nil {
		return NavigateResult{}, fmt.Errorf("navigation did not settle: %w", err)
	}

	info, err := page.Info()
	if err != nil {
		return NavigateResult{}, fmt.Errorf("failed to read page info: %w", err)
	}
	return NavigateResult{FinalURL: info.URL, Title: info.Title}, nil
}

func (p *rodPage) settle(page *rod.Page, wu WaitUntil) error {
	switch wu {
	case WaitDOMContentLoaded:
		page.WaitEvent(&proto.PageDomContentEventFired{})()
		return page.GetContext().Err()
	case WaitNetworkIdle0, WaitNetworkIdle2:
		if err := page.WaitLoad(); err != nil {
			return err
		}
		page.WaitRequestIdle(networkIdleWindow, nil, nil, nil)()
		return page.GetContext().Err()
	default: // WaitLoad
		return page.WaitLoad()
	}
}

func (p *rodPage) Evaluate(ctx context.Context, script string) (any, error) {
	page := p.page.Context(ctx)
	res, err := proto.RuntimeEvaluate{
		Expression:    script,
		ReturnByValue: true,
		AwaitPromise:  true,
	}.Call(page)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	if res.ExceptionDetails != nil {
		msg := res.ExceptionDetails.Text
		if res.ExceptionDetails.Exception != nil && res.ExceptionDetails.Exception.Description != "" {
			msg = res.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("script threw: %s", msg)
	}
	if res.Result == nil {
		return nil, nil
	}
	return res.Result.Value.Val(), nil
}

func (p *rodPage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	page := p.page.Context(ctx)

	if opts.Selector != "" {
		el, err := page.Element(opts.Selector)
		if err != nil {
			return nil, fmt.Errorf("element not found: %w", err)
		}
		return el.Screenshot(screenshotFormat(opts.Format), opts.Quality)
	}

	req := &proto.PageCaptureScreenshot{Format: screenshotFormat(opts.Format)}
	if req.Format != proto.PageCaptureScreenshotFormatPng && opts.Quality > 0 {
		q := opts.Quality
		req.Quality = &q
	}
	if opts.Clip != nil {
		req.Clip = &proto.PageViewport{
			X:      opts.Clip.X,
			Y:      opts.Clip.Y,
			Width:  opts.Clip.Width,
			Height: opts.Clip.Height,
			Scale:  1,
		}
	}
	if opts.OmitBackground {
		alpha := 0.0
		if err := (proto.EmulationSetDefaultBackgroundColorOverride{
			Color: &proto.DOMRGBA{R: 0, G: 0, B: 0, A: &alpha},
		}).Call(page); err != nil {
			return nil, fmt.Errorf("failed to clear background: %w", err)
		}
		defer func() {
			_ = proto.EmulationSetDefaultBackgroundColorOverride{}.Call(page)
		}()
	}
	return page.Screenshot(opts.FullPage, req)
}

func screenshotFormat(format string) proto.PageCaptureScreenshotFormat {
	switch format {
	case "jpeg":
		return proto.PageCaptureScreenshotFormatJpeg
	case "webp":
		return proto.PageCaptureScreenshotFormatWebp
	default:
		return proto.PageCaptureScreenshotFormatPng
	}
}

// Paper sizes in inches.
var paperSizes = map[string][2]float64{
	"a4":     {8.27, 11.69},
	"letter": {8.5, 11},
	"legal":  {8.5, 14},
}

func (p *rodPage) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	page := p.page.Context(ctx)

	req := &proto.PagePrintToPDF{
		Landscape:           opts.Landscape,
		DisplayHeaderFooter: opts.DisplayHeaderFooter,
		PrintBackground:     opts.PrintBackground,
		PageRanges:          opts.PageRanges,
	}
	if opts.Scale > 0 {
		scale := opts.Scale
		req.Scale = &scale
	}
	size, ok := paperSizes[strings.ToLower(opts.Format)]
	if !ok {
		size = paperSizes["a4"]
	}
	w, h := size[0], size[1]
	req.PaperWidth = &w
	req.PaperHeight = &h
	if opts.MarginInches > 0 {
		m := opts.MarginInches
		req.MarginTop = &m
		req.MarginBottom = &m
		req.MarginLeft = &m
		req.MarginRight = &m
	}

	reader, err := page.PDF(req)
	if err != nil {
		return nil, fmt.Errorf("pdf rendering failed: %w", err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf stream: %w", err)
	}
	return data, nil
}

func (p *rodPage) Content(ctx context.Context, selector string) (string, error) {
	page := p.page.Context(ctx)
	if selector == "" {
		return page.HTML()
	}
	el, err := page.Element(selector)
	if err != nil {
		return "", fmt.Errorf("element not found: %w", err)
	}
	return el.HTML()
}

func (p *rodPage) Click(ctx context.Context, selector string, clickCount int) error {
	page := p.page.Context(ctx)
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("failed to scroll element into view: %w", err)
	}
	if clickCount < 1 {
		clickCount = 1
	}
	return el.Click(proto.InputMouseButtonLeft, clickCount)
}

func (p *rodPage) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	page := p.page.Context(ctx)
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	if err := el.Focus(); err != nil {
		return fmt.Errorf("failed to focus element: %w", err)
	}
	if delay <= 0 {
		return el.Input(text)
	}
	for _, r := range text {
		if err := el.Input(string(r)); err != nil {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *rodPage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration, visible bool) error {
	page := p.page.Context(ctx)
	if timeout > 0 {
		page = page.Timeout(timeout)
	}
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("selector did not appear: %w", err)
	}
	if visible {
		if err := el.WaitVisible(); err != nil {
			return fmt.Errorf("selector did not become visible: %w", err)
		}
	}
	return nil
}

func (p *rodPage) Cookies(ctx context.Context) ([]types.Cookie, error) {
	raw, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	cookies := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return cookies, nil
}

func (p *rodPage) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		if c.SameSite != "" {
			param.SameSite = proto.NetworkCookieSameSite(c.SameSite)
		}
		params = append(params, param)
	}
	return p.page.Context(ctx).SetCookies(params)
}

func (p *rodPage) DeleteCookies(ctx context.Context, cookies []types.Cookie) error {
	page := p.page.Context(ctx)
	for _, c := range cookies {
		err := proto.NetworkDeleteCookies{
			Name:   c.Name,
			Domain: c.Domain,
			Path:   c.Path,
		}.Call(page)
		if err != nil {
			return fmt.Errorf("failed to delete cookie %q: %w", c.Name, err)
		}
	}
	return nil
}

func (p *rodPage) ClearCookies(ctx context.Context) error {
	return proto.NetworkClearBrowserCookies{}.Call(p.page.Context(ctx))
}

func (p *rodPage) SetViewport(ctx context.Context, width, height int) error {
	return p.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
}

func (p *rodPage) SetUserAgent(ctx context.Context, ua string) error {
	return p.page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
}

func (p *rodPage) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	pairs := make([]string, 0, len(headers)*2)
	for k, v := range headers {
		pairs = append(pairs, k, v)
	}
	_, err := p.page.Context(ctx).SetExtraHeaders(pairs)
	return err
}

func (p *rodPage) SetJavaScriptEnabled(ctx context.Context, enabled bool) error {
	return proto.EmulationSetScriptExecutionDisabled{Value: !enabled}.Call(p.page.Context(ctx))
}

func (p *rodPage) SetCacheEnabled(ctx context.Context, enabled bool) error {
	return proto.NetworkSetCacheDisabled{CacheDisabled: !enabled}.Call(p.page.Context(ctx))
}

func (p *rodPage) SetOffline(ctx context.Context, offline bool) error {
	return proto.NetworkEmulateNetworkConditions{
		Offline:            offline,
		Latency:            0,
		DownloadThroughput: -1,
		UploadThroughput:   -1,
	}.Call(p.page.Context(ctx))
}

func (p *rodPage) SetBypassCSP(ctx context.Context, bypass bool) error {
	return proto.PageSetBypassCSP{Enabled: bypass}.Call(p.page.Context(ctx))
}

func (p *rodPage) Metrics(ctx context.Context) (map[string]float64, error) {
	res, err := proto.PerformanceGetMetrics{}.Call(p.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}
	out := make(map[string]float64, len(res.Metrics))
	for _, m := range res.Metrics {
		out[m.Name] = m.Value
	}
	return out, nil
}

func (p *rodPage) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- p.page.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
