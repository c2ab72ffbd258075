// Package actions defines the action catalog and its dispatcher. Every
// page operation a client can request goes through here: arguments are
// strict JSON (unknown fields rejected), validated against hard limits,
// and results are typed.
package actions

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/driver"
	"github.com/Rorqualx/browserd/internal/page"
	"github.com/Rorqualx/browserd/internal/security"
	"github.com/Rorqualx/browserd/internal/types"
)

// Handler executes one action against a page.
type Handler func(ctx context.Context, p *page.Page, args json.RawMessage) (any, error)

type definition struct {
	name     string
	required []string
	optional []string
	handler  Handler
}

// PageCloser closes a page on behalf of its owning session. The close
// action needs it; everything else works on the page handle alone.
type PageCloser interface {
	Close(ctx context.Context, sessionID, pageID string) error
}

// Options configures a Registry.
type Options struct {
	// DefaultTimeout bounds an action when the request names none.
	DefaultTimeout time.Duration
	// MaxTimeout caps client-requested timeouts.
	MaxTimeout time.Duration
	// NavigationTimeout bounds navigations specifically.
	NavigationTimeout time.Duration

	// Pages serves the close action. Nil disables it.
	Pages PageCloser
}

// Registry is the action dispatch table.
type Registry struct {
	opts Options
	defs map[string]definition
}

// NewRegistry builds the full catalog.
func NewRegistry(opts Options) *Registry {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 2 * time.Minute
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 60 * time.Second
	}

	r := &Registry{opts: opts, defs: make(map[string]definition)}
	r.register(definition{"navigate", []string{"url"}, []string{"waitUntil", "timeout", "referer"}, r.navigate})
	r.register(definition{"evaluate", nil, []string{"expression", "code", "timeout"}, r.evaluate})
	r.register(definition{"screenshot", nil, []string{"fullPage", "type", "quality", "selector", "clip", "omitBackground"}, r.screenshot})
	r.register(definition{"pdf", nil, []string{"format", "landscape", "scale", "margin", "displayHeaderFooter", "printBackground", "pageRanges"}, r.pdf})
	r.register(definition{"getContent", nil, []string{"selector"}, r.getContent})
	r.register(definition{"click", []string{"selector"}, []string{"clickCount"}, r.click})
	r.register(definition{"type", []string{"selector", "text"}, []string{"delay"}, r.typeText})
	r.register(definition{"waitForSelector", []string{"selector"}, []string{"timeout", "visible"}, r.waitForSelector})
	r.register(definition{"cookie", []string{"operation"}, []string{"cookies"}, r.cookie})
	r.register(definition{"close", nil, nil, r.closePage})
	r.register(definition{"getCookies", nil, nil, r.getCookies})
	r.register(definition{"setCookies", []string{"cookies"}, nil, r.setCookies})
	r.register(definition{"deleteCookies", []string{"cookies"}, nil, r.deleteCookies})
	r.register(definition{"clearCookies", nil, nil, r.clearCookies})
	r.register(definition{"setViewport", []string{"width", "height"}, nil, r.setViewport})
	r.register(definition{"setUserAgent", []string{"userAgent"}, nil, r.setUserAgent})
	r.register(definition{"setExtraHeaders", []string{"headers"}, nil, r.setExtraHeaders})
	r.register(definition{"setJavaScriptEnabled", []string{"enabled"}, nil, r.setJavaScriptEnabled})
	r.register(definition{"setCacheEnabled", []string{"enabled"}, nil, r.setCacheEnabled})
	r.register(definition{"setOffline", []string{"offline"}, nil, r.setOffline})
	r.register(definition{"setBypassCSP", []string{"enabled"}, nil, r.setBypassCSP})
	r.register(definition{"getMetrics", nil, nil, r.getMetrics})
	return r
}

func (r *Registry) register(d definition) {
	r.defs[d.name] = d
}

// Execute dispatches one action. The name must exist in the catalog and
// the arguments must decode strictly.
func (r *Registry) Execute(ctx context.Context, p *page.Page, name string, args json.RawMessage) (any, error) {
	if name == "" || len(name) > types.MaxActionNameLength {
		return nil, types.E(types.CodeInvalidArgument, "invalid action name", types.ErrInvalidArgument)
	}
	def, ok := r.defs[name]
	if !ok {
		return nil, types.E(types.CodeInvalidArgument, fmt.Sprintf("unknown action %q", name), types.ErrUnknownAction)
	}

	start := time.Now()
	result, err := def.handler(ctx, p, args)
	if err != nil {
		log.Debug().
			Str("action", name).
			Str("page_id", p.ID).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("Action failed")
		return nil, err
	}
	log.Debug().
		Str("action", name).
		Str("page_id", p.ID).
		Dur("elapsed", time.Since(start)).
		Msg("Action completed")
	return result, nil
}

// Catalog lists every action, sorted by name.
func (r *Registry) Catalog() []types.ActionInfo {
	out := make([]types.ActionInfo, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, types.ActionInfo{
			Name:     d.name,
			Required: d.required,
			Optional: d.optional,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// decode unmarshals args strictly. Empty args decode into the zero value.
func decode(args json.RawMessage, into any) error {
	if len(args) == 0 {
		args = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return types.E(types.CodeInvalidArgument, "invalid action arguments: "+err.Error(), types.ErrInvalidArgument)
	}
	return nil
}

// timeout clamps a client-requested timeout into the configured bounds.
func (r *Registry) timeout(requestedMs int64, fallback time.Duration) time.Duration {
	if requestedMs <= 0 {
		return fallback
	}
	d := time.Duration(requestedMs) * time.Millisecond
	if d > r.opts.MaxTimeout {
		return r.opts.MaxTimeout
	}
	return d
}

type navigateArgs struct {
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil"`
	Timeout   int64  `json:"timeout"` // milliseconds
	Referer   string `json:"referer"`
}

// NavigateResult is the navigate action result.
type NavigateResult struct {
	OK       bool   `json:"ok"`
	FinalURL string `json:"finalUrl"`
	Title    string `json:"title"`
}

func (r *Registry) navigate(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args navigateArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.URL == "" || len(args.URL) > types.MaxURLLength {
		return nil, types.E(types.CodeInvalidArgument, "url is required and bounded", types.ErrInvalidArgument)
	}
	if err := security.ValidateURL(args.URL); err != nil {
		return nil, types.E(types.CodeInvalidArgument, err.Error(), types.ErrInvalidArgument)
	}
	if args.WaitUntil == "" {
		args.WaitUntil = string(driver.WaitLoad)
	}
	if !driver.ValidWaitUntil(args.WaitUntil) {
		return nil, types.E(types.CodeInvalidArgument, fmt.Sprintf("unknown waitUntil %q", args.WaitUntil), types.ErrInvalidArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout(args.Timeout, r.opts.NavigationTimeout))
	defer cancel()

	log.Debug().Str("url", security.RedactURL(args.URL)).Str("page_id", p.ID).Msg("Navigating")
	p.SetNavigating()
	defer p.SetActive()
	res, err := p.Driver().Navigate(ctx, args.URL, driver.NavigateOptions{
		WaitUntil: driver.WaitUntil(args.WaitUntil),
		Referer:   args.Referer,
	})
	if err != nil {
		return nil, types.E(types.CodeOf(err), "navigation failed", errors.Join(types.ErrNavigationFailed, err))
	}
	return NavigateResult{OK: true, FinalURL: res.FinalURL, Title: res.Title}, nil
}

type evaluateArgs struct {
	Expression string `json:"expression"`
	Code       string `json:"code"` // alias accepted for expression
	Timeout    int64  `json:"timeout"`
}

// EvaluateResult is the evaluate action result.
type EvaluateResult struct {
	Result any `json:"result"`
}

func (r *Registry) evaluate(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args evaluateArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	script := args.Expression
	if script == "" {
		script = args.Code
	} else if args.Code != "" {
		return nil, types.E(types.CodeInvalidArgument, "expression and code are mutually exclusive", types.ErrInvalidArgument)
	}
	if script == "" || len(script) > types.MaxScriptLength {
		return nil, types.E(types.CodeInvalidArgument, "expression or code is required and bounded", types.ErrInvalidArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout(args.Timeout, r.opts.DefaultTimeout))
	defer cancel()

	val, err := p.Driver().Evaluate(ctx, script)
	if err != nil {
		return nil, types.E(types.CodeOf(err), "evaluation failed", errors.Join(types.ErrEvaluationFailed, err))
	}
	return EvaluateResult{Result: val}, nil
}

type clipArgs struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type screenshotArgs struct {
	FullPage       bool      `json:"fullPage"`
	Type           string    `json:"type"` // png | jpeg | webp
	Quality        int       `json:"quality"`
	Selector       string    `json:"selector"`
	Clip           *clipArgs `json:"clip"`
	OmitBackground bool      `json:"omitBackground"`
}

// ScreenshotResult is the screenshot action result.
type ScreenshotResult struct {
	ImageBase64 string `json:"image_base64"`
	Size        int    `json:"size"` // raw image bytes, before encoding
}

func (r *Registry) screenshot(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args screenshotArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	switch args.Type {
	case "", "png", "jpeg", "webp":
	default:
		return nil, types.E(types.CodeInvalidArgument, fmt.Sprintf("unknown screenshot type %q", args.Type), types.ErrInvalidArgument)
	}
	if args.Quality < 0 || args.Quality > 100 {
		return nil, types.E(types.CodeInvalidArgument, "quality must be 0-100", types.ErrInvalidArgument)
	}
	if args.Type == "" {
		args.Type = "png"
	}

	opts := driver.ScreenshotOptions{
		FullPage:       args.FullPage,
		Format:         args.Type,
		Quality:        args.Quality,
		Selector:       args.Selector,
		OmitBackground: args.OmitBackground,
	}
	if args.Clip != nil {
		opts.Clip = &driver.Clip{X: args.Clip.X, Y: args.Clip.Y, Width: args.Clip.Width, Height: args.Clip.Height}
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	data, err := p.Driver().Screenshot(ctx, opts)
	if err != nil {
		return nil, err
	}
	return ScreenshotResult{ImageBase64: base64.StdEncoding.EncodeToString(data), Size: len(data)}, nil
}

type pdfArgs struct {
	Format              string  `json:"format"`
	Landscape           bool    `json:"landscape"`
	Scale               float64 `json:"scale"`
	Margin              float64 `json:"margin"` // inches, applied to all sides
	DisplayHeaderFooter bool    `json:"displayHeaderFooter"`
	PrintBackground     bool    `json:"printBackground"`
	PageRanges          string  `json:"pageRanges"`
}

// PDFResult is the pdf action result.
type PDFResult struct {
	PDFBase64 string `json:"pdf_base64"`
	Size      int    `json:"size"` // raw document bytes, before encoding
}

func (r *Registry) pdf(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args pdfArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	switch args.Format {
	case "", "a4", "letter", "legal":
	default:
		return nil, types.E(types.CodeInvalidArgument, fmt.Sprintf("unknown paper format %q", args.Format), types.ErrInvalidArgument)
	}
	if args.Scale != 0 && (args.Scale < 0.1 || args.Scale > 2) {
		return nil, types.E(types.CodeInvalidArgument, "scale must be 0.1-2", types.ErrInvalidArgument)
	}
	if args.Margin < 0 || args.Margin > 10 {
		return nil, types.E(types.CodeInvalidArgument, "margin must be 0-10 inches", types.ErrInvalidArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	data, err := p.Driver().PDF(ctx, driver.PDFOptions{
		Format:              args.Format,
		Landscape:           args.Landscape,
		Scale:               args.Scale,
		MarginInches:        args.Margin,
		PrintBackground:     args.PrintBackground,
		PageRanges:          args.PageRanges,
		DisplayHeaderFooter: args.DisplayHeaderFooter,
	})
	if err != nil {
		return nil, err
	}
	return PDFResult{PDFBase64: base64.StdEncoding.EncodeToString(data), Size: len(data)}, nil
}

type getContentArgs struct {
	Selector string `json:"selector"`
}

// ContentResult is the getContent action result.
type ContentResult struct {
	Content string `json:"content"`
}

func (r *Registry) getContent(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args getContentArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if len(args.Selector) > types.MaxSelectorLength {
		return nil, types.E(types.CodeInvalidArgument, "selector too long", types.ErrInvalidArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	html, err := p.Driver().Content(ctx, args.Selector)
	if err != nil {
		return nil, err
	}
	return ContentResult{Content: html}, nil
}

type clickArgs struct {
	Selector   string `json:"selector"`
	ClickCount int    `json:"clickCount"`
}

func (r *Registry) click(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args clickArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := validSelector(args.Selector); err != nil {
		return nil, err
	}
	if args.ClickCount < 0 || args.ClickCount > 3 {
		return nil, types.E(types.CodeInvalidArgument, "clickCount must be 1-3", types.ErrInvalidArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	if err := p.Driver().Click(ctx, args.Selector, args.ClickCount); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

type typeArgs struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Delay    int64  `json:"delay"` // milliseconds between keystrokes
}

func (r *Registry) typeText(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args typeArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := validSelector(args.Selector); err != nil {
		return nil, err
	}
	if len(args.Text) > types.MaxTextLength {
		return nil, types.E(types.CodeInvalidArgument, "text too long", types.ErrInvalidArgument)
	}
	if args.Delay < 0 || args.Delay > 1000 {
		return nil, types.E(types.CodeInvalidArgument, "delay must be 0-1000", types.ErrInvalidArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	delay := time.Duration(args.Delay) * time.Millisecond
	if err := p.Driver().Type(ctx, args.Selector, args.Text, delay); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

type waitForSelectorArgs struct {
	Selector string `json:"selector"`
	Timeout  int64  `json:"timeout"` // milliseconds
	Visible  bool   `json:"visible"`
}

func (r *Registry) waitForSelector(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args waitForSelectorArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := validSelector(args.Selector); err != nil {
		return nil, err
	}

	wait := r.timeout(args.Timeout, r.opts.DefaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, wait+time.Second)
	defer cancel()

	if err := p.Driver().WaitForSelector(ctx, args.Selector, wait, args.Visible); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

type cookieArgs struct {
	Operation string         `json:"operation"` // get | set | delete | clear
	Cookies   []types.Cookie `json:"cookies"`
}

// cookie dispatches the combined cookie operation. get and clear take no
// cookie list; set and delete require one.
func (r *Registry) cookie(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args cookieArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	switch args.Operation {
	case "get":
		if len(args.Cookies) > 0 {
			return nil, types.E(types.CodeInvalidArgument, "get takes no cookies", types.ErrInvalidArgument)
		}
		cookies, err := p.Driver().Cookies(ctx)
		if err != nil {
			return nil, err
		}
		if cookies == nil {
			cookies = []types.Cookie{}
		}
		return CookiesResult{Cookies: cookies}, nil

	case "set":
		if err := validCookies(args.Cookies); err != nil {
			return nil, err
		}
		if err := p.Driver().SetCookies(ctx, args.Cookies); err != nil {
			return nil, err
		}
		return types.OKResponse{OK: true}, nil

	case "delete":
		if err := validCookies(args.Cookies); err != nil {
			return nil, err
		}
		if err := p.Driver().DeleteCookies(ctx, args.Cookies); err != nil {
			return nil, err
		}
		return types.OKResponse{OK: true}, nil

	case "clear":
		if len(args.Cookies) > 0 {
			return nil, types.E(types.CodeInvalidArgument, "clear takes no cookies", types.ErrInvalidArgument)
		}
		if err := p.Driver().ClearCookies(ctx); err != nil {
			return nil, err
		}
		return types.OKResponse{OK: true}, nil

	default:
		return nil, types.E(types.CodeInvalidArgument, fmt.Sprintf("unknown cookie operation %q", args.Operation), types.ErrInvalidArgument)
	}
}

// closePage closes the context's current page. The next action opens a
// fresh one.
func (r *Registry) closePage(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	if err := decode(raw, &struct{}{}); err != nil {
		return nil, err
	}
	if r.opts.Pages == nil {
		return nil, types.E(types.CodeInternal, "page closer not configured", nil)
	}
	if err := r.opts.Pages.Close(ctx, p.SessionID, p.ID); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

// CookiesResult is the getCookies action result.
type CookiesResult struct {
	Cookies []types.Cookie `json:"cookies"`
}

func (r *Registry) getCookies(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	if err := decode(raw, &struct{}{}); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	cookies, err := p.Driver().Cookies(ctx)
	if err != nil {
		return nil, err
	}
	if cookies == nil {
		cookies = []types.Cookie{}
	}
	return CookiesResult{Cookies: cookies}, nil
}

type cookiesArgs struct {
	Cookies []types.Cookie `json:"cookies"`
}

func validCookies(cookies []types.Cookie) error {
	if len(cookies) == 0 || len(cookies) > types.MaxCookies {
		return types.E(types.CodeInvalidArgument, "cookies are required and bounded", types.ErrInvalidArgument)
	}
	for _, c := range cookies {
		if c.Name == "" {
			return types.E(types.CodeInvalidArgument, "cookie name is required", types.ErrInvalidArgument)
		}
	}
	return nil
}

func (r *Registry) setCookies(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args cookiesArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := validCookies(args.Cookies); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	if err := p.Driver().SetCookies(ctx, args.Cookies); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

func (r *Registry) deleteCookies(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args cookiesArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := validCookies(args.Cookies); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	if err := p.Driver().DeleteCookies(ctx, args.Cookies); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

func (r *Registry) clearCookies(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	if err := decode(raw, &struct{}{}); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	if err := p.Driver().ClearCookies(ctx); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

type viewportArgs struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r *Registry) setViewport(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args viewportArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.Width < 1 || args.Width > 7680 || args.Height < 1 || args.Height > 4320 {
		return nil, types.E(types.CodeInvalidArgument, "viewport out of range", types.ErrInvalidArgument)
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	if err := p.Driver().SetViewport(ctx, args.Width, args.Height); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

type userAgentArgs struct {
	UserAgent string `json:"userAgent"`
}

func (r *Registry) setUserAgent(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args userAgentArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.UserAgent == "" || len(args.UserAgent) > 1024 {
		return nil, types.E(types.CodeInvalidArgument, "userAgent is required and bounded", types.ErrInvalidArgument)
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	if err := p.Driver().SetUserAgent(ctx, args.UserAgent); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

type headersArgs struct {
	Headers map[string]string `json:"headers"`
}

func (r *Registry) setExtraHeaders(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args headersArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if len(args.Headers) == 0 || len(args.Headers) > types.MaxHeaders {
		return nil, types.E(types.CodeInvalidArgument, "headers are required and bounded", types.ErrInvalidArgument)
	}
	if err := security.ValidateHeaders(args.Headers); err != nil {
		return nil, types.E(types.CodeInvalidArgument, err.Error(), errors.Join(types.ErrInvalidArgument, err))
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	if err := p.Driver().SetExtraHeaders(ctx, args.Headers); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

type enabledArgs struct {
	Enabled bool `json:"enabled"`
}

func (r *Registry) setJavaScriptEnabled(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args enabledArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	if err := p.Driver().SetJavaScriptEnabled(ctx, args.Enabled); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

func (r *Registry) setCacheEnabled(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args enabledArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	if err := p.Driver().SetCacheEnabled(ctx, args.Enabled); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

type offlineArgs struct {
	Offline bool `json:"offline"`
}

func (r *Registry) setOffline(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args offlineArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	if err := p.Driver().SetOffline(ctx, args.Offline); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

func (r *Registry) setBypassCSP(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	var args enabledArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	if err := p.Driver().SetBypassCSP(ctx, args.Enabled); err != nil {
		return nil, err
	}
	return types.OKResponse{OK: true}, nil
}

// MetricsResult is the getMetrics action result.
type MetricsResult struct {
	Metrics map[string]float64 `json:"metrics"`
}

func (r *Registry) getMetrics(ctx context.Context, p *page.Page, raw json.RawMessage) (any, error) {
	if err := decode(raw, &struct{}{}); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
	defer cancel()

	metrics, err := p.Driver().Metrics(ctx)
	if err != nil {
		return nil, err
	}
	return MetricsResult{Metrics: metrics}, nil
}

func validSelector(selector string) error {
	if selector == "" || len(selector) > types.MaxSelectorLength {
		return types.E(types.CodeInvalidArgument, "selector is required and bounded", types.ErrInvalidArgument)
	}
	return nil
}
