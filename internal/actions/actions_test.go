package actions

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/browserd/internal/browser"
	"github.com/Rorqualx/browserd/internal/driver/drivertest"
	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/page"
	"github.com/Rorqualx/browserd/internal/types"
)

func newTestPage(t *testing.T) (*page.Page, *drivertest.FakePage, *page.Manager) {
	t.Helper()
	fake := drivertest.NewFakeDriver()

	pool := browser.NewPool(browser.Options{
		Driver:              fake,
		MaxBrowsers:         1,
		MaxPagesPerBrowser:  5,
		AcquireTimeout:      time.Second,
		AcquireQueueSize:    2,
		HealthCheckInterval: time.Hour,
		LaunchRetries:       1,
		DrainTimeout:        time.Second,
		IDs:                 ids.NewSequenceGenerator("browser"),
	})
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})

	pages := page.NewManager(page.Options{
		Pool: pool,
		IDs:  ids.NewSequenceGenerator("page"),
	})
	t.Cleanup(pages.Stop)

	_, err := pool.Acquire(context.Background(), "sess-a")
	require.NoError(t, err)

	p, err := pages.Create(context.Background(), "sess-a", "ctx-1")
	require.NoError(t, err)

	return p, fake.Browsers()[0].Pages()[0], pages
}

func newRegistry() *Registry {
	return NewRegistry(Options{
		DefaultTimeout:    5 * time.Second,
		MaxTimeout:        10 * time.Second,
		NavigationTimeout: 5 * time.Second,
	})
}

func TestUnknownAction(t *testing.T) {
	r := newRegistry()
	p, _, _ := newTestPage(t)

	_, err := r.Execute(context.Background(), p, "teleport", nil)
	assert.ErrorIs(t, err, types.ErrUnknownAction)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestUnknownFieldRejected(t *testing.T) {
	r := newRegistry()
	p, _, _ := newTestPage(t)

	_, err := r.Execute(context.Background(), p, "navigate",
		json.RawMessage(`{"url":"https://example.com","wat":true}`))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestNavigate(t *testing.T) {
	r := newRegistry()
	p, fakePage, _ := newTestPage(t)
	fakePage.SetTitle("Example")

	res, err := r.Execute(context.Background(), p, "navigate",
		json.RawMessage(`{"url":"https://example.com/"}`))
	require.NoError(t, err)

	nav := res.(NavigateResult)
	assert.True(t, nav.OK)
	assert.Equal(t, "https://example.com/", nav.FinalURL)
	assert.Equal(t, "Example", nav.Title)
	assert.Equal(t, []string{"https://example.com/"}, fakePage.NavigatedTo())
}

func TestNavigateValidation(t *testing.T) {
	r := newRegistry()
	p, _, _ := newTestPage(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args string
	}{
		{"missing url", `{}`},
		{"bad scheme", `{"url":"file:///etc/passwd"}`},
		{"loopback target", `{"url":"http://127.0.0.1/admin"}`},
		{"unknown waitUntil", `{"url":"https://example.com","waitUntil":"whenever"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(ctx, p, "navigate", json.RawMessage(tt.args))
			require.Error(t, err)
			assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
		})
	}
}

func TestEvaluate(t *testing.T) {
	r := newRegistry()
	p, fakePage, _ := newTestPage(t)
	fakePage.EvalResult = float64(42)

	res, err := r.Execute(context.Background(), p, "evaluate",
		json.RawMessage(`{"expression":"6*7"}`))
	require.NoError(t, err)
	assert.Equal(t, EvaluateResult{Result: float64(42)}, res)

	// code is an accepted alias for expression.
	res, err = r.Execute(context.Background(), p, "evaluate",
		json.RawMessage(`{"code":"6*7"}`))
	require.NoError(t, err)
	assert.Equal(t, EvaluateResult{Result: float64(42)}, res)

	_, err = r.Execute(context.Background(), p, "evaluate", json.RawMessage(`{"expression":""}`))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = r.Execute(context.Background(), p, "evaluate",
		json.RawMessage(`{"expression":"1","code":"2"}`))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestScreenshotReturnsBase64PNG(t *testing.T) {
	r := newRegistry()
	p, _, _ := newTestPage(t)

	res, err := r.Execute(context.Background(), p, "screenshot", nil)
	require.NoError(t, err)

	shot := res.(ScreenshotResult)
	data, err := base64.StdEncoding.DecodeString(shot.ImageBase64)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data[:4])
	assert.Equal(t, len(data), shot.Size)
}

func TestScreenshotValidation(t *testing.T) {
	r := newRegistry()
	p, _, _ := newTestPage(t)

	_, err := r.Execute(context.Background(), p, "screenshot",
		json.RawMessage(`{"type":"bmp"}`))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = r.Execute(context.Background(), p, "screenshot",
		json.RawMessage(`{"quality":150}`))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestClickAndType(t *testing.T) {
	r := newRegistry()
	p, fakePage, _ := newTestPage(t)
	ctx := context.Background()

	_, err := r.Execute(ctx, p, "click", json.RawMessage(`{"selector":"#submit"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"#submit"}, fakePage.Clicked())

	_, err = r.Execute(ctx, p, "type",
		json.RawMessage(`{"selector":"#name","text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, fakePage.Typed())

	_, err = r.Execute(ctx, p, "click", json.RawMessage(`{"selector":""}`))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestCookieRoundTrip(t *testing.T) {
	r := newRegistry()
	p, _, _ := newTestPage(t)
	ctx := context.Background()

	_, err := r.Execute(ctx, p, "setCookies",
		json.RawMessage(`{"cookies":[{"name":"sid","value":"abc","domain":"example.com"}]}`))
	require.NoError(t, err)

	res, err := r.Execute(ctx, p, "getCookies", nil)
	require.NoError(t, err)
	got := res.(CookiesResult)
	require.Len(t, got.Cookies, 1)
	assert.Equal(t, "sid", got.Cookies[0].Name)

	_, err = r.Execute(ctx, p, "clearCookies", nil)
	require.NoError(t, err)

	res, err = r.Execute(ctx, p, "getCookies", nil)
	require.NoError(t, err)
	assert.Empty(t, res.(CookiesResult).Cookies)
}

func TestSetCookiesValidation(t *testing.T) {
	r := newRegistry()
	p, _, _ := newTestPage(t)

	_, err := r.Execute(context.Background(), p, "setCookies",
		json.RawMessage(`{"cookies":[]}`))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = r.Execute(context.Background(), p, "setCookies",
		json.RawMessage(`{"cookies":[{"value":"nameless"}]}`))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestCookieOperations(t *testing.T) {
	r := newRegistry()
	p, _, _ := newTestPage(t)
	ctx := context.Background()

	_, err := r.Execute(ctx, p, "cookie",
		json.RawMessage(`{"operation":"set","cookies":[{"name":"sid","value":"abc","domain":"example.com"}]}`))
	require.NoError(t, err)

	res, err := r.Execute(ctx, p, "cookie", json.RawMessage(`{"operation":"get"}`))
	require.NoError(t, err)
	got := res.(CookiesResult)
	require.Len(t, got.Cookies, 1)
	assert.Equal(t, "sid", got.Cookies[0].Name)

	_, err = r.Execute(ctx, p, "cookie", json.RawMessage(`{"operation":"clear"}`))
	require.NoError(t, err)

	res, err = r.Execute(ctx, p, "cookie", json.RawMessage(`{"operation":"get"}`))
	require.NoError(t, err)
	assert.Empty(t, res.(CookiesResult).Cookies)
}

func TestCookieOperationValidation(t *testing.T) {
	r := newRegistry()
	p, _, _ := newTestPage(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args string
	}{
		{"unknown operation", `{"operation":"bake"}`},
		{"missing operation", `{}`},
		{"get with cookies", `{"operation":"get","cookies":[{"name":"a","value":"b"}]}`},
		{"clear with cookies", `{"operation":"clear","cookies":[{"name":"a","value":"b"}]}`},
		{"set without cookies", `{"operation":"set"}`},
		{"delete nameless cookie", `{"operation":"delete","cookies":[{"value":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(ctx, p, "cookie", json.RawMessage(tt.args))
			require.Error(t, err)
			assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
		})
	}
}

func TestCloseAction(t *testing.T) {
	p, fakePage, pages := newTestPage(t)
	r := NewRegistry(Options{
		DefaultTimeout:    5 * time.Second,
		MaxTimeout:        10 * time.Second,
		NavigationTimeout: 5 * time.Second,
		Pages:             pages,
	})
	ctx := context.Background()

	res, err := r.Execute(ctx, p, "close", nil)
	require.NoError(t, err)
	assert.Equal(t, types.OKResponse{OK: true}, res)
	assert.EqualValues(t, 1, fakePage.CloseCount())

	// The page is gone from the manager, so a repeat close is not found.
	_, err = r.Execute(ctx, p, "close", nil)
	assert.ErrorIs(t, err, types.ErrPageNotFound)
}

func TestCatalog(t *testing.T) {
	r := newRegistry()

	catalog := r.Catalog()
	require.NotEmpty(t, catalog)

	names := make(map[string]types.ActionInfo, len(catalog))
	for i := 1; i < len(catalog); i++ {
		assert.Less(t, catalog[i-1].Name, catalog[i].Name, "catalog must be sorted")
	}
	for _, info := range catalog {
		names[info.Name] = info
	}

	nav, ok := names["navigate"]
	require.True(t, ok)
	assert.Equal(t, []string{"url"}, nav.Required)
	assert.Contains(t, nav.Optional, "waitUntil")

	eval, ok := names["evaluate"]
	require.True(t, ok)
	assert.Empty(t, eval.Required)
	assert.Contains(t, eval.Optional, "expression")
	assert.Contains(t, eval.Optional, "code")

	for _, expected := range []string{"evaluate", "screenshot", "pdf", "getContent", "click", "type", "waitForSelector", "cookie", "close", "getCookies", "setCookies", "clearCookies", "getMetrics"} {
		assert.Contains(t, names, expected)
	}
}

func TestViewportValidation(t *testing.T) {
	r := newRegistry()
	p, _, _ := newTestPage(t)

	_, err := r.Execute(context.Background(), p, "setViewport",
		json.RawMessage(`{"width":0,"height":600}`))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = r.Execute(context.Background(), p, "setViewport",
		json.RawMessage(`{"width":1280,"height":720}`))
	assert.NoError(t, err)
}

func TestSetExtraHeadersValidation(t *testing.T) {
	r := newRegistry()
	p, _, _ := newTestPage(t)

	// Headers that could bypass security controls are blocked.
	_, err := r.Execute(context.Background(), p, "setExtraHeaders",
		json.RawMessage(`{"headers":{"Cookie":"a=b"}}`))
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))

	_, err = r.Execute(context.Background(), p, "setExtraHeaders",
		json.RawMessage(`{"headers":{"X-Custom-Tag":"alpha"}}`))
	assert.NoError(t, err)
}
