package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/browserd/internal/auth"
	"github.com/Rorqualx/browserd/internal/config"
	"github.com/Rorqualx/browserd/internal/core"
	"github.com/Rorqualx/browserd/internal/driver/drivertest"
	"github.com/Rorqualx/browserd/internal/types"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.MinBrowsers = 1
	cfg.MaxBrowsers = 2
	cfg.AcquireTimeout = time.Second
	cfg.HealthCheckInterval = time.Hour
	cfg.ScaleInterval = time.Hour
	cfg.SessionPurgeInterval = time.Hour
	cfg.PageIdleSweepInterval = time.Hour
	cfg.DemoUserEnabled = true
	cfg.DemoUsername = "demo"
	cfg.DemoPassword = "demo123!"
	return cfg
}

type fixture struct {
	core *core.Core
	fake *drivertest.FakeDriver
	srv  *httptest.Server
	url  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := drivertest.NewFakeDriver()

	c, err := core.New(testConfig(), fake, "test")
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	srv := httptest.NewServer(NewServer(c, nil))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})

	return &fixture{
		core: c,
		fake: fake,
		srv:  srv,
		url:  "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *fixture) dial(t *testing.T, headers http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.url, headers)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) loginHeaders(t *testing.T) (types.CreateSessionResponse, http.Header) {
	t.Helper()
	resp, err := f.core.CreateSession(types.CreateSessionRequest{Username: "demo", Password: "demo123!"})
	require.NoError(t, err)
	return resp, http.Header{"Authorization": []string{"Bearer " + resp.AccessToken}}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestDialWithoutCredentialsRejected(t *testing.T) {
	f := newFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestExecuteOverWebSocket(t *testing.T) {
	f := newFixture(t)
	resp, headers := f.loginHeaders(t)

	summary, err := f.core.CreateContext(mustPrincipal(t, f, resp), "scraper", nil)
	require.NoError(t, err)

	conn := f.dial(t, headers)

	payload, _ := json.Marshal(ExecutePayload{
		ContextID: summary.ContextID,
		Action:    "navigate",
		Args:      json.RawMessage(`{"url":"https://example.com/"}`),
	})
	require.NoError(t, conn.WriteJSON(Frame{ID: "1", Type: "execute", Payload: payload}))

	frame := readFrame(t, conn)
	assert.Equal(t, "1", frame.ID)
	require.Equal(t, "result", frame.Type)

	var result types.ExecuteResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &result))
	assert.Equal(t, "navigate", result.Action)

	fakePage := f.fake.Browsers()[0].Pages()[0]
	assert.Equal(t, []string{"https://example.com/"}, fakePage.NavigatedTo())
}

func TestExecuteUnknownContext(t *testing.T) {
	f := newFixture(t)
	_, headers := f.loginHeaders(t)

	conn := f.dial(t, headers)

	payload, _ := json.Marshal(ExecutePayload{ContextID: "missing", Action: "getContent"})
	require.NoError(t, conn.WriteJSON(Frame{ID: "7", Type: "execute", Payload: payload}))

	frame := readFrame(t, conn)
	assert.Equal(t, "7", frame.ID)
	require.Equal(t, "error", frame.Type)

	var errResp types.ErrorResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &errResp))
	assert.Equal(t, types.CodeNotFound, errResp.Code)
}

func TestUnknownFrameType(t *testing.T) {
	f := newFixture(t)
	_, headers := f.loginHeaders(t)

	conn := f.dial(t, headers)
	require.NoError(t, conn.WriteJSON(Frame{ID: "9", Type: "teleport"}))

	frame := readFrame(t, conn)
	assert.Equal(t, "9", frame.ID)
	require.Equal(t, "error", frame.Type)

	var errResp types.ErrorResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &errResp))
	assert.Equal(t, types.CodeInvalidArgument, errResp.Code)
}

func TestPingFrame(t *testing.T) {
	f := newFixture(t)
	_, headers := f.loginHeaders(t)

	conn := f.dial(t, headers)
	require.NoError(t, conn.WriteJSON(Frame{ID: "p1", Type: "ping"}))

	frame := readFrame(t, conn)
	assert.Equal(t, "p1", frame.ID)
	assert.Equal(t, "pong", frame.Type)
}

// mustPrincipal resolves the principal for a freshly created session.
func mustPrincipal(t *testing.T, f *fixture, resp types.CreateSessionResponse) auth.Principal {
	t.Helper()
	principal, err := f.core.Authenticate("Bearer "+resp.AccessToken, "", "")
	require.NoError(t, err)
	return principal
}
