package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/browserd/internal/auth"
	"github.com/Rorqualx/browserd/internal/config"
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
	cfg.APIKeys = []string{"ops:sekret:svc-ops:admin"}
	return cfg
}

func newTestCore(t *testing.T) (*Core, *drivertest.FakeDriver) {
	t.Helper()
	fake := drivertest.NewFakeDriver()

	c, err := New(testConfig(), fake, "test")
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, fake
}

func login(t *testing.T, c *Core) (types.CreateSessionResponse, auth.Principal) {
	t.Helper()
	resp, err := c.CreateSession(types.CreateSessionRequest{Username: "demo", Password: "demo123!"})
	require.NoError(t, err)

	p, err := c.Authenticate("Bearer "+resp.AccessToken, "", "")
	require.NoError(t, err)
	return resp, p
}

func TestSessionLifecycle(t *testing.T) {
	c, _ := newTestCore(t)

	resp, p := login(t, c)
	assert.Equal(t, resp.SessionID, p.SessionID)
	assert.NotEmpty(t, resp.RefreshToken)

	sessions := c.ListSessions(p)
	require.Len(t, sessions, 1)
	assert.Equal(t, resp.SessionID, sessions[0].SessionID)

	require.NoError(t, c.DeleteSession(context.Background(), p, resp.SessionID))
	assert.Empty(t, c.ListSessions(p))

	_, err := c.Authenticate("Bearer "+resp.AccessToken, "", "")
	assert.Error(t, err, "tokens die with the session")
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	c, _ := newTestCore(t)

	_, err := c.CreateSession(types.CreateSessionRequest{Username: "demo", Password: "wrong"})
	assert.ErrorIs(t, err, types.ErrInvalidCredentials)

	_, err = c.CreateSession(types.CreateSessionRequest{Username: "", Password: "x"})
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestRefreshRotation(t *testing.T) {
	c, _ := newTestCore(t)
	resp, _ := login(t, c)

	next, err := c.Refresh(types.RefreshRequest{RefreshToken: resp.RefreshToken})
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, next.SessionID)
	assert.NotEqual(t, resp.RefreshToken, next.RefreshToken)

	// The old refresh token is single use.
	_, err = c.Refresh(types.RefreshRequest{RefreshToken: resp.RefreshToken})
	assert.Error(t, err)
}

func TestExecuteFlow(t *testing.T) {
	c, fake := newTestCore(t)
	_, p := login(t, c)
	ctx := context.Background()

	summary, err := c.CreateContext(p, "scraper", nil)
	require.NoError(t, err)
	assert.Equal(t, "active", summary.Status)

	resp, err := c.Execute(ctx, p, summary.ContextID, types.ExecuteRequest{
		Action: "navigate",
		Args:   json.RawMessage(`{"url":"https://example.com/"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "navigate", resp.Action)

	fakePage := fake.Browsers()[0].Pages()[0]
	assert.Equal(t, []string{"https://example.com/"}, fakePage.NavigatedTo())

	pages := c.ListPages(p)
	require.Len(t, pages, 1)
	assert.Equal(t, summary.ContextID, pages[0].ContextID)

	require.NoError(t, c.CloseContext(ctx, p, summary.ContextID))
	_, err = c.Execute(ctx, p, summary.ContextID, types.ExecuteRequest{Action: "getContent"})
	assert.ErrorIs(t, err, types.ErrContextClosed)
}

func TestExecuteUnknownAction(t *testing.T) {
	c, _ := newTestCore(t)
	_, p := login(t, c)

	summary, err := c.CreateContext(p, "", nil)
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), p, summary.ContextID, types.ExecuteRequest{Action: "levitate"})
	assert.ErrorIs(t, err, types.ErrUnknownAction)
}

func TestDeleteSessionCascades(t *testing.T) {
	c, fake := newTestCore(t)
	resp, p := login(t, c)
	ctx := context.Background()

	summary, err := c.CreateContext(p, "", nil)
	require.NoError(t, err)
	_, err = c.Execute(ctx, p, summary.ContextID, types.ExecuteRequest{Action: "getContent"})
	require.NoError(t, err)
	require.Len(t, c.ListPages(p), 1)

	require.NoError(t, c.DeleteSession(ctx, p, resp.SessionID))

	assert.Empty(t, c.ListPages(p))
	assert.EqualValues(t, 1, fake.Browsers()[0].Pages()[0].CloseCount())
}

func TestDeleteForeignSessionNeedsAdmin(t *testing.T) {
	c, _ := newTestCore(t)
	resp, _ := login(t, c)

	// Second session for the same user, authenticated separately.
	other, p2 := login(t, c)
	require.NotEqual(t, resp.SessionID, other.SessionID)

	err := c.DeleteSession(context.Background(), p2, resp.SessionID)
	assert.ErrorIs(t, err, types.ErrNotOwner)

	// The admin API key may delete anyone's session.
	admin, err := c.Authenticate("", "ops.sekret", "")
	require.NoError(t, err)
	require.NoError(t, c.DeleteSession(context.Background(), admin, resp.SessionID))
}

func TestCatalogAndHealth(t *testing.T) {
	c, _ := newTestCore(t)

	cat := c.Catalog()
	assert.NotEmpty(t, cat.Actions)
	assert.Contains(t, cat.Transports, "websocket")
	assert.Contains(t, cat.AuthMethods, "bearer")

	h := c.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.NotNil(t, h.Metrics)
}
