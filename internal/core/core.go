// Package core wires the subsystems together and exposes the operations
// the transports call: session and context lifecycle, action execution,
// and health reporting. All ownership checks happen here or below; the
// transports only move bytes.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/actions"
	"github.com/Rorqualx/browserd/internal/auth"
	"github.com/Rorqualx/browserd/internal/breaker"
	"github.com/Rorqualx/browserd/internal/browser"
	"github.com/Rorqualx/browserd/internal/config"
	"github.com/Rorqualx/browserd/internal/contexts"
	"github.com/Rorqualx/browserd/internal/driver"
	"github.com/Rorqualx/browserd/internal/events"
	"github.com/Rorqualx/browserd/internal/health"
	"github.com/Rorqualx/browserd/internal/ids"
	"github.com/Rorqualx/browserd/internal/metrics"
	"github.com/Rorqualx/browserd/internal/page"
	"github.com/Rorqualx/browserd/internal/scaling"
	"github.com/Rorqualx/browserd/internal/session"
	"github.com/Rorqualx/browserd/internal/types"
)

// RoleAdmin may manage other users' sessions.
const RoleAdmin = "admin"

// Core owns every subsystem. Build with New, then Start.
type Core struct {
	cfg *config.Config

	Bus      *events.Bus
	Sessions *session.Store
	Users    *auth.Registry
	Keys     *auth.KeyStore
	Verifier *auth.Verifier
	Pool     *browser.Pool
	Pages    *page.Manager
	Contexts *contexts.Manager
	Actions  *actions.Registry
	Scaler   *scaling.Scaler
	Monitor  *health.Monitor
	Metrics  *metrics.Registry

	policyFile *scaling.PolicyFile
	version    string
}

// New assembles the core from configuration. The driver is injected so
// tests can run against a fake.
func New(cfg *config.Config, drv driver.Driver, version string) (*Core, error) {
	c := &Core{cfg: cfg, version: version}
	c.Bus = events.NewBus()
	clock := ids.SystemClock{}
	gen := ids.UUIDGenerator{}

	secret := cfg.TokenSecret
	if secret == "" {
		var err error
		secret, err = ids.NewToken(32)
		if err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}

	launchBreaker := breaker.New(breaker.Options{
		Name:           "browser-launch",
		ErrorThreshold: cfg.BreakerErrorThreshold,
		ErrorWindow:    cfg.BreakerErrorWindow,
		OpenDuration:   cfg.BreakerOpenDuration,
		HalfOpenProbes: cfg.BreakerHalfOpenProbes,
		Clock:          clock,
		Bus:            c.Bus,
	})
	pageBreaker := breaker.New(breaker.Options{
		Name:           "page-create",
		ErrorThreshold: cfg.BreakerErrorThreshold,
		ErrorWindow:    cfg.BreakerErrorWindow,
		OpenDuration:   cfg.BreakerOpenDuration,
		HalfOpenProbes: cfg.BreakerHalfOpenProbes,
		Clock:          clock,
		Bus:            c.Bus,
	})

	c.Pool = browser.NewPool(browser.Options{
		Driver: drv,
		Launch: driver.LaunchOptions{
			Headless:         cfg.Headless,
			BrowserPath:      cfg.BrowserPath,
			Stealth:          cfg.Stealth,
			ProxyServer:      cfg.ProxyServer,
			IgnoreCertErrors: cfg.IgnoreCertErrors,
			UserAgent:        cfg.UserAgent,
		},
		MinBrowsers:         cfg.MinBrowsers,
		MaxBrowsers:         cfg.MaxBrowsers,
		MaxPagesPerBrowser:  cfg.MaxPagesPerBrowser,
		AcquireTimeout:      cfg.AcquireTimeout,
		AcquireQueueSize:    cfg.AcquireQueueSize,
		HealthCheckInterval: cfg.HealthCheckInterval,
		LaunchRetries:       cfg.LaunchRetries,
		DrainTimeout:        cfg.DrainTimeout,
		Clock:               clock,
		IDs:                 gen,
		Bus:                 c.Bus,
		LaunchBreaker:       launchBreaker,
		PageBreaker:         pageBreaker,
	})

	c.Pages = page.NewManager(page.Options{
		Pool:          c.Pool,
		IdleThreshold: cfg.PageIdleThreshold,
		SweepInterval: cfg.PageIdleSweepInterval,
		Clock:         clock,
		IDs:           gen,
		Bus:           c.Bus,
	})

	c.Sessions = session.NewStore(session.Options{
		TTL:           cfg.SessionTTL,
		MaxTTL:        24 * time.Hour,
		PurgeInterval: cfg.SessionPurgeInterval,
		MaxSessions:   cfg.MaxSessions,
		Clock:         clock,
		IDs:           gen,
		Bus:           c.Bus,
		OnExpire:      c.onSessionExpired,
		OnPurge: func() {
			// Verifier is assembled after the store but well before the
			// first purge tick fires.
			if c.Verifier != nil {
				c.Verifier.PruneExpired()
			}
		},
	})

	c.Users = auth.NewRegistry()
	if cfg.DemoUserEnabled {
		if err := c.Users.Add("demo", cfg.DemoUsername, cfg.DemoPassword, []string{"user"}); err != nil {
			return nil, fmt.Errorf("add demo user: %w", err)
		}
	}

	c.Keys = auth.NewKeyStore()
	c.Keys.LoadFromSpecs(cfg.APIKeys)

	tokens := auth.NewTokenIssuer(secret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, clock)
	c.Verifier = auth.NewVerifier(c.Users, c.Keys, tokens, c.Sessions, c.Bus, clock)

	c.Contexts = contexts.NewManager(contexts.Options{
		Pool:  c.Pool,
		Pages: c.Pages,
		Clock: clock,
		IDs:   gen,
		Bus:   c.Bus,
	})

	c.Actions = actions.NewRegistry(actions.Options{
		DefaultTimeout:    cfg.DefaultTimeout,
		MaxTimeout:        cfg.MaxTimeout,
		NavigationTimeout: cfg.NavigationTimeout,
		Pages:             c.Pages,
	})

	policyFile, err := scaling.NewPolicyFile(cfg.PolicyPath, cfg.PolicyHotReload, c.Bus)
	if err != nil {
		return nil, fmt.Errorf("load scaling policy: %w", err)
	}
	c.policyFile = policyFile

	c.Scaler = scaling.NewScaler(scaling.Options{
		Pool:     c.Pool,
		Policy:   policyFile,
		Interval: cfg.ScaleInterval,
		Clock:    clock,
		Bus:      c.Bus,
	})

	c.Metrics = metrics.NewRegistry(metrics.Options{
		Bus:      c.Bus,
		Pool:     c.Pool,
		Sessions: c.Sessions,
		Pages:    c.Pages,
		Version:  version,
	})

	c.Monitor = health.NewMonitor(health.Options{
		Pool:    c.Pool,
		Pages:   c.Pages,
		Bus:     c.Bus,
		Metrics: c.Metrics,
		Clock:   clock,
		Version: version,
	})

	return c, nil
}

// Start warms the pool and launches the background loops.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Pool.Start(ctx); err != nil {
		return err
	}
	c.Monitor.Start()
	c.Scaler.Start()
	log.Info().Str("version", c.version).Msg("Core started")
	return nil
}

// Shutdown stops background work and tears resources down, loops first so
// nothing fights the teardown.
func (c *Core) Shutdown(ctx context.Context) error {
	c.Scaler.Close()
	c.Monitor.Close()
	c.Pages.Stop()
	c.Sessions.Close()
	err := c.Pool.Close(ctx)
	c.Metrics.Close()
	if c.policyFile != nil {
		_ = c.policyFile.Close()
	}
	c.Bus.Close()
	log.Info().Msg("Core stopped")
	return err
}

// onSessionExpired is the expiry cascade: contexts, pages, browser
// binding, and issued tokens all go with the session.
func (c *Core) onSessionExpired(rec *session.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c.Contexts.CloseForSession(ctx, rec.ID)
	c.Pool.EndSession(ctx, rec.ID)
	c.Verifier.RevokeSession(rec.ID)
}

// Authenticate resolves request credentials to a principal.
// Precedence: bearer token, then API key, then session ID.
func (c *Core) Authenticate(authorization, apiKey, sessionID string) (auth.Principal, error) {
	return c.Verifier.FromHeaders(authorization, apiKey, sessionID)
}

// CreateSession authenticates the user and opens a session with tokens.
func (c *Core) CreateSession(req types.CreateSessionRequest) (types.CreateSessionResponse, error) {
	if req.Username == "" || len(req.Username) > types.MaxUsernameLength {
		return types.CreateSessionResponse{}, types.E(types.CodeInvalidArgument, "username is required and bounded", types.ErrInvalidArgument)
	}
	if req.Password == "" || len(req.Password) > types.MaxPasswordLength {
		return types.CreateSessionResponse{}, types.E(types.CodeInvalidArgument, "password is required and bounded", types.ErrInvalidArgument)
	}

	ttl := time.Duration(req.Duration) * time.Second
	rec, pair, err := c.Verifier.Login(req.Username, req.Password, ttl)
	if err != nil {
		return types.CreateSessionResponse{}, err
	}
	return types.CreateSessionResponse{
		SessionID:    rec.ID,
		UserID:       rec.UserID,
		Roles:        rec.Roles,
		ExpiresAt:    rec.ExpiresAt,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// Refresh trades a refresh token for a new token pair. Single use; the
// old refresh token is dead after this call.
func (c *Core) Refresh(req types.RefreshRequest) (types.CreateSessionResponse, error) {
	if req.RefreshToken == "" {
		return types.CreateSessionResponse{}, types.E(types.CodeInvalidArgument, "refreshToken is required", types.ErrInvalidArgument)
	}
	rec, pair, err := c.Verifier.Refresh(req.RefreshToken)
	if err != nil {
		return types.CreateSessionResponse{}, err
	}
	return types.CreateSessionResponse{
		SessionID:    rec.ID,
		UserID:       rec.UserID,
		Roles:        rec.Roles,
		ExpiresAt:    rec.ExpiresAt,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// DeleteSession destroys a session and everything it owns. Users may
// destroy their own session; admins may destroy any.
func (c *Core) DeleteSession(ctx context.Context, p auth.Principal, sessionID string) error {
	if sessionID != p.SessionID && !p.HasRole(RoleAdmin) {
		return types.ErrNotOwner
	}
	if _, err := c.Sessions.Get(sessionID); err != nil {
		return err
	}

	c.Contexts.CloseForSession(ctx, sessionID)
	c.Pool.EndSession(ctx, sessionID)
	c.Verifier.RevokeSession(sessionID)
	if _, err := c.Sessions.Delete(sessionID); err != nil {
		return err
	}
	log.Info().Str("session_id", sessionID).Str("by", p.UserID).Msg("Session deleted")
	return nil
}

// ListSessions returns the caller's sessions, or every session for admins.
func (c *Core) ListSessions(p auth.Principal) []types.SessionSummary {
	if p.HasRole(RoleAdmin) {
		return c.Sessions.List()
	}
	return c.Sessions.ListByUser(p.UserID)
}

// CreateContext opens a context in the caller's session.
func (c *Core) CreateContext(p auth.Principal, name string, options []byte) (types.ContextSummary, error) {
	if len(name) > types.MaxContextNameLen {
		return types.ContextSummary{}, types.E(types.CodeInvalidArgument, "context name too long", types.ErrInvalidArgument)
	}
	rec, err := c.Contexts.Create(p.SessionID, name, options)
	if err != nil {
		return types.ContextSummary{}, err
	}
	return rec.Summary(), nil
}

// ListContexts lists the caller's contexts, tombstones included.
func (c *Core) ListContexts(p auth.Principal) []types.ContextSummary {
	return c.Contexts.List(p.SessionID)
}

// CloseContext closes one of the caller's contexts.
func (c *Core) CloseContext(ctx context.Context, p auth.Principal, contextID string) error {
	return c.Contexts.Close(ctx, p.SessionID, contextID)
}

// Execute runs one action inside the caller's context.
func (c *Core) Execute(ctx context.Context, p auth.Principal, contextID string, req types.ExecuteRequest) (types.ExecuteResponse, error) {
	name := strings.TrimSpace(req.Action)
	if name == "" {
		return types.ExecuteResponse{}, types.E(types.CodeInvalidArgument, "action is required", types.ErrInvalidArgument)
	}

	result, err := c.Contexts.Execute(ctx, p.SessionID, contextID, func(pg *page.Page) (any, error) {
		return c.Actions.Execute(ctx, pg, name, req.Args)
	})
	if err != nil {
		return types.ExecuteResponse{}, err
	}
	return types.ExecuteResponse{Action: name, Result: result}, nil
}

// ListPages lists the caller's open pages.
func (c *Core) ListPages(p auth.Principal) []types.PageSummary {
	return c.Pages.ListForSession(p.SessionID)
}

// Health produces the health report.
func (c *Core) Health() types.HealthResponse {
	return c.Monitor.Evaluate()
}

// Catalog describes the action surface.
func (c *Core) Catalog() types.CatalogResponse {
	return types.CatalogResponse{
		Actions:     c.Actions.Catalog(),
		Transports:  []string{"http", "websocket"},
		AuthMethods: []string{auth.MethodBearer, auth.MethodAPIKey, auth.MethodSession},
	}
}
