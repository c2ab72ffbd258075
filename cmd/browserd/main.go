// Package main provides the entry point for browserd.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/Rorqualx/browserd/internal/config"
	"github.com/Rorqualx/browserd/internal/core"
	"github.com/Rorqualx/browserd/internal/driver"
	"github.com/Rorqualx/browserd/internal/handlers"
	"github.com/Rorqualx/browserd/internal/middleware"
	"github.com/Rorqualx/browserd/internal/ws"
	"github.com/Rorqualx/browserd/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible.
	setupLogging(cfg.LogLevel)

	cfg.Validate()

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting browserd")

	c, err := core.New(cfg, driver.NewRodDriver(), version.Full())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble core")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := c.Start(startCtx); err != nil {
		cancelStart()
		log.Fatal().Err(err).Msg("Failed to start core")
	}
	cancelStart()

	handler := handlers.New(handlers.Options{Core: c})

	// Middleware chain, outermost first: panics are caught around
	// everything, then every request is logged, then limited.
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
	}

	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		chain = append(chain, rateLimiter.Handler())
	}

	chain = append(chain,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
		middleware.SecurityHeaders,
		middleware.Timeout(cfg.MaxTimeout+10*time.Second),
	)

	// The WebSocket endpoint bypasses the wrapped chain: the timeout and
	// logging writers hide http.Hijacker, which the upgrade needs.
	root := http.NewServeMux()
	root.Handle("GET /v1/ws", middleware.Recovery(ws.NewServer(c, cfg.CORSAllowedOrigins)))
	root.Handle("/", middleware.Chain(chain...)(handler))

	finalHandler := root

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Handler:      finalHandler,
		ReadTimeout:  cfg.MaxTimeout + 20*time.Second,
		WriteTimeout: cfg.MaxTimeout + 20*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("address", addr).Msg("Failed to listen")
	}
	if cfg.MaxConns > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConns)
	}

	go func() {
		log.Info().
			Str("address", addr).
			Int("min_browsers", cfg.MinBrowsers).
			Int("max_browsers", cfg.MaxBrowsers).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("browserd is ready to accept requests")

		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	if rateLimiter != nil {
		rateLimiter.Close()
	}

	if err := c.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Core shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
