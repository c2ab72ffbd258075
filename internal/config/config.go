// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/security"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxBrowsers     = 64
	maxPagesPerBrowser = 100
	maxMaxSessions     = 10000
	maxTimeout         = 10 * time.Minute
	maxRateLimitRPM    = 10000
	minTokenSecretLen  = 32
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host            string
	Port            int
	MaxConns        int // concurrent connection cap on the listener
	ShutdownTimeout time.Duration

	// Browser launch settings
	Headless         bool
	BrowserPath      string
	Stealth          bool
	ProxyServer      string
	IgnoreCertErrors bool
	UserAgent        string

	// Pool settings
	MinBrowsers         int
	MaxBrowsers         int
	MaxPagesPerBrowser  int
	AcquireTimeout      time.Duration
	AcquireQueueSize    int
	HealthCheckInterval time.Duration
	LaunchRetries       int

	// Page lifecycle
	PageIdleSweepInterval time.Duration
	PageIdleThreshold     time.Duration
	NavigationTimeout     time.Duration

	// Session settings
	SessionTTL           time.Duration
	SessionPurgeInterval time.Duration
	MaxSessions          int

	// Auth settings
	TokenSecret     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	APIKeys         []string // entries of the form keyID:secret:userID:role1|role2
	DemoUserEnabled bool
	DemoUsername    string
	DemoPassword    string

	// Request timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Circuit breaker
	BreakerErrorThreshold int
	BreakerErrorWindow    time.Duration
	BreakerOpenDuration   time.Duration
	BreakerHalfOpenProbes int

	// Scaling & recycling (defaults; the policy file overrides at runtime)
	ScaleInterval        time.Duration
	ScaleUpThreshold     float64
	ScaleDownThreshold   float64
	ScaleCooldown        time.Duration
	MaxScaleStep         int
	SampleWindow         int
	RecycleAfterPages    int64
	RecycleAfterAge      time.Duration
	RecycleAfterMemoryMB int
	RecycleAfterErrors   int64
	DrainTimeout         time.Duration
	PolicyPath           string
	PolicyHotReload      bool

	// Event bus
	EventQueueSize int

	// Logging
	LogLevel string

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	CORSAllowedOrigins []string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure).
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces.
		Host:            getEnvString("HOST", "127.0.0.1"),
		Port:            getEnvInt("PORT", 8377),
		MaxConns:        getEnvInt("MAX_CONNS", 512),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		// Browser
		Headless:         getEnvBool("HEADLESS", true),
		BrowserPath:      getEnvString("BROWSER_PATH", ""),
		Stealth:          getEnvBool("STEALTH", false),
		ProxyServer:      getEnvString("PROXY_SERVER", ""),
		IgnoreCertErrors: getEnvBool("IGNORE_CERT_ERRORS", false),
		UserAgent:        getEnvString("USER_AGENT", ""),

		// Pool
		MinBrowsers:         getEnvInt("MIN_BROWSERS", 1),
		MaxBrowsers:         getEnvInt("MAX_BROWSERS", 4),
		MaxPagesPerBrowser:  getEnvInt("MAX_PAGES_PER_BROWSER", 10),
		AcquireTimeout:      getEnvDuration("ACQUIRE_TIMEOUT", 30*time.Second),
		AcquireQueueSize:    getEnvInt("ACQUIRE_QUEUE_SIZE", 64),
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		LaunchRetries:       getEnvInt("LAUNCH_RETRIES", 2),

		// Pages
		PageIdleSweepInterval: getEnvDuration("PAGE_IDLE_SWEEP_INTERVAL", 5*time.Minute),
		PageIdleThreshold:     getEnvDuration("PAGE_IDLE_THRESHOLD", 30*time.Minute),
		NavigationTimeout:     getEnvDuration("NAVIGATION_TIMEOUT", 30*time.Second),

		// Sessions
		SessionTTL:           getEnvDuration("SESSION_TTL", 1*time.Hour),
		SessionPurgeInterval: getEnvDuration("SESSION_PURGE_INTERVAL", 60*time.Second),
		MaxSessions:          getEnvInt("MAX_SESSIONS", 1000),

		// Auth
		TokenSecret:     getEnvString("TOKEN_SECRET", ""),
		AccessTokenTTL:  getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getEnvDuration("REFRESH_TOKEN_TTL", 24*time.Hour),
		APIKeys:         getEnvStringSlice("API_KEYS", nil),
		DemoUserEnabled: getEnvBool("DEMO_USER_ENABLED", false),
		DemoUsername:    getEnvString("DEMO_USERNAME", "demo"),
		DemoPassword:    getEnvString("DEMO_PASSWORD", "demo123!"),

		// Timeouts
		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 60*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		// Breakers
		BreakerErrorThreshold: getEnvInt("BREAKER_ERROR_THRESHOLD", 10),
		BreakerErrorWindow:    getEnvDuration("BREAKER_ERROR_WINDOW", 60*time.Second),
		BreakerOpenDuration:   getEnvDuration("BREAKER_OPEN_DURATION", 30*time.Second),
		BreakerHalfOpenProbes: getEnvInt("BREAKER_HALF_OPEN_PROBES", 3),

		// Scaling
		ScaleInterval:        getEnvDuration("SCALE_INTERVAL", 30*time.Second),
		ScaleUpThreshold:     getEnvFloat("SCALE_UP_THRESHOLD", 0.8),
		ScaleDownThreshold:   getEnvFloat("SCALE_DOWN_THRESHOLD", 0.3),
		ScaleCooldown:        getEnvDuration("SCALE_COOLDOWN", 2*time.Minute),
		MaxScaleStep:         getEnvInt("MAX_SCALE_STEP", 2),
		SampleWindow:         getEnvInt("SAMPLE_WINDOW", 5),
		RecycleAfterPages:    int64(getEnvInt("RECYCLE_AFTER_PAGES", 500)),
		RecycleAfterAge:      getEnvDuration("RECYCLE_AFTER_AGE", 1*time.Hour),
		RecycleAfterMemoryMB: getEnvInt("RECYCLE_AFTER_MEMORY_MB", 1024),
		RecycleAfterErrors:   int64(getEnvInt("RECYCLE_AFTER_ERRORS", 50)),
		DrainTimeout:         getEnvDuration("DRAIN_TIMEOUT", 60*time.Second),
		PolicyPath:           getEnvString("POLICY_PATH", ""),
		PolicyHotReload:      getEnvBool("POLICY_HOT_RELOAD", false),

		// Events
		EventQueueSize: getEnvInt("EVENT_QUEUE_SIZE", 256),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Security
		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8377")
		c.Port = 8377
	}

	// BrowserPath validation - prevent path traversal
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().Str("path", c.BrowserPath).Msg("BrowserPath contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	// Local proxies are allowed; only the scheme and shape are checked.
	if err := security.ValidateProxyURL(c.ProxyServer, true); err != nil {
		log.Error().Str("proxy", security.RedactProxyURL(c.ProxyServer)).Err(err).Msg("Invalid proxy server URL, ignoring")
		c.ProxyServer = ""
	}

	// Pool bounds
	if c.MaxBrowsers < 1 {
		log.Warn().Int("max", c.MaxBrowsers).Msg("Invalid max browsers, using default 4")
		c.MaxBrowsers = 4
	} else if c.MaxBrowsers > maxMaxBrowsers {
		log.Warn().Int("max", c.MaxBrowsers).Int("cap", maxMaxBrowsers).Msg("Max browsers too large, capping")
		c.MaxBrowsers = maxMaxBrowsers
	}
	if c.MinBrowsers < 0 {
		c.MinBrowsers = 0
	}
	if c.MinBrowsers > c.MaxBrowsers {
		log.Warn().Int("min", c.MinBrowsers).Int("max", c.MaxBrowsers).Msg("Min browsers exceeds max, clamping to max")
		c.MinBrowsers = c.MaxBrowsers
	}
	if c.MaxPagesPerBrowser < 1 {
		log.Warn().Int("pages", c.MaxPagesPerBrowser).Msg("Invalid pages per browser, using 10")
		c.MaxPagesPerBrowser = 10
	} else if c.MaxPagesPerBrowser > maxPagesPerBrowser {
		log.Warn().Int("pages", c.MaxPagesPerBrowser).Int("cap", maxPagesPerBrowser).Msg("Pages per browser too large, capping")
		c.MaxPagesPerBrowser = maxPagesPerBrowser
	}
	if c.AcquireQueueSize < 1 {
		log.Warn().Int("size", c.AcquireQueueSize).Msg("Invalid acquire queue size, using 64")
		c.AcquireQueueSize = 64
	}
	if c.LaunchRetries < 0 || c.LaunchRetries > 5 {
		log.Warn().Int("retries", c.LaunchRetries).Msg("Invalid launch retries, using 2")
		c.LaunchRetries = 2
	}

	clampDuration(&c.AcquireTimeout, time.Second, 5*time.Minute, "ACQUIRE_TIMEOUT")
	clampDuration(&c.HealthCheckInterval, 5*time.Second, 10*time.Minute, "HEALTH_CHECK_INTERVAL")
	clampDuration(&c.PageIdleSweepInterval, 10*time.Second, time.Hour, "PAGE_IDLE_SWEEP_INTERVAL")
	clampDuration(&c.PageIdleThreshold, time.Minute, 24*time.Hour, "PAGE_IDLE_THRESHOLD")
	clampDuration(&c.NavigationTimeout, time.Second, maxTimeout, "NAVIGATION_TIMEOUT")
	clampDuration(&c.SessionTTL, time.Minute, 24*time.Hour, "SESSION_TTL")
	clampDuration(&c.SessionPurgeInterval, 10*time.Second, time.Hour, "SESSION_PURGE_INTERVAL")
	clampDuration(&c.AccessTokenTTL, time.Minute, 24*time.Hour, "ACCESS_TOKEN_TTL")
	clampDuration(&c.RefreshTokenTTL, time.Hour, 30*24*time.Hour, "REFRESH_TOKEN_TTL")
	clampDuration(&c.DrainTimeout, time.Second, 10*time.Minute, "DRAIN_TIMEOUT")

	// Timeout ordering: validate MaxTimeout first, then DefaultTimeout.
	if c.MaxTimeout < time.Second {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("Max timeout too short, using 300s")
		c.MaxTimeout = 300 * time.Second
	}
	if c.MaxTimeout > maxTimeout {
		log.Warn().Dur("timeout", c.MaxTimeout).Dur("max", maxTimeout).Msg("Max timeout too high, capping")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("Default timeout too short, using 60s")
		c.DefaultTimeout = 60 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().Dur("default", c.DefaultTimeout).Dur("max", c.MaxTimeout).Msg("Default timeout exceeds max timeout, adjusting to max")
		c.DefaultTimeout = c.MaxTimeout
	}

	// Sessions
	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid max sessions, using 1000")
		c.MaxSessions = 1000
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().Int("sessions", c.MaxSessions).Int("max", maxMaxSessions).Msg("Max sessions too high, capping")
		c.MaxSessions = maxMaxSessions
	}
	if c.SessionPurgeInterval >= c.SessionTTL {
		log.Warn().
			Dur("purge_interval", c.SessionPurgeInterval).
			Dur("ttl", c.SessionTTL).
			Msg("SESSION_PURGE_INTERVAL should be less than SESSION_TTL for timely cleanup")
	}

	// Token secret
	if c.TokenSecret == "" {
		log.Warn().Msg("TOKEN_SECRET not set - a random secret will be generated; issued tokens will not survive restarts")
	} else if len(c.TokenSecret) < minTokenSecretLen {
		log.Error().
			Int("length", len(c.TokenSecret)).
			Int("min_required", minTokenSecretLen).
			Msg("TOKEN_SECRET is too short for secure signing - use at least 32 bytes")
	}

	// Breakers
	if c.BreakerErrorThreshold < 1 {
		log.Warn().Int("threshold", c.BreakerErrorThreshold).Msg("Invalid breaker threshold, using 10")
		c.BreakerErrorThreshold = 10
	}
	if c.BreakerHalfOpenProbes < 1 {
		c.BreakerHalfOpenProbes = 1
	}
	clampDuration(&c.BreakerErrorWindow, time.Second, time.Hour, "BREAKER_ERROR_WINDOW")
	clampDuration(&c.BreakerOpenDuration, time.Second, time.Hour, "BREAKER_OPEN_DURATION")

	// Scaling
	if c.ScaleUpThreshold <= 0 || c.ScaleUpThreshold > 1 {
		log.Warn().Float64("threshold", c.ScaleUpThreshold).Msg("Invalid scale up threshold, using 0.8")
		c.ScaleUpThreshold = 0.8
	}
	if c.ScaleDownThreshold < 0 || c.ScaleDownThreshold >= c.ScaleUpThreshold {
		log.Warn().Float64("threshold", c.ScaleDownThreshold).Msg("Invalid scale down threshold, using 0.3")
		c.ScaleDownThreshold = 0.3
	}
	if c.MaxScaleStep < 1 {
		c.MaxScaleStep = 1
	}
	if c.SampleWindow < 1 {
		c.SampleWindow = 5
	}
	clampDuration(&c.ScaleInterval, 5*time.Second, time.Hour, "SCALE_INTERVAL")
	clampDuration(&c.ScaleCooldown, 0, time.Hour, "SCALE_COOLDOWN")

	// Policy file
	if c.PolicyPath != "" && strings.Contains(c.PolicyPath, "..") {
		log.Error().Str("path", c.PolicyPath).Msg("PolicyPath contains path traversal sequence (..), ignoring")
		c.PolicyPath = ""
	}
	if c.PolicyHotReload && c.PolicyPath == "" {
		log.Warn().Msg("POLICY_HOT_RELOAD enabled but POLICY_PATH not set - hot-reload disabled")
		c.PolicyHotReload = false
	}
	if c.PolicyPath != "" {
		if _, err := os.Stat(c.PolicyPath); os.IsNotExist(err) {
			log.Warn().Str("path", c.PolicyPath).Msg("PolicyPath does not exist - defaults apply until the file is created")
		}
	}

	// Rate limit
	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 120 RPM")
			c.RateLimitRPM = 120
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().Int("rpm", c.RateLimitRPM).Int("max", maxRateLimitRPM).Msg("Rate limit too high, capping")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	// Log level
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// CORS
	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - allowing all origins (potential CSRF risk)")
	}

	// API key format: keyID:secret:userID:role1|role2
	valid := c.APIKeys[:0]
	for _, entry := range c.APIKeys {
		if strings.Count(entry, ":") < 2 {
			log.Error().Msg("Malformed API_KEYS entry, expected keyID:secret:userID[:roles] - skipping")
			continue
		}
		valid = append(valid, entry)
	}
	c.APIKeys = valid

	if c.DemoUserEnabled {
		log.Warn().Str("username", c.DemoUsername).Msg("Demo user enabled - do not use in production")
	}
}

func clampDuration(d *time.Duration, min, max time.Duration, name string) {
	if *d < min {
		log.Warn().Str("key", name).Dur("value", *d).Dur("min", min).Msg("Duration too short, using minimum")
		*d = min
	} else if *d > max {
		log.Warn().Str("key", name).Dur("value", *d).Dur("max", max).Msg("Duration too long, using maximum")
		*d = max
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return floatValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Float64("default", defaultValue).
			Msg("Invalid float in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
