package types

import (
	"encoding/json"
	"time"
)

// Request validation limits.
const (
	MaxActionNameLength = 64
	MaxURLLength        = 8192
	MaxScriptLength     = 256 * 1024
	MaxSelectorLength   = 4096
	MaxTextLength       = 64 * 1024
	MaxCookies          = 100
	MaxHeaders          = 50
	MaxUsernameLength   = 128
	MaxPasswordLength   = 256
	MaxContextNameLen   = 128
	MaxMetadataEntries  = 32
)

// CreateSessionRequest is the login request body.
type CreateSessionRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Duration int64  `json:"duration,omitempty"` // seconds; 0 means server default
}

// CreateSessionResponse carries the new session and its token pair.
type CreateSessionResponse struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	Roles        []string  `json:"roles"`
	ExpiresAt    time.Time `json:"expiresAt"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
}

// RefreshRequest exchanges a refresh token for a new token pair.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// SessionSummary is the list-view projection of a session record.
type SessionSummary struct {
	SessionID      string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	Roles          []string  `json:"roles"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// CreateContextRequest creates a logical browser context inside a session.
type CreateContextRequest struct {
	Name    string          `json:"name,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

// ContextOptions configures the pages a context opens. All fields are
// optional; a nil pointer leaves the browser default in place.
type ContextOptions struct {
	Viewport          *Viewport         `json:"viewport,omitempty"`
	UserAgent         string            `json:"userAgent,omitempty"`
	ExtraHeaders      map[string]string `json:"extraHeaders,omitempty"`
	JavaScriptEnabled *bool             `json:"javaScriptEnabled,omitempty"`
	CacheEnabled      *bool             `json:"cacheEnabled,omitempty"`
	BypassCSP         bool              `json:"bypassCSP,omitempty"`
	Offline           bool              `json:"offline,omitempty"`
	Cookies           []Cookie          `json:"cookies,omitempty"`
}

// Viewport is a page viewport size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ContextSummary is the list-view projection of a context record.
type ContextSummary struct {
	ContextID string    `json:"contextId"`
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// PageSummary describes one live page.
type PageSummary struct {
	PageID            string    `json:"pageId"`
	ContextID         string    `json:"contextId"`
	BrowserID         string    `json:"browserId"`
	URL               string    `json:"url"`
	Title             string    `json:"title,omitempty"`
	State             string    `json:"state"`
	ErrorCount        int64     `json:"errorCount"`
	NavigationHistory []string  `json:"navigationHistory,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ExecuteRequest dispatches a named action against a context.
type ExecuteRequest struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ExecuteResponse wraps an action result for the wire.
type ExecuteResponse struct {
	Action string `json:"action"`
	Result any    `json:"result"`
}

// OKResponse is the generic success envelope.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is the generic error envelope.
type ErrorResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// HealthResponse reports aggregate service health.
type HealthResponse struct {
	Status          string           `json:"status"` // healthy | warning | critical
	Version         string           `json:"version"`
	Metrics         map[string]int64 `json:"metrics"`
	Issues          []HealthIssue    `json:"issues,omitempty"`
	Recommendations []string         `json:"recommendations,omitempty"`
}

// HealthIssue is one detected problem with its severity.
type HealthIssue struct {
	Severity  string `json:"severity"` // info | warning | critical
	Code      string `json:"code"`
	Message   string `json:"message"`
	BrowserID string `json:"browserId,omitempty"`
}

// CatalogResponse describes the capability surface.
type CatalogResponse struct {
	Actions     []ActionInfo `json:"actions"`
	Transports  []string     `json:"transports"`
	AuthMethods []string     `json:"authMethods"`
}

// ActionInfo describes one action in the catalog.
type ActionInfo struct {
	Name     string   `json:"name"`
	Required []string `json:"required,omitempty"`
	Optional []string `json:"optional,omitempty"`
}

// Cookie is the transport-neutral cookie shape.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds; 0 means session cookie
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}
