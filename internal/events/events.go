// Package events provides the typed in-process event bus used for lifecycle
// and audit events. Publishing never blocks: every subscriber owns a bounded
// queue and the oldest queued event is dropped on overflow.
package events

import "time"

// Kind identifies an event type.
type Kind string

// Event kinds published by the core.
const (
	KindSessionCreated   Kind = "session:created"
	KindSessionDestroyed Kind = "session:destroyed"
	KindContextCreated   Kind = "context:created"
	KindContextClosed    Kind = "context:closed"
	KindPageCreated      Kind = "page:created"
	KindPageClosed       Kind = "page:closed"
	KindPageNavigated    Kind = "page:navigated"
	KindPageError        Kind = "page:error"
	KindBrowserLaunched  Kind = "browser:launched"
	KindBrowserAcquired  Kind = "browser:acquired"
	KindBrowserReleased  Kind = "browser:released"
	KindBrowserUnhealthy Kind = "browser:unhealthy"
	KindBrowserRecycled  Kind = "browser:recycled"
	KindBrowserDrained   Kind = "browser:drained"
	KindAuthSucceeded    Kind = "auth:succeeded"
	KindAuthDenied       Kind = "auth:denied"
	KindOwnershipDenied  Kind = "auth:ownership_denied"
	KindBreakerState     Kind = "breaker:state"
	KindScaleDecision    Kind = "scale:decision"
	KindRecoveryStep     Kind = "recovery:step"
	KindConfigReloaded   Kind = "config:reloaded"
)

// Event is a tagged variant carrying its own fields.
type Event interface {
	Kind() Kind
}

// SessionEvent covers session lifecycle.
type SessionEvent struct {
	K         Kind
	SessionID string
	UserID    string
	At        time.Time
}

func (e SessionEvent) Kind() Kind { return e.K }

// ContextEvent covers context lifecycle.
type ContextEvent struct {
	K         Kind
	ContextID string
	SessionID string
	At        time.Time
}

func (e ContextEvent) Kind() Kind { return e.K }

// PageEvent covers page lifecycle and navigation.
type PageEvent struct {
	K         Kind
	PageID    string
	ContextID string
	SessionID string
	BrowserID string
	URL       string
	At        time.Time
}

func (e PageEvent) Kind() Kind { return e.K }

// BrowserEvent covers pool browser lifecycle.
type BrowserEvent struct {
	K         Kind
	BrowserID string
	SessionID string
	Reason    string
	At        time.Time
}

func (e BrowserEvent) Kind() Kind { return e.K }

// AuthEvent is the audit record for authentication and ownership checks.
type AuthEvent struct {
	K         Kind
	Method    string // bearer | apikey | session | password
	UserID    string
	SessionID string
	Resource  string // offending resource for ownership denials
	Result    string // granted | denied
	Reason    string
	At        time.Time
}

func (e AuthEvent) Kind() Kind { return e.K }

// BreakerEvent reports a circuit breaker state transition.
type BreakerEvent struct {
	Name string
	From string
	To   string
	At   time.Time
}

func (e BreakerEvent) Kind() Kind { return KindBreakerState }

// ScaleEvent reports a scaler decision.
type ScaleEvent struct {
	Direction   string // up | down | recycle
	Count       int
	Utilisation float64
	At          time.Time
}

func (e ScaleEvent) Kind() Kind { return KindScaleDecision }

// RecoveryEvent reports one recovery chain step.
type RecoveryEvent struct {
	BrowserID string
	Stage     string
	Handled   bool
	Err       string
	At        time.Time
}

func (e RecoveryEvent) Kind() Kind { return KindRecoveryStep }

// ConfigEvent reports a policy hot-reload.
type ConfigEvent struct {
	Path string
	At   time.Time
}

func (e ConfigEvent) Kind() Kind { return KindConfigReloaded }
