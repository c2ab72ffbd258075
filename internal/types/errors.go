// Package types provides shared types, status codes, and errors for the application.
package types

import (
	"context"
	"errors"
	"net/http"
)

// Code classifies an error for transport mapping. Every error that crosses a
// component boundary resolves to exactly one Code via CodeOf.
type Code string

// Status codes surfaced to clients. Each transport maps these to its native
// status space (HTTP shown here, the gRPC and MCP façades carry their own).
const (
	CodeOK                 Code = "ok"
	CodeUnauthenticated    Code = "unauthenticated"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeInvalidArgument    Code = "invalid_argument"
	CodeFailedPrecondition Code = "failed_precondition"
	CodeResourceExhausted  Code = "resource_exhausted"
	CodeDeadlineExceeded   Code = "deadline_exceeded"
	CodeInternal           Code = "internal"
	CodeUnavailable        Code = "unavailable"
)

// HTTPStatus maps a code to its HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeOK:
		return http.StatusOK
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Pool errors
	ErrPoolClosed       = errors.New("browser pool is closed")
	ErrAcquireTimeout   = errors.New("timeout waiting for browser from pool")
	ErrAcquireQueueFull = errors.New("browser acquire queue is full")
	ErrBrowserNotFound  = errors.New("browser not found")
	ErrBrowserUnhealthy = errors.New("browser is unhealthy")
	ErrBrowserBusy      = errors.New("browser is held by another session")
	ErrBrowserDraining  = errors.New("browser is draining")
	ErrPageLimit        = errors.New("browser page limit reached")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session has expired")
	ErrTooManySessions = errors.New("maximum number of sessions reached")

	// Auth errors
	ErrUnauthenticated    = errors.New("authentication failed")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNotOwner           = errors.New("resource is owned by another session")

	// Context and page errors
	ErrContextNotFound = errors.New("context not found")
	ErrContextClosed   = errors.New("context is closed")
	ErrPageNotFound    = errors.New("page not found")
	ErrPageClosed      = errors.New("page is closed")

	// Action errors
	ErrUnknownAction    = errors.New("unknown action")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNavigationFailed = errors.New("navigation failed")
	ErrEvaluationFailed = errors.New("script evaluation failed")

	// Breaker errors
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// Driver errors
	ErrDriverUnavailable = errors.New("browser driver unavailable")
)

// codeTable maps sentinel errors to their status codes. Errors not listed
// here (and not carrying a CodedError) resolve to CodeInternal.
var codeTable = map[error]Code{
	ErrPoolClosed:         CodeUnavailable,
	ErrAcquireTimeout:     CodeResourceExhausted,
	ErrAcquireQueueFull:   CodeResourceExhausted,
	ErrBrowserNotFound:    CodeNotFound,
	ErrBrowserUnhealthy:   CodeUnavailable,
	ErrBrowserBusy:        CodeForbidden,
	ErrBrowserDraining:    CodeUnavailable,
	ErrPageLimit:          CodeResourceExhausted,
	ErrSessionNotFound:    CodeNotFound,
	ErrSessionExpired:     CodeUnauthenticated,
	ErrTooManySessions:    CodeResourceExhausted,
	ErrUnauthenticated:    CodeUnauthenticated,
	ErrInvalidCredentials: CodeUnauthenticated,
	ErrNotOwner:           CodeForbidden,
	ErrContextNotFound:    CodeNotFound,
	ErrContextClosed:      CodeFailedPrecondition,
	ErrPageNotFound:       CodeNotFound,
	ErrPageClosed:         CodeNotFound,
	ErrUnknownAction:      CodeInvalidArgument,
	ErrInvalidArgument:    CodeInvalidArgument,
	ErrNavigationFailed:   CodeInternal,
	ErrEvaluationFailed:   CodeInternal,
	ErrBreakerOpen:        CodeUnavailable,
	ErrDriverUnavailable:  CodeUnavailable,
}

// CodedError attaches a status code and message to an underlying error.
type CodedError struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Err
}

// E wraps err with an explicit code and message.
func E(code Code, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, Err: err}
}

// CodeOf resolves the status code for an error. It prefers an explicit
// CodedError anywhere in the chain, then the sentinel table, then falls back
// to context errors and finally CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	for sentinel, code := range codeTable {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeDeadlineExceeded
	}

	return CodeInternal
}
