package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/auth"
	"github.com/Rorqualx/browserd/internal/core"
	"github.com/Rorqualx/browserd/internal/types"
)

// maxRequestBodySize limits request bodies to 1MB.
const maxRequestBodySize = 1 << 20

// Options configures the REST handler. The WebSocket endpoint is mounted
// separately in main: response-writer wrappers in the middleware chain hide
// http.Hijacker, which the upgrade needs.
type Options struct {
	Core *core.Core
}

// Handler is the REST façade over the core.
type Handler struct {
	core *core.Core
	mux  *http.ServeMux
}

// New builds the route table.
func New(opts Options) *Handler {
	h := &Handler{core: opts.Core, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.Handle("GET /metrics", opts.Core.Metrics.Handler())
	h.mux.HandleFunc("GET /v1/catalog", h.handleCatalog)

	h.mux.HandleFunc("POST /v1/sessions", h.handleSessionCreate)
	h.mux.HandleFunc("POST /v1/sessions/{id}/refresh", h.handleSessionRefresh)
	h.mux.HandleFunc("GET /v1/sessions", h.withAuth(h.handleSessionList))
	h.mux.HandleFunc("DELETE /v1/sessions/{id}", h.withAuth(h.handleSessionDelete))

	h.mux.HandleFunc("POST /v1/contexts", h.withAuth(h.handleContextCreate))
	h.mux.HandleFunc("GET /v1/contexts", h.withAuth(h.handleContextList))
	h.mux.HandleFunc("DELETE /v1/contexts/{id}", h.withAuth(h.handleContextClose))
	h.mux.HandleFunc("POST /v1/contexts/{id}/execute", h.withAuth(h.handleExecute))

	h.mux.HandleFunc("GET /v1/pages", h.withAuth(h.handlePageList))

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authedHandler is a handler that runs with a resolved principal.
type authedHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// withAuth resolves request credentials before the handler runs.
// Precedence: bearer token, then API key, then session ID.
func (h *Handler) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := h.core.Authenticate(
			r.Header.Get("Authorization"),
			r.Header.Get("X-Api-Key"),
			r.Header.Get("X-Session-Id"),
		)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next(w, r, p)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.core.Health()

	status := http.StatusOK
	if resp.Status == "critical" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.core.Catalog())
}

func (h *Handler) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req types.CreateSessionRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.core.CreateSession(req)
	h.record("sessions.create", start, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req types.RefreshRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.core.Refresh(req)
	h.record("sessions.refresh", start, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if resp.SessionID != r.PathValue("id") {
		h.writeError(w, r, types.E(types.CodeInvalidArgument, "refresh token does not belong to this session", types.ErrInvalidArgument))
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSessionList(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	h.writeJSON(w, http.StatusOK, h.core.ListSessions(p))
}

func (h *Handler) handleSessionDelete(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	start := time.Now()

	err := h.core.DeleteSession(r.Context(), p, r.PathValue("id"))
	h.record("sessions.delete", start, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

func (h *Handler) handleContextCreate(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	start := time.Now()

	var req types.CreateContextRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	summary, err := h.core.CreateContext(p, req.Name, req.Options)
	h.record("contexts.create", start, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, summary)
}

func (h *Handler) handleContextList(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	h.writeJSON(w, http.StatusOK, h.core.ListContexts(p))
}

func (h *Handler) handleContextClose(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	start := time.Now()

	err := h.core.CloseContext(r.Context(), p, r.PathValue("id"))
	h.record("contexts.close", start, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	start := time.Now()

	var req types.ExecuteRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.core.Execute(r.Context(), p, r.PathValue("id"), req)

	op := req.Action
	if op == "" {
		op = "execute"
	}
	h.record(op, start, err)

	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePageList(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	h.writeJSON(w, http.StatusOK, h.core.ListPages(p))
}

// record feeds the request counters when metrics are wired.
func (h *Handler) record(op string, start time.Time, err error) {
	if h.core.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = string(types.CodeOf(err))
	}
	h.core.Metrics.RecordRequest(op, status, time.Since(start))
}

// decodeJSON reads a bounded request body into v. Unknown fields are
// rejected so typos fail loudly instead of being ignored.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := buf.ReadFrom(r.Body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return types.E(types.CodeInvalidArgument, "request body too large", types.ErrInvalidArgument)
		}
		return types.E(types.CodeInvalidArgument, "failed to read request body", err)
	}

	dec := json.NewDecoder(buf)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.E(types.CodeInvalidArgument, "invalid JSON body", err)
	}
	return nil
}

// writeJSON encodes into a pooled buffer first so an encoding failure can
// still produce a clean 500 instead of a half-written body.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, `{"code":"internal","message":"encoding failure"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// writeError maps the error to its HTTP status. Internal errors are logged
// in full but surfaced with a generic message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := types.CodeOf(err)
	message := err.Error()

	if code == types.CodeInternal {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
		message = "internal error"
	} else {
		log.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Str("code", string(code)).Msg("Request rejected")
	}

	h.writeJSON(w, code.HTTPStatus(), types.ErrorResponse{Code: code, Message: message})
}
