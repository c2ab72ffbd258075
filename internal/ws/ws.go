// Package ws provides the WebSocket transport. One goroutine reads frames
// per connection; replies share the connection through a write mutex. The
// action surface is the same as the REST execute endpoint.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserd/internal/auth"
	"github.com/Rorqualx/browserd/internal/core"
	"github.com/Rorqualx/browserd/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	executeTimeout = 60 * time.Second
)

// Frame is the wire unit in both directions.
// Client types: "execute", "ping". Server types: "result", "error", "pong".
type Frame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExecutePayload is the payload of an "execute" frame.
type ExecutePayload struct {
	ContextID string          `json:"contextId"`
	Action    string          `json:"action"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Server upgrades and serves WebSocket connections.
type Server struct {
	core     *core.Core
	upgrader websocket.Upgrader
}

// NewServer builds the WebSocket endpoint. The origin allowlist mirrors the
// CORS configuration; requests without an Origin header (non-browser
// clients) always pass.
func NewServer(c *core.Core, allowedOrigins []string) *Server {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return &Server{
		core: c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// ServeHTTP authenticates, upgrades, and runs the frame loop until the
// client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := s.core.Authenticate(
		r.Header.Get("Authorization"),
		r.Header.Get("X-Api-Key"),
		r.Header.Get("X-Session-Id"),
	)
	if err != nil {
		code := types.CodeOf(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code.HTTPStatus())
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{Code: code, Message: err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &connection{conn: conn, done: make(chan struct{})}
	log.Debug().Str("session_id", p.SessionID).Msg("WebSocket connected")

	go c.pingLoop()
	s.readLoop(c, p)

	close(c.done)
	_ = conn.Close()
	log.Debug().Str("session_id", p.SessionID).Msg("WebSocket disconnected")
}

// connection serializes writes to one client.
type connection struct {
	conn *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
}

func (c *connection) writeFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *connection) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) readLoop(c *connection, p auth.Principal) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := s.handleFrame(c, p, frame); err != nil {
			return
		}
	}
}

// handleFrame dispatches one frame. Frames execute in arrival order; a
// returned error drops the connection.
func (s *Server) handleFrame(c *connection, p auth.Principal, frame Frame) error {
	switch frame.Type {
	case "ping":
		return c.writeFrame(Frame{ID: frame.ID, Type: "pong"})

	case "execute":
		var payload ExecutePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return s.writeError(c, frame.ID, types.E(types.CodeInvalidArgument, "invalid execute payload", err))
		}

		ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
		resp, err := s.core.Execute(ctx, p, payload.ContextID, types.ExecuteRequest{
			Action: payload.Action,
			Args:   payload.Args,
		})
		cancel()
		if err != nil {
			return s.writeError(c, frame.ID, err)
		}

		result, err := json.Marshal(resp)
		if err != nil {
			return s.writeError(c, frame.ID, types.E(types.CodeInternal, "encoding failure", err))
		}
		return c.writeFrame(Frame{ID: frame.ID, Type: "result", Payload: result})

	default:
		return s.writeError(c, frame.ID, types.E(types.CodeInvalidArgument, "unknown frame type", types.ErrInvalidArgument))
	}
}

func (s *Server) writeError(c *connection, id string, err error) error {
	code := types.CodeOf(err)
	message := err.Error()
	if code == types.CodeInternal {
		log.Error().Err(err).Msg("WebSocket frame failed")
		message = "internal error"
	}

	payload, mErr := json.Marshal(types.ErrorResponse{Code: code, Message: message})
	if mErr != nil {
		return mErr
	}
	return c.writeFrame(Frame{ID: id, Type: "error", Payload: payload})
}
