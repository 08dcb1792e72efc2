package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"agent-bridge/internal/broadcast"
	"agent-bridge/internal/permission"
	"agent-bridge/internal/protocol"
	"agent-bridge/internal/session"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	defaultObserverBuffer = 256
	maxRequestBody        = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Backend is what the HTTP layer needs from the rest of the bridge.
type Backend interface {
	StartSession(ctx context.Context, req session.StartRequest) (*session.Session, error)
	Session(id string) (session.Descriptor, error)
	Sessions() []session.Descriptor
	KillSession(id string) error
	Subscribe(sessionID string, obs broadcast.Observer) (string, error)
	Unsubscribe(sessionID, observerID string)
	Permissions(f permission.Filter) []permission.Request
	Decide(id, action string, modifiedInput json.RawMessage, reason string) (permission.Request, error)
}

// RouteRegistrar mounts extra routes, such as the approval endpoint.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Options configures optional parts of the server.
type Options struct {
	StaticDir      string
	ObserverBuffer int
	// Metrics is served at MetricsPath when both are set.
	Metrics     http.Handler
	MetricsPath string
	// Approval mounts the agent-facing approval endpoint.
	Approval RouteRegistrar
	Logger   *slog.Logger
}

// Server exposes sessions, event streams and permission decisions over HTTP
// and WebSocket.
type Server struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
}

type client struct {
	conn       *websocket.Conn
	observer   *broadcast.ChannelObserver
	sessionID  string
	observerID string
	server     *Server
}

// New creates a new realtime server.
func New(backend Backend, opts Options) *Server {
	if opts.ObserverBuffer <= 0 {
		opts.ObserverBuffer = defaultObserverBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: backend,
		opts:    opts,
		logger:  logger,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /api/sessions", s.handleStartSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleKillSession)
	mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /api/permissions", s.handleListPermissions)
	mux.HandleFunc("POST /api/permissions/{id}/decision", s.handleDecision)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.opts.Metrics != nil && s.opts.MetricsPath != "" {
		mux.Handle("GET "+s.opts.MetricsPath, s.opts.Metrics)
	}
	if s.opts.Approval != nil {
		s.opts.Approval.RegisterRoutes(mux)
	}

	// Static file serving.
	if s.opts.StaticDir != "" {
		fileServer := http.FileServer(http.Dir(s.opts.StaticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id, Mcp-Protocol-Version")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket attaches a WebSocket observer to one session. Each event is
// sent as one text frame. The connection is closed after the session's
// closed event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, protocol.ErrCodeInvalidMessage, "sessionId query parameter is required")
		return
	}

	obs := broadcast.NewChannelObserver(s.opts.ObserverBuffer)
	observerID, err := s.backend.Subscribe(sessionID, obs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.backend.Unsubscribe(sessionID, observerID)
		s.logger.Warn("websocket upgrade error", "session_id", sessionID, "error", err)
		return
	}

	c := &client{
		conn:       conn,
		observer:   obs,
		sessionID:  sessionID,
		observerID: observerID,
		server:     s,
	}
	s.logger.Debug("websocket observer connected", "session_id", sessionID, "observer_id", observerID)

	go c.writePump()
	go c.readPump()
}

// readPump keeps the read deadline fresh and detects disconnects. Observers
// do not send anything meaningful.
func (c *client) readPump() {
	defer func() {
		c.server.backend.Unsubscribe(c.sessionID, c.observerID)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", "session_id", c.sessionID, "error", err)
			}
			return
		}
	}
}

// writePump drains the observer into the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.observer.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				c.server.logger.Error("encoding event", "session_id", c.sessionID, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
