// ABOUTME: HTTP endpoint that accepts WebSocket sessions and pumps their
// ABOUTME: messages into the hub: registration, updates, results, activation.

package transport

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/loom/internal/sessions"
	"github.com/2389/loom/internal/wire"
)

// DefaultSessionPath is the endpoint sessions connect to.
const DefaultSessionPath = "/session"

// SessionHandler receives session lifecycle events and messages.
// Satisfied by the hub.
type SessionHandler interface {
	HandleRegister(domain string, ch sessions.Channel, tools []wire.ToolDescriptor)
	HandleUpdate(domain string, ch sessions.Channel, tools []wire.ToolDescriptor)
	HandleResult(msg *wire.ToolResult)
	HandleActivated(sessionID string)
	HandleDisconnect(sessionID string)
}

// Config holds configuration for the session server.
type Config struct {
	Handler SessionHandler
	Path    string
	Logger  *slog.Logger
}

// Server accepts WebSocket connections from sessions and runs one read
// loop per connection.
type Server struct {
	handler SessionHandler
	path    string
	logger  *slog.Logger
}

// NewServer creates a session server.
func NewServer(cfg Config) *Server {
	path := cfg.Path
	if path == "" {
		path = DefaultSessionPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		handler: cfg.Handler,
		path:    path,
		logger:  logger,
	}
}

// RegisterRoutes registers the session endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(s.path, s.handleSession)
}

// handleSession upgrades the connection and runs its read loop until
// the session goes away.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rawDomain := r.URL.Query().Get("domain")
	if rawDomain == "" {
		http.Error(w, "Bad Request: missing domain", http.StatusBadRequest)
		return
	}
	domain := CanonicalDomain(rawDomain)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // sessions connect from arbitrary origins
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	ch := NewChannel(conn, uuid.New().String(), domain)

	s.logger.Info("session connected",
		"session_id", ch.SessionID(),
		"domain", domain,
	)

	s.readLoop(r.Context(), ch)
}

// readLoop dispatches inbound messages until the connection closes,
// then tells the hub the session is gone.
func (s *Server) readLoop(ctx context.Context, ch *Channel) {
	defer func() {
		s.handler.HandleDisconnect(ch.SessionID())
		_ = ch.Close()
		s.logger.Info("session disconnected",
			"session_id", ch.SessionID(),
			"domain", ch.Domain(),
		)
	}()

	for {
		_, data, err := ch.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.logger.Debug("session read ended",
					"session_id", ch.SessionID(),
					"error", err,
				)
			}
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("dropping undecodable message",
				"session_id", ch.SessionID(),
				"error", err,
			)
			continue
		}

		switch m := msg.(type) {
		case *wire.RegisterTools:
			s.handler.HandleRegister(ch.Domain(), ch, m.Tools)
		case *wire.ToolsUpdated:
			s.handler.HandleUpdate(ch.Domain(), ch, m.Tools)
		case *wire.ToolResult:
			s.handler.HandleResult(m)
		case *wire.SessionActivated:
			s.handler.HandleActivated(ch.SessionID())
		default:
			s.logger.Warn("unexpected message from session",
				"session_id", ch.SessionID(),
				"type", msg.MessageType(),
			)
		}
	}
}

// CanonicalDomain normalizes a session-supplied domain: lowercase host,
// scheme and path stripped, port kept only for loopback hosts where it
// distinguishes local dev servers.
func CanonicalDomain(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))

	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			raw = u.Host
		}
	}
	// Strip any path that survived without a scheme.
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return raw
	}
	if isLoopback(host) {
		return net.JoinHostPort(host, port)
	}
	return host
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
