// ABOUTME: Tests for the WebSocket session endpoint: domain normalization,
// ABOUTME: message dispatch into the handler, and disconnect notification.

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/sessions"
	"github.com/2389/loom/internal/wire"
)

type registerEvent struct {
	domain string
	ch     sessions.Channel
	tools  []wire.ToolDescriptor
}

// recordingHandler funnels every callback into a channel so tests can
// wait on them without polling.
type recordingHandler struct {
	registers   chan registerEvent
	updates     chan registerEvent
	results     chan *wire.ToolResult
	activations chan string
	disconnects chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		registers:   make(chan registerEvent, 4),
		updates:     make(chan registerEvent, 4),
		results:     make(chan *wire.ToolResult, 4),
		activations: make(chan string, 4),
		disconnects: make(chan string, 4),
	}
}

func (h *recordingHandler) HandleRegister(domain string, ch sessions.Channel, tools []wire.ToolDescriptor) {
	h.registers <- registerEvent{domain: domain, ch: ch, tools: tools}
}

func (h *recordingHandler) HandleUpdate(domain string, ch sessions.Channel, tools []wire.ToolDescriptor) {
	h.updates <- registerEvent{domain: domain, ch: ch, tools: tools}
}

func (h *recordingHandler) HandleResult(msg *wire.ToolResult) { h.results <- msg }
func (h *recordingHandler) HandleActivated(sessionID string)  { h.activations <- sessionID }
func (h *recordingHandler) HandleDisconnect(sessionID string) { h.disconnects <- sessionID }

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func startServer(t *testing.T) (*recordingHandler, *httptest.Server) {
	t.Helper()
	handler := newRecordingHandler()
	server := NewServer(Config{Handler: handler})
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return handler, ts
}

func dialSession(t *testing.T, ts *httptest.Server, domain string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.URL+DefaultSessionPath+"?domain="+domain, nil)
	require.NoError(t, err)
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestCanonicalDomain(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"example.com", "example.com"},
		{"Example.COM", "example.com"},
		{"example.com:443", "example.com"},
		{"https://example.com/some/path", "example.com"},
		{"example.com/path", "example.com"},
		{"localhost:3000", "localhost:3000"},
		{"127.0.0.1:8080", "127.0.0.1:8080"},
		{"http://localhost:3000", "localhost:3000"},
		{" my-site.dev ", "my-site.dev"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalDomain(tt.raw))
		})
	}
}

func TestMissingDomainRejected(t *testing.T) {
	_, ts := startServer(t)

	resp, err := http.Get(ts.URL + DefaultSessionPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionRegistration(t *testing.T) {
	handler, ts := startServer(t)
	conn := dialSession(t, ts, "Example.COM")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendMessage(t, conn, &wire.RegisterTools{Tools: []wire.ToolDescriptor{
		{Name: "search", Description: "Search the site"},
	}})

	ev := waitFor(t, handler.registers, "register")
	assert.Equal(t, "example.com", ev.domain)
	require.Len(t, ev.tools, 1)
	assert.Equal(t, "search", ev.tools[0].Name)
	assert.NotEmpty(t, ev.ch.SessionID())
}

func TestChannelDeliversToSession(t *testing.T) {
	handler, ts := startServer(t)
	conn := dialSession(t, ts, "example.com")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendMessage(t, conn, &wire.RegisterTools{Tools: []wire.ToolDescriptor{{Name: "search"}}})
	ev := waitFor(t, handler.registers, "register")

	require.NoError(t, ev.ch.Send(&wire.ExecuteTool{
		ToolName:  "search",
		Args:      json.RawMessage(`{"q":"hi"}`),
		RequestID: "req-1",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	msg, err := wire.Decode(data)
	require.NoError(t, err)
	req, ok := msg.(*wire.ExecuteTool)
	require.True(t, ok)
	assert.Equal(t, "search", req.ToolName)
	assert.Equal(t, "req-1", req.RequestID)
}

func TestMessageDispatch(t *testing.T) {
	handler, ts := startServer(t)
	conn := dialSession(t, ts, "example.com")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendMessage(t, conn, &wire.RegisterTools{Tools: []wire.ToolDescriptor{{Name: "a"}}})
	ev := waitFor(t, handler.registers, "register")
	sessionID := ev.ch.SessionID()

	sendMessage(t, conn, &wire.ToolsUpdated{Tools: []wire.ToolDescriptor{{Name: "b"}}})
	up := waitFor(t, handler.updates, "update")
	assert.Equal(t, "example.com", up.domain)
	assert.Equal(t, sessionID, up.ch.SessionID())

	sendMessage(t, conn, &wire.ToolResult{
		RequestID: "req-9",
		Data:      wire.ToolResultData{Success: true, Payload: json.RawMessage(`"ok"`)},
	})
	res := waitFor(t, handler.results, "result")
	assert.Equal(t, "req-9", res.RequestID)

	sendMessage(t, conn, &wire.SessionActivated{})
	active := waitFor(t, handler.activations, "activation")
	assert.Equal(t, sessionID, active)
}

func TestUndecodableMessageIgnored(t *testing.T) {
	handler, ts := startServer(t)
	conn := dialSession(t, ts, "example.com")
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	// The connection survives; a valid message still gets through.
	sendMessage(t, conn, &wire.RegisterTools{Tools: nil})
	waitFor(t, handler.registers, "register after bad frame")
}

func TestDisconnectNotifiesHandler(t *testing.T) {
	handler, ts := startServer(t)
	conn := dialSession(t, ts, "example.com")

	sendMessage(t, conn, &wire.RegisterTools{Tools: []wire.ToolDescriptor{{Name: "a"}}})
	ev := waitFor(t, handler.registers, "register")

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))

	gone := waitFor(t, handler.disconnects, "disconnect")
	assert.Equal(t, ev.ch.SessionID(), gone)
}
