// ABOUTME: Correlates outbound tool requests with session replies by request id.
// ABOUTME: Enforces per-request deadlines and at-most-one settlement.

package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/dedupe"
	"github.com/2389/loom/internal/wire"
)

// ErrRequestTimeout indicates no reply arrived within the deadline.
var ErrRequestTimeout = errors.New("request timed out")

// ErrSessionDisconnected indicates the session's channel closed while a
// request to it was pending.
var ErrSessionDisconnected = errors.New("session disconnected")

// DefaultTimeout is the per-request deadline when none is configured.
const DefaultTimeout = 30 * time.Second

// settledTTL is how long settled request ids are remembered so late
// replies can be told apart from ids we never issued.
const settledTTL = 2 * time.Minute

// Channel is the outbound half of a session connection.
type Channel interface {
	Send(msg wire.Message) error
	SessionID() string
}

type settlement struct {
	data *wire.ToolResultData
	err  error
}

type pendingRequest struct {
	done      chan settlement // buffered, capacity 1
	sessionID string
}

// Correlator issues correlation ids, tracks pending requests, and
// settles each one exactly once: by reply, deadline, or disconnect.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	settled *dedupe.Cache
	timeout time.Duration
	logger  *slog.Logger
}

// Config contains options for the Correlator.
type Config struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// New creates a Correlator.
func New(cfg Config) *Correlator {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Correlator{
		pending: make(map[string]*pendingRequest),
		settled: dedupe.New(settledTTL, 4096),
		timeout: timeout,
		logger:  logger,
	}
}

// NewRequestID generates a correlation id: unix-millis timestamp plus a
// random suffix, globally unique and roughly sortable by issue time.
func NewRequestID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Dispatch sends an execute-tool request over the channel and blocks
// until the matching reply, the deadline, or a channel failure.
func (c *Correlator) Dispatch(ctx context.Context, ch Channel, toolName string, args json.RawMessage) (*wire.ToolResultData, error) {
	requestID := NewRequestID()

	p := &pendingRequest{
		done:      make(chan settlement, 1),
		sessionID: ch.SessionID(),
	}

	c.mu.Lock()
	c.pending[requestID] = p
	c.mu.Unlock()

	msg := &wire.ExecuteTool{
		ToolName:  toolName,
		Args:      args,
		RequestID: requestID,
	}
	if err := ch.Send(msg); err != nil {
		c.remove(requestID)
		return nil, fmt.Errorf("sending execute-tool: %w", err)
	}

	c.logger.Debug("dispatched tool request",
		"tool_name", toolName,
		"request_id", requestID,
		"session_id", p.sessionID,
	)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case s := <-p.done:
		return s.data, s.err
	case <-ctx.Done():
		if !c.remove(requestID) {
			// A settlement won the race; take it.
			s := <-p.done
			return s.data, s.err
		}
		c.settled.Mark(requestID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.logger.Warn("tool request timed out",
				"tool_name", toolName,
				"request_id", requestID,
				"timeout", c.timeout,
			)
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}

// Resolve settles the pending request matching the reply, if any.
// Unknown or already-settled ids are a no-op: late replies are logged
// at Debug, ids the correlator never issued at Warn.
func (c *Correlator) Resolve(requestID string, data wire.ToolResultData) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		if c.settled.Check(requestID) {
			c.logger.Debug("dropping late reply for settled request", "request_id", requestID)
		} else {
			c.logger.Warn("received reply for unknown request", "request_id", requestID)
		}
		return
	}

	c.settled.Mark(requestID)
	p.done <- settlement{data: &data}
}

// FailSession rejects every pending request addressed to the given
// session. Called on channel close so callers fail immediately instead
// of waiting out their deadlines.
func (c *Correlator) FailSession(sessionID string, err error) {
	if err == nil {
		err = ErrSessionDisconnected
	}

	c.mu.Lock()
	var failed []*pendingRequest
	for id, p := range c.pending {
		if p.sessionID == sessionID {
			delete(c.pending, id)
			c.settled.Mark(id)
			failed = append(failed, p)
		}
	}
	c.mu.Unlock()

	for _, p := range failed {
		p.done <- settlement{err: err}
	}

	if len(failed) > 0 {
		c.logger.Info("failed pending requests for disconnected session",
			"session_id", sessionID,
			"count", len(failed),
		)
	}
}

// PendingCount returns the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects all pending requests and releases resources.
func (c *Correlator) Close() {
	c.mu.Lock()
	remaining := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range remaining {
		p.done <- settlement{err: ErrSessionDisconnected}
	}
	c.settled.Close()
}

// remove deletes a pending request, reporting whether it was present.
func (c *Correlator) remove(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	return ok
}
