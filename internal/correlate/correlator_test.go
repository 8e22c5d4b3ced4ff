// ABOUTME: Tests for request correlation including timeouts and late replies.
// ABOUTME: Validates at-most-one settlement and disconnect short-circuiting.

package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/wire"
)

// fakeChannel records sent messages and optionally fails sends.
type fakeChannel struct {
	mu        sync.Mutex
	sessionID string
	sent      []wire.Message
	sendErr   error
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{sessionID: id}
}

func (f *fakeChannel) Send(msg wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) SessionID() string { return f.sessionID }

// lastRequestID returns the request id of the most recent execute-tool message.
func (f *fakeChannel) lastRequestID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	exec, ok := f.sent[len(f.sent)-1].(*wire.ExecuteTool)
	if !ok {
		return ""
	}
	return exec.RequestID
}

func TestDispatchResolvesWithReply(t *testing.T) {
	c := New(Config{Timeout: 5 * time.Second})
	defer c.Close()
	ch := newFakeChannel("sess-1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Wait for the request to hit the channel, then reply.
		for ch.lastRequestID() == "" {
			time.Sleep(time.Millisecond)
		}
		c.Resolve(ch.lastRequestID(), wire.ToolResultData{
			Success: true,
			Payload: json.RawMessage(`"pong"`),
		})
	}()

	result, err := c.Dispatch(context.Background(), ch, "ping", json.RawMessage(`{}`))
	wg.Wait()

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, `"pong"`, string(result.Payload))
	assert.Equal(t, 0, c.PendingCount())
}

func TestDispatchTimeout(t *testing.T) {
	c := New(Config{Timeout: 20 * time.Millisecond})
	defer c.Close()
	ch := newFakeChannel("sess-1")

	_, err := c.Dispatch(context.Background(), ch, "ping", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestTimeout))
	assert.Equal(t, 0, c.PendingCount())
}

func TestLateReplyAfterTimeoutIsIgnored(t *testing.T) {
	c := New(Config{Timeout: 20 * time.Millisecond})
	defer c.Close()
	ch := newFakeChannel("sess-1")

	_, err := c.Dispatch(context.Background(), ch, "ping", nil)
	require.True(t, errors.Is(err, ErrRequestTimeout))

	// A reply arriving after the deadline must be a silent no-op.
	c.Resolve(ch.lastRequestID(), wire.ToolResultData{Success: true})
	assert.Equal(t, 0, c.PendingCount())
}

func TestResolveUnknownIDIsNoOp(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	c.Resolve("never-issued", wire.ToolResultData{Success: true})
}

func TestDispatchSendFailure(t *testing.T) {
	c := New(Config{Timeout: time.Second})
	defer c.Close()
	ch := newFakeChannel("sess-1")
	ch.sendErr = errors.New("socket gone")

	_, err := c.Dispatch(context.Background(), ch, "ping", nil)
	require.Error(t, err)
	assert.Equal(t, 0, c.PendingCount())
}

func TestFailSessionRejectsPending(t *testing.T) {
	c := New(Config{Timeout: 5 * time.Second})
	defer c.Close()
	ch := newFakeChannel("sess-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(context.Background(), ch, "ping", nil)
		errCh <- err
	}()

	for c.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	c.FailSession("sess-1", nil)

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrSessionDisconnected))
	case <-time.After(time.Second):
		t.Fatal("dispatch did not fail after FailSession")
	}
}

func TestFailSessionLeavesOtherSessionsAlone(t *testing.T) {
	c := New(Config{Timeout: 5 * time.Second})
	defer c.Close()
	ch1 := newFakeChannel("sess-1")
	ch2 := newFakeChannel("sess-2")

	errs := make(chan error, 2)
	go func() {
		_, err := c.Dispatch(context.Background(), ch1, "ping", nil)
		errs <- err
	}()
	go func() {
		_, err := c.Dispatch(context.Background(), ch2, "ping", nil)
		errs <- err
	}()

	for c.PendingCount() < 2 {
		time.Sleep(time.Millisecond)
	}
	c.FailSession("sess-1", nil)

	// Only the sess-1 request fails; sess-2 can still be resolved.
	err := <-errs
	assert.True(t, errors.Is(err, ErrSessionDisconnected))
	assert.Equal(t, 1, c.PendingCount())

	c.Resolve(ch2.lastRequestID(), wire.ToolResultData{Success: true})
	require.NoError(t, <-errs)
}

func TestConcurrentRequestsNoCrossTalk(t *testing.T) {
	c := New(Config{Timeout: 5 * time.Second})
	defer c.Close()

	const n = 20
	channels := make([]*fakeChannel, n)
	results := make(chan string, n)

	for i := 0; i < n; i++ {
		channels[i] = newFakeChannel("sess-shared")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Dispatch(context.Background(), channels[i], "echo", nil)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- string(res.Payload)
		}(i)
	}

	// Reply to each request with a payload derived from its own id, so
	// any cross-talk between correlation ids shows up as a mismatch.
	replied := make(map[string]bool)
	for len(replied) < n {
		for _, ch := range channels {
			id := ch.lastRequestID()
			if id != "" && !replied[id] {
				replied[id] = true
				c.Resolve(id, wire.ToolResultData{
					Success: true,
					Payload: json.RawMessage(`"` + id + `"`),
				})
			}
		}
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for payload := range results {
		require.NotContains(t, payload, "error:")
		assert.False(t, seen[payload], "payload %s delivered twice", payload)
		seen[payload] = true
	}
	assert.Len(t, seen, n)
}

func TestNewRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRequestID()
		require.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}
