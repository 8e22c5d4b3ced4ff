// ABOUTME: Tests for the session message codec.
// ABOUTME: Covers tag dispatch, result envelopes, and unknown-type handling.

package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRegisterTools(t *testing.T) {
	data := []byte(`{
		"type": "register-tools",
		"tools": [
			{"name": "ping", "description": "Health check", "inputSchema": {"type": "object"}},
			{"name": "fetch", "annotations": {"cache": true}}
		]
	}`)

	msg, err := Decode(data)
	require.NoError(t, err)

	reg, ok := msg.(*RegisterTools)
	require.True(t, ok, "expected *RegisterTools, got %T", msg)
	require.Len(t, reg.Tools, 2)
	assert.Equal(t, "ping", reg.Tools[0].Name)
	assert.False(t, reg.Tools[0].CacheRetained())
	assert.True(t, reg.Tools[1].CacheRetained())
}

func TestDecodeToolResult(t *testing.T) {
	data := []byte(`{
		"type": "tool-result",
		"requestId": "1700000000000-abcd1234",
		"data": {"success": true, "payload": "pong"}
	}`)

	msg, err := Decode(data)
	require.NoError(t, err)

	res, ok := msg.(*ToolResult)
	require.True(t, ok)
	assert.Equal(t, "1700000000000-abcd1234", res.RequestID)
	assert.True(t, res.Data.Success)
	assert.Equal(t, `"pong"`, string(res.Data.Payload))
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type": "self-destruct"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownMessage))
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{`))
	require.Error(t, err)
}

func TestEncodeExecuteTool(t *testing.T) {
	msg := &ExecuteTool{
		ToolName:  "ping",
		Args:      json.RawMessage(`{}`),
		RequestID: "req-1",
	}

	data, err := Encode(msg)
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "execute-tool", env["type"])
	assert.Equal(t, "ping", env["toolName"])
	assert.Equal(t, "req-1", env["requestId"])
}

func TestEncodeDecodeSessionActivated(t *testing.T) {
	data, err := Encode(&SessionActivated{})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.IsType(t, &SessionActivated{}, msg)
}
