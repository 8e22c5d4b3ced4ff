// ABOUTME: Tagged-union message contract between sessions and the hub.
// ABOUTME: Defines tool descriptors and the JSON codec for session messages.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessage indicates a message with an unrecognized type tag.
var ErrUnknownMessage = errors.New("unknown message type")

// MessageType discriminates session messages.
type MessageType string

// Message types exchanged between sessions and the hub.
const (
	TypeRegisterTools    MessageType = "register-tools"
	TypeToolsUpdated     MessageType = "tools-updated"
	TypeToolResult       MessageType = "tool-result"
	TypeExecuteTool      MessageType = "execute-tool"
	TypeSessionActivated MessageType = "session-activated"
)

// Message is implemented by every concrete session message.
type Message interface {
	MessageType() MessageType
}

// ToolAnnotations carries optional behavior flags on a tool descriptor.
type ToolAnnotations struct {
	Cache bool `json:"cache,omitempty"`
}

// ToolDescriptor describes one invokable tool advertised by a session.
type ToolDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema json.RawMessage  `json:"inputSchema,omitempty"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// CacheRetained reports whether the tool should stay in the catalog
// after its owning session disconnects.
func (d ToolDescriptor) CacheRetained() bool {
	return d.Annotations != nil && d.Annotations.Cache
}

// RegisterTools is a full snapshot of a session's tools. It replaces
// any prior list for the sending session's domain.
type RegisterTools struct {
	Tools []ToolDescriptor `json:"tools"`
}

// MessageType implements Message.
func (*RegisterTools) MessageType() MessageType { return TypeRegisterTools }

// ToolsUpdated carries the same shape as RegisterTools and is diffed
// against the previous snapshot.
type ToolsUpdated struct {
	Tools []ToolDescriptor `json:"tools"`
}

// MessageType implements Message.
func (*ToolsUpdated) MessageType() MessageType { return TypeToolsUpdated }

// ToolResultData is the result envelope inside a tool-result message.
type ToolResultData struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ToolResult is a session's response to a hub-issued execute-tool request.
type ToolResult struct {
	RequestID string         `json:"requestId"`
	Data      ToolResultData `json:"data"`
}

// MessageType implements Message.
func (*ToolResult) MessageType() MessageType { return TypeToolResult }

// ExecuteTool asks a session to run one of its tools.
type ExecuteTool struct {
	ToolName  string          `json:"toolName"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"requestId"`
}

// MessageType implements Message.
func (*ExecuteTool) MessageType() MessageType { return TypeExecuteTool }

// SessionActivated signals that the sending session became the
// focused session in the host environment.
type SessionActivated struct{}

// MessageType implements Message.
func (*SessionActivated) MessageType() MessageType { return TypeSessionActivated }

// envelope is the on-the-wire shape: a type tag plus the union of all
// message fields. Only the fields for the tagged type are populated.
type envelope struct {
	Type      MessageType      `json:"type"`
	Tools     []ToolDescriptor `json:"tools,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
	Data      *ToolResultData  `json:"data,omitempty"`
	ToolName  string           `json:"toolName,omitempty"`
	Args      json.RawMessage  `json:"args,omitempty"`
}

// Encode serializes a message with its type tag.
func Encode(msg Message) ([]byte, error) {
	env := envelope{Type: msg.MessageType()}

	switch m := msg.(type) {
	case *RegisterTools:
		env.Tools = m.Tools
	case *ToolsUpdated:
		env.Tools = m.Tools
	case *ToolResult:
		env.RequestID = m.RequestID
		env.Data = &m.Data
	case *ExecuteTool:
		env.ToolName = m.ToolName
		env.Args = m.Args
		env.RequestID = m.RequestID
	case *SessionActivated:
		// type tag only
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}

	return json.Marshal(env)
}

// Decode parses a raw message into its concrete type.
// Returns ErrUnknownMessage for unrecognized type tags.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	switch env.Type {
	case TypeRegisterTools:
		return &RegisterTools{Tools: env.Tools}, nil
	case TypeToolsUpdated:
		return &ToolsUpdated{Tools: env.Tools}, nil
	case TypeToolResult:
		msg := &ToolResult{RequestID: env.RequestID}
		if env.Data != nil {
			msg.Data = *env.Data
		}
		return msg, nil
	case TypeExecuteTool:
		return &ExecuteTool{ToolName: env.ToolName, Args: env.Args, RequestID: env.RequestID}, nil
	case TypeSessionActivated:
		return &SessionActivated{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}
