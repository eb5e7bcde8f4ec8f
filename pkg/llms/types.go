// Package llms adapts the conversation model to provider wire formats and
// streams model output back as events.
package llms

import (
	"context"
	"encoding/json"

	"github.com/tinkerbay/agentd/pkg/protocol"
)

// ToolDefinition describes a tool in the provider-neutral schema shape.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolCall is a completed tool invocation request emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Stop reasons reported on the done event.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

type StreamEventType string

const (
	EventText     StreamEventType = "text"
	EventToolCall StreamEventType = "tool_call"
	EventDone     StreamEventType = "done"
	EventError    StreamEventType = "error"
)

// StreamEvent is one unit of streamed model output. Text deltas arrive as
// they are generated; tool calls arrive complete once their arguments have
// fully streamed; exactly one done or error event terminates the stream.
type StreamEvent struct {
	Type       StreamEventType
	Text       string
	ToolCall   *ToolCall
	ResponseID string
	StopReason string
	Tokens     int
	Err        error
}

// TurnRequest carries the full transcript for one model turn. The transcript
// is resent in full on every request; adapters derive their own wire shape
// from it.
type TurnRequest struct {
	System string
	Items  []protocol.ConversationItem
	Tools  []ToolDefinition
}

// Provider is a model backend. StreamTurn runs one streaming turn over the
// transcript; Complete runs a single non-streaming prompt, used for context
// summaries and approval explanations.
type Provider interface {
	StreamTurn(ctx context.Context, req TurnRequest) (<-chan StreamEvent, error)

	Complete(ctx context.Context, system, prompt string) (string, error)

	ModelName() string

	Close() error
}
