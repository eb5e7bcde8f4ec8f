// Package protocol defines the conversation data model and the framed
// message types exchanged with clients.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

type ItemType string

const (
	ItemTypeUserMessage      ItemType = "user_message"
	ItemTypeAssistantMessage ItemType = "assistant_message"
	ItemTypeToolCall         ItemType = "tool_call"
	ItemTypeToolResult       ItemType = "tool_result"
	ItemTypeReasoning        ItemType = "reasoning"
	ItemTypeSystemNotice     ItemType = "system_notice"
)

type MessageStatus string

const (
	StatusCompleted  MessageStatus = "completed"
	StatusIncomplete MessageStatus = "incomplete"
)

type ContentPartType string

const (
	ContentPartInputText  ContentPartType = "input_text"
	ContentPartOutputText ContentPartType = "output_text"
)

type ContentPart struct {
	Type ContentPartType `json:"type"`
	Text string          `json:"text"`
}

// ConversationItem is the tagged variant carried by transcripts, journals and
// the wire. Which fields are populated depends on Type.
type ConversationItem struct {
	ID   string   `json:"id"`
	Type ItemType `json:"type"`

	// UserMessage / AssistantMessage
	Content []ContentPart `json:"content,omitempty"`
	Status  MessageStatus `json:"status,omitempty"`

	// ToolCall
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CallID    string          `json:"call_id,omitempty"`

	// ToolResult
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// Reasoning / SystemNotice
	Text       string `json:"text,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// TextContent concatenates the text parts of a message item in order.
func (it *ConversationItem) TextContent() string {
	if len(it.Content) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range it.Content {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func NewItemID() string {
	return "item_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// NewSessionID returns a 40-hex-character session identifier (a UUID with
// the dashes stripped, plus an 8-hex suffix for width).
func NewSessionID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// IsSessionID reports whether s looks like a session id.
func IsSessionID(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func NewUserMessage(text string) ConversationItem {
	return ConversationItem{
		ID:      NewItemID(),
		Type:    ItemTypeUserMessage,
		Content: []ContentPart{{Type: ContentPartInputText, Text: text}},
	}
}

func NewAssistantMessage(id, text string, status MessageStatus) ConversationItem {
	if id == "" {
		id = NewItemID()
	}
	return ConversationItem{
		ID:      id,
		Type:    ItemTypeAssistantMessage,
		Content: []ContentPart{{Type: ContentPartOutputText, Text: text}},
		Status:  status,
	}
}

// NewAssistantFragment builds a streaming delta of the assistant message
// identified by id. Fragments sharing an id belong to the same final message.
func NewAssistantFragment(id, delta string) ConversationItem {
	return ConversationItem{
		ID:      id,
		Type:    ItemTypeAssistantMessage,
		Content: []ContentPart{{Type: ContentPartOutputText, Text: delta}},
		Status:  StatusIncomplete,
	}
}

func NewToolCall(callID, name string, arguments json.RawMessage) ConversationItem {
	return ConversationItem{
		ID:        NewItemID(),
		Type:      ItemTypeToolCall,
		Name:      name,
		Arguments: arguments,
		CallID:    callID,
	}
}

func NewToolResult(callID, output string, isError bool) ConversationItem {
	return ConversationItem{
		ID:      NewItemID(),
		Type:    ItemTypeToolResult,
		CallID:  callID,
		Output:  output,
		IsError: isError,
	}
}

func NewSystemNotice(text string) ConversationItem {
	return ConversationItem{
		ID:   NewItemID(),
		Type: ItemTypeSystemNotice,
		Text: text,
	}
}
