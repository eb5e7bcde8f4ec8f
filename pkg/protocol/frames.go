package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Frame is one websocket message. Ordering is guaranteed by the channel; the
// server never reorders frames.
type Frame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client to server frame types.
const (
	FrameUserInput        = "user_input"
	FrameApprovalResponse = "approval_response"
	FrameGetContextInfo   = "get_context_info"
	FrameManualCompact    = "manual_compact"
)

// Server to client frame types.
const (
	FrameResponseItem     = "response_item"
	FrameLoadingState     = "loading_state"
	FrameApprovalRequest  = "approval_request"
	FrameAgentFinished    = "agent_finished"
	FrameContextInfo      = "context_info"
	FrameContextCompacted = "context_compacted"
	FrameError            = "error"
)

type UserInputPayload struct {
	Input []ConversationItem `json:"input"`
	// PreviousResponseID is accepted for wire compatibility and ignored; the
	// server resends the full transcript every turn.
	PreviousResponseID string `json:"previousResponseId,omitempty"`
}

type ReviewDecision string

const (
	ReviewYes        ReviewDecision = "yes"
	ReviewNoExit     ReviewDecision = "no-exit"
	ReviewNoContinue ReviewDecision = "no-continue"
	ReviewAlways     ReviewDecision = "always"
	ReviewExplain    ReviewDecision = "explain"
)

func (r ReviewDecision) Valid() bool {
	switch r {
	case ReviewYes, ReviewNoExit, ReviewNoContinue, ReviewAlways, ReviewExplain:
		return true
	}
	return false
}

type ApprovalResponsePayload struct {
	Review            ReviewDecision  `json:"review"`
	ApplyPatch        json.RawMessage `json:"applyPatch,omitempty"`
	CustomDenyMessage string          `json:"customDenyMessage,omitempty"`
}

type ApplyPatchRequest struct {
	Patch string `json:"patch"`
}

type ApprovalRequestPayload struct {
	Command    []string           `json:"command"`
	ApplyPatch *ApplyPatchRequest `json:"applyPatch,omitempty"`
}

type LoadingStatePayload struct {
	Loading bool `json:"loading"`
}

type AgentFinishedPayload struct {
	ResponseID string `json:"responseId"`
}

type ContextInfoPayload struct {
	TokenCount       int     `json:"tokenCount"`
	UsagePercent     float64 `json:"usagePercent"`
	TranscriptLength int     `json:"transcriptLength"`
	MaxTokens        int     `json:"maxTokens"`
	Strategy         string  `json:"strategy"`
}

type ContextCompactedPayload struct {
	OldTokenCount    int     `json:"oldTokenCount"`
	NewTokenCount    int     `json:"newTokenCount"`
	ReductionPercent float64 `json:"reductionPercent"`
	Strategy         string  `json:"strategy"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewFrameID() string {
	return "frm_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewFrame marshals payload and wraps it in a frame with a fresh id.
func NewFrame(frameType string, payload any) (Frame, error) {
	frame := Frame{ID: NewFrameID(), Type: frameType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", frameType, err)
		}
		frame.Payload = data
	}
	return frame, nil
}

// MustFrame is NewFrame for payload types that cannot fail to marshal.
func MustFrame(frameType string, payload any) Frame {
	frame, err := NewFrame(frameType, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	if frame.Type == "" {
		return Frame{}, fmt.Errorf("invalid frame: missing type")
	}
	return frame, nil
}

func DecodePayload[T any](frame Frame) (T, error) {
	var payload T
	if len(frame.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return payload, fmt.Errorf("invalid %s payload: %w", frame.Type, err)
	}
	return payload, nil
}
