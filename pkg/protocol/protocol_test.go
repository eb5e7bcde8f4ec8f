package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIDs(t *testing.T) {
	id := NewSessionID()
	assert.Len(t, id, 40)
	assert.True(t, IsSessionID(id))

	assert.NotEqual(t, id, NewSessionID())

	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"too short", "abc123", false},
		{"uppercase", "ABCDEF0123456789ABCDEF0123456789ABCDEF01", false},
		{"non-hex", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", false},
		{"valid", "abcdef0123456789abcdef0123456789abcdef01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSessionID(tt.in))
		})
	}
}

func TestTextContent(t *testing.T) {
	msg := ConversationItem{
		Type: ItemTypeAssistantMessage,
		Content: []ContentPart{
			{Type: ContentPartOutputText, Text: "hello "},
			{Type: ContentPartOutputText, Text: "world"},
		},
	}
	assert.Equal(t, "hello world", msg.TextContent())

	empty := ConversationItem{Type: ItemTypeToolResult, Output: "ignored"}
	assert.Equal(t, "", empty.TextContent())
}

func TestAssistantFragmentsShareMessageIdentity(t *testing.T) {
	id := NewItemID()
	a := NewAssistantFragment(id, "par")
	b := NewAssistantFragment(id, "tial")

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, StatusIncomplete, a.Status)

	final := NewAssistantMessage(id, "partial", StatusCompleted)
	assert.Equal(t, id, final.ID)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestConversationItemRoundTrip(t *testing.T) {
	call := NewToolCall("call_1", "shell", json.RawMessage(`{"command":["ls"]}`))

	data, err := json.Marshal(call)
	require.NoError(t, err)

	var got ConversationItem
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ItemTypeToolCall, got.Type)
	assert.Equal(t, "call_1", got.CallID)
	assert.Equal(t, "shell", got.Name)
	assert.JSONEq(t, `{"command":["ls"]}`, string(got.Arguments))
}

func TestDecodeFrame(t *testing.T) {
	frame := MustFrame(FrameUserInput, UserInputPayload{
		Input: []ConversationItem{NewUserMessage("hi")},
	})
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	got, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, FrameUserInput, got.Type)

	payload, err := DecodePayload[UserInputPayload](got)
	require.NoError(t, err)
	require.Len(t, payload.Input, 1)
	assert.Equal(t, "hi", payload.Input[0].TextContent())
}

func TestDecodeFrame_Invalid(t *testing.T) {
	_, err := DecodeFrame([]byte("not json"))
	require.Error(t, err)

	_, err = DecodeFrame([]byte(`{"id":"frm_1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type")
}

func TestDecodePayload_Mismatch(t *testing.T) {
	frame := Frame{ID: "frm_1", Type: FrameApprovalResponse, Payload: json.RawMessage(`{"review":42}`)}
	_, err := DecodePayload[ApprovalResponsePayload](frame)
	require.Error(t, err)
}

func TestReviewDecisionValid(t *testing.T) {
	for _, r := range []ReviewDecision{ReviewYes, ReviewNoExit, ReviewNoContinue, ReviewAlways, ReviewExplain} {
		assert.True(t, r.Valid(), string(r))
	}
	assert.False(t, ReviewDecision("maybe").Valid())
}
