package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerbay/agentd/pkg/config"
	"github.com/tinkerbay/agentd/pkg/contextmgr"
	"github.com/tinkerbay/agentd/pkg/llms"
	"github.com/tinkerbay/agentd/pkg/protocol"
	"github.com/tinkerbay/agentd/pkg/tokens"
	"github.com/tinkerbay/agentd/pkg/tools"
)

// scriptedProvider replays one event script per StreamTurn call.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  [][]llms.StreamEvent
	calls    int
	requests []llms.TurnRequest
	complete string
	prompts  []string
}

func (p *scriptedProvider) StreamTurn(ctx context.Context, req llms.TurnRequest) (<-chan llms.StreamEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var script []llms.StreamEvent
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	events := make(chan llms.StreamEvent, len(script))
	for _, event := range script {
		events <- event
	}
	close(events)
	return events, nil
}

func (p *scriptedProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()
	if p.complete == "" {
		return "a generated explanation", nil
	}
	return p.complete, nil
}

func (p *scriptedProvider) ModelName() string { return "test-model" }
func (p *scriptedProvider) Close() error      { return nil }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// gatedProvider holds its stream open until released, for tests that need a
// turn to be observably in flight.
type gatedProvider struct {
	scriptedProvider
	streamingOnce sync.Once
	streaming     chan struct{}
	release       chan struct{}
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{
		streaming: make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (p *gatedProvider) StreamTurn(ctx context.Context, req llms.TurnRequest) (<-chan llms.StreamEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.calls++
	p.mu.Unlock()

	events := make(chan llms.StreamEvent)
	go func() {
		defer close(events)
		p.streamingOnce.Do(func() { close(p.streaming) })
		<-p.release
		events <- llms.StreamEvent{Type: llms.EventText, Text: "all done"}
		events <- llms.StreamEvent{Type: llms.EventDone, ResponseID: "resp_1", StopReason: llms.StopEndTurn}
	}()
	return events, nil
}

// recordingSink captures frames by delivery path.
type recordingSink struct {
	mu        sync.Mutex
	sent      []protocol.Frame
	transient []protocol.Frame
	recorded  []protocol.Frame
}

func (s *recordingSink) Send(frame protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, frame)
	return nil
}

func (s *recordingSink) SendTransient(frame protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transient = append(s.transient, frame)
	return nil
}

func (s *recordingSink) Record(frame protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, frame)
	return nil
}

func (s *recordingSink) sentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.sent))
	for i, f := range s.sent {
		types[i] = f.Type
	}
	return types
}

func (s *recordingSink) findSent(frameType string) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Frame
	for _, f := range s.sent {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (s *recordingSink) findTransient(frameType string) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Frame
	for _, f := range s.transient {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func decodeItem(t *testing.T, frame protocol.Frame) protocol.ConversationItem {
	t.Helper()
	var item protocol.ConversationItem
	require.NoError(t, json.Unmarshal(frame.Payload, &item))
	return item
}

func newTestOrchestrator(t *testing.T, provider llms.Provider, policy config.ApprovalPolicy) (*Orchestrator, *recordingSink, *ApprovalCoordinator) {
	t.Helper()

	agentCfg := config.AgentConfig{
		ApprovalPolicy:   policy,
		WorkingDirectory: t.TempDir(),
		ShellTimeout:     10 * time.Second,
	}
	agentCfg.WritableRoots = []string{agentCfg.WorkingDirectory}

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewShellTool(agentCfg)))

	sink := &recordingSink{}
	approvals := NewApprovalCoordinator(sink, provider)
	dispatcher := NewDispatcher(registry, approvals, agentCfg)

	ctxCfg := config.ContextConfig{Strategy: config.StrategyPassive, MaxTokens: 128000, CompactionThreshold: 0.8}
	mgr := contextmgr.New(ctxCfg, provider, tokens.NewCounter("test-model"))

	return NewOrchestrator(provider, registry, dispatcher, mgr, sink, agentCfg), sink, approvals
}

func TestOrchestrator_PlainTextTurn(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llms.StreamEvent{{
		{Type: llms.EventText, Text: "h"},
		{Type: llms.EventText, Text: "i"},
		{Type: llms.EventDone, ResponseID: "resp_1", StopReason: llms.StopEndTurn},
	}}}
	orch, sink, _ := newTestOrchestrator(t, provider, config.PolicySuggest)

	require.NoError(t, orch.Run(context.Background(), []protocol.ConversationItem{protocol.NewUserMessage("hello")}))

	// Fragments go out transiently, one per delta, sharing an id.
	require.Len(t, sink.transient, 2)
	first := decodeItem(t, sink.transient[0])
	second := decodeItem(t, sink.transient[1])
	assert.Equal(t, first.ID, second.ID, "fragments must share an id")
	assert.Equal(t, protocol.StatusIncomplete, first.Status)

	// Exactly one coalesced assistant message is journaled.
	require.Len(t, sink.recorded, 1)
	coalesced := decodeItem(t, sink.recorded[0])
	assert.Equal(t, "hi", coalesced.TextContent())
	assert.Equal(t, protocol.StatusCompleted, coalesced.Status)

	// loading=true ... agent_finished, context_info, loading=false.
	assert.Equal(t, []string{
		protocol.FrameLoadingState,
		protocol.FrameAgentFinished,
		protocol.FrameContextInfo,
		protocol.FrameLoadingState,
	}, sink.sentTypes())

	finished := sink.findSent(protocol.FrameAgentFinished)
	var payload protocol.AgentFinishedPayload
	require.NoError(t, json.Unmarshal(finished[0].Payload, &payload))
	assert.Equal(t, "resp_1", payload.ResponseID)
}

func TestOrchestrator_ToolCallLoop(t *testing.T) {
	args := json.RawMessage(`{"command":["ls"]}`)
	provider := &scriptedProvider{scripts: [][]llms.StreamEvent{
		{
			{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{ID: "call_1", Name: "shell", Arguments: args}},
			{Type: llms.EventDone, ResponseID: "resp_1", StopReason: llms.StopToolUse},
		},
		{
			{Type: llms.EventText, Text: "done listing"},
			{Type: llms.EventDone, ResponseID: "resp_2", StopReason: llms.StopEndTurn},
		},
	}}
	orch, sink, _ := newTestOrchestrator(t, provider, config.PolicySuggest)

	require.NoError(t, orch.Run(context.Background(), []protocol.ConversationItem{protocol.NewUserMessage("run ls")}))

	// ls is on the read-only allow-list: no approval traffic.
	assert.Empty(t, sink.findSent(protocol.FrameApprovalRequest))

	items := sink.findSent(protocol.FrameResponseItem)
	require.Len(t, items, 2, "want tool call + tool result")
	call := decodeItem(t, items[0])
	result := decodeItem(t, items[1])
	assert.Equal(t, protocol.ItemTypeToolCall, call.Type)
	assert.Equal(t, "call_1", call.CallID)
	assert.Equal(t, protocol.ItemTypeToolResult, result.Type)
	assert.Equal(t, "call_1", result.CallID)

	var doc struct {
		Metadata struct {
			ExitCode int `json:"exit_code"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Output), &doc), "tool result output must be JSON")
	assert.Equal(t, 0, doc.Metadata.ExitCode)

	// The second provider request carries the call and result items.
	require.Equal(t, 2, provider.callCount())
	second := provider.requests[1]
	var sawCall, sawResult bool
	for _, item := range second.Items {
		switch item.Type {
		case protocol.ItemTypeToolCall:
			sawCall = true
		case protocol.ItemTypeToolResult:
			sawResult = true
		}
	}
	assert.True(t, sawCall && sawResult, "second request missing tool call/result items")
}

func TestOrchestrator_BadToolArgument(t *testing.T) {
	args := json.RawMessage(`{"command":"ls"}`)
	provider := &scriptedProvider{scripts: [][]llms.StreamEvent{
		{
			{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{ID: "call_1", Name: "shell", Arguments: args}},
			{Type: llms.EventDone, ResponseID: "resp_1", StopReason: llms.StopToolUse},
		},
		{
			{Type: llms.EventText, Text: "sorry"},
			{Type: llms.EventDone, ResponseID: "resp_2", StopReason: llms.StopEndTurn},
		},
	}}
	orch, sink, _ := newTestOrchestrator(t, provider, config.PolicySuggest)

	require.NoError(t, orch.Run(context.Background(), []protocol.ConversationItem{protocol.NewUserMessage("x")}))

	assert.Empty(t, sink.findSent(protocol.FrameApprovalRequest), "approval requested for a malformed call")

	items := sink.findSent(protocol.FrameResponseItem)
	result := decodeItem(t, items[1])
	assert.True(t, result.IsError)
	assert.Equal(t, "Error: 'command' must be an array of strings", result.Output)
	assert.Equal(t, "call_1", result.CallID)
}

func TestOrchestrator_ApprovalYes(t *testing.T) {
	args := json.RawMessage(`{"command":["touch","f"]}`)
	provider := &scriptedProvider{scripts: [][]llms.StreamEvent{
		{
			{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{ID: "call_1", Name: "shell", Arguments: args}},
			{Type: llms.EventDone, StopReason: llms.StopToolUse},
		},
		{
			{Type: llms.EventText, Text: "created"},
			{Type: llms.EventDone, ResponseID: "resp_2", StopReason: llms.StopEndTurn},
		},
	}}
	orch, sink, approvals := newTestOrchestrator(t, provider, config.PolicySuggest)

	// Play the client: approve once the request shows up.
	go resolveWhenRequested(sink, approvals, protocol.ApprovalResponsePayload{Review: protocol.ReviewYes})

	require.NoError(t, orch.Run(context.Background(), []protocol.ConversationItem{protocol.NewUserMessage("touch f")}))

	requests := sink.findSent(protocol.FrameApprovalRequest)
	require.Len(t, requests, 1)
	var reqPayload protocol.ApprovalRequestPayload
	require.NoError(t, json.Unmarshal(requests[0].Payload, &reqPayload))
	assert.Equal(t, []string{"touch", "f"}, reqPayload.Command)

	items := sink.findSent(protocol.FrameResponseItem)
	result := decodeItem(t, items[len(items)-1])
	assert.Equal(t, protocol.ItemTypeToolResult, result.Type)
	assert.False(t, result.IsError)
}

func TestOrchestrator_ApprovalDenyContinue(t *testing.T) {
	args := json.RawMessage(`{"command":["rm","-rf","x"]}`)
	provider := &scriptedProvider{scripts: [][]llms.StreamEvent{
		{
			{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{ID: "call_1", Name: "shell", Arguments: args}},
			{Type: llms.EventDone, StopReason: llms.StopToolUse},
		},
		{
			{Type: llms.EventText, Text: "understood"},
			{Type: llms.EventDone, ResponseID: "resp_2", StopReason: llms.StopEndTurn},
		},
	}}
	orch, sink, approvals := newTestOrchestrator(t, provider, config.PolicySuggest)

	go resolveWhenRequested(sink, approvals, protocol.ApprovalResponsePayload{
		Review:            protocol.ReviewNoContinue,
		CustomDenyMessage: "not on my machine",
	})

	require.NoError(t, orch.Run(context.Background(), []protocol.ConversationItem{protocol.NewUserMessage("x")}))

	items := sink.findSent(protocol.FrameResponseItem)
	result := decodeItem(t, items[1])
	// Denial is a non-error result carrying the custom message.
	assert.False(t, result.IsError)
	assert.Equal(t, "not on my machine", result.Output)

	// The model was re-invoked and the turn completed normally.
	assert.Equal(t, 2, provider.callCount())
}

func TestOrchestrator_NoExitDenialSkipsLaterCalls(t *testing.T) {
	// One stream carries two tool calls. The first is denied with no-exit;
	// the second (auto-approvable) must not run, and the provider must not be
	// re-invoked.
	deny := json.RawMessage(`{"command":["rm","-rf","x"]}`)
	list := json.RawMessage(`{"command":["ls"]}`)
	provider := &scriptedProvider{scripts: [][]llms.StreamEvent{{
		{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{ID: "call_1", Name: "shell", Arguments: deny}},
		{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{ID: "call_2", Name: "shell", Arguments: list}},
		{Type: llms.EventDone, ResponseID: "resp_1", StopReason: llms.StopToolUse},
	}}}
	orch, sink, approvals := newTestOrchestrator(t, provider, config.PolicySuggest)

	go resolveWhenRequested(sink, approvals, protocol.ApprovalResponsePayload{Review: protocol.ReviewNoExit})

	require.NoError(t, orch.Run(context.Background(), []protocol.ConversationItem{protocol.NewUserMessage("x")}))

	assert.Equal(t, 1, provider.callCount(), "no-exit must end the turn without re-invoking the provider")

	items := sink.findSent(protocol.FrameResponseItem)
	require.Len(t, items, 2, "only the denied call and its result may go out")
	call := decodeItem(t, items[0])
	result := decodeItem(t, items[1])
	assert.Equal(t, "call_1", call.CallID)
	assert.Equal(t, "call_1", result.CallID)
	assert.Equal(t, defaultDenyMessage, result.Output)

	for _, item := range orch.Transcript() {
		assert.NotEqual(t, "call_2", item.CallID, "skipped call leaked into the transcript")
	}
}

func TestOrchestrator_ProviderError(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llms.StreamEvent{{
		{Type: llms.EventText, Text: "partial"},
		{Type: llms.EventError, Err: context.DeadlineExceeded},
	}}}
	orch, sink, _ := newTestOrchestrator(t, provider, config.PolicySuggest)

	err := orch.Run(context.Background(), []protocol.ConversationItem{protocol.NewUserMessage("x")})
	require.Error(t, err)

	items := sink.findSent(protocol.FrameResponseItem)
	notice := decodeItem(t, items[len(items)-1])
	assert.Equal(t, protocol.ItemTypeSystemNotice, notice.Type)
	assert.Contains(t, notice.Text, "Model request failed")

	// Loading is cleared; no agent_finished.
	types := sink.sentTypes()
	assert.Equal(t, protocol.FrameLoadingState, types[len(types)-1])
	assert.Empty(t, sink.findSent(protocol.FrameAgentFinished))

	// The session stays usable.
	provider.mu.Lock()
	provider.scripts = append(provider.scripts, []llms.StreamEvent{
		{Type: llms.EventText, Text: "recovered"},
		{Type: llms.EventDone, ResponseID: "resp_2", StopReason: llms.StopEndTurn},
	})
	provider.mu.Unlock()
	require.NoError(t, orch.Run(context.Background(), []protocol.ConversationItem{protocol.NewUserMessage("again")}))
}

func TestOrchestrator_ManualCompactWaitsForTurn(t *testing.T) {
	provider := newGatedProvider()
	provider.complete = "short summary"
	orch, sink, _ := newTestOrchestrator(t, provider, config.PolicySuggest)

	input := protocol.NewUserMessage("please refactor the tokenizer " + strings.Repeat("and keep the benchmarks green ", 20))

	runDone := make(chan error, 1)
	go func() {
		runDone <- orch.Run(context.Background(), []protocol.ConversationItem{input})
	}()
	<-provider.streaming

	compactDone := make(chan error, 1)
	go func() {
		compactDone <- orch.CompactNow(context.Background())
	}()

	// The compaction must not proceed while the turn is streaming.
	select {
	case err := <-compactDone:
		t.Fatalf("CompactNow() returned mid-turn: %v", err)
	case <-time.After(75 * time.Millisecond):
	}

	close(provider.release)
	require.NoError(t, <-runDone)
	require.NoError(t, <-compactDone)

	// The summarizer saw the finished turn, user input included.
	provider.mu.Lock()
	require.Len(t, provider.prompts, 1)
	prompt := provider.prompts[0]
	provider.mu.Unlock()
	assert.Contains(t, prompt, "refactor the tokenizer")
	assert.Contains(t, prompt, "all done")

	transcript := orch.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, protocol.ItemTypeAssistantMessage, transcript[0].Type)
	assert.Contains(t, transcript[0].TextContent(), "short summary")

	require.Len(t, sink.findSent(protocol.FrameContextCompacted), 1)
}

func TestOrchestrator_Terminate(t *testing.T) {
	provider := &scriptedProvider{}
	orch, _, _ := newTestOrchestrator(t, provider, config.PolicySuggest)

	orch.Terminate()
	err := orch.Run(context.Background(), []protocol.ConversationItem{protocol.NewUserMessage("x")})
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestOrchestrator_InitializeTranscript(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llms.StreamEvent{{
		{Type: llms.EventText, Text: "continuing"},
		{Type: llms.EventDone, ResponseID: "resp_1", StopReason: llms.StopEndTurn},
	}}}
	orch, _, _ := newTestOrchestrator(t, provider, config.PolicySuggest)

	prior := []protocol.ConversationItem{
		protocol.NewUserMessage("earlier question"),
		protocol.NewAssistantMessage("", "earlier answer", protocol.StatusCompleted),
	}
	orch.InitializeTranscript(prior)

	// Seeding issues no provider call.
	require.Equal(t, 0, provider.callCount())

	require.NoError(t, orch.Run(context.Background(), []protocol.ConversationItem{protocol.NewUserMessage("and again?")}))

	req := provider.requests[0]
	require.Len(t, req.Items, 3, "want prior 2 + new 1")
	assert.Equal(t, "earlier question", req.Items[0].TextContent())
	assert.Equal(t, "and again?", req.Items[2].TextContent())
}
