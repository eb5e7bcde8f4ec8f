package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinkerbay/agentd/pkg/config"
	"github.com/tinkerbay/agentd/pkg/contextmgr"
	"github.com/tinkerbay/agentd/pkg/llms"
	"github.com/tinkerbay/agentd/pkg/observability"
	"github.com/tinkerbay/agentd/pkg/protocol"
	"github.com/tinkerbay/agentd/pkg/tools"
)

// ErrTerminated is returned by Run after Terminate; the orchestrator is
// unusable from that point on.
var ErrTerminated = errors.New("orchestrator terminated")

// maxTurnIterations bounds the tool-use loop within one turn.
const maxTurnIterations = 50

// Orchestrator drives turns for one session. One Run executes at a time;
// Cancel bumps the generation counter so late stream events and tool
// callbacks drop their effects.
type Orchestrator struct {
	provider   llms.Provider
	registry   *tools.Registry
	dispatcher *Dispatcher
	ctxmgr     *contextmgr.Manager
	sink       Sink
	cfg        config.AgentConfig

	generation atomic.Int64
	terminated atomic.Bool

	// turnMu serializes turns and manual compactions: a compaction can
	// never replace the transcript while a turn is streaming into it.
	turnMu sync.Mutex

	mu         sync.Mutex
	transcript *Transcript
	cancelTurn context.CancelFunc
	fragments  []string
	fragmentID string
}

func NewOrchestrator(provider llms.Provider, registry *tools.Registry, dispatcher *Dispatcher, ctxMgr *contextmgr.Manager, sink Sink, cfg config.AgentConfig) *Orchestrator {
	return &Orchestrator{
		provider:   provider,
		registry:   registry,
		dispatcher: dispatcher,
		ctxmgr:     ctxMgr,
		sink:       sink,
		cfg:        cfg,
		transcript: NewTranscript(),
	}
}

// InitializeTranscript bulk-seeds the conversation state without a provider
// call. Session resume is the only caller.
func (o *Orchestrator) InitializeTranscript(items []protocol.ConversationItem) {
	o.transcript.Replace(items)
}

// Transcript exposes the current conversation items (for context_info).
func (o *Orchestrator) Transcript() []protocol.ConversationItem {
	return o.transcript.Items()
}

// ContextInfo snapshots current usage.
func (o *Orchestrator) ContextInfo() protocol.ContextInfoPayload {
	return o.ctxmgr.Info(o.transcript.Items())
}

// Cancel aborts the in-flight turn. Stream events and tool results that
// arrive late compare their captured generation against the counter and
// discard themselves. Safe to call repeatedly.
func (o *Orchestrator) Cancel() {
	o.generation.Add(1)
	o.mu.Lock()
	cancel := o.cancelTurn
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Terminate cancels and makes the orchestrator permanently unusable.
func (o *Orchestrator) Terminate() {
	o.terminated.Store(true)
	o.Cancel()
}

// Run executes one turn: stream the model, dispatch tool calls, loop while
// the model keeps requesting tools, then run the turn-end hook. Returns when
// the turn ends, is canceled, or fails.
func (o *Orchestrator) Run(ctx context.Context, input []protocol.ConversationItem) error {
	if o.terminated.Load() {
		return ErrTerminated
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	g := o.generation.Add(1)
	turnCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelTurn = cancel
	o.fragments = nil
	o.fragmentID = ""
	o.mu.Unlock()
	defer cancel()

	tracer := observability.GetTracer("agentd/orchestrator")
	turnCtx, span := tracer.Start(turnCtx, "agent.turn")
	defer span.End()

	start := time.Now()
	err := o.runTurn(turnCtx, g, input)
	if err != nil {
		span.RecordError(err)
	}
	observability.GetGlobalMetrics().RecordTurn(time.Since(start), err)
	return err
}

func (o *Orchestrator) runTurn(ctx context.Context, g int64, input []protocol.ConversationItem) error {
	if err := o.sink.Send(protocol.MustFrame(protocol.FrameLoadingState, protocol.LoadingStatePayload{Loading: true})); err != nil {
		return err
	}

	o.transcript.Append(input...)

	if o.ctxmgr.ShouldWarn(o.transcript.Items()) {
		notice := protocol.NewSystemNotice("Context usage has exceeded 90% of the window. Consider compacting.")
		if err := o.sink.Send(protocol.MustFrame(protocol.FrameResponseItem, notice)); err != nil {
			slog.Warn("Failed to send context warning", "error", err)
		}
	}

	responseID := ""
	for iteration := 0; iteration < maxTurnIterations; iteration++ {
		id, again, err := o.streamOnce(ctx, g)
		if err != nil {
			return o.failTurn(g, err)
		}
		if o.stale(g) {
			return nil
		}
		if id != "" {
			responseID = id
		}
		if !again {
			break
		}
	}

	return o.finishTurn(ctx, g, responseID)
}

// streamOnce issues one provider request and consumes its stream. again is
// true when the model stopped for tool use and expects a re-invocation with
// the accumulated results.
func (o *Orchestrator) streamOnce(ctx context.Context, g int64) (responseID string, again bool, err error) {
	req := llms.TurnRequest{
		System: o.cfg.Instructions,
		Items:  o.transcript.Items(),
		Tools:  o.registry.Definitions(),
	}

	llmStart := time.Now()
	events, err := o.provider.StreamTurn(ctx, req)
	if err != nil {
		observability.GetGlobalMetrics().RecordLLMCall(o.provider.ModelName(), time.Since(llmStart), err)
		return "", false, err
	}

	stopReason := llms.StopEndTurn
	var streamErr error
	var stopTurn bool

	for event := range events {
		if o.stale(g) {
			// Drain without side effects; the producer goroutine must not
			// block on a full channel.
			continue
		}

		switch event.Type {
		case llms.EventText:
			o.handleText(event.Text)

		case llms.EventToolCall:
			// Once a denial has stopped the turn, later calls from the same
			// stream are not dispatched.
			if !stopTurn {
				stopTurn = o.handleToolCall(ctx, g, event.ToolCall)
			}

		case llms.EventDone:
			responseID = event.ResponseID
			stopReason = event.StopReason

		case llms.EventError:
			streamErr = event.Err
		}
	}
	observability.GetGlobalMetrics().RecordLLMCall(o.provider.ModelName(), time.Since(llmStart), streamErr)

	if streamErr != nil {
		return responseID, false, streamErr
	}
	if stopTurn {
		return responseID, false, nil
	}
	return responseID, stopReason == llms.StopToolUse, nil
}

// handleText forwards a streaming fragment to the client and accumulates it
// for the coalesced journal write. Fragments of one streamed message share
// an id so the client can merge them.
func (o *Orchestrator) handleText(delta string) {
	o.mu.Lock()
	if o.fragmentID == "" {
		o.fragmentID = protocol.NewItemID()
	}
	id := o.fragmentID
	o.fragments = append(o.fragments, delta)
	o.mu.Unlock()

	fragment := protocol.NewAssistantFragment(id, delta)
	if err := o.sink.SendTransient(protocol.MustFrame(protocol.FrameResponseItem, fragment)); err != nil {
		slog.Warn("Failed to stream fragment", "error", err)
	}
}

// handleToolCall emits the ToolCall item, dispatches it synchronously with
// respect to stream ordering, and emits the matching ToolResult. Dispatch
// completes before the next stream event is consumed, so every call started
// by this stream has its result recorded before the turn-end hook runs.
func (o *Orchestrator) handleToolCall(ctx context.Context, g int64, call *llms.ToolCall) (stopTurn bool) {
	if call == nil {
		return false
	}

	callItem := protocol.NewToolCall(call.ID, call.Name, call.Arguments)
	if err := o.sink.Send(protocol.MustFrame(protocol.FrameResponseItem, callItem)); err != nil {
		slog.Warn("Failed to send tool call", "error", err)
	}
	o.transcript.Append(callItem)

	result, stopTurn := o.dispatcher.Dispatch(ctx, callItem)

	if o.stale(g) {
		return true
	}
	if err := o.sink.Send(protocol.MustFrame(protocol.FrameResponseItem, result)); err != nil {
		slog.Warn("Failed to send tool result", "error", err)
	}
	o.transcript.Append(result)
	return stopTurn
}

// finishTurn runs the turn-end hook: journal the coalesced assistant
// message, then agent_finished, context_info and loading=false, in that
// order. A compaction check follows.
func (o *Orchestrator) finishTurn(ctx context.Context, g int64, responseID string) error {
	if o.stale(g) {
		return nil
	}

	o.mu.Lock()
	text := strings.Join(o.fragments, "")
	id := o.fragmentID
	o.fragments = nil
	o.fragmentID = ""
	o.mu.Unlock()

	if text != "" {
		assistant := protocol.NewAssistantMessage(id, text, protocol.StatusCompleted)
		if err := o.sink.Record(protocol.MustFrame(protocol.FrameResponseItem, assistant)); err != nil {
			slog.Warn("Failed to journal assistant message", "error", err)
		}
		o.transcript.Append(assistant)
	}

	if err := o.sink.Send(protocol.MustFrame(protocol.FrameAgentFinished, protocol.AgentFinishedPayload{ResponseID: responseID})); err != nil {
		return err
	}
	if err := o.sink.Send(protocol.MustFrame(protocol.FrameContextInfo, o.ctxmgr.Info(o.transcript.Items()))); err != nil {
		return err
	}
	if err := o.sink.Send(protocol.MustFrame(protocol.FrameLoadingState, protocol.LoadingStatePayload{Loading: false})); err != nil {
		return err
	}

	if o.ctxmgr.ShouldCompact(o.transcript.Items()) {
		// Run already holds turnMu here.
		if err := o.compact(ctx); err != nil && !errors.Is(err, contextmgr.ErrCompactEmpty) {
			slog.Warn("Automatic compaction failed", "error", err)
		}
	}
	return nil
}

// failTurn surfaces a provider error as a SystemNotice and clears the
// loading state. The session stays usable.
func (o *Orchestrator) failTurn(g int64, cause error) error {
	if o.stale(g) {
		return nil
	}
	slog.Error("Provider stream failed", "error", cause)

	notice := protocol.NewSystemNotice(fmt.Sprintf("Model request failed: %v", cause))
	if err := o.sink.Send(protocol.MustFrame(protocol.FrameResponseItem, notice)); err != nil {
		slog.Warn("Failed to send error notice", "error", err)
	}
	if err := o.sink.Send(protocol.MustFrame(protocol.FrameLoadingState, protocol.LoadingStatePayload{Loading: false})); err != nil {
		slog.Warn("Failed to clear loading state", "error", err)
	}
	return cause
}

// CompactNow serves manual_compact: it waits for any in-flight turn to
// finish before summarizing, so the transcript is never replaced mid-stream.
func (o *Orchestrator) CompactNow(ctx context.Context) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	return o.compact(ctx)
}

// compact summarizes the transcript into a single seed message and replaces
// the conversation state with it. Callers hold turnMu.
func (o *Orchestrator) compact(ctx context.Context) error {
	seed, payload, err := o.ctxmgr.Compact(ctx, o.transcript.Items())
	if err != nil {
		return err
	}

	o.transcript.Replace(seed)
	return o.sink.Send(protocol.MustFrame(protocol.FrameContextCompacted, payload))
}

func (o *Orchestrator) stale(g int64) bool {
	return o.generation.Load() != g
}
