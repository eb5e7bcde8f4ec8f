// Package server exposes the websocket session endpoint, routes client
// frames to the per-session orchestrator and owns session lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinkerbay/agentd/pkg/agent"
	"github.com/tinkerbay/agentd/pkg/config"
	"github.com/tinkerbay/agentd/pkg/contextmgr"
	"github.com/tinkerbay/agentd/pkg/journal"
	"github.com/tinkerbay/agentd/pkg/llms"
	"github.com/tinkerbay/agentd/pkg/protocol"
	"github.com/tinkerbay/agentd/pkg/tokens"
	"github.com/tinkerbay/agentd/pkg/tools"
)

// sendBuffer bounds the outbound frame queue per session.
const sendBuffer = 64

// Session binds one client connection to its orchestrator, journal and tool
// catalog. It implements agent.Sink: outbound frames hit the journal before
// the socket, which is what makes the journal replayable.
type Session struct {
	ID string

	journal   *journal.Writer
	orch      *agent.Orchestrator
	approvals *agent.ApprovalCoordinator
	registry  *tools.Registry

	send chan protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}

	turnMu sync.Mutex
}

// newSession wires a session's component graph. resumed transcripts are
// seeded without any provider call.
func newSession(ctx context.Context, cfg *config.Config, provider llms.Provider, id string) (*Session, error) {
	resuming := journal.Exists(cfg.Stores.SessionDir, id)

	w, err := journal.Open(cfg.Stores.SessionDir, id)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:      id,
		journal: w,
		send:    make(chan protocol.Frame, sendBuffer),
		closed:  make(chan struct{}),
	}

	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewShellTool(cfg.Agent)); err != nil {
		w.Close()
		return nil, err
	}
	todoStore := tools.NewTodoStore(cfg.Stores.TodosDir, id)
	for _, tool := range []tools.Tool{
		tools.NewAddTodoTool(todoStore),
		tools.NewUpdateTodoTool(todoStore),
		tools.NewShowTodosTool(todoStore),
	} {
		if err := registry.Register(tool); err != nil {
			w.Close()
			return nil, err
		}
	}
	// MCP servers are discovered concurrently; a dead one logs and is
	// skipped inside AddSource rather than blocking the connect.
	var discovery errgroup.Group
	for _, srv := range cfg.MCP {
		discovery.Go(func() error {
			registry.AddSource(ctx, tools.NewMCPSource(srv))
			return nil
		})
	}
	_ = discovery.Wait()
	s.registry = registry

	s.approvals = agent.NewApprovalCoordinator(s, provider)
	dispatcher := agent.NewDispatcher(registry, s.approvals, cfg.Agent)
	ctxMgr := contextmgr.New(cfg.Context, provider, tokens.NewCounter(provider.ModelName()))
	s.orch = agent.NewOrchestrator(provider, registry, dispatcher, ctxMgr, s, cfg.Agent)

	if resuming {
		items, err := journal.Reconstruct(cfg.Stores.SessionDir, id)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to reconstruct session %s: %w", id, err)
		}
		s.orch.InitializeTranscript(items)
		slog.Info("Session resumed", "session_id", id, "items", len(items))
	}

	if err := w.RecordLifecycle(journal.EventSessionConnected); err != nil {
		w.Close()
		return nil, err
	}
	return s, nil
}

// Send journals the frame, then queues it for delivery.
func (s *Session) Send(frame protocol.Frame) error {
	if err := s.journal.RecordOutgoing(frame); err != nil {
		return err
	}
	return s.queue(frame)
}

// SendTransient queues without journaling (streaming fragments).
func (s *Session) SendTransient(frame protocol.Frame) error {
	return s.queue(frame)
}

// Record journals without delivery (the coalesced assistant message).
func (s *Session) Record(frame protocol.Frame) error {
	return s.journal.RecordOutgoing(frame)
}

func (s *Session) queue(frame protocol.Frame) error {
	select {
	case s.send <- frame:
		return nil
	case <-s.closed:
		return errors.New("session closed")
	}
}

func (s *Session) sendError(message string, details any) {
	frame := protocol.MustFrame(protocol.FrameError, protocol.ErrorPayload{Message: message, Details: details})
	if err := s.Send(frame); err != nil {
		slog.Warn("Failed to send error frame", "session_id", s.ID, "error", err)
	}
}

// HandleFrame routes one inbound client frame. The frame has already been
// journaled by the read loop.
func (s *Session) HandleFrame(ctx context.Context, frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameUserInput:
		payload, err := protocol.DecodePayload[protocol.UserInputPayload](frame)
		if err != nil {
			s.sendError(err.Error(), nil)
			return
		}
		if len(payload.Input) == 0 {
			s.sendError("user_input requires at least one item", nil)
			return
		}
		go s.runTurn(ctx, payload.Input)

	case protocol.FrameApprovalResponse:
		payload, err := protocol.DecodePayload[protocol.ApprovalResponsePayload](frame)
		if err != nil {
			s.sendError(err.Error(), nil)
			return
		}
		if err := s.approvals.Resolve(payload); err != nil {
			s.sendError(err.Error(), nil)
		}

	case protocol.FrameGetContextInfo:
		if err := s.Send(protocol.MustFrame(protocol.FrameContextInfo, s.orch.ContextInfo())); err != nil {
			slog.Warn("Failed to send context info", "session_id", s.ID, "error", err)
		}

	case protocol.FrameManualCompact:
		go func() {
			if err := s.orch.CompactNow(ctx); err != nil {
				if errors.Is(err, contextmgr.ErrCompactEmpty) {
					s.sendError("nothing to compact", nil)
					return
				}
				s.sendError(fmt.Sprintf("compaction failed: %v", err), nil)
			}
		}()

	default:
		s.sendError(fmt.Sprintf("unknown message type %q", frame.Type), nil)
	}
}

// runTurn serializes turns: a user_input arriving while a turn is in flight
// waits for it to finish.
func (s *Session) runTurn(ctx context.Context, input []protocol.ConversationItem) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	if err := s.orch.Run(ctx, input); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Turn failed", "session_id", s.ID, "error", err)
	}
}

// Close tears the session down: the orchestrator is terminated, the pending
// approval (if any) is rejected, tool sources and the journal are closed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.orch.Terminate()
		s.approvals.Close()
		if err := s.registry.Close(); err != nil {
			slog.Warn("Failed to close tool sources", "session_id", s.ID, "error", err)
		}
		if err := s.journal.RecordLifecycle(journal.EventSessionEnded); err != nil {
			slog.Warn("Failed to record session end", "session_id", s.ID, "error", err)
		}
		if err := s.journal.Close(); err != nil {
			slog.Warn("Failed to close journal", "session_id", s.ID, "error", err)
		}
		slog.Info("Session closed", "session_id", s.ID)
	})
}
