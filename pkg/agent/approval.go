package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinkerbay/agentd/pkg/llms"
	"github.com/tinkerbay/agentd/pkg/protocol"
)

// ErrApprovalClosed resolves waiters when the client connection goes away.
var ErrApprovalClosed = errors.New("connection closed")

// explainTimeout bounds the non-streaming provider call that answers an
// "explain" review.
const explainTimeout = 30 * time.Second

const explainSystem = "You explain shell commands to a cautious user deciding " +
	"whether to approve execution. Describe what the command does and what it " +
	"could change or destroy. Be concrete and brief."

const defaultDenyMessage = "The user denied this command."

// Outcome is the resolution of one approval handshake.
type Outcome struct {
	Approved bool
	// StopTurn is set by the no-exit review: the denial result is still
	// produced and journaled, then the turn ends.
	StopTurn    bool
	DenyMessage string
}

type pendingApproval struct {
	command []string
	patch   string
	done    chan Outcome
}

// ApprovalCoordinator serializes approval handshakes for one session. At
// most one request is pending on the wire; later requests queue on the
// coordinator's slot until the earlier one resolves.
type ApprovalCoordinator struct {
	sink     Sink
	provider llms.Provider

	mu      sync.Mutex
	pending *pendingApproval
	closed  bool

	// slot admits one handshake at a time; queued requests park here.
	slot chan struct{}

	// alwaysAllowed holds session-local "always" elevations keyed by the
	// command's first element.
	alwaysMu      sync.RWMutex
	alwaysAllowed map[string]bool
}

func NewApprovalCoordinator(sink Sink, provider llms.Provider) *ApprovalCoordinator {
	c := &ApprovalCoordinator{
		sink:          sink,
		provider:      provider,
		slot:          make(chan struct{}, 1),
		alwaysAllowed: make(map[string]bool),
	}
	c.slot <- struct{}{}
	return c
}

// IsAlwaysAllowed reports whether a prior "always" review covers this
// command.
func (c *ApprovalCoordinator) IsAlwaysAllowed(command []string) bool {
	if len(command) == 0 {
		return false
	}
	c.alwaysMu.RLock()
	defer c.alwaysMu.RUnlock()
	return c.alwaysAllowed[command[0]]
}

// Request sends an approval_request and blocks until the client answers,
// the context is canceled, or the coordinator closes.
func (c *ApprovalCoordinator) Request(ctx context.Context, command []string, patch string) (Outcome, error) {
	select {
	case <-c.slot:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	defer func() { c.slot <- struct{}{} }()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Outcome{}, ErrApprovalClosed
	}
	p := &pendingApproval{
		command: command,
		patch:   patch,
		done:    make(chan Outcome, 1),
	}
	c.pending = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	if err := c.sendRequest(p); err != nil {
		return Outcome{}, err
	}

	select {
	case outcome, ok := <-p.done:
		if !ok {
			return Outcome{}, ErrApprovalClosed
		}
		return outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (c *ApprovalCoordinator) sendRequest(p *pendingApproval) error {
	payload := protocol.ApprovalRequestPayload{Command: p.command}
	if p.patch != "" {
		payload.ApplyPatch = &protocol.ApplyPatchRequest{Patch: p.patch}
	}
	return c.sink.Send(protocol.MustFrame(protocol.FrameApprovalRequest, payload))
}

// Resolve handles an approval_response frame. An explain review answers with
// a provider-generated explanation and re-issues the same request without
// resolving; every other review completes the pending handshake.
func (c *ApprovalCoordinator) Resolve(payload protocol.ApprovalResponsePayload) error {
	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()
	if p == nil {
		return fmt.Errorf("no approval pending")
	}
	if !payload.Review.Valid() {
		return fmt.Errorf("unknown review decision %q", payload.Review)
	}

	switch payload.Review {
	case protocol.ReviewYes:
		p.done <- Outcome{Approved: true}

	case protocol.ReviewAlways:
		if len(p.command) > 0 {
			c.alwaysMu.Lock()
			c.alwaysAllowed[p.command[0]] = true
			c.alwaysMu.Unlock()
		}
		p.done <- Outcome{Approved: true}

	case protocol.ReviewNoContinue:
		p.done <- Outcome{DenyMessage: denyMessage(payload)}

	case protocol.ReviewNoExit:
		p.done <- Outcome{StopTurn: true, DenyMessage: denyMessage(payload)}

	case protocol.ReviewExplain:
		go c.explain(p)
	}
	return nil
}

// explain runs the explanation sub-dialogue: one bounded non-streaming
// provider call, the answer delivered as an assistant message, then the same
// approval request again. The original handshake stays pending.
func (c *ApprovalCoordinator) explain(p *pendingApproval) {
	ctx, cancel := context.WithTimeout(context.Background(), explainTimeout)
	defer cancel()

	prompt := fmt.Sprintf("Explain this command: %s", strings.Join(p.command, " "))
	if p.patch != "" {
		prompt = fmt.Sprintf("Explain this patch:\n%s", p.patch)
	}

	explanation, err := c.provider.Complete(ctx, explainSystem, prompt)
	if err != nil {
		slog.Warn("Explain call failed", "error", err)
		explanation = fmt.Sprintf("Could not generate an explanation: %v", err)
	}

	// Delivered without journaling: the explanation is advisory and never
	// part of the transcript, so a resumed session must not replay it.
	item := protocol.NewAssistantMessage("", explanation, protocol.StatusCompleted)
	if err := c.sink.SendTransient(protocol.MustFrame(protocol.FrameResponseItem, item)); err != nil {
		slog.Warn("Failed to deliver explanation", "error", err)
	}

	c.mu.Lock()
	stillPending := c.pending == p
	c.mu.Unlock()
	if stillPending {
		if err := c.sendRequest(p); err != nil {
			slog.Warn("Failed to re-send approval request", "error", err)
		}
	}
}

// Close rejects the pending handshake and fails all future requests. Called
// on disconnect and terminate.
func (c *ApprovalCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.pending != nil {
		close(c.pending.done)
		c.pending = nil
	}
}

func denyMessage(payload protocol.ApprovalResponsePayload) string {
	if payload.CustomDenyMessage != "" {
		return payload.CustomDenyMessage
	}
	return defaultDenyMessage
}
