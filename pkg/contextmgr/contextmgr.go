// Package contextmgr tracks context-window usage per session and compacts
// the transcript through LLM summarization when the configured strategy
// calls for it.
package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tinkerbay/agentd/pkg/config"
	"github.com/tinkerbay/agentd/pkg/llms"
	"github.com/tinkerbay/agentd/pkg/observability"
	"github.com/tinkerbay/agentd/pkg/protocol"
	"github.com/tinkerbay/agentd/pkg/tokens"
)

// ErrCompactEmpty is returned when there is nothing worth summarizing.
var ErrCompactEmpty = errors.New("nothing to compact")

// ErrCompactIneffective is returned when the summary would not shrink the
// transcript; the original items are kept.
var ErrCompactIneffective = errors.New("compaction did not reduce token count")

// summaryPrefix heads the synthetic assistant message that replaces the
// transcript after compaction.
const summaryPrefix = "Context Summary\n\n"

// passiveWarnThreshold is the usage fraction at which the passive strategy
// emits its one-time warning.
const passiveWarnThreshold = 0.9

const summarizationSystem = "You summarize coding-agent conversations. " +
	"Produce a dense summary that preserves: the user's goals and constraints, " +
	"decisions made, files and commands involved, tool results that still matter, " +
	"and any unfinished work. Write plain prose, no preamble."

// Manager owns the context accounting for one session.
type Manager struct {
	cfg      config.ContextConfig
	provider llms.Provider
	counter  *tokens.Counter

	mu         sync.Mutex
	compacting bool
	warned     bool
}

func New(cfg config.ContextConfig, provider llms.Provider, counter *tokens.Counter) *Manager {
	return &Manager{
		cfg:      cfg,
		provider: provider,
		counter:  counter,
	}
}

// Info snapshots current usage for the context_info frame.
func (m *Manager) Info(items []protocol.ConversationItem) protocol.ContextInfoPayload {
	count := m.counter.CountItems(items)
	return protocol.ContextInfoPayload{
		TokenCount:       count,
		UsagePercent:     100 * float64(count) / float64(m.cfg.MaxTokens),
		TranscriptLength: len(items),
		MaxTokens:        m.cfg.MaxTokens,
		Strategy:         string(m.cfg.Strategy),
	}
}

// ShouldCompact reports whether the threshold strategy wants a compaction
// right now. The passive strategy never compacts automatically.
func (m *Manager) ShouldCompact(items []protocol.ConversationItem) bool {
	if m.cfg.Strategy != config.StrategyThreshold {
		return false
	}
	m.mu.Lock()
	busy := m.compacting
	m.mu.Unlock()
	if busy {
		return false
	}

	count := m.counter.CountItems(items)
	return float64(count) >= m.cfg.CompactionThreshold*float64(m.cfg.MaxTokens)
}

// ShouldWarn reports whether the passive strategy should emit its usage
// warning. The warning fires once per session.
func (m *Manager) ShouldWarn(items []protocol.ConversationItem) bool {
	if m.cfg.Strategy != config.StrategyPassive {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warned {
		return false
	}

	count := m.counter.CountItems(items)
	if float64(count) < passiveWarnThreshold*float64(m.cfg.MaxTokens) {
		return false
	}
	m.warned = true
	return true
}

// Compact summarizes the transcript into a single synthetic assistant
// message. Concurrent calls collapse: while one compaction runs, others fail
// fast. A summary that does not shrink the transcript is discarded.
func (m *Manager) Compact(ctx context.Context, items []protocol.ConversationItem) ([]protocol.ConversationItem, protocol.ContextCompactedPayload, error) {
	m.mu.Lock()
	if m.compacting {
		m.mu.Unlock()
		return nil, protocol.ContextCompactedPayload{}, fmt.Errorf("compaction already in progress")
	}
	m.compacting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.compacting = false
		m.mu.Unlock()
	}()

	rendered := renderTranscript(items)
	if rendered == "" {
		return nil, protocol.ContextCompactedPayload{}, ErrCompactEmpty
	}
	oldCount := m.counter.CountItems(items)

	summary, err := m.provider.Complete(ctx, summarizationSystem, rendered)
	if err != nil {
		return nil, protocol.ContextCompactedPayload{}, fmt.Errorf("summarization failed: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		return nil, protocol.ContextCompactedPayload{}, ErrCompactEmpty
	}

	compacted := []protocol.ConversationItem{
		protocol.NewAssistantMessage("", summaryPrefix+summary, protocol.StatusCompleted),
	}
	newCount := m.counter.CountItems(compacted)
	if newCount >= oldCount {
		slog.Warn("Discarding compaction that would grow the context",
			"old_tokens", oldCount, "new_tokens", newCount)
		return nil, protocol.ContextCompactedPayload{}, ErrCompactIneffective
	}

	result := protocol.ContextCompactedPayload{
		OldTokenCount: oldCount,
		NewTokenCount: newCount,
		Strategy:      string(m.cfg.Strategy),
	}
	if oldCount > 0 {
		result.ReductionPercent = 100 * float64(oldCount-newCount) / float64(oldCount)
	}

	observability.GetGlobalMetrics().RecordCompaction(oldCount, newCount)
	slog.Info("Context compacted",
		"old_tokens", oldCount, "new_tokens", newCount,
		"reduction_percent", fmt.Sprintf("%.1f", result.ReductionPercent))

	return compacted, result, nil
}

// renderTranscript flattens the transcript into the text handed to the
// summarizer.
func renderTranscript(items []protocol.ConversationItem) string {
	var sb strings.Builder
	for i := range items {
		item := &items[i]
		switch item.Type {
		case protocol.ItemTypeUserMessage:
			fmt.Fprintf(&sb, "User: %s\n", item.TextContent())
		case protocol.ItemTypeAssistantMessage:
			fmt.Fprintf(&sb, "Assistant: %s\n", item.TextContent())
		case protocol.ItemTypeToolCall:
			fmt.Fprintf(&sb, "Tool call %s(%s)\n", item.Name, string(item.Arguments))
		case protocol.ItemTypeToolResult:
			output := item.Output
			if len(output) > 2000 {
				output = output[:2000] + "\n[truncated]"
			}
			fmt.Fprintf(&sb, "Tool result: %s\n", output)
		case protocol.ItemTypeSystemNotice:
			fmt.Fprintf(&sb, "Notice: %s\n", item.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
