// Package agent runs the per-session turn loop: streaming provider turns,
// tool dispatch under the approval policy, fragment coalescing and the
// turn-end journal contract.
package agent

import (
	"sync"

	"github.com/tinkerbay/agentd/pkg/protocol"
)

// Transcript is the ordered conversation state for one session. Appends and
// the compaction bulk-replace are the only mutations.
type Transcript struct {
	mu    sync.Mutex
	items []protocol.ConversationItem
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

func (t *Transcript) Append(items ...protocol.ConversationItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append(t.items, items...)
}

// Replace swaps the whole transcript, used by compaction re-seed and resume.
func (t *Transcript) Replace(items []protocol.ConversationItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append([]protocol.ConversationItem(nil), items...)
}

// Items returns a copy; callers may hold it across blocking operations.
func (t *Transcript) Items() []protocol.ConversationItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.ConversationItem(nil), t.items...)
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
