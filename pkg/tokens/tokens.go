// Package tokens provides token counting for context-window accounting.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tinkerbay/agentd/pkg/protocol"
)

// Counter counts tokens for a specific model. When no tiktoken encoding is
// available it falls back to a four-characters-per-token estimate; the
// context manager treats counts as approximate either way.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

func NewCounter(model string) *Counter {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Non-OpenAI models approximate with cl100k_base.
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &Counter{model: model}
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountItems counts tokens over a serialized transcript, including a small
// per-item overhead for role framing.
func (c *Counter) CountItems(items []protocol.ConversationItem) int {
	const tokensPerItem = 3

	total := 0
	for i := range items {
		total += tokensPerItem
		total += c.Count(itemText(&items[i]))
	}
	return total
}

func (c *Counter) Model() string {
	return c.model
}

func itemText(it *protocol.ConversationItem) string {
	switch it.Type {
	case protocol.ItemTypeUserMessage, protocol.ItemTypeAssistantMessage:
		return it.TextContent()
	case protocol.ItemTypeToolCall:
		return it.Name + string(it.Arguments)
	case protocol.ItemTypeToolResult:
		return it.Output
	default:
		return it.Text
	}
}

// Estimate provides a rough four-characters-per-token estimation for when no
// encoding is available.
func Estimate(text string) int {
	return len(text) / 4
}
