package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinkerbay/agentd/pkg/llms"
)

// Registry holds the tool catalog for one session: built-ins registered at
// construction plus tools discovered from MCP sources.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	sources []ToolSource
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.GetName()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// AddSource discovers the source's tools and registers them. Discovery
// failures are logged and skipped so one dead MCP server does not block
// startup.
func (r *Registry) AddSource(ctx context.Context, source ToolSource) {
	if err := source.DiscoverTools(ctx); err != nil {
		slog.Warn("Tool discovery failed", "source", source.GetName(), "error", err)
		return
	}

	r.mu.Lock()
	r.sources = append(r.sources, source)
	r.mu.Unlock()

	for _, tool := range source.ListTools() {
		if err := r.Register(tool); err != nil {
			slog.Warn("Skipping discovered tool", "source", source.GetName(), "tool", tool.GetName(), "error", err)
		}
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// Definitions returns the catalog as provider tool definitions, sorted by
// name for stable request payloads.
func (r *Registry) Definitions() []llms.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llms.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.GetInfo().Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, source := range r.sources {
		if err := source.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.sources = nil
	return firstErr
}
