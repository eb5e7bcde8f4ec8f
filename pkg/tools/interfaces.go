// Package tools implements the built-in tool catalog (shell with patch and
// chunked-read routing, todos) plus dynamically discovered MCP tools.
package tools

import (
	"context"

	"github.com/tinkerbay/agentd/pkg/llms"
)

type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`

	// RawSchema carries a ready-made JSON schema for discovered tools whose
	// servers publish one; it takes precedence over Parameters.
	RawSchema map[string]interface{} `json:"raw_schema,omitempty"`
}

type ToolParameter struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Required    bool                   `json:"required"`
	Enum        []string               `json:"enum,omitempty"`
	Items       map[string]interface{} `json:"items,omitempty"`
}

// Result is the outcome handed back to the dispatcher. Content becomes the
// tool_result output verbatim; IsError flags it without aborting the turn.
type Result struct {
	Content string
	IsError bool
}

type Tool interface {
	GetInfo() ToolInfo

	GetName() string

	GetDescription() string

	Execute(ctx context.Context, args map[string]interface{}) (Result, error)
}

// ToolSource supplies dynamically discovered tools (MCP servers).
type ToolSource interface {
	GetName() string

	DiscoverTools(ctx context.Context) error

	ListTools() []Tool

	Close() error
}

// Definition converts the parameter list to the JSON-schema shape providers
// consume.
func (info ToolInfo) Definition() llms.ToolDefinition {
	if info.RawSchema != nil {
		return llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.RawSchema,
		}
	}

	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range info.Parameters {
		prop := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if len(param.Enum) > 0 {
			prop["enum"] = param.Enum
		}
		if param.Items != nil {
			prop["items"] = param.Items
		}
		properties[param.Name] = prop

		if param.Required {
			required = append(required, param.Name)
		}
	}

	return llms.ToolDefinition{
		Name:        info.Name,
		Description: info.Description,
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}
