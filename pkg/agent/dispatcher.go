package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinkerbay/agentd/pkg/config"
	"github.com/tinkerbay/agentd/pkg/observability"
	"github.com/tinkerbay/agentd/pkg/protocol"
	"github.com/tinkerbay/agentd/pkg/tools"
)

// Dispatcher resolves, gates and executes tool calls. Every call produces a
// ToolResult, errors included, so the transcript's call/result pairing holds
// whatever happens.
type Dispatcher struct {
	registry  *tools.Registry
	approvals *ApprovalCoordinator
	agentCfg  config.AgentConfig
}

func NewDispatcher(registry *tools.Registry, approvals *ApprovalCoordinator, agentCfg config.AgentConfig) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		approvals: approvals,
		agentCfg:  agentCfg,
	}
}

// Dispatch runs one ToolCall item through resolve, validate, approval gate
// and execution. stopTurn is set when a no-exit denial asks for the turn to
// end after the result is journaled.
func (d *Dispatcher) Dispatch(ctx context.Context, call protocol.ConversationItem) (result protocol.ConversationItem, stopTurn bool) {
	tool, exists := d.registry.Get(call.Name)
	if !exists {
		return protocol.NewToolResult(call.CallID, fmt.Sprintf("Error: unknown tool %q", call.Name), true), false
	}

	args := map[string]interface{}{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return protocol.NewToolResult(call.CallID, fmt.Sprintf("Error: invalid tool arguments: %v", err), true), false
		}
	}

	// Malformed shell commands fail fast, before any approval traffic.
	var argv []string
	if call.Name == "shell" {
		parsed, ok := tools.ParseArgv(args)
		if !ok {
			return protocol.NewToolResult(call.CallID, "Error: 'command' must be an array of strings", true), false
		}
		argv = parsed
	}

	if d.needsApproval(call.Name, argv, args) {
		outcome, err := d.requestApproval(ctx, call.Name, argv)
		if err != nil {
			return protocol.NewToolResult(call.CallID, fmt.Sprintf("Approval failed: %v", err), true), false
		}
		if !outcome.Approved {
			return protocol.NewToolResult(call.CallID, outcome.DenyMessage, false), outcome.StopTurn
		}
	}

	start := time.Now()
	res, err := tool.Execute(ctx, args)
	observability.GetGlobalMetrics().RecordToolExecution(call.Name, time.Since(start), err)
	if err != nil {
		slog.Warn("Tool execution failed", "tool", call.Name, "error", err)
		return protocol.NewToolResult(call.CallID, fmt.Sprintf("Error: %v", err), true), false
	}

	return protocol.NewToolResult(call.CallID, res.Content, res.IsError), false
}

func (d *Dispatcher) needsApproval(toolName string, argv []string, args map[string]interface{}) bool {
	if tools.Evaluate(d.agentCfg.ApprovalPolicy, toolName, args, d.agentCfg) == tools.DecisionAllow {
		return false
	}
	return !d.approvals.IsAlwaysAllowed(argv)
}

func (d *Dispatcher) requestApproval(ctx context.Context, toolName string, argv []string) (Outcome, error) {
	command := argv
	patch := ""
	if len(argv) == 2 && argv[0] == "apply_patch" {
		patch = argv[1]
		command = []string{"apply_patch"}
	}
	if command == nil {
		// Non-shell (MCP) tools are presented by name only.
		command = []string{toolName}
	}
	return d.approvals.Request(ctx, command, patch)
}
