package tools

import (
	"path/filepath"
	"strings"

	"github.com/tinkerbay/agentd/pkg/config"
)

// readOnlyCommands are argv[0] values that never mutate the filesystem.
var readOnlyCommands = map[string]bool{
	"ls":         true,
	"cat":        true,
	"pwd":        true,
	"echo":       true,
	"head":       true,
	"tail":       true,
	"wc":         true,
	"grep":       true,
	"rg":         true,
	"find":       true,
	"which":      true,
	"file":       true,
	"stat":       true,
	"du":         true,
	"df":         true,
	"env":        true,
	"date":       true,
	"whoami":     true,
	"uname":      true,
	"basename":   true,
	"dirname":    true,
	"readlink":   true,
	"realpath":   true,
	"sort":       true,
	"uniq":       true,
	"cut":        true,
	"tr":         true,
	"diff":       true,
	"read_chunk": true,
}

// readOnlySubcommands lists command+first-argument pairs that are safe even
// though the bare command is not (git push is not, git status is).
var readOnlySubcommands = map[string]map[string]bool{
	"git": {
		"status":    true,
		"log":       true,
		"diff":      true,
		"show":      true,
		"branch":    true,
		"blame":     true,
		"rev-parse": true,
		"ls-files":  true,
	},
	"go": {
		"version": true,
		"env":     true,
		"list":    true,
	},
	"cargo": {
		"check": true,
		"tree":  true,
	},
}

// IsReadOnly reports whether argv is on the read-only allow-list.
func IsReadOnly(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	command := filepath.Base(argv[0])
	if readOnlyCommands[command] {
		return true
	}
	if subs, ok := readOnlySubcommands[command]; ok && len(argv) > 1 {
		return subs[argv[1]]
	}
	return false
}

// WithinWritableRoots reports whether every path sits under one of the
// configured writable roots.
func WithinWritableRoots(paths []string, roots []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, path := range paths {
		if !underAnyRoot(path, roots) {
			return false
		}
	}
	return true
}

func underAnyRoot(path string, roots []string) bool {
	path = filepath.Clean(path)
	for _, root := range roots {
		root = filepath.Clean(root)
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Decision is the outcome of the policy gate for one tool call.
type Decision int

const (
	// DecisionAllow executes without asking the client.
	DecisionAllow Decision = iota
	// DecisionAsk sends a review request and blocks on the answer.
	DecisionAsk
)

// Evaluate applies the approval policy to a tool call. Built-in todo tools
// are always auto-approved; non-shell (MCP) tools require approval unless
// the policy is full-auto; shell calls are gated by the allow-list and, for
// apply_patch under auto-edit, the writable-roots containment check.
func Evaluate(policy config.ApprovalPolicy, toolName string, args map[string]interface{}, agentCfg config.AgentConfig) Decision {
	if policy == config.PolicyFullAuto {
		return DecisionAllow
	}

	switch toolName {
	case "AddTodo", "UpdateTodo", "ShowTodos":
		return DecisionAllow
	case "shell":
	default:
		return DecisionAsk
	}

	argv, ok := ParseArgv(args)
	if !ok {
		// The tool will reject the malformed call itself.
		return DecisionAllow
	}

	if IsReadOnly(argv) {
		return DecisionAllow
	}

	if policy == config.PolicyAutoEdit && len(argv) == 2 && argv[0] == "apply_patch" {
		workdir := agentCfg.WorkingDirectory
		if wd, ok := args["workdir"].(string); ok && wd != "" {
			workdir = wd
		}
		targets, err := PatchTargets(argv[1], workdir)
		if err == nil && WithinWritableRoots(targets, agentCfg.WritableRoots) {
			return DecisionAllow
		}
	}

	return DecisionAsk
}
