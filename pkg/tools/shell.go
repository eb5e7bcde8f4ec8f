package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/tinkerbay/agentd/pkg/config"
)

const errCommandNotArray = "Error: 'command' must be an array of strings"

// shellOutput is the JSON document returned as the tool_result output.
type shellOutput struct {
	Output   string        `json:"output"`
	Metadata shellMetadata `json:"metadata"`
}

type shellMetadata struct {
	ExitCode        int     `json:"exit_code"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ShellTool executes argv commands. Two first-arg literals reroute the call
// instead of spawning a process: apply_patch hands the payload to the patch
// executor, read_chunk to the line-window reader.
type ShellTool struct {
	cfg config.AgentConfig
}

func NewShellTool(cfg config.AgentConfig) *ShellTool {
	return &ShellTool{cfg: cfg}
}

func (t *ShellTool) GetName() string {
	return "shell"
}

func (t *ShellTool) GetDescription() string {
	return "Execute a command as an argv array in the session working directory"
}

func (t *ShellTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "shell",
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{
				Name:        "command",
				Type:        "array",
				Description: "The command and its arguments as an ordered array of strings",
				Required:    true,
				Items:       map[string]interface{}{"type": "string"},
			},
			{
				Name:        "workdir",
				Type:        "string",
				Description: "Working directory override (optional)",
			},
			{
				Name:        "timeout",
				Type:        "number",
				Description: "Execution timeout in seconds (optional, default 10)",
			},
		},
	}
}

// ParseArgv extracts the command array from tool arguments. The second
// return is false when the value is missing or not an array of strings.
func ParseArgv(args map[string]interface{}) ([]string, bool) {
	raw, ok := args["command"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, false
	}

	argv := make([]string, len(raw))
	for i, element := range raw {
		s, ok := element.(string)
		if !ok {
			return nil, false
		}
		argv[i] = s
	}
	return argv, true
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) (Result, error) {
	argv, ok := ParseArgv(args)
	if !ok {
		return Result{Content: errCommandNotArray, IsError: true}, nil
	}

	workdir := t.cfg.WorkingDirectory
	if wd, ok := args["workdir"].(string); ok && wd != "" {
		workdir = wd
	}

	timeout := t.cfg.ShellTimeout
	if secs, ok := args["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	switch argv[0] {
	case "apply_patch":
		return t.executeApplyPatch(argv, workdir)
	case "read_chunk":
		return t.executeReadChunk(argv, workdir)
	}

	return t.executeCommand(ctx, argv, workdir, timeout)
}

func (t *ShellTool) executeCommand(ctx context.Context, argv []string, workdir string, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	if t.cfg.EnableSandboxing {
		cmd.Env = sandboxEnv()
	}

	start := time.Now()
	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	exitCode := 0
	isError := false
	text := string(output)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		exitCode = -1
		isError = true
		text += fmt.Sprintf("\ncommand timed out after %s", timeout)
	case err != nil:
		isError = true
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			text += err.Error()
		}
	}

	return shellResult(text, exitCode, duration, isError), nil
}

func (t *ShellTool) executeApplyPatch(argv []string, workdir string) (Result, error) {
	start := time.Now()
	if len(argv) != 2 {
		return shellResult("apply_patch expects exactly one argument: the patch text", 1, time.Since(start), true), nil
	}

	summary, err := ApplyPatch(argv[1], workdir)
	if err != nil {
		return shellResult(err.Error(), 1, time.Since(start), true), nil
	}
	return shellResult(summary, 0, time.Since(start), false), nil
}

func (t *ShellTool) executeReadChunk(argv []string, workdir string) (Result, error) {
	start := time.Now()
	window, err := ReadChunk(argv[1:], workdir)
	if err != nil {
		return shellResult(err.Error(), 1, time.Since(start), true), nil
	}
	return shellResult(window, 0, time.Since(start), false), nil
}

func shellResult(output string, exitCode int, duration time.Duration, isError bool) Result {
	doc := shellOutput{
		Output: output,
		Metadata: shellMetadata{
			ExitCode:        exitCode,
			DurationSeconds: duration.Seconds(),
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return Result{Content: fmt.Sprintf("failed to encode shell output: %v", err), IsError: true}
	}
	return Result{Content: string(data), IsError: isError}
}

// sandboxEnv strips the inherited environment down to a minimal set. Full
// platform containment (seccomp/Landlock) rides on the deployment, not here.
func sandboxEnv() []string {
	env := []string{"LANG=C.UTF-8"}
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}
