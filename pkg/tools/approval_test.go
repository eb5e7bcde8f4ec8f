package tools

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinkerbay/agentd/pkg/config"
)

func TestIsReadOnly(t *testing.T) {
	tests := []struct {
		argv []string
		want bool
	}{
		{[]string{"ls", "-la"}, true},
		{[]string{"cat", "main.go"}, true},
		{[]string{"rg", "TODO", "."}, true},
		{[]string{"/usr/bin/grep", "-r", "x"}, true},
		{[]string{"git", "status"}, true},
		{[]string{"git", "log", "--oneline"}, true},
		{[]string{"git", "push"}, false},
		{[]string{"git", "commit", "-m", "x"}, false},
		{[]string{"rm", "-rf", "/"}, false},
		{[]string{"curl", "https://example.com"}, false},
		{[]string{"apply_patch", "..."}, false},
		{[]string{"read_chunk", "f", "1", "5"}, true},
		{[]string{}, false},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.argv, " "), func(t *testing.T) {
			if got := IsReadOnly(tt.argv); got != tt.want {
				t.Errorf("IsReadOnly(%v) = %v, want %v", tt.argv, got, tt.want)
			}
		})
	}
}

func TestWithinWritableRoots(t *testing.T) {
	root := t.TempDir()
	roots := []string{root}

	if !WithinWritableRoots([]string{filepath.Join(root, "sub", "f.txt")}, roots) {
		t.Error("path under root should be writable")
	}
	if WithinWritableRoots([]string{"/etc/passwd"}, roots) {
		t.Error("path outside root should not be writable")
	}
	if WithinWritableRoots([]string{filepath.Join(root, "ok"), "/etc/passwd"}, roots) {
		t.Error("one bad path should fail the whole set")
	}
	if WithinWritableRoots(nil, roots) {
		t.Error("empty target list should not pass")
	}
	// Sibling directory sharing the root as a name prefix.
	if WithinWritableRoots([]string{root + "-evil/f.txt"}, roots) {
		t.Error("prefix sibling should not pass")
	}
}

func TestEvaluate(t *testing.T) {
	workdir := t.TempDir()
	cfg := config.AgentConfig{
		WorkingDirectory: workdir,
		WritableRoots:    []string{workdir},
	}

	shellArgs := func(argv ...string) map[string]interface{} {
		raw := make([]interface{}, len(argv))
		for i, a := range argv {
			raw[i] = a
		}
		return map[string]interface{}{"command": raw}
	}

	patchInside := strings.Join([]string{
		"*** Begin Patch",
		"*** Add File: new.txt",
		"+hi",
		"*** End Patch",
	}, "\n")
	patchOutside := strings.Join([]string{
		"*** Begin Patch",
		"*** Add File: /etc/cron.d/evil",
		"+boom",
		"*** End Patch",
	}, "\n")

	tests := []struct {
		name   string
		policy config.ApprovalPolicy
		tool   string
		args   map[string]interface{}
		want   Decision
	}{
		{"suggest read-only", config.PolicySuggest, "shell", shellArgs("ls"), DecisionAllow},
		{"suggest mutating", config.PolicySuggest, "shell", shellArgs("rm", "f"), DecisionAsk},
		{"suggest patch", config.PolicySuggest, "shell", shellArgs("apply_patch", patchInside), DecisionAsk},
		{"auto-edit patch inside", config.PolicyAutoEdit, "shell", shellArgs("apply_patch", patchInside), DecisionAllow},
		{"auto-edit patch outside", config.PolicyAutoEdit, "shell", shellArgs("apply_patch", patchOutside), DecisionAsk},
		{"auto-edit mutating shell", config.PolicyAutoEdit, "shell", shellArgs("rm", "f"), DecisionAsk},
		{"full-auto anything", config.PolicyFullAuto, "shell", shellArgs("rm", "-rf", "x"), DecisionAllow},
		{"mcp tool asks", config.PolicySuggest, "search_docs", map[string]interface{}{}, DecisionAsk},
		{"mcp tool full-auto", config.PolicyFullAuto, "search_docs", map[string]interface{}{}, DecisionAllow},
		{"todo auto-approved", config.PolicySuggest, "AddTodo", map[string]interface{}{}, DecisionAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.policy, tt.tool, tt.args, cfg); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}
