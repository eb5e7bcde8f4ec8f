package tools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestApplyPatch_AddUpdateDelete(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "old.txt"), []byte("stale\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	patch := strings.Join([]string{
		"*** Begin Patch",
		"*** Add File: docs/readme.md",
		"+# Title",
		"+",
		"+Body text.",
		"*** Update File: main.go",
		"@@",
		" func main() {",
		"-\tprintln(\"hi\")",
		"+\tprintln(\"hello\")",
		" }",
		"*** Delete File: old.txt",
		"*** End Patch",
	}, "\n")

	summary, err := ApplyPatch(patch, dir)
	if err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}

	lines := strings.Split(summary, "\n")
	if lines[0] != "Success. Updated the following files:" {
		t.Errorf("summary header = %q", lines[0])
	}
	for _, want := range []string{"A docs/readme.md", "M main.go", "D old.txt"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}

	added, err := os.ReadFile(filepath.Join(dir, "docs", "readme.md"))
	if err != nil {
		t.Fatalf("added file missing: %v", err)
	}
	if string(added) != "# Title\n\nBody text.\n" {
		t.Errorf("added content = %q", string(added))
	}

	updated, err := os.ReadFile(filepath.Join(dir, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(updated), `println("hello")`) {
		t.Errorf("update not applied:\n%s", string(updated))
	}

	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !os.IsNotExist(err) {
		t.Error("deleted file still present")
	}
}

func TestApplyPatch_Move(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("line one\nline two\n"), 0644); err != nil {
		t.Fatal(err)
	}

	patch := strings.Join([]string{
		"*** Begin Patch",
		"*** Update File: a.txt",
		"*** Move to: sub/b.txt",
		"@@",
		"-line one",
		"+line 1",
		" line two",
		"*** End Patch",
	}, "\n")

	summary, err := ApplyPatch(patch, dir)
	if err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}
	if !strings.Contains(summary, "M a.txt -> sub/b.txt") {
		t.Errorf("summary = %q", summary)
	}

	moved, err := os.ReadFile(filepath.Join(dir, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("moved file missing: %v", err)
	}
	if string(moved) != "line 1\nline two\n" {
		t.Errorf("moved content = %q", string(moved))
	}
	if _, err := os.Stat(filepath.Join(dir, "a.txt")); !os.IsNotExist(err) {
		t.Error("original file still present after move")
	}
}

func TestApplyPatch_Malformed(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		patch string
	}{
		{"no begin", "*** Add File: x\n+hi\n*** End Patch"},
		{"no end", "*** Begin Patch\n*** Add File: x\n+hi"},
		{"stray line", "*** Begin Patch\ngarbage\n*** End Patch"},
		{"empty update", "*** Begin Patch\n*** Update File: x\n*** End Patch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ApplyPatch(tt.patch, dir); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestApplyPatch_HunkDoesNotApply(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("actual content\n"), 0644); err != nil {
		t.Fatal(err)
	}

	patch := strings.Join([]string{
		"*** Begin Patch",
		"*** Update File: f.txt",
		"@@",
		"-something else",
		"+replacement",
		"*** End Patch",
	}, "\n")

	if _, err := ApplyPatch(patch, dir); err == nil {
		t.Error("expected error for non-matching hunk")
	}
}

func TestPatchTargets(t *testing.T) {
	dir := t.TempDir()

	patch := strings.Join([]string{
		"*** Begin Patch",
		"*** Add File: a.txt",
		"+x",
		"*** Update File: b.txt",
		"*** Move to: c.txt",
		"@@",
		"-x",
		"+y",
		"*** End Patch",
	}, "\n")

	targets, err := PatchTargets(patch, dir)
	if err != nil {
		t.Fatalf("PatchTargets() error = %v", err)
	}

	want := []string{
		filepath.Join(dir, "a.txt"),
		filepath.Join(dir, "b.txt"),
		filepath.Join(dir, "c.txt"),
	}
	if len(targets) != len(want) {
		t.Fatalf("targets = %v", targets)
	}
	for i := range want {
		if targets[i] != want[i] {
			t.Errorf("targets[%d] = %q, want %q", i, targets[i], want[i])
		}
	}
}
