package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	patchBegin  = "*** Begin Patch"
	patchEnd    = "*** End Patch"
	patchAdd    = "*** Add File: "
	patchDelete = "*** Delete File: "
	patchUpdate = "*** Update File: "
	patchMove   = "*** Move to: "
)

type patchOp struct {
	kind    string // "add", "delete", "update"
	path    string
	moveTo  string
	content string      // add
	hunks   []patchHunk // update
}

type patchHunk struct {
	old []string
	new []string
}

// PatchTargets lists the file paths a patch writes to, for the writable-roots
// auto-approval check. Paths are resolved against workdir.
func PatchTargets(patch, workdir string) ([]string, error) {
	ops, err := parsePatch(patch)
	if err != nil {
		return nil, err
	}

	targets := make([]string, 0, len(ops))
	for _, op := range ops {
		targets = append(targets, resolvePath(workdir, op.path))
		if op.moveTo != "" {
			targets = append(targets, resolvePath(workdir, op.moveTo))
		}
	}
	return targets, nil
}

// ApplyPatch applies the textual patch under workdir. On success the summary
// names every touched file; any failure leaves a diagnostic error and a
// non-zero exit code at the shell layer.
func ApplyPatch(patch, workdir string) (string, error) {
	ops, err := parsePatch(patch)
	if err != nil {
		return "", err
	}
	if len(ops) == 0 {
		return "", fmt.Errorf("patch contains no file operations")
	}

	var summary strings.Builder
	summary.WriteString("Success. Updated the following files:\n")

	for _, op := range ops {
		path := resolvePath(workdir, op.path)
		switch op.kind {
		case "add":
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return "", fmt.Errorf("failed to create directory for %s: %w", op.path, err)
			}
			if err := os.WriteFile(path, []byte(op.content), 0644); err != nil {
				return "", fmt.Errorf("failed to add %s: %w", op.path, err)
			}
			fmt.Fprintf(&summary, "A %s\n", op.path)

		case "delete":
			if err := os.Remove(path); err != nil {
				return "", fmt.Errorf("failed to delete %s: %w", op.path, err)
			}
			fmt.Fprintf(&summary, "D %s\n", op.path)

		case "update":
			if err := applyUpdate(path, op); err != nil {
				return "", fmt.Errorf("failed to update %s: %w", op.path, err)
			}
			if op.moveTo != "" {
				dest := resolvePath(workdir, op.moveTo)
				if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
					return "", fmt.Errorf("failed to create directory for %s: %w", op.moveTo, err)
				}
				if err := os.Rename(path, dest); err != nil {
					return "", fmt.Errorf("failed to move %s: %w", op.path, err)
				}
				fmt.Fprintf(&summary, "M %s -> %s\n", op.path, op.moveTo)
			} else {
				fmt.Fprintf(&summary, "M %s\n", op.path)
			}
		}
	}

	return strings.TrimRight(summary.String(), "\n"), nil
}

func parsePatch(patch string) ([]patchOp, error) {
	lines := strings.Split(strings.ReplaceAll(patch, "\r\n", "\n"), "\n")

	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) || strings.TrimSpace(lines[i]) != patchBegin {
		return nil, fmt.Errorf("patch must start with %q", patchBegin)
	}
	i++

	var ops []patchOp
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.TrimSpace(line) == patchEnd:
			return ops, nil

		case strings.HasPrefix(line, patchAdd):
			op := patchOp{kind: "add", path: strings.TrimSpace(strings.TrimPrefix(line, patchAdd))}
			i++
			var content []string
			for i < len(lines) && strings.HasPrefix(lines[i], "+") {
				content = append(content, strings.TrimPrefix(lines[i], "+"))
				i++
			}
			op.content = strings.Join(content, "\n")
			if len(content) > 0 {
				op.content += "\n"
			}
			ops = append(ops, op)

		case strings.HasPrefix(line, patchDelete):
			ops = append(ops, patchOp{kind: "delete", path: strings.TrimSpace(strings.TrimPrefix(line, patchDelete))})
			i++

		case strings.HasPrefix(line, patchUpdate):
			op := patchOp{kind: "update", path: strings.TrimSpace(strings.TrimPrefix(line, patchUpdate))}
			i++
			if i < len(lines) && strings.HasPrefix(lines[i], patchMove) {
				op.moveTo = strings.TrimSpace(strings.TrimPrefix(lines[i], patchMove))
				i++
			}
			var hunk *patchHunk
			flush := func() {
				if hunk != nil && (len(hunk.old) > 0 || len(hunk.new) > 0) {
					op.hunks = append(op.hunks, *hunk)
				}
				hunk = nil
			}
			for i < len(lines) {
				l := lines[i]
				if strings.HasPrefix(l, "*** ") {
					break
				}
				switch {
				case strings.HasPrefix(l, "@@"):
					flush()
					hunk = &patchHunk{}
				case strings.HasPrefix(l, "+"):
					if hunk == nil {
						hunk = &patchHunk{}
					}
					hunk.new = append(hunk.new, strings.TrimPrefix(l, "+"))
				case strings.HasPrefix(l, "-"):
					if hunk == nil {
						hunk = &patchHunk{}
					}
					hunk.old = append(hunk.old, strings.TrimPrefix(l, "-"))
				default:
					if hunk == nil {
						hunk = &patchHunk{}
					}
					// Context line: keep on both sides.
					text := strings.TrimPrefix(l, " ")
					hunk.old = append(hunk.old, text)
					hunk.new = append(hunk.new, text)
				}
				i++
			}
			flush()
			if len(op.hunks) == 0 {
				return nil, fmt.Errorf("update for %s has no hunks", op.path)
			}
			ops = append(ops, op)

		default:
			return nil, fmt.Errorf("unexpected patch line: %q", line)
		}
	}

	return nil, fmt.Errorf("patch missing %q", patchEnd)
}

func applyUpdate(path string, op patchOp) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fileLines := strings.Split(string(data), "\n")

	searchFrom := 0
	for n, hunk := range op.hunks {
		idx := findLines(fileLines, hunk.old, searchFrom)
		if idx < 0 {
			return fmt.Errorf("hunk %d does not apply", n+1)
		}
		replaced := make([]string, 0, len(fileLines)-len(hunk.old)+len(hunk.new))
		replaced = append(replaced, fileLines[:idx]...)
		replaced = append(replaced, hunk.new...)
		replaced = append(replaced, fileLines[idx+len(hunk.old):]...)
		fileLines = replaced
		searchFrom = idx + len(hunk.new)
	}

	return os.WriteFile(path, []byte(strings.Join(fileLines, "\n")), 0644)
}

func findLines(haystack, needle []string, from int) int {
	if len(needle) == 0 {
		return -1
	}
	for i := from; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func resolvePath(workdir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(workdir, path)
}
