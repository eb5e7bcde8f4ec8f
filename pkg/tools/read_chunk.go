package tools

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const eofMarker = "-----EOF-----"

// ReadChunk returns a line-numbered window of a file. args is the shell argv
// after the read_chunk literal: file_name, start_line, end_line (1-based,
// inclusive). A range reaching past the last line gets the EOF marker
// appended.
func ReadChunk(args []string, workdir string) (string, error) {
	if len(args) != 3 {
		return "", fmt.Errorf("read_chunk expects: file_name start_line end_line")
	}

	startLine, err := strconv.Atoi(args[1])
	if err != nil || startLine < 1 {
		return "", fmt.Errorf("invalid start_line: %q", args[1])
	}
	endLine, err := strconv.Atoi(args[2])
	if err != nil || endLine < startLine {
		return "", fmt.Errorf("invalid end_line: %q", args[2])
	}

	path := resolvePath(workdir, args[0])
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	lines := strings.Split(string(data), "\n")
	// A trailing newline yields one phantom empty element.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var sb strings.Builder
	for i := startLine; i <= endLine && i <= len(lines); i++ {
		fmt.Fprintf(&sb, "%d: %s\n", i, lines[i-1])
	}
	if endLine > len(lines) {
		sb.WriteString(eofMarker + "\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
