package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinkerbay/agentd/pkg/protocol"
)

// Reconstruct rebuilds the conversation transcript from a session's journal.
// Only user input and completed response items contribute; control frames,
// loading states, approval traffic and lifecycle events are skipped.
// Unparseable lines are logged and dropped rather than failing the resume.
func Reconstruct(dir, sessionID string) ([]protocol.ConversationItem, error) {
	path := Path(dir, sessionID)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	defer file.Close()

	var items []protocol.ConversationItem

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Warn("Skipping malformed journal line", "session", sessionID, "line", lineNo, "error", err)
			continue
		}
		if len(entry.MessageData) == 0 {
			continue
		}

		frame, err := protocol.DecodeFrame(entry.MessageData)
		if err != nil {
			slog.Warn("Skipping malformed journal frame", "session", sessionID, "line", lineNo, "error", err)
			continue
		}

		switch {
		case entry.EventType == EventMessageReceived && frame.Type == protocol.FrameUserInput:
			payload, err := protocol.DecodePayload[protocol.UserInputPayload](frame)
			if err != nil {
				slog.Warn("Skipping malformed user input", "session", sessionID, "line", lineNo, "error", err)
				continue
			}
			items = append(items, payload.Input...)

		case entry.EventType == EventMessageSent && frame.Type == protocol.FrameResponseItem:
			item, err := protocol.DecodePayload[protocol.ConversationItem](frame)
			if err != nil {
				slog.Warn("Skipping malformed response item", "session", sessionID, "line", lineNo, "error", err)
				continue
			}
			// Fragments never reach the journal, but guard against partial
			// writes from a crashed process.
			if item.Type == protocol.ItemTypeAssistantMessage && item.Status == protocol.StatusIncomplete {
				continue
			}
			// Notices are journaled for the record but live outside the
			// transcript; replaying them would diverge from the original.
			if item.Type == protocol.ItemTypeSystemNotice {
				continue
			}
			items = append(items, item)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal %s: %w", path, err)
	}
	return items, nil
}
