// Package journal persists per-session websocket traffic as append-only
// JSONL, and rebuilds transcripts from it on reconnect.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinkerbay/agentd/pkg/observability"
	"github.com/tinkerbay/agentd/pkg/protocol"
)

const (
	EventMessageReceived  = "websocket_message_received"
	EventMessageSent      = "websocket_message_sent"
	EventSessionConnected = "session_connected"
	EventSessionEnded     = "session_ended"
)

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Entry is one journal line. Lifecycle events carry no message data.
type Entry struct {
	Timestamp   time.Time       `json:"timestamp"`
	EventType   string          `json:"event_type"`
	Direction   string          `json:"direction,omitempty"`
	MessageData json.RawMessage `json:"message_data,omitempty"`
}

// Writer appends entries to a session's journal file. Writes are serialized;
// each entry reaches the file before the corresponding frame is considered
// delivered.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Path returns the journal file path for a session.
func Path(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".jsonl")
}

// Exists reports whether a journal exists for the session.
func Exists(dir, sessionID string) bool {
	_, err := os.Stat(Path(dir, sessionID))
	return err == nil
}

// Open opens (or creates) the journal for appending.
func Open(dir, sessionID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := Path(dir, sessionID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return &Writer{file: file, path: path}, nil
}

func (w *Writer) append(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.file.Write(data)
	observability.GetGlobalMetrics().RecordJournalWrite(err)
	if err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return nil
}

// RecordIncoming journals a frame received from the client.
func (w *Writer) RecordIncoming(frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return w.append(Entry{
		Timestamp:   time.Now().UTC(),
		EventType:   EventMessageReceived,
		Direction:   DirectionIncoming,
		MessageData: data,
	})
}

// RecordOutgoing journals a frame sent to the client.
func (w *Writer) RecordOutgoing(frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return w.append(Entry{
		Timestamp:   time.Now().UTC(),
		EventType:   EventMessageSent,
		Direction:   DirectionOutgoing,
		MessageData: data,
	})
}

// RecordLifecycle journals a connection lifecycle event
// (session_connected / session_ended).
func (w *Writer) RecordLifecycle(eventType string) error {
	return w.append(Entry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
	})
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Archive renames the session's journal to a dotfile carrying a timestamp,
// taking it out of the resumable set while keeping the history on disk.
func Archive(dir, sessionID string) (string, error) {
	src := Path(dir, sessionID)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("no journal for session %s: %w", sessionID, err)
	}

	archived := filepath.Join(dir, fmt.Sprintf(".%s-%d.jsonl", sessionID, time.Now().Unix()))
	if err := os.Rename(src, archived); err != nil {
		return "", fmt.Errorf("failed to archive journal: %w", err)
	}
	return archived, nil
}
