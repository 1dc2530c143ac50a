package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceEntry is one line of a run trace.
type TraceEntry struct {
	Timestamp time.Time      `json:"ts"`
	Event     string         `json:"event"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// TraceWriter appends every lifecycle event to a JSONL file.
type TraceWriter struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	sessionID string
}

// NewTraceWriter opens <dir>/trace.jsonl for appending, creating dir.
func NewTraceWriter(dir, sessionID string) (*TraceWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating trace directory: %w", err)
	}

	path := filepath.Join(dir, "trace.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}

	return &TraceWriter{file: file, path: path, sessionID: sessionID}, nil
}

// Path returns the trace file path.
func (t *TraceWriter) Path() string {
	return t.path
}

// Close closes the trace file.
func (t *TraceWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		err := t.file.Close()
		t.file = nil
		return err
	}
	return nil
}

// Handle is a Handler that writes the event as one JSON line.
func (t *TraceWriter) Handle(_ context.Context, event string, data map[string]any) (any, error) {
	return nil, t.Log(TraceEntry{Event: event, Data: data})
}

// Log writes a trace entry.
func (t *TraceWriter) Log(entry TraceEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return fmt.Errorf("trace writer closed")
	}

	entry.Timestamp = time.Now()
	if entry.SessionID == "" {
		entry.SessionID = t.sessionID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling trace entry: %w", err)
	}

	if _, err := t.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing trace entry: %w", err)
	}
	return nil
}
