package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// TestLogger captures structured log records for assertions.
type TestLogger struct {
	Logger *slog.Logger

	mu      sync.Mutex
	entries []LogEntry
}

// LogEntry is one captured record. Attrs include those added through
// Logger.With, keyed by their group-qualified name.
type LogEntry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// NewTestLogger creates a logger that records every entry at debug and above.
func NewTestLogger(t *testing.T) *TestLogger {
	t.Helper()
	tl := &TestLogger{}
	tl.Logger = slog.New(&captureHandler{sink: tl})
	return tl
}

type captureHandler struct {
	sink  *TestLogger
	attrs []slog.Attr
	group string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{Level: r.Level, Message: r.Message, Attrs: make(map[string]any)}
	for _, a := range h.attrs {
		entry.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry.Attrs[h.qualify(a.Key)] = a.Value.Any()
		return true
	})

	h.sink.mu.Lock()
	h.sink.entries = append(h.sink.entries, entry)
	h.sink.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		a.Key = h.qualify(a.Key)
		merged = append(merged, a)
	}
	return &captureHandler{sink: h.sink, attrs: merged, group: h.group}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{sink: h.sink, attrs: h.attrs, group: h.qualify(name)}
}

func (h *captureHandler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

// Entries returns a copy of the captured entries.
func (l *TestLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Containing returns entries whose message contains substring.
func (l *TestLogger) Containing(substring string) []LogEntry {
	var out []LogEntry
	for _, e := range l.Entries() {
		if strings.Contains(e.Message, substring) {
			out = append(out, e)
		}
	}
	return out
}

// CountLevel returns the number of entries at level.
func (l *TestLogger) CountLevel(level slog.Level) int {
	n := 0
	for _, e := range l.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

// AssertContains fails the test unless some entry's message contains msg.
func (l *TestLogger) AssertContains(t *testing.T, msg string) {
	t.Helper()
	if len(l.Containing(msg)) == 0 {
		t.Errorf("expected a log entry containing %q", msg)
	}
}

// AssertAttr fails the test unless some entry containing msg carries
// key=value.
func (l *TestLogger) AssertAttr(t *testing.T, msg, key string, value any) {
	t.Helper()
	for _, e := range l.Containing(msg) {
		if v, ok := e.Attrs[key]; ok && v == value {
			return
		}
	}
	t.Errorf("expected a log entry %q with %s=%v", msg, key, value)
}

// AssertNoErrors fails the test if any error-level entry was captured.
func (l *TestLogger) AssertNoErrors(t *testing.T) {
	t.Helper()
	var msgs []string
	for _, e := range l.Entries() {
		if e.Level == slog.LevelError {
			msgs = append(msgs, e.Message)
		}
	}
	if len(msgs) > 0 {
		t.Errorf("expected no error logs, got %d: %v", len(msgs), msgs)
	}
}
