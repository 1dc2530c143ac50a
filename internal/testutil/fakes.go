// Package testutil provides fakes, fixtures and a capturing logger for tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/meow-stack/recipe-engine/internal/agent"
	"github.com/meow-stack/recipe-engine/internal/config"
	"github.com/meow-stack/recipe-engine/internal/hooks"
)

// FakeSpawner is a scripted agent.Spawner. Responses are consumed in order
// per agent name; when an agent has none left, Default is used, and when
// Default is nil the prompt is echoed back.
type FakeSpawner struct {
	mu        sync.Mutex
	responses map[string][]FakeResponse
	calls     []agent.Request

	// Default answers requests with no scripted response.
	Default func(req agent.Request) (*agent.Result, error)
}

// FakeResponse is one scripted answer.
type FakeResponse struct {
	Output string
	Err    error
	// Block waits for ctx to end and returns its error.
	Block bool
}

// NewFakeSpawner creates an empty FakeSpawner.
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{responses: make(map[string][]FakeResponse)}
}

// Script queues responses for the named agent.
func (f *FakeSpawner) Script(agentName string, responses ...FakeResponse) *FakeSpawner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[agentName] = append(f.responses[agentName], responses...)
	return f
}

// Spawn records the request and returns the next scripted response.
func (f *FakeSpawner) Spawn(ctx context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	queue := f.responses[req.Agent]
	var resp *FakeResponse
	if len(queue) > 0 {
		resp = &queue[0]
		f.responses[req.Agent] = queue[1:]
	}
	def := f.Default
	f.mu.Unlock()

	switch {
	case resp == nil && def != nil:
		return def(req)
	case resp == nil:
		return &agent.Result{Output: req.Prompt}, nil
	case resp.Block:
		<-ctx.Done()
		return nil, ctx.Err()
	case resp.Err != nil:
		return nil, resp.Err
	default:
		return &agent.Result{Output: resp.Output}, nil
	}
}

// Calls returns the recorded requests in order.
func (f *FakeSpawner) Calls() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// RecordedEvent is one event seen by a RecordingBus.
type RecordedEvent struct {
	Name string
	Data map[string]any
}

// RecordingBus is a hooks.Bus that records every event in order.
type RecordingBus struct {
	mu     sync.Mutex
	events []RecordedEvent

	// Err, when set, is returned from every Emit.
	Err error
}

// Emit records the event.
func (b *RecordingBus) Emit(_ context.Context, event string, data map[string]any) (hooks.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, RecordedEvent{Name: event, Data: data})
	return hooks.Result{Event: event, Handled: 1}, b.Err
}

// Events returns the recorded events.
func (b *RecordingBus) Events() []RecordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RecordedEvent, len(b.events))
	copy(out, b.events)
	return out
}

// Names returns the recorded event names in order.
func (b *RecordingBus) Names() []string {
	var names []string
	for _, e := range b.Events() {
		names = append(names, e.Name)
	}
	return names
}

// Find returns the recorded events with the given name.
func (b *RecordingBus) Find(event string) []RecordedEvent {
	var out []RecordedEvent
	for _, e := range b.Events() {
		if e.Name == event {
			out = append(out, e)
		}
	}
	return out
}

var _ hooks.Bus = (*RecordingBus)(nil)
var _ agent.Spawner = (*FakeSpawner)(nil)

// NewTestConfig returns a default config with paths under a temp dir and
// debug logging.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.SessionsDir = filepath.Join(dir, "sessions")
	cfg.Paths.LogsDir = filepath.Join(dir, "logs")
	cfg.Logging.Level = config.LogLevelDebug
	return cfg
}

// WriteFile writes content to dir/name, creating parent directories, and
// returns the path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// Recipe returns a minimal valid recipe document with the given steps
// block appended. steps must be YAML indented for a top-level "steps:" key.
func Recipe(name, steps string) string {
	return fmt.Sprintf("name: %s\ndescription: test recipe\nversion: 1.0.0\nsteps:\n%s", name, steps)
}
