package testutil

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/meow-stack/recipe-engine/internal/agent"
	"github.com/meow-stack/recipe-engine/internal/recipe"
)

func TestTestLogger_Capture(t *testing.T) {
	tl := NewTestLogger(t)
	log := tl.Logger.With("recipe", "demo").WithGroup("step")

	log.Info("running step", "id", "a")
	tl.Logger.Error("boom")

	entries := tl.Entries()
	if len(entries) != 2 {
		t.Fatalf("captured %d entries, want 2", len(entries))
	}
	if entries[0].Attrs["recipe"] != "demo" || entries[0].Attrs["step.id"] != "a" {
		t.Errorf("attrs = %v", entries[0].Attrs)
	}
	tl.AssertContains(t, "running")
	tl.AssertAttr(t, "running step", "step.id", "a")
	if tl.CountLevel(slog.LevelError) != 1 {
		t.Errorf("error count = %d", tl.CountLevel(slog.LevelError))
	}
}

func TestFakeSpawner(t *testing.T) {
	f := NewFakeSpawner().Script("coder",
		FakeResponse{Output: "first"},
		FakeResponse{Err: errors.New("nope")},
	)
	ctx := context.Background()

	res, err := f.Spawn(ctx, agent.Request{Agent: "coder", Prompt: "p1"})
	if err != nil || res.Output != "first" {
		t.Errorf("first = %v, %v", res, err)
	}
	if _, err := f.Spawn(ctx, agent.Request{Agent: "coder"}); err == nil {
		t.Error("second response should fail")
	}
	res, _ = f.Spawn(ctx, agent.Request{Agent: "coder", Prompt: "echo me"})
	if res.Output != "echo me" {
		t.Errorf("unscripted output = %q", res.Output)
	}

	f.Default = func(req agent.Request) (*agent.Result, error) {
		return &agent.Result{Output: strings.ToUpper(req.Prompt)}, nil
	}
	res, _ = f.Spawn(ctx, agent.Request{Agent: "other", Prompt: "hi"})
	if res.Output != "HI" {
		t.Errorf("default output = %q", res.Output)
	}
	if len(f.Calls()) != 4 {
		t.Errorf("calls = %d", len(f.Calls()))
	}
}

func TestFakeSpawner_Block(t *testing.T) {
	f := NewFakeSpawner().Script("slow", FakeResponse{Block: true})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := f.Spawn(ctx, agent.Request{Agent: "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRecordingBus(t *testing.T) {
	b := &RecordingBus{}
	ctx := context.Background()
	b.Emit(ctx, "recipe:start", map[string]any{"name": "x"})
	b.Emit(ctx, "recipe:step", map[string]any{"id": "a"})
	b.Emit(ctx, "recipe:step", map[string]any{"id": "b"})

	if got := strings.Join(b.Names(), ","); got != "recipe:start,recipe:step,recipe:step" {
		t.Errorf("names = %s", got)
	}
	if steps := b.Find("recipe:step"); len(steps) != 2 || steps[1].Data["id"] != "b" {
		t.Errorf("steps = %v", steps)
	}
}

func TestFixtures(t *testing.T) {
	cfg := NewTestConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Errorf("test config invalid: %v", err)
	}

	dir := t.TempDir()
	path := WriteFile(t, dir, "nested/r.yaml", Recipe("demo", "  - id: a\n    type: bash\n    command: echo hi\n"))
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
	r, err := recipe.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if problems := r.Validate(); len(problems) > 0 {
		t.Errorf("fixture recipe invalid: %v", problems)
	}
}
