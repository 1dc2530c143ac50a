package agent

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/meow-stack/recipe-engine/internal/executor"
	"github.com/meow-stack/recipe-engine/internal/logging"
)

func TestCommandSpawner_Spawn(t *testing.T) {
	s := NewCommandSpawner(`echo "$RECIPE_AGENT/$RECIPE_MODE/$RECIPE_MODEL: $(cat)"; echo "$RECIPE_AGENT_CONFIG"`, "/bin/sh", nil, logging.NewForTest())

	res, err := s.Spawn(context.Background(), Request{
		StepID: "review",
		Agent:  "reviewer",
		Prompt: "check the diff",
		Mode:   "strict",
		Model:  "model-2",
		Config: map[string]any{"temperature": 0.1},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	lines := strings.Split(res.Output, "\n")
	if lines[0] != "reviewer/strict/model-2: check the diff" {
		t.Errorf("output line 0 = %q", lines[0])
	}
	if len(lines) != 2 || lines[1] != `{"temperature":0.1}` {
		t.Errorf("agent_config not exported: %q", res.Output)
	}
}

func TestCommandSpawner_Failure(t *testing.T) {
	s := NewCommandSpawner("echo 'model unavailable' >&2; exit 3", "/bin/sh", nil, nil)
	_, err := s.Spawn(context.Background(), Request{Agent: "a", Prompt: "p"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "code 3") || !strings.Contains(err.Error(), "model unavailable") {
		t.Errorf("error = %v", err)
	}
}

func TestCommandSpawner_NoCommand(t *testing.T) {
	if _, err := NewCommandSpawner(" ", "", nil, nil).Spawn(context.Background(), Request{}); err == nil {
		t.Error("expected error without command")
	}
}

func TestCommandSpawner_HonorsContext(t *testing.T) {
	runner := &executor.Runner{KillGrace: 100 * time.Millisecond}
	s := NewCommandSpawner("sleep 30", "/bin/sh", runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Spawn(ctx, Request{Agent: "slow", Prompt: "p"})
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("agent process was not stopped")
	}
}

func TestSpawnerFunc(t *testing.T) {
	var f Spawner = SpawnerFunc(func(_ context.Context, req Request) (*Result, error) {
		return &Result{Output: "echo:" + req.Prompt}, nil
	})
	res, err := f.Spawn(context.Background(), Request{Prompt: "hi"})
	if err != nil || res.Output != "echo:hi" {
		t.Errorf("Spawn = %+v, %v", res, err)
	}
}

type failingLister struct{}

func (failingLister) ListModels(context.Context, string) ([]string, error) {
	return nil, stderrors.New("provider offline")
}

func TestModelResolver_Resolve(t *testing.T) {
	models := StaticModels{
		"anthropic": {
			"claude-sonnet-4-20250514",
			"claude-sonnet-4-5-20250929",
			"claude-opus-4-20250514",
			"claude-haiku-3",
		},
	}
	r := NewModelResolver(models, logging.NewForTest())

	tests := []struct {
		name     string
		hint     string
		provider string
		want     string
		matched  int
	}{
		{"exact name", "claude-haiku-3", "anthropic", "claude-haiku-3", 0},
		{"newest match wins", "claude-sonnet-*", "anthropic", "claude-sonnet-4-5-20250929", 2},
		{"single char", "claude-haiku-?", "anthropic", "claude-haiku-3", 1},
		{"prefixed provider", "claude-opus-*", "provider-anthropic", "claude-opus-4-20250514", 1},
		{"no match", "gpt-*", "anthropic", "gpt-*", 0},
		{"no provider", "claude-*", "", "claude-*", 0},
		{"unknown provider", "claude-*", "openai", "claude-*", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(context.Background(), tt.hint, tt.provider)
			if res.Model != tt.want {
				t.Errorf("Model = %q, want %q", res.Model, tt.want)
			}
			if len(res.Matched) != tt.matched {
				t.Errorf("Matched = %v, want %d entries", res.Matched, tt.matched)
			}
		})
	}

	exact := r.Resolve(context.Background(), "claude-haiku-3", "anthropic")
	if exact.Pattern != "" || exact.Available != nil {
		t.Errorf("non-pattern should skip lookup: %+v", exact)
	}
}

func TestModelResolver_ListerErrorFallsBack(t *testing.T) {
	r := NewModelResolver(failingLister{}, nil)
	res := r.Resolve(context.Background(), "claude-*", "anthropic")
	if res.Model != "claude-*" || res.Pattern != "claude-*" {
		t.Errorf("Resolve = %+v", res)
	}

	var nilResolver *ModelResolver
	if got := nilResolver.Resolve(context.Background(), "claude-*", "anthropic"); got.Model != "claude-*" {
		t.Errorf("nil resolver = %+v", got)
	}
}

func TestIsPattern(t *testing.T) {
	for hint, want := range map[string]bool{
		"claude-*":       true,
		"model-?":        true,
		"model-[ab]":     true,
		"{opus,sonnet}":  true,
		"claude-haiku-3": false,
	} {
		if got := IsPattern(hint); got != want {
			t.Errorf("IsPattern(%q) = %v, want %v", hint, got, want)
		}
	}
}
