package status

import (
	"strings"
	"testing"
	"time"

	"github.com/meow-stack/recipe-engine/internal/recipe"
	"github.com/meow-stack/recipe-engine/internal/session"
)

func testSnapshot(now time.Time) *session.Snapshot {
	return &session.Snapshot{
		SessionID:   "recipe_20260101_120000_abcd1234",
		Recipe:      "release",
		RecipePath:  "/proj/release.yaml",
		ProjectPath: "/proj",
		Status:      session.StatusFailed,
		Context:     map[string]any{"version": "1.2.0", "notes": strings.Repeat("x", 100)},
		StepStatuses: map[string]session.StepStatus{
			"build": session.StepSucceeded,
			"test":  session.StepFailed,
		},
		Error:     "[RUN_001] recipe \"release\" aborted at step 'test'",
		StartedAt: now.Add(-10 * time.Minute),
		UpdatedAt: now.Add(-5 * time.Minute),
	}
}

const releaseRecipe = `name: release
description: release
version: 1.0.0
steps:
  - id: build
    type: bash
    command: make
  - id: test
    type: bash
    command: make test
  - id: publish
    agent: publisher
    prompt: publish
`

func TestNewSessionSummary(t *testing.T) {
	now := time.Now()
	r, err := recipe.Parse([]byte(releaseRecipe))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		recipe *recipe.Recipe
		want   StepStats
		ids    []string
	}{
		{"with recipe", r, StepStats{Total: 3, Succeeded: 1, Failed: 1, Pending: 1}, []string{"build", "test", "publish"}},
		{"without recipe", nil, StepStats{Total: 2, Succeeded: 1, Failed: 1}, []string{"build", "test"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSessionSummary(testSnapshot(now), tt.recipe)
			if s.StepStats != tt.want {
				t.Errorf("stats = %+v, want %+v", s.StepStats, tt.want)
			}
			var ids []string
			for _, step := range s.Steps {
				ids = append(ids, step.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.ids, ",") {
				t.Errorf("steps = %v, want %v", ids, tt.ids)
			}
		})
	}
}

func TestFormatDetailedSession(t *testing.T) {
	now := time.Now()
	r, _ := recipe.Parse([]byte(releaseRecipe))
	summary := NewSessionSummary(testSnapshot(now), r)

	output := FormatDetailedSession(summary, FormatOptions{NoColor: true, Now: now})

	for _, want := range []string{
		"Session:  recipe_20260101_120000_abcd1234",
		"Recipe:   release (/proj/release.yaml)",
		"Status:   ✗ failed",
		"(5m0s ago)",
		"Progress:",
		"(2/3 steps)",
		"✓ 1 succeeded",
		"✗ 1 failed",
		"○ 1 pending",
		"version = 1.2.0",
		"publish [agent]: pending",
		"Error: [RUN_001]",
		"recipes resume recipe_20260101_120000_abcd1234",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, strings.Repeat("x", 100)) {
		t.Error("long context values should be truncated")
	}
	if strings.Contains(output, "\033[") {
		t.Error("NoColor output should have no escape codes")
	}
}

func TestFormatDetailedSession_Completed(t *testing.T) {
	now := time.Now()
	snap := testSnapshot(now)
	snap.Status = session.StatusCompleted
	snap.Error = ""

	output := FormatDetailedSession(NewSessionSummary(snap, nil), FormatOptions{Quiet: true, Now: now})

	if strings.Contains(output, "Resume with") || strings.Contains(output, "Context:") {
		t.Errorf("unexpected sections:\n%s", output)
	}
	if !strings.Contains(output, "\033[32m✓ completed") {
		t.Errorf("completed status should be green:\n%s", output)
	}
}

func TestFormatSessionList(t *testing.T) {
	now := time.Now()
	older := testSnapshot(now)
	newer := testSnapshot(now)
	newer.SessionID = "recipe_newer"
	newer.Status = session.StatusRunning
	newer.UpdatedAt = now.Add(-time.Minute)

	summaries := []*SessionSummary{NewSessionSummary(older, nil), NewSessionSummary(newer, nil)}

	output := FormatSessionList(summaries, FormatOptions{NoColor: true, Now: now})
	if !strings.Contains(output, "Found 2 session(s)") {
		t.Errorf("output = %s", output)
	}
	if strings.Index(output, "recipe_newer") > strings.Index(output, older.SessionID) {
		t.Errorf("newest session should be listed first:\n%s", output)
	}
	if !strings.Contains(output, "Progress: 2/2 steps") || !strings.Contains(output, "Updated:  1m0s ago") {
		t.Errorf("output = %s", output)
	}

	quiet := FormatSessionList(summaries, FormatOptions{NoColor: true, Quiet: true, Now: now})
	if !strings.Contains(quiet, "● recipe_newer  release  running") {
		t.Errorf("quiet output = %s", quiet)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{5*time.Minute + 3*time.Second, "5m3s"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
		{72 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
