package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/session"
	"github.com/meow-stack/recipe-engine/internal/testutil"
)

// setupProject points the command globals at a fresh project directory and
// isolates the global config under a temp HOME.
func setupProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())

	workDir, verbose = dir, false
	runDry, runVars, runSessionID, runAutoApprove = false, nil, "", false
	resumeVars, resumeRecipe, resumeAutoApprove = nil, "", false
	sessionsAll, sessionsDays, sessionsYAML = false, -1, false
	modelsProvider = ""
	t.Cleanup(func() { workDir = "" })

	// Keep test output quiet.
	testutil.WriteFile(t, dir, ".recipes/config.toml", "[logging]\nlevel = \"error\"\n")
	return dir
}

func newTestCmd(input string) (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)
	c.SetErr(io.Discard)
	c.SetIn(strings.NewReader(input))
	c.SetContext(context.Background())
	return c, &out
}

func loadSession(t *testing.T, dir, id string) *session.Snapshot {
	t.Helper()
	store, err := session.NewYAMLStore(filepath.Join(dir, ".recipes", "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	snap, err := store.Load(context.Background(), id, dir)
	if err != nil {
		t.Fatalf("loading session %s: %v", id, err)
	}
	return snap
}

const greetRecipe = `  - id: greet
    type: bash
    command: echo hello {{who}}
    output: greeting
`

func TestRun_CompletesAndCheckpoints(t *testing.T) {
	dir := setupProject(t)
	testutil.WriteFile(t, dir, "greet.yaml", testutil.Recipe("greet", greetRecipe))
	runVars = []string{"who=world"}
	runSessionID = "recipe_test_greet"

	c, out := newTestCmd("")
	if err := runRun(c, []string{"greet.yaml"}); err != nil {
		t.Fatalf("runRun failed: %v\n%s", err, out)
	}
	if !strings.Contains(out.String(), "Recipe greet: completed") {
		t.Errorf("output = %s", out)
	}

	snap := loadSession(t, dir, runSessionID)
	if snap.Status != session.StatusCompleted || snap.Context["greeting"] != "hello world" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.StepStatuses["greet"] != session.StepSucceeded {
		t.Errorf("step statuses = %v", snap.StepStatuses)
	}

	trace, err := os.ReadFile(filepath.Join(dir, ".recipes", "logs", runSessionID, "trace.jsonl"))
	if err != nil {
		t.Fatalf("reading trace: %v", err)
	}
	for _, event := range []string{"recipe:start", "recipe:step", "recipe:complete"} {
		if !strings.Contains(string(trace), event) {
			t.Errorf("trace missing %s:\n%s", event, trace)
		}
	}
}

func TestRun_MetricsTextfile(t *testing.T) {
	dir := setupProject(t)
	testutil.WriteFile(t, dir, ".recipes/config.toml",
		"[logging]\nlevel = \"error\"\n\n[metrics]\ntextfile = \"metrics/recipes.prom\"\n")
	testutil.WriteFile(t, dir, "greet.yaml", testutil.Recipe("greet", greetRecipe))
	runVars = []string{"who=metrics"}

	c, out := newTestCmd("")
	if err := runRun(c, []string{"greet.yaml"}); err != nil {
		t.Fatalf("runRun failed: %v\n%s", err, out)
	}

	data, err := os.ReadFile(filepath.Join(dir, "metrics", "recipes.prom"))
	if err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	if !strings.Contains(string(data), `recipe="greet"`) {
		t.Errorf("metrics missing recipe label:\n%s", data)
	}
}

func TestRun_FailThenResume(t *testing.T) {
	dir := setupProject(t)
	testutil.WriteFile(t, dir, "flaky.yaml", testutil.Recipe("flaky", `  - id: count
    type: bash
    command: echo run >> count.txt
  - id: check
    type: bash
    command: test -f ready
  - id: finish
    type: bash
    command: echo finished
    output: result
`))
	runSessionID = "recipe_test_flaky"

	c, out := newTestCmd("")
	err := runRun(c, []string{"flaky.yaml"})
	if !errors.HasCode(err, errors.CodeRunAborted) {
		t.Fatalf("err = %v, want RUN_001", err)
	}
	if !strings.Contains(out.String(), "recipes resume recipe_test_flaky") {
		t.Errorf("output should suggest resume:\n%s", out)
	}
	if snap := loadSession(t, dir, runSessionID); snap.Status != session.StatusFailed {
		t.Errorf("status = %s, want failed", snap.Status)
	}

	testutil.WriteFile(t, dir, "ready", "")
	c, out = newTestCmd("")
	if err := runResume(c, []string{"recipe_test_flaky"}); err != nil {
		t.Fatalf("runResume failed: %v\n%s", err, out)
	}

	count, err := os.ReadFile(filepath.Join(dir, "count.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(count), "run"); n != 1 {
		t.Errorf("count step ran %d times, want 1", n)
	}
	snap := loadSession(t, dir, runSessionID)
	if snap.Status != session.StatusCompleted || snap.Context["result"] != "finished" {
		t.Errorf("snapshot = %+v", snap)
	}

	c, _ = newTestCmd("")
	if err := runResume(c, []string{"recipe_test_flaky"}); err == nil || !strings.Contains(err.Error(), "already completed") {
		t.Errorf("resuming a completed session: err = %v", err)
	}
}

func TestRun_InterruptedFails(t *testing.T) {
	dir := setupProject(t)
	testutil.WriteFile(t, dir, "slow.yaml", testutil.Recipe("slow", `  - id: wait
    type: bash
    command: sleep 30
`))
	runSessionID = "recipe_test_slow"

	c, out := newTestCmd("")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.SetContext(ctx)
	time.AfterFunc(200*time.Millisecond, cancel)

	err := runRun(c, []string{"slow.yaml"})
	if !errors.HasCode(err, errors.CodeRunInterrupted) {
		t.Fatalf("err = %v, want RUN_003", err)
	}
	if !strings.Contains(out.String(), "Run interrupted. Resume with: recipes resume recipe_test_slow") {
		t.Errorf("output should suggest resume:\n%s", out)
	}
	if snap := loadSession(t, dir, runSessionID); snap.Status != session.StatusFailed {
		t.Errorf("status = %s, want failed", snap.Status)
	}
}

func TestResume_UnknownSession(t *testing.T) {
	setupProject(t)
	c, _ := newTestCmd("")
	err := runResume(c, []string{"recipe_missing"})
	if !errors.HasCode(err, errors.CodeSessionNotFound) {
		t.Errorf("err = %v, want SESSION_001", err)
	}
}

const stagedCLIRecipe = `name: staged
description: staged recipe
version: 1.0.0
stages:
  - name: plan
    approval:
      required: true
      prompt: "Ship {{task}}?"
    steps:
      - id: plan
        type: bash
        command: echo planned
        output: plan
  - name: build
    steps:
      - id: build
        type: bash
        command: echo built
        output: build
`

func TestRun_Approval(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		autoApprove bool
		wantErr     string
	}{
		{"answered yes", "y\n", false, ""},
		{"answered no", "n\n", false, errors.CodeApprovalDenied},
		{"empty answer denies", "\n", false, errors.CodeApprovalDenied},
		{"auto approve", "", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := setupProject(t)
			testutil.WriteFile(t, dir, "staged.yaml", stagedCLIRecipe)
			runVars = []string{"task=docs"}
			runAutoApprove = tt.autoApprove

			c, out := newTestCmd(tt.input)
			err := runRun(c, []string{"staged.yaml"})
			if tt.wantErr == "" && err != nil {
				t.Fatalf("runRun failed: %v\n%s", err, out)
			}
			if tt.wantErr != "" && !errors.HasCode(err, tt.wantErr) {
				t.Fatalf("err = %v, want %s", err, tt.wantErr)
			}
			if !tt.autoApprove && !strings.Contains(out.String(), "Ship docs? [y/N]") {
				t.Errorf("prompt not shown:\n%s", out)
			}
		})
	}
}

func TestRun_DryRun(t *testing.T) {
	dir := setupProject(t)
	testutil.WriteFile(t, dir, "plan.yaml", testutil.Recipe("plan", `  - id: report
    type: bash
    command: echo report
    depends_on: [build]
  - id: build
    type: bash
    command: echo build
    condition: "{{enabled}} == true"
`))
	runDry = true

	c, out := newTestCmd("")
	if err := runRun(c, []string{"plan.yaml"}); err != nil {
		t.Fatalf("runRun failed: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Would run recipe plan") {
		t.Errorf("output = %s", got)
	}
	if strings.Index(got, "build [bash]") > strings.Index(got, "report [bash]") {
		t.Errorf("plan not in dependency order:\n%s", got)
	}
	if _, err := os.Stat(filepath.Join(dir, ".recipes", "sessions")); !os.IsNotExist(err) {
		t.Error("dry run should not open the session store")
	}
}

func TestRun_InvalidVar(t *testing.T) {
	dir := setupProject(t)
	testutil.WriteFile(t, dir, "greet.yaml", testutil.Recipe("greet", greetRecipe))
	runVars = []string{"novalue"}

	c, _ := newTestCmd("")
	if err := runRun(c, []string{"greet.yaml"}); err == nil || !strings.Contains(err.Error(), "invalid variable format") {
		t.Errorf("err = %v", err)
	}
}

func TestParseVars(t *testing.T) {
	tests := []struct {
		pair string
		want any
	}{
		{"n=3", 3},
		{"ratio=1.5", 1.5},
		{"ok=true", true},
		{"name=hello world", "hello world"},
		{"empty=", ""},
		{"null=~", "~"},
		{"list=[1, 2]", "[1, 2]"},
		{"expr=a=b", "a=b"},
	}

	for _, tt := range tests {
		t.Run(tt.pair, func(t *testing.T) {
			got, err := parseVars([]string{tt.pair})
			if err != nil {
				t.Fatalf("parseVars failed: %v", err)
			}
			name, _, _ := strings.Cut(tt.pair, "=")
			if !reflect.DeepEqual(got[name], tt.want) {
				t.Errorf("%s = %#v, want %#v", name, got[name], tt.want)
			}
		})
	}

	if _, err := parseVars([]string{"=x"}); err == nil {
		t.Error("empty name should fail")
	}
}

func TestValidate(t *testing.T) {
	dir := setupProject(t)
	testutil.WriteFile(t, dir, "good.yaml", testutil.Recipe("good", greetRecipe))
	testutil.WriteFile(t, dir, "bad.yaml", testutil.Recipe("bad", `  - id: a
    type: bash
    command: echo a
  - id: a
    type: bash
    command: echo again
`))

	c, out := newTestCmd("")
	err := runValidate(c, []string{"good.yaml", "bad.yaml", "missing.yaml"})
	if err == nil || !strings.Contains(err.Error(), "2 of 3 recipes invalid") {
		t.Errorf("err = %v", err)
	}
	got := out.String()
	for _, want := range []string{"✓ good.yaml (good, 1 steps)", "✗ bad.yaml", "✗ missing.yaml", "RECIPE_003"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	c, _ = newTestCmd("")
	if err := runValidate(c, []string{"good.yaml"}); err != nil {
		t.Errorf("valid recipe: %v", err)
	}
}

func TestSessions(t *testing.T) {
	dir := setupProject(t)
	store, err := session.NewYAMLStore(filepath.Join(dir, ".recipes", "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	now := time.Now()
	for _, s := range []*session.Snapshot{
		{SessionID: "recipe_fresh", Recipe: "a", ProjectPath: dir, Status: session.StatusRunning, UpdatedAt: now},
		{SessionID: "recipe_stale", Recipe: "b", ProjectPath: dir, Status: session.StatusFailed, UpdatedAt: now.Add(-30 * 24 * time.Hour)},
		{SessionID: "recipe_elsewhere", Recipe: "c", ProjectPath: "/other", Status: session.StatusCompleted, UpdatedAt: now},
	} {
		if err := store.Save(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	c, out := newTestCmd("")
	if err := runSessionsList(c, nil); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); !strings.Contains(got, "recipe_fresh") || strings.Contains(got, "recipe_elsewhere") {
		t.Errorf("list = %s", got)
	}

	sessionsAll = true
	c, out = newTestCmd("")
	if err := runSessionsList(c, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "recipe_elsewhere") {
		t.Errorf("list --all = %s", out)
	}

	c, out = newTestCmd("")
	if err := runSessionsShow(c, []string{"recipe_stale"}); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); !strings.Contains(got, "Status:   ✗ failed") || !strings.Contains(got, "recipes resume recipe_stale") {
		t.Errorf("show = %s", got)
	}

	sessionsYAML = true
	c, out = newTestCmd("")
	if err := runSessionsShow(c, []string{"recipe_stale"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "status: failed") {
		t.Errorf("show --yaml = %s", out)
	}

	c, out = newTestCmd("")
	if err := runSessionsClean(c, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Removed 1 sessions older than 7 days") {
		t.Errorf("clean = %s", out)
	}

	c, _ = newTestCmd("")
	if err := runSessionsDelete(c, []string{"recipe_fresh"}); err != nil {
		t.Fatal(err)
	}
	left, _ := store.List(ctx, "")
	if len(left) != 1 || left[0].SessionID != "recipe_elsewhere" {
		t.Errorf("remaining = %v", left)
	}
}

func TestModels(t *testing.T) {
	dir := setupProject(t)
	testutil.WriteFile(t, dir, ".recipes/config.toml", `[logging]
level = "error"

[agent]
default_provider = "anthropic"

[providers.anthropic]
models = ["claude-sonnet-4-0", "claude-sonnet-4-5", "claude-haiku-4-5"]
`)

	tests := []struct {
		pattern  string
		provider string
		want     string
	}{
		{"claude-sonnet-*", "", "claude-sonnet-4-5"},
		{"claude-haiku-4-5", "", "claude-haiku-4-5"},
		{"gpt-*", "", "gpt-*"},
		{"claude-*", "openai", "claude-*"},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.provider, func(t *testing.T) {
			modelsProvider = tt.provider
			c, out := newTestCmd("")
			if err := runModelsResolve(c, []string{tt.pattern}); err != nil {
				t.Fatal(err)
			}
			if got := strings.TrimSpace(out.String()); got != tt.want {
				t.Errorf("resolve %s = %q, want %q", tt.pattern, got, tt.want)
			}
		})
	}

	c, out := newTestCmd("")
	if err := runModelsList(c, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "anthropic (default):") {
		t.Errorf("list = %s", out)
	}
}
