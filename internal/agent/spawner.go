// Package agent invokes agents for agent steps and resolves model patterns.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/meow-stack/recipe-engine/internal/executor"
	"github.com/meow-stack/recipe-engine/internal/logging"
)

// Request is one agent invocation.
type Request struct {
	StepID   string
	Agent    string
	Prompt   string
	Mode     string
	Config   map[string]any
	Provider string
	Model    string
	Workdir  string
}

// Result is what an agent returned.
type Result struct {
	Output   string
	Metadata map[string]any
}

// Spawner runs an agent to completion. Implementations must stop the agent
// when ctx ends.
type Spawner interface {
	Spawn(ctx context.Context, req Request) (*Result, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, req Request) (*Result, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// CommandSpawner runs agents through a configured shell command. The prompt
// is written to stdin and trimmed stdout becomes the output. The request's
// other fields are exported as RECIPE_* environment variables.
type CommandSpawner struct {
	Command string
	Shell   string
	runner  *executor.Runner
	logger  *slog.Logger
}

// NewCommandSpawner creates a spawner for command. An empty shell selects
// executor.DefaultShell.
func NewCommandSpawner(command, shell string, runner *executor.Runner, logger *slog.Logger) *CommandSpawner {
	if shell == "" {
		shell = executor.DefaultShell()
	}
	if runner == nil {
		runner = executor.NewRunner()
	}
	return &CommandSpawner{
		Command: command,
		Shell:   shell,
		runner:  runner,
		logger:  logging.OrDiscard(logger),
	}
}

// Spawn runs the agent command. A nonzero exit is an error carrying stderr.
func (s *CommandSpawner) Spawn(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, fmt.Errorf("no agent command configured")
	}

	env := map[string]string{
		"RECIPE_STEP_ID":  req.StepID,
		"RECIPE_AGENT":    req.Agent,
		"RECIPE_MODE":     req.Mode,
		"RECIPE_PROVIDER": req.Provider,
		"RECIPE_MODEL":    req.Model,
	}
	if len(req.Config) > 0 {
		data, err := json.Marshal(req.Config)
		if err != nil {
			return nil, fmt.Errorf("encoding agent_config: %w", err)
		}
		env["RECIPE_AGENT_CONFIG"] = string(data)
	}

	s.logger.Debug("spawning agent", "step_id", req.StepID, "agent", req.Agent, "model", req.Model)
	res, err := s.runner.Run(ctx, executor.Spec{
		Path:  s.Shell,
		Args:  []string{"-c", s.Command},
		Dir:   req.Workdir,
		Env:   env,
		Stdin: req.Prompt,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "no stderr output"
		}
		return nil, fmt.Errorf("agent command exited with code %d: %s", res.ExitCode, msg)
	}

	return &Result{
		Output:   strings.TrimSpace(res.Stdout),
		Metadata: map[string]any{"exit_code": res.ExitCode},
	}, nil
}
