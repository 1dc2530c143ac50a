package executor

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/logging"
	"github.com/meow-stack/recipe-engine/internal/recipe"
	"github.com/meow-stack/recipe-engine/internal/vars"
)

// BashResult is the outcome of a bash step.
type BashResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// BashRunner executes bash steps.
type BashRunner struct {
	Shell  string
	runner *Runner
	logger *slog.Logger
}

// NewBashRunner creates a BashRunner. An empty shell selects DefaultShell.
func NewBashRunner(shell string, killGrace time.Duration, logger *slog.Logger) *BashRunner {
	if shell == "" {
		shell = DefaultShell()
	}
	logger = logging.OrDiscard(logger)
	return &BashRunner{
		Shell:  shell,
		runner: &Runner{KillGrace: killGrace, Logger: logger},
		logger: logger,
	}
}

// Run substitutes the step's command, cwd, and env against vc and runs the
// command in a shell rooted at projectRoot.
//
// A nonzero exit returns the result without error when on_error is continue;
// otherwise it fails with a NonZeroExit error carrying the result's stderr.
func (b *BashRunner) Run(ctx context.Context, step *recipe.Step, vc *vars.Context, projectRoot string) (*BashResult, error) {
	spec := step.Bash
	if spec == nil {
		return nil, errors.StepFailed(step.ID, stderrors.New("bash step has no command"))
	}

	command, err := vc.Substitute(spec.Command)
	if err != nil {
		return nil, err
	}
	cwd, err := vc.Substitute(spec.Cwd)
	if err != nil {
		return nil, err
	}
	env, err := vc.SubstituteMap(spec.Env)
	if err != nil {
		return nil, err
	}

	dir := resolveDir(projectRoot, cwd)
	if dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return nil, errors.CwdMissing(step.ID, dir)
		}
	}

	runCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.Timeout)*time.Second)
		defer cancel()
	}

	b.logger.Debug("running bash step", "step_id", step.ID, "dir", dir)
	res, err := b.runner.Run(runCtx, Spec{
		Path: b.Shell,
		Args: []string{"-c", command},
		Dir:  dir,
		Env:  env,
	})
	if err != nil {
		// Distinguish our own deadline from a cancelled parent.
		if ctx.Err() == nil && stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.StepTimeout(step.ID, step.Timeout)
		}
		return nil, errors.StepFailed(step.ID, err)
	}

	out := &BashResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
	if out.ExitCode != 0 && step.OnError != recipe.OnErrorContinue {
		return out, errors.NonZeroExit(step.ID, out.ExitCode, out.Stderr)
	}
	return out, nil
}

// resolveDir joins a relative cwd onto root. An empty cwd means root.
func resolveDir(root, cwd string) string {
	cwd = recipe.ExpandPath(cwd)
	switch {
	case cwd == "":
		return root
	case filepath.IsAbs(cwd) || root == "":
		return cwd
	default:
		return filepath.Join(root, cwd)
	}
}
