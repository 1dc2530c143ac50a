// Package executor runs subprocesses for bash steps and command-backed agents.
package executor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultKillGrace is how long a cancelled process group gets between
// SIGTERM and SIGKILL.
const DefaultKillGrace = 3 * time.Second

// Spec describes one subprocess invocation.
type Spec struct {
	Path  string            // Program to run
	Args  []string          // Arguments after Path
	Dir   string            // Working directory; empty inherits
	Env   map[string]string // Overlaid on the parent environment
	Stdin string
}

// Result is the captured outcome of a subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int // -1 if killed or never exited normally
}

// Runner starts subprocesses in their own process group and terminates the
// whole group when the context ends.
type Runner struct {
	// KillGrace is the delay between SIGTERM and SIGKILL on cancellation.
	KillGrace time.Duration
	Logger    *slog.Logger
}

// NewRunner creates a Runner with default settings.
func NewRunner() *Runner {
	return &Runner{KillGrace: DefaultKillGrace}
}

// Run starts the process and waits for it. A nonzero exit is not an error;
// it is reported through Result.ExitCode. When ctx ends first, the process
// group is terminated (SIGTERM, then SIGKILL after KillGrace) and ctx.Err()
// is returned alongside the partial output.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("process path is empty")
	}

	// Not CommandContext: cancellation is handled here so the group gets a
	// graceful SIGTERM before SIGKILL.
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Background children holding the output pipes must not block Wait.
	cmd.WaitDelay = r.grace()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Path, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	res := &Result{}
	var runErr error

	select {
	case <-ctx.Done():
		r.terminate(cmd.Process.Pid, done)
		res.ExitCode = -1
		runErr = ctx.Err()

	case err := <-done:
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			res.ExitCode = 0
		case stderrors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			res.ExitCode = -1
			runErr = err
		}
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, runErr
}

// terminate signals the process group and waits for the process to exit.
func (r *Runner) terminate(pid int, done <-chan error) {
	grace := r.grace()
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(grace):
		if r.Logger != nil {
			r.Logger.Warn("process ignored SIGTERM, killing group", "pid", pid, "grace", grace)
		}
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
	}
}

func (r *Runner) grace() time.Duration {
	if r.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return r.KillGrace
}

// mergeEnv overlays extra onto base. Later entries for the same name win.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; !overridden {
			env = append(env, kv)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// DefaultShell returns bash if it is on PATH, else /bin/sh.
func DefaultShell() string {
	if p, err := exec.LookPath("bash"); err == nil {
		return p
	}
	return "/bin/sh"
}
