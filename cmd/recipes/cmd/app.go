package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meow-stack/recipe-engine/internal/agent"
	"github.com/meow-stack/recipe-engine/internal/cli"
	"github.com/meow-stack/recipe-engine/internal/config"
	"github.com/meow-stack/recipe-engine/internal/executor"
	"github.com/meow-stack/recipe-engine/internal/hooks"
	"github.com/meow-stack/recipe-engine/internal/logging"
	"github.com/meow-stack/recipe-engine/internal/orchestrator"
	"github.com/meow-stack/recipe-engine/internal/session"
	"github.com/meow-stack/recipe-engine/internal/telemetry"
)

// app holds what every command needs: the project directory, its config,
// a logger and the session store.
type app struct {
	dir    string
	cfg    *config.Config
	logger *slog.Logger
	store  session.Store

	metrics *telemetry.Metrics
	tracing *telemetry.Tracing
	closers []io.Closer
}

// newApp loads config for the project directory and opens the session store.
func newApp() (*app, error) {
	dir, err := getWorkDir()
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &app{dir: dir, cfg: cfg, logger: logger}
	if logCloser != nil {
		a.closers = append(a.closers, logCloser)
	}

	store, err := session.Open(cfg, dir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	a.store = store
	return a, nil
}

// Close flushes tracing and metrics and releases open files.
func (a *app) Close() {
	if a.tracing != nil {
		if err := a.tracing.Shutdown(context.Background()); err != nil {
			a.logger.Warn("shutting down tracing", "error", err)
		}
	}
	if a.metrics != nil && a.cfg.Metrics.Textfile != "" {
		path := resolvePath(a.dir, a.cfg.Metrics.Textfile)
		if err := a.metrics.WriteTextfile(path); err != nil {
			a.logger.Warn("writing metrics", "path", path, "error", err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	// Log file last so the warnings above reach it.
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

// modelResolver resolves model patterns against the configured providers.
func (a *app) modelResolver() *agent.ModelResolver {
	models := agent.StaticModels{}
	for name, p := range a.cfg.Providers {
		models[name] = p.Models
	}
	return agent.NewModelResolver(models, a.logger)
}

// newExecutor wires the executor for one session: lifecycle hooks feeding
// metrics and the JSONL trace, tracing, the agent command and an approver.
func (a *app) newExecutor(cmd *cobra.Command, sessionID string, autoApprove bool) (*orchestrator.Executor, error) {
	reg := hooks.NewRegistry(a.logger)

	a.metrics = telemetry.NewMetrics()
	a.metrics.Attach(reg)

	if logsDir := a.cfg.LogsDir(a.dir); logsDir != "" {
		tw, err := hooks.NewTraceWriter(filepath.Join(logsDir, sessionID), sessionID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, tw)
		reg.Register(hooks.Wildcard, "trace", tw.Handle)
	}

	spanOut := cmd.ErrOrStderr()
	if a.cfg.Tracing.Enabled && a.cfg.Tracing.File != "" {
		path := resolvePath(a.dir, a.cfg.Tracing.File)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating trace directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening span file: %w", err)
		}
		a.closers = append(a.closers, f)
		spanOut = f
	}
	tracing, err := telemetry.NewTracing(a.cfg.Tracing, Version, spanOut)
	if err != nil {
		return nil, err
	}
	a.tracing = tracing

	opts := []orchestrator.Option{
		orchestrator.WithHooks(reg),
		orchestrator.WithSessionStore(a.store),
		orchestrator.WithTracer(tracing.Tracer()),
		orchestrator.WithModelResolver(a.modelResolver()),
		orchestrator.WithApprover(a.approver(cmd, autoApprove)),
	}
	if a.cfg.Agent.Command != "" {
		runner := &executor.Runner{KillGrace: a.cfg.Executor.KillGracePeriod, Logger: a.logger}
		opts = append(opts, orchestrator.WithSpawner(
			agent.NewCommandSpawner(a.cfg.Agent.Command, a.cfg.Executor.Shell, runner, a.logger)))
	}

	return orchestrator.New(a.cfg, a.logger, opts...), nil
}

// approver asks on the terminal before a gated stage's successors run.
func (a *app) approver(cmd *cobra.Command, autoApprove bool) orchestrator.Approver {
	return orchestrator.ApproverFunc(func(_ context.Context, req orchestrator.ApprovalRequest) (bool, error) {
		if autoApprove {
			a.logger.Info("stage approved automatically", "recipe", req.Recipe, "stage", req.Stage)
			return true, nil
		}
		prompt := req.Prompt
		if prompt == "" {
			prompt = "Continue?"
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\nStage %q of %s finished.\n", req.Stage, req.Recipe)
		return cli.Confirm(cmd.InOrStdin(), out, prompt, false)
	})
}
