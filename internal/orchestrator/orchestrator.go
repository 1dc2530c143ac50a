// Package orchestrator is the control-flow executor. It turns a validated
// recipe into an ordered, possibly nested, sequence of step executions.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/meow-stack/recipe-engine/internal/agent"
	"github.com/meow-stack/recipe-engine/internal/config"
	"github.com/meow-stack/recipe-engine/internal/executor"
	"github.com/meow-stack/recipe-engine/internal/hooks"
	"github.com/meow-stack/recipe-engine/internal/logging"
	"github.com/meow-stack/recipe-engine/internal/recipe"
	"github.com/meow-stack/recipe-engine/internal/session"
	"github.com/meow-stack/recipe-engine/internal/vars"
)

// BashRunner executes bash steps.
type BashRunner interface {
	// Run substitutes and runs the step's command rooted at projectRoot.
	Run(ctx context.Context, step *recipe.Step, vc *vars.Context, projectRoot string) (*executor.BashResult, error)
}

// ApprovalRequest describes a stage waiting for a human decision.
type ApprovalRequest struct {
	Recipe    string
	Stage     string
	Prompt    string
	SessionID string
}

// Approver decides stage approval gates.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

// Approve calls f.
func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

// Option configures an Executor.
type Option func(*Executor)

// WithBashRunner replaces the bash runner built from config.
func WithBashRunner(b BashRunner) Option {
	return func(e *Executor) { e.bash = b }
}

// WithSpawner sets the agent-spawn capability.
func WithSpawner(s agent.Spawner) Option {
	return func(e *Executor) { e.spawner = s }
}

// WithModelResolver sets the resolver used for model patterns.
func WithModelResolver(r *agent.ModelResolver) Option {
	return func(e *Executor) { e.models = r }
}

// WithHooks sets the hook bus. A nil bus is inert.
func WithHooks(bus hooks.Bus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithSessionStore enables checkpointing of top-level runs.
func WithSessionStore(s session.Store) Option {
	return func(e *Executor) { e.store = s }
}

// WithApprover sets the stage approval gate.
func WithApprover(a Approver) Option {
	return func(e *Executor) { e.approver = a }
}

// WithTracer sets the tracer used for run and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs recipes. One Executor may run many recipes, sequentially or
// concurrently; each run owns its own context store.
type Executor struct {
	bash     BashRunner
	spawner  agent.Spawner
	models   *agent.ModelResolver
	provider string
	bus      hooks.Bus
	store    session.Store
	approver Approver
	tracer   trace.Tracer
	logger   *slog.Logger
	maxDepth int
	now      func() time.Time
}

// New creates an Executor from cfg. A nil cfg means config.Default().
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Executor {
	if cfg == nil {
		cfg = config.Default()
	}
	logger = logging.OrDiscard(logger)

	e := &Executor{
		bash:     executor.NewBashRunner(cfg.Executor.Shell, cfg.Executor.KillGracePeriod, logger),
		provider: cfg.Agent.DefaultProvider,
		tracer:   noop.NewTracerProvider().Tracer("recipes"),
		logger:   logger,
		maxDepth: cfg.Executor.MaxRecipeDepth,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxDepth < 1 {
		e.maxDepth = 1
	}
	return e
}
