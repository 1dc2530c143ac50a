package orchestrator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meow-stack/recipe-engine/internal/agent"
	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/expr"
	"github.com/meow-stack/recipe-engine/internal/logging"
	"github.com/meow-stack/recipe-engine/internal/recipe"
	"github.com/meow-stack/recipe-engine/internal/retry"
	"github.com/meow-stack/recipe-engine/internal/session"
	"github.com/meow-stack/recipe-engine/internal/telemetry"
)

// stepOutcome is the recorded result of one step. Err is the failure
// cause when Status is failed, whether or not on_error recovered it.
type stepOutcome struct {
	Status session.StepStatus
	Err    error
}

// executeStep evaluates the step's condition and runs it under its retry
// and on_error policies. A returned error aborts the enclosing run.
func (rn *run) executeStep(ctx context.Context, step *recipe.Step) (stepOutcome, error) {
	kind := step.Kind()
	logger := logging.WithStep(rn.logger, step.ID, string(kind))

	ctx, span := rn.e.tracer.Start(ctx, "recipe.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(kind)),
	))
	defer span.End()

	prev, hadPrev := rn.vars.Get("step")
	rn.vars.Set("step", map[string]any{"id": step.ID})
	defer func() {
		if hadPrev {
			rn.vars.Set("step", prev)
		} else {
			rn.vars.Delete("step")
		}
	}()

	out, err := rn.executeGuarded(ctx, step, logger)
	span.SetAttributes(attribute.String("step.status", string(out.Status)))
	if out.Err != nil {
		telemetry.RecordError(span, out.Err)
	}
	return out, err
}

func (rn *run) executeGuarded(ctx context.Context, step *recipe.Step, logger *slog.Logger) (stepOutcome, error) {
	if step.Condition != "" {
		ok, err := expr.Evaluate(step.Condition, rn.vars)
		if err != nil {
			return stepOutcome{Status: session.StepFailed, Err: err}, err
		}
		if !ok {
			logger.Info("condition false, skipping step", "condition", step.Condition)
			return stepOutcome{Status: session.StepSkipped}, nil
		}
	}

	logger.Info("running step")
	policy := retry.FromStep(step.Retry)
	_, err := retry.Do(ctx, policy, logger, func(ctx context.Context, attempt int) (struct{}, error) {
		if attempt > 1 {
			logger.Info("retrying step", "attempt", attempt, "max_attempts", policy.MaxAttempts)
		}
		return struct{}{}, rn.dispatch(ctx, step, logger)
	})
	if err == nil {
		logger.Debug("step succeeded")
		return stepOutcome{Status: session.StepSucceeded}, nil
	}
	return rn.handleFailure(ctx, step, logger, err)
}

// handleFailure applies the step's on_error policy to a terminal failure.
// Expression errors and cancellation always abort.
func (rn *run) handleFailure(ctx context.Context, step *recipe.Step, logger *slog.Logger, err error) (stepOutcome, error) {
	out := stepOutcome{Status: session.StepFailed, Err: err}
	if errors.IsExpression(err) || ctx.Err() != nil {
		logger.Error("step failed", "error", err)
		return out, err
	}

	switch step.OnError {
	case recipe.OnErrorContinue:
		logger.Warn("step failed, continuing", "error", err)
		return out, nil
	case recipe.OnErrorSkipRemaining:
		logger.Warn("step failed, skipping remaining steps", "error", err)
		rn.skipRemaining = true
		return out, nil
	default:
		logger.Error("step failed", "error", err)
		return out, err
	}
}

// dispatch runs one attempt of the step by kind.
func (rn *run) dispatch(ctx context.Context, step *recipe.Step, logger *slog.Logger) error {
	switch step.Kind() {
	case recipe.KindForeach:
		return rn.runForeach(ctx, step, logger)
	case recipe.KindWhile:
		return rn.runWhile(ctx, step, logger)
	case recipe.KindBash:
		return rn.runBash(ctx, step, logger)
	default:
		if step.Agent != nil && step.Agent.Recipe != "" {
			return rn.runSubRecipe(ctx, step, logger)
		}
		return rn.runAgent(ctx, step, logger)
	}
}

func (rn *run) runBash(ctx context.Context, step *recipe.Step, logger *slog.Logger) error {
	res, err := rn.e.bash.Run(ctx, step, rn.vars, rn.projectPath)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		logger.Warn("command exited nonzero", "exit_code", res.ExitCode)
	}
	if name := step.Bash.OutputExitCode; name != "" {
		rn.vars.Set(name, res.ExitCode)
	}
	rn.storeOutput(step.Output, decodeOutput(step, strings.TrimSpace(res.Stdout), logger))
	return nil
}

func (rn *run) runAgent(ctx context.Context, step *recipe.Step, logger *slog.Logger) error {
	spec := step.Agent
	if spec == nil {
		return errors.StepFailed(step.ID, stderrors.New("agent step has no agent"))
	}

	name, err := rn.vars.Substitute(spec.Agent)
	if err != nil {
		return err
	}
	prompt, err := rn.vars.Substitute(spec.Prompt)
	if err != nil {
		return err
	}
	cfg, err := rn.agentConfig(spec)
	if err != nil {
		return err
	}
	provider, err := rn.vars.Substitute(spec.Provider)
	if err != nil {
		return err
	}
	if provider == "" {
		provider = rn.e.provider
	}
	model, err := rn.vars.Substitute(spec.Model)
	if err != nil {
		return err
	}
	if model != "" {
		model = rn.e.models.Resolve(ctx, model, provider).Model
	}

	if rn.e.spawner == nil {
		return errors.AgentFailed(step.ID, name, stderrors.New("no agent spawner configured"))
	}

	spawnCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		spawnCtx, cancel = context.WithTimeout(ctx, time.Duration(step.Timeout)*time.Second)
		defer cancel()
	}

	logger.Debug("spawning agent", "agent", name, "provider", provider, "model", model)
	res, err := rn.e.spawner.Spawn(spawnCtx, agent.Request{
		StepID:   step.ID,
		Agent:    name,
		Prompt:   prompt,
		Mode:     spec.Mode,
		Config:   cfg,
		Provider: provider,
		Model:    model,
		Workdir:  rn.projectPath,
	})
	if err != nil {
		if ctx.Err() == nil && stderrors.Is(spawnCtx.Err(), context.DeadlineExceeded) {
			return errors.StepTimeout(step.ID, step.Timeout)
		}
		return errors.AgentFailed(step.ID, name, err)
	}

	text := ""
	if res != nil {
		text = res.Output
	}
	rn.storeOutput(step.Output, decodeOutput(step, text, logger))
	return nil
}

// runSubRecipe delegates the step to another recipe file and stores that
// run's final context as the step's output.
func (rn *run) runSubRecipe(ctx context.Context, step *recipe.Step, logger *slog.Logger) error {
	spec := step.Agent
	if rn.depth+1 > rn.e.maxDepth {
		return errors.StepFailed(step.ID, fmt.Errorf("sub-recipe nesting exceeds max depth %d", rn.e.maxDepth))
	}

	path, err := rn.vars.Substitute(spec.Recipe)
	if err != nil {
		return err
	}
	path = recipe.ExpandPath(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(rn.baseDir(), path)
	}

	child, err := recipe.LoadFile(path)
	if err != nil {
		return errors.StepFailed(step.ID, err)
	}

	childVars, err := rn.agentConfig(spec)
	if err != nil {
		return err
	}
	if spec.Prompt != "" {
		prompt, err := rn.vars.Substitute(spec.Prompt)
		if err != nil {
			return err
		}
		childVars["prompt"] = prompt
	}

	logger.Info("running sub-recipe", "path", path, "sub_recipe", child.Name)
	res, err := rn.e.Run(ctx, &RunRequest{
		Recipe:      child,
		ContextVars: childVars,
		ProjectPath: rn.projectPath,
		RecipePath:  path,
		SessionID:   rn.sessionID,
		depth:       rn.depth + 1,
		nested:      true,
	})
	if err != nil {
		return errors.StepFailed(step.ID, err)
	}
	rn.storeOutput(step.Output, res.Context)
	return nil
}

// agentConfig substitutes every string in the step's agent_config.
func (rn *run) agentConfig(spec *recipe.AgentSpec) (map[string]any, error) {
	out := make(map[string]any, len(spec.Config))
	for k, v := range spec.Config {
		s, err := rn.vars.SubstituteValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = s
	}
	return out, nil
}

// storeOutput writes a step result under name, if one is given.
func (rn *run) storeOutput(name string, value any) {
	if name == "" {
		return
	}
	rn.vars.Set(name, value)
	rn.outputSeq++
	rn.lastOutput = value
}

// decodeOutput parses text as JSON when the step asks for it. Text that is
// not valid JSON is kept as is.
func decodeOutput(step *recipe.Step, text string, logger *slog.Logger) any {
	if !step.ParseJSON {
		return text
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		logger.Warn("output is not valid JSON, storing text", "error", err)
		return text
	}
	return v
}
