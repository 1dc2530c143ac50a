package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/hooks"
	"github.com/meow-stack/recipe-engine/internal/logging"
	"github.com/meow-stack/recipe-engine/internal/recipe"
	"github.com/meow-stack/recipe-engine/internal/session"
	"github.com/meow-stack/recipe-engine/internal/telemetry"
	"github.com/meow-stack/recipe-engine/internal/vars"
)

// RunRequest describes one recipe run.
type RunRequest struct {
	Recipe *recipe.Recipe

	// ContextVars override the recipe's declared context.
	ContextVars map[string]any

	// ProjectPath roots relative bash cwds and agent workdirs.
	ProjectPath string

	// RecipePath is where the recipe was loaded from. Defaults to Recipe.Path.
	RecipePath string

	// SessionID names the run. Generated when empty.
	SessionID string

	// Resume continues a prior run. Steps it recorded as succeeded or
	// skipped are not run again.
	Resume *session.Snapshot

	depth  int
	nested bool
}

// RunResult is the outcome of a run.
type RunResult struct {
	SessionID    string
	Status       session.Status
	Context      map[string]any
	StepStatuses map[string]session.StepStatus
}

// ExecuteRecipe runs r and returns its final context.
func (e *Executor) ExecuteRecipe(ctx context.Context, r *recipe.Recipe, contextVars map[string]any, projectPath, recipePath string) (map[string]any, error) {
	res, err := e.Run(ctx, &RunRequest{
		Recipe:      r,
		ContextVars: contextVars,
		ProjectPath: projectPath,
		RecipePath:  recipePath,
	})
	if res == nil {
		return nil, err
	}
	return res.Context, err
}

// Run validates and executes a recipe.
//
// A recipe that fails validation returns a RECIPE_001 error before any
// step runs or any event is emitted. Otherwise the result is returned even
// when the run aborts, alongside the abort error.
func (e *Executor) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	r := req.Recipe
	if r == nil {
		return nil, fmt.Errorf("run request has no recipe")
	}
	if problems := r.Validate(); len(problems) > 0 {
		return nil, errors.ValidationFailed(r.Name, problems)
	}

	rn := e.newRun(req)

	ctx, span := e.tracer.Start(ctx, "recipe.run", trace.WithAttributes(
		attribute.String("recipe.name", r.Name),
		attribute.String("recipe.version", r.Version),
		attribute.String("session.id", rn.sessionID),
		attribute.Int("recipe.depth", rn.depth),
	))
	defer span.End()

	err := rn.execute(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
	}

	res := &RunResult{
		SessionID:    rn.sessionID,
		Status:       rn.status(err),
		Context:      rn.finalContext(),
		StepStatuses: maps.Clone(rn.statuses),
	}
	span.SetAttributes(attribute.String("recipe.status", string(res.Status)))
	return res, err
}

// run is the state of one in-flight execution. It is owned by a single
// goroutine.
type run struct {
	e           *Executor
	recipe      *recipe.Recipe
	vars        *vars.Context
	emitter     *hooks.Emitter
	logger      *slog.Logger
	snap        *session.Snapshot
	sessionID   string
	projectPath string
	recipePath  string
	depth       int
	nested      bool

	statuses  map[string]session.StepStatus
	durations map[string]time.Duration
	errs      map[string]string
	approved  []string

	// skipRemaining is set once a step fails under skip_remaining.
	skipRemaining bool

	// outputSeq counts output stores; lastOutput is the latest stored value.
	outputSeq  int
	lastOutput any
}

func (e *Executor) newRun(req *RunRequest) *run {
	r := req.Recipe

	sessionID := req.SessionID
	if sessionID == "" && req.Resume != nil {
		sessionID = req.Resume.SessionID
	}
	if sessionID == "" {
		sessionID = session.NewID(e.now())
	}
	recipePath := req.RecipePath
	if recipePath == "" {
		recipePath = r.Path
	}

	rn := &run{
		e:           e,
		recipe:      r,
		emitter:     hooks.NewEmitter(e.bus, e.logger),
		sessionID:   sessionID,
		projectPath: req.ProjectPath,
		recipePath:  recipePath,
		depth:       req.depth,
		nested:      req.nested,
		statuses:    make(map[string]session.StepStatus),
		durations:   make(map[string]time.Duration),
		errs:        make(map[string]string),
	}

	logger := logging.WithRecipe(logging.WithSession(e.logger, sessionID), r.Name, r.Version)
	if rn.nested {
		logger = logger.With("depth", rn.depth)
	}
	rn.logger = logger

	var resumed map[string]any
	if prev := req.Resume; prev != nil {
		rn.snap = prev.Clone()
		resumed = prev.Context
		for id, st := range prev.StepStatuses {
			// Failed steps run again.
			if st == session.StepSucceeded || st == session.StepSkipped {
				rn.statuses[id] = st
			}
		}
		rn.approved = slices.Clone(prev.Approved)
	} else {
		rn.snap = &session.Snapshot{StartedAt: e.now()}
	}
	rn.snap.SessionID = sessionID
	rn.snap.Recipe = r.Name
	rn.snap.RecipeVersion = r.Version
	rn.snap.RecipePath = recipePath
	rn.snap.ProjectPath = req.ProjectPath

	rn.vars = vars.New(r.Context, resumed, req.ContextVars)
	rn.vars.Set("recipe", map[string]any{
		"name":        r.Name,
		"version":     r.Version,
		"description": r.Description,
		"path":        recipePath,
	})
	rn.vars.Set("session", map[string]any{
		"id":           sessionID,
		"project_path": req.ProjectPath,
	})
	return rn
}

func (rn *run) execute(ctx context.Context) error {
	ids := rn.recipe.StepIDs()
	rn.logger.Info("starting recipe", "total_steps", len(ids), "staged", rn.recipe.IsStaged)
	rn.emitter.Emit(ctx, hooks.EventRecipeStart, map[string]any{
		"name":        rn.recipe.Name,
		"total_steps": len(ids),
		"steps":       ids,
		"session_id":  rn.sessionID,
	})
	rn.checkpoint(ctx, session.StatusRunning, nil)

	runErr := rn.runStages(ctx)

	// Observers see the end of the run even when ctx was cancelled.
	endCtx := context.WithoutCancel(ctx)
	status := rn.status(runErr)
	rn.emitSteps(endCtx)

	complete := map[string]any{
		"name":       rn.recipe.Name,
		"status":     string(status),
		"session_id": rn.sessionID,
	}
	if runErr != nil {
		complete["error"] = runErr.Error()
	}
	rn.emitter.Emit(endCtx, hooks.EventRecipeComplete, complete)
	rn.checkpoint(endCtx, status, runErr)

	if runErr != nil {
		rn.logger.Error("recipe failed", "error", runErr)
	} else {
		rn.logger.Info("recipe completed", "skipped_remaining", rn.skipRemaining)
	}
	return runErr
}

// runStages runs every stage in order. After skip_remaining trips, steps in
// the current and later stages are recorded as skipped and no gate is asked.
func (rn *run) runStages(ctx context.Context) error {
	for _, stage := range rn.recipe.StageList() {
		order, err := recipe.ExecutionOrder(stage.Steps)
		if err != nil {
			return err
		}
		if stage.Name != "" && !rn.skipRemaining {
			rn.logger.Info("entering stage", "stage", stage.Name, "steps", len(order))
		}
		for _, step := range order {
			if err := rn.runTopLevel(ctx, step); err != nil {
				return err
			}
		}
		if err := rn.approve(ctx, stage); err != nil {
			return err
		}
	}
	return nil
}

// runTopLevel runs one top-level step and records its outcome.
func (rn *run) runTopLevel(ctx context.Context, step *recipe.Step) error {
	if st, ok := rn.statuses[step.ID]; ok {
		rn.logger.Info("step already done, not running again", "step_id", step.ID, "status", st)
		return nil
	}
	if rn.skipRemaining {
		rn.statuses[step.ID] = session.StepSkipped
		return nil
	}

	start := rn.e.now()
	out, err := rn.executeStep(ctx, step)
	rn.durations[step.ID] = rn.e.now().Sub(start)
	rn.statuses[step.ID] = out.Status
	if out.Err != nil {
		rn.errs[step.ID] = out.Err.Error()
	}
	rn.checkpoint(ctx, session.StatusRunning, nil)

	if err != nil {
		return errors.RunAborted(rn.recipe.Name, step.ID, err)
	}
	return nil
}

// emitSteps reports every top-level step in declaration order. Steps that
// never ran are reported as skipped.
func (rn *run) emitSteps(ctx context.Context) {
	for _, step := range rn.recipe.AllSteps() {
		status, ok := rn.statuses[step.ID]
		if !ok {
			status = session.StepSkipped
		}
		data := map[string]any{
			"name":             rn.recipe.Name,
			"id":               step.ID,
			"status":           string(status),
			"kind":             string(step.Kind()),
			"duration_seconds": rn.durations[step.ID].Seconds(),
			"session_id":       rn.sessionID,
		}
		if msg := rn.errs[step.ID]; msg != "" {
			data["error"] = msg
		}
		rn.emitter.Emit(ctx, hooks.EventRecipeStep, data)
	}
}

func (rn *run) status(runErr error) session.Status {
	if runErr != nil {
		return session.StatusFailed
	}
	return session.StatusCompleted
}

// finalContext is the variable namespace without the built-in names.
func (rn *run) finalContext() map[string]any {
	out := rn.vars.Snapshot()
	for _, name := range recipe.ReservedNames {
		delete(out, name)
	}
	return out
}

// checkpoint saves a snapshot of a top-level run.
func (rn *run) checkpoint(ctx context.Context, status session.Status, runErr error) {
	if rn.e.store == nil || rn.nested {
		return
	}
	rn.snap.Status = status
	rn.snap.Context = rn.finalContext()
	rn.snap.StepStatuses = maps.Clone(rn.statuses)
	rn.snap.Approved = slices.Clone(rn.approved)
	rn.snap.UpdatedAt = rn.e.now()
	rn.snap.Error = ""
	if runErr != nil {
		rn.snap.Error = runErr.Error()
	}
	if err := rn.e.store.Save(ctx, rn.snap); err != nil {
		rn.logger.Warn("saving checkpoint", "error", err)
	}
}

// baseDir is where relative sub-recipe paths resolve.
func (rn *run) baseDir() string {
	if rn.recipePath != "" {
		return filepath.Dir(rn.recipePath)
	}
	return rn.projectPath
}
