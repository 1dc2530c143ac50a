package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/expr"
	"github.com/meow-stack/recipe-engine/internal/recipe"
	"github.com/meow-stack/recipe-engine/internal/vars"
)

// runForeach executes the body once per element, binding the element to
// the loop variable. With collect set, each iteration's designated output
// is appended to a list stored under collect.
func (rn *run) runForeach(ctx context.Context, step *recipe.Step, logger *slog.Logger) error {
	spec := step.Foreach

	raw, err := rn.vars.Eval(spec.Items)
	if err != nil {
		return err
	}
	items, ok := toItems(raw)
	if !ok {
		return errors.Newf(errors.CodeForeachNotList,
			"step '%s': foreach expression %q did not yield a list (got %T)", step.ID, spec.Items, raw).
			WithDetail("step_id", step.ID)
	}

	body, err := rn.body(step)
	if err != nil {
		return err
	}

	prev, hadPrev := rn.vars.Get(spec.As)
	defer func() {
		if hadPrev {
			rn.vars.Set(spec.As, prev)
		} else {
			rn.vars.Delete(spec.As)
		}
	}()

	collected := make([]any, 0, len(items))
	for i, item := range items {
		if rn.skipRemaining {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		logger.Debug("foreach iteration", "iteration", i+1, "total", len(items))
		rn.vars.Set(spec.As, item)
		seq := rn.outputSeq
		if err := rn.runBody(ctx, body); err != nil {
			return err
		}

		var out any
		if rn.outputSeq != seq {
			out = rn.lastOutput
		}
		collected = append(collected, out)
	}

	if spec.Collect != "" {
		rn.vars.Set(spec.Collect, collected)
	}
	rn.storeOutput(step.Output, collected)
	return nil
}

// runWhile executes the body while its condition holds, stopping early when
// break_when becomes true and unconditionally after max_iterations.
func (rn *run) runWhile(ctx context.Context, step *recipe.Step, logger *slog.Logger) error {
	spec := step.While

	body, err := rn.body(step)
	if err != nil {
		return err
	}

	iterations := 0
	for {
		if iterations >= spec.MaxIterations {
			logger.Info("while loop reached max_iterations", "max_iterations", spec.MaxIterations)
			break
		}
		if rn.skipRemaining {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := expr.Evaluate(spec.Condition, rn.vars)
		if err != nil {
			return err
		}
		if !ok {
			logger.Debug("while condition false", "iterations", iterations)
			break
		}

		iterations++
		logger.Debug("while iteration", "iteration", iterations)
		if err := rn.runBody(ctx, body); err != nil {
			return err
		}

		if spec.BreakWhen != "" {
			stop, err := expr.Evaluate(spec.BreakWhen, rn.vars)
			if err != nil {
				return err
			}
			if stop {
				logger.Info("break_when satisfied", "iterations", iterations)
				break
			}
		}
	}

	rn.storeOutput(step.Output, iterations)
	return nil
}

// body materializes and orders a compound step's nested steps.
func (rn *run) body(step *recipe.Step) ([]*recipe.Step, error) {
	if step.Body == nil {
		return nil, nil
	}
	steps, err := step.Body.Steps()
	if err != nil {
		return nil, errors.StepFailed(step.ID, err)
	}
	return recipe.ExecutionOrder(steps)
}

// runBody executes nested steps in order, sharing the run's context.
func (rn *run) runBody(ctx context.Context, steps []*recipe.Step) error {
	for _, step := range steps {
		if rn.skipRemaining {
			return nil
		}
		if _, err := rn.executeStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// toItems accepts any sequence value, or text holding a JSON array.
func toItems(v any) ([]any, bool) {
	if items, ok := vars.ToSlice(v); ok {
		return items, true
	}
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	var items []any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &items); err != nil || items == nil {
		return nil, false
	}
	return items, true
}
