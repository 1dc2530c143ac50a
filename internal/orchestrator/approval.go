package orchestrator

import (
	"context"
	"slices"

	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/recipe"
	"github.com/meow-stack/recipe-engine/internal/session"
)

// approve evaluates a finished stage's approval gate. Stages approved in a
// resumed session are not asked again.
func (rn *run) approve(ctx context.Context, stage *recipe.Stage) error {
	gate := stage.Approval
	if gate == nil || !gate.Required || rn.skipRemaining {
		return nil
	}
	if slices.Contains(rn.approved, stage.Name) {
		return nil
	}

	logger := rn.logger.With("stage", stage.Name)
	if rn.e.approver == nil {
		logger.Warn("stage requires approval but no approver is configured, continuing")
		rn.approved = append(rn.approved, stage.Name)
		return nil
	}

	prompt, err := rn.vars.Substitute(gate.Prompt)
	if err != nil {
		return err
	}

	logger.Info("waiting for stage approval")
	ok, err := rn.e.approver.Approve(ctx, ApprovalRequest{
		Recipe:    rn.recipe.Name,
		Stage:     stage.Name,
		Prompt:    prompt,
		SessionID: rn.sessionID,
	})
	if err != nil {
		return errors.Wrapf(errors.CodeApprovalDenied, err, "stage %q approval failed", stage.Name).
			WithDetail("stage", stage.Name)
	}
	if !ok {
		return errors.Newf(errors.CodeApprovalDenied, "stage %q approval denied", stage.Name).
			WithDetail("stage", stage.Name)
	}

	logger.Info("stage approved")
	rn.approved = append(rn.approved, stage.Name)
	rn.checkpoint(ctx, session.StatusRunning, nil)
	return nil
}
