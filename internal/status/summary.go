// Package status summarizes checkpointed sessions for display.
package status

import (
	"maps"
	"slices"
	"time"

	"github.com/meow-stack/recipe-engine/internal/recipe"
	"github.com/meow-stack/recipe-engine/internal/session"
)

// SessionSummary contains computed information about a session for display.
type SessionSummary struct {
	ID          string         `json:"id"`
	Recipe      string         `json:"recipe"`
	RecipePath  string         `json:"recipe_path,omitempty"`
	ProjectPath string         `json:"project_path"`
	Status      session.Status `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Variables   map[string]any `json:"variables,omitempty"`
	StepStats   StepStats      `json:"step_stats"`
	Steps       []StepLine     `json:"steps,omitempty"`
	Approved    []string       `json:"approved_stages,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// StepStats contains step count breakdown.
type StepStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
}

// Finished is the number of steps in a terminal state.
func (s StepStats) Finished() int {
	return s.Succeeded + s.Failed + s.Skipped
}

// StepLine is one top-level step and its recorded status.
type StepLine struct {
	ID     string             `json:"id"`
	Kind   string             `json:"kind,omitempty"`
	Status session.StepStatus `json:"status"`
}

// NewSessionSummary creates a summary from a snapshot. When the session's
// recipe is known, steps are listed in declaration order and steps with no
// record count as pending; otherwise only recorded steps are listed.
func NewSessionSummary(snap *session.Snapshot, r *recipe.Recipe) *SessionSummary {
	summary := &SessionSummary{
		ID:          snap.SessionID,
		Recipe:      snap.Recipe,
		RecipePath:  snap.RecipePath,
		ProjectPath: snap.ProjectPath,
		Status:      snap.Status,
		StartedAt:   snap.StartedAt,
		UpdatedAt:   snap.UpdatedAt,
		Variables:   snap.Context,
		Approved:    snap.Approved,
		Error:       snap.Error,
	}

	if r != nil {
		for _, step := range r.AllSteps() {
			st, ok := snap.StepStatuses[step.ID]
			if !ok {
				st = session.StepPending
			}
			summary.Steps = append(summary.Steps, StepLine{ID: step.ID, Kind: string(step.Kind()), Status: st})
		}
	} else {
		for _, id := range slices.Sorted(maps.Keys(snap.StepStatuses)) {
			summary.Steps = append(summary.Steps, StepLine{ID: id, Status: snap.StepStatuses[id]})
		}
	}

	summary.StepStats = computeStepStats(summary.Steps)
	return summary
}

// computeStepStats tallies up step statuses.
func computeStepStats(steps []StepLine) StepStats {
	stats := StepStats{Total: len(steps)}

	for _, step := range steps {
		switch step.Status {
		case session.StepSucceeded:
			stats.Succeeded++
		case session.StepFailed:
			stats.Failed++
		case session.StepSkipped:
			stats.Skipped++
		default:
			stats.Pending++
		}
	}

	return stats
}
