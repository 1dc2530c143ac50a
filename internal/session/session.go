// Package session persists run checkpoints so interrupted runs can resume.
package session

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the overall state of a persisted run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StepStatus is the recorded outcome of one top-level step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSkipped   StepStatus = "skipped"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Done reports whether the step reached a terminal state.
func (s StepStatus) Done() bool {
	return s == StepSkipped || s == StepSucceeded || s == StepFailed
}

// Snapshot is a checkpoint of one run.
type Snapshot struct {
	SessionID     string                `yaml:"session_id" json:"session_id"`
	Recipe        string                `yaml:"recipe" json:"recipe"`
	RecipeVersion string                `yaml:"recipe_version,omitempty" json:"recipe_version,omitempty"`
	RecipePath    string                `yaml:"recipe_path,omitempty" json:"recipe_path,omitempty"`
	ProjectPath   string                `yaml:"project_path" json:"project_path"`
	Status        Status                `yaml:"status" json:"status"`
	Context       map[string]any        `yaml:"context" json:"context"`
	StepStatuses  map[string]StepStatus `yaml:"step_statuses" json:"step_statuses"`
	Approved      []string              `yaml:"approved_stages,omitempty" json:"approved_stages,omitempty"`
	Error         string                `yaml:"error,omitempty" json:"error,omitempty"`
	StartedAt     time.Time             `yaml:"started_at" json:"started_at"`
	UpdatedAt     time.Time             `yaml:"updated_at" json:"updated_at"`
}

// Clone returns a copy that shares no top-level maps with s.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Context = maps.Clone(s.Context)
	c.StepStatuses = maps.Clone(s.StepStatuses)
	c.Approved = slices.Clone(s.Approved)
	return &c
}

// CompletedSteps returns the ids of steps that reached a terminal state.
func (s *Snapshot) CompletedSteps() []string {
	var ids []string
	for id, st := range s.StepStatuses {
		if st.Done() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Store persists snapshots. Sessions are keyed by session id and project path.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, sessionID, projectPath string) (*Snapshot, error)
	// List returns the sessions of projectPath, or all sessions when it is
	// empty, most recently updated first.
	List(ctx context.Context, projectPath string) ([]*Snapshot, error)
	Delete(ctx context.Context, sessionID, projectPath string) error
	// Cleanup deletes sessions last updated before cutoff and returns how
	// many were removed.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// NewID returns a session id of the form recipe_<yyyymmdd_hhmmss>_<8 hex>.
func NewID(now time.Time) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("recipe_%s_%s", now.UTC().Format("20060102_150405"), short)
}
