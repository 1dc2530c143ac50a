// Package recipe defines the recipe and step data model, its validation
// rules, and document loading.
package recipe

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/meow-stack/recipe-engine/internal/errors"
)

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// Approval is a human-in-the-loop gate evaluated after a stage finishes.
type Approval struct {
	Required bool
	Prompt   string
}

// Stage is a named group of steps in a staged recipe.
type Stage struct {
	Name     string
	Steps    []*Step
	Approval *Approval
}

// Recipe is a validated, immutable workflow definition.
type Recipe struct {
	Name        string
	Description string
	Version     string
	Author      string
	Tags        []string
	Context     map[string]any

	// Exactly one of Steps and Stages is used; IsStaged tells which.
	Steps    []*Step
	Stages   []*Stage
	IsStaged bool

	// Path is the file the recipe was loaded from, if any.
	Path string

	// bothModes records a document that declared steps and stages.
	bothModes bool
}

// AllSteps returns the top-level steps in declaration order, across stages.
func (r *Recipe) AllSteps() []*Step {
	if !r.IsStaged {
		return r.Steps
	}
	var all []*Step
	for _, st := range r.Stages {
		all = append(all, st.Steps...)
	}
	return all
}

// StageList returns the stages to execute. A flat recipe is one unnamed stage.
func (r *Recipe) StageList() []*Stage {
	if r.IsStaged {
		return r.Stages
	}
	return []*Stage{{Steps: r.Steps}}
}

// StepIDs returns the top-level step ids in declaration order.
func (r *Recipe) StepIDs() []string {
	steps := r.AllSteps()
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

// GetStep returns the top-level step with the given id, or nil.
func (r *Recipe) GetStep(id string) *Step {
	for _, s := range r.AllSteps() {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Validate returns every problem with the recipe, in order.
// An empty result means the recipe is valid.
func (r *Recipe) Validate() []string {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if r.Name == "" {
		add("recipe name is required")
	} else if !namePattern.MatchString(r.Name) {
		add("recipe name '%s' must be alphanumeric (letters, digits, '-' and '_' only)", r.Name)
	}
	if strings.TrimSpace(r.Description) == "" {
		add("recipe description is required")
	}
	if r.Version == "" {
		add("recipe version is required")
	} else if !versionPattern.MatchString(r.Version) {
		add("recipe version '%s' must be semantic (MAJOR.MINOR.PATCH, e.g. 1.0.0)", r.Version)
	}
	if r.bothModes {
		add("recipe cannot define both steps and stages")
	}

	if r.IsStaged {
		for i, st := range r.Stages {
			if strings.TrimSpace(st.Name) == "" {
				add("stage %d: name is required", i)
			}
		}
	}

	all := r.AllSteps()
	if len(all) == 0 {
		add("recipe must have at least one step")
		return errs
	}

	errs = append(errs, validateSteps(all, "", make(map[string]bool))...)

	// A step may only depend on steps in its own or an earlier stage.
	if r.IsStaged {
		stageOf := make(map[string]int)
		for i, st := range r.Stages {
			for _, s := range st.Steps {
				if _, seen := stageOf[s.ID]; !seen {
					stageOf[s.ID] = i
				}
			}
		}
		for i, st := range r.Stages {
			for _, s := range st.Steps {
				for _, dep := range s.DependsOn {
					if j, ok := stageOf[dep]; ok && j > i {
						add("step '%s' depends_on '%s' from a later stage", s.ID, dep)
					}
				}
			}
		}
	}

	return errs
}

// validateSteps checks one sibling scope: the top level or a compound body.
// seen collects ids across the whole recipe; depends_on stays within scope.
func validateSteps(steps []*Step, scope string, seen map[string]bool) []string {
	var errs []string
	prefix := func(id string) string {
		if scope != "" {
			return fmt.Sprintf("%s > step '%s'", scope, id)
		}
		return fmt.Sprintf("step '%s'", id)
	}

	ids := make(map[string]bool, len(steps))
	for i, s := range steps {
		label := prefix(s.ID)
		if s.ID == "" {
			label = fmt.Sprintf("step %d", i)
			if scope != "" {
				label = scope + " > " + label
			}
		}
		for _, e := range s.Validate() {
			errs = append(errs, label+": "+e)
		}
		if s.ID != "" {
			if seen[s.ID] {
				errs = append(errs, fmt.Sprintf("duplicate step id '%s'", s.ID))
			}
			seen[s.ID] = true
			ids[s.ID] = true
		}
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if dep != s.ID && !ids[dep] {
				errs = append(errs, fmt.Sprintf("%s depends_on unknown step '%s'", prefix(s.ID), dep))
			}
		}
	}

	if cycle := findCycle(steps); len(cycle) > 0 {
		errs = append(errs, fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> ")))
	}

	for _, s := range steps {
		if !s.Kind().IsCompound() || s.Body == nil || s.Body.Len() == 0 {
			continue
		}
		body, err := s.Body.Steps()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", prefix(s.ID), err))
			continue
		}
		errs = append(errs, validateSteps(body, prefix(s.ID), seen)...)
	}

	return errs
}

// findCycle returns the ids of one dependency cycle, or nil.
// Self-dependencies are reported separately and ignored here.
func findCycle(steps []*Step) []string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, d := range s.DependsOn {
			if d != s.ID {
				deps[s.ID] = append(deps[s.ID], d)
			}
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, d := range deps[id] {
			switch color[d] {
			case gray:
				for i, sid := range stack {
					if sid == d {
						cycle = append(append([]string{}, stack[i:]...), d)
						return true
					}
				}
			case white:
				if visit(d) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, s := range steps {
		if color[s.ID] == white && visit(s.ID) {
			return cycle
		}
	}
	return nil
}

// ExecutionOrder orders steps so that every step follows its dependencies.
// Among steps whose dependencies are satisfied, declaration order wins.
// Dependencies outside the given list count as already satisfied.
func ExecutionOrder(steps []*Step) ([]*Step, error) {
	inScope := make(map[string]bool, len(steps))
	for _, s := range steps {
		inScope[s.ID] = true
	}

	done := make(map[string]bool, len(steps))
	scheduled := make([]bool, len(steps))
	order := make([]*Step, 0, len(steps))

	for len(order) < len(steps) {
		progressed := false
		for i, s := range steps {
			if scheduled[i] || !ready(s, inScope, done) {
				continue
			}
			scheduled[i] = true
			done[s.ID] = true
			order = append(order, s)
			progressed = true
			break
		}
		if !progressed {
			var blocked []string
			for i, s := range steps {
				if !scheduled[i] {
					blocked = append(blocked, s.ID)
				}
			}
			return nil, errors.Newf(errors.CodeRecipeUnorderable,
				"cannot order steps, unsatisfiable dependencies among: %s", strings.Join(blocked, ", ")).
				WithDetail("steps", blocked)
		}
	}
	return order, nil
}

func ready(s *Step, inScope, done map[string]bool) bool {
	for _, dep := range s.DependsOn {
		if inScope[dep] && !done[dep] {
			return false
		}
	}
	return true
}
