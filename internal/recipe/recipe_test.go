package recipe

import (
	"testing"

	"github.com/meow-stack/recipe-engine/internal/errors"
)

func validRecipe(steps ...*Step) *Recipe {
	if len(steps) == 0 {
		steps = []*Step{agentStep("analyze")}
	}
	return &Recipe{
		Name:        "test-recipe",
		Description: "A recipe used in tests",
		Version:     "1.0.0",
		Steps:       steps,
	}
}

func TestRecipeValidate_Valid(t *testing.T) {
	r := validRecipe(agentStep("analyze"), agentStep("report"))
	r.Steps[1].DependsOn = []string{"analyze"}
	if errs := r.Validate(); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestRecipeValidate_Metadata(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Recipe)
		want   []string
	}{
		{"missing name", func(r *Recipe) { r.Name = "" }, []string{"name"}},
		{"bad name", func(r *Recipe) { r.Name = "my recipe!" }, []string{"name", "alphanumeric"}},
		{"missing description", func(r *Recipe) { r.Description = " " }, []string{"description"}},
		{"missing version", func(r *Recipe) { r.Version = "" }, []string{"version"}},
		{"two part version", func(r *Recipe) { r.Version = "1.0" }, []string{"version"}},
		{"v prefix", func(r *Recipe) { r.Version = "v1.0.0" }, []string{"version"}},
		{"prerelease", func(r *Recipe) { r.Version = "1.0.0-beta" }, []string{"version"}},
		{"non numeric", func(r *Recipe) { r.Version = "1.a.0" }, []string{"version"}},
		{"no steps", func(r *Recipe) { r.Steps = nil }, []string{"step"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecipe()
			tt.modify(r)
			if errs := r.Validate(); !hasError(errs, tt.want...) {
				t.Errorf("Validate() = %v, want an error containing %v", errs, tt.want)
			}
		})
	}

	for _, name := range []string{"code-review", "my_recipe", "Recipe2"} {
		r := validRecipe()
		r.Name = name
		if errs := r.Validate(); len(errs) != 0 {
			t.Errorf("name %q: unexpected errors %v", name, errs)
		}
	}
}

func TestRecipeValidate_Steps(t *testing.T) {
	t.Run("duplicate ids", func(t *testing.T) {
		r := validRecipe(agentStep("a"), agentStep("a"))
		if errs := r.Validate(); !hasError(errs, "duplicate") {
			t.Errorf("Validate() = %v", errs)
		}
	})

	t.Run("unknown dependency", func(t *testing.T) {
		s := agentStep("a")
		s.DependsOn = []string{"ghost"}
		errs := validRecipe(s).Validate()
		if !hasError(errs, "depends_on", "unknown") {
			t.Errorf("Validate() = %v", errs)
		}
	})

	t.Run("self dependency", func(t *testing.T) {
		s := agentStep("a")
		s.DependsOn = []string{"a"}
		errs := validRecipe(s).Validate()
		if !hasError(errs, "depend on itself") {
			t.Errorf("Validate() = %v", errs)
		}
		if hasError(errs, "unknown") {
			t.Errorf("self dependency should not also be reported as unknown: %v", errs)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		a, b := agentStep("a"), agentStep("b")
		a.DependsOn = []string{"b"}
		b.DependsOn = []string{"a"}
		if errs := validRecipe(a, b).Validate(); !hasError(errs, "circular") {
			t.Errorf("Validate() = %v", errs)
		}
	})

	t.Run("step errors are prefixed", func(t *testing.T) {
		s := agentStep("broken")
		s.Agent.Prompt = ""
		if errs := validRecipe(s).Validate(); !hasError(errs, "step 'broken'", "prompt") {
			t.Errorf("Validate() = %v", errs)
		}
	})

	t.Run("nested body errors", func(t *testing.T) {
		loop := &Step{
			ID:      "loop",
			Foreach: &ForeachSpec{Items: "{{items}}", As: "item"},
			Body: NewBody([]map[string]any{
				{"id": "inner", "agent": "a"},
				{"id": "inner", "agent": "a", "prompt": "p"},
			}),
		}
		errs := validRecipe(loop).Validate()
		if !hasError(errs, "step 'loop' > step 'inner'", "prompt") {
			t.Errorf("nested step error missing: %v", errs)
		}
		if !hasError(errs, "duplicate") {
			t.Errorf("nested duplicate missing: %v", errs)
		}
	})

	t.Run("ids unique across nested bodies", func(t *testing.T) {
		loop := &Step{
			ID:      "loop",
			Foreach: &ForeachSpec{Items: "{{items}}", As: "item"},
			Body: NewBody([]map[string]any{
				{"id": "outer", "agent": "a", "prompt": "p"},
			}),
		}
		errs := validRecipe(agentStep("outer"), loop).Validate()
		if !hasError(errs, "duplicate step id 'outer'") {
			t.Errorf("Validate() = %v", errs)
		}
	})

	t.Run("ids unique across sibling bodies", func(t *testing.T) {
		body := func() *Body {
			return NewBody([]map[string]any{{"id": "work", "agent": "a", "prompt": "p"}})
		}
		first := &Step{ID: "first", Foreach: &ForeachSpec{Items: "{{items}}", As: "item"}, Body: body()}
		second := &Step{ID: "second", Foreach: &ForeachSpec{Items: "{{items}}", As: "item"}, Body: body()}
		if errs := validRecipe(first, second).Validate(); !hasError(errs, "duplicate step id 'work'") {
			t.Errorf("Validate() = %v", errs)
		}
	})

	t.Run("nested depends_on stays in body", func(t *testing.T) {
		loop := &Step{
			ID:      "loop",
			Foreach: &ForeachSpec{Items: "{{items}}", As: "item"},
			Body: NewBody([]map[string]any{
				{"id": "inner", "agent": "a", "prompt": "p", "depends_on": []any{"outer"}},
			}),
		}
		errs := validRecipe(agentStep("outer"), loop).Validate()
		if !hasError(errs, "unknown step 'outer'") {
			t.Errorf("Validate() = %v", errs)
		}
	})
}

func TestRecipeValidate_Stages(t *testing.T) {
	later := agentStep("later")
	early := agentStep("early")
	early.DependsOn = []string{"later"}

	r := &Recipe{
		Name:        "staged",
		Description: "staged recipe",
		Version:     "1.0.0",
		IsStaged:    true,
		Stages: []*Stage{
			{Name: "one", Steps: []*Step{early}},
			{Name: "", Steps: []*Step{later}},
		},
	}
	errs := r.Validate()
	if !hasError(errs, "later stage") {
		t.Errorf("Validate() = %v, want later-stage dependency error", errs)
	}
	if !hasError(errs, "stage 1", "name") {
		t.Errorf("Validate() = %v, want stage name error", errs)
	}

	r.Stages[1].Name = "two"
	early.DependsOn = nil
	later.DependsOn = []string{"early"}
	if errs := r.Validate(); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestRecipe_Accessors(t *testing.T) {
	r := &Recipe{
		IsStaged: true,
		Stages: []*Stage{
			{Name: "one", Steps: []*Step{agentStep("a"), agentStep("b")}},
			{Name: "two", Steps: []*Step{agentStep("c")}},
		},
	}

	ids := r.StepIDs()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("StepIDs() = %v", ids)
	}
	if r.GetStep("c") == nil {
		t.Error("GetStep(c) = nil")
	}
	if r.GetStep("missing") != nil {
		t.Error("GetStep(missing) should be nil")
	}
	if len(r.StageList()) != 2 {
		t.Errorf("StageList() = %d stages", len(r.StageList()))
	}

	flat := validRecipe(agentStep("x"))
	stages := flat.StageList()
	if len(stages) != 1 || stages[0].Name != "" || len(stages[0].Steps) != 1 {
		t.Errorf("flat StageList() = %+v", stages)
	}
}

func TestExecutionOrder(t *testing.T) {
	a, b, c, d := agentStep("a"), agentStep("b"), agentStep("c"), agentStep("d")
	// Declared a, b, c, d; a depends on c, d depends on b.
	a.DependsOn = []string{"c"}
	d.DependsOn = []string{"b"}

	order, err := ExecutionOrder([]*Step{a, b, c, d})
	if err != nil {
		t.Fatalf("ExecutionOrder error: %v", err)
	}

	var got []string
	for _, s := range order {
		got = append(got, s.ID)
	}
	want := []string{"b", "c", "a", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestExecutionOrder_DeclarationOrderWithoutDeps(t *testing.T) {
	steps := []*Step{agentStep("z"), agentStep("y"), agentStep("x")}
	order, err := ExecutionOrder(steps)
	if err != nil {
		t.Fatalf("ExecutionOrder error: %v", err)
	}
	for i, s := range order {
		if s != steps[i] {
			t.Fatalf("order changed without dependencies: %v", order)
		}
	}
}

func TestExecutionOrder_OutOfScopeDependency(t *testing.T) {
	s := agentStep("b")
	s.DependsOn = []string{"from-earlier-stage"}
	order, err := ExecutionOrder([]*Step{s})
	if err != nil || len(order) != 1 {
		t.Errorf("ExecutionOrder = %v, %v", order, err)
	}
}

func TestExecutionOrder_Cycle(t *testing.T) {
	a, b := agentStep("a"), agentStep("b")
	a.DependsOn = []string{"b"}
	b.DependsOn = []string{"a"}

	_, err := ExecutionOrder([]*Step{a, b})
	if !errors.HasCode(err, errors.CodeRecipeUnorderable) {
		t.Errorf("error = %v, want unorderable", err)
	}
}
