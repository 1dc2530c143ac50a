package recipe

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/vars"
)

// DefaultMaxAttempts applies when a retry block omits max_attempts.
const DefaultMaxAttempts = 3

// ExpandPath expands a leading ~ to the user's home directory.
// Absolute and relative paths are returned unchanged.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// LoadFile reads and parses a recipe document. It does not validate.
func LoadFile(path string) (*Recipe, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.RecipeNotFound(path)
		}
		return nil, errors.Wrapf(errors.CodeIOReadError, err, "reading recipe %s", path)
	}

	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.Path = path
	return r, nil
}

// Parse parses a YAML recipe document.
func Parse(data []byte) (*Recipe, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.CodeRecipeMalformed, "invalid YAML", err)
	}
	return FromDocument(doc)
}

// FromDocument converts a decoded document into a Recipe.
func FromDocument(doc any) (*Recipe, error) {
	m, ok := asMap(doc)
	if !ok {
		return nil, errors.Malformed("recipe document must be a dictionary, got %s", typeName(doc))
	}
	return FromMap(m)
}

// FromMap converts a recipe mapping into a Recipe. Shape errors fail fast;
// semantic problems are left to Validate.
func FromMap(data map[string]any) (*Recipe, error) {
	r := &Recipe{}
	var err error

	if r.Name, err = stringField(data, "name"); err != nil {
		return nil, err
	}
	if r.Description, err = stringField(data, "description"); err != nil {
		return nil, err
	}
	if r.Version, err = stringField(data, "version"); err != nil {
		return nil, err
	}
	if r.Author, err = stringField(data, "author"); err != nil {
		return nil, err
	}
	if r.Tags, err = stringList(data, "tags"); err != nil {
		return nil, err
	}

	if raw, ok := data["context"]; ok && raw != nil {
		ctx, ok := asMap(raw)
		if !ok {
			return nil, errors.Malformed("context must be a dictionary, got %s", typeName(raw))
		}
		r.Context = ctx
	}

	rawSteps, hasSteps := data["steps"]
	rawStages, hasStages := data["stages"]
	r.bothModes = hasSteps && hasStages

	if hasSteps {
		docs, err := stepDocs(rawSteps, "steps")
		if err != nil {
			return nil, err
		}
		if r.Steps, err = parseSteps(docs); err != nil {
			return nil, err
		}
	}

	if hasStages {
		r.IsStaged = true
		list, ok := rawStages.([]any)
		if !ok {
			return nil, errors.Malformed("stages must be a list, got %s", typeName(rawStages))
		}
		for i, item := range list {
			sm, ok := asMap(item)
			if !ok {
				return nil, errors.Malformed("stages[%d]: stage must be a dictionary, got %s", i, typeName(item))
			}
			stage, err := parseStage(sm)
			if err != nil {
				return nil, fmt.Errorf("stages[%d]: %w", i, err)
			}
			r.Stages = append(r.Stages, stage)
		}
	}

	return r, nil
}

func parseStage(data map[string]any) (*Stage, error) {
	st := &Stage{}
	var err error
	if st.Name, err = stringField(data, "name"); err != nil {
		return nil, err
	}

	if raw, ok := data["steps"]; ok {
		docs, err := stepDocs(raw, "steps")
		if err != nil {
			return nil, err
		}
		if st.Steps, err = parseSteps(docs); err != nil {
			return nil, err
		}
	}

	if raw, ok := data["approval"]; ok && raw != nil {
		am, ok := asMap(raw)
		if !ok {
			return nil, errors.Malformed("approval must be a dictionary, got %s", typeName(raw))
		}
		st.Approval = &Approval{}
		if st.Approval.Required, err = boolField(am, "required"); err != nil {
			return nil, err
		}
		if st.Approval.Prompt, err = stringField(am, "prompt"); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// stepDocs checks that raw is a list of mappings.
func stepDocs(raw any, field string) ([]map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.Malformed("%s must be a list, got %s", field, typeName(raw))
	}
	docs := make([]map[string]any, 0, len(list))
	for i, item := range list {
		m, ok := asMap(item)
		if !ok {
			return nil, errors.Malformed("%s[%d]: step must be a dictionary, got %s", field, i, typeName(item))
		}
		docs = append(docs, m)
	}
	return docs, nil
}

func parseSteps(docs []map[string]any) ([]*Step, error) {
	steps := make([]*Step, 0, len(docs))
	for i, d := range docs {
		s, err := ParseStep(d)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// ParseStep converts one step mapping into a Step. A compound body given
// under the authoring key "steps" is taken as while_steps and kept unparsed.
func ParseStep(data map[string]any) (*Step, error) {
	s := &Step{
		Type:    StepTypeAgent,
		Timeout: DefaultTimeout,
		OnError: OnErrorFail,
	}
	var err error

	if s.ID, err = stringField(data, "id"); err != nil {
		return nil, err
	}
	fail := func(err error) (*Step, error) {
		if s.ID != "" {
			return nil, fmt.Errorf("step '%s': %w", s.ID, err)
		}
		return nil, err
	}

	if v, err := stringField(data, "type"); err != nil {
		return fail(err)
	} else if v != "" {
		s.Type = StepType(v)
	}
	if s.Output, err = stringField(data, "output"); err != nil {
		return fail(err)
	}
	if s.DependsOn, err = stringList(data, "depends_on"); err != nil {
		return fail(err)
	}
	if _, ok := data["timeout"]; ok {
		if s.Timeout, err = intField(data, "timeout"); err != nil {
			return fail(err)
		}
	}
	if v, err := stringField(data, "on_error"); err != nil {
		return fail(err)
	} else if v != "" {
		s.OnError = OnError(v)
	}
	if s.Condition, err = stringField(data, "condition"); err != nil {
		return fail(err)
	}
	if s.ParseJSON, err = boolField(data, "parse_json"); err != nil {
		return fail(err)
	}
	if s.Retry, err = parseRetry(data); err != nil {
		return fail(err)
	}

	if hasAny(data, "agent", "prompt", "mode", "agent_config", "recipe", "provider", "model") {
		if s.Agent, err = parseAgent(data); err != nil {
			return fail(err)
		}
	}
	if hasAny(data, "command", "cwd", "env", "output_exit_code") {
		if s.Bash, err = parseBash(data); err != nil {
			return fail(err)
		}
	}
	if _, ok := data["foreach"]; ok {
		s.Foreach = &ForeachSpec{}
		if s.Foreach.Items, err = stringField(data, "foreach"); err != nil {
			return fail(err)
		}
		if s.Foreach.As, err = stringField(data, "as"); err != nil {
			return fail(err)
		}
		if s.Foreach.Collect, err = stringField(data, "collect"); err != nil {
			return fail(err)
		}
	}
	if _, ok := data["while_condition"]; ok {
		s.While = &WhileSpec{}
		if s.While.Condition, err = stringField(data, "while_condition"); err != nil {
			return fail(err)
		}
		if s.While.BreakWhen, err = stringField(data, "break_when"); err != nil {
			return fail(err)
		}
		key := "max_iterations"
		if _, ok := data[key]; !ok {
			key = "max_while_iterations"
		}
		if _, ok := data[key]; ok {
			if s.While.MaxIterations, err = intField(data, key); err != nil {
				return fail(err)
			}
		}
	}

	bodyKey := "while_steps"
	if _, ok := data[bodyKey]; !ok {
		bodyKey = "steps"
	}
	if raw, ok := data[bodyKey]; ok {
		docs, err := stepDocs(raw, bodyKey)
		if err != nil {
			return fail(err)
		}
		s.Body = NewBody(docs)
	}

	return s, nil
}

func parseRetry(data map[string]any) (*RetryPolicy, error) {
	raw, ok := data["retry"]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := asMap(raw)
	if !ok {
		return nil, errors.Malformed("retry must be a dictionary, got %s", typeName(raw))
	}

	rp := &RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		Backoff:      BackoffExponential,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
	}
	var err error
	if _, ok := m["max_attempts"]; ok {
		if rp.MaxAttempts, err = intField(m, "max_attempts"); err != nil {
			return nil, err
		}
	}
	if v, err := stringField(m, "backoff"); err != nil {
		return nil, err
	} else if v != "" {
		rp.Backoff = Backoff(v)
	}
	if _, ok := m["initial_delay"]; ok {
		if rp.InitialDelay, err = floatField(m, "initial_delay"); err != nil {
			return nil, err
		}
	}
	if _, ok := m["max_delay"]; ok {
		if rp.MaxDelay, err = floatField(m, "max_delay"); err != nil {
			return nil, err
		}
	}
	return rp, nil
}

func parseAgent(data map[string]any) (*AgentSpec, error) {
	a := &AgentSpec{}
	var err error
	// Declaration order, so the first mistyped field is the one reported.
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"agent", &a.Agent},
		{"prompt", &a.Prompt},
		{"mode", &a.Mode},
		{"recipe", &a.Recipe},
		{"provider", &a.Provider},
		{"model", &a.Model},
	} {
		if *f.dst, err = stringField(data, f.key); err != nil {
			return nil, err
		}
	}
	if raw, ok := data["agent_config"]; ok && raw != nil {
		m, ok := asMap(raw)
		if !ok {
			return nil, errors.Malformed("agent_config must be a dictionary, got %s", typeName(raw))
		}
		a.Config = m
	}
	return a, nil
}

func parseBash(data map[string]any) (*BashSpec, error) {
	b := &BashSpec{}
	var err error
	if b.Command, err = stringField(data, "command"); err != nil {
		return nil, err
	}
	if b.Cwd, err = stringField(data, "cwd"); err != nil {
		return nil, err
	}
	if b.OutputExitCode, err = stringField(data, "output_exit_code"); err != nil {
		return nil, err
	}
	if raw, ok := data["env"]; ok && raw != nil {
		m, ok := asMap(raw)
		if !ok {
			return nil, errors.Malformed("env must be a dictionary, got %s", typeName(raw))
		}
		b.Env = make(map[string]string, len(m))
		for k, v := range m {
			b.Env[k] = vars.Stringify(v)
		}
	}
	return b, nil
}

// --- field helpers ---

func hasAny(data map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := data[k]; ok {
			return true
		}
	}
	return false
}

// asMap accepts both decoded mapping forms.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func stringField(data map[string]any, key string) (string, error) {
	raw, ok := data[key]
	if !ok || raw == nil {
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case int, int64, float64, bool:
		return vars.Stringify(v), nil
	}
	return "", errors.Malformed("%s must be a string, got %s", key, typeName(raw))
}

func intField(data map[string]any, key string) (int, error) {
	switch v := data[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) {
			return int(v), nil
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, nil
		}
	}
	return 0, errors.Malformed("%s must be an integer, got %v", key, data[key])
}

func floatField(data map[string]any, key string) (float64, error) {
	switch v := data[key].(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, nil
		}
	}
	return 0, errors.Malformed("%s must be a number, got %v", key, data[key])
}

func boolField(data map[string]any, key string) (bool, error) {
	raw, ok := data[key]
	if !ok || raw == nil {
		return false, nil
	}
	if b, ok := raw.(bool); ok {
		return b, nil
	}
	return false, errors.Malformed("%s must be true or false, got %v", key, raw)
}

// stringList accepts a list of strings or a single string.
func stringList(data map[string]any, key string) ([]string, error) {
	raw, ok := data[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.Malformed("%s entries must be strings, got %v", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errors.Malformed("%s must be a list, got %s", key, typeName(raw))
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, float64:
		return "number"
	case []any:
		return "list"
	}
	if _, ok := asMap(v); ok {
		return "dictionary"
	}
	return fmt.Sprintf("%T", v)
}
