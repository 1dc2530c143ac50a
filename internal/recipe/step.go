package recipe

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Step defaults.
const (
	DefaultTimeout      = 600 // Seconds
	DefaultInitialDelay = 5.0 // Seconds
	DefaultMaxDelay     = 300.0
)

// StepType is the declared type of a step.
type StepType string

const (
	StepTypeAgent StepType = "agent" // Delegate to an agent (default)
	StepTypeBash  StepType = "bash"  // Run a shell command
)

// Valid returns true if this is a recognized step type.
func (t StepType) Valid() bool {
	return t == StepTypeAgent || t == StepTypeBash
}

// Kind is the execution shape of a step, derived from its type and payloads.
type Kind string

const (
	KindAgent   Kind = "agent"
	KindBash    Kind = "bash"
	KindForeach Kind = "foreach"
	KindWhile   Kind = "while"
)

// IsCompound returns true for kinds that carry a nested body.
func (k Kind) IsCompound() bool {
	return k == KindForeach || k == KindWhile
}

// OnError decides how a terminal step failure affects the rest of the run.
type OnError string

const (
	OnErrorFail          OnError = "fail"           // Abort the run
	OnErrorContinue      OnError = "continue"       // Record and move on
	OnErrorSkipRemaining OnError = "skip_remaining" // Skip every step not yet started
)

// Valid returns true if this is a recognized policy.
func (o OnError) Valid() bool {
	switch o {
	case OnErrorFail, OnErrorContinue, OnErrorSkipRemaining:
		return true
	}
	return false
}

// Backoff selects the delay policy between retry attempts.
type Backoff string

const (
	BackoffExponential Backoff = "exponential" // Delay doubles up to max_delay
	BackoffLinear      Backoff = "linear"      // Fixed initial_delay
)

// Valid returns true if this is a recognized backoff.
func (b Backoff) Valid() bool {
	return b == BackoffExponential || b == BackoffLinear
}

// ReservedNames are variables injected by the executor.
var ReservedNames = []string{"recipe", "session", "step"}

// IsReserved reports whether name is a reserved variable name.
func IsReserved(name string) bool {
	for _, r := range ReservedNames {
		if name == r {
			return true
		}
	}
	return false
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsIdentifier reports whether name can be used as a variable name.
func IsIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// RetryPolicy bounds how often a failing step is re-attempted.
type RetryPolicy struct {
	MaxAttempts  int
	Backoff      Backoff
	InitialDelay float64 // Seconds
	MaxDelay     float64 // Seconds
}

// AgentSpec holds agent step fields.
type AgentSpec struct {
	Agent    string
	Prompt   string
	Mode     string
	Config   map[string]any
	Recipe   string // Sub-recipe to delegate to
	Provider string
	Model    string // Name or glob pattern
}

// BashSpec holds bash step fields.
type BashSpec struct {
	Command        string
	Cwd            string
	Env            map[string]string
	OutputExitCode string
}

// ForeachSpec holds foreach loop fields.
type ForeachSpec struct {
	Items   string // Expression yielding a sequence
	As      string
	Collect string
}

// WhileSpec holds while loop fields.
type WhileSpec struct {
	Condition     string
	BreakWhen     string
	MaxIterations int
}

// Step is one unit of work in a recipe.
//
// At most one of Foreach and While is set. Agent and Bash carry the fields
// of the respective step types; which one applies follows from Kind.
type Step struct {
	ID        string
	Type      StepType
	Output    string
	DependsOn []string
	Timeout   int // Seconds, 0 disables
	OnError   OnError
	Retry     *RetryPolicy
	Condition string
	ParseJSON bool

	Agent   *AgentSpec
	Bash    *BashSpec
	Foreach *ForeachSpec
	While   *WhileSpec
	Body    *Body // Nested steps of a compound step
}

// Kind returns the execution shape of the step.
func (s *Step) Kind() Kind {
	switch {
	case s.Foreach != nil:
		return KindForeach
	case s.While != nil:
		return KindWhile
	case s.Type == StepTypeBash:
		return KindBash
	default:
		return KindAgent
	}
}

// Validate returns every structural problem with the step, in order.
// An empty result means the step is valid.
func (s *Step) Validate() []string {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(s.ID) == "" {
		add("step id is required")
	}
	if s.Type != "" && !s.Type.Valid() {
		add("unknown step type '%s' (expected agent or bash)", s.Type)
	}
	if s.Timeout < 0 {
		add("timeout must be >= 0, got %d", s.Timeout)
	}
	if s.OnError != "" && !s.OnError.Valid() {
		add("on_error must be one of fail, continue, skip_remaining, got '%s'", s.OnError)
	}
	if s.Output != "" {
		errs = append(errs, validateVarName("output", s.Output)...)
	}
	for _, dep := range s.DependsOn {
		if dep == s.ID && s.ID != "" {
			add("step '%s' cannot depend on itself (depends_on)", s.ID)
		}
	}
	if s.Retry != nil {
		errs = append(errs, s.Retry.validate()...)
	}

	switch s.Kind() {
	case KindForeach, KindWhile:
		errs = append(errs, s.validateCompound()...)
	case KindBash:
		errs = append(errs, s.validateBash()...)
	default:
		errs = append(errs, s.validateAgent()...)
	}

	return errs
}

func (s *Step) validateAgent() []string {
	var errs []string
	if s.Body != nil {
		errs = append(errs, "while_steps requires foreach or while_condition")
	}
	if s.Bash != nil {
		errs = append(errs, "command, cwd, env and output_exit_code are only valid for bash steps")
	}

	a := s.Agent
	if a == nil {
		a = &AgentSpec{}
	}
	// A sub-recipe step needs neither agent nor prompt.
	if a.Recipe == "" {
		if strings.TrimSpace(a.Agent) == "" {
			errs = append(errs, "agent is required for agent steps")
		}
		if strings.TrimSpace(a.Prompt) == "" {
			errs = append(errs, "prompt is required for agent steps")
		}
	}
	return errs
}

func (s *Step) validateBash() []string {
	var errs []string
	if s.Body != nil {
		errs = append(errs, "while_steps requires foreach or while_condition")
	}

	b := s.Bash
	if b == nil || b.Command == "" {
		errs = append(errs, "command is required for bash steps")
	} else if strings.TrimSpace(b.Command) == "" {
		errs = append(errs, "command must not be whitespace-only")
	}
	if b != nil && b.OutputExitCode != "" {
		errs = append(errs, validateVarName("output_exit_code", b.OutputExitCode)...)
	}

	if a := s.Agent; a != nil {
		if a.Agent != "" {
			errs = append(errs, "bash steps cannot set agent")
		}
		if a.Prompt != "" {
			errs = append(errs, "bash steps cannot set prompt")
		}
		if a.Mode != "" {
			errs = append(errs, "bash steps cannot set mode")
		}
		if a.Config != nil {
			errs = append(errs, "bash steps cannot set agent_config")
		}
		if a.Recipe != "" {
			errs = append(errs, "bash steps cannot set recipe")
		}
	}
	return errs
}

func (s *Step) validateCompound() []string {
	var errs []string
	if s.Foreach != nil && s.While != nil {
		errs = append(errs, "foreach and while_condition cannot be combined in one step")
	}
	if s.Type == StepTypeBash {
		errs = append(errs, "bash steps cannot use foreach or while_condition")
	}
	if s.Body == nil || s.Body.Len() == 0 {
		errs = append(errs, fmt.Sprintf("%s requires a non-empty steps body", s.Kind()))
	}

	if f := s.Foreach; f != nil {
		if strings.TrimSpace(f.Items) == "" {
			errs = append(errs, "foreach expression must not be empty")
		}
		if f.As == "" {
			errs = append(errs, "foreach requires 'as' (loop variable name)")
		} else {
			errs = append(errs, validateVarName("as", f.As)...)
		}
		if f.Collect != "" {
			errs = append(errs, validateVarName("collect", f.Collect)...)
		}
	}

	if w := s.While; w != nil {
		if w.MaxIterations < 1 {
			errs = append(errs, "while_condition requires max_iterations >= 1")
		}
	}
	return errs
}

func (r *RetryPolicy) validate() []string {
	var errs []string
	if r.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("retry max_attempts must be >= 1, got %d", r.MaxAttempts))
	}
	if r.Backoff != "" && !r.Backoff.Valid() {
		errs = append(errs, fmt.Sprintf("retry backoff must be one of exponential, linear, got '%s'", r.Backoff))
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		errs = append(errs, "retry delays must be >= 0")
	}
	return errs
}

func validateVarName(field, name string) []string {
	if !IsIdentifier(name) {
		return []string{fmt.Sprintf("%s '%s' must be a valid identifier", field, name)}
	}
	if IsReserved(name) {
		return []string{fmt.Sprintf("%s '%s' is a reserved name (%s)", field, name, strings.Join(ReservedNames, ", "))}
	}
	return nil
}

// Body is the nested step list of a compound step. It keeps the raw step
// documents and materializes them into Steps once, on first use.
type Body struct {
	raw []map[string]any

	once  sync.Once
	steps []*Step
	err   error
}

// NewBody creates a lazily parsed body from raw step documents.
func NewBody(raw []map[string]any) *Body {
	return &Body{raw: raw}
}

// NewBodyFromSteps creates an already materialized body.
func NewBodyFromSteps(steps ...*Step) *Body {
	b := &Body{steps: steps}
	b.once.Do(func() {})
	return b
}

// Len returns the number of steps in the body.
func (b *Body) Len() int {
	if b.raw != nil {
		return len(b.raw)
	}
	return len(b.steps)
}

// Raw returns the unparsed step documents, or nil for a programmatic body.
func (b *Body) Raw() []map[string]any {
	return b.raw
}

// Steps materializes the body. The result is cached.
func (b *Body) Steps() ([]*Step, error) {
	b.once.Do(func() {
		steps := make([]*Step, 0, len(b.raw))
		for i, data := range b.raw {
			st, err := ParseStep(data)
			if err != nil {
				b.err = fmt.Errorf("nested step %d: %w", i, err)
				return
			}
			steps = append(steps, st)
		}
		b.steps = steps
	})
	return b.steps, b.err
}
