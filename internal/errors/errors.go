// Package errors provides structured error types for the recipe engine.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error codes for recipe engine operations.
const (
	// Recipe errors
	CodeRecipeInvalid     = "RECIPE_001" // Validation failed
	CodeRecipeMalformed   = "RECIPE_002" // Document shape error
	CodeRecipeNotFound    = "RECIPE_003" // Recipe file not found
	CodeRecipeUnorderable = "RECIPE_004" // Dependency cycle

	// Expression errors
	CodeUndefinedVariable = "EXPR_001" // Unresolved {{path}}
	CodeExprSyntax        = "EXPR_002" // Tokenizer/parser error

	// Step errors
	CodeStepFailed      = "STEP_001" // Generic step failure
	CodeStepTimeout     = "STEP_002" // Step exceeded its timeout
	CodeStepCwdMissing  = "STEP_003" // Working directory missing
	CodeStepNonZeroExit = "STEP_004" // Command exited nonzero
	CodeAgentFailed     = "STEP_005" // Agent invocation failed
	CodeForeachNotList  = "STEP_006" // foreach source is not a sequence

	// Run errors
	CodeRunAborted     = "RUN_001" // Unrecovered step failure
	CodeApprovalDenied = "RUN_002" // Stage approval denied
	CodeRunInterrupted = "RUN_003" // Run cancelled by signal

	// Config errors
	CodeConfigMissingField = "CONFIG_001" // Missing required field
	CodeConfigInvalidValue = "CONFIG_002" // Invalid value

	// Session errors
	CodeSessionNotFound = "SESSION_001" // Session not found

	// IO errors
	CodeIOFileNotFound = "IO_001" // File not found
	CodeIOReadError    = "IO_004" // Read error
	CodeIOWriteError   = "IO_005" // Write error
)

// RecipeError is the structured error type for recipe engine operations.
type RecipeError struct {
	Code    string         `json:"code"`              // Error code (e.g., "EXPR_001")
	Message string         `json:"message"`           // Human-readable message
	Details map[string]any `json:"details,omitempty"` // Context (step_id, path, etc.)
	Cause   error          `json:"-"`                 // Wrapped error (not serialized)
}

// Error implements the error interface.
func (e *RecipeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *RecipeError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *RecipeError) WithDetail(key string, value any) *RecipeError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *RecipeError) WithCause(err error) *RecipeError {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with cause error message.
func (e *RecipeError) MarshalJSON() ([]byte, error) {
	type alias RecipeError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new RecipeError.
func New(code, message string) *RecipeError {
	return &RecipeError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new RecipeError with formatted message.
func Newf(code, format string, args ...any) *RecipeError {
	return &RecipeError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a RecipeError.
func Wrap(code, message string, err error) *RecipeError {
	return &RecipeError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted RecipeError.
func Wrapf(code string, err error, format string, args ...any) *RecipeError {
	return &RecipeError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// --- Recipe Errors ---

// ValidationFailed creates an error carrying every validation message.
func ValidationFailed(recipe string, problems []string) *RecipeError {
	msg := fmt.Sprintf("recipe %q is invalid: %s", recipe, strings.Join(problems, "; "))
	return New(CodeRecipeInvalid, msg).
		WithDetail("recipe", recipe).
		WithDetail("errors", problems)
}

// Malformed creates an error for a document that fails shape checks.
func Malformed(format string, args ...any) *RecipeError {
	return Newf(CodeRecipeMalformed, format, args...)
}

// RecipeNotFound creates an error for a missing recipe file.
func RecipeNotFound(path string) *RecipeError {
	return Newf(CodeRecipeNotFound, "recipe file not found: %s", path).
		WithDetail("path", path)
}

// --- Expression Errors ---

// UndefinedVariable creates an error for an unresolved variable path.
func UndefinedVariable(path string) *RecipeError {
	return Newf(CodeUndefinedVariable, "Undefined variable: %s", path).
		WithDetail("path", path)
}

// Syntax creates an expression syntax error.
func Syntax(format string, args ...any) *RecipeError {
	return Newf(CodeExprSyntax, format, args...)
}

// --- Step Errors ---

// StepFailed creates a generic step failure.
func StepFailed(stepID string, err error) *RecipeError {
	return Wrapf(CodeStepFailed, err, "step '%s' failed", stepID).
		WithDetail("step_id", stepID)
}

// StepTimeout creates an error for a step that exceeded its timeout.
func StepTimeout(stepID string, seconds int) *RecipeError {
	return Newf(CodeStepTimeout, "step '%s' timed out after %ds", stepID, seconds).
		WithDetail("step_id", stepID).
		WithDetail("timeout", seconds)
}

// CwdMissing creates an error for a working directory that does not exist.
func CwdMissing(stepID, dir string) *RecipeError {
	return Newf(CodeStepCwdMissing, "step '%s': cwd does not exist: %s", stepID, dir).
		WithDetail("step_id", stepID).
		WithDetail("cwd", dir)
}

// NonZeroExit creates an error for a command that exited nonzero.
func NonZeroExit(stepID string, code int, stderr string) *RecipeError {
	e := Newf(CodeStepNonZeroExit, "step '%s' failed with exit code %d", stepID, code).
		WithDetail("step_id", stepID).
		WithDetail("exit_code", code)
	if s := strings.TrimSpace(stderr); s != "" {
		e.WithDetail("stderr", s)
	}
	return e
}

// AgentFailed creates an error for a failed agent invocation.
func AgentFailed(stepID, agent string, err error) *RecipeError {
	return Wrapf(CodeAgentFailed, err, "step '%s': agent %s failed", stepID, agent).
		WithDetail("step_id", stepID).
		WithDetail("agent", agent)
}

// --- Run Errors ---

// RunAborted creates the error returned when a run stops on an unrecovered failure.
func RunAborted(recipe, stepID string, cause error) *RecipeError {
	return Wrapf(CodeRunAborted, cause, "recipe %q aborted at step '%s'", recipe, stepID).
		WithDetail("recipe", recipe).
		WithDetail("step_id", stepID)
}

// RunInterrupted creates the error returned when a run is stopped by a signal.
func RunInterrupted(sessionID string, cause error) *RecipeError {
	return Wrapf(CodeRunInterrupted, cause, "run interrupted (session %s)", sessionID).
		WithDetail("session_id", sessionID)
}

// --- Config Errors ---

// ConfigMissingField creates an error for missing config field.
func ConfigMissingField(field string) *RecipeError {
	return Newf(CodeConfigMissingField, "missing required config field: %s", field).
		WithDetail("field", field)
}

// ConfigInvalidValue creates an error for invalid config value.
func ConfigInvalidValue(field string, value any, reason string) *RecipeError {
	return Newf(CodeConfigInvalidValue, "invalid config value for %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("reason", reason)
}

// --- Session Errors ---

// SessionNotFound creates an error for a missing session.
func SessionNotFound(sessionID string) *RecipeError {
	return Newf(CodeSessionNotFound, "session not found: %s", sessionID).
		WithDetail("session_id", sessionID)
}

// --- Helpers ---

// HasCode reports whether err (or anything it wraps) is a RecipeError with the given code.
func HasCode(err error, code string) bool {
	var re *RecipeError
	for err != nil {
		if !errors.As(err, &re) {
			return false
		}
		if re.Code == code {
			return true
		}
		err = re.Cause
	}
	return false
}

// Code returns the code of the outermost RecipeError in err's chain, or "".
func Code(err error) string {
	var re *RecipeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsExpression reports whether err is an expression error.
// Expression errors always abort a run.
func IsExpression(err error) bool {
	return HasCode(err, CodeUndefinedVariable) || HasCode(err, CodeExprSyntax)
}
