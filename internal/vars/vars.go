// Package vars holds the run-wide variable namespace and {{dotted.path}} substitution.
package vars

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/meow-stack/recipe-engine/internal/errors"
)

// Pattern matches {{variable.path}} references.
var Pattern = regexp.MustCompile(`\{\{\s*(\w+(?:\.\w+)*)\s*\}\}`)

// pureRef matches a string that is exactly one reference.
var pureRef = regexp.MustCompile(`^\s*\{\{\s*(\w+(?:\.\w+)*)\s*\}\}\s*$`)

// Stringify converts any value to its text form for substitution.
// Maps and slices are JSON-marshaled instead of using Go's %v format,
// so {"foo":"bar"} is produced rather than map[foo:bar].
func Stringify(val any) string {
	if val == nil {
		return ""
	}

	switch v := val.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		// Plain decimal so JSON-decoded integers never render as 1.234567e+06.
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case fmt.Stringer:
		return v.String()
	}

	rv := reflect.ValueOf(val)
	kind := rv.Kind()

	if kind == reflect.Map || kind == reflect.Slice || kind == reflect.Array {
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", val)
	}

	return fmt.Sprintf("%v", val)
}

// Context is the mutable variable namespace of one recipe run.
// It is owned by a single run and is not safe for concurrent use.
type Context struct {
	values map[string]any
}

// New creates a context seeded from the given layers. Later layers win.
func New(layers ...map[string]any) *Context {
	c := &Context{values: make(map[string]any)}
	for _, layer := range layers {
		maps.Copy(c.values, layer)
	}
	return c
}

// Set stores a variable, replacing any previous value.
func (c *Context) Set(name string, value any) {
	c.values[name] = value
}

// Get returns a top-level variable.
func (c *Context) Get(name string) (any, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Has reports whether a top-level variable is set (even to nil).
func (c *Context) Has(name string) bool {
	_, ok := c.values[name]
	return ok
}

// Delete removes a top-level variable.
func (c *Context) Delete(name string) {
	delete(c.values, name)
}

// Snapshot returns a copy of the top-level mapping.
func (c *Context) Snapshot() map[string]any {
	return maps.Clone(c.values)
}

// Lookup resolves a dotted path through nested mappings and sequences.
// A nil value counts as unresolved.
func (c *Context) Lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = c.values
	for _, part := range parts {
		next, ok := child(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Resolve is Lookup returning an UndefinedVariable error for unresolved paths.
func (c *Context) Resolve(path string) (any, error) {
	v, ok := c.Lookup(path)
	if !ok {
		return nil, errors.UndefinedVariable(path)
	}
	return v, nil
}

// Substitute replaces every {{path}} in text with the stringified value.
// The first unresolved path fails the substitution.
func (c *Context) Substitute(text string) (string, error) {
	return ReplaceRefs(text, c, Stringify)
}

// SubstituteMap substitutes every value of m, returning a new map.
func (c *Context) SubstituteMap(m map[string]string) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, err := c.Substitute(v)
		if err != nil {
			return nil, err
		}
		out[k] = s
	}
	return out, nil
}

// Eval resolves text to a value. A string that is exactly one reference
// yields the referenced value with its type intact; anything else is
// substituted as text.
func (c *Context) Eval(text string) (any, error) {
	if m := pureRef.FindStringSubmatch(text); m != nil {
		return c.Resolve(m[1])
	}
	return c.Substitute(text)
}

// SubstituteValue walks strings, maps and slices, evaluating every string.
func (c *Context) SubstituteValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return c.Eval(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			s, err := c.SubstituteValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			s, err := c.SubstituteValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	default:
		return v, nil
	}
}

// Resolver looks up dotted paths.
type Resolver interface {
	Lookup(path string) (any, bool)
}

// ReplaceRefs replaces every {{path}} in text using format on the resolved
// value. The first unresolved path fails with UndefinedVariable.
func ReplaceRefs(text string, r Resolver, format func(any) string) (string, error) {
	var firstErr error
	out := Pattern.ReplaceAllStringFunc(text, func(match string) string {
		if firstErr != nil {
			return match
		}
		path := Pattern.FindStringSubmatch(match)[1]
		v, ok := r.Lookup(path)
		if !ok {
			firstErr = errors.UndefinedVariable(path)
			return match
		}
		return format(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// References returns the distinct paths referenced in text, in order.
func References(text string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, m := range Pattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			refs = append(refs, m[1])
		}
	}
	return refs
}

// ToSlice converts any slice or array value to []any.
func ToSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// child steps one path segment into a mapping or sequence.
func child(cur any, key string) (any, bool) {
	switch m := cur.(type) {
	case map[string]any:
		v, ok := m[key]
		return v, ok
	case map[string]string:
		v, ok := m[key]
		return v, ok
	case map[any]any:
		v, ok := m[key]
		return v, ok
	}
	if items, ok := ToSlice(cur); ok {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(items) {
			return nil, false
		}
		return items[idx], true
	}
	return nil, false
}
