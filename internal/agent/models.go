package agent

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/meow-stack/recipe-engine/internal/logging"
)

// ModelLister reports the models a provider offers.
type ModelLister interface {
	ListModels(ctx context.Context, provider string) ([]string, error)
}

// StaticModels is a ModelLister backed by a fixed provider table.
// Provider names match with or without a "provider-" prefix.
type StaticModels map[string][]string

// ListModels returns the provider's models, or nil if it is unknown.
func (s StaticModels) ListModels(_ context.Context, provider string) ([]string, error) {
	for _, name := range []string{provider, strings.TrimPrefix(provider, "provider-"), "provider-" + provider} {
		if models, ok := s[name]; ok {
			return models, nil
		}
	}
	return nil, nil
}

// Resolution describes how a model name was chosen.
type Resolution struct {
	Model     string   // Name to use
	Pattern   string   // Original pattern, empty when the hint was not a pattern
	Available []string // Models offered by the provider
	Matched   []string // Models matching the pattern, newest first
}

// ModelResolver turns model glob patterns into concrete model names.
type ModelResolver struct {
	lister ModelLister
	logger *slog.Logger
}

// NewModelResolver creates a resolver. A nil lister resolves nothing.
func NewModelResolver(lister ModelLister, logger *slog.Logger) *ModelResolver {
	return &ModelResolver{lister: lister, logger: logging.OrDiscard(logger)}
}

// IsPattern reports whether hint contains glob characters.
func IsPattern(hint string) bool {
	return strings.ContainsAny(hint, "*?[{")
}

// Resolve picks the lexicographically last available model matching hint,
// treated as the most recent. Without a provider, a model list, or a match,
// the hint itself is returned.
func (r *ModelResolver) Resolve(ctx context.Context, hint, provider string) Resolution {
	if !IsPattern(hint) {
		return Resolution{Model: hint}
	}
	res := Resolution{Model: hint, Pattern: hint}

	if provider == "" || r == nil || r.lister == nil {
		r.warn("model pattern has no provider, using as-is", "pattern", hint)
		return res
	}

	available, err := r.lister.ListModels(ctx, provider)
	if err != nil {
		r.warn("listing provider models", "provider", provider, "error", err)
	}
	res.Available = available
	if len(available) == 0 {
		r.warn("no models available for pattern, using as-is", "provider", provider, "pattern", hint)
		return res
	}

	g, err := glob.Compile(hint)
	if err != nil {
		r.warn("invalid model pattern, using as-is", "pattern", hint, "error", err)
		return res
	}
	for _, m := range available {
		if g.Match(m) {
			res.Matched = append(res.Matched, m)
		}
	}
	if len(res.Matched) == 0 {
		r.warn("model pattern matched nothing, using as-is", "provider", provider, "pattern", hint)
		return res
	}

	slices.Sort(res.Matched)
	slices.Reverse(res.Matched)
	res.Model = res.Matched[0]
	r.logger.Info("resolved model pattern", "pattern", hint, "model", res.Model,
		"matched", len(res.Matched), "available", len(available))
	return res
}

func (r *ModelResolver) warn(msg string, args ...any) {
	if r != nil {
		r.logger.Warn(msg, args...)
	}
}
