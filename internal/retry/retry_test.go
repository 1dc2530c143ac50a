package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/recipe"
)

func fastPolicy(attempts int, b recipe.Backoff) Policy {
	return Policy{
		MaxAttempts:  attempts,
		Backoff:      b,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
	}
}

func TestFromStep(t *testing.T) {
	if p := FromStep(nil); p.MaxAttempts != 1 {
		t.Errorf("nil retry block = %+v, want one attempt", p)
	}

	p := FromStep(&recipe.RetryPolicy{
		MaxAttempts:  4,
		Backoff:      recipe.BackoffLinear,
		InitialDelay: 0.5,
		MaxDelay:     2,
	})
	if p.MaxAttempts != 4 || p.Backoff != recipe.BackoffLinear ||
		p.InitialDelay != 500*time.Millisecond || p.MaxDelay != 2*time.Second {
		t.Errorf("FromStep = %+v", p)
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(3, recipe.BackoffExponential), nil,
		func(ctx context.Context, attempt int) (string, error) {
			calls++
			return "ok", nil
		})
	if err != nil || got != "ok" || calls != 1 {
		t.Errorf("Do = %q, %v after %d calls", got, err, calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	for _, b := range []recipe.Backoff{recipe.BackoffExponential, recipe.BackoffLinear} {
		t.Run(string(b), func(t *testing.T) {
			var seen []int
			got, err := Do(context.Background(), fastPolicy(3, b), nil,
				func(ctx context.Context, attempt int) (int, error) {
					seen = append(seen, attempt)
					if attempt < 3 {
						return 0, stderrors.New("flaky")
					}
					return attempt, nil
				})
			if err != nil || got != 3 {
				t.Fatalf("Do = %d, %v", got, err)
			}
			if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
				t.Errorf("attempts = %v", seen)
			}
		})
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	stepErr := errors.NonZeroExit("build", 1, "boom")
	got, err := Do(context.Background(), fastPolicy(3, recipe.BackoffExponential), nil,
		func(ctx context.Context, attempt int) (string, error) {
			calls++
			return "partial", stepErr
		})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.HasCode(err, errors.CodeStepNonZeroExit) {
		t.Errorf("error = %v, want last attempt's error", err)
	}
	if got != "partial" {
		t.Errorf("result = %q, want last attempt's result", got)
	}
}

func TestDo_SingleAttemptWithoutPolicy(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), FromStep(nil), nil,
		func(ctx context.Context, attempt int) (any, error) {
			calls++
			return nil, stderrors.New("fail")
		})
	if err == nil || calls != 1 {
		t.Errorf("calls = %d, err = %v", calls, err)
	}
}

func TestDo_ExpressionErrorsAreNotRetried(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5, recipe.BackoffLinear), nil,
		func(ctx context.Context, attempt int) (any, error) {
			calls++
			return nil, errors.UndefinedVariable("missing")
		})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.HasCode(err, errors.CodeUndefinedVariable) {
		t.Errorf("error = %v", err)
	}
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, fastPolicy(5, recipe.BackoffLinear), nil,
		func(ctx context.Context, attempt int) (any, error) {
			calls++
			cancel()
			return nil, ctx.Err()
		})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestNewBackOff_Schedules(t *testing.T) {
	exp := Policy{Backoff: recipe.BackoffExponential, InitialDelay: time.Second, MaxDelay: 3 * time.Second}.newBackOff()
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := exp.NextBackOff(); got != w {
			t.Errorf("exponential delay %d = %v, want %v", i, got, w)
		}
	}

	lin := Policy{Backoff: recipe.BackoffLinear, InitialDelay: 2 * time.Second}.newBackOff()
	for i := 0; i < 3; i++ {
		if got := lin.NextBackOff(); got != 2*time.Second {
			t.Errorf("linear delay %d = %v, want 2s", i, got)
		}
	}
}
