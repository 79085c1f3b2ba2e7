package breaker

import (
	"context"
	"fmt"
	"time"

	"conductor/internal/services"
)

// ErrTimeout is returned when WithTimeout stops waiting on an operation.
var ErrTimeout = fmt.Errorf("%w: operation deadline exceeded", services.ErrTimeout)

// WithTimeout runs op and waits at most d for it. On expiry it returns
// ErrTimeout; op keeps running until it observes its own context and its late
// result is discarded, so op must be safe to abandon.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return zero, ErrTimeout
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	opCtx, cancel := context.WithTimeout(ctx, d)
	go func() {
		defer cancel()
		value, err := op(opCtx)
		done <- result{value: value, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Step is one bounded sub-operation of a Sequence.
type Step struct {
	Name string
	// MinBudget is the least remaining time worth starting this step with.
	MinBudget time.Duration
	Run       func(context.Context) error
}

// StepResult reports how a Step ended.
type StepResult struct {
	Name    string
	Skipped bool
	Err     error
}

// Sequence runs steps in order against one shared deadline. A step is
// skipped when the remaining budget is below its MinBudget; otherwise it is
// bounded by WithTimeout for the remaining time. Later steps still run after
// an earlier step fails.
func Sequence(ctx context.Context, deadline time.Time, steps ...Step) []StepResult {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		remaining := time.Until(deadline)
		if remaining <= 0 || remaining < step.MinBudget || step.Run == nil {
			results = append(results, StepResult{Name: step.Name, Skipped: true})
			continue
		}
		run := step.Run
		_, err := WithTimeout(ctx, remaining, func(c context.Context) (struct{}, error) {
			return struct{}{}, run(c)
		})
		results = append(results, StepResult{Name: step.Name, Err: err})
	}
	return results
}
