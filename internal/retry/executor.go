package retry

import (
	"context"
	"fmt"
	"time"
)

// Sleeper suspends the current goroutine for a given duration. The production
// implementation blocks on the wall clock; tests substitute a fake so retry
// schedules can be asserted without real waiting.
type Sleeper interface {
	// Sleep blocks for d or until ctx is cancelled, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// clockSleeper is the wall-clock [Sleeper] used in production.
type clockSleeper struct{}

func (clockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NopSleeper is a [Sleeper] that returns immediately. Useful in tests.
type NopSleeper struct{}

// Sleep implements [Sleeper] without waiting.
func (NopSleeper) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// StatusCarrier is implemented by value outcomes that carry an HTTP-like
// status code and an optional provider wait hint. The executor uses it to
// build the [Outcome] passed to the policy.
type StatusCarrier interface {
	// HTTPStatus returns the status code of the value, 0 when unknown.
	HTTPStatus() int

	// RetryAfterHint returns the provider-supplied wait hint, 0 when absent.
	RetryAfterHint() time.Duration
}

// ExhaustedError is returned when every attempt faulted and the retry budget
// is spent. It carries the attempt count and wraps the last underlying fault.
//
// It is deliberately not used for value outcomes: a value the caller's check
// rejected means the operation completed, and the value itself is returned
// rather than a synthesized error.
type ExhaustedError struct {
	// Attempts is the total number of attempts made.
	Attempts int

	// Last is the fault from the final attempt.
	Last error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last underlying fault.
func (e *ExhaustedError) Unwrap() error { return e.Last }

// RetryObserver is invoked before each sleep with the 0-based attempt index
// that just failed, the computed delay, and the outcome. Intended for logging
// and metrics; it must not block.
type RetryObserver func(attempt int, delay time.Duration, outcome Outcome)

// Executor combines a [Policy] and a [Sleeper] around any fallible operation.
// The zero value is not usable; create instances with [NewExecutor].
type Executor struct {
	policy  Policy
	sleeper Sleeper
	onRetry RetryObserver
}

// ExecutorOption is a functional option for [NewExecutor].
type ExecutorOption func(*Executor)

// WithSleeper replaces the wall-clock sleeper.
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleeper = s }
}

// WithObserver registers a retry-observer callback.
func WithObserver(fn RetryObserver) ExecutorOption {
	return func(e *Executor) { e.onRetry = fn }
}

// NewExecutor creates an [Executor] around policy.
func NewExecutor(policy Policy, opts ...ExecutorOption) *Executor {
	e := &Executor{policy: policy, sleeper: clockSleeper{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Do runs op until it returns a nil error or the policy refuses further
// retries. A returned value with a nil error is always a success.
func Do[T any](ctx context.Context, ex *Executor, op func(context.Context) (T, error)) (T, error) {
	return DoWithCheck(ctx, ex, op, nil)
}

// DoWithCheck runs op up to policy.MaxRetries()+1 times. A nil-error result
// for which isSuccess returns true ends the loop immediately. Otherwise the
// outcome is classified and the policy consulted.
//
// When the policy refuses further retries:
//
//   - a fault (non-nil error) from the final attempt of an exhausted budget
//     is wrapped in [ExhaustedError];
//   - a fault refused early (e.g. a non-transient error) is returned as-is;
//   - an unsuccessful value is returned with a nil error — callers decide
//     what the value means.
func DoWithCheck[T any](ctx context.Context, ex *Executor, op func(context.Context) (T, error), isSuccess func(T) bool) (T, error) {
	maxRetries := ex.policy.MaxRetries()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}

		val, err := op(ctx)
		if err == nil && (isSuccess == nil || isSuccess(val)) {
			return val, nil
		}

		outcome := classify(val, err)
		decision := ex.policy.Decide(attempt, outcome)
		if !decision.Retry {
			if err != nil {
				if attempt >= maxRetries {
					return val, &ExhaustedError{Attempts: attempt + 1, Last: err}
				}
				return val, err
			}
			return val, nil
		}

		if ex.onRetry != nil {
			ex.onRetry(attempt, decision.Delay, outcome)
		}
		if serr := ex.sleeper.Sleep(ctx, decision.Delay); serr != nil {
			var zero T
			return zero, serr
		}
	}
}

// classify builds the policy-facing [Outcome] for one attempt.
func classify[T any](val T, err error) Outcome {
	o := Outcome{Err: err}
	if err != nil {
		if h, ok := err.(interface{ RetryAfterHint() time.Duration }); ok {
			o.RetryAfter = h.RetryAfterHint()
		}
		return o
	}
	if sc, ok := any(val).(StatusCarrier); ok {
		o.StatusCode = sc.HTTPStatus()
		o.RetryAfter = sc.RetryAfterHint()
	}
	return o
}
