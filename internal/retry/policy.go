// Package retry provides a generic retry executor with pluggable backoff
// policies and an injectable sleeper.
//
// The central entry points are [Do] and [DoWithCheck], which run a fallible
// operation under an [Executor]. After each attempt the executor classifies
// the outcome (returned error vs. returned value) and asks the configured
// [Policy] whether and when to try again. Sleeping is delegated to a
// [Sleeper] so tests can run against a virtual clock.
//
// All types are safe for concurrent use.
package retry

import (
	"math/rand"
	"strings"
	"time"
)

// maxExponent clamps the backoff exponent so base<<attempt cannot overflow.
const maxExponent = 30

// Outcome describes the result of one attempt as seen by a [Policy].
// Exactly one of Err or the value fields is meaningful: a non-nil Err marks a
// fault outcome; otherwise the attempt produced a value the caller's success
// check rejected.
type Outcome struct {
	// Err is the fault from the attempt, nil for value outcomes.
	Err error

	// StatusCode is the HTTP-like status carried by a value outcome, 0 when
	// the value carries none.
	StatusCode int

	// RetryAfter is a provider-supplied wait hint, 0 when absent.
	RetryAfter time.Duration
}

// Decision is a policy's answer for one attempt.
type Decision struct {
	// Retry reports whether another attempt should be made.
	Retry bool

	// Delay is how long to wait before the next attempt. Always >= 0 and only
	// meaningful when Retry is true.
	Delay time.Duration
}

// Policy decides whether a failed attempt is retried and how long to wait.
type Policy interface {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries() int

	// Decide classifies the outcome of attempt (0-based) and returns whether
	// to retry and the pre-sleep delay.
	Decide(attempt int, outcome Outcome) Decision
}

// ExponentialConfig holds tuning knobs for [NewExponentialPolicy].
type ExponentialConfig struct {
	// MaxRetries is the retry count after the first attempt. Default: 3.
	MaxRetries int

	// BaseDelay is the first retry delay; subsequent delays double.
	// Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps every computed delay, including provider hints.
	// Default: 30s.
	MaxDelay time.Duration

	// JitterFactor applies symmetric jitter of ±(delay*JitterFactor).
	// Zero disables jitter.
	JitterFactor float64

	// RetryStatuses is the allow-list of value status codes that are retried.
	// When nil, 429 and all 5xx codes are retried.
	RetryStatuses []int
}

// ExponentialPolicy implements [Policy] with capped exponential backoff,
// optional jitter, and precedence for provider retry-after hints.
//
// Fault outcomes are retried only when the error message matches a curated
// set of transient-network phrases. This is a deliberately conservative
// heuristic, not a guarantee.
type ExponentialPolicy struct {
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	jitterFactor  float64
	retryStatuses map[int]bool // nil means the 429 + 5xx default
}

var _ Policy = (*ExponentialPolicy)(nil)

// transientPhrases are error-message fragments treated as transient network
// failures worth retrying.
var transientPhrases = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"bad gateway",
	"gateway timeout",
	"service unavailable",
	"temporarily unavailable",
	"unexpected eof",
}

// NewExponentialPolicy creates an [ExponentialPolicy] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewExponentialPolicy(cfg ExponentialConfig) *ExponentialPolicy {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	p := &ExponentialPolicy{
		maxRetries:   cfg.MaxRetries,
		baseDelay:    cfg.BaseDelay,
		maxDelay:     cfg.MaxDelay,
		jitterFactor: cfg.JitterFactor,
	}
	if cfg.RetryStatuses != nil {
		p.retryStatuses = make(map[int]bool, len(cfg.RetryStatuses))
		for _, s := range cfg.RetryStatuses {
			p.retryStatuses[s] = true
		}
	}
	return p
}

// DefaultPolicy returns the standard policy used for provider calls:
// 3 retries, 1s base, 30s cap, 20% jitter.
func DefaultPolicy() *ExponentialPolicy {
	return NewExponentialPolicy(ExponentialConfig{JitterFactor: 0.2})
}

// RateLimitOnlyPolicy returns a stricter preset that retries solely on 429
// responses, for contracts where server errors must surface immediately.
func RateLimitOnlyPolicy() *ExponentialPolicy {
	return NewExponentialPolicy(ExponentialConfig{
		MaxRetries:    5,
		BaseDelay:     2 * time.Second,
		MaxDelay:      60 * time.Second,
		JitterFactor:  0.2,
		RetryStatuses: []int{429},
	})
}

// AggressivePolicy returns a low-latency preset with short delays and a tight
// cap, for interactive paths that prefer failing fast.
func AggressivePolicy() *ExponentialPolicy {
	return NewExponentialPolicy(ExponentialConfig{
		MaxRetries:   2,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0.1,
	})
}

// MaxRetries implements [Policy].
func (p *ExponentialPolicy) MaxRetries() int { return p.maxRetries }

// Decide implements [Policy].
func (p *ExponentialPolicy) Decide(attempt int, outcome Outcome) Decision {
	if attempt >= p.maxRetries {
		return Decision{}
	}
	if !p.retryable(outcome) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.delay(attempt, outcome.RetryAfter)}
}

// retryable classifies one outcome.
func (p *ExponentialPolicy) retryable(outcome Outcome) bool {
	if outcome.Err != nil {
		msg := strings.ToLower(outcome.Err.Error())
		for _, phrase := range transientPhrases {
			if strings.Contains(msg, phrase) {
				return true
			}
		}
		return false
	}
	if p.retryStatuses != nil {
		return p.retryStatuses[outcome.StatusCode]
	}
	return outcome.StatusCode == 429 || (outcome.StatusCode >= 500 && outcome.StatusCode <= 599)
}

// delay computes the pre-sleep wait for attempt. A positive retryAfter hint
// takes precedence over the exponential schedule; both are capped at
// MaxDelay, and the jittered result is clamped to [0, MaxDelay].
func (p *ExponentialPolicy) delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, p.maxDelay)
	}

	exp := min(attempt, maxExponent)
	d := p.baseDelay << exp
	if d <= 0 || d > p.maxDelay {
		d = p.maxDelay
	}

	if p.jitterFactor > 0 {
		jitter := time.Duration((rand.Float64()*2 - 1) * p.jitterFactor * float64(d))
		d += jitter
		if d < 0 {
			d = 0
		}
		if d > p.maxDelay {
			d = p.maxDelay
		}
	}
	return d
}
