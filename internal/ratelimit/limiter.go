// Package ratelimit provides a fixed-window per-user rate limiter over the
// shared key/value store.
//
// The primary entry point is [Limiter.CheckAndIncrement], which is atomic
// under concurrent callers sharing the same backing store: a short-lived
// advisory lock keyed per user serialises the read-check-increment sequence.
// The limiter deliberately fails open — if the lock cannot be acquired within
// its retry budget, or the store itself errors, the request is admitted.
// Availability beats strictness for a low-stakes limiter.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/merchkit/clerkd/internal/kv"
)

const (
	bucketKeyPrefix = "ratelimit:bucket:"
	lockKeyPrefix   = "ratelimit:lock:"
)

// bucket is the persisted per-user window state. Count only increases within
// a window; a window older than its duration is treated as absent and reset
// lazily on next access.
type bucket struct {
	WindowStart int64 `json:"window_start"` // unix milliseconds
	Count       int   `json:"count"`
}

// Config holds tuning knobs for a [Limiter].
type Config struct {
	// Limit is the number of requests admitted per window. Default: 30.
	Limit int

	// Window is the fixed window duration. Default: 1m.
	Window time.Duration

	// LockTTL bounds how long a crashed holder can keep a user's lock.
	// Default: 2s.
	LockTTL time.Duration

	// LockAttempts is how many times acquisition is tried before failing
	// open. Default: 5.
	LockAttempts int

	// LockDelay is the fixed pause between acquisition attempts.
	// Default: 10ms.
	LockDelay time.Duration
}

// Limiter enforces a per-user request quota. Safe for concurrent use; bucket
// state lives in the shared store, and the quota itself may be swapped at
// runtime via [Limiter.SetConfig].
type Limiter struct {
	store kv.Store

	mu     sync.RWMutex
	limit  int
	window time.Duration

	lockTTL      time.Duration
	lockAttempts int
	lockDelay    time.Duration

	now func() time.Time
	log *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Limiter)

// WithNow replaces the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// New creates a [Limiter] over store. Zero-value config fields are replaced
// with defaults.
func New(store kv.Store, cfg Config, opts ...Option) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 30
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Second
	}
	if cfg.LockAttempts <= 0 {
		cfg.LockAttempts = 5
	}
	if cfg.LockDelay <= 0 {
		cfg.LockDelay = 10 * time.Millisecond
	}
	l := &Limiter{
		store:        store,
		limit:        cfg.Limit,
		window:       cfg.Window,
		lockTTL:      cfg.LockTTL,
		lockAttempts: cfg.LockAttempts,
		lockDelay:    cfg.LockDelay,
		now:          time.Now,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetConfig swaps the quota applied to subsequent requests. Zero-value fields
// fall back to the same defaults as [New]. Lock tuning fields are ignored;
// they are fixed at construction.
func (l *Limiter) SetConfig(cfg Config) {
	if cfg.Limit <= 0 {
		cfg.Limit = 30
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	l.mu.Lock()
	l.limit = cfg.Limit
	l.window = cfg.Window
	l.mu.Unlock()
}

// quota returns a consistent snapshot of the current limit and window.
func (l *Limiter) quota() (int, time.Duration) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limit, l.window
}

// CheckAndIncrement admits or rejects one request for userID, atomically
// incrementing the user's bucket on admission. It returns false only when the
// bucket is provably at its limit; lock contention and store failures admit
// the request.
func (l *Limiter) CheckAndIncrement(ctx context.Context, userID string) bool {
	if !l.acquireLock(ctx, userID) {
		l.log.Warn("rate limiter lock not acquired, failing open", "user_id", userID)
		return true
	}
	// Release unconditionally so a failure in between never leaves the user
	// permanently locked out.
	defer l.releaseLock(ctx, userID)

	b, err := l.loadBucket(ctx, userID)
	if err != nil {
		l.log.Warn("rate limiter bucket read failed, failing open", "user_id", userID, "err", err)
		return true
	}

	limit, _ := l.quota()
	if b.Count >= limit {
		return false
	}

	b.Count++
	if err := l.saveBucket(ctx, userID, b); err != nil {
		l.log.Warn("rate limiter bucket write failed", "user_id", userID, "err", err)
	}
	return true
}

// Check reports whether userID is currently under its limit without
// incrementing. Paired with [Limiter.Increment] it tolerates a narrow
// read-then-write race in exchange for skipping the lock.
func (l *Limiter) Check(ctx context.Context, userID string) bool {
	b, err := l.loadBucket(ctx, userID)
	if err != nil {
		l.log.Warn("rate limiter bucket read failed, failing open", "user_id", userID, "err", err)
		return true
	}
	limit, _ := l.quota()
	return b.Count < limit
}

// Increment records one request for userID without checking the limit.
func (l *Limiter) Increment(ctx context.Context, userID string) {
	b, err := l.loadBucket(ctx, userID)
	if err != nil {
		l.log.Warn("rate limiter bucket read failed", "user_id", userID, "err", err)
		return
	}
	b.Count++
	if err := l.saveBucket(ctx, userID, b); err != nil {
		l.log.Warn("rate limiter bucket write failed", "user_id", userID, "err", err)
	}
}

// RetryAfter returns how long userID should wait before the current window
// rolls over. The result is never below one second and is identical for the
// locked and unlocked paths given the same bucket state.
func (l *Limiter) RetryAfter(ctx context.Context, userID string) time.Duration {
	b, err := l.loadBucket(ctx, userID)
	if err != nil {
		return time.Second
	}
	_, window := l.quota()
	elapsed := l.now().Sub(time.UnixMilli(b.WindowStart))
	remaining := window - elapsed
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}

// loadBucket reads the user's bucket, lazily resetting it when absent or when
// its window has expired.
func (l *Limiter) loadBucket(ctx context.Context, userID string) (bucket, error) {
	fresh := bucket{WindowStart: l.now().UnixMilli()}

	data, ok, err := l.store.Get(ctx, bucketKeyPrefix+userID)
	if err != nil {
		return fresh, err
	}
	if !ok {
		return fresh, nil
	}

	var b bucket
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		// A corrupt bucket is treated as absent.
		return fresh, nil
	}
	_, window := l.quota()
	if l.now().Sub(time.UnixMilli(b.WindowStart)) >= window {
		return fresh, nil
	}
	return b, nil
}

// saveBucket persists the bucket with enough TTL to outlive its window.
func (l *Limiter) saveBucket(ctx context.Context, userID string, b bucket) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, window := l.quota()
	return l.store.Set(ctx, bucketKeyPrefix+userID, string(data), window*2)
}

// acquireLock tries to take the user's advisory lock within the configured
// retry budget.
func (l *Limiter) acquireLock(ctx context.Context, userID string) bool {
	for attempt := 0; attempt < l.lockAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(l.lockDelay):
			case <-ctx.Done():
				return false
			}
		}
		ok, err := l.store.Add(ctx, lockKeyPrefix+userID, "1", l.lockTTL)
		if err != nil {
			l.log.Warn("rate limiter lock attempt failed", "user_id", userID, "err", err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// releaseLock drops the user's advisory lock.
func (l *Limiter) releaseLock(ctx context.Context, userID string) {
	if err := l.store.Delete(ctx, lockKeyPrefix+userID); err != nil {
		l.log.Warn("rate limiter lock release failed", "user_id", userID, "err", err)
	}
}
