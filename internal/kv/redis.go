package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time assertion that Redis satisfies the Store interface.
var _ Store = (*Redis)(nil)

// Redis is the production [Store] backed by a shared Redis instance. All
// operations map to single Redis commands, so the atomicity guarantees
// (SETNX for Add, GETDEL for GetDel) hold across processes.
type Redis struct {
	rdb redis.UniversalClient
}

// NewRedis wraps an already-connected go-redis client.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

// Get implements [Store.Get].
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %q: %w", key, err)
	}
	return val, true, nil
}

// Set implements [Store.Set].
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return nil
}

// Add implements [Store.Add].
func (r *Redis) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: add %q: %w", key, err)
	}
	return ok, nil
}

// GetDel implements [Store.GetDel].
func (r *Redis) GetDel(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: getdel %q: %w", key, err)
	}
	return val, true, nil
}

// Delete implements [Store.Delete].
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: delete %q: %w", key, err)
	}
	return nil
}

// Ping verifies connectivity, for readiness checks.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv: redis ping: %w", err)
	}
	return nil
}
