// Package cache holds the Redis-backed cache shared by all API processes
// and the device identity cache layered on top of it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"mabletask/telemetry/logging"
	"mabletask/telemetry/metrics"
	"mabletask/telemetry/models"
)

const (
	invalidateTimeout = 2 * time.Second
	refreshTimeout    = 30 * time.Second
	scanBatch         = 100
)

// Shared is a JSON cache in Redis. A nil client turns every lookup into a
// miss and every write into a no-op.
type Shared struct {
	rdb   redis.UniversalClient
	group singleflight.Group
	now   func() time.Time
}

func NewShared(rdb redis.UniversalClient) *Shared {
	return &Shared{rdb: rdb, now: time.Now}
}

func (s *Shared) Enabled() bool {
	return s != nil && s.rdb != nil
}

// GetJSON loads key into dest. It reports false on a miss.
func (s *Shared) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w: %v", key, models.ErrBackendUnavailable, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Shared) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w: %v", key, models.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *Shared) Delete(ctx context.Context, keys ...string) error {
	if !s.Enabled() || len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w: %v", models.ErrBackendUnavailable, err)
	}
	return nil
}

// DeleteByPrefix removes every key starting with prefix and returns how
// many were deleted.
func (s *Shared) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache scan %s*: %w: %v", prefix, models.ErrBackendUnavailable, err)
		}
		if len(keys) > 0 {
			n, err := s.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("cache delete %s*: %w: %v", prefix, models.ErrBackendUnavailable, err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// InvalidatePrefixAsync deletes prefix* in the background. Failures are
// logged and otherwise ignored; entries then expire by TTL.
func (s *Shared) InvalidatePrefixAsync(prefix string) {
	if !s.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
		defer cancel()
		if _, err := s.DeleteByPrefix(ctx, prefix); err != nil {
			logging.Debug().Err(err).Str("prefix", prefix).Msg("cache invalidation failed")
		}
	}()
}

type envelope[T any] struct {
	Value      T         `json:"v"`
	FreshUntil time.Time `json:"freshUntil"`
}

// GetOrSet serves key from the cache, calling fetch on a miss. Entries are
// fresh for ttl and kept for another ttl as stale values: a stale hit is
// returned immediately while one background fetch replaces it. Concurrent
// misses for the same key share a single fetch.
func GetOrSet[T any](ctx context.Context, s *Shared, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if !s.Enabled() {
		return fetch(ctx)
	}

	var env envelope[T]
	found, err := s.GetJSON(ctx, key, &env)
	if err != nil {
		logging.Debug().Err(err).Str("key", key).Msg("cache read failed, fetching")
	}

	if found {
		if s.now().Before(env.FreshUntil) {
			metrics.RecordCache("shared", "hit")
			return env.Value, nil
		}
		metrics.RecordCache("shared", "stale")
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()
			if _, err := refresh(rctx, s, key, ttl, fetch); err != nil {
				logging.Debug().Err(err).Str("key", key).Msg("background refresh failed, keeping stale value")
			}
		}()
		return env.Value, nil
	}

	metrics.RecordCache("shared", "miss")
	return refresh(ctx, s, key, ttl, fetch)
}

func refresh[T any](ctx context.Context, s *Shared, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		val, err := fetch(ctx)
		if err != nil {
			return val, err
		}
		env := envelope[T]{Value: val, FreshUntil: s.now().Add(ttl)}
		if err := s.SetJSON(ctx, key, env, 2*ttl); err != nil {
			logging.Debug().Err(err).Str("key", key).Msg("cache write failed")
		}
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
