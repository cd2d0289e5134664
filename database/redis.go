package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mabletask/telemetry/logging"
)

// NewRedis opens a client from a redis:// URL and checks it answers.
// The client is still returned when the ping fails so the queue and cache
// can report ErrBackendUnavailable themselves.
func NewRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logging.Warn().Err(err).Str("addr", opts.Addr).Msg("redis not reachable, continuing degraded")
		return client, nil
	}

	logging.Info().Str("addr", opts.Addr).Msg("connected to Redis")
	return client, nil
}
