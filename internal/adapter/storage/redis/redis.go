package redis

import (
	"context"
	"fmt"
	"time"

	"asset-ledger/config"
	"asset-ledger/pkg/retry"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewClient creates a Redis client and waits, under policy, until it
// answers PING. Redis only backs fast paths, but a client that never
// connected would silently degrade every request.
func NewClient(ctx context.Context, cfg config.RedisConfig, policy retry.Policy, log zerolog.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	err := policy.Do(ctx, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, func(err error, attempt int, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("Redis not reachable yet")
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Msg("Redis connection established")

	return client, nil
}
