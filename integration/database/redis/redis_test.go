package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/integration/database/redis"
)

func TestConnectValidation(t *testing.T) {
	t.Parallel()

	t.Run("empty connection URL", func(t *testing.T) {
		t.Parallel()
		_, err := redis.Connect(context.Background(), redis.Config{})
		require.ErrorIs(t, err, redis.ErrEmptyConnectionURL)
	})

	t.Run("malformed connection URL", func(t *testing.T) {
		t.Parallel()
		_, err := redis.Connect(context.Background(), redis.Config{
			ConnectionURL:  "not-a-redis-url",
			ConnectTimeout: time.Second,
		})
		require.ErrorIs(t, err, redis.ErrFailedToParseRedisConnString)
	})

	t.Run("unreachable server", func(t *testing.T) {
		t.Parallel()
		_, err := redis.Connect(context.Background(), redis.Config{
			ConnectionURL:  "redis://127.0.0.1:1/0",
			RetryInterval:  time.Millisecond,
			ConnectTimeout: 5 * time.Second,
		})
		require.ErrorIs(t, err, redis.ErrRedisNotReady)
	})
}

func TestHealthcheckNilClient(t *testing.T) {
	t.Parallel()

	check := redis.Healthcheck(nil)
	require.ErrorIs(t, check(context.Background()), redis.ErrHealthcheckFailed)
}
