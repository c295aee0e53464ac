//go:build integration

package guard

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisGuard(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	runLimiterSuite(t, func(t *testing.T, clock *fakeClock) Limiter {
		g, err := NewRedis(client, testConfig(),
			WithRedisClock(clock.Now),
			WithKeyPrefix("test:"+t.Name()+":"),
		)
		require.NoError(t, err)
		return g
	})

	t.Run("server clock", func(t *testing.T) {
		cfg := testConfig()
		g, err := NewRedis(client, cfg, WithKeyPrefix("test:server-clock:"))
		require.NoError(t, err)

		serverNow, err := client.Time(ctx).Result()
		require.NoError(t, err)
		d, err := g.Admit(ctx, "203.0.113.1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.WithinDuration(t, serverNow.Add(cfg.Window), d.WindowResetAt, 2*time.Second)

		for i := 0; i < cfg.Threshold; i++ {
			d, err = g.Admit(ctx, "203.0.113.1")
			require.NoError(t, err)
		}
		require.True(t, d.Locked)
		d, err = g.Admit(ctx, "203.0.113.1")
		require.NoError(t, err)
		require.False(t, d.Allowed)
		require.Greater(t, d.RetryAfter, time.Duration(0))
		require.LessOrEqual(t, d.RetryAfter, cfg.Lockout)
	})

	_, err = NewRedis(nil, testConfig())
	require.Error(t, err)
}
