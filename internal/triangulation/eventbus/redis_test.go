package eventbus

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

func redisBus(t *testing.T) *RedisBus {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	stream := "test:evidence:" + uuid.NewString()
	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), stream, stream+":dead").Err()
		_ = rdb.Close()
	})
	b, err := NewRedisBus(logger.NewNop(), rdb, RedisConfig{
		Stream:        stream,
		Block:         50 * time.Millisecond,
		ClaimIdle:     100 * time.Millisecond,
		MaxDeliveries: 2,
	})
	require.NoError(t, err)
	return b
}

func TestRedisBusAcksOnlyAfterSuccess(t *testing.T) {
	b := redisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var done atomic.Bool
	go func() {
		_ = b.Subscribe(ctx, "coordinator", "c1", func(_ context.Context, ev evidence.Event) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			assert.Equal(t, "analyze-file:a.go", ev.JobID)
			done.Store(true)
			return nil
		})
	}()

	require.NoError(t, b.Publish(ctx, event("analyze-file:a.go")))
	require.Eventually(t, done.Load, 5*time.Second, 20*time.Millisecond)

	pending, err := b.rdb.XPending(ctx, b.cfg.Stream, "coordinator").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisBusDeadLettersAfterMaxDeliveries(t *testing.T) {
	b := redisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = b.Subscribe(ctx, "coordinator", "c1", func(context.Context, evidence.Event) error {
			return errors.New("always")
		})
	}()
	require.NoError(t, b.Publish(ctx, event("analyze-file:a.go")))

	require.Eventually(t, func() bool {
		n, err := b.rdb.XLen(ctx, b.cfg.DeadStream).Result()
		return err == nil && n == 1
	}, 10*time.Second, 50*time.Millisecond)
}
