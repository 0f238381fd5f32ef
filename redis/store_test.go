package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kode4food/timeline"
	"github.com/kode4food/timeline/redis"
	"github.com/kode4food/timeline/storetest"
)

func testConfig(server *miniredis.Miniredis) redis.Config {
	cfg := redis.DefaultConfig()
	cfg.Addr = server.Addr()
	cfg.Prefix = "test"
	return cfg
}

func openStore(t *testing.T, server *miniredis.Miniredis) *redis.Store {
	store, err := redis.Open(context.Background(), testConfig(server),
		timeline.WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) timeline.Store {
		return openStore(t, miniredis.RunT(t))
	})
}

func TestDurable(t *testing.T) {
	server := miniredis.RunT(t)
	storetest.RunDurable(t, func(t *testing.T) timeline.Store {
		return openStore(t, server)
	})
}

func TestKeyLayout(t *testing.T) {
	server := miniredis.RunT(t)
	store := openStore(t, server)
	ctx := context.Background()
	key := timeline.NewEntityKey("Orders", uuid.New())

	require.NoError(t, store.PersistEvent(ctx, key, 0, []byte("placed")))
	require.NoError(t, store.PersistSnapshot(ctx, key, 0, []byte("state")))

	base := "test:Orders:" + key.ID.String()
	assert.Equal(t, "placed", server.HGet(base+":events", "0"))
	assert.Equal(t, "state", server.HGet(base+":snapshots", "0"))
	assert.Equal(t, "0", server.HGet(base+":stats", "event"))
	assert.Equal(t, "0", server.HGet(base+":stats", "snapshot"))
}

func TestPrefixIsolation(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()
	key := timeline.NewEntityKey("Orders", uuid.New())

	first := openStore(t, server)
	cfg := testConfig(server)
	cfg.Prefix = "other"
	second, err := redis.Open(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	require.NoError(t, first.PersistEvent(ctx, key, 0, []byte("a")))
	stats, err := second.GetStatistics(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, stats.GreatestEventID)
}

func TestOpenFailure(t *testing.T) {
	server := miniredis.RunT(t)
	cfg := testConfig(server)
	server.Close()

	_, err := redis.Open(context.Background(), cfg)
	assert.Error(t, err)
	assert.True(t, timeline.IsRetryable(err))
}

func TestServerErrors(t *testing.T) {
	server := miniredis.RunT(t)
	store := openStore(t, server)
	ctx := context.Background()
	key := timeline.NewEntityKey("Orders", uuid.New())

	server.SetError("LOADING Redis is loading the dataset in memory")
	_, err := store.GetEvent(ctx, key, 0)
	assert.True(t, timeline.IsRetryable(err))

	server.SetError("ERR unknown failure")
	_, err = store.GetStatistics(ctx, key)
	assert.Error(t, err)
	assert.False(t, timeline.IsRetryable(err))

	server.SetError("")
	_, err = store.GetStatistics(ctx, key)
	assert.NoError(t, err)
}

func TestCorruptTimeline(t *testing.T) {
	server := miniredis.RunT(t)
	store := openStore(t, server)
	ctx := context.Background()
	key := timeline.NewEntityKey("Orders", uuid.New())
	stats := "test:Orders:" + key.ID.String() + ":stats"

	server.HSet(stats, "event", "three")
	_, err := store.GetStatistics(ctx, key)
	assert.ErrorIs(t, err, redis.ErrCorruptTimeline)

	server.HSet(stats, "event", "3")
	err = store.PersistEvent(ctx, key, 2, []byte("lost"))
	assert.ErrorIs(t, err, redis.ErrCorruptTimeline)
}

func TestClose(t *testing.T) {
	server := miniredis.RunT(t)
	store, err := redis.Open(context.Background(), testConfig(server))
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())

	key := timeline.NewEntityKey("Orders", uuid.New())
	_, err = store.GetEvent(context.Background(), key, 0)
	assert.Error(t, err)
	assert.False(t, timeline.IsRetryable(err))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TIMELINE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("TIMELINE_REDIS_PREFIX", "orders")
	t.Setenv("TIMELINE_MAX_PAYLOAD_SIZE", "2048")

	cfg, err := redis.ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Addr)
	assert.Equal(t, "orders", cfg.Prefix)
	assert.Equal(t, 2048, cfg.MaxPayloadSize)
	assert.Equal(t, redis.DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, timeline.DefaultCacheSize, cfg.CacheSize)
}
