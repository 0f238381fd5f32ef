package timeline_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kode4food/timeline"
	"github.com/kode4food/timeline/storetest"
)

func newMemoryStore(t *testing.T) timeline.Store {
	return timeline.NewMemoryStore(timeline.DefaultConfig())
}

func TestMemoryStoreConformance(t *testing.T) {
	storetest.Run(t, newMemoryStore)
}

func TestMemoryStoreShared(t *testing.T) {
	store := timeline.NewMemoryStore(timeline.DefaultConfig())
	storetest.RunDurable(t, func(*testing.T) timeline.Store {
		return store
	})
}

func TestMemoryStorePayloadLimit(t *testing.T) {
	cfg := timeline.DefaultConfig()
	cfg.MaxPayloadSize = 4
	store := timeline.NewMemoryStore(cfg)
	ctx := context.Background()
	key := timeline.NewEntityKey("Orders", uuid.New())

	assert.NoError(t, store.PersistEvent(ctx, key, 0, []byte("four")))
	err := store.PersistEvent(ctx, key, 1, []byte("fives"))
	assert.ErrorIs(t, err, timeline.ErrInvalidArgument)
	err = store.PersistSnapshot(ctx, key, 0, []byte("fives"))
	assert.ErrorIs(t, err, timeline.ErrInvalidArgument)

	stats, err := store.GetStatistics(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), *stats.GreatestEventID)
	assert.Nil(t, stats.GreatestSnapshotID)
}

func TestMemoryStoreUnlimitedPayload(t *testing.T) {
	cfg := timeline.DefaultConfig()
	cfg.MaxPayloadSize = 0
	store := timeline.NewMemoryStore(cfg)
	key := timeline.NewEntityKey("Orders", uuid.New())

	data := make([]byte, timeline.DefaultMaxPayloadSize+1)
	err := store.PersistEvent(context.Background(), key, 0, data)
	assert.NoError(t, err)
}

func TestMemoryStoreEmptyPayload(t *testing.T) {
	store := timeline.NewMemoryStore(timeline.DefaultConfig())
	ctx := context.Background()
	key := timeline.NewEntityKey("Orders", uuid.New())

	require.NoError(t, store.PersistEvent(ctx, key, 0, nil))
	require.NoError(t, store.PersistEvent(ctx, key, 0, []byte{}))

	data, err := store.GetEvent(ctx, key, 0)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestMemoryStoreLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	store := timeline.NewMemoryStore(timeline.DefaultConfig(),
		timeline.WithLogger(zap.New(core)),
	)
	ctx := context.Background()
	key := timeline.NewEntityKey("Orders", uuid.New())

	require.NoError(t, store.PersistEvent(ctx, key, 0, []byte("first")))
	require.NoError(t, store.PersistSnapshot(ctx, key, 0, []byte("state")))
	err := store.PersistEvent(ctx, key, 0, []byte("other"))
	assert.ErrorIs(t, err, timeline.ErrConflict)

	assert.Equal(t, 1, logs.FilterMessage("Event committed").Len())
	assert.Equal(t, 1, logs.FilterMessage("Snapshot committed").Len())

	conflicts := logs.FilterMessage("Rejected conflicting write").All()
	if assert.Len(t, conflicts, 1) {
		assert.Equal(t, zapcore.WarnLevel, conflicts[0].Level)
	}
}
