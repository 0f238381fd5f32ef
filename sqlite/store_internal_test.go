package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/timeline"
)

func TestReadsDoNotWaitForWriter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "timeline.sqlite")
	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	key := timeline.NewEntityKey("Orders", uuid.New())
	require.NoError(t, store.PersistEvent(ctx, key, 0, []byte("placed")))

	// occupy the only writer connection
	tx, err := store.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	data, err := store.GetEvent(readCtx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("placed"), data)

	stats, err := store.GetStatistics(readCtx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), *stats.GreatestEventID)
}

func TestReaderIsQueryOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "timeline.sqlite")
	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.reader.Exec("DELETE FROM timeline_events")
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BusyTimeout = 250 * time.Millisecond

	writer := dsn("/tmp/t.sqlite", cfg, false)
	assert.Contains(t, writer, "busy_timeout(250)")
	assert.Contains(t, writer, "_txlock=immediate")
	assert.NotContains(t, writer, "query_only")

	reader := dsn("/tmp/t.sqlite", cfg, true)
	assert.Contains(t, reader, "_pragma=query_only(1)")
	assert.NotContains(t, reader, "_txlock")
}
