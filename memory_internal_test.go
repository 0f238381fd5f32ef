package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreKeysDoNotContend(t *testing.T) {
	store := NewMemoryStore(DefaultConfig())
	ctx := context.Background()
	busy := NewEntityKey("Orders", uuid.New())
	idle := NewEntityKey("Orders", uuid.New())

	tl := store.timeline(busy)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		if err := store.PersistEvent(ctx, idle, 0, []byte("a")); err != nil {
			done <- err
			return
		}
		_, err := store.GetEvent(ctx, idle, 0)
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write to an idle key blocked behind a busy key")
	}
}

func TestMemoryStoreKeyBlocksItself(t *testing.T) {
	store := NewMemoryStore(DefaultConfig())
	ctx := context.Background()
	key := NewEntityKey("Orders", uuid.New())

	tl := store.timeline(key)
	tl.mu.Lock()

	done := make(chan error, 1)
	go func() {
		done <- store.PersistEvent(ctx, key, 0, []byte("a"))
	}()

	select {
	case <-done:
		t.Fatal("write completed while the key was locked")
	case <-time.After(50 * time.Millisecond):
	}

	tl.mu.Unlock()
	require.NoError(t, <-done)
	assert.Len(t, tl.events, 1)
}

func TestMemoryStoreRejectedWritesLeaveNoState(t *testing.T) {
	store := NewMemoryStore(DefaultConfig())
	ctx := context.Background()

	for range 100 {
		key := NewEntityKey("Orders", uuid.New())
		err := store.PersistEvent(ctx, key, 5, []byte("gap"))
		assert.ErrorIs(t, err, ErrInvalidArgument)
		err = store.PersistSnapshot(ctx, key, 2, []byte("ahead"))
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}

	count := 0
	store.timelines.Range(func(any, any) bool {
		count++
		return true
	})
	assert.Zero(t, count)

	key := NewEntityKey("Orders", uuid.New())
	require.NoError(t, store.PersistSnapshot(ctx, key, NoEvents, []byte("s")))
	require.NoError(t, store.PersistEvent(ctx, key, 0, []byte("e")))
	_, ok := store.lookup(key)
	assert.True(t, ok)
}
