//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"

	"github.com/kode4food/timeline"
	"github.com/kode4food/timeline/postgres"
	"github.com/kode4food/timeline/storetest"
)

var testDSN string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	testDSN = os.Getenv("TIMELINE_POSTGRES_DSN")
	if testDSN != "" {
		return m.Run()
	}

	ctx := context.Background()
	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("timeline"),
		tcpostgres.WithUsername("timeline"),
		tcpostgres.WithPassword("timeline"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot start postgres: %v\n", err)
		return m.Run()
	}
	defer func() { _ = pg.Terminate(ctx) }()

	if testDSN, err = pg.ConnectionString(ctx, "sslmode=disable"); err != nil {
		fmt.Fprintf(os.Stderr, "cannot build postgres dsn: %v\n", err)
		return 1
	}
	return m.Run()
}

func openStore(t *testing.T) *postgres.Store {
	if testDSN == "" {
		t.Skip("skip: no postgres available")
	}
	cfg := postgres.DefaultConfig()
	cfg.DSN = testDSN
	store, err := postgres.Open(context.Background(), cfg,
		timeline.WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) timeline.Store {
		return openStore(t)
	})
}

func TestDurable(t *testing.T) {
	storetest.RunDurable(t, func(t *testing.T) timeline.Store {
		return openStore(t)
	})
}

func TestClosedStore(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	key := timeline.NewEntityKey("Orders", uuid.New())
	err := store.PersistEvent(context.Background(), key, 0, []byte("a"))
	assert.ErrorIs(t, err, postgres.ErrClosed)
	assert.False(t, timeline.IsRetryable(err))
}
