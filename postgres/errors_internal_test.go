package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/timeline"
)

func TestStorageErrorClassification(t *testing.T) {
	retryable := []error{
		&pgconn.PgError{Code: "40001"},
		&pgconn.PgError{Code: "40P01"},
		&pgconn.PgError{Code: "23505"},
		&pgconn.PgError{Code: "08006"},
		fmt.Errorf("read: %w", io.ErrUnexpectedEOF),
	}
	for _, err := range retryable {
		assert.True(t, timeline.IsRetryable(storageError("op", err)), err)
	}

	key := timeline.NewEntityKey("Orders", uuid.New())
	permanent := []error{
		&pgconn.PgError{Code: "42P01"},
		&pgconn.PgError{Code: ""},
		&timeline.ConflictError{Key: key},
		ErrClosed,
		errors.New("boom"),
	}
	for _, err := range permanent {
		res := storageError("op", err)
		assert.False(t, timeline.IsRetryable(res), err)
		assert.ErrorIs(t, res, err)
	}

	for _, code := range []string{"22021", "22P05"} {
		res := storageError("op", &pgconn.PgError{Code: code})
		assert.ErrorIs(t, res, timeline.ErrInvalidArgument, code)
		assert.False(t, timeline.IsRetryable(res), code)
	}

	assert.Equal(t, context.Canceled,
		storageError("op", context.Canceled),
	)
}

func TestUpSection(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a ();\n-- +migrate Down\nDROP TABLE a;"
	assert.Equal(t, "\nCREATE TABLE a ();\n", upSection(content))
	assert.Equal(t, "SELECT 1", upSection("SELECT 1"))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TIMELINE_POSTGRES_DSN", "postgres://db.internal/orders")
	t.Setenv("TIMELINE_POSTGRES_MAX_CONNS", "4")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db.internal/orders", cfg.DSN)
	assert.Equal(t, int32(4), cfg.MaxConns)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
}

func TestOpenInvalidDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = "postgres://%zz"
	_, err := Open(context.Background(), cfg)
	assert.ErrorIs(t, err, timeline.ErrInvalidArgument)
}
