package timeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kode4food/timeline"
)

func TestErrorMessages(t *testing.T) {
	id := uuid.MustParse("5b6c1a4e-8f0e-4c55-9d1c-3ab2e0f7c001")
	key := timeline.NewEntityKey("Orders", id)

	nf := &timeline.NotFoundError{Key: key, Kind: timeline.KindEvent, ID: 3}
	assert.Equal(t,
		"event 3 not found for Orders/5b6c1a4e-8f0e-4c55-9d1c-3ab2e0f7c001",
		nf.Error(),
	)

	ce := &timeline.ConflictError{Key: key, Kind: timeline.KindSnapshot, ID: 1}
	assert.Contains(t, ce.Error(), "snapshot 1 already committed")

	ia := &timeline.InvalidArgumentError{Field: "id", Reason: "bad"}
	assert.Equal(t, "invalid id: bad", ia.Error())

	te := &timeline.TransientError{Op: "get event", Err: errors.New("down")}
	assert.Equal(t, "get event: down", te.Error())
}

func TestErrorSentinels(t *testing.T) {
	key := timeline.NewEntityKey("Orders", uuid.New())
	cases := []struct {
		err      error
		sentinel error
	}{
		{&timeline.NotFoundError{Key: key}, timeline.ErrNotFound},
		{&timeline.ConflictError{Key: key}, timeline.ErrConflict},
		{&timeline.InvalidArgumentError{}, timeline.ErrInvalidArgument},
		{&timeline.TransientError{Err: errors.New("x")}, timeline.ErrTransient},
	}
	for _, c := range cases {
		wrapped := fmt.Errorf("outer: %w", c.err)
		assert.ErrorIs(t, wrapped, c.sentinel)
		for _, other := range cases {
			if other.sentinel != c.sentinel {
				assert.NotErrorIs(t, wrapped, other.sentinel)
			}
		}
	}
}

func TestRecordKindString(t *testing.T) {
	assert.Equal(t, "event", timeline.KindEvent.String())
	assert.Equal(t, "snapshot", timeline.KindSnapshot.String())
	assert.Equal(t, "kind(7)", timeline.RecordKind(7).String())
}

func TestTransient(t *testing.T) {
	assert.NoError(t, timeline.Transient("op", nil))

	cause := errors.New("connection reset")
	err := timeline.Transient("persist event", cause)
	assert.True(t, timeline.IsRetryable(err))
	assert.ErrorIs(t, err, cause)

	assert.Same(t, err, timeline.Transient("again", err))

	assert.Equal(t, context.Canceled,
		timeline.Transient("op", context.Canceled),
	)
	deadline := fmt.Errorf("dial: %w", context.DeadlineExceeded)
	assert.False(t, timeline.IsRetryable(timeline.Transient("op", deadline)))
}

func TestIsRetryable(t *testing.T) {
	key := timeline.NewEntityKey("Orders", uuid.New())
	assert.False(t, timeline.IsRetryable(nil))
	assert.False(t, timeline.IsRetryable(&timeline.ConflictError{Key: key}))
	assert.False(t, timeline.IsRetryable(&timeline.NotFoundError{Key: key}))
	assert.False(t, timeline.IsRetryable(&timeline.InvalidArgumentError{}))
	assert.True(t, timeline.IsRetryable(
		fmt.Errorf("wrapped: %w", &timeline.TransientError{}),
	))
}
