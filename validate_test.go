package timeline_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kode4food/timeline"
)

func TestValidateWrites(t *testing.T) {
	key := timeline.NewEntityKey("Orders", uuid.New())
	data := []byte("payload")

	assert.NoError(t, timeline.ValidateEventWrite(key, 0, data, 0))
	assert.ErrorIs(t,
		timeline.ValidateEventWrite(key, -1, data, 0),
		timeline.ErrInvalidArgument,
	)
	assert.ErrorIs(t,
		timeline.ValidateEventWrite(key, 0, data, 3),
		timeline.ErrInvalidArgument,
	)

	assert.NoError(t,
		timeline.ValidateSnapshotWrite(key, timeline.NoEvents, data, 0),
	)
	assert.ErrorIs(t,
		timeline.ValidateSnapshotWrite(key, -2, data, 0),
		timeline.ErrInvalidArgument,
	)
	assert.ErrorIs(t,
		timeline.ValidateSnapshotWrite(timeline.EntityKey{}, 0, data, 0),
		timeline.ErrInvalidArgument,
	)
}

func TestValidateRead(t *testing.T) {
	key := timeline.NewEntityKey("Orders", uuid.New())
	assert.NoError(t, timeline.ValidateRead(key, timeline.KindSnapshot, -1))
	assert.Error(t, timeline.ValidateRead(key, timeline.KindEvent, -1))
	assert.Error(t, timeline.ValidateRead(key, timeline.KindSnapshot, -2))
}

func TestCheckEventSequence(t *testing.T) {
	assert.NoError(t, timeline.CheckEventSequence(0, timeline.NoEvents))
	assert.NoError(t, timeline.CheckEventSequence(5, 4))
	assert.NoError(t, timeline.CheckEventSequence(2, 4))
	assert.ErrorIs(t,
		timeline.CheckEventSequence(1, timeline.NoEvents),
		timeline.ErrInvalidArgument,
	)
	assert.ErrorContains(t,
		timeline.CheckEventSequence(7, 4), "next expected id 5",
	)
}

func TestCheckSnapshotBoundary(t *testing.T) {
	assert.NoError(t,
		timeline.CheckSnapshotBoundary(timeline.NoEvents, timeline.NoEvents),
	)
	assert.NoError(t, timeline.CheckSnapshotBoundary(4, 4))
	assert.ErrorIs(t,
		timeline.CheckSnapshotBoundary(0, timeline.NoEvents),
		timeline.ErrInvalidArgument,
	)
}

func TestCheckRewrite(t *testing.T) {
	key := timeline.NewEntityKey("Orders", uuid.New())
	stored := []byte("stored")

	assert.NoError(t, timeline.CheckRewrite(
		key, timeline.KindEvent, 0, stored, []byte("stored"),
	))
	assert.NoError(t, timeline.CheckRewrite(
		key, timeline.KindEvent, 0, nil, []byte{},
	))

	err := timeline.CheckRewrite(
		key, timeline.KindSnapshot, 2, stored, []byte("other"),
	)
	var ce *timeline.ConflictError
	if assert.ErrorAs(t, err, &ce) {
		assert.Equal(t, key, ce.Key)
		assert.Equal(t, timeline.KindSnapshot, ce.Kind)
		assert.Equal(t, int64(2), ce.ID)
	}
}
