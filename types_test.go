package timeline_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kode4food/timeline"
)

func TestEntityKeyValidate(t *testing.T) {
	id := uuid.New()
	assert.NoError(t, timeline.NewEntityKey("Orders", id).Validate())

	err := timeline.NewEntityKey("", id).Validate()
	assert.ErrorIs(t, err, timeline.ErrInvalidArgument)
	assert.ErrorContains(t, err, "type name")

	err = timeline.NewEntityKey("Orders\xff", id).Validate()
	assert.ErrorIs(t, err, timeline.ErrInvalidArgument)
	assert.ErrorContains(t, err, "UTF-8")

	err = timeline.NewEntityKey("Ord\x00ers", id).Validate()
	assert.ErrorIs(t, err, timeline.ErrInvalidArgument)
	assert.ErrorContains(t, err, "NUL")

	err = timeline.NewEntityKey("Orders", uuid.Nil).Validate()
	assert.ErrorIs(t, err, timeline.ErrInvalidArgument)
	assert.ErrorContains(t, err, "nil UUID")
}

func TestEntityKeyIdentity(t *testing.T) {
	id := uuid.New()
	a := timeline.NewEntityKey("Orders", id)
	b := timeline.NewEntityKey("Orders", id)
	c := timeline.NewEntityKey("Invoices", id)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "Orders/"+id.String(), a.String())
}

func TestStatistics(t *testing.T) {
	empty := timeline.NewStatistics(timeline.NoEvents, timeline.NoEvents, false)
	assert.Nil(t, empty.GreatestEventID)
	assert.Nil(t, empty.GreatestSnapshotID)
	assert.Equal(t, int64(0), empty.NextEventID())

	initial := timeline.NewStatistics(timeline.NoEvents, timeline.NoEvents, true)
	assert.Nil(t, initial.GreatestEventID)
	assert.Equal(t, timeline.NoEvents, *initial.GreatestSnapshotID)

	stats := timeline.NewStatistics(4, 3, true)
	assert.Equal(t, int64(4), *stats.GreatestEventID)
	assert.Equal(t, int64(3), *stats.GreatestSnapshotID)
	assert.Equal(t, int64(5), stats.NextEventID())
}
