package timeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

type (
	// EntityKey names one independent event timeline
	EntityKey struct {
		TypeName string
		ID       uuid.UUID
	}

	// Statistics summarizes the committed records of one EntityKey. A nil
	// field means nothing of that kind has been committed
	Statistics struct {
		GreatestEventID    *int64
		GreatestSnapshotID *int64
	}

	// Store is the persistence contract implemented by every backend
	Store interface {
		// PersistEvent commits data as the event at eventID for key
		PersistEvent(
			ctx context.Context, key EntityKey, eventID int64, data []byte,
		) error

		// PersistSnapshot commits data as the snapshot summarizing events
		// 0..atEventID of key. atEventID may be NoEvents
		PersistSnapshot(
			ctx context.Context, key EntityKey, atEventID int64, data []byte,
		) error

		// GetStatistics returns the greatest committed event and snapshot
		// ids for key
		GetStatistics(ctx context.Context, key EntityKey) (Statistics, error)

		// GetEvent returns the payload committed at eventID for key
		GetEvent(
			ctx context.Context, key EntityKey, eventID int64,
		) ([]byte, error)

		// GetSnapshot returns the payload committed at atEventID for key
		GetSnapshot(
			ctx context.Context, key EntityKey, atEventID int64,
		) ([]byte, error)
	}
)

// NoEvents is the snapshot id of a state captured before any event
const NoEvents int64 = -1

// NewEntityKey returns the EntityKey for a type name and instance id
func NewEntityKey(typeName string, id uuid.UUID) EntityKey {
	return EntityKey{TypeName: typeName, ID: id}
}

// Validate reports whether both fields of the key are usable
func (k EntityKey) Validate() error {
	if k.TypeName == "" {
		return &InvalidArgumentError{
			Field: "type name", Reason: "must not be empty",
		}
	}
	if !utf8.ValidString(k.TypeName) {
		return &InvalidArgumentError{
			Field: "type name", Reason: "must be valid UTF-8",
		}
	}
	if strings.ContainsRune(k.TypeName, 0) {
		return &InvalidArgumentError{
			Field: "type name", Reason: "must not contain NUL",
		}
	}
	if k.ID == uuid.Nil {
		return &InvalidArgumentError{
			Field: "id", Reason: "must not be the nil UUID",
		}
	}
	return nil
}

func (k EntityKey) String() string {
	return k.TypeName + "/" + k.ID.String()
}

// NextEventID returns the id the next event for the key should occupy
func (s Statistics) NextEventID() int64 {
	if s.GreatestEventID == nil {
		return 0
	}
	return *s.GreatestEventID + 1
}

// NewStatistics builds Statistics from raw counters. greatestEvent is
// NoEvents when the key has no events. The snapshot counter is only reported
// when hasSnapshot is set, since NoEvents is itself a valid snapshot id
func NewStatistics(
	greatestEvent, greatestSnapshot int64, hasSnapshot bool,
) Statistics {
	var res Statistics
	if greatestEvent != NoEvents {
		res.GreatestEventID = &greatestEvent
	}
	if hasSnapshot {
		res.GreatestSnapshotID = &greatestSnapshot
	}
	return res
}
