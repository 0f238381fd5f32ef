package timeline

import (
	"bytes"
	"fmt"
)

// ValidateEventWrite checks the arguments of a PersistEvent call
func ValidateEventWrite(
	key EntityKey, eventID int64, data []byte, maxSize int,
) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ValidateEventID(eventID); err != nil {
		return err
	}
	return ValidatePayload(data, maxSize)
}

// ValidateSnapshotWrite checks the arguments of a PersistSnapshot call
func ValidateSnapshotWrite(
	key EntityKey, atEventID int64, data []byte, maxSize int,
) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ValidateSnapshotID(atEventID); err != nil {
		return err
	}
	return ValidatePayload(data, maxSize)
}

// ValidateRead checks the arguments of a GetEvent or GetSnapshot call
func ValidateRead(key EntityKey, kind RecordKind, id int64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if kind == KindSnapshot {
		return ValidateSnapshotID(id)
	}
	return ValidateEventID(id)
}

func ValidateEventID(eventID int64) error {
	if eventID < 0 {
		return &InvalidArgumentError{
			Field:  "event id",
			Reason: fmt.Sprintf("%d is negative", eventID),
		}
	}
	return nil
}

func ValidateSnapshotID(atEventID int64) error {
	if atEventID < NoEvents {
		return &InvalidArgumentError{
			Field:  "snapshot id",
			Reason: fmt.Sprintf("%d is below %d", atEventID, NoEvents),
		}
	}
	return nil
}

// ValidatePayload enforces the maximum payload size. A maxSize of zero or
// less disables the check
func ValidatePayload(data []byte, maxSize int) error {
	if maxSize > 0 && len(data) > maxSize {
		return &InvalidArgumentError{
			Field: "payload",
			Reason: fmt.Sprintf(
				"%d bytes exceeds the limit of %d", len(data), maxSize,
			),
		}
	}
	return nil
}

// CheckEventSequence rejects an event id that would leave a gap after the
// greatest committed event id (NoEvents for an empty timeline)
func CheckEventSequence(eventID, greatest int64) error {
	if eventID > greatest+1 {
		return &InvalidArgumentError{
			Field: "event id",
			Reason: fmt.Sprintf(
				"%d skips ahead of next expected id %d", eventID, greatest+1,
			),
		}
	}
	return nil
}

// CheckSnapshotBoundary rejects a snapshot that summarizes events that have
// not been committed yet
func CheckSnapshotBoundary(atEventID, greatest int64) error {
	if atEventID > greatest {
		return &InvalidArgumentError{
			Field: "snapshot id",
			Reason: fmt.Sprintf(
				"%d is ahead of greatest event id %d", atEventID, greatest,
			),
		}
	}
	return nil
}

// CheckRewrite decides the outcome of writing data where stored has already
// been committed: nil for an identical retry, a ConflictError otherwise
func CheckRewrite(
	key EntityKey, kind RecordKind, id int64, stored, data []byte,
) error {
	if bytes.Equal(stored, data) {
		return nil
	}
	return &ConflictError{Key: key, Kind: kind, ID: id}
}
