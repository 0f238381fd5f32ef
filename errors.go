package timeline

import (
	"context"
	"errors"
	"fmt"
)

type (
	// RecordKind distinguishes the event log from the snapshot index
	RecordKind int

	// NotFoundError is returned when reading an id that was never committed
	NotFoundError struct {
		Key  EntityKey
		Kind RecordKind
		ID   int64
	}

	// ConflictError is returned when an id is rewritten with a different
	// payload. It is never retryable: the caller assigned ids incorrectly
	ConflictError struct {
		Key  EntityKey
		Kind RecordKind
		ID   int64
	}

	// InvalidArgumentError is returned for malformed keys, ids or payloads
	InvalidArgumentError struct {
		Field  string
		Reason string
	}

	// TransientError wraps a backend I/O failure. Repeating the identical
	// write is safe
	TransientError struct {
		Err error
		Op  string
	}
)

const (
	KindEvent RecordKind = iota
	KindSnapshot
)

var (
	// ErrNotFound matches every NotFoundError
	ErrNotFound = errors.New("record not found")

	// ErrConflict matches every ConflictError
	ErrConflict = errors.New("record conflict")

	// ErrInvalidArgument matches every InvalidArgumentError
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransient matches every TransientError
	ErrTransient = errors.New("transient backend failure")
)

func (k RecordKind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found for %s", e.Kind, e.ID, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"%s %d already committed for %s with a different payload",
		e.Kind, e.ID, e.Key,
	)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps a backend failure of op as a TransientError. Context
// cancellation and deadline errors are returned unchanged, since retrying
// them with the same context cannot succeed
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// IsRetryable reports whether repeating the failed call may succeed
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
