// Package bolt stores timelines in a single bbolt file. Each EntityKey owns
// a nested bucket holding its events, snapshots and metadata. Writes are
// coalesced with bbolt's Batch, so concurrent commits to unrelated keys
// share one fsync while bbolt's single writer keeps every check-and-put
// atomic
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"

	"github.com/kode4food/timeline"
)

type Store struct {
	db             *bbolt.DB
	logger         *zap.Logger
	maxPayloadSize int
	closeOnce      sync.Once
	closeErr       error
}

const idSize = 8

var (
	rootBucket      = []byte("timelines")
	eventsBucket    = []byte("events")
	snapshotsBucket = []byte("snapshots")
	metaBucket      = []byte("meta")

	snapshotMetaKey = []byte("snapshot")
)

// ErrCorruptTimeline is returned when stored records contradict each other
var ErrCorruptTimeline = errors.New("corrupt timeline")

var _ timeline.Store = (*Store)(nil)

// Open opens, or creates, the database file named by cfg.Path
func Open(cfg Config, opts ...timeline.Option) (*Store, error) {
	o := timeline.NewOptions(opts...)
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{
		Timeout: cfg.OpenTimeout,
	})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, timeline.Transient("open bolt", err)
		}
		return nil, err
	}
	if cfg.MaxBatchDelay > 0 {
		db.MaxBatchDelay = cfg.MaxBatchDelay
	}
	if cfg.MaxBatchSize > 0 {
		db.MaxBatchSize = cfg.MaxBatchSize
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	o.Logger.Info("Opened bolt database", zap.String("path", cfg.Path))
	return &Store{
		db:             db,
		logger:         o.Logger,
		maxPayloadSize: cfg.MaxPayloadSize,
	}, nil
}

// Close closes the database file. It is safe to call more than once
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) PersistEvent(
	ctx context.Context, key timeline.EntityKey, eventID int64, data []byte,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := timeline.ValidateEventWrite(key, eventID, data, s.maxPayloadSize)
	if err != nil {
		return err
	}
	if err := validateKeySize(key); err != nil {
		return err
	}

	var committed bool
	err = s.db.Batch(func(tx *bbolt.Tx) error {
		committed = false
		b, err := createTimeline(tx, key)
		if err != nil {
			return err
		}

		events := b.Bucket(eventsBucket)
		if stored, ok := get(events, encodeID(eventID)); ok {
			return timeline.CheckRewrite(
				key, timeline.KindEvent, eventID, stored, data,
			)
		}
		greatest, err := greatestID(events)
		if err != nil {
			return err
		}
		if err := timeline.CheckEventSequence(eventID, greatest); err != nil {
			return err
		}
		if eventID <= greatest {
			return fmt.Errorf("%w: event %d missing below greatest %d",
				ErrCorruptTimeline, eventID, greatest,
			)
		}
		committed = true
		return events.Put(encodeID(eventID), data)
	})
	if err != nil {
		return s.writeError("persist event", err)
	}
	s.logCommit(committed, key, timeline.KindEvent, eventID, len(data))
	return nil
}

func (s *Store) PersistSnapshot(
	ctx context.Context, key timeline.EntityKey, atEventID int64, data []byte,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := timeline.ValidateSnapshotWrite(
		key, atEventID, data, s.maxPayloadSize,
	)
	if err != nil {
		return err
	}
	if err := validateKeySize(key); err != nil {
		return err
	}

	var committed bool
	err = s.db.Batch(func(tx *bbolt.Tx) error {
		committed = false
		b, err := createTimeline(tx, key)
		if err != nil {
			return err
		}

		snaps := b.Bucket(snapshotsBucket)
		if stored, ok := get(snaps, encodeID(atEventID)); ok {
			return timeline.CheckRewrite(
				key, timeline.KindSnapshot, atEventID, stored, data,
			)
		}
		greatest, err := greatestID(b.Bucket(eventsBucket))
		if err != nil {
			return err
		}
		err = timeline.CheckSnapshotBoundary(atEventID, greatest)
		if err != nil {
			return err
		}
		if err := snaps.Put(encodeID(atEventID), data); err != nil {
			return err
		}
		committed = true
		return b.Bucket(metaBucket).Put(snapshotMetaKey, encodeID(atEventID))
	})
	if err != nil {
		return s.writeError("persist snapshot", err)
	}
	s.logCommit(committed, key, timeline.KindSnapshot, atEventID, len(data))
	return nil
}

func (s *Store) GetStatistics(
	ctx context.Context, key timeline.EntityKey,
) (timeline.Statistics, error) {
	if err := ctx.Err(); err != nil {
		return timeline.Statistics{}, err
	}
	if err := key.Validate(); err != nil {
		return timeline.Statistics{}, err
	}

	var res timeline.Statistics
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := lookupTimeline(tx, key)
		if b == nil {
			return nil
		}
		greatest, err := greatestID(b.Bucket(eventsBucket))
		if err != nil {
			return err
		}
		snap, hasSnap := timeline.NoEvents, false
		if raw := b.Bucket(metaBucket).Get(snapshotMetaKey); raw != nil {
			if snap, err = decodeID(raw); err != nil {
				return err
			}
			hasSnap = true
		}
		res = timeline.NewStatistics(greatest, snap, hasSnap)
		return nil
	})
	if err != nil {
		return timeline.Statistics{}, s.readError("get statistics", err)
	}
	return res, nil
}

func (s *Store) GetEvent(
	ctx context.Context, key timeline.EntityKey, eventID int64,
) ([]byte, error) {
	return s.getRecord(ctx, key, timeline.KindEvent, eventID, eventsBucket)
}

func (s *Store) GetSnapshot(
	ctx context.Context, key timeline.EntityKey, atEventID int64,
) ([]byte, error) {
	return s.getRecord(
		ctx, key, timeline.KindSnapshot, atEventID, snapshotsBucket,
	)
}

func (s *Store) getRecord(
	ctx context.Context, key timeline.EntityKey, kind timeline.RecordKind,
	id int64, bucket []byte,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := timeline.ValidateRead(key, kind, id); err != nil {
		return nil, err
	}

	var res []byte
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := lookupTimeline(tx, key)
		if b == nil {
			return nil
		}
		var data []byte
		if data, found = get(b.Bucket(bucket), encodeID(id)); found {
			res = bytes.Clone(data)
		}
		return nil
	})
	if err != nil {
		return nil, s.readError("get "+kind.String(), err)
	}
	if !found {
		return nil, &timeline.NotFoundError{Key: key, Kind: kind, ID: id}
	}
	return res, nil
}

func (s *Store) logCommit(
	committed bool, key timeline.EntityKey, kind timeline.RecordKind, id int64,
	size int,
) {
	if !committed {
		return
	}
	s.logger.Debug("Record committed",
		zap.Stringer("key", key),
		zap.Stringer("kind", kind),
		zap.Int64("id", id),
		zap.Int("size", size),
	)
}

func (s *Store) writeError(op string, err error) error {
	if errors.Is(err, timeline.ErrConflict) {
		s.logger.Warn("Rejected conflicting write", zap.Error(err))
		return err
	}
	return s.readError(op, err)
}

func (s *Store) readError(op string, err error) error {
	switch {
	case errors.Is(err, timeline.ErrConflict),
		errors.Is(err, timeline.ErrInvalidArgument),
		errors.Is(err, ErrCorruptTimeline):
		return err
	case errors.Is(err, berrors.ErrDatabaseNotOpen):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return timeline.Transient(op, err)
	}
}

func createTimeline(
	tx *bbolt.Tx, key timeline.EntityKey,
) (*bbolt.Bucket, error) {
	b, err := tx.Bucket(rootBucket).CreateBucketIfNotExists(timelineName(key))
	if err != nil {
		return nil, err
	}
	for _, name := range [][]byte{eventsBucket, snapshotsBucket, metaBucket} {
		if _, err := b.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func lookupTimeline(tx *bbolt.Tx, key timeline.EntityKey) *bbolt.Bucket {
	return tx.Bucket(rootBucket).Bucket(timelineName(key))
}

// timelineName is the type name, a zero byte, then the 16 id bytes
func timelineName(key timeline.EntityKey) []byte {
	res := make([]byte, 0, len(key.TypeName)+1+len(key.ID))
	res = append(res, key.TypeName...)
	res = append(res, 0)
	return append(res, key.ID[:]...)
}

func validateKeySize(key timeline.EntityKey) error {
	if size := len(timelineName(key)); size > bbolt.MaxKeySize {
		return &timeline.InvalidArgumentError{
			Field: "type name",
			Reason: fmt.Sprintf(
				"encoded key of %d bytes exceeds %d", size, bbolt.MaxKeySize,
			),
		}
	}
	return nil
}

// get distinguishes a stored empty payload from a missing record
func get(b *bbolt.Bucket, k []byte) ([]byte, bool) {
	sk, v := b.Cursor().Seek(k)
	if !bytes.Equal(sk, k) {
		return nil, false
	}
	return v, true
}

func greatestID(events *bbolt.Bucket) (int64, error) {
	k, _ := events.Cursor().Last()
	if k == nil {
		return timeline.NoEvents, nil
	}
	return decodeID(k)
}

// encodeID shifts ids by one so that NoEvents sorts first as zero
func encodeID(id int64) []byte {
	res := make([]byte, idSize)
	binary.BigEndian.PutUint64(res, uint64(id+1))
	return res
}

func decodeID(b []byte) (int64, error) {
	if len(b) != idSize {
		return 0, fmt.Errorf("%w: id of %d bytes", ErrCorruptTimeline, len(b))
	}
	return int64(binary.BigEndian.Uint64(b)) - 1, nil
}
