// Package postgres stores timelines in PostgreSQL through a pgx connection
// pool. Every write locks the key's row in timeline_heads, so commits to one
// key are serialized while different keys proceed in parallel
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kode4food/timeline"
)

type Store struct {
	pool           *pgxpool.Pool
	logger         *zap.Logger
	maxPayloadSize int
	closed         atomic.Bool
	closeOnce      sync.Once
}

const (
	insertHead = `
INSERT INTO timeline_heads (type_name, entity_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`

	lockHead = `
SELECT greatest_event FROM timeline_heads
WHERE type_name = $1 AND entity_id = $2
FOR UPDATE`

	selectEvent = `
SELECT data FROM timeline_events
WHERE type_name = $1 AND entity_id = $2 AND event_id = $3`

	selectSnapshot = `
SELECT data FROM timeline_snapshots
WHERE type_name = $1 AND entity_id = $2 AND at_event_id = $3`

	selectStatistics = `
SELECT greatest_event, greatest_snapshot FROM timeline_heads
WHERE type_name = $1 AND entity_id = $2`

	insertEvent = `
INSERT INTO timeline_events (type_name, entity_id, event_id, data)
VALUES ($1, $2, $3, $4)`

	insertSnapshot = `
INSERT INTO timeline_snapshots (type_name, entity_id, at_event_id, data)
VALUES ($1, $2, $3, $4)`

	updateGreatestEvent = `
UPDATE timeline_heads SET greatest_event = $3
WHERE type_name = $1 AND entity_id = $2`

	updateGreatestSnapshot = `
UPDATE timeline_heads SET greatest_snapshot = $3
WHERE type_name = $1 AND entity_id = $2`
)

var (
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("store is closed")

	// ErrCorruptTimeline is returned when stored records contradict each
	// other
	ErrCorruptTimeline = errors.New("corrupt timeline")
)

// retryable SQLSTATE codes; connection exceptions (class 08) are matched
// separately
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"57P03": true, // cannot_connect_now
	"23505": true, // unique_violation, a racing insert
}

// SQLSTATE codes for text the server refuses to encode
var invalidTextCodes = map[string]bool{
	"22021": true, // character_not_in_repertoire
	"22P05": true, // untranslatable_character
}

var _ timeline.Store = (*Store)(nil)

// Open connects a pool to the database named by cfg.DSN and applies any
// pending migrations
func Open(
	ctx context.Context, cfg Config, opts ...timeline.Option,
) (*Store, error) {
	o := timeline.NewOptions(opts...)
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &timeline.InvalidArgumentError{
			Field: "dsn", Reason: err.Error(),
		}
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, timeline.Transient("connect to postgres", err)
	}
	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	o.Logger.Info("Connected to PostgreSQL",
		zap.String("host", pc.ConnConfig.Host),
		zap.String("database", pc.ConnConfig.Database),
		zap.Int32("max_conns", pc.MaxConns),
	)
	return &Store{
		pool:           pool,
		logger:         o.Logger,
		maxPayloadSize: cfg.MaxPayloadSize,
	}, nil
}

// Close waits for acquired connections to be released and closes the pool.
// It is safe to call more than once
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.pool.Close()
	})
	return nil
}

func (s *Store) PersistEvent(
	ctx context.Context, key timeline.EntityKey, eventID int64, data []byte,
) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := timeline.ValidateEventWrite(key, eventID, data, s.maxPayloadSize)
	if err != nil {
		return err
	}

	committed, err := s.write(ctx, key, func(
		tx pgx.Tx, greatest int64,
	) (bool, error) {
		stored, found, err := queryData(ctx, tx, selectEvent,
			key.TypeName, key.ID, eventID,
		)
		if err != nil {
			return false, err
		}
		if found {
			return false, timeline.CheckRewrite(
				key, timeline.KindEvent, eventID, stored, data,
			)
		}
		if err := timeline.CheckEventSequence(eventID, greatest); err != nil {
			return false, err
		}
		if eventID <= greatest {
			return false, fmt.Errorf("%w: event %d missing below greatest %d",
				ErrCorruptTimeline, eventID, greatest,
			)
		}

		_, err = tx.Exec(ctx, insertEvent,
			key.TypeName, key.ID, eventID, nonNil(data),
		)
		if err != nil {
			return false, err
		}
		_, err = tx.Exec(ctx, updateGreatestEvent,
			key.TypeName, key.ID, eventID,
		)
		return err == nil, err
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
	if err := s.check(ctx); err != nil {
		return err
	}
	err := timeline.ValidateSnapshotWrite(
		key, atEventID, data, s.maxPayloadSize,
	)
	if err != nil {
		return err
	}

	committed, err := s.write(ctx, key, func(
		tx pgx.Tx, greatest int64,
	) (bool, error) {
		stored, found, err := queryData(ctx, tx, selectSnapshot,
			key.TypeName, key.ID, atEventID,
		)
		if err != nil {
			return false, err
		}
		if found {
			return false, timeline.CheckRewrite(
				key, timeline.KindSnapshot, atEventID, stored, data,
			)
		}
		err = timeline.CheckSnapshotBoundary(atEventID, greatest)
		if err != nil {
			return false, err
		}

		_, err = tx.Exec(ctx, insertSnapshot,
			key.TypeName, key.ID, atEventID, nonNil(data),
		)
		if err != nil {
			return false, err
		}
		_, err = tx.Exec(ctx, updateGreatestSnapshot,
			key.TypeName, key.ID, atEventID,
		)
		return err == nil, err
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
	if err := s.check(ctx); err != nil {
		return timeline.Statistics{}, err
	}
	if err := key.Validate(); err != nil {
		return timeline.Statistics{}, err
	}

	var greatest int64
	var snap *int64
	err := s.pool.QueryRow(ctx, selectStatistics,
		key.TypeName, key.ID,
	).Scan(&greatest, &snap)
	if errors.Is(err, pgx.ErrNoRows) {
		return timeline.Statistics{}, nil
	}
	if err != nil {
		return timeline.Statistics{}, storageError("get statistics", err)
	}

	if snap == nil {
		return timeline.NewStatistics(greatest, timeline.NoEvents, false), nil
	}
	return timeline.NewStatistics(greatest, *snap, true), nil
}

func (s *Store) GetEvent(
	ctx context.Context, key timeline.EntityKey, eventID int64,
) ([]byte, error) {
	return s.getRecord(ctx, key, timeline.KindEvent, eventID, selectEvent)
}

func (s *Store) GetSnapshot(
	ctx context.Context, key timeline.EntityKey, atEventID int64,
) ([]byte, error) {
	return s.getRecord(
		ctx, key, timeline.KindSnapshot, atEventID, selectSnapshot,
	)
}

func (s *Store) getRecord(
	ctx context.Context, key timeline.EntityKey, kind timeline.RecordKind,
	id int64, query string,
) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := timeline.ValidateRead(key, kind, id); err != nil {
		return nil, err
	}

	data, found, err := queryData(ctx, s.pool, query, key.TypeName, key.ID, id)
	if err != nil {
		return nil, storageError("get "+kind.String(), err)
	}
	if !found {
		return nil, &timeline.NotFoundError{Key: key, Kind: kind, ID: id}
	}
	return data, nil
}

// write locks the key's head row, creating it if needed, and runs fn with
// the greatest committed event id inside the same transaction
func (s *Store) write(
	ctx context.Context, key timeline.EntityKey,
	fn func(tx pgx.Tx, greatest int64) (bool, error),
) (bool, error) {
	var committed bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertHead, key.TypeName, key.ID)
		if err != nil {
			return err
		}
		var greatest int64
		err = tx.QueryRow(ctx, lockHead, key.TypeName, key.ID).Scan(&greatest)
		if err != nil {
			return err
		}
		committed, err = fn(tx, greatest)
		return err
	})
	if err != nil {
		return false, err
	}
	return committed, nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
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
	return storageError(op, err)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryData(
	ctx context.Context, q queryer, query string, args ...any,
) ([]byte, bool, error) {
	var res []byte
	err := q.QueryRow(ctx, query, args...).Scan(&res)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func storageError(op string, err error) error {
	switch {
	case errors.Is(err, timeline.ErrConflict),
		errors.Is(err, timeline.ErrInvalidArgument),
		errors.Is(err, ErrCorruptTimeline),
		errors.Is(err, ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case isEncodingError(err):
		return &timeline.InvalidArgumentError{Field: "key", Reason: err.Error()}
	case isTransient(err):
		return timeline.Transient(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// isEncodingError reports text the server cannot store, such as a NUL byte
func isEncodingError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && invalidTextCodes[pgErr.Code]
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08")
	}
	var netErr net.Error
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err) ||
		errors.As(err, new(*pgconn.ConnectError)) ||
		errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// nonNil keeps an empty payload from being stored as NULL
func nonNil(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}
