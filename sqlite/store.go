// Package sqlite stores timelines in a SQLite database file using the
// pure-Go modernc.org/sqlite driver. Writes run in IMMEDIATE transactions
// over a single connection, so each check-and-insert is atomic even when
// several processes share the file. Reads use a separate pool of query-only
// connections and never wait behind the writer
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kode4food/timeline"
)

type Store struct {
	db             *sql.DB
	reader         *sql.DB
	logger         *zap.Logger
	maxPayloadSize int
	closeOnce      sync.Once
	closeErr       error
}

const (
	selectEvent = `
SELECT data FROM timeline_events
WHERE type_name = ? AND entity_id = ? AND event_id = ?`

	selectSnapshot = `
SELECT data FROM timeline_snapshots
WHERE type_name = ? AND entity_id = ? AND at_event_id = ?`

	selectGreatestEvent = `
SELECT COALESCE(MAX(event_id), -1) FROM timeline_events
WHERE type_name = ? AND entity_id = ?`

	selectStatistics = `
SELECT
    (SELECT MAX(event_id) FROM timeline_events
     WHERE type_name = ?1 AND entity_id = ?2),
    (SELECT greatest_snapshot FROM timeline_stats
     WHERE type_name = ?1 AND entity_id = ?2)`

	insertEvent = `
INSERT INTO timeline_events (type_name, entity_id, event_id, data)
VALUES (?, ?, ?, ?)`

	insertSnapshot = `
INSERT INTO timeline_snapshots (type_name, entity_id, at_event_id, data)
VALUES (?, ?, ?, ?)`

	upsertSnapshotStat = `
INSERT INTO timeline_stats (type_name, entity_id, greatest_snapshot)
VALUES (?, ?, ?)
ON CONFLICT (type_name, entity_id)
DO UPDATE SET greatest_snapshot = excluded.greatest_snapshot`
)

// ErrCorruptTimeline is returned when stored records contradict each other
var ErrCorruptTimeline = errors.New("corrupt timeline")

var _ timeline.Store = (*Store)(nil)

// Open opens, or creates, the database file named by cfg.Path and applies
// any pending migrations
func Open(
	ctx context.Context, cfg Config, opts ...timeline.Option,
) (*Store, error) {
	o := timeline.NewOptions(opts...)
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, &timeline.InvalidArgumentError{
			Field: "path", Reason: "must not be empty",
		}
	}

	path = filepath.Clean(path)
	db, err := sql.Open("sqlite", dsn(path, cfg, false))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn(path, cfg, true))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	readConns := cfg.ReadConns
	if readConns <= 0 {
		readConns = DefaultReadConns
	}
	reader.SetMaxOpenConns(readConns)
	if err := reader.PingContext(ctx); err != nil {
		_ = reader.Close()
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite reader: %w", err)
	}

	o.Logger.Info("Opened sqlite database",
		zap.String("path", path),
		zap.Int("read_conns", readConns),
	)
	return &Store{
		db:             db,
		reader:         reader,
		logger:         o.Logger,
		maxPayloadSize: cfg.MaxPayloadSize,
	}, nil
}

// Close releases the database connections. It is safe to call more than
// once
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.reader.Close(), s.db.Close())
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

	id := key.ID[:]
	committed, err := s.write(ctx, func(tx *sql.Tx) (bool, error) {
		stored, found, err := queryData(ctx, tx, selectEvent,
			key.TypeName, id, eventID,
		)
		if err != nil {
			return false, err
		}
		if found {
			return false, timeline.CheckRewrite(
				key, timeline.KindEvent, eventID, stored, data,
			)
		}

		var greatest int64
		err = tx.QueryRowContext(ctx, selectGreatestEvent,
			key.TypeName, id,
		).Scan(&greatest)
		if err != nil {
			return false, err
		}
		if err := timeline.CheckEventSequence(eventID, greatest); err != nil {
			return false, err
		}
		if eventID <= greatest {
			return false, fmt.Errorf("%w: event %d missing below greatest %d",
				ErrCorruptTimeline, eventID, greatest,
			)
		}

		_, err = tx.ExecContext(ctx, insertEvent,
			key.TypeName, id, eventID, nonNil(data),
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
	if err := ctx.Err(); err != nil {
		return err
	}
	err := timeline.ValidateSnapshotWrite(
		key, atEventID, data, s.maxPayloadSize,
	)
	if err != nil {
		return err
	}

	id := key.ID[:]
	committed, err := s.write(ctx, func(tx *sql.Tx) (bool, error) {
		stored, found, err := queryData(ctx, tx, selectSnapshot,
			key.TypeName, id, atEventID,
		)
		if err != nil {
			return false, err
		}
		if found {
			return false, timeline.CheckRewrite(
				key, timeline.KindSnapshot, atEventID, stored, data,
			)
		}

		var greatest int64
		err = tx.QueryRowContext(ctx, selectGreatestEvent,
			key.TypeName, id,
		).Scan(&greatest)
		if err != nil {
			return false, err
		}
		err = timeline.CheckSnapshotBoundary(atEventID, greatest)
		if err != nil {
			return false, err
		}

		_, err = tx.ExecContext(ctx, insertSnapshot,
			key.TypeName, id, atEventID, nonNil(data),
		)
		if err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx, upsertSnapshotStat,
			key.TypeName, id, atEventID,
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
	if err := ctx.Err(); err != nil {
		return timeline.Statistics{}, err
	}
	if err := key.Validate(); err != nil {
		return timeline.Statistics{}, err
	}

	var event, snap sql.NullInt64
	err := s.reader.QueryRowContext(ctx, selectStatistics,
		key.TypeName, key.ID[:],
	).Scan(&event, &snap)
	if err != nil {
		return timeline.Statistics{}, storageError("get statistics", err)
	}

	greatest := timeline.NoEvents
	if event.Valid {
		greatest = event.Int64
	}
	return timeline.NewStatistics(greatest, snap.Int64, snap.Valid), nil
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := timeline.ValidateRead(key, kind, id); err != nil {
		return nil, err
	}

	data, found, err := queryData(ctx, s.reader, query,
		key.TypeName, key.ID[:], id,
	)
	if err != nil {
		return nil, storageError("get "+kind.String(), err)
	}
	if !found {
		return nil, &timeline.NotFoundError{Key: key, Kind: kind, ID: id}
	}
	return data, nil
}

// write runs fn in a transaction, committing only when fn succeeds
func (s *Store) write(
	ctx context.Context, fn func(tx *sql.Tx) (bool, error),
) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	committed, err := fn(tx)
	if err != nil {
		return false, err
	}
	return committed, tx.Commit()
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
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryData(
	ctx context.Context, q queryer, query string, args ...any,
) ([]byte, bool, error) {
	var res []byte
	err := q.QueryRowContext(ctx, query, args...).Scan(&res)
	if errors.Is(err, sql.ErrNoRows) {
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
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case isBusyError(err), isConstraintError(err),
		errors.Is(err, driver.ErrBadConn):
		return timeline.Transient(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// isBusyError reports lock contention with another connection or process
func isBusyError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// isConstraintError reports a racing insert of the same record. Retrying
// rereads the winner and settles the outcome
func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// dsn builds the connection string for the writer, or for the query-only
// reader pool that WAL mode lets run beside it
func dsn(path string, cfg Config, readOnly bool) string {
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}
	res := fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)"+
			"&_pragma=synchronous(NORMAL)",
		path, timeout.Milliseconds(),
	)
	if readOnly {
		return res + "&_pragma=query_only(1)"
	}
	return res + "&_txlock=immediate"
}

// nonNil keeps an empty payload from being stored as NULL
func nonNil(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}
