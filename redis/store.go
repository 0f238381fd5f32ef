// Package redis stores timelines in Redis. Each EntityKey owns an event
// hash, a snapshot hash and a stats hash; every write runs as a single Lua
// script, so commits to one key are serialized by the server while
// different keys never share state
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kode4food/timeline"
)

type Store struct {
	client             *goredis.Client
	logger             *zap.Logger
	persistEventLua    *goredis.Script
	persistSnapshotLua *goredis.Script
	prefix             string
	maxPayloadSize     int
	closeOnce          sync.Once
	closeErr           error
}

const (
	eventsSuffix    = ":events"
	snapshotsSuffix = ":snapshots"
	statsSuffix     = ":stats"

	statEvent    = "event"
	statSnapshot = "snapshot"
)

var (
	// ErrUnexpectedReply is returned when Redis replies with a shape this
	// package never produces
	ErrUnexpectedReply = errors.New("unexpected reply from redis")

	// ErrCorruptTimeline is returned when stored records contradict each
	// other, such as a stats counter that is not a number
	ErrCorruptTimeline = errors.New("corrupt timeline")
)

// retryable server replies, matched by prefix
var transientReplies = []string{
	"LOADING", "READONLY", "MASTERDOWN", "TRYAGAIN", "CLUSTERDOWN", "BUSY ",
}

var _ timeline.Store = (*Store)(nil)

// Open connects to the Redis server named by cfg and verifies the
// connection before returning
func Open(
	ctx context.Context, cfg Config, opts ...timeline.Option,
) (*Store, error) {
	o := timeline.NewOptions(opts...)
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, timeline.Transient("connect to redis", err)
	}

	o.Logger.Info("Connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.String("prefix", cfg.Prefix),
		zap.Int("db", cfg.DB),
	)
	return &Store{
		client:             client,
		logger:             o.Logger,
		persistEventLua:    goredis.NewScript(luaPersistEvent),
		persistSnapshotLua: goredis.NewScript(luaPersistSnapshot),
		prefix:             cfg.Prefix,
		maxPayloadSize:     cfg.MaxPayloadSize,
	}, nil
}

// Close releases the client connections. It is safe to call more than once
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
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

	keys := []string{
		s.buildKey(key, eventsSuffix),
		s.buildKey(key, statsSuffix),
	}
	res, err := s.persistEventLua.Run(
		ctx, s.client, keys, eventID, data,
	).Int64Slice()
	if err != nil {
		return wrapError("persist event", err)
	}
	return s.handleResult(res, key, timeline.KindEvent, eventID, len(data))
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

	keys := []string{
		s.buildKey(key, snapshotsSuffix),
		s.buildKey(key, statsSuffix),
	}
	res, err := s.persistSnapshotLua.Run(
		ctx, s.client, keys, atEventID, data,
	).Int64Slice()
	if err != nil {
		return wrapError("persist snapshot", err)
	}
	return s.handleResult(res, key, timeline.KindSnapshot, atEventID, len(data))
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

	vals, err := s.client.HMGet(ctx,
		s.buildKey(key, statsSuffix), statEvent, statSnapshot,
	).Result()
	if err != nil {
		return timeline.Statistics{}, wrapError("get statistics", err)
	}
	if len(vals) != 2 {
		return timeline.Statistics{}, ErrUnexpectedReply
	}

	greatestEvent, _, err := parseStat(key, statEvent, vals[0])
	if err != nil {
		return timeline.Statistics{}, err
	}
	greatestSnap, hasSnap, err := parseStat(key, statSnapshot, vals[1])
	if err != nil {
		return timeline.Statistics{}, err
	}
	return timeline.NewStatistics(greatestEvent, greatestSnap, hasSnap), nil
}

func (s *Store) GetEvent(
	ctx context.Context, key timeline.EntityKey, eventID int64,
) ([]byte, error) {
	return s.getRecord(ctx, key, timeline.KindEvent, eventID, eventsSuffix)
}

func (s *Store) GetSnapshot(
	ctx context.Context, key timeline.EntityKey, atEventID int64,
) ([]byte, error) {
	return s.getRecord(
		ctx, key, timeline.KindSnapshot, atEventID, snapshotsSuffix,
	)
}

func (s *Store) getRecord(
	ctx context.Context, key timeline.EntityKey, kind timeline.RecordKind,
	id int64, suffix string,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := timeline.ValidateRead(key, kind, id); err != nil {
		return nil, err
	}

	field := strconv.FormatInt(id, 10)
	data, err := s.client.HGet(ctx, s.buildKey(key, suffix), field).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, &timeline.NotFoundError{Key: key, Kind: kind, ID: id}
	}
	if err != nil {
		return nil, wrapError("get "+kind.String(), err)
	}
	return data, nil
}

func (s *Store) handleResult(
	res []int64, key timeline.EntityKey, kind timeline.RecordKind, id int64,
	size int,
) error {
	if len(res) == 0 {
		return ErrUnexpectedReply
	}

	switch res[0] {
	case resultCommitted:
		s.logger.Debug("Record committed",
			zap.Stringer("key", key),
			zap.Stringer("kind", kind),
			zap.Int64("id", id),
			zap.Int("size", size),
		)
		return nil
	case resultIdentical:
		return nil
	case resultConflict:
		err := &timeline.ConflictError{Key: key, Kind: kind, ID: id}
		s.logger.Warn("Rejected conflicting write", zap.Error(err))
		return err
	case resultOutOfLine:
		if len(res) < 2 {
			return ErrUnexpectedReply
		}
		if kind == timeline.KindSnapshot {
			return timeline.CheckSnapshotBoundary(id, res[1])
		}
		return timeline.CheckEventSequence(id, res[1])
	case resultMissing:
		return fmt.Errorf("%w: %s %d missing below greatest event %v",
			ErrCorruptTimeline, kind, id, res[1:],
		)
	default:
		return ErrUnexpectedReply
	}
}

func (s *Store) buildKey(key timeline.EntityKey, suffix string) string {
	return fmt.Sprintf("%s:%s:%s%s", s.prefix, key.TypeName, key.ID, suffix)
}

func parseStat(
	key timeline.EntityKey, name string, val any,
) (int64, bool, error) {
	if val == nil {
		return timeline.NoEvents, false, nil
	}
	str, ok := val.(string)
	if !ok {
		return 0, false, ErrUnexpectedReply
	}
	res, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s %s stat %q",
			ErrCorruptTimeline, key, name, str,
		)
	}
	return res, true, nil
}

func wrapError(op string, err error) error {
	if errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var rerr goredis.Error
	if errors.As(err, &rerr) && !isTransientReply(rerr.Error()) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return timeline.Transient(op, err)
}

func isTransientReply(msg string) bool {
	for _, p := range transientReplies {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}
