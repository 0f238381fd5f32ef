package timeline

import (
	"bytes"
	"context"
	"sync"

	"go.uber.org/zap"
)

type (
	// MemoryStore is the in-process reference Store. Each EntityKey owns an
	// independent timeline guarded by its own lock, so operations on
	// different keys never contend with each other
	MemoryStore struct {
		timelines      sync.Map
		logger         *zap.Logger
		maxPayloadSize int
	}

	memoryTimeline struct {
		snapshots        map[int64][]byte
		events           [][]byte
		greatestSnapshot int64
		hasSnapshot      bool
		mu               sync.RWMutex
	}
)

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore(cfg Config, opts ...Option) *MemoryStore {
	o := NewOptions(opts...)
	return &MemoryStore{
		logger:         o.Logger,
		maxPayloadSize: cfg.MaxPayloadSize,
	}
}

func (s *MemoryStore) PersistEvent(
	ctx context.Context, key EntityKey, eventID int64, data []byte,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := ValidateEventWrite(key, eventID, data, s.maxPayloadSize)
	if err != nil {
		return err
	}

	tl, ok := s.lookup(key)
	if !ok {
		if err := CheckEventSequence(eventID, NoEvents); err != nil {
			return err
		}
		tl = s.timeline(key)
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if eventID < int64(len(tl.events)) {
		err := CheckRewrite(key, KindEvent, eventID, tl.events[eventID], data)
		if err != nil {
			s.logConflict(err)
		}
		return err
	}
	if err := CheckEventSequence(eventID, tl.greatestEvent()); err != nil {
		return err
	}

	tl.events = append(tl.events, bytes.Clone(data))
	s.logger.Debug("Event committed",
		zap.Stringer("key", key),
		zap.Int64("event_id", eventID),
		zap.Int("size", len(data)),
	)
	return nil
}

func (s *MemoryStore) PersistSnapshot(
	ctx context.Context, key EntityKey, atEventID int64, data []byte,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := ValidateSnapshotWrite(key, atEventID, data, s.maxPayloadSize)
	if err != nil {
		return err
	}

	tl, ok := s.lookup(key)
	if !ok {
		if err := CheckSnapshotBoundary(atEventID, NoEvents); err != nil {
			return err
		}
		tl = s.timeline(key)
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if stored, ok := tl.snapshots[atEventID]; ok {
		err := CheckRewrite(key, KindSnapshot, atEventID, stored, data)
		if err != nil {
			s.logConflict(err)
		}
		return err
	}
	err = CheckSnapshotBoundary(atEventID, tl.greatestEvent())
	if err != nil {
		return err
	}

	tl.snapshots[atEventID] = bytes.Clone(data)
	tl.greatestSnapshot = atEventID
	tl.hasSnapshot = true
	s.logger.Debug("Snapshot committed",
		zap.Stringer("key", key),
		zap.Int64("at_event_id", atEventID),
		zap.Int("size", len(data)),
	)
	return nil
}

func (s *MemoryStore) GetStatistics(
	ctx context.Context, key EntityKey,
) (Statistics, error) {
	if err := ctx.Err(); err != nil {
		return Statistics{}, err
	}
	if err := key.Validate(); err != nil {
		return Statistics{}, err
	}

	tl, ok := s.lookup(key)
	if !ok {
		return Statistics{}, nil
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return NewStatistics(
		tl.greatestEvent(), tl.greatestSnapshot, tl.hasSnapshot,
	), nil
}

func (s *MemoryStore) GetEvent(
	ctx context.Context, key EntityKey, eventID int64,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateRead(key, KindEvent, eventID); err != nil {
		return nil, err
	}

	notFound := &NotFoundError{Key: key, Kind: KindEvent, ID: eventID}
	tl, ok := s.lookup(key)
	if !ok {
		return nil, notFound
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	if eventID >= int64(len(tl.events)) {
		return nil, notFound
	}
	return bytes.Clone(tl.events[eventID]), nil
}

func (s *MemoryStore) GetSnapshot(
	ctx context.Context, key EntityKey, atEventID int64,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateRead(key, KindSnapshot, atEventID); err != nil {
		return nil, err
	}

	notFound := &NotFoundError{Key: key, Kind: KindSnapshot, ID: atEventID}
	tl, ok := s.lookup(key)
	if !ok {
		return nil, notFound
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	data, ok := tl.snapshots[atEventID]
	if !ok {
		return nil, notFound
	}
	return bytes.Clone(data), nil
}

func (s *MemoryStore) lookup(key EntityKey) (*memoryTimeline, bool) {
	res, ok := s.timelines.Load(key)
	if !ok {
		return nil, false
	}
	return res.(*memoryTimeline), true
}

// timeline returns the state for key, creating it if needed. Callers must
// only create state for a write that can succeed on an empty timeline
func (s *MemoryStore) timeline(key EntityKey) *memoryTimeline {
	if tl, ok := s.lookup(key); ok {
		return tl
	}
	res, _ := s.timelines.LoadOrStore(key, &memoryTimeline{
		snapshots: map[int64][]byte{},
	})
	return res.(*memoryTimeline)
}

func (s *MemoryStore) logConflict(err error) {
	s.logger.Warn("Rejected conflicting write", zap.Error(err))
}

func (tl *memoryTimeline) greatestEvent() int64 {
	return int64(len(tl.events)) - 1
}
