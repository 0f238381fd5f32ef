// Package storetest is a conformance suite for timeline.Store
// implementations. It knows nothing about a backend's internals: it obtains
// stores from a caller-supplied Factory, drives deterministic, interleaved
// and concurrent workloads against them, and compares every answer with an
// oracle computed independently from the written steps.
//
// A backend's tests typically consist of a single call:
//
//	func TestConformance(t *testing.T) {
//		storetest.Run(t, func(t *testing.T) timeline.Store {
//			return openStore(t)
//		})
//	}
//
// Every test uses freshly generated keys, so a Factory may hand out stores
// that share underlying storage.
package storetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kode4food/timeline"
)

type (
	// Factory returns a Store for a single test. Any cleanup should be
	// registered with t
	Factory func(t *testing.T) timeline.Store

	// Option adjusts the workload of Run
	Option func(*config)

	config struct {
		fuzzTimelines int
		fuzzMinSteps  int
		fuzzMaxSteps  int
		fuzzTypeNames int
	}

	shape struct {
		greatestEvent    *int64
		greatestSnapshot *int64
		name             string
		competing        bool
		events           bool
		snapshots        bool
		endsWithSnapshot bool
	}
)

const (
	DefaultFuzzTimelines = 150
	DefaultFuzzMinSteps  = 25
	DefaultFuzzMaxSteps  = 50
	DefaultFuzzTypeNames = 4

	shortFuzzTimelines = 30
	concurrentWriters  = 8

	sharedTypeName = "Test Entity Type Name"
	otherTypeName  = "Test Other Entity Type Name"
	ordersTypeName = "Orders"

	sameTypePattern = "EESEESEEEE"
	sameIDPattern   = "ESEESEESES"
)

var shapes = []shape{
	{name: "Empty"},
	{name: "EmptyWithCompetitors", competing: true},
	{
		name:          "EventsOnly",
		competing:     true,
		events:        true,
		greatestEvent: ptr(4),
	},
	{
		name:             "EventsAndSnapshots",
		competing:        true,
		events:           true,
		snapshots:        true,
		greatestEvent:    ptr(4),
		greatestSnapshot: ptr(3),
	},
	{
		name:             "EndsWithSnapshot",
		competing:        true,
		events:           true,
		snapshots:        true,
		endsWithSnapshot: true,
		greatestEvent:    ptr(4),
		greatestSnapshot: ptr(4),
	},
	{
		name:             "EventsThenSnapshot",
		competing:        true,
		events:           true,
		endsWithSnapshot: true,
		greatestEvent:    ptr(4),
		greatestSnapshot: ptr(4),
	},
}

// WithFuzzTimelines sets how many timelines the fuzz workload persists
// concurrently
func WithFuzzTimelines(count int) Option {
	return func(c *config) {
		c.fuzzTimelines = count
	}
}

// WithFuzzSteps sets the range, [minSteps, maxSteps), of steps per fuzzed
// timeline
func WithFuzzSteps(minSteps, maxSteps int) Option {
	return func(c *config) {
		c.fuzzMinSteps = minSteps
		c.fuzzMaxSteps = maxSteps
	}
}

// Run executes the full conformance suite against stores from factory
func Run(t *testing.T, factory Factory, opts ...Option) {
	cfg := config{
		fuzzTimelines: DefaultFuzzTimelines,
		fuzzMinSteps:  DefaultFuzzMinSteps,
		fuzzMaxSteps:  DefaultFuzzMaxSteps,
		fuzzTypeNames: DefaultFuzzTypeNames,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	t.Run("Shapes", func(t *testing.T) { testShapes(t, factory) })
	t.Run("OrdersScenario", func(t *testing.T) { testOrders(t, factory) })
	t.Run("Idempotence", func(t *testing.T) { testIdempotence(t, factory) })
	t.Run("EmptyPayload", func(t *testing.T) {
		testEmptyPayload(t, factory)
	})
	t.Run("Conflict", func(t *testing.T) { testConflict(t, factory) })
	t.Run("Ordering", func(t *testing.T) { testOrdering(t, factory) })
	t.Run("InvalidArguments", func(t *testing.T) {
		testInvalidArguments(t, factory)
	})
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, factory) })
	t.Run("Immutability", func(t *testing.T) {
		testImmutability(t, factory)
	})
	t.Run("CanceledContext", func(t *testing.T) {
		testCanceledContext(t, factory)
	})
	t.Run("ConcurrentKeys", func(t *testing.T) {
		testConcurrentKeys(t, factory)
	})
	t.Run("ConcurrentSameID", func(t *testing.T) {
		testConcurrentSameID(t, factory)
	})
	t.Run("Fuzz", func(t *testing.T) { testFuzz(t, factory, cfg) })
}

// RunDurable checks that committed records outlive the Store instance that
// wrote them. Every call to factory must return a new handle over the same
// underlying storage. A Store implementing io.Closer is closed before the
// next one is opened
func RunDurable(t *testing.T, factory Factory) {
	t.Run("Reopen", func(t *testing.T) {
		ctx := context.Background()
		g := newGenerator(t)
		seqs := []Sequence{
			{Key: g.key(sharedTypeName), Steps: g.steps(sameTypePattern)},
			{Key: g.key(otherTypeName), Steps: g.steps(sameIDPattern)},
			{Key: g.key(ordersTypeName), Steps: g.steps("EEESES")},
		}

		first := factory(t)
		require.NoError(t, PersistInterleaved(ctx, first, seqs...))
		closeStore(t, first)

		second := factory(t)
		for _, seq := range seqs {
			assert.NoError(t, Check(ctx, second, seq))
		}

		// every write replayed after the restart is an idempotent retry
		require.NoError(t, PersistInterleaved(ctx, second, seqs...))
		for _, seq := range seqs {
			assert.NoError(t, Check(ctx, second, seq))
		}

		seq := seqs[2]
		stats, err := second.GetStatistics(ctx, seq.Key)
		require.NoError(t, err)
		next := Step{Data: g.payload()}
		err = second.PersistEvent(ctx, seq.Key, stats.NextEventID(), next.Data)
		require.NoError(t, err)
		seq.Steps = append(seq.Steps, next)
		assert.NoError(t, Check(ctx, second, seq))
		closeStore(t, second)
	})
}

func testShapes(t *testing.T, factory Factory) {
	for _, sh := range shapes {
		t.Run(sh.name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			g := newGenerator(t)

			sameType := Sequence{
				Key:   g.key(sharedTypeName),
				Steps: g.steps(sameTypePattern),
			}
			sameID := Sequence{
				Key:   g.key(otherTypeName),
				Steps: g.steps(sameIDPattern),
			}
			subject := Sequence{
				Key:   timeline.NewEntityKey(sharedTypeName, sameID.Key.ID),
				Steps: g.steps(sh.pattern()),
			}

			seqs := []Sequence{subject}
			if sh.competing {
				seqs = append(seqs, sameType, sameID)
			}
			require.NoError(t, PersistInterleaved(ctx, store, seqs...))

			stats, err := store.GetStatistics(ctx, subject.Key)
			require.NoError(t, err)
			assert.Equal(t, sh.greatestEvent, stats.GreatestEventID)
			assert.Equal(t, sh.greatestSnapshot, stats.GreatestSnapshotID)
			for _, seq := range seqs {
				assert.NoError(t, Check(ctx, store, seq))
			}
			if !sh.competing {
				assertEmpty(t, store, sameType.Key)
				assertEmpty(t, store, sameID.Key)
			}
		})
	}
}

func testOrders(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t)
	g := newGenerator(t)
	key := g.key(ordersTypeName)
	events := [][]byte{g.payload(), g.payload(), g.payload(), g.payload()}
	snaps := [][]byte{g.payload(), g.payload()}

	require.NoError(t, store.PersistEvent(ctx, key, 0, events[0]))
	require.NoError(t, store.PersistEvent(ctx, key, 1, events[1]))
	require.NoError(t, store.PersistSnapshot(ctx, key, 1, snaps[0]))
	require.NoError(t, store.PersistEvent(ctx, key, 2, events[2]))
	require.NoError(t, store.PersistEvent(ctx, key, 3, events[3]))
	require.NoError(t, store.PersistSnapshot(ctx, key, 3, snaps[1]))

	stats, err := store.GetStatistics(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ptr(3), stats.GreatestEventID)
	assert.Equal(t, ptr(3), stats.GreatestSnapshotID)
	assert.Equal(t, int64(4), stats.NextEventID())

	got, err := store.GetEvent(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, events[1], got)

	got, err = store.GetSnapshot(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, snaps[1], got)

	got, err = store.GetSnapshot(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, snaps[0], got)
}

func testIdempotence(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t)
	g := newGenerator(t)
	key := g.key(ordersTypeName)
	event := g.payload()
	snap := g.payload()

	require.NoError(t, store.PersistEvent(ctx, key, 0, event))
	require.NoError(t, store.PersistEvent(ctx, key, 0, bytes.Clone(event)))
	require.NoError(t, store.PersistSnapshot(ctx, key, 0, snap))
	require.NoError(t, store.PersistSnapshot(ctx, key, 0, bytes.Clone(snap)))

	stats, err := store.GetStatistics(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ptr(0), stats.GreatestEventID)
	assert.Equal(t, ptr(0), stats.GreatestSnapshotID)

	got, err := store.GetEvent(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, event, got)

	_, err = store.GetEvent(ctx, key, 1)
	assert.ErrorIs(t, err, timeline.ErrNotFound)
}

func testEmptyPayload(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t)
	g := newGenerator(t)
	key := g.key(ordersTypeName)

	require.NoError(t, store.PersistEvent(ctx, key, 0, nil))
	require.NoError(t, store.PersistEvent(ctx, key, 0, []byte{}))
	require.NoError(t, store.PersistSnapshot(ctx, key, 0, []byte{}))
	require.NoError(t, store.PersistEvent(ctx, key, 1, g.payload()))

	got, err := store.GetEvent(ctx, key, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = store.GetSnapshot(ctx, key, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	err = store.PersistEvent(ctx, key, 0, g.payload())
	assertConflict(t, err, key, timeline.KindEvent, 0)
	err = store.PersistSnapshot(ctx, key, 0, g.payload())
	assertConflict(t, err, key, timeline.KindSnapshot, 0)

	stats, err := store.GetStatistics(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ptr(1), stats.GreatestEventID)
	assert.Equal(t, ptr(0), stats.GreatestSnapshotID)
}

func testConflict(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t)
	g := newGenerator(t)
	key := g.key(ordersTypeName)

	event := g.payload()
	require.NoError(t, store.PersistEvent(ctx, key, 0, event))
	err := store.PersistEvent(ctx, key, 0, flipped(event))
	assertConflict(t, err, key, timeline.KindEvent, 0)

	snap := g.payload()
	require.NoError(t, store.PersistSnapshot(ctx, key, 0, snap))
	err = store.PersistSnapshot(ctx, key, 0, flipped(snap))
	assertConflict(t, err, key, timeline.KindSnapshot, 0)

	got, err := store.GetEvent(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, event, got)

	got, err = store.GetSnapshot(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	// the original payload can still be retried after a conflict
	assert.NoError(t, store.PersistEvent(ctx, key, 0, event))

	stats, err := store.GetStatistics(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ptr(0), stats.GreatestEventID)
	assert.Equal(t, ptr(0), stats.GreatestSnapshotID)
}

func testOrdering(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t)
	g := newGenerator(t)
	key := g.key(ordersTypeName)

	err := store.PersistEvent(ctx, key, 1, g.payload())
	assert.ErrorIs(t, err, timeline.ErrInvalidArgument)
	err = store.PersistSnapshot(ctx, key, 0, g.payload())
	assert.ErrorIs(t, err, timeline.ErrInvalidArgument)
	assertEmpty(t, store, key)

	initial := g.payload()
	require.NoError(t, store.PersistSnapshot(ctx, key, timeline.NoEvents, initial))

	stats, err := store.GetStatistics(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, stats.GreatestEventID)
	assert.Equal(t, ptr(timeline.NoEvents), stats.GreatestSnapshotID)

	got, err := store.GetSnapshot(ctx, key, timeline.NoEvents)
	require.NoError(t, err)
	assert.Equal(t, initial, got)

	require.NoError(t, store.PersistEvent(ctx, key, 0, g.payload()))
	err = store.PersistEvent(ctx, key, 2, g.payload())
	assert.ErrorIs(t, err, timeline.ErrInvalidArgument)
	err = store.PersistSnapshot(ctx, key, 1, g.payload())
	assert.ErrorIs(t, err, timeline.ErrInvalidArgument)

	stats, err = store.GetStatistics(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ptr(0), stats.GreatestEventID)
	assert.Equal(t, ptr(timeline.NoEvents), stats.GreatestSnapshotID)
}

func testInvalidArguments(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t)
	g := newGenerator(t)
	key := g.key(ordersTypeName)
	noType := timeline.EntityKey{ID: key.ID}
	noID := timeline.EntityKey{TypeName: ordersTypeName}
	data := g.payload()

	cases := map[string]func() error{
		"PersistEventEmptyTypeName": func() error {
			return store.PersistEvent(ctx, noType, 0, data)
		},
		"PersistEventInvalidUTF8TypeName": func() error {
			bad := timeline.NewEntityKey("Orders\xff", key.ID)
			return store.PersistEvent(ctx, bad, 0, data)
		},
		"PersistSnapshotNULTypeName": func() error {
			bad := timeline.NewEntityKey("Ord\x00ers", key.ID)
			return store.PersistSnapshot(ctx, bad, timeline.NoEvents, data)
		},
		"PersistEventNilID": func() error {
			return store.PersistEvent(ctx, noID, 0, data)
		},
		"PersistEventNegativeID": func() error {
			return store.PersistEvent(ctx, key, -1, data)
		},
		"PersistSnapshotEmptyTypeName": func() error {
			return store.PersistSnapshot(ctx, noType, timeline.NoEvents, data)
		},
		"PersistSnapshotBelowSentinel": func() error {
			return store.PersistSnapshot(ctx, key, timeline.NoEvents-1, data)
		},
		"GetStatisticsNilID": func() error {
			_, err := store.GetStatistics(ctx, noID)
			return err
		},
		"GetEventEmptyTypeName": func() error {
			_, err := store.GetEvent(ctx, noType, 0)
			return err
		},
		"GetEventNegativeID": func() error {
			_, err := store.GetEvent(ctx, key, -1)
			return err
		},
		"GetSnapshotBelowSentinel": func() error {
			_, err := store.GetSnapshot(ctx, key, timeline.NoEvents-1)
			return err
		},
	}
	for name, call := range cases {
		err := call()
		assert.ErrorIs(t, err, timeline.ErrInvalidArgument, name)
		assert.False(t, timeline.IsRetryable(err), name)
	}
	assertEmpty(t, store, key)
}

func testNotFound(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t)
	g := newGenerator(t)
	key := g.key(ordersTypeName)

	_, err := store.GetEvent(ctx, key, 0)
	assert.ErrorIs(t, err, timeline.ErrNotFound)
	var nf *timeline.NotFoundError
	if assert.ErrorAs(t, err, &nf) {
		assert.Equal(t, key, nf.Key)
		assert.Equal(t, timeline.KindEvent, nf.Kind)
		assert.Equal(t, int64(0), nf.ID)
	}

	_, err = store.GetSnapshot(ctx, key, timeline.NoEvents)
	assert.ErrorIs(t, err, timeline.ErrNotFound)
	assertEmpty(t, store, key)

	require.NoError(t, store.PersistEvent(ctx, key, 0, g.payload()))
	_, err = store.GetEvent(ctx, key, 1)
	assert.ErrorIs(t, err, timeline.ErrNotFound)
	_, err = store.GetSnapshot(ctx, key, 0)
	assert.ErrorIs(t, err, timeline.ErrNotFound)
}

func testImmutability(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t)
	g := newGenerator(t)
	key := g.key(ordersTypeName)

	event := g.payload()
	want := bytes.Clone(event)
	require.NoError(t, store.PersistEvent(ctx, key, 0, event))
	event[0] ^= 0xFF

	got, err := store.GetEvent(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	got[0] ^= 0xFF

	got, err = store.GetEvent(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	snap := g.payload()
	want = bytes.Clone(snap)
	require.NoError(t, store.PersistSnapshot(ctx, key, 0, snap))
	snap[0] ^= 0xFF

	got, err = store.GetSnapshot(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	got[0] ^= 0xFF

	got, err = store.GetSnapshot(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func testCanceledContext(t *testing.T, factory Factory) {
	store := factory(t)
	g := newGenerator(t)
	key := g.key(ordersTypeName)
	data := g.payload()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.PersistEvent(ctx, key, 0, data)
	assert.ErrorIs(t, err, context.Canceled)
	err = store.PersistSnapshot(ctx, key, timeline.NoEvents, data)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.GetStatistics(ctx, key)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.GetEvent(ctx, key, 0)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.GetSnapshot(ctx, key, timeline.NoEvents)
	assert.ErrorIs(t, err, context.Canceled)

	assertEmpty(t, store, key)
	err = store.PersistEvent(context.Background(), key, 0, data)
	assert.NoError(t, err)
}

func testConcurrentKeys(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t)
	g := newGenerator(t)
	seqs := []Sequence{
		{Key: g.key(ordersTypeName), Steps: g.steps("EESEESEEES")},
		{Key: g.key(ordersTypeName), Steps: g.steps("ESEESEEESE")},
	}

	var eg errgroup.Group
	for _, seq := range seqs {
		eg.Go(func() error {
			return seq.Persist(ctx, store)
		})
	}
	require.NoError(t, eg.Wait())

	for _, seq := range seqs {
		assert.NoError(t, Check(ctx, store, seq))
	}
}

func testConcurrentSameID(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t)
	g := newGenerator(t)
	key := g.key(ordersTypeName)

	payloads := make([][]byte, concurrentWriters)
	for i := range payloads {
		payloads[i] = g.payload()
	}
	snap := g.payload()

	errs := race(concurrentWriters, func(i int) error {
		return store.PersistEvent(ctx, key, 0, payloads[i])
	})
	var winners [][]byte
	for i, err := range errs {
		if err == nil {
			winners = append(winners, payloads[i])
			continue
		}
		assert.ErrorIs(t, err, timeline.ErrConflict)
	}
	require.Len(t, winners, 1)

	got, err := store.GetEvent(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got)

	errs = race(concurrentWriters, func(int) error {
		return store.PersistSnapshot(ctx, key, 0, snap)
	})
	for _, err := range errs {
		assert.NoError(t, err)
	}

	stats, err := store.GetStatistics(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ptr(0), stats.GreatestEventID)
	assert.Equal(t, ptr(0), stats.GreatestSnapshotID)
}

func testFuzz(t *testing.T, factory Factory, cfg config) {
	ctx := context.Background()
	store := factory(t)
	g := newGenerator(t)

	count := cfg.fuzzTimelines
	if testing.Short() {
		count = min(count, shortFuzzTimelines)
	}
	seqs := make([]Sequence, count)
	for i := range seqs {
		seqs[i] = g.fuzzSequence(cfg)
	}

	eg, ectx := errgroup.WithContext(ctx)
	for _, seq := range seqs {
		eg.Go(func() error {
			return seq.Persist(ectx, store)
		})
	}
	require.NoError(t, eg.Wait())

	for _, seq := range seqs {
		assert.NoError(t, Check(ctx, store, seq))
	}
}

func (g *generator) fuzzSequence(cfg config) Sequence {
	typeName := fmt.Sprintf("%s %d",
		sharedTypeName, g.rng.IntN(max(cfg.fuzzTypeNames, 1)),
	)
	span := max(cfg.fuzzMaxSteps-cfg.fuzzMinSteps, 1)
	steps := make([]Step, cfg.fuzzMinSteps+g.rng.IntN(span))
	for i := range steps {
		steps[i] = Step{
			Data:     g.payload(),
			Snapshot: i%2 == 1 && g.rng.IntN(2) == 0,
		}
	}
	return Sequence{Key: g.key(typeName), Steps: steps}
}

func (s shape) pattern() string {
	var b strings.Builder
	add := func(ok bool, step byte) {
		if ok {
			b.WriteByte(step)
		}
	}
	add(s.events, 'E')
	add(s.events, 'E')
	add(s.snapshots, 'S')
	add(s.events, 'E')
	add(s.events, 'E')
	add(s.snapshots, 'S')
	add(s.events, 'E')
	add(s.endsWithSnapshot, 'S')
	return b.String()
}

// race runs fn on count goroutines released at the same moment
func race(count int, fn func(i int) error) []error {
	res := make([]error, count)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range count {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res[i] = fn(i)
		}()
	}
	close(start)
	wg.Wait()
	return res
}

func assertConflict(
	t *testing.T, err error, key timeline.EntityKey, kind timeline.RecordKind,
	id int64,
) {
	t.Helper()
	assert.ErrorIs(t, err, timeline.ErrConflict)
	assert.False(t, timeline.IsRetryable(err))
	var ce *timeline.ConflictError
	if assert.ErrorAs(t, err, &ce) {
		assert.Equal(t, key, ce.Key)
		assert.Equal(t, kind, ce.Kind)
		assert.Equal(t, id, ce.ID)
	}
}

func assertEmpty(t *testing.T, store timeline.Store, key timeline.EntityKey) {
	t.Helper()
	stats, err := store.GetStatistics(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, stats.GreatestEventID)
	assert.Nil(t, stats.GreatestSnapshotID)
}

func closeStore(t *testing.T, store timeline.Store) {
	t.Helper()
	if c, ok := store.(io.Closer); ok {
		require.NoError(t, c.Close())
	}
}

func flipped(data []byte) []byte {
	res := bytes.Clone(data)
	res[0] ^= 0xFF
	return res
}

func ptr(v int64) *int64 {
	return &v
}
