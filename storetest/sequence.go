package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/kode4food/timeline"
)

type (
	// Step is one write of a Sequence, either an event or a snapshot
	Step struct {
		Data     []byte
		Snapshot bool
	}

	// Sequence is the ordered list of writes a caller makes to one key. The
	// id of every step follows from its position: an event occupies the
	// count of prior events, a snapshot summarizes the event before it.
	// Two adjacent snapshot steps would share one boundary, so Validate
	// rejects them and Persist refuses to write such a Sequence
	Sequence struct {
		Key   timeline.EntityKey
		Steps []Step
	}

	// Expectation is what a Store must report for a Sequence's key once
	// every step has been persisted
	Expectation struct {
		Statistics timeline.Statistics
		Events     [][]byte
		Snapshots  []SnapshotExpectation
	}

	// SnapshotExpectation is one committed snapshot and its boundary
	SnapshotExpectation struct {
		Data      []byte
		AtEventID int64
	}
)

// ErrAdjacentSnapshots is returned for a Sequence with two snapshot steps
// in a row
var ErrAdjacentSnapshots = errors.New("adjacent snapshot steps")

// Validate reports whether every snapshot step has a boundary of its own
func (s Sequence) Validate() error {
	for i := 1; i < len(s.Steps); i++ {
		if s.Steps[i].Snapshot && s.Steps[i-1].Snapshot {
			return fmt.Errorf("%w: %s steps %d and %d",
				ErrAdjacentSnapshots, s.Key, i-1, i,
			)
		}
	}
	return nil
}

// IDs returns the event id, or snapshot boundary, of every step
func (s Sequence) IDs() []int64 {
	res := make([]int64, len(s.Steps))
	var next int64
	for i, step := range s.Steps {
		if step.Snapshot {
			res[i] = next - 1
			continue
		}
		res[i] = next
		next++
	}
	return res
}

// Expect computes the expected store contents from the steps alone
func (s Sequence) Expect() Expectation {
	var res Expectation
	greatestSnap := timeline.NoEvents
	hasSnap := false
	for i, id := range s.IDs() {
		step := s.Steps[i]
		if step.Snapshot {
			res.Snapshots = append(res.Snapshots, SnapshotExpectation{
				Data:      step.Data,
				AtEventID: id,
			})
			greatestSnap = id
			hasSnap = true
			continue
		}
		res.Events = append(res.Events, step.Data)
	}
	res.Statistics = timeline.NewStatistics(
		int64(len(res.Events))-1, greatestSnap, hasSnap,
	)
	return res
}

// Persist writes every step of the sequence in order
func (s Sequence) Persist(ctx context.Context, store timeline.Store) error {
	if err := s.Validate(); err != nil {
		return err
	}
	for i, id := range s.IDs() {
		if err := persistStep(ctx, store, s.Key, s.Steps[i], id); err != nil {
			return err
		}
	}
	return nil
}

// PersistInterleaved drives all sequences in rounds. Each round persists a
// proportional slice of every sequence, so writes to the different keys are
// mixed together and all sequences finish in the same round
func PersistInterleaved(
	ctx context.Context, store timeline.Store, seqs ...Sequence,
) error {
	maxSteps := 0
	ids := make([][]int64, len(seqs))
	for i, seq := range seqs {
		if err := seq.Validate(); err != nil {
			return err
		}
		maxSteps = max(maxSteps, len(seq.Steps))
		ids[i] = seq.IDs()
	}

	for round := range maxSteps {
		for i, seq := range seqs {
			count := len(seq.Steps)
			from := round * count / maxSteps
			to := (round + 1) * count / maxSteps
			for j := from; j < to; j++ {
				err := persistStep(ctx, store, seq.Key, seq.Steps[j], ids[i][j])
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Check compares what store reports for the sequence's key against the
// sequence's Expectation, returning the first difference found
func Check(ctx context.Context, store timeline.Store, seq Sequence) error {
	key := seq.Key
	exp := seq.Expect()

	stats, err := store.GetStatistics(ctx, key)
	if err != nil {
		return fmt.Errorf("%s: get statistics: %w", key, err)
	}
	if !sameOptional(stats.GreatestEventID, exp.Statistics.GreatestEventID) {
		return fmt.Errorf("%s: greatest event id is %s, expected %s", key,
			optionalString(stats.GreatestEventID),
			optionalString(exp.Statistics.GreatestEventID),
		)
	}
	greatestSnap := stats.GreatestSnapshotID
	if !sameOptional(greatestSnap, exp.Statistics.GreatestSnapshotID) {
		return fmt.Errorf("%s: greatest snapshot id is %s, expected %s", key,
			optionalString(greatestSnap),
			optionalString(exp.Statistics.GreatestSnapshotID),
		)
	}

	for i, want := range exp.Events {
		got, err := store.GetEvent(ctx, key, int64(i))
		if err != nil {
			return fmt.Errorf("%s: get event %d: %w", key, i, err)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("%s: event %d holds %x, expected %x",
				key, i, got, want,
			)
		}
	}

	for _, snap := range exp.Snapshots {
		got, err := store.GetSnapshot(ctx, key, snap.AtEventID)
		if err != nil {
			return fmt.Errorf("%s: get snapshot %d: %w",
				key, snap.AtEventID, err,
			)
		}
		if !bytes.Equal(got, snap.Data) {
			return fmt.Errorf("%s: snapshot %d holds %x, expected %x",
				key, snap.AtEventID, got, snap.Data,
			)
		}
	}

	past := int64(len(exp.Events))
	_, err = store.GetEvent(ctx, key, past)
	if !errors.Is(err, timeline.ErrNotFound) {
		return fmt.Errorf("%s: get event %d past the end returned %v",
			key, past, err,
		)
	}
	return nil
}

func persistStep(
	ctx context.Context, store timeline.Store, key timeline.EntityKey,
	step Step, id int64,
) error {
	if step.Snapshot {
		if err := store.PersistSnapshot(ctx, key, id, step.Data); err != nil {
			return fmt.Errorf("%s: persist snapshot %d: %w", key, id, err)
		}
		return nil
	}
	if err := store.PersistEvent(ctx, key, id, step.Data); err != nil {
		return fmt.Errorf("%s: persist event %d: %w", key, id, err)
	}
	return nil
}

func sameOptional(l, r *int64) bool {
	if l == nil || r == nil {
		return l == r
	}
	return *l == *r
}

func optionalString(v *int64) string {
	if v == nil {
		return "absent"
	}
	return strconv.FormatInt(*v, 10)
}
