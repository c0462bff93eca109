package eventstore

import (
	"context"
	"fmt"
)

// Aggregate is what the commit path needs from a domain aggregate:
// identity plus the events the current command produced. Implementations
// stay pure folds over their history; the store never mutates one.
type Aggregate interface {
	AggregateID() string
	AggregateType() string
	UncommittedEvents() []Event
}

// Snapshotter marks aggregates that can serialize their state.
// SaveAggregate stores the snapshot alongside the commit when implemented.
type Snapshotter interface {
	Snapshot() (*Snapshot, error)
}

// SaveAggregate commits every uncommitted event to the aggregate and type
// streams, snapshotting when the aggregate supports it.
func (s *Store) SaveAggregate(ctx context.Context, commandID string, agg Aggregate) (int64, error) {
	var snap *Snapshot
	if sn, ok := agg.(Snapshotter); ok {
		var err error
		snap, err = sn.Snapshot()
		if err != nil {
			return 0, fmt.Errorf("snapshot %s: %w", agg.AggregateID(), err)
		}
	}
	return s.Save(ctx, agg.AggregateType(), commandID, agg.UncommittedEvents(), snap)
}

// Rehydrate replays an aggregate's history through fold, starting from
// the stored snapshot when restore is given and one exists. It returns
// the version the next append must carry.
func (s *Store) Rehydrate(ctx context.Context, aggregateType, aggregateID string, restore func(Snapshot) error, fold func(Event) error) (int64, error) {
	from := int64(0)
	if restore != nil {
		snap, err := s.LoadSnapshot(ctx, aggregateType, aggregateID)
		if err != nil {
			return 0, err
		}
		if snap != nil {
			if err := restore(*snap); err != nil {
				return 0, fmt.Errorf("restore snapshot: %w", err)
			}
			from = snap.Version + 1
		}
	}
	events, err := s.LoadEvents(ctx, aggregateID, from)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if err := fold(ev); err != nil {
			return 0, fmt.Errorf("fold version %d: %w", ev.Version, err)
		}
	}
	return from + int64(len(events)), nil
}
