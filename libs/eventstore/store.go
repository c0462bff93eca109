package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const DefaultDedupTTL = 600 * time.Second

// Store is the broker-side event store: aggregate streams, type streams,
// snapshots, command dedup. All writes go through Commit transactions.
type Store struct {
	client   *redis.Client
	codec    *Codec
	dedupTTL time.Duration
}

// NewStore wires a store over an open client. dedupTTL bounds how long a
// committed command ID keeps answering with its cached sequence number;
// zero means DefaultDedupTTL.
func NewStore(client *redis.Client, codec *Codec, dedupTTL time.Duration) *Store {
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	return &Store{client: client, codec: codec, dedupTTL: dedupTTL}
}

// NewCommit opens a commit transaction for one aggregate type and command.
func (s *Store) NewCommit(aggregateType, commandID string) *Commit {
	return &Commit{store: s, aggregateType: aggregateType, commandID: commandID}
}

// Save is the common whole-aggregate path: every uncommitted event goes to
// the aggregate stream and the type stream, plus an optional snapshot.
func (s *Store) Save(ctx context.Context, aggregateType, commandID string, events []Event, snap *Snapshot) (int64, error) {
	if len(events) == 0 {
		return 0, errors.New("no uncommitted events")
	}
	commit := s.NewCommit(aggregateType, commandID)
	for _, ev := range events {
		if err := commit.AppendEvent(ev); err != nil {
			return 0, err
		}
		if err := commit.AppendToTypeStream(ev); err != nil {
			return 0, err
		}
	}
	if snap != nil {
		if err := commit.SaveSnapshot(events[0].AggregateID, *snap); err != nil {
			return 0, err
		}
	}
	return commit.Commit(ctx)
}

// LoadEvents reads an aggregate's events from fromVersion (inclusive)
// onward, decoded. A missing stream yields an empty slice.
func (s *Store) LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]Event, error) {
	msgs, err := s.client.XRange(ctx, EventStreamKey(aggregateID), EntryID(fromVersion), "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", EventStreamKey(aggregateID), err)
	}
	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		body, ok := msg.Values["event"].(string)
		if !ok {
			return nil, fmt.Errorf("stream %s entry %s has no event body", EventStreamKey(aggregateID), msg.ID)
		}
		ev, err := s.codec.Decode([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", msg.ID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// CurrentVersion reports the next version an append to the aggregate must
// carry, which is the stream's length. Zero for a fresh aggregate.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	return s.client.XLen(ctx, EventStreamKey(aggregateID)).Result()
}

// LoadSnapshot returns the stored snapshot, or nil when none exists.
func (s *Store) LoadSnapshot(ctx context.Context, aggregateType, aggregateID string) (*Snapshot, error) {
	raw, err := s.client.Get(ctx, SnapshotKey(aggregateType, aggregateID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
