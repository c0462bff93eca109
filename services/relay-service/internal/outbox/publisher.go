package outbox

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/eventcore/libs/eventstore"
)

// Partitioner picks the broker stream for an integration event. Two
// layouts exist: a fixed partition count keyed by aggregate id, and
// per-type streams partitioned by UTC publish date for consumers that
// roll over daily.
type Partitioner struct {
	Stream     string
	Partitions int
	ByDate     bool
}

func (p Partitioner) StreamFor(ev eventstore.IntegrationEvent, now time.Time) string {
	if p.ByDate {
		return eventstore.DateStreamKey(p.Stream, ev.AggregateType, now)
	}
	if p.Partitions <= 1 {
		return p.Stream
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.AggregateID))
	return eventstore.PartitionStreamKey(p.Stream, int(h.Sum32()%uint32(p.Partitions)))
}

// Publisher seals integration events and appends them to their stream
// with the fields consumers expect: outbox_id, type, payload.
type Publisher struct {
	client      *redis.Client
	codec       *eventstore.Codec
	partitioner Partitioner
}

func NewPublisher(client *redis.Client, codec *eventstore.Codec, partitioner Partitioner) *Publisher {
	return &Publisher{client: client, codec: codec, partitioner: partitioner}
}

// Publish writes the message to the broker and returns the stream it
// landed on.
func (p *Publisher) Publish(ctx context.Context, msg *Message) (string, error) {
	sealed, err := p.codec.SealIntegration(msg.Event)
	if err != nil {
		return "", fmt.Errorf("seal event %s: %w", msg.ID, err)
	}
	stream := p.partitioner.StreamFor(msg.Event, time.Now())
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"outbox_id": msg.ID.String(),
			"type":      msg.Event.EventName,
			"payload":   sealed,
		},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}
	return stream, nil
}
