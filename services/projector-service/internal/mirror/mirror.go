// Package mirror forwards integration events to Kafka so downstream
// systems outside the Redis deployment can subscribe without touching the
// broker directly. Each event type maps to its own topic.
package mirror

import (
	"context"
	"log/slog"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/slapcommerce/eventcore/libs/eventstore"
	"github.com/slapcommerce/eventcore/libs/kafkax"
)

type Mirror struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// New builds a mirror over the given broker list. The writer hashes by
// message key, so events for one aggregate keep their relative order
// within a topic partition.
func New(brokers []string, logger *slog.Logger) *Mirror {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Balancer: &kafka.Hash{},
	})
	return &Mirror{writer: writer, logger: logger}
}

func (m *Mirror) Close() error {
	return m.writer.Close()
}

// HandleIntegrationEvent publishes the event to the topic named after its
// event type. Errors bubble up so the consumer redelivers.
func (m *Mirror) HandleIntegrationEvent(ctx context.Context, ev eventstore.IntegrationEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: ev.EventName,
		Key:   []byte(ev.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "event_type", Value: []byte(ev.EventName)},
		},
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	return m.writer.WriteMessages(ctx, msg)
}
