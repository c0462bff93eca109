package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/slapcommerce/eventcore/libs/eventstore"
)

// Handler is a downstream collaborator fed one integration event per
// delivery. Both configured handlers must succeed before a message is
// acknowledged.
type Handler interface {
	HandleIntegrationEvent(ctx context.Context, ev eventstore.IntegrationEvent) error
}

type HandlerFunc func(ctx context.Context, ev eventstore.IntegrationEvent) error

func (f HandlerFunc) HandleIntegrationEvent(ctx context.Context, ev eventstore.IntegrationEvent) error {
	return f(ctx, ev)
}

// message is one delivery pulled off a stream, parsed.
type message struct {
	Stream     string
	ID         string
	OutboxID   string
	Type       string
	Sealed     string
	Deliveries int64
}

func parseMessage(stream string, msg redis.XMessage, deliveries int64) message {
	return message{
		Stream:     stream,
		ID:         msg.ID,
		OutboxID:   stringValue(msg.Values, "outbox_id"),
		Type:       stringValue(msg.Values, "type"),
		Sealed:     stringValue(msg.Values, "payload"),
		Deliveries: deliveries,
	}
}

type outcome int

const (
	// outcomeAck: finished with the message — processed, duplicate, or
	// unfixably malformed.
	outcomeAck outcome = iota
	// outcomeRetry: transient failure; leave unacknowledged so the broker
	// redelivers it.
	outcomeRetry
	// outcomeDeadLetter: delivery ceiling reached; the variant moves the
	// message to its dead-letter sink and then acknowledges.
	outcomeDeadLetter
)

// processor is the per-message state machine both consumer variants share:
// idempotency check, delivery ceiling, then the two handlers run
// concurrently and must both succeed.
type processor struct {
	codec          *eventstore.Codec
	status         StatusStore
	projection     Handler
	effect         Handler
	logger         *slog.Logger
	metrics        *Metrics
	maxDeliveries  int64
	handlerTimeout time.Duration
}

func (p *processor) process(ctx context.Context, m message) outcome {
	ctx, span := otel.Tracer("consumer").Start(ctx, "stream.process",
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination", m.Stream),
		),
	)
	defer span.End()

	p.metrics.Consumed.Inc()

	id, err := uuid.Parse(m.OutboxID)
	if err != nil {
		p.metrics.Malformed.Inc()
		p.logger.Error("message with bad outbox id dropped", "stream", m.Stream, "entry", m.ID, "outbox_id", m.OutboxID)
		return outcomeAck
	}
	ev, err := p.codec.OpenIntegration(m.Sealed)
	if err != nil {
		// Retrying cannot fix a payload that does not decode.
		p.metrics.Malformed.Inc()
		p.logger.Error("undecodable message dropped", "stream", m.Stream, "entry", m.ID, "id", id, "err", err)
		return outcomeAck
	}

	status, exists, err := p.status.Status(ctx, id)
	if err != nil {
		p.logger.Error("status lookup failed", "id", id, "err", err)
		return outcomeRetry
	}
	if !exists || status == StatusProcessed {
		p.metrics.Duplicates.Inc()
		return outcomeAck
	}

	if m.Deliveries >= p.maxDeliveries {
		return outcomeDeadLetter
	}

	// In-flight work survives shutdown up to the handler timeout instead
	// of being cancelled mid-handler.
	handlerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.handlerTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(handlerCtx)
	if p.projection != nil {
		g.Go(func() error {
			if err := p.projection.HandleIntegrationEvent(gctx, ev); err != nil {
				return fmt.Errorf("projection handler: %w", err)
			}
			return nil
		})
	}
	if p.effect != nil {
		g.Go(func() error {
			if err := p.effect.HandleIntegrationEvent(gctx, ev); err != nil {
				return fmt.Errorf("effect handler: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		p.metrics.HandlerFailures.Inc()
		p.logger.Error("handlers failed, message will be redelivered",
			"id", id, "type", ev.EventName, "deliveries", m.Deliveries, "err", err)
		return outcomeRetry
	}

	if err := p.status.MarkProcessed(ctx, id); err != nil {
		p.logger.Error("mark processed failed", "id", id, "err", err)
		return outcomeRetry
	}
	p.metrics.Processed.Inc()
	return outcomeAck
}

func stringValue(values map[string]any, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
