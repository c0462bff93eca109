// Package readmodel maintains the aggregate summary views consumed by
// query-side services: one hash per aggregate plus a per-type membership
// index.
package readmodel

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/eventcore/libs/eventstore"
	"github.com/slapcommerce/eventcore/libs/projection"
)

func SummaryKey(aggregateID string) string {
	return "aggregate:" + aggregateID
}

func TypeIndexKey(aggregateType string) string {
	return "aggregates:" + aggregateType
}

type Projector struct {
	client *redis.Client
}

func New(client *redis.Client) *Projector {
	return &Projector{client: client}
}

// HandleIntegrationEvent folds one event into the summary view. The
// projection version is expected to trail the event by exactly one, which
// makes the update idempotent: a redelivered event finds the version
// already advanced and is dropped, while an event arriving ahead of its
// predecessor conflicts and retries until the gap fills.
func (p *Projector) HandleIntegrationEvent(ctx context.Context, ev eventstore.IntegrationEvent) error {
	txn := projection.New(p.client, ev.AggregateID, ev.Version-1).
		HSet(SummaryKey(ev.AggregateID),
			"aggregateId", ev.AggregateID,
			"aggregateType", ev.AggregateType,
			"lastEvent", ev.EventName,
			"lastEventAt", strconv.FormatInt(ev.OccurredAt, 10),
			"version", strconv.FormatInt(ev.Version, 10),
		).
		SAdd(TypeIndexKey(ev.AggregateType), ev.AggregateID)

	if _, err := txn.Commit(ctx); err != nil {
		var conflict *projection.ConflictError
		if errors.As(err, &conflict) && conflict.Actual >= ev.Version {
			// Already folded in by an earlier delivery.
			return nil
		}
		return err
	}
	return nil
}

// Summary reads an aggregate's summary hash. Missing aggregates return a
// nil map.
func (p *Projector) Summary(ctx context.Context, aggregateID string) (map[string]string, error) {
	fields, err := p.client.HGetAll(ctx, SummaryKey(aggregateID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}
