package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/eventcore/libs/eventstore"
)

// GroupConsumer reads fixed outbox partition streams through a consumer
// group. Redelivery comes from the group's pending list; messages past
// the delivery ceiling move to the relational unprocessable table.
type GroupConsumer struct {
	client  *redis.Client
	status  StatusStore
	logger  *slog.Logger
	metrics *Metrics
	proc    *processor
	streams []string
	group   string
	name    string
	batch   int64
	block   time.Duration
}

type GroupConfig struct {
	Streams        []string
	Group          string
	Consumer       string
	BatchSize      int64
	Block          time.Duration
	MaxDeliveries  int64
	HandlerTimeout time.Duration
}

func NewGroupConsumer(client *redis.Client, codec *eventstore.Codec, status StatusStore, projection, effect Handler, logger *slog.Logger, metrics *Metrics, cfg GroupConfig) *GroupConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-" + uuid.NewString()
	}
	return &GroupConsumer{
		client:  client,
		status:  status,
		logger:  logger,
		metrics: metrics,
		proc: &processor{
			codec:          codec,
			status:         status,
			projection:     projection,
			effect:         effect,
			logger:         logger,
			metrics:        metrics,
			maxDeliveries:  cfg.MaxDeliveries,
			handlerTimeout: cfg.HandlerTimeout,
		},
		streams: cfg.Streams,
		group:   cfg.Group,
		name:    cfg.Consumer,
		batch:   cfg.BatchSize,
		block:   cfg.Block,
	}
}

// Run consumes until the context ends. Each cycle drains the consumer's
// own pending entries first, then blocks briefly for new ones; the block
// timeout is what paces retries of unacknowledged messages.
func (c *GroupConsumer) Run(ctx context.Context) {
	if err := c.ensureGroups(ctx); err != nil {
		c.logger.Error("consumer group setup failed", "err", err)
		return
	}
	c.logger.Info("consumer started", "streams", strings.Join(c.streams, ","), "group", c.group, "consumer", c.name)

	for ctx.Err() == nil {
		c.cycle(ctx)
	}
	c.logger.Info("consumer stopped")
}

func (c *GroupConsumer) ensureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group on %s: %w", stream, err)
		}
	}
	return nil
}

func (c *GroupConsumer) cycle(ctx context.Context) {
	c.processPending(ctx)
	c.processNew(ctx)
}

// processPending re-reads this consumer's unacknowledged entries with
// their broker-tracked delivery counts.
func (c *GroupConsumer) processPending(ctx context.Context) {
	for _, stream := range c.streams {
		counts := c.pendingCounts(ctx, stream)

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{stream, "0"},
			Count:    c.batch,
			Block:    -1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() == nil {
				c.logger.Error("pending read failed", "stream", stream, "err", err)
			}
			continue
		}
		for _, xs := range res {
			for _, msg := range xs.Messages {
				// counts predate this re-read, which is itself a delivery.
				c.handle(ctx, parseMessage(xs.Stream, msg, counts[msg.ID]+1))
			}
		}
	}
}

func (c *GroupConsumer) pendingCounts(ctx context.Context, stream string) map[string]int64 {
	counts := make(map[string]int64)
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    c.group,
		Start:    "-",
		End:      "+",
		Count:    c.batch,
		Consumer: c.name,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			c.logger.Error("pending summary failed", "stream", stream, "err", err)
		}
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

func (c *GroupConsumer) processNew(ctx context.Context) {
	streams := make([]string, 0, len(c.streams)*2)
	streams = append(streams, c.streams...)
	for range c.streams {
		streams = append(streams, ">")
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  streams,
		Count:    c.batch,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("stream read failed", "err", err)
			time.Sleep(time.Second)
		}
		return
	}
	for _, xs := range res {
		for _, msg := range xs.Messages {
			c.handle(ctx, parseMessage(xs.Stream, msg, 1))
		}
	}
}

func (c *GroupConsumer) handle(ctx context.Context, m message) {
	switch c.proc.process(ctx, m) {
	case outcomeAck:
		c.ack(ctx, m)
	case outcomeDeadLetter:
		if c.deadLetter(ctx, m) {
			c.ack(ctx, m)
		}
	case outcomeRetry:
		// Unacked on purpose; the pending read picks it back up.
	}
}

// deadLetter moves the message's outbox row to the unprocessable table.
// A false return leaves the entry pending so the move is retried.
func (c *GroupConsumer) deadLetter(ctx context.Context, m message) bool {
	id, err := uuid.Parse(m.OutboxID)
	if err != nil {
		return true
	}
	reason := fmt.Sprintf("delivery ceiling reached after %d deliveries", m.Deliveries)
	if err := c.status.MoveToUnprocessable(ctx, id, reason); err != nil {
		if ctx.Err() == nil {
			c.logger.Error("unprocessable move failed", "id", id, "err", err)
		}
		return false
	}
	c.metrics.DeadLettered.Inc()
	c.logger.Warn("message moved to unprocessable dlq", "id", id, "type", m.Type, "deliveries", m.Deliveries)
	return true
}

func (c *GroupConsumer) ack(ctx context.Context, m message) {
	if err := c.client.XAck(ctx, m.Stream, c.group, m.ID).Err(); err != nil && ctx.Err() == nil {
		c.logger.Error("ack failed", "stream", m.Stream, "entry", m.ID, "err", err)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
