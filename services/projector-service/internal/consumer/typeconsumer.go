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

// TypeConsumer follows the date-partitioned delivery streams for a set of
// aggregate types. Streams roll over at UTC midnight, so each cycle
// recomputes the active set (today plus yesterday) and lazily creates
// consumer groups on streams it has not seen. Delivery counts live in a
// consumer-owned hash per stream; dead letters go to the stream's :dlq
// shadow rather than the relational table, so they can be re-injected.
type TypeConsumer struct {
	client  *redis.Client
	dlq     *eventstore.StreamDLQ
	logger  *slog.Logger
	metrics *Metrics
	proc    *processor
	stream  string
	types   []string
	group   string
	name    string
	batch   int64
	block   time.Duration
	ensured map[string]bool
}

type TypeConfig struct {
	Stream         string
	Types          []string
	Group          string
	Consumer       string
	BatchSize      int64
	Block          time.Duration
	MaxDeliveries  int64
	HandlerTimeout time.Duration
}

func NewTypeConsumer(client *redis.Client, codec *eventstore.Codec, status StatusStore, projection, effect Handler, logger *slog.Logger, metrics *Metrics, cfg TypeConfig) *TypeConsumer {
	if cfg.Stream == "" {
		cfg.Stream = "events"
	}
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
	return &TypeConsumer{
		client:  client,
		dlq:     eventstore.NewStreamDLQ(client),
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
		stream:  cfg.Stream,
		types:   cfg.Types,
		group:   cfg.Group,
		name:    cfg.Consumer,
		batch:   cfg.BatchSize,
		block:   cfg.Block,
		ensured: make(map[string]bool),
	}
}

func (c *TypeConsumer) Run(ctx context.Context) {
	c.logger.Info("type consumer started", "stream", c.stream, "types", strings.Join(c.types, ","), "group", c.group, "consumer", c.name)
	for ctx.Err() == nil {
		streams := activeStreams(c.stream, c.types, time.Now())
		if err := c.ensureGroups(ctx, streams); err != nil {
			if ctx.Err() == nil {
				c.logger.Error("consumer group setup failed", "err", err)
				time.Sleep(time.Second)
			}
			continue
		}
		c.processPending(ctx, streams)
		c.processNew(ctx, streams)
	}
	c.logger.Info("type consumer stopped")
}

// activeStreams lists the partitions worth following at a given moment.
// Yesterday stays in the set so entries published just before the UTC
// rollover are still drained.
func activeStreams(stream string, types []string, now time.Time) []string {
	streams := make([]string, 0, len(types)*2)
	for _, t := range types {
		streams = append(streams, eventstore.DateStreamKey(stream, t, now.AddDate(0, 0, -1)))
		streams = append(streams, eventstore.DateStreamKey(stream, t, now))
	}
	return streams
}

func (c *TypeConsumer) ensureGroups(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		if c.ensured[stream] {
			continue
		}
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group on %s: %w", stream, err)
		}
		c.ensured[stream] = true
	}
	// Drop rolled-off partitions so the cache tracks only live ones.
	if len(c.ensured) > len(streams) {
		live := make(map[string]bool, len(streams))
		for _, s := range streams {
			live[s] = true
		}
		for s := range c.ensured {
			if !live[s] {
				delete(c.ensured, s)
			}
		}
	}
	return nil
}

func (c *TypeConsumer) processPending(ctx context.Context, streams []string) {
	for _, stream := range streams {
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{stream, "0"},
			Count:    c.batch,
			Block:    -1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			c.readFailed(ctx, err, stream)
			continue
		}
		for _, xs := range res {
			for _, msg := range xs.Messages {
				c.handle(ctx, xs.Stream, msg)
			}
		}
	}
}

func (c *TypeConsumer) processNew(ctx context.Context, streams []string) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  args,
		Count:    c.batch,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return
	}
	if err != nil {
		c.readFailed(ctx, err, "")
		if ctx.Err() == nil {
			time.Sleep(time.Second)
		}
		return
	}
	for _, xs := range res {
		for _, msg := range xs.Messages {
			c.handle(ctx, xs.Stream, msg)
		}
	}
}

// readFailed logs a group read error and, on NOGROUP, forgets the ensure
// cache so the next cycle recreates whatever was flushed or trimmed away.
func (c *TypeConsumer) readFailed(ctx context.Context, err error, stream string) {
	if ctx.Err() != nil {
		return
	}
	if strings.Contains(err.Error(), "NOGROUP") {
		clear(c.ensured)
	}
	if stream != "" {
		c.logger.Error("pending read failed", "stream", stream, "err", err)
		return
	}
	c.logger.Error("stream read failed", "err", err)
}

func (c *TypeConsumer) handle(ctx context.Context, stream string, msg redis.XMessage) {
	deliveries, err := c.client.HIncrBy(ctx, eventstore.DeliveriesKey(stream), msg.ID, 1).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("delivery count failed", "stream", stream, "entry", msg.ID, "err", err)
		}
		deliveries = 1
	}
	m := parseMessage(stream, msg, deliveries)
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

// deadLetter copies the entry onto the stream's :dlq shadow. A false
// return leaves it pending so the copy is retried. The outbox row is left
// as is; reprocessing the dead letter re-runs the normal path.
func (c *TypeConsumer) deadLetter(ctx context.Context, m message) bool {
	entry := eventstore.DLQEntry{
		OutboxID: m.OutboxID,
		Type:     m.Type,
		Payload:  m.Sealed,
		Error:    fmt.Sprintf("delivery ceiling reached after %d deliveries", m.Deliveries),
		Origin:   m.ID,
	}
	if err := c.dlq.Add(ctx, m.Stream, entry); err != nil {
		if ctx.Err() == nil {
			c.logger.Error("dead letter failed", "stream", m.Stream, "entry", m.ID, "err", err)
		}
		return false
	}
	c.metrics.DeadLettered.Inc()
	c.logger.Warn("message dead lettered", "stream", m.Stream, "entry", m.ID, "type", m.Type, "deliveries", m.Deliveries)
	return true
}

func (c *TypeConsumer) ack(ctx context.Context, m message) {
	if err := c.client.XAck(ctx, m.Stream, c.group, m.ID).Err(); err != nil && ctx.Err() == nil {
		c.logger.Error("ack failed", "stream", m.Stream, "entry", m.ID, "err", err)
	}
	if err := c.client.HDel(ctx, eventstore.DeliveriesKey(m.Stream), m.ID).Err(); err != nil && ctx.Err() == nil {
		c.logger.Error("delivery count cleanup failed", "stream", m.Stream, "entry", m.ID, "err", err)
	}
}
