package eventstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// reprocessScript moves a dead-letter entry back onto its source stream
// atomically, so an entry is never both live and dead-lettered.
var reprocessScript = redis.NewScript(`
local entry = redis.call('XRANGE', KEYS[1], ARGV[1], ARGV[1])
if #entry == 0 then
  return 0
end
redis.call('XADD', KEYS[2], '*', unpack(entry[1][2]))
redis.call('XDEL', KEYS[1], ARGV[1])
return 1
`)

// DLQEntry is one dead-lettered message on a stream's :dlq shadow.
type DLQEntry struct {
	ID       string
	OutboxID string
	Type     string
	Payload  string
	Error    string
	Origin   string
}

// StreamDLQ implements the inspection and recovery operations over
// :dlq-suffixed streams.
type StreamDLQ struct {
	client *redis.Client
}

func NewStreamDLQ(client *redis.Client) *StreamDLQ {
	return &StreamDLQ{client: client}
}

// Add dead-letters a message from the given source stream. The sealed
// payload is carried as-is so the entry can be reprocessed later.
func (d *StreamDLQ) Add(ctx context.Context, stream string, e DLQEntry) error {
	return d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQKey(stream),
		Values: map[string]any{
			"outbox_id": e.OutboxID,
			"type":      e.Type,
			"payload":   e.Payload,
			"error":     e.Error,
			"origin":    e.Origin,
		},
	}).Err()
}

// Entries reads up to count dead-letter entries, oldest first. count <= 0
// reads everything.
func (d *StreamDLQ) Entries(ctx context.Context, stream string, count int64) ([]DLQEntry, error) {
	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = d.client.XRangeN(ctx, DLQKey(stream), "-", "+", count).Result()
	} else {
		msgs, err = d.client.XRange(ctx, DLQKey(stream), "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", DLQKey(stream), err)
	}
	entries := make([]DLQEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, DLQEntry{
			ID:       msg.ID,
			OutboxID: stringValue(msg.Values, "outbox_id"),
			Type:     stringValue(msg.Values, "type"),
			Payload:  stringValue(msg.Values, "payload"),
			Error:    stringValue(msg.Values, "error"),
			Origin:   stringValue(msg.Values, "origin"),
		})
	}
	return entries, nil
}

// Delete removes entries by ID and reports how many existed.
func (d *StreamDLQ) Delete(ctx context.Context, stream string, ids ...string) (int64, error) {
	return d.client.XDel(ctx, DLQKey(stream), ids...).Result()
}

// Clear drops the whole dead-letter stream.
func (d *StreamDLQ) Clear(ctx context.Context, stream string) error {
	return d.client.Del(ctx, DLQKey(stream)).Err()
}

// Reprocess re-injects one entry into the source stream and removes it
// from the dead-letter stream. Returns false when the entry is gone.
func (d *StreamDLQ) Reprocess(ctx context.Context, stream, id string) (bool, error) {
	moved, err := reprocessScript.Run(ctx, d.client, []string{DLQKey(stream), stream}, id).Int64()
	if err != nil {
		return false, fmt.Errorf("reprocess %s from %s: %w", id, DLQKey(stream), err)
	}
	return moved == 1, nil
}

func stringValue(values map[string]any, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
