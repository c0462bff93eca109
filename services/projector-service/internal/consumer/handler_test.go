package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/eventcore/libs/eventstore"
)

type fakeStatus struct {
	statuses  map[uuid.UUID]string
	statusErr error
	markErr   error
	marked    []uuid.UUID
	moved     []uuid.UUID
}

func (f *fakeStatus) Status(ctx context.Context, id uuid.UUID) (string, bool, error) {
	if f.statusErr != nil {
		return "", false, f.statusErr
	}
	s, ok := f.statuses[id]
	return s, ok, nil
}

func (f *fakeStatus) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeStatus) MoveToUnprocessable(ctx context.Context, id uuid.UUID, lastError string) error {
	f.moved = append(f.moved, id)
	return nil
}

type handlerSpy struct {
	calls int
	err   error
}

func (h *handlerSpy) HandleIntegrationEvent(ctx context.Context, ev eventstore.IntegrationEvent) error {
	h.calls++
	return h.err
}

func testSealed(t *testing.T, codec *eventstore.Codec, id uuid.UUID) string {
	t.Helper()
	sealed, err := codec.SealIntegration(eventstore.IntegrationEvent{
		ID:            id.String(),
		EventName:     "order.shipped",
		OccurredAt:    1770000000000,
		AggregateType: "order",
		AggregateID:   "order-1",
		Version:       3,
		Payload:       json.RawMessage(`{"carrier":"dhl"}`),
	})
	if err != nil {
		t.Fatalf("SealIntegration failed: %v", err)
	}
	return sealed
}

func newTestProcessor(t *testing.T, status *fakeStatus, projection, effect Handler) (*processor, *eventstore.Codec) {
	t.Helper()
	key, err := eventstore.MasterKeyFromHex(strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("MasterKeyFromHex failed: %v", err)
	}
	crypto, err := eventstore.NewCrypto(key)
	if err != nil {
		t.Fatalf("NewCrypto failed: %v", err)
	}
	codec, err := eventstore.NewCodec(eventstore.Registry{}, crypto)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	return &processor{
		codec:          codec,
		status:         status,
		projection:     projection,
		effect:         effect,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:        NewMetrics(prometheus.NewRegistry()),
		maxDeliveries:  5,
		handlerTimeout: time.Second,
	}, codec
}

func pendingStatus(id uuid.UUID) *fakeStatus {
	return &fakeStatus{statuses: map[uuid.UUID]string{id: "dispatched"}}
}

func TestProcessSuccess(t *testing.T) {
	id := uuid.New()
	status := pendingStatus(id)
	projection := &handlerSpy{}
	effect := &handlerSpy{}
	p, codec := newTestProcessor(t, status, projection, effect)

	m := message{Stream: "events", ID: "1-1", OutboxID: id.String(), Type: "order.shipped",
		Sealed: testSealed(t, codec, id), Deliveries: 1}

	if got := p.process(context.Background(), m); got != outcomeAck {
		t.Fatalf("expected ack, got %v", got)
	}
	if projection.calls != 1 || effect.calls != 1 {
		t.Fatalf("expected both handlers once, got %d/%d", projection.calls, effect.calls)
	}
	if len(status.marked) != 1 || status.marked[0] != id {
		t.Fatalf("expected row marked processed, got %v", status.marked)
	}
}

func TestProcessBadOutboxIDDropped(t *testing.T) {
	projection := &handlerSpy{}
	p, _ := newTestProcessor(t, &fakeStatus{}, projection, nil)

	m := message{Stream: "events", ID: "1-1", OutboxID: "not-a-uuid", Sealed: "whatever"}
	if got := p.process(context.Background(), m); got != outcomeAck {
		t.Fatalf("expected ack for malformed id, got %v", got)
	}
	if projection.calls != 0 {
		t.Fatal("handler must not run for malformed messages")
	}
}

func TestProcessUndecodablePayloadDropped(t *testing.T) {
	id := uuid.New()
	projection := &handlerSpy{}
	p, _ := newTestProcessor(t, pendingStatus(id), projection, nil)

	m := message{Stream: "events", ID: "1-1", OutboxID: id.String(), Sealed: "garbage"}
	if got := p.process(context.Background(), m); got != outcomeAck {
		t.Fatalf("expected ack for undecodable payload, got %v", got)
	}
	if projection.calls != 0 {
		t.Fatal("handler must not run for undecodable messages")
	}
}

func TestProcessStatusLookupFailureRetries(t *testing.T) {
	id := uuid.New()
	status := &fakeStatus{statusErr: errors.New("db down")}
	p, codec := newTestProcessor(t, status, &handlerSpy{}, nil)

	m := message{Stream: "events", ID: "1-1", OutboxID: id.String(),
		Sealed: testSealed(t, codec, id), Deliveries: 1}
	if got := p.process(context.Background(), m); got != outcomeRetry {
		t.Fatalf("expected retry, got %v", got)
	}
}

func TestProcessMissingRowDropped(t *testing.T) {
	id := uuid.New()
	projection := &handlerSpy{}
	p, codec := newTestProcessor(t, &fakeStatus{}, projection, nil)

	m := message{Stream: "events", ID: "1-1", OutboxID: id.String(),
		Sealed: testSealed(t, codec, id), Deliveries: 1}
	if got := p.process(context.Background(), m); got != outcomeAck {
		t.Fatalf("expected ack for missing row, got %v", got)
	}
	if projection.calls != 0 {
		t.Fatal("handler must not run when the row is gone")
	}
}

func TestProcessAlreadyProcessedDropped(t *testing.T) {
	id := uuid.New()
	status := &fakeStatus{statuses: map[uuid.UUID]string{id: StatusProcessed}}
	projection := &handlerSpy{}
	p, codec := newTestProcessor(t, status, projection, nil)

	m := message{Stream: "events", ID: "1-1", OutboxID: id.String(),
		Sealed: testSealed(t, codec, id), Deliveries: 1}
	if got := p.process(context.Background(), m); got != outcomeAck {
		t.Fatalf("expected ack for processed row, got %v", got)
	}
	if projection.calls != 0 {
		t.Fatal("handler must not run twice for one outbox row")
	}
}

func TestProcessDeliveryCeilingDeadLetters(t *testing.T) {
	id := uuid.New()
	projection := &handlerSpy{}
	p, codec := newTestProcessor(t, pendingStatus(id), projection, nil)

	m := message{Stream: "events", ID: "1-1", OutboxID: id.String(),
		Sealed: testSealed(t, codec, id), Deliveries: 5}
	if got := p.process(context.Background(), m); got != outcomeDeadLetter {
		t.Fatalf("expected dead letter at the ceiling, got %v", got)
	}
	if projection.calls != 0 {
		t.Fatal("handlers must not run once the ceiling is reached")
	}
}

func TestProcessHandlerFailureRetries(t *testing.T) {
	id := uuid.New()
	status := pendingStatus(id)
	projection := &handlerSpy{err: errors.New("projection store down")}
	effect := &handlerSpy{}
	p, codec := newTestProcessor(t, status, projection, effect)

	m := message{Stream: "events", ID: "1-1", OutboxID: id.String(),
		Sealed: testSealed(t, codec, id), Deliveries: 2}
	if got := p.process(context.Background(), m); got != outcomeRetry {
		t.Fatalf("expected retry on handler failure, got %v", got)
	}
	if len(status.marked) != 0 {
		t.Fatal("row must not be marked processed when a handler fails")
	}
}

func TestProcessMarkProcessedFailureRetries(t *testing.T) {
	id := uuid.New()
	status := pendingStatus(id)
	status.markErr = errors.New("db down")
	p, codec := newTestProcessor(t, status, &handlerSpy{}, nil)

	m := message{Stream: "events", ID: "1-1", OutboxID: id.String(),
		Sealed: testSealed(t, codec, id), Deliveries: 1}
	if got := p.process(context.Background(), m); got != outcomeRetry {
		t.Fatalf("expected retry when mark fails, got %v", got)
	}
}

func TestProcessWithoutEffectHandler(t *testing.T) {
	id := uuid.New()
	status := pendingStatus(id)
	projection := &handlerSpy{}
	p, codec := newTestProcessor(t, status, projection, nil)

	m := message{Stream: "events", ID: "1-1", OutboxID: id.String(),
		Sealed: testSealed(t, codec, id), Deliveries: 1}
	if got := p.process(context.Background(), m); got != outcomeAck {
		t.Fatalf("expected ack, got %v", got)
	}
	if projection.calls != 1 {
		t.Fatalf("projection handler should run alone, got %d calls", projection.calls)
	}
}

func TestParseMessage(t *testing.T) {
	msg := redis.XMessage{
		ID: "7-1",
		Values: map[string]any{
			"outbox_id": "abc",
			"type":      "order.shipped",
			"payload":   "sealed-bytes",
		},
	}
	m := parseMessage("events:2", msg, 3)
	if m.Stream != "events:2" || m.ID != "7-1" || m.OutboxID != "abc" ||
		m.Type != "order.shipped" || m.Sealed != "sealed-bytes" || m.Deliveries != 3 {
		t.Fatalf("parse mismatch: %+v", m)
	}

	empty := parseMessage("events", redis.XMessage{ID: "1-1", Values: map[string]any{"payload": 42}}, 1)
	if empty.OutboxID != "" || empty.Sealed != "" {
		t.Fatalf("non-string values should parse as empty, got %+v", empty)
	}
}

func TestActiveStreamsRollsOverUTCDays(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 30, 0, 0, time.UTC)
	got := activeStreams("events", []string{"order", "customer"}, now)
	want := []string{
		"events:order:2026-03-09",
		"events:order:2026-03-10",
		"events:customer:2026-03-09",
		"events:customer:2026-03-10",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d streams, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stream %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
