package eventstore

import (
	"errors"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

type cardCharged struct {
	OrderID string  `json:"orderId,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
	CardPAN string  `json:"cardPan,omitempty"`
}

type refundIssued struct {
	OrderID string `json:"orderId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func testRegistry() Registry {
	return Registry{
		"card.charged": {
			PayloadVersion: 1,
			Fields:         []string{"orderId", "amount", "cardPan", "userId"},
			Encrypted:      []string{"cardPan"},
			New:            func() any { return &cardCharged{} },
		},
		"refund.issued": {
			PayloadVersion: 3,
			Fields:         []string{"orderId", "reason"},
			New:            func() any { return &refundIssued{} },
		},
	}
}

func testCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(testRegistry(), testCrypto(t))
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	return codec
}

func TestCodecRoundTrip(t *testing.T) {
	codec := testCodec(t)
	ev := Event{
		EventName:     "card.charged",
		OccurredAt:    time.Date(2026, 5, 4, 12, 30, 0, 0, time.UTC),
		CorrelationID: "corr-1",
		AggregateID:   "order-1",
		Version:       4,
		UserID:        "user-9",
		Payload:       cardCharged{OrderID: "order-1", Amount: 12.5, CardPAN: "4111111111111111"},
	}

	wire, err := codec.Encode(ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := codec.Decode(wire)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.EventName != ev.EventName || got.CorrelationID != ev.CorrelationID ||
		got.AggregateID != ev.AggregateID || got.Version != ev.Version {
		t.Fatalf("envelope mismatch: %+v", got)
	}
	if !got.OccurredAt.Equal(ev.OccurredAt) {
		t.Fatalf("occurredAt mismatch: got %s", got.OccurredAt)
	}
	if got.UserID != "user-9" {
		t.Fatalf("userId not hoisted: got %q", got.UserID)
	}
	payload, ok := got.Payload.(*cardCharged)
	if !ok {
		t.Fatalf("payload type: got %T", got.Payload)
	}
	if payload.OrderID != "order-1" || payload.Amount != 12.5 || payload.CardPAN != "4111111111111111" {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}

func TestCodecWireShapePartialEncryption(t *testing.T) {
	codec := testCodec(t)
	wire, err := codec.Encode(Event{
		EventName:   "card.charged",
		OccurredAt:  time.UnixMilli(1770000000000),
		AggregateID: "order-1",
		Payload:     cardCharged{OrderID: "order-1", Amount: 3, CardPAN: "4111111111111111"},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if strings.Contains(string(wire), "4111") {
		t.Fatal("encrypted field is readable on the wire")
	}

	var outer []json.RawMessage
	if err := json.Unmarshal(wire, &outer); err != nil {
		t.Fatalf("wire is not a JSON array: %v", err)
	}
	if len(outer) != 6 {
		t.Fatalf("expected 6 envelope elements, got %d", len(outer))
	}
	if string(outer[0]) != `"card.charged"` {
		t.Fatalf("element 0: got %s", outer[0])
	}
	if string(outer[1]) != "1770000000000" {
		t.Fatalf("element 1: got %s", outer[1])
	}

	var payload []json.RawMessage
	if err := json.Unmarshal(outer[5], &payload); err != nil {
		t.Fatalf("payload is not an array: %v", err)
	}
	if len(payload) != 5 {
		t.Fatalf("expected payloadVersion + 4 fields, got %d elements", len(payload))
	}
	if string(payload[0]) != "1" {
		t.Fatalf("payload version slot: got %s", payload[0])
	}
	if string(payload[1]) != `"order-1"` {
		t.Fatalf("plain field should stay readable: got %s", payload[1])
	}
	if string(payload[4]) != "null" {
		t.Fatalf("absent userId should encode as null: got %s", payload[4])
	}
}

func TestCodecAbsentFieldsRoundTripAsNull(t *testing.T) {
	codec := testCodec(t)
	wire, err := codec.Encode(Event{
		EventName:   "card.charged",
		OccurredAt:  time.Now(),
		AggregateID: "order-2",
		Payload:     cardCharged{OrderID: "order-2"},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := codec.Decode(wire)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	payload := got.Payload.(*cardCharged)
	if payload.Amount != 0 || payload.CardPAN != "" {
		t.Fatalf("absent fields should decode to zero values: %+v", payload)
	}
	if got.UserID != "" {
		t.Fatalf("absent userId should stay empty, got %q", got.UserID)
	}
}

func TestCodecUnknownEventName(t *testing.T) {
	codec := testCodec(t)
	_, err := codec.Encode(Event{EventName: "order.vaporized", Payload: struct{}{}})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("Encode: expected ErrUnknownEvent, got %v", err)
	}
	_, err = codec.Decode([]byte(`["order.vaporized",0,"","x",0,[1]]`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("Decode: expected ErrUnknownEvent, got %v", err)
	}
}

func TestCodecPayloadVersionMismatch(t *testing.T) {
	codec := testCodec(t)
	_, err := codec.Decode([]byte(`["refund.issued",0,"","order-1",0,[9,"order-1","dupe"]]`))
	if err == nil || !strings.Contains(err.Error(), "payload version") {
		t.Fatalf("expected payload version error, got %v", err)
	}
}

func TestCodecFieldCountMismatch(t *testing.T) {
	codec := testCodec(t)
	_, err := codec.Decode([]byte(`["refund.issued",0,"","order-1",0,[3,"order-1"]]`))
	if err == nil || !strings.Contains(err.Error(), "payload fields") {
		t.Fatalf("expected field count error, got %v", err)
	}
}

func TestCodecRejectsMalformedEnvelope(t *testing.T) {
	codec := testCodec(t)
	if _, err := codec.Decode([]byte(`{"not":"an array"}`)); err == nil {
		t.Fatal("expected error for non-array input")
	}
	if _, err := codec.Decode([]byte(`["card.charged",0,""]`)); err == nil {
		t.Fatal("expected error for wrong element count")
	}
}

func TestNewCodecRequiresCryptoForEncryptedFields(t *testing.T) {
	if _, err := NewCodec(testRegistry(), nil); err == nil {
		t.Fatal("expected error: registry declares encrypted fields without crypto")
	}
	plain := Registry{
		"refund.issued": {
			PayloadVersion: 1,
			Fields:         []string{"orderId"},
			New:            func() any { return &refundIssued{} },
		},
	}
	if _, err := NewCodec(plain, nil); err != nil {
		t.Fatalf("plain registry should not need crypto: %v", err)
	}
}

func TestSealOpenIntegrationRoundTrip(t *testing.T) {
	codec := testCodec(t)
	ev := IntegrationEvent{
		ID:            "b3b47c9e-8a3a-4a5e-9b8e-111111111111",
		EventName:     "card.charged",
		OccurredAt:    1770000000000,
		AggregateType: "order",
		AggregateID:   "order-1",
		Version:       2,
		CorrelationID: "corr-7",
		Payload:       json.RawMessage(`{"amount":12.5}`),
	}

	sealed, err := codec.SealIntegration(ev)
	if err != nil {
		t.Fatalf("SealIntegration failed: %v", err)
	}
	if strings.Contains(sealed, "card.charged") {
		t.Fatal("sealed payload leaks plaintext")
	}

	got, err := codec.OpenIntegration(sealed)
	if err != nil {
		t.Fatalf("OpenIntegration failed: %v", err)
	}
	if got.ID != ev.ID || got.EventName != ev.EventName || got.Version != 2 ||
		got.AggregateID != ev.AggregateID || string(got.Payload) != `{"amount":12.5}` {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, err := codec.OpenIntegration("garbage"); err == nil {
		t.Fatal("expected error opening garbage")
	}
}
