package eventstore

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Codec translates events to and from the compact wire form:
//
//	[eventName, occurredAtMs, correlationId, aggregateId, version,
//	  [payloadVersion, field1, field2, ...]]
//
// Payload fields ride in registry order. Absent fields encode as null and
// decode back to absent. Fields the schema marks encrypted are sealed
// individually; the rest of the event stays readable.
type Codec struct {
	registry Registry
	crypto   *Crypto
}

func NewCodec(registry Registry, crypto *Crypto) (*Codec, error) {
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	if crypto == nil {
		for name, s := range registry {
			if len(s.Encrypted) > 0 {
				return nil, fmt.Errorf("%s declares encrypted fields but no crypto is configured", name)
			}
		}
	}
	return &Codec{registry: registry, crypto: crypto}, nil
}

func (c *Codec) Encode(ev Event) ([]byte, error) {
	s, err := c.registry.schema(ev.EventName)
	if err != nil {
		return nil, err
	}

	fields, err := payloadFields(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("%s: flatten payload: %w", ev.EventName, err)
	}
	if ev.UserID != "" {
		raw, err := json.Marshal(ev.UserID)
		if err != nil {
			return nil, err
		}
		fields["userId"] = raw
	}

	payload := make([]any, 0, len(s.Fields)+1)
	payload = append(payload, s.PayloadVersion)
	for _, f := range s.Fields {
		raw, ok := fields[f]
		if !ok || isNull(raw) {
			payload = append(payload, nil)
			continue
		}
		if s.encrypted(f) {
			sealed, err := c.crypto.EncryptField(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: encrypt field %q: %w", ev.EventName, f, err)
			}
			payload = append(payload, sealed)
			continue
		}
		payload = append(payload, raw)
	}

	return json.Marshal([]any{
		ev.EventName,
		ev.OccurredAt.UnixMilli(),
		ev.CorrelationID,
		ev.AggregateID,
		ev.Version,
		payload,
	})
}

func (c *Codec) Decode(data []byte) (Event, error) {
	var outer []json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if len(outer) != 6 {
		return Event{}, fmt.Errorf("decode event: expected 6 elements, got %d", len(outer))
	}

	var ev Event
	var ms int64
	if err := unmarshalParts(outer, &ev.EventName, &ms, &ev.CorrelationID, &ev.AggregateID, &ev.Version); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev.OccurredAt = time.UnixMilli(ms).UTC()

	s, err := c.registry.schema(ev.EventName)
	if err != nil {
		return Event{}, err
	}

	var payload []json.RawMessage
	if err := json.Unmarshal(outer[5], &payload); err != nil {
		return Event{}, fmt.Errorf("%s: decode payload: %w", ev.EventName, err)
	}
	if len(payload) != len(s.Fields)+1 {
		return Event{}, fmt.Errorf("%s: expected %d payload fields, got %d",
			ev.EventName, len(s.Fields), len(payload)-1)
	}
	var payloadVersion int64
	if err := json.Unmarshal(payload[0], &payloadVersion); err != nil {
		return Event{}, fmt.Errorf("%s: decode payload version: %w", ev.EventName, err)
	}
	if payloadVersion != s.PayloadVersion {
		return Event{}, fmt.Errorf("%s: payload version %d does not match registered version %d",
			ev.EventName, payloadVersion, s.PayloadVersion)
	}

	fields := make(map[string]json.RawMessage, len(s.Fields))
	for i, f := range s.Fields {
		raw := payload[i+1]
		if isNull(raw) {
			continue
		}
		if s.encrypted(f) {
			var sealed string
			if err := json.Unmarshal(raw, &sealed); err != nil {
				return Event{}, fmt.Errorf("%s: field %q is not a sealed string: %w", ev.EventName, f, err)
			}
			plain, err := c.crypto.DecryptField(sealed)
			if err != nil {
				return Event{}, fmt.Errorf("%s: decrypt field %q: %w", ev.EventName, f, err)
			}
			fields[f] = plain
			continue
		}
		fields[f] = raw
	}

	if raw, ok := fields["userId"]; ok {
		if err := json.Unmarshal(raw, &ev.UserID); err != nil {
			return Event{}, fmt.Errorf("%s: decode userId: %w", ev.EventName, err)
		}
	}

	obj := s.New()
	rebuilt, err := json.Marshal(fields)
	if err != nil {
		return Event{}, err
	}
	if err := json.Unmarshal(rebuilt, obj); err != nil {
		return Event{}, fmt.Errorf("%s: rebuild payload: %w", ev.EventName, err)
	}
	ev.Payload = obj
	return ev, nil
}

// SealIntegration serializes and transport-encrypts an integration event
// for the broker or a dead-letter archive.
func (c *Codec) SealIntegration(ev IntegrationEvent) (string, error) {
	if c.crypto == nil {
		return "", errors.New("transport encryption requires crypto")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return c.crypto.Seal(raw)
}

// OpenIntegration reverses SealIntegration.
func (c *Codec) OpenIntegration(sealed string) (IntegrationEvent, error) {
	if c.crypto == nil {
		return IntegrationEvent{}, errors.New("transport encryption requires crypto")
	}
	raw, err := c.crypto.Open(sealed)
	if err != nil {
		return IntegrationEvent{}, err
	}
	var ev IntegrationEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return IntegrationEvent{}, fmt.Errorf("decode integration event: %w", err)
	}
	return ev, nil
}

// payloadFields flattens an arbitrary payload value into named raw fields
// via a JSON round trip, so payload types stay plain structs.
func payloadFields(payload any) (map[string]json.RawMessage, error) {
	if payload == nil {
		return map[string]json.RawMessage{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func unmarshalParts(outer []json.RawMessage, name *string, ms *int64, correlationID, aggregateID *string, version *int64) error {
	if err := json.Unmarshal(outer[0], name); err != nil {
		return fmt.Errorf("event name: %w", err)
	}
	if err := json.Unmarshal(outer[1], ms); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if err := json.Unmarshal(outer[2], correlationID); err != nil {
		return fmt.Errorf("correlation id: %w", err)
	}
	if err := json.Unmarshal(outer[3], aggregateID); err != nil {
		return fmt.Errorf("aggregate id: %w", err)
	}
	if err := json.Unmarshal(outer[4], version); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
