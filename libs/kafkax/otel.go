package kafkax

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTraceHeaders appends W3C trace context to the given headers and
// returns the result. Existing headers are kept; a header the propagator
// sets twice is overwritten, not duplicated.
func InjectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	c := headerCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, &c)
	return c.headers
}

// ExtractTraceContext returns ctx extended with whatever trace context the
// message headers carry.
func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	c := headerCarrier{headers: msg.Headers}
	return otel.GetTextMapPropagator().Extract(ctx, &c)
}

// headerCarrier adapts []kafka.Header to the propagation carrier contract.
type headerCarrier struct {
	headers []kafka.Header
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c *headerCarrier) Get(key string) string {
	return HeaderValue(c.headers, key)
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(c.headers))
	for i, h := range c.headers {
		keys[i] = h.Key
	}
	return keys
}
