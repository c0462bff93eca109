package consumer

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Consumed        prometheus.Counter
	Processed       prometheus.Counter
	Duplicates      prometheus.Counter
	Malformed       prometheus.Counter
	HandlerFailures prometheus.Counter
	DeadLettered    prometheus.Counter
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_messages_consumed_total",
			Help: "Stream entries read from consumer groups.",
		}),
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_messages_processed_total",
			Help: "Messages handled and marked processed.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_messages_duplicate_total",
			Help: "Messages skipped because their outbox row was already processed.",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_messages_malformed_total",
			Help: "Messages acknowledged without processing because they could not be decoded.",
		}),
		HandlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_handler_failures_total",
			Help: "Handler invocations that returned an error.",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_messages_dead_lettered_total",
			Help: "Messages moved to a dead letter destination after repeated failures.",
		}),
	}
	reg.MustRegister(m.Consumed, m.Processed, m.Duplicates, m.Malformed, m.HandlerFailures, m.DeadLettered)
	return m
}
