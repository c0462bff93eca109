package outbox

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	DispatchPublished prometheus.Counter
	DispatchFailed    prometheus.Counter
	SweepCycles       prometheus.Counter
	SweepErrors       prometheus.Counter
	Republished       prometheus.Counter
	Undeliverable     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dispatch_published_total",
			Help: "Events published by the immediate dispatcher.",
		}),
		DispatchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dispatch_failed_total",
			Help: "Dispatch attempts that failed and were left to the sweeper.",
		}),
		SweepCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_sweep_cycles_total",
			Help: "Sweep cycles run.",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_sweep_errors_total",
			Help: "Errors while sweeping individual candidates.",
		}),
		Republished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_republished_total",
			Help: "Stale events republished by the sweeper.",
		}),
		Undeliverable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_undeliverable_total",
			Help: "Events moved to the undeliverable dead-letter table.",
		}),
	}
	reg.MustRegister(
		m.DispatchPublished,
		m.DispatchFailed,
		m.SweepCycles,
		m.SweepErrors,
		m.Republished,
		m.Undeliverable,
	)
	return m
}
