package outbox

import (
	"strings"
	"testing"
	"time"

	"github.com/slapcommerce/eventcore/libs/eventstore"
)

func TestPartitionerSingleStream(t *testing.T) {
	p := Partitioner{Stream: "events", Partitions: 1}
	ev := eventstore.IntegrationEvent{AggregateID: "order-1", AggregateType: "order"}
	if got := p.StreamFor(ev, time.Now()); got != "events" {
		t.Fatalf("expected bare stream, got %q", got)
	}
}

func TestPartitionerFixedPartitions(t *testing.T) {
	p := Partitioner{Stream: "events", Partitions: 4}
	valid := make(map[string]bool)
	for _, s := range eventstore.PartitionStreams("events", 4) {
		valid[s] = true
	}

	for _, id := range []string{"order-1", "order-2", "customer-7", "cart-19"} {
		ev := eventstore.IntegrationEvent{AggregateID: id, AggregateType: "order"}
		first := p.StreamFor(ev, time.Now())
		if !valid[first] {
			t.Fatalf("%s landed on unknown stream %q", id, first)
		}
		// Placement is keyed by aggregate id alone.
		again := p.StreamFor(ev, time.Now().Add(time.Hour))
		if again != first {
			t.Fatalf("%s moved from %q to %q", id, first, again)
		}
	}
}

func TestPartitionerByDate(t *testing.T) {
	p := Partitioner{Stream: "events", ByDate: true, Partitions: 8}
	ev := eventstore.IntegrationEvent{AggregateID: "order-1", AggregateType: "order"}
	at := time.Date(2026, 2, 3, 23, 59, 0, 0, time.UTC)
	if got := p.StreamFor(ev, at); got != "events:order:2026-02-03" {
		t.Fatalf("date layout: got %q", got)
	}
	// Date layout wins over fixed partitions when both are set.
	if !strings.Contains(p.StreamFor(ev, at), ":order:") {
		t.Fatal("date layout should key by aggregate type")
	}
}

func TestDispatchResultString(t *testing.T) {
	cases := map[DispatchResult]string{
		DispatchPublished:    "published",
		DispatchSkipped:      "skipped",
		DispatchFailedLogged: "failed-logged",
		DispatchResult(99):   "unknown",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Fatalf("%d: expected %q, got %q", int(r), want, got)
		}
	}
}

func TestSweeperConfigDefaults(t *testing.T) {
	s := NewSweeper(nil, nil, nil, nil, nil, nil, SweeperConfig{})
	if s.interval != 60*time.Second || s.staleness != 60*time.Second {
		t.Fatalf("timing defaults: interval=%s staleness=%s", s.interval, s.staleness)
	}
	if s.batchSize != 200 || s.maxAttempts != 10 {
		t.Fatalf("batch defaults: batch=%d maxAttempts=%d", s.batchSize, s.maxAttempts)
	}

	s = NewSweeper(nil, nil, nil, nil, nil, nil, SweeperConfig{
		Interval:    5 * time.Second,
		Staleness:   30 * time.Second,
		BatchSize:   50,
		MaxAttempts: 3,
	})
	if s.interval != 5*time.Second || s.staleness != 30*time.Second || s.batchSize != 50 || s.maxAttempts != 3 {
		t.Fatalf("explicit config not honored: %+v", s)
	}
}
