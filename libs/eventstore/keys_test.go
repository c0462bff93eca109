package eventstore

import (
	"reflect"
	"testing"
	"time"
)

func TestKeyBuilders(t *testing.T) {
	if got := EventStreamKey("order-1"); got != "events:order-1" {
		t.Fatalf("EventStreamKey: got %q", got)
	}
	if got := TypeStreamKey("order"); got != "aggregate-type:order" {
		t.Fatalf("TypeStreamKey: got %q", got)
	}
	if got := SnapshotKey("order", "order-1"); got != "snapshot:order:order-1" {
		t.Fatalf("SnapshotKey: got %q", got)
	}
	if got := CommandKey("cmd-1"); got != "commands:cmd-1" {
		t.Fatalf("CommandKey: got %q", got)
	}
	if got := SequenceKey("order"); got != "sequence:order" {
		t.Fatalf("SequenceKey: got %q", got)
	}
	if got := ProjectionVersionKey("order-1"); got != "projection-version:order-1" {
		t.Fatalf("ProjectionVersionKey: got %q", got)
	}
	if got := DLQKey("events:order:2026-01-05"); got != "events:order:2026-01-05:dlq" {
		t.Fatalf("DLQKey: got %q", got)
	}
	if got := DeliveriesKey("events:3"); got != "deliveries:events:3" {
		t.Fatalf("DeliveriesKey: got %q", got)
	}
}

func TestDateStreamKeyUsesUTCDay(t *testing.T) {
	east := time.FixedZone("east", 5*3600)
	// 02:30+05:00 is still the previous day in UTC.
	local := time.Date(2026, 1, 6, 2, 30, 0, 0, east)
	if got := DateStreamKey("events", "order", local); got != "events:order:2026-01-05" {
		t.Fatalf("expected previous UTC day, got %q", got)
	}
}

func TestEntryID(t *testing.T) {
	if got := EntryID(0); got != "0-1" {
		t.Fatalf("version 0: got %q", got)
	}
	if got := EntryID(41); got != "41-1" {
		t.Fatalf("version 41: got %q", got)
	}
}

func TestPartitionStreams(t *testing.T) {
	if got := PartitionStreams("events", 0); !reflect.DeepEqual(got, []string{"events"}) {
		t.Fatalf("0 partitions: got %v", got)
	}
	if got := PartitionStreams("events", 1); !reflect.DeepEqual(got, []string{"events"}) {
		t.Fatalf("1 partition: got %v", got)
	}
	want := []string{"events:0", "events:1", "events:2"}
	if got := PartitionStreams("events", 3); !reflect.DeepEqual(got, want) {
		t.Fatalf("3 partitions: got %v", got)
	}
}
