package projection

import (
	"errors"
	"testing"

	json "github.com/goccy/go-json"
)

func TestTransactionStagesMutations(t *testing.T) {
	txn := New(nil, "order-1", 3).
		HSet("aggregate:order-1", "status", "shipped", "version", "4").
		SAdd("aggregates:order", "order-1").
		RPush("order-1:log", "shipped").
		ZAdd("orders:by-total", 99.5, "order-1").
		Del("order-1:draft")

	if txn.expected != 3 {
		t.Fatalf("expected version 3, got %d", txn.expected)
	}
	wantKeys := []string{"aggregate:order-1", "aggregates:order", "order-1:log", "orders:by-total", "order-1:draft"}
	if len(txn.keys) != len(wantKeys) {
		t.Fatalf("expected %d keys, got %v", len(wantKeys), txn.keys)
	}
	for i, k := range wantKeys {
		if txn.keys[i] != k {
			t.Fatalf("key %d: expected %q, got %q", i, k, txn.keys[i])
		}
	}

	wantOps := []string{"hset", "sadd", "rpush", "zadd", "del"}
	for i, op := range wantOps {
		if txn.muts[i].Op != op {
			t.Fatalf("mutation %d: expected %q, got %q", i, op, txn.muts[i].Op)
		}
	}
	if len(txn.muts[0].Args) != 4 {
		t.Fatalf("hset args: %v", txn.muts[0].Args)
	}
	if txn.muts[3].Args[0] != "99.5" || txn.muts[3].Args[1] != "order-1" {
		t.Fatalf("zadd args: %v", txn.muts[3].Args)
	}
}

func TestMutationDescriptorIsAlwaysAnArray(t *testing.T) {
	// The script iterates the descriptor with ipairs, so even an empty
	// transaction must encode as [] rather than null.
	var muts []mutation
	raw, err := json.Marshal(muts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != "null" {
		t.Fatalf("precondition changed: nil slice now marshals as %s", raw)
	}
	raw, err = json.Marshal([]mutation{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != "[]" {
		t.Fatalf("empty slice should marshal as []: got %s", raw)
	}
}

func TestParseConflict(t *testing.T) {
	err := parseConflict(errors.New("PROJECTIONCONFLICT projection-version:order-1 2 5"))

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %T: %v", err, err)
	}
	if conflict.Key != "projection-version:order-1" || conflict.Expected != 2 || conflict.Actual != 5 {
		t.Fatalf("bad parse: %+v", conflict)
	}

	plain := errors.New("connection reset")
	if parseConflict(plain) != plain {
		t.Fatal("non-conflict errors should pass through")
	}
	if parseConflict(nil) != nil {
		t.Fatal("nil should stay nil")
	}
}
