package cache

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestApplyChangeEventInsertsRecord(t *testing.T) {
	store := NewStore()

	outcome, err := store.ApplyChangeEvent(ChangeEvent{
		Table:                  "orders",
		Op:                     OpInsert,
		RecordID:               "order-1",
		Version:                1,
		ServerTimestampSeconds: 1700000000,
		Data:                   json.RawMessage(`{"status":"pending"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("expected insert to apply, got %+v", outcome)
	}

	record, ok := store.Get("orders", "order-1")
	if !ok {
		t.Fatalf("expected record to be cached")
	}
	if record.Version != 1 || record.LocalOnly {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestApplyChangeEventPairsCommute(t *testing.T) {
	tests := []struct {
		name   string
		first  ChangeEvent
		second ChangeEvent
	}{
		{
			name:   "update-versions",
			first:  ChangeEvent{Table: "orders", Op: OpUpdate, RecordID: "order-1", Version: 3, ServerTimestampSeconds: 30, Data: json.RawMessage(`{"status":"in_transit"}`)},
			second: ChangeEvent{Table: "orders", Op: OpUpdate, RecordID: "order-1", Version: 5, ServerTimestampSeconds: 50, Data: json.RawMessage(`{"status":"delivered"}`)},
		},
		{
			name:   "insert-then-newer-delete",
			first:  ChangeEvent{Table: "orders", Op: OpInsert, RecordID: "order-1", Version: 3, ServerTimestampSeconds: 30, Data: json.RawMessage(`{"status":"pending"}`)},
			second: ChangeEvent{Table: "orders", Op: OpDelete, RecordID: "order-1", Version: 5, ServerTimestampSeconds: 50},
		},
		{
			name:   "delete-then-newer-update",
			first:  ChangeEvent{Table: "orders", Op: OpDelete, RecordID: "order-1", Version: 3, ServerTimestampSeconds: 30},
			second: ChangeEvent{Table: "orders", Op: OpUpdate, RecordID: "order-1", Version: 5, ServerTimestampSeconds: 50, Data: json.RawMessage(`{"status":"accepted"}`)},
		},
		{
			name:   "equal-version-timestamp-tiebreak",
			first:  ChangeEvent{Table: "orders", Op: OpUpdate, RecordID: "order-1", Version: 4, ServerTimestampSeconds: 40, Data: json.RawMessage(`{"status":"picking_up"}`)},
			second: ChangeEvent{Table: "orders", Op: OpUpdate, RecordID: "order-1", Version: 4, ServerTimestampSeconds: 45, Data: json.RawMessage(`{"status":"in_transit"}`)},
		},
		{
			name:   "redelivered-duplicate",
			first:  ChangeEvent{Table: "orders", Op: OpUpdate, RecordID: "order-1", Version: 4, ServerTimestampSeconds: 40, Data: json.RawMessage(`{"status":"picking_up"}`)},
			second: ChangeEvent{Table: "orders", Op: OpUpdate, RecordID: "order-1", Version: 4, ServerTimestampSeconds: 40, Data: json.RawMessage(`{"status":"picking_up"}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forward := NewStore()
			applyEvent(t, forward, tt.first)
			applyEvent(t, forward, tt.second)

			reverse := NewStore()
			applyEvent(t, reverse, tt.second)
			applyEvent(t, reverse, tt.first)

			forwardRecords := forward.List("orders")
			reverseRecords := reverse.List("orders")
			if !reflect.DeepEqual(forwardRecords, reverseRecords) {
				t.Fatalf("event order changed final state:\nforward: %+v\nreverse: %+v", forwardRecords, reverseRecords)
			}
		})
	}
}

func TestStaleDeleteDoesNotRemoveNewerRecord(t *testing.T) {
	store := NewStore()
	applyEvent(t, store, ChangeEvent{Table: "orders", Op: OpUpdate, RecordID: "order-1", Version: 7, ServerTimestampSeconds: 70, Data: json.RawMessage(`{"status":"delivered"}`)})

	outcome, err := store.ApplyChangeEvent(ChangeEvent{Table: "orders", Op: OpDelete, RecordID: "order-1", Version: 4, ServerTimestampSeconds: 40})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Applied {
		t.Fatalf("stale delete must be ignored, got %+v", outcome)
	}

	if _, ok := store.Get("orders", "order-1"); !ok {
		t.Fatalf("record must survive a stale delete")
	}
}

func TestLowerVersionEventIsDiscarded(t *testing.T) {
	store := NewStore()
	applyEvent(t, store, ChangeEvent{Table: "orders", Op: OpUpdate, RecordID: "order-1", Version: 5, ServerTimestampSeconds: 50, Data: json.RawMessage(`{"status":"delivered"}`)})

	outcome, err := store.ApplyChangeEvent(ChangeEvent{Table: "orders", Op: OpUpdate, RecordID: "order-1", Version: 3, ServerTimestampSeconds: 30, Data: json.RawMessage(`{"status":"in_transit"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Applied {
		t.Fatalf("late lower version must be discarded")
	}

	record, _ := store.Get("orders", "order-1")
	if record.Version != 5 {
		t.Fatalf("expected version 5 to win, got %d", record.Version)
	}
}

func TestOptimisticRecordIsReplacedByAuthoritative(t *testing.T) {
	store := NewStore()

	outcome, err := store.ApplyOptimistic("orders", Record{ID: "local-1", Data: json.RawMessage(`{"status":"pending"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("expected optimistic insert to apply")
	}

	record, _ := store.Get("orders", "local-1")
	if !record.LocalOnly {
		t.Fatalf("optimistic record must be localOnly")
	}

	// The authoritative confirmation replaces the record outright even
	// though its version is arbitrary; localOnly records carry no version.
	outcome, err = store.Reconcile("orders", Record{ID: "local-1", Version: 1, ServerTimestampSeconds: 10, Data: json.RawMessage(`{"status":"accepted"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("expected reconcile to apply, got %+v", outcome)
	}

	record, _ = store.Get("orders", "local-1")
	if record.LocalOnly {
		t.Fatalf("reconciled record must not stay localOnly")
	}
	if string(record.Data) != `{"status":"accepted"}` {
		t.Fatalf("server record must win entirely, got %s", record.Data)
	}
}

func TestApplyOptimisticDoesNotShadowAuthoritative(t *testing.T) {
	store := NewStore()
	applyEvent(t, store, ChangeEvent{Table: "orders", Op: OpInsert, RecordID: "order-1", Version: 2, ServerTimestampSeconds: 20, Data: json.RawMessage(`{"status":"accepted"}`)})

	outcome, err := store.ApplyOptimistic("orders", Record{ID: "order-1", Data: json.RawMessage(`{"status":"pending"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Applied {
		t.Fatalf("optimistic insert must not replace an authoritative record")
	}

	record, _ := store.Get("orders", "order-1")
	if record.LocalOnly || record.Version != 2 {
		t.Fatalf("authoritative record must be preferred, got %+v", record)
	}
}

func TestDropLocalOnlyRemovesOptimisticRecords(t *testing.T) {
	store := NewStore()
	applyEvent(t, store, ChangeEvent{Table: "orders", Op: OpInsert, RecordID: "order-1", Version: 2, ServerTimestampSeconds: 20, Data: json.RawMessage(`{"status":"accepted"}`)})
	if _, err := store.ApplyOptimistic("orders", Record{ID: "local-1", Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dropped := store.DropLocal("orders", "order-1"); dropped {
		t.Fatalf("DropLocal must not remove authoritative records")
	}
	if dropped := store.DropLocal("orders", "local-1"); !dropped {
		t.Fatalf("expected optimistic record to drop")
	}
	if _, ok := store.Get("orders", "local-1"); ok {
		t.Fatalf("dropped record must be gone")
	}
}

func TestListenerFiresOnAppliedChangesOnly(t *testing.T) {
	store := NewStore()
	var tables []string
	store.SetListener(func(table string) {
		tables = append(tables, table)
	})

	applyEvent(t, store, ChangeEvent{Table: "orders", Op: OpInsert, RecordID: "order-1", Version: 5, ServerTimestampSeconds: 50, Data: json.RawMessage(`{}`)})
	// Stale event: no listener call.
	if _, err := store.ApplyChangeEvent(ChangeEvent{Table: "orders", Op: OpUpdate, RecordID: "order-1", Version: 2, ServerTimestampSeconds: 20, Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(tables) != 1 || tables[0] != "orders" {
		t.Fatalf("expected one listener call for orders, got %v", tables)
	}
}

func TestApplyChangeEventValidatesInput(t *testing.T) {
	store := NewStore()

	if _, err := store.ApplyChangeEvent(ChangeEvent{Table: "", Op: OpInsert, RecordID: "order-1"}); err == nil {
		t.Fatalf("expected empty table to be rejected")
	}
	if _, err := store.ApplyChangeEvent(ChangeEvent{Table: "orders", Op: OpInsert, RecordID: ""}); err == nil {
		t.Fatalf("expected empty record id to be rejected")
	}
	if _, err := store.ApplyChangeEvent(ChangeEvent{Table: "orders", Op: Op("merge"), RecordID: "order-1"}); err == nil {
		t.Fatalf("expected unknown op to be rejected")
	}
}

func applyEvent(t *testing.T, store *Store, event ChangeEvent) {
	t.Helper()
	if _, err := store.ApplyChangeEvent(event); err != nil {
		t.Fatalf("unexpected error applying event %+v: %v", event, err)
	}
}
