package db

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func subscriberSchema() TableSchema {
	return TableSchema{
		Name: "subscribers",
		Columns: []Column{
			{Name: "msisdn", Type: ColText},
			{Name: "plan", Type: ColText},
			{Name: "balance", Type: ColInteger},
		},
	}
}

func TestUpsertReplacesOnSameKey(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.EnsureTable(ctx, "sms-prod", subscriberSchema()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.Upsert(ctx, "sms-prod", "subscribers", "sub-1", at, map[string]interface{}{
		"msisdn": "+880170000001", "plan": "prepaid", "balance": int64(100),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(ctx, "sms-prod", "subscribers", "sub-1", at, map[string]interface{}{
		"msisdn": "+880170000001", "plan": "postpaid", "balance": int64(90),
	}); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}

	rows, err := store.RowsBy(ctx, "sms-prod", "subscribers", "id", "sub-1")
	if err != nil {
		t.Fatalf("RowsBy: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after double upsert, got %d", len(rows))
	}
	if rows[0]["plan"] != "postpaid" {
		t.Errorf("plan = %v, want postpaid", rows[0]["plan"])
	}
	if bal, ok := rows[0]["balance"].(int64); !ok || bal != 90 {
		t.Errorf("balance = %v, want 90", rows[0]["balance"])
	}
}

func TestDifferentCreatedAtMakesNewRow(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.EnsureTable(ctx, "sms-prod", subscriberSchema()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	store.Upsert(ctx, "sms-prod", "subscribers", "sub-1", base, map[string]interface{}{"plan": "a"})
	store.Upsert(ctx, "sms-prod", "subscribers", "sub-1", base.Add(time.Millisecond), map[string]interface{}{"plan": "b"})

	rows, _ := store.RowsBy(ctx, "sms-prod", "subscribers", "id", "sub-1")
	if len(rows) != 2 {
		t.Errorf("expected 2 partitioned rows, got %d", len(rows))
	}
}

func TestInsertBatchAndDeleteBy(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.EnsureTable(ctx, "sms-prod", subscriberSchema()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	at := time.Now().UTC()
	cols := []string{"id", "created_at", "msisdn", "plan", "balance"}
	rows := [][]interface{}{
		{"sub-1", at, "+1", "prepaid", int64(1)},
		{"sub-2", at, "+2", "prepaid", int64(2)},
		{"sub-3", at, "+3", "postpaid", int64(3)},
	}
	if err := store.InsertBatch(ctx, "sms-prod", "subscribers", cols, rows); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	got, _ := store.RowsBy(ctx, "sms-prod", "subscribers", "plan", "prepaid")
	if len(got) != 2 {
		t.Errorf("expected 2 prepaid rows, got %d", len(got))
	}

	if err := store.DeleteBy(ctx, "sms-prod", "subscribers", "plan", "prepaid"); err != nil {
		t.Fatalf("DeleteBy: %v", err)
	}
	left, _ := store.RowsBy(ctx, "sms-prod", "subscribers", "plan", "prepaid")
	if len(left) != 0 {
		t.Errorf("prepaid rows survived DeleteBy: %d", len(left))
	}
	kept, _ := store.RowsBy(ctx, "sms-prod", "subscribers", "id", "sub-3")
	if len(kept) != 1 {
		t.Error("unrelated row was deleted")
	}
}

func TestScanByColumnIn(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	schema := TableSchema{Name: "sms", Columns: []Column{{Name: "current_state", Type: ColText}}}
	if err := store.EnsureTable(ctx, "sms-prod", schema); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	at := time.Now().UTC()
	store.Upsert(ctx, "sms-prod", "sms", "sms-1", at, map[string]interface{}{"current_state": "DELIVERED"})
	store.Upsert(ctx, "sms-prod", "sms", "sms-2", at, map[string]interface{}{"current_state": "SENDING"})
	store.Upsert(ctx, "sms-prod", "sms", "sms-3", at, map[string]interface{}{"current_state": "FAILED"})

	ids, err := store.ScanByColumnIn(ctx, "sms-prod", "sms", "current_state", []string{"DELIVERED", "FAILED"})
	if err != nil {
		t.Fatalf("ScanByColumnIn: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 final machines, got %v", ids)
	}
	found := map[string]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found["sms-1"] || !found["sms-3"] {
		t.Errorf("wrong ids scanned: %v", ids)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.EnsureTable(ctx, "sms-history", subscriberSchema()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	old := time.Now().UTC().AddDate(0, 0, -60)
	fresh := time.Now().UTC()
	store.Upsert(ctx, "sms-history", "subscribers", "sub-old", old, map[string]interface{}{"plan": "x"})
	store.Upsert(ctx, "sms-history", "subscribers", "sub-new", fresh, map[string]interface{}{"plan": "x"})

	deleted, err := store.DeleteOlderThan(ctx, "sms-history", "subscribers", time.Now().UTC().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	rows, _ := store.RowsBy(ctx, "sms-history", "subscribers", "id", "sub-new")
	if len(rows) != 1 {
		t.Error("fresh row was trimmed")
	}
}

func TestReplicateSchemaCreatesHistoryTwin(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.EnsureTable(ctx, "sms-prod", subscriberSchema()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if err := store.CreateDatabase(ctx, "sms-prod-history"); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	if err := store.ReplicateSchema(ctx, "sms-prod", "sms-prod-history"); err != nil {
		t.Fatalf("ReplicateSchema: %v", err)
	}
	tables, err := store.ListTables(ctx, "sms-prod-history")
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	found := false
	for _, name := range tables {
		if name == "subscribers" {
			found = true
		}
	}
	if !found {
		t.Errorf("history database missing replicated table, has %v", tables)
	}

	// The twin accepts the same row shape.
	if err := store.Upsert(ctx, "sms-prod-history", "subscribers", "sub-1", time.Now().UTC(), map[string]interface{}{
		"plan": "prepaid",
	}); err != nil {
		t.Errorf("Upsert into replicated table: %v", err)
	}
}

func TestRowsByInRangeBoundsByCreatedAt(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.EnsureTable(ctx, "sms-prod", subscriberSchema()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	store.Upsert(ctx, "sms-prod", "subscribers", "sub-1", base.AddDate(0, 0, -2), map[string]interface{}{"plan": "old"})
	store.Upsert(ctx, "sms-prod", "subscribers", "sub-1", base, map[string]interface{}{"plan": "current"})
	store.Upsert(ctx, "sms-prod", "subscribers", "sub-2", base, map[string]interface{}{"plan": "other"})

	rows, err := store.RowsByInRange(ctx, "sms-prod", "subscribers", "id", "sub-1", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("RowsByInRange: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 in-window row, got %d", len(rows))
	}
	if rows[0]["plan"] != "current" {
		t.Errorf("plan = %v, want current", rows[0]["plan"])
	}
}
