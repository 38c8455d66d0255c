package batchlog

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pialmmh/statemachine/pkg/db"
	"github.com/pialmmh/statemachine/pkg/statemachine"
)

func newTestStore(t *testing.T) db.Store {
	t.Helper()
	store, err := db.NewSQLiteStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWriterSizeTriggeredFlush(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.EnsureTable(ctx, "testdb", db.TableSchema{
		Name:    "rows",
		Columns: []db.Column{{Name: "value", Type: db.ColText}},
	}); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	w := NewWriter(store, "testdb", "rows", []string{"id", "created_at", "value"},
		Config{BatchSize: 3, FlushInterval: time.Hour}, nil)
	defer w.Close(time.Second)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if !w.Enqueue([]interface{}{string(rune('a' + i)), now.Add(time.Duration(i) * time.Millisecond), "v"}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && w.Pending() > 0 {
		time.Sleep(10 * time.Millisecond)
	}

	rows, err := store.RowsBy(ctx, "testdb", "rows", "value", "v")
	if err != nil {
		t.Fatalf("RowsBy: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 flushed rows, got %d", len(rows))
	}
}

func TestWriterPeriodicFlush(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.EnsureTable(ctx, "testdb", db.TableSchema{
		Name:    "rows",
		Columns: []db.Column{{Name: "value", Type: db.ColText}},
	}); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	w := NewWriter(store, "testdb", "rows", []string{"id", "created_at", "value"},
		Config{BatchSize: 1000, FlushInterval: 20 * time.Millisecond}, nil)
	defer w.Close(time.Second)

	w.Enqueue([]interface{}{"r1", time.Now().UTC(), "v"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := store.RowsBy(ctx, "testdb", "rows", "id", "r1")
		if err == nil && len(rows) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("periodic flush never wrote the row")
}

func TestWriterDropsOnFailedFlush(t *testing.T) {
	store := newTestStore(t)
	// Table never created: every flush fails.
	w := NewWriter(store, "testdb", "missing", []string{"id", "created_at", "value"},
		Config{BatchSize: 1, FlushInterval: time.Hour}, nil)
	defer w.Close(time.Second)

	w.Enqueue([]interface{}{"r1", time.Now().UTC(), "v"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && w.Dropped() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if w.Dropped() != 1 {
		t.Fatalf("failed batch should be dropped, dropped=%d", w.Dropped())
	}
	if w.Pending() != 0 {
		t.Error("failed batch must not be re-queued")
	}
}

func TestWriterCloseDrains(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.EnsureTable(ctx, "testdb", db.TableSchema{
		Name:    "rows",
		Columns: []db.Column{{Name: "value", Type: db.ColText}},
	}); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	w := NewWriter(store, "testdb", "rows", []string{"id", "created_at", "value"},
		Config{BatchSize: 1000, FlushInterval: time.Hour}, nil)
	w.Enqueue([]interface{}{"r1", time.Now().UTC(), "v"})
	w.Close(2 * time.Second)

	rows, err := store.RowsBy(ctx, "testdb", "rows", "id", "r1")
	if err != nil {
		t.Fatalf("RowsBy: %v", err)
	}
	if len(rows) != 1 {
		t.Fatal("Close did not drain the queue")
	}
	if w.Enqueue([]interface{}{"r2", time.Now().UTC(), "v"}) {
		t.Error("closed writer accepted a row")
	}
}

func TestHistoryWriterRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h, err := NewHistoryWriter(ctx, store, "call-prod", Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewHistoryWriter: %v", err)
	}
	defer h.Close(time.Second)

	rec := &statemachine.TransitionRecord{
		MachineID:      "call-1",
		MachineType:    "call",
		Version:        1,
		RunID:          "run-1",
		StateBefore:    "IDLE",
		StateAfter:     "RINGING",
		EventType:      "IncomingCall",
		Timestamp:      time.Now().UnixMilli(),
		MachineOnline:  true,
		RegistryStatus: "REGISTERED_ACTIVE",
		EventPayload:   []byte(`{"from":"+1"}`),
		ContextAfter:   []byte(`{"state":"ringing"}`),
	}
	if !h.Append(rec) {
		t.Fatal("append rejected")
	}

	deadline := time.Now().Add(2 * time.Second)
	var rows []map[string]interface{}
	for time.Now().Before(deadline) {
		rows, err = store.RowsBy(ctx, "call-prod", HistoryTable, "machine_id", "call-1")
		if err == nil && len(rows) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(rows))
	}

	row := rows[0]
	if row["state_before"] != "IDLE" || row["state_after"] != "RINGING" {
		t.Errorf("unexpected row %+v", row)
	}
	if row["id"] != "call-1:1" {
		t.Errorf("row id should encode (machine, version): %v", row["id"])
	}
}

func TestRegistryWriterRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r, err := NewRegistryWriter(ctx, store, "call-prod", Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewRegistryWriter: %v", err)
	}
	defer r.Close(time.Second)

	if !r.Append("call-1", RegistryEventCreate, "auto-create on IncomingCall") {
		t.Fatal("append rejected")
	}

	deadline := time.Now().Add(2 * time.Second)
	var rows []map[string]interface{}
	for time.Now().Before(deadline) {
		rows, err = store.RowsBy(ctx, "call-prod", RegistryEventTable, "machine_id", "call-1")
		if err == nil && len(rows) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 lifecycle row, got %d", len(rows))
	}
	if rows[0]["event_type"] != RegistryEventCreate {
		t.Errorf("unexpected row %+v", rows[0])
	}
}
