package archival

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pialmmh/statemachine/pkg/db"
	"github.com/pialmmh/statemachine/pkg/entitygraph"
)

const activeDB = "call-prod"

func newTestStore(t *testing.T) db.Store {
	t.Helper()
	store, err := db.NewSQLiteStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCall(t *testing.T, store db.Store, id, state string, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := store.Upsert(ctx, activeDB, "calls", id, createdAt, map[string]interface{}{
		"caller":                    "+1",
		entitygraph.ColCurrentState: state,
		entitygraph.ColVersion:      int64(3),
	}); err != nil {
		t.Fatalf("seed root: %v", err)
	}
	if err := store.Upsert(ctx, activeDB, "call_legs", id+"-leg1", createdAt, map[string]interface{}{
		"parent_id": id,
		"codec":     "g711",
	}); err != nil {
		t.Fatalf("seed child: %v", err)
	}
}

func newTestArchiver(t *testing.T, store db.Store, retentionDays int) *Archiver {
	t.Helper()
	ctx := context.Background()

	if err := store.EnsureTable(ctx, activeDB, db.TableSchema{
		Name: "calls",
		Columns: []db.Column{
			{Name: "caller", Type: db.ColText},
			{Name: entitygraph.ColCurrentState, Type: db.ColText},
			{Name: entitygraph.ColVersion, Type: db.ColInteger},
		},
	}); err != nil {
		t.Fatalf("EnsureTable calls: %v", err)
	}
	if err := store.EnsureTable(ctx, activeDB, db.TableSchema{
		Name: "call_legs",
		Columns: []db.Column{
			{Name: "parent_id", Type: db.ColText},
			{Name: "codec", Type: db.ColText},
		},
	}); err != nil {
		t.Fatalf("EnsureTable call_legs: %v", err)
	}

	a, err := NewArchiver(ctx, store, Config{
		ActiveDatabase: activeDB,
		Tables: []entitygraph.TableKey{
			{Table: "calls", KeyColumn: "id"},
			{Table: "call_legs", KeyColumn: "parent_id"},
		},
		RetentionDays: retentionDays,
	}, nil)
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { a.Stop(context.Background()) })
	return a
}

func TestArchiveMovesWholeGraph(t *testing.T) {
	store := newTestStore(t)
	a := newTestArchiver(t, store, 30)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	seedCall(t, store, "call-1", "COMPLETED", now)
	seedCall(t, store, "call-2", "CONNECTED", now)

	if err := a.Archive("call-1"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		active, _ := store.RowsBy(ctx, activeDB, "calls", "id", "call-1")
		if len(active) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	active, err := store.RowsBy(ctx, activeDB, "calls", "id", "call-1")
	if err != nil {
		t.Fatalf("RowsBy active: %v", err)
	}
	if len(active) != 0 {
		t.Error("archived root row still in active database")
	}
	legs, _ := store.RowsBy(ctx, activeDB, "call_legs", "parent_id", "call-1")
	if len(legs) != 0 {
		t.Error("archived child rows still in active database")
	}

	hist, err := store.RowsBy(ctx, a.HistoryDatabaseName(), "calls", "id", "call-1")
	if err != nil {
		t.Fatalf("RowsBy history: %v", err)
	}
	if len(hist) != 1 || hist[0]["caller"] != "+1" {
		t.Fatalf("history root wrong: %+v", hist)
	}
	histLegs, _ := store.RowsBy(ctx, a.HistoryDatabaseName(), "call_legs", "parent_id", "call-1")
	if len(histLegs) != 1 {
		t.Errorf("history child rows wrong: %+v", histLegs)
	}

	// The other machine is untouched.
	other, _ := store.RowsBy(ctx, activeDB, "calls", "id", "call-2")
	if len(other) != 1 {
		t.Error("unrelated machine was archived")
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	a := newTestArchiver(t, store, 30)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	seedCall(t, store, "call-1", "COMPLETED", now)

	if err := a.archiveNow(ctx, "call-1"); err != nil {
		t.Fatalf("archiveNow: %v", err)
	}
	// Simulate a retry after a partial failure: re-seed active and move again.
	seedCall(t, store, "call-1", "COMPLETED", now)
	if err := a.archiveNow(ctx, "call-1"); err != nil {
		t.Fatalf("archiveNow retry: %v", err)
	}

	hist, err := store.RowsBy(ctx, a.HistoryDatabaseName(), "calls", "id", "call-1")
	if err != nil {
		t.Fatalf("RowsBy history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected dedup to one history row, got %d", len(hist))
	}
}

func TestScanAndArchiveFinals(t *testing.T) {
	store := newTestStore(t)
	a := newTestArchiver(t, store, 30)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	seedCall(t, store, "call-1", "COMPLETED", now)
	seedCall(t, store, "call-2", "HUNGUP", now.Add(time.Millisecond))
	seedCall(t, store, "call-3", "CONNECTED", now.Add(2*time.Millisecond))

	n, err := a.ScanAndArchiveFinals(ctx, "calls", []string{"COMPLETED", "HUNGUP"})
	if err != nil {
		t.Fatalf("ScanAndArchiveFinals: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 archived, got %d", n)
	}

	live, _ := store.RowsBy(ctx, activeDB, "calls", "id", "call-3")
	if len(live) != 1 {
		t.Error("live machine was swept")
	}
	gone, _ := store.RowsBy(ctx, activeDB, "calls", "id", "call-1")
	if len(gone) != 0 {
		t.Error("final machine survived the startup sweep")
	}
}

func TestEnforceRetention(t *testing.T) {
	store := newTestStore(t)
	a := newTestArchiver(t, store, 7)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -30)
	fresh := time.Now().UTC().Truncate(time.Millisecond)
	seedCall(t, store, "call-old", "COMPLETED", old)
	seedCall(t, store, "call-new", "COMPLETED", fresh)
	if err := a.archiveNow(ctx, "call-old"); err != nil {
		t.Fatalf("archiveNow: %v", err)
	}
	if err := a.archiveNow(ctx, "call-new"); err != nil {
		t.Fatalf("archiveNow: %v", err)
	}

	deleted, err := a.EnforceRetention(ctx)
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if deleted != 2 { // old root + old child leg
		t.Errorf("expected 2 trimmed rows, got %d", deleted)
	}

	kept, _ := store.RowsBy(ctx, a.HistoryDatabaseName(), "calls", "id", "call-new")
	if len(kept) != 1 {
		t.Error("fresh history row was trimmed")
	}
	trimmed, _ := store.RowsBy(ctx, a.HistoryDatabaseName(), "calls", "id", "call-old")
	if len(trimmed) != 0 {
		t.Error("expired history row survived")
	}
}
