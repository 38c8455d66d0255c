package batchlog

import (
	"context"
	"fmt"
	"time"

	"github.com/pialmmh/statemachine/pkg/core"
	"github.com/pialmmh/statemachine/pkg/db"
	"github.com/pialmmh/statemachine/pkg/statemachine"
)

// HistoryTable is the transition log table name.
const HistoryTable = "transition_history"

// historyColumns is the insert column order. The row id encodes
// (machine_id, version) so the implicit primary key enforces the log's
// uniqueness contract. Opaque blobs are base64 so the rows survive any SQL
// engine untouched.
var historyColumns = []string{
	"id",
	"created_at",
	"machine_id",
	"machine_type",
	"version",
	"run_id",
	"correlation_id",
	"debug_session_id",
	"state_before",
	"state_after",
	"event_type",
	"transition_duration",
	"timestamp",
	"machine_online_status",
	"state_offline_status",
	"registry_status",
	"event_payload_json",
	"event_parameters_json",
	"context_before_json",
	"context_after_json",
}

// HistoryWriter batches transition records into the transition log.
type HistoryWriter struct {
	w *Writer
}

// NewHistoryWriter ensures the transition log table exists and starts the
// writer.
func NewHistoryWriter(ctx context.Context, store db.Store, database string, cfg Config, logger core.Logger) (*HistoryWriter, error) {
	if err := store.EnsureTable(ctx, database, HistoryTableSchema()); err != nil {
		return nil, err
	}
	return &HistoryWriter{
		w: NewWriter(store, database, HistoryTable, historyColumns, cfg, logger),
	}, nil
}

// HistoryTableSchema declares the transition log shape. The implicit
// (id, created_at) key carries the machine id so archival and retention can
// treat the log like any other entity table.
func HistoryTableSchema() db.TableSchema {
	return db.TableSchema{
		Name: HistoryTable,
		Columns: []db.Column{
			{Name: "machine_id", Type: db.ColText},
			{Name: "machine_type", Type: db.ColText},
			{Name: "version", Type: db.ColInteger},
			{Name: "run_id", Type: db.ColText},
			{Name: "correlation_id", Type: db.ColText},
			{Name: "debug_session_id", Type: db.ColText},
			{Name: "state_before", Type: db.ColText},
			{Name: "state_after", Type: db.ColText},
			{Name: "event_type", Type: db.ColText},
			{Name: "transition_duration", Type: db.ColInteger},
			{Name: "timestamp", Type: db.ColInteger},
			{Name: "machine_online_status", Type: db.ColBool},
			{Name: "state_offline_status", Type: db.ColBool},
			{Name: "registry_status", Type: db.ColText},
			{Name: "event_payload_json", Type: db.ColText},
			{Name: "event_parameters_json", Type: db.ColText},
			{Name: "context_before_json", Type: db.ColText},
			{Name: "context_after_json", Type: db.ColText},
		},
	}
}

// Append enqueues one transition record. Returns false if it was dropped.
func (h *HistoryWriter) Append(rec *statemachine.TransitionRecord) bool {
	return h.w.Enqueue([]interface{}{
		fmt.Sprintf("%s:%d", rec.MachineID, rec.Version),
		time.UnixMilli(rec.Timestamp).UTC(),
		rec.MachineID,
		rec.MachineType,
		int64(rec.Version),
		rec.RunID,
		rec.CorrelationID,
		rec.DebugSessionID,
		rec.StateBefore,
		rec.StateAfter,
		rec.EventType,
		rec.TransitionDurationUs,
		rec.Timestamp,
		rec.MachineOnline,
		rec.StateOffline,
		rec.RegistryStatus,
		core.EncodeBlob(rec.EventPayload),
		core.EncodeBlob(rec.EventParameters),
		core.EncodeBlob(rec.ContextBefore),
		core.EncodeBlob(rec.ContextAfter),
	})
}

// Pending returns the queued row count.
func (h *HistoryWriter) Pending() int { return h.w.Pending() }

// Dropped returns how many records were discarded.
func (h *HistoryWriter) Dropped() uint64 { return h.w.Dropped() }

// Close drains and stops the writer.
func (h *HistoryWriter) Close(grace time.Duration) { h.w.Close(grace) }
