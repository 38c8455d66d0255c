package batchlog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pialmmh/statemachine/pkg/core"
	"github.com/pialmmh/statemachine/pkg/db"
)

// RegistryEventTable is the registry lifecycle log table name.
const RegistryEventTable = "registry_events"

// Registry event kinds.
const (
	RegistryEventCreate    = "CREATE"
	RegistryEventRemove    = "REMOVE"
	RegistryEventRehydrate = "REHYDRATE"
	RegistryEventEvict     = "EVICT"
	RegistryEventError     = "ERROR"
)

var registryColumns = []string{
	"id",
	"created_at",
	"machine_id",
	"event_type",
	"reason",
	"event_timestamp",
}

// RegistryWriter batches registry lifecycle events.
type RegistryWriter struct {
	w *Writer
}

// NewRegistryWriter ensures the lifecycle table exists and starts the writer.
func NewRegistryWriter(ctx context.Context, store db.Store, database string, cfg Config, logger core.Logger) (*RegistryWriter, error) {
	if err := store.EnsureTable(ctx, database, RegistryEventTableSchema()); err != nil {
		return nil, err
	}
	return &RegistryWriter{
		w: NewWriter(store, database, RegistryEventTable, registryColumns, cfg, logger),
	}, nil
}

// RegistryEventTableSchema declares the lifecycle log shape.
func RegistryEventTableSchema() db.TableSchema {
	return db.TableSchema{
		Name: RegistryEventTable,
		Columns: []db.Column{
			{Name: "machine_id", Type: db.ColText},
			{Name: "event_type", Type: db.ColText},
			{Name: "reason", Type: db.ColText},
			{Name: "event_timestamp", Type: db.ColInteger},
		},
	}
}

// Append enqueues one lifecycle event. Returns false if it was dropped.
func (r *RegistryWriter) Append(machineID, eventType, reason string) bool {
	now := time.Now()
	return r.w.Enqueue([]interface{}{
		uuid.NewString(),
		now.UTC(),
		machineID,
		eventType,
		reason,
		now.UnixMilli(),
	})
}

// Pending returns the queued row count.
func (r *RegistryWriter) Pending() int { return r.w.Pending() }

// Dropped returns how many events were discarded.
func (r *RegistryWriter) Dropped() uint64 { return r.w.Dropped() }

// Close drains and stops the writer.
func (r *RegistryWriter) Close(grace time.Duration) { r.w.Close(grace) }
