// Package archival moves completed machines out of the active database. The
// history database mirrors the active schema; rows are copied, deduplicated,
// then deleted from active. Retention trims history by created_at age.
package archival

import (
	"context"
	"fmt"
	"time"

	"github.com/pialmmh/statemachine/pkg/concurrency"
	"github.com/pialmmh/statemachine/pkg/core"
	"github.com/pialmmh/statemachine/pkg/db"
	"github.com/pialmmh/statemachine/pkg/entitygraph"
)

// HistoryDatabase returns the history sibling of an active database.
func HistoryDatabase(active string) string {
	return active + "-history"
}

// Config configures an Archiver.
type Config struct {
	// ActiveDatabase is the registry's active database name.
	ActiveDatabase string

	// Tables lists every table of the entity graph with its machine-id
	// column, plus any observability tables to carry along.
	Tables []entitygraph.TableKey

	// RetentionDays trims history rows older than this. Default 30.
	RetentionDays int

	// Pool sizes the archival worker pool.
	Pool concurrency.WorkerPoolConfig
}

// Archiver runs copy-then-delete moves on a worker pool.
type Archiver struct {
	store   db.Store
	cfg     Config
	history string
	pool    concurrency.WorkerPool
	logger  core.Logger
}

// NewArchiver creates an archiver. Start must be called before Archive.
func NewArchiver(ctx context.Context, store db.Store, cfg Config, logger core.Logger) (*Archiver, error) {
	if cfg.ActiveDatabase == "" {
		return nil, &core.Error{Code: "INVALID_CONFIG", Message: "active database name cannot be empty"}
	}
	if len(cfg.Tables) == 0 {
		return nil, &core.Error{Code: "INVALID_CONFIG", Message: "archiver needs at least one table"}
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.Pool.Workers == 0 {
		cfg.Pool = concurrency.DefaultWorkerPoolConfig()
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Archiver{
		store:   store,
		cfg:     cfg,
		history: HistoryDatabase(cfg.ActiveDatabase),
		pool:    concurrency.NewWorkerPool(ctx, cfg.Pool, logger),
		logger:  logger,
	}, nil
}

// HistoryDatabaseName returns the history database this archiver writes to.
func (a *Archiver) HistoryDatabaseName() string { return a.history }

// Start ensures the history database mirrors the active schema and starts
// the worker pool.
func (a *Archiver) Start(ctx context.Context) error {
	if err := a.store.CreateDatabase(ctx, a.history); err != nil {
		return err
	}
	if err := a.store.ReplicateSchema(ctx, a.cfg.ActiveDatabase, a.history); err != nil {
		return err
	}
	return a.pool.Start()
}

// Archive queues a completed machine for the copy-then-delete move.
func (a *Archiver) Archive(machineID string) error {
	return a.pool.Submit(concurrency.TaskFunc{
		TaskName: "archive." + machineID,
		Fn: func(ctx context.Context) error {
			if err := a.archiveNow(ctx, machineID); err != nil {
				a.logger.Errorf("archival of %s failed, rows remain active for the next pass: %v", machineID, err)
				return err
			}
			return nil
		},
	})
}

// archiveNow copies every graph row to history, then deletes from active.
// A re-run after a partial failure deduplicates: history rows are replaced
// by id, so the highest version wins.
func (a *Archiver) archiveNow(ctx context.Context, machineID string) error {
	for _, key := range a.cfg.Tables {
		rows, err := a.store.RowsBy(ctx, a.cfg.ActiveDatabase, key.Table, key.KeyColumn, machineID)
		if err != nil {
			return fmt.Errorf("read %s: %w", key.Table, err)
		}
		for _, row := range rows {
			id, _ := row["id"].(string)
			createdAt := rowTime(row["created_at"])
			cols := make(map[string]interface{}, len(row))
			for k, v := range row {
				if k == "id" || k == "created_at" {
					continue
				}
				cols[k] = v
			}
			if err := a.store.Upsert(ctx, a.history, key.Table, id, createdAt, cols); err != nil {
				return fmt.Errorf("copy %s row %s: %w", key.Table, id, err)
			}
		}
	}

	// Copies are durable; delete the active rows.
	for _, key := range a.cfg.Tables {
		if err := a.store.DeleteBy(ctx, a.cfg.ActiveDatabase, key.Table, key.KeyColumn, machineID); err != nil {
			return fmt.Errorf("delete active %s rows: %w", key.Table, err)
		}
	}
	return nil
}

// ScanAndArchiveFinals finds machines already in a final state in the active
// database and moves them. Run at startup, keyed on the root table's
// current_state column.
func (a *Archiver) ScanAndArchiveFinals(ctx context.Context, rootTable string, finalStates []string) (int, error) {
	ids, err := a.store.ScanByColumnIn(ctx, a.cfg.ActiveDatabase, rootTable, entitygraph.ColCurrentState, finalStates)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, id := range ids {
		if err := a.archiveNow(ctx, id); err != nil {
			a.logger.Errorf("startup archival of %s failed: %v", id, err)
			continue
		}
		archived++
	}
	return archived, nil
}

// EnforceRetention deletes history rows older than the retention window.
func (a *Archiver) EnforceRetention(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -a.cfg.RetentionDays)
	var total int64
	for _, key := range a.cfg.Tables {
		n, err := a.store.DeleteOlderThan(ctx, a.history, key.Table, cutoff)
		if err != nil {
			return total, fmt.Errorf("retention on %s: %w", key.Table, err)
		}
		total += n
	}
	return total, nil
}

// Stop drains queued moves.
func (a *Archiver) Stop(ctx context.Context) error {
	return a.pool.Stop(ctx)
}

func rowTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Now().UTC()
}
