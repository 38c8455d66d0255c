package db

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pialmmh/statemachine/pkg/core"
)

// SQLiteStore implements Store with one database file per logical database,
// all under a base directory. It is the embedded engine used by tests and
// single-node deployments.
type SQLiteStore struct {
	baseDir string
	mu      sync.Mutex
	pools   map[string]*Pool
	logger  core.Logger
}

// NewSQLiteStore creates a store rooted at baseDir. Database files are
// created lazily by CreateDatabase.
func NewSQLiteStore(baseDir string, logger core.Logger) (*SQLiteStore, error) {
	if baseDir == "" {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "baseDir cannot be empty"}
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &SQLiteStore{
		baseDir: baseDir,
		pools:   make(map[string]*Pool),
		logger:  logger,
	}, nil
}

// CreateDatabase implements Store. Opening the file creates it; never drops.
func (s *SQLiteStore) CreateDatabase(ctx context.Context, name string) error {
	_, err := s.pool(name)
	return err
}

// pool returns (opening if needed) the pool for a logical database.
func (s *SQLiteStore) pool(name string) (*Pool, error) {
	if name == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "database name cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pools[name]; ok {
		return p, nil
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.Join(s.baseDir, name+".db"))
	p, err := NewPool(DefaultPoolConfig(dsn, "sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", name, err)
	}
	s.pools[name] = p
	return p, nil
}

// EnsureTable implements Store.
func (s *SQLiteStore) EnsureTable(ctx context.Context, database string, schema TableSchema) error {
	p, err := s.pool(database)
	if err != nil {
		return err
	}
	_, err = p.Exec(ctx, buildCreateTable(quoteIdent(schema.Name), schema, false))
	return err
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, database, table, id string, createdAt time.Time, cols map[string]interface{}) error {
	p, err := s.pool(database)
	if err != nil {
		return err
	}

	names := sortedColumnNames(cols)
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (id, created_at", quoteIdent(table))
	for _, n := range names {
		b.WriteString(", ")
		b.WriteString(quoteIdent(n))
	}
	b.WriteString(") VALUES (?, ?")
	args := make([]interface{}, 0, len(names)+2)
	args = append(args, id, createdAt.UTC())
	for _, n := range names {
		b.WriteString(", ?")
		args = append(args, cols[n])
	}
	b.WriteString(") ON CONFLICT(id, created_at) DO UPDATE SET ")
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=excluded.%s", quoteIdent(n), quoteIdent(n))
	}
	if len(names) == 0 {
		// Nothing to update on conflict; keep the row.
		b.Reset()
		fmt.Fprintf(&b, "INSERT OR IGNORE INTO %s (id, created_at) VALUES (?, ?)", quoteIdent(table))
		args = args[:2]
	}

	_, err = p.Exec(ctx, b.String(), args...)
	return err
}

// InsertBatch implements Store.
func (s *SQLiteStore) InsertBatch(ctx context.Context, database, table string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	p, err := s.pool(database)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (", quoteIdent(table))
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES ")
	args := make([]interface{}, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return &Error{Code: "INVALID_INPUT", Message: "row length does not match column list"}
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, row[j])
		}
		b.WriteString(")")
	}

	tx, err := p.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RowsBy implements Store.
func (s *SQLiteStore) RowsBy(ctx context.Context, database, table, column, value string) ([]map[string]interface{}, error) {
	p, err := s.pool(database)
	if err != nil {
		return nil, err
	}
	rows, err := p.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quoteIdent(table), quoteIdent(column)), value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// RowsByInRange implements Store.
func (s *SQLiteStore) RowsByInRange(ctx context.Context, database, table, column, value string, from, to time.Time) ([]map[string]interface{}, error) {
	p, err := s.pool(database)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ? AND created_at >= ? AND created_at < ?", quoteIdent(table), quoteIdent(column))
	rows, err := p.Query(ctx, query, value, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// DeleteBy implements Store.
func (s *SQLiteStore) DeleteBy(ctx context.Context, database, table, column, value string) error {
	p, err := s.pool(database)
	if err != nil {
		return err
	}
	_, err = p.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(table), quoteIdent(column)), value)
	return err
}

// ScanByColumnIn implements Store.
func (s *SQLiteStore) ScanByColumnIn(ctx context.Context, database, table, column string, values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	p, err := s.pool(database)
	if err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	query := fmt.Sprintf("SELECT DISTINCT id FROM %s WHERE %s IN (%s)", quoteIdent(table), quoteIdent(column), placeholders)

	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteOlderThan implements Store.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, database, table string, cutoff time.Time) (int64, error) {
	p, err := s.pool(database)
	if err != nil {
		return 0, err
	}
	res, err := p.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE created_at < ?", quoteIdent(table)), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListTables implements Store.
func (s *SQLiteStore) ListTables(ctx context.Context, database string) ([]string, error) {
	p, err := s.pool(database)
	if err != nil {
		return nil, err
	}
	rows, err := p.Query(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ReplicateSchema implements Store. Table and index DDL is read from the
// source catalog and replayed against the target for tables the target is
// missing.
func (s *SQLiteStore) ReplicateSchema(ctx context.Context, source, target string) error {
	src, err := s.pool(source)
	if err != nil {
		return err
	}
	tgt, err := s.pool(target)
	if err != nil {
		return err
	}

	existing, err := s.ListTables(ctx, target)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		have[t] = true
	}

	rows, err := src.Query(ctx, "SELECT name, tbl_name, sql FROM sqlite_master WHERE sql IS NOT NULL AND type IN ('table', 'index') AND name NOT LIKE 'sqlite_%' ORDER BY type DESC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, tblName, ddl string
		if err := rows.Scan(&name, &tblName, &ddl); err != nil {
			return err
		}
		if have[tblName] {
			continue
		}
		if !strings.Contains(strings.ToUpper(ddl), "IF NOT EXISTS") {
			ddl = strings.Replace(ddl, "CREATE TABLE", "CREATE TABLE IF NOT EXISTS", 1)
			ddl = strings.Replace(ddl, "CREATE INDEX", "CREATE INDEX IF NOT EXISTS", 1)
		}
		if _, err := tgt.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("replicate %s into %s: %w", name, target, err)
		}
	}
	return rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, p := range s.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.pools, name)
	}
	return firstErr
}
