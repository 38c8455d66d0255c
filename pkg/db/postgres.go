package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pialmmh/statemachine/pkg/core"
)

// PostgresStore implements Store against one postgres server, mapping each
// logical database to a schema so that active and history live side by side
// under a single connection pool. The caller is responsible for importing a
// driver (lib/pq) and passing a DSN it understands.
type PostgresStore struct {
	pool   *Pool
	logger core.Logger
}

// NewPostgresStore connects to the server behind dsn.
func NewPostgresStore(dsn string, logger core.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	p, err := NewPool(DefaultPoolConfig(dsn, "postgres"))
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: p, logger: logger}, nil
}

func (s *PostgresStore) qualified(database, table string) string {
	return quoteIdent(database) + "." + quoteIdent(table)
}

// CreateDatabase implements Store. Never drops.
func (s *PostgresStore) CreateDatabase(ctx context.Context, name string) error {
	if name == "" {
		return &Error{Code: "INVALID_INPUT", Message: "database name cannot be empty"}
	}
	_, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(name))
	return err
}

// EnsureTable implements Store.
func (s *PostgresStore) EnsureTable(ctx context.Context, database string, schema TableSchema) error {
	_, err := s.pool.Exec(ctx, buildCreateTable(s.qualified(database, schema.Name), schema, true))
	return err
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, database, table, id string, createdAt time.Time, cols map[string]interface{}) error {
	names := sortedColumnNames(cols)

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (id, created_at", s.qualified(database, table))
	for _, n := range names {
		b.WriteString(", ")
		b.WriteString(quoteIdent(n))
	}
	b.WriteString(") VALUES ($1, $2")
	args := make([]interface{}, 0, len(names)+2)
	args = append(args, id, createdAt.UTC())
	for i, n := range names {
		fmt.Fprintf(&b, ", $%d", i+3)
		args = append(args, cols[n])
	}
	b.WriteString(") ON CONFLICT (id, created_at) DO ")
	if len(names) == 0 {
		b.WriteString("NOTHING")
	} else {
		b.WriteString("UPDATE SET ")
		for i, n := range names {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = excluded.%s", quoteIdent(n), quoteIdent(n))
		}
	}

	_, err := s.pool.Exec(ctx, b.String(), args...)
	return err
}

// InsertBatch implements Store.
func (s *PostgresStore) InsertBatch(ctx context.Context, database, table string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (", s.qualified(database, table))
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES ")
	args := make([]interface{}, 0, len(rows)*len(columns))
	arg := 1
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
			fmt.Fprintf(&b, "$%d", arg)
			arg++
			args = append(args, row[j])
		}
		b.WriteString(")")
	}

	tx, err := s.pool.Begin(ctx)
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
func (s *PostgresStore) RowsBy(ctx context.Context, database, table, column, value string) ([]map[string]interface{}, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", s.qualified(database, table), quoteIdent(column)), value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// RowsByInRange implements Store.
func (s *PostgresStore) RowsByInRange(ctx context.Context, database, table, column, value string, from, to time.Time) ([]map[string]interface{}, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1 AND created_at >= $2 AND created_at < $3",
		s.qualified(database, table), quoteIdent(column))
	rows, err := s.pool.Query(ctx, query, value, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// DeleteBy implements Store.
func (s *PostgresStore) DeleteBy(ctx context.Context, database, table, column, value string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = $1", s.qualified(database, table), quoteIdent(column)), value)
	return err
}

// ScanByColumnIn implements Store.
func (s *PostgresStore) ScanByColumnIn(ctx context.Context, database, table, column string, values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, v := range values {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = v
	}
	query := fmt.Sprintf("SELECT DISTINCT id FROM %s WHERE %s IN (%s)",
		s.qualified(database, table), quoteIdent(column), strings.Join(placeholders, ", "))

	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, database, table string, cutoff time.Time) (int64, error) {
	res, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE created_at < $1", s.qualified(database, table)), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListTables implements Store.
func (s *PostgresStore) ListTables(ctx context.Context, database string) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name", database)
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

// ReplicateSchema implements Store using CREATE TABLE (LIKE ... INCLUDING
// ALL), which carries indexes and constraints along.
func (s *PostgresStore) ReplicateSchema(ctx context.Context, source, target string) error {
	tables, err := s.ListTables(ctx, source)
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

	for _, t := range tables {
		if have[t] {
			continue
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING ALL)",
			s.qualified(target, t), s.qualified(source, t))
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("replicate %s into %s: %w", t, target, err)
		}
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.pool.Close()
}
