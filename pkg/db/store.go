package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ColumnType is the engine-independent type of a declared column.
type ColumnType string

const (
	ColText      ColumnType = "text"
	ColInteger   ColumnType = "integer"
	ColReal      ColumnType = "real"
	ColBool      ColumnType = "bool"
	ColTimestamp ColumnType = "timestamp"
)

// Column declares one named column of a table.
type Column struct {
	Name string
	Type ColumnType
}

// TableSchema declares the payload columns of an entity table. Every table
// additionally carries the implicit columns `id` (TEXT) and `created_at`
// (TIMESTAMP), keyed as (id, created_at) so stores that support it can prune
// partitions by created_at.
type TableSchema struct {
	Name    string
	Columns []Column
}

// Store abstracts the row store backing the runtime. Two logical databases
// exist per registry: the active database (named after the registry) and its
// `<registry>-history` sibling with identical table shapes.
type Store interface {
	// CreateDatabase creates a logical database if absent. Never drops.
	CreateDatabase(ctx context.Context, name string) error

	// EnsureTable creates a table from its schema if absent.
	EnsureTable(ctx context.Context, database string, schema TableSchema) error

	// Upsert inserts or updates one row keyed by (id, createdAt).
	Upsert(ctx context.Context, database, table, id string, createdAt time.Time, cols map[string]interface{}) error

	// InsertBatch appends rows in a single multi-row statement under one
	// transaction. Used by the batch loggers.
	InsertBatch(ctx context.Context, database, table string, columns []string, rows [][]interface{}) error

	// RowsBy returns all rows whose column equals value, as column maps.
	RowsBy(ctx context.Context, database, table, column, value string) ([]map[string]interface{}, error)

	// RowsByInRange is RowsBy restricted to created_at in [from, to), so
	// engines that partition by created_at can prune. Both bounds are
	// required.
	RowsByInRange(ctx context.Context, database, table, column, value string, from, to time.Time) ([]map[string]interface{}, error)

	// DeleteBy deletes all rows whose column equals value.
	DeleteBy(ctx context.Context, database, table, column, value string) error

	// ScanByColumnIn returns the distinct ids of rows whose column value is
	// in the given set.
	ScanByColumnIn(ctx context.Context, database, table, column string, values []string) ([]string, error)

	// DeleteOlderThan removes rows with created_at before the cutoff.
	DeleteOlderThan(ctx context.Context, database, table string, cutoff time.Time) (int64, error)

	// ListTables lists table names in a logical database.
	ListTables(ctx context.Context, database string) ([]string, error)

	// ReplicateSchema copies table definitions (only) from source to target,
	// preserving indexing. Existing target tables are left untouched.
	ReplicateSchema(ctx context.Context, source, target string) error

	// Close releases all connections.
	Close() error
}

// quoteIdent quotes an SQL identifier. Registry names carry dashes
// ("call-prod-history") so quoting is not optional.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// scanRows drains *sql.Rows into column maps.
func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			// Normalize []byte so values survive a copy round-trip.
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// sortedColumnNames returns map keys in a stable order so generated SQL is
// deterministic.
func sortedColumnNames(cols map[string]interface{}) []string {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// ddlType maps a declared column type to engine SQL.
func ddlType(t ColumnType, postgres bool) string {
	switch t {
	case ColInteger:
		if postgres {
			return "BIGINT"
		}
		return "INTEGER"
	case ColReal:
		if postgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case ColBool:
		return "BOOLEAN"
	case ColTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// buildCreateTable renders the CREATE TABLE statement for a schema.
func buildCreateTable(qualified string, schema TableSchema, postgres bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (id TEXT NOT NULL, created_at TIMESTAMP NOT NULL", qualified)
	for _, col := range schema.Columns {
		fmt.Fprintf(&b, ", %s %s", quoteIdent(col.Name), ddlType(col.Type, postgres))
	}
	b.WriteString(", PRIMARY KEY (id, created_at))")
	return b.String()
}
