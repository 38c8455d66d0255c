package entitygraph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pialmmh/statemachine/pkg/core"
	"github.com/pialmmh/statemachine/pkg/db"
)

// MachineState is the runtime state stored on the root row, authoritative
// for rehydration.
type MachineState struct {
	CurrentState    string
	LastStateChange time.Time
	Version         uint64
}

// Mapper persists and loads one context type's entity graph against a
// logical database.
type Mapper struct {
	store    db.Store
	database string
	schema   *GraphSchema
	logger   core.Logger

	mu        sync.Mutex
	createdAt map[string]time.Time // machineID -> partition key, stable across upserts
}

// NewMapper creates a mapper for the given schema.
func NewMapper(store db.Store, database string, schema *GraphSchema, logger core.Logger) (*Mapper, error) {
	if store == nil {
		return nil, &core.Error{Code: "INVALID_CONFIG", Message: "store cannot be nil"}
	}
	if schema == nil || schema.Root.Extract == nil || schema.Root.Apply == nil || schema.NewContext == nil {
		return nil, &core.Error{Code: "INVALID_CONFIG", Message: "graph schema must declare root extract/apply and a context factory"}
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Mapper{
		store:     store,
		database:  database,
		schema:    schema,
		logger:    logger,
		createdAt: make(map[string]time.Time),
	}, nil
}

// Database returns the logical database this mapper writes to.
func (m *Mapper) Database() string { return m.database }

// Schema returns the graph schema.
func (m *Mapper) Schema() *GraphSchema { return m.schema }

// EnsureSchema creates the database and every graph table if absent.
func (m *Mapper) EnsureSchema(ctx context.Context) error {
	if err := m.store.CreateDatabase(ctx, m.database); err != nil {
		return err
	}

	root := m.schema.Root.Table
	root.Columns = append(append([]db.Column{}, root.Columns...), runtimeColumns...)
	if err := m.store.EnsureTable(ctx, m.database, root); err != nil {
		return err
	}

	for _, c := range m.schema.Children {
		t := c.Table
		t.Columns = append(append([]db.Column{}, t.Columns...), db.Column{Name: "parent_id", Type: db.ColText})
		if err := m.store.EnsureTable(ctx, m.database, t); err != nil {
			return err
		}
	}
	for _, s := range m.schema.Singletons {
		if err := m.store.EnsureTable(ctx, m.database, s.Table); err != nil {
			return err
		}
	}
	return nil
}

// nodeCreatedAt resolves the stable created_at partition key for a machine.
// Time-embedded ids carry their own instant; otherwise the first persist
// fixes it.
func (m *Mapper) nodeCreatedAt(machineID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	if at, ok := m.createdAt[machineID]; ok {
		return at
	}
	at, err := core.MachineIDTime(machineID)
	if err != nil {
		at = time.Now().UTC()
	}
	at = at.UTC().Truncate(time.Millisecond)
	m.createdAt[machineID] = at
	return at
}

// Forget drops the cached partition key after a machine's rows leave the
// active database.
func (m *Mapper) Forget(machineID string) {
	m.mu.Lock()
	delete(m.createdAt, machineID)
	m.mu.Unlock()
}

// lookupWindow bounds the created_at scan around the instant embedded in a
// time-embedded machine id. The mapper truncates that instant to the
// millisecond, so a day on either side is generous.
const lookupWindow = 24 * time.Hour

// machineRows selects a machine's rows in one table, pruning by created_at
// when the schema opted into range lookup and the id carries its creation
// instant. Opaque ids fall back to the plain id scan.
func (m *Mapper) machineRows(ctx context.Context, table, column, machineID string) ([]map[string]interface{}, error) {
	if m.schema.Lookup == LookupByIDAndDateRange {
		if at, err := core.MachineIDTime(machineID); err == nil {
			return m.store.RowsByInRange(ctx, m.database, table, column, machineID, at.Add(-lookupWindow), at.Add(lookupWindow))
		}
	}
	return m.store.RowsBy(ctx, m.database, table, column, machineID)
}

// PersistGraph upserts the root, then children, then singletons as one
// logical unit. Every node receives the machine id (or parent reference) and
// a created_at default.
func (m *Mapper) PersistGraph(ctx context.Context, machineID string, graphCtx interface{}, state MachineState) error {
	if !m.ValidateConsistency(machineID, graphCtx) {
		return &core.Error{Code: "ID_MISMATCH", Message: fmt.Sprintf("context graph of %s carries foreign ids", machineID)}
	}

	createdAt := m.nodeCreatedAt(machineID)

	rootCols := m.schema.Root.Extract(graphCtx)
	cols := make(map[string]interface{}, len(rootCols)+3)
	for k, v := range rootCols {
		if k == "id" || k == "created_at" {
			continue
		}
		cols[k] = v
	}
	cols[ColCurrentState] = state.CurrentState
	cols[ColLastStateChange] = state.LastStateChange.UTC()
	cols[ColVersion] = int64(state.Version)

	if err := m.store.Upsert(ctx, m.database, m.schema.Root.Table.Name, machineID, createdAt, cols); err != nil {
		return fmt.Errorf("persist root of %s: %w", machineID, err)
	}

	for _, child := range m.schema.Children {
		for _, row := range child.Extract(graphCtx) {
			childID, _ := row["id"].(string)
			if childID == "" {
				return &core.Error{Code: "ID_MISSING", Message: fmt.Sprintf("child row in %s has no id", child.Table.Name)}
			}
			childAt := createdAt
			if at, ok := row["created_at"].(time.Time); ok {
				childAt = at.UTC().Truncate(time.Millisecond)
			}
			childCols := make(map[string]interface{}, len(row)+1)
			for k, v := range row {
				if k == "id" || k == "created_at" {
					continue
				}
				childCols[k] = v
			}
			childCols["parent_id"] = machineID
			if err := m.store.Upsert(ctx, m.database, child.Table.Name, childID, childAt, childCols); err != nil {
				return fmt.Errorf("persist child %s of %s: %w", child.Table.Name, machineID, err)
			}
		}
	}

	for _, singleton := range m.schema.Singletons {
		row := singleton.Extract(graphCtx)
		if row == nil {
			continue
		}
		singletonCols := make(map[string]interface{}, len(row))
		for k, v := range row {
			if k == "id" || k == "created_at" {
				continue
			}
			singletonCols[k] = v
		}
		if err := m.store.Upsert(ctx, m.database, singleton.Table.Name, machineID, createdAt, singletonCols); err != nil {
			return fmt.Errorf("persist singleton %s of %s: %w", singleton.Table.Name, machineID, err)
		}
	}

	return nil
}

// LoadGraph reconstitutes the full graph. A nil context with nil error means
// the machine is absent from this database.
func (m *Mapper) LoadGraph(ctx context.Context, machineID string) (interface{}, *MachineState, error) {
	rows, err := m.machineRows(ctx, m.schema.Root.Table.Name, "id", machineID)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	root := rows[0]

	graphCtx := m.schema.NewContext(machineID)
	m.schema.Root.Apply(graphCtx, root)

	state := &MachineState{
		CurrentState:    toString(root[ColCurrentState]),
		LastStateChange: toTime(root[ColLastStateChange]),
		Version:         uint64(toInt64(root[ColVersion])),
	}
	if at, ok := root["created_at"].(time.Time); ok {
		m.mu.Lock()
		m.createdAt[machineID] = at.UTC().Truncate(time.Millisecond)
		m.mu.Unlock()
	}

	for _, child := range m.schema.Children {
		childRows, err := m.store.RowsBy(ctx, m.database, child.Table.Name, "parent_id", machineID)
		if err != nil {
			return nil, nil, err
		}
		child.Apply(graphCtx, childRows)
	}
	for _, singleton := range m.schema.Singletons {
		// Singleton rows share the root's partition key, so the same pruning
		// applies. Child rows may carry their own created_at and keep the
		// plain scan.
		singletonRows, err := m.machineRows(ctx, singleton.Table.Name, "id", machineID)
		if err != nil {
			return nil, nil, err
		}
		if len(singletonRows) > 0 {
			singleton.Apply(graphCtx, singletonRows[0])
		}
	}

	return graphCtx, state, nil
}

// DeleteGraph removes every row of a machine from this database.
func (m *Mapper) DeleteGraph(ctx context.Context, machineID string) error {
	for _, key := range m.schema.Tables() {
		if err := m.store.DeleteBy(ctx, m.database, key.Table, key.KeyColumn, machineID); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConsistency checks id propagation: any id-bearing column in the
// extracted graph must agree with the machine id.
func (m *Mapper) ValidateConsistency(machineID string, graphCtx interface{}) bool {
	root := m.schema.Root.Extract(graphCtx)
	if id, ok := root["id"].(string); ok && id != "" && id != machineID {
		return false
	}
	for _, child := range m.schema.Children {
		for _, row := range child.Extract(graphCtx) {
			if parent, ok := row["parent_id"].(string); ok && parent != "" && parent != machineID {
				return false
			}
		}
	}
	for _, singleton := range m.schema.Singletons {
		row := singleton.Extract(graphCtx)
		if row == nil {
			continue
		}
		if id, ok := row["id"].(string); ok && id != "" && id != machineID {
			return false
		}
	}
	return true
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func toTime(v interface{}) time.Time {
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
	return time.Time{}
}
