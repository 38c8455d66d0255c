// Package entitygraph maps a machine's context value to a rooted graph of
// rows and back. The shape of the graph is declared explicitly per context
// type: which tables exist, how each node extracts into a column map and how
// rows are applied back. No reflection is involved; the snapshot extractors
// are registered alongside the machine definition.
package entitygraph

import "github.com/pialmmh/statemachine/pkg/db"

// LookupMode selects how the store is queried for a machine's rows.
type LookupMode int

const (
	// LookupByID queries by id alone.
	LookupByID LookupMode = iota

	// LookupByIDAndDateRange additionally prunes by created_at, which
	// requires time-embedded machine ids (core.GenerateMachineID).
	LookupByIDAndDateRange
)

// RootSchema declares the root entity table. The root row's id equals the
// machine id; the mapper adds the runtime columns (current_state,
// last_state_change, version) on persist.
type RootSchema struct {
	Table db.TableSchema

	// Extract renders the root node as a column map.
	Extract func(context interface{}) map[string]interface{}

	// Apply restores root columns into the context.
	Apply func(context interface{}, row map[string]interface{})
}

// ChildSchema declares a child-list table. Each child row must carry its own
// "id" column; the mapper stamps parent_id with the machine id.
type ChildSchema struct {
	Table db.TableSchema

	// Extract renders each child node as a column map.
	Extract func(context interface{}) []map[string]interface{}

	// Apply restores child rows into the context.
	Apply func(context interface{}, rows []map[string]interface{})
}

// SingletonSchema declares a one-row-per-machine side table. Singletons share
// the machine id. Extract returning nil skips the row.
type SingletonSchema struct {
	Table db.TableSchema

	Extract func(context interface{}) map[string]interface{}
	Apply   func(context interface{}, row map[string]interface{})
}

// GraphSchema is the full structural declaration for one context type.
type GraphSchema struct {
	// NewContext constructs an empty context for loading.
	NewContext func(machineID string) interface{}

	Root       RootSchema
	Children   []ChildSchema
	Singletons []SingletonSchema

	Lookup LookupMode
}

// Tables returns every table of the graph with the key column used to select
// a machine's rows in it. Used by archival to move whole graphs.
func (g *GraphSchema) Tables() []TableKey {
	keys := []TableKey{{Table: g.Root.Table.Name, KeyColumn: "id"}}
	for _, c := range g.Children {
		keys = append(keys, TableKey{Table: c.Table.Name, KeyColumn: "parent_id"})
	}
	for _, s := range g.Singletons {
		keys = append(keys, TableKey{Table: s.Table.Name, KeyColumn: "id"})
	}
	return keys
}

// TableKey names a table and the column holding the machine id in it.
type TableKey struct {
	Table     string
	KeyColumn string
}

// Runtime column names maintained by the mapper on the root row.
const (
	ColCurrentState    = "current_state"
	ColLastStateChange = "last_state_change"
	ColVersion         = "version"
)

// runtimeColumns are appended to the declared root schema.
var runtimeColumns = []db.Column{
	{Name: ColCurrentState, Type: db.ColText},
	{Name: ColLastStateChange, Type: db.ColTimestamp},
	{Name: ColVersion, Type: db.ColInteger},
}
