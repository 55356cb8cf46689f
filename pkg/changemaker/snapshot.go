package changemaker

import "sort"

// snapCol mirrors one element of the snapshot JSON's "columns" array,
// produced by pkg/shard's installed DDL-snapshot SQL function.
type snapCol struct {
	Name    string `json:"name" mapstructure:"name"`
	Pos     int16  `json:"pos" mapstructure:"pos"`
	TypeOID uint32 `json:"typeOid" mapstructure:"typeOid"`
	NotNull bool   `json:"notNull" mapstructure:"notNull"`
}

// snapTable mirrors one element of the snapshot JSON's "tables" array.
type snapTable struct {
	OID        uint32    `json:"oid" mapstructure:"oid"`
	Schema     string    `json:"schema" mapstructure:"schema"`
	Name       string    `json:"name" mapstructure:"name"`
	PrimaryKey []string  `json:"primaryKey" mapstructure:"primaryKey"`
	Columns    []snapCol `json:"columns" mapstructure:"columns"`
}

func (t snapTable) id() TableID { return TableID{Schema: t.Schema, Name: t.Name} }

// snapIndex mirrors one element of the snapshot JSON's "indexes" array.
type snapIndex struct {
	Schema  string   `json:"schema" mapstructure:"schema"`
	Table   string   `json:"table" mapstructure:"table"`
	Name    string   `json:"name" mapstructure:"name"`
	Unique  bool     `json:"unique" mapstructure:"unique"`
	Columns []string `json:"columns" mapstructure:"columns"`
}

func (ix snapIndex) qualifiedName() string { return ix.Schema + "." + ix.Name }
func (ix snapIndex) tableID() TableID      { return TableID{Schema: ix.Schema, Name: ix.Table} }

// schemaSnapshot is the Go shape of the JSON a ddlStart/ddlUpdate custom
// message's "schema" field carries.
type schemaSnapshot struct {
	Tables  []snapTable `json:"tables" mapstructure:"tables"`
	Indexes []snapIndex `json:"indexes" mapstructure:"indexes"`
}

func (s schemaSnapshot) tablesByOID() map[uint32]snapTable {
	out := make(map[uint32]snapTable, len(s.Tables))
	for _, t := range s.Tables {
		out[t.OID] = t
	}
	return out
}

func (s schemaSnapshot) indexesByQualifiedName() map[string]snapIndex {
	out := make(map[string]snapIndex, len(s.Indexes))
	for _, ix := range s.Indexes {
		out[ix.qualifiedName()] = ix
	}
	return out
}

// TableSnapshot is the create-table DataChange payload: enough of a
// table's shape for the replica applier to issue CREATE TABLE. Column
// type mapping (pkg/schema.StorageType) happens in the applier, not here;
// this package only carries the raw upstream column shape it observed.
type TableSnapshot struct {
	ID         TableID
	PrimaryKey []string
	Columns    []ColumnChange
}

func snapTableToSnapshot(t snapTable) *TableSnapshot {
	cols := make([]ColumnChange, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = ColumnChange{Name: c.Name, TypeOID: c.TypeOID, NotNull: c.NotNull}
	}
	return &TableSnapshot{ID: t.id(), PrimaryKey: append([]string(nil), t.PrimaryKey...), Columns: cols}
}

// sortedColumnsByPos returns a table's columns ordered by declared
// position, the identity DDL diffs key column pairs on (§4.8.2 step 3c).
func sortedColumnsByPos(t snapTable) []snapCol {
	out := append([]snapCol(nil), t.Columns...)
	sort.Slice(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out
}

func sortedStrings(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
