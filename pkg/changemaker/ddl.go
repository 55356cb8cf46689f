package changemaker

import (
	"fmt"
	"sort"

	"github.com/edgeflare/pgreplicate/pkg/errkind"
	"github.com/edgeflare/pgreplicate/pkg/schema"
)

// diffDDL computes the ordered DataChange sequence between the schema
// observed at ddl_command_start (prev) and ddl_command_end (next), per
// spec.md §4.8.2 step 3: drop-index, drop-table, rename/alter-column,
// create-table, create-index - in that order, because the downstream
// store cannot drop a column still referenced by an index, and newly
// added indexes may reference newly added columns.
func diffDDL(prev, next schemaSnapshot) ([]*DataChange, error) {
	prevIdx := prev.indexesByQualifiedName()
	nextIdx := next.indexesByQualifiedName()
	prevTab := prev.tablesByOID()
	nextTab := next.tablesByOID()

	var changes []*DataChange

	// a. drop-index: prev \ next
	for _, ix := range sortedIndexes(dropped(prevIdx, nextIdx)) {
		changes = append(changes, &DataChange{
			Op:    OpDropIndex,
			Index: &IndexChange{Name: ix.Name, Table: ix.tableID(), Columns: ix.Columns, Unique: ix.Unique},
		})
	}

	// b. drop-table: prev \ next, by oid
	for _, t := range sortedTables(droppedTables(prevTab, nextTab)) {
		changes = append(changes, &DataChange{Op: OpDropTable, Relation: t.id()})
	}

	// c. prev ∩ next: rename-table, then column diffs
	for _, oid := range sortedOIDs(prevTab) {
		pt, ok := prevTab[oid]
		if !ok {
			continue
		}
		nt, ok := nextTab[oid]
		if !ok {
			continue
		}
		if pt.Schema != nt.Schema || pt.Name != nt.Name {
			changes = append(changes, &DataChange{Op: OpRenameTable, OldRelation: pt.id(), Relation: nt.id()})
		}
		colChanges, err := diffColumns(nt.id(), pt, nt)
		if err != nil {
			return nil, err
		}
		changes = append(changes, colChanges...)
	}

	// d. create-table: next \ prev, by oid
	for _, t := range sortedTables(droppedTables(nextTab, prevTab)) {
		for _, c := range t.Columns {
			if !schema.ValidColumnIdentifier(c.Name) {
				return nil, fmt.Errorf("%w: new table %s.%s has unsupported column %q",
					errkind.UnsupportedSchemaChangeError, t.Schema, t.Name, c.Name)
			}
		}
		changes = append(changes, &DataChange{Op: OpCreateTable, Relation: t.id(), Table: snapTableToSnapshot(t)})
	}

	// e. create-index: next \ prev
	for _, ix := range sortedIndexes(dropped(nextIdx, prevIdx)) {
		changes = append(changes, &DataChange{
			Op:    OpCreateIndex,
			Index: &IndexChange{Name: ix.Name, Table: ix.tableID(), Columns: ix.Columns, Unique: ix.Unique},
		})
	}

	return changes, nil
}

// diffColumns compares pt and nt's columns by declared position (column
// identity survives rename/retype, per spec.md §4.8.2 step 3c).
func diffColumns(relation TableID, pt, nt snapTable) ([]*DataChange, error) {
	prevCols := sortedColumnsByPos(pt)
	nextCols := sortedColumnsByPos(nt)

	prevByPos := make(map[int16]snapCol, len(prevCols))
	for _, c := range prevCols {
		prevByPos[c.Pos] = c
	}
	nextByPos := make(map[int16]snapCol, len(nextCols))
	for _, c := range nextCols {
		nextByPos[c.Pos] = c
	}

	var changes []*DataChange

	for _, c := range prevCols {
		if _, ok := nextByPos[c.Pos]; !ok {
			changes = append(changes, &DataChange{
				Op: OpDropColumn, Relation: relation,
				Column: &ColumnChange{Name: c.Name, TypeOID: c.TypeOID, NotNull: c.NotNull},
			})
		}
	}

	for _, c := range nextCols {
		pc, ok := prevByPos[c.Pos]
		if !ok {
			continue
		}
		if pc.Name != c.Name || pc.TypeOID != c.TypeOID || pc.NotNull != c.NotNull {
			changes = append(changes, &DataChange{
				Op: OpUpdateColumn, Relation: relation,
				Column: &ColumnChange{Name: c.Name, TypeOID: c.TypeOID, NotNull: c.NotNull},
			})
		}
	}

	for _, c := range nextCols {
		if _, ok := prevByPos[c.Pos]; ok {
			continue
		}
		if !schema.ValidColumnIdentifier(c.Name) {
			return nil, fmt.Errorf("%w: table %s.%s has unsupported new column %q",
				errkind.UnsupportedSchemaChangeError, relation.Schema, relation.Name, c.Name)
		}
		changes = append(changes, &DataChange{
			Op: OpAddColumn, Relation: relation,
			Column: &ColumnChange{Name: c.Name, TypeOID: c.TypeOID, NotNull: c.NotNull},
		})
	}

	return changes, nil
}

// newlyKeylessTables returns the tables present in next with no primary
// key, for the deferred replica-identity fixup spec.md §4.8.2 step 4
// schedules after every ddlUpdate.
func newlyKeylessTables(next schemaSnapshot) []TableID {
	var out []TableID
	for _, t := range next.Tables {
		if len(t.PrimaryKey) == 0 {
			out = append(out, t.id())
		}
	}
	return out
}

func dropped(prev, next map[string]snapIndex) []snapIndex {
	var out []snapIndex
	for name, ix := range prev {
		if _, ok := next[name]; !ok {
			out = append(out, ix)
		}
	}
	return out
}

func droppedTables(from, excludeIn map[uint32]snapTable) []snapTable {
	var out []snapTable
	for oid, t := range from {
		if _, ok := excludeIn[oid]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func sortedIndexes(ixs []snapIndex) []snapIndex {
	sort.Slice(ixs, func(i, j int) bool { return ixs[i].qualifiedName() < ixs[j].qualifiedName() })
	return ixs
}

func sortedTables(ts []snapTable) []snapTable {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Schema != ts[j].Schema {
			return ts[i].Schema < ts[j].Schema
		}
		return ts[i].Name < ts[j].Name
	})
	return ts
}

func sortedOIDs(m map[uint32]snapTable) []uint32 {
	out := make([]uint32, 0, len(m))
	for oid := range m {
		out = append(out, oid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
