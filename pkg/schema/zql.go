package schema

import "sort"

// ClientColumnSpec is a single column in the schema exposed to downstream
// consumers: its replica name and simplified value type. Columns whose
// Postgres type ClientValueOf cannot classify are absent here even though
// they exist physically on the replica.
type ClientColumnSpec struct {
	Name string
	Type ClientValueType
}

// ClientTableSpec is the client-visible projection of a replicated table,
// keyed the way downstream consumers need to address individual rows.
type ClientTableSpec struct {
	Schema     string
	Name       string
	Columns    []ClientColumnSpec
	PrimaryKey []string
	UnionKey   []string
}

// qualifyingIndexes returns the candidates for PrimaryKey selection: the
// unique indexes all of whose columns are NOT NULL.
func qualifyingIndexes(t TableSpec, indexes []IndexSpec) []IndexSpec {
	var out []IndexSpec
	for _, ix := range indexes {
		if ix.Unique && ix.AllNotNull(t) {
			out = append(out, ix)
		}
	}
	return out
}

// choosePrimaryKey implements the §4.3 primaryKey rule: the shortest
// all-NOT_NULL unique index, ties broken by lexicographic index name;
// falling back to the table's declared primary key if no index qualifies.
func choosePrimaryKey(t TableSpec, qualifying []IndexSpec) []string {
	if len(qualifying) == 0 {
		return t.PrimaryKey
	}

	best := qualifying[0]
	for _, ix := range qualifying[1:] {
		switch {
		case len(ix.ColumnOrder) < len(best.ColumnOrder):
			best = ix
		case len(ix.ColumnOrder) == len(best.ColumnOrder) && ix.Name < best.Name:
			best = ix
		}
	}
	return append([]string(nil), best.ColumnOrder...)
}

// unionKey computes the sorted union of columns across every qualifying
// unique index.
func unionKey(qualifying []IndexSpec) []string {
	set := make(map[string]struct{})
	for _, ix := range qualifying {
		for _, col := range ix.ColumnOrder {
			set[col] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for col := range set {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// ComputeZqlSpecs derives the client-visible schema for every table: the
// chosen primary key, the union key, and the subset of columns whose
// Postgres type maps to a client value type. Tables with neither a
// qualifying unique index nor a declared primary key are excluded - they
// have no way to address individual rows downstream.
//
// indexesByTable is keyed by "schema.table" (TableSpec.QualifiedName).
func ComputeZqlSpecs(tables []PublishedTableSpec, indexesByTable map[string][]IndexSpec) []ClientTableSpec {
	var out []ClientTableSpec

	for _, pt := range tables {
		qualifying := qualifyingIndexes(pt.TableSpec, indexesByTable[pt.QualifiedName()])
		pk := choosePrimaryKey(pt.TableSpec, qualifying)
		if len(pk) == 0 {
			continue
		}

		spec := ClientTableSpec{
			Schema:     pt.Schema,
			Name:       pt.Name,
			PrimaryKey: pk,
			UnionKey:   unionKey(qualifying),
		}

		for _, name := range pt.Columns.Names() {
			col, _ := pt.Columns.Get(name)
			valueType, ok := ClientValueOf(col)
			if !ok {
				continue
			}
			spec.Columns = append(spec.Columns, ClientColumnSpec{Name: name, Type: valueType})
		}

		out = append(out, spec)
	}

	return out
}
