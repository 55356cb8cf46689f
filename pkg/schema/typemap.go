package schema

import "strings"

// storage-type suffixes, joined to the base type name with "|".
const (
	suffixNotNull  = "NOT_NULL"
	suffixArray    = "TEXT_ARRAY"
	suffixTextEnum = "TEXT_ENUM"
)

var numericTypePrefixes = []string{"int", "serial", "float"}

var numericTypes = map[string]bool{
	"numeric":          true,
	"decimal":          true,
	"real":             true,
	"double precision": true,
	"date":             true,
	"time":             true,
	"timetz":           true,
	"timestamp":        true,
	"timestamptz":      true,
}

var stringTypes = map[string]bool{
	"bpchar":  true,
	"varchar": true,
	"text":    true,
	"uuid":    true,
	"char":    true,
}

func isNumericTypeName(name string) bool {
	if numericTypes[name] {
		return true
	}
	for _, p := range numericTypePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func isStringTypeName(name string) bool {
	return stringTypes[name]
}

// baseTypeName returns the type name a column's value type is classified
// from: the element type for arrays, the column's own type otherwise.
func baseTypeName(col ColumnSpec) string {
	if col.IsArray {
		return col.ElemDataType
	}
	return col.DataType
}

// elemIsEnum reports whether the (possibly array) column's scalar value
// type is a user-defined enum.
func elemIsEnum(col ColumnSpec) bool {
	if col.IsArray {
		return col.ElemPgTypeClass == PgTypeClassEnum
	}
	return col.PgTypeClass == PgTypeClassEnum
}

// ClientValueOf returns the client-visible value type a column maps to,
// and whether the column's type is representable at all. Columns whose
// base type is not recognized (e.g. bytea, unknown extension types) are
// not representable: they are still replicated physically (see
// MapPostgresToLite) but excluded from the client-visible projection
// computed by ComputeZqlSpecs.
func ClientValueOf(col ColumnSpec) (ClientValueType, bool) {
	name := baseTypeName(col)

	switch {
	case elemIsEnum(col):
		return ClientValueString, true
	case isNumericTypeName(name):
		return ClientValueNumber, true
	case isStringTypeName(name):
		return ClientValueString, true
	case name == "bool":
		return ClientValueBoolean, true
	case name == "json" || name == "jsonb":
		return ClientValueJSON, true
	default:
		return "", false
	}
}

// StorageType computes the replica (Lite) storage type string for col: the
// base type name followed by any of |TEXT_ENUM, |TEXT_ARRAY, |NOT_NULL that
// apply, in that order. It always returns a non-empty string, even for
// columns ClientValueOf cannot map - the replica still needs a physical
// column to store the value in.
func StorageType(col ColumnSpec) string {
	base := baseTypeName(col)
	if base == "" {
		base = col.DataType
	}

	var suffixes []string
	if elemIsEnum(col) {
		suffixes = append(suffixes, suffixTextEnum)
	}
	if col.IsArray {
		suffixes = append(suffixes, suffixArray)
	}
	if col.NotNull {
		suffixes = append(suffixes, suffixNotNull)
	}

	if len(suffixes) == 0 {
		return base
	}
	return base + "|" + strings.Join(suffixes, "|")
}

// MapPostgresToLite projects an upstream TableSpec into its replica
// LiteTableSpec. Every upstream column is carried, including ones
// ClientValueOf cannot classify (their storage type is still well-formed,
// it is the client-facing schema in ComputeZqlSpecs that drops them). The
// synthetic version column is always appended last.
func MapPostgresToLite(t TableSpec) LiteTableSpec {
	cols := NewLiteColumnList()
	for i, name := range t.Columns.Names() {
		col, _ := t.Columns.Get(name)
		cols.Set(name, LiteColumnSpec{
			Pos:      int16(i),
			DataType: StorageType(col),
			NotNull:  false,
		})
	}
	cols.Set(VersionColumnName, LiteColumnSpec{
		Pos:      int16(cols.Len()),
		DataType: "text|NOT_NULL",
		NotNull:  false,
	})

	return LiteTableSpec{
		Schema:  t.Schema,
		Name:    t.Name,
		Columns: cols,
	}
}

// MapPostgresToLiteIndex projects an upstream IndexSpec's column set into
// the replica column names it constrains; order is preserved so callers can
// reconstruct a covering UNIQUE index on the replica side.
func MapPostgresToLiteIndex(ix IndexSpec) []string {
	out := make([]string, len(ix.ColumnOrder))
	copy(out, ix.ColumnOrder)
	return out
}
