// Package schema holds the canonical descriptions of upstream Postgres
// tables, columns, and indexes, their downstream (replica) projections, and
// the type-mapping rules between the two. It has no network or storage
// dependency of its own: pkg/discovery populates these types from upstream
// catalogs, pkg/shard and pkg/initsync consume them to provision and copy,
// and pkg/changemaker diffs them across DDL events.
package schema

import "fmt"

// PgTypeClass mirrors pg_type.typtype.
type PgTypeClass string

const (
	PgTypeClassBase       PgTypeClass = "base"
	PgTypeClassComposite  PgTypeClass = "composite"
	PgTypeClassDomain     PgTypeClass = "domain"
	PgTypeClassEnum       PgTypeClass = "enum"
	PgTypeClassPseudo     PgTypeClass = "pseudo"
	PgTypeClassRange      PgTypeClass = "range"
	PgTypeClassMultirange PgTypeClass = "multirange"
)

// ReplicaIdentity mirrors pg_class.relreplident.
type ReplicaIdentity string

const (
	ReplicaIdentityDefault ReplicaIdentity = "default"
	ReplicaIdentityNothing ReplicaIdentity = "nothing"
	ReplicaIdentityFull    ReplicaIdentity = "full"
	ReplicaIdentityIndex   ReplicaIdentity = "index"
)

// ColumnSpec describes a single upstream column.
type ColumnSpec struct {
	Pos                    int16
	DataType               string // canonical Postgres type name (e.g. "int4", "varchar", or a user enum/domain name)
	TypeOID                uint32
	PgTypeClass            PgTypeClass
	ElemDataType           string      // set when IsArray: the element type's canonical name
	ElemPgTypeClass        PgTypeClass // set when DataType is an array; the class of the element type
	IsArray                bool
	CharacterMaximumLength *int
	NotNull                bool
	Default                *string // raw default expression text, nil if none
}

// ColumnList is an ordered map of column name -> ColumnSpec that preserves
// insertion (i.e. declaration) order on iteration via Names().
type ColumnList struct {
	names  []string
	byName map[string]ColumnSpec
}

// NewColumnList returns an empty, ready-to-use ColumnList.
func NewColumnList() *ColumnList {
	return &ColumnList{byName: make(map[string]ColumnSpec)}
}

// Set appends or overwrites the column named name, preserving the original
// position in Names() if it already existed.
func (c *ColumnList) Set(name string, col ColumnSpec) {
	if _, exists := c.byName[name]; !exists {
		c.names = append(c.names, name)
	}
	c.byName[name] = col
}

// Get returns the column spec for name and whether it was present.
func (c *ColumnList) Get(name string) (ColumnSpec, bool) {
	col, ok := c.byName[name]
	return col, ok
}

// Names returns column names in declaration order.
func (c *ColumnList) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Len returns the number of columns.
func (c *ColumnList) Len() int { return len(c.names) }

// Clone returns a deep-enough copy safe for independent mutation of order.
func (c *ColumnList) Clone() *ColumnList {
	clone := NewColumnList()
	for _, n := range c.names {
		clone.Set(n, c.byName[n])
	}
	return clone
}

// TableSpec is the canonical description of an upstream (or replica) table.
type TableSpec struct {
	Schema     string
	Name       string
	Columns    *ColumnList
	PrimaryKey []string // index order, not column-declaration order
}

// QualifiedName returns "schema.name".
func (t TableSpec) QualifiedName() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

// PublicationSpec records a single publication's projection of a table.
type PublicationSpec struct {
	RowFilter string // empty if no filter
}

// PublishedTableSpec is a TableSpec plus the upstream replication-specific
// metadata the change source needs: its stable OID, its replica identity
// setting, and the set of publications it is exported through.
type PublishedTableSpec struct {
	TableSpec
	OID             uint32
	ReplicaIdentity ReplicaIdentity
	Publications    map[string]PublicationSpec
}

// IndexSpec describes an index available to the publication.
type IndexSpec struct {
	Name              string
	Schema            string
	TableName         string
	Unique            bool
	IsReplicaIdentity bool
	IsImmediate       bool
	// Columns maps column name -> sort direction ("ASC" or "DESC"), in
	// declared index-key order. Use ColumnOrder to get the ordered slice.
	Columns     map[string]string
	ColumnOrder []string
}

// QualifiedTableName returns "schema.tableName", the key used to associate
// an index with its table across DDL diffs.
func (ix IndexSpec) QualifiedTableName() string {
	return fmt.Sprintf("%s.%s", ix.Schema, ix.TableName)
}

// AllNotNull reports whether every column participating in the index is
// NOT NULL in the given table, a precondition for it to be usable as a
// replica identity or primary key substitute.
func (ix IndexSpec) AllNotNull(t TableSpec) bool {
	for _, colName := range ix.ColumnOrder {
		col, ok := t.Columns.Get(colName)
		if !ok || !col.NotNull {
			return false
		}
	}
	return true
}

// LiteColumnSpec is a replica (SQLite-compatible) column: dataType already
// encodes nullability and array/enum-ness as a "|"-joined suffix list, so
// NotNull is always false on the replica side (the constraint is recognized
// textually downstream, never enforced by the replica schema itself).
type LiteColumnSpec struct {
	Pos      int16
	DataType string // e.g. "int4|NOT_NULL", "mood|TEXT_ENUM", "text|TEXT_ARRAY|NOT_NULL"
	NotNull  bool
}

// VersionColumnName is the synthetic trailing column every replicated
// table carries: the commit watermark at which the row last changed.
const VersionColumnName = "_0_version"

// LiteTableSpec is the downstream projection of a TableSpec.
type LiteTableSpec struct {
	Schema  string
	Name    string
	Columns *LiteColumnList
}

// QualifiedName flattens schema-qualified names with non-default schemas
// to "schema.name"; tables in the default "public" schema keep their bare
// name, matching the replica's flat naming convention.
func (t LiteTableSpec) QualifiedName() string {
	if t.Schema == "" || t.Schema == "public" {
		return t.Name
	}
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

// LiteColumnList is an ordered name -> LiteColumnSpec map, mirroring
// ColumnList but for the replica projection.
type LiteColumnList struct {
	names  []string
	byName map[string]LiteColumnSpec
}

func NewLiteColumnList() *LiteColumnList {
	return &LiteColumnList{byName: make(map[string]LiteColumnSpec)}
}

func (c *LiteColumnList) Set(name string, col LiteColumnSpec) {
	if _, exists := c.byName[name]; !exists {
		c.names = append(c.names, name)
	}
	c.byName[name] = col
}

func (c *LiteColumnList) Get(name string) (LiteColumnSpec, bool) {
	col, ok := c.byName[name]
	return col, ok
}

func (c *LiteColumnList) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

func (c *LiteColumnList) Len() int { return len(c.names) }

// LiteTableSpecWithKeys adds the chosen replica row-identity to a
// LiteTableSpec: the shortest all-NOT_NULL unique index (ties broken by
// lexicographic index name) becomes PrimaryKey, and UnionKey is the sorted
// union of columns across every qualifying unique index.
type LiteTableSpecWithKeys struct {
	LiteTableSpec
	PrimaryKey []string
	UnionKey   []string
}

// ClientValueType is the simplified value type exposed to downstream
// consumers: every replicated column maps to exactly one of these.
type ClientValueType string

const (
	ClientValueNumber  ClientValueType = "number"
	ClientValueString  ClientValueType = "string"
	ClientValueBoolean ClientValueType = "boolean"
	ClientValueJSON    ClientValueType = "json"
)
