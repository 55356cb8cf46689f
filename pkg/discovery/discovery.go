// Package discovery implements C4: reading the upstream publication
// catalog into the pkg/schema table/index model, and running the
// cross-publication and identifier validation the sync core requires
// before it will copy or replicate a table.
package discovery

import (
	"context"
	"fmt"
	"sort"

	pg "github.com/edgeflare/pgreplicate/pkg/pgx"
	"github.com/edgeflare/pgreplicate/pkg/schema"
)

// ErrColumnSetMismatch is returned when a table is exported by more than
// one requested publication with different column sets.
var ErrColumnSetMismatch = fmt.Errorf("discovery: table exported with different columns across publications")

// PublishedSchema is the result of GetPublicationInfo: every table and
// index visible through the requested publications, ready for validation
// and projection into replica specs.
type PublishedSchema struct {
	Publications []string
	Tables       []schema.PublishedTableSpec
	Indexes      []schema.IndexSpec
}

// IndexesByTable groups Indexes by their table's QualifiedName, the form
// schema.ComputeZqlSpecs expects.
func (p PublishedSchema) IndexesByTable() map[string][]schema.IndexSpec {
	out := make(map[string][]schema.IndexSpec)
	for _, ix := range p.Indexes {
		key := ix.QualifiedTableName()
		out[key] = append(out[key], ix)
	}
	return out
}

type tableColumnSet struct {
	spec         schema.PublishedTableSpec
	publications map[string]schema.PublicationSpec
	columnNames  map[string]bool // nil means "all columns" (no explicit column list on any publication seen so far)
	columnSigSet bool
}

// GetPublicationInfo reads the upstream catalog for the given publications
// and returns their combined table and index set, per spec.md §4.4.
func GetPublicationInfo(ctx context.Context, conn pg.Conn, publications []string) (PublishedSchema, error) {
	byTable, err := queryPublishedTables(ctx, conn, publications)
	if err != nil {
		return PublishedSchema{}, fmt.Errorf("discovery: query published tables: %w", err)
	}

	if err := attachColumns(ctx, conn, byTable); err != nil {
		return PublishedSchema{}, fmt.Errorf("discovery: attach columns: %w", err)
	}

	indexes, err := queryIndexes(ctx, conn, byTable)
	if err != nil {
		return PublishedSchema{}, fmt.Errorf("discovery: query indexes: %w", err)
	}

	tables := make([]schema.PublishedTableSpec, 0, len(byTable))
	for _, t := range byTable {
		tables = append(tables, t.spec)
	}
	sort.Slice(tables, func(i, j int) bool {
		if tables[i].Schema != tables[j].Schema {
			return tables[i].Schema < tables[j].Schema
		}
		return tables[i].Name < tables[j].Name
	})

	sort.Slice(indexes, func(i, j int) bool {
		if indexes[i].Schema != indexes[j].Schema {
			return indexes[i].Schema < indexes[j].Schema
		}
		if indexes[i].TableName != indexes[j].TableName {
			return indexes[i].TableName < indexes[j].TableName
		}
		return indexes[i].Name < indexes[j].Name
	})

	return PublishedSchema{
		Publications: publications,
		Tables:       tables,
		Indexes:      indexes,
	}, nil
}

// Validate runs schema.Validate against every discovered table and warns
// (without failing) on tables with no qualifying key, per spec.md §4.4.
func (p PublishedSchema) Validate(allowed schema.AllowedSchemas) error {
	for _, t := range p.Tables {
		if err := schema.Validate(t.TableSpec, allowed); err != nil {
			return err
		}
		schema.WarnIfUnkeyed(t.TableSpec, t.ReplicaIdentity)
	}
	return nil
}

// queryPublishedTables reads the (schema, table, publication, row filter,
// columns) set for every requested publication and folds it per table,
// failing on column-set disagreement across publications.
func queryPublishedTables(ctx context.Context, conn pg.Conn, publications []string) (map[string]*tableColumnSet, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			pt.schemaname,
			pt.tablename,
			pt.pubname,
			COALESCE(pt.rowfilter, '') AS rowfilter,
			pt.attnames,
			c.oid,
			c.relreplident
		FROM pg_publication_tables pt
		JOIN pg_class c ON c.relname = pt.tablename
		JOIN pg_namespace n ON n.oid = c.relnamespace AND n.nspname = pt.schemaname
		WHERE pt.pubname = ANY($1)
		ORDER BY pt.schemaname, pt.tablename, pt.pubname`, publications)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byTable := make(map[string]*tableColumnSet)
	for rows.Next() {
		var schemaName, tableName, pubName, rowFilter string
		var attnames []string
		var oid uint32
		var replident string
		if err := rows.Scan(&schemaName, &tableName, &pubName, &rowFilter, &attnames, &oid, &replident); err != nil {
			return nil, err
		}

		key := schemaName + "." + tableName
		entry, ok := byTable[key]
		if !ok {
			entry = &tableColumnSet{
				spec: schema.PublishedTableSpec{
					TableSpec: schema.TableSpec{
						Schema:  schemaName,
						Name:    tableName,
						Columns: schema.NewColumnList(),
					},
					OID:             oid,
					ReplicaIdentity: mapReplicaIdentity(replident),
					Publications:    make(map[string]schema.PublicationSpec),
				},
				publications: make(map[string]schema.PublicationSpec),
			}
			byTable[key] = entry
		}
		entry.publications[pubName] = schema.PublicationSpec{RowFilter: rowFilter}
		entry.spec.Publications[pubName] = schema.PublicationSpec{RowFilter: rowFilter}

		if attnames != nil {
			set := make(map[string]bool, len(attnames))
			for _, name := range attnames {
				set[name] = true
			}
			if !entry.columnSigSet {
				entry.columnNames = set
				entry.columnSigSet = true
			} else if entry.columnNames != nil && !sameColumnSet(entry.columnNames, set) {
				return nil, fmt.Errorf("%w: %s.%s", ErrColumnSetMismatch, schemaName, tableName)
			}
		} else {
			// No explicit column list: this publication exports the whole row.
			// That only agrees with a prior explicit list if no prior list exists.
			if entry.columnSigSet && entry.columnNames != nil {
				return nil, fmt.Errorf("%w: %s.%s", ErrColumnSetMismatch, schemaName, tableName)
			}
			entry.columnNames = nil
			entry.columnSigSet = true
		}
	}
	return byTable, rows.Err()
}

func sameColumnSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for name := range a {
		if !b[name] {
			return false
		}
	}
	return true
}

func mapReplicaIdentity(relreplident string) schema.ReplicaIdentity {
	switch relreplident {
	case "n":
		return schema.ReplicaIdentityNothing
	case "f":
		return schema.ReplicaIdentityFull
	case "i":
		return schema.ReplicaIdentityIndex
	default:
		return schema.ReplicaIdentityDefault
	}
}

// attachColumns retrieves full column specs for every discovered table,
// ordered by (schema, relname, attnum), restricted to the column set
// queryPublishedTables already agreed on across the table's publications.
func attachColumns(ctx context.Context, conn pg.Conn, byTable map[string]*tableColumnSet) error {
	rows, err := conn.Query(ctx, `
		SELECT
			n.nspname,
			c.relname,
			a.attnum,
			a.attname,
			format_type(a.atttypid, a.atttypmod),
			a.atttypid,
			t.typtype,
			COALESCE(et.typtype, '') AS elem_typtype,
			COALESCE(format_type(t.typelem, -1), format_type(a.atttypid, a.atttypmod)) AS elem_type_name,
			(a.attndims > 0 OR t.typelem != 0 AND t.typcategory = 'A') AS is_array,
			a.attnotnull,
			information_schema._pg_char_max_length(a.atttypid, a.atttypmod) AS char_max_len,
			pg_get_expr(d.adbin, d.adrelid) AS column_default,
			COALESCE((
				SELECT true FROM pg_index i
				WHERE i.indrelid = a.attrelid AND i.indisprimary AND a.attnum = ANY(i.indkey)
			), false) AS is_pk_col
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_type t ON t.oid = a.atttypid
		LEFT JOIN pg_type et ON et.oid = t.typelem
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE a.attnum > 0 AND NOT a.attisdropped
		ORDER BY n.nspname, c.relname, a.attnum`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var nspname, relname, attname, dataType, elemTypClass, typClass, elemTypeName string
		var typeOID uint32
		var attnum int16
		var isArray, notNull, isPK bool
		var charMaxLen *int
		var defaultExpr *string

		if err := rows.Scan(&nspname, &relname, &attnum, &attname, &dataType, &typeOID,
			&typClass, &elemTypClass, &elemTypeName, &isArray, &notNull, &charMaxLen, &defaultExpr, &isPK); err != nil {
			return err
		}

		key := nspname + "." + relname
		entry, ok := byTable[key]
		if !ok {
			continue // column belongs to a table outside the requested publications
		}
		if entry.columnNames != nil && !entry.columnNames[attname] {
			continue // column not in the agreed publication column list
		}

		col := schema.ColumnSpec{
			Pos:                    attnum,
			DataType:               dataType,
			TypeOID:                typeOID,
			PgTypeClass:            mapTypeClass(typClass),
			ElemDataType:           elemTypeName,
			ElemPgTypeClass:        mapTypeClass(elemTypClass),
			IsArray:                isArray,
			CharacterMaximumLength: charMaxLen,
			NotNull:                notNull,
			Default:                defaultExpr,
		}

		entry.spec.Columns.Set(attname, col)

		if isPK {
			entry.spec.PrimaryKey = appendOnce(entry.spec.PrimaryKey, attname)
		}
	}
	return rows.Err()
}

func appendOnce(list []string, name string) []string {
	for _, n := range list {
		if n == name {
			return list
		}
	}
	return append(list, name)
}

func mapTypeClass(typtype string) schema.PgTypeClass {
	switch typtype {
	case "c":
		return schema.PgTypeClassComposite
	case "d":
		return schema.PgTypeClassDomain
	case "e":
		return schema.PgTypeClassEnum
	case "p":
		return schema.PgTypeClassPseudo
	case "r":
		return schema.PgTypeClassRange
	case "m":
		return schema.PgTypeClassMultirange
	default:
		return schema.PgTypeClassBase
	}
}

// queryIndexes retrieves indexes on the discovered tables, excluding
// expression indexes, partial indexes, indexes not fully covered by the
// table's publication column set, and indexes referencing generated
// columns - per spec.md §4.4 step 4.
func queryIndexes(ctx context.Context, conn pg.Conn, byTable map[string]*tableColumnSet) ([]schema.IndexSpec, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			n.nspname,
			c.relname,
			ic.relname AS indexname,
			i.indisunique,
			i.indisreplident,
			i.indimmediate,
			i.indpred IS NOT NULL AS is_partial,
			i.indexprs IS NOT NULL AS has_expression,
			array(
				SELECT a.attname
				FROM unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord)
				JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
				ORDER BY k.ord
			) AS columns,
			array(
				SELECT a.attgenerated != ''
				FROM unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord)
				JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
				ORDER BY k.ord
			) AS generated_flags,
			array(
				SELECT (opt & 1) = 1
				FROM unnest(i.indoption) WITH ORDINALITY AS o(opt, ord)
				ORDER BY o.ord
			) AS desc_flags
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		ORDER BY n.nspname, c.relname, ic.relname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.IndexSpec
	for rows.Next() {
		var nspname, relname, indexname string
		var unique, isReplident, immediate, partial, hasExpr bool
		var columns []string
		var generatedFlags, descFlags []bool

		if err := rows.Scan(&nspname, &relname, &indexname, &unique, &isReplident, &immediate,
			&partial, &hasExpr, &columns, &generatedFlags, &descFlags); err != nil {
			return nil, err
		}

		if hasExpr || partial {
			continue
		}

		key := nspname + "." + relname
		entry, ok := byTable[key]
		if !ok {
			continue
		}

		covered := true
		generated := false
		for i, col := range columns {
			if _, ok := entry.spec.Columns.Get(col); !ok {
				covered = false
				break
			}
			if i < len(generatedFlags) && generatedFlags[i] {
				generated = true
			}
		}
		if !covered || generated {
			continue
		}

		ix := schema.IndexSpec{
			Name:              indexname,
			Schema:            nspname,
			TableName:         relname,
			Unique:            unique,
			IsReplicaIdentity: isReplident,
			IsImmediate:       immediate,
			Columns:           make(map[string]string, len(columns)),
			ColumnOrder:       columns,
		}
		for i, col := range columns {
			direction := "ASC"
			if i < len(descFlags) && descFlags[i] {
				direction = "DESC"
			}
			ix.Columns[col] = direction
		}
		out = append(out, ix)
	}
	return out, rows.Err()
}
