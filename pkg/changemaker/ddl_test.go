package changemaker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflare/pgreplicate/pkg/errkind"
)

func TestDiffDDLOrdersDropIndexBeforeDropTable(t *testing.T) {
	prev := schemaSnapshot{
		Tables: []snapTable{
			{OID: 1, Schema: "public", Name: "widgets", PrimaryKey: []string{"id"}, Columns: []snapCol{
				{Name: "id", Pos: 1, TypeOID: 20, NotNull: true},
			}},
		},
		Indexes: []snapIndex{
			{Schema: "public", Table: "widgets", Name: "widgets_name_idx", Columns: []string{"name"}},
		},
	}
	next := schemaSnapshot{}

	changes, err := diffDDL(prev, next)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, OpDropIndex, changes[0].Op)
	assert.Equal(t, OpDropTable, changes[1].Op)
	assert.Equal(t, TableID{Schema: "public", Name: "widgets"}, changes[1].Relation)
}

func TestDiffDDLRenameTable(t *testing.T) {
	prev := schemaSnapshot{Tables: []snapTable{
		{OID: 1, Schema: "public", Name: "widgets", Columns: []snapCol{{Name: "id", Pos: 1, TypeOID: 20}}},
	}}
	next := schemaSnapshot{Tables: []snapTable{
		{OID: 1, Schema: "public", Name: "gadgets", Columns: []snapCol{{Name: "id", Pos: 1, TypeOID: 20}}},
	}}

	changes, err := diffDDL(prev, next)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, OpRenameTable, changes[0].Op)
	assert.Equal(t, TableID{Schema: "public", Name: "widgets"}, changes[0].OldRelation)
	assert.Equal(t, TableID{Schema: "public", Name: "gadgets"}, changes[0].Relation)
}

func TestDiffDDLColumnAddDropUpdate(t *testing.T) {
	prev := schemaSnapshot{Tables: []snapTable{
		{OID: 1, Schema: "public", Name: "widgets", Columns: []snapCol{
			{Name: "id", Pos: 1, TypeOID: 20, NotNull: true},
			{Name: "price", Pos: 2, TypeOID: 700},
			{Name: "old_col", Pos: 3, TypeOID: 25},
		}},
	}}
	next := schemaSnapshot{Tables: []snapTable{
		{OID: 1, Schema: "public", Name: "widgets", Columns: []snapCol{
			{Name: "id", Pos: 1, TypeOID: 20, NotNull: true},
			{Name: "price", Pos: 2, TypeOID: 701, NotNull: true},
			{Name: "new_col", Pos: 4, TypeOID: 25},
		}},
	}}

	changes, err := diffDDL(prev, next)
	require.NoError(t, err)

	var ops []DataChangeOp
	for _, c := range changes {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []DataChangeOp{OpDropColumn, OpUpdateColumn, OpAddColumn}, ops)
	assert.Equal(t, "old_col", changes[0].Column.Name)
	assert.Equal(t, "price", changes[1].Column.Name)
	assert.Equal(t, "new_col", changes[2].Column.Name)
}

func TestDiffDDLCreateTableValidatesColumns(t *testing.T) {
	prev := schemaSnapshot{}
	next := schemaSnapshot{Tables: []snapTable{
		{OID: 2, Schema: "public", Name: "bad", Columns: []snapCol{
			{Name: "_0_version", Pos: 1, TypeOID: 20},
		}},
	}}

	_, err := diffDDL(prev, next)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.UnsupportedSchemaChangeError))
}

func TestDiffDDLAddColumnValidatesName(t *testing.T) {
	prev := schemaSnapshot{Tables: []snapTable{
		{OID: 1, Schema: "public", Name: "widgets", Columns: []snapCol{{Name: "id", Pos: 1, TypeOID: 20}}},
	}}
	next := schemaSnapshot{Tables: []snapTable{
		{OID: 1, Schema: "public", Name: "widgets", Columns: []snapCol{
			{Name: "id", Pos: 1, TypeOID: 20},
			{Name: "_0_version", Pos: 2, TypeOID: 20},
		}},
	}}

	_, err := diffDDL(prev, next)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.UnsupportedSchemaChangeError))
}

func TestDiffDDLCreateIndex(t *testing.T) {
	prev := schemaSnapshot{Tables: []snapTable{
		{OID: 1, Schema: "public", Name: "widgets", Columns: []snapCol{{Name: "id", Pos: 1, TypeOID: 20}}},
	}}
	next := schemaSnapshot{
		Tables: prev.Tables,
		Indexes: []snapIndex{
			{Schema: "public", Table: "widgets", Name: "widgets_name_idx", Columns: []string{"name"}, Unique: true},
		},
	}

	changes, err := diffDDL(prev, next)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, OpCreateIndex, changes[0].Op)
	assert.Equal(t, "widgets_name_idx", changes[0].Index.Name)
	assert.True(t, changes[0].Index.Unique)
}

func TestNewlyKeylessTables(t *testing.T) {
	next := schemaSnapshot{Tables: []snapTable{
		{OID: 1, Schema: "public", Name: "keyed", PrimaryKey: []string{"id"}},
		{OID: 2, Schema: "public", Name: "keyless"},
	}}
	got := newlyKeylessTables(next)
	require.Len(t, got, 1)
	assert.Equal(t, TableID{Schema: "public", Name: "keyless"}, got[0])
}
