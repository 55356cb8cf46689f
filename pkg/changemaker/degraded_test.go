package changemaker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflare/pgreplicate/pkg/errkind"
	"github.com/edgeflare/pgreplicate/pkg/replstream"
	"github.com/edgeflare/pgreplicate/pkg/schema"
)

func widgetSpec(oid uint32) schema.PublishedTableSpec {
	cols := schema.NewColumnList()
	cols.Set("id", schema.ColumnSpec{Pos: 1, TypeOID: 20, NotNull: true})
	cols.Set("name", schema.ColumnSpec{Pos: 2, TypeOID: 25})
	return schema.PublishedTableSpec{
		TableSpec: schema.TableSpec{Schema: "public", Name: "widgets", Columns: cols, PrimaryKey: []string{"id"}},
		OID:       oid,
	}
}

func TestCompareTableSetsNoDrift(t *testing.T) {
	initial := map[uint32]schema.PublishedTableSpec{1: widgetSpec(1)}
	current := []schema.PublishedTableSpec{widgetSpec(1)}
	require.NoError(t, compareTableSets(initial, current))
}

func TestCompareTableSetsDetectsDroppedTable(t *testing.T) {
	initial := map[uint32]schema.PublishedTableSpec{1: widgetSpec(1)}
	err := compareTableSets(initial, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.UnsupportedSchemaChangeError))
}

func TestCompareTableSetsDetectsColumnTypeChange(t *testing.T) {
	initial := map[uint32]schema.PublishedTableSpec{1: widgetSpec(1)}
	drifted := widgetSpec(1)
	col, _ := drifted.Columns.Get("name")
	col.TypeOID = 1043
	drifted.Columns.Set("name", col)

	err := compareTableSets(initial, []schema.PublishedTableSpec{drifted})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.UnsupportedSchemaChangeError))
}

func TestCompareRelationToInitialMatches(t *testing.T) {
	initial := map[uint32]schema.PublishedTableSpec{1: widgetSpec(1)}
	rel := &replstream.RelationMessage{
		OID: 1, Schema: "public", Name: "widgets",
		KeyColumns: []string{"id"},
		Columns: []replstream.RelationColumn{
			{Name: "id", TypeOID: 20, IsKey: true},
			{Name: "name", TypeOID: 25},
		},
	}
	require.NoError(t, compareRelationToInitial(rel, initial))
}

func TestCompareRelationToInitialDetectsKeyChange(t *testing.T) {
	initial := map[uint32]schema.PublishedTableSpec{1: widgetSpec(1)}
	rel := &replstream.RelationMessage{
		OID: 1, Schema: "public", Name: "widgets",
		KeyColumns: []string{"name"},
		Columns: []replstream.RelationColumn{
			{Name: "id", TypeOID: 20},
			{Name: "name", TypeOID: 25, IsKey: true},
		},
	}
	err := compareRelationToInitial(rel, initial)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.UnsupportedSchemaChangeError))
}

func TestCompareRelationToInitialUnknownOID(t *testing.T) {
	err := compareRelationToInitial(&replstream.RelationMessage{OID: 99}, map[uint32]schema.PublishedTableSpec{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.UnsupportedSchemaChangeError))
}
