package replica

import (
	"context"
	"testing"

	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenCreatesZeroTables(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PersistReplicationConfig(ctx, `["pub_a"]`, "0j"))
	version, err := store.StateVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, "0j", version)
}

func TestCreateTableAndInsertBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cols := schema.NewLiteColumnList()
	cols.Set("id", schema.LiteColumnSpec{DataType: "int4|NOT_NULL"})
	cols.Set("name", schema.LiteColumnSpec{DataType: "text"})
	cols.Set(schema.VersionColumnName, schema.LiteColumnSpec{DataType: "text|NOT_NULL"})

	table := schema.LiteTableSpec{Schema: "public", Name: "widgets", Columns: cols}
	require.NoError(t, store.CreateTable(ctx, table))
	require.NoError(t, store.CreateIndex(ctx, table.QualifiedName(), "widgets_pk", []string{"id"}, true))

	tx, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)

	rows := make([][]any, 0, 60)
	for i := 0; i < 60; i++ {
		rows = append(rows, []any{i, "widget", "0a"})
	}
	require.NoError(t, InsertBatch(ctx, tx, table.QualifiedName(), []string{"id", "name", schema.VersionColumnName}, rows))
	require.NoError(t, tx.Commit())

	var count int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM "public.widgets"`).Scan(&count))
	require.Equal(t, 60, count)
}

func TestValueForStorage(t *testing.T) {
	v, err := ValueForStorage(true)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = ValueForStorage(false)
	require.NoError(t, err)
	require.Equal(t, int64(0), v)

	v, err = ValueForStorage([]any{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, `["a","b"]`, v)

	v, err = ValueForStorage(map[string]any{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, `{"k":"v"}`, v)

	v, err = ValueForStorage(int64(42))
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
}
