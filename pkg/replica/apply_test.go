package replica

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgeflare/pgreplicate/pkg/changemaker"
	"github.com/edgeflare/pgreplicate/pkg/errkind"
	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/edgeflare/pgreplicate/pkg/watermark"
)

func newWidgetsTable(t *testing.T, store *Store) {
	t.Helper()
	cols := schema.NewLiteColumnList()
	cols.Set("id", schema.LiteColumnSpec{DataType: "int4|NOT_NULL"})
	cols.Set("name", schema.LiteColumnSpec{DataType: "text"})
	cols.Set(schema.VersionColumnName, schema.LiteColumnSpec{DataType: "text|NOT_NULL"})
	table := schema.LiteTableSpec{Schema: "public", Name: "widgets", Columns: cols}
	require.NoError(t, store.CreateTable(context.Background(), table))
}

func TestApplierInsertUpdateDelete(t *testing.T) {
	store := newTestStore(t)
	newWidgetsTable(t, store)
	a := NewApplier(store)
	ctx := context.Background()

	relation := changemaker.TableID{Schema: "public", Name: "widgets"}

	wm, err := a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagBegin, Watermark: "0a"})
	require.NoError(t, err)
	require.Empty(t, wm)

	_, err = a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagData, Data: &changemaker.DataChange{
		Op: changemaker.OpInsert, Relation: relation,
		New: map[string]any{"id": int64(1), "name": "widget-a"},
	}})
	require.NoError(t, err)

	wm, err = a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagCommit, Watermark: "0a"})
	require.NoError(t, err)
	require.Equal(t, watermark.LexiVersion("0a"), wm)

	var name, version string
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT name, "_0_version" FROM "public.widgets" WHERE id = 1`).Scan(&name, &version))
	require.Equal(t, "widget-a", name)
	require.Equal(t, "0a", version)

	stateVersion, err := store.StateVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, "0a", stateVersion)

	var changeCount int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM "_zero.changeLog"`).Scan(&changeCount))
	require.Equal(t, 1, changeCount)

	_, err = a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagBegin, Watermark: "0b"})
	require.NoError(t, err)
	_, err = a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagData, Data: &changemaker.DataChange{
		Op: changemaker.OpUpdate, Relation: relation,
		New: map[string]any{"id": int64(1), "name": "widget-a-renamed"},
		Key: map[string]any{"id": int64(1)},
	}})
	require.NoError(t, err)
	wm, err = a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagCommit, Watermark: "0b"})
	require.NoError(t, err)
	require.Equal(t, watermark.LexiVersion("0b"), wm)

	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT name FROM "public.widgets" WHERE id = 1`).Scan(&name))
	require.Equal(t, "widget-a-renamed", name)

	_, err = a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagBegin, Watermark: "0c"})
	require.NoError(t, err)
	_, err = a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagData, Data: &changemaker.DataChange{
		Op: changemaker.OpDelete, Relation: relation,
		Key: map[string]any{"id": int64(1)},
	}})
	require.NoError(t, err)
	_, err = a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagCommit, Watermark: "0c"})
	require.NoError(t, err)

	var count int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM "public.widgets"`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestApplierControlMapsToAutoResetSignal(t *testing.T) {
	store := newTestStore(t)
	a := NewApplier(store)

	_, err := a.Apply(context.Background(), changemaker.ChangeStreamMessage{
		Tag: changemaker.TagControl, Control: changemaker.ControlResetRequired,
	})
	require.ErrorIs(t, err, errkind.AutoResetSignal)
}

func TestApplierCreateTableFromDDL(t *testing.T) {
	store := newTestStore(t)
	a := NewApplier(store)
	ctx := context.Background()

	_, err := a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagBegin, Watermark: "0a"})
	require.NoError(t, err)
	_, err = a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagData, Data: &changemaker.DataChange{
		Op:       changemaker.OpCreateTable,
		Relation: changemaker.TableID{Schema: "public", Name: "gadgets"},
		Table: &changemaker.TableSnapshot{
			ID:         changemaker.TableID{Schema: "public", Name: "gadgets"},
			PrimaryKey: []string{"id"},
			Columns: []changemaker.ColumnChange{
				{Name: "id", TypeOID: 23, NotNull: true},
				{Name: "label", TypeOID: 25},
			},
		},
	}})
	require.NoError(t, err)
	_, err = a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagCommit, Watermark: "0a"})
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx, `INSERT INTO "public.gadgets" (id, label, "_0_version") VALUES (1, 'x', '0a')`)
	require.NoError(t, err)
}

func TestApplierBeginWithoutCommitRejectsSecondBegin(t *testing.T) {
	store := newTestStore(t)
	a := NewApplier(store)
	ctx := context.Background()

	_, err := a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagBegin, Watermark: "0a"})
	require.NoError(t, err)
	_, err = a.Apply(ctx, changemaker.ChangeStreamMessage{Tag: changemaker.TagBegin, Watermark: "0b"})
	require.Error(t, err)
}
