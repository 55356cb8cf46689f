package initsync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/edgeflare/pgreplicate/internal/testutil/pgtest"
	"github.com/edgeflare/pgreplicate/pkg/replica"
	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/edgeflare/pgreplicate/pkg/shard"
)

func TestRunCopiesExistingRows(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	id := shard.ID{AppID: "initsynctest", ShardNum: 0}
	slotName := id.ReplicationSlotName("r1")

	testConn := pgtest.Connect(t, ctx)
	_, err := testConn.Exec(ctx, `
		DROP TABLE IF EXISTS initsync_widgets;
		SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1;
		CREATE TABLE initsync_widgets (id int PRIMARY KEY, name text NOT NULL);
		INSERT INTO initsync_widgets (id, name) VALUES (1, 'gizmo'), (2, 'gadget');
	`, slotName)
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanupCtx := context.Background()
		shard.DropShard(cleanupCtx, testConn, id)
		testConn.Exec(cleanupCtx, `
			DROP TABLE IF EXISTS initsync_widgets;
			DROP SCHEMA IF EXISTS initsynctest CASCADE;
			SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1;
		`, slotName)
	})

	replicaPath := filepath.Join(t.TempDir(), "replica.db")
	store, err := replica.Open(replicaPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	connConfig := pgtest.ParseConfig(t)
	cfg := Config{ID: id, ReplicaID: "r1", Logger: zaptest.NewLogger(t)}

	result, err := Run(ctx, connConfig, store, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, result.ReplicaVersion)
	require.Equal(t, slotName, result.SlotName)
	require.Len(t, result.InitialSchema, 1)

	var count int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM "initsync_widgets"`).Scan(&count))
	require.Equal(t, 2, count)

	var version string
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT "_0_version" FROM "initsync_widgets" WHERE id = 1`).Scan(&version))
	require.Equal(t, string(result.ReplicaVersion), version)

	stateVersion, err := store.StateVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, string(result.ReplicaVersion), stateVersion)
}

func TestBuildSelectQueryNoFilterWhenAnyPublicationIsUnfiltered(t *testing.T) {
	cols := schema.NewColumnList()
	cols.Set("id", schema.ColumnSpec{Pos: 1, DataType: "int4"})
	cols.Set("name", schema.ColumnSpec{Pos: 2, DataType: "text"})

	tbl := schema.PublishedTableSpec{
		TableSpec: schema.TableSpec{Schema: "public", Name: "widgets", Columns: cols},
		Publications: map[string]schema.PublicationSpec{
			"filtered":   {RowFilter: "id > 10"},
			"unfiltered": {},
		},
	}

	q := buildSelectQuery(tbl)
	require.Equal(t, `SELECT "id", "name" FROM "public"."widgets"`, q)
}

func TestBuildSelectQueryOrsFiltersAcrossPublications(t *testing.T) {
	cols := schema.NewColumnList()
	cols.Set("id", schema.ColumnSpec{Pos: 1, DataType: "int4"})

	tbl := schema.PublishedTableSpec{
		TableSpec: schema.TableSpec{Schema: "public", Name: "widgets", Columns: cols},
		Publications: map[string]schema.PublicationSpec{
			"a": {RowFilter: "id > 10"},
			"b": {RowFilter: "id < 0"},
		},
	}

	q := buildSelectQuery(tbl)
	require.Contains(t, q, "WHERE")
	require.Contains(t, q, "(id > 10)")
	require.Contains(t, q, "(id < 0)")
}
