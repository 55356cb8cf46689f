package changesource

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/edgeflare/pgreplicate/internal/testutil/pgtest"
	"github.com/edgeflare/pgreplicate/pkg/changemaker"
	"github.com/edgeflare/pgreplicate/pkg/initsync"
	"github.com/edgeflare/pgreplicate/pkg/replica"
	"github.com/edgeflare/pgreplicate/pkg/shard"
)

func TestStartStreamForwardsCommittedChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	id := shard.ID{AppID: "changesourcetest", ShardNum: 0}
	slotName := id.ReplicationSlotName("r1")

	testConn := pgtest.Connect(t, ctx)
	_, err := testConn.Exec(ctx, `
		DROP TABLE IF EXISTS changesource_widgets;
		SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1;
		CREATE TABLE changesource_widgets (id int PRIMARY KEY, name text NOT NULL);
	`, slotName)
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanupCtx := context.Background()
		shard.DropShard(cleanupCtx, testConn, id)
		testConn.Exec(cleanupCtx, `
			DROP TABLE IF EXISTS changesource_widgets;
			DROP SCHEMA IF EXISTS changesourcetest CASCADE;
			SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1;
		`, slotName)
	})

	replicaPath := filepath.Join(t.TempDir(), "replica.db")
	store, err := replica.Open(replicaPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	connConfig := pgtest.ParseConfig(t)
	logger := zaptest.NewLogger(t)

	syncResult, err := initsync.Run(ctx, connConfig, store, initsync.Config{
		ID: id, ReplicaID: "r1", Logger: logger,
	})
	require.NoError(t, err)

	stream, err := StartStream(ctx, connConfig, syncResult.ReplicaVersion, Config{
		ID: id, ReplicaID: "r1", InitialSchema: syncResult.InitialSchema, Logger: logger,
	})
	require.NoError(t, err)
	defer stream.Close()

	_, err = testConn.Exec(ctx, `INSERT INTO changesource_widgets (id, name) VALUES (1, 'gizmo')`)
	require.NoError(t, err)

	var sawBegin, sawInsert, sawCommit bool
	var commitWatermark string

	deadline := time.After(10 * time.Second)
	for !(sawBegin && sawInsert && sawCommit) {
		select {
		case msg, ok := <-stream.Changes():
			require.True(t, ok, "stream closed before seeing begin/insert/commit")
			switch msg.Tag {
			case changemaker.TagBegin:
				sawBegin = true
			case changemaker.TagData:
				if msg.Data != nil && msg.Data.Op == "insert" && msg.Data.Relation.Name == "changesource_widgets" {
					sawInsert = true
				}
			case changemaker.TagCommit:
				sawCommit = true
				commitWatermark = string(msg.Watermark)
			}
		case <-deadline:
			t.Fatal("timed out waiting for the insert to stream through")
		}
	}

	require.NotEmpty(t, commitWatermark)
	require.NoError(t, stream.Ack(ctx, syncResult.ReplicaVersion))
}
