package replstream

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/pgreplicate/internal/testutil/pgtest"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestSubscribeStreamsRowChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	testConn := pgtest.Connect(t, ctx)

	_, err := testConn.Exec(ctx, `
		DROP TABLE IF EXISTS replstream_widgets;
		DROP PUBLICATION IF EXISTS replstream_test_pub;
		SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = 'replstream_test_slot';
		CREATE TABLE replstream_widgets (id int PRIMARY KEY, name text);
		CREATE PUBLICATION replstream_test_pub FOR TABLE replstream_widgets;
	`)
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		testConn.Exec(cleanupCtx, `
			DROP TABLE IF EXISTS replstream_widgets;
			DROP PUBLICATION IF EXISTS replstream_test_pub;
			SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = 'replstream_test_slot';
		`)
	})

	connConfig := pgtest.ParseConfig(t)
	connConfig.RuntimeParams["replication"] = "database"
	replConn, err := pgx.ConnectConfig(ctx, connConfig)
	require.NoError(t, err)
	t.Cleanup(func() { pgtest.Close(t, replConn) })

	_, err = pglogrepl.CreateReplicationSlot(ctx, replConn.PgConn(), "replstream_test_slot", "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{})
	require.NoError(t, err)

	messages, acker, err := Subscribe(ctx, replConn.PgConn(), Config{
		Slot:                  "replstream_test_slot",
		Publications:          []string{"replstream_test_pub"},
		StandbyUpdateInterval: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(acker.Close)

	_, err = testConn.Exec(ctx, `INSERT INTO replstream_widgets (id, name) VALUES (1, 'gizmo')`)
	require.NoError(t, err)

	var sawInsert bool
	deadline := time.After(5 * time.Second)
	for !sawInsert {
		select {
		case msg := <-messages:
			if msg.Tag == TagInsert {
				require.Equal(t, "gizmo", msg.Row.New["name"])
				sawInsert = true
			}
		case <-deadline:
			t.Fatal("timeout waiting for insert message")
		}
	}
}
