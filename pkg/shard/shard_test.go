package shard

import (
	"context"
	"testing"

	"github.com/edgeflare/pgreplicate/internal/testutil/pgtest"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestIDDerivedNames(t *testing.T) {
	id := ID{AppID: "myapp", ShardNum: 3}

	require.Equal(t, "myapp_3", id.UpstreamSchema())
	require.Equal(t, "myapp", id.AppSchema())
	require.Equal(t, "myapp_3_r1", id.ReplicationSlotName("r1"))
	require.Equal(t, "_myapp_public_3", id.PublicPublicationName())
	require.Equal(t, "_myapp_metadata_3", id.MetadataPublicationName())
	require.Equal(t, "myapp/3", id.Prefix())
}

func TestIDValidateRejectsBadAppID(t *testing.T) {
	require.Error(t, ID{AppID: "MyApp"}.validate())
	require.Error(t, ID{AppID: "my-app"}.validate())
	require.NoError(t, ID{AppID: "my_app1"}.validate())
}

func TestProvisionRejectsReservedPublicationName(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pgtest.WithConn(t, func(conn *pgx.Conn) {
		cfg := Config{ID: ID{AppID: "shardtest", ShardNum: 0}, Publications: []string{"_reserved"}}
		err := Provision(context.Background(), conn, cfg, zaptest.NewLogger(t))
		require.Error(t, err)
	})
}

func TestProvisionIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pgtest.WithConn(t, func(conn *pgx.Conn) {
		id := ID{AppID: "shardtest", ShardNum: 1}
		t.Cleanup(func() {
			DropShard(context.Background(), conn, id)
			conn.Exec(context.Background(), `DROP SCHEMA IF EXISTS shardtest CASCADE`)
		})

		cfg := Config{ID: id}
		require.NoError(t, Provision(context.Background(), conn, cfg, zaptest.NewLogger(t)))
		require.NoError(t, Provision(context.Background(), conn, cfg, zaptest.NewLogger(t)))
	})
}
