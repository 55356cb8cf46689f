package discovery

import (
	"context"
	"testing"

	"github.com/edgeflare/pgreplicate/internal/testutil/pgtest"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestGetPublicationInfo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pgtest.WithConn(t, func(conn *pgx.Conn) {
		ctx := context.Background()

		_, err := conn.Exec(ctx, `
			DROP PUBLICATION IF EXISTS test_discovery_pub;
			DROP TABLE IF EXISTS discovery_widgets;
			CREATE TABLE discovery_widgets (
				id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				name TEXT NOT NULL,
				price NUMERIC,
				tags TEXT[]
			);
			CREATE PUBLICATION test_discovery_pub FOR TABLE discovery_widgets;
		`)
		require.NoError(t, err)
		t.Cleanup(func() {
			conn.Exec(ctx, `DROP PUBLICATION IF EXISTS test_discovery_pub; DROP TABLE IF EXISTS discovery_widgets;`)
		})

		published, err := GetPublicationInfo(ctx, conn, []string{"test_discovery_pub"})
		require.NoError(t, err)
		require.Len(t, published.Tables, 1)

		table := published.Tables[0]
		require.Equal(t, "discovery_widgets", table.Name)
		require.Equal(t, []string{"id"}, table.PrimaryKey)

		col, ok := table.Columns.Get("tags")
		require.True(t, ok)
		require.True(t, col.IsArray)
	})
}

func TestGetPublicationInfoRejectsColumnSetMismatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pgtest.WithConn(t, func(conn *pgx.Conn) {
		ctx := context.Background()

		_, err := conn.Exec(ctx, `
			DROP PUBLICATION IF EXISTS test_discovery_pub_a, test_discovery_pub_b;
			DROP TABLE IF EXISTS discovery_mismatch;
			CREATE TABLE discovery_mismatch (id BIGINT PRIMARY KEY, a TEXT, b TEXT);
			CREATE PUBLICATION test_discovery_pub_a FOR TABLE discovery_mismatch (id, a);
			CREATE PUBLICATION test_discovery_pub_b FOR TABLE discovery_mismatch (id, b);
		`)
		require.NoError(t, err)
		t.Cleanup(func() {
			conn.Exec(ctx, `DROP PUBLICATION IF EXISTS test_discovery_pub_a, test_discovery_pub_b; DROP TABLE IF EXISTS discovery_mismatch;`)
		})

		_, err = GetPublicationInfo(ctx, conn, []string{"test_discovery_pub_a", "test_discovery_pub_b"})
		require.Error(t, err)
	})
}
