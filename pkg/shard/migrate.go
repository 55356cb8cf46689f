package shard

import (
	"context"
	"fmt"

	"github.com/edgeflare/pgreplicate/pkg/errkind"
	pg "github.com/edgeflare/pgreplicate/pkg/pgx"
	"github.com/jackc/pgx/v5"
)

// CheckVersion compares the shard's stored schemaVersions row against the
// version this binary supports. A stored maxSupportedVersion the running
// binary cannot read forward-compatibly (currentVersion < stored min, or
// the stored max trails currentVersion by more than one incremental step)
// raises errkind.AutoResetSignal: the caller's cue to drop and re-sync.
func CheckVersion(ctx context.Context, conn pg.Conn, id ID) error {
	var minSupported, maxSupported int
	err := conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT "minSupportedVersion", "maxSupportedVersion" FROM %s."schemaVersions"`,
		pgx.Identifier{id.AppSchema()}.Sanitize())).Scan(&minSupported, &maxSupported)
	if err != nil {
		return fmt.Errorf("shard: read schema version: %w", err)
	}

	if schemaVersion < minSupported || schemaVersion > maxSupported+1 {
		return fmt.Errorf("%w: shard %s stores versions [%d,%d], binary supports %d",
			errkind.AutoResetSignal, id.Prefix(), minSupported, maxSupported, schemaVersion)
	}
	return nil
}

// DropShard drops the shard's two publications explicitly (DROP SCHEMA
// CASCADE does not cascade to publications) and then the shard schema,
// per spec.md §4.5.
func DropShard(ctx context.Context, conn pg.Conn, id ID) error {
	_, err := conn.Exec(ctx, fmt.Sprintf(
		`DROP PUBLICATION IF EXISTS %s, %s`,
		pgx.Identifier{id.PublicPublicationName()}.Sanitize(),
		pgx.Identifier{id.MetadataPublicationName()}.Sanitize(),
	))
	if err != nil {
		return fmt.Errorf("shard: drop publications: %w", err)
	}

	_, err = conn.Exec(ctx, fmt.Sprintf(
		`DROP SCHEMA IF EXISTS %s CASCADE`,
		pgx.Identifier{id.UpstreamSchema()}.Sanitize(),
	))
	if err != nil {
		return fmt.Errorf("shard: drop upstream schema: %w", err)
	}

	return nil
}
