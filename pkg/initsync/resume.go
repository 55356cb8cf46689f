package initsync

import (
	"context"
	"fmt"

	pg "github.com/edgeflare/pgreplicate/pkg/pgx"
	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/edgeflare/pgreplicate/pkg/shard"
	"github.com/jackc/pgx/v5"
)

// State is the subset of a completed Run's Result that upstreamSchema.
// shardConfig persists, read back by a "serve" command restarting against
// an already-synced replica so it does not need to repeat initial sync.
type State struct {
	Publications  []string
	DDLDetection  bool
	InitialSchema map[uint32]schema.PublishedTableSpec
}

// LoadShardState reads back what PersistInitialSync wrote for id, or
// found=false if the shard has never completed an initial sync.
func LoadShardState(ctx context.Context, conn pg.Conn, id shard.ID) (state State, found bool, err error) {
	schemaName := pgx.Identifier{id.UpstreamSchema()}.Sanitize()

	var publications []string
	var ddlDetection bool
	var initialSchemaJSON []byte
	scanErr := conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT publications, "ddlDetection", "initialSchema" FROM %s."shardConfig" WHERE lock`, schemaName,
	)).Scan(&publications, &ddlDetection, &initialSchemaJSON)
	if scanErr != nil {
		return State{}, false, fmt.Errorf("initsync: read shard state: %w", scanErr)
	}
	if initialSchemaJSON == nil {
		return State{}, false, nil
	}

	tables, err := unmarshalInitialSchema(initialSchemaJSON)
	if err != nil {
		return State{}, false, err
	}
	return State{Publications: publications, DDLDetection: ddlDetection, InitialSchema: tables}, true, nil
}
