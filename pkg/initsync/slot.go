package initsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edgeflare/pgreplicate/pkg/pgx/role"
	"github.com/edgeflare/pgreplicate/pkg/watermark"
)

// createdSlot is the subset of pglogrepl.CreateReplicationSlotResult Run
// needs, with ConsistentPoint already parsed.
type createdSlot struct {
	consistentPoint pglogrepl.LSN
	snapshotName    string
}

// createSlotWithRetry opens a replication-mode connection derived from
// connConfig and issues CREATE_REPLICATION_SLOT ... LOGICAL pgoutput. On
// INSUFFICIENT_PRIVILEGE it grants the REPLICATION role attribute via a
// plain connection and retries once, per spec.md §4.6 step 2. The
// returned *pgx.Conn is the replication-mode connection the slot was
// created on and must stay open - and its snapshot visible - until the
// snapshot copy finishes.
func createSlotWithRetry(ctx context.Context, connConfig *pgx.ConnConfig, slotName string) (createdSlot, *pgx.Conn, error) {
	replConn, err := connectReplication(ctx, connConfig)
	if err != nil {
		return createdSlot{}, nil, err
	}

	slot, err := pglogrepl.CreateReplicationSlot(ctx, replConn.PgConn(), slotName, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
	if err == nil {
		parsed, err := parseSlot(slot)
		if err != nil {
			replConn.Close(context.Background())
			return createdSlot{}, nil, err
		}
		return parsed, replConn, nil
	}
	replConn.Close(context.Background())

	if !isInsufficientPrivilege(err) {
		return createdSlot{}, nil, fmt.Errorf("create replication slot %q: %w", slotName, err)
	}

	if err := grantReplication(ctx, connConfig); err != nil {
		return createdSlot{}, nil, fmt.Errorf("grant replication attribute: %w", err)
	}

	replConn, err = connectReplication(ctx, connConfig)
	if err != nil {
		return createdSlot{}, nil, err
	}
	slot, err = pglogrepl.CreateReplicationSlot(ctx, replConn.PgConn(), slotName, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		replConn.Close(context.Background())
		return createdSlot{}, nil, fmt.Errorf("create replication slot %q after granting replication: %w", slotName, err)
	}
	parsed, err := parseSlot(slot)
	if err != nil {
		replConn.Close(context.Background())
		return createdSlot{}, nil, err
	}
	return parsed, replConn, nil
}

func parseSlot(slot pglogrepl.CreateReplicationSlotResult) (createdSlot, error) {
	lsn, err := watermark.ParseLSN(slot.ConsistentPoint)
	if err != nil {
		return createdSlot{}, fmt.Errorf("parse consistent_point %q: %w", slot.ConsistentPoint, err)
	}
	return createdSlot{consistentPoint: lsn, snapshotName: slot.SnapshotName}, nil
}

// connectReplication derives a replication-mode connection config from
// connConfig (cloning it so the caller's config is left untouched) and
// connects, mirroring pkg/replstream's established connection pattern.
func connectReplication(ctx context.Context, connConfig *pgx.ConnConfig) (*pgx.Conn, error) {
	replConfig := connConfig.Copy()
	if replConfig.RuntimeParams == nil {
		replConfig.RuntimeParams = map[string]string{}
	}
	replConfig.RuntimeParams["replication"] = "database"

	conn, err := pgx.ConnectConfig(ctx, replConfig)
	if err != nil {
		return nil, fmt.Errorf("connect in replication mode: %w", err)
	}
	return conn, nil
}

// grantReplication toggles the REPLICATION attribute on connConfig's own
// role, so a subsequent slot-creation attempt by that same role succeeds.
// It reads the role's current attributes first and writes them back
// unchanged alongside the new Replication flag, so it doesn't clobber
// unrelated attributes (connection limit, other grants) the way a bare
// "ALTER ROLE ... REPLICATION" with zero-valued fields would.
func grantReplication(ctx context.Context, connConfig *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return fmt.Errorf("connect to grant replication: %w", err)
	}
	defer conn.Close(context.Background())

	r, err := role.Get(ctx, conn, connConfig.User)
	if err != nil {
		return fmt.Errorf("look up role %q: %w", connConfig.User, err)
	}
	r.Replication = true
	r.Password = "" // role.Get masks it; an empty password leaves it untouched
	return role.Update(ctx, conn, *r)
}

func isInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

// quoteLiteral produces a single-quoted SQL string literal, doubling any
// embedded quotes - used for SET TRANSACTION SNAPSHOT, whose argument
// cannot be bound as a query parameter.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
