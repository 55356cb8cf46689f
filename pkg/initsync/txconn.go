package initsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// txConn adapts a pgx.Tx to pkg/pgx's Conn interface, so packages written
// against a plain connection (pkg/discovery, pkg/shard) can run inside the
// worker pool's snapshot transaction without knowing about it. BeginTx
// ignores the requested options and starts a savepoint-backed nested
// transaction instead, since the outer transaction already carries the
// isolation level and snapshot that matters here.
type txConn struct {
	pgx.Tx
}

func (t txConn) BeginTx(ctx context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return t.Tx.Begin(ctx)
}

// openSnapshotTx opens a plain connection, starts a REPEATABLE READ,
// READ ONLY transaction, and pins it to snapshotName, per spec.md §4.6
// step 3. The caller owns both the connection and the transaction: it
// must Rollback (never Commit - a read-only snapshot transaction has
// nothing to commit) and Close when done.
func openSnapshotTx(ctx context.Context, connConfig *pgx.ConnConfig, snapshotName string) (*pgx.Conn, pgx.Tx, error) {
	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		conn.Close(context.Background())
		return nil, nil, fmt.Errorf("begin snapshot transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT %s", quoteLiteral(snapshotName))); err != nil {
		tx.Rollback(ctx)
		conn.Close(context.Background())
		return nil, nil, fmt.Errorf("set transaction snapshot: %w", err)
	}

	return conn, tx, nil
}
