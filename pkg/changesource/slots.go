package changesource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/edgeflare/pgreplicate/pkg/metrics"
	"github.com/edgeflare/pgreplicate/pkg/shard"
)

// objectInUseCode is object_in_use's SQLSTATE: pg_drop_replication_slot
// returns this while a backend is still attached to the slot.
const objectInUseCode = "55006"

// slotDropRetryInterval and slotDropMaxAttempts bound the background
// orphaned-slot drop retry, per spec.md §4.9 step 2 and §5's timeout table.
const (
	slotDropRetryInterval = time.Second
	slotDropMaxAttempts   = 5
)

// terminateExistingBackends ends whichever backend currently holds a slot
// belonging to this shard, so a new subscriber can claim it without waiting
// on wal_sender_timeout - spec.md §4.9 step 1. The terminated backend
// observes PG_ADMIN_SHUTDOWN; see isAdminShutdown.
func terminateExistingBackends(ctx context.Context, conn *pgx.Conn, id shard.ID) error {
	pattern := fmt.Sprintf("%s_%d_%%", id.AppID, id.ShardNum)
	_, err := conn.Exec(ctx, `
		SELECT pg_terminate_backend(active_pid)
		FROM pg_replication_slots
		WHERE slot_name LIKE $1 AND active_pid IS NOT NULL
	`, pattern)
	if err != nil {
		return fmt.Errorf("terminate existing backends: %w", err)
	}
	return nil
}

// pruneReplicas deletes every row of upstreamSchema.replicas except
// keepReplicaID's, returning the slot names that went with the deleted
// rows so the caller can drop them - spec.md §4.9 step 2.
func pruneReplicas(ctx context.Context, conn *pgx.Conn, id shard.ID, keepReplicaID string) ([]string, error) {
	schemaName := pgx.Identifier{id.UpstreamSchema()}.Sanitize()
	rows, err := conn.Query(ctx, fmt.Sprintf(
		`DELETE FROM %s.replicas WHERE "replicaID" != $1 RETURNING "slotName"`, schemaName,
	), keepReplicaID)
	if err != nil {
		return nil, fmt.Errorf("prune replicas: %w", err)
	}
	defer rows.Close()

	var slotNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("prune replicas: %w", err)
		}
		slotNames = append(slotNames, name)
	}
	return slotNames, rows.Err()
}

// dropOrphanedSlotsAsync fires one retrying drop attempt per slot and
// returns immediately: the caller does not wait on these, since the slot
// that matters (this session's own) is already provisioned.
func dropOrphanedSlotsAsync(connConfig *pgx.ConnConfig, slotNames []string, shardLabel string, logger *zap.Logger) {
	for _, name := range slotNames {
		name := name
		go dropSlotWithRetry(connConfig, name, shardLabel, logger)
	}
}

// dropSlotWithRetry retries pg_drop_replication_slot while it fails with
// object_in_use (the terminated backend has not yet fully detached),
// logging and giving up after slotDropMaxAttempts.
func dropSlotWithRetry(connConfig *pgx.ConnConfig, slotName, shardLabel string, logger *zap.Logger) {
	ctx := context.Background()

	op := func() error {
		conn, err := pgx.ConnectConfig(ctx, connConfig)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("connect: %w", err))
		}
		defer conn.Close(ctx)

		_, err = conn.Exec(ctx, `SELECT pg_drop_replication_slot($1)`, slotName)
		if err == nil {
			return nil
		}
		if isObjectInUse(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}

	// WithMaxRetries counts retries after the first attempt.
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(slotDropRetryInterval), slotDropMaxAttempts-1)
	if err := backoff.Retry(op, b); err != nil {
		metrics.OrphanedSlotDropFailures.WithLabelValues(shardLabel).Inc()
		logger.Warn("changesource: failed to drop orphaned replication slot",
			zap.String("slot", slotName), zap.Error(err))
	}
}

func isObjectInUse(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == objectInUseCode
}
