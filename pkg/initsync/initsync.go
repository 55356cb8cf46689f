// Package initsync implements C6: acquiring a logical replication slot
// together with a snapshot consistent with it, discovering and validating
// the published schema inside that snapshot, and copying every table's
// rows into the replica before the slot starts streaming changes.
//
// Run is the only entry point. It takes a non-replication connection
// config for provisioning, discovery, and the worker pool's snapshot
// connections, derives a replication-mode connection from it internally
// (see slot.go), and leaves the replica file fully populated and the
// upstream shard's bookkeeping updated on success.
package initsync

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/edgeflare/pgreplicate/pkg/discovery"
	"github.com/edgeflare/pgreplicate/pkg/metrics"
	"github.com/edgeflare/pgreplicate/pkg/replica"
	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/edgeflare/pgreplicate/pkg/shard"
	"github.com/edgeflare/pgreplicate/pkg/watermark"
)

const (
	// defaultWorkers is the number of connections cooperating on the
	// snapshot-consistent table copy, per spec.md §4.6 step 3.
	defaultWorkers = 5
	// defaultCursorBatchSize is how many converted rows are fetched from
	// the upstream cursor before being handed to the inserter, per
	// spec.md §4.6 step 4.
	defaultCursorBatchSize = 10000
)

// Config parameterizes one initial sync run.
type Config struct {
	ID           shard.ID
	Publications []string // empty means "the default public-schema publication"; see shard.Config
	ReplicaID    string   // identifies this replica among others sharing the shard, e.g. in upstreamSchema.replicas
	DDLDetection bool     // the configured ddlDetection flag, persisted as given; not checked against whether pkg/shard's DDL event triggers were installed

	Workers         int // default defaultWorkers
	CursorBatchSize int // default defaultCursorBatchSize

	Logger *zap.Logger
}

// Result is everything the caller (pkg/changesource, or a one-shot "sync"
// CLI command) needs to start streaming changes after Run returns.
type Result struct {
	SlotName       string
	ReplicaVersion watermark.LexiVersion
	InitialSchema  map[uint32]schema.PublishedTableSpec
}

// Run executes the full initial sync algorithm of spec.md §4.6 against
// store, using connConfig for provisioning, discovery, and the worker
// pool's snapshot connections. connConfig must not itself carry
// replication=database; Run derives a replication-mode config from it.
//
// On any failure after the slot is created, Run makes a best-effort
// attempt to drop it before returning, so a failed sync does not leak a
// slot the origin keeps buffering WAL for.
func Run(ctx context.Context, connConfig *pgx.ConnConfig, store *replica.Store, cfg Config) (Result, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.CursorBatchSize <= 0 {
		cfg.CursorBatchSize = defaultCursorBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}

	timer := prometheus.NewTimer(metrics.InitialSyncDuration.WithLabelValues(cfg.ID.Prefix()))
	defer timer.ObserveDuration()

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return Result{}, fmt.Errorf("initsync: connect: %w", err)
	}
	defer conn.Close(context.Background())

	shardCfg := shard.Config{ID: cfg.ID, Publications: cfg.Publications}
	if err := shard.Provision(ctx, conn, shardCfg, logger); err != nil {
		return Result{}, fmt.Errorf("initsync: provision shard: %w", err)
	}
	publications := effectivePublications(cfg.ID, cfg.Publications)

	slotName := cfg.ID.ReplicationSlotName(cfg.ReplicaID)
	slot, replConn, err := createSlotWithRetry(ctx, connConfig, slotName)
	if err != nil {
		return Result{}, fmt.Errorf("initsync: create replication slot: %w", err)
	}
	defer replConn.Close(context.Background())

	result := Result{SlotName: slotName, ReplicaVersion: watermark.ToLexi(slot.consistentPoint)}

	if err := runSnapshotSync(ctx, connConfig, store, slot.snapshotName, publications, result.ReplicaVersion, cfg, &result); err != nil {
		dropSlot(conn, slotName, logger)
		return Result{}, err
	}

	publicationsJSON, err := marshalPublications(publications)
	if err != nil {
		dropSlot(conn, slotName, logger)
		return Result{}, fmt.Errorf("initsync: marshal publications: %w", err)
	}
	if err := store.PersistReplicationConfig(ctx, publicationsJSON, string(result.ReplicaVersion)); err != nil {
		dropSlot(conn, slotName, logger)
		return Result{}, fmt.Errorf("initsync: persist replica config: %w", err)
	}

	initialSchemaJSON, err := marshalInitialSchema(result.InitialSchema)
	if err != nil {
		dropSlot(conn, slotName, logger)
		return Result{}, fmt.Errorf("initsync: marshal initial schema: %w", err)
	}
	if err := shard.PersistInitialSync(ctx, conn, cfg.ID, publications, cfg.DDLDetection, cfg.ReplicaID, slotName, string(result.ReplicaVersion), initialSchemaJSON); err != nil {
		dropSlot(conn, slotName, logger)
		return Result{}, err
	}

	return result, nil
}

// runSnapshotSync discovers and validates the published schema and copies
// every table's rows, all inside the slot's exported snapshot; it fills in
// result.InitialSchema on success.
func runSnapshotSync(ctx context.Context, connConfig *pgx.ConnConfig, store *replica.Store, snapshotName string, publications []string, version watermark.LexiVersion, cfg Config, result *Result) error {
	discoveryConn, discoveryTx, err := openSnapshotTx(ctx, connConfig, snapshotName)
	if err != nil {
		return fmt.Errorf("initsync: open discovery snapshot: %w", err)
	}
	defer discoveryConn.Close(context.Background())

	published, err := discovery.GetPublicationInfo(ctx, txConn{discoveryTx}, publications)
	if err != nil {
		return fmt.Errorf("initsync: discover published schema: %w", err)
	}
	allowed := schema.AllowedSchemas{AppSchema: cfg.ID.AppSchema(), UpstreamSchema: cfg.ID.UpstreamSchema()}
	if err := published.Validate(allowed); err != nil {
		return fmt.Errorf("initsync: validate published schema: %w", err)
	}

	initialSchema := make(map[uint32]schema.PublishedTableSpec, len(published.Tables))
	for _, t := range published.Tables {
		initialSchema[t.OID] = t
	}
	result.InitialSchema = initialSchema

	if err := discoveryTx.Rollback(ctx); err != nil {
		return fmt.Errorf("initsync: release discovery snapshot: %w", err)
	}

	if err := copyAllTables(ctx, connConfig, snapshotName, store, published.Tables, version, cfg); err != nil {
		return err
	}

	indexesByTable := published.IndexesByTable()
	for _, t := range published.Tables {
		lite := schema.MapPostgresToLite(t.TableSpec)
		for _, ix := range indexesByTable[t.QualifiedName()] {
			cols := schema.MapPostgresToLiteIndex(ix)
			if err := store.CreateIndex(ctx, lite.QualifiedName(), ix.Name, cols, ix.Unique); err != nil {
				return fmt.Errorf("initsync: create index %s: %w", ix.Name, err)
			}
		}
	}

	return nil
}

// dropSlot makes a best-effort attempt to remove a slot whose sync failed,
// logging rather than propagating a failure here: the original error is
// what matters to the caller.
func dropSlot(conn *pgx.Conn, slotName string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, `SELECT pg_drop_replication_slot($1)`, slotName); err != nil {
		logger.Warn("failed to drop replication slot after failed initial sync",
			zap.String("slot", slotName), zap.Error(err))
	}
}

// effectivePublications mirrors shard.ensurePublications' default-naming
// rule so callers that only have the requested list can name the slot's
// actual publication set without shard exporting it directly.
func effectivePublications(id shard.ID, requested []string) []string {
	if len(requested) == 0 {
		return []string{id.PublicPublicationName()}
	}
	out := make([]string, len(requested))
	copy(out, requested)
	return out
}
