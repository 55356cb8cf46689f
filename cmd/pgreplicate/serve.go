package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgeflare/pgreplicate/pkg/changesource"
	"github.com/edgeflare/pgreplicate/pkg/errkind"
	"github.com/edgeflare/pgreplicate/pkg/initsync"
	"github.com/edgeflare/pgreplicate/pkg/metrics"
	"github.com/edgeflare/pgreplicate/pkg/replica"
	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/edgeflare/pgreplicate/pkg/shard"
	"github.com/edgeflare/pgreplicate/pkg/watermark"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sync (if needed) and continuously stream the configured shard into its replica",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var wg sync.WaitGroup
	metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.ListenAddr})
	defer wg.Wait()

	connConfig, err := pgx.ParseConfig(cfg.Postgres.ConnString)
	if err != nil {
		return fmt.Errorf("parse postgres.connString: %w", err)
	}

	store, err := replica.Open(cfg.Replica.Path)
	if err != nil {
		return fmt.Errorf("open replica: %w", err)
	}
	defer store.Close()

	id := shard.ID{AppID: cfg.Shard.AppID, ShardNum: cfg.Shard.ShardNum}

	clientWatermark, publications, ddlDetection, initialSchema, err := resumeOrSync(ctx, connConfig, store, id)
	if err != nil {
		return err
	}

	stream, err := changesource.StartStream(ctx, connConfig, clientWatermark, changesource.Config{
		ID:            id,
		Publications:  publications,
		ReplicaID:     cfg.Shard.ReplicaID,
		InitialSchema: initialSchema,
		DDLDetection:  ddlDetection,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("start change stream: %w", err)
	}
	defer stream.Close()

	applier := replica.NewApplier(store)
	for msg := range stream.Changes() {
		wm, err := applier.Apply(ctx, msg)
		if err != nil {
			if errors.Is(err, errkind.AutoResetSignal) {
				return fmt.Errorf("upstream schema drifted beyond what this replica can reconcile, drop and re-sync: %w", err)
			}
			return fmt.Errorf("apply change: %w", err)
		}
		if wm == "" {
			continue
		}
		if err := stream.Ack(ctx, wm); err != nil {
			return fmt.Errorf("ack watermark %s: %w", wm, err)
		}
	}

	logger.Info("change stream ended")
	return nil
}

// resumeOrSync returns the watermark to start streaming from, together
// with the publication list, ddlDetection flag, and initial schema the
// change source needs: either read back from a shard that already
// completed initial sync, or freshly produced by running it now.
func resumeOrSync(ctx context.Context, connConfig *pgx.ConnConfig, store *replica.Store, id shard.ID) (watermark.LexiVersion, []string, bool, map[uint32]schema.PublishedTableSpec, error) {
	if version, err := store.StateVersion(ctx); err == nil {
		conn, err := pgx.ConnectConfig(ctx, connConfig)
		if err != nil {
			return "", nil, false, nil, fmt.Errorf("connect: %w", err)
		}
		defer conn.Close(context.Background())

		state, found, err := initsync.LoadShardState(ctx, conn, id)
		if err != nil {
			return "", nil, false, nil, fmt.Errorf("load shard state: %w", err)
		}
		if found {
			logger.Info("resuming from persisted replica state", zap.String("watermark", version))
			return watermark.LexiVersion(version), state.Publications, state.DDLDetection, state.InitialSchema, nil
		}
	}

	logger.Info("replica not yet synced, running initial sync")
	result, err := initsync.Run(ctx, connConfig, store, initsync.Config{
		ID:              id,
		Publications:    cfg.Shard.Publications,
		ReplicaID:       cfg.Shard.ReplicaID,
		DDLDetection:    cfg.Shard.DDLDetection,
		Workers:         cfg.Replica.Workers,
		CursorBatchSize: cfg.Replica.CursorBatchSize,
		Logger:          logger,
	})
	if err != nil {
		return "", nil, false, nil, fmt.Errorf("initial sync: %w", err)
	}
	return result.ReplicaVersion, cfg.Shard.Publications, cfg.Shard.DDLDetection, result.InitialSchema, nil
}
