package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgeflare/pgreplicate/pkg/initsync"
	"github.com/edgeflare/pgreplicate/pkg/replica"
	"github.com/edgeflare/pgreplicate/pkg/shard"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run initial sync for the configured shard into its replica file",
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

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
		return fmt.Errorf("initial sync: %w", err)
	}

	logger.Info("initial sync complete",
		zap.String("slot", result.SlotName),
		zap.String("replicaVersion", string(result.ReplicaVersion)),
		zap.Int("tables", len(result.InitialSchema)))
	return nil
}
