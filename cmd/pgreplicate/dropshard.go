package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgeflare/pgreplicate/pkg/shard"
)

var dropShardCmd = &cobra.Command{
	Use:   "drop-shard",
	Short: "Drop the configured shard's publications and upstream metadata schema",
	Long: `drop-shard tears down what sync/serve provisioned upstream: the
public and metadata publications, and the shard's upstream schema. It does
not touch the local replica file.`,
	RunE: runDropShard,
}

func runDropShard(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	conn, err := pgx.Connect(ctx, cfg.Postgres.ConnString)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	id := shard.ID{AppID: cfg.Shard.AppID, ShardNum: cfg.Shard.ShardNum}
	if err := shard.DropShard(ctx, conn, id); err != nil {
		return fmt.Errorf("drop shard: %w", err)
	}

	logger.Info("shard dropped", zap.String("appID", id.AppID), zap.Int("shardNum", id.ShardNum))
	return nil
}
