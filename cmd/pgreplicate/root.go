package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgeflare/pgreplicate/pkg/config"
)

var cfgFile string
var cfg *config.Config
var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "pgreplicate",
	Short: "pgreplicate streams a Postgres shard into an embedded SQLite-compatible replica",
	Long: `pgreplicate provisions a logical replication shard, copies its
published tables into a local replica file, and keeps the replica current
by streaming and applying the shard's committed changes.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pgreplicate.yaml)")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dropShardCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(cfg.Log.Level))
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err = zapCfg.Build()
	if err != nil {
		fmt.Println("Error building logger:", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	Execute()
}
