// Package config loads pgreplicate's configuration the way the teacher
// CLI always has: a YAML file located by viper, overridable by PGO_-
// prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds everything one pgreplicate process needs: which upstream
// shard it owns, where its replica file lives, and where its metrics are
// served.
type Config struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Shard    ShardConfig    `mapstructure:"shard"`
	Replica  ReplicaConfig  `mapstructure:"replica"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// PostgresConfig is the upstream connection.
type PostgresConfig struct {
	ConnString string `mapstructure:"connString"`
}

// ShardConfig identifies and parameterizes the shard this process
// provisions, initial-syncs, and streams from.
type ShardConfig struct {
	AppID        string   `mapstructure:"appID"`
	ShardNum     int      `mapstructure:"shardNum"`
	Publications []string `mapstructure:"publications"`
	ReplicaID    string   `mapstructure:"replicaID"`
	DDLDetection bool     `mapstructure:"ddlDetection"`
}

// ReplicaConfig parameterizes the SQLite-compatible replica file and the
// initial sync worker pool feeding it.
type ReplicaConfig struct {
	Path            string `mapstructure:"path"`
	Workers         int    `mapstructure:"workers"`
	CursorBatchSize int    `mapstructure:"cursorBatchSize"`
}

// MetricsConfig is the Prometheus exporter's listen address.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listenAddr"`
}

// LogConfig controls the zap logger's verbosity.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the values a bare-minimum config file can omit.
func DefaultConfig() Config {
	return Config{
		Shard:   ShardConfig{ShardNum: 0, ReplicaID: "default"},
		Replica: ReplicaConfig{Path: "replica.db"},
		Metrics: MetricsConfig{ListenAddr: ":9090"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads config from cfgFile, or (if empty) searches $HOME/.config and
// the working directory for pgreplicate.yaml, then overlays PGO_-prefixed
// environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pgreplicate")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PGO")

	cfg := DefaultConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode config: %w", err)
	}

	return &cfg, nil
}
