package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgreplicate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres:
  connString: "postgres://localhost:5432/app"
shard:
  appID: myapp
  shardNum: 2
  publications: ["pub_a"]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "postgres://localhost:5432/app", cfg.Postgres.ConnString)
	require.Equal(t, "myapp", cfg.Shard.AppID)
	require.Equal(t, 2, cfg.Shard.ShardNum)
	require.Equal(t, []string{"pub_a"}, cfg.Shard.Publications)

	// fields the file didn't set keep DefaultConfig's values
	require.Equal(t, "default", cfg.Shard.ReplicaID)
	require.Equal(t, "replica.db", cfg.Replica.Path)
	require.Equal(t, ":9090", cfg.Metrics.ListenAddr)
}

func TestLoadMissingExplicitFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
