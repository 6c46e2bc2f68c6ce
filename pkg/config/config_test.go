package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "data", cfg.DataDir)
	require.Equal(t, 8, cfg.DataShards)
	require.Equal(t, 2, cfg.ParityShards)
	require.EqualValues(t, 3, cfg.MissThreshold)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("QUARRY_DATA_DIR", "/tmp/quarry")
	t.Setenv("QUARRY_EPOCH_SECONDS", "60")
	t.Setenv("QUARRY_DATA_SHARDS", "4")
	t.Setenv("QUARRY_PARITY_SHARDS", "1")
	t.Setenv("QUARRY_MISS_THRESHOLD", "5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/quarry", cfg.DataDir)
	require.Equal(t, time.Minute, cfg.EpochDuration)
	require.Equal(t, 4, cfg.DataShards)
	require.Equal(t, 1, cfg.ParityShards)
	require.EqualValues(t, 5, cfg.MissThreshold)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("QUARRY_EPOCH_SECONDS", "zero")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadProfile(t *testing.T) {
	t.Setenv("QUARRY_DATA_SHARDS", "0")
	_, err := Load()
	require.Error(t, err)
}
