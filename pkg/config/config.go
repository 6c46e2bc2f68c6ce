// Package config reads node configuration from the environment. A
// .env file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration for the quarry node.
type Config struct {
	// DataDir holds the record database, shard files and audit logs.
	DataDir string
	// EpochDuration is the proof-and-payout cycle length.
	EpochDuration time.Duration
	// ResponseWindow bounds how long a provider has to answer a challenge.
	ResponseWindow time.Duration
	// DataShards and ParityShards are the default erasure coding profile.
	DataShards   int
	ParityShards int
	// MissThreshold is the number of missed epochs before a deal defaults.
	MissThreshold uint64
	// DefaultSlash is seized from a provider's stake on default or an
	// invalid seal response.
	DefaultSlash uint64
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (Config, error) {
	// missing .env is fine; explicit environment still applies
	_ = godotenv.Load()

	cfg := Config{
		DataDir:        "data",
		EpochDuration:  30 * time.Second,
		ResponseWindow: 10 * time.Second,
		DataShards:     8,
		ParityShards:   2,
		MissThreshold:  3,
		DefaultSlash:   100,
	}
	if v := os.Getenv("QUARRY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if err := durationVar(&cfg.EpochDuration, "QUARRY_EPOCH_SECONDS"); err != nil {
		return Config{}, err
	}
	if err := durationVar(&cfg.ResponseWindow, "QUARRY_RESPONSE_WINDOW_SECONDS"); err != nil {
		return Config{}, err
	}
	if err := intVar(&cfg.DataShards, "QUARRY_DATA_SHARDS"); err != nil {
		return Config{}, err
	}
	if err := intVar(&cfg.ParityShards, "QUARRY_PARITY_SHARDS"); err != nil {
		return Config{}, err
	}
	if err := uintVar(&cfg.MissThreshold, "QUARRY_MISS_THRESHOLD"); err != nil {
		return Config{}, err
	}
	if err := uintVar(&cfg.DefaultSlash, "QUARRY_DEFAULT_SLASH"); err != nil {
		return Config{}, err
	}
	if cfg.DataShards < 1 || cfg.ParityShards < 0 {
		return Config{}, fmt.Errorf("invalid erasure profile %d+%d", cfg.DataShards, cfg.ParityShards)
	}
	return cfg, nil
}

func durationVar(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return fmt.Errorf("%s: expected positive seconds, got %q", key, v)
	}
	*dst = time.Duration(secs) * time.Second
	return nil
}

func intVar(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: expected integer, got %q", key, v)
	}
	*dst = n
	return nil
}

func uintVar(dst *uint64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: expected unsigned integer, got %q", key, v)
	}
	*dst = n
	return nil
}
