package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	yaml := `
data_dir: /var/lib/chronicle
wal:
  sync_mode: disabled
memcache:
  shards: 4
runfile:
  compression: zstd
compaction:
  max_fan_in: 4
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/chronicle", cfg.DataDir)
	assert.Equal(t, "disabled", cfg.WAL.SyncMode)
	assert.Equal(t, 4, cfg.MemCache.Shards)
	assert.Equal(t, "zstd", cfg.RunFile.Compression)
	assert.Equal(t, 4, cfg.Compaction.MaxFanIn)
	// Untouched sections keep their defaults.
	assert.Equal(t, int64(128*1024*1024), cfg.WAL.MaxSegmentSizeBytes)
	assert.Equal(t, "snappy", Default().RunFile.Compression)
}

func TestLoadFromReaderEmptyInput(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""
	cfg.WAL.SyncMode = "sometimes"
	cfg.MemCache.Shards = 3
	cfg.RunFile.Compression = "gzip"
	cfg.Compaction.OverlapRatio = 2.0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"data_dir", "sync_mode", "shards", "compression", "overlap_ratio"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateRejectsHardLimitBelowMaxBytes(t *testing.T) {
	cfg := Default()
	cfg.MemCache.MaxBytes = 100
	cfg.MemCache.HardLimitBytes = 50
	require.Error(t, cfg.Validate())
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute, nil))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute, nil))
	assert.Equal(t, time.Minute, ParseDuration("not-a-duration", time.Minute, nil))
}
