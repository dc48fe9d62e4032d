package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/xbrlflow/internal/config"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("XBRLFLOW_TEST_VALUE", "set")
	t.Setenv("XBRLFLOW_TEST_EMPTY", "")
	require.Equal(t, "set", config.GetEnv("XBRLFLOW_TEST_VALUE", "fallback"))
	require.Equal(t, "fallback", config.GetEnv("XBRLFLOW_TEST_EMPTY", "fallback"))
	require.Equal(t, "fallback", config.GetEnv("XBRLFLOW_TEST_MISSING", "fallback"))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	p := cfg.PipelineConfig()
	require.Equal(t, 200, p.BatchSize)
	require.Equal(t, 3, p.MaxRetries)
	require.Equal(t, 0.01, p.ErrorTolerance)
	require.Equal(t, 30*time.Minute, p.StalenessWindow)
	require.Equal(t, 900*time.Second, p.MaxEventAge)
	require.Equal(t, 5, p.MinFacts)
	require.Equal(t, 500, p.FlushThreshold)
	require.Equal(t, "xbrl-verify", p.Topics.Verify)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PROJECT_ID", "proj")
	t.Setenv("BQ_DATASET", "accounts")
	t.Setenv("BATCH_SIZE", "50")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("ERROR_TOLERANCE", "0.05")
	t.Setenv("STALENESS_WINDOW", "1h")
	t.Setenv("MIN_FACTS", "3")
	t.Setenv("VERIFY_TOPIC", "custom-verify")
	t.Setenv("WORKERS", "not-a-number")

	cfg, err := config.Load()
	require.NoError(t, err)
	p := cfg.PipelineConfig()
	require.Equal(t, "proj", p.Project)
	require.Equal(t, "accounts", p.Dataset)
	require.Equal(t, 50, p.BatchSize)
	require.Equal(t, 5, p.MaxRetries)
	require.Equal(t, 0.05, p.ErrorTolerance)
	require.Equal(t, time.Hour, p.StalenessWindow)
	require.Equal(t, 3, p.MinFacts)
	require.Equal(t, "custom-verify", p.Topics.Verify)
	require.Zero(t, p.Workers)
}

func TestLoadRejectsBadThresholds(t *testing.T) {
	t.Setenv("ERROR_TOLERANCE", "1.5")
	_, err := config.Load()
	require.ErrorContains(t, err, "ERROR_TOLERANCE")

	t.Setenv("ERROR_TOLERANCE", "")
	t.Setenv("BATCH_SIZE", "0")
	_, err = config.Load()
	require.ErrorContains(t, err, "BATCH_SIZE")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xbrlflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataset: accounts
pipeline:
  batch_size: 25
  verify_delay: 2m
  retry_backoff: 30s
local:
  data_dir: /tmp/xbrl
  time_scale: 0.001
logging:
  level: debug
`), 0o644))
	t.Setenv("BATCH_SIZE", "40")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "accounts", cfg.Dataset)
	require.Equal(t, 40, cfg.Pipeline.BatchSize)
	require.Equal(t, 2*time.Minute, cfg.Pipeline.VerifyDelay)
	require.Equal(t, 30*time.Second, cfg.Pipeline.RetryBackoff)
	require.Equal(t, 3, cfg.Pipeline.MaxRetries)
	require.Equal(t, "/tmp/xbrl", cfg.Local.DataDir)
	require.Equal(t, 0.001, cfg.Local.TimeScale)
	require.Equal(t, "debug", cfg.Logging.Level)

	_, err = config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
