package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
queue:
  dir: /var/lib/upscaler
worker:
  command: /opt/upscaler/worker
  args: ["--gpu", "0"]
  count: 3
  stall_timeout: 10m
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/upscaler", cfg.Queue.Dir)
	assert.Equal(t, filepath.Join("/var/lib/upscaler", "archive.db"), cfg.Queue.ArchivePath)
	assert.Equal(t, filepath.Join("/var/lib/upscaler", "run"), cfg.Queue.RuntimeDir())
	assert.Equal(t, filepath.Join("/var/lib/upscaler", "control"), cfg.Queue.ControlDir())
	assert.Equal(t, "/opt/upscaler/worker", cfg.Worker.Command)
	assert.Equal(t, []string{"--gpu", "0"}, cfg.Worker.Args)
	assert.Equal(t, 3, cfg.Worker.Count)
	assert.Equal(t, 10*time.Minute, cfg.Worker.StallTimeout)

	assert.Equal(t, 5*time.Second, cfg.Worker.GracePeriod)
	assert.Equal(t, 3, cfg.Worker.SpawnRetry.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.ControlTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvAndFlagsOverride(t *testing.T) {
	path := writeConfig(t, "worker:\n  count: 2\n")
	t.Setenv("UPSCALER_WORKER_COUNT", "3")
	t.Setenv("UPSCALER_LOG_LEVEL", "debug")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Worker.Count)
	assert.Equal(t, "debug", cfg.Log.Level)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("workers", 1, "")
	flags.String("queue-dir", "", "")
	require.NoError(t, flags.Parse([]string{"--workers=4", "--queue-dir=/tmp/q"}))

	cfg, err = Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, "/tmp/q", cfg.Queue.Dir)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "worker:\n  count: 9\n"), nil)
	assert.ErrorContains(t, err, "worker.count")

	_, err = Load(writeConfig(t, "scheduler:\n  tick_interval: 0s\n"), nil)
	assert.ErrorContains(t, err, "tick_interval")

	_, err = Load(writeConfig(t, "scheduler:\n  control_timeout: 0s\n"), nil)
	assert.ErrorContains(t, err, "control_timeout")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"), nil)
	assert.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".upscaler"), expandHome("~/.upscaler"))
	assert.Equal(t, "/abs/path", expandHome("/abs/path"))
	assert.Equal(t, "~user/x", expandHome("~user/x"))
}

func TestLoad_ShippedConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(filepath.Join("..", "..", "config", "config.yml"), nil)
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".upscaler", "queue"), cfg.Queue.Dir)
	assert.Equal(t, "upscale-worker", cfg.Worker.Command)
	assert.Equal(t, 1, cfg.Worker.Count)
	assert.Equal(t, 2.0, cfg.Worker.SpawnRetry.Backoff)
}
