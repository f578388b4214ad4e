package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	return ParseArgs(flag.NewFlagSet("taskwardend", flag.ContinueOnError), args)
}

func TestDefaults(t *testing.T) {
	t.Setenv("TASKWARDEN_STATE_DIR", t.TempDir())

	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7171", cfg.Server.Addr)
	assert.Equal(t, "http", cfg.Server.Mode)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 256, cfg.Engine.QueueSize)
	assert.Equal(t, 5*time.Minute, cfg.Engine.TaskTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Engine.ScanInterval)
	assert.False(t, cfg.Engine.FailOnExhaustion)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 1.0, cfg.Notification.Rate)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("TASKWARDEN_STATE_DIR", t.TempDir())
	t.Setenv("TASKWARDEN_ADDR", "127.0.0.1:9000")
	t.Setenv("TASKWARDEN_WORKERS", "8")
	t.Setenv("TASKWARDEN_FAIL_ON_EXHAUSTION", "yes")
	t.Setenv("TASKWARDEN_USE_UTC", "true")
	t.Setenv("TASKWARDEN_TASK_TIMEOUT", "30s")

	cfg, err := parse(t, "-addr", "127.0.0.1:9100", "-use-utc=false", "-mode", "both")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", cfg.Server.Addr)
	assert.Equal(t, "both", cfg.Server.Mode)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.True(t, cfg.Engine.FailOnExhaustion)
	assert.False(t, cfg.UseUTC)
	assert.Equal(t, 30*time.Second, cfg.Engine.TaskTimeout)
}

func TestInvalidMode(t *testing.T) {
	t.Setenv("TASKWARDEN_STATE_DIR", t.TempDir())
	_, err := parse(t, "-mode", "grpc")
	assert.Error(t, err)
}
