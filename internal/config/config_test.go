package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 10*time.Second, cfg.HealthInterval)
	assert.Equal(t, 3, cfg.RestartBudget)
	assert.Equal(t, 250*time.Millisecond, cfg.SandboxGrace)
	assert.Equal(t, 65536, cfg.SandboxStdoutCap)
	assert.Equal(t, 30*time.Second, cfg.RoomGrace)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ORCH_HEALTH_INTERVAL_MS", "2500")
	t.Setenv("ORCH_RESTART_BUDGET", "5")
	t.Setenv("SANDBOX_STDOUT_CAP_BYTES", "1024")

	cfg := Load()

	assert.Equal(t, 2500*time.Millisecond, cfg.HealthInterval)
	assert.Equal(t, 5, cfg.RestartBudget)
	assert.Equal(t, 1024, cfg.SandboxStdoutCap)
}

func TestLoadIgnoresMalformedInts(t *testing.T) {
	t.Setenv("ORCH_RESTART_BUDGET", "lots")

	cfg := Load()
	assert.Equal(t, 3, cfg.RestartBudget)
}
