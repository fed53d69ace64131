// Package config loads the process-wide configuration from the environment.
// Configuration is read once at startup and injected into components.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config is the full set of recognized knobs. Zero values never survive
// loading; every field carries a default.
type Config struct {
	LogLevel string

	// Orchestrator
	OrchPort                    string
	OrchDBPath                  string
	ScheduleInterval            time.Duration // ORCH_SCHEDULE_INTERVAL_MS
	HealthInterval              time.Duration // ORCH_HEALTH_INTERVAL_MS
	RestartBudget               int           // ORCH_RESTART_BUDGET
	RestartWindow               time.Duration // Sliding window for the restart budget
	RetentionSeconds            int           // ORCH_RETENTION_SECONDS
	HibernateToTerminateSeconds int           // ORCH_HIBERNATE_TO_TERMINATE_SECONDS

	// Signaling
	SignalingPort string
	RoomGrace     time.Duration // SIGNALING_ROOM_GRACE_MS

	// Agent
	AgentPort          string
	MaxSubscribers     int // AGENT_PRODUCER_MAX_SUBSCRIBERS
	ModelStoreDir      string
	ControlDocEndpoint string // WS endpoint of the collaboration server, "" disables the watcher
	OrchEndpoint       string // Base URL for activity heartbeats, "" disables reporting

	// Sandbox
	SandboxWorkspaceDir   string
	SandboxDefaultTimeout time.Duration // SANDBOX_DEFAULT_TIMEOUT_MS
	SandboxGrace          time.Duration // SANDBOX_GRACE_MS
	SandboxStdoutCap      int           // SANDBOX_STDOUT_CAP_BYTES

	// Auth
	AuthHMACSecret string
}

// Load reads the environment and applies defaults
func Load() Config {
	return Config{
		LogLevel: envString("LOG_LEVEL", "info"),

		OrchPort:                    envString("ORCH_PORT", "8080"),
		OrchDBPath:                  envString("ORCH_DB_PATH", "cosim.db"),
		ScheduleInterval:            envMillis("ORCH_SCHEDULE_INTERVAL_MS", 1000),
		HealthInterval:              envMillis("ORCH_HEALTH_INTERVAL_MS", 10000),
		RestartBudget:               envInt("ORCH_RESTART_BUDGET", 3),
		RestartWindow:               envMillis("ORCH_RESTART_WINDOW_MS", 600000),
		RetentionSeconds:            envInt("ORCH_RETENTION_SECONDS", 7*24*3600),
		HibernateToTerminateSeconds: envInt("ORCH_HIBERNATE_TO_TERMINATE_SECONDS", 3600),

		SignalingPort: envString("SIGNALING_PORT", "8081"),
		RoomGrace:     envMillis("SIGNALING_ROOM_GRACE_MS", 30000),

		AgentPort:          envString("AGENT_PORT", "8082"),
		MaxSubscribers:     envInt("AGENT_PRODUCER_MAX_SUBSCRIBERS", 16),
		ModelStoreDir:      envString("MODEL_STORE_DIR", "/var/lib/cosim/models"),
		ControlDocEndpoint: envString("CONTROL_DOC_ENDPOINT", ""),
		OrchEndpoint:       envString("ORCH_ENDPOINT", ""),

		SandboxWorkspaceDir:   envString("SANDBOX_WORKSPACE_DIR", "/var/lib/cosim/workspace"),
		SandboxDefaultTimeout: envMillis("SANDBOX_DEFAULT_TIMEOUT_MS", 5000),
		SandboxGrace:          envMillis("SANDBOX_GRACE_MS", 250),
		SandboxStdoutCap:      envInt("SANDBOX_STDOUT_CAP_BYTES", 65536),

		AuthHMACSecret: envString("AUTH_HMAC_SECRET", ""),
	}
}

// NewLogger builds the process logger at the configured level
func (c Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.JSONFormatter{})
	return log
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envMillis(key string, fallbackMS int) time.Duration {
	return time.Duration(envInt(key, fallbackMS)) * time.Millisecond
}
