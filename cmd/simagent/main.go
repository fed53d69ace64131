package main

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cosimhq/cosim/internal/agent"
	"github.com/cosimhq/cosim/internal/config"
	"github.com/cosimhq/cosim/pkg/sandbox"
)

func main() {
	cfg := config.Load()
	log := cfg.NewLogger()

	if err := os.MkdirAll(cfg.SandboxWorkspaceDir, 0o755); err != nil {
		log.WithError(err).Fatal("creating sandbox workspace failed")
	}

	sb := sandbox.New(cfg.SandboxWorkspaceDir, log,
		sandbox.WithGrace(cfg.SandboxGrace),
		sandbox.WithDefaultTimeout(cfg.SandboxDefaultTimeout),
		sandbox.WithStdoutCap(cfg.SandboxStdoutCap))

	var reporter agent.ActivityReporter
	if cfg.OrchEndpoint != "" {
		reporter = agent.NewHTTPReporter(cfg.OrchEndpoint, log)
	}

	registry := prometheus.NewRegistry()
	simulations := agent.NewRegistry(cfg.ModelStoreDir, sb, cfg.MaxSubscribers, reporter, registry, log)
	defer simulations.Shutdown()

	watcher := agent.NewDocWatcher(cfg.ControlDocEndpoint, log)
	defer watcher.Close()

	server := agent.NewServer(simulations, watcher, registry, cfg.AgentPort, log)

	log.WithField("port", cfg.AgentPort).Info("starting simulation agent")
	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}
