package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cosimhq/cosim/internal/api"
	"github.com/cosimhq/cosim/internal/auth"
	"github.com/cosimhq/cosim/internal/config"
	"github.com/cosimhq/cosim/internal/database"
	"github.com/cosimhq/cosim/internal/eventbus"
	"github.com/cosimhq/cosim/internal/orchestrator"
)

// defaultNodePools is the built-in pool table; deployments size these to
// the cluster's node groups.
func defaultNodePools() []orchestrator.NodePool {
	return []orchestrator.NodePool{
		{Name: "cpu-standard", Capacity: 64},
		{Name: "cpu-spot", Capacity: 64, Spot: true},
		{Name: "gpu-t4", GPUClass: "t4", Capacity: 16},
		{Name: "gpu-a10", GPUClass: "a10", Capacity: 8},
		{Name: "gpu-a100", GPUClass: "a100", Capacity: 4},
		{Name: "gpu-h100", GPUClass: "h100", Capacity: 2},
	}
}

func main() {
	cfg := config.Load()
	log := cfg.NewLogger()

	if err := os.MkdirAll(filepath.Dir(cfg.OrchDBPath), 0o755); err != nil {
		log.WithError(err).Fatal("creating database directory failed")
	}

	log.WithField("path", cfg.OrchDBPath).Info("connecting to database")
	db, err := database.NewDatabase(cfg.OrchDBPath)
	if err != nil {
		log.WithError(err).Fatal("initializing database failed")
	}
	defer db.Close()

	repo := database.NewRepository(db)
	bus := eventbus.New(log)
	defer bus.Close()

	registry := prometheus.NewRegistry()
	alloc := orchestrator.NewStaticAllocator(defaultNodePools(), cfg.AgentPort)
	agents := orchestrator.NewHTTPAgentClient()

	orch := orchestrator.New(repo, bus, alloc, agents, cfg, registry, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go orch.Run(ctx)

	validator := auth.NewValidator(cfg.AuthHMACSecret)
	server := api.NewServer(orch, validator, registry, cfg.OrchPort)

	log.WithField("port", cfg.OrchPort).Info("starting orchestrator")
	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}
