package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cosimhq/cosim/internal/config"
	"github.com/cosimhq/cosim/internal/signaling"
)

func main() {
	cfg := config.Load()
	log := cfg.NewLogger()

	registry := prometheus.NewRegistry()
	hub := signaling.NewHub(cfg.RoomGrace, log, registry)
	server := signaling.NewServer(hub, registry, cfg.SignalingPort)

	log.WithField("port", cfg.SignalingPort).Info("starting signaling plane")
	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}
