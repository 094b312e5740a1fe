//go:build no_web

package main

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"blz-host/internal/coordinator"
)

type webStopper struct{}

func (w *webStopper) Stop(context.Context) {}

func initWeb(_ *coordinator.Coordinator, cfg *Config, _ *prometheus.Registry, _ *autoStopper, logger *slog.Logger) *webStopper {
	if cfg.Web.Enabled {
		logger.Warn("web enabled in config but compiled out")
	}
	return &webStopper{}
}
