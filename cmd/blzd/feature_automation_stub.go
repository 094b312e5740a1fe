//go:build no_automation

package main

import (
	"log/slog"

	"blz-host/internal/coordinator"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *autoStopper {
	if cfg.Automation.Enabled {
		logger.Warn("automation enabled in config but compiled out")
	}
	return &autoStopper{}
}
