//go:build !no_automation

package main

import (
	"log/slog"

	"blz-host/internal/automation"
	"blz-host/internal/coordinator"
)

type autoStopper struct {
	engine *automation.Engine
	mgr    *automation.Manager
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *autoStopper {
	if !cfg.Automation.Enabled {
		return &autoStopper{}
	}
	mgr, err := automation.NewManager(cfg.Automation.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}
	}

	engine := automation.NewEngine(coord, mgr, logger, automation.SystemConfig{
		ExecAllowlist: cfg.Automation.Exec.Allowlist,
		ExecTimeout:   cfg.Automation.Exec.Timeout,
	})
	engine.Start()
	logger.Info("automation started", "dir", cfg.Automation.ScriptsDir, "running", len(engine.Running()))
	return &autoStopper{engine: engine, mgr: mgr}
}
