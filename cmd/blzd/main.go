// Command blzd runs a BLZ coprocessor as a Zigbee coordinator and exposes it
// over HTTP, WebSocket, MQTT and Lua automations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blz-host/internal/coordinator"
	"blz-host/internal/metrics"
	"blz-host/internal/ncp"
	"blz-host/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const (
	startTimeout    = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to the YAML config file")
	listPorts := flag.Bool("list-ports", false, "print the serial ports found on this host and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()
	if flag.NArg() > 0 {
		*cfgPath = flag.Arg(0)
	}

	switch {
	case *showVersion:
		fmt.Println(version)
		return
	case *listPorts:
		ports, err := ncp.ListPorts()
		if err != nil {
			fmt.Fprintln(os.Stderr, "blzd:", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "blzd:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser := newLogger(cfg)
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("blzd starting", "version", version, "port", cfg.NCP.Port)

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	driver := ncp.New(ncp.NewOpener(cfg.transport()), cfg.driver(), logger, m)
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(driver, db, events, cfg.coordinator(), logger, m)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	result, err := coord.Start(ctx)
	cancel()
	if err != nil {
		coord.Stop()
		return fmt.Errorf("start coordinator: %w", err)
	}
	logger.Info("coordinator started", "result", result, "session", coord.Session().ID)

	// Each init is a no-op when its feature is disabled in config or
	// compiled out with the matching no_* build tag.
	auto := initAutomation(coord, cfg, logger)
	web := initWeb(coord, cfg, reg, auto, logger)
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	mqtt.Stop()
	web.Stop(shutdownCtx)
	auto.Stop()
	if err := coord.Stop(); err != nil {
		logger.Warn("coordinator stop", "err", err)
	}

	logger.Info("goodbye")
	return nil
}
