//go:build !no_web

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blz-host/internal/coordinator"
	"blz-host/internal/metrics"
	"blz-host/internal/web"
)

type webStopper struct {
	http   *http.Server
	server *web.Server
	logger *slog.Logger
}

func (w *webStopper) Stop(ctx context.Context) {
	if w.http == nil {
		return
	}
	if err := w.http.Shutdown(ctx); err != nil {
		w.logger.Error("http server shutdown", "err", err)
	}
	w.server.Stop()
}

func initWeb(coord *coordinator.Coordinator, cfg *Config, reg *prometheus.Registry, auto *autoStopper, logger *slog.Logger) *webStopper {
	if !cfg.Web.Enabled {
		return &webStopper{}
	}

	opts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetrics(metrics.Handler(reg)),
	}
	if cfg.Web.APIKey != "" {
		opts = append(opts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		opts = append(opts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	opts = append(opts, auto.webOptions()...)

	server := web.NewServer(coord, logger, opts...)
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()
	return &webStopper{http: httpServer, server: server, logger: logger}
}
