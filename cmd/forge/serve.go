// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/forge/pkg/config"
	"github.com/jllopis/forge/pkg/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the deploy stream and the MCP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				opts.sets = append(opts.sets, "server.addr="+addr)
			}
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	log := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	var watcher *config.Watcher
	if cfg.Server.WatchInterval > 0 {
		watcher, err = config.Watch(ctx, opts.configPath, opts.sets,
			config.WithWatchInterval(cfg.Server.WatchInterval),
			config.WithWatchLogger(log),
		)
		if err != nil {
			return err
		}
		defer watcher.Stop()
		cfg = watcher.Config()
	}

	shutdownTelemetry, err := telemetry.Init("forge", version, telemetry.Config{
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry.shutdown.error", slog.String("error", err.Error()))
		}
	}()
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	a, err := newApp(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer a.close()
	if watcher != nil {
		watcher.OnChange(a.applyReload)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server.started",
			slog.String("addr", cfg.Server.Addr),
			slog.String("store", cfg.Store.Driver),
			slog.String("llm", cfg.LLM.Provider),
			slog.Bool("mcp", cfg.MCP.Enabled),
		)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server.stopping")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.sessions.Shutdown(sctx); err != nil {
			log.Warn("session.shutdown.error", slog.String("error", err.Error()))
		}
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
