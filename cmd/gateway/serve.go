package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vineguard-gateway/internal/alerting"
	"vineguard-gateway/internal/anomaly"
	"vineguard-gateway/internal/api"
	"vineguard-gateway/internal/auth"
	"vineguard-gateway/internal/config"
	"vineguard-gateway/internal/metrics"
	"vineguard-gateway/internal/notify"
	"vineguard-gateway/internal/scheduler"
	"vineguard-gateway/internal/simulator"
	"vineguard-gateway/internal/storage"
	"vineguard-gateway/internal/websocket"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP/WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := setupLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting gateway", "env", cfg.Server.Env, "port", cfg.Server.Port, "database", cfg.Database.Driver)

	// --- Storage ---
	store, err := storage.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	closers := []io.Closer{store}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	sinks := []storage.ReadingSink{store}
	if cfg.Influx.Enabled {
		influx, err := storage.NewInfluxSink(cfg.Influx, logger)
		if err != nil {
			return err
		}
		closers = append(closers, influx)
		sinks = append(sinks, influx)
	}

	var notifiers []alerting.Notifier
	if cfg.MQTT.Enabled {
		mqtt, err := notify.Dial(ctx, cfg.MQTT, logger)
		if err != nil {
			// Alerts still reach WebSocket clients without the broker.
			logger.Error("mqtt notifications disabled", "error", err)
		} else {
			closers = append(closers, mqtt)
			notifiers = append(notifiers, mqtt)
		}
	}

	// --- Pipeline ---
	m := metrics.New()
	engine := anomaly.NewDetector(store, store, anomaly.WithMetrics(m), anomaly.WithLogger(logger))
	if cfg.Simulator.SeedDefaultThresholds {
		ths, err := engine.EnsureDefaultThresholds(ctx, 0)
		if err != nil {
			return fmt.Errorf("seed default thresholds: %w", err)
		}
		logger.Info("thresholds ready", "active", len(ths))
	}

	registry := websocket.NewRegistry(m, logger)
	broadcaster := websocket.NewBroadcaster(registry, m, logger)
	authManager := auth.NewAuthManager(cfg.Auth, cfg.Simulator.Allotment)

	sched := scheduler.New(scheduler.Config{
		Interval: cfg.Simulator.Interval,
		Workers:  cfg.Simulator.Workers,
		Owners:   authManager,
		Generator: simulator.NewGenerator(simulator.Options{
			Seed:         cfg.Simulator.Seed,
			CountPerType: cfg.Simulator.CountPerType,
			Logger:       logger,
		}),
		Engine:    engine,
		Sinks:     sinks,
		Publisher: broadcaster,
		Alerts:    alerting.NewAlerter(broadcaster, m, logger, notifiers...),
		Metrics:   m,
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	handler := api.NewAPIHandler(api.Deps{
		Auth:        authManager,
		Engine:      engine,
		Broadcaster: broadcaster,
		Refresher:   sched,
		Metrics:     m,
		Logger:      logger,
		Production:  cfg.Server.Production(),
		BaseContext: gctx,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("gateway stopped", "connections_left", registry.Len())
	return nil
}
