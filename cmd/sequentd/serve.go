// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/sequentdb/sequentdb/internal/admin"
	"github.com/sequentdb/sequentdb/internal/cluster"
	"github.com/sequentdb/sequentdb/internal/config"
	"github.com/sequentdb/sequentdb/internal/logging"
	"github.com/sequentdb/sequentdb/internal/notify"
	"github.com/sequentdb/sequentdb/internal/observability"
	"github.com/sequentdb/sequentdb/internal/service"
	"github.com/sequentdb/sequentdb/internal/store"
	"github.com/sequentdb/sequentdb/internal/subscription"
)

// metricsReportInterval bounds how stale the gauges in
// internal/observability's registry are allowed to get relative to the
// live registry of subscription processes.
const metricsReportInterval = 5 * time.Second

// shutdownTimeout bounds how long serve waits for the admin and
// observability HTTP servers to drain in-flight requests.
const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the subscription runtime daemon",
		Long: `serve runs the notification pump, subscription registry, and
admin/observability HTTP surfaces until an interrupt or terminate signal
is received.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}

	cmd.Flags().String("database_url", "", "PostgreSQL connection string")
	cmd.Flags().String("observability_addr", "", "metrics/health HTTP listen address")
	cmd.Flags().String("admin_addr", "", "admin introspection HTTP listen address")
	cmd.Flags().String("log_format", "", "log format (json or text)")
	cmd.Flags().Int("subscription_max_size", 0, "pending-buffer capacity setting (validated only; subscriptions use their own MaxSize or the built-in default)")

	return cmd
}

// runServeWithDeps starts the daemon with injectable dependencies. If
// deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.ConfigLoader == nil {
		deps.ConfigLoader = config.Load
	}
	if deps.PoolFactory == nil {
		deps.PoolFactory = defaultPoolFactory
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, ready)
		}
	}

	cfg, err := deps.ConfigLoader(configFile, cmd.Flags())
	if err != nil {
		return oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
	}

	var log *slog.Logger
	if deps.LoggerFactory != nil {
		log = deps.LoggerFactory(cfg.LogFormat)
	} else {
		log = logging.Setup("sequentd", version, cfg.LogFormat, os.Stderr)
	}

	log.Info("sequentd starting", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	pool, err := deps.PoolFactory(ctx, cfg.DatabaseURL)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	defer pool.Close()
	log.Info("connected to database")

	subStore := store.NewSubscriptionStore(pool)
	reader := store.NewEventReader(pool)
	lock := store.NewAdvisoryLock(pool)
	listener := store.NewListener(pool, log)

	broadcaster := subscription.NewBroadcaster()
	registry := subscription.NewRegistry(log)
	svc := service.New(subStore, lock, reader, broadcaster, registry, log)

	clusterRegistry := cluster.NewLocalRegistry()
	pump := notify.NewPump(listener, reader, broadcaster, 0, log)
	if err := clusterRegistry.StartChild(ctx, "notify-pump", pump.Run); err != nil {
		return oops.Code("NOTIFY_PUMP_START_FAILED").Wrap(err)
	}
	log.Info("notification pump started")

	obsServer := deps.ObservabilityServerFactory(cfg.ObservabilityAddr, func() bool { return clusterRegistry.Whereis("notify-pump") })
	obsErrCh, err := obsServer.Start()
	if err != nil {
		return oops.Code("OBSERVABILITY_SERVER_START_FAILED").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, obsErrCh, "observability", log)
	log.Info("observability server started", "addr", obsServer.Addr())

	go reportMetrics(ctx, registry, obsServer.Metrics())

	adminServer, err := admin.NewServer(registry, svc, log)
	if err != nil {
		return oops.Code("ADMIN_SERVER_BUILD_FAILED").Wrap(err)
	}
	adminHTTP := &http.Server{Addr: cfg.AdminAddr, Handler: adminServer.Handler(), ReadHeaderTimeout: 10 * time.Second}
	adminErrCh := make(chan error, 1)
	go func() {
		defer close(adminErrCh)
		if serveErr := adminHTTP.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			adminErrCh <- serveErr
		}
	}()
	go monitorServerErrors(ctx, cancel, adminErrCh, "admin", log)
	log.Info("admin server started", "addr", cfg.AdminAddr)

	cmd.Println("sequentd ready")
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := adminHTTP.Shutdown(shutdownCtx); err != nil {
		log.Warn("error stopping admin server", "error", err)
	}
	if err := obsServer.Stop(shutdownCtx); err != nil {
		log.Warn("error stopping observability server", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}

// reportMetrics periodically snapshots every locally registered
// subscription process into the observability registry's gauges. It is
// a poll rather than a push because Machine.Snapshot is the only
// introspection surface the state machine exposes, matching the admin
// server's own read path (internal/admin.handleList).
func reportMetrics(ctx context.Context, registry *subscription.Registry, metrics *observability.Metrics) {
	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			counts := map[string]int{}
			for _, key := range registry.Keys() {
				m, ok := registry.Whereis(key)
				if !ok {
					continue
				}
				snap := m.Snapshot()
				counts[snap.State.String()]++
				metrics.BufferedEvents.WithLabelValues(key.Name).Set(float64(snap.BufferedEvents))
			}
			for state, n := range counts {
				metrics.SubscriptionsActive.WithLabelValues(state).Set(float64(n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// monitorServerErrors cancels the shared shutdown context if an HTTP
// server's serving goroutine exits with an error, so one surface's
// failure brings the whole process down for a clean restart.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string, log *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok || err == nil {
			return
		}
		log.Error("server error, triggering shutdown", "server", name, "error", err)
		cancel()
	case <-ctx.Done():
	}
}
