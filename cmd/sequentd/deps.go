// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/sequentdb/sequentdb/internal/config"
	"github.com/sequentdb/sequentdb/internal/observability"
)

// ServeDeps contains injectable dependencies for the serve command. All
// fields with nil values use their default implementations; tests
// override the ones that would otherwise dial a real database or bind a
// real socket.
type ServeDeps struct {
	// ConfigLoader loads the layered configuration.
	// Default: config.Load
	ConfigLoader func(path string, flags *pflag.FlagSet) (*config.Config, error)

	// LoggerFactory builds the process-wide structured logger.
	// Default: logging.Setup
	LoggerFactory func(format string) *slog.Logger

	// PoolFactory opens the shared pgxpool connection pool backing every
	// Postgres-facing component.
	// Default: pgxpool.New, followed by a Ping
	PoolFactory func(ctx context.Context, databaseURL string) (*pgxpool.Pool, error)

	// ObservabilityServerFactory creates the metrics/health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

func defaultPoolFactory(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
