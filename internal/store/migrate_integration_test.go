//go:build integration

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sequentdb/sequentdb/internal/store"
)

func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestMigrator_FullCycle(t *testing.T) {
	ctx := context.Background()
	connStr := startPostgres(ctx, t)

	migrator, err := store.NewMigrator(connStr)
	require.NoError(t, err)
	defer migrator.Close()

	version, dirty, err := migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	pending, err := migrator.PendingMigrations()
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2}, pending)

	require.NoError(t, migrator.Up())

	version, dirty, err = migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	pending, err = migrator.PendingMigrations()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, migrator.Steps(-1))
	version, _, err = migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, migrator.Steps(1))
	version, _, err = migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestMigrator_ConcurrentUp(t *testing.T) {
	ctx := context.Background()
	connStr := startPostgres(ctx, t)

	migrator1, err := store.NewMigrator(connStr)
	require.NoError(t, err)
	defer migrator1.Close()

	migrator2, err := store.NewMigrator(connStr)
	require.NoError(t, err)
	defer migrator2.Close()

	var wg sync.WaitGroup
	var err1, err2 error

	wg.Add(2)
	go func() {
		defer wg.Done()
		err1 = migrator1.Up()
	}()
	go func() {
		defer wg.Done()
		err2 = migrator2.Up()
	}()
	wg.Wait()

	successCount := 0
	if err1 == nil {
		successCount++
	}
	if err2 == nil {
		successCount++
	}
	assert.GreaterOrEqual(t, successCount, 1, "at least one migration should succeed")

	verifier, err := store.NewMigrator(connStr)
	require.NoError(t, err)
	defer verifier.Close()

	version, dirty, err := verifier.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}
