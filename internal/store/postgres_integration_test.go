// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

//go:build integration

package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testHarness wires a live Postgres container through the migrator and
// a connection pool; each integration test starts its own.
type testHarness struct {
	pool *pgxpool.Pool
}

func setupPostgres(t *testing.T) *testHarness {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("sequentdb_test"),
		postgres.WithUsername("sequentdb"),
		postgres.WithPassword("sequentdb"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrator, err := NewMigrator(connStr)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return &testHarness{pool: pool}
}

func (h *testHarness) insertEvent(t *testing.T, streamUUID, eventType string, streamVersion int64) {
	t.Helper()
	_, err := h.pool.Exec(context.Background(), `
		INSERT INTO events (id, stream_uuid, stream_version, event_type, data)
		VALUES ($1, $2, $3, $4, $5)
	`, ulid.Make().String(), streamUUID, streamVersion, eventType, []byte(`{}`))
	require.NoError(t, err)
}

func TestIntegration_SubscriptionStore_SubscribeAckUnsubscribe(t *testing.T) {
	h := setupPostgres(t)
	store := NewSubscriptionStore(h.pool)
	ctx := context.Background()

	d, err := store.Subscribe(ctx, "order-1", "billing", 0, 0)
	require.NoError(t, err)
	require.Zero(t, d.LastSeenEventNumber)

	again, err := store.Subscribe(ctx, "order-1", "billing", 99, 99)
	require.NoError(t, err)
	require.Equal(t, d.ID, again.ID)
	require.Zero(t, again.LastSeenEventNumber, "second Subscribe must not overwrite an existing row")

	require.NoError(t, store.Ack(ctx, "order-1", "billing", 3, 3))
	require.NoError(t, store.Unsubscribe(ctx, "order-1", "billing"))
	require.Error(t, store.Ack(ctx, "order-1", "billing", 4, 4), "ack after unsubscribe must fail")
}

func TestIntegration_EventReader_ReadAndReadAll(t *testing.T) {
	h := setupPostgres(t)
	reader := NewEventReader(h.pool)
	ctx := context.Background()

	h.insertEvent(t, "order-1", "OrderPlaced", 1)
	h.insertEvent(t, "order-1", "OrderShipped", 2)
	h.insertEvent(t, "order-2", "OrderPlaced", 1)

	streamEvents, err := reader.Read(ctx, "order-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, streamEvents, 2)
	require.Equal(t, "OrderPlaced", streamEvents[0].EventType)
	require.Equal(t, "OrderShipped", streamEvents[1].EventType)

	allEvents, err := reader.ReadAll(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, allEvents, 3)
	require.Less(t, allEvents[0].Number, allEvents[1].Number)
}

func TestIntegration_AdvisoryLock_ExclusiveAcrossSessions(t *testing.T) {
	h := setupPostgres(t)
	lock := NewAdvisoryLock(h.pool)
	ctx := context.Background()

	ok, err := lock.TryAcquire(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	second := NewAdvisoryLock(h.pool)
	ok, err = second.TryAcquire(ctx, 42)
	require.NoError(t, err)
	require.False(t, ok, "a second holder must not acquire an already-held lock")

	require.NoError(t, lock.Release(ctx, 42))

	ok, err = second.TryAcquire(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok, "lock must be acquirable once released")
	require.NoError(t, second.Release(ctx, 42))
}

func TestIntegration_Listener_ReceivesNotifiedRange(t *testing.T) {
	h := setupPostgres(t)
	listener := NewListener(h.pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := listener.Listen(ctx)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond) // let LISTEN land before the insert races it
	h.insertEvent(t, "order-3", "OrderPlaced", 1)

	select {
	case rng := <-ch:
		require.Positive(t, rng.First)
		require.GreaterOrEqual(t, rng.Last, rng.First)
	case <-ctx.Done():
		t.Fatal("timed out waiting for notification")
	}
}
