// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

// Package store provides the PostgreSQL-backed implementations of the
// subscription runtime's storage contracts: the durable subscription
// row, the forward event reader, the session-scoped advisory lock, and
// the LISTEN/NOTIFY listener that wakes the runtime on new appends.
package store

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/sequentdb/sequentdb/internal/event"
	"github.com/sequentdb/sequentdb/internal/subscription"
)

// ErrSubscriptionNotFound is returned (wrapped) by Ack when the durable
// row no longer exists. Unsubscribe is idempotent and does not return it.
var ErrSubscriptionNotFound = oops.Code("SUBSCRIPTION_NOT_FOUND").Errorf("subscription row not found")

// dbPool is the subset of *pgxpool.Pool that SubscriptionStore and
// EventReader depend on, narrow enough that pgxmock's pool mock
// satisfies it too.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SubscriptionStore implements subscription.Store against the
// `subscriptions` table.
type SubscriptionStore struct {
	pool dbPool
}

// NewSubscriptionStore wraps an existing pool. The pool is owned by the
// caller; SubscriptionStore never closes it.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

// Subscribe is an idempotent lookup-or-create: a pre-existing row wins
// the upsert, so startEventNumber/startStreamVersion are only honored
// the first time a (stream_uuid, name) pair is subscribed.
func (s *SubscriptionStore) Subscribe(ctx context.Context, streamUUID, name string, startEventNumber, startStreamVersion int64) (subscription.Durable, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (stream_uuid, subscription_name, last_seen_event_number, last_seen_stream_version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_uuid, subscription_name)
		DO UPDATE SET stream_uuid = subscriptions.stream_uuid
		RETURNING subscription_id, stream_uuid, subscription_name, last_seen_event_number, last_seen_stream_version, created_at
	`, streamUUID, name, startEventNumber, startStreamVersion)

	var d subscription.Durable
	if err := row.Scan(&d.ID, &d.StreamUUID, &d.Name, &d.LastSeenEventNumber, &d.LastSeenStreamVersion, &d.CreatedAt); err != nil {
		return subscription.Durable{}, oops.Code("SUBSCRIPTION_UPSERT_FAILED").
			With("stream_uuid", streamUUID).With("name", name).Wrap(err)
	}
	return d, nil
}

// Ack unconditionally overwrites last_seen_*; the caller is the advisory
// lock holder and is trusted to only ever move the cursor forward.
func (s *SubscriptionStore) Ack(ctx context.Context, streamUUID, name string, eventNumber, streamVersion int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET last_seen_event_number = $3, last_seen_stream_version = $4
		WHERE stream_uuid = $1 AND subscription_name = $2
	`, streamUUID, name, eventNumber, streamVersion)
	if err != nil {
		return oops.Code("SUBSCRIPTION_ACK_FAILED").
			With("stream_uuid", streamUUID).With("name", name).Wrap(err)
	}
	if ct.RowsAffected() == 0 {
		return oops.Code("SUBSCRIPTION_NOT_FOUND").
			With("stream_uuid", streamUUID).With("name", name).Wrap(ErrSubscriptionNotFound)
	}
	return nil
}

// Unsubscribe deletes the durable row. Idempotent: deleting an already
// absent row is not an error.
func (s *SubscriptionStore) Unsubscribe(ctx context.Context, streamUUID, name string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM subscriptions WHERE stream_uuid = $1 AND subscription_name = $2
	`, streamUUID, name)
	if err != nil {
		return oops.Code("SUBSCRIPTION_DELETE_FAILED").
			With("stream_uuid", streamUUID).With("name", name).Wrap(err)
	}
	return nil
}

// EventReader implements subscription.Reader against the `events` table.
// Stateless: callers choose batch size per call.
type EventReader struct {
	pool dbPool
}

// NewEventReader wraps an existing pool.
func NewEventReader(pool *pgxpool.Pool) *EventReader {
	return &EventReader{pool: pool}
}

// Read returns up to max events of streamUUID with stream_version >=
// fromVersion, ordered ascending. Fails with subscription.ErrStreamNotFound
// if the stream has never had any rows at all, as distinct from a
// fromVersion past the tail of a stream that does exist.
func (r *EventReader) Read(ctx context.Context, streamUUID string, fromVersion int64, max int) ([]event.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_number, stream_uuid, stream_version, event_type, correlation_id, causation_id, data, metadata, created_at
		FROM events
		WHERE stream_uuid = $1 AND stream_version >= $2
		ORDER BY stream_version
		LIMIT $3
	`, streamUUID, fromVersion, max)
	if err != nil {
		return nil, oops.Code("EVENT_READ_FAILED").With("stream_uuid", streamUUID).Wrap(err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		return events, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE stream_uuid = $1)`, streamUUID).Scan(&exists); err != nil {
		return nil, oops.Code("EVENT_EXISTENCE_CHECK_FAILED").With("stream_uuid", streamUUID).Wrap(err)
	}
	if !exists {
		return nil, oops.Code("STREAM_NOT_FOUND").With("stream_uuid", streamUUID).Wrap(subscription.ErrStreamNotFound)
	}
	return events, nil
}

// ReadAll returns up to max events from the synthetic all-stream view
// with event_number >= fromEventNumber, ordered ascending.
func (r *EventReader) ReadAll(ctx context.Context, fromEventNumber int64, max int) ([]event.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_number, stream_uuid, stream_version, event_type, correlation_id, causation_id, data, metadata, created_at
		FROM events
		WHERE event_number >= $1
		ORDER BY event_number
		LIMIT $2
	`, fromEventNumber, max)
	if err != nil {
		return nil, oops.Code("EVENT_READ_ALL_FAILED").With("from_event_number", fromEventNumber).Wrap(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var (
			e       event.Event
			idStr   string
			corrID  *string
			causeID *string
		)
		if err := rows.Scan(&idStr, &e.Number, &e.StreamUUID, &e.StreamVersion, &e.EventType, &corrID, &causeID, &e.Data, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, oops.Code("EVENT_SCAN_FAILED").Wrap(err)
		}
		id, err := ulid.Parse(idStr)
		if err != nil {
			return nil, oops.Code("EVENT_ID_CORRUPT").With("id", idStr).Wrap(err)
		}
		e.ID = id
		if corrID != nil {
			e.CorrelationID = *corrID
		}
		if causeID != nil {
			e.CausationID = *causeID
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("EVENT_ROWS_FAILED").Wrap(err)
	}
	return events, nil
}

// AdvisoryLock implements subscription.Lock via session-scoped
// pg_try_advisory_lock: one pooled connection is checked out per held
// lock and returned to the pool on Release, since the lock lives and
// dies with the session that took it.
type AdvisoryLock struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	conns map[int64]*pgxpool.Conn
}

// NewAdvisoryLock wraps an existing pool.
func NewAdvisoryLock(pool *pgxpool.Pool) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, conns: make(map[int64]*pgxpool.Conn)}
}

// TryAcquire takes the exclusive advisory lock for subscriptionID
// without blocking, pinning a dedicated connection for the lock's
// lifetime.
func (l *AdvisoryLock) TryAcquire(ctx context.Context, subscriptionID int64) (bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, oops.Code("LOCK_CONN_ACQUIRE_FAILED").With("subscription_id", subscriptionID).Wrap(err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, subscriptionID).Scan(&acquired); err != nil {
		conn.Release()
		return false, oops.Code("LOCK_QUERY_FAILED").With("subscription_id", subscriptionID).Wrap(err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	l.mu.Lock()
	l.conns[subscriptionID] = conn
	l.mu.Unlock()
	return true, nil
}

// Release gives up a previously acquired lock and returns its
// connection to the pool. Safe to call when no lock is held.
func (l *AdvisoryLock) Release(ctx context.Context, subscriptionID int64) error {
	l.mu.Lock()
	conn, ok := l.conns[subscriptionID]
	delete(l.conns, subscriptionID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, subscriptionID); err != nil {
		return oops.Code("LOCK_RELEASE_FAILED").With("subscription_id", subscriptionID).Wrap(err)
	}
	return nil
}
