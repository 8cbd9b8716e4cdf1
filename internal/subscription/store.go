// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package subscription

import (
	"context"
	"errors"

	"github.com/sequentdb/sequentdb/internal/event"
)

// ErrStreamNotFound is returned by Reader.Read against a stream that has
// never had any rows. It is a contract-level condition for explicit,
// caller-initiated reads only: the catch-up worker and :current tail
// resolution treat a freshly-subscribed, not-yet-written stream as an
// empty one rather than an error, since subscribing ahead of a stream's
// first event is ordinary usage, not a fault.
var ErrStreamNotFound = errors.New("stream has no rows")

// Store is the durable subscription row CRUD contract the state machine
// depends on. internal/store.SubscriptionStore implements it.
type Store interface {
	// Subscribe is an idempotent lookup-or-create: a pre-existing row is
	// returned unchanged; otherwise one is created with last_seen_* set
	// to the start position.
	Subscribe(ctx context.Context, streamUUID, name string, startEventNumber, startStreamVersion int64) (Durable, error)
	// Ack unconditionally overwrites the row's last_seen_*; the caller
	// is the advisory-lock holder and guarantees monotonicity.
	Ack(ctx context.Context, streamUUID, name string, eventNumber, streamVersion int64) error
	// Unsubscribe deletes the durable row. Idempotent.
	Unsubscribe(ctx context.Context, streamUUID, name string) error
}

// Lock is the session-scoped advisory lock contract.
// internal/store.AdvisoryLock implements it.
type Lock interface {
	// TryAcquire attempts to take the exclusive lock for subscriptionID
	// on the given connection-scoped session and reports whether it
	// succeeded without blocking.
	TryAcquire(ctx context.Context, subscriptionID int64) (bool, error)
	// Release gives up a previously acquired lock. Safe to call on a
	// lock that was never acquired.
	Release(ctx context.Context, subscriptionID int64) error
}

// Reader is the paginated forward-read contract.
// internal/store.EventReader implements it.
type Reader interface {
	// Read returns up to max events of streamUUID with stream_version
	// >= fromVersion in ascending order.
	Read(ctx context.Context, streamUUID string, fromVersion int64, max int) ([]event.Event, error)
	// ReadAll returns up to max events from $all with event_number >=
	// fromEventNumber in ascending order.
	ReadAll(ctx context.Context, fromEventNumber int64, max int) ([]event.Event, error)
}
