// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package store

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// eventsChannel is the Postgres NOTIFY channel the notify trigger
// migration publishes to.
const eventsChannel = "events"

const (
	reconnectInitial = 100 * time.Millisecond
	reconnectMax     = 30 * time.Second
)

// NotifiedRange is a (first_event_number, last_event_number) pair parsed
// from a single events-channel notification payload.
type NotifiedRange struct {
	First int64
	Last  int64
}

// Listener subscribes to the events NOTIFY channel on a dedicated
// connection, emitting a NotifiedRange per notification in commit
// order. It reconnects with exponential backoff on connection loss and
// never replays ranges missed while disconnected. internal/notify's Pump
// does not recover them either: it resumes reading at the later of its
// own cursor and the next notified range's first event_number, so events
// of a missed range reach a subscription only through its catch-up path.
type Listener struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewListener wraps an existing pool.
func NewListener(pool *pgxpool.Pool, log *slog.Logger) *Listener {
	return &Listener{pool: pool, log: log}
}

// Listen returns a channel of NotifiedRange that closes when ctx is
// cancelled. The listener runs in its own goroutine and reconnects
// transparently on any connection error.
func (l *Listener) Listen(ctx context.Context) (<-chan NotifiedRange, error) {
	out := make(chan NotifiedRange, 64)
	go l.run(ctx, out)
	return out, nil
}

func (l *Listener) run(ctx context.Context, out chan<- NotifiedRange) {
	defer close(out)

	backoff, err := retry.NewExponential(reconnectInitial)
	if err != nil {
		l.log.Error("events listener backoff misconfigured", "error", err)
		return
	}
	backoff = retry.WithCappedDuration(reconnectMax, backoff)

	for {
		if err := l.listenOnce(ctx, out); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("events listener disconnected, reconnecting", "error", err)
			delay, _ := backoff.Next()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		return
	}
}

func (l *Listener) listenOnce(ctx context.Context, out chan<- NotifiedRange) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return oops.Code("LISTENER_CONN_ACQUIRE_FAILED").Wrap(err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+eventsChannel); err != nil {
		return oops.Code("LISTENER_LISTEN_FAILED").Wrap(err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return oops.Code("LISTENER_WAIT_FAILED").Wrap(err)
		}
		rng, err := parseNotifiedRange(notification.Payload)
		if err != nil {
			l.log.Warn("events listener received malformed payload", "payload", notification.Payload, "error", err)
			continue
		}
		select {
		case out <- rng:
		case <-ctx.Done():
			return nil
		}
	}
}

func parseNotifiedRange(payload string) (NotifiedRange, error) {
	first, last, ok := strings.Cut(payload, ",")
	if !ok {
		return NotifiedRange{}, oops.Code("NOTIFICATION_PAYLOAD_MALFORMED").Errorf("expected \"first,last\", got %q", payload)
	}
	firstN, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return NotifiedRange{}, oops.Code("NOTIFICATION_PAYLOAD_MALFORMED").Wrap(err)
	}
	lastN, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return NotifiedRange{}, oops.Code("NOTIFICATION_PAYLOAD_MALFORMED").Wrap(err)
	}
	return NotifiedRange{First: firstN, Last: lastN}, nil
}
