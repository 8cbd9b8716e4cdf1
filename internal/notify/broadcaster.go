// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

// Package notify bridges the Postgres LISTEN/NOTIFY wakeups to the
// in-process subscription broadcaster: every notified range is paged
// back out of $all and republished per-stream and on the all-stream
// topic.
package notify

import (
	"context"
	"log/slog"

	"github.com/sequentdb/sequentdb/internal/store"
	"github.com/sequentdb/sequentdb/internal/subscription"
)

// readBatchSize bounds a single page pulled out of $all while draining
// a notified range; a range wider than this is drained over several
// pages rather than one unbounded read.
const readBatchSize = 500

// Ranger is satisfied by *store.Listener: a channel of notified
// (first, last) event_number pairs that closes when the listener's
// context is cancelled.
type Ranger interface {
	Listen(ctx context.Context) (<-chan store.NotifiedRange, error)
}

// Pump drains notified ranges from a Ranger, reads the corresponding
// rows from $all, and republishes them through a subscription
// Broadcaster. It is fire-and-forget: a publish that finds no live
// subscribers is simply a no-op, and a subscription that missed a
// notification recovers via its own catch-up path.
type Pump struct {
	listener    Ranger
	reader      subscription.Reader
	broadcaster *subscription.Broadcaster
	log         *slog.Logger

	cursor int64 // highest event_number republished so far
}

// NewPump wires a notification source to a reader and broadcaster.
// cursor is the event_number to resume republishing from (typically
// the highest event_number known to any durable subscription at
// startup, or 0 to republish from the beginning of $all).
func NewPump(listener Ranger, reader subscription.Reader, broadcaster *subscription.Broadcaster, cursor int64, log *slog.Logger) *Pump {
	return &Pump{listener: listener, reader: reader, broadcaster: broadcaster, cursor: cursor, log: log}
}

// Run blocks, republishing notified ranges until ctx is cancelled or
// the underlying listener channel closes.
func (p *Pump) Run(ctx context.Context) error {
	ranges, err := p.listener.Listen(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case rng, ok := <-ranges:
			if !ok {
				return ctx.Err()
			}
			p.drain(ctx, rng)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain pages $all forward from the pump's cursor through at least
// rng.Last, publishing each page as it's read. A notification only
// promises that events up to Last exist; the cursor may already be
// past First if a previous range overlapped this one, which is
// harmless since PublishAppend fans out to subscriptions that
// independently dedup by last_received.
func (p *Pump) drain(ctx context.Context, rng store.NotifiedRange) {
	if rng.Last <= p.cursor {
		return
	}
	from := p.cursor + 1
	if rng.First > from {
		from = rng.First
	}

	for {
		batch, err := p.reader.ReadAll(ctx, from, readBatchSize)
		if err != nil {
			p.log.Error("notification pump failed to read $all", "from_event_number", from, "error", err)
			return
		}
		if len(batch) == 0 {
			return
		}

		p.broadcaster.PublishAppend(batch)

		last := batch[len(batch)-1].Number
		p.cursor = last
		from = last + 1

		if last >= rng.Last || len(batch) < readBatchSize {
			return
		}
	}
}
