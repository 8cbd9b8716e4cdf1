// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package subscription

import (
	"context"
	"errors"

	"github.com/samber/oops"
	"github.com/sequentdb/sequentdb/internal/event"
)

// catchUpBatchSize is the fixed page size the catch-up worker requests
// on each read; a page shorter than this ends the worker.
const catchUpBatchSize = 200

// catchUpWorker pages forward from the durable cursor to the current
// tail, forwarding each page to the owning subscription as an internal
// caught_up_events message. It is a separate actor so that catch-up
// reads never block the subscription's input handling.
type catchUpWorker struct {
	reader     Reader
	kind       Kind
	streamUUID string
	out        chan<- message
	done       chan<- error
}

func startCatchUpWorker(ctx context.Context, w catchUpWorker, fromEventNumber, fromStreamVersion int64) {
	go w.run(ctx, fromEventNumber, fromStreamVersion)
}

func (w catchUpWorker) run(ctx context.Context, fromEventNumber, fromStreamVersion int64) {
	eventNumber, streamVersion := fromEventNumber, fromStreamVersion
	for {
		var (
			batch []event.Event
			err   error
		)
		if w.kind == KindAll {
			batch, err = w.reader.ReadAll(ctx, eventNumber+1, catchUpBatchSize)
		} else {
			batch, err = w.reader.Read(ctx, w.streamUUID, streamVersion+1, catchUpBatchSize)
		}
		if errors.Is(err, ErrStreamNotFound) {
			// Subscribing ahead of a stream's first event is ordinary
			// usage: there is nothing to catch up on yet.
			w.done <- nil
			return
		}
		if err != nil {
			w.done <- oops.Code("CATCH_UP_READ_FAILED").
				With("stream_uuid", w.streamUUID).
				With("kind", w.kind.String()).
				Wrap(err)
			return
		}

		if len(batch) > 0 {
			select {
			case w.out <- caughtUpEventsMsg(batch):
			case <-ctx.Done():
				w.done <- ctx.Err()
				return
			}
			last := batch[len(batch)-1]
			eventNumber, streamVersion = last.Number, last.StreamVersion
		}

		if len(batch) < catchUpBatchSize {
			w.done <- nil
			return
		}

		select {
		case <-ctx.Done():
			w.done <- ctx.Err()
			return
		default:
		}
	}
}
