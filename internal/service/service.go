// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

// Package service implements the external subscribe/ack/unsubscribe
// surface on top of internal/subscription's state machine
// and registry: it resolves start-from positions, looks up or creates
// the durable row, and supervises the resulting Machine.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/oops"

	"github.com/sequentdb/sequentdb/internal/event"
	"github.com/sequentdb/sequentdb/internal/subscription"
)

// tailPageSize bounds a single page read while resolving start_from:
// :current to the stream or all-stream tail at subscribe time.
const tailPageSize = 1000

// Service wires the subscription store, advisory lock, event reader,
// broadcaster, and local registry into the subscribe_to_stream /
// subscribe_to_all_streams / ack / unsubscribe_from_stream operations.
type Service struct {
	store       subscription.Store
	lock        subscription.Lock
	reader      subscription.Reader
	broadcaster *subscription.Broadcaster
	registry    *subscription.Registry
	log         *slog.Logger
}

// New wires a Service from its collaborators. All are shared with the
// rest of the process: the same broadcaster instance must be fed by
// internal/notify's Pump for live events to reach subscribers.
func New(store subscription.Store, lock subscription.Lock, reader subscription.Reader, broadcaster *subscription.Broadcaster, registry *subscription.Registry, log *slog.Logger) *Service {
	return &Service{store: store, lock: lock, reader: reader, broadcaster: broadcaster, registry: registry, log: log}
}

// SubscribeToStream starts (or resumes) a subscription to a single
// stream. The returned Machine is the subscription handle: callers
// read Machine.Out() for {:subscribed}/{:events} and call
// Machine.Ack / Machine.Unsubscribe to drive it forward.
func (s *Service) SubscribeToStream(ctx context.Context, streamUUID, name string, opts subscription.Options) (*subscription.Machine, error) {
	if event.IsAllStream(streamUUID) {
		return nil, oops.Code("INVALID_STREAM_UUID").Errorf("%q is the reserved all-stream identifier; use SubscribeToAllStreams", streamUUID)
	}
	return s.subscribe(ctx, subscription.Key{Kind: subscription.KindStream, StreamUUID: streamUUID, Name: name}, opts)
}

// SubscribeToAllStreams starts (or resumes) a subscription to the
// synthetic $all view.
func (s *Service) SubscribeToAllStreams(ctx context.Context, name string, opts subscription.Options) (*subscription.Machine, error) {
	return s.subscribe(ctx, subscription.Key{Kind: subscription.KindAll, StreamUUID: event.AllStream, Name: name}, opts)
}

func (s *Service) subscribe(ctx context.Context, key subscription.Key, opts subscription.Options) (*subscription.Machine, error) {
	opts = subscription.NewOptions(opts)

	startEventNumber, startStreamVersion, err := s.resolveStartFrom(ctx, key, opts.StartFrom)
	if err != nil {
		return nil, oops.Code("START_FROM_RESOLUTION_FAILED").
			With("stream_uuid", key.StreamUUID).With("name", key.Name).Wrap(err)
	}

	durable, err := s.store.Subscribe(ctx, key.StreamUUID, key.Name, startEventNumber, startStreamVersion)
	if err != nil {
		return nil, oops.Code("SUBSCRIBE_FAILED").
			With("stream_uuid", key.StreamUUID).With("name", key.Name).Wrap(err)
	}

	m := subscription.NewMachine(key, durable.ID, opts, s.store, s.lock, s.reader, s.broadcaster, s.log)
	if _, err := s.registry.Start(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// resolveStartFrom turns a caller's StartFrom into the concrete
// (event_number, stream_version) position the durable row should be
// created at the first time a (stream, name) pair is subscribed.
// start_from is meaningless once the row already exists — Store.Subscribe
// is an idempotent lookup-or-create and ignores these values then.
func (s *Service) resolveStartFrom(ctx context.Context, key subscription.Key, startFrom subscription.StartFrom) (eventNumber, streamVersion int64, err error) {
	switch startFrom.Mode {
	case subscription.StartOrigin:
		return 0, 0, nil
	case subscription.StartExplicit:
		if key.Kind == subscription.KindAll {
			return startFrom.Value, 0, nil
		}
		return 0, startFrom.Value, nil
	case subscription.StartCurrent:
		if key.Kind == subscription.KindAll {
			n, err := currentAllTail(ctx, s.reader)
			return n, 0, err
		}
		v, err := currentStreamTail(ctx, s.reader, key.StreamUUID)
		return 0, v, err
	default:
		return 0, 0, oops.Code("INVALID_START_FROM").Errorf("unrecognized start_from mode %d", startFrom.Mode)
	}
}

// UnsubscribeFromStream deletes the durable row for (streamUUID, name)
// and terminates the live subscription process if one is registered
// locally. Idempotent: succeeds whether or not a row or process exists.
func (s *Service) UnsubscribeFromStream(ctx context.Context, streamUUID, name string) error {
	kind := subscription.KindStream
	if event.IsAllStream(streamUUID) {
		kind = subscription.KindAll
	}
	key := subscription.Key{Kind: kind, StreamUUID: streamUUID, Name: name}
	if m, ok := s.registry.Whereis(key); ok {
		return m.Unsubscribe(ctx)
	}
	if err := s.store.Unsubscribe(ctx, streamUUID, name); err != nil {
		return oops.Code("UNSUBSCRIBE_FAILED").With("stream_uuid", streamUUID).With("name", name).Wrap(err)
	}
	return nil
}

// currentAllTail pages forward through $all to find the highest
// event_number currently committed, or 0 if the store is empty.
func currentAllTail(ctx context.Context, reader subscription.Reader) (int64, error) {
	var last int64
	from := int64(1)
	for {
		batch, err := reader.ReadAll(ctx, from, tailPageSize)
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			return last, nil
		}
		last = batch[len(batch)-1].Number
		if len(batch) < tailPageSize {
			return last, nil
		}
		from = last + 1
	}
}

// currentStreamTail pages forward through streamUUID to find its
// current stream_version, or 0 if the stream has no events.
func currentStreamTail(ctx context.Context, reader subscription.Reader, streamUUID string) (int64, error) {
	var last int64
	from := int64(1)
	for {
		batch, err := reader.Read(ctx, streamUUID, from, tailPageSize)
		if errors.Is(err, subscription.ErrStreamNotFound) {
			// Resolving :current ahead of a stream's first event: the
			// tail is simply zero, not a fault.
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			return last, nil
		}
		last = batch[len(batch)-1].StreamVersion
		if len(batch) < tailPageSize {
			return last, nil
		}
		from = last + 1
	}
}
