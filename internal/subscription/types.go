// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

// Package subscription implements the per-subscription state machine:
// the durable cursor, catch-up/live-tail transition, ack-driven flow
// control, and the registry that supervises subscription lifetimes.
package subscription

import (
	"time"

	"github.com/sequentdb/sequentdb/internal/event"
)

// Kind distinguishes a subscription to a single stream from one on the
// synthetic all-stream view.
type Kind uint8

const (
	KindStream Kind = iota
	KindAll
)

func (k Kind) String() string {
	if k == KindAll {
		return "all"
	}
	return "stream"
}

// State is a subscription state machine state, per the transition table:
// Initial -> CatchingUp (lock acquired) -> Subscribed (caught up) ->
// MaxCapacity (buffer full) -> Subscribed (drained) -> Unsubscribed.
type State uint8

const (
	StateInitial State = iota
	StateRequestingCatchUp
	StateCatchingUp
	StateSubscribed
	StateMaxCapacity
	StateUnsubscribed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateRequestingCatchUp:
		return "requesting_catch_up"
	case StateCatchingUp:
		return "catching_up"
	case StateSubscribed:
		return "subscribed"
	case StateMaxCapacity:
		return "max_capacity"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// Durable is the persisted subscription row: (subscription_id,
// stream_uuid, subscription_name, last_seen_event_number,
// last_seen_stream_version, created_at). last_seen_* is the highest
// contiguous prefix the subscriber has acknowledged and never decreases.
type Durable struct {
	ID                    int64
	StreamUUID            string
	Name                  string
	LastSeenEventNumber   int64
	LastSeenStreamVersion int64
	CreatedAt             time.Time
}

// Key identifies a subscription within the local process registry:
// (kind, stream_uuid, name).
type Key struct {
	Kind       Kind
	StreamUUID string
	Name       string
}

// String renders Key for logging, e.g. "stream:order-123/billing".
func (k Key) String() string {
	return k.Kind.String() + ":" + k.StreamUUID + "/" + k.Name
}

// SubscribedMsg is sent to the subscriber exactly once, after the
// subscription's state machine acquires the advisory lock.
type SubscribedMsg struct {
	Handle *Handle
}

// EventsMsg carries an ordered, already filtered/mapped batch. Items is
// either []event.Event (no mapper) or the mapper's output type, boxed as
// any so the channel can carry both.
type EventsMsg struct {
	Items []any
}

// Handle is the externally visible reference to a live subscription
// process, delivered in SubscribedMsg. It has no methods of its own;
// Ack and Unsubscribe are methods of Machine.
type Handle struct {
	Key Key
	in  chan<- message
}

func caughtUpEventsMsg(batch []event.Event) message { return message{kind: msgCaughtUp, batch: batch} }
