// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package subscription

import "github.com/sequentdb/sequentdb/internal/event"

// DefaultMaxSize is the conservative buffer capacity used when Options
// does not set MaxSize explicitly.
const DefaultMaxSize = 1000

// StartFromMode selects how a subscription's initial cursor is computed.
type StartFromMode uint8

const (
	// StartOrigin begins delivery from the very first event.
	StartOrigin StartFromMode = iota
	// StartCurrent begins delivery from the stream's tail at subscribe time.
	StartCurrent
	// StartExplicit begins delivery from a caller-supplied position
	// (stream_version for a single-stream subscription, event_number
	// for an all-stream subscription).
	StartExplicit
)

// StartFrom describes where a new subscription's cursor should start.
type StartFrom struct {
	Mode  StartFromMode
	Value int64 // meaningful only when Mode == StartExplicit
}

// Origin is shorthand for StartFrom{Mode: StartOrigin}.
func Origin() StartFrom { return StartFrom{Mode: StartOrigin} }

// Current is shorthand for StartFrom{Mode: StartCurrent}.
func Current() StartFrom { return StartFrom{Mode: StartCurrent} }

// At pins the cursor to an explicit position.
func At(value int64) StartFrom { return StartFrom{Mode: StartExplicit, Value: value} }

// Selector is a predicate over an event. Non-matching events are not
// forwarded to the subscriber, but still advance the durable cursor once
// acked.
type Selector func(event.Event) bool

// Mapper transforms an event into the value actually delivered to the
// subscriber. Internal bookkeeping (cursors, dedup) always uses the
// original event, never the mapped value.
type Mapper func(event.Event) any

// Options configures a new subscription. MaxSize of zero is normalized
// to DefaultMaxSize by NewOptions.
type Options struct {
	StartFrom StartFrom
	Selector  Selector
	Mapper    Mapper
	MaxSize   int
}

// NewOptions returns Options with MaxSize defaulted when unset.
func NewOptions(opts Options) Options {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	return opts
}
