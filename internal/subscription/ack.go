// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package subscription

import "github.com/sequentdb/sequentdb/internal/event"

// Ack is whatever the subscriber passes to Machine.Ack: a batch of
// previously forwarded events, a single event, or a bare integer
// (event_number for an all-stream subscription, stream_version for a
// single-stream one). resolve turns any of these into the
// (event_number, stream_version) high-water mark.
type Ack struct {
	events  []event.Event
	single  *event.Event
	integer *int64
}

// AckEvents builds an Ack from a list of previously forwarded events,
// taking the maximum event_number and stream_version.
func AckEvents(events []event.Event) Ack { return Ack{events: events} }

// AckEvent builds an Ack from a single previously forwarded event.
func AckEvent(e event.Event) Ack { return Ack{single: &e} }

// AckInteger builds an Ack from a bare integer.
func AckInteger(n int64) Ack { return Ack{integer: &n} }

// resolve computes the (event_number, stream_version) watermark this ack
// represents. kind disambiguates the bare-integer form: for an all-stream
// subscription a bare integer is an event_number, for a single-stream
// subscription it is a stream_version. forwarded is the set of events
// the subscription has sent downstream and not yet had acked; the bare
// integer form is resolved against it since only event_number/
// stream_version pairs actually seen identify a unique watermark.
func (a Ack) resolve(kind Kind, forwarded []event.Event) (eventNumber, streamVersion int64, ok bool) {
	switch {
	case len(a.events) > 0:
		for _, e := range a.events {
			if e.Number > eventNumber {
				eventNumber = e.Number
			}
			if e.StreamVersion > streamVersion {
				streamVersion = e.StreamVersion
			}
		}
		return eventNumber, streamVersion, true
	case a.single != nil:
		return a.single.Number, a.single.StreamVersion, true
	case a.integer != nil:
		for _, e := range forwarded {
			matches := e.Number == *a.integer
			if kind != KindAll {
				matches = e.StreamVersion == *a.integer
			}
			if matches && e.Number > eventNumber {
				eventNumber, streamVersion = e.Number, e.StreamVersion
			}
		}
		return eventNumber, streamVersion, eventNumber > 0 || streamVersion > 0
	default:
		return 0, 0, false
	}
}
