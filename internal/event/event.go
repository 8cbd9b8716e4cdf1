// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

// Package event defines the immutable event record and the identifiers
// that give it a position in a stream and in the store-wide total order.
package event

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// AllStream is the reserved synthetic stream representing the total
// order of every event committed to the store.
const AllStream = "$all"

// Event is an immutable record appended to a stream. Once written, none
// of its fields ever change; (StreamUUID, StreamVersion) and Number are
// each unique and dense within their scope.
type Event struct {
	ID            ulid.ULID
	Number        int64 // event_number: store-wide, monotonic, dense
	StreamUUID    string
	StreamVersion int64 // 1-based, dense within StreamUUID
	EventType     string
	CorrelationID string
	CausationID   string
	Data          []byte
	Metadata      []byte
	CreatedAt     time.Time
}

// IsAllStream reports whether uuid names the synthetic all-stream view.
func IsAllStream(uuid string) bool {
	return uuid == AllStream
}
