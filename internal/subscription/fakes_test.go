// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package subscription_test

import (
	"context"
	"sort"
	"sync"

	"github.com/sequentdb/sequentdb/internal/event"
	"github.com/sequentdb/sequentdb/internal/subscription"
)

// fakeStore is an in-memory subscription.Store used across the package's
// tests in place of internal/store's pgx-backed implementation.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[string]*subscription.Durable
	acks     []ackCall
	unsubbed map[string]bool
}

type ackCall struct {
	streamUUID    string
	name          string
	eventNumber   int64
	streamVersion int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*subscription.Durable), unsubbed: make(map[string]bool)}
}

func (s *fakeStore) key(streamUUID, name string) string { return streamUUID + "/" + name }

func (s *fakeStore) Subscribe(_ context.Context, streamUUID, name string, startEventNumber, startStreamVersion int64) (subscription.Durable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(streamUUID, name)
	if row, ok := s.rows[k]; ok {
		return *row, nil
	}
	s.nextID++
	row := &subscription.Durable{
		ID:                    s.nextID,
		StreamUUID:            streamUUID,
		Name:                  name,
		LastSeenEventNumber:   startEventNumber,
		LastSeenStreamVersion: startStreamVersion,
	}
	s.rows[k] = row
	return *row, nil
}

func (s *fakeStore) Ack(_ context.Context, streamUUID, name string, eventNumber, streamVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(streamUUID, name)
	row, ok := s.rows[k]
	if !ok {
		return nil
	}
	row.LastSeenEventNumber = eventNumber
	row.LastSeenStreamVersion = streamVersion
	s.acks = append(s.acks, ackCall{streamUUID, name, eventNumber, streamVersion})
	return nil
}

func (s *fakeStore) Unsubscribe(_ context.Context, streamUUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, s.key(streamUUID, name))
	s.unsubbed[s.key(streamUUID, name)] = true
	return nil
}

// fakeLock is an in-memory subscription.Lock. takeExternally pins a subscription id
// as already taken by another (external) holder, modeling scenario 5.
type fakeLock struct {
	mu   sync.Mutex
	held map[int64]bool
}

func newFakeLock() *fakeLock { return &fakeLock{held: make(map[int64]bool)} }

func (l *fakeLock) TryAcquire(_ context.Context, subscriptionID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[subscriptionID] {
		return false, nil
	}
	l.held[subscriptionID] = true
	return true, nil
}

func (l *fakeLock) Release(_ context.Context, subscriptionID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, subscriptionID)
	return nil
}

func (l *fakeLock) takeExternally(subscriptionID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[subscriptionID] = true
}

func (l *fakeLock) release(subscriptionID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, subscriptionID)
}

// fakeReader is an in-memory subscription.Reader over a fixed event log.
type fakeReader struct {
	mu          sync.Mutex
	all         []event.Event
	notFoundFor map[string]bool
}

func newFakeReader(events ...event.Event) *fakeReader {
	r := &fakeReader{all: append([]event.Event{}, events...), notFoundFor: make(map[string]bool)}
	sort.Slice(r.all, func(i, j int) bool { return r.all[i].Number < r.all[j].Number })
	return r
}

func (r *fakeReader) append(events ...event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, events...)
}

// returnsNotFoundFor makes Read report subscription.ErrStreamNotFound for
// streamUUID until events are appended to it, modeling a stream that has
// never been written to.
func (r *fakeReader) returnsNotFoundFor(streamUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notFoundFor[streamUUID] = true
}

func (r *fakeReader) Read(_ context.Context, streamUUID string, fromVersion int64, max int) ([]event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.all {
		if e.StreamUUID == streamUUID && e.StreamVersion >= fromVersion {
			out = append(out, e)
			if len(out) == max {
				break
			}
		}
	}
	if len(out) == 0 && r.notFoundFor[streamUUID] {
		return nil, subscription.ErrStreamNotFound
	}
	return out, nil
}

func (r *fakeReader) ReadAll(_ context.Context, fromEventNumber int64, max int) ([]event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.all {
		if e.Number >= fromEventNumber {
			out = append(out, e)
			if len(out) == max {
				break
			}
		}
	}
	return out, nil
}
