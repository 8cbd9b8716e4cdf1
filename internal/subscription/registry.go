// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package subscription

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samber/oops"
)

// ErrAlreadyExists is returned when a second local registration races an
// existing live subscription for the same key. Cross-node exclusivity
// is enforced separately by the advisory lock.
var ErrAlreadyExists = oops.Code("SUBSCRIPTION_ALREADY_EXISTS").Errorf("subscription already registered locally")

// entry pairs a running Machine with the cancel function that tears it,
// and its linked subscriber, down.
type entry struct {
	machine *Machine
	cancel  context.CancelFunc
	done    chan struct{}
}

// Registry maps (kind, stream_uuid, name) to the local subscription
// process, enforcing local-process exclusivity and the bidirectional
// subscriber/subscription link: terminating either side terminates the
// other.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
	log     *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{entries: make(map[Key]*entry), log: log}
}

// Start registers and runs a new Machine for key, refusing a second
// concurrent registration for the same key. The returned done channel
// closes when the subscription process exits for any reason (clean
// unsubscribe, subscriber death, or a crash).
func (r *Registry) Start(ctx context.Context, m *Machine) (done <-chan struct{}, err error) {
	r.mu.Lock()
	if _, exists := r.entries[m.key]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	runCtx, cancel := context.WithCancel(ctx)
	e := &entry{machine: m, cancel: cancel, done: make(chan struct{})}
	r.entries[m.key] = e
	r.mu.Unlock()

	go func() {
		defer close(e.done)
		defer cancel()
		defer r.remove(m.key)
		if runErr := m.Run(runCtx); runErr != nil {
			r.log.Warn("subscription process terminated", "stream_uuid", m.key.StreamUUID, "name", m.key.Name, "kind", m.key.Kind.String(), "error", runErr)
		}
	}()

	return e.done, nil
}

// Whereis returns the live Machine for key, if any. Registry does not
// implement internal/cluster's {StartChild, Whereis, MultiSend}
// interface; the name only mirrors its lookup.
func (r *Registry) Whereis(key Key) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.machine, true
}

// Terminate cancels the subscription process for key, if running — the
// supervisor side of the bidirectional link: a dead subscriber calls
// this to tear down its subscription.
func (r *Registry) Terminate(key Key) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// Keys returns every currently registered subscription key, for
// introspection (internal/admin).
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

func (r *Registry) remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}
