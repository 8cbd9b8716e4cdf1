// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

// Package cluster defines the cluster-singleton registration interface
// the notification Listener and its Reader/Broadcaster need: exactly
// one running instance per cluster, not per
// node. It ships one concrete implementation, LocalRegistry, suited to
// a single-node deployment.
package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/oops"
)

// ChildFunc is a supervised singleton process: it runs until ctx is
// cancelled or it fails.
type ChildFunc func(ctx context.Context) error

// Registry is the pluggable registration layer for cluster singletons:
// {start_child, whereis, multi_send}. A distributed implementation
// (globally-named process via consensus or leader election) is left
// unimplemented — see DESIGN.md for why no library in this pack fits
// that role; LocalRegistry is the only concrete registration backend.
type Registry interface {
	// StartChild starts fn under name, refusing a second start while
	// one is already running.
	StartChild(ctx context.Context, name string, fn ChildFunc) error
	// Whereis reports whether a child is currently running under name.
	Whereis(name string) bool
	// MultiSend delivers msg to the inbox registered under name, if
	// one is registered; otherwise it does nothing.
	MultiSend(name string, msg any)
}

// Inbox is a registered receiver for MultiSend.
type Inbox interface {
	Deliver(msg any)
}

// LocalRegistry is an in-process, single-node Registry: suitable for
// `cmd/sequentd serve` running as a single instance. Multi-node
// deployments would need a DistributedRegistry backed by a consensus or
// leader-election library; none of the example repos this project is
// grounded on wire one for pub-sub fan-out (see DESIGN.md).
type LocalRegistry struct {
	mu      sync.Mutex
	running map[string]context.CancelFunc
	inboxes map[string]Inbox
}

// NewLocalRegistry creates an empty LocalRegistry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{
		running: make(map[string]context.CancelFunc),
		inboxes: make(map[string]Inbox),
	}
}

// StartChild implements Registry.
func (r *LocalRegistry) StartChild(ctx context.Context, name string, fn ChildFunc) error {
	r.mu.Lock()
	if _, ok := r.running[name]; ok {
		r.mu.Unlock()
		return oops.Code("CLUSTER_CHILD_ALREADY_RUNNING").With("name", name).Errorf("singleton %q already running", name)
	}
	childCtx, cancel := context.WithCancel(ctx)
	r.running[name] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.running, name)
			delete(r.inboxes, name)
			r.mu.Unlock()
		}()
		_ = fn(childCtx)
	}()
	return nil
}

// Whereis implements Registry.
func (r *LocalRegistry) Whereis(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[name]
	return ok
}

// Register associates an Inbox with name so MultiSend can reach it. Call
// from within the child started by StartChild.
func (r *LocalRegistry) Register(name string, inbox Inbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inboxes[name] = inbox
}

// MultiSend implements Registry.
func (r *LocalRegistry) MultiSend(name string, msg any) {
	r.mu.Lock()
	inbox, ok := r.inboxes[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	inbox.Deliver(msg)
}

// String implements fmt.Stringer for diagnostic logging.
func (r *LocalRegistry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("LocalRegistry(%d running)", len(r.running))
}
