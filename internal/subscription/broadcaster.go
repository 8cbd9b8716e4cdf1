// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package subscription

import (
	"log/slog"
	"sync"

	"github.com/sequentdb/sequentdb/internal/event"
)

// Broadcaster is the in-process pub-sub fabric between the notification
// reader and subscription state machines. Topics are keyed by stream
// identifier: a specific stream_uuid or event.AllStream. Delivery is
// fire-and-forget best-effort — a subscription that cannot keep up
// applies its own back-pressure by buffering internally (§4.7); the
// broadcaster never blocks on a slow subscriber.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string][]chan []event.Event
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string][]chan []event.Event)}
}

// Subscribe returns a channel that receives every batch published on the
// named topic. The caller must eventually call Unsubscribe with the same
// channel to stop receiving and release the slot.
func (b *Broadcaster) Subscribe(topic string) chan []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []event.Event, 16)
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Unsubscribe removes ch from topic and closes it.
func (b *Broadcaster) Unsubscribe(topic string, ch chan []event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, sub := range subs {
		if sub == ch {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish delivers batch to every subscriber of topic. A subscriber whose
// inbound channel is full is skipped for this batch rather than blocking
// the broadcaster; the subscription's own catch-up path is what recovers
// from a gap in live delivery (§4.6).
func (b *Broadcaster) Publish(topic string, batch []event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- batch:
		default:
			slog.Warn("notification batch dropped: subscription inbound buffer full",
				"topic", topic, "batch_size", len(batch))
		}
	}
}

// PublishAppend implements the two-publish rule: group
// batch by stream_uuid, publish each group on its single-stream topic,
// then publish the full batch on the all-stream topic.
func (b *Broadcaster) PublishAppend(batch []event.Event) {
	if len(batch) == 0 {
		return
	}
	grouped := make(map[string][]event.Event, 4)
	order := make([]string, 0, 4)
	for _, e := range batch {
		if _, seen := grouped[e.StreamUUID]; !seen {
			order = append(order, e.StreamUUID)
		}
		grouped[e.StreamUUID] = append(grouped[e.StreamUUID], e)
	}
	for _, uuid := range order {
		b.Publish(uuid, grouped[uuid])
	}
	b.Publish(event.AllStream, batch)
}
