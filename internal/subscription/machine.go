// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package subscription

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/sequentdb/sequentdb/internal/event"
	"github.com/sequentdb/sequentdb/internal/logging"
)

type msgKind uint8

const (
	msgCaughtUp msgKind = iota
	msgAck
	msgSubscriberDown
	msgUnsubscribe
)

type message struct {
	kind  msgKind
	batch []event.Event
	ack   Ack
	err   error
	reply chan error
}

// lockPollInterval is how often Machine retries advisory lock acquisition
// while in StateInitial.
const lockPollInterval = 200 * time.Millisecond

// lockReleaseTimeout bounds releaseLock's detached release call, run after
// Run's ctx is already cancelled.
const lockReleaseTimeout = 5 * time.Second

// lowWaterFraction is the fraction of MaxSize the buffer must drain below
// before MaxCapacity yields back to Subscribed.
const lowWaterFraction = 0.5

// watermark is the (event_number, stream_version) high point a forwarded
// (or logically-skipped) batch represents.
type watermark struct {
	eventNumber   int64
	streamVersion int64
}

// queuedBatch is an entry in the pending buffer: items already filtered
// and mapped, paired with the original (unmapped) events so acks and
// dedup can resolve against real identifiers, and the watermark the
// batch advances the cursor to once it clears.
type queuedBatch struct {
	send   []any
	source []event.Event
	mark   watermark
}

// Machine is the per-subscription state machine: it
// owns the durable cursor handshake, the pending buffer, ack-driven flow
// control, and the transient catch-up worker.
type Machine struct {
	key  Key
	subID int64
	opts Options

	store       Store
	lock        Lock
	reader      Reader
	broadcaster *Broadcaster

	out chan any
	in  chan message

	log *slog.Logger

	status atomic.Pointer[Snapshot]
}

// Snapshot is a point-in-time, concurrency-safe view of a Machine's
// progress, for introspection (internal/admin) without reaching into
// the Run loop's private state.
type Snapshot struct {
	Key                   Key
	State                 State
	LastSeenEventNumber   int64
	LastSeenStreamVersion int64
	LastAckEventNumber    int64
	LastAckStreamVersion  int64
	BufferedEvents        int
}

// Lag reports the event_number distance between the highest event
// received into the pending buffer (forwarded, queued, or logically
// skipped) and the last acknowledged position.
func (s Snapshot) Lag() int64 { return s.LastSeenEventNumber - s.LastAckEventNumber }

// Snapshot returns the Machine's current progress. Safe to call from any
// goroutine; returns the zero value (StateInitial) before Run has made
// its first transition.
func (m *Machine) Snapshot() Snapshot {
	if p := m.status.Load(); p != nil {
		return *p
	}
	return Snapshot{Key: m.key}
}

// NewMachine constructs a Machine for a durable subscription row that
// has already been looked-up-or-created (subID identifies it for the
// advisory lock).
func NewMachine(key Key, subID int64, opts Options, store Store, lock Lock, reader Reader, broadcaster *Broadcaster, log *slog.Logger) *Machine {
	return &Machine{
		key:         key,
		subID:       subID,
		opts:        NewOptions(opts),
		store:       store,
		lock:        lock,
		reader:      reader,
		broadcaster: broadcaster,
		out:         make(chan any, 1),
		in:          make(chan message, 64),
		log:         log,
	}
}

// Out is the channel the subscriber reads SubscribedMsg and EventsMsg
// from.
func (m *Machine) Out() <-chan any { return m.out }

// Handle returns the externally visible reference carried in
// SubscribedMsg. Acks and unsubscribes go through Machine.Ack and
// Machine.Unsubscribe.
func (m *Machine) Handle() *Handle { return &Handle{Key: m.key, in: m.in} }

// Ack resolves and applies an acknowledgement.
func (m *Machine) Ack(ctx context.Context, ack Ack) error {
	reply := make(chan error, 1)
	select {
	case m.in <- message{kind: msgAck, ack: ack, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe tears the subscription down: deletes the durable row and
// terminates the process.
func (m *Machine) Unsubscribe(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case m.in <- message{kind: msgUnsubscribe, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscriberDown notifies the machine that its linked subscriber has
// terminated (registry bidirectional link).
func (m *Machine) SubscriberDown() {
	select {
	case m.in <- message{kind: msgSubscriberDown}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled or the
// subscription unsubscribes. It returns a non-nil error when the durable
// row lookup, lock acquisition, catch-up read or unsubscribe fails; a
// failed cursor write on ack is returned to the Ack caller and Run keeps
// going. Registry.Start logs a returned error and drops the entry; nothing
// restarts the process, and the durable cursor keeps its last persisted
// position.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.out)

	ctx = logging.ContextWithSubscriptionKey(ctx, m.key.String())

	state := StateInitial
	durable, err := m.acquireOrWait(ctx)
	if err != nil {
		return err
	}
	defer m.releaseLock()
	state = StateCatchingUp

	lastReceived := durable.LastSeenEventNumber
	lastSeen := watermark{durable.LastSeenEventNumber, durable.LastSeenStreamVersion}
	lastAck := lastSeen

	select {
	case m.out <- SubscribedMsg{Handle: m.Handle()}:
	case <-ctx.Done():
		return ctx.Err()
	}

	var pending []queuedBatch
	bufferedCount := 0
	var inFlight *watermark
	var inFlightSource []event.Event

	topic := m.key.StreamUUID
	if m.key.Kind == KindAll {
		topic = event.AllStream
	}
	liveCh := m.broadcaster.Subscribe(topic)
	defer m.broadcaster.Unsubscribe(topic, liveCh)

	catchUpDone := make(chan error, 1)
	catchUpCtx, cancelCatchUp := context.WithCancel(ctx)
	defer cancelCatchUp()
	startCatchUpWorker(catchUpCtx, catchUpWorker{
		reader:     m.reader,
		kind:       m.key.Kind,
		streamUUID: m.key.StreamUUID,
		out:        m.in,
		done:       catchUpDone,
	}, lastSeen.eventNumber, lastSeen.streamVersion)

	publish := func() {
		m.status.Store(&Snapshot{
			Key:                   m.key,
			State:                 state,
			LastSeenEventNumber:   lastSeen.eventNumber,
			LastSeenStreamVersion: lastSeen.streamVersion,
			LastAckEventNumber:    lastAck.eventNumber,
			LastAckStreamVersion:  lastAck.streamVersion,
			BufferedEvents:        bufferedCount,
		})
	}
	publish()

	forward := func() {
		for inFlight == nil && len(pending) > 0 {
			next := pending[0]
			pending = pending[1:]
			bufferedCount -= len(next.send)
			if len(next.send) == 0 {
				// Nothing to deliver; this batch was entirely filtered
				// by the selector. There is no subscriber ack to wait
				// for, so its watermark clears immediately.
				lastAck = next.mark
				if err := m.store.Ack(ctx, m.key.StreamUUID, m.key.Name, lastAck.eventNumber, lastAck.streamVersion); err != nil {
					m.log.WarnContext(ctx, "failed to persist cursor past filtered batch", "error", err)
				}
				continue
			}
			wm := next.mark
			select {
			case m.out <- EventsMsg{Items: next.send}:
				inFlight = &wm
				inFlightSource = next.source
			case <-ctx.Done():
				return
			}
		}
		if bufferedCount >= m.opts.MaxSize {
			state = StateMaxCapacity
		} else if state == StateMaxCapacity && bufferedCount < int(float64(m.opts.MaxSize)*lowWaterFraction) {
			state = StateSubscribed
		}
		publish()
	}

	enqueue := func(batch []event.Event) {
		deduped := make([]event.Event, 0, len(batch))
		for _, e := range batch {
			if e.Number <= lastReceived {
				continue
			}
			if m.key.Kind == KindStream && e.StreamUUID != m.key.StreamUUID {
				continue
			}
			deduped = append(deduped, e)
		}
		if len(deduped) == 0 {
			return
		}
		last := deduped[len(deduped)-1]
		lastReceived = last.Number
		lastSeen = watermark{last.Number, last.StreamVersion}

		selected := deduped
		if m.opts.Selector != nil {
			selected = selected[:0]
			for _, e := range deduped {
				if m.opts.Selector(e) {
					selected = append(selected, e)
				}
			}
		}

		send := make([]any, 0, len(selected))
		for _, e := range selected {
			if m.opts.Mapper != nil {
				send = append(send, m.opts.Mapper(e))
			} else {
				send = append(send, e)
			}
		}

		pending = append(pending, queuedBatch{send: send, source: selected, mark: lastSeen})
		bufferedCount += len(send)
		forward()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-liveCh:
			enqueue(batch)
		case cuErr := <-catchUpDone:
			catchUpDone = nil
			if cuErr != nil && cuErr != context.Canceled {
				return oops.Code("CATCH_UP_FAILED").Wrap(cuErr)
			}
			if state == StateCatchingUp {
				state = StateSubscribed
			}
			publish()
		case msg := <-m.in:
			switch msg.kind {
			case msgCaughtUp:
				enqueue(msg.batch)
			case msgAck:
				eventNumber, streamVersion, ok := msg.ack.resolve(m.key.Kind, inFlightSource)
				if ok && inFlight != nil && eventNumber >= inFlight.eventNumber {
					lastAck = watermark{eventNumber, streamVersion}
					inFlight = nil
					inFlightSource = nil
					if err := m.store.Ack(ctx, m.key.StreamUUID, m.key.Name, lastAck.eventNumber, lastAck.streamVersion); err != nil {
						msg.reply <- oops.Code("ACK_PERSIST_FAILED").Wrap(err)
						continue
					}
					forward()
				}
				msg.reply <- nil
			case msgSubscriberDown:
				return nil
			case msgUnsubscribe:
				err := m.store.Unsubscribe(ctx, m.key.StreamUUID, m.key.Name)
				state = StateUnsubscribed
				publish()
				msg.reply <- err
				return err
			}
		}
	}
}

// releaseLock gives up the advisory lock acquired in acquireOrWait. It runs
// at teardown, after Run's ctx is already cancelled, so it takes its own
// short-lived detached context rather than inheriting the dead one —
// otherwise the session-pinned connection, and the lock itself, would
// leak and a restarted Machine for the same subID would spin forever in
// StateInitial waiting on a lock nothing will ever release.
func (m *Machine) releaseLock() {
	releaseCtx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
	defer cancel()
	releaseCtx = logging.ContextWithSubscriptionKey(releaseCtx, m.key.String())
	if err := m.lock.Release(releaseCtx, m.subID); err != nil {
		m.log.WarnContext(releaseCtx, "failed to release advisory lock", "subscription_id", m.subID, "error", err)
	}
}

// acquireOrWait polls the advisory lock until it is acquired or ctx is
// cancelled, looking up/creating the durable row first. While unacquired
// the machine stays in StateInitial and emits no
// :subscribed message.
func (m *Machine) acquireOrWait(ctx context.Context) (Durable, error) {
	var startEventNumber, startStreamVersion int64
	switch m.opts.StartFrom.Mode {
	case StartExplicit:
		if m.key.Kind == KindAll {
			startEventNumber = m.opts.StartFrom.Value
		} else {
			startStreamVersion = m.opts.StartFrom.Value
		}
	case StartCurrent:
		// Resolved by the caller before NewOptions reaches here in the
		// common case; StartOrigin (zero values) is the fallback.
	}

	durable, err := m.store.Subscribe(ctx, m.key.StreamUUID, m.key.Name, startEventNumber, startStreamVersion)
	if err != nil {
		return Durable{}, oops.Code("SUBSCRIBE_FAILED").
			With("stream_uuid", m.key.StreamUUID).
			With("name", m.key.Name).
			Wrap(err)
	}

	backoff, err := retry.NewConstant(lockPollInterval)
	if err != nil {
		return Durable{}, oops.Code("LOCK_BACKOFF_INVALID").Wrap(err)
	}
	var acquired bool
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := m.lock.TryAcquire(ctx, m.subID)
		if err != nil {
			return oops.Code("LOCK_ACQUIRE_FAILED").With("subscription_id", m.subID).Wrap(err)
		}
		if !ok {
			return retry.RetryableError(oops.Code("LOCK_ALREADY_TAKEN").With("subscription_id", m.subID).Errorf("advisory lock held by another holder"))
		}
		acquired = true
		return nil
	})
	if err != nil {
		return Durable{}, err
	}
	if !acquired {
		return Durable{}, oops.Code("LOCK_ALREADY_TAKEN").Errorf("advisory lock not acquired")
	}
	return durable, nil
}
