package session

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"chatlink/internal/domain"
)

type deliveryKind int

const (
	deliverEvent deliveryKind = iota
	deliverQueueEmpty
)

// delivery is one queued item for the listener: a server push or the
// queue-empty barrier.
type delivery struct {
	kind  deliveryKind
	event domain.IncomingEvent
}

// dispatcher serializes delivery of server pushes to the session's single
// listener. One goroutine drains an unbounded FIFO, so a slow listener backs
// up only this queue and never the inbound read loop, and no two callbacks
// for the same session ever overlap.
//
// The listener slot is an owned reference with swap-and-release semantics:
// SetListener waits for any in-flight callback to return, releases the old
// listener exactly once, then installs the new one. There is no window in
// which two listeners can both receive events.
type dispatcher struct {
	logger *slog.Logger

	// cbMu is held for the duration of each callback and by SetListener,
	// giving the swap its happens-after-running-callback guarantee.
	// Do not call SetListener from inside a callback.
	cbMu     sync.Mutex
	listener domain.Listener

	// hasListener mirrors listener != nil for the enqueue path, which must
	// never wait on cbMu (a running callback holds it). Whether an event is
	// dropped is decided at arrival time: a push arriving with no listener
	// registered never reaches a listener installed later.
	hasListener atomic.Bool

	qMu    sync.Mutex
	queue  []delivery
	wake   chan struct{}
	stop   chan struct{}
	closed sync.Once
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go d.run()
	return d
}

// SetListener atomically replaces the active listener. Passing nil clears
// dispatch entirely; events arriving afterwards are dropped.
// The previous listener, if any, observes Release exactly once, at the
// moment of replacement rather than at some later collection cycle.
func (d *dispatcher) SetListener(l domain.Listener) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	old := d.listener
	d.listener = l
	d.hasListener.Store(l != nil)
	if old != nil && old != l {
		old.Release()
	}
}

// Deliver enqueues a server push. Never blocks.
func (d *dispatcher) Deliver(event domain.IncomingEvent) {
	d.enqueue(delivery{kind: deliverEvent, event: event})
}

// DeliverQueueEmpty enqueues the queue-empty barrier. Because the FIFO is
// strictly ordered, the barrier reaches the listener only after every event
// enqueued before it.
func (d *dispatcher) DeliverQueueEmpty() {
	d.enqueue(delivery{kind: deliverQueueEmpty})
}

// Close releases the current listener and stops the delivery goroutine.
// Idempotent; queued but undelivered items are discarded.
func (d *dispatcher) Close() {
	d.closed.Do(func() {
		d.SetListener(nil)
		close(d.stop)
	})
}

func (d *dispatcher) enqueue(item delivery) {
	select {
	case <-d.stop:
		return
	default:
	}

	if !d.hasListener.Load() {
		d.logger.Debug("dropping push with no listener registered")
		return
	}

	d.qMu.Lock()
	d.queue = append(d.queue, item)
	d.qMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.wake:
		}

		for {
			d.qMu.Lock()
			if len(d.queue) == 0 {
				d.qMu.Unlock()
				break
			}
			item := d.queue[0]
			d.queue = d.queue[1:]
			d.qMu.Unlock()

			d.dispatch(item)
		}
	}
}

func (d *dispatcher) dispatch(item delivery) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	l := d.listener
	if l == nil {
		// Listener cleared after this item was accepted.
		d.logger.Debug("dropping push, listener cleared before delivery")
		return
	}

	// A panicking listener must not take down the read path.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("listener callback panicked", "panic", r)
		}
	}()

	switch item.kind {
	case deliverEvent:
		l.OnIncomingMessage(item.event)
	case deliverQueueEmpty:
		l.OnQueueEmpty()
	}
}
