// Package bus fans provider, tracking, sync and history events out to
// subscribers.
//
// Publish is non-blocking and lossless: events are appended to an unbounded
// FIFO drained by a single dispatcher goroutine, so a slow subscriber delays
// later events but never the publisher. Handlers of one kind run in
// subscription order. A Subscription may be cancelled at any time, including
// from inside a handler; a handler cancelled earlier in the same dispatch is
// not invoked.
package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/locsync/internal/events"
)

// ErrClosed is returned by Sync after Close.
var ErrClosed = errors.New("bus closed")

// Handler receives events of the kind it subscribed to.
type Handler func(Event)

// Bus is an in-process event dispatcher.
type Bus struct {
	logger *events.Logger

	mu       sync.Mutex
	handlers map[Kind][]*Subscription
	queue    []Event
	closed   bool

	wake chan struct{}
	done chan struct{}
}

// New creates a bus and starts its dispatcher.
func New(logger *events.Logger) *Bus {
	b := &Bus{
		logger:   logger.WithField("component", "event_bus"),
		handlers: make(map[Kind][]*Subscription),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers handler for kind.
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	sub := &Subscription{bus: b, kind: kind, handler: handler}

	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], sub)
	b.mu.Unlock()

	return sub
}

// SubscribeAll registers the same handler for several kinds.
func (b *Bus) SubscribeAll(kinds []Kind, handler Handler) Subscriptions {
	subs := make(Subscriptions, 0, len(kinds))
	for _, kind := range kinds {
		subs = append(subs, b.Subscribe(kind, handler))
	}
	return subs
}

// Publish queues an event for delivery. It never blocks.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.WithField("kind", string(event.Kind)).Warn("Publish after close, event discarded")
		return
	}
	b.queue = append(b.queue, event)
	b.mu.Unlock()

	b.signal()
}

// Sync blocks until every event published before the call has been
// dispatched.
func (b *Bus) Sync(ctx context.Context) error {
	barrier := make(chan struct{})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.queue = append(b.queue, Event{barrier: barrier})
	b.mu.Unlock()
	b.signal()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains the queue and stops the dispatcher.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.signal()
	<-b.done
}

// SubscriberCount returns the number of live handlers for kind.
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[kind])
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			<-b.wake
			continue
		}

		event := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]

		// Snapshot so handlers may subscribe or cancel while we iterate.
		subs := append([]*Subscription(nil), b.handlers[event.Kind]...)
		b.mu.Unlock()

		if event.barrier != nil {
			close(event.barrier)
			continue
		}

		for _, sub := range subs {
			if sub.cancelled.Load() {
				continue
			}
			b.invoke(sub, event)
		}
	}
}

func (b *Bus) invoke(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(map[string]interface{}{
				"kind":  string(event.Kind),
				"panic": fmt.Sprint(r),
			}).Error("Event handler panicked")
		}
	}()
	sub.handler(event)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[sub.kind]
	for i, s := range subs {
		if s == sub {
			b.handlers[sub.kind] = slices.Delete(subs, i, i+1)
			break
		}
	}
	if len(b.handlers[sub.kind]) == 0 {
		delete(b.handlers, sub.kind)
	}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	bus       *Bus
	kind      Kind
	handler   Handler
	cancelled atomic.Bool
}

// Cancel removes the handler. Safe to call repeatedly and from inside any
// handler.
func (s *Subscription) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.bus.remove(s)
}

// Kind returns the subscribed kind.
func (s *Subscription) Kind() Kind {
	return s.kind
}

// Subscriptions groups handles created together.
type Subscriptions []*Subscription

// Cancel cancels every subscription in the group.
func (s Subscriptions) Cancel() {
	for _, sub := range s {
		sub.Cancel()
	}
}
