package msh

import (
	"context"
	"sync/atomic"
)

// Queue is a bounded in-process queue between pipeline stages.
type Queue[T any] struct {
	name    string
	ch      chan T
	dropped atomic.Int64
}

// NewQueue creates a queue holding at most size items.
func NewQueue[T any](name string, size int) *Queue[T] {
	return &Queue[T]{name: name, ch: make(chan T, size)}
}

// Name returns the queue name used in logs.
func (q *Queue[T]) Name() string {
	return q.name
}

// Publish enqueues v, waiting for room until ctx is done.
func (q *Queue[T]) Publish(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish enqueues v if there is room and reports whether it did.
// Dropped items are counted.
func (q *Queue[T]) TryPublish(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// C returns the receive side of the queue.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Dropped returns how many items TryPublish discarded.
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}

// Bus holds the internal queues of the message service handler.
type Bus struct {
	InboundRaw       *Queue[RawMessage]
	InboundPayload   *Queue[PayloadAvailable]
	InboundSignal    *Queue[SignalReceived]
	OutboundDelivery *Queue[Delivery]
	OutboundReceipt  *Queue[Delivery]
	OutboundError    *Queue[Failure]
	SecurityError    *Queue[Failure]
	Events           *Queue[Event]
}

// NewBus creates every queue with the same capacity.
func NewBus(size int) *Bus {
	return &Bus{
		InboundRaw:       NewQueue[RawMessage]("inbound-raw", size),
		InboundPayload:   NewQueue[PayloadAvailable]("inbound-payload", size),
		InboundSignal:    NewQueue[SignalReceived]("inbound-signal", size),
		OutboundDelivery: NewQueue[Delivery]("outbound-delivery", size),
		OutboundReceipt:  NewQueue[Delivery]("outbound-receipt", size),
		OutboundError:    NewQueue[Failure]("outbound-error", size),
		SecurityError:    NewQueue[Failure]("security-error", size),
		Events:           NewQueue[Event]("event-notification", size),
	}
}
