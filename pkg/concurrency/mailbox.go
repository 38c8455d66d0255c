// Package concurrency provides the mailbox and worker-pool primitives the
// runtime is built on. Each live machine owns one bounded mailbox drained by
// a single goroutine; archival and batch flushing run on worker pools.
package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrMailboxFull is returned when a bounded mailbox rejects a message
	// (backpressure).
	ErrMailboxFull = errors.New("mailbox is full")

	// ErrMailboxClosed is returned when operating on a closed mailbox.
	ErrMailboxClosed = errors.New("mailbox is closed")
)

// Mailbox is a bounded FIFO message queue with non-blocking send.
type Mailbox interface {
	// Send enqueues a message. Returns ErrMailboxFull when at capacity.
	Send(msg interface{}) error

	// Receive dequeues the next message, blocking until one is available
	// or the context is cancelled.
	Receive(ctx context.Context) (interface{}, error)

	// TryReceive dequeues without blocking. The bool reports whether a
	// message was available.
	TryReceive() (interface{}, bool, error)

	// Close closes the mailbox. Queued messages remain receivable.
	Close()

	// Capacity returns the mailbox capacity.
	Capacity() int

	// Size returns the number of queued messages.
	Size() int

	// IsClosed reports whether the mailbox has been closed.
	IsClosed() bool
}

// boundedMailbox implements Mailbox using a channel internally. The mutex
// serializes Send against Close: a sender holding the read lock can never
// race the channel close.
type boundedMailbox struct {
	mu       sync.RWMutex
	ch       chan interface{}
	closed   int32 // Atomic flag
	capacity int
}

// NewBoundedMailbox creates a new bounded mailbox
func NewBoundedMailbox(capacity int) Mailbox {
	if capacity < 1 {
		capacity = 1024 // Default per-machine mailbox size
	}

	return &boundedMailbox{
		ch:       make(chan interface{}, capacity),
		capacity: capacity,
	}
}

// Send implements Mailbox interface
func (mb *boundedMailbox) Send(msg interface{}) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if atomic.LoadInt32(&mb.closed) == 1 {
		return ErrMailboxClosed
	}

	// Non-blocking send for backpressure
	select {
	case mb.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive implements Mailbox interface
func (mb *boundedMailbox) Receive(ctx context.Context) (interface{}, error) {
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return nil, ErrMailboxClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceive implements Mailbox interface
func (mb *boundedMailbox) TryReceive() (interface{}, bool, error) {
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return nil, false, ErrMailboxClosed
		}
		return msg, true, nil
	default:
		return nil, false, nil
	}
}

// Close implements Mailbox interface
func (mb *boundedMailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if atomic.CompareAndSwapInt32(&mb.closed, 0, 1) {
		close(mb.ch)
	}
}

// Capacity implements Mailbox interface
func (mb *boundedMailbox) Capacity() int {
	return mb.capacity
}

// Size implements Mailbox interface
func (mb *boundedMailbox) Size() int {
	return len(mb.ch)
}

// IsClosed implements Mailbox interface
func (mb *boundedMailbox) IsClosed() bool {
	return atomic.LoadInt32(&mb.closed) == 1
}
