// Package timeout runs the shared timeout wheel for all registries. One
// dispatch goroutine sleeps until the earliest deadline and hands expired
// entries to a sink callback, which posts the timeout back through the
// ordinary event path. The scheduler never touches machines directly.
package timeout

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pialmmh/statemachine/pkg/core"
)

// Sink receives expired timeouts. The callback runs on the dispatch
// goroutine and must not block.
type Sink func(machineID, sourceState, targetState string, version uint64)

// Handle identifies one scheduled timeout for cancellation.
type Handle struct {
	machineID   string
	sourceState string
	targetState string
	version     uint64
	deadline    time.Time

	index     int // heap position, -1 once popped
	cancelled bool
}

// MachineID returns the machine the timeout is armed for.
func (h *Handle) MachineID() string { return h.machineID }

// Deadline returns when the timeout fires.
func (h *Handle) Deadline() time.Time { return h.deadline }

type timeoutHeap []*Handle

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timeoutHeap) Push(x interface{}) { e := x.(*Handle); e.index = len(*h); *h = append(*h, e) }
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is the process-wide timeout dispatcher.
type Scheduler struct {
	sink   Sink
	logger core.Logger

	mu      sync.Mutex
	entries timeoutHeap
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// NewScheduler starts the dispatch goroutine.
func NewScheduler(sink Sink, logger core.Logger) *Scheduler {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	s := &Scheduler{
		sink:   sink,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Schedule arms a timeout. The version pins the arming transition so a stale
// fire can be discarded at delivery.
func (s *Scheduler) Schedule(machineID, sourceState, targetState string, version uint64, d time.Duration) *Handle {
	h := &Handle{
		machineID:   machineID,
		sourceState: sourceState,
		targetState: targetState,
		version:     version,
		deadline:    time.Now().Add(d),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		h.cancelled = true
		return h
	}
	heap.Push(&s.entries, h)
	s.mu.Unlock()

	s.kick()
	return h
}

// Cancel disarms a timeout. Safe to call more than once and after the
// timeout fired; cancellation of a fired handle is a no-op.
func (s *Scheduler) Cancel(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	h.cancelled = true
	if h.index >= 0 {
		heap.Remove(&s.entries, h.index)
	}
	s.mu.Unlock()
	s.kick()
}

// Pending returns the number of armed timeouts.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every pending timeout and ends dispatch.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, h := range s.entries {
		h.cancelled = true
		h.index = -1
	}
	s.entries = nil
	s.mu.Unlock()

	close(s.done)
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var next time.Time
		if len(s.entries) > 0 {
			next = s.entries[0].deadline
		}
		s.mu.Unlock()

		if next.IsZero() {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(next))

		select {
		case <-timer.C:
			s.fireExpired()
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) fireExpired() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.entries) == 0 || s.entries[0].deadline.After(now) {
			s.mu.Unlock()
			return
		}
		h := heap.Pop(&s.entries).(*Handle)
		cancelled := h.cancelled
		s.mu.Unlock()

		if cancelled {
			continue
		}
		s.sink(h.machineID, h.sourceState, h.targetState, h.version)
	}
}
