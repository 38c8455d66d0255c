// Package observer fans runtime notifications out to subscribers: the
// websocket monitor, the NATS bridge, metrics, or anything registered at
// runtime. Delivery is asynchronous and lossy; a slow subscriber drops
// notifications rather than stalling machine drain loops.
package observer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pialmmh/statemachine/pkg/core"
)

// NotificationType classifies what happened.
type NotificationType string

const (
	NotifyStateChange       NotificationType = "STATE_CHANGE"
	NotifyStayAction        NotificationType = "STAY_ACTION"
	NotifyTimeout           NotificationType = "TIMEOUT"
	NotifyMachineCreated    NotificationType = "MACHINE_CREATED"
	NotifyCreationFailed    NotificationType = "MACHINE_CREATION_FAILED"
	NotifyMachineEvicted    NotificationType = "MACHINE_EVICTED"
	NotifyMachineRehydrated NotificationType = "MACHINE_REHYDRATED"
	NotifyMachineFinished   NotificationType = "MACHINE_FINISHED"
	NotifyDegraded          NotificationType = "MACHINE_DEGRADED"
	NotifyEventIgnored      NotificationType = "EVENT_IGNORED"
)

// Notification is one observed runtime occurrence.
type Notification struct {
	Type        NotificationType       `json:"type"`
	RegistryID  string                 `json:"registryId"`
	MachineID   string                 `json:"machineId"`
	StateBefore string                 `json:"stateBefore,omitempty"`
	StateAfter  string                 `json:"stateAfter,omitempty"`
	EventType   string                 `json:"eventType,omitempty"`
	Version     uint64                 `json:"version"`
	Timestamp   int64                  `json:"timestamp"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Subscription is a registered subscriber's receive side.
type Subscription struct {
	id int
	ch chan Notification
	b  *Bus
}

// C returns the notification channel.
func (s *Subscription) C() <-chan Notification { return s.ch }

// Unsubscribe detaches and closes the channel.
func (s *Subscription) Unsubscribe() { s.b.unsubscribe(s.id) }

// Bus is the notification fanout.
type Bus struct {
	logger  core.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus(logger core.Logger) *Bus {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Bus{logger: logger, subs: make(map[int]*Subscription)}
}

// Subscribe registers a subscriber with the given channel capacity.
func (b *Bus) Subscribe(capacity int) *Subscription {
	if capacity <= 0 {
		capacity = 256
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, ch: make(chan Notification, capacity), b: b}
	if !b.closed {
		b.subs[s.id] = s
	} else {
		close(s.ch)
	}
	return s
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Publish delivers a notification to every subscriber without blocking.
// Full subscriber channels drop the notification.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many notifications were discarded on full channels.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
