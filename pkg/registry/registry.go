package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pialmmh/statemachine/pkg/archival"
	"github.com/pialmmh/statemachine/pkg/batchlog"
	"github.com/pialmmh/statemachine/pkg/core"
	"github.com/pialmmh/statemachine/pkg/entitygraph"
	"github.com/pialmmh/statemachine/pkg/observer"
	"github.com/pialmmh/statemachine/pkg/playback"
	"github.com/pialmmh/statemachine/pkg/statemachine"
)

// SendStatus is the admission outcome of SendEvent.
type SendStatus int

const (
	// SendAccepted means the event was queued on the machine's mailbox.
	SendAccepted SendStatus = iota

	// SendOverloaded means the mailbox was full; the caller backs off.
	SendOverloaded

	// SendRejected means the event cannot be delivered (unknown machine,
	// degraded machine, stopped registry). Reason explains why.
	SendRejected
)

// SendResult is returned by SendEvent instead of exceptions-for-control-flow.
type SendResult struct {
	Status SendStatus
	Reason string
}

func accepted() SendResult { return SendResult{Status: SendAccepted} }

func overloaded() SendResult { return SendResult{Status: SendOverloaded, Reason: "mailbox full"} }

func rejected(reason string) SendResult {
	return SendResult{Status: SendRejected, Reason: reason}
}

// Callbacks are the registry lifecycle hooks.
type Callbacks struct {
	OnMachineCreated        func(machineID string)
	OnMachineCreationFailed func(machineID, reason string)
	OnEvicted               func(machineID string)
	OnRehydrated            func(machineID string)
}

// finalRemoveDelay is how long a completed machine stays visible in the
// directory before removal, so immediate state queries after completion
// still resolve.
const finalRemoveDelay = 100 * time.Millisecond

// Registry hosts all machines of one definition against one active database
// (named after the registry id).
type Registry struct {
	id        string
	def       *statemachine.Definition
	schema    *entitygraph.GraphSchema
	rt        *RuntimeContext
	mapper    *entitygraph.Mapper
	history   *batchlog.HistoryWriter
	events    *batchlog.RegistryWriter
	archiver  *archival.Archiver
	callbacks Callbacks
	logger    core.Logger

	mu       sync.RWMutex
	machines map[string]*statemachine.Machine
	pending  map[string]chan struct{}
	creating int
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates and starts a registry: ensures the active schema,
// starts the batch loggers and the archiver, runs the startup archival pass,
// and begins the idle sweep when configured.
func NewRegistry(ctx context.Context, rt *RuntimeContext, id string, def *statemachine.Definition, schema *entitygraph.GraphSchema, callbacks Callbacks) (*Registry, error) {
	if rt == nil {
		return nil, &core.Error{Code: "INVALID_CONFIG", Message: "runtime context cannot be nil"}
	}
	if def == nil {
		return nil, &core.Error{Code: "INVALID_CONFIG", Message: "definition cannot be nil"}
	}

	mapper, err := entitygraph.NewMapper(rt.Store, id, schema, rt.Logger)
	if err != nil {
		return nil, err
	}
	if err := mapper.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	cfg := rt.Config
	history, err := batchlog.NewHistoryWriter(ctx, rt.Store, id, batchlog.Config{
		BatchSize:     cfg.HistoryBatchSize,
		FlushInterval: cfg.HistoryFlushInterval(),
	}, rt.Logger)
	if err != nil {
		return nil, err
	}
	events, err := batchlog.NewRegistryWriter(ctx, rt.Store, id, batchlog.Config{
		BatchSize:     cfg.RegistryBatchSize,
		FlushInterval: cfg.HistoryFlushInterval(),
	}, rt.Logger)
	if err != nil {
		return nil, err
	}

	// The archiver moves the entity graph plus the observability tables so a
	// completed machine leaves no active rows behind.
	tables := append(schema.Tables(),
		entitygraph.TableKey{Table: batchlog.HistoryTable, KeyColumn: "machine_id"},
		entitygraph.TableKey{Table: batchlog.RegistryEventTable, KeyColumn: "machine_id"},
	)
	archiver, err := archival.NewArchiver(ctx, rt.Store, archival.Config{
		ActiveDatabase: id,
		Tables:         tables,
		RetentionDays:  cfg.RetentionDays,
	}, rt.Logger)
	if err != nil {
		return nil, err
	}
	if err := archiver.Start(ctx); err != nil {
		return nil, err
	}

	regCtx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		id:        id,
		def:       def,
		schema:    schema,
		rt:        rt,
		mapper:    mapper,
		history:   history,
		events:    events,
		archiver:  archiver,
		callbacks: callbacks,
		logger:    rt.Logger,
		machines:  make(map[string]*statemachine.Machine),
		pending:   make(map[string]chan struct{}),
		ctx:       regCtx,
		cancel:    cancel,
	}
	if err := rt.addRegistry(r); err != nil {
		cancel()
		return nil, err
	}

	if n, err := archiver.ScanAndArchiveFinals(ctx, schema.Root.Table.Name, def.FinalStates()); err != nil {
		r.logger.Warnf("registry %s: startup archival pass failed: %v", id, err)
	} else if n > 0 {
		r.logger.Infof("registry %s: archived %d already-final machines at startup", id, n)
	}

	if ttl := cfg.AutoEvictTTL(); ttl > 0 {
		r.wg.Add(1)
		go r.sweep(ttl)
	}
	return r, nil
}

// ID returns the registry id (and active database name).
func (r *Registry) ID() string { return r.id }

// Definition returns the hosted definition.
func (r *Registry) Definition() *statemachine.Definition { return r.def }

// Size returns the number of live machines.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// MachineIDs lists live machine ids.
func (r *Registry) MachineIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	return ids
}

// Machine returns a live machine by id.
func (r *Registry) Machine(id string) (*statemachine.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[id]
	return m, ok
}

// CreateOrGet returns the live machine for id, rehydrating or creating a
// fresh one as needed.
func (r *Registry) CreateOrGet(ctx context.Context, id string) (*statemachine.Machine, error) {
	return r.resolve(ctx, id, func(machineID string) interface{} {
		return r.schema.NewContext(machineID)
	})
}

// SendEvent resolves the machine for id (creating on designated auto-create
// events, rehydrating from active storage) and queues the event on its
// mailbox. Fire-and-forget for the caller; admission is the result.
func (r *Registry) SendEvent(ctx context.Context, id string, e statemachine.Event) SendResult {
	if m, ok := r.Machine(id); ok {
		return r.deliver(m, e)
	}

	// Unknown machine: only a designated auto-create event may construct it.
	factory := r.def.AutoCreate[e.EventType()]
	m, err := r.resolve(ctx, id, factory)
	if err != nil {
		return rejected(err.Error())
	}
	if m == nil {
		return rejected(fmt.Sprintf("no such machine %s and event %s does not auto-create", id, e.EventType()))
	}
	return r.deliver(m, e)
}

// resolve returns the live machine for id, building it (rehydrate, then
// factory when absent from storage) outside the directory lock so slow
// storage never stalls sends to other machines. A per-id latch makes builds
// single-flight; concurrent senders for the same id wait on it. A nil
// machine with nil error means the id is unknown and no factory applied.
func (r *Registry) resolve(ctx context.Context, id string, factory func(string) interface{}) (*statemachine.Machine, error) {
	for {
		if m, ok := r.Machine(id); ok {
			return m, nil
		}

		r.mu.Lock()
		if m, ok := r.machines[id]; ok {
			r.mu.Unlock()
			return m, nil
		}
		if r.stopped {
			r.mu.Unlock()
			return nil, &statemachine.MachineError{Code: statemachine.ErrorCodeMachineStopped, MachineID: id, Message: "registry is stopped"}
		}
		if latch, ok := r.pending[id]; ok {
			r.mu.Unlock()
			select {
			case <-latch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		latch := make(chan struct{})
		r.pending[id] = latch
		r.mu.Unlock()

		m, err := r.rehydrate(ctx, id)
		if err == nil && m == nil && factory != nil {
			m, err = r.create(ctx, id, factory(id))
		}

		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		close(latch)
		return m, err
	}
}

// admit publishes a started machine in the directory. It fails when the
// registry stopped while the machine was being built; the machine is then
// stopped in the background.
func (r *Registry) admit(m *statemachine.Machine) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
			defer cancel()
			_ = m.Stop(ctx)
		}()
		return &statemachine.MachineError{Code: statemachine.ErrorCodeMachineStopped, MachineID: m.ID(), Message: "registry is stopped"}
	}
	r.machines[m.ID()] = m
	size := len(r.machines)
	r.mu.Unlock()
	r.rt.Metrics.SetLiveMachines(r.id, size)
	return nil
}

func (r *Registry) deliver(m *statemachine.Machine, e statemachine.Event) SendResult {
	err := m.Deliver(e)
	if err == nil {
		return accepted()
	}
	if me, ok := err.(*statemachine.MachineError); ok && me.Code == statemachine.ErrorCodeOverload {
		r.rt.Metrics.IncMailboxRejection(r.id)
		return overloaded()
	}
	return rejected(err.Error())
}

// create constructs, persists, and starts a fresh machine. Runs outside the
// directory lock; the creating counter keeps the concurrency cap exact while
// builds overlap.
func (r *Registry) create(ctx context.Context, id string, graphCtx interface{}) (*statemachine.Machine, error) {
	r.mu.Lock()
	if len(r.machines)+r.creating >= r.rt.Config.MaxConcurrentMachines {
		r.mu.Unlock()
		reason := "max concurrent machines reached"
		r.creationFailed(id, reason)
		return nil, &statemachine.MachineError{Code: statemachine.ErrorCodeOverload, MachineID: id, Message: reason}
	}
	r.creating++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.creating--
		r.mu.Unlock()
	}()

	m := statemachine.NewMachine(id, r.def, graphCtx, r.machineServices(), r.logger, 0)

	// The initial graph is durable before the first event is processed.
	if err := r.mapper.PersistGraph(ctx, id, graphCtx, entitygraph.MachineState{
		CurrentState:    r.def.InitialState,
		LastStateChange: m.LastStateChange(),
	}); err != nil {
		r.creationFailed(id, err.Error())
		return nil, fmt.Errorf("persist initial graph of %s: %w", id, err)
	}
	if err := m.Start(r.ctx); err != nil {
		r.creationFailed(id, err.Error())
		return nil, err
	}
	if err := r.admit(m); err != nil {
		return nil, err
	}

	r.events.Append(id, batchlog.RegistryEventCreate, "created on "+r.def.InitialState)
	r.publish(observer.NotifyMachineCreated, m, "", r.def.InitialState, "")
	if r.callbacks.OnMachineCreated != nil {
		r.callbacks.OnMachineCreated(id)
	}
	return m, nil
}

func (r *Registry) creationFailed(id, reason string) {
	r.events.Append(id, batchlog.RegistryEventError, reason)
	r.rt.Observers.Publish(observer.Notification{
		Type:       observer.NotifyCreationFailed,
		RegistryID: r.id,
		MachineID:  id,
		Extra:      map[string]interface{}{"reason": reason},
	})
	if r.callbacks.OnMachineCreationFailed != nil {
		r.callbacks.OnMachineCreationFailed(id, reason)
	}
}

// rehydrate restores a machine from active storage, or returns (nil, nil)
// when no row exists. Runs outside the directory lock; the pending latch
// keeps it single-flight per id. Overdue timeouts are injected ahead of any
// other event.
func (r *Registry) rehydrate(ctx context.Context, id string) (*statemachine.Machine, error) {
	graphCtx, state, err := r.mapper.LoadGraph(ctx, id)
	if err != nil {
		err = fmt.Errorf("rehydrate %s: %w", id, err)
		r.events.Append(id, batchlog.RegistryEventError, err.Error())
		return nil, err
	}
	if graphCtx == nil {
		return nil, nil
	}

	m := statemachine.NewMachine(id, r.def, graphCtx, r.machineServices(), r.logger, 0)
	if err := m.StartRestored(r.ctx, state.CurrentState, state.Version, state.LastStateChange); err != nil {
		return nil, err
	}
	if err := r.admit(m); err != nil {
		return nil, err
	}
	r.rt.Metrics.IncRehydration(r.id)
	r.events.Append(id, batchlog.RegistryEventRehydrate, "restored in "+state.CurrentState)
	r.publish(observer.NotifyMachineRehydrated, m, "", state.CurrentState, "")
	if r.callbacks.OnRehydrated != nil {
		r.callbacks.OnRehydrated(id)
	}

	// An overdue state timeout fires before any queued producer event.
	if !m.ArmRestoredTimeout() {
		cfg, _ := r.def.State(state.CurrentState)
		if err := m.Deliver(statemachine.NewTimeoutEvent(state.CurrentState, cfg.Timeout.Target, state.Version)); err != nil {
			r.logger.Warnf("registry %s: overdue timeout injection for %s failed: %v", r.id, id, err)
		}
	}
	return m, nil
}

// machineServices wires a machine's runtime hooks.
func (r *Registry) machineServices() statemachine.Services {
	return statemachine.Services{
		Persist: func(ctx context.Context, m *statemachine.Machine) error {
			return r.mapper.PersistGraph(ctx, m.ID(), m.Context(), entitygraph.MachineState{
				CurrentState:    m.CurrentState(),
				LastStateChange: m.LastStateChange(),
				Version:         m.Version(),
			})
		},
		SnapshotContext: func(m *statemachine.Machine) []byte {
			graphCtx := m.Context()
			if graphCtx == nil {
				return nil
			}
			data, err := core.JSONEncode(graphCtx)
			if err != nil {
				return nil
			}
			return data
		},
		LogTransition: func(rec *statemachine.TransitionRecord) {
			r.history.Append(rec)
		},
		RecordPlayback: func(rec *statemachine.TransitionRecord) {
			r.rt.Playback.Record(rec.MachineID, playback.Entry{
				Version:     int64(rec.Version),
				StateBefore: rec.StateBefore,
				StateAfter:  rec.StateAfter,
				EventType:   rec.EventType,
				ContextJSON: string(rec.ContextAfter),
				Timestamp:   rec.Timestamp,
			})
		},
		NotifyTransition: func(m *statemachine.Machine, rec *statemachine.TransitionRecord, stateChanged bool) {
			typ := observer.NotifyStateChange
			if !stateChanged {
				typ = observer.NotifyStayAction
			}
			if rec.EventType == statemachine.EventTypeTimeout {
				typ = observer.NotifyTimeout
			}
			r.publish(typ, m, rec.StateBefore, rec.StateAfter, rec.EventType)
			r.rt.Metrics.ObserveTransition(r.id, rec.MachineType, rec.StateAfter, float64(rec.TransitionDurationUs)/1e6)
		},
		NotifyIgnored: func(m *statemachine.Machine, e statemachine.Event) {
			r.publish(observer.NotifyEventIgnored, m, m.CurrentState(), m.CurrentState(), e.EventType())
		},
		ScheduleTimeout: func(m *statemachine.Machine, spec *statemachine.TimeoutSpec) func() {
			return r.rt.scheduleTimeout(r, m.ID(), m.CurrentState(), m.Version(), spec)
		},
		OnOffline: func(m *statemachine.Machine) {
			r.evict(m, batchlog.RegistryEventEvict, "offline state "+m.CurrentState())
		},
		OnFinal: func(m *statemachine.Machine) {
			r.publish(observer.NotifyMachineFinished, m, "", m.CurrentState(), "")
			time.AfterFunc(finalRemoveDelay, func() {
				r.remove(m)
			})
		},
		OnDegraded: func(m *statemachine.Machine, err error) {
			r.events.Append(m.ID(), batchlog.RegistryEventError, "degraded: "+err.Error())
			r.publish(observer.NotifyDegraded, m, "", m.CurrentState(), "")
			r.rt.Metrics.SetDegradedMachines(r.id, r.countDegraded())
		},
	}
}

func (r *Registry) publish(typ observer.NotificationType, m *statemachine.Machine, before, after, eventType string) {
	r.rt.Observers.Publish(observer.Notification{
		Type:        typ,
		RegistryID:  r.id,
		MachineID:   m.ID(),
		StateBefore: before,
		StateAfter:  after,
		EventType:   eventType,
		Version:     m.Version(),
	})
}

func (r *Registry) countDegraded() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.machines {
		if m.IsDegraded() {
			n++
		}
	}
	return n
}

// evict removes a live machine whose state is already durable. Runs from the
// machine's own drainer (offline hook) or the sweeper; the machine is
// stopped asynchronously to avoid deadlocking its drain loop.
func (r *Registry) evict(m *statemachine.Machine, kind, reason string) {
	r.mu.Lock()
	if _, ok := r.machines[m.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.machines, m.ID())
	size := len(r.machines)
	r.mu.Unlock()

	r.rt.Metrics.SetLiveMachines(r.id, size)
	r.mapper.Forget(m.ID())
	r.events.Append(m.ID(), kind, reason)
	r.publish(observer.NotifyMachineEvicted, m, "", m.CurrentState(), "")
	if r.callbacks.OnEvicted != nil {
		r.callbacks.OnEvicted(m.ID())
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		_ = m.Stop(ctx)
	}()
}

// remove retires a completed machine and hands its graph to archival.
func (r *Registry) remove(m *statemachine.Machine) {
	r.mu.Lock()
	if _, ok := r.machines[m.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.machines, m.ID())
	size := len(r.machines)
	r.mu.Unlock()

	r.rt.Metrics.SetLiveMachines(r.id, size)
	r.mapper.Forget(m.ID())
	r.rt.Playback.Drop(m.ID())
	r.events.Append(m.ID(), batchlog.RegistryEventRemove, "completed in "+m.CurrentState())

	if err := r.archiver.Archive(m.ID()); err != nil {
		r.logger.Errorf("registry %s: archive of %s not queued: %v", r.id, m.ID(), err)
	} else {
		r.rt.Metrics.IncArchived(r.id)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		_ = m.Stop(ctx)
	}()
}

// ClearDegraded lifts a machine's degraded flag after operator intervention.
func (r *Registry) ClearDegraded(id string) error {
	m, ok := r.Machine(id)
	if !ok {
		return &statemachine.MachineError{Code: statemachine.ErrorCodeNoSuchMachine, MachineID: id, Message: "no such machine"}
	}
	m.ClearDegraded()
	r.events.Append(id, batchlog.RegistryEventError, "degraded flag cleared")
	r.rt.Metrics.SetDegradedMachines(r.id, r.countDegraded())
	return nil
}

// ReplayTo rewinds a suspended machine to a recorded playback entry: cursor
// jump, then state/version/context applied without running entry or exit
// handlers. The caller suspends before and resumes after.
func (r *Registry) ReplayTo(machineID string, index int) error {
	m, ok := r.Machine(machineID)
	if !ok {
		return &statemachine.MachineError{Code: statemachine.ErrorCodeNoSuchMachine, MachineID: machineID, Message: "no such machine"}
	}
	ring, ok := r.rt.Playback.Ring(machineID)
	if !ok {
		return &statemachine.MachineError{Code: statemachine.ErrorCodeConfiguration, MachineID: machineID, Message: "no playback recording for machine"}
	}
	entry, ok := ring.JumpTo(index)
	if !ok {
		return &statemachine.MachineError{Code: statemachine.ErrorCodeConfiguration, MachineID: machineID, Message: fmt.Sprintf("playback index %d out of range", index)}
	}

	graphCtx := r.schema.NewContext(machineID)
	if entry.ContextJSON != "" {
		if err := core.JSONDecode([]byte(entry.ContextJSON), graphCtx); err != nil {
			return fmt.Errorf("replay context of %s: %w", machineID, err)
		}
	}
	return m.Rewind(entry.StateAfter, uint64(entry.Version), graphCtx)
}

// EnforceRetention trims the history database by the configured window.
func (r *Registry) EnforceRetention(ctx context.Context) (int64, error) {
	return r.archiver.EnforceRetention(ctx)
}

// sweep periodically evicts idle machines whose last state change is older
// than the TTL. Complete machines are left for the archival path.
func (r *Registry) sweep(ttl time.Duration) {
	defer r.wg.Done()

	interval := ttl / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-ttl)
		r.mu.RLock()
		var idle []*statemachine.Machine
		for _, m := range r.machines {
			if !m.IsComplete() && m.MailboxSize() == 0 && m.LastStateChange().Before(cutoff) {
				idle = append(idle, m)
			}
		}
		r.mu.RUnlock()

		for _, m := range idle {
			r.evict(m, batchlog.RegistryEventEvict, "idle past ttl")
		}
	}
}

// Stop drains the registry: no new machines, stop all drainers with the
// grace period, flush the batch loggers, stop archival.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	machines := make([]*statemachine.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.machines = make(map[string]*statemachine.Machine)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	drainCtx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	for _, m := range machines {
		if err := m.Stop(drainCtx); err != nil {
			r.logger.Warnf("registry %s: machine %s did not drain: %v", r.id, m.ID(), err)
		}
	}

	r.history.Close(stopGrace)
	r.events.Close(stopGrace)
	return r.archiver.Stop(ctx)
}
