package statemachine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pialmmh/statemachine/pkg/concurrency"
	"github.com/pialmmh/statemachine/pkg/core"
)

// Phase is the machine lifecycle phase.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseSuspended
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseRunning:
		return "Running"
	case PhaseSuspended:
		return "Suspended"
	case PhaseStopped:
		return "Stopped"
	}
	return "Unknown"
}

// handlerSoftDeadline is how long an entry/exit/stay handler may run before
// a warning is logged. The handler is not interrupted.
const handlerSoftDeadline = 2 * time.Second

// persistAttempts bounds the persistence retry loop before a machine is
// marked degraded.
const persistAttempts = 3

// Services are the runtime hooks a machine calls out through. The registry
// injects them at construction; the machine never holds direct references to
// the scheduler, archival, or directory.
type Services struct {
	// Persist writes the machine's context graph and runtime state. Called
	// after every version bump, retried on failure.
	Persist func(ctx context.Context, m *Machine) error

	// SnapshotContext renders the context as an opaque blob for the
	// transition record. Nil snapshots disable context capture.
	SnapshotContext func(m *Machine) []byte

	// LogTransition enqueues a transition record to the history logger.
	LogTransition func(rec *TransitionRecord)

	// RecordPlayback appends a transition record to the playback ring.
	RecordPlayback func(rec *TransitionRecord)

	// NotifyTransition publishes a processed event to observers.
	// stateChanged is false for stay actions.
	NotifyTransition func(m *Machine, rec *TransitionRecord, stateChanged bool)

	// NotifyIgnored publishes an unhandled event.
	NotifyIgnored func(m *Machine, e Event)

	// ScheduleTimeout arms a state timeout and returns its cancel function.
	ScheduleTimeout func(m *Machine, spec *TimeoutSpec) (cancel func())

	// OnOffline runs after entry actions and persistence of an offline
	// state. The registry evicts the machine here.
	OnOffline func(m *Machine)

	// OnFinal runs after a machine completes. The registry hands the graph
	// to archival here.
	OnFinal func(m *Machine)

	// OnDegraded runs when persistence retries are exhausted.
	OnDegraded func(m *Machine, err error)
}

// Machine is one live FSM instance. All state mutation happens on the
// drainer goroutine; accessors take the mutex so other goroutines read a
// consistent view.
type Machine struct {
	id          string
	def         *Definition
	runID       string
	correlation string
	services    Services
	logger      core.Logger
	mailbox     concurrency.Mailbox

	mu              sync.Mutex
	cond            *sync.Cond
	phase           Phase
	currentState    string
	version         uint64
	lastStateChange time.Time
	context         interface{}
	complete        bool
	degraded        bool
	cancelTimeout   func()

	done chan struct{}
}

// NewMachine constructs a machine in Idle with the definition's initial
// state. mailboxCapacity <= 0 uses the default.
func NewMachine(id string, def *Definition, context interface{}, services Services, logger core.Logger, mailboxCapacity int) *Machine {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	m := &Machine{
		id:              id,
		def:             def,
		runID:           core.GenerateRunID(),
		services:        services,
		logger:          logger,
		mailbox:         concurrency.NewBoundedMailbox(mailboxCapacity),
		phase:           PhaseIdle,
		currentState:    def.InitialState,
		lastStateChange: time.Now(),
		context:         context,
		done:            make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// ID returns the machine id.
func (m *Machine) ID() string { return m.id }

// Definition returns the machine's definition.
func (m *Machine) Definition() *Definition { return m.def }

// RunID returns this process incarnation's run id.
func (m *Machine) RunID() string { return m.runID }

// SetCorrelationID tags subsequent transition records with a producer
// correlation id.
func (m *Machine) SetCorrelationID(id string) {
	m.mu.Lock()
	m.correlation = id
	m.mu.Unlock()
}

// CurrentState returns the current state name.
func (m *Machine) CurrentState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentState
}

// Version returns the last persisted transition version.
func (m *Machine) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// LastStateChange returns when the machine last changed state.
func (m *Machine) LastStateChange() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStateChange
}

// Context returns the durable context.
func (m *Machine) Context() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.context
}

// SetContext replaces the durable context. Call only from handlers.
func (m *Machine) SetContext(ctx interface{}) {
	m.mu.Lock()
	m.context = ctx
	m.mu.Unlock()
}

// Rewind force-sets state, version and context from a recorded snapshot. No
// entry or exit handlers run. Only legal while suspended, so the drainer
// cannot be processing an event concurrently.
func (m *Machine) Rewind(state string, version uint64, context interface{}) error {
	if _, ok := m.def.States[state]; !ok {
		return &MachineError{Code: ErrorCodeConfiguration, MachineID: m.id, State: state, Message: "rewind target state is not defined"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseSuspended {
		return &MachineError{Code: ErrorCodeConfiguration, MachineID: m.id, Message: "machine must be suspended to rewind"}
	}
	m.currentState = state
	m.version = version
	m.context = context
	m.lastStateChange = time.Now()
	m.complete = false
	return nil
}

// IsComplete reports whether the machine reached a final state.
func (m *Machine) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete
}

// IsDegraded reports whether persistence failed beyond retry.
func (m *Machine) IsDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// ClearDegraded lifts the degraded flag after operator intervention.
func (m *Machine) ClearDegraded() {
	m.mu.Lock()
	m.degraded = false
	m.mu.Unlock()
}

// Phase returns the lifecycle phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// MailboxSize returns the number of queued events.
func (m *Machine) MailboxSize() int { return m.mailbox.Size() }

// IsInState reports whether the machine is currently in the named state.
func (m *Machine) IsInState(state string) bool {
	return m.CurrentState() == state
}

// Start moves Idle -> Running: runs the initial state's entry action and
// begins draining the mailbox.
func (m *Machine) Start(ctx context.Context) error {
	return m.start(ctx, false)
}

// StartRestored begins draining with previously persisted state. Entry
// actions are suppressed; the restored state was already entered in a prior
// incarnation.
func (m *Machine) StartRestored(ctx context.Context, state string, version uint64, lastChange time.Time) error {
	if _, ok := m.def.States[state]; !ok {
		return &MachineError{Code: ErrorCodeConfiguration, MachineID: m.id, Message: fmt.Sprintf("restored state %q is not defined", state)}
	}
	m.mu.Lock()
	m.currentState = state
	m.version = version
	m.lastStateChange = lastChange
	m.mu.Unlock()
	return m.start(ctx, true)
}

func (m *Machine) start(ctx context.Context, restored bool) error {
	m.mu.Lock()
	if m.phase != PhaseIdle {
		phase := m.phase
		m.mu.Unlock()
		return &MachineError{Code: ErrorCodeConfiguration, MachineID: m.id, Message: "cannot start from phase " + phase.String()}
	}
	m.phase = PhaseRunning
	state := m.currentState
	m.mu.Unlock()

	cfg := m.def.States[state]
	if !restored && cfg.Entry != nil {
		if err := m.runHandler(ctx, "entry", state, cfg.Entry, NewEvent("__start__", nil)); err != nil {
			m.logger.Errorf("machine %s: entry action of initial state %s failed: %v", m.id, state, err)
		}
	}
	if !restored {
		m.armTimeout(cfg)
	}

	go m.drain(ctx)
	return nil
}

// Deliver appends an event to the mailbox. It is the registry's entry point;
// callers never mutate the machine directly.
func (m *Machine) Deliver(e Event) error {
	m.mu.Lock()
	phase := m.phase
	degraded := m.degraded
	m.mu.Unlock()

	if phase == PhaseStopped {
		return &MachineError{Code: ErrorCodeMachineStopped, MachineID: m.id, EventType: e.EventType(), Message: "machine is stopped"}
	}
	if degraded {
		return &MachineError{Code: ErrorCodeDegraded, MachineID: m.id, EventType: e.EventType(), Message: "machine is degraded; events refused until cleared"}
	}
	if err := m.mailbox.Send(e); err != nil {
		if err == concurrency.ErrMailboxFull {
			return &MachineError{Code: ErrorCodeOverload, MachineID: m.id, EventType: e.EventType(), Message: "mailbox full"}
		}
		return &MachineError{Code: ErrorCodeMachineStopped, MachineID: m.id, EventType: e.EventType(), Message: err.Error()}
	}
	return nil
}

// Suspend parks the drainer; delivered events stay queued.
func (m *Machine) Suspend() {
	m.mu.Lock()
	if m.phase == PhaseRunning {
		m.phase = PhaseSuspended
	}
	m.mu.Unlock()
}

// Resume unparks the drainer.
func (m *Machine) Resume() {
	m.mu.Lock()
	if m.phase == PhaseSuspended {
		m.phase = PhaseRunning
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

// Stop cancels the pending timer, closes the mailbox, and waits for the
// drainer to finish queued events or the context to expire.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == PhaseStopped {
		m.mu.Unlock()
		return nil
	}
	wasIdle := m.phase == PhaseIdle
	m.phase = PhaseStopped
	cancel := m.cancelTimeout
	m.cancelTimeout = nil
	m.cond.Broadcast()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.mailbox.Close()
	if wasIdle {
		return nil
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain is the single goroutine that owns the machine's state.
func (m *Machine) drain(ctx context.Context) {
	defer close(m.done)

	for {
		m.mu.Lock()
		for m.phase == PhaseSuspended {
			m.cond.Wait()
		}
		phase := m.phase
		m.mu.Unlock()

		if phase == PhaseStopped {
			// Finish whatever is already queued, then exit.
			for {
				msg, ok, err := m.mailbox.TryReceive()
				if err != nil || !ok {
					return
				}
				m.processEvent(ctx, msg.(Event))
			}
		}

		msg, err := m.mailbox.Receive(ctx)
		if err != nil {
			if err == concurrency.ErrMailboxClosed {
				continue
			}
			return
		}

		// Suspend may land while Receive is parked. Hold the dequeued event
		// until resume; it stays first in line.
		m.mu.Lock()
		for m.phase == PhaseSuspended {
			m.cond.Wait()
		}
		m.mu.Unlock()

		m.processEvent(ctx, msg.(Event))
	}
}

func (m *Machine) processEvent(ctx context.Context, e Event) {
	started := time.Now()

	m.mu.Lock()
	state := m.currentState
	version := m.version
	m.mu.Unlock()

	cfg := m.def.States[state]

	// Stale timeout guard: a timeout armed for an earlier state or version
	// is a no-op.
	if te, ok := e.(*TimeoutEvent); ok {
		if te.SourceState != state || te.Version != version {
			m.logger.Debugf("machine %s: dropping stale timeout %s@v%d in %s@v%d", m.id, te.SourceState, te.Version, state, version)
			return
		}
		m.processTransition(ctx, cfg, te.TargetState, e, started)
		return
	}

	if handler, ok := cfg.Stay[e.EventType()]; ok {
		m.processStay(ctx, cfg, handler, e, started)
		return
	}
	if target, ok := cfg.Transitions[e.EventType()]; ok {
		m.processTransition(ctx, cfg, target, e, started)
		return
	}

	m.logger.Debugf("machine %s: event %s unhandled in state %s", m.id, e.EventType(), state)
	if m.services.NotifyIgnored != nil {
		m.services.NotifyIgnored(m, e)
	}
}

// processStay runs a stay action. The state does not change but the event is
// recorded, so the version advances to keep (machineId, version) unique per
// record.
func (m *Machine) processStay(ctx context.Context, cfg *StateConfig, handler StayHandler, e Event, started time.Time) {
	before := m.snapshot()

	// The version bump below forces a persist regardless of whether the
	// handler reports a context mutation.
	_, handlerErr := m.runStayHandler(ctx, cfg.Name, handler, e)
	if handlerErr != nil {
		m.logger.Errorf("machine %s: stay action for %s in %s failed: %v", m.id, e.EventType(), cfg.Name, handlerErr)
	}

	m.mu.Lock()
	m.version++
	version := m.version
	m.mu.Unlock()

	rec := m.buildRecord(cfg.Name, cfg.Name, e, version, started, before, handlerErr)

	if !m.persistWithRetry(ctx) {
		return
	}
	m.emit(rec, false)
}

func (m *Machine) processTransition(ctx context.Context, from *StateConfig, target string, e Event, started time.Time) {
	to, ok := m.def.States[target]
	if !ok {
		m.logger.Errorf("machine %s: transition to undefined state %q", m.id, target)
		return
	}

	before := m.snapshot()
	var handlerErr error

	m.disarmTimeout()

	if from.Exit != nil {
		if err := m.runHandler(ctx, "exit", from.Name, from.Exit, e); err != nil {
			handlerErr = err
		}
	}

	m.mu.Lock()
	m.currentState = to.Name
	m.version++
	version := m.version
	m.lastStateChange = time.Now()
	m.mu.Unlock()

	if to.Entry != nil {
		if err := m.runHandler(ctx, "entry", to.Name, to.Entry, e); err != nil {
			handlerErr = err
		}
	}

	rec := m.buildRecord(from.Name, to.Name, e, version, started, before, handlerErr)
	rec.StateOffline = to.Offline

	if !m.persistWithRetry(ctx) {
		return
	}
	m.emit(rec, true)

	if to.Final {
		m.mu.Lock()
		m.complete = true
		m.mu.Unlock()
		if m.services.OnFinal != nil {
			m.services.OnFinal(m)
		}
		return
	}

	m.armTimeout(to)

	if to.Offline && m.services.OnOffline != nil {
		m.services.OnOffline(m)
	}
}

func (m *Machine) emit(rec *TransitionRecord, stateChanged bool) {
	if m.services.LogTransition != nil {
		m.services.LogTransition(rec)
	}
	if m.services.RecordPlayback != nil {
		m.services.RecordPlayback(rec)
	}
	if m.services.NotifyTransition != nil {
		m.services.NotifyTransition(m, rec, stateChanged)
	}
}

func (m *Machine) snapshot() []byte {
	if m.services.SnapshotContext == nil {
		return nil
	}
	return m.services.SnapshotContext(m)
}

func (m *Machine) buildRecord(from, to string, e Event, version uint64, started time.Time, before []byte, handlerErr error) *TransitionRecord {
	m.mu.Lock()
	correlation := m.correlation
	m.mu.Unlock()

	rec := &TransitionRecord{
		MachineID:            m.id,
		MachineType:          m.def.ID,
		Version:              version,
		RunID:                m.runID,
		CorrelationID:        correlation,
		StateBefore:          from,
		StateAfter:           to,
		EventType:            e.EventType(),
		TransitionDurationUs: time.Since(started).Microseconds(),
		Timestamp:            time.Now().UnixMilli(),
		MachineOnline:        true,
		RegistryStatus:       "REGISTERED_ACTIVE",
		ContextBefore:        before,
		ContextAfter:         m.snapshot(),
	}
	if payload := e.Payload(); payload != nil {
		if data, err := core.JSONEncode(payload); err == nil {
			rec.EventPayload = data
		}
	}
	if handlerErr != nil {
		rec.HandlerError = handlerErr.Error()
	}
	return rec
}

// persistWithRetry writes the graph, retrying transient failures. Exhaustion
// marks the machine degraded; the registry refuses further events until an
// operator clears it.
func (m *Machine) persistWithRetry(ctx context.Context) bool {
	if m.services.Persist == nil {
		return true
	}

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = m.services.Persist(ctx, m); err == nil {
			return true
		}
		m.logger.Warnf("machine %s: persist attempt %d/%d failed: %v", m.id, attempt, persistAttempts, err)
		if attempt < persistAttempts {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}

	m.mu.Lock()
	m.degraded = true
	m.mu.Unlock()
	m.logger.Errorf("machine %s: persistence failed after %d attempts, machine degraded: %v", m.id, persistAttempts, err)
	if m.services.OnDegraded != nil {
		m.services.OnDegraded(m, err)
	}
	return false
}

func (m *Machine) armTimeout(cfg *StateConfig) {
	if cfg.Timeout == nil || m.services.ScheduleTimeout == nil {
		return
	}
	cancel := m.services.ScheduleTimeout(m, cfg.Timeout)
	m.mu.Lock()
	m.cancelTimeout = cancel
	m.mu.Unlock()
}

// ArmRestoredTimeout re-arms the current state's timeout after rehydration,
// reduced by time already spent in the state. Returns false when the timeout
// is already overdue; the caller injects the timeout event instead.
func (m *Machine) ArmRestoredTimeout() bool {
	m.mu.Lock()
	state := m.currentState
	elapsed := time.Since(m.lastStateChange)
	m.mu.Unlock()

	cfg := m.def.States[state]
	if cfg.Timeout == nil {
		return true
	}
	if elapsed >= cfg.Timeout.Duration {
		return false
	}
	if m.services.ScheduleTimeout == nil {
		return true
	}
	remaining := &TimeoutSpec{Duration: cfg.Timeout.Duration - elapsed, Target: cfg.Timeout.Target}
	cancel := m.services.ScheduleTimeout(m, remaining)
	m.mu.Lock()
	m.cancelTimeout = cancel
	m.mu.Unlock()
	return true
}

func (m *Machine) disarmTimeout() {
	m.mu.Lock()
	cancel := m.cancelTimeout
	m.cancelTimeout = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runHandler executes an entry/exit handler with panic containment and a
// soft deadline warning. Handler failures never roll back a state change.
func (m *Machine) runHandler(ctx context.Context, kind, state string, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &MachineError{
				Code:      ErrorCodeHandlerFailure,
				MachineID: m.id,
				State:     state,
				EventType: e.EventType(),
				Message:   fmt.Sprintf("%s handler panicked: %v", kind, r),
			}
			m.logger.Errorf("machine %s: %s handler of %s panicked: %v\n%s", m.id, kind, state, r, debug.Stack())
		}
	}()

	warn := time.AfterFunc(handlerSoftDeadline, func() {
		m.logger.Warnf("machine %s: %s handler of %s exceeded %s", m.id, kind, state, handlerSoftDeadline)
	})
	defer warn.Stop()

	return h(ctx, m, e)
}

func (m *Machine) runStayHandler(ctx context.Context, state string, h StayHandler, e Event) (mutated bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &MachineError{
				Code:      ErrorCodeHandlerFailure,
				MachineID: m.id,
				State:     state,
				EventType: e.EventType(),
				Message:   fmt.Sprintf("stay handler panicked: %v", r),
			}
			m.logger.Errorf("machine %s: stay handler of %s panicked: %v\n%s", m.id, state, r, debug.Stack())
		}
	}()

	warn := time.AfterFunc(handlerSoftDeadline, func() {
		m.logger.Warnf("machine %s: stay handler of %s exceeded %s", m.id, state, handlerSoftDeadline)
	})
	defer warn.Stop()

	return h(ctx, m, e)
}
