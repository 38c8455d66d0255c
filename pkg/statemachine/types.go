// Package statemachine provides the per-entity FSM engine: declaratively
// defined states, transitions, stay actions, entry/exit hooks and timeouts,
// executed single-threaded over a private mailbox per machine.
//
// Example usage:
//
//	def, err := statemachine.NewBuilder("call").
//	    InitialState("IDLE").
//	    State("IDLE").
//	        On("IncomingCall", "RINGING").
//	        Done().
//	    State("RINGING").
//	        On("Answer", "CONNECTED").
//	        Timeout(30*time.Second, "IDLE").
//	        Done().
//	    State("CONNECTED").
//	        On("Hangup", "COMPLETED").
//	        Done().
//	    State("COMPLETED").
//	        FinalState().
//	        Done().
//	    Build()
package statemachine

import (
	"context"
	"fmt"
	"time"
)

// Handler is called on state entry or exit.
type Handler func(ctx context.Context, m *Machine, event Event) error

// StayHandler runs for a stay action. It reports whether it mutated the
// context so the engine knows a persist is required.
type StayHandler func(ctx context.Context, m *Machine, event Event) (mutated bool, err error)

// ContextFactory constructs the durable context for a new machine.
type ContextFactory func(machineID string) interface{}

// TimeoutSpec declares a state's timeout transition.
type TimeoutSpec struct {
	Duration time.Duration
	Target   string
}

// StateConfig is the immutable configuration of one state.
type StateConfig struct {
	Name    string
	Final   bool
	Offline bool

	Entry Handler
	Exit  Handler

	// Transitions maps event type to target state.
	Transitions map[string]string

	// Stay maps event type to a handler that runs without leaving the state.
	Stay map[string]StayHandler

	Timeout *TimeoutSpec
}

// Definition is the immutable shape machines are instantiated from.
type Definition struct {
	ID           string
	InitialState string
	States       map[string]*StateConfig

	// AutoCreate maps event types whose receipt for an unknown id constructs
	// a fresh machine.
	AutoCreate map[string]ContextFactory
}

// State returns a state's configuration.
func (d *Definition) State(name string) (*StateConfig, bool) {
	s, ok := d.States[name]
	return s, ok
}

// FinalStates returns the names of all final states.
func (d *Definition) FinalStates() []string {
	var finals []string
	for name, s := range d.States {
		if s.Final {
			finals = append(finals, name)
		}
	}
	return finals
}

// TransitionRecord is the append-only observability row emitted once per
// processed event. Opaque blobs are held raw here and base64-encoded by the
// history logger when surfaced over SQL.
type TransitionRecord struct {
	MachineID      string
	MachineType    string
	Version        uint64
	RunID          string
	CorrelationID  string
	DebugSessionID string

	StateBefore string
	StateAfter  string
	EventType   string

	TransitionDurationUs int64
	Timestamp            int64

	MachineOnline  bool
	StateOffline   bool
	RegistryStatus string

	EventPayload    []byte
	EventParameters []byte
	ContextBefore   []byte
	ContextAfter    []byte

	// HandlerError carries a contained entry/exit/stay failure, if any.
	HandlerError string
}

// ErrorCode classifies engine errors.
type ErrorCode int

const (
	ErrorCodeTransitionUnhandled ErrorCode = iota
	ErrorCodeHandlerFailure
	ErrorCodePersistenceTransient
	ErrorCodePersistenceFatal
	ErrorCodeArchivalFailure
	ErrorCodeSchedulerMiss
	ErrorCodeConfiguration
	ErrorCodeOverload
	ErrorCodeMachineStopped
	ErrorCodeNoSuchMachine
	ErrorCodeDegraded
)

// MachineError is the engine's error type.
type MachineError struct {
	Code      ErrorCode
	MachineID string
	State     string
	EventType string
	Message   string
}

func (e *MachineError) Error() string {
	if e.MachineID == "" {
		return e.Message
	}
	return fmt.Sprintf("machine %s: %s", e.MachineID, e.Message)
}
