package statemachine

import (
	"fmt"
	"time"
)

// Builder provides a fluent API for building machine definitions.
type Builder struct {
	definition *Definition
	err        error
}

// stateBuilder builds a single state.
type stateBuilder struct {
	parent *Builder
	state  *StateConfig
}

// NewBuilder creates a new definition builder. The id names the definition
// (and, by convention, the registry that hosts it).
func NewBuilder(id string) *Builder {
	return &Builder{
		definition: &Definition{
			ID:         id,
			States:     make(map[string]*StateConfig),
			AutoCreate: make(map[string]ContextFactory),
		},
	}
}

func (b *Builder) fail(format string, args ...interface{}) {
	if b.err == nil {
		b.err = &MachineError{Code: ErrorCodeConfiguration, Message: fmt.Sprintf(format, args...)}
	}
}

// InitialState sets the initial state.
func (b *Builder) InitialState(state string) *Builder {
	b.definition.InitialState = state
	return b
}

// OnNewMachineCreate registers an auto-create event: receipt of eventType for
// an unknown id constructs a fresh machine with a context from the factory.
func (b *Builder) OnNewMachineCreate(eventType string, factory ContextFactory) *Builder {
	if eventType == "" || factory == nil {
		b.fail("auto-create registration requires an event type and a context factory")
		return b
	}
	if _, dup := b.definition.AutoCreate[eventType]; dup {
		b.fail("duplicate auto-create registration for event %q", eventType)
		return b
	}
	b.definition.AutoCreate[eventType] = factory
	return b
}

// State adds a new state to the definition.
func (b *Builder) State(name string) *stateBuilder {
	if _, dup := b.definition.States[name]; dup {
		b.fail("duplicate state %q", name)
	}
	state := &StateConfig{
		Name:        name,
		Transitions: make(map[string]string),
		Stay:        make(map[string]StayHandler),
	}
	b.definition.States[name] = state
	return &stateBuilder{parent: b, state: state}
}

// Build validates and returns the definition.
func (b *Builder) Build() (*Definition, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := validateDefinition(b.definition); err != nil {
		return nil, fmt.Errorf("invalid machine definition %q: %w", b.definition.ID, err)
	}
	return b.definition, nil
}

// =============== stateBuilder methods ===============

// On adds a transition triggered by an event type.
func (sb *stateBuilder) On(eventType, to string) *stateBuilder {
	if _, dup := sb.state.Transitions[eventType]; dup {
		sb.parent.fail("state %q has duplicate transition for event %q", sb.state.Name, eventType)
		return sb
	}
	if _, conflict := sb.state.Stay[eventType]; conflict {
		sb.parent.fail("state %q declares both a stay action and a transition for event %q", sb.state.Name, eventType)
		return sb
	}
	sb.state.Transitions[eventType] = to
	return sb
}

// Stay adds a stay action: the handler runs without leaving the state.
func (sb *stateBuilder) Stay(eventType string, handler StayHandler) *stateBuilder {
	if handler == nil {
		sb.parent.fail("state %q stay action for event %q requires a handler", sb.state.Name, eventType)
		return sb
	}
	if _, dup := sb.state.Stay[eventType]; dup {
		sb.parent.fail("state %q has duplicate stay action for event %q", sb.state.Name, eventType)
		return sb
	}
	if _, conflict := sb.state.Transitions[eventType]; conflict {
		sb.parent.fail("state %q declares both a stay action and a transition for event %q", sb.state.Name, eventType)
		return sb
	}
	sb.state.Stay[eventType] = handler
	return sb
}

// Timeout arms a timeout on the state: after d in the state, transition to
// target via a synthetic timeout event.
func (sb *stateBuilder) Timeout(d time.Duration, target string) *stateBuilder {
	if d <= 0 {
		sb.parent.fail("state %q timeout must be positive", sb.state.Name)
		return sb
	}
	sb.state.Timeout = &TimeoutSpec{Duration: d, Target: target}
	return sb
}

// Offline marks the state as offline: after entry actions and persistence,
// the machine is evicted from the live directory.
func (sb *stateBuilder) Offline() *stateBuilder {
	sb.state.Offline = true
	return sb
}

// FinalState marks the state terminal.
func (sb *stateBuilder) FinalState() *stateBuilder {
	sb.state.Final = true
	return sb
}

// OnEntry sets the entry handler.
func (sb *stateBuilder) OnEntry(handler Handler) *stateBuilder {
	sb.state.Entry = handler
	return sb
}

// OnExit sets the exit handler.
func (sb *stateBuilder) OnExit(handler Handler) *stateBuilder {
	sb.state.Exit = handler
	return sb
}

// Done finishes building this state and returns to the main builder.
func (sb *stateBuilder) Done() *Builder {
	return sb.parent
}

// =============== validation ===============

func validateDefinition(def *Definition) error {
	if def.ID == "" {
		return &MachineError{Code: ErrorCodeConfiguration, Message: "definition id cannot be empty"}
	}
	if def.InitialState == "" {
		return &MachineError{Code: ErrorCodeConfiguration, Message: "initial state not set"}
	}
	if len(def.States) == 0 {
		return &MachineError{Code: ErrorCodeConfiguration, Message: "definition has no states"}
	}
	if _, ok := def.States[def.InitialState]; !ok {
		return &MachineError{Code: ErrorCodeConfiguration, Message: fmt.Sprintf("initial state %q is not defined", def.InitialState)}
	}

	for name, s := range def.States {
		for event, target := range s.Transitions {
			if _, ok := def.States[target]; !ok {
				return &MachineError{Code: ErrorCodeConfiguration, Message: fmt.Sprintf("state %q transition %q targets undefined state %q", name, event, target)}
			}
		}
		if s.Timeout != nil {
			if _, ok := def.States[s.Timeout.Target]; !ok {
				return &MachineError{Code: ErrorCodeConfiguration, Message: fmt.Sprintf("state %q timeout targets undefined state %q", name, s.Timeout.Target)}
			}
			if s.Final {
				return &MachineError{Code: ErrorCodeConfiguration, Message: fmt.Sprintf("final state %q cannot declare a timeout", name)}
			}
		}
		if s.Final && len(s.Transitions) > 0 {
			return &MachineError{Code: ErrorCodeConfiguration, Message: fmt.Sprintf("final state %q cannot declare transitions", name)}
		}
		if s.Final && s.Offline {
			return &MachineError{Code: ErrorCodeConfiguration, Message: fmt.Sprintf("state %q cannot be both final and offline", name)}
		}
	}

	initial := def.States[def.InitialState]
	if initial.Final {
		return &MachineError{Code: ErrorCodeConfiguration, Message: "initial state cannot be final"}
	}
	return nil
}
