package statemachine

import (
	"context"
	"strings"
	"testing"
	"time"
)

func callDefinition(t *testing.T) *Definition {
	t.Helper()

	def, err := NewBuilder("call").
		InitialState("IDLE").
		State("IDLE").
		On("IncomingCall", "RINGING").
		Done().
		State("RINGING").
		On("Answer", "CONNECTED").
		Done().
		State("CONNECTED").
		On("Hangup", "COMPLETED").
		Done().
		State("COMPLETED").
		FinalState().
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return def
}

func TestBuilderBasicDefinition(t *testing.T) {
	def := callDefinition(t)

	if def.InitialState != "IDLE" {
		t.Errorf("initial state: got %q", def.InitialState)
	}
	if len(def.States) != 4 {
		t.Errorf("expected 4 states, got %d", len(def.States))
	}
	if def.States["IDLE"].Transitions["IncomingCall"] != "RINGING" {
		t.Error("IDLE -> RINGING transition missing")
	}
	if !def.States["COMPLETED"].Final {
		t.Error("COMPLETED should be final")
	}
	finals := def.FinalStates()
	if len(finals) != 1 || finals[0] != "COMPLETED" {
		t.Errorf("FinalStates: got %v", finals)
	}
}

func TestBuilderDuplicateTransitionFails(t *testing.T) {
	_, err := NewBuilder("dup").
		InitialState("A").
		State("A").
		On("go", "B").
		On("go", "B").
		Done().
		State("B").Done().
		Build()
	if err == nil {
		t.Fatal("duplicate (state, event) should fail construction")
	}
}

func TestBuilderStayTransitionConflictFails(t *testing.T) {
	stay := func(ctx context.Context, m *Machine, e Event) (bool, error) { return false, nil }

	_, err := NewBuilder("conflict").
		InitialState("A").
		State("A").
		On("go", "B").
		Stay("go", stay).
		Done().
		State("B").Done().
		Build()
	if err == nil {
		t.Fatal("stay action and transition for the same event should fail construction")
	}

	// Same conflict declared in the other order.
	_, err = NewBuilder("conflict2").
		InitialState("A").
		State("A").
		Stay("go", stay).
		On("go", "B").
		Done().
		State("B").Done().
		Build()
	if err == nil {
		t.Fatal("transition after stay action for the same event should fail construction")
	}
}

func TestBuilderUndefinedTargetFails(t *testing.T) {
	_, err := NewBuilder("dangling").
		InitialState("A").
		State("A").
		On("go", "NOWHERE").
		Done().
		Build()
	if err == nil {
		t.Fatal("transition to undefined state should fail construction")
	}
	if !strings.Contains(err.Error(), "NOWHERE") {
		t.Errorf("error should name the missing state: %v", err)
	}
}

func TestBuilderMissingInitialStateFails(t *testing.T) {
	_, err := NewBuilder("noinit").
		State("A").Done().
		Build()
	if err == nil {
		t.Fatal("missing initial state should fail construction")
	}

	_, err = NewBuilder("badinit").
		InitialState("GHOST").
		State("A").Done().
		Build()
	if err == nil {
		t.Fatal("undefined initial state should fail construction")
	}
}

func TestBuilderFinalStateConstraints(t *testing.T) {
	_, err := NewBuilder("finaltrans").
		InitialState("A").
		State("A").On("go", "B").Done().
		State("B").FinalState().On("back", "A").Done().
		Build()
	if err == nil {
		t.Fatal("final state with transitions should fail construction")
	}

	_, err = NewBuilder("finaltimeout").
		InitialState("A").
		State("A").On("go", "B").Done().
		State("B").FinalState().Timeout(time.Second, "A").Done().
		Build()
	if err == nil {
		t.Fatal("final state with timeout should fail construction")
	}
}

func TestBuilderAutoCreateRegistration(t *testing.T) {
	factory := func(machineID string) interface{} { return map[string]string{"id": machineID} }

	def, err := NewBuilder("call").
		InitialState("IDLE").
		OnNewMachineCreate("IncomingCall", factory).
		State("IDLE").On("IncomingCall", "DONE").Done().
		State("DONE").FinalState().Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := def.AutoCreate["IncomingCall"]; !ok {
		t.Error("auto-create factory not registered")
	}

	_, err = NewBuilder("call").
		InitialState("IDLE").
		OnNewMachineCreate("IncomingCall", factory).
		OnNewMachineCreate("IncomingCall", factory).
		State("IDLE").Done().
		Build()
	if err == nil {
		t.Fatal("duplicate auto-create registration should fail")
	}
}
