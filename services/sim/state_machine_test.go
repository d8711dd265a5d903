// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"errors"
	"testing"
	"time"
)

func TestStateMachine_ValidTransitions(t *testing.T) {
	sm := NewStateMachine()

	validTransitions := []struct {
		from LifecycleState
		to   LifecycleState
	}{
		// enrolled transitions
		{StateEnrolled, StateLoading},
		{StateEnrolled, StateInactive},

		// loading transitions
		{StateLoading, StateMaintenance},
		{StateLoading, StateInactive},

		// maintenance transitions
		{StateMaintenance, StateMonitoring},
		{StateMaintenance, StateInactive},

		// monitoring transitions (retreatment loops back to loading)
		{StateMonitoring, StateLoading},
		{StateMonitoring, StateInactive},
	}

	for _, tt := range validTransitions {
		if !sm.CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be valid", tt.from, tt.to)
		}
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	sm := NewStateMachine()

	invalidTransitions := []struct {
		from LifecycleState
		to   LifecycleState
	}{
		// no phase skipping
		{StateEnrolled, StateMaintenance},
		{StateEnrolled, StateMonitoring},
		{StateLoading, StateMonitoring},
		{StateMaintenance, StateLoading},

		// no going backwards except via retreatment
		{StateMaintenance, StateEnrolled},
		{StateMonitoring, StateMaintenance},

		// inactive is terminal
		{StateInactive, StateEnrolled},
		{StateInactive, StateLoading},
		{StateInactive, StateMaintenance},
		{StateInactive, StateMonitoring},

		// no self loops
		{StateLoading, StateLoading},
		{StateMaintenance, StateMaintenance},
	}

	for _, tt := range invalidTransitions {
		if sm.CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be invalid", tt.from, tt.to)
		}
	}
}

func TestStateMachine_TransitionMutatesOnlyOnSuccess(t *testing.T) {
	sm := NewStateMachine()
	p := NewPatient("patient-0001", 60, time.Now(), DefaultConfig().Protocol)

	if err := sm.Transition(p, StateLoading); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State != StateLoading {
		t.Errorf("expected state loading, got %s", p.State)
	}

	err := sm.Transition(p, StateMonitoring)
	if err == nil {
		t.Fatal("expected error for loading -> monitoring")
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if p.State != StateLoading {
		t.Errorf("failed transition must not mutate state, got %s", p.State)
	}
}

func TestStateMachine_TerminalStates(t *testing.T) {
	for _, s := range AllLifecycleStates() {
		terminal := s == StateInactive
		if s.IsTerminal() != terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, s.IsTerminal(), terminal)
		}
	}
}

func TestLifecycleState_Phase(t *testing.T) {
	tests := []struct {
		state LifecycleState
		want  Phase
	}{
		{StateEnrolled, PhaseLoading},
		{StateLoading, PhaseLoading},
		{StateMaintenance, PhaseMaintenance},
		{StateMonitoring, PhaseMonitoring},
	}
	for _, tt := range tests {
		if got := tt.state.Phase(); got != tt.want {
			t.Errorf("Phase(%s) = %s, want %s", tt.state, got, tt.want)
		}
	}
}
