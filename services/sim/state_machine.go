// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import "fmt"

// LifecycleState is a state in the per-patient lifecycle state machine.
//
// The lifecycle runs enrolled -> loading -> maintenance -> monitoring,
// with monitoring looping back to loading on retreatment, and any state
// terminating in inactive at simulation end.
type LifecycleState string

const (
	// StateEnrolled is the initial state before the first visit.
	StateEnrolled LifecycleState = "enrolled"

	// StateLoading is the fixed-interval injection series.
	StateLoading LifecycleState = "loading"

	// StateMaintenance is the treat-and-extend phase.
	StateMaintenance LifecycleState = "maintenance"

	// StateMonitoring is post-discontinuation follow-up.
	StateMonitoring LifecycleState = "monitoring"

	// StateInactive is terminal: the simulation end date was reached, or
	// the patient was lost with no monitoring cadence.
	StateInactive LifecycleState = "inactive"
)

// String returns the state as a string.
func (s LifecycleState) String() string {
	return string(s)
}

// IsTerminal reports whether the state generates no further events.
func (s LifecycleState) IsTerminal() bool {
	return s == StateInactive
}

// Phase maps a lifecycle state to the visit-record phase. Only meaningful
// for states in which visits occur.
func (s LifecycleState) Phase() Phase {
	switch s {
	case StateMaintenance:
		return PhaseMaintenance
	case StateMonitoring:
		return PhaseMonitoring
	default:
		return PhaseLoading
	}
}

// AllLifecycleStates returns every valid lifecycle state.
func AllLifecycleStates() []LifecycleState {
	return []LifecycleState{
		StateEnrolled,
		StateLoading,
		StateMaintenance,
		StateMonitoring,
		StateInactive,
	}
}

// StateMachine validates patient lifecycle transitions.
//
// Thread Safety: the transition table is immutable after construction,
// so a single StateMachine may be shared across drivers.
type StateMachine struct {
	transitions map[LifecycleState][]LifecycleState
}

// NewStateMachine builds the lifecycle transition table.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		transitions: map[LifecycleState][]LifecycleState{
			StateEnrolled:    {StateLoading, StateInactive},
			StateLoading:     {StateMaintenance, StateInactive},
			StateMaintenance: {StateMonitoring, StateInactive},
			StateMonitoring:  {StateLoading, StateInactive},
			StateInactive:    {},
		},
	}
}

// CanTransition reports whether from -> to is a valid transition.
func (sm *StateMachine) CanTransition(from, to LifecycleState) bool {
	for _, next := range sm.transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the patient to the target state, or returns
// ErrInvalidTransition without modifying the patient.
func (sm *StateMachine) Transition(p *Patient, to LifecycleState) error {
	if !sm.CanTransition(p.State, to) {
		return fmt.Errorf("%w: %s -> %s (patient %s)", ErrInvalidTransition, p.State, to, p.ID)
	}
	p.State = to
	return nil
}
