// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"time"
)

// Patient owns one individual's mutable clinical and treatment state.
//
// A Patient is created at enrollment and never destroyed; after the
// simulation end it simply stops generating events. State is mutated
// only by ProcessVisit, by the driver's phase/interval bookkeeping, and
// by the DiscontinuationManager's registration path.
type Patient struct {
	// ID is the immutable patient identifier.
	ID string

	// State is the lifecycle state, guarded by the driver's StateMachine.
	State LifecycleState

	// BaselineVision is the enrollment ETDRS score, immutable.
	BaselineVision float64

	// CurrentVision is the present ETDRS score.
	CurrentVision float64

	// Disease is the observed disease activity.
	Disease DiseaseActivity

	// TreatmentsInPhase counts injections in the current phase; reset on
	// phase change.
	TreatmentsInPhase int

	// NextVisitIntervalWeeks is the interval to the next scheduled visit.
	NextVisitIntervalWeeks int

	// Status is the treatment status variant.
	Status TreatmentStatus

	// EnrolledAt is the enrollment time.
	EnrolledAt time.Time

	// TreatmentStartedAt is when the current treatment course began.
	// Reset on retreatment so duration-based cessation measures the
	// current course, not lifetime exposure.
	TreatmentStartedAt time.Time

	// Generation invalidates queued events from before a retreatment.
	Generation int

	// History is the append-only visit record sequence.
	History []VisitRecord

	protocol ProtocolConfig
}

// NewPatient creates an enrolled patient with a clamped baseline vision.
func NewPatient(id string, baseline float64, enrolledAt time.Time, protocol ProtocolConfig) *Patient {
	return &Patient{
		ID:                     id,
		State:                  StateEnrolled,
		BaselineVision:         baseline,
		CurrentVision:          baseline,
		NextVisitIntervalWeeks: protocol.LoadingIntervalWeeks,
		Disease: DiseaseActivity{
			CurrentIntervalWeeks: protocol.LoadingIntervalWeeks,
		},
		Status:             TreatmentStatus{Kind: StatusActive},
		EnrolledAt:         enrolledAt,
		TreatmentStartedAt: enrolledAt,
		History:            []VisitRecord{},
		protocol:           protocol,
	}
}

// ProcessVisit advances the patient through one clinical encounter.
//
// The vision model supplies the letter-score delta and the OCT fluid
// finding; the result is clamped to the physical vision range. Stable
// fluid-free visits extend the consecutive-stable counter, activity
// resets it. Phase transitions are the driver's responsibility: this
// method only records state, it never reschedules.
func (p *Patient) ProcessVisit(t time.Time, actions []VisitAction, vm VisionModel, clinician *Clinician, visionCfg VisionConfig) *VisitRecord {
	phase := p.State.Phase()

	delta, fluid := vm.CalculateVisionChange(VisionState{
		PatientID:         p.ID,
		FluidDetected:     p.Disease.FluidDetected,
		TreatmentsInPhase: p.TreatmentsInPhase,
		IntervalWeeks:     p.Disease.CurrentIntervalWeeks,
		CurrentVision:     p.CurrentVision,
	}, actions, phase)

	p.CurrentVision = visionCfg.ClampVision(p.CurrentVision + delta)

	if HasAction(actions, ActionOCTScan) {
		p.Disease.FluidDetected = fluid
	}

	diseaseState := "stable"
	if p.Disease.FluidDetected {
		diseaseState = "active"
		p.Disease.ConsecutiveStableVisits = 0
	} else {
		p.Disease.ConsecutiveStableVisits++
	}

	if p.Disease.CurrentIntervalWeeks >= p.protocol.MaxIntervalWeeks {
		p.Disease.MaxIntervalReached = true
	}

	record := VisitRecord{
		Time:              t,
		Phase:             phase,
		Actions:           actions,
		Vision:            p.CurrentVision,
		BaselineVision:    p.BaselineVision,
		DiseaseState:      diseaseState,
		IsMonitoringVisit: phase == PhaseMonitoring,
	}
	if clinician != nil {
		record.ClinicianID = clinician.ID
	}
	if HasAction(actions, ActionInjection) {
		p.TreatmentsInPhase++
	}

	p.History = append(p.History, record)
	return &p.History[len(p.History)-1]
}

// FlagDiscontinuationVisit retroactively marks the most recent visit as
// the cessation trigger. This is the only permitted history mutation.
func (p *Patient) FlagDiscontinuationVisit(ct CessationType) {
	if len(p.History) == 0 {
		return
	}
	last := &p.History[len(p.History)-1]
	last.IsDiscontinuationVisit = true
	last.DiscontinuationType = ct
}

// LastVisit returns the most recent visit record, or nil before the
// first visit.
func (p *Patient) LastVisit() *VisitRecord {
	if len(p.History) == 0 {
		return nil
	}
	return &p.History[len(p.History)-1]
}
