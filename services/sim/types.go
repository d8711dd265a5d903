// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sim provides a discrete-event simulation of neovascular AMD
// patients treated with anti-VEGF injections under a treat-and-extend
// protocol.
//
// The simulation advances a patient population through loading,
// maintenance, and post-discontinuation monitoring phases. The
// DiscontinuationManager is the sole authority for treatment cessation
// and retreatment decisions and for the unique-patient statistics that
// guard against double counting. The Driver owns the event queue, the
// interval controller, and is the exclusive caller of the manager.
//
// Thread Safety:
//
//	A single Driver runs one replicate on one goroutine. Replicates may
//	run concurrently because each Driver owns its manager, RNG, and
//	population outright; the manager additionally serializes its own
//	mutations so shared use would still be safe.
package sim

import (
	"time"
)

// Phase identifies the treatment phase a visit occurs in.
type Phase string

const (
	// PhaseLoading is the initial fixed-interval injection series.
	PhaseLoading Phase = "loading"

	// PhaseMaintenance is the variable-interval treat-and-extend phase.
	PhaseMaintenance Phase = "maintenance"

	// PhaseMonitoring is post-discontinuation follow-up without injections.
	PhaseMonitoring Phase = "monitoring"
)

// String returns the phase as a string.
func (p Phase) String() string {
	return string(p)
}

// CessationType is the categorical reason a patient stopped treatment.
type CessationType string

const (
	// CessationStableMaxInterval is the planned, stability-based stop:
	// disease quiet at the maximum interval. The clinically desirable rule.
	CessationStableMaxInterval CessationType = "stable_max_interval"

	// CessationRandomAdministrative models non-clinical loss: transfers,
	// non-attendance, system failure. Independent of disease state.
	CessationRandomAdministrative CessationType = "random_administrative"

	// CessationTreatmentDuration ("not renewed") fires once cumulative
	// treatment time exceeds a course-length threshold.
	CessationTreatmentDuration CessationType = "treatment_duration"

	// CessationPremature is early, clinically inappropriate cessation,
	// scaled by clinician adherence.
	CessationPremature CessationType = "premature"
)

// String returns the cessation type as a string.
func (c CessationType) String() string {
	return string(c)
}

// AllCessationTypes returns the four cessation types in the default
// evaluation priority order.
func AllCessationTypes() []CessationType {
	return []CessationType{
		CessationStableMaxInterval,
		CessationTreatmentDuration,
		CessationRandomAdministrative,
		CessationPremature,
	}
}

// VisitAction is a clinical action performed at a visit.
type VisitAction string

const (
	// ActionVisionTest measures ETDRS letter score.
	ActionVisionTest VisitAction = "vision_test"

	// ActionOCTScan images the retina and detects fluid.
	ActionOCTScan VisitAction = "oct_scan"

	// ActionInjection administers anti-VEGF.
	ActionInjection VisitAction = "injection"
)

// HasAction reports whether the given action is in the set.
func HasAction(actions []VisitAction, a VisitAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// StatusKind tags the patient's treatment status.
//
// The kind determines which TreatmentStatus fields are meaningful,
// replacing loosely-typed field probing with an explicit variant tag.
type StatusKind string

const (
	// StatusActive means the patient receives regular injections.
	StatusActive StatusKind = "active"

	// StatusDiscontinued means treatment stopped and the patient is in
	// (or past) the monitoring cadence for their cessation type.
	StatusDiscontinued StatusKind = "discontinued"

	// StatusRetreated means the patient resumed injections after a
	// monitoring-phase recurrence. Functionally active again.
	StatusRetreated StatusKind = "retreated"
)

// TreatmentStatus is the patient's current treatment status.
//
// DiscontinuedAt, Reason, and Cessation are meaningful only when Kind is
// StatusDiscontinued. RecurrenceDetected is set during monitoring when
// fluid is found, whether or not retreatment follows.
type TreatmentStatus struct {
	Kind               StatusKind
	DiscontinuedAt     time.Time
	Reason             string
	Cessation          CessationType
	RecurrenceDetected bool
}

// Active reports whether the patient currently receives regular treatment.
func (s TreatmentStatus) Active() bool {
	return s.Kind == StatusActive || s.Kind == StatusRetreated
}

// DiseaseActivity is the observed disease state driving interval decisions.
type DiseaseActivity struct {
	// FluidDetected is the most recent OCT fluid finding.
	FluidDetected bool

	// ConsecutiveStableVisits counts visits since fluid was last seen.
	ConsecutiveStableVisits int

	// MaxIntervalReached becomes true once the interval has held at the
	// protocol maximum for a full step.
	MaxIntervalReached bool

	// CurrentIntervalWeeks is the interval used to schedule the next visit.
	CurrentIntervalWeeks int
}

// VisitRecord is an immutable snapshot of one clinical encounter.
//
// Records are append-only. The single permitted after-the-fact mutation is
// flagging the most recent record as the discontinuation trigger; the
// action set is never changed retroactively.
type VisitRecord struct {
	// Time is the visit timestamp.
	Time time.Time

	// Phase is the treatment phase at the visit.
	Phase Phase

	// Actions is the set of clinical actions performed.
	Actions []VisitAction

	// Vision is the ETDRS letter score after the visit.
	Vision float64

	// BaselineVision is the enrollment letter score, repeated for flat export.
	BaselineVision float64

	// DiseaseState labels the observed activity ("stable" or "active").
	DiseaseState string

	// ClinicianID identifies the clinician who saw the patient.
	ClinicianID string

	// IsDiscontinuationVisit marks the visit that triggered cessation.
	IsDiscontinuationVisit bool

	// DiscontinuationType is set alongside IsDiscontinuationVisit.
	DiscontinuationType CessationType

	// IsMonitoringVisit marks post-discontinuation follow-up visits.
	IsMonitoringVisit bool

	// IsRetreatmentVisit marks the monitoring visit where retreatment
	// was accepted.
	IsRetreatmentVisit bool
}

// DiscontinuationDecision is the outcome of one cessation evaluation.
//
// Evaluation is pure: returning a decision mutates no manager state until
// the driver accepts it via RegisterDiscontinuation.
type DiscontinuationDecision struct {
	// ShouldDiscontinue is true when a criterion fired.
	ShouldDiscontinue bool

	// Reason is a human-readable explanation of the firing criterion.
	Reason string

	// Probability is the per-visit probability that was tested.
	Probability float64

	// Type is the cessation type of the firing criterion.
	Type CessationType
}

// RetreatmentDecision is the outcome of one retreatment evaluation.
type RetreatmentDecision struct {
	// ShouldRetreat is true when the patient should resume injections.
	ShouldRetreat bool

	// Probability is the probability that was tested.
	Probability float64
}

// MonitoringVisit is one scheduled post-discontinuation follow-up.
type MonitoringVisit struct {
	// Time is the absolute visit time.
	Time time.Time

	// Actions performed at the follow-up (vision test and OCT).
	Actions []VisitAction
}

// VisitRow is one row of the flat visit table exposed to external
// persistence and charting layers.
//
// HasBeenDiscontinued and HasBeenRetreated are cumulative flags computed
// by a post-pass over the history; the core never stores them.
type VisitRow struct {
	PatientID              string        `json:"patient_id"`
	Time                   time.Time     `json:"time"`
	Phase                  Phase         `json:"phase"`
	Vision                 float64       `json:"vision"`
	Actions                []VisitAction `json:"actions"`
	IsDiscontinuationVisit bool          `json:"is_discontinuation_visit"`
	DiscontinuationType    CessationType `json:"discontinuation_type,omitempty"`
	IsMonitoringVisit      bool          `json:"is_monitoring_visit"`
	IsRetreatmentVisit     bool          `json:"is_retreatment_visit"`
	HasBeenDiscontinued    bool          `json:"has_been_discontinued"`
	HasBeenRetreated       bool          `json:"has_been_retreated"`
}
