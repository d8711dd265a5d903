// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPatient(baseline float64) *Patient {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewPatient("patient-0001", baseline, start, DefaultConfig().Protocol)
}

func TestPatient_ProcessVisitRecordsHistory(t *testing.T) {
	p := newTestPatient(60)
	p.State = StateLoading
	vm := &stubVision{delta: 2}
	cfg := DefaultConfig().Vision

	actions := []VisitAction{ActionVisionTest, ActionOCTScan, ActionInjection}
	record := p.ProcessVisit(p.EnrolledAt, actions, vm, nil, cfg)

	require.NotNil(t, record)
	assert.Equal(t, 62.0, p.CurrentVision)
	assert.Equal(t, 62.0, record.Vision)
	assert.Equal(t, 60.0, record.BaselineVision)
	assert.Equal(t, PhaseLoading, record.Phase)
	assert.Equal(t, "stable", record.DiseaseState)
	assert.False(t, record.IsMonitoringVisit)
	assert.Equal(t, 1, p.TreatmentsInPhase)
	assert.Len(t, p.History, 1)
}

func TestPatient_VisionClampedToPhysicalRange(t *testing.T) {
	cfg := DefaultConfig().Vision

	p := newTestPatient(5)
	p.State = StateLoading
	p.ProcessVisit(p.EnrolledAt, []VisitAction{ActionVisionTest}, &stubVision{delta: -1000}, nil, cfg)
	assert.Equal(t, cfg.MinLetters, p.CurrentVision, "vision must not fall below the floor")

	p = newTestPatient(80)
	p.State = StateLoading
	p.ProcessVisit(p.EnrolledAt, []VisitAction{ActionVisionTest}, &stubVision{delta: 1000}, nil, cfg)
	assert.Equal(t, cfg.MaxLetters, p.CurrentVision, "vision must not exceed the ceiling")
}

func TestPatient_StableCounterIncrementsAndResets(t *testing.T) {
	p := newTestPatient(60)
	p.State = StateMaintenance
	cfg := DefaultConfig().Vision
	actions := []VisitAction{ActionVisionTest, ActionOCTScan, ActionInjection}

	t0 := p.EnrolledAt
	p.ProcessVisit(t0, actions, &stubVision{}, nil, cfg)
	p.ProcessVisit(t0.Add(weeks(8)), actions, &stubVision{}, nil, cfg)
	assert.Equal(t, 2, p.Disease.ConsecutiveStableVisits)

	p.ProcessVisit(t0.Add(weeks(16)), actions, &stubVision{fluid: true}, nil, cfg)
	assert.Equal(t, 0, p.Disease.ConsecutiveStableVisits, "fluid resets the stable run")
	assert.True(t, p.Disease.FluidDetected)

	p.ProcessVisit(t0.Add(weeks(24)), actions, &stubVision{}, nil, cfg)
	assert.Equal(t, 1, p.Disease.ConsecutiveStableVisits)
	assert.False(t, p.Disease.FluidDetected)
}

func TestPatient_FluidUnchangedWithoutOCT(t *testing.T) {
	p := newTestPatient(60)
	p.State = StateMaintenance
	cfg := DefaultConfig().Vision

	p.Disease.FluidDetected = true
	p.ProcessVisit(p.EnrolledAt, []VisitAction{ActionVisionTest}, &stubVision{fluid: false}, nil, cfg)
	assert.True(t, p.Disease.FluidDetected, "no OCT scan, no new fluid finding")
}

func TestPatient_MaxIntervalReached(t *testing.T) {
	p := newTestPatient(60)
	p.State = StateMaintenance
	cfg := DefaultConfig().Vision
	actions := []VisitAction{ActionVisionTest, ActionOCTScan, ActionInjection}

	p.Disease.CurrentIntervalWeeks = 14
	p.ProcessVisit(p.EnrolledAt, actions, &stubVision{}, nil, cfg)
	assert.False(t, p.Disease.MaxIntervalReached)

	p.Disease.CurrentIntervalWeeks = 16
	p.ProcessVisit(p.EnrolledAt.Add(weeks(14)), actions, &stubVision{}, nil, cfg)
	assert.True(t, p.Disease.MaxIntervalReached)
}

func TestPatient_FlagDiscontinuationVisit(t *testing.T) {
	p := newTestPatient(60)
	p.State = StateMaintenance
	cfg := DefaultConfig().Vision

	// Flagging with no history is a no-op, not a panic.
	p.FlagDiscontinuationVisit(CessationStableMaxInterval)
	assert.Empty(t, p.History)

	p.ProcessVisit(p.EnrolledAt, []VisitAction{ActionVisionTest}, &stubVision{}, nil, cfg)
	p.FlagDiscontinuationVisit(CessationStableMaxInterval)

	last := p.LastVisit()
	require.NotNil(t, last)
	assert.True(t, last.IsDiscontinuationVisit)
	assert.Equal(t, CessationStableMaxInterval, last.DiscontinuationType)
}

func TestPatient_ClinicianRecordedOnVisit(t *testing.T) {
	p := newTestPatient(60)
	p.State = StateLoading
	cfg := DefaultConfig().Vision
	clinician := &Clinician{ID: "clinician-03", Adherent: true, PrematureMultiplier: 1.0}

	record := p.ProcessVisit(p.EnrolledAt, []VisitAction{ActionVisionTest}, &stubVision{}, clinician, cfg)
	assert.Equal(t, "clinician-03", record.ClinicianID)
}
