// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(cfg DiscontinuationConfig, seed int64) *DiscontinuationManager {
	return NewDiscontinuationManager(cfg, rand.New(rand.NewSource(seed)), nil)
}

// eligiblePatient is at the planned-cessation gate: maintenance, maximum
// interval, fluid free.
func eligiblePatient() *Patient {
	p := newTestPatient(60)
	p.State = StateMaintenance
	p.Disease.MaxIntervalReached = true
	p.Disease.ConsecutiveStableVisits = 3
	p.Disease.CurrentIntervalWeeks = 16
	return p
}

func TestPerVisitProbability(t *testing.T) {
	tests := []struct {
		name     string
		annual   float64
		interval int
		want     float64
	}{
		{"zero annual", 0, 8, 0},
		{"certain annual", 1, 8, 1},
		{"full year interval", 0.1, 52, 0.1},
		{"eight week interval", 0.05, 8, 1 - math.Pow(0.95, 8.0/52.0)},
		{"sixteen week interval", 0.05, 16, 1 - math.Pow(0.95, 16.0/52.0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := perVisitProbability(tt.annual, tt.interval)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestEvaluateDiscontinuation_Disabled(t *testing.T) {
	cfg := DefaultConfig().Discontinuation
	cfg.Enabled = false
	m := newTestManager(cfg, 1)

	decision := m.EvaluateDiscontinuation(eligiblePatient(), time.Now(), nil)
	assert.False(t, decision.ShouldDiscontinue)
}

func TestEvaluateDiscontinuation_PlannedRequiresStability(t *testing.T) {
	cfg := DefaultConfig().Discontinuation
	cfg.Criteria.StableMaxInterval.Probability = f64(1)
	cfg.Criteria.RandomAdministrative.AnnualProbability = f64(0)
	cfg.Criteria.TreatmentDuration.AnnualProbability = f64(0)
	cfg.Criteria.Premature.ProbabilityFactor = f64(0)
	m := newTestManager(cfg, 1)

	p := eligiblePatient()
	decision := m.EvaluateDiscontinuation(p, time.Now(), nil)
	require.True(t, decision.ShouldDiscontinue)
	assert.Equal(t, CessationStableMaxInterval, decision.Type)
	assert.Equal(t, 1.0, decision.Probability)

	// Fluid at the visit blocks the planned rule even at max interval.
	p = eligiblePatient()
	p.Disease.FluidDetected = true
	decision = m.EvaluateDiscontinuation(p, time.Now(), nil)
	assert.False(t, decision.ShouldDiscontinue)

	p = eligiblePatient()
	p.Disease.MaxIntervalReached = false
	decision = m.EvaluateDiscontinuation(p, time.Now(), nil)
	assert.False(t, decision.ShouldDiscontinue)
}

func TestEvaluateDiscontinuation_PriorityOrderWins(t *testing.T) {
	// Both the planned and administrative rules are certain; the
	// configured order decides which one is reported.
	cfg := DefaultConfig().Discontinuation
	cfg.Criteria.StableMaxInterval.Probability = f64(1)
	cfg.Criteria.RandomAdministrative.AnnualProbability = f64(1)
	cfg.Criteria.TreatmentDuration.AnnualProbability = f64(0)
	cfg.Criteria.Premature.ProbabilityFactor = f64(0)

	m := newTestManager(cfg, 1)
	decision := m.EvaluateDiscontinuation(eligiblePatient(), time.Now(), nil)
	require.True(t, decision.ShouldDiscontinue)
	assert.Equal(t, CessationStableMaxInterval, decision.Type)

	cfg.PriorityOrder = []CessationType{
		CessationRandomAdministrative,
		CessationStableMaxInterval,
		CessationTreatmentDuration,
		CessationPremature,
	}
	m = newTestManager(cfg, 1)
	decision = m.EvaluateDiscontinuation(eligiblePatient(), time.Now(), nil)
	require.True(t, decision.ShouldDiscontinue)
	assert.Equal(t, CessationRandomAdministrative, decision.Type)
}

func TestEvaluateDiscontinuation_DurationThresholdGate(t *testing.T) {
	cfg := DefaultConfig().Discontinuation
	cfg.Criteria.StableMaxInterval.Probability = f64(0)
	cfg.Criteria.RandomAdministrative.AnnualProbability = f64(0)
	cfg.Criteria.TreatmentDuration.AnnualProbability = f64(1)
	cfg.Criteria.TreatmentDuration.ThresholdWeeks = 52
	cfg.Criteria.Premature.ProbabilityFactor = f64(0)
	m := newTestManager(cfg, 1)

	p := eligiblePatient()
	now := p.TreatmentStartedAt.Add(weeks(40))
	decision := m.EvaluateDiscontinuation(p, now, nil)
	assert.False(t, decision.ShouldDiscontinue, "below the duration threshold")

	now = p.TreatmentStartedAt.Add(weeks(60))
	decision = m.EvaluateDiscontinuation(p, now, nil)
	require.True(t, decision.ShouldDiscontinue)
	assert.Equal(t, CessationTreatmentDuration, decision.Type)
}

func TestEvaluateDiscontinuation_PrematureScalesByClinician(t *testing.T) {
	cfg := DefaultConfig().Discontinuation
	cfg.Criteria.StableMaxInterval.Probability = f64(0)
	cfg.Criteria.RandomAdministrative.AnnualProbability = f64(0)
	cfg.Criteria.TreatmentDuration.AnnualProbability = f64(0)
	cfg.Criteria.Premature.ProbabilityFactor = f64(0.5)
	cfg.Criteria.Premature.TargetRateFactor = 1.0
	m := newTestManager(cfg, 1)

	nonAdherent := &Clinician{ID: "clinician-01", PrematureMultiplier: 2.0}
	prob, eligible := m.criterionProbability(CessationPremature, eligiblePatient(), time.Now(), nonAdherent)
	require.True(t, eligible)
	assert.Equal(t, 1.0, prob, "scaled probability is capped at 1")

	adherent := &Clinician{ID: "clinician-02", PrematureMultiplier: 1.0}
	prob, _ = m.criterionProbability(CessationPremature, eligiblePatient(), time.Now(), adherent)
	assert.Equal(t, 0.5, prob)

	// No clinician modeling scales by 1.0.
	prob, _ = m.criterionProbability(CessationPremature, eligiblePatient(), time.Now(), nil)
	assert.Equal(t, 0.5, prob)
}

func TestRegisterDiscontinuation_EventVsUniqueCounting(t *testing.T) {
	m := newTestManager(DefaultConfig().Discontinuation, 1)

	require.NoError(t, m.RegisterDiscontinuation("patient-0001", CessationStableMaxInterval))
	m.RegisterRetreatment("patient-0001")
	require.NoError(t, m.RegisterDiscontinuation("patient-0001", CessationStableMaxInterval))
	require.NoError(t, m.RegisterDiscontinuation("patient-0002", CessationPremature))

	stats := m.Statistics()
	assert.Equal(t, 2, stats.EventsByType[CessationStableMaxInterval])
	assert.Equal(t, 1, stats.EventsByType[CessationPremature])
	assert.Equal(t, 3, stats.TotalDiscontinuationEvts)
	assert.Equal(t, 1, stats.UniquePatientsByType[CessationStableMaxInterval])
	assert.Equal(t, 2, stats.UniqueDiscontinued, "re-discontinuation never adds a unique patient")
	assert.Equal(t, 1, stats.UniqueRetreated)
	assert.Equal(t, 1, stats.RetreatmentEvents)
	assert.Equal(t, []string{"patient-0001", "patient-0002"}, stats.DiscontinuedPatientIDs)
}

func TestRegisterDiscontinuation_OpenEpisodeConflict(t *testing.T) {
	m := newTestManager(DefaultConfig().Discontinuation, 1)

	require.NoError(t, m.RegisterDiscontinuation("patient-0001", CessationStableMaxInterval))

	err := m.RegisterDiscontinuation("patient-0001", CessationPremature)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpenEpisode)

	// Retreatment closes the episode; a new type is then legal.
	m.RegisterRetreatment("patient-0001")
	require.NoError(t, m.RegisterDiscontinuation("patient-0001", CessationPremature))

	ct, open := m.OpenEpisode("patient-0001")
	require.True(t, open)
	assert.Equal(t, CessationPremature, ct)
}

func TestScheduleMonitoring_Cadences(t *testing.T) {
	cfg := DefaultConfig().Discontinuation
	m := newTestManager(cfg, 1)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	visits := m.ScheduleMonitoring(now, CessationStableMaxInterval, "patient-0001")
	require.Len(t, visits, 3)
	assert.Equal(t, now.Add(weeks(12)), visits[0].Time)
	assert.Equal(t, now.Add(weeks(24)), visits[1].Time)
	assert.Equal(t, now.Add(weeks(36)), visits[2].Time)
	for _, v := range visits {
		assert.Equal(t, []VisitAction{ActionVisionTest, ActionOCTScan}, v.Actions)
		assert.False(t, HasAction(v.Actions, ActionInjection), "monitoring visits never inject")
	}

	visits = m.ScheduleMonitoring(now, CessationPremature, "patient-0001")
	require.Len(t, visits, 3)
	assert.Equal(t, now.Add(weeks(8)), visits[0].Time)

	visits = m.ScheduleMonitoring(now, CessationRandomAdministrative, "patient-0001")
	assert.Empty(t, visits, "administrative cessation has no follow-up cadence")
}

func TestEvaluateRetreatment(t *testing.T) {
	cfg := DefaultConfig().Discontinuation
	cfg.Retreatment.Probability = f64(1)
	m := newTestManager(cfg, 1)

	p := newTestPatient(60)
	p.State = StateMonitoring

	decision := m.EvaluateRetreatment(p, nil)
	assert.False(t, decision.ShouldRetreat, "no fluid, no retreatment")
	assert.Zero(t, decision.Probability)

	p.Disease.FluidDetected = true
	decision = m.EvaluateRetreatment(p, nil)
	assert.True(t, decision.ShouldRetreat)
	assert.Equal(t, 1.0, decision.Probability)
}

func TestApplyVisionChangeAfterDiscontinuation(t *testing.T) {
	visionCfg := DefaultConfig().Vision
	visionCfg.DiscontinuationEffects = map[CessationType]VisionEffect{
		CessationPremature: {Mean: -4, SD: 0},
	}
	m := newTestManager(DefaultConfig().Discontinuation, 1)

	p := newTestPatient(60)
	m.ApplyVisionChangeAfterDiscontinuation(p, CessationPremature, visionCfg)
	assert.Equal(t, 56.0, p.CurrentVision)

	// Unknown type applies nothing.
	m.ApplyVisionChangeAfterDiscontinuation(p, CessationStableMaxInterval, visionCfg)
	assert.Equal(t, 56.0, p.CurrentVision)
}

func TestEvaluateDiscontinuation_IsPure(t *testing.T) {
	cfg := DefaultConfig().Discontinuation
	cfg.Criteria.StableMaxInterval.Probability = f64(0.5)
	m := newTestManager(cfg, 1)

	for i := 0; i < 10; i++ {
		m.EvaluateDiscontinuation(eligiblePatient(), time.Now(), nil)
	}
	stats := m.Statistics()
	assert.Zero(t, stats.TotalDiscontinuationEvts, "evaluation must not mutate counters")
	assert.Zero(t, stats.UniqueDiscontinued)
	assert.Zero(t, stats.OpenEpisodePatientCount)
}
