// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"fmt"
	"math/rand"
)

// VisionState is the slice of patient state a vision model may observe.
type VisionState struct {
	PatientID         string
	FluidDetected     bool
	TreatmentsInPhase int
	IntervalWeeks     int
	CurrentVision     float64
}

// VisionModel computes per-visit vision change and fluid recurrence.
//
// The numeric trajectory model is an external collaborator; the core only
// depends on this contract. Implementations must draw exclusively from
// the generator they were constructed with so runs stay reproducible.
type VisionModel interface {
	// CalculateVisionChange returns the letter-score delta for the visit
	// and whether OCT found fluid. The fluid result is only meaningful
	// when the action set includes an OCT scan.
	CalculateVisionChange(state VisionState, actions []VisitAction, phase Phase) (delta float64, fluidDetected bool)
}

// StochasticVisionModel is the default configuration-driven VisionModel.
//
// Treated visits draw a normal gain (larger during loading), untreated
// visits draw a decline. Recurrence probability starts at a configured
// floor and grows with the current interval, so longer gaps between
// injections carry more recurrence risk. Off-treatment monitoring visits
// accrue risk over the full time since the last injection.
type StochasticVisionModel struct {
	cfg VisionConfig
	rng *rand.Rand
}

// NewStochasticVisionModel builds the default vision model on the run's
// generator.
func NewStochasticVisionModel(cfg VisionConfig, rng *rand.Rand) *StochasticVisionModel {
	return &StochasticVisionModel{cfg: cfg, rng: rng}
}

// CalculateVisionChange implements VisionModel.
func (m *StochasticVisionModel) CalculateVisionChange(state VisionState, actions []VisitAction, phase Phase) (float64, bool) {
	var effect VisionEffect
	switch {
	case !HasAction(actions, ActionInjection):
		effect = m.cfg.UntreatedDecline
	case phase == PhaseLoading:
		effect = m.cfg.LoadingGain
	default:
		effect = m.cfg.MaintenanceGain
	}
	delta := m.rng.NormFloat64()*effect.SD + effect.Mean

	fluid := state.FluidDetected
	if HasAction(actions, ActionOCTScan) {
		p := m.cfg.FluidBaseProbability + m.cfg.FluidWeeklyRisk*float64(state.IntervalWeeks)
		if phase == PhaseMonitoring {
			// Off treatment, nothing suppresses recurrence.
			p += m.cfg.FluidBaseProbability
		}
		if p > 1 {
			p = 1
		}
		fluid = m.rng.Float64() < p
	}
	return delta, fluid
}

// ClampVision bounds a letter score to the configured physical range.
// Out-of-range collaborator values are an expected occurrence, not an
// error: vision cannot leave the ETDRS scale.
func (c VisionConfig) ClampVision(v float64) float64 {
	if v < c.MinLetters {
		return c.MinLetters
	}
	if v > c.MaxLetters {
		return c.MaxLetters
	}
	return v
}

// Clinician is one treating clinician with an adherence profile.
type Clinician struct {
	// ID identifies the clinician in visit records.
	ID string

	// Adherent clinicians follow protocol; non-adherent ones cease
	// treatment prematurely more often.
	Adherent bool

	// PrematureMultiplier scales the premature cessation probability.
	PrematureMultiplier float64
}

// Multiplier returns the premature-cessation scaling factor. A nil
// clinician means no clinician modeling and scales by 1.0.
func (c *Clinician) Multiplier() float64 {
	if c == nil {
		return 1.0
	}
	return c.PrematureMultiplier
}

// ClinicianPool assigns clinicians to visits.
//
// Thread Safety: not safe for concurrent use; each Driver owns one pool
// drawing from the run's generator.
type ClinicianPool struct {
	clinicians []Clinician
	rng        *rand.Rand
}

// NewClinicianPool builds a pool per configuration. A disabled or empty
// configuration returns a pool that assigns no clinician.
func NewClinicianPool(cfg ClinicianConfig, rng *rand.Rand) *ClinicianPool {
	pool := &ClinicianPool{rng: rng}
	if !cfg.Enabled || cfg.PoolSize == 0 {
		return pool
	}

	nonAdherent := int(float64(cfg.PoolSize) * cfg.NonAdherentFraction)
	for i := 0; i < cfg.PoolSize; i++ {
		c := Clinician{
			ID:                  fmt.Sprintf("clinician-%02d", i+1),
			Adherent:            i >= nonAdherent,
			PrematureMultiplier: 1.0,
		}
		if !c.Adherent {
			c.PrematureMultiplier = cfg.NonAdherentMultiplier
		}
		pool.clinicians = append(pool.clinicians, c)
	}
	return pool
}

// Assign picks a clinician for a visit, or nil when the pool is empty.
func (p *ClinicianPool) Assign() *Clinician {
	if len(p.clinicians) == 0 {
		return nil
	}
	return &p.clinicians[p.rng.Intn(len(p.clinicians))]
}
