// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

// stubVision is a deterministic VisionModel for driver and patient tests.
type stubVision struct {
	delta float64
	fluid bool

	// fluidInMonitoring overrides fluid during the monitoring phase, so a
	// test can keep patients stable under treatment and recur off it.
	fluidInMonitoring bool
}

func (s *stubVision) CalculateVisionChange(state VisionState, actions []VisitAction, phase Phase) (float64, bool) {
	fluid := s.fluid
	if phase == PhaseMonitoring {
		fluid = s.fluidInMonitoring
	}
	return s.delta, fluid
}

// testConfig is a small, fast configuration with every stochastic branch
// switched off so event timing is fully deterministic. Tests flip on the
// pieces they exercise.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Simulation.PatientCount = 3
	cfg.Simulation.DurationWeeks = 156
	cfg.Simulation.Seed = 7

	cfg.Clinicians.Enabled = false

	cfg.Discontinuation.Criteria.StableMaxInterval.Probability = f64(0)
	cfg.Discontinuation.Criteria.RandomAdministrative.AnnualProbability = f64(0)
	cfg.Discontinuation.Criteria.TreatmentDuration.AnnualProbability = f64(0)
	cfg.Discontinuation.Criteria.Premature.ProbabilityFactor = f64(0)
	return cfg
}
