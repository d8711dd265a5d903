// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/clinsim/amdte/pkg/logging"
)

// DiscontinuationManager is the sole authority for treatment cessation
// and retreatment.
//
// Evaluation methods are pure: they consume patient state and RNG draws
// but mutate no manager state. Registration methods are the only
// mutating calls, and the driver invokes them exactly once per genuine
// transition. The manager maintains the event-count versus
// unique-patient-count distinction: a patient retreated and later
// discontinued again adds a second event but never a second unique
// patient.
//
// Thread Safety: registration and statistics access are serialized by an
// internal mutex. Evaluation is not; a single driver calls it in event
// order.
type DiscontinuationManager struct {
	mu sync.Mutex

	cfg    DiscontinuationConfig
	rng    *rand.Rand
	logger *logging.Logger

	// eventCounts counts discontinuation events per cessation type.
	eventCounts map[CessationType]int

	// uniqueByType records which patients were ever discontinued under
	// each type.
	uniqueByType map[CessationType]map[string]struct{}

	// uniqueDiscontinued records every patient ever discontinued. Never
	// cleared: its size is the unique-discontinued statistic.
	uniqueDiscontinued map[string]struct{}

	// openEpisodes maps patient id to the cessation type of the episode
	// in progress. Cleared on retreatment so a later discontinuation is
	// a new, distinct episode.
	openEpisodes map[string]CessationType

	// uniqueRetreated records every patient ever retreated.
	uniqueRetreated map[string]struct{}

	retreatmentEvents int
}

// NewDiscontinuationManager builds a manager for one run.
func NewDiscontinuationManager(cfg DiscontinuationConfig, rng *rand.Rand, logger *logging.Logger) *DiscontinuationManager {
	if logger == nil {
		logger = logging.Default()
	}
	return &DiscontinuationManager{
		cfg:                cfg,
		rng:                rng,
		logger:             logger.With("component", "discontinuation"),
		eventCounts:        make(map[CessationType]int),
		uniqueByType:       make(map[CessationType]map[string]struct{}),
		uniqueDiscontinued: make(map[string]struct{}),
		openEpisodes:       make(map[string]CessationType),
		uniqueRetreated:    make(map[string]struct{}),
	}
}

// EvaluateDiscontinuation decides whether the patient stops treatment at
// this visit.
//
// The driver gates the call: the patient is in maintenance, at the
// protocol's maximum interval, with the configured run of stable visits.
// Criteria are tested in the configured priority order and the first
// satisfied criterion wins; the driver must not call twice for the same
// visit. The decision mutates nothing until RegisterDiscontinuation.
func (m *DiscontinuationManager) EvaluateDiscontinuation(
	p *Patient,
	now time.Time,
	clinician *Clinician,
) DiscontinuationDecision {
	if !m.cfg.Enabled {
		return DiscontinuationDecision{Reason: "discontinuation disabled"}
	}

	for _, ct := range m.cfg.PriorityOrder {
		prob, eligible := m.criterionProbability(ct, p, now, clinician)
		if !eligible || prob <= 0 {
			continue
		}
		if m.rng.Float64() < prob {
			return DiscontinuationDecision{
				ShouldDiscontinue: true,
				Reason:            cessationReason(ct),
				Probability:       prob,
				Type:              ct,
			}
		}
	}
	return DiscontinuationDecision{Reason: "no criterion satisfied"}
}

// criterionProbability returns the per-visit probability for one
// criterion and whether its preconditions hold at all.
func (m *DiscontinuationManager) criterionProbability(
	ct CessationType,
	p *Patient,
	now time.Time,
	clinician *Clinician,
) (float64, bool) {
	crit := m.cfg.Criteria
	switch ct {
	case CessationStableMaxInterval:
		if !p.Disease.MaxIntervalReached || p.Disease.FluidDetected {
			return 0, false
		}
		return *crit.StableMaxInterval.Probability, true

	case CessationRandomAdministrative:
		return perVisitProbability(*crit.RandomAdministrative.AnnualProbability, p.Disease.CurrentIntervalWeeks), true

	case CessationTreatmentDuration:
		if now.Sub(p.TreatmentStartedAt) < weeks(crit.TreatmentDuration.ThresholdWeeks) {
			return 0, false
		}
		return perVisitProbability(*crit.TreatmentDuration.AnnualProbability, p.Disease.CurrentIntervalWeeks), true

	case CessationPremature:
		prob := *crit.Premature.ProbabilityFactor * crit.Premature.TargetRateFactor * clinician.Multiplier()
		return math.Min(prob, 1.0), true

	default:
		return 0, false
	}
}

// perVisitProbability converts an annual probability to the probability
// for one inter-visit interval: 1-(1-p)^(dt_years).
func perVisitProbability(annual float64, intervalWeeks int) float64 {
	if annual <= 0 {
		return 0
	}
	if annual >= 1 {
		return 1
	}
	years := float64(intervalWeeks) / 52.0
	return 1 - math.Pow(1-annual, years)
}

func cessationReason(ct CessationType) string {
	switch ct {
	case CessationStableMaxInterval:
		return "stable at maximum interval"
	case CessationRandomAdministrative:
		return "administrative loss to follow-up"
	case CessationTreatmentDuration:
		return "treatment course not renewed"
	case CessationPremature:
		return "premature cessation"
	default:
		return string(ct)
	}
}

// RegisterDiscontinuation records an accepted cessation decision.
//
// The event counter for the type always increments. The unique-patient
// counters increment only the first time a patient id is ever seen; a
// re-discontinuation after retreatment is a new event, not a new
// patient. Registering over a still-open episode of a different type
// returns ErrOpenEpisode: it means the driver skipped the retreatment
// bookkeeping, the exact defect class this manager exists to prevent.
func (m *DiscontinuationManager) RegisterDiscontinuation(patientID string, ct CessationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if open, ok := m.openEpisodes[patientID]; ok && open != ct {
		return fmt.Errorf("%w: patient %s open under %s, registering %s",
			ErrOpenEpisode, patientID, open, ct)
	}

	m.eventCounts[ct]++
	m.openEpisodes[patientID] = ct

	m.uniqueDiscontinued[patientID] = struct{}{}
	if m.uniqueByType[ct] == nil {
		m.uniqueByType[ct] = make(map[string]struct{})
	}
	m.uniqueByType[ct][patientID] = struct{}{}

	m.logger.Debug("discontinuation registered",
		"patient_id", patientID,
		"cessation_type", ct.String(),
		"events", m.eventCounts[ct],
	)
	return nil
}

// ScheduleMonitoring returns the follow-up visits for a cessation type,
// relative to the discontinuation time. Administrative cessation maps to
// no cadence and returns nothing; visits beyond the simulation end are
// the driver's responsibility to drop.
func (m *DiscontinuationManager) ScheduleMonitoring(now time.Time, ct CessationType, patientID string) []MonitoringVisit {
	kind := m.cfg.Monitoring.CessationTypes[ct]
	if kind == MonitoringNone {
		return nil
	}

	offsets := m.cfg.Monitoring.FollowUpSchedules[kind]
	visits := make([]MonitoringVisit, 0, len(offsets))
	for _, w := range offsets {
		visits = append(visits, MonitoringVisit{
			Time:    now.Add(weeks(w)),
			Actions: []VisitAction{ActionVisionTest, ActionOCTScan},
		})
	}
	return visits
}

// EvaluateRetreatment decides whether a monitored patient resumes
// treatment. Called only during monitoring visits, after the vision
// model refreshed the fluid finding for this visit. Pure evaluation.
func (m *DiscontinuationManager) EvaluateRetreatment(p *Patient, clinician *Clinician) RetreatmentDecision {
	if !p.Disease.FluidDetected {
		return RetreatmentDecision{}
	}
	prob := *m.cfg.Retreatment.Probability
	return RetreatmentDecision{
		ShouldRetreat: m.rng.Float64() < prob,
		Probability:   prob,
	}
}

// RegisterRetreatment records a resumption of treatment and closes the
// patient's open discontinuation episode so a later cessation counts as
// a new episode.
func (m *DiscontinuationManager) RegisterRetreatment(patientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retreatmentEvents++
	m.uniqueRetreated[patientID] = struct{}{}
	delete(m.openEpisodes, patientID)

	m.logger.Debug("retreatment registered",
		"patient_id", patientID,
		"retreatment_events", m.retreatmentEvents,
	)
}

// ApplyVisionChangeAfterDiscontinuation applies the one-time vision
// delta for the cessation type. Unplanned cessation carries worse
// expected outcomes than planned cessation. The driver applies this
// exactly once, at the moment of discontinuation.
func (m *DiscontinuationManager) ApplyVisionChangeAfterDiscontinuation(p *Patient, ct CessationType, visionCfg VisionConfig) {
	effect, ok := visionCfg.DiscontinuationEffects[ct]
	if !ok {
		return
	}
	delta := m.rng.NormFloat64()*effect.SD + effect.Mean
	p.CurrentVision = visionCfg.ClampVision(p.CurrentVision + delta)
}

// OpenEpisode reports the cessation type of the patient's episode in
// progress, if any.
func (m *DiscontinuationManager) OpenEpisode(patientID string) (CessationType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.openEpisodes[patientID]
	return ct, ok
}

// Statistics returns a consistent snapshot of all counters.
func (m *DiscontinuationManager) Statistics() DiscontinuationStatistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := DiscontinuationStatistics{
		EventsByType:             make(map[CessationType]int, len(m.eventCounts)),
		UniquePatientsByType:     make(map[CessationType]int, len(m.uniqueByType)),
		UniqueDiscontinued:       len(m.uniqueDiscontinued),
		UniqueRetreated:          len(m.uniqueRetreated),
		RetreatmentEvents:        m.retreatmentEvents,
		DiscontinuedPatientIDs:   sortedKeys(m.uniqueDiscontinued),
		RetreatedPatientIDs:      sortedKeys(m.uniqueRetreated),
		OpenEpisodePatientCount:  len(m.openEpisodes),
		TotalDiscontinuationEvts: 0,
	}
	for ct, n := range m.eventCounts {
		stats.EventsByType[ct] = n
		stats.TotalDiscontinuationEvts += n
	}
	for ct, set := range m.uniqueByType {
		stats.UniquePatientsByType[ct] = len(set)
	}
	return stats
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
