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
	"time"

	"github.com/google/uuid"

	"github.com/clinsim/amdte/pkg/logging"
)

// Driver owns the population, the event queue, and the treat-and-extend
// interval policy, and is the exclusive caller of the
// DiscontinuationManager.
//
// One Driver runs one replicate on one goroutine: events dispatch in
// strict timestamp order from a single seeded generator, which is what
// makes "first time seeing this patient id" well defined for the
// unique-patient counters. Replicates run concurrently only by owning
// separate Drivers.
type Driver struct {
	cfg    Config
	logger *logging.Logger
	rng    *rand.Rand

	runID     string
	sm        *StateMachine
	queue     *EventQueue
	patients  map[string]*Patient
	order     []string
	manager   *DiscontinuationManager
	vision    VisionModel
	pool      *ClinicianPool
	telemetry *Telemetry

	start time.Time
	end   time.Time

	// discontinued and retreated are the driver-side transition sets,
	// cross-checked against the manager at end of run.
	discontinued map[string]struct{}
	retreated    map[string]struct{}

	totalVisits     int
	totalInjections int
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithLogger sets the logger. Default is logging.Default.
func WithLogger(logger *logging.Logger) DriverOption {
	return func(d *Driver) { d.logger = logger }
}

// WithVisionModel replaces the default stochastic vision model.
func WithVisionModel(vm VisionModel) DriverOption {
	return func(d *Driver) { d.vision = vm }
}

// WithTelemetry attaches prometheus counters to the run.
func WithTelemetry(t *Telemetry) DriverOption {
	return func(d *Driver) { d.telemetry = t }
}

// NewDriver validates the configuration and builds the population.
// Configuration problems are fatal here, never mid-run.
func NewDriver(cfg Config, opts ...DriverOption) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:          cfg,
		rng:          rand.New(rand.NewSource(cfg.Simulation.Seed)),
		runID:        uuid.NewString(),
		sm:           NewStateMachine(),
		queue:        NewEventQueue(),
		patients:     make(map[string]*Patient, cfg.Simulation.PatientCount),
		start:        cfg.StartTime(),
		end:          cfg.EndTime(),
		discontinued: make(map[string]struct{}),
		retreated:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.Default()
	}
	d.logger = d.logger.With("run_id", d.runID)
	if d.vision == nil {
		d.vision = NewStochasticVisionModel(cfg.Vision, d.rng)
	}
	d.pool = NewClinicianPool(cfg.Clinicians, d.rng)
	d.manager = NewDiscontinuationManager(cfg.Discontinuation, d.rng, d.logger)

	d.enrollPopulation()
	return d, nil
}

// enrollPopulation creates patients with sampled baseline vision and
// queues their enrollment events. Patient ids are sequential so two runs
// with the same seed produce comparable per-patient histories.
func (d *Driver) enrollPopulation() {
	for i := 0; i < d.cfg.Simulation.PatientCount; i++ {
		id := fmt.Sprintf("patient-%04d", i+1)
		baseline := d.cfg.Vision.ClampVision(
			d.rng.NormFloat64()*d.cfg.Vision.BaselineSD + d.cfg.Vision.BaselineMean)
		p := NewPatient(id, baseline, d.start, d.cfg.Protocol)
		d.patients[id] = p
		d.order = append(d.order, id)
		d.queue.Push(&Event{
			Time:      d.start,
			Kind:      EventEnrollment,
			PatientID: id,
		})
	}
}

// Manager exposes the discontinuation manager for statistics access.
func (d *Driver) Manager() *DiscontinuationManager {
	return d.manager
}

// Patient returns a patient by id.
func (d *Driver) Patient(id string) (*Patient, error) {
	p, ok := d.patients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPatient, id)
	}
	return p, nil
}

// Run dispatches events until the horizon and returns aggregate
// statistics. The run fails if a bookkeeping invariant is violated.
func (d *Driver) Run() (*RunResult, error) {
	d.logger.Info("run started",
		"patients", d.cfg.Simulation.PatientCount,
		"duration_weeks", d.cfg.Simulation.DurationWeeks,
		"seed", d.cfg.Simulation.Seed,
	)

	for {
		e := d.queue.Pop()
		if e == nil {
			break
		}
		if e.Time.After(d.end) {
			continue
		}
		if err := d.dispatch(e); err != nil {
			d.logger.Error("run aborted", "error", err.Error())
			return nil, err
		}
	}

	for _, id := range d.order {
		p := d.patients[id]
		if !p.State.IsTerminal() {
			if err := d.sm.Transition(p, StateInactive); err != nil {
				return nil, err
			}
		}
	}

	result := d.buildResult()
	if err := validateInvariants(result.Discontinuation, d.discontinued, d.retreated, len(d.patients)); err != nil {
		d.logger.Error("invariant validation failed", "error", err.Error())
		return nil, err
	}

	d.logger.Info("run completed",
		"total_visits", result.TotalVisits,
		"total_injections", result.TotalInjections,
		"unique_discontinued", result.Discontinuation.UniqueDiscontinued,
		"unique_retreated", result.Discontinuation.UniqueRetreated,
	)
	return result, nil
}

func (d *Driver) dispatch(e *Event) error {
	p, ok := d.patients[e.PatientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPatient, e.PatientID)
	}
	if p.State.IsTerminal() || e.Generation != p.Generation {
		// Stale events from before a retreatment are dropped, not errors.
		return nil
	}

	switch e.Kind {
	case EventEnrollment:
		return d.handleEnrollment(p, e)
	case EventVisit:
		return d.handleVisit(p, e)
	case EventMonitoringVisit:
		return d.handleMonitoringVisit(p, e)
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

func (d *Driver) handleEnrollment(p *Patient, e *Event) error {
	if err := d.sm.Transition(p, StateLoading); err != nil {
		return err
	}
	d.scheduleVisit(p, e.Time, EventVisit)
	return nil
}

// handleVisit processes a regular loading or maintenance visit: the
// patient agent advances state, the interval controller adjusts the
// cadence, and the discontinuation gate is checked exactly once.
func (d *Driver) handleVisit(p *Patient, e *Event) error {
	if p.State != StateLoading && p.State != StateMaintenance {
		return nil
	}

	actions := []VisitAction{ActionVisionTest, ActionOCTScan, ActionInjection}
	clinician := d.pool.Assign()
	p.ProcessVisit(e.Time, actions, d.vision, clinician, d.cfg.Vision)
	d.totalVisits++
	d.totalInjections++
	d.telemetry.recordVisit(true)

	if p.State == StateLoading && p.TreatmentsInPhase >= d.cfg.Protocol.LoadingInjections {
		if err := d.sm.Transition(p, StateMaintenance); err != nil {
			return err
		}
		p.TreatmentsInPhase = 0
		p.Disease.CurrentIntervalWeeks = d.cfg.Protocol.MinIntervalWeeks
		p.NextVisitIntervalWeeks = d.cfg.Protocol.MinIntervalWeeks
		d.scheduleVisit(p, e.Time.Add(weeks(p.NextVisitIntervalWeeks)), EventVisit)
		return nil
	}

	if p.State == StateMaintenance && d.discontinuationGateOpen(p) {
		decision := d.manager.EvaluateDiscontinuation(p, e.Time, clinician)
		if decision.ShouldDiscontinue {
			return d.discontinue(p, e.Time, decision)
		}
	}

	if p.State == StateMaintenance {
		d.adjustInterval(p)
	} else {
		p.NextVisitIntervalWeeks = d.cfg.Protocol.LoadingIntervalWeeks
	}
	d.scheduleVisit(p, e.Time.Add(weeks(p.NextVisitIntervalWeeks)), EventVisit)
	return nil
}

// discontinuationGateOpen is the single place the evaluation
// preconditions live: maintenance phase, interval held at maximum, and
// the configured run of consecutive stable visits. The gate re-opens
// whenever the conditions are re-met; a "no" decision is never cached.
func (d *Driver) discontinuationGateOpen(p *Patient) bool {
	return d.cfg.Discontinuation.Enabled &&
		p.Disease.MaxIntervalReached &&
		p.Disease.ConsecutiveStableVisits >= d.cfg.Protocol.StableVisitsToEvaluate
}

// adjustInterval is the treat-and-extend controller: stable visits
// extend the interval by the step up to the maximum, activity contracts
// it down to the minimum.
func (d *Driver) adjustInterval(p *Patient) {
	interval := p.Disease.CurrentIntervalWeeks
	if p.Disease.FluidDetected {
		interval -= d.cfg.Protocol.ContractionStepWeeks
		if interval < d.cfg.Protocol.MinIntervalWeeks {
			interval = d.cfg.Protocol.MinIntervalWeeks
		}
		p.Disease.MaxIntervalReached = false
	} else {
		interval += d.cfg.Protocol.ExtensionStepWeeks
		if interval > d.cfg.Protocol.MaxIntervalWeeks {
			interval = d.cfg.Protocol.MaxIntervalWeeks
		}
	}
	p.Disease.CurrentIntervalWeeks = interval
	p.NextVisitIntervalWeeks = interval
}

// discontinue applies an accepted decision: flag the triggering visit,
// register with the manager, apply the one-time vision effect, and
// replace regular scheduling with the type-specific monitoring cadence.
func (d *Driver) discontinue(p *Patient, now time.Time, decision DiscontinuationDecision) error {
	p.FlagDiscontinuationVisit(decision.Type)

	if err := d.manager.RegisterDiscontinuation(p.ID, decision.Type); err != nil {
		return err
	}
	d.discontinued[p.ID] = struct{}{}
	d.telemetry.recordDiscontinuation(decision.Type)

	d.manager.ApplyVisionChangeAfterDiscontinuation(p, decision.Type, d.cfg.Vision)

	p.Status = TreatmentStatus{
		Kind:           StatusDiscontinued,
		DiscontinuedAt: now,
		Reason:         decision.Reason,
		Cessation:      decision.Type,
	}
	if err := d.sm.Transition(p, StateMonitoring); err != nil {
		return err
	}

	visits := d.manager.ScheduleMonitoring(now, decision.Type, p.ID)
	scheduled := 0
	for _, mv := range visits {
		if mv.Time.After(d.end) {
			continue
		}
		d.queue.Push(&Event{
			Time:       mv.Time,
			Kind:       EventMonitoringVisit,
			PatientID:  p.ID,
			Actions:    mv.Actions,
			Generation: p.Generation,
		})
		scheduled++
	}

	d.logger.Info("patient discontinued",
		"patient_id", p.ID,
		"cessation_type", decision.Type.String(),
		"probability", decision.Probability,
		"monitoring_visits", scheduled,
	)
	return nil
}

// handleMonitoringVisit processes one follow-up: the vision model
// refreshes the fluid finding, and a detected recurrence may trigger
// retreatment back into the loading phase.
func (d *Driver) handleMonitoringVisit(p *Patient, e *Event) error {
	if p.State != StateMonitoring {
		return nil
	}

	clinician := d.pool.Assign()
	record := p.ProcessVisit(e.Time, e.Actions, d.vision, clinician, d.cfg.Vision)
	d.totalVisits++
	d.telemetry.recordVisit(false)

	if p.Disease.FluidDetected {
		p.Status.RecurrenceDetected = true
	}

	decision := d.manager.EvaluateRetreatment(p, clinician)
	if !decision.ShouldRetreat {
		return nil
	}

	record.IsRetreatmentVisit = true
	d.manager.RegisterRetreatment(p.ID)
	d.retreated[p.ID] = struct{}{}
	d.telemetry.recordRetreatment()

	if err := d.sm.Transition(p, StateLoading); err != nil {
		return err
	}
	p.Status = TreatmentStatus{Kind: StatusRetreated}
	p.TreatmentsInPhase = 0
	p.Disease.ConsecutiveStableVisits = 0
	p.Disease.MaxIntervalReached = false
	p.Disease.FluidDetected = false
	p.Disease.CurrentIntervalWeeks = d.cfg.Protocol.LoadingIntervalWeeks
	p.NextVisitIntervalWeeks = d.cfg.Protocol.LoadingIntervalWeeks
	p.TreatmentStartedAt = e.Time

	// Invalidate any monitoring visits still queued for this patient.
	p.Generation++

	d.scheduleVisit(p, e.Time.Add(weeks(p.NextVisitIntervalWeeks)), EventVisit)

	d.logger.Info("patient retreated",
		"patient_id", p.ID,
		"probability", decision.Probability,
	)
	return nil
}

func (d *Driver) scheduleVisit(p *Patient, t time.Time, kind EventKind) {
	if t.After(d.end) {
		return
	}
	d.queue.Push(&Event{
		Time:       t,
		Kind:       kind,
		PatientID:  p.ID,
		Generation: p.Generation,
	})
}

func (d *Driver) buildResult() *RunResult {
	var visionSum, changeSum float64
	for _, id := range d.order {
		p := d.patients[id]
		visionSum += p.CurrentVision
		changeSum += p.CurrentVision - p.BaselineVision
	}
	n := float64(len(d.order))

	return &RunResult{
		RunID:            d.runID,
		Seed:             d.cfg.Simulation.Seed,
		Patients:         len(d.order),
		TotalVisits:      d.totalVisits,
		TotalInjections:  d.totalInjections,
		MeanFinalVision:  visionSum / n,
		MeanVisionChange: changeSum / n,
		Discontinuation:  d.manager.Statistics(),
	}
}

// VisitTable flattens every patient history into the export rows
// consumed by external persistence and charting layers. The cumulative
// discontinued/retreated flags are computed here by a post-pass, never
// stored by the core.
func (d *Driver) VisitTable() []VisitRow {
	var rows []VisitRow
	for _, id := range d.order {
		p := d.patients[id]
		discontinued := false
		retreated := false
		for _, v := range p.History {
			if v.IsDiscontinuationVisit {
				discontinued = true
			}
			if v.IsRetreatmentVisit {
				retreated = true
			}
			rows = append(rows, VisitRow{
				PatientID:              p.ID,
				Time:                   v.Time,
				Phase:                  v.Phase,
				Vision:                 v.Vision,
				Actions:                v.Actions,
				IsDiscontinuationVisit: v.IsDiscontinuationVisit,
				DiscontinuationType:    v.DiscontinuationType,
				IsMonitoringVisit:      v.IsMonitoringVisit,
				IsRetreatmentVisit:     v.IsRetreatmentVisit,
				HasBeenDiscontinued:    discontinued,
				HasBeenRetreated:       retreated,
			})
		}
	}
	return rows
}
