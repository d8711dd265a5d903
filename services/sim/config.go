// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full simulation configuration.
//
// Configuration is resolved with priority env > file > defaults and
// validated once at load; a Driver rejects an invalid Config at
// construction so a malformed protocol never fails mid-run.
//
// Thread Safety: safe to read concurrently, not safe to modify after
// construction.
type Config struct {
	// Simulation contains run-level settings.
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`

	// Protocol contains the treat-and-extend interval schedule.
	Protocol ProtocolConfig `json:"protocol" yaml:"protocol"`

	// Vision contains the parameters consumed by the default vision model.
	Vision VisionConfig `json:"vision" yaml:"vision"`

	// Clinicians configures clinician-variation modeling.
	Clinicians ClinicianConfig `json:"clinicians" yaml:"clinicians"`

	// Discontinuation configures the cessation/retreatment state machine.
	Discontinuation DiscontinuationConfig `json:"discontinuation" yaml:"discontinuation"`
}

// SimulationConfig contains run-level settings.
type SimulationConfig struct {
	// PatientCount is the population size.
	PatientCount int `json:"patient_count" yaml:"patient_count" validate:"gt=0"`

	// DurationWeeks is the simulated horizon from the start date.
	DurationWeeks int `json:"duration_weeks" yaml:"duration_weeks" validate:"gt=0"`

	// StartDate is the simulation start in YYYY-MM-DD form.
	StartDate string `json:"start_date" yaml:"start_date" validate:"required"`

	// Seed seeds the single per-run random generator. Identical seed and
	// configuration reproduce identical statistics.
	Seed int64 `json:"seed" yaml:"seed"`
}

// ProtocolConfig is the treat-and-extend interval schedule.
type ProtocolConfig struct {
	// LoadingIntervalWeeks is the fixed loading-phase interval.
	LoadingIntervalWeeks int `json:"loading_interval_weeks" yaml:"loading_interval_weeks" validate:"gt=0"`

	// LoadingInjections is the number of injections completing the
	// loading series.
	LoadingInjections int `json:"loading_injections" yaml:"loading_injections" validate:"gt=0"`

	// MinIntervalWeeks is the floor the interval contracts to on activity.
	MinIntervalWeeks int `json:"min_interval_weeks" yaml:"min_interval_weeks" validate:"gt=0"`

	// MaxIntervalWeeks is the ceiling the interval extends to.
	MaxIntervalWeeks int `json:"max_interval_weeks" yaml:"max_interval_weeks" validate:"gt=0"`

	// ExtensionStepWeeks is added per stable maintenance visit.
	ExtensionStepWeeks int `json:"extension_step_weeks" yaml:"extension_step_weeks" validate:"gt=0"`

	// ContractionStepWeeks is subtracted when activity is detected.
	ContractionStepWeeks int `json:"contraction_step_weeks" yaml:"contraction_step_weeks" validate:"gt=0"`

	// StableVisitsToEvaluate is the consecutive-stable-visit count gating
	// planned discontinuation evaluation.
	StableVisitsToEvaluate int `json:"stable_visits_to_evaluate" yaml:"stable_visits_to_evaluate" validate:"gte=1"`
}

// VisionEffect is a normal vision delta specification in ETDRS letters.
type VisionEffect struct {
	Mean float64 `json:"mean" yaml:"mean"`
	SD   float64 `json:"sd" yaml:"sd" validate:"gte=0"`
}

// VisionConfig parameterizes the default stochastic vision model.
//
// The numeric trajectory itself is an external concern; these parameters
// only shape the default collaborator shipped for complete runs.
type VisionConfig struct {
	// BaselineMean and BaselineSD draw enrollment letter scores.
	BaselineMean float64 `json:"baseline_mean" yaml:"baseline_mean"`
	BaselineSD   float64 `json:"baseline_sd" yaml:"baseline_sd" validate:"gte=0"`

	// MinLetters and MaxLetters are the hard physical vision bounds.
	MinLetters float64 `json:"min_letters" yaml:"min_letters" validate:"gte=0"`
	MaxLetters float64 `json:"max_letters" yaml:"max_letters" validate:"gt=0"`

	// LoadingGain is the per-visit treated change during loading.
	LoadingGain VisionEffect `json:"loading_gain" yaml:"loading_gain"`

	// MaintenanceGain is the per-visit treated change during maintenance.
	MaintenanceGain VisionEffect `json:"maintenance_gain" yaml:"maintenance_gain"`

	// UntreatedDecline is the per-visit change without injection.
	UntreatedDecline VisionEffect `json:"untreated_decline" yaml:"untreated_decline"`

	// FluidBaseProbability is the per-visit recurrence floor under treatment.
	FluidBaseProbability float64 `json:"fluid_base_probability" yaml:"fluid_base_probability" validate:"gte=0,lte=1"`

	// FluidWeeklyRisk grows the recurrence probability per interval week.
	FluidWeeklyRisk float64 `json:"fluid_weekly_risk" yaml:"fluid_weekly_risk" validate:"gte=0,lte=1"`

	// DiscontinuationEffects maps cessation type to the one-time vision
	// change applied at discontinuation. Unplanned cessation carries worse
	// expected outcomes than planned cessation.
	DiscontinuationEffects map[CessationType]VisionEffect `json:"discontinuation_effects" yaml:"discontinuation_effects"`
}

// ClinicianConfig configures the clinician pool.
type ClinicianConfig struct {
	// Enabled turns clinician variation on. When off, all adherence
	// multipliers default to 1.0.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// PoolSize is the number of clinicians patients are assigned among.
	PoolSize int `json:"pool_size" yaml:"pool_size" validate:"gte=0"`

	// NonAdherentFraction is the fraction of the pool with a non-adherent
	// profile.
	NonAdherentFraction float64 `json:"non_adherent_fraction" yaml:"non_adherent_fraction" validate:"gte=0,lte=1"`

	// NonAdherentMultiplier scales premature-discontinuation probability
	// for non-adherent clinicians.
	NonAdherentMultiplier float64 `json:"non_adherent_multiplier" yaml:"non_adherent_multiplier" validate:"gte=0"`
}

// MonitoringKind names a follow-up cadence.
type MonitoringKind string

const (
	// MonitoringPlanned is the standard post-stability follow-up cadence.
	MonitoringPlanned MonitoringKind = "planned"

	// MonitoringUnplanned is the tighter cadence after unplanned cessation.
	MonitoringUnplanned MonitoringKind = "unplanned"

	// MonitoringNone schedules no follow-up at all. Patients discontinued
	// this way are lost to the clinic and never re-enter treatment.
	MonitoringNone MonitoringKind = "none"
)

// DiscontinuationConfig configures cessation criteria, monitoring
// cadences, and retreatment.
//
// Criterion probabilities are pointers so an explicit file that omits or
// nulls a required probability fails validation instead of silently
// inheriting a default.
type DiscontinuationConfig struct {
	// Enabled turns the cessation machinery on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// PriorityOrder is the criteria evaluation order. It must be a
	// permutation of the four cessation types. The documented default is
	// stable_max_interval > treatment_duration > random_administrative >
	// premature; the order among simultaneously satisfiable criteria is a
	// policy decision for domain experts, which is why it is configuration
	// rather than code.
	PriorityOrder []CessationType `json:"priority_order" yaml:"priority_order"`

	// Criteria parameterizes the four stopping rules.
	Criteria CriteriaConfig `json:"criteria" yaml:"criteria"`

	// Monitoring maps cessation types to follow-up cadences.
	Monitoring MonitoringConfig `json:"monitoring" yaml:"monitoring"`

	// Retreatment parameterizes resumption after recurrence.
	Retreatment RetreatmentConfig `json:"retreatment" yaml:"retreatment"`
}

// CriteriaConfig holds the per-criterion parameters.
type CriteriaConfig struct {
	StableMaxInterval    StableCriterionConfig    `json:"stable_max_interval" yaml:"stable_max_interval"`
	RandomAdministrative AdminCriterionConfig     `json:"random_administrative" yaml:"random_administrative"`
	TreatmentDuration    DurationCriterionConfig  `json:"treatment_duration" yaml:"treatment_duration"`
	Premature            PrematureCriterionConfig `json:"premature" yaml:"premature"`
}

// StableCriterionConfig is the planned stability-based stopping rule.
type StableCriterionConfig struct {
	// Probability is the per-evaluation chance of planned cessation once
	// the stability gate holds.
	Probability *float64 `json:"probability" yaml:"probability" validate:"required,gte=0,lte=1"`
}

// AdminCriterionConfig is the random administrative stopping rule.
type AdminCriterionConfig struct {
	// AnnualProbability is converted to a per-visit probability as
	// 1-(1-p)^(dt_years) for the patient's current interval.
	AnnualProbability *float64 `json:"annual_probability" yaml:"annual_probability" validate:"required,gte=0,lte=1"`
}

// DurationCriterionConfig is the course-not-renewed stopping rule.
type DurationCriterionConfig struct {
	// AnnualProbability applies once cumulative treatment exceeds the
	// threshold, converted per-visit the same way as administrative.
	AnnualProbability *float64 `json:"annual_probability" yaml:"annual_probability" validate:"required,gte=0,lte=1"`

	// ThresholdWeeks is the cumulative treatment duration gate.
	ThresholdWeeks int `json:"threshold_weeks" yaml:"threshold_weeks" validate:"gt=0"`
}

// PrematureCriterionConfig is the early/inappropriate cessation rule.
type PrematureCriterionConfig struct {
	// ProbabilityFactor is the base per-evaluation probability before
	// clinician and calibration scaling.
	ProbabilityFactor *float64 `json:"probability_factor" yaml:"probability_factor" validate:"required,gte=0,lte=1"`

	// TargetRateFactor calibrates toward a literature target rate.
	TargetRateFactor float64 `json:"target_rate_factor" yaml:"target_rate_factor" validate:"gte=0"`
}

// MonitoringConfig maps cessation types to follow-up cadences.
type MonitoringConfig struct {
	// CessationTypes maps each cessation type to a cadence kind.
	CessationTypes map[CessationType]MonitoringKind `json:"cessation_types" yaml:"cessation_types"`

	// FollowUpSchedules maps cadence kind to week offsets from the
	// discontinuation visit.
	FollowUpSchedules map[MonitoringKind][]int `json:"follow_up_schedules" yaml:"follow_up_schedules"`
}

// RetreatmentConfig parameterizes resumption after recurrence.
type RetreatmentConfig struct {
	// Probability is the retreatment chance when fluid is detected at a
	// monitoring visit.
	Probability *float64 `json:"probability" yaml:"probability" validate:"required,gte=0,lte=1"`
}

// DefaultConfig returns the default protocol: 4-weekly loading for three
// injections, treat-and-extend 8..16 weeks in 2-week steps, and the
// literature-derived cessation parameters.
func DefaultConfig() Config {
	return Config{
		Simulation: SimulationConfig{
			PatientCount:  1000,
			DurationWeeks: 260,
			StartDate:     "2023-01-01",
			Seed:          42,
		},
		Protocol: ProtocolConfig{
			LoadingIntervalWeeks:   4,
			LoadingInjections:      3,
			MinIntervalWeeks:       8,
			MaxIntervalWeeks:       16,
			ExtensionStepWeeks:     2,
			ContractionStepWeeks:   2,
			StableVisitsToEvaluate: 3,
		},
		Vision: VisionConfig{
			BaselineMean:         58,
			BaselineSD:           12,
			MinLetters:           0,
			MaxLetters:           85,
			LoadingGain:          VisionEffect{Mean: 4.0, SD: 2.0},
			MaintenanceGain:      VisionEffect{Mean: 0.5, SD: 1.5},
			UntreatedDecline:     VisionEffect{Mean: -1.5, SD: 1.0},
			FluidBaseProbability: 0.15,
			FluidWeeklyRisk:      0.01,
			DiscontinuationEffects: map[CessationType]VisionEffect{
				CessationStableMaxInterval:    {Mean: -0.5, SD: 1.0},
				CessationTreatmentDuration:    {Mean: -2.0, SD: 1.5},
				CessationRandomAdministrative: {Mean: -3.0, SD: 2.0},
				CessationPremature:            {Mean: -4.0, SD: 2.5},
			},
		},
		Clinicians: ClinicianConfig{
			Enabled:               true,
			PoolSize:              10,
			NonAdherentFraction:   0.2,
			NonAdherentMultiplier: 2.0,
		},
		Discontinuation: DiscontinuationConfig{
			Enabled: true,
			PriorityOrder: []CessationType{
				CessationStableMaxInterval,
				CessationTreatmentDuration,
				CessationRandomAdministrative,
				CessationPremature,
			},
			Criteria: CriteriaConfig{
				StableMaxInterval:    StableCriterionConfig{Probability: f64(0.2)},
				RandomAdministrative: AdminCriterionConfig{AnnualProbability: f64(0.05)},
				TreatmentDuration: DurationCriterionConfig{
					AnnualProbability: f64(0.1),
					ThresholdWeeks:    52,
				},
				Premature: PrematureCriterionConfig{
					ProbabilityFactor: f64(0.01),
					TargetRateFactor:  1.0,
				},
			},
			Monitoring: MonitoringConfig{
				CessationTypes: map[CessationType]MonitoringKind{
					CessationStableMaxInterval:    MonitoringPlanned,
					CessationTreatmentDuration:    MonitoringUnplanned,
					CessationRandomAdministrative: MonitoringNone,
					CessationPremature:            MonitoringUnplanned,
				},
				FollowUpSchedules: map[MonitoringKind][]int{
					MonitoringPlanned:   {12, 24, 36},
					MonitoringUnplanned: {8, 16, 24},
				},
			},
			Retreatment: RetreatmentConfig{Probability: f64(0.95)},
		},
	}
}

func f64(v float64) *float64 { return &v }

// LoadConfig resolves configuration with priority env > file > defaults.
//
// An empty path uses defaults. When the file carries a discontinuation
// section, that section must be complete: defaults are cleared for it
// first so missing criterion parameters fail validation instead of being
// silently defaulted.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	if path != "" {
		if err := loadConfigFile(path, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	loadConfigFromEnv(&config)

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// A file that speaks about discontinuation owns the whole section.
	var raw map[string]any
	if yaml.Unmarshal(data, &raw) == nil {
		if _, ok := raw["discontinuation"]; ok {
			config.Discontinuation = DiscontinuationConfig{}
		}
	}

	// YAML first, JSON fallback.
	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(config *Config) {
	if v := os.Getenv("AMDTE_SEED"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Simulation.Seed = i
		}
	}
	if v := os.Getenv("AMDTE_PATIENT_COUNT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Simulation.PatientCount = i
		}
	}
	if v := os.Getenv("AMDTE_DURATION_WEEKS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Simulation.DurationWeeks = i
		}
	}
}

// Validate checks the configuration. All violations are fatal
// configuration errors wrapping ErrConfig.
func (c Config) Validate() error {
	validate := validator.New()

	// Structural checks that don't depend on the discontinuation switch.
	if err := validate.Struct(c.Simulation); err != nil {
		return configErrorf("simulation: %v", err)
	}
	if err := validate.Struct(c.Protocol); err != nil {
		return configErrorf("protocol: %v", err)
	}
	if err := validate.Struct(c.Vision); err != nil {
		return configErrorf("vision: %v", err)
	}
	if err := validate.Struct(c.Clinicians); err != nil {
		return configErrorf("clinicians: %v", err)
	}

	if _, err := time.Parse("2006-01-02", c.Simulation.StartDate); err != nil {
		return configErrorf("simulation.start_date %q must be YYYY-MM-DD", c.Simulation.StartDate)
	}
	if c.Protocol.MaxIntervalWeeks < c.Protocol.MinIntervalWeeks {
		return configErrorf("protocol.max_interval_weeks (%d) below min_interval_weeks (%d)",
			c.Protocol.MaxIntervalWeeks, c.Protocol.MinIntervalWeeks)
	}
	if c.Protocol.LoadingIntervalWeeks > c.Protocol.MinIntervalWeeks {
		return configErrorf("protocol.loading_interval_weeks (%d) above min_interval_weeks (%d)",
			c.Protocol.LoadingIntervalWeeks, c.Protocol.MinIntervalWeeks)
	}
	if c.Vision.MaxLetters <= c.Vision.MinLetters {
		return configErrorf("vision.max_letters must exceed min_letters")
	}

	if !c.Discontinuation.Enabled {
		return nil
	}
	return c.validateDiscontinuation(validate)
}

func (c Config) validateDiscontinuation(validate *validator.Validate) error {
	d := c.Discontinuation

	if err := validate.Struct(d.Criteria); err != nil {
		return configErrorf("discontinuation.criteria: %v", err)
	}
	if err := validate.Struct(d.Retreatment); err != nil {
		return configErrorf("discontinuation.retreatment: %v", err)
	}

	if err := validatePriorityOrder(d.PriorityOrder); err != nil {
		return err
	}

	for _, ct := range AllCessationTypes() {
		kind, ok := d.Monitoring.CessationTypes[ct]
		if !ok {
			return configErrorf("discontinuation.monitoring.cessation_types missing entry for %s", ct)
		}
		switch kind {
		case MonitoringNone:
			continue
		case MonitoringPlanned, MonitoringUnplanned:
			schedule, ok := d.Monitoring.FollowUpSchedules[kind]
			if !ok || len(schedule) == 0 {
				return configErrorf("discontinuation.monitoring.follow_up_schedules missing schedule %q used by %s", kind, ct)
			}
			if !sort.IntsAreSorted(schedule) || schedule[0] <= 0 {
				return configErrorf("follow-up schedule %q must be ascending positive week offsets", kind)
			}
		default:
			return configErrorf("discontinuation.monitoring.cessation_types[%s]: unknown kind %q", ct, kind)
		}
	}

	for ct := range c.Vision.DiscontinuationEffects {
		if !validCessationType(ct) {
			return configErrorf("vision.discontinuation_effects: unknown cessation type %q", ct)
		}
	}
	return nil
}

func validatePriorityOrder(order []CessationType) error {
	if len(order) != len(AllCessationTypes()) {
		return configErrorf("discontinuation.priority_order must list all %d cessation types, got %d",
			len(AllCessationTypes()), len(order))
	}
	seen := make(map[CessationType]bool, len(order))
	for _, ct := range order {
		if !validCessationType(ct) {
			return configErrorf("discontinuation.priority_order: unknown cessation type %q", ct)
		}
		if seen[ct] {
			return configErrorf("discontinuation.priority_order: duplicate cessation type %q", ct)
		}
		seen[ct] = true
	}
	return nil
}

func validCessationType(ct CessationType) bool {
	for _, known := range AllCessationTypes() {
		if ct == known {
			return true
		}
	}
	return false
}

// StartTime parses the configured start date. Validate guarantees this
// succeeds for a validated Config.
func (c Config) StartTime() time.Time {
	t, _ := time.Parse("2006-01-02", c.Simulation.StartDate)
	return t
}

// EndTime is the simulation horizon.
func (c Config) EndTime() time.Time {
	return c.StartTime().Add(weeks(c.Simulation.DurationWeeks))
}

func weeks(n int) time.Duration {
	return time.Duration(n) * 7 * 24 * time.Hour
}
