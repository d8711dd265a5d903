// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import "fmt"

// DiscontinuationStatistics is the manager's counter snapshot.
//
// Both event counts and unique patient counts are exposed per cessation
// type: a patient discontinued, retreated, and discontinued again under
// the same type produces two events for one unique patient, and the
// per-type view keeps each rule auditable on its own.
type DiscontinuationStatistics struct {
	// EventsByType counts discontinuation events per cessation type.
	EventsByType map[CessationType]int `json:"events_by_type"`

	// UniquePatientsByType counts distinct patients ever discontinued
	// under each type.
	UniquePatientsByType map[CessationType]int `json:"unique_patients_by_type"`

	// UniqueDiscontinued is the count of distinct patients ever
	// discontinued for any reason.
	UniqueDiscontinued int `json:"unique_discontinued"`

	// UniqueRetreated is the count of distinct patients ever retreated.
	UniqueRetreated int `json:"unique_retreated"`

	// RetreatmentEvents counts retreatments, including repeats.
	RetreatmentEvents int `json:"retreatment_events"`

	// TotalDiscontinuationEvts sums EventsByType.
	TotalDiscontinuationEvts int `json:"total_discontinuation_events"`

	// DiscontinuedPatientIDs and RetreatedPatientIDs are the sorted
	// members of the unique sets, for cross-checking against the driver.
	DiscontinuedPatientIDs []string `json:"-"`
	RetreatedPatientIDs    []string `json:"-"`

	// OpenEpisodePatientCount is the number of currently open episodes.
	OpenEpisodePatientCount int `json:"open_episodes"`
}

// RunResult is the aggregate outcome of one replicate.
type RunResult struct {
	// RunID identifies the replicate.
	RunID string `json:"run_id"`

	// Seed is the RNG seed the replicate ran with.
	Seed int64 `json:"seed"`

	// Patients is the population size.
	Patients int `json:"patients"`

	// TotalVisits counts every dispatched visit including monitoring.
	TotalVisits int `json:"total_visits"`

	// TotalInjections counts administered injections.
	TotalInjections int `json:"total_injections"`

	// MeanFinalVision is the population mean letter score at run end.
	MeanFinalVision float64 `json:"mean_final_vision"`

	// MeanVisionChange is the population mean change from baseline.
	MeanVisionChange float64 `json:"mean_vision_change"`

	// Discontinuation is the manager's statistics snapshot.
	Discontinuation DiscontinuationStatistics `json:"discontinuation"`
}

// validateInvariants cross-checks the manager's statistics against the
// driver's own transition sets at the end of a run.
//
// Violations are driver/manager interaction defects. They surface as
// InvariantViolation errors naming the patients involved rather than
// being silently tolerated.
func validateInvariants(stats DiscontinuationStatistics, driverDiscontinued, driverRetreated map[string]struct{}, totalPatients int) error {
	if stats.UniqueDiscontinued != len(stats.DiscontinuedPatientIDs) {
		return &InvariantViolation{
			Name:   "unique-discontinued-count",
			Detail: "unique counter disagrees with the discontinued id set size",
		}
	}
	if stats.UniqueDiscontinued > totalPatients {
		return &InvariantViolation{
			Name: "unique-discontinued-bound",
			Detail: fmt.Sprintf("unique discontinued patients exceed the population size: %d > %d",
				stats.UniqueDiscontinued, totalPatients),
		}
	}
	if stats.UniqueRetreated > stats.UniqueDiscontinued {
		return &InvariantViolation{
			Name:   "retreated-subset",
			Detail: "more unique retreated patients than unique discontinued patients",
		}
	}

	for ct, unique := range stats.UniquePatientsByType {
		if stats.EventsByType[ct] < unique {
			return &InvariantViolation{
				Name:   "event-count-floor",
				Detail: "cessation type " + ct.String() + " has fewer events than unique patients",
			}
		}
	}

	if diff := setDifference(driverDiscontinued, stats.DiscontinuedPatientIDs); len(diff) > 0 {
		return &InvariantViolation{
			Name:       "driver-manager-discontinued",
			Detail:     "driver recorded discontinuations the manager never registered",
			PatientIDs: diff,
		}
	}
	if diff := setDifference(driverRetreated, stats.RetreatedPatientIDs); len(diff) > 0 {
		return &InvariantViolation{
			Name:       "driver-manager-retreated",
			Detail:     "driver recorded retreatments the manager never registered",
			PatientIDs: diff,
		}
	}
	if len(driverDiscontinued) != stats.UniqueDiscontinued {
		return &InvariantViolation{
			Name:   "driver-manager-discontinued-count",
			Detail: "driver set size disagrees with manager unique discontinued count",
		}
	}
	if len(driverRetreated) != stats.UniqueRetreated {
		return &InvariantViolation{
			Name:   "driver-manager-retreated-count",
			Detail: "driver set size disagrees with manager unique retreated count",
		}
	}
	return nil
}

func setDifference(set map[string]struct{}, members []string) []string {
	present := make(map[string]struct{}, len(members))
	for _, id := range members {
		present[id] = struct{}{}
	}
	var missing []string
	for id := range set {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
