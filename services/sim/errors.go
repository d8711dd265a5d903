// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned when a patient lifecycle transition
	// is not permitted by the state machine.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrUnknownPatient is returned when an operation references a patient
	// id that is not in the population.
	ErrUnknownPatient = errors.New("unknown patient")

	// ErrOpenEpisode is returned when a discontinuation is registered for
	// a patient who already has an open episode under a different
	// cessation type. This contradicts the registration preconditions and
	// signals a driver defect, so it is surfaced rather than absorbed.
	ErrOpenEpisode = errors.New("patient already has an open discontinuation episode")

	// ErrConfig is the base error for fatal configuration problems
	// detected at construction time.
	ErrConfig = errors.New("invalid configuration")
)

// InvariantViolation reports a broken bookkeeping invariant detected by
// end-of-run validation.
//
// Violations are programming defects in the driver/manager interaction,
// not recoverable runtime conditions. The error names the invariant and
// the patient ids involved so a failed run produces a usable diagnostic.
type InvariantViolation struct {
	// Name identifies the violated invariant.
	Name string

	// Detail describes the observed inconsistency.
	Detail string

	// PatientIDs lists the patients involved, when known.
	PatientIDs []string
}

// Error implements the error interface.
func (e *InvariantViolation) Error() string {
	if len(e.PatientIDs) == 0 {
		return fmt.Sprintf("invariant %s violated: %s", e.Name, e.Detail)
	}
	return fmt.Sprintf("invariant %s violated: %s (patients: %s)",
		e.Name, e.Detail, strings.Join(e.PatientIDs, ", "))
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
