// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry exposes run progress as prometheus counters. Long parameter
// sweeps scrape these to watch replicate throughput; a nil Telemetry
// disables collection entirely.
type Telemetry struct {
	visits           prometheus.Counter
	injections       prometheus.Counter
	discontinuations *prometheus.CounterVec
	retreatments     prometheus.Counter
}

// NewTelemetry registers the simulation counters on the given registerer.
func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		visits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amdte",
			Name:      "visits_total",
			Help:      "Dispatched visits, including monitoring visits.",
		}),
		injections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amdte",
			Name:      "injections_total",
			Help:      "Administered anti-VEGF injections.",
		}),
		discontinuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amdte",
			Name:      "discontinuations_total",
			Help:      "Discontinuation events by cessation type.",
		}, []string{"cessation_type"}),
		retreatments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amdte",
			Name:      "retreatments_total",
			Help:      "Retreatment events.",
		}),
	}
	reg.MustRegister(t.visits, t.injections, t.discontinuations, t.retreatments)
	return t
}

func (t *Telemetry) recordVisit(injected bool) {
	if t == nil {
		return
	}
	t.visits.Inc()
	if injected {
		t.injections.Inc()
	}
}

func (t *Telemetry) recordDiscontinuation(ct CessationType) {
	if t == nil {
		return
	}
	t.discontinuations.WithLabelValues(ct.String()).Inc()
}

func (t *Telemetry) recordRetreatment() {
	if t == nil {
		return
	}
	t.retreatments.Inc()
}
