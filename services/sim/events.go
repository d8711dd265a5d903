// Copyright (C) 2025 Clinsim Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"container/heap"
	"time"
)

// EventKind identifies the kind of simulation event.
type EventKind string

const (
	// EventEnrollment brings a patient into the population.
	EventEnrollment EventKind = "enrollment"

	// EventVisit is a regular loading or maintenance treatment visit.
	EventVisit EventKind = "visit"

	// EventMonitoringVisit is a post-discontinuation follow-up visit.
	EventMonitoringVisit EventKind = "monitoring_visit"
)

// kindPriority breaks timestamp ties: enrollments dispatch before regular
// visits, which dispatch before monitoring visits. The residual tie-break
// is insertion order, so dispatch is fully deterministic given a seed.
func kindPriority(k EventKind) int {
	switch k {
	case EventEnrollment:
		return 0
	case EventVisit:
		return 1
	default:
		return 2
	}
}

// Event is one schedulable simulation occurrence.
type Event struct {
	// Time is when the event fires.
	Time time.Time

	// Kind identifies what the driver should do.
	Kind EventKind

	// PatientID is the subject patient.
	PatientID string

	// Actions is the clinical action set for visit events.
	Actions []VisitAction

	// Generation is the patient's scheduling generation at enqueue time.
	// Events from an older generation are stale (the patient was
	// retreated after they were queued) and are skipped on dispatch.
	Generation int

	seq int
}

// EventQueue is a priority queue of events ordered by time, then kind
// priority, then insertion order.
//
// Thread Safety: not safe for concurrent use; each Driver owns one queue
// and dispatches single-threaded. This total order is the concurrency
// model of the simulation.
type EventQueue struct {
	h    eventHeap
	next int
}

// NewEventQueue returns an empty queue.
func NewEventQueue() *EventQueue {
	q := &EventQueue{}
	heap.Init(&q.h)
	return q
}

// Push schedules an event.
func (q *EventQueue) Push(e *Event) {
	e.seq = q.next
	q.next++
	heap.Push(&q.h, e)
}

// Pop removes and returns the earliest event, or nil if the queue is empty.
func (q *EventQueue) Pop() *Event {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Event)
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	return q.h.Len()
}

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if !h[i].Time.Equal(h[j].Time) {
		return h[i].Time.Before(h[j].Time)
	}
	pi, pj := kindPriority(h[i].Kind), kindPriority(h[j].Kind)
	if pi != pj {
		return pi < pj
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*Event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
