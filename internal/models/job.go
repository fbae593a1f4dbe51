// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package models

import (
	"fmt"
	"strings"
	"time"
)

// JobLifecycleState is the print-job lifecycle reported by the job feed.
// Only transitions between states are meaningful; repeated reports of the
// same state are no-ops.
type JobLifecycleState string

const (
	JobIdle      JobLifecycleState = "idle"
	JobPrinting  JobLifecycleState = "printing"
	JobPaused    JobLifecycleState = "paused"
	JobComplete  JobLifecycleState = "complete"
	JobError     JobLifecycleState = "error"
	JobCancelled JobLifecycleState = "cancelled"
)

// Active reports whether the state belongs to a running attribution session.
func (s JobLifecycleState) Active() bool {
	return s == JobPrinting || s == JobPaused
}

// ParseJobLifecycleState maps the loosely specified wire strings the
// print-host emits onto the lifecycle enum. Unknown strings map to idle so a
// firmware quirk can never fabricate a session boundary.
func ParseJobLifecycleState(raw string) JobLifecycleState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "printing", "resumed":
		return JobPrinting
	case "paused", "pausing":
		return JobPaused
	case "complete", "completed", "done", "finished":
		return JobComplete
	case "error", "failed", "klippy_shutdown":
		return JobError
	case "cancelled", "canceled", "cancelling":
		return JobCancelled
	default:
		return JobIdle
	}
}

// JobStatus is one normalized sample of the job feed.
type JobStatus struct {
	State JobLifecycleState `json:"state"`
	JobID string            `json:"job_id,omitempty"`
	// Filename is the gcode file name with any path prefix stripped.
	Filename string `json:"filename,omitempty"`
	// FilamentMM is the cumulative filament length the host reports for the
	// current job, in millimeters.
	FilamentMM float64 `json:"filament_mm"`
}

// JobHistoryEntry is one row of the print-host's global job history list.
// Per-slot attribution is not available here; entries are kept for
// presentation and for manual allocation.
type JobHistoryEntry struct {
	JobID      string   `json:"job_id"`
	Filename   string   `json:"filename"`
	Status     string   `json:"status"`
	StartedAt  float64  `json:"ts_start,omitempty"`
	EndedAt    float64  `json:"ts_end,omitempty"`
	FilamentMM *float64 `json:"filament_mm,omitempty"`
	// FilamentG is the host-reported (or estimated) total mass for the job.
	FilamentG *float64 `json:"filament_g,omitempty"`
	Material  string   `json:"material,omitempty"`
}

// JobKey builds the stable idempotency key for a job: the job id when the
// host provides one, otherwise filename plus end timestamp.
func JobKey(jobID, filename string, endedAt float64) string {
	id := strings.TrimSpace(jobID)
	if id == "" {
		id = strings.TrimSpace(filename)
	}
	return fmt.Sprintf("%s:%.0f", id, endedAt)
}

// AllocationMarker records that a job key's consumption has been reported to
// the inventory service. Markers persist indefinitely; their presence makes
// duplicate reporting a no-op.
type AllocationMarker struct {
	Key       string    `json:"key"`
	Job       string    `json:"job"`
	EndedAt   float64   `json:"ts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
