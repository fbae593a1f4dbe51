// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package models

import "time"

// AppState is the canonical state snapshot: the slot universe plus the latest
// device and job views. It is owned by the reconciliation engine and exposed
// read-only to the API layer; the store persists it as a whole.
type AppState struct {
	// ActiveSlot is the slot currently feeding the printer. In auto mode it
	// follows the device's selected flag; otherwise it holds the manual
	// selection.
	ActiveSlot SlotID `json:"active_slot"`
	AutoMode   bool   `json:"auto_mode"`

	Slots map[SlotID]*SlotRecord `json:"slots"`

	// Latest device view.
	DeviceConnected bool                           `json:"device_connected"`
	DeviceLastError string                         `json:"device_last_error"`
	DeviceUpdatedAt time.Time                      `json:"device_updated_at"`
	DeviceSelected  SlotID                         `json:"device_selected,omitempty"`
	DeviceSlots     map[SlotID]*DeviceSlotSnapshot `json:"device_slots"`
	Boxes           map[int]*CFSBoxStatus          `json:"boxes"`

	// Latest job view.
	JobState   JobLifecycleState `json:"job_state"`
	CurrentJob string            `json:"current_job"`
	JobUsedMM  float64           `json:"job_used_mm"`
	JobUsedG   float64           `json:"job_used_g"`

	JobHostConnected bool   `json:"job_host_connected"`
	JobHostLastError string `json:"job_host_last_error"`

	// History is the print-host's global job list, newest first.
	History []JobHistoryEntry `json:"history,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultState builds a fresh snapshot with the full 16-slot universe. Used
// on first start and as the fallback when the persisted snapshot is corrupt.
func DefaultState() *AppState {
	slots := make(map[SlotID]*SlotRecord, len(AllSlotIDs))
	for _, id := range AllSlotIDs {
		slots[id] = NewSlotRecord(id)
	}
	return &AppState{
		ActiveSlot:  "1A",
		AutoMode:    true,
		Slots:       slots,
		DeviceSlots: make(map[SlotID]*DeviceSlotSnapshot),
		Boxes:       make(map[int]*CFSBoxStatus),
		JobState:    JobIdle,
		UpdatedAt:   time.Now(),
	}
}

// EnsureUniverse restores any missing slot records so the universe is always
// complete, regardless of what an old or hand-edited snapshot contained.
func (s *AppState) EnsureUniverse() {
	if s.Slots == nil {
		s.Slots = make(map[SlotID]*SlotRecord, len(AllSlotIDs))
	}
	for _, id := range AllSlotIDs {
		if rec, ok := s.Slots[id]; !ok || rec == nil {
			s.Slots[id] = NewSlotRecord(id)
		} else {
			rec.Slot = id
			rec.Material = NormalizeMaterial(string(rec.Material))
		}
	}
	if s.DeviceSlots == nil {
		s.DeviceSlots = make(map[SlotID]*DeviceSlotSnapshot)
	}
	if s.Boxes == nil {
		s.Boxes = make(map[int]*CFSBoxStatus)
	}
	if !ValidSlotID(string(s.ActiveSlot)) {
		s.ActiveSlot = "1A"
	}
	if s.JobState == "" {
		s.JobState = JobIdle
	}
}
