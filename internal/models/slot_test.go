// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package models

import "testing"

func TestValidSlotID(t *testing.T) {
	t.Parallel()

	valid := []string{"1A", "1D", "2B", "3C", "4D"}
	for _, s := range valid {
		if !ValidSlotID(s) {
			t.Errorf("ValidSlotID(%q) = false, want true", s)
		}
	}

	invalid := []string{"", "0A", "5A", "1E", "A1", "1a", "11", "1AB", " 1A"}
	for _, s := range invalid {
		if ValidSlotID(s) {
			t.Errorf("ValidSlotID(%q) = true, want false", s)
		}
	}
}

func TestSlotUniverse(t *testing.T) {
	t.Parallel()

	if len(AllSlotIDs) != 16 {
		t.Fatalf("len(AllSlotIDs) = %d, want 16", len(AllSlotIDs))
	}
	seen := make(map[SlotID]bool)
	for _, id := range AllSlotIDs {
		if !ValidSlotID(string(id)) {
			t.Errorf("universe contains invalid id %q", id)
		}
		if seen[id] {
			t.Errorf("universe contains duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestSlotBoxBay(t *testing.T) {
	t.Parallel()

	if got := SlotID("3C").Box(); got != 3 {
		t.Errorf("Box() = %d, want 3", got)
	}
	if got := SlotID("3C").Bay(); got != "C" {
		t.Errorf("Bay() = %q, want C", got)
	}
	if got := SlotID("bogus").Box(); got != 0 {
		t.Errorf("Box() of malformed id = %d, want 0", got)
	}
}

func TestSlotForIndex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		box, index int
		want       SlotID
		ok         bool
	}{
		{1, 0, "1A", true},
		{1, 3, "1D", true},
		{4, 2, "4C", true},
		{0, 0, "", false},
		{5, 0, "", false},
		{1, 4, "", false},
		{1, -1, "", false},
	}
	for _, tt := range tests {
		got, ok := SlotForIndex(tt.box, tt.index)
		if got != tt.want || ok != tt.ok {
			t.Errorf("SlotForIndex(%d, %d) = (%q, %v), want (%q, %v)",
				tt.box, tt.index, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalizeMaterial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want Material
	}{
		{"PLA", MaterialPLA},
		{"pla", MaterialPLA},
		{" petg ", MaterialPETG},
		{"ABS", MaterialABS},
		{"", MaterialOther},
		{"-", MaterialOther},
		{"-1", MaterialOther},
		{"N/A", MaterialOther},
		{"WOODFILL", MaterialOther},
		{"OTHER", MaterialOther},
	}
	for _, tt := range tests {
		if got := NormalizeMaterial(tt.raw); got != tt.want {
			t.Errorf("NormalizeMaterial(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestEnsureUniverse(t *testing.T) {
	t.Parallel()

	s := &AppState{
		ActiveSlot: "9Z",
		Slots: map[SlotID]*SlotRecord{
			"2B": {Slot: "2B", Material: "pla"},
		},
	}
	s.EnsureUniverse()

	if len(s.Slots) != 16 {
		t.Fatalf("len(Slots) = %d, want 16", len(s.Slots))
	}
	if s.Slots["2B"].Material != MaterialPLA {
		t.Errorf("kept slot material = %q, want normalized PLA", s.Slots["2B"].Material)
	}
	if s.ActiveSlot != "1A" {
		t.Errorf("invalid active slot not reset: %q", s.ActiveSlot)
	}
	if s.JobState != JobIdle {
		t.Errorf("JobState = %q, want idle", s.JobState)
	}
	if s.DeviceSlots == nil || s.Boxes == nil {
		t.Error("device maps not initialized")
	}
}
