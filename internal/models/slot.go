// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package models

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// SlotID addresses one of the 16 fixed material bays of a CFS:
// box number (1-4) followed by bay letter (A-D), e.g. "2C".
type SlotID string

// slotIDPattern matches the canonical slot address form.
var slotIDPattern = regexp.MustCompile(`^[1-4][A-D]$`)

// AllSlotIDs is the fixed slot universe. The set is created once and never
// shrinks; slots for physically absent boxes stay in the universe.
var AllSlotIDs = []SlotID{
	"1A", "1B", "1C", "1D",
	"2A", "2B", "2C", "2D",
	"3A", "3B", "3C", "3D",
	"4A", "4B", "4C", "4D",
}

// ValidSlotID reports whether s is a well-formed slot address.
func ValidSlotID(s string) bool {
	return slotIDPattern.MatchString(s)
}

// Box returns the box number (1-4) of the slot, or 0 for a malformed id.
func (s SlotID) Box() int {
	if !ValidSlotID(string(s)) {
		return 0
	}
	return int(s[0] - '0')
}

// Bay returns the bay letter ("A".."D") of the slot, or "" for a malformed id.
func (s SlotID) Bay() string {
	if !ValidSlotID(string(s)) {
		return ""
	}
	return string(s[1])
}

// SlotForIndex maps a box number and a material array index (0..3) to a slot
// id. The device feed reports bay contents as fixed-order arrays where index
// 0 is bay A.
func SlotForIndex(box, index int) (SlotID, bool) {
	if box < 1 || box > 4 || index < 0 || index > 3 {
		return "", false
	}
	return SlotID([]byte{byte('0' + box), byte('A' + index)}), true
}

// Material is the normalized material code of a spool.
type Material string

// Known material codes. Anything else normalizes to MaterialOther.
const (
	MaterialPLA   Material = "PLA"
	MaterialPETG  Material = "PETG"
	MaterialABS   Material = "ABS"
	MaterialASA   Material = "ASA"
	MaterialTPU   Material = "TPU"
	MaterialPA    Material = "PA"
	MaterialPC    Material = "PC"
	MaterialOther Material = "OTHER"
)

var knownMaterials = map[Material]struct{}{
	MaterialPLA:  {},
	MaterialPETG: {},
	MaterialABS:  {},
	MaterialASA:  {},
	MaterialTPU:  {},
	MaterialPA:   {},
	MaterialPC:   {},
}

// NormalizeMaterial maps an arbitrary vendor material string onto the known
// enum. Known codes are the identity (case-insensitive); placeholders and
// unknown codes become OTHER. Never fails.
func NormalizeMaterial(raw string) Material {
	v := strings.ToUpper(strings.TrimSpace(raw))
	switch v {
	case "", "-", "—", "–", "N/A", "NA", "NONE", "-1":
		return MaterialOther
	}
	m := Material(v)
	if _, ok := knownMaterials[m]; ok {
		return m
	}
	return MaterialOther
}

// SpoolOrigin is the provenance of the spool occupying a slot.
type SpoolOrigin string

const (
	// OriginEmpty means no spool is loaded.
	OriginEmpty SpoolOrigin = "empty"
	// OriginManual means a spool without a readable tag; length/percent
	// fields from the device are placeholders, not sensor data.
	OriginManual SpoolOrigin = "manual"
	// OriginRFID means a tagged spool with trustworthy sensor readings.
	OriginRFID SpoolOrigin = "rfid"
)

// SlotRecord is the canonical, persisted description of one slot. The slot
// universe is fixed: records are created once per process and mutated in
// place, never destroyed.
type SlotRecord struct {
	Slot         SlotID   `json:"slot"`
	Material     Material `json:"material"`
	ColorHex     string   `json:"color_hex"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`

	// RollEpoch increments on every manual roll change. A stale attribution
	// baseline from a previous epoch must never be applied to the new roll.
	RollEpoch int `json:"roll_epoch"`

	// SpoolID links the slot to an external inventory spool. Zero when
	// unlinked.
	SpoolID int `json:"spool_id,omitempty"`
}

// UnmarshalJSON accepts the current field names plus the spellings older
// snapshots used ("color", "vendor") so an upgrade never loses slot data.
func (r *SlotRecord) UnmarshalJSON(data []byte) error {
	type plain SlotRecord
	aux := struct {
		plain
		LegacyColor  string `json:"color"`
		LegacyVendor string `json:"vendor"`
	}{plain: plain(*r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = SlotRecord(aux.plain)
	if r.ColorHex == "" && aux.LegacyColor != "" {
		r.ColorHex = aux.LegacyColor
	}
	if r.Manufacturer == "" && aux.LegacyVendor != "" {
		r.Manufacturer = aux.LegacyVendor
	}
	return nil
}

// NewSlotRecord returns the default record for a slot.
func NewSlotRecord(id SlotID) *SlotRecord {
	return &SlotRecord{
		Slot:     id,
		Material: MaterialOther,
		ColorHex: "#00aaff",
	}
}

// DeviceSlotSnapshot is the per-slot view extracted from a single device
// frame. Fully replaced per frame.
type DeviceSlotSnapshot struct {
	Slot    SlotID      `json:"slot"`
	Present bool        `json:"present"`
	Origin  SpoolOrigin `json:"origin"`
	RFID    string      `json:"rfid,omitempty"`

	Material Material `json:"material,omitempty"`
	ColorHex string   `json:"color_hex,omitempty"`
	Name     string   `json:"name,omitempty"`
	Vendor   string   `json:"vendor,omitempty"`

	// LengthMM is the cumulative material-length counter in millimeters.
	// Monotonic while the same spool is loaded; a decrease signals a swap.
	LengthMM float64 `json:"length_mm"`
	// LengthValid is false for manual spools whose counters are placeholders.
	LengthValid bool `json:"length_valid"`

	// PercentRemain is the sensor-reported remaining percentage (RFID only).
	PercentRemain float64 `json:"percent_remain,omitempty"`

	// Selected marks the single active slot across the whole device.
	Selected bool `json:"selected"`
}

// CFSBoxStatus is the per-box connectivity and environment view from the
// latest device frame.
type CFSBoxStatus struct {
	Box       int      `json:"box"`
	Connected bool     `json:"connected"`
	State     string   `json:"state,omitempty"`
	TempC     *float64 `json:"temperature_c,omitempty"`
	Humidity  *float64 `json:"humidity_pct,omitempty"`
}
