// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

/*
normalizer.go - Device Feed Normalizer

Turns one decoded device frame (an arbitrarily shaped nested structure) into
canonical per-slot snapshots and per-box status. The wire format is
undocumented and varies across firmware versions, so parsing is two-stage:

 1. Strict schema match on the known boxsInfo/materialBoxs layout.
 2. Generic tree-walk heuristics when the schema is entirely absent.

The result is tagged with the path that produced it so callers can
distinguish confidence levels. Malformed fields are dropped one by one; a
frame is never rejected as a whole.
*/

package feed

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/spoolwatch/spoolwatch/internal/models"
)

// MatchKind tags which parsing path produced a frame result.
type MatchKind string

const (
	// MatchSchema means the structured boxsInfo layout was found.
	MatchSchema MatchKind = "schema"
	// MatchHeuristic means slot data was recovered by the generic tree walk.
	MatchHeuristic MatchKind = "heuristic"
	// MatchEmpty means the frame carried no recognizable slot data. The
	// caller keeps its prior state untouched.
	MatchEmpty MatchKind = "empty"
)

// Material state codes used by the device for each bay.
const (
	slotStateEmpty  = 0
	slotStateManual = 1
	slotStateRFID   = 2
)

// boxConnectedState is the connection-state value of a present box.
const boxConnectedState = "connect"

// Frame is the canonical result of normalizing one device frame.
type Frame struct {
	Match    MatchKind
	Selected models.SlotID // "" when no slot is selected
	Slots    map[models.SlotID]*models.DeviceSlotSnapshot
	Boxes    map[int]*models.CFSBoxStatus
}

func emptyFrame() *Frame {
	return &Frame{
		Match: MatchEmpty,
		Slots: make(map[models.SlotID]*models.DeviceSlotSnapshot),
		Boxes: make(map[int]*models.CFSBoxStatus),
	}
}

// ParseFrame normalizes one raw device frame. An undecodable or empty frame
// yields an empty result, never an error: a bad frame must not terminate
// the session.
func ParseFrame(data []byte) *Frame {
	var root map[string]interface{}
	if err := json.Unmarshal(data, &root); err != nil || len(root) == 0 {
		return emptyFrame()
	}
	return NormalizeStatus(root)
}

// NormalizeStatus normalizes an already-decoded status structure.
func NormalizeStatus(root map[string]interface{}) *Frame {
	if frame, ok := parseSchema(root); ok {
		frame.Match = MatchSchema
		return frame
	}
	frame := parseHeuristic(root)
	if len(frame.Slots) == 0 && frame.Selected == "" {
		return emptyFrame()
	}
	frame.Match = MatchHeuristic
	return frame
}

// parseSchema attempts the known structured layout:
//
//	{"boxsInfo": {"materialBoxs": [
//	   {"id": 1, "state": "connect", "temp": "32", "humidity": "31",
//	    "materials": [{"id": 0, "state": 2, "type": "PLA",
//	                   "color": "0ffa800", "rfid": "…", "percent": 80,
//	                   "remainLen": 123456, "selected": 1}, …]}, …]}}
//
// Material array index 0..3 maps to bays A..D. A box whose state is not
// "connect" marks all four of its slots absent; a connected but malformed box
// is parsed field by field, never retried heuristically.
func parseSchema(root map[string]interface{}) (*Frame, bool) {
	info, ok := asMap(root["boxsInfo"])
	if !ok {
		return nil, false
	}
	rawBoxes, ok := asSlice(info["materialBoxs"])
	if !ok {
		return nil, false
	}

	frame := emptyFrame()

	for _, rawBox := range rawBoxes {
		box, ok := asMap(rawBox)
		if !ok {
			continue
		}
		boxID, ok := asInt(box["id"])
		if !ok || boxID < 1 || boxID > 4 {
			continue
		}

		state, _ := asString(box["state"])
		connected := strings.EqualFold(strings.TrimSpace(state), boxConnectedState)

		status := &models.CFSBoxStatus{
			Box:       boxID,
			Connected: connected,
			State:     strings.TrimSpace(state),
		}
		if t, ok := asFloat(box["temp"]); ok {
			status.TempC = &t
		}
		if h, ok := asFloat(box["humidity"]); ok {
			status.Humidity = &h
		}
		frame.Boxes[boxID] = status

		if !connected {
			for idx := 0; idx < 4; idx++ {
				sid, _ := models.SlotForIndex(boxID, idx)
				frame.Slots[sid] = &models.DeviceSlotSnapshot{
					Slot:   sid,
					Origin: models.OriginEmpty,
				}
			}
			continue
		}

		materials, ok := asSlice(box["materials"])
		if !ok {
			continue
		}
		for pos, rawMat := range materials {
			mat, ok := asMap(rawMat)
			if !ok {
				continue
			}
			idx := pos
			if id, ok := asInt(mat["id"]); ok {
				idx = id
			}
			sid, ok := models.SlotForIndex(boxID, idx)
			if !ok {
				continue
			}
			frame.Slots[sid] = parseMaterial(sid, mat)
			if frame.Slots[sid].Selected && frame.Selected == "" {
				frame.Selected = sid
			}
		}
	}

	if len(frame.Slots) == 0 && len(frame.Boxes) == 0 {
		return nil, false
	}
	return frame, true
}

// parseMaterial builds one slot snapshot from a schema material entry.
// The state code governs provenance: manual spools (state 1) have no sensor,
// so their length/percent fields are placeholders and are not trusted.
func parseMaterial(sid models.SlotID, mat map[string]interface{}) *models.DeviceSlotSnapshot {
	snap := &models.DeviceSlotSnapshot{Slot: sid, Origin: models.OriginEmpty}

	state, ok := asInt(mat["state"])
	if !ok {
		state = slotStateEmpty
	}

	switch state {
	case slotStateManual:
		snap.Present = true
		snap.Origin = models.OriginManual
	case slotStateRFID:
		snap.Present = true
		snap.Origin = models.OriginRFID
		snap.LengthValid = true
	default:
		return snap
	}

	if raw, ok := asString(mat["type"]); ok {
		snap.Material = models.NormalizeMaterial(raw)
	}
	if raw, ok := asString(mat["color"]); ok {
		if hex, ok := NormalizeColor(raw); ok {
			snap.ColorHex = hex
		}
	}
	if raw, ok := asString(mat["name"]); ok {
		snap.Name = strings.TrimSpace(raw)
	}
	if raw, ok := asString(mat["vendor"]); ok {
		snap.Vendor = strings.TrimSpace(raw)
	}
	if raw, ok := asString(mat["rfid"]); ok {
		snap.RFID = strings.TrimSpace(raw)
	}
	if v, ok := asFloat(mat["remainLen"]); ok {
		snap.LengthMM = v
	}
	if v, ok := asFloat(mat["percent"]); ok {
		snap.PercentRemain = v
	}
	if sel, ok := asInt(mat["selected"]); ok && sel != 0 {
		snap.Selected = true
	} else if b, ok := mat["selected"].(bool); ok && b {
		snap.Selected = true
	}

	return snap
}

// activeSlotHintKeys are key names whose value may name the selected slot.
var activeSlotHintKeys = []string{
	"active_slot", "current_slot", "slot", "cfs_slot", "ams_slot",
}

// slotContextWords mark a nesting context that plausibly holds slot records.
var slotContextWords = []string{"cfs", "ams", "mmu", "filament", "spool", "box"}

// parseHeuristic recovers slot data when the structured schema is absent:
// direct slot-id keys first, then a recursive walk over nested structures
// looking for slot-context dictionaries and active-slot hints. Records found
// earlier are never overwritten by later discoveries.
func parseHeuristic(root map[string]interface{}) *Frame {
	frame := emptyFrame()

	// Direct slot-id keys on the root.
	for key, val := range root {
		if !models.ValidSlotID(key) {
			continue
		}
		if m, ok := asMap(val); ok {
			sid := models.SlotID(key)
			frame.Slots[sid] = parseLooseSlot(sid, m)
		}
	}

	walk(root, "", func(path string, val map[string]interface{}) {
		for _, hint := range activeSlotHintKeys {
			if raw, ok := asString(val[hint]); ok && models.ValidSlotID(raw) {
				frame.Selected = models.SlotID(raw)
			}
		}

		if !hasSlotContext(path) {
			return
		}
		for key, inner := range val {
			if !models.ValidSlotID(key) {
				continue
			}
			m, ok := asMap(inner)
			if !ok {
				continue
			}
			sid := models.SlotID(key)
			if _, seen := frame.Slots[sid]; !seen {
				frame.Slots[sid] = parseLooseSlot(sid, m)
			}
		}
	})

	return frame
}

// parseLooseSlot extracts whatever recognizable fields a loosely shaped slot
// record carries. Heuristic records never claim sensor-grade lengths.
func parseLooseSlot(sid models.SlotID, raw map[string]interface{}) *models.DeviceSlotSnapshot {
	snap := &models.DeviceSlotSnapshot{Slot: sid, Present: true, Origin: models.OriginManual}

	for _, key := range []string{"present", "loaded", "has_filament", "is_loaded", "enabled"} {
		if b, ok := asBool(raw[key]); ok {
			snap.Present = b
			break
		}
	}
	if !snap.Present {
		snap.Origin = models.OriginEmpty
	}
	for _, key := range []string{"material", "type", "filament_type"} {
		if v, ok := asString(raw[key]); ok {
			snap.Material = models.NormalizeMaterial(v)
			break
		}
	}
	for _, key := range []string{"color", "color_hex", "colour", "rgb"} {
		if v, ok := asString(raw[key]); ok {
			if hex, ok := NormalizeColor(v); ok {
				snap.ColorHex = hex
			}
			break
		}
	}
	for _, key := range []string{"name", "label", "spool_name"} {
		if v, ok := asString(raw[key]); ok {
			snap.Name = strings.TrimSpace(v)
			break
		}
	}
	for _, key := range []string{"vendor", "manufacturer", "brand"} {
		if v, ok := asString(raw[key]); ok {
			snap.Vendor = strings.TrimSpace(v)
			break
		}
	}
	if v, ok := asString(raw["rfid"]); ok {
		snap.RFID = strings.TrimSpace(v)
		if snap.RFID != "" {
			snap.Origin = models.OriginRFID
		}
	}
	return snap
}

// hasSlotContext reports whether a walk path suggests slot-bearing data.
func hasSlotContext(path string) bool {
	lower := strings.ToLower(path)
	for _, word := range slotContextWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// walk visits every nested map in the structure, depth first.
func walk(val interface{}, path string, visit func(string, map[string]interface{})) {
	switch v := val.(type) {
	case map[string]interface{}:
		if path != "" {
			visit(path, v)
		}
		for key, inner := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			walk(inner, childPath, visit)
		}
	case []interface{}:
		for _, inner := range v {
			walk(inner, path, visit)
		}
	}
}
