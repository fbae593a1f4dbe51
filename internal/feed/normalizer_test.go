// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package feed

import (
	"testing"

	"github.com/spoolwatch/spoolwatch/internal/models"
)

func TestParseFrameSchema(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"boxsInfo": {
			"materialBoxs": [
				{
					"id": 1, "state": "connect", "temp": "32", "humidity": "41",
					"materials": [
						{"id": 0, "state": 2, "type": "PLA", "color": "0ffa800",
						 "rfid": "TAG-001", "percent": 80, "remainLen": 123456, "selected": 1},
						{"id": 1, "state": 1, "type": "PETG", "color": "#112233",
						 "percent": -1, "remainLen": -1},
						{"id": 2, "state": 0},
						{"id": 3, "state": 0}
					]
				}
			]
		}
	}`)

	frame := ParseFrame(raw)
	if frame.Match != MatchSchema {
		t.Fatalf("Match = %q, want schema", frame.Match)
	}

	rfid := frame.Slots["1A"]
	if rfid == nil {
		t.Fatal("slot 1A missing")
	}
	if !rfid.Present || rfid.Origin != models.OriginRFID {
		t.Errorf("1A = %+v, want present RFID slot", rfid)
	}
	if rfid.Material != models.MaterialPLA {
		t.Errorf("1A material = %q, want PLA", rfid.Material)
	}
	// 7-hex color with leading zero normalizes to the trailing 6 digits.
	if rfid.ColorHex != "#ffa800" {
		t.Errorf("1A color = %q, want #ffa800", rfid.ColorHex)
	}
	if rfid.RFID != "TAG-001" {
		t.Errorf("1A rfid = %q, want TAG-001", rfid.RFID)
	}
	if !rfid.LengthValid || rfid.LengthMM != 123456 {
		t.Errorf("1A length = (%v, valid=%v), want (123456, true)", rfid.LengthMM, rfid.LengthValid)
	}
	if !rfid.Selected {
		t.Error("1A should be selected")
	}
	if frame.Selected != "1A" {
		t.Errorf("frame.Selected = %q, want 1A", frame.Selected)
	}

	manual := frame.Slots["1B"]
	if manual == nil || !manual.Present || manual.Origin != models.OriginManual {
		t.Fatalf("1B = %+v, want present manual slot", manual)
	}
	// Manual spools have no sensor; their counters are placeholders.
	if manual.LengthValid {
		t.Error("1B length must not be trusted for a manual spool")
	}

	empty := frame.Slots["1C"]
	if empty == nil || empty.Present {
		t.Errorf("1C = %+v, want absent slot", empty)
	}

	box := frame.Boxes[1]
	if box == nil || !box.Connected {
		t.Fatalf("box 1 = %+v, want connected", box)
	}
	if box.TempC == nil || *box.TempC != 32 {
		t.Errorf("box 1 temp = %v, want 32", box.TempC)
	}
}

func TestParseFrameDisconnectedBox(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"boxsInfo": {
			"materialBoxs": [
				{"id": 2, "state": "disconnect",
				 "materials": [{"id": 0, "state": 2, "type": "PLA", "remainLen": 500}]}
			]
		}
	}`)

	frame := ParseFrame(raw)
	if frame.Match != MatchSchema {
		t.Fatalf("Match = %q, want schema: a disconnected box is still a schema match", frame.Match)
	}

	box := frame.Boxes[2]
	if box == nil || box.Connected {
		t.Fatalf("box 2 = %+v, want disconnected", box)
	}

	// All four bays report absent regardless of the materials array.
	for _, sid := range []models.SlotID{"2A", "2B", "2C", "2D"} {
		snap := frame.Slots[sid]
		if snap == nil {
			t.Fatalf("slot %s missing", sid)
		}
		if snap.Present {
			t.Errorf("slot %s present, want absent for disconnected box", sid)
		}
	}
}

func TestParseFrameHeuristic(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"printer": {
			"cfs_status": {
				"active_slot": "2B",
				"1A": {"material": "petg", "color": "#aabbcc", "loaded": true},
				"2B": {"type": "PLA", "rfid": "TAG-9"}
			}
		}
	}`)

	frame := ParseFrame(raw)
	if frame.Match != MatchHeuristic {
		t.Fatalf("Match = %q, want heuristic", frame.Match)
	}
	if frame.Selected != "2B" {
		t.Errorf("Selected = %q, want 2B", frame.Selected)
	}

	a := frame.Slots["1A"]
	if a == nil || a.Material != models.MaterialPETG || a.ColorHex != "#aabbcc" {
		t.Errorf("1A = %+v, want PETG #aabbcc", a)
	}
	if a.LengthValid {
		t.Error("heuristic records must never claim sensor-grade lengths")
	}

	b := frame.Slots["2B"]
	if b == nil || b.Origin != models.OriginRFID || b.RFID != "TAG-9" {
		t.Errorf("2B = %+v, want RFID origin with TAG-9", b)
	}
}

func TestParseFrameDirectSlotKeys(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"3C": {"material": "abs", "present": true}}`)
	frame := ParseFrame(raw)
	if frame.Match != MatchHeuristic {
		t.Fatalf("Match = %q, want heuristic", frame.Match)
	}
	if snap := frame.Slots["3C"]; snap == nil || snap.Material != models.MaterialABS {
		t.Errorf("3C = %+v, want ABS", snap)
	}
}

func TestParseFrameEmpty(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"not json":         []byte("garbage"),
		"empty object":     []byte("{}"),
		"unrelated fields": []byte(`{"temperature": 210, "progress": 0.5}`),
		"null":             []byte("null"),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			frame := ParseFrame(raw)
			if frame.Match != MatchEmpty {
				t.Errorf("Match = %q, want empty", frame.Match)
			}
			if len(frame.Slots) != 0 {
				t.Errorf("Slots = %v, want none", frame.Slots)
			}
		})
	}
}

func TestParseFrameSchemaNeverFallsBack(t *testing.T) {
	t.Parallel()

	// Schema present but every box malformed: the result is a schema miss,
	// and the heuristic walk finds nothing inside boxsInfo either.
	raw := []byte(`{"boxsInfo": {"materialBoxs": [{"id": 99}]}}`)
	frame := ParseFrame(raw)
	if frame.Match != MatchEmpty {
		t.Errorf("Match = %q, want empty", frame.Match)
	}
}
