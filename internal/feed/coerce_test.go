// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package feed

import "testing"

func TestNormalizeColor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"#aabbcc", "#aabbcc", true},
		{"AABBCC", "#aabbcc", true},
		{" #AaBbCc ", "#aabbcc", true},
		// Firmware emits 7-digit colors with a leading zero.
		{"0ffa800", "#ffa800", true},
		{"#0ffa800", "#ffa800", true},
		{"", "", false},
		{"zzzzzz", "", false},
		{"abc", "", false},
		{"aabbccdd", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeColor(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeColor(%q) = (%q, %v), want (%q, %v)",
				tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalizeColorIdempotent(t *testing.T) {
	t.Parallel()

	first, ok := NormalizeColor("0ffa800")
	if !ok {
		t.Fatal("first pass failed")
	}
	second, ok := NormalizeColor(first)
	if !ok || second != first {
		t.Errorf("NormalizeColor(%q) = (%q, %v), want identity", first, second, ok)
	}
}

func TestAsFloat(t *testing.T) {
	t.Parallel()

	if v, ok := asFloat(float64(3.5)); !ok || v != 3.5 {
		t.Errorf("asFloat(3.5) = (%v, %v)", v, ok)
	}
	// The device quotes numbers as strings in some firmware versions.
	if v, ok := asFloat("42"); !ok || v != 42 {
		t.Errorf("asFloat(\"42\") = (%v, %v)", v, ok)
	}
	if _, ok := asFloat("not a number"); ok {
		t.Error("asFloat of garbage string should fail")
	}
	if _, ok := asFloat(nil); ok {
		t.Error("asFloat(nil) should fail")
	}
}
