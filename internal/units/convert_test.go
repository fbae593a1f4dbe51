// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package units

import (
	"math"
	"testing"
)

func TestLengthToMass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		lengthMM   float64
		diameterMM float64
		density    float64
		want       float64
	}{
		{
			// 1m of 1.75mm PLA: area = π(0.875mm)²/100 ≈ 0.02405 cm²,
			// 100cm × 1.24 g/cm³ ≈ 2.98 g
			name:       "one meter of PLA",
			lengthMM:   1000,
			diameterMM: 1.75,
			density:    1.24,
			want:       2.9825,
		},
		{
			name:       "zero length",
			lengthMM:   0,
			diameterMM: 1.75,
			density:    1.24,
			want:       0,
		},
		{
			name:       "negative length clamps to zero",
			lengthMM:   -500,
			diameterMM: 1.75,
			density:    1.24,
			want:       0,
		},
		{
			name:       "denser material weighs more",
			lengthMM:   1000,
			diameterMM: 1.75,
			density:    1.27,
			want:       3.0547,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := LengthToMass(tt.lengthMM, tt.diameterMM, tt.density)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("LengthToMass(%v, %v, %v) = %v, want %v",
					tt.lengthMM, tt.diameterMM, tt.density, got, tt.want)
			}
		})
	}
}

func TestDensityTableFallback(t *testing.T) {
	t.Parallel()

	table := DensityTable{"PLA": 1.24, "OTHER": 1.10}

	if got := table.Density("PLA"); got != 1.24 {
		t.Errorf("Density(PLA) = %v, want 1.24", got)
	}
	if got := table.Density("WOODFILL"); got != 1.10 {
		t.Errorf("Density(unknown) = %v, want OTHER fallback 1.10", got)
	}

	empty := DensityTable{}
	if got := empty.Density("PLA"); got != FallbackDensity {
		t.Errorf("empty table Density(PLA) = %v, want %v", got, FallbackDensity)
	}
}

func TestDefaultDensities(t *testing.T) {
	t.Parallel()

	table := DefaultDensities()
	want := map[string]float64{
		"PLA": 1.24, "ABS": 1.04, "PETG": 1.27, "TPU": 1.20,
		"ASA": 1.07, "PA": 1.15, "PC": 1.20, "OTHER": 1.20,
	}
	for material, density := range want {
		if got := table.Density(material); got != density {
			t.Errorf("Density(%s) = %v, want %v", material, got, density)
		}
	}
}

func TestConverterDefaults(t *testing.T) {
	t.Parallel()

	c := NewConverter(nil, 0)
	if c.DiameterMM != 1.75 {
		t.Errorf("default diameter = %v, want 1.75", c.DiameterMM)
	}

	// Unknown materials use the OTHER density, never zero.
	if got := c.MassFor("MYSTERY", 1000); got <= 0 {
		t.Errorf("MassFor(unknown material) = %v, want > 0", got)
	}
}
