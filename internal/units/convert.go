// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

// Package units converts filament length to mass using a density-based
// estimate. The conversion is deterministic and has no failure modes; it is
// an estimate, not a scale reading.
package units

import "math"

// DensityTable maps material codes to densities in g/cm³. The converter falls
// back to the OTHER entry (or FallbackDensity) for unknown materials.
type DensityTable map[string]float64

// FallbackDensity is used when a material has no table entry at all.
const FallbackDensity = 1.20

// DefaultDensities returns the built-in density profile table.
func DefaultDensities() DensityTable {
	return DensityTable{
		"PLA":   1.24,
		"ABS":   1.04,
		"PETG":  1.27,
		"TPU":   1.20,
		"ASA":   1.07,
		"PA":    1.15,
		"PC":    1.20,
		"OTHER": 1.20,
	}
}

// Density resolves the density for a material code, falling back to OTHER and
// then FallbackDensity.
func (t DensityTable) Density(material string) float64 {
	if d, ok := t[material]; ok && d > 0 {
		return d
	}
	if d, ok := t["OTHER"]; ok && d > 0 {
		return d
	}
	return FallbackDensity
}

// LengthToMass converts a filament length in millimeters to grams.
//
// grams = density(g/cm³) × area(cm²) × length(cm), with the cross-sectional
// area computed from the filament diameter. The result is clamped to be
// non-negative.
func LengthToMass(lengthMM, diameterMM, densityGCm3 float64) float64 {
	// area in mm² is π(d/2)²; /100 converts to cm².
	areaCm2 := math.Pi * (diameterMM / 2.0) * (diameterMM / 2.0) / 100.0
	lengthCm := lengthMM / 10.0
	g := densityGCm3 * areaCm2 * lengthCm
	return math.Max(0, g)
}

// Converter binds a density table and filament diameter so callers can
// convert by material code alone.
type Converter struct {
	Densities  DensityTable
	DiameterMM float64
}

// NewConverter returns a converter with the given table and diameter,
// applying defaults for zero values.
func NewConverter(table DensityTable, diameterMM float64) *Converter {
	if table == nil {
		table = DefaultDensities()
	}
	if diameterMM <= 0 {
		diameterMM = 1.75
	}
	return &Converter{Densities: table, DiameterMM: diameterMM}
}

// MassFor converts lengthMM of the given material to grams.
func (c *Converter) MassFor(material string, lengthMM float64) float64 {
	return LengthToMass(lengthMM, c.DiameterMM, c.Densities.Density(material))
}
