// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

/*
ops.go - Explicit Operations

Operations invoked through the HTTP API: slot selection, slot editing,
inventory linking, roll changes, and manual job allocation. Every explicit
mutation clears the store's degraded latch (the operator has accepted the
current state as canonical) and forces an immediate save.
*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spoolwatch/spoolwatch/internal/feed"
	"github.com/spoolwatch/spoolwatch/internal/inventory"
	"github.com/spoolwatch/spoolwatch/internal/logging"
	"github.com/spoolwatch/spoolwatch/internal/metrics"
	"github.com/spoolwatch/spoolwatch/internal/models"
)

// ErrInventoryDisabled is returned by operations that need the spool
// service when no service is configured.
var ErrInventoryDisabled = errors.New("engine: spool service is not configured")

// ErrSlotNotLinked is returned when an operation needs a linked spool.
var ErrSlotNotLinked = errors.New("engine: slot is not linked to a spool")

// SlotUpdate carries the user-editable slot fields. Nil means unchanged.
type SlotUpdate struct {
	Material     *string `json:"material,omitempty"`
	ColorHex     *string `json:"color_hex,omitempty"`
	Name         *string `json:"name,omitempty"`
	Manufacturer *string `json:"manufacturer,omitempty"`
}

// SelectSlot pins the active slot manually and leaves auto mode.
func (e *Engine) SelectSlot(slot models.SlotID) error {
	if !models.ValidSlotID(string(slot)) {
		return fmt.Errorf("invalid slot id %q", slot)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.ActiveSlot = slot
	e.state.AutoMode = false
	e.commitLocked()
	return nil
}

// SetAutoMode toggles device-driven slot selection. Enabling it snaps the
// active slot to the device's current selection when one is known.
func (e *Engine) SetAutoMode(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.AutoMode = enabled
	if enabled && e.state.DeviceSelected != "" {
		e.state.ActiveSlot = e.state.DeviceSelected
	}
	e.commitLocked()
}

// UpdateSlot edits the user-editable fields of a slot record.
func (e *Engine) UpdateSlot(slot models.SlotID, update SlotUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.state.Slots[slot]
	if !ok || rec == nil {
		return fmt.Errorf("unknown slot %q", slot)
	}
	if update.Material != nil {
		rec.Material = models.NormalizeMaterial(*update.Material)
	}
	if update.ColorHex != nil {
		if color, ok := feed.NormalizeColor(*update.ColorHex); ok {
			rec.ColorHex = color
		} else {
			return fmt.Errorf("invalid color %q", *update.ColorHex)
		}
	}
	if update.Name != nil {
		rec.Name = *update.Name
	}
	if update.Manufacturer != nil {
		rec.Manufacturer = *update.Manufacturer
	}
	e.commitLocked()
	return nil
}

// LinkSlot links a slot to an inventory spool, importing the spool's
// identity fields. When the device has read an RFID tag in the bay, the
// tag is written back to the spool's metadata so the next insertion
// auto-links.
func (e *Engine) LinkSlot(ctx context.Context, slot models.SlotID, spoolID int) error {
	if e.resolver == nil {
		return ErrInventoryDisabled
	}
	spool, err := e.resolver.FetchSpool(ctx, spoolID)
	if err != nil {
		return fmt.Errorf("failed to fetch spool %d: %w", spoolID, err)
	}

	e.mu.Lock()
	rec, ok := e.state.Slots[slot]
	if !ok || rec == nil {
		e.mu.Unlock()
		return fmt.Errorf("unknown slot %q", slot)
	}
	e.applyLinkLocked(rec, spool)
	tag := ""
	if snap, ok := e.state.DeviceSlots[slot]; ok && snap != nil && snap.Origin == models.OriginRFID {
		tag = snap.RFID
	}
	e.commitLocked()
	e.mu.Unlock()

	logging.Info().
		Str("slot", string(slot)).
		Int("spool_id", spoolID).
		Msg("Linked slot to spool")

	if tag != "" {
		e.dispatch(func(ctx context.Context) {
			e.resolver.WriteTagBack(ctx, spoolID, tag)
		})
	}
	return nil
}

// UnlinkSlot removes a slot's inventory link. Local slot data is kept.
func (e *Engine) UnlinkSlot(slot models.SlotID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.state.Slots[slot]
	if !ok || rec == nil {
		return fmt.Errorf("unknown slot %q", slot)
	}
	rec.SpoolID = 0
	e.commitLocked()
	return nil
}

// RollChange marks a physical roll swap the device cannot detect itself:
// the epoch increments, the inventory link is cleared, and every counter
// baseline for the slot is discarded so the old roll's counter can never
// be attributed against the new one.
func (e *Engine) RollChange(slot models.SlotID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.state.Slots[slot]
	if !ok || rec == nil {
		return fmt.Errorf("unknown slot %q", slot)
	}
	rec.RollEpoch++
	rec.SpoolID = 0
	delete(e.counters, slot)
	delete(e.streamMark, slot)
	delete(e.lastRFID, slot)
	delete(e.lastPercent, slot)
	if e.session != nil {
		delete(e.session.baselines, slot)
	}
	metrics.BaselineResets.WithLabelValues("roll_change").Inc()
	logging.Info().
		Str("slot", string(slot)).
		Int("roll_epoch", rec.RollEpoch).
		Msg("Roll change recorded")
	e.commitLocked()
	return nil
}

// AllocateJob manually charges a past job's consumption to one slot's
// linked spool. Guarded by the same allocation markers as automatic
// reporting, so re-submitting the same job is a no-op.
func (e *Engine) AllocateJob(ctx context.Context, jobID, filename string, endedAt float64, slot models.SlotID, grams float64) error {
	if e.resolver == nil {
		return ErrInventoryDisabled
	}
	if grams <= 0 {
		return fmt.Errorf("grams must be positive, got %v", grams)
	}

	e.mu.Lock()
	rec, ok := e.state.Slots[slot]
	if !ok || rec == nil {
		e.mu.Unlock()
		return fmt.Errorf("unknown slot %q", slot)
	}
	spoolID := rec.SpoolID
	e.mu.Unlock()

	if spoolID <= 0 {
		return ErrSlotNotLinked
	}

	marker := inventory.NewMarker(jobID, filename, endedAt)
	metrics.AttributedGrams.WithLabelValues(string(slot), "manual").Add(grams)
	return e.resolver.ReportJobUsage(ctx, marker, map[int]float64{spoolID: grams})
}

// Spools proxies the non-archived spool listing for the API layer.
func (e *Engine) Spools(ctx context.Context) ([]inventory.Spool, error) {
	if e.resolver == nil {
		return nil, ErrInventoryDisabled
	}
	return e.resolver.ListSpools(ctx)
}

// Candidates returns spools ranked by fit for the given slot's current
// material and color.
func (e *Engine) Candidates(ctx context.Context, slot models.SlotID) ([]inventory.RankedSpool, error) {
	if e.resolver == nil {
		return nil, ErrInventoryDisabled
	}
	e.mu.Lock()
	material := models.MaterialOther
	color := ""
	if rec, ok := e.state.Slots[slot]; ok && rec != nil {
		material = rec.Material
		color = rec.ColorHex
	}
	e.mu.Unlock()
	return e.resolver.RankCandidates(ctx, material, color)
}

// Allocations returns recorded allocation markers, newest first.
func (e *Engine) Allocations() ([]models.AllocationMarker, error) {
	if e.resolver == nil {
		return nil, ErrInventoryDisabled
	}
	return e.resolver.Allocations()
}

// Degraded reports whether the store refused the last persisted snapshot
// and is holding saves until an explicit operation accepts current state.
func (e *Engine) Degraded() bool {
	return e.store.Degraded()
}

// commitLocked is the explicit-mutation save path: the operator's action
// supersedes whatever snapshot the degraded latch was protecting. Callers
// hold mu.
func (e *Engine) commitLocked() {
	e.store.ClearDegraded()
	e.state.UpdatedAt = time.Now()
	e.saveLocked(true)
}
