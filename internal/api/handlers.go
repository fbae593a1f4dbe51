// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/spoolwatch/spoolwatch/internal/engine"
	"github.com/spoolwatch/spoolwatch/internal/models"
)

// Handler holds the HTTP handlers over the reconciliation engine.
type Handler struct {
	engine *engine.Engine
}

// NewHandler creates the handler set.
func NewHandler(e *engine.Engine) *Handler {
	return &Handler{engine: e}
}

// State returns the full canonical state snapshot.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, h.engine.Snapshot())
}

// Health reports liveness plus the store's degraded flag.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"degraded": h.engine.Degraded(),
	})
}

// slotParam extracts and validates the slot id URL parameter.
func slotParam(r *http.Request) (models.SlotID, bool) {
	raw := chi.URLParam(r, "slot")
	if !models.ValidSlotID(raw) {
		return "", false
	}
	return models.SlotID(raw), true
}

// SelectSlot pins the active slot manually.
func (h *Handler) SelectSlot(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid slot id")
		return
	}
	if err := h.engine.SelectSlot(slot); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"active_slot": string(slot)})
}

// SetAutoMode toggles device-driven slot selection.
func (h *Handler) SetAutoMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	h.engine.SetAutoMode(req.Enabled)
	writeSuccess(w, http.StatusOK, map[string]bool{"auto_mode": req.Enabled})
}

// UpdateSlot edits the user-editable fields of a slot.
func (h *Handler) UpdateSlot(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid slot id")
		return
	}
	var update engine.SlotUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if err := h.engine.UpdateSlot(slot, update); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"slot": string(slot)})
}

// LinkSlot links a slot to an inventory spool.
func (h *Handler) LinkSlot(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid slot id")
		return
	}
	var req struct {
		SpoolID int `json:"spool_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SpoolID <= 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "spool_id must be a positive integer")
		return
	}
	if err := h.engine.LinkSlot(r.Context(), slot, req.SpoolID); err != nil {
		if errors.Is(err, engine.ErrInventoryDisabled) {
			writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"slot":     string(slot),
		"spool_id": req.SpoolID,
	})
}

// UnlinkSlot removes a slot's inventory link.
func (h *Handler) UnlinkSlot(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid slot id")
		return
	}
	if err := h.engine.UnlinkSlot(slot); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"slot": string(slot)})
}

// RollChange records a manual roll swap on a slot.
func (h *Handler) RollChange(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid slot id")
		return
	}
	if err := h.engine.RollChange(slot); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"slot": string(slot)})
}

// Spools proxies the non-archived spool listing.
func (h *Handler) Spools(w http.ResponseWriter, r *http.Request) {
	spools, err := h.engine.Spools(r.Context())
	if err != nil {
		if errors.Is(err, engine.ErrInventoryDisabled) {
			writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, spools)
}

// Candidates returns ranked link candidates for a slot.
func (h *Handler) Candidates(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid slot id")
		return
	}
	ranked, err := h.engine.Candidates(r.Context(), slot)
	if err != nil {
		if errors.Is(err, engine.ErrInventoryDisabled) {
			writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, ranked)
}

// Allocations lists recorded allocation markers, newest first.
func (h *Handler) Allocations(w http.ResponseWriter, r *http.Request) {
	markers, err := h.engine.Allocations()
	if err != nil {
		if errors.Is(err, engine.ErrInventoryDisabled) {
			writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, markers)
}

// Allocate manually charges a past job to a slot's linked spool.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID    string  `json:"job_id"`
		Filename string  `json:"filename"`
		EndedAt  float64 `json:"ts_end"`
		Slot     string  `json:"slot"`
		Grams    float64 `json:"grams"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if !models.ValidSlotID(req.Slot) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid slot id")
		return
	}
	if req.JobID == "" && req.Filename == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "job_id or filename is required")
		return
	}
	if req.Grams <= 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "grams must be positive, got "+strconv.FormatFloat(req.Grams, 'f', -1, 64))
		return
	}
	err := h.engine.AllocateJob(r.Context(), req.JobID, req.Filename, req.EndedAt, models.SlotID(req.Slot), req.Grams)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInventoryDisabled):
			writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
		case errors.Is(err, engine.ErrSlotNotLinked):
			writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		default:
			writeError(w, http.StatusBadGateway, ErrCodeInternalError, err.Error())
		}
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"job_key": models.JobKey(req.JobID, req.Filename, req.EndedAt),
	})
}
