// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

/*
engine.go - Reconciliation Engine Core

The engine owns the canonical application state and is the single consumer
of both feeds: device frames arrive through the feed.StatusSink interface,
job lifecycle events through jobs.SessionSink. All mutations happen under
one mutex; inventory calls are dispatched asynchronously after the lock is
released so a slow spool service can never stall frame processing.

Persistence is write-through but throttled: state saves are coalesced
through a rate limiter, with explicit operations and shutdown forcing an
immediate save.
*/

package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/spoolwatch/spoolwatch/internal/config"
	"github.com/spoolwatch/spoolwatch/internal/inventory"
	"github.com/spoolwatch/spoolwatch/internal/logging"
	"github.com/spoolwatch/spoolwatch/internal/metrics"
	"github.com/spoolwatch/spoolwatch/internal/models"
	"github.com/spoolwatch/spoolwatch/internal/store"
	"github.com/spoolwatch/spoolwatch/internal/units"
)

// inventoryCallTimeout bounds every asynchronous spool-service call.
const inventoryCallTimeout = 10 * time.Second

// session tracks one attribution window between job start and job end.
type session struct {
	jobID    string
	filename string
	// baselines are the per-slot cumulative counters captured at start.
	// Only slots with trustworthy counters are present.
	baselines map[models.SlotID]float64
	startedAt time.Time
}

// Engine reconciles device and job feeds into canonical state.
type Engine struct {
	mu    sync.Mutex
	state *models.AppState

	cfg      config.EngineConfig
	conv     *units.Converter
	store    *store.Store
	resolver *inventory.Resolver // nil when the spool service is disabled

	// counters holds the latest trustworthy cumulative length per slot.
	counters map[models.SlotID]float64
	// streamMark is the last length reported on the streaming path.
	streamMark map[models.SlotID]float64
	// lastRFID suppresses repeated auto-link lookups for an unchanged tag.
	lastRFID map[models.SlotID]string
	// lastPercent suppresses repeated remaining-weight write-backs for an
	// unchanged sensor percentage.
	lastPercent map[models.SlotID]float64

	session *session

	saveLimiter *rate.Limiter

	ctx context.Context
}

// New creates the engine over a loaded state snapshot.
func New(ctx context.Context, cfg config.EngineConfig, conv *units.Converter, st *store.Store, resolver *inventory.Resolver) *Engine {
	interval := cfg.SaveInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	e := &Engine{
		state:       st.LoadState(),
		cfg:         cfg,
		conv:        conv,
		store:       st,
		resolver:    resolver,
		counters:    make(map[models.SlotID]float64),
		streamMark:  make(map[models.SlotID]float64),
		lastRFID:    make(map[models.SlotID]string),
		lastPercent: make(map[models.SlotID]float64),
		saveLimiter: rate.NewLimiter(rate.Every(interval), 1),
		ctx:         ctx,
	}
	return e
}

// Snapshot returns a deep copy of the canonical state for read-only use.
func (e *Engine) Snapshot() *models.AppState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneState(e.state)
}

// SetDeviceStatus implements feed.StatusSink.
func (e *Engine) SetDeviceStatus(connected bool, lastErr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.DeviceConnected = connected
	e.state.DeviceLastError = lastErr
	e.state.UpdatedAt = time.Now()
	if !connected {
		// A reconnected device replays its burst from scratch; stale tags
		// must not suppress the auto-link lookups that follow.
		for slot := range e.lastRFID {
			delete(e.lastRFID, slot)
		}
	}
	e.saveLocked(false)
}

// SetJobHostStatus implements jobs.SessionSink.
func (e *Engine) SetJobHostStatus(connected bool, lastErr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.JobHostConnected = connected
	e.state.JobHostLastError = lastErr
	e.state.UpdatedAt = time.Now()
	e.saveLocked(false)
}

// SetJobHistory implements jobs.SessionSink.
func (e *Engine) SetJobHistory(entries []models.JobHistoryEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.History = entries
	e.state.UpdatedAt = time.Now()
	e.saveLocked(false)
}

// OnJobSample implements jobs.SessionSink.
func (e *Engine) OnJobSample(status models.JobStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.JobState = status.State
	job := status.Filename
	if job == "" {
		job = status.JobID
	}
	e.state.CurrentJob = job
	e.state.JobUsedMM = status.FilamentMM
	e.state.JobUsedG = e.conv.MassFor(string(e.activeMaterialLocked()), status.FilamentMM)
	e.state.UpdatedAt = time.Now()
	e.saveLocked(false)
}

// activeMaterialLocked returns the material of the active slot. Callers hold mu.
func (e *Engine) activeMaterialLocked() models.Material {
	if rec, ok := e.state.Slots[e.state.ActiveSlot]; ok && rec != nil {
		return rec.Material
	}
	return models.MaterialOther
}

// saveLocked persists the snapshot, coalescing bursts through the limiter.
// force bypasses the limiter for explicit operations and shutdown. Callers
// hold mu.
func (e *Engine) saveLocked(force bool) {
	if !force && !e.saveLimiter.Allow() {
		metrics.StateSaves.WithLabelValues("coalesced").Inc()
		return
	}
	if err := e.store.SaveState(e.state); err != nil {
		if errors.Is(err, store.ErrDegraded) {
			metrics.StateSaves.WithLabelValues("degraded").Inc()
			return
		}
		logging.Error().Err(err).Msg("Failed to persist state snapshot")
		metrics.StateSaves.WithLabelValues("error").Inc()
		return
	}
	metrics.StateSaves.WithLabelValues("ok").Inc()
}

// Flush forces a final state save. Called on shutdown.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saveLocked(true)
}

// dispatch runs an inventory call on its own goroutine with a bounded
// context. fn runs without mu held and must lock for any state access.
func (e *Engine) dispatch(fn func(ctx context.Context)) {
	if e.resolver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, inventoryCallTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func cloneState(s *models.AppState) *models.AppState {
	out := *s
	out.Slots = make(map[models.SlotID]*models.SlotRecord, len(s.Slots))
	for id, rec := range s.Slots {
		cp := *rec
		out.Slots[id] = &cp
	}
	out.DeviceSlots = make(map[models.SlotID]*models.DeviceSlotSnapshot, len(s.DeviceSlots))
	for id, snap := range s.DeviceSlots {
		cp := *snap
		out.DeviceSlots[id] = &cp
	}
	out.Boxes = make(map[int]*models.CFSBoxStatus, len(s.Boxes))
	for id, box := range s.Boxes {
		cp := *box
		out.Boxes[id] = &cp
	}
	out.History = append([]models.JobHistoryEntry(nil), s.History...)
	return &out
}
