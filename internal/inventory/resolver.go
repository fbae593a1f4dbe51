// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

/*
resolver.go - Inventory Link Resolver

Resolves slots to external spool records and pushes consumption to them.
All operations degrade to no-ops when the spool service is unreachable:
inventory reporting is best-effort and must never stall device or job feed
processing.

Job-level usage reporting is idempotent. Each completed job is keyed by
its allocation marker; once a marker exists, the same job is never
reported again, no matter how many times history replays it.
*/

package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spoolwatch/spoolwatch/internal/logging"
	"github.com/spoolwatch/spoolwatch/internal/metrics"
	"github.com/spoolwatch/spoolwatch/internal/models"
	"github.com/spoolwatch/spoolwatch/internal/store"
)

// materialMatchBonus dominates any possible color distance (max RGB
// Euclidean distance is ~441), so a material match always outranks a
// closer color on the wrong material.
const materialMatchBonus = 1000.0

// RankedSpool is a candidate spool with its match score. Lower is better.
type RankedSpool struct {
	Spool Spool   `json:"spool"`
	Score float64 `json:"score"`
}

// Resolver links slots to inventory spools and reports consumption.
type Resolver struct {
	api   SpoolmanAPI
	store *store.Store
}

// NewResolver creates a resolver over the given API client and marker store.
func NewResolver(api SpoolmanAPI, st *store.Store) *Resolver {
	return &Resolver{api: api, store: st}
}

// FetchSpool looks up a single spool record.
func (r *Resolver) FetchSpool(ctx context.Context, id int) (*Spool, error) {
	return r.api.GetSpool(ctx, id)
}

// ListSpools returns all non-archived spools.
func (r *Resolver) ListSpools(ctx context.Context) ([]Spool, error) {
	return r.api.ListSpools(ctx)
}

// RankCandidates returns active spools ordered by how well they match the
// given material and color. A material match dominates; within the same
// material tier, candidates are ordered by RGB Euclidean distance.
func (r *Resolver) RankCandidates(ctx context.Context, material models.Material, colorHex string) ([]RankedSpool, error) {
	spools, err := r.api.ListSpools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list spool candidates: %w", err)
	}

	ranked := make([]RankedSpool, 0, len(spools))
	for _, s := range spools {
		ranked = append(ranked, RankedSpool{
			Spool: s,
			Score: matchScore(s, material, colorHex),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score < ranked[j].Score
	})
	return ranked, nil
}

func matchScore(s Spool, material models.Material, colorHex string) float64 {
	score := 0.0
	if models.NormalizeMaterial(s.Filament.Material) == material {
		score -= materialMatchBonus
	}
	score += colorDistance(colorHex, s.Filament.ColorHex)
	return score
}

// colorDistance returns the RGB Euclidean distance between two hex colors.
// Unparseable colors rank behind every parseable one.
func colorDistance(a, b string) float64 {
	ar, ag, ab, okA := parseRGB(a)
	br, bg, bb, okB := parseRGB(b)
	if !okA || !okB {
		return materialMatchBonus / 2
	}
	dr := float64(ar - br)
	dg := float64(ag - bg)
	db := float64(ab - bb)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

func parseRGB(hex string) (r, g, b int, ok bool) {
	h := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hex)), "#")
	if len(h) > 6 {
		h = h[len(h)-6:]
	}
	if len(h) != 6 {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseInt(h, 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff), true
}

// FindByTag scans active spools for one whose extra metadata carries the
// given RFID tag. Returns nil without error when no spool matches.
func (r *Resolver) FindByTag(ctx context.Context, tag string) (*Spool, error) {
	if tag == "" {
		return nil, nil
	}
	spools, err := r.api.ListSpools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list spools for tag lookup: %w", err)
	}
	for i := range spools {
		if spools[i].Tag() == tag {
			return &spools[i], nil
		}
	}
	return nil, nil
}

// WriteTagBack stores the RFID tag on the spool's extra metadata so the
// next insertion of the same physical spool auto-links without a manual
// step. Failures are logged and swallowed.
func (r *Resolver) WriteTagBack(ctx context.Context, spoolID int, tag string) {
	if spoolID <= 0 || tag == "" {
		return
	}
	if err := r.api.SetExtraTag(ctx, spoolID, tag); err != nil {
		logging.Warn().
			Err(err).
			Int("spool_id", spoolID).
			Msg("Failed to write RFID tag to spool metadata")
		metrics.InventoryReports.WithLabelValues("tag", "error").Inc()
		return
	}
	metrics.InventoryReports.WithLabelValues("tag", "ok").Inc()
}

// ReportUsage deducts grams from a spool's remaining weight. A no-op when
// the slot is unlinked or the amount is not positive; failures are logged
// and swallowed.
func (r *Resolver) ReportUsage(ctx context.Context, spoolID int, grams float64) {
	if spoolID <= 0 || grams <= 0 {
		return
	}
	if err := r.api.UseWeight(ctx, spoolID, grams); err != nil {
		logging.Warn().
			Err(err).
			Int("spool_id", spoolID).
			Float64("grams", grams).
			Msg("Failed to report filament usage")
		metrics.InventoryReports.WithLabelValues("usage", "error").Inc()
		return
	}
	logging.Debug().
		Int("spool_id", spoolID).
		Float64("grams", grams).
		Msg("Reported filament usage")
	metrics.InventoryReports.WithLabelValues("usage", "ok").Inc()
}

// ReportMeasurement overwrites a spool's remaining weight with a direct
// measurement. Same degradation rules as ReportUsage.
func (r *Resolver) ReportMeasurement(ctx context.Context, spoolID int, grams float64) {
	if spoolID <= 0 || grams < 0 {
		return
	}
	if err := r.api.SetRemainingWeight(ctx, spoolID, grams); err != nil {
		logging.Warn().
			Err(err).
			Int("spool_id", spoolID).
			Float64("grams", grams).
			Msg("Failed to report remaining weight")
		metrics.InventoryReports.WithLabelValues("measurement", "error").Inc()
		return
	}
	metrics.InventoryReports.WithLabelValues("measurement", "ok").Inc()
}

// ReportPercentRemaining converts a sensor-reported remaining percentage
// into a remaining-weight measurement. The spool's full filament weight
// scales the percentage; spools without a known weight are skipped. Same
// degradation rules as ReportUsage.
func (r *Resolver) ReportPercentRemaining(ctx context.Context, spoolID int, percent float64) {
	if spoolID <= 0 || percent <= 0 || percent > 100 {
		return
	}
	spool, err := r.api.GetSpool(ctx, spoolID)
	if err != nil {
		logging.Warn().
			Err(err).
			Int("spool_id", spoolID).
			Msg("Failed to fetch spool for percent write-back")
		metrics.InventoryReports.WithLabelValues("measurement", "error").Inc()
		return
	}
	if spool.Filament.Weight == nil || *spool.Filament.Weight <= 0 {
		logging.Debug().
			Int("spool_id", spoolID).
			Msg("Spool has no filament weight, skipping percent write-back")
		return
	}
	r.ReportMeasurement(ctx, spoolID, *spool.Filament.Weight*percent/100)
}

// ReportJobUsage reports a completed job's per-spool consumption exactly
// once. The allocation marker is persisted before any reports go out, so a
// replayed job key is always a silent no-op; a crash between marker and
// report loses that job's deduction rather than risking a double one.
func (r *Resolver) ReportJobUsage(ctx context.Context, marker models.AllocationMarker, usage map[int]float64) error {
	total := 0.0
	for _, grams := range usage {
		if grams > 0 {
			total += grams
		}
	}
	if total <= 0 {
		return nil
	}

	if err := r.store.PutMarker(marker); err != nil {
		if errors.Is(err, store.ErrMarkerExists) {
			logging.Debug().
				Str("job_key", marker.Key).
				Msg("Job already allocated, skipping report")
			metrics.AllocationDuplicates.Inc()
			return nil
		}
		return fmt.Errorf("failed to persist allocation marker: %w", err)
	}

	for spoolID, grams := range usage {
		r.ReportUsage(ctx, spoolID, grams)
	}
	logging.Info().
		Str("job_key", marker.Key).
		Str("job", marker.Job).
		Float64("total_grams", total).
		Int("spools", len(usage)).
		Msg("Allocated job usage to inventory")
	return nil
}

// HasAllocation reports whether a job key has already been allocated.
func (r *Resolver) HasAllocation(key string) (bool, error) {
	return r.store.HasMarker(key)
}

// Allocations returns recorded allocation markers, newest first.
func (r *Resolver) Allocations() ([]models.AllocationMarker, error) {
	return r.store.Markers()
}

// NewMarker builds an allocation marker for a job.
func NewMarker(jobID, filename string, endedAt float64) models.AllocationMarker {
	job := filename
	if job == "" {
		job = jobID
	}
	return models.AllocationMarker{
		Key:       models.JobKey(jobID, filename, endedAt),
		Job:       job,
		EndedAt:   endedAt,
		CreatedAt: time.Now(),
	}
}
