// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/spoolwatch/spoolwatch/internal/models"
	"github.com/spoolwatch/spoolwatch/internal/store"
)

// fakeAPI is an in-memory SpoolmanAPI recording mutation calls.
type fakeAPI struct {
	mu        sync.Mutex
	spools    []Spool
	listErr   error
	usages    map[int]float64
	useCalls  int
	tags      map[int]string
	remaining map[int]float64
}

func newFakeAPI(spools ...Spool) *fakeAPI {
	return &fakeAPI{
		spools:    spools,
		usages:    make(map[int]float64),
		tags:      make(map[int]string),
		remaining: make(map[int]float64),
	}
}

func (f *fakeAPI) ListSpools(_ context.Context) ([]Spool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]Spool(nil), f.spools...), nil
}

func (f *fakeAPI) GetSpool(_ context.Context, id int) (*Spool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.spools {
		if f.spools[i].ID == id {
			s := f.spools[i]
			return &s, nil
		}
	}
	return nil, errors.New("spool not found")
}

func (f *fakeAPI) UseWeight(_ context.Context, id int, grams float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.useCalls++
	f.usages[id] += grams
	return nil
}

func (f *fakeAPI) SetRemainingWeight(_ context.Context, id int, grams float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining[id] = grams
	return nil
}

func (f *fakeAPI) SetExtraTag(_ context.Context, id int, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[id] = tag
	return nil
}

func newTestResolver(t *testing.T, api SpoolmanAPI) *Resolver {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewResolver(api, st)
}

func TestRankCandidatesMaterialDominatesColor(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(
		Spool{ID: 1, Filament: SpoolFilament{Material: "PETG", ColorHex: "ff0000"}},
		Spool{ID: 2, Filament: SpoolFilament{Material: "PLA", ColorHex: "0000ff"}},
		Spool{ID: 3, Filament: SpoolFilament{Material: "PLA", ColorHex: "ff0100"}},
	)
	r := newTestResolver(t, api)

	ranked, err := r.RankCandidates(context.Background(), models.MaterialPLA, "#ff0000")
	if err != nil {
		t.Fatalf("RankCandidates() error = %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("got %d candidates, want 3", len(ranked))
	}
	// Spool 3 matches material and is nearly the right color; spool 2 matches
	// material but not color; spool 1 matches only color.
	if ranked[0].Spool.ID != 3 || ranked[1].Spool.ID != 2 || ranked[2].Spool.ID != 1 {
		t.Errorf("order = %d, %d, %d, want 3, 2, 1",
			ranked[0].Spool.ID, ranked[1].Spool.ID, ranked[2].Spool.ID)
	}
}

func TestReportPercentRemaining(t *testing.T) {
	t.Parallel()

	weight := 1000.0
	api := newFakeAPI(
		Spool{ID: 4, Filament: SpoolFilament{Material: "PLA", Weight: &weight}},
		Spool{ID: 5, Filament: SpoolFilament{Material: "PLA"}},
	)
	r := newTestResolver(t, api)

	// 80% of a 1000 g spool.
	r.ReportPercentRemaining(context.Background(), 4, 80)
	api.mu.Lock()
	got, ok := api.remaining[4]
	api.mu.Unlock()
	if !ok || got != 800 {
		t.Errorf("remaining[4] = %v, want 800", got)
	}

	// A spool without a filament weight has nothing to scale.
	r.ReportPercentRemaining(context.Background(), 5, 80)
	// Out-of-range percentages never reach the API.
	r.ReportPercentRemaining(context.Background(), 4, 0)
	r.ReportPercentRemaining(context.Background(), 4, 140)
	// An unknown spool id fails the fetch; the failure is logged and dropped.
	r.ReportPercentRemaining(context.Background(), 99, 50)

	api.mu.Lock()
	defer api.mu.Unlock()
	if _, ok := api.remaining[5]; ok {
		t.Error("weightless spool must not receive a measurement")
	}
	if len(api.remaining) != 1 {
		t.Errorf("remaining writes = %d, want 1", len(api.remaining))
	}
}

func TestFindByTag(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(
		Spool{ID: 1, Extra: map[string]string{"rfid_tag": `"AA55"`}},
		Spool{ID: 2, Extra: map[string]string{"rfid_tag": `"BB66"`}},
	)
	r := newTestResolver(t, api)

	s, err := r.FindByTag(context.Background(), "BB66")
	if err != nil {
		t.Fatalf("FindByTag() error = %v", err)
	}
	if s == nil || s.ID != 2 {
		t.Fatalf("FindByTag(BB66) = %+v, want spool 2", s)
	}

	s, err = r.FindByTag(context.Background(), "CC77")
	if err != nil {
		t.Fatalf("FindByTag(miss) error = %v", err)
	}
	if s != nil {
		t.Errorf("FindByTag(miss) = %+v, want nil", s)
	}
}

func TestReportJobUsageIdempotent(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	r := newTestResolver(t, api)
	marker := NewMarker("42", "benchy.gcode", 1700000000)
	usage := map[int]float64{7: 3.5, 9: 1.25}

	if err := r.ReportJobUsage(context.Background(), marker, usage); err != nil {
		t.Fatalf("first ReportJobUsage() error = %v", err)
	}
	if err := r.ReportJobUsage(context.Background(), marker, usage); err != nil {
		t.Fatalf("replayed ReportJobUsage() error = %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.useCalls != 2 {
		t.Errorf("use calls = %d, want 2 (replay must not report again)", api.useCalls)
	}
	if api.usages[7] != 3.5 || api.usages[9] != 1.25 {
		t.Errorf("usages = %+v, want 7:3.5 9:1.25", api.usages)
	}
}

func TestReportJobUsageSkipsEmpty(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	r := newTestResolver(t, api)
	marker := NewMarker("43", "", 1700000100)

	if err := r.ReportJobUsage(context.Background(), marker, map[int]float64{7: 0}); err != nil {
		t.Fatalf("ReportJobUsage() error = %v", err)
	}
	if api.useCalls != 0 {
		t.Errorf("use calls = %d, want 0", api.useCalls)
	}
	ok, err := r.HasAllocation(marker.Key)
	if err != nil {
		t.Fatalf("HasAllocation() error = %v", err)
	}
	if ok {
		t.Error("empty usage must not persist a marker")
	}
}

func TestNewMarker(t *testing.T) {
	t.Parallel()

	m := NewMarker("42", "benchy.gcode", 1700000000.73)
	if m.Key != "42:1700000001" {
		t.Errorf("Key = %q, want 42:1700000001", m.Key)
	}
	if m.Job != "benchy.gcode" {
		t.Errorf("Job = %q, want filename", m.Job)
	}
	if m.CreatedAt.IsZero() {
		t.Error("CreatedAt must be set")
	}

	m = NewMarker("42", "", 10)
	if m.Job != "42" {
		t.Errorf("Job = %q, want job id fallback", m.Job)
	}
}
