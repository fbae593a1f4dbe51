// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/spoolwatch/spoolwatch/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadStateFresh(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	state := s.LoadState()

	if len(state.Slots) != 16 {
		t.Fatalf("fresh state has %d slots, want 16", len(state.Slots))
	}
	if state.ActiveSlot != "1A" {
		t.Errorf("ActiveSlot = %q, want 1A", state.ActiveSlot)
	}
	if s.Degraded() {
		t.Error("fresh store must not be degraded")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	state := models.DefaultState()
	state.ActiveSlot = "3B"
	state.Slots["3B"].Material = models.MaterialPETG
	state.Slots["3B"].SpoolID = 42
	state.Slots["3B"].RollEpoch = 2

	if err := s.SaveState(state); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	loaded := s.LoadState()
	if loaded.ActiveSlot != "3B" {
		t.Errorf("ActiveSlot = %q, want 3B", loaded.ActiveSlot)
	}
	rec := loaded.Slots["3B"]
	if rec.Material != models.MaterialPETG || rec.SpoolID != 42 || rec.RollEpoch != 2 {
		t.Errorf("slot 3B = %+v, want PETG/42/epoch 2", rec)
	}
}

func TestCorruptSnapshotLatchesDegraded(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stateKey), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("failed to plant corrupt snapshot: %v", err)
	}

	state := s.LoadState()
	if len(state.Slots) != 16 {
		t.Fatalf("corrupt load returned %d slots, want default universe", len(state.Slots))
	}
	if !s.Degraded() {
		t.Fatal("corrupt load must latch degraded")
	}

	// The latch blocks saves: the corrupt (possibly recoverable) value stays.
	if err := s.SaveState(state); !errors.Is(err, ErrDegraded) {
		t.Fatalf("SaveState() error = %v, want ErrDegraded", err)
	}

	// An explicit mutation re-arms saving.
	s.ClearDegraded()
	if s.Degraded() {
		t.Fatal("ClearDegraded() did not clear the latch")
	}
	if err := s.SaveState(state); err != nil {
		t.Fatalf("SaveState() after clear error = %v", err)
	}
}

func TestDegradedLatchConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stateKey), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("failed to plant corrupt snapshot: %v", err)
	}
	s.LoadState()

	// The health endpoint polls Degraded while the engine clears the latch.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = s.Degraded()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.ClearDegraded()
		}
	}()
	wg.Wait()

	if s.Degraded() {
		t.Error("latch still set after ClearDegraded")
	}
}

func TestOldSnapshotGetsUniverseRestored(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	// A truncated but valid snapshot from an older version, using the old
	// "color" and "vendor" field spellings.
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stateKey),
			[]byte(`{"active_slot":"2C","slots":{"2C":{"slot":"2C","material":"pla","color":"#112233","vendor":"Acme"}}}`))
	})
	if err != nil {
		t.Fatalf("failed to plant old snapshot: %v", err)
	}

	state := s.LoadState()
	if s.Degraded() {
		t.Fatal("valid old snapshot must not latch degraded")
	}
	if len(state.Slots) != 16 {
		t.Fatalf("universe not restored: %d slots", len(state.Slots))
	}
	rec := state.Slots["2C"]
	if rec.Material != models.MaterialPLA {
		t.Errorf("material = %q, want normalized PLA", rec.Material)
	}
	if rec.ColorHex != "#112233" || rec.Manufacturer != "Acme" {
		t.Errorf("legacy fields not migrated: %+v", rec)
	}
}

func TestPutMarkerIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	m := models.AllocationMarker{Key: "42:1700000000", Job: "benchy.gcode", CreatedAt: time.Now()}

	if err := s.PutMarker(m); err != nil {
		t.Fatalf("first PutMarker() error = %v", err)
	}
	if err := s.PutMarker(m); !errors.Is(err, ErrMarkerExists) {
		t.Fatalf("second PutMarker() error = %v, want ErrMarkerExists", err)
	}

	ok, err := s.HasMarker(m.Key)
	if err != nil || !ok {
		t.Fatalf("HasMarker() = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.HasMarker("other:1")
	if err != nil || ok {
		t.Fatalf("HasMarker(missing) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestMarkersNewestFirst(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	keys := []string{"a:1", "b:2", "c:3"}
	for _, k := range keys {
		if err := s.PutMarker(models.AllocationMarker{Key: k, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("PutMarker(%s) error = %v", k, err)
		}
	}

	markers, err := s.Markers()
	if err != nil {
		t.Fatalf("Markers() error = %v", err)
	}
	if len(markers) != 3 {
		t.Fatalf("markers = %d, want 3", len(markers))
	}
	if markers[0].Key != "c:3" || markers[2].Key != "a:1" {
		t.Errorf("order = [%s %s %s], want newest first", markers[0].Key, markers[1].Key, markers[2].Key)
	}
}
