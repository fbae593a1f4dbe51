// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

// Package store persists the canonical state snapshot and the allocation
// markers in BadgerDB. The snapshot lives under a single key and is written
// whole; markers live under a prefix and are never evicted.
package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/spoolwatch/spoolwatch/internal/logging"
	"github.com/spoolwatch/spoolwatch/internal/models"
)

const (
	stateKey        = "state:snapshot"
	markerKeyPrefix = "alloc:"
	gcDiscardRatio  = 0.5
)

// ErrDegraded is returned by SaveState after a corrupt snapshot was replaced
// by the default universe. The old (possibly hand-recoverable) value must not
// be overwritten until an explicit mutation re-arms saving.
var ErrDegraded = errors.New("store: degraded after corrupt snapshot load, saves disabled")

// ErrMarkerExists is returned by PutMarker when the job key is already
// allocated.
var ErrMarkerExists = errors.New("store: allocation marker already exists")

// Store wraps a Badger database holding the snapshot and the markers.
type Store struct {
	db *badger.DB

	// degraded latches when LoadState had to fall back to the default
	// universe. Atomic: the engine writes it while the health endpoint
	// reads it concurrently.
	degraded atomic.Bool
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an ephemeral store. Used by tests and by deployments
// that explicitly opt out of persistence.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadState returns the persisted snapshot, or a fresh default universe when
// none exists. A corrupt snapshot also yields the default universe but
// latches the store into degraded mode so SaveState cannot clobber the old
// value; loading never fails.
func (s *Store) LoadState() *models.AppState {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(stateKey))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.DefaultState()
	}
	if err != nil {
		logging.Err(err).Msg("state load failed, starting from default universe")
		s.degraded.Store(true)
		return models.DefaultState()
	}

	state := &models.AppState{}
	if err := json.Unmarshal(raw, state); err != nil {
		logging.Err(err).Msg("state snapshot is corrupt, starting from default universe")
		s.degraded.Store(true)
		return models.DefaultState()
	}

	// Tolerate older snapshots: restore missing slots, normalize materials.
	state.EnsureUniverse()
	return state
}

// SaveState persists the snapshot. Returns ErrDegraded while the degraded
// latch is set.
func (s *Store) SaveState(state *models.AppState) error {
	if s.degraded.Load() {
		return ErrDegraded
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stateKey), data)
	})
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Degraded reports whether the degraded latch is set.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// ClearDegraded re-arms saving. Called by the engine on the first explicit
// operator mutation after a degraded load; the operator action signals the
// default universe is now the intended state.
func (s *Store) ClearDegraded() {
	if s.degraded.Swap(false) {
		logging.Warn().Msg("degraded latch cleared, snapshot saves re-enabled")
	}
}

// HasMarker reports whether an allocation marker exists for the job key.
func (s *Store) HasMarker(key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(markerKeyPrefix + key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("marker lookup: %w", err)
	}
	return true, nil
}

// PutMarker stores an allocation marker. Returns ErrMarkerExists when the key
// is already present, making the create-once check atomic under badger's
// transaction.
func (s *Store) PutMarker(m models.AllocationMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}

	key := []byte(markerKeyPrefix + m.Key)
	err = s.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(key)
		if getErr == nil {
			return ErrMarkerExists
		}
		if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}
		return txn.Set(key, data)
	})
	if err != nil {
		if errors.Is(err, ErrMarkerExists) {
			return ErrMarkerExists
		}
		return fmt.Errorf("put marker: %w", err)
	}
	return nil
}

// Markers returns all allocation markers, newest first.
func (s *Store) Markers() ([]models.AllocationMarker, error) {
	var out []models.AllocationMarker
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(markerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m models.AllocationMarker
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				// A single corrupt marker must not hide the rest.
				logging.Err(err).Str("key", string(it.Item().Key())).Msg("skipping unreadable allocation marker")
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RunGC runs badger value-log garbage collection until gc makes no progress.
// Intended to be called periodically by the data-layer service.
func (s *Store) RunGC() {
	for {
		if err := s.db.RunValueLogGC(gcDiscardRatio); err != nil {
			return
		}
	}
}
