// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package services

import (
	"context"
	"time"

	"github.com/spoolwatch/spoolwatch/internal/store"
)

// defaultGCInterval is how often the store's value log is compacted.
const defaultGCInterval = 10 * time.Minute

// StoreGCService runs periodic value-log garbage collection on the store.
type StoreGCService struct {
	store    *store.Store
	interval time.Duration
}

// NewStoreGCService creates the wrapper.
func NewStoreGCService(st *store.Store, interval time.Duration) *StoreGCService {
	if interval <= 0 {
		interval = defaultGCInterval
	}
	return &StoreGCService{store: st, interval: interval}
}

// Serve implements suture.Service.
func (s *StoreGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.store.RunGC()
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *StoreGCService) String() string {
	return "store-gc"
}
