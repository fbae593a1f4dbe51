// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

/*
breaker.go - Circuit Breaker for the Spoolman API

Wraps SpoolmanAPI with a circuit breaker so a dead or flapping inventory
service cannot pile up blocked goroutines behind every usage report. When
the breaker is open, calls fail fast and reconciliation degrades to
local-state-only operation.
*/

package inventory

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/spoolwatch/spoolwatch/internal/logging"
	"github.com/spoolwatch/spoolwatch/internal/metrics"
)

// Ensure BreakerClient implements SpoolmanAPI.
var _ SpoolmanAPI = (*BreakerClient)(nil)

// BreakerClient decorates a SpoolmanAPI with circuit-breaker protection.
type BreakerClient struct {
	inner   SpoolmanAPI
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreakerClient wraps the given client. The breaker opens after the
// failure ratio exceeds 60% across at least 5 requests, and probes again
// after 30 seconds.
func NewBreakerClient(inner SpoolmanAPI) *BreakerClient {
	settings := gobreaker.Settings{
		Name:        "spoolman",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	}

	return &BreakerClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// ListSpools implements SpoolmanAPI.
func (b *BreakerClient) ListSpools(ctx context.Context) ([]Spool, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.ListSpools(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]Spool), nil
}

// GetSpool implements SpoolmanAPI.
func (b *BreakerClient) GetSpool(ctx context.Context, id int) (*Spool, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.GetSpool(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Spool), nil
}

// UseWeight implements SpoolmanAPI.
func (b *BreakerClient) UseWeight(ctx context.Context, id int, grams float64) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.UseWeight(ctx, id, grams)
	})
	return err
}

// SetRemainingWeight implements SpoolmanAPI.
func (b *BreakerClient) SetRemainingWeight(ctx context.Context, id int, grams float64) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.SetRemainingWeight(ctx, id, grams)
	})
	return err
}

// SetExtraTag implements SpoolmanAPI.
func (b *BreakerClient) SetExtraTag(ctx context.Context, id int, tag string) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.SetExtraTag(ctx, id, tag)
	})
	return err
}
