// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker/v2"
)

// failingAPI always errors and counts how often it is reached.
type failingAPI struct {
	calls int
}

var errDown = errors.New("connection refused")

func (f *failingAPI) ListSpools(_ context.Context) ([]Spool, error) {
	f.calls++
	return nil, errDown
}

func (f *failingAPI) GetSpool(_ context.Context, id int) (*Spool, error) {
	f.calls++
	return nil, errDown
}

func (f *failingAPI) UseWeight(_ context.Context, id int, grams float64) error {
	f.calls++
	return errDown
}

func (f *failingAPI) SetRemainingWeight(_ context.Context, id int, grams float64) error {
	f.calls++
	return errDown
}

func (f *failingAPI) SetExtraTag(_ context.Context, id int, tag string) error {
	f.calls++
	return errDown
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	t.Parallel()

	inner := &failingAPI{}
	b := NewBreakerClient(inner)
	ctx := context.Background()

	// Drive the breaker past its trip threshold.
	for i := 0; i < 5; i++ {
		if _, err := b.ListSpools(ctx); !errors.Is(err, errDown) {
			t.Fatalf("call %d error = %v, want inner failure", i, err)
		}
	}
	reached := inner.calls

	// Open breaker: the inner client is no longer consulted.
	_, err := b.ListSpools(ctx)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want ErrOpenState", err)
	}
	if err := b.UseWeight(ctx, 1, 2.0); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("UseWeight error = %v, want ErrOpenState", err)
	}
	if inner.calls != reached {
		t.Errorf("inner reached %d times after open, want %d", inner.calls, reached)
	}
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(Spool{ID: 1})
	b := NewBreakerClient(api)

	spools, err := b.ListSpools(context.Background())
	if err != nil {
		t.Fatalf("ListSpools() error = %v", err)
	}
	if len(spools) != 1 || spools[0].ID != 1 {
		t.Errorf("spools = %+v", spools)
	}

	s, err := b.GetSpool(context.Background(), 1)
	if err != nil || s.ID != 1 {
		t.Errorf("GetSpool() = (%+v, %v)", s, err)
	}
}
