// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package services

import (
	"context"
)

// Runner is any component exposing the blocking Run(ctx) pattern. The
// device connection and the job poller both satisfy it.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerService adapts a Runner into a supervised service under a stable
// name.
type RunnerService struct {
	name   string
	runner Runner
}

// NewRunnerService creates the wrapper.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{name: name, runner: runner}
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	return s.runner.Run(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (s *RunnerService) String() string {
	return s.name
}
