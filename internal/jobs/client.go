// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

/*
client.go - Print-Host REST Client

Fetches the job-status document and the global job-history list from the
print host. The host knows print progress and job boundaries but has no
notion of per-slot identity; that half of the picture comes from the device
feed.
*/

package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/spoolwatch/spoolwatch/internal/models"
)

// Client provides access to the print-host HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a print-host client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// jobStatusResponse mirrors the nested wire document:
//
//	{"status": {"jobState": {"state": "...", "filamentUsedMm": 123, ...}}}
type jobStatusResponse struct {
	Status struct {
		JobState struct {
			State      string  `json:"state"`
			JobID      string  `json:"jobId"`
			Filename   string  `json:"filename"`
			FilamentMM float64 `json:"filamentUsedMm"`
		} `json:"jobState"`
	} `json:"status"`
}

// GetJobStatus fetches and normalizes the current job-status document.
func (c *Client) GetJobStatus(ctx context.Context) (models.JobStatus, error) {
	var out models.JobStatus

	resp, err := c.get(ctx, "/printer/status")
	if err != nil {
		return out, fmt.Errorf("job status request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return out, fmt.Errorf("job status returned status %d (failed to read body)", resp.StatusCode)
		}
		return out, fmt.Errorf("job status returned status %d: %s", resp.StatusCode, string(body))
	}

	var doc jobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return out, fmt.Errorf("failed to decode job status: %w", err)
	}

	js := doc.Status.JobState
	out = models.JobStatus{
		State:      models.ParseJobLifecycleState(js.State),
		JobID:      strings.TrimSpace(js.JobID),
		Filename:   baseName(js.Filename),
		FilamentMM: js.FilamentMM,
	}
	return out, nil
}

// historyResponse mirrors the history list document.
type historyResponse struct {
	Result struct {
		Jobs []struct {
			JobID        string      `json:"job_id"`
			Filename     string      `json:"filename"`
			Status       string      `json:"status"`
			StartTime    float64     `json:"start_time"`
			EndTime      float64     `json:"end_time"`
			FilamentUsed interface{} `json:"filament_used"`
			Metadata     struct {
				FilamentType  string    `json:"filament_type"`
				FilamentUsedG []float64 `json:"filament_used_g"`
			} `json:"metadata"`
		} `json:"jobs"`
	} `json:"result"`
}

// GetHistory fetches the global job list, newest first. Per-slot attribution
// is not available here; entries feed presentation and manual allocation.
func (c *Client) GetHistory(ctx context.Context, limit int) ([]models.JobHistoryEntry, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "desc")

	resp, err := c.get(ctx, "/server/history/list?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history returned status %d", resp.StatusCode)
	}

	var doc historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	out := make([]models.JobHistoryEntry, 0, len(doc.Result.Jobs))
	for _, j := range doc.Result.Jobs {
		entry := models.JobHistoryEntry{
			JobID:     strings.TrimSpace(j.JobID),
			Filename:  baseName(j.Filename),
			Status:    j.Status,
			StartedAt: j.StartTime,
			EndedAt:   j.EndTime,
			Material:  j.Metadata.FilamentType,
		}
		if mm, ok := normalizeFilamentLength(j.FilamentUsed); ok {
			entry.FilamentMM = &mm
		}
		if len(j.Metadata.FilamentUsedG) > 0 {
			var total float64
			for _, g := range j.Metadata.FilamentUsedG {
				total += g
			}
			entry.FilamentG = &total
		}
		out = append(out, entry)
	}
	return out, nil
}

// normalizeFilamentLength applies the unit heuristic for the host's
// filament_used figure: documentation says millimeters, but several hosts
// report meters. Values under 200 are treated as meters.
func normalizeFilamentLength(raw interface{}) (float64, bool) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		v = parsed
	default:
		return 0, false
	}
	if v < 0 {
		return 0, false
	}
	if v < 200 {
		return v * 1000.0, true
	}
	return v, true
}

// baseName strips any path prefix from a gcode filename.
func baseName(name string) string {
	name = strings.TrimSpace(name)
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "spoolwatch/1.0")
	return c.httpClient.Do(req)
}
