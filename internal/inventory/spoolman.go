// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

/*
spoolman.go - Spoolman REST API Client

Implements the external spool-inventory API surface Spoolwatch consumes:
list non-archived spools, fetch one spool, partially update weight/metadata,
and the dedicated use-by-weight deduction.

API Reference: https://github.com/Donkie/Spoolman
*/

package inventory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// extraTagKey is the spool extra-metadata field holding the RFID tag used
// for auto-linking.
const extraTagKey = "rfid_tag"

// SpoolmanAPI is the interface both the plain client and the circuit-breaker
// wrapper implement.
type SpoolmanAPI interface {
	ListSpools(ctx context.Context) ([]Spool, error)
	GetSpool(ctx context.Context, id int) (*Spool, error)
	UseWeight(ctx context.Context, id int, grams float64) error
	SetRemainingWeight(ctx context.Context, id int, grams float64) error
	SetExtraTag(ctx context.Context, id int, tag string) error
}

// Ensure Client implements SpoolmanAPI.
var _ SpoolmanAPI = (*Client)(nil)

// SpoolVendor is the vendor sub-record of a filament.
type SpoolVendor struct {
	Name string `json:"name"`
}

// SpoolFilament is the filament sub-record of a spool.
type SpoolFilament struct {
	Material string `json:"material"`
	Name     string `json:"name"`
	ColorHex string `json:"color_hex"`
	// Weight is the net filament weight of a full spool in grams.
	Weight *float64    `json:"weight,omitempty"`
	Vendor SpoolVendor `json:"vendor"`
}

// Spool is one inventory record.
type Spool struct {
	ID              int               `json:"id"`
	Archived        bool              `json:"archived"`
	RemainingWeight *float64          `json:"remaining_weight,omitempty"`
	Filament        SpoolFilament     `json:"filament"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Tag returns the RFID tag stored in the spool's extra metadata. Spoolman
// stores extra values as JSON-encoded strings; both quoted and raw values
// are accepted.
func (s *Spool) Tag() string {
	raw, ok := s.Extra[extraTagKey]
	if !ok {
		return ""
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		return unquoted
	}
	return raw
}

// Client is the plain Spoolman REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Spoolman client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListSpools returns all non-archived spools.
func (c *Client) ListSpools(ctx context.Context) ([]Spool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/spool", nil)
	if err != nil {
		return nil, fmt.Errorf("spoolman list request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spoolman list returned status %d", resp.StatusCode)
	}

	var all []Spool
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("failed to decode spool list: %w", err)
	}

	active := make([]Spool, 0, len(all))
	for i := range all {
		if !all[i].Archived {
			active = append(active, all[i])
		}
	}
	return active, nil
}

// GetSpool fetches a single spool by id.
func (c *Client) GetSpool(ctx context.Context, id int) (*Spool, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/spool/%d", id), nil)
	if err != nil {
		return nil, fmt.Errorf("spoolman get request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spoolman get returned status %d", resp.StatusCode)
	}

	var spool Spool
	if err := json.NewDecoder(resp.Body).Decode(&spool); err != nil {
		return nil, fmt.Errorf("failed to decode spool: %w", err)
	}
	return &spool, nil
}

// UseWeight deducts grams from the spool's remaining weight via the
// dedicated use endpoint.
func (c *Client) UseWeight(ctx context.Context, id int, grams float64) error {
	body := map[string]interface{}{"use_weight": round2(grams)}
	resp, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v1/spool/%d/use", id), body)
	if err != nil {
		return fmt.Errorf("spoolman use request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("spoolman use returned status %d", resp.StatusCode)
	}
	return nil
}

// SetRemainingWeight sets the spool's remaining weight directly (a scale
// measurement, not a deduction).
func (c *Client) SetRemainingWeight(ctx context.Context, id int, grams float64) error {
	body := map[string]interface{}{"remaining_weight": round2(grams)}
	return c.patchSpool(ctx, id, body)
}

// SetExtraTag writes the RFID tag into the spool's extra metadata for future
// auto-link lookups. Extra values are JSON-encoded strings.
func (c *Client) SetExtraTag(ctx context.Context, id int, tag string) error {
	body := map[string]interface{}{
		"extra": map[string]string{extraTagKey: strconv.Quote(tag)},
	}
	return c.patchSpool(ctx, id, body)
}

func (c *Client) patchSpool(ctx context.Context, id int, body map[string]interface{}) error {
	resp, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/v1/spool/%d", id), body)
	if err != nil {
		return fmt.Errorf("spoolman patch request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("spoolman patch returned status %d (failed to read body)", resp.StatusCode)
		}
		return fmt.Errorf("spoolman patch returned status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "spoolwatch/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
