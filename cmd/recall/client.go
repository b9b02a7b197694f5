// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/recall/services/organizer"
	"github.com/AleutianAI/recall/services/organizer/routing"
	"github.com/AleutianAI/recall/services/organizer/scheduler"
)

// apiClient talks to the organizer server's /v1/organizer surface.
type apiClient struct {
	baseURL string
	client  *http.Client
}

// newAPIClient builds a client for the configured server.
func newAPIClient() *apiClient {
	return &apiClient{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		// Batch ingestion can hold dozens of LLM calls behind it.
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// doJSON issues one request and decodes the response into out (when out is
// non-nil). Non-2xx responses surface the server's error and code.
func (a *apiClient) doJSON(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("organizer server unavailable at %s: %w", a.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr organizer.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d, %s)", apiErr.Error, resp.StatusCode, apiErr.Code)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IngestBatch posts a raw batch JSON document.
func (a *apiClient) IngestBatch(rawBatch []byte) (*organizer.BatchRoutingResponse, error) {
	var req json.RawMessage = rawBatch
	var resp organizer.BatchRoutingResponse
	if err := a.doJSON(http.MethodPost, "/v1/organizer/batches", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Route routes a single snippet.
func (a *apiClient) Route(text string) (*routing.RoutingDecision, error) {
	var resp routing.RoutingDecision
	err := a.doJSON(http.MethodPost, "/v1/organizer/route", organizer.RouteRequest{Text: text}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Folders lists folder summaries.
func (a *apiClient) Folders() ([]organizer.FolderSummary, error) {
	var resp struct {
		Folders []organizer.FolderSummary `json:"folders"`
	}
	if err := a.doJSON(http.MethodGet, "/v1/organizer/folders", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Folders, nil
}

// Due fetches the due review queue.
func (a *apiClient) Due(limit int, byDifficulty bool) (*organizer.DueResponse, error) {
	path := "/v1/organizer/reviews/due"
	var params []string
	if limit > 0 {
		params = append(params, fmt.Sprintf("limit=%d", limit))
	}
	if byDifficulty {
		params = append(params, "by_difficulty=true")
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var resp organizer.DueResponse
	if err := a.doJSON(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Plan fetches the workload buckets.
func (a *apiClient) Plan() (*scheduler.ReviewPlan, error) {
	var resp scheduler.ReviewPlan
	if err := a.doJSON(http.MethodGet, "/v1/organizer/reviews/plan", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReviewHealth fetches the scheduler health summary.
func (a *apiClient) ReviewHealth() (*scheduler.SystemHealth, error) {
	var resp scheduler.SystemHealth
	if err := a.doJSON(http.MethodGet, "/v1/organizer/reviews/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProcessReview grades one concept.
func (a *apiClient) ProcessReview(conceptID, quality string) (*scheduler.ReviewSchedule, error) {
	var resp scheduler.ReviewSchedule
	path := "/v1/organizer/reviews/concepts/" + conceptID
	if err := a.doJSON(http.MethodPost, path, organizer.ReviewRequest{Quality: quality}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Suspend pauses reviews for one concept.
func (a *apiClient) Suspend(conceptID string) (*scheduler.ReviewSchedule, error) {
	var resp scheduler.ReviewSchedule
	path := "/v1/organizer/reviews/concepts/" + conceptID + "/suspend"
	if err := a.doJSON(http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reconcile replays the journal and drops orphaned schedules.
func (a *apiClient) Reconcile() (*organizer.ReconcileResponse, error) {
	var resp organizer.ReconcileResponse
	if err := a.doJSON(http.MethodPost, "/v1/organizer/maintenance/reconcile", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
