// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package organizer

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/recall/services/organizer/centroid"
	"github.com/AleutianAI/recall/services/organizer/routing"
	"github.com/AleutianAI/recall/services/organizer/scheduler"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

// ErrorResponse is the uniform error body. Code is a stable machine
// readable string; Error is for humans.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one, and
// echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-ID", id)
	return id
}

// =============================================================================
// Requests
// =============================================================================

// BatchRequest is the POST /batches body.
type BatchRequest struct {
	BatchID string              `json:"batchId" binding:"required"`
	Window  string              `json:"window"`
	Topic   string              `json:"topic"`
	Entries []BatchEntryRequest `json:"entries" binding:"required,min=1,dive"`
}

// BatchEntryRequest is one snippet inside a batch.
type BatchEntryRequest struct {
	Text      string            `json:"text" binding:"required"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

// RouteRequest is the POST /route body: a single snippet outside any batch.
type RouteRequest struct {
	Text     string            `json:"text" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

// ReviewRequest is the POST /reviews/:conceptId body.
type ReviewRequest struct {
	Quality string `json:"quality" binding:"required"`
}

// =============================================================================
// Responses
// =============================================================================

// RejectedEntry reports a batch entry that failed admission.
type RejectedEntry struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchRoutingResponse is the POST /batches response.
type BatchRoutingResponse struct {
	BatchID          string                     `json:"batchId"`
	Decisions        []*routing.RoutingDecision `json:"decisions"`
	Rejected         []RejectedEntry            `json:"rejected"`
	Clusters         [][]string                 `json:"clusters"`
	SuggestedFolders []routing.SuggestedFolder  `json:"suggestedFolders"`
}

// FolderSummary is one row of GET /folders.
type FolderSummary struct {
	FolderID    string           `json:"folderId"`
	MemberCount int              `json:"memberCount"`
	LastUpdated time.Time        `json:"lastUpdated"`
	Quality     centroid.Quality `json:"quality"`
}

// FolderDetail is the GET /folders/:id response.
type FolderDetail struct {
	FolderID string                     `json:"folderId"`
	Stats    *centroid.FolderStats      `json:"stats"`
	Members  []vectorindex.FolderMember `json:"members"`
}

// StaleResponse is the GET /maintenance/stale response.
type StaleResponse struct {
	Stale []*centroid.FolderStats `json:"stale"`
}

// RedundantResponse is the GET /maintenance/redundant response.
type RedundantResponse struct {
	Pairs []centroid.RedundantPair `json:"pairs"`
}

// ReconcileResponse is the POST /maintenance/reconcile response.
type ReconcileResponse struct {
	JournalReplayed  int      `json:"journalReplayed"`
	JournalRemaining int      `json:"journalRemaining"`
	OrphansRemoved   []string `json:"orphansRemoved"`
}

// DueResponse is the GET /reviews/due response.
type DueResponse struct {
	Due       []*scheduler.ReviewSchedule `json:"due"`
	Estimated string                      `json:"estimatedStudyTime"`
}

// HealthResponse is the GET /health response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the GET /ready response.
type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	Backend string `json:"backend"`
}
