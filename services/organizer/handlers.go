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
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/recall/services/organizer/candidate"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

// Handlers binds the HTTP surface to the Service.
type Handlers struct {
	service *Service
}

// NewHandlers constructs the handler set.
func NewHandlers(service *Service) *Handlers {
	if service == nil {
		panic("organizer.NewHandlers: service must not be nil")
	}
	return &Handlers{service: service}
}

// writeServiceError maps pipeline errors onto status codes.
func writeServiceError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, vectorindex.ErrConnection):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "vector store unreachable; the write was journaled for replay",
			Code:  "VECTOR_STORE_UNAVAILABLE",
		})
	case errors.Is(err, vectorindex.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	default:
		logger.Error("request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL"})
	}
}

// HandleIngestBatch handles POST /v1/organizer/batches.
//
// # Description
//
//	Validates every entry, routes the admitted candidates with bounded
//	parallelism, and returns per-candidate decisions plus rejected entries
//	and folder suggestions mined from the unsorted leftovers.
//
// # Thread Safety
//
// Safe for concurrent use.
func (h *Handlers) HandleIngestBatch(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleIngestBatch")

	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_BODY"})
		return
	}

	resp, err := h.service.IngestBatch(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	logger.Info("batch routed",
		slog.String("batch_id", req.BatchID),
		slog.Int("decisions", len(resp.Decisions)),
		slog.Int("rejected", len(resp.Rejected)))
	c.JSON(http.StatusOK, resp)
}

// HandleRoute handles POST /v1/organizer/route: one snippet, one decision.
func (h *Handlers) HandleRoute(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRoute")

	var req RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_BODY"})
		return
	}

	decision, err := h.service.RouteOne(c.Request.Context(), &req)
	if err != nil {
		if isValidationErr(err) {
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: candidate.RejectReason(err)})
			return
		}
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// isValidationErr reports whether err is a candidate admission failure.
func isValidationErr(err error) bool {
	return errors.Is(err, candidate.ErrEmptyText) ||
		errors.Is(err, candidate.ErrTooShort) ||
		errors.Is(err, candidate.ErrTooLong) ||
		errors.Is(err, candidate.ErrLowQuality) ||
		errors.Is(err, candidate.ErrBannedPattern)
}

// HandleListFolders handles GET /v1/organizer/folders.
func (h *Handlers) HandleListFolders(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListFolders")

	folders, err := h.service.ListFolders(c.Request.Context())
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

// HandleGetFolder handles GET /v1/organizer/folders/:id.
func (h *Handlers) HandleGetFolder(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetFolder")

	detail, err := h.service.GetFolder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// HandleRebuildFolder handles POST /v1/organizer/folders/:id/rebuild.
func (h *Handlers) HandleRebuildFolder(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRebuildFolder")

	stats, err := h.service.RebuildFolder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	logger.Info("folder rebuilt", slog.String("folder_id", c.Param("id")))
	c.JSON(http.StatusOK, stats)
}

// HandleStaleFolders handles GET /v1/organizer/maintenance/stale.
//
// Query parameter quality_below (default 0) additionally flags folders
// whose overall quality fell under the threshold.
func (h *Handlers) HandleStaleFolders(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStaleFolders")

	threshold := 0.0
	if raw := c.Query("quality_below"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "quality_below must be a number", Code: "INVALID_PARAMETER"})
			return
		}
		threshold = parsed
	}

	stale, err := h.service.StaleFolders(c.Request.Context(), threshold)
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, StaleResponse{Stale: stale})
}

// HandleRedundantFolders handles GET /v1/organizer/maintenance/redundant.
func (h *Handlers) HandleRedundantFolders(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRedundantFolders")

	threshold := 0.9
	if raw := c.Query("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 || parsed > 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "threshold must be in (0, 1]", Code: "INVALID_PARAMETER"})
			return
		}
		threshold = parsed
	}

	pairs, err := h.service.RedundantFolders(c.Request.Context(), threshold)
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, RedundantResponse{Pairs: pairs})
}

// HandleReconcile handles POST /v1/organizer/maintenance/reconcile.
func (h *Handlers) HandleReconcile(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleReconcile")

	resp, err := h.service.Reconcile(c.Request.Context())
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	logger.Info("reconcile complete",
		slog.Int("replayed", resp.JournalReplayed),
		slog.Int("remaining", resp.JournalRemaining),
		slog.Int("orphans_removed", len(resp.OrphansRemoved)))
	c.JSON(http.StatusOK, resp)
}

// HandleEvents handles GET /v1/organizer/events (websocket upgrade).
func (h *Handlers) HandleEvents(c *gin.Context) {
	if err := h.service.Hub().Subscribe(c.Writer, c.Request); err != nil {
		// Upgrade failures already wrote an HTTP error response.
		slog.Debug("websocket upgrade failed", slog.String("error", err.Error()))
	}
}

// HandleHealth handles GET /v1/organizer/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// HandleReady handles GET /v1/organizer/ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	ready := h.service.Ready(c.Request.Context())
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, ReadyResponse{Ready: ready, Backend: h.service.cfg.Index.Backend})
}
