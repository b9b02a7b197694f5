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

	"github.com/AleutianAI/recall/services/organizer/scheduler"
)

// writeSchedulerError maps scheduler errors onto status codes.
func writeSchedulerError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "SCHEDULE_NOT_FOUND"})
	case errors.Is(err, scheduler.ErrSuspended):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "SCHEDULE_SUSPENDED"})
	default:
		logger.Error("scheduler request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL"})
	}
}

// HandleDueReviews handles GET /v1/organizer/reviews/due.
//
// Query parameters: limit (optional), by_difficulty (optional bool).
func (h *Handlers) HandleDueReviews(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDueReviews")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer", Code: "INVALID_PARAMETER"})
			return
		}
		limit = parsed
	}
	byDifficulty := c.Query("by_difficulty") == "true"

	resp, err := h.service.DueReviews(limit, byDifficulty)
	if err != nil {
		writeSchedulerError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleProcessReview handles POST /v1/organizer/reviews/:conceptId.
func (h *Handlers) HandleProcessReview(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleProcessReview")

	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_BODY"})
		return
	}
	quality, err := scheduler.ParseQuality(req.Quality)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_QUALITY"})
		return
	}

	sched, err := h.service.ProcessReview(c.Param("conceptId"), quality)
	if err != nil {
		writeSchedulerError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// HandleGetSchedule handles GET /v1/organizer/reviews/:conceptId.
func (h *Handlers) HandleGetSchedule(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetSchedule")

	sched, err := h.service.Scheduler().GetSchedule(c.Param("conceptId"))
	if err != nil {
		writeSchedulerError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// HandleSuspendReview handles POST /v1/organizer/reviews/:conceptId/suspend.
func (h *Handlers) HandleSuspendReview(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSuspendReview")

	sched, err := h.service.Scheduler().Suspend(c.Param("conceptId"))
	if err != nil {
		writeSchedulerError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// HandleResumeReview handles POST /v1/organizer/reviews/:conceptId/resume.
func (h *Handlers) HandleResumeReview(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleResumeReview")

	sched, err := h.service.Scheduler().Resume(c.Param("conceptId"))
	if err != nil {
		writeSchedulerError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// HandleReviewPlan handles GET /v1/organizer/reviews/plan.
func (h *Handlers) HandleReviewPlan(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleReviewPlan")

	plan, err := h.service.Scheduler().GetReviewPlan()
	if err != nil {
		writeSchedulerError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// HandleReviewHealth handles GET /v1/organizer/reviews/health.
func (h *Handlers) HandleReviewHealth(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleReviewHealth")

	health, err := h.service.Scheduler().GetSystemHealth()
	if err != nil {
		writeSchedulerError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, health)
}
