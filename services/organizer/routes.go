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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all organizer routes with the router.
//
// Description:
//
//	Registers all /v1/organizer/* endpoints with the given Gin router
//	group. The group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Routing Endpoints:
//
//	POST /v1/organizer/batches - Ingest a batch and route every entry
//	POST /v1/organizer/route - Route a single snippet
//
// Folder Endpoints:
//
//	GET  /v1/organizer/folders - List folders with quality stats
//	GET  /v1/organizer/folders/:id - Folder stats and members
//	POST /v1/organizer/folders/:id/rebuild - Force full centroid recompute
//
// Maintenance Endpoints:
//
//	GET  /v1/organizer/maintenance/stale - Folders needing a refresh
//	GET  /v1/organizer/maintenance/redundant - Near-duplicate folder pairs
//	POST /v1/organizer/maintenance/reconcile - Replay journal, drop orphans
//
// Review Endpoints:
//
//	GET  /v1/organizer/reviews/due - Due schedules + study-time estimate
//	GET  /v1/organizer/reviews/plan - Workload buckets
//	GET  /v1/organizer/reviews/health - Scheduler health
//	GET  /v1/organizer/reviews/concepts/:conceptId - Schedule lookup
//	POST /v1/organizer/reviews/concepts/:conceptId - Grade a review
//	POST /v1/organizer/reviews/concepts/:conceptId/suspend - Pause reviews
//	POST /v1/organizer/reviews/concepts/:conceptId/resume - Resume reviews
//
// Streaming / Health Endpoints:
//
//	GET  /v1/organizer/events - Websocket decision stream
//	GET  /v1/organizer/health - Liveness check
//	GET  /v1/organizer/ready - Readiness check (vector backend reachable)
//
// Example:
//
//	service, _ := organizer.NewService(deps)
//	handlers := organizer.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	organizer.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	org := rg.Group("/organizer")
	{
		// Routing
		org.POST("/batches", handlers.HandleIngestBatch)
		org.POST("/route", handlers.HandleRoute)

		// Folders
		folders := org.Group("/folders")
		{
			folders.GET("", handlers.HandleListFolders)
			folders.GET("/:id", handlers.HandleGetFolder)
			folders.POST("/:id/rebuild", handlers.HandleRebuildFolder)
		}

		// Maintenance
		maintenance := org.Group("/maintenance")
		{
			maintenance.GET("/stale", handlers.HandleStaleFolders)
			maintenance.GET("/redundant", handlers.HandleRedundantFolders)
			maintenance.POST("/reconcile", handlers.HandleReconcile)
		}

		// Reviews
		reviews := org.Group("/reviews")
		{
			reviews.GET("/due", handlers.HandleDueReviews)
			reviews.GET("/plan", handlers.HandleReviewPlan)
			reviews.GET("/health", handlers.HandleReviewHealth)

			concepts := reviews.Group("/concepts")
			{
				concepts.GET("/:conceptId", handlers.HandleGetSchedule)
				concepts.POST("/:conceptId", handlers.HandleProcessReview)
				concepts.POST("/:conceptId/suspend", handlers.HandleSuspendReview)
				concepts.POST("/:conceptId/resume", handlers.HandleResumeReview)
			}
		}

		// Decision stream
		org.GET("/events", handlers.HandleEvents)

		// Health checks
		org.GET("/health", handlers.HandleHealth)
		org.GET("/ready", handlers.HandleReady)
	}
}
