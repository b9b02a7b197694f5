// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package centroid

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recall",
		Subsystem: "centroid",
		Name:      "queue_depth",
		Help:      "Folders with a pending centroid update",
	})

	queueProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "centroid",
		Name:      "queue_processed_total",
		Help:      "Background centroid updates by outcome: ok, error",
	}, []string{"outcome"})
)

// updateTimeout bounds a single background centroid update.
const updateTimeout = 30 * time.Second

// UpdateQueue runs centroid updates in the background after the router
// commits a placement.
//
// # Description
//
//	Requests are merged per folder: enqueueing a folder that already has a
//	pending request folds the new/removed deltas into it instead of
//	queueing twice. Workers drain the pending set; Close waits for the
//	drain to finish.
//
// # Thread Safety
//
// Safe for concurrent use.
type UpdateQueue struct {
	mgr    *Manager
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*UpdateRequest
	order   []string

	wake    chan struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewUpdateQueue constructs the queue and starts workers.
func NewUpdateQueue(mgr *Manager, workers int, logger *slog.Logger) *UpdateQueue {
	if mgr == nil {
		panic("centroid.NewUpdateQueue: manager must not be nil")
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &UpdateQueue{
		mgr:     mgr,
		logger:  logger,
		pending: make(map[string]*UpdateRequest),
		wake:    make(chan struct{}, 1),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue schedules a centroid update, merging into any pending request
// for the same folder. Enqueue after Close is a silent no-op.
func (q *UpdateQueue) Enqueue(req UpdateRequest) {
	if req.FolderID == "" {
		return
	}

	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	if existing, ok := q.pending[req.FolderID]; ok {
		mergeRequest(existing, req)
	} else {
		q.pending[req.FolderID] = cloneRequest(req)
		q.order = append(q.order, req.FolderID)
		queueDepth.Set(float64(len(q.pending)))
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of folders with a pending update.
func (q *UpdateQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting work, drains what is pending, and waits for the
// workers to exit.
func (q *UpdateQueue) Close() {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.closing = true
	q.mu.Unlock()

	close(q.wake)
	q.wg.Wait()
}

func (q *UpdateQueue) worker() {
	defer q.wg.Done()
	for {
		req, ok := q.next()
		if !ok {
			// Nothing pending; wait for work or shutdown.
			if _, open := <-q.wake; !open {
				// Drain whatever arrived before the close.
				for {
					req, ok := q.next()
					if !ok {
						return
					}
					q.process(req)
				}
			}
			continue
		}
		q.process(req)
	}
}

// next pops the oldest pending request, if any.
func (q *UpdateQueue) next() (*UpdateRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) > 0 {
		folderID := q.order[0]
		q.order = q.order[1:]
		req, ok := q.pending[folderID]
		if !ok {
			continue
		}
		delete(q.pending, folderID)
		queueDepth.Set(float64(len(q.pending)))
		return req, true
	}
	return nil, false
}

func (q *UpdateQueue) process(req *UpdateRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
	defer cancel()

	if _, err := q.mgr.UpdateFolderCentroid(ctx, *req); err != nil {
		queueProcessedTotal.WithLabelValues("error").Inc()
		q.logger.Warn("background centroid update failed",
			slog.String("folder_id", req.FolderID),
			slog.String("error", err.Error()))
		return
	}
	queueProcessedTotal.WithLabelValues("ok").Inc()
}

func mergeRequest(dst *UpdateRequest, src UpdateRequest) {
	if len(src.NewConcepts) > 0 && dst.NewConcepts == nil {
		dst.NewConcepts = make(map[string][]float32, len(src.NewConcepts))
	}
	for id, v := range src.NewConcepts {
		dst.NewConcepts[id] = append([]float32(nil), v...)
	}
	dst.RemovedConcepts = append(dst.RemovedConcepts, src.RemovedConcepts...)
	dst.ForceFull = dst.ForceFull || src.ForceFull
}

func cloneRequest(req UpdateRequest) *UpdateRequest {
	out := &UpdateRequest{FolderID: req.FolderID, ForceFull: req.ForceFull}
	if len(req.NewConcepts) > 0 {
		out.NewConcepts = make(map[string][]float32, len(req.NewConcepts))
		for id, v := range req.NewConcepts {
			out.NewConcepts[id] = append([]float32(nil), v...)
		}
	}
	out.RemovedConcepts = append(out.RemovedConcepts, req.RemovedConcepts...)
	return out
}
