// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package organizer wires the routing pipeline, centroid maintenance, and
// the review scheduler behind one HTTP surface. The Service owns the
// background update queue and the event hub; handlers stay thin.
package organizer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/recall/services/organizer/candidate"
	"github.com/AleutianAI/recall/services/organizer/centroid"
	"github.com/AleutianAI/recall/services/organizer/config"
	"github.com/AleutianAI/recall/services/organizer/distill"
	"github.com/AleutianAI/recall/services/organizer/embed"
	"github.com/AleutianAI/recall/services/organizer/routing"
	"github.com/AleutianAI/recall/services/organizer/scheduler"
	badgerstore "github.com/AleutianAI/recall/services/organizer/storage/badger"
	"github.com/AleutianAI/recall/services/organizer/telemetry"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

// Dependencies carries the externally constructed collaborators. Config and
// Index are required; the rest have working defaults.
type Dependencies struct {
	Config    *config.Config
	Index     vectorindex.Index
	Distiller distill.Distiller
	Embedder  embed.Embedder

	// DB is the shared badger instance backing the journal. Nil disables
	// journaling (outages then fail routes without replay).
	DB *badgerstore.DB

	Sink   telemetry.Sink
	Logger *slog.Logger
}

// Service is the organizer facade the HTTP handlers call into.
//
// # Thread Safety
//
// Safe for concurrent use. Per-candidate and per-folder writes are
// serialized inside the owned components.
type Service struct {
	cfg       *config.Config
	index     vectorindex.Index
	builder   *candidate.Builder
	router    *routing.SmartRouter
	centroids *centroid.Manager
	queue     *centroid.UpdateQueue
	scheduler *scheduler.Scheduler
	journal   *routing.Journal
	hub       *EventHub
	sink      telemetry.Sink
	logger    *slog.Logger
}

// NewService wires the components and starts the centroid update workers.
func NewService(deps Dependencies) (*Service, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("organizer: config is required")
	case deps.Index == nil:
		return nil, fmt.Errorf("organizer: vector index is required")
	case deps.Distiller == nil:
		return nil, fmt.Errorf("organizer: distiller is required")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("organizer: embedder is required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := deps.Sink
	if sink == nil {
		sink = telemetry.NopSink{}
	}

	builder := candidate.NewBuilder(rulesFromConfig(cfg), logger)

	centroids := centroid.NewManager(centroid.Options{
		Index:                deps.Index,
		ExemplarCount:        cfg.Centroids.DefaultExemplarCount,
		Strategy:             centroid.Strategy(cfg.Centroids.ExemplarStrategy),
		ExemplarWeight:       cfg.Centroids.ExemplarWeight,
		IncrementalThreshold: cfg.Centroids.IncrementalUpdateThreshold,
		StaleDays:            cfg.Centroids.StaleThresholdDays,
		BatchSize:            cfg.Centroids.BatchSize,
		ParallelUpdates:      cfg.Centroids.ParallelUpdates,
		MaxContextFolders:    cfg.Routing.MaxContextFolders,
		Logger:               logger,
	})
	queue := centroid.NewUpdateQueue(centroids, cfg.Centroids.ParallelUpdates, logger)

	sched, err := scheduler.New(scheduler.Options{
		Dir: cfg.Scheduler.Dir,
		Rules: scheduler.SM2Rules{
			InitialEase:        cfg.Scheduler.SM2.InitialEaseFactor,
			MinEase:            cfg.Scheduler.SM2.MinEaseFactor,
			MatureIntervalDays: cfg.Scheduler.SM2.MatureIntervalDays,
		},
		SecondsPerReview: cfg.Scheduler.SecondsPerReview,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open scheduler: %w", err)
	}

	var journal *routing.Journal
	if deps.DB != nil {
		journal = routing.NewJournal(deps.DB, logger)
	}

	router := routing.NewSmartRouter(routing.Options{
		Distiller: deps.Distiller,
		Embedder:  deps.Embedder,
		Index:     deps.Index,
		Centroids: centroids,
		Queue:     queue,
		Scheduler: sched,
		Journal:   journal,
		Thresholds: routing.Thresholds{
			HighConfidence: cfg.Routing.HighConfidenceThreshold,
			LowConfidence:  cfg.Routing.LowConfidenceThreshold,
			DupHigh:        cfg.Routing.DupHighThreshold,
			Reference:      cfg.Routing.ReferenceThreshold,
		},
		Weights: routing.ScoreWeights{
			Centroid: cfg.Routing.ScoreCentroidWeight,
			Exemplar: cfg.Routing.ScoreExemplarWeight,
			Member:   cfg.Routing.ScoreMemberWeight,
		},
		EnableFolderCreation:   cfg.Routing.EnableFolderCreation,
		GrowingCap:             cfg.Routing.GrowingCap,
		MaxContextFolders:      cfg.Routing.MaxContextFolders,
		TokenEstimatePerFolder: cfg.Routing.TokenEstimatePerFolder,
		ClusterTau:             cfg.Routing.ClusterTau,
		MinClusterSize:         cfg.Routing.MinClusterSize,
		BatchParallelism:       cfg.Routing.BatchParallelism,
		Logger:                 logger,
	})

	return &Service{
		cfg:       cfg,
		index:     deps.Index,
		builder:   builder,
		router:    router,
		centroids: centroids,
		queue:     queue,
		scheduler: sched,
		journal:   journal,
		hub:       NewEventHub(logger),
		sink:      sink,
		logger:    logger,
	}, nil
}

// rulesFromConfig maps the input/quality config onto admission rules.
func rulesFromConfig(cfg *config.Config) candidate.Rules {
	rules := candidate.DefaultRules()
	rules.MinTextLength = cfg.Input.MinTextLength
	rules.MaxTextLength = cfg.Input.MaxTextLength
	rules.MinQualityScore = cfg.Input.MinQualityScore
	if len(cfg.Input.BannedPatterns) > 0 {
		rules.BannedPatterns = cfg.Input.BannedPatterns
	}
	rules.Quality.Uniqueness = cfg.Quality.UniquenessWeight
	rules.Quality.Length = cfg.Quality.LengthWeight
	rules.Quality.AvgWordLengthNorm = cfg.Quality.AvgWordLengthNormalization
	rules.Quality.ShortTextScore = cfg.Quality.ShortTextQualityScore
	rules.Quality.MinWordCount = cfg.Input.MinWordCount
	rules.KeyTermCount = cfg.Quality.KeyTermCount
	return rules
}

// Close stops the background workers and releases the scheduler lock.
func (s *Service) Close() error {
	s.hub.Close()
	s.queue.Close()
	s.sink.Close()
	return s.scheduler.Close()
}

// =============================================================================
// Routing Operations
// =============================================================================

// IngestBatch validates every entry and routes the admitted candidates.
func (s *Service) IngestBatch(ctx context.Context, req *BatchRequest) (*BatchRoutingResponse, error) {
	batch := &candidate.Batch{
		BatchID:   req.BatchID,
		Window:    req.Window,
		Topic:     req.Topic,
		Entries:   make([]candidate.BatchEntry, 0, len(req.Entries)),
		CreatedAt: time.Now().UTC(),
	}
	for _, e := range req.Entries {
		batch.Entries = append(batch.Entries, candidate.BatchEntry{
			Text:      e.Text,
			Timestamp: e.Timestamp,
			Metadata:  e.Metadata,
		})
	}

	cands, rejections := s.builder.FromBatch(batch)
	rejected := make([]RejectedEntry, 0, len(rejections))
	for _, rej := range rejections {
		rejected = append(rejected, RejectedEntry{Index: rej.Index, Reason: rej.Reason})
	}

	result := &routing.BatchResult{
		Decisions:        []*routing.RoutingDecision{},
		Clusters:         [][]string{},
		SuggestedFolders: []routing.SuggestedFolder{},
	}
	if len(cands) > 0 {
		var err error
		result, err = s.router.RouteBatch(ctx, cands)
		if err != nil {
			return nil, err
		}
	}

	for _, d := range result.Decisions {
		s.publish(d)
	}
	return &BatchRoutingResponse{
		BatchID:          req.BatchID,
		Decisions:        result.Decisions,
		Rejected:         rejected,
		Clusters:         result.Clusters,
		SuggestedFolders: result.SuggestedFolders,
	}, nil
}

// RouteOne wraps a single snippet in an ad-hoc batch and routes it.
func (s *Service) RouteOne(ctx context.Context, req *RouteRequest) (*routing.RoutingDecision, error) {
	batch := &candidate.Batch{
		BatchID:   "adhoc-" + time.Now().UTC().Format("20060102T150405.000000000"),
		Entries:   []candidate.BatchEntry{{Text: req.Text, Timestamp: time.Now().UTC(), Metadata: req.Metadata}},
		CreatedAt: time.Now().UTC(),
	}
	cand, err := s.builder.New(batch, 0, req.Text)
	if err != nil {
		return nil, err
	}
	d, err := s.router.Route(ctx, cand)
	if err != nil {
		return nil, err
	}
	s.publish(d)
	return d, nil
}

// publish fans a decision out to the event hub and the telemetry sink.
func (s *Service) publish(d *routing.RoutingDecision) {
	s.hub.Broadcast(d)
	s.sink.RecordDecision(d)
}

// =============================================================================
// Folder Operations
// =============================================================================

// ListFolders returns every folder's stats, sorted by folder id.
func (s *Service) ListFolders(ctx context.Context) ([]FolderSummary, error) {
	ids, err := s.index.AllFolderIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	out := make([]FolderSummary, 0, len(ids))
	for id := range ids {
		stats, err := s.centroids.GetFolderCentroid(ctx, id)
		if err != nil {
			s.logger.Warn("folder stats unavailable",
				slog.String("folder_id", id), slog.String("error", err.Error()))
			continue
		}
		out = append(out, FolderSummary{
			FolderID:    id,
			MemberCount: stats.MemberCount,
			LastUpdated: stats.LastUpdated,
			Quality:     stats.Quality,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FolderID < out[j].FolderID })
	return out, nil
}

// GetFolder returns one folder's stats and members.
func (s *Service) GetFolder(ctx context.Context, folderID string) (*FolderDetail, error) {
	stats, err := s.centroids.GetFolderCentroid(ctx, folderID)
	if err != nil {
		return nil, err
	}
	members, err := s.index.SearchByFolder(ctx, folderID, true)
	if err != nil {
		return nil, err
	}
	return &FolderDetail{FolderID: folderID, Stats: stats, Members: members}, nil
}

// RebuildFolder forces a full centroid recompute.
func (s *Service) RebuildFolder(ctx context.Context, folderID string) (*centroid.FolderStats, error) {
	return s.centroids.UpdateFolderCentroid(ctx, centroid.UpdateRequest{FolderID: folderID, ForceFull: true})
}

// =============================================================================
// Maintenance Operations
// =============================================================================

// StaleFolders lists folders needing a centroid refresh.
func (s *Service) StaleFolders(ctx context.Context, qualityThreshold float64) ([]*centroid.FolderStats, error) {
	return s.centroids.FindStaleCentroids(ctx, s.cfg.Centroids.StaleThresholdDays, qualityThreshold)
}

// RedundantFolders lists folder pairs similar enough to merge.
func (s *Service) RedundantFolders(ctx context.Context, threshold float64) ([]centroid.RedundantPair, error) {
	return s.centroids.DetectRedundantFolders(ctx, threshold)
}

// Reconcile replays the outage journal and removes schedules whose concept
// no longer exists in the index. Unresolved REVIEW decisions count as
// abandoned here: their schedule goes, a re-capture recreates it.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileResponse, error) {
	resp := &ReconcileResponse{OrphansRemoved: []string{}}

	if s.journal != nil {
		replayed, err := s.journal.ReplayPending(ctx, s.index)
		resp.JournalReplayed = replayed
		if err != nil {
			// Partial replay is progress; report what remains instead of
			// failing the whole pass.
			s.logger.Warn("journal replay incomplete", slog.String("error", err.Error()))
		}
		remaining, err := s.journal.Pending(ctx)
		if err != nil {
			return nil, err
		}
		resp.JournalRemaining = remaining
	}

	valid, err := s.indexedConceptIDs(ctx)
	if err != nil {
		return nil, err
	}
	removed, err := s.scheduler.CleanupOrphaned(valid)
	if err != nil {
		return nil, err
	}
	resp.OrphansRemoved = removed
	return resp, nil
}

// indexedConceptIDs collects every concept currently in the index via an
// unthresholded context search.
func (s *Service) indexedConceptIDs(ctx context.Context) (map[string]struct{}, error) {
	probe := make([]float32, s.cfg.Embedding.Dimensions)
	hits, err := s.index.SearchByContext(ctx, vectorindex.Query{Vector: probe, Threshold: -1})
	if err != nil {
		return nil, fmt.Errorf("enumerate concepts: %w", err)
	}
	ids := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		ids[h.ConceptID] = struct{}{}
	}
	return ids, nil
}

// =============================================================================
// Review Operations
// =============================================================================

// DueReviews returns the due queue plus the study-time estimate.
func (s *Service) DueReviews(limit int, byDifficulty bool) (*DueResponse, error) {
	due, err := s.scheduler.GetDueReviews(scheduler.DueOptions{Limit: limit, PrioritizeByDifficulty: byDifficulty})
	if err != nil {
		return nil, err
	}
	estimate, err := s.scheduler.EstimateDailyStudyTime()
	if err != nil {
		return nil, err
	}
	return &DueResponse{Due: due, Estimated: estimate.String()}, nil
}

// ProcessReview grades one concept and reports to telemetry.
func (s *Service) ProcessReview(conceptID string, q scheduler.Quality) (*scheduler.ReviewSchedule, error) {
	sched, err := s.scheduler.ProcessReview(conceptID, q)
	if err != nil {
		return nil, err
	}
	s.sink.RecordReview(conceptID, q, sched)
	return sched, nil
}

// Scheduler exposes the review scheduler for handlers and the CLI wiring.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Hub exposes the event hub for the websocket handler.
func (s *Service) Hub() *EventHub { return s.hub }

// Ready reports whether the vector backend can serve routes.
func (s *Service) Ready(ctx context.Context) bool {
	return s.index.IsReady(ctx)
}
