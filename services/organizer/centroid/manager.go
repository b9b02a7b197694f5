// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package centroid maintains per-folder statistics over member context
// vectors: the centroid, a small exemplar set, and a quality score. The
// router consults these through FilterFolderContext and FindSimilarFolders;
// a background queue applies updates after placements commit.
package centroid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/recall/services/organizer/syncutil"
	"github.com/AleutianAI/recall/services/organizer/vecmath"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	centroidUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "centroid",
		Name:      "updates_total",
		Help:      "Centroid updates by mode: incremental, full",
	}, []string{"mode"})

	centroidUpdateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recall",
		Subsystem: "centroid",
		Name:      "update_latency_seconds",
		Help:      "Latency of a single folder centroid update",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
	})

	contextFilterFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "centroid",
		Name:      "context_filter_failures_total",
		Help:      "FilterFolderContext calls that degraded to an empty context",
	})
)

var centroidTracer = otel.Tracer("recall.organizer.centroid")

// =============================================================================
// Types
// =============================================================================

// SystemState describes how populated the folder space is; the router maps
// folder counts onto it and the context filter sizes itself from it.
type SystemState string

const (
	StateBootstrap SystemState = "bootstrap"
	StateGrowing   SystemState = "growing"
	StateMature    SystemState = "mature"
)

// Quality scores a folder's internal consistency. All components are in
// [0,1]; an empty folder scores 1 everywhere since there is nothing to be
// inconsistent with.
type Quality struct {
	Cohesion   float64 `json:"cohesion"`
	Separation float64 `json:"separation"`
	Stability  float64 `json:"stability"`
	Overall    float64 `json:"overall"`
}

// FolderStats is the manager's view of one folder.
type FolderStats struct {
	FolderID    string      `json:"folderId"`
	Centroid    []float32   `json:"-"`
	Exemplars   [][]float32 `json:"-"`
	MemberCount int         `json:"memberCount"`
	LastUpdated time.Time   `json:"lastUpdated"`
	Quality     Quality     `json:"quality"`
}

// UpdateRequest describes one centroid update. NewConcepts carries the
// context vectors of freshly placed members; RemovedConcepts lists members
// that left the folder.
type UpdateRequest struct {
	FolderID        string
	NewConcepts     map[string][]float32
	RemovedConcepts []string
	ForceFull       bool
}

// FolderMatch is a folder scored against a query vector.
type FolderMatch struct {
	FolderID   string
	Similarity float64
	Stats      *FolderStats
}

// MemberSample is one member attached to a context folder, nearest-first.
type MemberSample struct {
	ConceptID  string
	Vector     []float32
	Similarity float64
}

// FolderContext is one folder presented to the router's scoring stage.
type FolderContext struct {
	FolderID string
	Stats    *FolderStats
	Samples  []MemberSample
}

// RedundantPair is an unordered folder pair whose centroids are close
// enough to suggest a merge.
type RedundantPair struct {
	FolderA    string  `json:"folderA"`
	FolderB    string  `json:"folderB"`
	Similarity float64 `json:"similarity"`
}

// =============================================================================
// Manager
// =============================================================================

// Options configures the Manager.
type Options struct {
	Index vectorindex.Index

	ExemplarCount        int
	Strategy             Strategy
	ExemplarWeight       float64 // w in the combined folder similarity
	IncrementalThreshold int     // change count at which a full recompute wins
	StaleDays            int
	BatchSize            int
	ParallelUpdates      int
	MaxContextFolders    int // mature-state cap for FilterFolderContext

	Logger *slog.Logger
}

// tokensPerSample is the rough token cost of one member sample; the context
// filter divides each folder's token share by it.
const tokensPerSample = 20

// Manager implements the folder statistics contract over a vector index.
//
// # Description
//
//	Member context vectors are cached at placement time so that removals
//	can be subtracted incrementally; a removal whose vector was never
//	cached only decrements the member count, which is the documented
//	approximation. Full recomputes always go back to the index and refresh
//	the cache.
//
// # Thread Safety
//
// Safe for concurrent use. Updates serialize per folder through a keyed
// mutex; reads hit a mutex-guarded stats cache.
type Manager struct {
	index vectorindex.Index
	opts  Options

	locks *syncutil.KeyedMutex

	mu      sync.RWMutex
	stats   map[string]*FolderStats
	members map[string]map[string][]float32

	now    func() time.Time
	logger *slog.Logger
}

// NewManager constructs a Manager. Index must not be nil.
func NewManager(opts Options) *Manager {
	if opts.Index == nil {
		panic("centroid.NewManager: index must not be nil")
	}
	if opts.ExemplarCount <= 0 {
		opts.ExemplarCount = 5
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyHybrid
	}
	if opts.IncrementalThreshold <= 0 {
		opts.IncrementalThreshold = 10
	}
	if opts.StaleDays <= 0 {
		opts.StaleDays = 30
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.ParallelUpdates <= 0 {
		opts.ParallelUpdates = 3
	}
	if opts.MaxContextFolders <= 0 {
		opts.MaxContextFolders = 15
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		index:   opts.Index,
		opts:    opts,
		locks:   &syncutil.KeyedMutex{},
		stats:   make(map[string]*FolderStats),
		members: make(map[string]map[string][]float32),
		now:     time.Now,
		logger:  opts.Logger,
	}
}

// CacheMemberVector records a member's context vector so a later removal
// can be subtracted incrementally. The router calls this on placement.
func (m *Manager) CacheMemberVector(folderID, conceptID string, vec []float32) {
	if folderID == "" || len(vec) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[folderID]
	if !ok {
		set = make(map[string][]float32)
		m.members[folderID] = set
	}
	set[conceptID] = append([]float32(nil), vec...)
}

// UpdateFolderCentroid recomputes one folder's centroid, exemplars, and
// quality, and writes the vectors to the index.
func (m *Manager) UpdateFolderCentroid(ctx context.Context, req UpdateRequest) (*FolderStats, error) {
	ctx, span := centroidTracer.Start(ctx, "centroid.Manager.UpdateFolderCentroid",
		trace.WithAttributes(
			attribute.String("folder_id", req.FolderID),
			attribute.Bool("force_full", req.ForceFull),
		))
	defer span.End()

	start := m.now()
	release := m.locks.Lock(req.FolderID)
	defer release()

	current, err := m.index.FolderVectorData(ctx, req.FolderID)
	if errors.Is(err, vectorindex.ErrNotFound) {
		current = &vectorindex.FolderVectorData{}
	} else if err != nil {
		return nil, fmt.Errorf("read folder %s: %w", req.FolderID, err)
	}

	changes := len(req.NewConcepts) + len(req.RemovedConcepts)
	incremental := !req.ForceFull &&
		changes < m.opts.IncrementalThreshold &&
		len(current.Centroid) > 0 &&
		current.MemberCount > 0

	var centroid []float32
	var memberCount int
	var members map[string][]float32

	if incremental {
		centroid, memberCount = m.applyIncremental(current, req)
		members, err = m.memberVectors(ctx, req.FolderID)
		if err != nil {
			return nil, err
		}
		centroidUpdatesTotal.WithLabelValues("incremental").Inc()
	} else {
		members, err = m.recomputeMembers(ctx, req)
		if err != nil {
			return nil, err
		}
		dims := len(current.Centroid)
		for _, v := range members {
			dims = len(v)
			break
		}
		acc := vecmath.NewAccumulator(dims, nil, 0)
		for _, v := range members {
			vecmath.Add(acc, v)
		}
		centroid = vecmath.FromAccumulator(acc, len(members))
		memberCount = len(members)
		centroidUpdatesTotal.WithLabelValues("full").Inc()
	}

	exemplars := SelectExemplars(m.opts.Strategy, members, centroid, m.opts.ExemplarCount)

	if memberCount > 0 {
		if err := m.index.SetFolderCentroid(ctx, req.FolderID, centroid); err != nil {
			return nil, fmt.Errorf("write centroid %s: %w", req.FolderID, err)
		}
		if err := m.index.SetFolderExemplars(ctx, req.FolderID, exemplarVectors(exemplars)); err != nil {
			return nil, fmt.Errorf("write exemplars %s: %w", req.FolderID, err)
		}
	}

	now := m.now().UTC()
	stats := &FolderStats{
		FolderID:    req.FolderID,
		Centroid:    centroid,
		Exemplars:   exemplarVectors(exemplars),
		MemberCount: memberCount,
		LastUpdated: now,
		Quality:     ComputeQuality(members, centroid, now, now, m.opts.StaleDays),
	}

	m.mu.Lock()
	m.stats[req.FolderID] = stats
	m.mu.Unlock()

	centroidUpdateLatency.Observe(m.now().Sub(start).Seconds())
	return stats, nil
}

// applyIncremental reconstructs the centroid sum from centroid·memberCount
// and applies the delta. Removed members without a cached vector only
// decrement the count.
func (m *Manager) applyIncremental(current *vectorindex.FolderVectorData, req UpdateRequest) ([]float32, int) {
	acc := vecmath.NewAccumulator(len(current.Centroid), current.Centroid, float64(current.MemberCount))
	count := current.MemberCount

	m.mu.Lock()
	set, ok := m.members[req.FolderID]
	if !ok {
		set = make(map[string][]float32)
		m.members[req.FolderID] = set
	}
	for id, v := range req.NewConcepts {
		vecmath.Add(acc, v)
		count++
		set[id] = append([]float32(nil), v...)
	}
	for _, id := range req.RemovedConcepts {
		if v, cached := set[id]; cached {
			vecmath.Sub(acc, v)
		}
		count--
		delete(set, id)
	}
	m.mu.Unlock()

	if count < 0 {
		count = 0
	}
	return vecmath.FromAccumulator(acc, count), count
}

// recomputeMembers builds the authoritative member set for a full
// recompute: index contents, plus pending additions, minus removals. The
// cache is replaced wholesale.
func (m *Manager) recomputeMembers(ctx context.Context, req UpdateRequest) (map[string][]float32, error) {
	members, err := m.index.FolderMemberVectors(ctx, req.FolderID)
	if err != nil {
		return nil, fmt.Errorf("member vectors %s: %w", req.FolderID, err)
	}
	for id, v := range req.NewConcepts {
		members[id] = append([]float32(nil), v...)
	}
	for _, id := range req.RemovedConcepts {
		delete(members, id)
	}

	cached := make(map[string][]float32, len(members))
	for id, v := range members {
		cached[id] = append([]float32(nil), v...)
	}
	m.mu.Lock()
	m.members[req.FolderID] = cached
	m.mu.Unlock()
	return members, nil
}

// memberVectors returns the folder's member context vectors, preferring the
// placement-time cache and falling back to the index.
func (m *Manager) memberVectors(ctx context.Context, folderID string) (map[string][]float32, error) {
	m.mu.RLock()
	cached, ok := m.members[folderID]
	if ok && len(cached) > 0 {
		out := make(map[string][]float32, len(cached))
		for id, v := range cached {
			out[id] = v
		}
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()

	members, err := m.index.FolderMemberVectors(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("member vectors %s: %w", folderID, err)
	}
	store := make(map[string][]float32, len(members))
	for id, v := range members {
		store[id] = append([]float32(nil), v...)
	}
	m.mu.Lock()
	m.members[folderID] = store
	m.mu.Unlock()
	return members, nil
}

// BatchUpdateCentroids updates folders in groups of BatchSize with at most
// ParallelUpdates in flight. The first error cancels the remainder.
func (m *Manager) BatchUpdateCentroids(ctx context.Context, folderIDs []string, forceFull bool) error {
	ctx, span := centroidTracer.Start(ctx, "centroid.Manager.BatchUpdateCentroids",
		trace.WithAttributes(attribute.Int("folders", len(folderIDs))))
	defer span.End()

	for start := 0; start < len(folderIDs); start += m.opts.BatchSize {
		end := start + m.opts.BatchSize
		if end > len(folderIDs) {
			end = len(folderIDs)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.opts.ParallelUpdates)
		for _, id := range folderIDs[start:end] {
			folderID := id
			g.Go(func() error {
				_, err := m.UpdateFolderCentroid(gctx, UpdateRequest{FolderID: folderID, ForceFull: forceFull})
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("batch centroid update: %w", err)
		}
	}
	return nil
}

// GetFolderCentroid returns the folder's stats, reading through to the
// index on a cache miss.
func (m *Manager) GetFolderCentroid(ctx context.Context, folderID string) (*FolderStats, error) {
	m.mu.RLock()
	if s, ok := m.stats[folderID]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	release := m.locks.Lock(folderID)
	defer release()

	// Another goroutine may have filled the entry while we waited.
	m.mu.RLock()
	if s, ok := m.stats[folderID]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	data, err := m.index.FolderVectorData(ctx, folderID)
	if err != nil {
		return nil, err
	}
	members, err := m.memberVectors(ctx, folderID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	stats := &FolderStats{
		FolderID:    folderID,
		Centroid:    data.Centroid,
		Exemplars:   data.Exemplars,
		MemberCount: data.MemberCount,
		LastUpdated: data.LastUpdated,
		Quality:     ComputeQuality(members, data.Centroid, data.LastUpdated, now, m.opts.StaleDays),
	}
	m.mu.Lock()
	m.stats[folderID] = stats
	m.mu.Unlock()
	return stats, nil
}

// InvalidateFolder drops the cached stats for a folder so the next read
// goes back to the index.
func (m *Manager) InvalidateFolder(folderID string) {
	m.mu.Lock()
	delete(m.stats, folderID)
	m.mu.Unlock()
}

// FindSimilarFolders scores every folder against v with
// combined = (1-w)*sim(v, centroid) + w*max_i sim(v, exemplar_i)
// and returns matches at or above threshold, best first.
func (m *Manager) FindSimilarFolders(ctx context.Context, v []float32, limit int, threshold float64) ([]FolderMatch, error) {
	ids, err := m.index.AllFolderIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	var matches []FolderMatch
	for id := range ids {
		stats, err := m.GetFolderCentroid(ctx, id)
		if errors.Is(err, vectorindex.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(stats.Centroid) == 0 {
			continue
		}
		sim := CombinedSimilarity(v, stats, m.opts.ExemplarWeight)
		if sim < threshold {
			continue
		}
		matches = append(matches, FolderMatch{FolderID: id, Similarity: sim, Stats: stats})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].FolderID < matches[j].FolderID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// CombinedSimilarity blends centroid and best-exemplar similarity. With no
// exemplars the centroid similarity stands alone.
func CombinedSimilarity(v []float32, stats *FolderStats, exemplarWeight float64) float64 {
	centroidSim := vecmath.Dot(v, stats.Centroid)
	if len(stats.Exemplars) == 0 {
		return centroidSim
	}
	best := -1.0
	for _, e := range stats.Exemplars {
		if sim := vecmath.Dot(v, e); sim > best {
			best = sim
		}
	}
	return (1-exemplarWeight)*centroidSim + exemplarWeight*best
}

// FilterFolderContext selects the folders presented to the routing scorer:
// a state-dependent number of nearest folders, each carrying up to
// tokensPerFolder/tokensPerSample member samples nearest to v. Any failure
// degrades to an empty context rather than failing the route.
func (m *Manager) FilterFolderContext(ctx context.Context, v []float32, maxTokens int, state SystemState) []FolderContext {
	ctx, span := centroidTracer.Start(ctx, "centroid.Manager.FilterFolderContext",
		trace.WithAttributes(attribute.String("system_state", string(state))))
	defer span.End()

	target := m.opts.MaxContextFolders
	switch state {
	case StateBootstrap:
		if target > 5 {
			target = 5
		}
	case StateGrowing:
		if target > 10 {
			target = 10
		}
	}

	matches, err := m.FindSimilarFolders(ctx, v, target, 0)
	if err != nil {
		contextFilterFailures.Inc()
		m.logger.Warn("folder context filter degraded to empty", slog.String("error", err.Error()))
		return nil
	}
	if len(matches) == 0 {
		return nil
	}

	tokensPerFolder := maxTokens / len(matches)
	samplesPerFolder := tokensPerFolder / tokensPerSample

	out := make([]FolderContext, 0, len(matches))
	for _, match := range matches {
		fc := FolderContext{FolderID: match.FolderID, Stats: match.Stats}
		if samplesPerFolder > 0 {
			members, err := m.memberVectors(ctx, match.FolderID)
			if err != nil {
				contextFilterFailures.Inc()
				m.logger.Warn("member samples unavailable",
					slog.String("folder_id", match.FolderID),
					slog.String("error", err.Error()))
			} else {
				fc.Samples = nearestSamples(v, members, samplesPerFolder)
			}
		}
		out = append(out, fc)
	}
	return out
}

// nearestSamples returns up to k members nearest to v, best first.
func nearestSamples(v []float32, members map[string][]float32, k int) []MemberSample {
	samples := make([]MemberSample, 0, len(members))
	for id, mv := range members {
		samples = append(samples, MemberSample{ConceptID: id, Vector: mv, Similarity: vecmath.Dot(v, mv)})
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Similarity != samples[j].Similarity {
			return samples[i].Similarity > samples[j].Similarity
		}
		return samples[i].ConceptID < samples[j].ConceptID
	})
	if len(samples) > k {
		samples = samples[:k]
	}
	return samples
}

// FindStaleCentroids lists folders whose centroid is older than staleDays
// or whose overall quality fell below qualityThreshold.
func (m *Manager) FindStaleCentroids(ctx context.Context, staleDays int, qualityThreshold float64) ([]*FolderStats, error) {
	ids, err := m.index.AllFolderIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	cutoff := m.now().UTC().AddDate(0, 0, -staleDays)
	var stale []*FolderStats
	for id := range ids {
		stats, err := m.GetFolderCentroid(ctx, id)
		if errors.Is(err, vectorindex.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if stats.LastUpdated.Before(cutoff) || stats.Quality.Overall < qualityThreshold {
			stale = append(stale, stats)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].FolderID < stale[j].FolderID })
	return stale, nil
}

// DetectRedundantFolders returns every unordered folder pair whose centroid
// similarity is at or above threshold.
func (m *Manager) DetectRedundantFolders(ctx context.Context, threshold float64) ([]RedundantPair, error) {
	ids, err := m.index.AllFolderIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	centroids := make(map[string][]float32, len(ordered))
	for _, id := range ordered {
		stats, err := m.GetFolderCentroid(ctx, id)
		if errors.Is(err, vectorindex.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(stats.Centroid) > 0 {
			centroids[id] = stats.Centroid
		}
	}

	var pairs []RedundantPair
	for i := 0; i < len(ordered); i++ {
		a, okA := centroids[ordered[i]]
		if !okA {
			continue
		}
		for j := i + 1; j < len(ordered); j++ {
			b, okB := centroids[ordered[j]]
			if !okB {
				continue
			}
			if sim := vecmath.Dot(a, b); sim >= threshold {
				pairs = append(pairs, RedundantPair{FolderA: ordered[i], FolderB: ordered[j], Similarity: sim})
			}
		}
	}
	return pairs, nil
}

func exemplarVectors(ex []Exemplar) [][]float32 {
	out := make([][]float32, 0, len(ex))
	for _, e := range ex {
		out = append(out, e.Vector)
	}
	return out
}
