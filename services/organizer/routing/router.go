// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/recall/services/organizer/candidate"
	"github.com/AleutianAI/recall/services/organizer/centroid"
	"github.com/AleutianAI/recall/services/organizer/distill"
	"github.com/AleutianAI/recall/services/organizer/embed"
	"github.com/AleutianAI/recall/services/organizer/scheduler"
	"github.com/AleutianAI/recall/services/organizer/syncutil"
	"github.com/AleutianAI/recall/services/organizer/vecmath"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	routingDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "routing",
		Name:      "decisions_total",
		Help:      "Routing decisions by action",
	}, []string{"action"})

	routingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recall",
		Subsystem: "routing",
		Name:      "latency_seconds",
		Help:      "End-to-end latency of routing one candidate",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	routingStageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "routing",
		Name:      "stage_errors_total",
		Help:      "Route failures by pipeline stage",
	}, []string{"stage"})
)

var routingTracer = otel.Tracer("recall.organizer.routing")

// =============================================================================
// SmartRouter
// =============================================================================

// ScheduleSink is the slice of the review scheduler the router needs:
// ensure a NEW schedule exists for a retained concept.
type ScheduleSink interface {
	Schedule(conceptID string, params *scheduler.Params) (*scheduler.ReviewSchedule, error)
}

// Thresholds are the decision gates of the routing pipeline.
type Thresholds struct {
	HighConfidence float64
	LowConfidence  float64
	DupHigh        float64
	Reference      float64
}

// ScoreWeights blend the three folder similarity signals. They must be
// non-negative and sum to one.
type ScoreWeights struct {
	Centroid float64
	Exemplar float64
	Member   float64
}

// Options configures the SmartRouter.
type Options struct {
	Distiller distill.Distiller
	Embedder  embed.Embedder
	Index     vectorindex.Index
	Centroids *centroid.Manager
	Queue     *centroid.UpdateQueue
	Scheduler ScheduleSink
	Journal   *Journal

	Thresholds Thresholds
	Weights    ScoreWeights

	EnableFolderCreation   bool
	GrowingCap             int
	MaxContextFolders      int
	TokenEstimatePerFolder int

	ClusterTau       float64
	MinClusterSize   int
	BatchParallelism int

	Logger *slog.Logger
}

// SmartRouter drives a candidate through the full decision pipeline.
//
// # Description
//
//	Stages run in order: distill, embed, duplicate check, folder context,
//	scoring, decision, commit, schedule. Every stage honors cancellation,
//	and the commit stage is the only one that writes, so a failure at any
//	earlier stage leaves no partial state behind.
//
// # Thread Safety
//
// Safe for concurrent use. Writes for one candidate id are serialized
// through a keyed mutex.
type SmartRouter struct {
	distiller distill.Distiller
	embedder  embed.Embedder
	index     vectorindex.Index
	centroids *centroid.Manager
	queue     *centroid.UpdateQueue
	scheduler ScheduleSink
	journal   *Journal

	opts Options

	locks  syncutil.KeyedMutex
	now    func() time.Time
	logger *slog.Logger
}

// NewSmartRouter constructs the router. Distiller, embedder, index, and
// centroid manager are required.
func NewSmartRouter(opts Options) *SmartRouter {
	if opts.Distiller == nil || opts.Embedder == nil || opts.Index == nil || opts.Centroids == nil {
		panic("routing.NewSmartRouter: distiller, embedder, index, and centroids are required")
	}
	if opts.GrowingCap <= 0 {
		opts.GrowingCap = 20
	}
	if opts.MaxContextFolders <= 0 {
		opts.MaxContextFolders = 15
	}
	if opts.TokenEstimatePerFolder <= 0 {
		opts.TokenEstimatePerFolder = 200
	}
	if opts.ClusterTau <= 0 {
		opts.ClusterTau = 0.75
	}
	if opts.MinClusterSize <= 0 {
		opts.MinClusterSize = 3
	}
	if opts.BatchParallelism <= 0 {
		opts.BatchParallelism = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SmartRouter{
		distiller: opts.Distiller,
		embedder:  opts.Embedder,
		index:     opts.Index,
		centroids: opts.Centroids,
		queue:     opts.Queue,
		scheduler: opts.Scheduler,
		journal:   opts.Journal,
		opts:      opts,
		now:       time.Now,
		logger:    opts.Logger,
	}
}

// Route runs the full pipeline for one candidate.
func (r *SmartRouter) Route(ctx context.Context, cand *candidate.ConceptCandidate) (*RoutingDecision, error) {
	ctx, span := routingTracer.Start(ctx, "routing.SmartRouter.Route",
		trace.WithAttributes(attribute.String("candidate_id", cand.CandidateID)))
	defer span.End()

	start := r.now()
	release := r.locks.Lock(cand.CandidateID)
	defer release()

	decision, _, err := r.route(ctx, cand)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	routingDecisionsTotal.WithLabelValues(string(decision.Action)).Inc()
	routingLatency.Observe(r.now().Sub(start).Seconds())
	span.SetAttributes(attribute.String("action", string(decision.Action)))
	return decision, nil
}

// route runs the pipeline and additionally returns the context vector for
// decisions that embedded the candidate, so batch clustering can reuse it.
func (r *SmartRouter) route(ctx context.Context, cand *candidate.ConceptCandidate) (*RoutingDecision, []float32, error) {
	state := r.systemState(ctx)

	// Stage: distill. Quota exhaustion is a decision, not an error.
	concept, err := r.distiller.Distill(ctx, cand.NormalizedText, cand.ContentHash)
	if errors.Is(err, distill.ErrQuota) {
		return r.discardDecision(cand, SignalBudgetExceeded, state,
			"daily llm budget exhausted before distillation"), nil, nil
	}
	if err != nil {
		routingStageErrors.WithLabelValues("distill").Inc()
		return nil, nil, fmt.Errorf("distill: %w", err)
	}
	concept.ConceptID = cand.CandidateID

	if !concept.IsStudy() {
		return r.discardDecision(cand, SignalNonStudy, state,
			"distiller classified the text as non-study content"), nil, nil
	}

	// Stage: embed.
	emb, err := r.embedder.Embed(ctx, concept)
	if errors.Is(err, embed.ErrQuota) {
		return r.discardDecision(cand, SignalBudgetExceeded, state,
			"daily llm budget exhausted before embedding"), nil, nil
	}
	if err != nil {
		routingStageErrors.WithLabelValues("embed").Inc()
		return nil, nil, fmt.Errorf("embed: %w", err)
	}

	// Stage: duplicate. Hash equality short-circuits the vector search.
	if dup, err := r.detectDuplicate(ctx, cand, emb); err != nil {
		routingStageErrors.WithLabelValues("duplicate").Inc()
		return nil, nil, fmt.Errorf("duplicate check: %w", err)
	} else if dup != nil {
		dup.Explanation.SystemState = string(state)
		dup.Explanation.AcademicDomain = concept.Domain
		return dup, emb.ContextVector, nil
	}

	// Stage: folder context and scoring.
	tokenBudget := r.opts.MaxContextFolders * r.opts.TokenEstimatePerFolder
	contexts := r.centroids.FilterFolderContext(ctx, emb.ContextVector, tokenBudget, state)
	scored := r.scoreFolders(emb.ContextVector, contexts)

	// Stage: decide.
	decision := r.decide(cand, concept, scored, state)

	// Stage: commit. The only write stage; everything above is read-only.
	if err := r.commit(ctx, cand, emb, decision); err != nil {
		routingStageErrors.WithLabelValues("commit").Inc()
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	// Stage: schedule every retained concept.
	if r.scheduler != nil {
		if _, err := r.scheduler.Schedule(cand.CandidateID, nil); err != nil {
			routingStageErrors.WithLabelValues("schedule").Inc()
			return nil, nil, fmt.Errorf("schedule: %w", err)
		}
	}
	return decision, emb.ContextVector, nil
}

// systemState maps the folder population onto the lifecycle state. An
// unreachable index degrades to mature, which disables folder creation for
// this route rather than failing it.
func (r *SmartRouter) systemState(ctx context.Context) centroid.SystemState {
	ids, err := r.index.AllFolderIDs(ctx)
	if err != nil {
		r.logger.Warn("folder count unavailable, assuming mature", slog.String("error", err.Error()))
		return centroid.StateMature
	}
	switch {
	case len(ids) == 0:
		return centroid.StateBootstrap
	case len(ids) < r.opts.GrowingCap:
		return centroid.StateGrowing
	default:
		return centroid.StateMature
	}
}

// detectDuplicate returns a DUPLICATE decision or nil.
func (r *SmartRouter) detectDuplicate(ctx context.Context, cand *candidate.ConceptCandidate, emb *embed.VectorEmbeddings) (*RoutingDecision, error) {
	if hit, err := r.index.FindByContentHash(ctx, cand.ContentHash); err != nil {
		return nil, err
	} else if hit != nil {
		return r.newDecision(cand, ActionDuplicate, Explanation{
			PrimarySignal:   SignalContentHash,
			DecisionFactors: []string{"identical content hash already indexed"},
		}, func(d *RoutingDecision) {
			d.DuplicateID = hit.ConceptID
			d.Confidence = 1
		}), nil
	}

	hits, err := r.index.SearchByTitle(ctx, vectorindex.Query{
		Vector:    emb.TitleVector,
		Threshold: r.opts.Thresholds.DupHigh,
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	hit := hits[0]
	return r.newDecision(cand, ActionDuplicate, Explanation{
		PrimarySignal: SignalTitleMatch,
		DecisionFactors: []string{
			fmt.Sprintf("title similarity %.3f at or above duplicate threshold %.2f",
				hit.Similarity, r.opts.Thresholds.DupHigh),
		},
	}, func(d *RoutingDecision) {
		d.DuplicateID = hit.ConceptID
		d.Confidence = hit.Similarity
	}), nil
}

// folderScore is one context folder after scoring.
type folderScore struct {
	folderID    string
	score       float64
	memberCount int
}

// scoreFolders blends centroid, best-exemplar, and best-member similarity
// per context folder, best first with the deterministic tie-break.
func (r *SmartRouter) scoreFolders(v []float32, contexts []centroid.FolderContext) []folderScore {
	w := r.opts.Weights
	scored := make([]folderScore, 0, len(contexts))
	for _, fc := range contexts {
		centroidSim := vecmath.Dot(v, fc.Stats.Centroid)

		exemplarMax := 0.0
		for _, e := range fc.Stats.Exemplars {
			if sim := vecmath.Dot(v, e); sim > exemplarMax {
				exemplarMax = sim
			}
		}

		memberMax := 0.0
		for _, s := range fc.Samples {
			if s.Similarity > memberMax {
				memberMax = s.Similarity
			}
		}

		scored = append(scored, folderScore{
			folderID:    fc.FolderID,
			score:       w.Centroid*centroidSim + w.Exemplar*exemplarMax + w.Member*memberMax,
			memberCount: fc.Stats.MemberCount,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].memberCount != scored[j].memberCount {
			return scored[i].memberCount > scored[j].memberCount
		}
		return scored[i].folderID < scored[j].folderID
	})
	return scored
}

// decide turns the scored folders into an action.
func (r *SmartRouter) decide(cand *candidate.ConceptCandidate, concept *distill.DistilledConcept, scored []folderScore, state centroid.SystemState) *RoutingDecision {
	var best folderScore
	if len(scored) > 0 {
		best = scored[0]
	}

	th := r.opts.Thresholds
	switch {
	case len(scored) > 0 && best.score >= th.HighConfidence:
		refs := make([]string, 0)
		for _, fs := range scored[1:] {
			if fs.score >= th.Reference {
				refs = append(refs, fs.folderID)
			}
		}
		return r.newDecision(cand, ActionRoute, Explanation{
			PrimarySignal:  SignalFolderMatch,
			AcademicDomain: concept.Domain,
			SystemState:    string(state),
			DecisionFactors: []string{
				fmt.Sprintf("best folder score %.3f at or above high-confidence threshold %.2f", best.score, th.HighConfidence),
				fmt.Sprintf("%d reference folders at or above %.2f", len(refs), th.Reference),
			},
		}, func(d *RoutingDecision) {
			d.FolderID = best.folderID
			d.References = refs
			d.Confidence = best.score
		})

	case len(scored) > 0 && best.score >= th.LowConfidence:
		return r.newDecision(cand, ActionReview, Explanation{
			PrimarySignal:  SignalAmbiguous,
			AcademicDomain: concept.Domain,
			SystemState:    string(state),
			DecisionFactors: []string{
				fmt.Sprintf("best folder score %.3f between thresholds %.2f and %.2f",
					best.score, th.LowConfidence, th.HighConfidence),
			},
		}, func(d *RoutingDecision) {
			d.FolderID = best.folderID
			d.Confidence = best.score
		})

	case (state == centroid.StateBootstrap || state == centroid.StateGrowing) && r.opts.EnableFolderCreation:
		name, path := ProposeFolderName(concept.Title, cand.KeyTerms)
		return r.newDecision(cand, ActionCreateFolder, Explanation{
			PrimarySignal:  SignalBootstrap,
			AcademicDomain: concept.Domain,
			SystemState:    string(state),
			DecisionFactors: []string{
				fmt.Sprintf("no folder scored above %.2f in %s state", th.LowConfidence, state),
			},
		}, func(d *RoutingDecision) {
			d.FolderID = uuid.NewString()
			d.NewFolder = &NewFolder{Name: name, Path: path}
			d.Confidence = 1
		})

	default:
		return r.newDecision(cand, ActionUnsorted, Explanation{
			PrimarySignal:  SignalNoMatch,
			AcademicDomain: concept.Domain,
			SystemState:    string(state),
			DecisionFactors: []string{
				fmt.Sprintf("best folder score %.3f below low-confidence threshold %.2f", best.score, th.LowConfidence),
			},
		}, func(d *RoutingDecision) {
			d.Confidence = best.score
		})
	}
}

// commit performs the sole write stage: the vector upsert and the centroid
// enqueue. DUPLICATE and REVIEW never reach here with a write.
func (r *SmartRouter) commit(ctx context.Context, cand *candidate.ConceptCandidate, emb *embed.VectorEmbeddings, decision *RoutingDecision) error {
	var placement vectorindex.Placement
	switch decision.Action {
	case ActionRoute:
		confidences := map[string]float64{decision.FolderID: decision.Confidence}
		for _, ref := range decision.References {
			confidences[ref] = r.opts.Thresholds.Reference
		}
		placement = vectorindex.Placement{
			PrimaryFolder:    decision.FolderID,
			ReferenceFolders: decision.References,
			Confidences:      confidences,
		}
	case ActionCreateFolder:
		placement = vectorindex.Placement{
			PrimaryFolder: decision.FolderID,
			Confidences:   map[string]float64{decision.FolderID: 1},
		}
	case ActionUnsorted:
		// First-seen scored unsorted items land in the pool with no
		// primary folder so batch clustering can find them later.
		placement = vectorindex.Placement{}
	default:
		// REVIEW retains the concept via the scheduler only.
		return nil
	}

	err := r.index.Upsert(ctx, cand.CandidateID, emb.TitleVector, emb.ContextVector,
		placement, cand.ContentHash, emb.Model)
	if errors.Is(err, vectorindex.ErrConnection) && r.journal != nil {
		if jErr := r.journal.Record(ctx, pendingUpsert{
			ConceptID:     cand.CandidateID,
			TitleVector:   emb.TitleVector,
			ContextVector: emb.ContextVector,
			Placement:     placement,
			ContentHash:   cand.ContentHash,
			Model:         emb.Model,
		}); jErr != nil {
			return fmt.Errorf("upsert failed (%s) and journal write failed: %w", err, jErr)
		}
		return err
	}
	if err != nil {
		return err
	}

	if placement.PrimaryFolder != "" {
		r.centroids.CacheMemberVector(placement.PrimaryFolder, cand.CandidateID, emb.ContextVector)
		if r.queue != nil {
			r.queue.Enqueue(centroid.UpdateRequest{
				FolderID:    placement.PrimaryFolder,
				NewConcepts: map[string][]float32{cand.CandidateID: emb.ContextVector},
			})
		}
	}
	return nil
}

// discardDecision is the UNSORTED shape for inputs the system drops
// entirely: no upsert, no schedule.
func (r *SmartRouter) discardDecision(cand *candidate.ConceptCandidate, signal string, state centroid.SystemState, factor string) *RoutingDecision {
	return r.newDecision(cand, ActionUnsorted, Explanation{
		PrimarySignal:   signal,
		SystemState:     string(state),
		DecisionFactors: []string{factor},
	}, nil)
}

func (r *SmartRouter) newDecision(cand *candidate.ConceptCandidate, action Action, expl Explanation, fill func(*RoutingDecision)) *RoutingDecision {
	d := &RoutingDecision{
		CandidateID: cand.CandidateID,
		Action:      action,
		References:  []string{},
		Explanation: expl,
		Timestamp:   r.now().UTC(),
	}
	if fill != nil {
		fill(d)
	}
	return d
}

// =============================================================================
// Folder Naming
// =============================================================================

// folderNameMaxLen bounds proposed folder names.
const folderNameMaxLen = 48

// ProposeFolderName derives a folder name and path from the distilled
// title, falling back to the candidate's key terms.
func ProposeFolderName(title string, keyTerms []string) (name, path string) {
	name = strings.TrimSpace(title)
	if name == "" && len(keyTerms) > 0 {
		n := len(keyTerms)
		if n > 3 {
			n = 3
		}
		name = strings.Join(keyTerms[:n], " ")
	}
	if name == "" {
		name = "untitled"
	}
	if runes := []rune(name); len(runes) > folderNameMaxLen {
		name = strings.TrimSpace(string(runes[:folderNameMaxLen]))
	}
	return name, "/" + slugify(name)
}

// slugify lowercases and collapses non-alphanumerics to single hyphens.
func slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
