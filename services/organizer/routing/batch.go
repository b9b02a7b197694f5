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
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/recall/services/organizer/candidate"
	"github.com/AleutianAI/recall/services/organizer/vecmath"
)

var batchSizeObserved = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "recall",
	Subsystem: "routing",
	Name:      "batch_size",
	Help:      "Number of candidates per routed batch",
	Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
})

// RouteBatch routes every candidate with bounded parallelism, then mines
// the no-match UNSORTED leftovers for clusters dense enough to suggest a
// new folder. Decisions keep the input order. The first pipeline error
// aborts the batch.
func (r *SmartRouter) RouteBatch(ctx context.Context, cands []*candidate.ConceptCandidate) (*BatchResult, error) {
	ctx, span := routingTracer.Start(ctx, "routing.SmartRouter.RouteBatch",
		trace.WithAttributes(attribute.Int("batch_size", len(cands))))
	defer span.End()
	batchSizeObserved.Observe(float64(len(cands)))

	decisions := make([]*RoutingDecision, len(cands))
	vectors := make([][]float32, len(cands))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.BatchParallelism)
	for i, cand := range cands {
		g.Go(func() error {
			start := r.now()
			release := r.locks.Lock(cand.CandidateID)
			defer release()

			d, vec, err := r.route(gctx, cand)
			if err != nil {
				return err
			}
			routingDecisionsTotal.WithLabelValues(string(d.Action)).Inc()
			routingLatency.Observe(r.now().Sub(start).Seconds())
			decisions[i] = d
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &BatchResult{
		Decisions:        decisions,
		Clusters:         [][]string{},
		SuggestedFolders: []SuggestedFolder{},
	}
	r.suggestFolders(result, cands, decisions, vectors)
	return result, nil
}

// unsortedItem is one clusterable leftover from a batch.
type unsortedItem struct {
	candidateID string
	titleHint   string
	keyTerms    []string
	vector      []float32
}

// suggestFolders single-link clusters the scored UNSORTED decisions at the
// cluster similarity threshold and promotes clusters meeting the minimum
// size into folder suggestions.
func (r *SmartRouter) suggestFolders(result *BatchResult, cands []*candidate.ConceptCandidate, decisions []*RoutingDecision, vectors [][]float32) {
	var items []unsortedItem
	for i, d := range decisions {
		if d.Action != ActionUnsorted || d.Explanation.PrimarySignal != SignalNoMatch || vectors[i] == nil {
			continue
		}
		items = append(items, unsortedItem{
			candidateID: cands[i].CandidateID,
			titleHint:   cands[i].TitleHint,
			keyTerms:    cands[i].KeyTerms,
			vector:      vectors[i],
		})
	}
	if len(items) < r.opts.MinClusterSize {
		return
	}

	// Union-find over pairs above the threshold.
	parent := make([]int, len(items))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if vecmath.Dot(items[i].vector, items[j].vector) >= r.opts.ClusterTau {
				parent[find(i)] = find(j)
			}
		}
	}

	groups := make(map[int][]int)
	for i := range items {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	roots := make([]int, 0, len(groups))
	for root, members := range groups {
		if len(members) >= r.opts.MinClusterSize {
			roots = append(roots, root)
		}
	}
	// Deterministic output order: by the smallest member's candidate id.
	sort.Slice(roots, func(a, b int) bool {
		return items[groups[roots[a]][0]].candidateID < items[groups[roots[b]][0]].candidateID
	})

	for _, root := range roots {
		members := groups[root]
		ids := make([]string, 0, len(members))
		for _, idx := range members {
			ids = append(ids, items[idx].candidateID)
		}
		sort.Strings(ids)

		result.Clusters = append(result.Clusters, ids)
		result.SuggestedFolders = append(result.SuggestedFolders, SuggestedFolder{
			Name:          clusterName(items, members),
			CandidateIDs:  ids,
			AvgSimilarity: clusterAvgSimilarity(items, members),
		})
	}
}

// clusterName names a suggested folder from the first member carrying a
// title hint, falling back to the cluster's most frequent key terms.
func clusterName(items []unsortedItem, members []int) string {
	for _, idx := range members {
		if items[idx].titleHint != "" {
			name, _ := ProposeFolderName(items[idx].titleHint, nil)
			return name
		}
	}

	counts := make(map[string]int)
	for _, idx := range members {
		for _, term := range items[idx].keyTerms {
			counts[term]++
		}
	}
	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > 3 {
		terms = terms[:3]
	}
	name, _ := ProposeFolderName("", terms)
	return name
}

// clusterAvgSimilarity is the mean pairwise similarity inside a cluster.
func clusterAvgSimilarity(items []unsortedItem, members []int) float64 {
	if len(members) < 2 {
		return 1
	}
	sum, pairs := 0.0, 0
	for a := 0; a < len(members); a++ {
		for b := a + 1; b < len(members); b++ {
			sum += vecmath.Dot(items[members[a]].vector, items[members[b]].vector)
			pairs++
		}
	}
	return sum / float64(pairs)
}
