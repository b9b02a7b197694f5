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
	"sort"

	"github.com/AleutianAI/recall/services/organizer/vecmath"
)

// Strategy selects how exemplars are drawn from a folder's members.
type Strategy string

const (
	// StrategyMedoid picks the members closest to the centroid.
	StrategyMedoid Strategy = "medoid"
	// StrategyBoundary picks the members farthest from the centroid.
	StrategyBoundary Strategy = "boundary"
	// StrategyDiverse greedily maximizes the minimum distance to the
	// already chosen set.
	StrategyDiverse Strategy = "diverse"
	// StrategyHybrid blends 40% medoid, 30% boundary, and fills the rest
	// with diverse picks, deduplicated by concept id.
	StrategyHybrid Strategy = "hybrid"
)

// Exemplar is one selected member vector.
type Exemplar struct {
	ConceptID string
	Vector    []float32
}

// scoredMember pairs a member with its centroid similarity.
type scoredMember struct {
	id  string
	vec []float32
	sim float64
}

// SelectExemplars draws up to k exemplars from members using the given
// strategy. Selection is deterministic: ties on similarity break by
// concept id.
func SelectExemplars(strategy Strategy, members map[string][]float32, centroid []float32, k int) []Exemplar {
	if k <= 0 || len(members) == 0 {
		return nil
	}

	scored := make([]scoredMember, 0, len(members))
	for id, v := range members {
		scored = append(scored, scoredMember{id: id, vec: v, sim: vecmath.Dot(v, centroid)})
	}
	sortBySimDesc(scored)

	if k > len(scored) {
		k = len(scored)
	}

	switch strategy {
	case StrategyMedoid:
		return toExemplars(scored[:k])
	case StrategyBoundary:
		return toExemplars(tail(scored, k))
	case StrategyDiverse:
		return toExemplars(pickDiverse(scored, nil, k))
	default: // hybrid
		return toExemplars(pickHybrid(scored, k))
	}
}

// pickHybrid allocates 40% of k to medoids, 30% to boundary members, and
// fills the remainder with diverse picks. Duplicates (a member qualifying
// as both medoid and boundary in a tiny folder) are dropped, and diverse
// picks make up the difference.
func pickHybrid(scored []scoredMember, k int) []scoredMember {
	nMedoid := (k * 40) / 100
	if nMedoid == 0 {
		nMedoid = 1
	}
	nBoundary := (k * 30) / 100

	chosen := make([]scoredMember, 0, k)
	seen := make(map[string]struct{}, k)
	add := func(members []scoredMember) {
		for _, sm := range members {
			if _, ok := seen[sm.id]; ok {
				continue
			}
			seen[sm.id] = struct{}{}
			chosen = append(chosen, sm)
		}
	}

	if nMedoid > len(scored) {
		nMedoid = len(scored)
	}
	add(scored[:nMedoid])
	add(tail(scored, nBoundary))

	if len(chosen) < k {
		add(pickDiverse(scored, chosen, k-len(chosen)))
	}
	if len(chosen) > k {
		chosen = chosen[:k]
	}
	return chosen
}

// pickDiverse greedily selects members maximizing the minimum distance to
// the already chosen set. With an empty seed it starts from the medoid.
func pickDiverse(scored []scoredMember, seed []scoredMember, k int) []scoredMember {
	if k <= 0 {
		return nil
	}

	chosen := append([]scoredMember(nil), seed...)
	taken := make(map[string]struct{}, len(seed))
	for _, sm := range seed {
		taken[sm.id] = struct{}{}
	}

	var picks []scoredMember
	if len(chosen) == 0 {
		first := scored[0]
		chosen = append(chosen, first)
		taken[first.id] = struct{}{}
		picks = append(picks, first)
		k--
	}

	for k > 0 {
		bestIdx := -1
		bestDist := -1.0
		for i, sm := range scored {
			if _, ok := taken[sm.id]; ok {
				continue
			}
			minDist := minDistanceTo(sm.vec, chosen)
			if minDist > bestDist || (minDist == bestDist && bestIdx >= 0 && sm.id < scored[bestIdx].id) {
				bestDist = minDist
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		pick := scored[bestIdx]
		chosen = append(chosen, pick)
		taken[pick.id] = struct{}{}
		picks = append(picks, pick)
		k--
	}
	return picks
}

// minDistanceTo computes the smallest cosine distance (1 - sim) from v to
// any chosen member.
func minDistanceTo(v []float32, chosen []scoredMember) float64 {
	min := 2.0
	for _, c := range chosen {
		if d := 1 - vecmath.Dot(v, c.vec); d < min {
			min = d
		}
	}
	return min
}

// tail returns the k members farthest from the centroid, farthest first.
func tail(scored []scoredMember, k int) []scoredMember {
	if k <= 0 {
		return nil
	}
	if k > len(scored) {
		k = len(scored)
	}
	out := make([]scoredMember, 0, k)
	for i := len(scored) - 1; i >= len(scored)-k; i-- {
		out = append(out, scored[i])
	}
	return out
}

func sortBySimDesc(scored []scoredMember) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].sim != scored[j].sim {
			return scored[i].sim > scored[j].sim
		}
		return scored[i].id < scored[j].id
	})
}

func toExemplars(members []scoredMember) []Exemplar {
	out := make([]Exemplar, 0, len(members))
	for _, sm := range members {
		out = append(out, Exemplar{ConceptID: sm.id, Vector: sm.vec})
	}
	return out
}
