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
	"time"

	"github.com/AleutianAI/recall/services/organizer/vecmath"
)

// ComputeQuality scores a folder from its member vectors and centroid.
//
// cohesion is the mean member-to-centroid similarity. separation is stubbed
// as max(0.2, 1-cohesion) until cross-folder pairwise similarities are
// tracked; the weights below are the contract either way. stability decays
// with centroid age: max(0.5, 1 - daysSinceUpdate/staleDays).
//
// An empty folder scores 1 on every component.
func ComputeQuality(members map[string][]float32, centroid []float32, lastUpdated, now time.Time, staleDays int) Quality {
	if len(members) == 0 {
		return Quality{Cohesion: 1, Separation: 1, Stability: 1, Overall: 1}
	}

	var sum float64
	for _, v := range members {
		sum += vecmath.Dot(v, centroid)
	}
	cohesion := sum / float64(len(members))
	if cohesion < 0 {
		cohesion = 0
	}
	if cohesion > 1 {
		cohesion = 1
	}

	separation := 1 - cohesion
	if separation < 0.2 {
		separation = 0.2
	}

	stability := 1.0
	if staleDays > 0 && !lastUpdated.IsZero() {
		days := now.Sub(lastUpdated).Hours() / 24
		stability = 1 - days/float64(staleDays)
		if stability < 0.5 {
			stability = 0.5
		}
	}

	return Quality{
		Cohesion:   cohesion,
		Separation: separation,
		Stability:  stability,
		Overall:    0.5*cohesion + 0.3*separation + 0.2*stability,
	}
}
