// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vecmath holds the shared vector kernels used by the embedder,
// the vector index backends, and the centroid manager.
//
// All accumulation is done in float64 so that centroid sums and similarity
// scores are stable regardless of how many members a folder has; vectors
// themselves stay float32 on the wire and in storage.
package vecmath

import "math"

// UnitEpsilon is the tolerance used when checking that a vector is
// unit-normalized. Remote embedding providers round-trip through JSON
// float32, so exact equality is never expected.
const UnitEpsilon = 1e-6

// L2Norm computes the L2 (Euclidean) norm of a float32 vector.
func L2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Dot computes the dot product of two float32 vectors with float64
// accumulation. Mismatched lengths use the shorter vector.
//
// On unit-normalized inputs the dot product equals cosine similarity,
// which is the only similarity used internally.
func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize returns a unit-normalized copy of v.
//
// A zero vector (magnitude 0) is returned as a zero copy rather than
// producing NaNs; callers treat a zero centroid as "no data".
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	norm := L2Norm(v)
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// IsUnit reports whether v has unit norm within UnitEpsilon.
func IsUnit(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	return math.Abs(L2Norm(v)-1) <= UnitEpsilon
}

// NewAccumulator returns a float64 accumulator of the given dimension,
// optionally seeded with base scaled by weight (used to reconstruct a
// centroid sum from `centroid · memberCount`).
func NewAccumulator(dims int, base []float32, weight float64) []float64 {
	acc := make([]float64, dims)
	if base != nil {
		n := dims
		if len(base) < n {
			n = len(base)
		}
		for i := 0; i < n; i++ {
			acc[i] = float64(base[i]) * weight
		}
	}
	return acc
}

// Add accumulates v into acc.
func Add(acc []float64, v []float32) {
	n := len(acc)
	if len(v) < n {
		n = len(v)
	}
	for i := 0; i < n; i++ {
		acc[i] += float64(v[i])
	}
}

// Sub subtracts v from acc.
func Sub(acc []float64, v []float32) {
	n := len(acc)
	if len(v) < n {
		n = len(v)
	}
	for i := 0; i < n; i++ {
		acc[i] -= float64(v[i])
	}
}

// FromAccumulator divides acc by count and unit-normalizes the result.
//
// count <= 0 or a zero-magnitude mean yields a zero vector of the
// accumulator's dimension.
func FromAccumulator(acc []float64, count int) []float32 {
	out := make([]float32, len(acc))
	if count <= 0 {
		return out
	}
	var norm float64
	for _, x := range acc {
		m := x / float64(count)
		norm += m * m
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return out
	}
	for i, x := range acc {
		out[i] = float32(x / float64(count) / norm)
	}
	return out
}
