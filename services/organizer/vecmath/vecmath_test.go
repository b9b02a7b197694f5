// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vecmath

import (
	"math"
	"testing"
)

func TestNormalize_UnitNorm(t *testing.T) {
	v := []float32{3, 4}
	got := Normalize(v)

	if !IsUnit(got) {
		t.Fatalf("Normalize(%v) = %v, not unit norm (|v| = %v)", v, got, L2Norm(got))
	}
	if got[0] != 0.6 || got[1] != 0.8 {
		t.Errorf("Normalize(%v) = %v, want [0.6 0.8]", v, got)
	}
	// Input must not be mutated.
	if v[0] != 3 || v[1] != 4 {
		t.Errorf("Normalize mutated its input: %v", v)
	}
}

func TestNormalize_ZeroVector(t *testing.T) {
	got := Normalize([]float32{0, 0, 0})
	for i, x := range got {
		if x != 0 {
			t.Fatalf("Normalize(zero)[%d] = %v, want 0", i, x)
		}
	}
	if IsUnit(got) {
		t.Error("zero vector must not report unit norm")
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	v := Normalize([]float32{1, 2, 3, 4})
	again := Normalize(v)
	for i := range v {
		if math.Abs(float64(v[i]-again[i])) > UnitEpsilon {
			t.Fatalf("Normalize not stable at [%d]: %v vs %v", i, v[i], again[i])
		}
	}
}

func TestDot_UnitVectorsCosine(t *testing.T) {
	a := Normalize([]float32{1, 0})
	b := Normalize([]float32{1, 1})

	got := Dot(a, b)
	want := math.Cos(math.Pi / 4)
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("Dot = %v, want cos(45°) = %v", got, want)
	}
	if Dot(a, b) != Dot(b, a) {
		t.Error("Dot is not symmetric")
	}
}

func TestDot_MismatchedLengths(t *testing.T) {
	a := []float32{1, 1, 1}
	b := []float32{1, 1}
	if got := Dot(a, b); got != 2 {
		t.Errorf("Dot over shorter length = %v, want 2", got)
	}
}

func TestFromAccumulator_MeanOfMembers(t *testing.T) {
	members := [][]float32{
		Normalize([]float32{1, 0, 0}),
		Normalize([]float32{0, 1, 0}),
	}
	acc := NewAccumulator(3, nil, 0)
	for _, m := range members {
		Add(acc, m)
	}
	centroid := FromAccumulator(acc, len(members))

	if !IsUnit(centroid) {
		t.Fatalf("centroid not unit norm: %v", centroid)
	}
	// Mean of the two axis vectors points along the diagonal.
	want := float32(math.Sqrt2 / 2)
	if math.Abs(float64(centroid[0]-want)) > 1e-6 || math.Abs(float64(centroid[1]-want)) > 1e-6 {
		t.Errorf("centroid = %v, want [%v %v 0]", centroid, want, want)
	}
}

func TestFromAccumulator_IncrementalMatchesFull(t *testing.T) {
	members := [][]float32{
		Normalize([]float32{1, 0.2, 0}),
		Normalize([]float32{0.9, 0.1, 0.1}),
		Normalize([]float32{0.8, 0.3, 0}),
	}

	// Full average of all three.
	full := NewAccumulator(3, nil, 0)
	for _, m := range members {
		Add(full, m)
	}
	fullCentroid := FromAccumulator(full, 3)

	// Incremental: unit centroid of the first two scaled back up by the
	// member count (the stored form loses the pre-normalization magnitude,
	// so this is the documented approximation), plus the third member.
	partial := NewAccumulator(3, nil, 0)
	Add(partial, members[0])
	Add(partial, members[1])
	twoCentroid := FromAccumulator(partial, 2)

	acc := NewAccumulator(3, twoCentroid, 2)
	Add(acc, members[2])
	incCentroid := FromAccumulator(acc, 3)

	// Members are unit vectors, so the lost magnitude is close to 1 and the
	// incremental direction stays within a tight tolerance of the full mean.
	for i := range fullCentroid {
		if math.Abs(float64(fullCentroid[i]-incCentroid[i])) > 1e-3 {
			t.Fatalf("incremental centroid diverged at [%d]: %v vs %v", i, incCentroid[i], fullCentroid[i])
		}
	}
}

func TestSub_RemovesMember(t *testing.T) {
	a := Normalize([]float32{1, 0})
	b := Normalize([]float32{0, 1})

	acc := NewAccumulator(2, nil, 0)
	Add(acc, a)
	Add(acc, b)
	Sub(acc, b)

	got := FromAccumulator(acc, 1)
	if math.Abs(float64(got[0]-1)) > 1e-6 || math.Abs(float64(got[1])) > 1e-6 {
		t.Errorf("after Sub, centroid = %v, want [1 0]", got)
	}
}

func TestIsUnit_Tolerance(t *testing.T) {
	if !IsUnit([]float32{1}) {
		t.Error("exact unit vector rejected")
	}
	if IsUnit([]float32{1.01}) {
		t.Error("vector 1%% off unit norm accepted")
	}
	if IsUnit(nil) {
		t.Error("empty vector accepted as unit")
	}
}
