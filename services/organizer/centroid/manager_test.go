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
	"math"
	"testing"
	"time"

	"github.com/AleutianAI/recall/services/organizer/vecmath"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

const testDims = 4

func unit(vals ...float32) []float32 {
	return vecmath.Normalize(vals)
}

func newTestManager(t *testing.T, opts Options) (*Manager, *vectorindex.MemoryIndex) {
	t.Helper()
	idx := vectorindex.NewMemoryIndex(testDims)
	if err := idx.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	opts.Index = idx
	return NewManager(opts), idx
}

func placeConcept(t *testing.T, idx *vectorindex.MemoryIndex, conceptID, folderID string, vec []float32) {
	t.Helper()
	err := idx.Upsert(context.Background(), conceptID, vec, vec,
		vectorindex.Placement{PrimaryFolder: folderID}, "hash-"+conceptID, "m")
	if err != nil {
		t.Fatal(err)
	}
}

// =============================================================================
// Centroid Updates
// =============================================================================

func TestUpdateFolderCentroid_FullRecompute(t *testing.T) {
	ctx := context.Background()
	mgr, idx := newTestManager(t, Options{})

	v1 := unit(1, 0, 0, 0)
	v2 := unit(0, 1, 0, 0)
	placeConcept(t, idx, "c1", "folder/x", v1)
	placeConcept(t, idx, "c2", "folder/x", v2)

	stats, err := mgr.UpdateFolderCentroid(ctx, UpdateRequest{FolderID: "folder/x", ForceFull: true})
	if err != nil {
		t.Fatalf("UpdateFolderCentroid: %v", err)
	}
	if stats.MemberCount != 2 {
		t.Errorf("member count = %d, want 2", stats.MemberCount)
	}

	// Normalized mean of two orthogonal unit vectors.
	want := unit(1, 1, 0, 0)
	for i := range want {
		if math.Abs(float64(stats.Centroid[i]-want[i])) > 1e-6 {
			t.Fatalf("centroid[%d] = %v, want %v", i, stats.Centroid[i], want[i])
		}
	}

	// Written through to the index.
	data, err := idx.FolderVectorData(ctx, "folder/x")
	if err != nil {
		t.Fatal(err)
	}
	if len(data.Centroid) != testDims {
		t.Fatal("centroid not persisted to the index")
	}
	if len(data.Exemplars) != 2 {
		t.Errorf("exemplars persisted = %d, want 2 (folder smaller than k)", len(data.Exemplars))
	}
}

func TestUpdateFolderCentroid_IncrementalMatchesFull(t *testing.T) {
	ctx := context.Background()
	mgr, idx := newTestManager(t, Options{IncrementalThreshold: 10})

	v1 := unit(1, 0, 0, 0)
	v2 := unit(0, 1, 0, 0)
	v3 := unit(0, 0, 1, 0)
	placeConcept(t, idx, "c1", "folder/x", v1)
	placeConcept(t, idx, "c2", "folder/x", v2)
	if _, err := mgr.UpdateFolderCentroid(ctx, UpdateRequest{FolderID: "folder/x", ForceFull: true}); err != nil {
		t.Fatal(err)
	}

	// Add c3 incrementally, then compare against a forced full recompute.
	placeConcept(t, idx, "c3", "folder/x", v3)
	inc, err := mgr.UpdateFolderCentroid(ctx, UpdateRequest{
		FolderID:    "folder/x",
		NewConcepts: map[string][]float32{"c3": v3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if inc.MemberCount != 3 {
		t.Fatalf("incremental member count = %d, want 3", inc.MemberCount)
	}

	full, err := mgr.UpdateFolderCentroid(ctx, UpdateRequest{FolderID: "folder/x", ForceFull: true})
	if err != nil {
		t.Fatal(err)
	}
	for i := range full.Centroid {
		if math.Abs(float64(inc.Centroid[i]-full.Centroid[i])) > 1e-5 {
			t.Fatalf("incremental and full centroid diverge at %d: %v vs %v",
				i, inc.Centroid[i], full.Centroid[i])
		}
	}
}

func TestUpdateFolderCentroid_RemovalWithCachedVector(t *testing.T) {
	ctx := context.Background()
	mgr, idx := newTestManager(t, Options{IncrementalThreshold: 10})

	v1 := unit(1, 0, 0, 0)
	v2 := unit(0, 1, 0, 0)
	placeConcept(t, idx, "c1", "folder/x", v1)
	placeConcept(t, idx, "c2", "folder/x", v2)
	if _, err := mgr.UpdateFolderCentroid(ctx, UpdateRequest{FolderID: "folder/x", ForceFull: true}); err != nil {
		t.Fatal(err)
	}

	// c2 leaves; its vector was cached by the full recompute.
	if err := idx.Delete(ctx, "c2"); err != nil {
		t.Fatal(err)
	}
	stats, err := mgr.UpdateFolderCentroid(ctx, UpdateRequest{
		FolderID:        "folder/x",
		RemovedConcepts: []string{"c2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.MemberCount != 1 {
		t.Fatalf("member count = %d, want 1", stats.MemberCount)
	}
	for i := range v1 {
		if math.Abs(float64(stats.Centroid[i]-v1[i])) > 1e-5 {
			t.Fatalf("centroid[%d] = %v, want remaining member %v", i, stats.Centroid[i], v1[i])
		}
	}
}

// =============================================================================
// Quality
// =============================================================================

func TestComputeQuality_EmptyFolder(t *testing.T) {
	q := ComputeQuality(nil, nil, time.Time{}, time.Now(), 30)
	if q.Cohesion != 1 || q.Separation != 1 || q.Stability != 1 || q.Overall != 1 {
		t.Fatalf("empty folder quality = %+v, want all ones", q)
	}
}

func TestComputeQuality_Components(t *testing.T) {
	now := time.Now().UTC()
	members := map[string][]float32{
		"c1": unit(1, 0, 0, 0),
		"c2": unit(1, 0, 0, 0),
	}
	centroid := unit(1, 0, 0, 0)

	q := ComputeQuality(members, centroid, now, now, 30)
	if math.Abs(q.Cohesion-1) > 1e-9 {
		t.Errorf("cohesion = %v, want 1 for identical members", q.Cohesion)
	}
	if q.Separation != 0.2 {
		t.Errorf("separation = %v, want the 0.2 floor", q.Separation)
	}
	if q.Stability != 1 {
		t.Errorf("stability = %v, want 1 for a fresh centroid", q.Stability)
	}
	want := 0.5*1 + 0.3*0.2 + 0.2*1
	if math.Abs(q.Overall-want) > 1e-9 {
		t.Errorf("overall = %v, want %v", q.Overall, want)
	}

	// An old centroid decays down to the 0.5 floor.
	old := ComputeQuality(members, centroid, now.AddDate(0, 0, -90), now, 30)
	if old.Stability != 0.5 {
		t.Errorf("stability for 90-day-old centroid = %v, want the 0.5 floor", old.Stability)
	}
}

// =============================================================================
// Exemplars
// =============================================================================

func exemplarMembers() (map[string][]float32, []float32) {
	members := map[string][]float32{
		"near-a": unit(1, 0.1, 0, 0),
		"near-b": unit(1, 0.2, 0, 0),
		"mid":    unit(1, 1, 0, 0),
		"far-a":  unit(0.1, 1, 0, 0),
		"far-b":  unit(0, 1, 0.2, 0),
	}
	return members, unit(1, 0, 0, 0)
}

func TestSelectExemplars_Medoid(t *testing.T) {
	members, centroid := exemplarMembers()
	ex := SelectExemplars(StrategyMedoid, members, centroid, 2)
	if len(ex) != 2 {
		t.Fatalf("got %d exemplars, want 2", len(ex))
	}
	if ex[0].ConceptID != "near-a" && ex[0].ConceptID != "near-b" {
		t.Errorf("medoid picked %s, want one of the near members", ex[0].ConceptID)
	}
}

func TestSelectExemplars_Boundary(t *testing.T) {
	members, centroid := exemplarMembers()
	ex := SelectExemplars(StrategyBoundary, members, centroid, 1)
	if len(ex) != 1 {
		t.Fatalf("got %d exemplars, want 1", len(ex))
	}
	if ex[0].ConceptID != "far-a" && ex[0].ConceptID != "far-b" {
		t.Errorf("boundary picked %s, want one of the far members", ex[0].ConceptID)
	}
}

func TestSelectExemplars_HybridDedupAndCount(t *testing.T) {
	members, centroid := exemplarMembers()
	ex := SelectExemplars(StrategyHybrid, members, centroid, 5)
	if len(ex) != 5 {
		t.Fatalf("got %d exemplars, want 5", len(ex))
	}
	seen := map[string]struct{}{}
	for _, e := range ex {
		if _, dup := seen[e.ConceptID]; dup {
			t.Fatalf("duplicate exemplar %s", e.ConceptID)
		}
		seen[e.ConceptID] = struct{}{}
	}
}

func TestSelectExemplars_KLargerThanFolder(t *testing.T) {
	members, centroid := exemplarMembers()
	ex := SelectExemplars(StrategyHybrid, members, centroid, 50)
	if len(ex) != len(members) {
		t.Fatalf("got %d exemplars, want all %d members", len(ex), len(members))
	}
}

// =============================================================================
// Similar Folders / Context Filter
// =============================================================================

func seedTwoFolders(t *testing.T, mgr *Manager, idx *vectorindex.MemoryIndex) {
	t.Helper()
	ctx := context.Background()
	placeConcept(t, idx, "m1", "folder/math", unit(1, 0, 0, 0))
	placeConcept(t, idx, "m2", "folder/math", unit(1, 0.1, 0, 0))
	placeConcept(t, idx, "a1", "folder/art", unit(0, 0, 1, 0))
	placeConcept(t, idx, "a2", "folder/art", unit(0, 0, 1, 0.1))
	for _, f := range []string{"folder/math", "folder/art"} {
		if _, err := mgr.UpdateFolderCentroid(ctx, UpdateRequest{FolderID: f, ForceFull: true}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFindSimilarFolders(t *testing.T) {
	ctx := context.Background()
	mgr, idx := newTestManager(t, Options{ExemplarWeight: 0.3})
	seedTwoFolders(t, mgr, idx)

	matches, err := mgr.FindSimilarFolders(ctx, unit(1, 0, 0, 0), 10, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1 (art folder below threshold)", len(matches))
	}
	if matches[0].FolderID != "folder/math" {
		t.Errorf("best match = %s, want folder/math", matches[0].FolderID)
	}
	if matches[0].Similarity <= 0.5 || matches[0].Similarity > 1+1e-9 {
		t.Errorf("similarity = %v, want in (0.5, 1]", matches[0].Similarity)
	}
}

func TestFilterFolderContext_StateCapsAndSamples(t *testing.T) {
	ctx := context.Background()
	mgr, idx := newTestManager(t, Options{MaxContextFolders: 15})
	seedTwoFolders(t, mgr, idx)

	fcs := mgr.FilterFolderContext(ctx, unit(1, 0, 0, 0), 600, StateMature)
	if len(fcs) != 2 {
		t.Fatalf("got %d context folders, want 2", len(fcs))
	}
	// 600 tokens over 2 folders = 300 each = 15 samples, capped by the
	// 2 members a folder actually has. Nearest sample first.
	if len(fcs[0].Samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(fcs[0].Samples))
	}
	if fcs[0].Samples[0].Similarity < fcs[0].Samples[1].Similarity {
		t.Error("samples must be ordered nearest first")
	}

	// Zero token budget means no samples but folders still appear.
	lean := mgr.FilterFolderContext(ctx, unit(1, 0, 0, 0), 0, StateBootstrap)
	if len(lean) != 2 {
		t.Fatalf("got %d context folders, want 2", len(lean))
	}
	for _, fc := range lean {
		if len(fc.Samples) != 0 {
			t.Error("zero budget must produce no samples")
		}
	}
}

// =============================================================================
// Maintenance
// =============================================================================

func TestFindStaleCentroids(t *testing.T) {
	ctx := context.Background()
	mgr, idx := newTestManager(t, Options{StaleDays: 30})
	seedTwoFolders(t, mgr, idx)

	// Nothing stale right after the updates.
	stale, err := mgr.FindStaleCentroids(ctx, 30, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Fatalf("got %d stale folders, want 0", len(stale))
	}

	// A quality threshold above every folder's overall flags them all.
	stale, err = mgr.FindStaleCentroids(ctx, 30, 1.1)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 {
		t.Fatalf("got %d stale folders, want 2", len(stale))
	}
}

func TestDetectRedundantFolders(t *testing.T) {
	ctx := context.Background()
	mgr, idx := newTestManager(t, Options{})

	// Two folders with near-identical contents and one distinct.
	placeConcept(t, idx, "x1", "folder/dup-a", unit(1, 0, 0, 0))
	placeConcept(t, idx, "x2", "folder/dup-b", unit(1, 0.05, 0, 0))
	placeConcept(t, idx, "y1", "folder/other", unit(0, 0, 0, 1))
	for _, f := range []string{"folder/dup-a", "folder/dup-b", "folder/other"} {
		if _, err := mgr.UpdateFolderCentroid(ctx, UpdateRequest{FolderID: f, ForceFull: true}); err != nil {
			t.Fatal(err)
		}
	}

	pairs, err := mgr.DetectRedundantFolders(ctx, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d redundant pairs, want 1", len(pairs))
	}
	if pairs[0].FolderA != "folder/dup-a" || pairs[0].FolderB != "folder/dup-b" {
		t.Errorf("pair = %+v, want dup-a/dup-b", pairs[0])
	}
}

func TestBatchUpdateCentroids(t *testing.T) {
	ctx := context.Background()
	mgr, idx := newTestManager(t, Options{BatchSize: 1, ParallelUpdates: 2})
	seedTwoFolders(t, mgr, idx)
	placeConcept(t, idx, "m3", "folder/math", unit(1, 0.2, 0, 0))

	if err := mgr.BatchUpdateCentroids(ctx, []string{"folder/math", "folder/art"}, true); err != nil {
		t.Fatal(err)
	}
	stats, err := mgr.GetFolderCentroid(ctx, "folder/math")
	if err != nil {
		t.Fatal(err)
	}
	if stats.MemberCount != 3 {
		t.Errorf("member count after batch update = %d, want 3", stats.MemberCount)
	}
}

// =============================================================================
// Update Queue
// =============================================================================

func TestUpdateQueue_MergesAndDrains(t *testing.T) {
	mgr, idx := newTestManager(t, Options{})
	placeConcept(t, idx, "c1", "folder/x", unit(1, 0, 0, 0))
	placeConcept(t, idx, "c2", "folder/x", unit(0, 1, 0, 0))

	q := NewUpdateQueue(mgr, 2, nil)
	q.Enqueue(UpdateRequest{FolderID: "folder/x", NewConcepts: map[string][]float32{"c1": unit(1, 0, 0, 0)}})
	q.Enqueue(UpdateRequest{FolderID: "folder/x", NewConcepts: map[string][]float32{"c2": unit(0, 1, 0, 0)}})
	q.Close()

	if q.Depth() != 0 {
		t.Fatalf("queue depth after close = %d, want 0", q.Depth())
	}
	stats, err := mgr.GetFolderCentroid(context.Background(), "folder/x")
	if err != nil {
		t.Fatal(err)
	}
	if stats.MemberCount != 2 {
		t.Errorf("member count = %d, want 2 after drained updates", stats.MemberCount)
	}

	// Enqueue after close must not panic.
	q.Enqueue(UpdateRequest{FolderID: "folder/x"})
}
