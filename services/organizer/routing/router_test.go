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
	"math"
	"sync"
	"testing"

	"github.com/AleutianAI/recall/services/organizer/candidate"
	"github.com/AleutianAI/recall/services/organizer/centroid"
	"github.com/AleutianAI/recall/services/organizer/distill"
	"github.com/AleutianAI/recall/services/organizer/embed"
	"github.com/AleutianAI/recall/services/organizer/scheduler"
	badgerstore "github.com/AleutianAI/recall/services/organizer/storage/badger"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeDistiller struct {
	mu       sync.Mutex
	concepts map[string]*distill.DistilledConcept // keyed by content hash
	errs     map[string]error
	calls    int
}

func (f *fakeDistiller) Distill(_ context.Context, _, contentHash string) (*distill.DistilledConcept, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[contentHash]; err != nil {
		return nil, err
	}
	c, ok := f.concepts[contentHash]
	if !ok {
		return nil, fmt.Errorf("%w: no concept for hash %s", distill.ErrUpstream, contentHash)
	}
	cp := *c
	return &cp, nil
}

type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string]*embed.VectorEmbeddings // keyed by concept id
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, concept *distill.DistilledConcept) (*embed.VectorEmbeddings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	v, ok := f.vectors[concept.ConceptID]
	if !ok {
		return nil, fmt.Errorf("%w: no vectors for %s", embed.ErrUpstream, concept.ConceptID)
	}
	cp := *v
	cp.ContentHash = concept.ContentHash
	return &cp, nil
}

type fakeScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeScheduler) Schedule(conceptID string, _ *scheduler.Params) (*scheduler.ReviewSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, conceptID)
	return &scheduler.ReviewSchedule{ConceptID: conceptID}, nil
}

func (f *fakeScheduler) scheduled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

// =============================================================================
// Fixture
// =============================================================================

type routerFixture struct {
	idx   *vectorindex.MemoryIndex
	dist  *fakeDistiller
	emb   *fakeEmbedder
	sched *fakeScheduler
	mgr   *centroid.Manager
	r     *SmartRouter
}

func newRouterFixture(t *testing.T, enableCreate bool) *routerFixture {
	t.Helper()
	idx := vectorindex.NewMemoryIndex(3)
	f := &routerFixture{
		idx:   idx,
		dist:  &fakeDistiller{concepts: map[string]*distill.DistilledConcept{}, errs: map[string]error{}},
		emb:   &fakeEmbedder{vectors: map[string]*embed.VectorEmbeddings{}},
		sched: &fakeScheduler{},
		mgr:   centroid.NewManager(centroid.Options{Index: idx}),
	}
	f.r = NewSmartRouter(Options{
		Distiller:            f.dist,
		Embedder:             f.emb,
		Index:                idx,
		Centroids:            f.mgr,
		Scheduler:            f.sched,
		Thresholds:           Thresholds{HighConfidence: 0.8, LowConfidence: 0.6, DupHigh: 0.9, Reference: 0.5},
		Weights:              ScoreWeights{Centroid: 1},
		EnableFolderCreation: enableCreate,
		GrowingCap:           20,
		MinClusterSize:       3,
		ClusterTau:           0.75,
	})
	return f
}

// addCandidate registers the distiller and embedder responses for one
// candidate and returns it.
func (f *routerFixture) addCandidate(id, hash string, titleVec, ctxVec []float32) *candidate.ConceptCandidate {
	f.dist.concepts[hash] = &distill.DistilledConcept{
		Title:          "concept " + id,
		Summary:        "summary for " + id,
		ContentHash:    hash,
		Classification: distill.ClassStudy,
		Domain:         "mathematics",
	}
	f.emb.vectors[id] = &embed.VectorEmbeddings{
		TitleVector:   titleVec,
		ContextVector: ctxVec,
		Dimensions:    3,
		Model:         "test-model",
	}
	return &candidate.ConceptCandidate{
		CandidateID:    id,
		BatchID:        "batch-1",
		NormalizedText: "normalized text for " + id,
		ContentHash:    hash,
		KeyTerms:       []string{"linear", "algebra"},
	}
}

func approx(t *testing.T, got, want, tol float64, what string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("%s = %v, want %v (tol %v)", what, got, want, tol)
	}
}

// =============================================================================
// Routing Scenarios
// =============================================================================

func TestRoute_BootstrapCreateThenRoute(t *testing.T) {
	f := newRouterFixture(t, true)
	ctx := context.Background()

	a := f.addCandidate("cand-a", "hash-a", []float32{1, 0, 0}, []float32{1, 0, 0})
	dA, err := f.r.Route(ctx, a)
	if err != nil {
		t.Fatalf("route a: %v", err)
	}
	if dA.Action != ActionCreateFolder {
		t.Fatalf("action = %s, want create_folder", dA.Action)
	}
	if dA.FolderID == "" || dA.NewFolder == nil || dA.NewFolder.Name == "" {
		t.Fatalf("create_folder must mint folder id and name: %+v", dA)
	}
	if dA.Explanation.PrimarySignal != SignalBootstrap || dA.Explanation.SystemState != "bootstrap" {
		t.Fatalf("explanation = %+v", dA.Explanation)
	}
	if dA.Confidence != 1 {
		t.Fatalf("confidence = %v, want 1", dA.Confidence)
	}

	// Apply the centroid update the background queue would normally run.
	if _, err := f.mgr.UpdateFolderCentroid(ctx, centroid.UpdateRequest{FolderID: dA.FolderID, ForceFull: true}); err != nil {
		t.Fatalf("update centroid: %v", err)
	}

	b := f.addCandidate("cand-b", "hash-b", []float32{0, 1, 0}, []float32{0.8, 0.6, 0})
	dB, err := f.r.Route(ctx, b)
	if err != nil {
		t.Fatalf("route b: %v", err)
	}
	if dB.Action != ActionRoute {
		t.Fatalf("action = %s, want route", dB.Action)
	}
	if dB.FolderID != dA.FolderID {
		t.Fatalf("folder = %s, want %s", dB.FolderID, dA.FolderID)
	}
	approx(t, dB.Confidence, 0.8, 1e-6, "route confidence")
	if dB.Explanation.SystemState != "growing" {
		t.Fatalf("system state = %s, want growing", dB.Explanation.SystemState)
	}

	got := f.sched.scheduled()
	if len(got) != 2 || got[0] != "cand-a" || got[1] != "cand-b" {
		t.Fatalf("scheduled = %v", got)
	}
}

func TestRoute_DuplicateByContentHash(t *testing.T) {
	f := newRouterFixture(t, true)
	ctx := context.Background()

	a := f.addCandidate("cand-a", "hash-a", []float32{1, 0, 0}, []float32{1, 0, 0})
	if _, err := f.r.Route(ctx, a); err != nil {
		t.Fatalf("route a: %v", err)
	}

	// Same content captured again under a new candidate id.
	dup := f.addCandidate("cand-z", "hash-a", []float32{0, 1, 0}, []float32{0, 1, 0})
	d, err := f.r.Route(ctx, dup)
	if err != nil {
		t.Fatalf("route dup: %v", err)
	}
	if d.Action != ActionDuplicate {
		t.Fatalf("action = %s, want duplicate", d.Action)
	}
	if d.DuplicateID != "cand-a" {
		t.Fatalf("duplicate id = %s, want cand-a", d.DuplicateID)
	}
	if d.Confidence != 1 || d.Explanation.PrimarySignal != SignalContentHash {
		t.Fatalf("decision = %+v", d)
	}
	if got := f.sched.scheduled(); len(got) != 1 {
		t.Fatalf("duplicates must not be scheduled, got %v", got)
	}
}

func TestRoute_DuplicateByTitleSimilarity(t *testing.T) {
	f := newRouterFixture(t, true)
	ctx := context.Background()

	a := f.addCandidate("cand-a", "hash-a", []float32{1, 0, 0}, []float32{1, 0, 0})
	if _, err := f.r.Route(ctx, a); err != nil {
		t.Fatalf("route a: %v", err)
	}

	// Distinct hash, near-identical title vector.
	near := f.addCandidate("cand-n", "hash-n", []float32{0.95, 0.3122499, 0}, []float32{0, 1, 0})
	d, err := f.r.Route(ctx, near)
	if err != nil {
		t.Fatalf("route near: %v", err)
	}
	if d.Action != ActionDuplicate || d.DuplicateID != "cand-a" {
		t.Fatalf("decision = %+v", d)
	}
	if d.Explanation.PrimarySignal != SignalTitleMatch {
		t.Fatalf("signal = %s, want %s", d.Explanation.PrimarySignal, SignalTitleMatch)
	}
	approx(t, d.Confidence, 0.95, 1e-6, "title similarity confidence")
}

func TestRoute_NonStudyDiscarded(t *testing.T) {
	f := newRouterFixture(t, true)
	ctx := context.Background()

	cand := f.addCandidate("cand-a", "hash-a", []float32{1, 0, 0}, []float32{1, 0, 0})
	f.dist.concepts["hash-a"].Classification = distill.ClassNotStudy

	d, err := f.r.Route(ctx, cand)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Action != ActionUnsorted || d.Explanation.PrimarySignal != SignalNonStudy {
		t.Fatalf("decision = %+v", d)
	}
	if f.emb.calls != 0 {
		t.Fatalf("non-study content must not be embedded, calls = %d", f.emb.calls)
	}
	if hit, _ := f.idx.FindByContentHash(ctx, "hash-a"); hit != nil {
		t.Fatal("non-study content must not be indexed")
	}
	if got := f.sched.scheduled(); len(got) != 0 {
		t.Fatalf("non-study content must not be scheduled, got %v", got)
	}
}

func TestRoute_BudgetExhausted(t *testing.T) {
	f := newRouterFixture(t, true)
	ctx := context.Background()

	cand := f.addCandidate("cand-a", "hash-a", []float32{1, 0, 0}, []float32{1, 0, 0})
	f.dist.errs["hash-a"] = distill.ErrQuota

	d, err := f.r.Route(ctx, cand)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Action != ActionUnsorted || d.Explanation.PrimarySignal != SignalBudgetExceeded {
		t.Fatalf("decision = %+v", d)
	}
	if f.emb.calls != 0 {
		t.Fatalf("quota exhaustion must stop before embedding, calls = %d", f.emb.calls)
	}
	if got := f.sched.scheduled(); len(got) != 0 {
		t.Fatalf("discarded candidates must not be scheduled, got %v", got)
	}
}

func TestRoute_AmbiguousGoesToReview(t *testing.T) {
	f := newRouterFixture(t, true)
	ctx := context.Background()

	if err := f.idx.SetFolderCentroid(ctx, "folder-1", []float32{1, 0, 0}); err != nil {
		t.Fatalf("seed centroid: %v", err)
	}

	cand := f.addCandidate("cand-a", "hash-a", []float32{0, 0, 1}, []float32{0.7, 0.71414284, 0})
	d, err := f.r.Route(ctx, cand)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Action != ActionReview {
		t.Fatalf("action = %s, want review", d.Action)
	}
	if d.FolderID != "folder-1" || d.Explanation.PrimarySignal != SignalAmbiguous {
		t.Fatalf("decision = %+v", d)
	}
	approx(t, d.Confidence, 0.7, 1e-6, "review confidence")

	// REVIEW holds the concept out of the index but still schedules it.
	if hit, _ := f.idx.FindByContentHash(ctx, "hash-a"); hit != nil {
		t.Fatal("review candidates must not be indexed until resolved")
	}
	if got := f.sched.scheduled(); len(got) != 1 || got[0] != "cand-a" {
		t.Fatalf("scheduled = %v", got)
	}
}

func TestRoute_ReferencesAboveThreshold(t *testing.T) {
	f := newRouterFixture(t, true)
	ctx := context.Background()

	if err := f.idx.SetFolderCentroid(ctx, "folder-1", []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := f.idx.SetFolderCentroid(ctx, "folder-2", []float32{0.6, 0.8, 0}); err != nil {
		t.Fatal(err)
	}
	if err := f.idx.SetFolderCentroid(ctx, "folder-3", []float32{0, 0, 1}); err != nil {
		t.Fatal(err)
	}

	cand := f.addCandidate("cand-a", "hash-a", []float32{0, 0, 1}, []float32{1, 0, 0})
	d, err := f.r.Route(ctx, cand)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Action != ActionRoute || d.FolderID != "folder-1" {
		t.Fatalf("decision = %+v", d)
	}
	if len(d.References) != 1 || d.References[0] != "folder-2" {
		t.Fatalf("references = %v, want [folder-2]", d.References)
	}
}

func TestRoute_UnsortedPoolRoundTrip(t *testing.T) {
	f := newRouterFixture(t, false)
	ctx := context.Background()

	cand := f.addCandidate("cand-a", "hash-a", []float32{1, 0, 0}, []float32{1, 0, 0})
	d, err := f.r.Route(ctx, cand)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Action != ActionUnsorted || d.Explanation.PrimarySignal != SignalNoMatch {
		t.Fatalf("decision = %+v", d)
	}

	// The scored unsorted item lands in the pool and is scheduled.
	hit, err := f.idx.FindByContentHash(ctx, "hash-a")
	if err != nil || hit == nil {
		t.Fatalf("pool upsert missing: hit=%v err=%v", hit, err)
	}
	if got := f.sched.scheduled(); len(got) != 1 {
		t.Fatalf("scheduled = %v", got)
	}

	// Re-capturing the same content now reads back as a duplicate.
	again := f.addCandidate("cand-b", "hash-a", []float32{0, 1, 0}, []float32{0, 1, 0})
	d2, err := f.r.Route(ctx, again)
	if err != nil {
		t.Fatalf("route again: %v", err)
	}
	if d2.Action != ActionDuplicate || d2.DuplicateID != "cand-a" {
		t.Fatalf("round trip decision = %+v", d2)
	}
}

// =============================================================================
// Batch
// =============================================================================

func TestRouteBatch_ClustersUnsortedIntoSuggestion(t *testing.T) {
	f := newRouterFixture(t, false)
	ctx := context.Background()

	cands := []*candidate.ConceptCandidate{
		f.addCandidate("cand-a", "hash-a", []float32{1, 0, 0}, []float32{1, 0, 0}),
		f.addCandidate("cand-b", "hash-b", []float32{0, 1, 0}, []float32{0.8, 0.6, 0}),
		f.addCandidate("cand-c", "hash-c", []float32{0, 0, 1}, []float32{0.8, -0.6, 0}),
	}

	res, err := f.r.RouteBatch(ctx, cands)
	if err != nil {
		t.Fatalf("route batch: %v", err)
	}
	if len(res.Decisions) != 3 {
		t.Fatalf("decisions = %d", len(res.Decisions))
	}
	for i, d := range res.Decisions {
		if d.CandidateID != cands[i].CandidateID {
			t.Fatalf("decision %d out of order: %s", i, d.CandidateID)
		}
		if d.Action != ActionUnsorted {
			t.Fatalf("decision %d action = %s", i, d.Action)
		}
	}

	// Single-link joins all three through cand-a even though b and c are
	// below the threshold pairwise.
	if len(res.Clusters) != 1 {
		t.Fatalf("clusters = %v", res.Clusters)
	}
	want := []string{"cand-a", "cand-b", "cand-c"}
	for i, id := range res.Clusters[0] {
		if id != want[i] {
			t.Fatalf("cluster = %v, want %v", res.Clusters[0], want)
		}
	}
	if len(res.SuggestedFolders) != 1 {
		t.Fatalf("suggestions = %+v", res.SuggestedFolders)
	}
	sf := res.SuggestedFolders[0]
	if sf.Name == "" || len(sf.CandidateIDs) != 3 {
		t.Fatalf("suggestion = %+v", sf)
	}
	// Pairwise sims: 0.8, 0.8, 0.28.
	approx(t, sf.AvgSimilarity, (0.8+0.8+0.28)/3, 1e-3, "avg similarity")
}

func TestRouteBatch_SmallClusterNotSuggested(t *testing.T) {
	f := newRouterFixture(t, false)
	ctx := context.Background()

	cands := []*candidate.ConceptCandidate{
		f.addCandidate("cand-a", "hash-a", []float32{1, 0, 0}, []float32{1, 0, 0}),
		f.addCandidate("cand-b", "hash-b", []float32{0, 1, 0}, []float32{0.8, 0.6, 0}),
	}
	res, err := f.r.RouteBatch(ctx, cands)
	if err != nil {
		t.Fatalf("route batch: %v", err)
	}
	if len(res.SuggestedFolders) != 0 || len(res.Clusters) != 0 {
		t.Fatalf("two items must not clear the minimum cluster size: %+v", res)
	}
}

// =============================================================================
// Journal
// =============================================================================

type failingIndex struct {
	*vectorindex.MemoryIndex
}

func (f *failingIndex) Upsert(context.Context, string, []float32, []float32, vectorindex.Placement, string, string) error {
	return fmt.Errorf("%w: refused", vectorindex.ErrConnection)
}

func TestRoute_OutageJournalsUpsertForReplay(t *testing.T) {
	ctx := context.Background()
	db, err := badgerstore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mem := vectorindex.NewMemoryIndex(3)
	broken := &failingIndex{MemoryIndex: mem}
	journal := NewJournal(db, nil)

	dist := &fakeDistiller{concepts: map[string]*distill.DistilledConcept{}, errs: map[string]error{}}
	emb := &fakeEmbedder{vectors: map[string]*embed.VectorEmbeddings{}}
	r := NewSmartRouter(Options{
		Distiller:  dist,
		Embedder:   emb,
		Index:      broken,
		Centroids:  centroid.NewManager(centroid.Options{Index: broken}),
		Journal:    journal,
		Thresholds: Thresholds{HighConfidence: 0.8, LowConfidence: 0.6, DupHigh: 0.9, Reference: 0.5},
		Weights:    ScoreWeights{Centroid: 1},
	})

	dist.concepts["hash-a"] = &distill.DistilledConcept{
		Title: "t", Summary: "s", ContentHash: "hash-a", Classification: distill.ClassStudy,
	}
	emb.vectors["cand-a"] = &embed.VectorEmbeddings{
		TitleVector: []float32{1, 0, 0}, ContextVector: []float32{1, 0, 0}, Dimensions: 3, Model: "m",
	}
	cand := &candidate.ConceptCandidate{CandidateID: "cand-a", BatchID: "b", NormalizedText: "n", ContentHash: "hash-a"}

	_, err = r.Route(ctx, cand)
	if !errors.Is(err, vectorindex.ErrConnection) {
		t.Fatalf("route err = %v, want ErrConnection", err)
	}

	pending, err := journal.Pending(ctx)
	if err != nil || pending != 1 {
		t.Fatalf("pending = %d err = %v, want 1", pending, err)
	}

	// The store comes back; replay lands the write.
	replayed, err := journal.ReplayPending(ctx, mem)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != 1 {
		t.Fatalf("replayed = %d, want 1", replayed)
	}
	hit, err := mem.FindByContentHash(ctx, "hash-a")
	if err != nil || hit == nil || hit.ConceptID != "cand-a" {
		t.Fatalf("replayed point missing: hit=%v err=%v", hit, err)
	}
	pending, err = journal.Pending(ctx)
	if err != nil || pending != 0 {
		t.Fatalf("pending after replay = %d err = %v", pending, err)
	}
}

// =============================================================================
// Naming
// =============================================================================

func TestProposeFolderName(t *testing.T) {
	name, path := ProposeFolderName("Linear Algebra: Eigenvalues", nil)
	if name != "Linear Algebra: Eigenvalues" {
		t.Fatalf("name = %q", name)
	}
	if path != "/linear-algebra-eigenvalues" {
		t.Fatalf("path = %q", path)
	}

	name, path = ProposeFolderName("", []string{"cell", "membrane", "transport", "extra"})
	if name != "cell membrane transport" {
		t.Fatalf("fallback name = %q", name)
	}
	if path != "/cell-membrane-transport" {
		t.Fatalf("fallback path = %q", path)
	}

	name, _ = ProposeFolderName("", nil)
	if name != "untitled" {
		t.Fatalf("empty name = %q", name)
	}
}
