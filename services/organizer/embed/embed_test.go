// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/recall/services/organizer/contentcache"
	"github.com/AleutianAI/recall/services/organizer/distill"
	"github.com/AleutianAI/recall/services/organizer/vecmath"
)

// =============================================================================
// Helpers
// =============================================================================

const testDims = 8

// seededVector derives a deterministic non-normalized vector from text.
func seededVector(text string, dims int) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, dims)
	for i := 0; i < dims; i++ {
		bits := binary.BigEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
		v[i] = float32(bits%1000)/500 - 1
	}
	return v
}

// fakeEmbedder is the deterministic in-process Embedder used by cache tests.
type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, c *distill.DistilledConcept) (*VectorEmbeddings, error) {
	f.calls++
	return &VectorEmbeddings{
		TitleVector:   vecmath.Normalize(seededVector(c.Title, testDims)),
		ContextVector: vecmath.Normalize(seededVector(ContextText(c), testDims)),
		Dimensions:    testDims,
		ContentHash:   c.ContentHash,
		Model:         "fake",
		EmbeddedAt:    time.Now().UTC(),
	}, nil
}

// newOllamaServer serves /api/embed with seeded vectors of dims length.
func newOllamaServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := ollamaEmbedResp{}
		for _, in := range req.Input {
			resp.Embeddings = append(resp.Embeddings, seededVector(in, dims))
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConcept() *distill.DistilledConcept {
	return &distill.DistilledConcept{
		Title:          "eigenvalues of a matrix",
		Summary:        "for a square matrix a, av = lv defines eigenvector v and eigenvalue l.",
		ContentHash:    "hash-eigen",
		Classification: distill.ClassStudy,
	}
}

// =============================================================================
// OllamaEmbedder Tests
// =============================================================================

func TestOllama_UnitNormVectors(t *testing.T) {
	srv := newOllamaServer(t, testDims)
	e := NewOllamaEmbedder(OllamaOptions{
		BaseURL:    srv.URL,
		Model:      "test-model",
		Dimensions: testDims,
		Budget:     distill.NewDailyBudget(0, 0),
	})

	emb, err := e.Embed(context.Background(), testConcept())
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	for name, v := range map[string][]float32{"title": emb.TitleVector, "context": emb.ContextVector} {
		if len(v) != testDims {
			t.Fatalf("%s vector has %d dims, want %d", name, len(v), testDims)
		}
		if norm := vecmath.L2Norm(v); math.Abs(norm-1) > vecmath.UnitEpsilon {
			t.Errorf("%s vector norm = %v, want 1 within epsilon", name, norm)
		}
	}
	if emb.Model != "test-model" || emb.ContentHash != "hash-eigen" {
		t.Errorf("metadata mismatch: %+v", emb)
	}
}

func TestOllama_DimensionMismatch(t *testing.T) {
	srv := newOllamaServer(t, testDims-1)
	e := NewOllamaEmbedder(OllamaOptions{
		BaseURL:    srv.URL,
		Model:      "test-model",
		Dimensions: testDims,
		Budget:     distill.NewDailyBudget(0, 0),
	})

	_, err := e.Embed(context.Background(), testConcept())
	if !errors.Is(err, ErrDimension) {
		t.Fatalf("expected ErrDimension, got %v", err)
	}
}

func TestOllama_BudgetExhaustedNoCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		http.Error(w, "must not be reached", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	budget := distill.NewDailyBudget(0, 1)
	if !budget.CanSpend(1) {
		t.Fatal("priming spend must pass")
	}

	e := NewOllamaEmbedder(OllamaOptions{
		BaseURL:    srv.URL,
		Model:      "m",
		Dimensions: testDims,
		Budget:     budget,
	})
	_, err := e.Embed(context.Background(), testConcept())
	if !errors.Is(err, ErrQuota) {
		t.Fatalf("expected ErrQuota, got %v", err)
	}
	if called {
		t.Fatal("budget exhaustion must prevent the upstream call")
	}
}

func TestOllama_UpstreamErrorAfterRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	e := NewOllamaEmbedder(OllamaOptions{
		BaseURL:        srv.URL,
		Model:          "m",
		Dimensions:     testDims,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		Budget:         distill.NewDailyBudget(0, 0),
	})
	_, err := e.Embed(context.Background(), testConcept())
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", attempts)
	}
}

// =============================================================================
// CachedEmbedder Tests
// =============================================================================

func TestCached_BitwiseIdenticalOnHit(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEmbedder{}
	cache := contentcache.NewLayered(contentcache.New(100, time.Hour), nil, time.Hour, nil)
	cached := NewCachedEmbedder(fake, cache, nil)

	first, err := cached.Embed(ctx, testConcept())
	if err != nil {
		t.Fatal(err)
	}
	second, err := cached.Embed(ctx, testConcept())
	if err != nil {
		t.Fatal(err)
	}

	if fake.calls != 1 {
		t.Fatalf("inner called %d times, want 1", fake.calls)
	}
	for i := range first.TitleVector {
		if first.TitleVector[i] != second.TitleVector[i] {
			t.Fatalf("title vector differs at %d: cache must be bitwise stable", i)
		}
	}
	for i := range first.ContextVector {
		if first.ContextVector[i] != second.ContextVector[i] {
			t.Fatalf("context vector differs at %d", i)
		}
	}
}
