// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package organizer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/recall/services/organizer/config"
	"github.com/AleutianAI/recall/services/organizer/distill"
	"github.com/AleutianAI/recall/services/organizer/embed"
	"github.com/AleutianAI/recall/services/organizer/scheduler"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

// stubDistiller accepts anything as study content.
type stubDistiller struct{}

func (stubDistiller) Distill(_ context.Context, normalizedText, contentHash string) (*distill.DistilledConcept, error) {
	title := normalizedText
	if len(title) > 40 {
		title = title[:40]
	}
	return &distill.DistilledConcept{
		Title:          title,
		Summary:        normalizedText,
		ContentHash:    contentHash,
		Classification: distill.ClassStudy,
		Domain:         "general",
	}, nil
}

// stubEmbedder derives a deterministic unit vector from the content hash.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, concept *distill.DistilledConcept) (*embed.VectorEmbeddings, error) {
	v := hashVector(concept.ContentHash)
	return &embed.VectorEmbeddings{
		TitleVector:   v,
		ContextVector: v,
		Dimensions:    3,
		ContentHash:   concept.ContentHash,
		Model:         "stub",
	}, nil
}

func hashVector(hash string) []float32 {
	var sum uint32
	for _, b := range []byte(hash) {
		sum = sum*31 + uint32(b)
	}
	switch sum % 3 {
	case 0:
		return []float32{1, 0, 0}
	case 1:
		return []float32{0, 1, 0}
	default:
		return []float32{0, 0, 1}
	}
}

// newTestServer boots a full service on a memory index behind a gin engine.
func newTestServer(t *testing.T) (*Service, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Scheduler.Dir = t.TempDir()
	cfg.Embedding.Dimensions = 3

	idx := vectorindex.NewMemoryIndex(3)
	if err := idx.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize index: %v", err)
	}

	svc, err := NewService(Dependencies{
		Config:    cfg,
		Index:     idx,
		Distiller: stubDistiller{},
		Embedder:  stubEmbedder{},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	engine := gin.New()
	RegisterRoutes(engine.Group("/v1"), NewHandlers(svc))
	return svc, engine
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

const admissibleText = "The Krebs cycle oxidizes acetyl-CoA to carbon dioxide and transfers the freed electrons onto NAD and FAD carriers for the respiratory chain."

// =============================================================================
// Batch / Route
// =============================================================================

func TestHandleIngestBatch_MixedEntries(t *testing.T) {
	_, engine := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/organizer/batches", BatchRequest{
		BatchID: "batch-1",
		Entries: []BatchEntryRequest{
			{Text: admissibleText},
			{Text: "too short"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	var resp BatchRoutingResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.BatchID != "batch-1" {
		t.Fatalf("batch id = %s", resp.BatchID)
	}
	if len(resp.Decisions) != 1 {
		t.Fatalf("decisions = %d", len(resp.Decisions))
	}
	if len(resp.Rejected) != 1 || resp.Rejected[0].Index != 1 || resp.Rejected[0].Reason != "TOO_SHORT" {
		t.Fatalf("rejected = %+v", resp.Rejected)
	}
}

func TestHandleIngestBatch_MissingEntries(t *testing.T) {
	_, engine := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/organizer/batches", map[string]any{"batchId": "b"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "INVALID_BODY") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestHandleRoute_SingleSnippet(t *testing.T) {
	_, engine := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/organizer/route", RouteRequest{Text: admissibleText})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var decision map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decision["action"] == "" || decision["candidateId"] == "" {
		t.Fatalf("decision = %v", decision)
	}
}

func TestHandleRoute_RejectsShortText(t *testing.T) {
	_, engine := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/organizer/route", RouteRequest{Text: "too short"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "TOO_SHORT" {
		t.Fatalf("code = %s", resp.Code)
	}
}

// =============================================================================
// Folders
// =============================================================================

func TestHandleFolders_ListAndDetail(t *testing.T) {
	svc, engine := newTestServer(t)

	if err := svc.index.SetFolderCentroid(context.Background(), "folder-1", []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, engine, http.MethodGet, "/v1/organizer/folders", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var list struct {
		Folders []FolderSummary `json:"folders"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Folders) != 1 || list.Folders[0].FolderID != "folder-1" {
		t.Fatalf("folders = %+v", list.Folders)
	}

	w = doJSON(t, engine, http.MethodGet, "/v1/organizer/folders/folder-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("detail status = %d", w.Code)
	}

	w = doJSON(t, engine, http.MethodGet, "/v1/organizer/folders/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing folder status = %d body = %s", w.Code, w.Body.String())
	}
}

// =============================================================================
// Maintenance
// =============================================================================

func TestHandleReconcile_Empty(t *testing.T) {
	_, engine := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/organizer/maintenance/reconcile", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp ReconcileResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JournalReplayed != 0 || len(resp.OrphansRemoved) != 0 {
		t.Fatalf("resp = %+v", resp)
	}
}

// =============================================================================
// Reviews
// =============================================================================

func TestHandleReviews_Lifecycle(t *testing.T) {
	svc, engine := newTestServer(t)

	if _, err := svc.Scheduler().Schedule("concept-1", nil); err != nil {
		t.Fatal(err)
	}

	// Grade it GOOD.
	w := doJSON(t, engine, http.MethodPost, "/v1/organizer/reviews/concepts/concept-1", ReviewRequest{Quality: "GOOD"})
	if w.Code != http.StatusOK {
		t.Fatalf("review status = %d body = %s", w.Code, w.Body.String())
	}
	var sched scheduler.ReviewSchedule
	if err := json.Unmarshal(w.Body.Bytes(), &sched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sched.Parameters.IntervalDays != 1 || sched.Status != scheduler.StatusLearning {
		t.Fatalf("schedule = %+v", sched)
	}

	// Lookup.
	w = doJSON(t, engine, http.MethodGet, "/v1/organizer/reviews/concepts/concept-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup status = %d", w.Code)
	}

	// Suspend blocks grading with 409.
	w = doJSON(t, engine, http.MethodPost, "/v1/organizer/reviews/concepts/concept-1/suspend", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("suspend status = %d", w.Code)
	}
	w = doJSON(t, engine, http.MethodPost, "/v1/organizer/reviews/concepts/concept-1", ReviewRequest{Quality: "GOOD"})
	if w.Code != http.StatusConflict {
		t.Fatalf("suspended review status = %d", w.Code)
	}
	w = doJSON(t, engine, http.MethodPost, "/v1/organizer/reviews/concepts/concept-1/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d", w.Code)
	}

	// Aggregates.
	for _, path := range []string{
		"/v1/organizer/reviews/due",
		"/v1/organizer/reviews/plan",
		"/v1/organizer/reviews/health",
	} {
		w = doJSON(t, engine, http.MethodGet, path, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, w.Code)
		}
	}
}

func TestHandleReviews_Errors(t *testing.T) {
	_, engine := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/organizer/reviews/concepts/missing", ReviewRequest{Quality: "GOOD"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing concept status = %d", w.Code)
	}

	w = doJSON(t, engine, http.MethodPost, "/v1/organizer/reviews/concepts/missing", ReviewRequest{Quality: "AMAZING"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad quality status = %d", w.Code)
	}
}

// =============================================================================
// Health
// =============================================================================

func TestHandleHealthAndReady(t *testing.T) {
	_, engine := newTestServer(t)

	w := doJSON(t, engine, http.MethodGet, "/v1/organizer/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	w = doJSON(t, engine, http.MethodGet, "/v1/organizer/ready", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ready status = %d body = %s", w.Code, w.Body.String())
	}
}
