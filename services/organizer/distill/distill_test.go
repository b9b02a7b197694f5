// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package distill

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/recall/services/organizer/contentcache"
)

// =============================================================================
// Helpers
// =============================================================================

// countingDistiller wraps an inner distiller and counts calls, standing in
// for the remote provider in cache tests.
type countingDistiller struct {
	inner Distiller
	calls int
}

func (c *countingDistiller) Distill(ctx context.Context, text, hash string) (*DistilledConcept, error) {
	c.calls++
	return c.inner.Distill(ctx, text, hash)
}

func newTestLayered(t *testing.T) *contentcache.Layered {
	t.Helper()
	return contentcache.NewLayered(contentcache.New(100, time.Hour), nil, time.Hour, nil)
}

// =============================================================================
// DailyBudget Tests
// =============================================================================

func TestDailyBudget_RequestLimitFailsFast(t *testing.T) {
	b := NewDailyBudget(0, 1)

	if !b.CanSpend(100) {
		t.Fatal("first request must pass")
	}
	if b.CanSpend(100) {
		t.Fatal("second request must be denied by dailyRequestLimit=1")
	}
}

func TestDailyBudget_TokenLimit(t *testing.T) {
	b := NewDailyBudget(1000, 0)

	if !b.CanSpend(600) {
		t.Fatal("600 tokens fit a 1000 budget")
	}
	if b.CanSpend(600) {
		t.Fatal("second 600 must be denied (would exceed 1000)")
	}
	// Actual usage was lower than estimated; reconcile frees headroom.
	b.Record(600, 300)
	if !b.CanSpend(600) {
		t.Fatal("600 must fit after reconciling actual usage to 300")
	}
}

func TestDailyBudget_ResetsAtUTCMidnight(t *testing.T) {
	b := NewDailyBudget(0, 1)
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	if !b.CanSpend(10) {
		t.Fatal("first request must pass")
	}
	if b.CanSpend(10) {
		t.Fatal("limit reached for the day")
	}

	now = now.Add(2 * time.Hour) // crosses UTC midnight
	if !b.CanSpend(10) {
		t.Fatal("budget must reset on the new UTC day")
	}
}

func TestDailyBudget_ReleaseReturnsReservation(t *testing.T) {
	b := NewDailyBudget(0, 1)
	if !b.CanSpend(10) {
		t.Fatal("reservation must pass")
	}
	b.Release(10)
	if !b.CanSpend(10) {
		t.Fatal("released reservation must be spendable again")
	}
}

// =============================================================================
// FallbackDistiller Tests
// =============================================================================

func TestFallback_FirstSentenceTitle(t *testing.T) {
	f := NewFallbackDistiller()
	text := "eigenvalues describe scaling directions. the rest of the text explains why."

	c, err := f.Distill(context.Background(), text, "hash1")
	if err != nil {
		t.Fatalf("fallback must not fail: %v", err)
	}
	if c.Title != "eigenvalues describe scaling directions" {
		t.Errorf("title = %q", c.Title)
	}
	if c.Summary != text {
		t.Errorf("short text must be its own summary, got %q", c.Summary)
	}
	if !c.IsStudy() {
		t.Error("fallback must classify as study")
	}
	if c.ContentHash != "hash1" {
		t.Error("content hash must carry through")
	}
}

func TestFallback_ClampsLongText(t *testing.T) {
	f := NewFallbackDistiller()
	long := strings.Repeat("verylongword ", 100) // no sentence terminator

	c, _ := f.Distill(context.Background(), long, "h")
	if n := len([]rune(c.Title)); n > TitleMaxLen {
		t.Errorf("title length %d > %d", n, TitleMaxLen)
	}
	if n := len([]rune(c.Summary)); n > SummaryMaxLen {
		t.Errorf("summary length %d > %d", n, SummaryMaxLen)
	}
}

// =============================================================================
// Answer Parsing Tests
// =============================================================================

func TestParseAnswer_PlainAndFenced(t *testing.T) {
	plain := `{"classification":"STUDY","title":"t","summary":"s","domain":"math"}`
	fenced := "Here you go:\n```json\n" + plain + "\n```"

	for _, raw := range []string{plain, fenced} {
		a, err := parseAnswer(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if a.Title != "t" || a.Domain != "math" {
			t.Errorf("parsed %+v", a)
		}
	}
}

func TestParseAnswer_Malformed(t *testing.T) {
	cases := []string{
		"no json here",
		`{"classification":"MAYBE","title":"t","summary":"s"}`,
		`{"classification":"STUDY","title":"","summary":"s"}`,
		`{"classification":"STUDY"`,
	}
	for _, raw := range cases {
		if _, err := parseAnswer(raw); err == nil {
			t.Errorf("expected malformed error for %q", raw)
		}
	}
}

func TestParseAnswer_NotStudyAllowsEmptyFields(t *testing.T) {
	a, err := parseAnswer(`{"classification":"NOT_STUDY","title":"","summary":"","domain":""}`)
	if err != nil {
		t.Fatalf("NOT_STUDY with empty fields must parse: %v", err)
	}
	if a.Classification != string(ClassNotStudy) {
		t.Errorf("classification = %q", a.Classification)
	}
}

// =============================================================================
// CachedDistiller Tests
// =============================================================================

func TestCachedDistiller_HitSkipsInner(t *testing.T) {
	ctx := context.Background()
	counting := &countingDistiller{inner: NewFallbackDistiller()}
	cached := NewCachedDistiller(counting, newTestLayered(t), nil)

	text := "the covariance matrix is symmetric positive semidefinite."

	first, err := cached.Distill(ctx, text, "hashA")
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Error("first call must not be marked cached")
	}

	second, err := cached.Distill(ctx, text, "hashA")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Error("second call must be served from cache")
	}
	if counting.calls != 1 {
		t.Errorf("inner called %d times, want 1", counting.calls)
	}
	if second.Title != first.Title || second.Summary != first.Summary {
		t.Error("cached concept must equal the original")
	}
}

func TestCachedDistiller_DistinctHashesDistinctEntries(t *testing.T) {
	ctx := context.Background()
	counting := &countingDistiller{inner: NewFallbackDistiller()}
	cached := NewCachedDistiller(counting, newTestLayered(t), nil)

	if _, err := cached.Distill(ctx, "text one.", "h1"); err != nil {
		t.Fatal(err)
	}
	if _, err := cached.Distill(ctx, "text two.", "h2"); err != nil {
		t.Fatal(err)
	}
	if counting.calls != 2 {
		t.Errorf("inner called %d times, want 2", counting.calls)
	}
}
