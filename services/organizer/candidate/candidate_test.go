// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package candidate

import (
	"errors"
	"testing"
	"time"
)

// normalizedKrebs is pre-normalized: lowercase, single spaces. Its digests
// below were computed independently with sha256sum.
const normalizedKrebs = "the krebs cycle oxidizes acetyl-coa into carbon dioxide"

func testBatch(id string, texts ...string) *Batch {
	entries := make([]BatchEntry, len(texts))
	for i, txt := range texts {
		entries[i] = BatchEntry{Text: txt, Timestamp: time.Now().UTC()}
	}
	return &Batch{BatchID: id, Topic: "biology", Entries: entries, CreatedAt: time.Now().UTC()}
}

func TestComputeID_KnownAnswers(t *testing.T) {
	tests := []struct {
		name    string
		batchID string
		index   int
		want    string
	}{
		{
			name:    "baseline",
			batchID: "batch-2026-02-14",
			index:   0,
			want:    "c860a03cf354f71c",
		},
		{
			name:    "index changes the id",
			batchID: "batch-2026-02-14",
			index:   1,
			want:    "d12a815825d3128a",
		},
		{
			name:    "batch changes the id",
			batchID: "batch-2026-02-15",
			index:   0,
			want:    "2cb0dd6e048e127a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeID(tt.batchID, tt.index, normalizedKrebs)
			if got != tt.want {
				t.Errorf("ComputeID(%q, %d, ...) = %q, want %q", tt.batchID, tt.index, got, tt.want)
			}
			if len(got) != 16 {
				t.Errorf("id length = %d, want 16 hex chars (64 bits)", len(got))
			}
			if again := ComputeID(tt.batchID, tt.index, normalizedKrebs); again != got {
				t.Errorf("ComputeID not stable: %q then %q", got, again)
			}
		})
	}
}

func TestHashContent_KnownAnswer(t *testing.T) {
	const want = "75c633a253c31507f0d72cff0ff29dbba5cb5cff79b89a9c2bd1cf4a3545e9bd"
	got := HashContent(normalizedKrebs)
	if got != want {
		t.Errorf("HashContent = %q, want %q", got, want)
	}
	if len(got) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(got))
	}
}

// The candidate id binds batch and index; the content hash binds only the
// normalized text. The same capture in two batches is two candidates of one
// content.
func TestBuilder_IdentityAcrossBatches(t *testing.T) {
	b := NewBuilder(DefaultRules(), nil)
	raw := "The Krebs  Cycle oxidizes Acetyl-CoA into carbon dioxide"

	first, err := b.New(testBatch("batch-2026-02-14", raw), 0, raw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	second, err := b.New(testBatch("batch-2026-02-15", raw), 0, raw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if first.NormalizedText != normalizedKrebs {
		t.Fatalf("normalized = %q, want %q", first.NormalizedText, normalizedKrebs)
	}
	if first.CandidateID != "c860a03cf354f71c" {
		t.Errorf("CandidateID = %q, want c860a03cf354f71c", first.CandidateID)
	}
	if first.CandidateID == second.CandidateID {
		t.Errorf("candidates from different batches share id %q", first.CandidateID)
	}
	if first.ContentHash != second.ContentHash {
		t.Errorf("content hashes differ for identical text: %q vs %q", first.ContentHash, second.ContentHash)
	}
}

func TestBuilder_AdmissionBoundaries(t *testing.T) {
	rules := DefaultRules() // MinTextLength 50, MinWordCount 5, MinQualityScore 0.3

	tests := []struct {
		name    string
		text    string
		wantLen int
		wantErr error
	}{
		{
			name:    "exactly at minimum length admitted",
			text:    "osmosis moves water across a selectively permeable",
			wantLen: 50,
		},
		{
			name:    "one char below minimum length rejected",
			text:    "osmosis moves water across a selectively permeabl",
			wantLen: 49,
			wantErr: ErrTooShort,
		},
		{
			name:    "one word below the word floor gets the short-text score",
			text:    "electromagnetism thermodynamics crystallography photosynthesis",
			wantErr: ErrLowQuality,
		},
		{
			name: "exactly at the word floor admitted",
			text: "electromagnetism thermodynamics crystallography photosynthesis optics",
		},
	}

	b := NewBuilder(rules, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantLen != 0 && len(tt.text) != tt.wantLen {
				t.Fatalf("fixture drifted: len = %d, want %d", len(tt.text), tt.wantLen)
			}
			c, err := b.New(testBatch("batch-1", tt.text), 0, tt.text)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("New err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if c.QualityScore < rules.MinQualityScore {
				t.Errorf("admitted with score %v below minimum %v", c.QualityScore, rules.MinQualityScore)
			}
		})
	}
}

// Exercises the score gate at its exact threshold. The weights and texts are
// chosen so every term is an exact binary fraction: eight 4-rune words give
// lengthScore 0.5, and 2-of-8 unique words give uniqueness 0.25, so the score
// is 0.5*0.25 + 0.5*0.5 = 0.375 with no rounding.
func TestBuilder_QualityThresholdBoundary(t *testing.T) {
	rules := Rules{
		MinTextLength:   20,
		MaxTextLength:   5000,
		MinQualityScore: 0.375,
		Quality: QualityWeights{
			Uniqueness:        0.5,
			Length:            0.5,
			AvgWordLengthNorm: 8.0,
			ShortTextScore:    0,
			MinWordCount:      5,
		},
		KeyTermCount: 5,
	}
	b := NewBuilder(rules, nil)

	atThreshold := "wave wave wave wave node node node node"
	c, err := b.New(testBatch("batch-1", atThreshold), 0, atThreshold)
	if err != nil {
		t.Fatalf("score exactly at minimum should admit: %v", err)
	}
	if c.QualityScore != 0.375 {
		t.Errorf("QualityScore = %v, want exactly 0.375", c.QualityScore)
	}

	belowThreshold := "wave wave wave wave wave wave wave wave"
	if _, err := b.New(testBatch("batch-1", belowThreshold), 0, belowThreshold); !errors.Is(err, ErrLowQuality) {
		t.Fatalf("score below minimum: err = %v, want ErrLowQuality", err)
	}
}
