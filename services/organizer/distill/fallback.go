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
	"time"
)

// FallbackDistiller derives a title and summary mechanically, without a
// model: the first sentence becomes the title, the first SummaryMaxLen
// characters become the summary.
//
// It serves two roles: the recovery path when the LLM answer is malformed,
// and a standalone distiller for deployments without any LLM configured.
// It never calls out, never fails, and classifies everything as study
// content (it has no classifier; admission filtering already happened in
// the candidate builder).
//
// # Thread Safety
//
// Stateless; safe for concurrent use.
type FallbackDistiller struct{}

// NewFallbackDistiller returns the deterministic distiller.
func NewFallbackDistiller() *FallbackDistiller {
	return &FallbackDistiller{}
}

// Distill implements Distiller. The error is always nil.
func (f *FallbackDistiller) Distill(_ context.Context, normalizedText, contentHash string) (*DistilledConcept, error) {
	return &DistilledConcept{
		Title:          firstSentence(normalizedText, TitleMaxLen),
		Summary:        clampRunes(normalizedText, SummaryMaxLen),
		ContentHash:    contentHash,
		Classification: ClassStudy,
		DistilledAt:    time.Now().UTC(),
	}, nil
}

// firstSentence returns text up to the first sentence terminator, clamped
// to maxLen runes.
func firstSentence(text string, maxLen int) string {
	end := len(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			end = i
			break
		}
	}
	return clampRunes(strings.TrimSpace(text[:end]), maxLen)
}

// clampRunes truncates s to at most n runes, never splitting a rune.
func clampRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
