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
	"strings"
	"unicode/utf8"
)

// =============================================================================
// Quality Scoring
// =============================================================================

// QualityWeights controls the admission quality score.
//
// Uniqueness and Length must be non-negative and sum to 1 so the score stays
// in [0, 1]. Texts with fewer than MinWordCount words never reach the formula
// and receive ShortTextScore instead.
type QualityWeights struct {
	Uniqueness        float64
	Length            float64
	AvgWordLengthNorm float64
	ShortTextScore    float64
	MinWordCount      int
}

// Score computes the quality score of normalized text and its word count.
//
// Description:
//
//	score = Uniqueness·(uniqueWords/words) + Length·min(avgWordLen/norm, 1)
//
//	Repetitive boilerplate scores low on the uniqueness term; fragments of
//	very short tokens ("a b c d e") score low on the length term. Word
//	length is measured in runes so multi-byte text is not over-counted.
//
// Inputs:
//
//	normalized - Output of Normalize. Tokenized on whitespace.
//
// Outputs:
//
//	The score in [0, 1] and the whitespace-delimited word count.
func (w QualityWeights) Score(normalized string) (float64, int) {
	fields := strings.Fields(normalized)
	n := len(fields)
	if n == 0 {
		return 0, 0
	}
	if n < w.MinWordCount {
		return w.ShortTextScore, n
	}

	unique := make(map[string]struct{}, n)
	totalRunes := 0
	for _, f := range fields {
		unique[f] = struct{}{}
		totalRunes += utf8.RuneCountInString(f)
	}

	uniqueness := float64(len(unique)) / float64(n)
	avgWordLen := float64(totalRunes) / float64(n)
	lengthScore := avgWordLen / w.AvgWordLengthNorm
	if lengthScore > 1 {
		lengthScore = 1
	}

	return w.Uniqueness*uniqueness + w.Length*lengthScore, n
}
