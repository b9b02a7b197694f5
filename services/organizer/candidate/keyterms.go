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
	"sort"
	"strings"
	"unicode"
)

// =============================================================================
// Key Term Extraction
// =============================================================================

// stopwords are excluded from key terms. Key terms feed folder naming, so the
// set only needs to cover high-frequency English function words, not act as a
// full linguistic stoplist.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "can": {}, "do": {}, "for": {}, "from": {}, "had": {},
	"has": {}, "have": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {},
	"its": {}, "may": {}, "more": {}, "most": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "over": {}, "some": {}, "such": {}, "than": {},
	"that": {}, "the": {}, "their": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "those": {}, "to": {}, "under": {}, "was": {},
	"we": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"while": {}, "will": {}, "with": {}, "would": {}, "you": {}, "your": {},
	"also": {}, "between": {}, "each": {}, "other": {}, "same": {}, "so": {},
	"any": {}, "all": {}, "only": {}, "both": {}, "given": {}, "called": {},
}

// KeyTerms extracts the k most frequent content words from normalized text.
//
// Tokens are trimmed of surrounding punctuation; stopwords, bare numbers, and
// tokens shorter than three runes are skipped. Ties are broken by earliest
// first appearance so the result is deterministic and tends to preserve the
// order of the source sentence, which reads better in proposed folder names.
func KeyTerms(normalized string, k int) []string {
	if k <= 0 {
		return nil
	}

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	pos := 0
	for _, raw := range strings.Fields(normalized) {
		term := strings.TrimFunc(raw, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		pos++
		if len([]rune(term)) < 3 {
			continue
		}
		if _, ok := stopwords[term]; ok {
			continue
		}
		if isNumeric(term) {
			continue
		}
		counts[term]++
		if _, ok := firstSeen[term]; !ok {
			firstSeen[term] = pos
		}
	}

	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return firstSeen[terms[i]] < firstSeen[terms[j]]
	})

	if len(terms) > k {
		terms = terms[:k]
	}
	return terms
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != ',' {
			return false
		}
	}
	return len(s) > 0
}
