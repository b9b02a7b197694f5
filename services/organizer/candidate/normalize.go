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
	"regexp"
	"strings"
)

// =============================================================================
// Normalization Pipeline
// =============================================================================

var (
	// whitespaceRun matches any run of whitespace, including newlines and
	// tabs left over from scraped or OCR'd sources.
	whitespaceRun = regexp.MustCompile(`\s+`)

	// hyphenBreak matches a word split across a line break after whitespace
	// collapsing ("elec- tron"). Joined back into a single word.
	hyphenBreak = regexp.MustCompile(`(\p{L})- (\p{L})`)

	// punctSpacing matches a space wedged before closing punctuation
	// ("matrix ," → "matrix,").
	punctSpacing = regexp.MustCompile(` +([.,;:!?)\]}%])`)

	// navPatterns matches navigation, footer, and breadcrumb boilerplate
	// that survives naive HTML-to-text extraction. Matched against the
	// already-lowercased, whitespace-collapsed text.
	navPatterns = []*regexp.Regexp{
		regexp.MustCompile(`skip to (main )?content`),
		regexp.MustCompile(`click here( to [a-z]+)?`),
		regexp.MustCompile(`read more( »| >|\.\.\.)?`),
		regexp.MustCompile(`share (this )?(article|post|page)`),
		regexp.MustCompile(`subscribe to (our )?newsletter`),
		regexp.MustCompile(`(accept|manage) (all )?cookies`),
		regexp.MustCompile(`previous (post|article|page)`),
		regexp.MustCompile(`next (post|article|page)`),
		regexp.MustCompile(`table of contents`),
		regexp.MustCompile(`back to top`),
		// Leading breadcrumb trail. Every segment must end with a separator
		// so the pattern can never run past the trail into real text.
		regexp.MustCompile(`^home ?[»>] ?([a-z0-9 -]{1,30}[»>] ?)*`),
		regexp.MustCompile(`copyright (© |\(c\) )?[0-9]{4}`),
	}

	// quoteReplacer maps common smart-punctuation sequences onto ASCII.
	quoteReplacer = strings.NewReplacer(
		"“", `"`, // left double quote
		"”", `"`, // right double quote
		"„", `"`, // low double quote
		"‘", "'", // left single quote
		"’", "'", // right single quote
		"‚", "'", // low single quote
		"–", "-", // en dash
		"—", "-", // em dash
		"…", "...", // ellipsis
		" ", " ", // non-breaking space
	)
)

// Normalize canonicalizes raw captured text for hashing and distillation.
//
// The pipeline runs in a fixed order: lowercase, trim, whitespace collapse,
// hyphenated line-break joining, smart-quote replacement, punctuation-spacing
// collapse, navigation/footer stripping, then a final cleanup pass so that
// removals cannot leave double spaces or re-exposed hyphen breaks behind.
//
// Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s). The
// candidate id and content hash are both derived from this output, so any
// change to the pipeline is a breaking change for stored identities.
func Normalize(raw string) string {
	s := strings.ToLower(raw)
	s = strings.TrimSpace(s)
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = joinHyphenBreaks(s)
	s = quoteReplacer.Replace(s)
	s = punctSpacing.ReplaceAllString(s, "$1")
	s = stripNavigation(s)

	// Stripping can leave space runs or reassemble a split word around a
	// removed phrase; repeat the reducing passes so the result is stable.
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = joinHyphenBreaks(s)
	s = punctSpacing.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// joinHyphenBreaks rejoins words split by hyphenated line breaks. Runs of
// breaks ("quan- tumenta- nglement") overlap at the shared letter, so a
// single ReplaceAll cannot catch them all; iterate to a fixed point.
func joinHyphenBreaks(s string) string {
	for {
		next := hyphenBreak.ReplaceAllString(s, "$1$2")
		if next == s {
			return s
		}
		s = next
	}
}

// stripNavigation removes boilerplate phrases until none remain. Each pass
// strictly shortens the text, so the loop terminates.
func stripNavigation(s string) string {
	for {
		next := s
		for _, re := range navPatterns {
			next = re.ReplaceAllString(next, " ")
		}
		next = strings.TrimSpace(whitespaceRun.ReplaceAllString(next, " "))
		if next == s {
			return s
		}
		s = next
	}
}
