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

import "testing"

func TestNormalize_Pipeline(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercase trim collapse",
			in:   "  The Quick   Brown\nFox\t jumps  ",
			want: "the quick brown fox jumps",
		},
		{
			name: "hyphenated line break joined",
			in:   "Electro-\nmagnetic waves propagate",
			want: "electromagnetic waves propagate",
		},
		{
			name: "multiple hyphen breaks in one text",
			in:   "quan-\ntum enta-\nnglement",
			want: "quantum entanglement",
		},
		{
			name: "chained hyphen breaks need the fixpoint",
			in:   "a-\nb-\nc",
			want: "abc",
		},
		{
			name: "smart quotes and dashes to ascii",
			in:   "\u201cSchr\u00f6dinger\u2019s cat\u201d \u2014 a paradox",
			want: "\"schr\u00f6dinger's cat\" - a paradox",
		},
		{
			name: "punctuation spacing collapsed",
			in:   "the limit , as n grows , diverges .",
			want: "the limit, as n grows, diverges.",
		},
		{
			name: "navigation header stripped",
			in:   "Skip to main content Newton's laws describe forces",
			want: "newton's laws describe forces",
		},
		{
			name: "breadcrumb trail stripped from the front",
			in:   "Home » Physics » Waves interference happens when waves overlap",
			want: "waves interference happens when waves overlap",
		},
		{
			name: "comparison operators survive breadcrumb stripping",
			in:   "if x > 4 then the series home row diverges",
			want: "if x > 4 then the series home row diverges",
		},
		{
			name: "copyright year stripped",
			in:   "entropy never decreases copyright © 2024 in closed systems",
			want: "entropy never decreases in closed systems",
		},
		{
			name: "whitespace only becomes empty",
			in:   " \n\t  ",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	// Includes inputs engineered to leave residue after one naive pass:
	// phrase removal that re-exposes a hyphen break, and repeated nav
	// phrases that only surface after an earlier strip collapses them.
	inputs := []string{
		"  The Quick   Brown Fox  ",
		"Electro-\nmagnetic spec-\ntrum",
		"a-\nb-\nc d-\ne",
		"elec- click here tron microscopy",
		"click click here to subscribe here",
		"Home » Math » Algebra groups are sets with an operation",
		"\u201cquoted\u201d \u2013 text \u2026 with , spacing .",
	}

	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q:\n once: %q\ntwice: %q", in, once, twice)
		}
	}
}
