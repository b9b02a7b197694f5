// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package distill reduces normalized snippets to a short title and summary
// via an LLM, with a deterministic fallback, a write-through result cache,
// and hard daily spend limits.
//
// A distillation is a pure function of the content hash: the same content
// always yields the same title/summary (served from cache after the first
// call), which is what makes routing decisions reproducible.
package distill

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// Types
// =============================================================================

// Classification tags whether the snippet is study material at all.
type Classification string

const (
	// ClassStudy marks educational content worth organizing.
	ClassStudy Classification = "STUDY"

	// ClassNotStudy marks ads, navigation, chatter. Callers must discard
	// these inputs; they are never embedded or stored.
	ClassNotStudy Classification = "NOT_STUDY"
)

// TitleMaxLen and summary bounds are the distillation contract; every
// implementation clamps its output to these.
const (
	TitleMaxLen   = 100
	SummaryMinLen = 50
	SummaryMaxLen = 500
)

// DistilledConcept is the distillation result for one content hash.
type DistilledConcept struct {
	// ConceptID is filled in by the router with the owning candidate id;
	// cache entries carry it empty because the same content can arrive
	// under different candidate ids.
	ConceptID string `json:"conceptId,omitempty"`

	Title          string         `json:"title"`
	Summary        string         `json:"summary"`
	ContentHash    string         `json:"contentHash"`
	Classification Classification `json:"classification"`

	// Domain is the academic domain guessed by the LLM ("mathematics",
	// "physics", ...). Empty for the fallback distiller.
	Domain string `json:"domain,omitempty"`

	DistilledAt time.Time `json:"distilledAt"`
	Cached      bool      `json:"cached"`
}

// IsStudy reports whether the concept should continue through the pipeline.
func (d *DistilledConcept) IsStudy() bool {
	return d.Classification != ClassNotStudy
}

// Distiller condenses raw snippet text into a titled, classified concept.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Distiller interface {
	// Distill produces the title/summary for normalizedText.
	//
	// Returns a concept with Classification == ClassNotStudy when the text
	// is not educational; the concept then carries no useful title/summary.
	// Fails with ErrTimeout, ErrQuota, ErrMalformed or ErrUpstream
	// (possibly wrapped); ErrQuota is raised before any remote call when
	// the daily budget is exhausted.
	Distill(ctx context.Context, normalizedText, contentHash string) (*DistilledConcept, error)
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrTimeout: the per-call deadline elapsed. Retried with backoff.
	ErrTimeout = errors.New("distill timeout")

	// ErrQuota: daily token or request budget exhausted. Never retried.
	ErrQuota = errors.New("distill quota exhausted")

	// ErrMalformed: the model answered but not in the expected shape.
	// Callers fall back to the deterministic distiller.
	ErrMalformed = errors.New("distill malformed response")

	// ErrUpstream: provider unreachable or 5xx. Retried with backoff.
	ErrUpstream = errors.New("distill upstream failure")
)

// EstimateTokens approximates the token cost of text for budget checks.
// Four bytes per token is the usual rule of thumb for English prose.
func EstimateTokens(text string) int {
	n := len(text)/4 + 1
	return n
}
