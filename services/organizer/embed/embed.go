// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embed produces the two unit-norm vectors that represent a
// concept: the title vector (title alone) and the context vector (title
// plus summary). Both are fixed dimension; cosine similarity everywhere in
// the system is a dot product over these.
package embed

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/recall/services/organizer/distill"
)

// VectorEmbeddings is the embedding result for one content hash.
type VectorEmbeddings struct {
	TitleVector   []float32 `json:"titleVector"`
	ContextVector []float32 `json:"contextVector"`
	Dimensions    int       `json:"dimensions"`
	ContentHash   string    `json:"contentHash"`
	Model         string    `json:"model"`
	EmbeddedAt    time.Time `json:"embeddedAt"`
}

// Embedder turns a distilled concept into its title and context vectors.
//
// The context vector embeds title + "\n\n" + summary. Served from cache,
// identical inputs return bitwise-identical vectors; remote providers may
// drift below the unit-norm epsilon between calls.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, concept *distill.DistilledConcept) (*VectorEmbeddings, error)
}

var (
	// ErrDimension: the provider returned a vector of the wrong length.
	// Fatal for the concept; never retried.
	ErrDimension = errors.New("embedding dimension mismatch")

	// ErrQuota: daily budget exhausted before the call. Never retried.
	ErrQuota = errors.New("embed quota exhausted")

	// ErrUpstream: provider unreachable or misbehaving. Retried with
	// backoff.
	ErrUpstream = errors.New("embed upstream failure")
)

// ContextText builds the canonical input for the context vector.
func ContextText(concept *distill.DistilledConcept) string {
	return concept.Title + "\n\n" + concept.Summary
}
