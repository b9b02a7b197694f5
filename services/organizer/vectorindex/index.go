// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorindex defines the vector store contract: three logical
// collections of one fixed dimension (title points, context points, and
// folder centroid/exemplar points), similarity search with deterministic
// ordering, and folder membership queries.
//
// Two backends implement the contract: a mutex-guarded in-memory index for
// tests and single-node development, and a weaviate client for production.
// Both order search results identically (similarity descending, ties
// broken by the primary folder's member count then by concept id) so a
// routing decision does not depend on which backend served it.
package vectorindex

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrDimension: a vector's length does not match the index dimension.
	// The write is rejected without mutating the store.
	ErrDimension = errors.New("vector dimension mismatch")

	// ErrConnection: the backend is unreachable. Read paths retry; the
	// router journals failed writes for replay.
	ErrConnection = errors.New("vector store connection failure")

	// ErrNotFound: the requested folder or concept has no vector data.
	ErrNotFound = errors.New("vector data not found")

	// ErrBackend: the backend answered but with an unusable response.
	ErrBackend = errors.New("vector store backend error")
)

// =============================================================================
// Types
// =============================================================================

// Placement records where a concept lives: one primary folder (empty =
// unsorted pool) and any number of reference folders, with per-folder
// confidence.
type Placement struct {
	PrimaryFolder    string             `json:"primaryFolder"`
	ReferenceFolders []string           `json:"referenceFolders"`
	Confidences      map[string]float64 `json:"placementConfidences"`
}

// Payload is the metadata stored alongside every title and context point.
// Field names match the wire schema; folder_id duplicates primary_folder
// for readers of the legacy layout.
type Payload struct {
	ConceptID        string             `json:"concept_id"`
	OriginalID       string             `json:"original_id"`
	PrimaryFolder    string             `json:"primary_folder"`
	ReferenceFolders []string           `json:"reference_folders"`
	Confidences      map[string]float64 `json:"placement_confidences"`
	LegacyFolderID   string             `json:"folder_id"`
	ContentHash      string             `json:"content_hash"`
	Model            string             `json:"model"`
	EmbeddedAt       time.Time          `json:"embedded_at"`
}

// Query is a similarity search request against one collection.
type Query struct {
	Vector    []float32
	Threshold float64
	Limit     int
}

// Hit is one similarity search result.
type Hit struct {
	ConceptID     string  `json:"conceptId"`
	Similarity    float64 `json:"similarity"`
	ContentHash   string  `json:"contentHash"`
	PrimaryFolder string  `json:"primaryFolder"`

	// MemberCount is the primary-folder population of the hit, used for
	// deterministic tie-breaking.
	MemberCount int `json:"memberCount"`
}

// FolderMember is one concept attached to a folder.
type FolderMember struct {
	ConceptID string `json:"conceptId"`
	IsPrimary bool   `json:"isPrimary"`
}

// FolderVectorData is the stored centroid state of one folder.
type FolderVectorData struct {
	Centroid    []float32   `json:"centroid"`
	Exemplars   [][]float32 `json:"exemplars"`
	MemberCount int         `json:"memberCount"`
	LastUpdated time.Time   `json:"lastUpdated"`
}

// =============================================================================
// Contract
// =============================================================================

// Index is the vector store the router and the centroid manager share.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Writes are atomic per
// collection; Upsert succeeds only after both the title and context points
// are written. SetFolderExemplars is delete-then-insert: readers may
// briefly observe an empty exemplar set and must tolerate it.
type Index interface {
	// Initialize creates the collections (cosine distance, the configured
	// dimension) if missing. Idempotent.
	Initialize(ctx context.Context) error

	// IsReady reports whether the backend is reachable and initialized.
	IsReady(ctx context.Context) bool

	// Upsert writes the concept's title and context points with payload.
	Upsert(ctx context.Context, conceptID string, titleVec, contextVec []float32, placement Placement, contentHash, model string) error

	// SearchByTitle returns hits with similarity in [threshold, 1] from the
	// title collection, ordered per OrderHits.
	SearchByTitle(ctx context.Context, q Query) ([]Hit, error)

	// SearchByContext is SearchByTitle over the context collection.
	SearchByContext(ctx context.Context, q Query) ([]Hit, error)

	// SearchByFolder lists the folder's primary members, plus reference
	// members when includeReferences is set. Ordered by concept id.
	SearchByFolder(ctx context.Context, folderID string, includeReferences bool) ([]FolderMember, error)

	// AllFolderIDs returns the union of every primary folder, every
	// reference folder, and any legacy folder_id value.
	AllFolderIDs(ctx context.Context) (map[string]struct{}, error)

	// FindByContentHash returns a concept with the given content hash, or
	// (nil, nil) when none exists. With several (concurrent-route
	// leftovers), the lexicographically smallest concept id wins so the
	// answer is stable across calls.
	FindByContentHash(ctx context.Context, contentHash string) (*Hit, error)

	// SetFolderCentroid writes the folder's centroid vector.
	SetFolderCentroid(ctx context.Context, folderID string, vector []float32) error

	// SetFolderExemplars replaces the folder's exemplar vectors.
	SetFolderExemplars(ctx context.Context, folderID string, vectors [][]float32) error

	// FolderVectorData returns the folder's centroid state, or ErrNotFound.
	FolderVectorData(ctx context.Context, folderID string) (*FolderVectorData, error)

	// FolderMemberVectors returns the context vectors of the folder's
	// primary members, keyed by concept id. Authoritative source for full
	// centroid recomputes.
	FolderMemberVectors(ctx context.Context, folderID string) (map[string][]float32, error)

	// Delete removes the concept's points from all collections.
	Delete(ctx context.Context, conceptID string) error
}

// =============================================================================
// Deterministic Ordering
// =============================================================================

// similarityTieEpsilon treats near-equal float similarities as ties so the
// deterministic tie-break, not accumulated rounding, decides the order.
const similarityTieEpsilon = 1e-9

// OrderHits sorts hits in the contract order: similarity descending, ties
// by higher primary-folder member count, then by smaller concept id. Both
// backends route results through this helper.
func OrderHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if math.Abs(hits[i].Similarity-hits[j].Similarity) > similarityTieEpsilon {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].MemberCount != hits[j].MemberCount {
			return hits[i].MemberCount > hits[j].MemberCount
		}
		return hits[i].ConceptID < hits[j].ConceptID
	})
}

// CheckDimension validates a vector length against the index dimension.
func CheckDimension(v []float32, dims int) error {
	if len(v) != dims {
		return ErrDimension
	}
	return nil
}
