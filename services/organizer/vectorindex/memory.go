// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorindex

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/recall/services/organizer/vecmath"
)

// =============================================================================
// In-Memory Index
// =============================================================================

// memPoint holds both vectors and the payload for one concept.
type memPoint struct {
	title   []float32
	context []float32
	payload Payload
}

// memFolder holds the centroid state for one folder.
type memFolder struct {
	centroid    []float32
	exemplars   [][]float32
	lastUpdated time.Time
}

// MemoryIndex implements Index with exact brute-force search over
// mutex-guarded maps. Used by tests and by the backend "memory" setting for
// single-node development; contents do not survive a restart.
//
// # Thread Safety
//
// Safe for concurrent use. All operations take the single mutex.
type MemoryIndex struct {
	mu sync.RWMutex

	dims  int
	ready bool

	points  map[string]*memPoint            // conceptID -> point
	byHash  map[string]map[string]struct{}  // contentHash -> conceptIDs
	folders map[string]*memFolder           // folderID -> centroid state
	primary map[string]map[string]struct{}  // folderID -> primary member conceptIDs
	refs    map[string]map[string]struct{}  // folderID -> reference member conceptIDs
	now     func() time.Time
}

// NewMemoryIndex constructs an empty index of the given dimension.
func NewMemoryIndex(dims int) *MemoryIndex {
	if dims <= 0 {
		panic("NewMemoryIndex: dims must be positive")
	}
	return &MemoryIndex{
		dims:    dims,
		points:  make(map[string]*memPoint),
		byHash:  make(map[string]map[string]struct{}),
		folders: make(map[string]*memFolder),
		primary: make(map[string]map[string]struct{}),
		refs:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// Initialize implements Index.
func (m *MemoryIndex) Initialize(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = true
	return nil
}

// IsReady implements Index.
func (m *MemoryIndex) IsReady(_ context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Upsert implements Index. Dimension failures reject the write before any
// map is touched.
func (m *MemoryIndex) Upsert(_ context.Context, conceptID string, titleVec, contextVec []float32, placement Placement, contentHash, model string) error {
	if err := CheckDimension(titleVec, m.dims); err != nil {
		return err
	}
	if err := CheckDimension(contextVec, m.dims); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.points[conceptID]; ok {
		m.detachLocked(conceptID, old.payload)
	}

	p := &memPoint{
		title:   append([]float32(nil), titleVec...),
		context: append([]float32(nil), contextVec...),
		payload: Payload{
			ConceptID:        conceptID,
			OriginalID:       conceptID,
			PrimaryFolder:    placement.PrimaryFolder,
			ReferenceFolders: append([]string(nil), placement.ReferenceFolders...),
			Confidences:      copyConfidences(placement.Confidences),
			LegacyFolderID:   placement.PrimaryFolder,
			ContentHash:      contentHash,
			Model:            model,
			EmbeddedAt:       m.now().UTC(),
		},
	}
	m.points[conceptID] = p
	m.attachLocked(conceptID, p.payload)
	return nil
}

// SearchByTitle implements Index.
func (m *MemoryIndex) SearchByTitle(_ context.Context, q Query) ([]Hit, error) {
	return m.search(q, func(p *memPoint) []float32 { return p.title })
}

// SearchByContext implements Index.
func (m *MemoryIndex) SearchByContext(_ context.Context, q Query) ([]Hit, error) {
	return m.search(q, func(p *memPoint) []float32 { return p.context })
}

func (m *MemoryIndex) search(q Query, vec func(*memPoint) []float32) ([]Hit, error) {
	if err := CheckDimension(q.Vector, m.dims); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for id, p := range m.points {
		sim := vecmath.Dot(q.Vector, vec(p))
		if sim < q.Threshold {
			continue
		}
		hits = append(hits, Hit{
			ConceptID:     id,
			Similarity:    sim,
			ContentHash:   p.payload.ContentHash,
			PrimaryFolder: p.payload.PrimaryFolder,
			MemberCount:   len(m.primary[p.payload.PrimaryFolder]),
		})
	}

	OrderHits(hits)
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// SearchByFolder implements Index.
func (m *MemoryIndex) SearchByFolder(_ context.Context, folderID string, includeReferences bool) ([]FolderMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var members []FolderMember
	for id := range m.primary[folderID] {
		members = append(members, FolderMember{ConceptID: id, IsPrimary: true})
	}
	if includeReferences {
		for id := range m.refs[folderID] {
			members = append(members, FolderMember{ConceptID: id, IsPrimary: false})
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ConceptID < members[j].ConceptID })
	return members, nil
}

// AllFolderIDs implements Index.
func (m *MemoryIndex) AllFolderIDs(_ context.Context) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make(map[string]struct{})
	for _, p := range m.points {
		if p.payload.PrimaryFolder != "" {
			ids[p.payload.PrimaryFolder] = struct{}{}
		}
		if p.payload.LegacyFolderID != "" {
			ids[p.payload.LegacyFolderID] = struct{}{}
		}
		for _, f := range p.payload.ReferenceFolders {
			ids[f] = struct{}{}
		}
	}
	for f := range m.folders {
		ids[f] = struct{}{}
	}
	return ids, nil
}

// FindByContentHash implements Index.
func (m *MemoryIndex) FindByContentHash(_ context.Context, contentHash string) (*Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.byHash[contentHash]
	if !ok || len(set) == 0 {
		return nil, nil
	}

	// Smallest concept id wins so repeated lookups agree.
	best := ""
	for id := range set {
		if best == "" || id < best {
			best = id
		}
	}
	p := m.points[best]
	return &Hit{
		ConceptID:     best,
		Similarity:    1,
		ContentHash:   contentHash,
		PrimaryFolder: p.payload.PrimaryFolder,
		MemberCount:   len(m.primary[p.payload.PrimaryFolder]),
	}, nil
}

// SetFolderCentroid implements Index.
func (m *MemoryIndex) SetFolderCentroid(_ context.Context, folderID string, vector []float32) error {
	if err := CheckDimension(vector, m.dims); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.folderLocked(folderID)
	f.centroid = append([]float32(nil), vector...)
	f.lastUpdated = m.now().UTC()
	return nil
}

// SetFolderExemplars implements Index.
func (m *MemoryIndex) SetFolderExemplars(_ context.Context, folderID string, vectors [][]float32) error {
	for _, v := range vectors {
		if err := CheckDimension(v, m.dims); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.folderLocked(folderID)
	f.exemplars = make([][]float32, 0, len(vectors))
	for _, v := range vectors {
		f.exemplars = append(f.exemplars, append([]float32(nil), v...))
	}
	f.lastUpdated = m.now().UTC()
	return nil
}

// FolderVectorData implements Index.
func (m *MemoryIndex) FolderVectorData(_ context.Context, folderID string) (*FolderVectorData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.folders[folderID]
	if !ok {
		return nil, ErrNotFound
	}

	out := &FolderVectorData{
		Centroid:    append([]float32(nil), f.centroid...),
		MemberCount: len(m.primary[folderID]),
		LastUpdated: f.lastUpdated,
	}
	for _, e := range f.exemplars {
		out.Exemplars = append(out.Exemplars, append([]float32(nil), e...))
	}
	return out, nil
}

// FolderMemberVectors implements Index.
func (m *MemoryIndex) FolderMemberVectors(_ context.Context, folderID string) (map[string][]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]float32, len(m.primary[folderID]))
	for id := range m.primary[folderID] {
		out[id] = append([]float32(nil), m.points[id].context...)
	}
	return out, nil
}

// Delete implements Index.
func (m *MemoryIndex) Delete(_ context.Context, conceptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.points[conceptID]
	if !ok {
		return nil
	}
	m.detachLocked(conceptID, p.payload)
	delete(m.points, conceptID)
	return nil
}

// =============================================================================
// Internal Bookkeeping
// =============================================================================

func (m *MemoryIndex) folderLocked(folderID string) *memFolder {
	f, ok := m.folders[folderID]
	if !ok {
		f = &memFolder{}
		m.folders[folderID] = f
	}
	return f
}

func (m *MemoryIndex) attachLocked(conceptID string, p Payload) {
	if set, ok := m.byHash[p.ContentHash]; ok {
		set[conceptID] = struct{}{}
	} else {
		m.byHash[p.ContentHash] = map[string]struct{}{conceptID: {}}
	}
	if p.PrimaryFolder != "" {
		addMember(m.primary, p.PrimaryFolder, conceptID)
	}
	for _, f := range p.ReferenceFolders {
		addMember(m.refs, f, conceptID)
	}
}

func (m *MemoryIndex) detachLocked(conceptID string, p Payload) {
	if set, ok := m.byHash[p.ContentHash]; ok {
		delete(set, conceptID)
		if len(set) == 0 {
			delete(m.byHash, p.ContentHash)
		}
	}
	dropMember(m.primary, p.PrimaryFolder, conceptID)
	for _, f := range p.ReferenceFolders {
		dropMember(m.refs, f, conceptID)
	}
}

func addMember(sets map[string]map[string]struct{}, folderID, conceptID string) {
	set, ok := sets[folderID]
	if !ok {
		set = make(map[string]struct{})
		sets[folderID] = set
	}
	set[conceptID] = struct{}{}
}

func dropMember(sets map[string]map[string]struct{}, folderID, conceptID string) {
	if set, ok := sets[folderID]; ok {
		delete(set, conceptID)
		if len(set) == 0 {
			delete(sets, folderID)
		}
	}
}

func copyConfidences(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
