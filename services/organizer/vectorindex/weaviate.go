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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Class Layout
// =============================================================================

// Class names for the three collections. All use vectorizer "none" (vectors
// arrive pre-computed and unit-normalized) and cosine distance.
const (
	classTitle    = "RecallTitle"
	classContext  = "RecallContext"
	classCentroid = "RecallCentroid"
)

// point_type values inside classCentroid.
const (
	pointTypeCentroid = "centroid"
	pointTypeExemplar = "exemplar"
)

// scanPageSize bounds listing queries (AllFolderIDs, FolderMemberVectors).
const scanPageSize = 1000

// =============================================================================
// Weaviate Index
// =============================================================================

// WeaviateOptions configures the weaviate backend.
type WeaviateOptions struct {
	Scheme     string // "http" or "https"
	Host       string // host:port
	Dimensions int
	Logger     *slog.Logger
}

// WeaviateIndex implements Index against a weaviate instance.
//
// # Description
//
//	Concepts live as one object per collection, addressed by a
//	deterministic v5 UUID derived from the concept id, so a repeated
//	Upsert overwrites in place. Similarity queries use nearVector with a
//	certainty floor; weaviate's certainty ((1+cosine)/2) is converted back
//	to cosine before ordering so thresholds mean the same thing on every
//	backend.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives server-side.
type WeaviateIndex struct {
	client *weaviate.Client
	dims   int
	logger *slog.Logger
}

// NewWeaviateIndex constructs the backend. It does not touch the network;
// call Initialize before first use.
func NewWeaviateIndex(opts WeaviateOptions) (*WeaviateIndex, error) {
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("weaviate index: dimensions must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Scheme: opts.Scheme,
		Host:   opts.Host,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateIndex{client: client, dims: opts.Dimensions, logger: logger}, nil
}

// Initialize implements Index. Creates any missing class; existing classes
// are left untouched.
func (w *WeaviateIndex) Initialize(ctx context.Context) error {
	for _, class := range []*models.Class{
		pointClass(classTitle),
		pointClass(classContext),
		centroidClass(),
	} {
		exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(class.Class).Do(ctx)
		if err != nil {
			return fmt.Errorf("%w: check class %s: %s", ErrConnection, class.Class, err)
		}
		if exists {
			continue
		}
		if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("%w: create class %s: %s", ErrConnection, class.Class, err)
		}
		w.logger.Info("created weaviate class", slog.String("class", class.Class))
	}
	return nil
}

// IsReady implements Index.
func (w *WeaviateIndex) IsReady(ctx context.Context) bool {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	return err == nil && ready
}

// Wipe deletes all three classes and every object in them. Destructive;
// only the CLI's explicit wipe command calls this.
func (w *WeaviateIndex) Wipe(ctx context.Context) error {
	for _, class := range []string{classTitle, classContext, classCentroid} {
		exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(class).Do(ctx)
		if err != nil {
			return fmt.Errorf("%w: check class %s: %s", ErrConnection, class, err)
		}
		if !exists {
			continue
		}
		if err := w.client.Schema().ClassDeleter().WithClassName(class).Do(ctx); err != nil {
			return fmt.Errorf("%w: delete class %s: %s", ErrConnection, class, err)
		}
		w.logger.Info("deleted weaviate class", slog.String("class", class))
	}
	return nil
}

// Upsert implements Index.
func (w *WeaviateIndex) Upsert(ctx context.Context, conceptID string, titleVec, contextVec []float32, placement Placement, contentHash, model string) error {
	if err := CheckDimension(titleVec, w.dims); err != nil {
		return err
	}
	if err := CheckDimension(contextVec, w.dims); err != nil {
		return err
	}

	props := map[string]interface{}{
		"concept_id":            conceptID,
		"original_id":           conceptID,
		"primary_folder":        placement.PrimaryFolder,
		"reference_folders":     placement.ReferenceFolders,
		"folder_id":             placement.PrimaryFolder,
		"content_hash":          contentHash,
		"model":                 model,
		"embedded_at":           time.Now().UTC().Format(time.RFC3339),
		"placement_confidences": confidencesJSON(placement.Confidences),
	}

	objects := []*models.Object{
		{
			Class:      classTitle,
			ID:         pointID(classTitle, conceptID),
			Properties: props,
			Vector:     titleVec,
		},
		{
			Class:      classContext,
			ID:         pointID(classContext, conceptID),
			Properties: props,
			Vector:     contextVec,
		},
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %s", ErrConnection, conceptID, err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("%w: upsert %s: %s", ErrBackend, conceptID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// SearchByTitle implements Index.
func (w *WeaviateIndex) SearchByTitle(ctx context.Context, q Query) ([]Hit, error) {
	return w.search(ctx, classTitle, q)
}

// SearchByContext implements Index.
func (w *WeaviateIndex) SearchByContext(ctx context.Context, q Query) ([]Hit, error) {
	return w.search(ctx, classContext, q)
}

func (w *WeaviateIndex) search(ctx context.Context, class string, q Query) ([]Hit, error) {
	if err := CheckDimension(q.Vector, w.dims); err != nil {
		return nil, err
	}

	near := w.client.GraphQL().NearVectorArgBuilder().
		WithVector(q.Vector).
		WithCertainty(cosineToCertainty(q.Threshold))

	limit := q.Limit
	if limit <= 0 {
		limit = scanPageSize
	}

	res, err := w.client.GraphQL().Get().
		WithClassName(class).
		WithNearVector(near).
		WithLimit(limit).
		WithFields(
			graphql.Field{Name: "concept_id"},
			graphql.Field{Name: "content_hash"},
			graphql.Field{Name: "primary_folder"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %s", ErrConnection, class, err)
	}

	rows, err := getRows(res, class)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(rows))
	counts := map[string]int{}
	for _, row := range rows {
		certainty, _ := additionalFloat(row, "certainty")
		hit := Hit{
			ConceptID:     stringProp(row, "concept_id"),
			Similarity:    certaintyToCosine(certainty),
			ContentHash:   stringProp(row, "content_hash"),
			PrimaryFolder: stringProp(row, "primary_folder"),
		}
		if hit.PrimaryFolder != "" {
			if _, ok := counts[hit.PrimaryFolder]; !ok {
				n, err := w.countPrimaryMembers(ctx, hit.PrimaryFolder)
				if err != nil {
					return nil, err
				}
				counts[hit.PrimaryFolder] = n
			}
			hit.MemberCount = counts[hit.PrimaryFolder]
		}
		hits = append(hits, hit)
	}

	OrderHits(hits)
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// SearchByFolder implements Index.
func (w *WeaviateIndex) SearchByFolder(ctx context.Context, folderID string, includeReferences bool) ([]FolderMember, error) {
	primaries, err := w.listConceptIDs(ctx, whereEqual("primary_folder", folderID))
	if err != nil {
		return nil, err
	}

	members := make([]FolderMember, 0, len(primaries))
	seen := map[string]struct{}{}
	for _, id := range primaries {
		members = append(members, FolderMember{ConceptID: id, IsPrimary: true})
		seen[id] = struct{}{}
	}

	if includeReferences {
		refs, err := w.listConceptIDs(ctx, filters.Where().
			WithPath([]string{"reference_folders"}).
			WithOperator(filters.ContainsAny).
			WithValueString(folderID))
		if err != nil {
			return nil, err
		}
		for _, id := range refs {
			if _, ok := seen[id]; ok {
				continue
			}
			members = append(members, FolderMember{ConceptID: id, IsPrimary: false})
		}
	}

	sort.Slice(members, func(i, j int) bool { return members[i].ConceptID < members[j].ConceptID })
	return members, nil
}

// AllFolderIDs implements Index.
func (w *WeaviateIndex) AllFolderIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})

	for offset := 0; ; offset += scanPageSize {
		res, err := w.client.GraphQL().Get().
			WithClassName(classContext).
			WithLimit(scanPageSize).
			WithOffset(offset).
			WithFields(
				graphql.Field{Name: "primary_folder"},
				graphql.Field{Name: "folder_id"},
				graphql.Field{Name: "reference_folders"},
			).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list folders: %s", ErrConnection, err)
		}
		rows, err := getRows(res, classContext)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if f := stringProp(row, "primary_folder"); f != "" {
				ids[f] = struct{}{}
			}
			if f := stringProp(row, "folder_id"); f != "" {
				ids[f] = struct{}{}
			}
			for _, f := range stringListProp(row, "reference_folders") {
				ids[f] = struct{}{}
			}
		}
		if len(rows) < scanPageSize {
			break
		}
	}

	// Folders can exist with a centroid but no members yet.
	for offset := 0; ; offset += scanPageSize {
		res, err := w.client.GraphQL().Get().
			WithClassName(classCentroid).
			WithLimit(scanPageSize).
			WithOffset(offset).
			WithFields(graphql.Field{Name: "folder_id"}).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list centroid folders: %s", ErrConnection, err)
		}
		rows, err := getRows(res, classCentroid)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if f := stringProp(row, "folder_id"); f != "" {
				ids[f] = struct{}{}
			}
		}
		if len(rows) < scanPageSize {
			break
		}
	}
	return ids, nil
}

// FindByContentHash implements Index.
func (w *WeaviateIndex) FindByContentHash(ctx context.Context, contentHash string) (*Hit, error) {
	res, err := w.client.GraphQL().Get().
		WithClassName(classContext).
		WithWhere(whereEqual("content_hash", contentHash)).
		WithLimit(scanPageSize).
		WithFields(
			graphql.Field{Name: "concept_id"},
			graphql.Field{Name: "primary_folder"},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: find by hash: %s", ErrConnection, err)
	}
	rows, err := getRows(res, classContext)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	// Smallest concept id wins so repeated lookups agree.
	best := rows[0]
	for _, row := range rows[1:] {
		if stringProp(row, "concept_id") < stringProp(best, "concept_id") {
			best = row
		}
	}
	hit := &Hit{
		ConceptID:     stringProp(best, "concept_id"),
		Similarity:    1,
		ContentHash:   contentHash,
		PrimaryFolder: stringProp(best, "primary_folder"),
	}
	if hit.PrimaryFolder != "" {
		n, err := w.countPrimaryMembers(ctx, hit.PrimaryFolder)
		if err != nil {
			return nil, err
		}
		hit.MemberCount = n
	}
	return hit, nil
}

// SetFolderCentroid implements Index.
func (w *WeaviateIndex) SetFolderCentroid(ctx context.Context, folderID string, vector []float32) error {
	if err := CheckDimension(vector, w.dims); err != nil {
		return err
	}
	obj := &models.Object{
		Class: classCentroid,
		ID:    pointID(classCentroid, folderID+"/centroid"),
		Properties: map[string]interface{}{
			"folder_id":    folderID,
			"point_type":   pointTypeCentroid,
			"last_updated": time.Now().UTC().Format(time.RFC3339),
		},
		Vector: vector,
	}
	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: set centroid %s: %s", ErrConnection, folderID, err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("%w: set centroid %s: %s", ErrBackend, folderID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// SetFolderExemplars implements Index. Delete-then-insert; readers may see
// an empty exemplar set for the duration of the swap.
func (w *WeaviateIndex) SetFolderExemplars(ctx context.Context, folderID string, vectors [][]float32) error {
	for _, v := range vectors {
		if err := CheckDimension(v, w.dims); err != nil {
			return err
		}
	}

	where := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		whereEqual("folder_id", folderID),
		whereEqual("point_type", pointTypeExemplar),
	})
	if _, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(classCentroid).
		WithWhere(where).
		Do(ctx); err != nil {
		return fmt.Errorf("%w: clear exemplars %s: %s", ErrConnection, folderID, err)
	}

	if len(vectors) == 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	objects := make([]*models.Object, 0, len(vectors))
	for i, v := range vectors {
		objects = append(objects, &models.Object{
			Class: classCentroid,
			ID:    pointID(classCentroid, fmt.Sprintf("%s/exemplar/%d", folderID, i)),
			Properties: map[string]interface{}{
				"folder_id":      folderID,
				"point_type":     pointTypeExemplar,
				"exemplar_index": i,
				"last_updated":   now,
			},
			Vector: v,
		})
	}
	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: set exemplars %s: %s", ErrConnection, folderID, err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("%w: set exemplars %s: %s", ErrBackend, folderID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// FolderVectorData implements Index.
func (w *WeaviateIndex) FolderVectorData(ctx context.Context, folderID string) (*FolderVectorData, error) {
	res, err := w.client.GraphQL().Get().
		WithClassName(classCentroid).
		WithWhere(whereEqual("folder_id", folderID)).
		WithLimit(scanPageSize).
		WithFields(
			graphql.Field{Name: "point_type"},
			graphql.Field{Name: "exemplar_index"},
			graphql.Field{Name: "last_updated"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "vector"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: folder data %s: %s", ErrConnection, folderID, err)
	}
	rows, err := getRows(res, classCentroid)
	if err != nil {
		return nil, err
	}

	out := &FolderVectorData{}
	type indexedExemplar struct {
		index  int
		vector []float32
	}
	var exemplars []indexedExemplar
	found := false
	for _, row := range rows {
		vec, ok := additionalVector(row)
		if !ok {
			continue
		}
		switch stringProp(row, "point_type") {
		case pointTypeCentroid:
			found = true
			out.Centroid = vec
			if ts, err := time.Parse(time.RFC3339, stringProp(row, "last_updated")); err == nil {
				out.LastUpdated = ts
			}
		case pointTypeExemplar:
			found = true
			exemplars = append(exemplars, indexedExemplar{index: intProp(row, "exemplar_index"), vector: vec})
		}
	}
	if !found {
		return nil, ErrNotFound
	}

	sort.Slice(exemplars, func(i, j int) bool { return exemplars[i].index < exemplars[j].index })
	for _, e := range exemplars {
		out.Exemplars = append(out.Exemplars, e.vector)
	}

	n, err := w.countPrimaryMembers(ctx, folderID)
	if err != nil {
		return nil, err
	}
	out.MemberCount = n
	return out, nil
}

// FolderMemberVectors implements Index.
func (w *WeaviateIndex) FolderMemberVectors(ctx context.Context, folderID string) (map[string][]float32, error) {
	out := make(map[string][]float32)
	for offset := 0; ; offset += scanPageSize {
		res, err := w.client.GraphQL().Get().
			WithClassName(classContext).
			WithWhere(whereEqual("primary_folder", folderID)).
			WithLimit(scanPageSize).
			WithOffset(offset).
			WithFields(
				graphql.Field{Name: "concept_id"},
				graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "vector"}}},
			).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: member vectors %s: %s", ErrConnection, folderID, err)
		}
		rows, err := getRows(res, classContext)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if vec, ok := additionalVector(row); ok {
				out[stringProp(row, "concept_id")] = vec
			}
		}
		if len(rows) < scanPageSize {
			break
		}
	}
	return out, nil
}

// Delete implements Index.
func (w *WeaviateIndex) Delete(ctx context.Context, conceptID string) error {
	for _, class := range []string{classTitle, classContext} {
		err := w.client.Data().Deleter().
			WithClassName(class).
			WithID(pointID(class, conceptID).String()).
			Do(ctx)
		if err != nil {
			// Missing objects are fine; deletion is idempotent.
			var clientErr *fault.WeaviateClientError
			if errors.As(err, &clientErr) && clientErr.StatusCode == 404 {
				continue
			}
			return fmt.Errorf("%w: delete %s from %s: %s", ErrConnection, conceptID, class, err)
		}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// pointID derives a stable v5 UUID for an object so writes overwrite in
// place instead of accumulating duplicates.
func pointID(class, key string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte("recall/"+class+"/"+key)).String())
}

func pointClass(name string) *models.Class {
	return &models.Class{
		Class:      name,
		Vectorizer: "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{Name: "concept_id", DataType: []string{"text"}},
			{Name: "original_id", DataType: []string{"text"}},
			{Name: "primary_folder", DataType: []string{"text"}},
			{Name: "reference_folders", DataType: []string{"text[]"}},
			{Name: "folder_id", DataType: []string{"text"}},
			{Name: "content_hash", DataType: []string{"text"}},
			{Name: "model", DataType: []string{"text"}},
			{Name: "embedded_at", DataType: []string{"text"}},
			{Name: "placement_confidences", DataType: []string{"text"}},
		},
	}
}

func centroidClass() *models.Class {
	return &models.Class{
		Class:      classCentroid,
		Vectorizer: "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{Name: "folder_id", DataType: []string{"text"}},
			{Name: "point_type", DataType: []string{"text"}},
			{Name: "exemplar_index", DataType: []string{"int"}},
			{Name: "last_updated", DataType: []string{"text"}},
		},
	}
}

func whereEqual(path, value string) *filters.WhereBuilder {
	return filters.Where().WithPath([]string{path}).WithOperator(filters.Equal).WithValueString(value)
}

// countPrimaryMembers counts concepts whose primary folder is folderID.
func (w *WeaviateIndex) countPrimaryMembers(ctx context.Context, folderID string) (int, error) {
	res, err := w.client.GraphQL().Aggregate().
		WithClassName(classContext).
		WithWhere(whereEqual("primary_folder", folderID)).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: count members %s: %s", ErrConnection, folderID, err)
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("%w: count members %s: %s", ErrBackend, folderID, res.Errors[0].Message)
	}

	agg, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("%w: count members %s: malformed aggregate", ErrBackend, folderID)
	}
	rows, _ := agg[classContext].([]interface{})
	if len(rows) == 0 {
		return 0, nil
	}
	row, _ := rows[0].(map[string]interface{})
	meta, _ := row["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

// listConceptIDs pages through a filtered Get and returns concept_id values.
func (w *WeaviateIndex) listConceptIDs(ctx context.Context, where *filters.WhereBuilder) ([]string, error) {
	var out []string
	for offset := 0; ; offset += scanPageSize {
		res, err := w.client.GraphQL().Get().
			WithClassName(classContext).
			WithWhere(where).
			WithLimit(scanPageSize).
			WithOffset(offset).
			WithFields(graphql.Field{Name: "concept_id"}).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list concepts: %s", ErrConnection, err)
		}
		rows, err := getRows(res, classContext)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			out = append(out, stringProp(row, "concept_id"))
		}
		if len(rows) < scanPageSize {
			break
		}
	}
	return out, nil
}

// getRows unwraps a GraphQL Get response into per-object property maps.
func getRows(res *models.GraphQLResponse, class string) ([]map[string]interface{}, error) {
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrBackend, res.Errors[0].Message)
	}
	get, ok := res.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: malformed Get response", ErrBackend)
	}
	raw, _ := get[class].([]interface{})
	rows := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]interface{}); ok {
			rows = append(rows, m)
		}
	}
	return rows, nil
}

func stringProp(row map[string]interface{}, key string) string {
	s, _ := row[key].(string)
	return s
}

func intProp(row map[string]interface{}, key string) int {
	f, _ := row[key].(float64)
	return int(f)
}

func stringListProp(row map[string]interface{}, key string) []string {
	raw, _ := row[key].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func additionalFloat(row map[string]interface{}, key string) (float64, bool) {
	add, ok := row["_additional"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	f, ok := add[key].(float64)
	return f, ok
}

func additionalVector(row map[string]interface{}) ([]float32, bool) {
	add, ok := row["_additional"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	raw, ok := add["vector"].([]interface{})
	if !ok {
		return nil, false
	}
	vec := make([]float32, 0, len(raw))
	for _, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, false
		}
		vec = append(vec, float32(f))
	}
	return vec, true
}

// confidencesJSON flattens the confidence map for storage as text.
func confidencesJSON(conf map[string]float64) string {
	if len(conf) == 0 {
		return "{}"
	}
	data, err := json.Marshal(conf)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// cosineToCertainty maps a cosine similarity threshold into weaviate's
// certainty space.
func cosineToCertainty(cos float64) float32 {
	return float32((1 + cos) / 2)
}

// certaintyToCosine inverts cosineToCertainty.
func certaintyToCosine(certainty float64) float64 {
	return 2*certainty - 1
}
