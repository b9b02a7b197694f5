// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embed

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/recall/services/organizer/contentcache"
	"github.com/AleutianAI/recall/services/organizer/distill"
)

// cacheKeyPrefix namespaces embeddings inside the shared content cache.
const cacheKeyPrefix = "embed:"

// CachedEmbedder serves embeddings from the layered content cache.
//
// # Description
//
//	Vectors are gob-encoded, so a cache hit reproduces the stored float32
//	values bit for bit — the reproducibility guarantee the routing
//	thresholds rely on. Misses delegate to the inner embedder and write
//	through.
//
// # Thread Safety
//
// Safe for concurrent use.
type CachedEmbedder struct {
	inner  Embedder
	cache  *contentcache.Layered
	logger *slog.Logger
}

// NewCachedEmbedder wraps inner with the cache.
func NewCachedEmbedder(inner Embedder, cache *contentcache.Layered, logger *slog.Logger) *CachedEmbedder {
	if cache == nil {
		panic("NewCachedEmbedder: cache must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{inner: inner, cache: cache, logger: logger}
}

// Embed implements Embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, concept *distill.DistilledConcept) (*VectorEmbeddings, error) {
	key := cacheKeyPrefix + concept.ContentHash

	if blob, ok := c.cache.Get(ctx, key); ok {
		var emb VectorEmbeddings
		if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&emb); err != nil {
			c.logger.Warn("corrupt cached embedding, recomputing",
				slog.String("content_hash", shortHash(concept.ContentHash)),
				slog.String("error", err.Error()))
			c.cache.Delete(ctx, key)
		} else {
			embedRequestsTotal.WithLabelValues("cached").Inc()
			return &emb, nil
		}
	}

	emb, err := c.inner.Embed(ctx, concept)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(emb); err != nil {
		return emb, fmt.Errorf("encode embedding for cache: %w", err)
	}
	c.cache.Set(ctx, key, buf.Bytes())
	return emb, nil
}

// shortHash truncates a content hash for log display.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12] + "..."
	}
	return h
}
