// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package distill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/recall/services/organizer/contentcache"
)

// cacheKeyPrefix namespaces distillation results inside the shared content
// cache, which also stores embeddings under their own prefix.
const cacheKeyPrefix = "distill:"

// CachedDistiller serves distillations from the layered content cache and
// delegates misses to the inner distiller.
//
// # Description
//
//	A hit returns the stored concept with Cached=true and makes no remote
//	call — distillation is a pure function of the content hash, so a prior
//	result is always valid. NOT_STUDY results are cached too: re-capturing
//	the same advertisement must not cost a second LLM call.
//
// # Thread Safety
//
// Safe for concurrent use. Two concurrent misses for the same hash may both
// call the inner distiller; both writes store the same value.
type CachedDistiller struct {
	inner  Distiller
	cache  *contentcache.Layered
	logger *slog.Logger
}

// NewCachedDistiller wraps inner with the cache. cache must not be nil;
// a disabled cache is represented by not wrapping at all.
func NewCachedDistiller(inner Distiller, cache *contentcache.Layered, logger *slog.Logger) *CachedDistiller {
	if cache == nil {
		panic("NewCachedDistiller: cache must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDistiller{inner: inner, cache: cache, logger: logger}
}

// Distill implements Distiller.
func (c *CachedDistiller) Distill(ctx context.Context, normalizedText, contentHash string) (*DistilledConcept, error) {
	key := cacheKeyPrefix + contentHash

	if blob, ok := c.cache.Get(ctx, key); ok {
		var concept DistilledConcept
		if err := json.Unmarshal(blob, &concept); err != nil {
			// A corrupt entry is dropped and recomputed, not surfaced.
			c.logger.Warn("corrupt cached distillation, recomputing",
				slog.String("content_hash", shortHash(contentHash)),
				slog.String("error", err.Error()))
			c.cache.Delete(ctx, key)
		} else {
			distillRequestsTotal.WithLabelValues("cached").Inc()
			concept.Cached = true
			return &concept, nil
		}
	}

	concept, err := c.inner.Distill(ctx, normalizedText, contentHash)
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(concept)
	if err != nil {
		// Marshal of a plain struct cannot realistically fail; guard anyway
		// so a future field type change cannot lose concepts.
		return concept, fmt.Errorf("marshal distillation for cache: %w", err)
	}
	c.cache.Set(ctx, key, blob)
	return concept, nil
}
