// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contentcache

import (
	"context"
	"log/slog"
	"time"

	badgerstore "github.com/AleutianAI/recall/services/organizer/storage/badger"
)

// =============================================================================
// Cold Tier
// =============================================================================

// coldKeyPrefix versions the badger key layout for cache blobs. Bump on any
// change to the stored value format.
const coldKeyPrefix = "cache/blob/v1/"

// ByteStore is the cold-tier contract: a durable key→blob store with
// native TTL. A nil ByteStore disables the cold tier.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ByteStore interface {
	// Load returns (nil, false, nil) on a miss (absent or TTL-expired).
	Load(ctx context.Context, key string) ([]byte, bool, error)

	// Save persists the blob with the given TTL (0 = no expiry).
	Save(ctx context.Context, key string, blob []byte, ttl time.Duration) error

	// Remove deletes the blob; removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// BadgerByteStore implements ByteStore over the shared badger DB. TTL is
// enforced by badger's native expiry; expired keys surface as misses.
type BadgerByteStore struct {
	db *badgerstore.DB
}

// NewBadgerByteStore wraps db. The caller owns the DB lifecycle.
func NewBadgerByteStore(db *badgerstore.DB) *BadgerByteStore {
	if db == nil {
		panic("NewBadgerByteStore: db must not be nil")
	}
	return &BadgerByteStore{db: db}
}

func (s *BadgerByteStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	return s.db.Get(ctx, []byte(coldKeyPrefix+key))
}

func (s *BadgerByteStore) Save(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	return s.db.SetWithTTL(ctx, []byte(coldKeyPrefix+key), blob, ttl)
}

func (s *BadgerByteStore) Remove(ctx context.Context, key string) error {
	return s.db.Delete(ctx, []byte(coldKeyPrefix+key))
}

// =============================================================================
// Layered Cache
// =============================================================================

// Layered combines the in-memory hot tier with an optional durable cold
// tier. Distillations and embeddings are pure functions of the content
// hash, so a cold hit after a restart is as good as a hot one; Get promotes
// cold hits into the hot tier.
//
// Cold-tier failures are absorbed: the layered cache keeps the hot tier's
// failure-free contract and logs storage problems instead of returning
// them.
//
// # Thread Safety
//
// Safe for concurrent use.
type Layered struct {
	hot    *Cache
	cold   ByteStore // nil = memory-only
	ttl    time.Duration
	logger *slog.Logger
}

// NewLayered builds a layered cache. cold may be nil for memory-only mode
// (tests, deployments without a persist directory).
func NewLayered(hot *Cache, cold ByteStore, ttl time.Duration, logger *slog.Logger) *Layered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layered{hot: hot, cold: cold, ttl: ttl, logger: logger}
}

// Get checks the hot tier, then the cold tier. A cold hit is promoted.
func (l *Layered) Get(ctx context.Context, key string) ([]byte, bool) {
	if blob, ok := l.hot.Get(key); ok {
		return blob, true
	}
	if l.cold == nil {
		return nil, false
	}

	blob, ok, err := l.cold.Load(ctx, key)
	if err != nil {
		l.logger.Warn("cold tier load failed",
			slog.String("key", shortKey(key)),
			slog.String("error", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	cacheOpsTotal.WithLabelValues("cold_hit").Inc()
	l.hot.Set(key, blob, l.ttl)
	return blob, true
}

// Set writes through to both tiers.
func (l *Layered) Set(ctx context.Context, key string, blob []byte) {
	l.hot.Set(key, blob, l.ttl)
	if l.cold == nil {
		return
	}
	if err := l.cold.Save(ctx, key, blob, l.ttl); err != nil {
		l.logger.Warn("cold tier save failed",
			slog.String("key", shortKey(key)),
			slog.String("error", err.Error()))
	}
}

// Delete removes the key from both tiers.
func (l *Layered) Delete(ctx context.Context, key string) {
	l.hot.Delete(key)
	if l.cold == nil {
		return
	}
	if err := l.cold.Remove(ctx, key); err != nil {
		l.logger.Warn("cold tier remove failed",
			slog.String("key", shortKey(key)),
			slog.String("error", err.Error()))
	}
}

// Stats returns the hot-tier counters.
func (l *Layered) Stats() Stats {
	return l.hot.Stats()
}

// shortKey truncates a cache key (usually a 64-char hash) for log display.
func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12] + "..."
	}
	return k
}
