// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contentcache provides the bounded key→blob cache in front of the
// distiller and embedder. Keys are opaque strings, in practice the concept
// content hash, so one distillation or embedding is paid for at most once
// per distinct content.
//
// The package has two tiers: Cache is the in-memory hot tier (TTL + true
// LRU eviction), and Layered adds an optional BadgerDB cold tier so results
// survive restarts.
package contentcache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	cacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "contentcache",
		Name:      "ops_total",
		Help:      "Cache operations by outcome: hit, miss, evict, expire, cold_hit",
	}, []string{"outcome"})

	cacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recall",
		Subsystem: "contentcache",
		Name:      "entries",
		Help:      "Entries currently resident in the hot tier",
	})
)

// =============================================================================
// Types
// =============================================================================

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size        int   `json:"size"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// entry is one cached blob with its bookkeeping. Entries live both in the
// map (for lookup) and in the LRU list (for eviction order).
type entry struct {
	key            string
	payload        []byte
	expiresAt      time.Time
	lastAccessedAt time.Time
	hitCount       int64
	elem           *list.Element
}

// Cache is the bounded in-memory hot tier.
//
// # Description
//
//	All operations are failure-free: absence is reported as a boolean, never
//	an error. Payloads are copied on the way in and out so callers can never
//	alias cache-owned memory. Reads refresh lastAccessedAt and move the
//	entry to the front of the LRU list; Set at capacity evicts the entry
//	with the oldest lastAccessedAt.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently accessed
	maxSize int

	defaultTTL time.Duration
	now        func() time.Time

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	sweepStop chan struct{}
	sweepDone chan struct{}
	sweepOnce sync.Once
}

// New creates a Cache. maxSize <= 0 means unbounded; defaultTTL <= 0 means
// entries without an explicit TTL never expire.
func New(maxSize int, defaultTTL time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns a copy of the blob stored under key. Expired entries are
// removed on access and reported as a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		cacheOpsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	if c.expired(e) {
		c.remove(e)
		c.misses++
		c.expirations++
		cacheOpsTotal.WithLabelValues("expire").Inc()
		cacheOpsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	e.lastAccessedAt = c.now()
	e.hitCount++
	c.lru.MoveToFront(e.elem)
	c.hits++
	cacheOpsTotal.WithLabelValues("hit").Inc()

	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out, true
}

// Set stores a copy of blob under key. ttl <= 0 uses the cache default.
// Overwriting an existing key refreshes its TTL and LRU position.
func (c *Cache) Set(key string, blob []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	payload := make([]byte, len(blob))
	copy(payload, blob)

	now := c.now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	if e, ok := c.entries[key]; ok {
		e.payload = payload
		e.expiresAt = expiresAt
		e.lastAccessedAt = now
		c.lru.MoveToFront(e.elem)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry{
		key:            key,
		payload:        payload,
		expiresAt:      expiresAt,
		lastAccessedAt: now,
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	cacheSize.Set(float64(len(c.entries)))
}

// Has reports whether key is present and unexpired, without refreshing its
// LRU position.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !c.expired(e)
}

// Delete removes key. Removing an absent key is a no-op.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.remove(e)
	}
}

// Clear removes every entry. Counters are preserved.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lru.Init()
	cacheSize.Set(0)
}

// Size returns the number of resident entries, including any that have
// expired but not yet been swept.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:        len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// StartSweeper launches the background expiry sweep. Call StopSweeper on
// shutdown; both are idempotent enough for a single service lifecycle.
func (c *Cache) StartSweeper(interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	c.sweepStop = make(chan struct{})
	c.sweepDone = make(chan struct{})

	go func() {
		defer close(c.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.sweepStop:
				return
			case <-ticker.C:
				removed := c.sweep()
				if removed > 0 {
					logger.Debug("content cache sweep",
						slog.Int("expired", removed))
				}
			}
		}
	}()
}

// StopSweeper stops the background sweep and waits for it to exit.
func (c *Cache) StopSweeper() {
	c.sweepOnce.Do(func() {
		if c.sweepStop != nil {
			close(c.sweepStop)
			<-c.sweepDone
		}
	})
}

// sweep removes every expired entry and returns how many were removed.
func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, e := range c.entries {
		if c.expired(e) {
			c.remove(e)
			c.expirations++
			cacheOpsTotal.WithLabelValues("expire").Inc()
			removed++
		}
	}
	return removed
}

// expired reports whether e has passed its expiry. Zero expiresAt never
// expires. Caller holds c.mu.
func (c *Cache) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(c.now())
}

// evictOldest removes the back of the LRU list. Caller holds c.mu.
func (c *Cache) evictOldest() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	c.remove(back.Value.(*entry))
	c.evictions++
	cacheOpsTotal.WithLabelValues("evict").Inc()
}

// remove unlinks e from both structures. Caller holds c.mu.
func (c *Cache) remove(e *entry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
	cacheSize.Set(float64(len(c.entries)))
}
