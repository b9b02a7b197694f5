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
	"testing"
	"time"

	badgerstore "github.com/AleutianAI/recall/services/organizer/storage/badger"
)

// =============================================================================
// Helpers
// =============================================================================

// newClockedCache returns a cache whose clock the test controls, plus the
// advance function.
func newClockedCache(t *testing.T, maxSize int, defaultTTL time.Duration) (*Cache, func(time.Duration)) {
	t.Helper()
	c := New(maxSize, defaultTTL)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, func(d time.Duration) { now = now.Add(d) }
}

// openTestDB opens an in-memory BadgerDB for the cold-tier tests.
func openTestDB(t *testing.T) *badgerstore.DB {
	t.Helper()
	db, err := badgerstore.Open("", nil)
	if err != nil {
		t.Fatalf("openTestDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// =============================================================================
// Hot Tier Tests
// =============================================================================

func TestCache_GetSetRoundTrip(t *testing.T) {
	c, _ := newClockedCache(t, 10, time.Hour)

	c.Set("k1", []byte("payload"), 0)
	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected hit for k1")
	}
	if string(got) != "payload" {
		t.Errorf("payload mismatch: got %q", got)
	}
	if !c.Has("k1") {
		t.Error("Has(k1) = false after Set")
	}
	if _, ok := c.Get("absent"); ok {
		t.Error("expected miss for absent key")
	}
}

func TestCache_CopiesPayloadInAndOut(t *testing.T) {
	c, _ := newClockedCache(t, 10, time.Hour)

	in := []byte("original")
	c.Set("k", in, 0)
	in[0] = 'X' // mutating caller memory must not reach the cache

	out, _ := c.Get("k")
	if string(out) != "original" {
		t.Fatalf("cache aliased caller memory: got %q", out)
	}

	out[0] = 'Y' // mutating returned memory must not reach the cache
	again, _ := c.Get("k")
	if string(again) != "original" {
		t.Fatalf("cache returned aliased memory: got %q", again)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c, advance := newClockedCache(t, 10, 0)

	c.Set("k", []byte("v"), time.Minute)
	advance(30 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired early")
	}

	advance(31 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry survived past its TTL")
	}
	if c.Has("k") {
		t.Error("Has reports an expired entry")
	}
}

func TestCache_LRUEvictsOldestAccess(t *testing.T) {
	c, advance := newClockedCache(t, 3, time.Hour)

	c.Set("a", []byte("1"), 0)
	advance(time.Second)
	c.Set("b", []byte("2"), 0)
	advance(time.Second)
	c.Set("c", []byte("3"), 0)
	advance(time.Second)

	// Touch "a" so "b" becomes the least recently accessed.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit for a")
	}
	advance(time.Second)

	c.Set("d", []byte("4"), 0)

	if c.Has("b") {
		t.Error("expected b (oldest lastAccessedAt) to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if !c.Has(k) {
			t.Errorf("expected %s to survive eviction", k)
		}
	}
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	c, advance := newClockedCache(t, 10, 0)

	c.Set("short", []byte("1"), time.Minute)
	c.Set("long", []byte("2"), time.Hour)
	advance(2 * time.Minute)

	if removed := c.sweep(); removed != 1 {
		t.Fatalf("sweep removed %d entries, want 1", removed)
	}
	if c.Has("short") || !c.Has("long") {
		t.Error("sweep removed the wrong entry")
	}
}

func TestCache_StatsCounters(t *testing.T) {
	c, _ := newClockedCache(t, 2, time.Hour)

	c.Set("a", []byte("1"), 0)
	c.Get("a")      // hit
	c.Get("absent") // miss
	c.Set("b", []byte("2"), 0)
	c.Set("c", []byte("3"), 0) // evicts

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Evictions != 1 {
		t.Errorf("stats = %+v, want hits=1 misses=1 evictions=1", s)
	}
	if s.Size != 2 {
		t.Errorf("size = %d, want 2", s.Size)
	}

	c.Clear()
	if c.Size() != 0 {
		t.Error("Clear left entries behind")
	}
}

// =============================================================================
// Layered Tests
// =============================================================================

func TestLayered_ColdHitPromotes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	cold := NewBadgerByteStore(db)

	hot := New(10, time.Hour)
	l := NewLayered(hot, cold, time.Hour, nil)

	l.Set(ctx, "hash1", []byte("distilled"))

	// Simulate a restart: fresh hot tier, same cold store.
	l2 := NewLayered(New(10, time.Hour), cold, time.Hour, nil)
	got, ok := l2.Get(ctx, "hash1")
	if !ok {
		t.Fatal("expected cold-tier hit after restart")
	}
	if string(got) != "distilled" {
		t.Errorf("cold payload mismatch: %q", got)
	}

	// The hit must have been promoted into the new hot tier.
	if !l2.hot.Has("hash1") {
		t.Error("cold hit was not promoted into the hot tier")
	}
}

func TestLayered_DeleteRemovesBothTiers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := NewLayered(New(10, time.Hour), NewBadgerByteStore(db), time.Hour, nil)

	l.Set(ctx, "k", []byte("v"))
	l.Delete(ctx, "k")

	if _, ok := l.Get(ctx, "k"); ok {
		t.Fatal("entry survived Delete")
	}
}

func TestLayered_NilColdTier(t *testing.T) {
	ctx := context.Background()
	l := NewLayered(New(10, time.Hour), nil, time.Hour, nil)

	l.Set(ctx, "k", []byte("v"))
	if got, ok := l.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("memory-only layered cache broken: ok=%v got=%q", ok, got)
	}
	l.Delete(ctx, "k")
	if _, ok := l.Get(ctx, "k"); ok {
		t.Error("entry survived Delete in memory-only mode")
	}
}
