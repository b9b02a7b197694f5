// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncutil

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var km KeyedMutex
	var counter int

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			unlock := km.Lock("concept-a")
			defer unlock()
			// Unsynchronized increment; only safe if the lock serializes.
			counter++
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("counter = %d, want %d (lost updates)", counter, workers)
	}
	if n := km.InFlight(); n != 0 {
		t.Errorf("InFlight = %d after all releases, want 0", n)
	}
}

func TestKeyedMutex_IndependentKeysDoNotBlock(t *testing.T) {
	var km KeyedMutex

	unlockA := km.Lock("folder-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("folder-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on independent key blocked behind folder-a")
	}
}

func TestKeyedMutex_ReleaseIsIdempotent(t *testing.T) {
	var km KeyedMutex

	unlock := km.Lock("k")
	unlock()
	unlock() // second call must be a no-op, not an unlock of a future holder

	unlock2 := km.Lock("k")
	unlock2()

	if n := km.InFlight(); n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}
}
