// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncutil provides the per-key locking primitive that enforces the
// single-writer discipline: one writer per candidate in the router, one
// writer per folder in the centroid manager, one writer per concept in the
// review scheduler.
package syncutil

import "sync"

// KeyedMutex serializes work per string key while allowing unrelated keys
// to proceed in parallel. Lock entries are reference-counted and removed
// when the last holder releases, so the internal map stays bounded by the
// number of keys currently in flight.
//
// The zero value is ready to use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key, blocking until it is available, and
// returns the release function. Callers must invoke the release exactly
// once, typically via defer.
func (m *KeyedMutex) Lock(key string) func() {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			m.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// InFlight returns the number of keys currently holding or waiting on a
// lock. Used by tests and debug endpoints.
func (m *KeyedMutex) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
