// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps a BadgerDB instance behind a small transactional API.
//
// The organizer uses one DB for all embedded persistence: the cold tier of
// the content cache and the routing write-replay journal, each under its own
// versioned key prefix. The DB is opened once in main and shared; this
// wrapper owns nothing but the handle and the GC loop.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// gcInterval is how often the value-log garbage collector runs. Badger's GC
// is cooperative; a 10 minute cadence keeps TTL-expired cache entries from
// accumulating without measurable write amplification.
const gcInterval = 10 * time.Minute

// gcDiscardRatio is the badger value-log rewrite threshold. 0.5 is the
// upstream-recommended default.
const gcDiscardRatio = 0.5

// ErrKeyNotFound is re-exported so callers do not import the driver to
// classify a miss.
var ErrKeyNotFound = dgbadger.ErrKeyNotFound

// DB wraps an opened BadgerDB instance.
//
// # Thread Safety
//
// Safe for concurrent use. Badger transactions are per-goroutine.
type DB struct {
	db     *dgbadger.DB
	logger *slog.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) a BadgerDB at dir and starts the GC loop.
//
// # Inputs
//
//   - dir: Database directory. Empty string opens an in-memory DB, used by
//     tests and by deployments that do not configure a persist directory.
//   - logger: Logger for GC and lifecycle diagnostics. May be nil.
//
// # Outputs
//
//   - *DB: Opened handle. Callers must Close it.
//   - error: Non-nil if the directory cannot be opened or locked.
func Open(dir string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts dgbadger.Options
	if dir == "" {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = dgbadger.DefaultOptions(dir)
	}
	// Badger logs through its own interface; route it to slog at debug level
	// so operational noise does not swamp the service log.
	opts = opts.WithLogger(slogBadgerAdapter{logger: logger})

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}

	d := &DB{
		db:     db,
		logger: logger,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	go d.gcLoop()
	return d, nil
}

// Close stops the GC loop and closes the database. Safe to call once.
func (d *DB) Close() error {
	close(d.gcStop)
	<-d.gcDone
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// WithTxn runs fn inside a read-write transaction.
//
// The context is checked before the transaction starts; badger itself does
// not take a context, so cancellation mid-transaction is not observed.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// SetWithTTL writes key → value with the given TTL (0 = no expiry).
func (d *DB) SetWithTTL(ctx context.Context, key, value []byte, ttl time.Duration) error {
	return d.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(key, value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Get reads key. Returns (nil, false, nil) on a miss (absent or TTL-expired).
func (d *DB) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var out []byte
	err := d.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get: %w", err)
	}
	return out, true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (d *DB) Delete(ctx context.Context, key []byte) error {
	return d.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(key)
	})
}

// ScanPrefix calls fn for every key/value under prefix in key order.
// Returning a non-nil error from fn aborts the scan.
func (d *DB) ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return d.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value for %q: %w", item.Key(), err)
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// gcLoop runs the value-log GC until Close.
func (d *DB) gcLoop() {
	defer close(d.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.gcStop:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing to
			// collect; that is the common case and not worth logging.
			err := d.db.RunValueLogGC(gcDiscardRatio)
			if err != nil && !errors.Is(err, dgbadger.ErrNoRewrite) {
				d.logger.Warn("badger value-log GC failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// =============================================================================
// Logger Adapter
// =============================================================================

// slogBadgerAdapter satisfies badger.Logger on top of slog. Badger's INFO
// output is operational noise (compaction, levels), so everything below
// warning is demoted to debug.
type slogBadgerAdapter struct {
	logger *slog.Logger
}

func (a slogBadgerAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf("badger: "+format, args...))
}

func (a slogBadgerAdapter) Warningf(format string, args ...interface{}) {
	a.logger.Warn(fmt.Sprintf("badger: "+format, args...))
}

func (a slogBadgerAdapter) Infof(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf("badger: "+format, args...))
}

func (a slogBadgerAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf("badger: "+format, args...))
}
