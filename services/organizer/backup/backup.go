// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup copies the schedule directory to and from a GCS bucket.
//
// The schedule store is the only organizer state that cannot be rebuilt
// from the vector index, so it is the only state worth backing up. Each
// schedule file becomes one object under <prefix>/schedules/<file>;
// restore downloads the objects back with the same temp-file-plus-rename
// atomicity the store itself uses.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// ===== Types =====

// schedulesFolder is the object-name segment between the user prefix and
// the schedule file name.
const schedulesFolder = "schedules"

// Options configures a Manager.
type Options struct {
	// Bucket is the GCS bucket name. Required.
	Bucket string

	// Prefix is prepended to every object name. Optional; useful when one
	// bucket holds backups for several installations.
	Prefix string

	// Logger for progress output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Summary reports what a backup or restore run touched.
type Summary struct {
	Objects  int           `json:"objects"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// Manager copies schedule files between a local directory and GCS.
//
// # Thread Safety
//
// Safe for concurrent use; all state is immutable after construction.
type Manager struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// ===== Constructor =====

// New creates a Manager with application-default GCS credentials.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("backup: bucket must not be empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Manager{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		logger: logger,
	}, nil
}

// Close releases the underlying client.
func (m *Manager) Close() error {
	return m.client.Close()
}

// objectName maps a schedule file name onto its object name.
func (m *Manager) objectName(file string) string {
	if m.prefix == "" {
		return path.Join(schedulesFolder, file)
	}
	return path.Join(m.prefix, schedulesFolder, file)
}

// ===== Backup =====

// Backup uploads every schedule file in dir to the bucket.
//
// # Description
//
//	Uploads one object per *.json file. The .lock file and temp files
//	from in-flight writes are skipped. Existing objects with the same
//	name are overwritten, so repeated backups converge on the current
//	directory contents (deleted schedules linger until the next restore
//	into an empty directory).
func (m *Manager) Backup(ctx context.Context, dir string) (*Summary, error) {
	start := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schedule directory: %w", err)
	}

	bucket := m.client.Bucket(m.bucket)
	summary := &Summary{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		n, err := m.uploadOne(ctx, bucket, filepath.Join(dir, name), m.objectName(name))
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		summary.Objects++
		summary.Bytes += n
	}

	summary.Duration = time.Since(start)
	m.logger.Info("schedule backup complete",
		slog.String("bucket", m.bucket),
		slog.Int("objects", summary.Objects),
		slog.Int64("bytes", summary.Bytes),
		slog.Duration("duration", summary.Duration))
	return summary, nil
}

// uploadOne streams a single file into an object writer.
func (m *Manager) uploadOne(ctx context.Context, bucket *storage.BucketHandle, src, object string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	w := bucket.Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	n, err := io.Copy(w, f)
	if err != nil {
		_ = w.Close()
		return 0, err
	}
	// Close commits the object; upload errors surface here.
	if err := w.Close(); err != nil {
		return 0, err
	}
	return n, nil
}

// ===== Restore =====

// Restore downloads every backed-up schedule into dir.
//
// # Description
//
//	Lists objects under <prefix>/schedules/ and writes each into dir via
//	a temp file and rename, so a crashed restore never leaves a partial
//	schedule behind. Existing files with the same name are overwritten.
//	The scheduler must not hold the directory while a restore runs; run
//	it before starting the server.
func (m *Manager) Restore(ctx context.Context, dir string) (*Summary, error) {
	start := time.Now()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create schedule directory: %w", err)
	}

	listPrefix := m.objectName("") + "/"
	bucket := m.client.Bucket(m.bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: listPrefix})

	summary := &Summary{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list backup objects: %w", err)
		}

		file := path.Base(attrs.Name)
		if !strings.HasSuffix(file, ".json") {
			continue
		}
		n, err := m.downloadOne(ctx, bucket, attrs.Name, filepath.Join(dir, file))
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", file, err)
		}
		summary.Objects++
		summary.Bytes += n
	}

	summary.Duration = time.Since(start)
	m.logger.Info("schedule restore complete",
		slog.String("bucket", m.bucket),
		slog.Int("objects", summary.Objects),
		slog.Int64("bytes", summary.Bytes),
		slog.Duration("duration", summary.Duration))
	return summary, nil
}

// downloadOne writes one object to dst atomically.
func (m *Manager) downloadOne(ctx context.Context, bucket *storage.BucketHandle, object, dst string) (int64, error) {
	r, err := bucket.Object(object).NewReader(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}
