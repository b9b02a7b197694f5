// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/sys/unix"
)

// SchemaVersion is written into every schedule file. Files whose major
// version differs are rejected rather than silently misread.
const SchemaVersion = "v1.0.0"

var (
	// ErrNotFound: no schedule exists for the concept.
	ErrNotFound = errors.New("schedule not found")

	// ErrLocked: another process holds the schedule directory.
	ErrLocked = errors.New("schedule directory locked by another process")

	// ErrSchema: a schedule file carries an incompatible schema major.
	ErrSchema = errors.New("incompatible schedule schema version")
)

const scheduleExt = ".json"

// fileStore owns the schedule directory. One JSON file per concept;
// an exclusive flock on <dir>/.lock keeps a second process out.
type fileStore struct {
	dir    string
	lockF  *os.File
	logger *slog.Logger
}

// openStore creates the directory if needed and takes the process lock.
func openStore(dir string, logger *slog.Logger) (*fileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("schedule directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create schedule directory: %w", err)
	}

	lockF, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(lockF.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lockF.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("flock schedule directory: %w", err)
	}

	return &fileStore{dir: dir, lockF: lockF, logger: logger}, nil
}

// close releases the process lock.
func (fs *fileStore) close() error {
	if fs.lockF == nil {
		return nil
	}
	_ = unix.Flock(int(fs.lockF.Fd()), unix.LOCK_UN)
	err := fs.lockF.Close()
	fs.lockF = nil
	return err
}

func (fs *fileStore) path(conceptID string) string {
	return filepath.Join(fs.dir, conceptID+scheduleExt)
}

// save writes the schedule atomically: temp file in the same directory,
// fsync, rename over the final name.
func (fs *fileStore) save(s *ReviewSchedule) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedule %s: %w", s.ConceptID, err)
	}

	tmp, err := os.CreateTemp(fs.dir, s.ConceptID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp schedule file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write schedule %s: %w", s.ConceptID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync schedule %s: %w", s.ConceptID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close schedule %s: %w", s.ConceptID, err)
	}
	if err := os.Rename(tmpName, fs.path(s.ConceptID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename schedule %s: %w", s.ConceptID, err)
	}
	return nil
}

// load reads one schedule, gating on the schema major.
func (fs *fileStore) load(conceptID string) (*ReviewSchedule, error) {
	data, err := os.ReadFile(fs.path(conceptID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read schedule %s: %w", conceptID, err)
	}

	var s ReviewSchedule
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schedule %s: %w", conceptID, err)
	}
	if semver.Major(s.SchemaVersion) != semver.Major(SchemaVersion) {
		return nil, fmt.Errorf("%w: file %s has %s, this build reads %s",
			ErrSchema, conceptID, s.SchemaVersion, SchemaVersion)
	}
	return &s, nil
}

// remove deletes a schedule file. Missing files are not an error.
func (fs *fileStore) remove(conceptID string) error {
	err := os.Remove(fs.path(conceptID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove schedule %s: %w", conceptID, err)
	}
	return nil
}

// listIDs returns every concept id with a schedule file.
func (fs *fileStore) listIDs() ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("list schedule directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, scheduleExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, scheduleExt))
	}
	return ids, nil
}

// loadAll reads every schedule, skipping files that fail to parse.
func (fs *fileStore) loadAll() ([]*ReviewSchedule, error) {
	ids, err := fs.listIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*ReviewSchedule, 0, len(ids))
	for _, id := range ids {
		s, err := fs.load(id)
		if err != nil {
			fs.logger.Warn("skipping unreadable schedule",
				slog.String("concept_id", id),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// syncDir flushes directory metadata so freshly renamed files survive a
// crash. Called per group by BulkSchedule.
func (fs *fileStore) syncDir() error {
	d, err := os.Open(fs.dir)
	if err != nil {
		return fmt.Errorf("open schedule directory: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync schedule directory: %w", err)
	}
	return nil
}
