// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	badgerstore "github.com/AleutianAI/recall/services/organizer/storage/badger"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	journalPendingWrites = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recall",
		Subsystem: "routing",
		Name:      "journal_pending_writes",
		Help:      "Upserts journaled during vector-store outages, awaiting replay",
	})

	journalReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "routing",
		Name:      "journal_replays_total",
		Help:      "Journal replay outcomes: ok, failed",
	}, []string{"outcome"})
)

// journalPrefix versions the journal keyspace inside the shared badger db.
const journalPrefix = "journal/upsert/v1/"

// pendingUpsert is a vector-store write that failed with a connection
// error; it carries everything Upsert needs to run again.
type pendingUpsert struct {
	ConceptID     string                `json:"conceptId"`
	TitleVector   []float32             `json:"titleVector"`
	ContextVector []float32             `json:"contextVector"`
	Placement     vectorindex.Placement `json:"placement"`
	ContentHash   string                `json:"contentHash"`
	Model         string                `json:"model"`
	JournaledAt   time.Time             `json:"journaledAt"`
}

// Journal persists upserts that could not reach the vector store. The
// reconcile maintenance operation drains it once the store is back.
//
// # Thread Safety
//
// Safe for concurrent use; badger provides the transaction isolation.
type Journal struct {
	db     *badgerstore.DB
	logger *slog.Logger
}

// NewJournal wraps the shared badger db.
func NewJournal(db *badgerstore.DB, logger *slog.Logger) *Journal {
	if db == nil {
		panic("routing.NewJournal: db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger}
}

// Record persists one failed upsert. A re-route of the same candidate
// overwrites its pending entry.
func (j *Journal) Record(ctx context.Context, p pendingUpsert) error {
	p.JournaledAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal journal entry %s: %w", p.ConceptID, err)
	}
	if err := j.db.SetWithTTL(ctx, []byte(journalPrefix+p.ConceptID), data, 0); err != nil {
		return fmt.Errorf("journal upsert %s: %w", p.ConceptID, err)
	}
	journalPendingWrites.Inc()
	j.logger.Warn("journaled upsert for replay", slog.String("concept_id", p.ConceptID))
	return nil
}

// Pending counts entries awaiting replay.
func (j *Journal) Pending(ctx context.Context) (int, error) {
	count := 0
	err := j.db.ScanPrefix(ctx, []byte(journalPrefix), func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	return count, nil
}

// ReplayPending retries every journaled upsert against the index. Entries
// that succeed are removed; a connection failure stops the pass early so
// the remaining entries survive for the next attempt. Returns how many
// entries were replayed.
func (j *Journal) ReplayPending(ctx context.Context, index vectorindex.Index) (int, error) {
	type keyed struct {
		key   []byte
		entry pendingUpsert
	}
	var entries []keyed
	err := j.db.ScanPrefix(ctx, []byte(journalPrefix), func(key, value []byte) error {
		var p pendingUpsert
		if err := json.Unmarshal(value, &p); err != nil {
			j.logger.Warn("dropping corrupt journal entry", slog.String("key", string(key)))
			return nil
		}
		entries = append(entries, keyed{key: append([]byte(nil), key...), entry: p})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}

	replayed := 0
	for _, e := range entries {
		p := e.entry
		err := index.Upsert(ctx, p.ConceptID, p.TitleVector, p.ContextVector, p.Placement, p.ContentHash, p.Model)
		if errors.Is(err, vectorindex.ErrConnection) {
			journalReplaysTotal.WithLabelValues("failed").Inc()
			return replayed, fmt.Errorf("vector store still unreachable after %d replays: %w", replayed, err)
		}
		if err != nil {
			// Non-transient failure (dimension drift, backend rejection):
			// keep the entry but move on.
			journalReplaysTotal.WithLabelValues("failed").Inc()
			j.logger.Error("journal replay failed",
				slog.String("concept_id", p.ConceptID),
				slog.String("error", err.Error()))
			continue
		}
		if err := j.db.Delete(ctx, e.key); err != nil {
			return replayed, fmt.Errorf("clear journal entry %s: %w", p.ConceptID, err)
		}
		journalPendingWrites.Dec()
		journalReplaysTotal.WithLabelValues("ok").Inc()
		replayed++
	}
	return replayed, nil
}
