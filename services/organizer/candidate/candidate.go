// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package candidate turns raw captured text into validated concept
// candidates. A candidate's identity is a pure function of its batch, index,
// and normalized text, which makes re-ingestion of the same capture
// idempotent end to end.
package candidate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	candidatesBuiltTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "candidate",
		Name:      "built_total",
		Help:      "Candidates that passed validation",
	})

	candidatesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "candidate",
		Name:      "rejected_total",
		Help:      "Candidates rejected by validation, by reason",
	}, []string{"reason"})

	candidateQualityScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recall",
		Subsystem: "candidate",
		Name:      "quality_score",
		Help:      "Quality score distribution of accepted candidates",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})
)

// =============================================================================
// Validation Errors
// =============================================================================

var (
	ErrEmptyText     = errors.New("empty text after normalization")
	ErrTooShort      = errors.New("text below minimum length")
	ErrTooLong       = errors.New("text above maximum length")
	ErrLowQuality    = errors.New("quality score below minimum")
	ErrBannedPattern = errors.New("text matches a banned pattern")
)

// RejectReason maps a validation error onto a stable machine-readable code
// used in metrics labels and HTTP error responses.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyText):
		return "EMPTY_TEXT"
	case errors.Is(err, ErrTooShort):
		return "TOO_SHORT"
	case errors.Is(err, ErrTooLong):
		return "TOO_LONG"
	case errors.Is(err, ErrLowQuality):
		return "LOW_QUALITY"
	case errors.Is(err, ErrBannedPattern):
		return "BANNED_PATTERN"
	default:
		return "INVALID"
	}
}

// =============================================================================
// Types
// =============================================================================

// Batch is one ingestion window of captured entries, as accepted on the wire.
type Batch struct {
	BatchID   string       `json:"batchId"`
	Window    string       `json:"window"`
	Topic     string       `json:"topic"`
	Entries   []BatchEntry `json:"entries"`
	CreatedAt time.Time    `json:"createdAt"`
}

// BatchEntry is a single captured snippet. Metadata keys are free-form; the
// builder reads "uri" (provenance) and "title" (title hint) when present.
type BatchEntry struct {
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ConceptCandidate is validated, normalized input ready for distillation.
type ConceptCandidate struct {
	CandidateID    string    `json:"candidateId"`
	BatchID        string    `json:"batchId"`
	Index          int       `json:"index"`
	RawText        string    `json:"rawText"`
	NormalizedText string    `json:"normalizedText"`
	ContentHash    string    `json:"contentHash"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"createdAt"`
	TitleHint      string    `json:"titleHint,omitempty"`
	KeyTerms       []string  `json:"keyTerms,omitempty"`
	QualityScore   float64   `json:"qualityScore"`
}

// Rules is the input-admission configuration for the builder.
type Rules struct {
	MinTextLength   int
	MaxTextLength   int
	MinQualityScore float64

	// BannedPatterns are lowercase substrings; any match on the normalized
	// text rejects the entry outright.
	BannedPatterns []string

	Quality      QualityWeights
	KeyTermCount int
}

// DefaultRules returns the admission rules used when configuration does not
// override them.
func DefaultRules() Rules {
	return Rules{
		MinTextLength:   50,
		MaxTextLength:   5000,
		MinQualityScore: 0.3,
		BannedPatterns: []string{
			"lorem ipsum",
			"all rights reserved",
			"terms of service",
			"privacy policy",
			"add to cart",
			"page not found",
			"enable javascript",
			"sign in to continue",
		},
		Quality: QualityWeights{
			Uniqueness:        0.6,
			Length:            0.4,
			AvgWordLengthNorm: 8.0,
			ShortTextScore:    0.1,
			MinWordCount:      5,
		},
		KeyTermCount: 5,
	}
}

// Rejection reports one batch entry that failed validation.
type Rejection struct {
	Index int   `json:"index"`
	Err   error `json:"-"`

	// Reason is the stable code for Err, duplicated for serialization.
	Reason string `json:"reason"`
}

// =============================================================================
// Builder
// =============================================================================

// Builder validates raw entries into ConceptCandidates.
//
// Thread Safety: Safe for concurrent use (rules are read-only after
// construction).
type Builder struct {
	rules  Rules
	logger *slog.Logger
}

// NewBuilder constructs a Builder. A nil logger falls back to slog.Default().
func NewBuilder(rules Rules, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{rules: rules, logger: logger}
}

// New builds one validated candidate from a batch entry.
//
// # Description
//
//	Normalizes rawText, then applies the admission gates in order: empty
//	text, length bounds, banned patterns, quality score. The candidate id is
//	the first 64 bits (hex) of SHA-256 over "batchId:index:normalizedText",
//	so the same capture always maps to the same identity; the content hash
//	is the full SHA-256 of the normalized text alone and identifies the
//	content independent of which batch carried it.
//
// # Inputs
//
//	batch - The enclosing batch; supplies identity, topic, and timestamps.
//	index - Position of the entry within the batch.
//	rawText - The captured text, unmodified.
//
// # Outputs
//
//	The candidate, or one of ErrEmptyText, ErrTooShort, ErrTooLong,
//	ErrLowQuality, ErrBannedPattern wrapped with entry coordinates. No side
//	effects on failure.
func (b *Builder) New(batch *Batch, index int, rawText string) (*ConceptCandidate, error) {
	normalized := Normalize(rawText)

	if err := b.validate(normalized); err != nil {
		candidatesRejectedTotal.WithLabelValues(RejectReason(err)).Inc()
		b.logger.Debug("candidate rejected",
			slog.String("batch_id", batch.BatchID),
			slog.Int("index", index),
			slog.String("reason", RejectReason(err)))
		return nil, fmt.Errorf("batch %s entry %d: %w", batch.BatchID, index, err)
	}

	score, _ := b.rules.Quality.Score(normalized)

	c := &ConceptCandidate{
		CandidateID:    ComputeID(batch.BatchID, index, normalized),
		BatchID:        batch.BatchID,
		Index:          index,
		RawText:        rawText,
		NormalizedText: normalized,
		ContentHash:    HashContent(normalized),
		Source:         b.source(batch, index),
		CreatedAt:      time.Now().UTC(),
		KeyTerms:       KeyTerms(normalized, b.rules.KeyTermCount),
		QualityScore:   score,
	}
	if index >= 0 && index < len(batch.Entries) {
		c.TitleHint = batch.Entries[index].Metadata["title"]
	}

	candidatesBuiltTotal.Inc()
	candidateQualityScore.Observe(score)
	return c, nil
}

// FromBatch builds candidates for every entry in the batch, collecting
// per-entry rejections instead of failing the whole batch.
func (b *Builder) FromBatch(batch *Batch) ([]*ConceptCandidate, []Rejection) {
	candidates := make([]*ConceptCandidate, 0, len(batch.Entries))
	var rejected []Rejection
	for i, entry := range batch.Entries {
		c, err := b.New(batch, i, entry.Text)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, Err: err, Reason: RejectReason(err)})
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, rejected
}

// validate applies the admission gates in fixed order. The word-count floor
// is not a separate gate: texts under MinWordCount receive ShortTextScore
// from the quality formula and fail the quality gate instead.
func (b *Builder) validate(normalized string) error {
	if normalized == "" {
		return ErrEmptyText
	}
	if len(normalized) < b.rules.MinTextLength {
		return ErrTooShort
	}
	if len(normalized) > b.rules.MaxTextLength {
		return ErrTooLong
	}
	for _, p := range b.rules.BannedPatterns {
		if p != "" && strings.Contains(normalized, p) {
			return ErrBannedPattern
		}
	}
	if score, _ := b.rules.Quality.Score(normalized); score < b.rules.MinQualityScore {
		return ErrLowQuality
	}
	return nil
}

// source resolves provenance: the entry's uri metadata when present,
// otherwise the batch topic.
func (b *Builder) source(batch *Batch, index int) string {
	if index >= 0 && index < len(batch.Entries) {
		if uri := batch.Entries[index].Metadata["uri"]; uri != "" {
			return uri
		}
	}
	return batch.Topic
}

// =============================================================================
// Identity
// =============================================================================

// ComputeID derives the candidate id: the first 64 bits, hex-encoded, of
// SHA-256 over "batchId:index:normalizedText". This is the system's
// idempotency key.
func ComputeID(batchID string, index int, normalizedText string) string {
	sum := sha256.Sum256([]byte(batchID + ":" + strconv.Itoa(index) + ":" + normalizedText))
	return hex.EncodeToString(sum[:8])
}

// HashContent returns the full SHA-256 hex digest of normalized text. Two
// candidates with equal content hashes are the same content, regardless of
// batch.
func HashContent(normalizedText string) string {
	sum := sha256.Sum256([]byte(normalizedText))
	return hex.EncodeToString(sum[:])
}
