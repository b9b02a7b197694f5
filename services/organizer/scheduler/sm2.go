// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler persists per-concept SM-2 spaced-repetition state and
// answers "what is due?". One JSON file per concept under a flock-guarded
// directory; writes are temp-file + rename so a crash never leaves a
// half-written schedule.
package scheduler

import (
	"fmt"
	"math"
	"time"
)

// =============================================================================
// Review Quality
// =============================================================================

// Quality is the learner's response grade. The numeric values feed the
// SM-2 ease update directly.
type Quality int

const (
	QualityForgot Quality = 0
	QualityHard   Quality = 1
	QualityGood   Quality = 2
	QualityEasy   Quality = 3
)

// qualityNames maps wire strings to grades.
var qualityNames = map[string]Quality{
	"FORGOT": QualityForgot,
	"HARD":   QualityHard,
	"GOOD":   QualityGood,
	"EASY":   QualityEasy,
}

// ParseQuality converts a wire string into a Quality.
func ParseQuality(s string) (Quality, error) {
	q, ok := qualityNames[s]
	if !ok {
		return 0, fmt.Errorf("unknown review quality %q", s)
	}
	return q, nil
}

// String implements fmt.Stringer.
func (q Quality) String() string {
	switch q {
	case QualityForgot:
		return "FORGOT"
	case QualityHard:
		return "HARD"
	case QualityGood:
		return "GOOD"
	case QualityEasy:
		return "EASY"
	default:
		return fmt.Sprintf("Quality(%d)", int(q))
	}
}

// =============================================================================
// Schedule Entity
// =============================================================================

// Status is the schedule's position in the learning lifecycle.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusLearning  Status = "LEARNING"
	StatusReviewing Status = "REVIEWING"
	StatusMature    Status = "MATURE"
	StatusSuspended Status = "SUSPENDED"
)

// Params are the mutable SM-2 parameters.
type Params struct {
	EaseFactor   float64 `json:"easeFactor"`
	IntervalDays int     `json:"intervalDays"`
	Repetitions  int     `json:"repetitions"`
}

// ReviewEvent is one history entry.
type ReviewEvent struct {
	ReviewedAt   time.Time `json:"reviewedAt"`
	Quality      string    `json:"quality"`
	IntervalDays int       `json:"intervalDays"`
	EaseFactor   float64   `json:"easeFactor"`
}

// ReviewSchedule is the persisted per-concept entity. SchemaVersion gates
// file compatibility by semver major.
type ReviewSchedule struct {
	SchemaVersion        string        `json:"schemaVersion"`
	ScheduleID           string        `json:"scheduleId"`
	ConceptID            string        `json:"conceptId"`
	Status               Status        `json:"status"`
	Parameters           Params        `json:"parameters"`
	ConsecutiveCorrect   int           `json:"consecutiveCorrect"`
	ConsecutiveIncorrect int           `json:"consecutiveIncorrect"`
	TotalReviews         int           `json:"totalReviews"`
	NextReviewAt         time.Time     `json:"nextReviewAt"`
	LastReviewAt         *time.Time    `json:"lastReviewAt,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	History              []ReviewEvent `json:"history"`

	// SuspendedFrom remembers the status a suspension interrupted so Resume
	// can restore it.
	SuspendedFrom Status `json:"suspendedFrom,omitempty"`
}

// IsDue reports whether the schedule is reviewable at now.
func (s *ReviewSchedule) IsDue(now time.Time) bool {
	return s.Status != StatusSuspended && !s.NextReviewAt.After(now)
}

// =============================================================================
// SM-2 Rules
// =============================================================================

// SM2Rules holds the tunable constants of the SM-2 update.
type SM2Rules struct {
	InitialEase        float64
	MinEase            float64
	MatureIntervalDays int
}

// DefaultSM2Rules are the classic SuperMemo constants.
func DefaultSM2Rules() SM2Rules {
	return SM2Rules{InitialEase: 2.5, MinEase: 1.3, MatureIntervalDays: 21}
}

// Apply mutates s with one review at grade q.
//
// FORGOT resets the repetition chain: interval back to one day, ease
// penalized by 0.2 down to the floor, status back to LEARNING. Any other
// grade advances it: ease moves by 0.1 - (3-q)*(0.08 + (3-q)*0.02), the
// interval runs 1, 6, then round(previous * ease). Status transitions are
// threshold-based: first success leaves NEW, the third consecutive success
// reaches REVIEWING, and an interval of MatureIntervalDays or more is
// MATURE.
func (r SM2Rules) Apply(s *ReviewSchedule, q Quality, now time.Time) {
	prevInterval := s.Parameters.IntervalDays

	if q == QualityForgot {
		s.Parameters.IntervalDays = 1
		s.Parameters.Repetitions = 0
		s.Parameters.EaseFactor = math.Max(r.MinEase, s.Parameters.EaseFactor-0.2)
		s.ConsecutiveIncorrect++
		s.ConsecutiveCorrect = 0
		s.Status = StatusLearning
	} else {
		gap := float64(3 - int(q))
		s.Parameters.EaseFactor = math.Max(r.MinEase,
			s.Parameters.EaseFactor+(0.1-gap*(0.08+gap*0.02)))
		s.Parameters.Repetitions++
		switch s.Parameters.Repetitions {
		case 1:
			s.Parameters.IntervalDays = 1
		case 2:
			s.Parameters.IntervalDays = 6
		default:
			s.Parameters.IntervalDays = int(math.Round(float64(prevInterval) * s.Parameters.EaseFactor))
		}
		s.ConsecutiveCorrect++
		s.ConsecutiveIncorrect = 0

		switch s.Status {
		case StatusNew:
			s.Status = StatusLearning
		case StatusLearning:
			if s.ConsecutiveCorrect >= 3 {
				s.Status = StatusReviewing
			}
		}
		if s.Status == StatusReviewing && s.Parameters.IntervalDays >= r.MatureIntervalDays {
			s.Status = StatusMature
		}
	}

	reviewedAt := now.UTC()
	s.NextReviewAt = reviewedAt.AddDate(0, 0, s.Parameters.IntervalDays)
	s.LastReviewAt = &reviewedAt
	s.TotalReviews++
	s.History = append(s.History, ReviewEvent{
		ReviewedAt:   reviewedAt,
		Quality:      q.String(),
		IntervalDays: s.Parameters.IntervalDays,
		EaseFactor:   s.Parameters.EaseFactor,
	})
}
