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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/recall/services/organizer/syncutil"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	reviewsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "scheduler",
		Name:      "reviews_processed_total",
		Help:      "Reviews processed by quality grade",
	}, []string{"quality"})

	schedulesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "scheduler",
		Name:      "schedules_created_total",
		Help:      "New schedules created",
	})
)

// ErrSuspended: the schedule is suspended and cannot take reviews.
var ErrSuspended = errors.New("schedule is suspended")

// =============================================================================
// Scheduler
// =============================================================================

// Options configures the Scheduler.
type Options struct {
	Dir              string
	Rules            SM2Rules
	SecondsPerReview int
	Logger           *slog.Logger
}

// DueOptions shapes GetDueReviews.
type DueOptions struct {
	Limit int
	// PrioritizeByDifficulty sorts by ease ascending (hardest first) before
	// due time.
	PrioritizeByDifficulty bool
}

// BulkOptions shapes BulkSchedule.
type BulkOptions struct {
	BatchSize    int
	SkipExisting bool
}

// ReviewPlan summarizes upcoming workload.
type ReviewPlan struct {
	Overdue     int            `json:"overdue"`
	DueToday    int            `json:"dueToday"`
	DueTomorrow int            `json:"dueTomorrow"`
	DueThisWeek int            `json:"dueThisWeek"`
	ByStatus    map[Status]int `json:"byStatus"`
}

// SystemHealth summarizes scheduler state for the health endpoint.
type SystemHealth struct {
	TotalSchedules    int            `json:"totalSchedules"`
	ByStatus          map[Status]int `json:"byStatus"`
	AverageEase       float64        `json:"averageEase"`
	OverdueCount      int            `json:"overdueCount"`
	OldestOverdueDays int            `json:"oldestOverdueDays"`
	Healthy           bool           `json:"healthy"`
}

// unhealthyOverdueDays is the backlog age at which health flips to false.
const unhealthyOverdueDays = 14

// Scheduler runs SM-2 spaced repetition over a flock-guarded directory of
// JSON schedule files.
//
// # Thread Safety
//
// Safe for concurrent use. Writers serialize per concept through a keyed
// mutex; reads work on freshly loaded immutable snapshots.
type Scheduler struct {
	store            *fileStore
	rules            SM2Rules
	secondsPerReview int

	locks  syncutil.KeyedMutex
	now    func() time.Time
	logger *slog.Logger
}

// New opens the schedule directory and constructs the Scheduler. Fails with
// ErrLocked if another process owns the directory.
func New(opts Options) (*Scheduler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Rules == (SM2Rules{}) {
		opts.Rules = DefaultSM2Rules()
	}
	if opts.SecondsPerReview <= 0 {
		opts.SecondsPerReview = 30
	}
	store, err := openStore(opts.Dir, logger)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:            store,
		rules:            opts.Rules,
		secondsPerReview: opts.SecondsPerReview,
		now:              time.Now,
		logger:           logger,
	}, nil
}

// Close releases the directory lock.
func (s *Scheduler) Close() error {
	return s.store.close()
}

// Schedule creates a NEW schedule for the concept, due immediately. An
// existing schedule is returned unchanged.
func (s *Scheduler) Schedule(conceptID string, params *Params) (*ReviewSchedule, error) {
	release := s.locks.Lock(conceptID)
	defer release()
	return s.scheduleLocked(conceptID, params)
}

func (s *Scheduler) scheduleLocked(conceptID string, params *Params) (*ReviewSchedule, error) {
	existing, err := s.store.load(conceptID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	sched := &ReviewSchedule{
		SchemaVersion: SchemaVersion,
		ScheduleID:    uuid.NewString(),
		ConceptID:     conceptID,
		Status:        StatusNew,
		Parameters: Params{
			EaseFactor:   s.rules.InitialEase,
			IntervalDays: 0,
			Repetitions:  0,
		},
		NextReviewAt: now,
		CreatedAt:    now,
		History:      []ReviewEvent{},
	}
	if params != nil {
		sched.Parameters = *params
	}

	if err := s.store.save(sched); err != nil {
		return nil, err
	}
	schedulesCreatedTotal.Inc()
	return sched, nil
}

// ProcessReview applies one review and persists the result. Suspended
// schedules reject reviews with ErrSuspended.
func (s *Scheduler) ProcessReview(conceptID string, q Quality) (*ReviewSchedule, error) {
	release := s.locks.Lock(conceptID)
	defer release()

	sched, err := s.store.load(conceptID)
	if err != nil {
		return nil, err
	}
	if sched.Status == StatusSuspended {
		return nil, fmt.Errorf("concept %s: %w", conceptID, ErrSuspended)
	}

	s.rules.Apply(sched, q, s.now())
	if err := s.store.save(sched); err != nil {
		return nil, err
	}
	reviewsProcessedTotal.WithLabelValues(q.String()).Inc()
	return sched, nil
}

// GetSchedule returns the schedule for one concept.
func (s *Scheduler) GetSchedule(conceptID string) (*ReviewSchedule, error) {
	return s.store.load(conceptID)
}

// GetDueReviews lists schedules due at now, soonest first. With
// PrioritizeByDifficulty the primary sort is ease ascending.
func (s *Scheduler) GetDueReviews(opts DueOptions) ([]*ReviewSchedule, error) {
	all, err := s.store.loadAll()
	if err != nil {
		return nil, err
	}

	now := s.now()
	var due []*ReviewSchedule
	for _, sched := range all {
		if sched.IsDue(now) {
			due = append(due, sched)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if opts.PrioritizeByDifficulty && due[i].Parameters.EaseFactor != due[j].Parameters.EaseFactor {
			return due[i].Parameters.EaseFactor < due[j].Parameters.EaseFactor
		}
		if !due[i].NextReviewAt.Equal(due[j].NextReviewAt) {
			return due[i].NextReviewAt.Before(due[j].NextReviewAt)
		}
		return due[i].ConceptID < due[j].ConceptID
	})
	if opts.Limit > 0 && len(due) > opts.Limit {
		due = due[:opts.Limit]
	}
	return due, nil
}

// Suspend parks a schedule; it stops appearing in due lists until Resume.
func (s *Scheduler) Suspend(conceptID string) (*ReviewSchedule, error) {
	release := s.locks.Lock(conceptID)
	defer release()

	sched, err := s.store.load(conceptID)
	if err != nil {
		return nil, err
	}
	if sched.Status == StatusSuspended {
		return sched, nil
	}
	sched.SuspendedFrom = sched.Status
	sched.Status = StatusSuspended
	if err := s.store.save(sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// Resume restores the status a suspension interrupted.
func (s *Scheduler) Resume(conceptID string) (*ReviewSchedule, error) {
	release := s.locks.Lock(conceptID)
	defer release()

	sched, err := s.store.load(conceptID)
	if err != nil {
		return nil, err
	}
	if sched.Status != StatusSuspended {
		return sched, nil
	}
	restored := sched.SuspendedFrom
	if restored == "" {
		restored = StatusLearning
	}
	sched.Status = restored
	sched.SuspendedFrom = ""
	if err := s.store.save(sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// BulkSchedule creates schedules in groups, syncing directory metadata per
// group. Returns the number of schedules created.
func (s *Scheduler) BulkSchedule(conceptIDs []string, opts BulkOptions) (int, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	created := 0
	for start := 0; start < len(conceptIDs); start += batchSize {
		end := start + batchSize
		if end > len(conceptIDs) {
			end = len(conceptIDs)
		}
		for _, id := range conceptIDs[start:end] {
			release := s.locks.Lock(id)
			if opts.SkipExisting {
				if _, err := s.store.load(id); err == nil {
					release()
					continue
				} else if !errors.Is(err, ErrNotFound) {
					release()
					return created, err
				}
			}
			_, err := s.scheduleLocked(id, nil)
			release()
			if err != nil {
				return created, err
			}
			created++
		}
		if err := s.store.syncDir(); err != nil {
			return created, err
		}
	}
	return created, nil
}

// CleanupOrphaned removes schedules whose concept no longer exists. Returns
// the removed concept ids.
func (s *Scheduler) CleanupOrphaned(validIDs map[string]struct{}) ([]string, error) {
	ids, err := s.store.listIDs()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, id := range ids {
		if _, ok := validIDs[id]; ok {
			continue
		}
		release := s.locks.Lock(id)
		err := s.store.remove(id)
		release()
		if err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// GetReviewPlan buckets upcoming reviews. Overdue means due before the
// start of today (UTC); today/tomorrow are calendar days; the week bucket
// covers the seven days starting tomorrow.
func (s *Scheduler) GetReviewPlan() (*ReviewPlan, error) {
	all, err := s.store.loadAll()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	startOfTomorrow := startOfToday.AddDate(0, 0, 1)
	startOfDayAfter := startOfToday.AddDate(0, 0, 2)
	endOfWeek := startOfTomorrow.AddDate(0, 0, 7)

	plan := &ReviewPlan{ByStatus: make(map[Status]int)}
	for _, sched := range all {
		plan.ByStatus[sched.Status]++
		if sched.Status == StatusSuspended {
			continue
		}
		next := sched.NextReviewAt
		switch {
		case next.Before(startOfToday):
			plan.Overdue++
		case next.Before(startOfTomorrow):
			plan.DueToday++
		case next.Before(startOfDayAfter):
			plan.DueTomorrow++
		}
		if !next.Before(startOfTomorrow) && next.Before(endOfWeek) {
			plan.DueThisWeek++
		}
	}
	return plan, nil
}

// GetSystemHealth summarizes totals, average ease, and backlog age. The
// scheduler is unhealthy once the oldest overdue review passes
// unhealthyOverdueDays.
func (s *Scheduler) GetSystemHealth() (*SystemHealth, error) {
	all, err := s.store.loadAll()
	if err != nil {
		return nil, err
	}

	now := s.now()
	health := &SystemHealth{
		TotalSchedules: len(all),
		ByStatus:       make(map[Status]int),
		Healthy:        true,
	}

	var easeSum float64
	for _, sched := range all {
		health.ByStatus[sched.Status]++
		easeSum += sched.Parameters.EaseFactor
		if sched.IsDue(now) {
			health.OverdueCount++
			days := int(now.Sub(sched.NextReviewAt).Hours() / 24)
			if days > health.OldestOverdueDays {
				health.OldestOverdueDays = days
			}
		}
	}
	if len(all) > 0 {
		health.AverageEase = easeSum / float64(len(all))
	}
	health.Healthy = health.OldestOverdueDays < unhealthyOverdueDays
	return health, nil
}

// EstimateDailyStudyTime returns the minutes needed to clear everything
// due in the next 24 hours, including the overdue backlog.
func (s *Scheduler) EstimateDailyStudyTime() (time.Duration, error) {
	all, err := s.store.loadAll()
	if err != nil {
		return 0, err
	}

	horizon := s.now().Add(24 * time.Hour)
	count := 0
	for _, sched := range all {
		if sched.Status != StatusSuspended && !sched.NextReviewAt.After(horizon) {
			count++
		}
	}
	total := time.Duration(count*s.secondsPerReview) * time.Second
	return total.Round(time.Minute), nil
}
