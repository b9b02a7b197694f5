// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry ships routing decisions and review events to an
// optional time-series sink. Recording is fire-and-forget: the hot path
// never blocks on, or fails because of, the sink.
package telemetry

import (
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/recall/services/organizer/routing"
	"github.com/AleutianAI/recall/services/organizer/scheduler"
)

// Sink receives decision and review events.
type Sink interface {
	RecordDecision(d *routing.RoutingDecision)
	RecordReview(conceptID string, quality scheduler.Quality, s *scheduler.ReviewSchedule)
	Close()
}

// NopSink drops everything. The default when no sink is configured.
type NopSink struct{}

func (NopSink) RecordDecision(*routing.RoutingDecision)                          {}
func (NopSink) RecordReview(string, scheduler.Quality, *scheduler.ReviewSchedule) {}
func (NopSink) Close()                                                           {}

// InfluxOptions locates the InfluxDB bucket.
type InfluxOptions struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Logger *slog.Logger
}

// InfluxSink writes events through the non-blocking write API. Write
// failures surface on the error channel and are logged, never returned.
//
// # Thread Safety
//
// Safe for concurrent use; the write API batches internally.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	done     chan struct{}
	logger   *slog.Logger
}

// NewInfluxSink connects the client and starts the error drain.
func NewInfluxSink(opts InfluxOptions) *InfluxSink {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	writeAPI := client.WriteAPI(opts.Org, opts.Bucket)

	s := &InfluxSink{
		client:   client,
		writeAPI: writeAPI,
		done:     make(chan struct{}),
		logger:   opts.Logger,
	}
	go s.drainErrors()
	return s
}

func (s *InfluxSink) drainErrors() {
	defer close(s.done)
	for err := range s.writeAPI.Errors() {
		s.logger.Warn("influx write failed", slog.String("error", err.Error()))
	}
}

// RecordDecision implements Sink.
func (s *InfluxSink) RecordDecision(d *routing.RoutingDecision) {
	p := influxdb2.NewPoint("routing_decision",
		map[string]string{
			"action": string(d.Action),
			"signal": d.Explanation.PrimarySignal,
			"state":  d.Explanation.SystemState,
		},
		map[string]interface{}{
			"candidate_id": d.CandidateID,
			"folder_id":    d.FolderID,
			"confidence":   d.Confidence,
			"references":   len(d.References),
		},
		d.Timestamp)
	s.writeAPI.WritePoint(p)
}

// RecordReview implements Sink.
func (s *InfluxSink) RecordReview(conceptID string, quality scheduler.Quality, sched *scheduler.ReviewSchedule) {
	p := influxdb2.NewPoint("review_event",
		map[string]string{
			"quality": quality.String(),
			"status":  string(sched.Status),
		},
		map[string]interface{}{
			"concept_id":    conceptID,
			"ease_factor":   sched.Parameters.EaseFactor,
			"interval_days": sched.Parameters.IntervalDays,
			"total_reviews": sched.TotalReviews,
		},
		time.Now().UTC())
	s.writeAPI.WritePoint(p)
}

// Close flushes buffered points and stops the client.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
	<-s.done
}
