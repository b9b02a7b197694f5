// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// schedule_dump inspects a review schedule directory offline.
//
// The scheduler keeps one JSON file per concept. This tool reads the
// directory without taking the process lock and prints a summary: total
// schedules, counts by status, the next due review, and the oldest overdue
// one. Files that fail to parse are reported and skipped.
//
// Usage:
//
//	schedule_dump [--dir ./data/schedules] [--json]
//
// If --dir is not given, reads RECALL_SCHEDULE_DIR from the environment,
// falling back to ./data/schedules.
//
// Exit codes:
//
//	0 — success (including "empty directory" which prints a message and exits 0)
//	1 — error reading the directory
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/recall/services/organizer/scheduler"
)

// dumpSummary is the --json output shape.
type dumpSummary struct {
	Dir           string         `json:"dir"`
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"byStatus"`
	Overdue       int            `json:"overdue"`
	NextDue       *dumpEntry     `json:"nextDue,omitempty"`
	OldestOverdue *dumpEntry     `json:"oldestOverdue,omitempty"`
	Unreadable    []string       `json:"unreadable,omitempty"`
}

// dumpEntry is one schedule in the --json output.
type dumpEntry struct {
	ConceptID    string    `json:"conceptId"`
	Status       string    `json:"status"`
	NextReviewAt time.Time `json:"nextReviewAt"`
	IntervalDays int       `json:"intervalDays"`
	EaseFactor   float64   `json:"easeFactor"`
}

func main() {
	dirFlag := flag.String("dir", "", "Schedule directory (overrides RECALL_SCHEDULE_DIR env var)")
	jsonFlag := flag.Bool("json", false, "Emit the summary as JSON")
	flag.Parse()

	dir := *dirFlag
	if dir == "" {
		dir = os.Getenv("RECALL_SCHEDULE_DIR")
	}
	if dir == "" {
		dir = filepath.Join(".", "data", "schedules")
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		fmt.Printf("Schedule directory %s does not exist.\n", dir)
		fmt.Println("The organizer has not routed any concepts yet.")
		os.Exit(0)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		fatalf("read %s: %v", dir, err)
	}

	var schedules []*scheduler.ReviewSchedule
	var unreadable []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			unreadable = append(unreadable, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		var s scheduler.ReviewSchedule
		if err := json.Unmarshal(data, &s); err != nil {
			unreadable = append(unreadable, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		schedules = append(schedules, &s)
	}

	if len(schedules) == 0 && len(unreadable) == 0 {
		fmt.Printf("Schedule directory %s is empty.\n", dir)
		os.Exit(0)
	}

	summary := summarize(dir, schedules, unreadable)

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			fatalf("encode summary: %v", err)
		}
		return
	}
	printSummary(summary)
}

// summarize computes the counts and the boundary schedules.
func summarize(dir string, schedules []*scheduler.ReviewSchedule, unreadable []string) *dumpSummary {
	now := time.Now()
	summary := &dumpSummary{
		Dir:        dir,
		Total:      len(schedules),
		ByStatus:   make(map[string]int),
		Unreadable: unreadable,
	}

	var nextDue, oldestOverdue *scheduler.ReviewSchedule
	for _, s := range schedules {
		summary.ByStatus[string(s.Status)]++
		if s.Status == scheduler.StatusSuspended {
			continue
		}

		if s.NextReviewAt.Before(now) {
			summary.Overdue++
			if oldestOverdue == nil || s.NextReviewAt.Before(oldestOverdue.NextReviewAt) {
				oldestOverdue = s
			}
		} else if nextDue == nil || s.NextReviewAt.Before(nextDue.NextReviewAt) {
			nextDue = s
		}
	}

	summary.NextDue = toEntry(nextDue)
	summary.OldestOverdue = toEntry(oldestOverdue)
	return summary
}

// toEntry converts a schedule to the output shape; nil stays nil.
func toEntry(s *scheduler.ReviewSchedule) *dumpEntry {
	if s == nil {
		return nil
	}
	return &dumpEntry{
		ConceptID:    s.ConceptID,
		Status:       string(s.Status),
		NextReviewAt: s.NextReviewAt,
		IntervalDays: s.Parameters.IntervalDays,
		EaseFactor:   s.Parameters.EaseFactor,
	}
}

// printSummary renders the human-readable report.
func printSummary(s *dumpSummary) {
	fmt.Printf("Schedule directory: %s\n", s.Dir)
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("Total schedules: %d\n", s.Total)

	statuses := make([]string, 0, len(s.ByStatus))
	for st := range s.ByStatus {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Printf("  %-10s %d\n", st, s.ByStatus[st])
	}

	fmt.Printf("Overdue: %d\n", s.Overdue)
	if s.OldestOverdue != nil {
		age := time.Since(s.OldestOverdue.NextReviewAt).Round(time.Hour)
		fmt.Printf("  oldest: %s (%s, due %s ago)\n",
			s.OldestOverdue.ConceptID, s.OldestOverdue.Status, age)
	}
	if s.NextDue != nil {
		until := time.Until(s.NextDue.NextReviewAt).Round(time.Minute)
		fmt.Printf("Next due: %s (%s, in %s)\n",
			s.NextDue.ConceptID, s.NextDue.Status, until)
	}

	if len(s.Unreadable) > 0 {
		fmt.Printf("\nUnreadable files (%d):\n", len(s.Unreadable))
		for _, u := range s.Unreadable {
			fmt.Printf("  %s\n", u)
		}
	}
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "schedule_dump: "+format+"\n", args...)
	os.Exit(1)
}
