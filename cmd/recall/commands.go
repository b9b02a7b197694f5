// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// newIngestCmd builds `recall ingest <batch.json>`.
func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <batch.json>",
		Short: "Ingest a capture batch and route every snippet",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				fatalf("read batch file: %v", err)
			}
			// Validate locally so a malformed file fails before the upload.
			if !json.Valid(raw) {
				fatalf("%s is not valid JSON", args[0])
			}

			resp, err := newAPIClient().IngestBatch(raw)
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Print(renderBatchResult(resp))
		},
	}
}

// newRouteCmd builds `recall route <text>`.
func newRouteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "route <text>",
		Short: "Route a single snippet",
		Args:  cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			text := strings.Join(args, " ")
			decision, err := newAPIClient().Route(text)
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Print(renderDecision(decision))
		},
	}
}

// newFoldersCmd builds `recall folders`.
func newFoldersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folders",
		Short: "List folders with member counts and quality",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			folders, err := newAPIClient().Folders()
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Print(renderFolders(folders))
		},
	}
}

// newDueCmd builds `recall due`.
func newDueCmd() *cobra.Command {
	var limit int
	var byDifficulty bool

	cmd := &cobra.Command{
		Use:   "due",
		Short: "Show the due review queue",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			resp, err := newAPIClient().Due(limit, byDifficulty)
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Print(renderDue(resp))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Cap the number of due schedules (0 = all)")
	cmd.Flags().BoolVar(&byDifficulty, "by-difficulty", false, "Order hardest first instead of most overdue first")
	return cmd
}

// newPlanCmd builds `recall plan`.
func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the upcoming review workload",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			plan, err := newAPIClient().Plan()
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Print(renderPlan(plan))

			health, err := newAPIClient().ReviewHealth()
			if err != nil {
				fatalf("%v", err)
			}
			state := successStyle.Render("healthy")
			if !health.Healthy {
				state = warnStyle.Render(fmt.Sprintf("backlogged (oldest overdue %dd)", health.OldestOverdueDays))
			}
			fmt.Printf("%d schedules, average ease %.2f, %s\n",
				health.TotalSchedules, health.AverageEase, state)
		},
	}
}

// newReconcileCmd builds `recall reconcile`.
func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Replay the outage journal and drop orphaned schedules",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			resp, err := newAPIClient().Reconcile()
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("journal: %d replayed, %d remaining\n", resp.JournalReplayed, resp.JournalRemaining)
			if len(resp.OrphansRemoved) == 0 {
				fmt.Println("orphans: none")
				return
			}
			fmt.Printf("orphans removed (%d):\n", len(resp.OrphansRemoved))
			for _, id := range resp.OrphansRemoved {
				fmt.Printf("  %s\n", id)
			}
		},
	}
}
