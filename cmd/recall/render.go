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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/recall/services/organizer"
	"github.com/AleutianAI/recall/services/organizer/routing"
	"github.com/AleutianAI/recall/services/organizer/scheduler"
)

// colorEnabled gates all styling: piping recall into a file or another
// tool must produce plain text.
var colorEnabled = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

// styled returns s when stdout is a terminal and a no-op style otherwise.
func styled(s lipgloss.Style) lipgloss.Style {
	if !colorEnabled {
		return lipgloss.NewStyle()
	}
	return s
}

var (
	titleStyle   = styled(lipgloss.NewStyle().Bold(true))
	dimStyle     = styled(lipgloss.NewStyle().Faint(true))
	errorStyle   = styled(lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")))
	successStyle = styled(lipgloss.NewStyle().Foreground(lipgloss.Color("10")))
	warnStyle    = styled(lipgloss.NewStyle().Foreground(lipgloss.Color("11")))
	accentStyle  = styled(lipgloss.NewStyle().Foreground(lipgloss.Color("14")))
)

// actionStyle picks a color per routing action.
func actionStyle(action routing.Action) lipgloss.Style {
	switch action {
	case routing.ActionRoute:
		return successStyle
	case routing.ActionCreateFolder:
		return accentStyle
	case routing.ActionDuplicate, routing.ActionUnsorted:
		return dimStyle
	case routing.ActionReview:
		return warnStyle
	default:
		return lipgloss.NewStyle()
	}
}

// renderDecision formats one routing decision for the terminal.
func renderDecision(d *routing.RoutingDecision) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s", actionStyle(d.Action).Render(string(d.Action)), d.CandidateID)
	switch {
	case d.NewFolder != nil:
		fmt.Fprintf(&b, " -> new folder %q (%s)", d.NewFolder.Name, d.FolderID)
	case d.FolderID != "":
		fmt.Fprintf(&b, " -> %s", d.FolderID)
	case d.DuplicateID != "":
		fmt.Fprintf(&b, " (duplicate of %s)", d.DuplicateID)
	}
	fmt.Fprintf(&b, "  confidence %.2f\n", d.Confidence)

	fmt.Fprintf(&b, "  %s\n", dimStyle.Render(
		fmt.Sprintf("signal=%s state=%s", d.Explanation.PrimarySignal, d.Explanation.SystemState)))
	for _, factor := range d.Explanation.DecisionFactors {
		fmt.Fprintf(&b, "  %s\n", dimStyle.Render("- "+factor))
	}
	if len(d.References) > 0 {
		fmt.Fprintf(&b, "  references: %s\n", strings.Join(d.References, ", "))
	}
	return b.String()
}

// renderBatchResult formats a full batch response.
func renderBatchResult(resp *organizer.BatchRoutingResponse) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", titleStyle.Render(fmt.Sprintf("Batch %s: %d routed, %d rejected",
		resp.BatchID, len(resp.Decisions), len(resp.Rejected))))
	for _, d := range resp.Decisions {
		b.WriteString(renderDecision(d))
	}
	for _, rej := range resp.Rejected {
		fmt.Fprintf(&b, "%s entry %d: %s\n", errorStyle.Render("REJECTED"), rej.Index, rej.Reason)
	}
	for _, sf := range resp.SuggestedFolders {
		fmt.Fprintf(&b, "%s %q (%d snippets, avg similarity %.2f)\n",
			accentStyle.Render("SUGGESTED FOLDER"), sf.Name, len(sf.CandidateIDs), sf.AvgSimilarity)
	}
	return b.String()
}

// renderFolders formats the folder listing.
func renderFolders(folders []organizer.FolderSummary) string {
	if len(folders) == 0 {
		return dimStyle.Render("No folders yet.") + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render(fmt.Sprintf("%-38s %7s %9s %9s  %s",
		"FOLDER", "MEMBERS", "COHESION", "QUALITY", "UPDATED")))
	for _, f := range folders {
		fmt.Fprintf(&b, "%-38s %7d %9.2f %9.2f  %s\n",
			f.FolderID, f.MemberCount, f.Quality.Cohesion, f.Quality.Overall,
			f.LastUpdated.Local().Format("2006-01-02 15:04"))
	}
	return b.String()
}

// renderDue formats the due queue.
func renderDue(resp *organizer.DueResponse) string {
	if len(resp.Due) == 0 {
		return successStyle.Render("Nothing due. ") + dimStyle.Render("Come back tomorrow.") + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render(
		fmt.Sprintf("%d due, estimated study time %s", len(resp.Due), resp.Estimated)))
	now := time.Now()
	for _, s := range resp.Due {
		overdue := ""
		if days := int(now.Sub(s.NextReviewAt).Hours() / 24); days >= 1 {
			overdue = warnStyle.Render(fmt.Sprintf("  %dd overdue", days))
		}
		fmt.Fprintf(&b, "%-40s %-10s ease %.2f  interval %dd%s\n",
			s.ConceptID, s.Status, s.Parameters.EaseFactor, s.Parameters.IntervalDays, overdue)
	}
	return b.String()
}

// renderPlan formats the workload buckets.
func renderPlan(plan *scheduler.ReviewPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Review plan"))
	fmt.Fprintf(&b, "  overdue:       %d\n", plan.Overdue)
	fmt.Fprintf(&b, "  due today:     %d\n", plan.DueToday)
	fmt.Fprintf(&b, "  due tomorrow:  %d\n", plan.DueTomorrow)
	fmt.Fprintf(&b, "  due this week: %d\n", plan.DueThisWeek)
	if len(plan.ByStatus) > 0 {
		b.WriteString("  by status:\n")
		for _, st := range []scheduler.Status{scheduler.StatusNew, scheduler.StatusLearning, scheduler.StatusReviewing, scheduler.StatusMature, scheduler.StatusSuspended} {
			if n, ok := plan.ByStatus[st]; ok {
				fmt.Fprintf(&b, "    %-10s %d\n", st, n)
			}
		}
	}
	return b.String()
}

// renderSchedule formats a one-line schedule summary after grading.
func renderSchedule(s *scheduler.ReviewSchedule) string {
	return fmt.Sprintf("%s %s: next review %s (interval %dd, ease %.2f)",
		successStyle.Render("OK"), s.ConceptID,
		s.NextReviewAt.Local().Format("2006-01-02"),
		s.Parameters.IntervalDays, s.Parameters.EaseFactor)
}
