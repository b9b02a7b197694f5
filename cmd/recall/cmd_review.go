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
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/recall/services/organizer/scheduler"
)

// newReviewCmd builds `recall review`, the interactive grading session.
func newReviewCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Grade due reviews interactively",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			client := newAPIClient()
			resp, err := client.Due(limit, false)
			if err != nil {
				fatalf("%v", err)
			}
			if len(resp.Due) == 0 {
				fmt.Print(renderDue(resp))
				return
			}

			model := newReviewModel(client, resp.Due)
			final, err := tea.NewProgram(model).Run()
			if err != nil {
				fatalf("review session failed: %v", err)
			}
			if m, ok := final.(reviewModel); ok {
				fmt.Printf("Session done: %d graded, %d skipped, %d suspended.\n",
					m.graded, m.skipped, m.suspended)
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Cap the session length (0 = everything due)")
	return cmd
}

// gradedMsg carries the server's answer to a grade or suspend call.
type gradedMsg struct {
	sched     *scheduler.ReviewSchedule
	suspended bool
	err       error
}

// reviewModel drives one grading session over the due queue.
type reviewModel struct {
	client *apiClient
	due    []*scheduler.ReviewSchedule
	idx    int

	spinner spinner.Model
	waiting bool
	last    string

	graded    int
	skipped   int
	suspended int
}

func newReviewModel(client *apiClient, due []*scheduler.ReviewSchedule) reviewModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return reviewModel{client: client, due: due, spinner: sp}
}

// Init implements tea.Model.
func (m reviewModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// grade posts the quality for the current concept.
func (m reviewModel) grade(quality string) tea.Cmd {
	conceptID := m.due[m.idx].ConceptID
	return func() tea.Msg {
		sched, err := m.client.ProcessReview(conceptID, quality)
		return gradedMsg{sched: sched, err: err}
	}
}

// suspend pauses the current concept.
func (m reviewModel) suspend() tea.Cmd {
	conceptID := m.due[m.idx].ConceptID
	return func() tea.Msg {
		sched, err := m.client.Suspend(conceptID)
		return gradedMsg{sched: sched, suspended: true, err: err}
	}
}

// Update implements tea.Model.
func (m reviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case gradedMsg:
		m.waiting = false
		if msg.err != nil {
			m.last = errorStyle.Render("Error: ") + msg.err.Error()
			return m, nil
		}
		if msg.suspended {
			m.suspended++
			m.last = fmt.Sprintf("%s %s suspended", warnStyle.Render("--"), msg.sched.ConceptID)
		} else {
			m.graded++
			m.last = renderSchedule(msg.sched)
		}
		m.idx++
		if m.idx >= len(m.due) {
			return m, tea.Quit
		}
		return m, nil

	case tea.KeyMsg:
		if m.waiting {
			return m, nil
		}
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "1", "f":
			m.waiting = true
			return m, m.grade("FORGOT")
		case "2", "h":
			m.waiting = true
			return m, m.grade("HARD")
		case "3", "g":
			m.waiting = true
			return m, m.grade("GOOD")
		case "4", "e":
			m.waiting = true
			return m, m.grade("EASY")
		case "s":
			m.waiting = true
			return m, m.suspend()
		case "n":
			m.skipped++
			m.idx++
			if m.idx >= len(m.due) {
				return m, tea.Quit
			}
			return m, nil
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m reviewModel) View() string {
	if m.idx >= len(m.due) {
		return ""
	}
	s := m.due[m.idx]

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", titleStyle.Render(
		fmt.Sprintf("Review %d/%d", m.idx+1, len(m.due))))

	fmt.Fprintf(&b, "  concept:  %s\n", s.ConceptID)
	fmt.Fprintf(&b, "  status:   %s\n", s.Status)
	fmt.Fprintf(&b, "  interval: %dd   ease %.2f   reviews %d\n",
		s.Parameters.IntervalDays, s.Parameters.EaseFactor, s.TotalReviews)
	if days := int(time.Since(s.NextReviewAt).Hours() / 24); days >= 1 {
		fmt.Fprintf(&b, "  %s\n", warnStyle.Render(fmt.Sprintf("overdue by %dd", days)))
	}
	b.WriteString("\n")

	if m.waiting {
		fmt.Fprintf(&b, "%s grading...\n", m.spinner.View())
	} else {
		fmt.Fprintf(&b, "%s\n", dimStyle.Render("[1] forgot  [2] hard  [3] good  [4] easy  [s]uspend  [n]ext  [q]uit"))
	}
	if m.last != "" {
		fmt.Fprintf(&b, "\n%s\n", m.last)
	}
	return b.String()
}
