// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing is the decision engine: it takes a validated candidate
// through distillation, embedding, duplicate detection, folder scoring, and
// commit, and emits exactly one RoutingDecision per candidate. Writes
// happen only in the final commit stage; a vector-store outage journals the
// pending write for replay instead of losing the placement.
package routing

import (
	"time"
)

// Action is the routing outcome for one candidate.
type Action string

const (
	ActionRoute        Action = "route"
	ActionCreateFolder Action = "create_folder"
	ActionDuplicate    Action = "duplicate"
	ActionUnsorted     Action = "unsorted"
	ActionReview       Action = "review"
)

// Primary signals reported in decision explanations.
const (
	SignalNonStudy       = "non-study"
	SignalBudgetExceeded = "budget-exceeded"
	SignalContentHash    = "content-hash-match"
	SignalTitleMatch     = "title-similarity"
	SignalFolderMatch    = "folder-similarity"
	SignalNoMatch        = "no-folder-match"
	SignalBootstrap      = "bootstrap-folder"
	SignalAmbiguous      = "ambiguous-score"
)

// NewFolder describes a folder minted by a CREATE_FOLDER decision.
type NewFolder struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Explanation tells the user why the decision came out the way it did.
type Explanation struct {
	PrimarySignal   string   `json:"primarySignal"`
	DecisionFactors []string `json:"decisionFactors"`
	AcademicDomain  string   `json:"academicDomain,omitempty"`
	SystemState     string   `json:"systemState"`
}

// RoutingDecision is the wire-level outcome for one candidate.
type RoutingDecision struct {
	CandidateID string      `json:"candidateId"`
	Action      Action      `json:"action"`
	FolderID    string      `json:"folderId,omitempty"`
	NewFolder   *NewFolder  `json:"newFolder,omitempty"`
	DuplicateID string      `json:"duplicateId,omitempty"`
	References  []string    `json:"references"`
	Confidence  float64     `json:"confidence"`
	Explanation Explanation `json:"explanation"`
	Timestamp   time.Time   `json:"timestamp"`
}

// SuggestedFolder is a folder proposal mined from clustered UNSORTED items
// during batch routing.
type SuggestedFolder struct {
	Name          string   `json:"name"`
	CandidateIDs  []string `json:"candidateIds"`
	AvgSimilarity float64  `json:"avgSimilarity"`
}

// BatchResult is the outcome of RouteBatch.
type BatchResult struct {
	Decisions        []*RoutingDecision `json:"decisions"`
	Clusters         [][]string         `json:"clusters"`
	SuggestedFolders []SuggestedFolder  `json:"suggestedFolders"`
}
