// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package distill

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	budgetDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "llm",
		Name:      "budget_denied_total",
		Help:      "Spend attempts denied by the daily budget, by resource",
	}, []string{"resource"})

	budgetTokensConsumed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recall",
		Subsystem: "llm",
		Name:      "budget_tokens_consumed",
		Help:      "Tokens consumed against today's budget",
	})

	budgetRequestsConsumed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recall",
		Subsystem: "llm",
		Name:      "budget_requests_consumed",
		Help:      "Requests consumed against today's budget",
	})
)

// =============================================================================
// DailyBudget
// =============================================================================

// DailyBudget enforces the per-day token and request limits shared by the
// distiller and embedder.
//
// # Description
//
//	CanSpend is checked with an estimate before every remote call; Record
//	books the actual usage afterwards. Counters reset lazily at UTC
//	midnight: the first check of a new day zeroes them. A limit of 0 means
//	unlimited for that resource.
//
// # Thread Safety
//
// Safe for concurrent use.
type DailyBudget struct {
	mu           sync.Mutex
	tokenLimit   int
	requestLimit int

	tokens   int
	requests int
	day      time.Time // UTC midnight of the day the counters belong to

	now func() time.Time
}

// NewDailyBudget creates a budget. Zero limits disable enforcement for that
// resource.
func NewDailyBudget(tokenLimit, requestLimit int) *DailyBudget {
	return &DailyBudget{
		tokenLimit:   tokenLimit,
		requestLimit: requestLimit,
		now:          time.Now,
	}
}

// CanSpend reports whether one more request of estTokens fits today's
// budget, and reserves it. The reservation counts a request immediately so
// two concurrent callers cannot both pass a one-request-remaining check;
// Record later adjusts the token count to actual usage.
func (b *DailyBudget) CanSpend(estTokens int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	if b.requestLimit > 0 && b.requests >= b.requestLimit {
		budgetDeniedTotal.WithLabelValues("requests").Inc()
		return false
	}
	if b.tokenLimit > 0 && b.tokens+estTokens > b.tokenLimit {
		budgetDeniedTotal.WithLabelValues("tokens").Inc()
		return false
	}

	b.requests++
	b.tokens += estTokens
	budgetRequestsConsumed.Set(float64(b.requests))
	budgetTokensConsumed.Set(float64(b.tokens))
	return true
}

// Record replaces the estimated token spend of a completed call with the
// actual count reported by the provider.
func (b *DailyBudget) Record(estTokens, actualTokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	b.tokens += actualTokens - estTokens
	if b.tokens < 0 {
		b.tokens = 0
	}
	budgetTokensConsumed.Set(float64(b.tokens))
}

// Release returns a reservation that never became a call (e.g. the rate
// limiter wait was cancelled).
func (b *DailyBudget) Release(estTokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	b.requests--
	b.tokens -= estTokens
	if b.requests < 0 {
		b.requests = 0
	}
	if b.tokens < 0 {
		b.tokens = 0
	}
	budgetRequestsConsumed.Set(float64(b.requests))
	budgetTokensConsumed.Set(float64(b.tokens))
}

// Remaining returns (tokens, requests) left today; -1 means unlimited.
func (b *DailyBudget) Remaining() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	tokens, requests := -1, -1
	if b.tokenLimit > 0 {
		tokens = max(0, b.tokenLimit-b.tokens)
	}
	if b.requestLimit > 0 {
		requests = max(0, b.requestLimit-b.requests)
	}
	return tokens, requests
}

// Summary renders the budget state for logs.
func (b *DailyBudget) Summary() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return fmt.Sprintf("llm budget: %d/%d tokens, %d/%d requests (0 = unlimited)",
		b.tokens, b.tokenLimit, b.requests, b.requestLimit)
}

// rollover resets the counters when the UTC day has changed. Caller holds
// b.mu.
func (b *DailyBudget) rollover() {
	today := b.now().UTC().Truncate(24 * time.Hour)
	if today.Equal(b.day) {
		return
	}
	b.day = today
	b.tokens = 0
	b.requests = 0
	budgetTokensConsumed.Set(0)
	budgetRequestsConsumed.Set(0)
}
