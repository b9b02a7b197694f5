// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/recall/services/organizer/distill"
	"github.com/AleutianAI/recall/services/organizer/vecmath"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	embedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "embed",
		Name:      "requests_total",
		Help:      "Embedding outcomes: ok, cached, quota, upstream, dimension",
	}, []string{"outcome"})

	embedLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recall",
		Subsystem: "embed",
		Name:      "latency_seconds",
		Help:      "Latency of remote embedding calls",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
)

var embedTracer = otel.Tracer("recall.organizer.embed")

// =============================================================================
// Ollama Embedder
// =============================================================================

// ollamaEmbedReq is the Ollama /api/embed request body. Input carries both
// texts so one round trip produces both vectors.
type ollamaEmbedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResp is the Ollama /api/embed response body.
type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaOptions configures the OllamaEmbedder.
type OllamaOptions struct {
	BaseURL    string // e.g. "http://localhost:11434"
	Model      string
	Dimensions int // required; must match the vector index collections

	Timeout        time.Duration // per remote call; default 30s
	MaxRetries     int
	RetryBaseDelay time.Duration

	Budget  *distill.DailyBudget // shared with the distiller; required
	Limiter *rate.Limiter        // nil = unthrottled
	Logger  *slog.Logger
}

// OllamaEmbedder implements Embedder over Ollama's /api/embed endpoint.
//
// # Description
//
//	One request carries both the title text and the context text; the
//	response vectors are unit-normalized at this boundary so every
//	downstream similarity is a plain dot product. A response vector whose
//	length differs from the configured dimension fails with ErrDimension
//	and is never retried — retrying cannot change a model's output shape.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaEmbedder struct {
	url    string
	model  string
	dims   int
	client *http.Client

	maxRetries     int
	retryBaseDelay time.Duration

	budget  *distill.DailyBudget
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOllamaEmbedder constructs the embedder. Budget must not be nil.
func NewOllamaEmbedder(opts OllamaOptions) *OllamaEmbedder {
	if opts.Budget == nil {
		panic("NewOllamaEmbedder: budget must not be nil")
	}
	if opts.Dimensions <= 0 {
		panic("NewOllamaEmbedder: dimensions must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryBase := opts.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	return &OllamaEmbedder{
		url:            strings.TrimSuffix(opts.BaseURL, "/") + "/api/embed",
		model:          opts.Model,
		dims:           opts.Dimensions,
		client:         &http.Client{Timeout: timeout},
		maxRetries:     opts.MaxRetries,
		retryBaseDelay: retryBase,
		budget:         opts.Budget,
		limiter:        opts.Limiter,
		logger:         logger,
	}
}

// Embed implements Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, concept *distill.DistilledConcept) (*VectorEmbeddings, error) {
	ctx, span := embedTracer.Start(ctx, "embed.OllamaEmbedder.Embed",
		trace.WithAttributes(
			attribute.String("model", e.model),
			attribute.Int("dimensions", e.dims),
		))
	defer span.End()

	contextText := ContextText(concept)
	est := distill.EstimateTokens(concept.Title) + distill.EstimateTokens(contextText)

	if !e.budget.CanSpend(est) {
		embedRequestsTotal.WithLabelValues("quota").Inc()
		span.SetStatus(codes.Error, "quota")
		return nil, fmt.Errorf("daily budget exhausted: %w", ErrQuota)
	}

	vectors, err := e.callWithRetry(ctx, []string{concept.Title, contextText}, est)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for i, v := range vectors {
		if len(v) != e.dims {
			embedRequestsTotal.WithLabelValues("dimension").Inc()
			return nil, fmt.Errorf("vector %d has %d dims, want %d: %w", i, len(v), e.dims, ErrDimension)
		}
	}

	embedRequestsTotal.WithLabelValues("ok").Inc()
	return &VectorEmbeddings{
		TitleVector:   vecmath.Normalize(vectors[0]),
		ContextVector: vecmath.Normalize(vectors[1]),
		Dimensions:    e.dims,
		ContentHash:   concept.ContentHash,
		Model:         e.model,
		EmbeddedAt:    time.Now().UTC(),
	}, nil
}

// callWithRetry runs the HTTP call with the limiter and backoff policy.
func (e *OllamaEmbedder) callWithRetry(ctx context.Context, inputs []string, est int) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				e.budget.Release(est)
				return nil, fmt.Errorf("embed cancelled during backoff: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				e.budget.Release(est)
				return nil, fmt.Errorf("embed cancelled waiting for rate limiter: %w", err)
			}
		}

		vectors, err := e.call(ctx, inputs)
		if err == nil {
			e.budget.Record(est, est)
			return vectors, nil
		}

		lastErr = err
		embedRequestsTotal.WithLabelValues("upstream").Inc()
		e.logger.Warn("embed call failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))

		if ctx.Err() != nil {
			break
		}
	}

	e.budget.Release(est)
	return nil, fmt.Errorf("embed failed after %d attempts: %w", e.maxRetries+1, lastErr)
}

// call performs one /api/embed round trip.
func (e *OllamaEmbedder) call(ctx context.Context, inputs []string) ([][]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedReq{Model: e.model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	embedLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %s", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: embed service returned %d: %s", ErrUpstream, resp.StatusCode, string(body))
	}

	var parsed ollamaEmbedResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parse response: %s", ErrUpstream, err)
	}
	if len(parsed.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrUpstream, len(parsed.Embeddings), len(inputs))
	}
	return parsed.Embeddings, nil
}
