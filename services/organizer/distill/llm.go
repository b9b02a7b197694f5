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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	distillRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "distill",
		Name:      "requests_total",
		Help:      "Distillation outcomes: ok, cached, not_study, malformed_fallback, timeout, quota, upstream",
	}, []string{"outcome"})

	distillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recall",
		Subsystem: "distill",
		Name:      "latency_seconds",
		Help:      "Latency of remote distillation calls",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
	})
)

// =============================================================================
// OTel
// =============================================================================

var (
	distillTracer = otel.Tracer("recall.organizer.distill")
	distillMeter  = otel.Meter("recall.organizer.distill")

	distillTokens, _ = distillMeter.Int64Counter("recall.distill.tokens",
		metric.WithDescription("Estimated tokens spent on distillation calls"))
)

// =============================================================================
// Provider Construction
// =============================================================================

// Options configures the LLMDistiller.
type Options struct {
	Provider    string // "ollama" or "openai"
	Model       string
	BaseURL     string
	APIKeyEnv   string // env var holding the API key; sealed immediately
	Temperature float64
	MaxTokens   int

	Timeout        time.Duration // per remote call; default 30s
	MaxRetries     int
	RetryBaseDelay time.Duration

	Budget  *DailyBudget  // required
	Limiter *rate.Limiter // nil = unthrottled
	Logger  *slog.Logger
}

// NewModel builds the langchaingo model for the configured provider.
//
// The API key (when the provider needs one) is read from the environment
// exactly once, sealed in a memguard enclave, and opened only for the
// moment the provider client is constructed. The plaintext copy in the
// environment is wiped.
func NewModel(opts Options) (llms.Model, error) {
	switch opts.Provider {
	case "ollama":
		oOpts := []ollama.Option{ollama.WithModel(opts.Model)}
		if opts.BaseURL != "" {
			oOpts = append(oOpts, ollama.WithServerURL(opts.BaseURL))
		}
		model, err := ollama.New(oOpts...)
		if err != nil {
			return nil, fmt.Errorf("construct ollama model: %w", err)
		}
		return model, nil

	case "openai":
		if opts.APIKeyEnv == "" {
			return nil, fmt.Errorf("openai provider requires apiKeyEnv")
		}
		raw := os.Getenv(opts.APIKeyEnv)
		if raw == "" {
			return nil, fmt.Errorf("API key env %s is empty", opts.APIKeyEnv)
		}
		enclave := memguard.NewEnclave([]byte(raw))
		_ = os.Unsetenv(opts.APIKeyEnv)

		buf, err := enclave.Open()
		if err != nil {
			return nil, fmt.Errorf("open key enclave: %w", err)
		}
		defer buf.Destroy()

		aOpts := []openai.Option{
			openai.WithModel(opts.Model),
			openai.WithToken(buf.String()),
		}
		if opts.BaseURL != "" {
			aOpts = append(aOpts, openai.WithBaseURL(opts.BaseURL))
		}
		model, err := openai.New(aOpts...)
		if err != nil {
			return nil, fmt.Errorf("construct openai model: %w", err)
		}
		return model, nil

	default:
		return nil, fmt.Errorf("unknown distiller provider %q", opts.Provider)
	}
}

// =============================================================================
// LLMDistiller
// =============================================================================

// distillPrompt instructs the model to answer as a single JSON object. The
// classification gate comes first so non-study content costs the model no
// summarization effort.
const distillPrompt = `You organize captured study snippets.

Given the snippet below, answer with a single JSON object and nothing else:
{"classification": "STUDY" or "NOT_STUDY",
 "title": "a title of at most 100 characters",
 "summary": "a faithful summary of 50 to 500 characters",
 "domain": "the academic domain, e.g. mathematics, physics, biology"}

Classify as NOT_STUDY if the snippet is advertising, navigation, UI chrome,
shopping, social chatter, or anything else that is not educational material.
For NOT_STUDY, title, summary and domain may be empty strings.

Snippet:
%s`

// llmAnswer is the JSON shape the model is asked to produce.
type llmAnswer struct {
	Classification string `json:"classification"`
	Title          string `json:"title"`
	Summary        string `json:"summary"`
	Domain         string `json:"domain"`
}

// LLMDistiller implements Distiller over a langchaingo model.
//
// # Description
//
//	Every call passes the daily budget gate first (fail fast with ErrQuota,
//	zero remote calls), then the per-second rate limiter, then the remote
//	call under a hard timeout. Timeouts and upstream failures are retried
//	with exponential backoff up to MaxRetries; quota failures are never
//	retried. A model answer that cannot be parsed falls back to the
//	deterministic distiller rather than failing the concept.
//
// # Thread Safety
//
// Safe for concurrent use.
type LLMDistiller struct {
	model    llms.Model
	fallback *FallbackDistiller

	temperature float64
	maxTokens   int

	timeout        time.Duration
	maxRetries     int
	retryBaseDelay time.Duration

	budget  *DailyBudget
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewLLMDistiller constructs the distiller. The model is built via
// NewModel; budget must not be nil.
func NewLLMDistiller(model llms.Model, opts Options) *LLMDistiller {
	if opts.Budget == nil {
		panic("NewLLMDistiller: budget must not be nil")
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
	return &LLMDistiller{
		model:          model,
		fallback:       NewFallbackDistiller(),
		temperature:    opts.Temperature,
		maxTokens:      opts.MaxTokens,
		timeout:        timeout,
		maxRetries:     opts.MaxRetries,
		retryBaseDelay: retryBase,
		budget:         opts.Budget,
		limiter:        opts.Limiter,
		logger:         logger,
	}
}

// Distill implements Distiller.
func (d *LLMDistiller) Distill(ctx context.Context, normalizedText, contentHash string) (*DistilledConcept, error) {
	ctx, span := distillTracer.Start(ctx, "distill.LLMDistiller.Distill",
		trace.WithAttributes(
			attribute.String("content_hash", shortHash(contentHash)),
			attribute.Int("text_len", len(normalizedText)),
		))
	defer span.End()

	prompt := fmt.Sprintf(distillPrompt, normalizedText)
	est := EstimateTokens(prompt) + d.maxTokens

	if !d.budget.CanSpend(est) {
		distillRequestsTotal.WithLabelValues("quota").Inc()
		span.SetStatus(codes.Error, "quota")
		return nil, fmt.Errorf("daily budget exhausted: %w", ErrQuota)
	}

	raw, err := d.callWithRetry(ctx, prompt, est)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	answer, err := parseAnswer(raw)
	if err != nil {
		// Malformed answers are recovered deterministically; the concept
		// must not be lost because the model ignored its format contract.
		distillRequestsTotal.WithLabelValues("malformed_fallback").Inc()
		d.logger.Warn("distill answer malformed, using fallback",
			slog.String("content_hash", shortHash(contentHash)),
			slog.String("error", err.Error()))
		return d.fallback.Distill(ctx, normalizedText, contentHash)
	}

	if answer.Classification == string(ClassNotStudy) {
		distillRequestsTotal.WithLabelValues("not_study").Inc()
		return &DistilledConcept{
			ContentHash:    contentHash,
			Classification: ClassNotStudy,
			DistilledAt:    time.Now().UTC(),
		}, nil
	}

	distillRequestsTotal.WithLabelValues("ok").Inc()
	return &DistilledConcept{
		Title:          clampRunes(answer.Title, TitleMaxLen),
		Summary:        clampRunes(answer.Summary, SummaryMaxLen),
		ContentHash:    contentHash,
		Classification: ClassStudy,
		Domain:         strings.ToLower(strings.TrimSpace(answer.Domain)),
		DistilledAt:    time.Now().UTC(),
	}, nil
}

// callWithRetry runs the remote call with the limiter, timeout and backoff
// policy applied. est is the budget reservation to reconcile.
func (d *LLMDistiller) callWithRetry(ctx context.Context, prompt string, est int) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			delay := d.retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				d.budget.Release(est)
				return "", fmt.Errorf("distill cancelled during backoff: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				d.budget.Release(est)
				return "", fmt.Errorf("distill cancelled waiting for rate limiter: %w", err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		start := time.Now()
		raw, err := llms.GenerateFromSinglePrompt(callCtx, d.model, prompt,
			llms.WithTemperature(d.temperature),
			llms.WithMaxTokens(d.maxTokens),
		)
		cancel()
		distillLatency.Observe(time.Since(start).Seconds())

		if err == nil {
			actual := EstimateTokens(prompt) + EstimateTokens(raw)
			d.budget.Record(est, actual)
			distillTokens.Add(ctx, int64(actual))
			return raw, nil
		}

		lastErr = classifyCallError(err)
		if errors.Is(lastErr, ErrTimeout) {
			distillRequestsTotal.WithLabelValues("timeout").Inc()
		} else {
			distillRequestsTotal.WithLabelValues("upstream").Inc()
		}
		d.logger.Warn("distill call failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))

		// The parent context ending is not retryable.
		if ctx.Err() != nil {
			break
		}
	}

	d.budget.Release(est)
	return "", fmt.Errorf("distill failed after %d attempts: %w", d.maxRetries+1, lastErr)
}

// classifyCallError maps a transport error onto the distill error taxonomy.
func classifyCallError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %s", ErrUpstream, err)
}

// parseAnswer extracts the JSON object from a model answer. Models wrap
// JSON in prose or code fences often enough that scanning for the outermost
// braces is the robust move.
func parseAnswer(raw string) (*llmAnswer, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in answer", ErrMalformed)
	}

	var answer llmAnswer
	if err := json.Unmarshal([]byte(raw[start:end+1]), &answer); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	switch answer.Classification {
	case string(ClassStudy):
		if strings.TrimSpace(answer.Title) == "" || strings.TrimSpace(answer.Summary) == "" {
			return nil, fmt.Errorf("%w: empty title or summary for study content", ErrMalformed)
		}
	case string(ClassNotStudy):
		// Empty fields are fine.
	default:
		return nil, fmt.Errorf("%w: classification %q", ErrMalformed, answer.Classification)
	}
	return &answer, nil
}

// shortHash truncates a content hash for log and span display.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12] + "..."
	}
	return h
}
