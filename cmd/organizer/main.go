// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command organizer starts the Recall organizer API server.
//
// The organizer ingests OCR'd study-snippet batches, distills each snippet
// into a concept, and routes it against the folder taxonomy held in the
// vector index. A built-in SM-2 scheduler turns every placement into a
// spaced-repetition review queue.
//
// Usage:
//
//	go run ./cmd/organizer
//	go run ./cmd/organizer -config configs/organizer.yaml
//	go run ./cmd/organizer -addr :9090 -log-level debug
//
// With Ollama (distillation + embeddings):
//
//	OLLAMA_BASE_URL=http://localhost:11434 go run ./cmd/organizer
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8085/v1/organizer/health
//
//	# Route a single snippet
//	curl -X POST http://localhost:8085/v1/organizer/route \
//	  -H "Content-Type: application/json" \
//	  -d '{"text": "The Krebs cycle oxidizes acetyl-CoA to carbon dioxide..."}'
//
//	# Ingest a batch
//	curl -X POST http://localhost:8085/v1/organizer/batches \
//	  -H "Content-Type: application/json" \
//	  -d @test/fixtures/batch_biology.json
//
//	# Due reviews
//	curl http://localhost:8085/v1/organizer/reviews/due | jq
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/recall/services/organizer"
	"github.com/AleutianAI/recall/services/organizer/config"
	"github.com/AleutianAI/recall/services/organizer/contentcache"
	"github.com/AleutianAI/recall/services/organizer/distill"
	"github.com/AleutianAI/recall/services/organizer/embed"
	badgerstore "github.com/AleutianAI/recall/services/organizer/storage/badger"
	"github.com/AleutianAI/recall/services/organizer/telemetry"
	"github.com/AleutianAI/recall/services/organizer/vectorindex"
)

// indexReady flips once the background index initialization finishes.
var indexReady atomic.Bool

// envOr returns the environment value for key, or fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// IndexGuardMiddleware returns 503 for routing endpoints while the vector
// index collections are still being created.
//
// # Description
//
//	Index initialization runs in the background so startup stays fast even
//	when weaviate is slow to answer. Until it finishes, any request that
//	would touch the index gets a 503 with Retry-After instead of a
//	confusing connection error from deep inside the pipeline. Health and
//	readiness endpoints pass through so probes keep working.
//
// # Thread Safety
//
// Safe for concurrent use.
func IndexGuardMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !indexReady.Load() {
			path := c.Request.URL.Path
			if !strings.HasSuffix(path, "/health") && !strings.HasSuffix(path, "/ready") {
				slog.Warn("request rejected: index initialization in progress",
					slog.String("path", path),
					slog.String("method", c.Request.Method))
				c.Header("Retry-After", "5")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error": "vector index initialization in progress",
					"code":  "INDEX_INITIALIZING",
				})
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

func main() {
	configPath := flag.String("config", envOr("RECALL_CONFIG", ""), "Path to YAML config (empty = embedded defaults)")
	addr := flag.String("addr", envOr("RECALL_ADDR", ""), "Listen address override, e.g. :9090")
	logLevel := flag.String("log-level", envOr("RECALL_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	metricsStdout := flag.Bool("metrics-stdout", false, "Also export OTel metrics to stdout")
	traceStdout := flag.Bool("trace-stdout", false, "Export spans to stdout instead of OTLP")
	debug := flag.Bool("debug", false, "Enable gin debug mode and request logging")
	flag.Parse()

	setupLogging(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Trace context flows in from capture clients via W3C headers.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	shutdownTracing, err := setupTracing(*traceStdout)
	if err != nil {
		slog.Error("Failed to set up tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}
	shutdownMetrics, err := setupMetrics(*metricsStdout)
	if err != nil {
		slog.Error("Failed to set up metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Shared badger instance: content-cache cold tier plus the outage
	// journal. Empty persistDir runs it in memory.
	db, err := badgerstore.Open(cfg.Cache.PersistDir, slog.Default())
	if err != nil {
		slog.Error("Failed to open badger store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	index, err := buildIndex(cfg)
	if err != nil {
		slog.Error("Failed to construct vector index", slog.String("error", err.Error()))
		os.Exit(1)
	}

	budget := distill.NewDailyBudget(cfg.LLM.DailyTokenBudget, cfg.LLM.DailyRequestLimit)
	limiter := rate.NewLimiter(rate.Limit(cfg.LLM.RequestsPerSecond), cfg.LLM.Burst)

	var layered *contentcache.Layered
	var hot *contentcache.Cache
	if cfg.Cache.Enabled {
		hot = contentcache.New(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL.D())
		hot.StartSweeper(cfg.Cache.CleanupInterval.D(), slog.Default())
		layered = contentcache.NewLayered(hot, contentcache.NewBadgerByteStore(db), cfg.Cache.DefaultTTL.D(), slog.Default())
	}

	distiller, err := buildDistiller(cfg, budget, limiter, layered)
	if err != nil {
		slog.Error("Failed to construct distiller", slog.String("error", err.Error()))
		os.Exit(1)
	}
	embedder := buildEmbedder(cfg, budget, limiter, layered)

	var sink telemetry.Sink = telemetry.NopSink{}
	if cfg.Telemetry.Influx.Enabled {
		sink = telemetry.NewInfluxSink(telemetry.InfluxOptions{
			URL:    cfg.Telemetry.Influx.URL,
			Token:  cfg.Telemetry.Influx.Token,
			Org:    cfg.Telemetry.Influx.Org,
			Bucket: cfg.Telemetry.Influx.Bucket,
		})
		slog.Info("Influx telemetry sink enabled", slog.String("url", cfg.Telemetry.Influx.URL))
	}

	svc, err := organizer.NewService(organizer.Dependencies{
		Config:    cfg,
		Index:     index,
		Distiller: distiller,
		Embedder:  embedder,
		DB:        db,
		Sink:      sink,
	})
	if err != nil {
		slog.Error("Failed to construct service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	handlers := organizer.NewHandlers(svc)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("recall-organizer"))
	if *debug {
		router.Use(gin.Logger())
	}
	router.Use(IndexGuardMiddleware())

	v1 := router.Group("/v1")
	organizer.RegisterRoutes(v1, handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Collection creation can block on a slow weaviate; run it in the
	// background and gate index-touching requests until it finishes.
	go func() {
		initCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		start := time.Now()
		if err := index.Initialize(initCtx); err != nil {
			slog.Error("Vector index initialization failed; routing requests will be rejected",
				slog.String("backend", cfg.Index.Backend),
				slog.String("error", err.Error()))
			return
		}
		indexReady.Store(true)
		slog.Info("Vector index ready",
			slog.String("backend", cfg.Index.Backend),
			slog.Duration("duration", time.Since(start)))
	}()

	printBanner(cfg.Server.Addr, cfg.Index.Backend)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.D(),
		WriteTimeout: cfg.Server.WriteTimeout.D(),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		slog.Info("Shutting down Recall organizer server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.D())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete", slog.String("error", err.Error()))
		}

		if err := svc.Close(); err != nil {
			slog.Warn("Service close failed", slog.String("error", err.Error()))
		}
		if hot != nil {
			hot.StopSweeper()
		}
		if err := db.Close(); err != nil {
			slog.Warn("Badger close failed", slog.String("error", err.Error()))
		}
		shutdownTracing(shutdownCtx)
		shutdownMetrics(shutdownCtx)
		os.Exit(0)
	}()

	slog.Info("Starting Recall organizer server", slog.String("address", cfg.Server.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// setupLogging installs a text slog handler at the requested level.
func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// setupTracing installs the tracer provider. Spans go to stdout when
// requested, to OTLP/gRPC when OTEL_EXPORTER_OTLP_ENDPOINT is set, and
// nowhere otherwise (spans still propagate context).
func setupTracing(toStdout bool) (func(context.Context), error) {
	res := sdkresource.NewSchemaless(
		attribute.String("service.name", "recall-organizer"),
	)

	var exporter sdktrace.SpanExporter
	switch {
	case toStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		exporter = exp

	case os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "":
		endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("dial OTLP endpoint %s: %w", endpoint, err)
		}
		exp, err := otlptracegrpc.New(context.Background(), otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("OTLP trace exporter: %w", err)
		}
		exporter = exp
		slog.Info("Exporting spans via OTLP", slog.String("endpoint", endpoint))

	default:
		// No exporter configured; a bare provider keeps span context
		// propagation working without emitting anything.
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		return func(ctx context.Context) { _ = tp.Shutdown(ctx) }, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) { _ = tp.Shutdown(ctx) }, nil
}

// setupMetrics bridges the OTel meter into the Prometheus registry served
// at /metrics, optionally teeing periodic snapshots to stdout.
func setupMetrics(toStdout bool) (func(context.Context), error) {
	promExporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("prometheus metric exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(promExporter)}
	if toStdout {
		enc := json.NewEncoder(os.Stdout)
		stdoutExp, err := stdoutmetric.New(stdoutmetric.WithEncoder(enc))
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(stdoutExp, sdkmetric.WithInterval(30*time.Second))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return func(ctx context.Context) { _ = mp.Shutdown(ctx) }, nil
}

// buildIndex constructs the configured vector index backend.
func buildIndex(cfg *config.Config) (vectorindex.Index, error) {
	switch cfg.Index.Backend {
	case "weaviate":
		return vectorindex.NewWeaviateIndex(vectorindex.WeaviateOptions{
			Scheme:     cfg.Index.Weaviate.Scheme,
			Host:       cfg.Index.Weaviate.Host,
			Dimensions: cfg.Embedding.Dimensions,
		})
	default:
		return vectorindex.NewMemoryIndex(cfg.Embedding.Dimensions), nil
	}
}

// buildDistiller constructs the LLM distiller chain, cached when the
// content cache is enabled.
func buildDistiller(cfg *config.Config, budget *distill.DailyBudget, limiter *rate.Limiter, cache *contentcache.Layered) (distill.Distiller, error) {
	opts := distill.Options{
		Provider:       cfg.Distiller.Provider,
		Model:          cfg.Distiller.Model,
		BaseURL:        cfg.Distiller.BaseURL,
		APIKeyEnv:      cfg.Distiller.APIKeyEnv,
		Temperature:    cfg.Distiller.Temperature,
		MaxTokens:      cfg.Distiller.MaxTokens,
		Timeout:        cfg.LLM.RequestTimeout.D(),
		MaxRetries:     cfg.LLM.MaxRetries,
		RetryBaseDelay: cfg.LLM.RetryBaseDelay.D(),
		Budget:         budget,
		Limiter:        limiter,
	}
	model, err := distill.NewModel(opts)
	if err != nil {
		return nil, err
	}

	var distiller distill.Distiller = distill.NewLLMDistiller(model, opts)
	if cache != nil {
		distiller = distill.NewCachedDistiller(distiller, cache, nil)
	}
	return distiller, nil
}

// buildEmbedder constructs the Ollama embedder, cached when the content
// cache is enabled.
func buildEmbedder(cfg *config.Config, budget *distill.DailyBudget, limiter *rate.Limiter, cache *contentcache.Layered) embed.Embedder {
	var embedder embed.Embedder = embed.NewOllamaEmbedder(embed.OllamaOptions{
		BaseURL:        cfg.Embedding.BaseURL,
		Model:          cfg.Embedding.Model,
		Dimensions:     cfg.Embedding.Dimensions,
		Timeout:        cfg.LLM.RequestTimeout.D(),
		MaxRetries:     cfg.LLM.MaxRetries,
		RetryBaseDelay: cfg.LLM.RetryBaseDelay.D(),
		Budget:         budget,
		Limiter:        limiter,
	})
	if cache != nil {
		embedder = embed.NewCachedEmbedder(embedder, cache, nil)
	}
	return embedder
}

func printBanner(addr, backend string) {
	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                      RECALL ORGANIZER SERVER                      ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Study-snippet routing with spaced-repetition scheduling.         ║
║  Vector backend: %-48s ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Health check                                              │  ║
║  │ curl http://localhost%s/v1/organizer/health             │  ║
║  │                                                             │  ║
║  │ # Route a snippet                                           │  ║
║  │ curl -X POST http://localhost%s/v1/organizer/route \    │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"text": "..."}'                                      │  ║
║  │                                                             │  ║
║  │ # Due reviews                                               │  ║
║  │ curl http://localhost%s/v1/organizer/reviews/due | jq   │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── Routing: /batches, /route                                    ║
║  ├── Folders: /folders, /folders/:id, /folders/:id/rebuild        ║
║  ├── Maintenance: /stale, /redundant, /reconcile                  ║
║  ├── Reviews: /due, /plan, /health, /concepts/:id                 ║
║  └── Streaming: /events (websocket)                               ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, backend, addr, addr, addr)
}
