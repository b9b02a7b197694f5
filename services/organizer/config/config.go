// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the explicit configuration records for the Recall
// organizer. The dynamic option bags of earlier prototypes are gone: every
// knob is a typed field, unknown YAML keys are rejected, and defaults ship
// embedded in the binary.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxYAMLFileSize caps configuration files at 1 MiB. A config file larger
// than this is misconfiguration, not configuration.
const MaxYAMLFileSize = 1 << 20

//go:embed defaults.yaml
var defaultsYAML []byte

// =============================================================================
// Duration
// =============================================================================

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// =============================================================================
// Configuration Records
// =============================================================================

// Config is the complete configuration surface of the organizer service.
//
// # Thread Safety
//
// Immutable after Load; safe for concurrent use. Hot-reloadable fields are
// served through Watcher snapshots instead of in-place mutation.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Input     InputConfig     `yaml:"input"`
	Quality   QualityConfig   `yaml:"quality"`
	Routing   RoutingConfig   `yaml:"routing"`
	Centroids CentroidsConfig `yaml:"centroids"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Distiller DistillerConfig `yaml:"distiller"`
	LLM       LLMConfig       `yaml:"llm"`
	Cache     CacheConfig     `yaml:"cache"`
	Index     IndexConfig     `yaml:"index"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr          string   `yaml:"addr" validate:"required"`
	ReadTimeout   Duration `yaml:"readTimeout"`
	WriteTimeout  Duration `yaml:"writeTimeout"`
	ShutdownGrace Duration `yaml:"shutdownGrace"`
}

// InputConfig controls candidate admission.
type InputConfig struct {
	MinTextLength   int      `yaml:"minTextLength" validate:"gt=0"`
	MaxTextLength   int      `yaml:"maxTextLength" validate:"gt=0"`
	MinWordCount    int      `yaml:"minWordCount" validate:"gte=0"`
	MinQualityScore float64  `yaml:"minQualityScore" validate:"gte=0,lte=1"`
	BannedPatterns  []string `yaml:"bannedPatterns"`
}

// QualityConfig controls the candidate quality score.
type QualityConfig struct {
	UniquenessWeight           float64 `yaml:"uniquenessWeight" validate:"gte=0,lte=1"`
	LengthWeight               float64 `yaml:"lengthWeight" validate:"gte=0,lte=1"`
	AvgWordLengthNormalization float64 `yaml:"avgWordLengthNormalization" validate:"gt=0"`
	ShortTextQualityScore      float64 `yaml:"shortTextQualityScore" validate:"gte=0,lte=1"`
	KeyTermCount               int     `yaml:"keyTermCount" validate:"gte=0"`
}

// RoutingConfig controls the SmartRouter decision gates and batch behavior.
type RoutingConfig struct {
	HighConfidenceThreshold float64 `yaml:"highConfidenceThreshold" validate:"gte=0,lte=1"`
	LowConfidenceThreshold  float64 `yaml:"lowConfidenceThreshold" validate:"gte=0,lte=1"`
	DupHighThreshold        float64 `yaml:"dupHighThreshold" validate:"gte=0,lte=1"`
	ReferenceThreshold      float64 `yaml:"referenceThreshold" validate:"gte=0,lte=1"`
	EnableFolderCreation    bool    `yaml:"enableFolderCreation"`
	GrowingCap              int     `yaml:"growingCap" validate:"gt=0"`
	MaxContextFolders       int     `yaml:"maxContextFolders" validate:"gt=0"`
	TokenEstimatePerFolder  int     `yaml:"tokenEstimatePerFolder" validate:"gt=0"`
	ScoreCentroidWeight     float64 `yaml:"scoreCentroidWeight" validate:"gte=0"`
	ScoreExemplarWeight     float64 `yaml:"scoreExemplarWeight" validate:"gte=0"`
	ScoreMemberWeight       float64 `yaml:"scoreMemberWeight" validate:"gte=0"`
	ClusterTau              float64 `yaml:"clusterTau" validate:"gte=0,lte=1"`
	MinClusterSize          int     `yaml:"minClusterSize" validate:"gt=0"`
	BatchParallelism        int     `yaml:"batchParallelism" validate:"gt=0"`
}

// CentroidsConfig controls centroid and exemplar maintenance.
type CentroidsConfig struct {
	DefaultExemplarCount       int      `yaml:"defaultExemplarCount" validate:"gte=0"`
	ExemplarStrategy           string   `yaml:"exemplarStrategy" validate:"oneof=medoid boundary diverse hybrid"`
	ExemplarWeight             float64  `yaml:"exemplarWeight" validate:"gte=0,lte=1"`
	IncrementalUpdateThreshold int      `yaml:"incrementalUpdateThreshold" validate:"gt=0"`
	StaleThresholdDays         int      `yaml:"staleThresholdDays" validate:"gt=0"`
	BatchSize                  int      `yaml:"batchSize" validate:"gt=0"`
	ParallelUpdates            int      `yaml:"parallelUpdates" validate:"gt=0"`
	MinFolderSimilarity        float64  `yaml:"minFolderSimilarity" validate:"gte=0,lte=1"`
	SimilarityMetric           string   `yaml:"similarityMetric" validate:"oneof=cosine euclidean dot"`
}

// EmbeddingConfig selects the embedding provider and dimension.
type EmbeddingConfig struct {
	Dimensions int    `yaml:"dimensions" validate:"gt=0"`
	Model      string `yaml:"model" validate:"required"`
	BaseURL    string `yaml:"baseUrl" validate:"required"`
}

// DistillerConfig selects the distillation LLM.
type DistillerConfig struct {
	Provider    string  `yaml:"provider" validate:"oneof=ollama openai"`
	Model       string  `yaml:"model" validate:"required"`
	BaseURL     string  `yaml:"baseUrl"`
	APIKeyEnv   string  `yaml:"apiKeyEnv"`
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"maxTokens" validate:"gt=0"`
}

// LLMConfig throttles all remote LLM and embedding calls.
type LLMConfig struct {
	DailyTokenBudget  int      `yaml:"dailyTokenBudget" validate:"gte=0"`
	DailyRequestLimit int      `yaml:"dailyRequestLimit" validate:"gte=0"`
	RequestTimeout    Duration `yaml:"requestTimeout"`
	MaxRetries        int      `yaml:"maxRetries" validate:"gte=0"`
	RetryBaseDelay    Duration `yaml:"retryBaseDelay"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond" validate:"gt=0"`
	Burst             int      `yaml:"burst" validate:"gt=0"`
}

// CacheConfig controls the content cache.
type CacheConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxSize         int      `yaml:"maxSize" validate:"gt=0"`
	DefaultTTL      Duration `yaml:"defaultTtl"`
	CleanupInterval Duration `yaml:"cleanupInterval"`

	// PersistDir is the badger directory for the cold tier and journal.
	// Empty runs badger in memory (results do not survive restarts).
	PersistDir string `yaml:"persistDir"`
}

// IndexConfig selects the vector index backend.
type IndexConfig struct {
	Backend  string         `yaml:"backend" validate:"oneof=memory weaviate"`
	Weaviate WeaviateConfig `yaml:"weaviate"`
}

// WeaviateConfig locates the weaviate instance.
type WeaviateConfig struct {
	Scheme string `yaml:"scheme"`
	Host   string `yaml:"host"`
}

// SchedulerConfig controls the review scheduler.
type SchedulerConfig struct {
	Dir              string    `yaml:"dir" validate:"required"`
	SM2              SM2Config `yaml:"sm2"`
	SecondsPerReview int       `yaml:"secondsPerReview" validate:"gt=0"`
}

// SM2Config holds the SM-2 parameters.
type SM2Config struct {
	InitialEaseFactor  float64 `yaml:"initialEaseFactor" validate:"gte=1.3"`
	MinEaseFactor      float64 `yaml:"minEaseFactor" validate:"gte=1"`
	MatureIntervalDays int     `yaml:"matureIntervalDays" validate:"gt=0"`
}

// TelemetryConfig controls optional sinks.
type TelemetryConfig struct {
	Influx InfluxConfig `yaml:"influx"`
}

// InfluxConfig locates the optional InfluxDB decision/review sink.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// =============================================================================
// Loading
// =============================================================================

var validate = validator.New()

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	return Parse(defaultsYAML)
}

// Load reads path, or the embedded defaults when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg, err := Default()
		if err != nil {
			return nil, err
		}
		slog.Info("config: using embedded defaults")
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	slog.Info("config: loaded", slog.String("path", path))
	return cfg, nil
}

// Parse decodes and validates YAML bytes. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty config data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("config exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	// Start from defaults so a partial user file only needs to name the
	// sections it changes. The defaults themselves parse with an empty base.
	var cfg Config
	if !isDefaults(data) {
		base, err := Default()
		if err != nil {
			return nil, err
		}
		cfg = *base
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// isDefaults reports whether data is the embedded defaults blob, breaking
// the Parse → Default → Parse recursion.
func isDefaults(data []byte) bool {
	return len(data) == len(defaultsYAML) && string(data) == string(defaultsYAML)
}

// Validate applies struct tags plus the cross-field checks the tags cannot
// express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Input.MinTextLength > c.Input.MaxTextLength {
		return fmt.Errorf("config validation: minTextLength (%d) > maxTextLength (%d)",
			c.Input.MinTextLength, c.Input.MaxTextLength)
	}
	if c.Routing.LowConfidenceThreshold > c.Routing.HighConfidenceThreshold {
		return fmt.Errorf("config validation: lowConfidenceThreshold (%.2f) > highConfidenceThreshold (%.2f)",
			c.Routing.LowConfidenceThreshold, c.Routing.HighConfidenceThreshold)
	}
	if !sumsToOne(c.Quality.UniquenessWeight, c.Quality.LengthWeight) {
		return fmt.Errorf("config validation: quality weights must sum to 1 (got %.3f)",
			c.Quality.UniquenessWeight+c.Quality.LengthWeight)
	}
	if !sumsToOne(c.Routing.ScoreCentroidWeight, c.Routing.ScoreExemplarWeight, c.Routing.ScoreMemberWeight) {
		return fmt.Errorf("config validation: routing score weights must sum to 1 (got %.3f)",
			c.Routing.ScoreCentroidWeight+c.Routing.ScoreExemplarWeight+c.Routing.ScoreMemberWeight)
	}
	if c.Scheduler.SM2.MinEaseFactor > c.Scheduler.SM2.InitialEaseFactor {
		return fmt.Errorf("config validation: sm2.minEaseFactor (%.2f) > sm2.initialEaseFactor (%.2f)",
			c.Scheduler.SM2.MinEaseFactor, c.Scheduler.SM2.InitialEaseFactor)
	}
	if c.Telemetry.Influx.Enabled {
		if c.Telemetry.Influx.URL == "" || c.Telemetry.Influx.Org == "" || c.Telemetry.Influx.Bucket == "" {
			return fmt.Errorf("config validation: influx enabled but url/org/bucket incomplete")
		}
	}
	return nil
}

// sumsToOne checks a weight sum against 1 with a small tolerance for
// decimal YAML literals.
func sumsToOne(ws ...float64) bool {
	var sum float64
	for _, w := range ws {
		sum += w
	}
	return sum > 0.999 && sum < 1.001
}
