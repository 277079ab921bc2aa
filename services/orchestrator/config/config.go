// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the queryd configuration.
//
// Configuration is layered: Default() values, then the YAML file, then
// QUERYD_* environment variables. The result is validated once; every
// problem is reported together.
//
//	cfg, err := config.Load("/etc/queryd/queryd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Durations are Go duration strings ("30s", "15m").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/services/llm"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/approvals"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/coordinator"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QUERYD_"

// Classifier modes.
const (
	ClassifierRule = "rule"
	ClassifierLLM  = "llm"
)

// Structured tools.
const (
	StructuredLookup = "lookup"
	StructuredSQL    = "sql"
)

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	LLM         llm.Config        `yaml:"llm"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Summarizer  SummarizerConfig  `yaml:"summarizer"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Memory      MemoryConfig      `yaml:"memory"`
	Approvals   approvals.Config  `yaml:"approvals"`
	Datasets    DatasetsConfig    `yaml:"datasets"`
	Quota       QuotaConfig       `yaml:"quota"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// MaxUploadBytes caps a dataset upload.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" validate:"gt=0"`

	// APITokens maps bearer tokens to user ids. Empty disables auth.
	APITokens map[string]string `yaml:"api_tokens"`

	// AllowedOrigins lists WebSocket origins. Empty allows same-host only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// HeartbeatInterval spaces SSE keep-alive comments. Zero disables.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// ClassifierConfig selects and tunes the intent classifier.
type ClassifierConfig struct {
	// Mode is "rule" or "llm". "llm" requires an llm backend.
	Mode          string        `yaml:"mode" validate:"oneof=rule llm"`
	HistoryWindow int           `yaml:"history_window" validate:"gt=0,lte=50"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0,lte=5"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	MaxConcurrent int           `yaml:"max_concurrent" validate:"gte=0"`
}

// ExecutorConfig tunes tool dispatch.
type ExecutorConfig struct {
	CallTimeout   time.Duration `yaml:"call_timeout"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	PreviewRows   int           `yaml:"preview_rows" validate:"gte=0"`
	MaxDistinct   int           `yaml:"max_distinct" validate:"gte=0"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gte=0"`
	RateBurst     int           `yaml:"rate_burst" validate:"gte=0"`

	// MaxRows caps rows returned by the table tools.
	MaxRows int `yaml:"max_rows" validate:"gt=0"`

	// StructuredTool answers structured queries: "lookup" matches values,
	// "sql" asks the model for a query. "sql" requires an llm backend.
	StructuredTool string `yaml:"structured_tool" validate:"oneof=lookup sql"`
}

// ArtifactsConfig configures the artifact cache and its sweeper.
type ArtifactsConfig struct {
	// Dir stores the cache on disk. Empty keeps it in memory.
	Dir           string        `yaml:"dir"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	OrphanGrace   time.Duration `yaml:"orphan_grace"`
	GCInterval    time.Duration `yaml:"gc_interval"`
}

// SummarizerConfig bounds digests.
type SummarizerConfig struct {
	MaxDigestChars   int `yaml:"max_digest_chars" validate:"gte=40,lte=4096"`
	MaxKeyDimensions int `yaml:"max_key_dimensions" validate:"gte=0"`
	MaxValueChars    int `yaml:"max_value_chars" validate:"gte=0"`
}

// CoordinatorConfig bounds each request.
type CoordinatorConfig struct {
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	ReleaseTimeout time.Duration     `yaml:"release_timeout"`
	Quota          coordinator.Quota `yaml:"quota"`
}

// MemoryConfig tunes session memory.
type MemoryConfig struct {
	MaxMessageChars int `yaml:"max_message_chars" validate:"gt=0"`

	// HistoryLimit is the default page size of the history endpoint.
	HistoryLimit int `yaml:"history_limit" validate:"gt=0"`
}

// DatasetsConfig lists datasets to load at startup.
type DatasetsConfig struct {
	// CatalogPath stores the sqlite catalog on disk. Empty keeps it in memory.
	CatalogPath string `yaml:"catalog_path"`

	// WatchDir is loaded at startup and watched for new files.
	WatchDir string        `yaml:"watch_dir"`
	Debounce time.Duration `yaml:"debounce"`

	Specs []datatypes.DatasetSpec `yaml:"specs"`

	Screening ScreeningConfig `yaml:"screening"`
}

// ScreeningConfig rejects datasets whose cells match the embedded data
// classification policy.
type ScreeningConfig struct {
	Enabled bool `yaml:"enabled"`

	// Block lists classifications that reject a dataset, e.g. secret, pii.
	Block []string `yaml:"block"`

	// MinConfidence ignores weaker pattern matches.
	MinConfidence string `yaml:"min_confidence" validate:"omitempty,oneof=low medium high"`
}

// QuotaConfig is the per-user admission rate.
type QuotaConfig struct {
	// QueriesPerMinute per user. Zero disables the policy.
	QueriesPerMinute float64 `yaml:"queries_per_minute" validate:"gte=0"`
	Burst            int     `yaml:"burst" validate:"gte=0"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	Metrics bool `yaml:"metrics"`

	// Exporter is "none", "otlp", or "stdout".
	Exporter string `yaml:"exporter" validate:"oneof=none otlp stdout"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			MaxUploadBytes:    64 << 20,
			HeartbeatInterval: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		LLM:     llm.Config{Backend: llm.BackendNone, Timeout: 2 * time.Minute},
		Classifier: ClassifierConfig{
			Mode:          ClassifierRule,
			HistoryWindow: 6,
			Timeout:       5 * time.Second,
			MaxRetries:    1,
			RetryBackoff:  200 * time.Millisecond,
			MaxConcurrent: 8,
		},
		Executor: ExecutorConfig{
			CallTimeout:    10 * time.Second,
			MaxRetries:     2,
			RetryBackoff:   100 * time.Millisecond,
			PreviewRows:    20,
			MaxDistinct:    1000,
			MaxRows:        50000,
			StructuredTool: StructuredLookup,
		},
		Artifacts: ArtifactsConfig{
			TTL:           10 * time.Minute,
			SweepInterval: 30 * time.Second,
			OrphanGrace:   30 * time.Second,
			GCInterval:    time.Minute,
		},
		Summarizer: SummarizerConfig{
			MaxDigestChars:   240,
			MaxKeyDimensions: 4,
			MaxValueChars:    40,
		},
		Coordinator: CoordinatorConfig{
			RequestTimeout: 30 * time.Second,
			ReleaseTimeout: 5 * time.Second,
			Quota:          coordinator.Quota{MaxInvocations: 8, MaxTokens: 20000},
		},
		Memory:    MemoryConfig{MaxMessageChars: 4096, HistoryLimit: 50},
		Approvals: approvals.DefaultConfig(),
		Datasets: DatasetsConfig{
			Debounce: 500 * time.Millisecond,
			Screening: ScreeningConfig{
				Enabled:       true,
				Block:         []string{"secret"},
				MinConfidence: "medium",
			},
		},
		Quota:     QuotaConfig{Burst: 5},
		Telemetry: TelemetryConfig{Metrics: true, Exporter: "none"},
	}
}

// Load reads path (optional), applies environment overrides, and validates.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode overlays YAML from r onto cfg. Unknown keys are errors.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// =============================================================================
// Environment overrides
// =============================================================================

type envBinding struct {
	name  string
	apply func(cfg *Config, v string) error
}

func str(set func(*Config, string)) func(*Config, string) error {
	return func(cfg *Config, v string) error { set(cfg, v); return nil }
}

func dur(set func(*Config, time.Duration)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		set(cfg, d)
		return nil
	}
}

func integer(set func(*Config, int)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		set(cfg, n)
		return nil
	}
}

var envBindings = []envBinding{
	{"SERVER_ADDR", str(func(c *Config, v string) { c.Server.Addr = v })},
	{"LOG_LEVEL", str(func(c *Config, v string) { c.Logging.Level = strings.ToLower(v) })},
	{"LOG_DIR", str(func(c *Config, v string) { c.Logging.Dir = v })},
	{"LOG_JSON", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Logging.JSON = b
		return err
	}},
	{"LLM_BACKEND", str(func(c *Config, v string) { c.LLM.Backend = llm.Backend(strings.ToLower(v)) })},
	{"LLM_MODEL", str(func(c *Config, v string) { c.LLM.Model = v })},
	{"LLM_BASE_URL", str(func(c *Config, v string) { c.LLM.BaseURL = v })},
	{"LLM_API_KEY", str(func(c *Config, v string) { c.LLM.APIKey = v })},
	{"STRUCTURED_TOOL", str(func(c *Config, v string) { c.Executor.StructuredTool = strings.ToLower(v) })},
	{"CLASSIFIER_MODE", str(func(c *Config, v string) { c.Classifier.Mode = strings.ToLower(v) })},
	{"REQUEST_TIMEOUT", dur(func(c *Config, d time.Duration) { c.Coordinator.RequestTimeout = d })},
	{"ARTIFACTS_DIR", str(func(c *Config, v string) { c.Artifacts.Dir = v })},
	{"CATALOG_PATH", str(func(c *Config, v string) { c.Datasets.CatalogPath = v })},
	{"DATASETS_WATCH_DIR", str(func(c *Config, v string) { c.Datasets.WatchDir = v })},
	{"DATASETS_SCREENING", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Datasets.Screening.Enabled = b
		return err
	}},
	{"APPROVALS_ROW_THRESHOLD", integer(func(c *Config, n int) { c.Approvals.RowThreshold = n })},
	{"TELEMETRY_EXPORTER", str(func(c *Config, v string) { c.Telemetry.Exporter = strings.ToLower(v) })},
	{"TELEMETRY_ENDPOINT", str(func(c *Config, v string) { c.Telemetry.Endpoint = v })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.apply(cfg, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Validation
// =============================================================================

var validate = validator.New()

// Validate checks field constraints and cross-field rules. All problems
// are returned joined.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Classifier.Mode == ClassifierLLM && !c.LLMEnabled() {
		errs = append(errs, errors.New("classifier.mode llm requires llm.backend"))
	}
	if c.Executor.StructuredTool == StructuredSQL && !c.LLMEnabled() {
		errs = append(errs, errors.New("executor.structured_tool sql requires llm.backend"))
	}
	if c.LLM.Backend == llm.BackendOllama && c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required for ollama"))
	}
	if c.Telemetry.Exporter == "otlp" && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required for the otlp exporter"))
	}
	for name, d := range map[string]time.Duration{
		"coordinator.request_timeout": c.Coordinator.RequestTimeout,
		"executor.call_timeout":       c.Executor.CallTimeout,
		"artifacts.ttl":               c.Artifacts.TTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Executor.CallTimeout > c.Coordinator.RequestTimeout {
		errs = append(errs, errors.New("executor.call_timeout exceeds coordinator.request_timeout"))
	}
	if c.Artifacts.TTL < c.Coordinator.RequestTimeout {
		errs = append(errs, errors.New("artifacts.ttl is shorter than coordinator.request_timeout"))
	}

	seen := make(map[string]bool, len(c.Datasets.Specs))
	for i := range c.Datasets.Specs {
		s := &c.Datasets.Specs[i]
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("datasets.specs[%d]: %w", i, err))
		}
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("datasets.specs[%s]: path is required", s.Name))
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("datasets.specs: duplicate name %q", s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

// LLMEnabled reports whether a model backend is configured.
func (c *Config) LLMEnabled() bool {
	return c.LLM.Backend != "" && c.LLM.Backend != llm.BackendNone
}

// LogLevel returns the parsed logging level, Info when invalid.
func (c *Config) LogLevel() logging.Level {
	l, _ := logging.ParseLevel(c.Logging.Level)
	return l
}
