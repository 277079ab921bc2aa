// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.query.classifier")

// classificationPrompt asks for a path and nothing else.
const classificationPrompt = `You route questions about a tabular dataset.

Choose "structured" when the user wants rows, a table, or a chart.
Choose "narrative" when the user wants an explanation in prose.
Set "chart" to true only for a structured answer that should be plotted.

Recent conversation:
{{range .History}}{{.Role}}: {{.Content}}
{{else}}(none)
{{end}}
Question: {{.Query}}

Respond with ONLY valid JSON (no markdown, no preamble):
{"path":"structured"|"narrative","chart":bool}`

var promptTemplate = template.Must(template.New("classify").Parse(classificationPrompt))

// GenerateFunc completes a prompt. It is satisfied by llm.LLMClient.Generate
// through a small adapter.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// LLMConfig configures LLMClassifier.
type LLMConfig struct {
	// Timeout bounds a single model call. Default: 5s.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt. Default: 1.
	MaxRetries int

	// RetryBackoff is the base backoff, doubled per retry. Default: 200ms.
	RetryBackoff time.Duration

	// MaxConcurrent caps in-flight model calls. Zero means unlimited.
	MaxConcurrent int

	// HistoryWindow is the number of newest messages considered. Default: 6.
	HistoryWindow int

	// MaxTokens caps the model response. Default: 64.
	MaxTokens int
}

// DefaultLLMConfig returns the default configuration.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Timeout:       5 * time.Second,
		MaxRetries:    1,
		RetryBackoff:  200 * time.Millisecond,
		MaxConcurrent: 4,
		HistoryWindow: DefaultHistoryWindow,
		MaxTokens:     64,
	}
}

// Validate checks the configuration.
func (c LLMConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff must be non-negative, got %v", c.RetryBackoff)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be non-negative, got %d", c.MaxConcurrent)
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("history_window must be positive, got %d", c.HistoryWindow)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	return nil
}

// llmVerdict is the model's JSON answer.
// callBudget bounds one shared classification: every attempt at its
// timeout plus the backoff between attempts.
func (c LLMConfig) callBudget() time.Duration {
	budget := c.Timeout * time.Duration(c.MaxRetries+1)
	for i := 0; i < c.MaxRetries; i++ {
		budget += c.RetryBackoff * time.Duration(1<<i)
	}
	return budget
}

type llmVerdict struct {
	Path  string `json:"path"`
	Chart bool   `json:"chart"`
}

// LLMClassifier asks a language model for the path of queries the rules
// cannot settle.
//
// Description:
//
//	Follow-ups are resolved by turn continuity exactly as RuleClassifier
//	does and never reach the model. Other queries are sent to the model
//	with the history window. Identical concurrent requests are coalesced
//	with singleflight, calls are bounded by a semaphore, and transient
//	failures are retried with exponential backoff.
//
//	Any failure, including an answer outside the closed path set, yields
//	the narrative path with Fallback set and SoftError describing it.
//
// Thread Safety: This type is safe for concurrent use after initialization.
type LLMClassifier struct {
	generate  GenerateFunc
	config    LLMConfig
	rules     *RuleClassifier
	inflight  singleflight.Group
	semaphore chan struct{}
	logger    *slog.Logger
}

// NewLLMClassifier creates a classifier backed by generate.
//
// # Inputs
//
//   - generate: Model completion function. Must not be nil.
//   - config: Configuration. Must pass Validate.
//   - logger: Logger. Nil uses slog.Default().
//
// # Outputs
//
//   - *LLMClassifier: Ready classifier.
//   - error: Non-nil if generate is nil or config is invalid.
func NewLLMClassifier(generate GenerateFunc, config LLMConfig, logger *slog.Logger) (*LLMClassifier, error) {
	if generate == nil {
		return nil, errors.New("generate function is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	var semaphore chan struct{}
	if config.MaxConcurrent > 0 {
		semaphore = make(chan struct{}, config.MaxConcurrent)
	}
	return &LLMClassifier{
		generate:  generate,
		config:    config,
		rules:     NewRuleClassifier(Config{HistoryWindow: config.HistoryWindow}),
		semaphore: semaphore,
		logger:    logger,
	}, nil
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, query string, history []datatypes.Message) datatypes.Decision {
	ctx, span := tracer.Start(ctx, "classifier.LLMClassifier.Classify",
		trace.WithAttributes(attribute.Int("query_length", len(query))),
	)
	defer span.End()

	base, settled := c.rules.classify(query, history)
	if settled {
		span.SetAttributes(
			attribute.String("path", string(base.Path)),
			attribute.String("reason", base.Reason),
		)
		return base
	}

	window := tail(history, c.config.HistoryWindow)
	key := cacheKey(query, window)
	// The shared call must not inherit one caller's cancellation: every
	// coalesced caller waits on its own context instead.
	ch := c.inflight.DoChan(key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.callBudget())
		defer cancel()
		return c.classifyWithRetry(callCtx, query, window)
	})

	var (
		v      interface{}
		err    error
		shared bool
	)
	select {
	case res := <-ch:
		v, err, shared = res.Val, res.Err, res.Shared
	case <-ctx.Done():
		err = fmt.Errorf("classification abandoned: %w", ctx.Err())
	}

	d := base
	d.Chart = false
	if err != nil {
		d.Path = datatypes.PathNarrative
		d.Fallback = true
		d.Reason = ReasonUnavailable
		d.SoftError = err.Error()
		c.logger.Warn("classification degraded to narrative",
			slog.String("error", err.Error()),
		)
		span.SetAttributes(attribute.Bool("fallback_used", true))
		return d
	}

	verdict := v.(llmVerdict)
	path := datatypes.Path(strings.ToLower(strings.TrimSpace(verdict.Path)))
	if !path.Valid() {
		d.Path = datatypes.PathNarrative
		d.Fallback = true
		d.Reason = ReasonOutOfEnum
		d.SoftError = fmt.Sprintf("model returned path %q", verdict.Path)
		span.SetAttributes(attribute.Bool("fallback_used", true))
		return d
	}

	d.Path = path
	d.Chart = path == datatypes.PathStructured && verdict.Chart
	d.Reason = ReasonLLM
	span.SetAttributes(
		attribute.String("path", string(d.Path)),
		attribute.Bool("shared", shared),
	)
	return d
}

// classifyWithRetry performs classification with retry logic.
func (c *LLMClassifier) classifyWithRetry(ctx context.Context, query string, window []datatypes.Message) (llmVerdict, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return llmVerdict{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		verdict, err := c.doClassify(ctx, query, window)
		if err == nil {
			return verdict, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return llmVerdict{}, err
			}
		}

		c.logger.Debug("classification attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", c.config.MaxRetries),
			slog.String("error", err.Error()),
		)
	}

	return llmVerdict{}, fmt.Errorf("classification failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// doClassify performs a single classification attempt.
func (c *LLMClassifier) doClassify(ctx context.Context, query string, window []datatypes.Message) (llmVerdict, error) {
	if c.semaphore != nil {
		select {
		case c.semaphore <- struct{}{}:
			defer func() { <-c.semaphore }()
		case <-ctx.Done():
			return llmVerdict{}, ctx.Err()
		}
	}

	prompt, err := buildPrompt(query, window)
	if err != nil {
		return llmVerdict{}, fmt.Errorf("build prompt: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	raw, err := c.generate(reqCtx, prompt, c.config.MaxTokens)
	if err != nil {
		return llmVerdict{}, fmt.Errorf("llm call: %w", err)
	}
	return parseVerdict(raw)
}

func buildPrompt(query string, window []datatypes.Message) (string, error) {
	var buf bytes.Buffer
	err := promptTemplate.Execute(&buf, struct {
		History []datatypes.Message
		Query   string
	}{History: window, Query: query})
	return buf.String(), err
}

// parseVerdict extracts the first JSON object from a model response.
func parseVerdict(raw string) (llmVerdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return llmVerdict{}, fmt.Errorf("no JSON object in response %q", truncateForLog(raw))
	}
	var v llmVerdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return llmVerdict{}, fmt.Errorf("parse response: %w", err)
	}
	return v, nil
}

// cacheKey identifies a query within its history window for coalescing.
func cacheKey(query string, window []datatypes.Message) string {
	h := sha256.New()
	h.Write([]byte(query))
	for _, m := range window {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func truncateForLog(s string) string {
	r := []rune(s)
	if len(r) <= 80 {
		return s
	}
	return string(r[:80]) + "..."
}

var _ Classifier = (*LLMClassifier)(nil)
