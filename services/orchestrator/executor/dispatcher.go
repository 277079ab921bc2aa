// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs the tool chosen for a classified query under the
// request's deadline, quota, and rate limits, and parks tabular results in
// the artifact cache.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/artifacts"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/coordinator"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/observability"
)

var tracer = otel.Tracer("aleutian.query.executor")

// limiterIdle is how long an unused per-conversation limiter is kept.
const limiterIdle = 10 * time.Minute

// Config configures the dispatcher.
type Config struct {
	// CallTimeout bounds a single tool invocation. Default: 10s.
	CallTimeout time.Duration

	// MaxRetries is the number of retries of a transient failure. Default: 2.
	MaxRetries int

	// RetryBackoff is the base backoff, doubled per retry. Default: 100ms.
	RetryBackoff time.Duration

	// PreviewRows is the number of rows included in a preview. Default: 20.
	PreviewRows int

	// MaxDistinct caps distinct-value counting per column. Default: 1000.
	MaxDistinct int

	// RatePerSecond limits invocations per conversation. Zero disables.
	RatePerSecond float64

	// RateBurst is the limiter burst. Default: 5 when a rate is set.
	RateBurst int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CallTimeout:  10 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 100 * time.Millisecond,
		PreviewRows:  20,
		MaxDistinct:  1000,
	}
}

// Execution is the outcome of a dispatched query.
//
// # Description
//
// Exactly one of Handle or Scalar is set. Tabular results stay in the
// artifact cache; the Execution carries only their handle and a bounded
// preview.
type Execution struct {
	Tool     string
	Path     datatypes.Path
	Handle   *artifacts.Handle
	Preview  *Preview
	Scalar   *datatypes.Scalar
	Attempts int
	Tokens   int
	Duration time.Duration
}

// Dispatcher selects and invokes tools.
//
// # Thread Safety
//
// Safe for concurrent use. Per-conversation limiters are guarded by a
// mutex held only for map access.
type Dispatcher struct {
	registry *Registry
	cache    artifacts.Cache
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[datatypes.ConversationID]*limiterEntry
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewDispatcher creates a Dispatcher. Zero fields in cfg take defaults.
func NewDispatcher(registry *Registry, cache artifacts.Cache, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = def.PreviewRows
	}
	if cfg.MaxDistinct <= 0 {
		cfg.MaxDistinct = def.MaxDistinct
	}
	if cfg.RatePerSecond > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[datatypes.ConversationID]*limiterEntry),
		now:      time.Now,
	}
}

// Execute runs the tool for decision within rc.
//
// # Description
//
// Each attempt consumes one unit of the request's invocation budget and a
// token of the conversation's rate limiter. Transient failures (a per-call
// timeout while the request is still alive, or a rate-limited tool) are
// retried with exponential backoff. The request deadline always wins: once
// rc's context is done, Execute stops and returns timeout or canceled.
//
// # Inputs
//
//   - ctx: Carries tracing only; cancellation comes from rc.Context().
//   - rc: Admitted request. Provides query, dataset, scope, and quota.
//   - decision: Classification of the query.
//
// # Outputs
//
//   - *Execution: Handle and preview for tables, or an inline scalar.
//   - error: A *datatypes.QueryError. Never a bare tool error.
func (d *Dispatcher) Execute(ctx context.Context, rc *coordinator.RequestContext, decision datatypes.Decision) (*Execution, error) {
	start := d.now()
	_, span := tracer.Start(ctx, "executor.Dispatcher.Execute",
		trace.WithAttributes(
			attribute.String("path", string(decision.Path)),
			attribute.String("request_id", rc.RequestID()),
		),
	)
	defer span.End()

	tool, err := d.registry.Resolve(decision.Path, rc.Dataset())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve")
		return nil, err
	}
	span.SetAttributes(attribute.String("tool", tool.Name()))

	inv := Invocation{Query: rc.Query(), PriorQuery: decision.PriorQuery, Dataset: rc.Dataset()}
	out, attempts, err := d.invokeWithRetry(rc, tool, inv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(datatypes.KindOf(err)))
		return nil, err
	}

	exec := &Execution{
		Tool:     tool.Name(),
		Path:     decision.Path,
		Attempts: attempts,
		Tokens:   out.Tokens,
	}
	switch {
	case out.Result.Table != nil:
		h, err := d.cache.Put(rc.Context(), rc.Scope(), out.Result)
		if err != nil {
			if ctxErr := datatypes.FromContext(rc.Context()); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, datatypes.NewError(datatypes.KindInternal, "failed to store result", err)
		}
		rc.RecordHandle(h)
		exec.Handle = &h
		exec.Preview = BuildPreview(out.Result.Table, d.cfg.PreviewRows, d.cfg.MaxDistinct)
	case out.Result.Scalar != nil:
		s := *out.Result.Scalar
		exec.Scalar = &s
	default:
		// A tool that returns nothing produced an empty table.
		empty := datatypes.RawToolResult{Table: &datatypes.Table{}}
		h, err := d.cache.Put(rc.Context(), rc.Scope(), empty)
		if err != nil {
			return nil, datatypes.NewError(datatypes.KindInternal, "failed to store result", err)
		}
		rc.RecordHandle(h)
		exec.Handle = &h
		exec.Preview = BuildPreview(empty.Table, d.cfg.PreviewRows, d.cfg.MaxDistinct)
	}
	exec.Duration = d.now().Sub(start)
	span.SetAttributes(attribute.Int("attempts", attempts))
	return exec, nil
}

// invokeWithRetry performs invocation with retry logic.
func (d *Dispatcher) invokeWithRetry(rc *coordinator.RequestContext, tool Tool, inv Invocation) (Output, int, error) {
	reqCtx := rc.Context()
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			backoff := d.cfg.RetryBackoff * time.Duration(1<<(attempt-2))
			select {
			case <-reqCtx.Done():
				return Output{}, attempt - 1, datatypes.FromContext(reqCtx)
			case <-time.After(backoff):
			}
		}

		if err := datatypes.FromContext(reqCtx); err != nil {
			return Output{}, attempt - 1, err
		}
		if err := rc.ConsumeInvocation(); err != nil {
			d.recordQuota("invocations")
			return Output{}, attempt - 1, err
		}
		if !d.allow(rc.ConversationID()) {
			d.recordQuota("rate")
			return Output{}, attempt - 1, datatypes.NewError(datatypes.KindQuotaExceeded,
				"query rate limit exceeded for this conversation", nil)
		}

		out, err := d.invokeOnce(reqCtx, tool, inv)
		if err == nil {
			if tokErr := rc.ConsumeTokens(out.Tokens); tokErr != nil {
				d.recordQuota("tokens")
				recordInvocation(tool.Name(), datatypes.KindQuotaExceeded)
				return Output{}, attempt, tokErr
			}
			recordInvocation(tool.Name(), "")
			return out, attempt, nil
		}

		classified := classify(reqCtx, err)
		recordInvocation(tool.Name(), datatypes.KindOf(classified))
		lastErr = classified

		kind := datatypes.KindOf(classified)
		if !kind.Transient() {
			return Output{}, attempt, classified
		}
		if attempt <= d.cfg.MaxRetries {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordToolRetry(tool.Name(), string(kind))
			}
			d.logger.Debug("tool attempt failed, retrying",
				slog.String("tool", tool.Name()),
				slog.Int("attempt", attempt),
				slog.String("kind", string(kind)),
			)
		}
	}
	return Output{}, d.cfg.MaxRetries + 1, lastErr
}

// invokeOnce runs one attempt under the per-call timeout. A panicking tool
// is reported as a tool failure.
//
// Tools are opaque and may ignore their context, so the call runs in its
// own goroutine. When the deadline passes first, invokeOnce returns at once
// and the late result is dropped; it never reaches the cache.
func (d *Dispatcher) invokeOnce(reqCtx context.Context, tool Tool, inv Invocation) (Output, error) {
	callCtx, cancel := context.WithTimeout(reqCtx, d.cfg.CallTimeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		var res invokeResult
		defer func() {
			if r := recover(); r != nil {
				res = invokeResult{err: fmt.Errorf("tool %s panicked: %v", tool.Name(), r)}
			}
			done <- res
		}()
		res.out, res.err = tool.Invoke(callCtx, inv)
	}()

	select {
	case res := <-done:
		if res.err == nil && callCtx.Err() != nil && reqCtx.Err() == nil {
			// The tool ignored its deadline and returned late.
			return Output{}, callCtx.Err()
		}
		return res.out, res.err
	case <-callCtx.Done():
		d.logger.Warn("tool call abandoned",
			slog.String("tool", tool.Name()),
			slog.String("reason", callCtx.Err().Error()),
		)
		return Output{}, callCtx.Err()
	}
}

// invokeResult carries one tool call's outcome out of its goroutine.
type invokeResult struct {
	out Output
	err error
}

// classify maps a tool error onto the error taxonomy.
func classify(reqCtx context.Context, err error) error {
	if ctxErr := datatypes.FromContext(reqCtx); ctxErr != nil {
		return ctxErr
	}
	var qe *datatypes.QueryError
	if errors.As(err, &qe) {
		switch qe.Kind {
		case datatypes.KindToolTimeout, datatypes.KindToolRateLimited, datatypes.KindToolFailure,
			datatypes.KindInvalidRequest, datatypes.KindNotFound, datatypes.KindQuotaExceeded:
			return qe
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return datatypes.NewError(datatypes.KindToolTimeout, datatypes.ErrToolTimeout.Message, err)
	}
	return datatypes.NewError(datatypes.KindToolFailure, datatypes.ErrToolFailure.Message, err)
}

// allow takes a token from the conversation's limiter.
func (d *Dispatcher) allow(conv datatypes.ConversationID) bool {
	if d.cfg.RatePerSecond <= 0 {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.limiters[conv]
	if !ok {
		if len(d.limiters) >= 1024 {
			d.pruneLocked(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), d.cfg.RateBurst)}
		d.limiters[conv] = entry
	}
	entry.lastUsed = now
	return entry.limiter.AllowN(now, 1)
}

func (d *Dispatcher) pruneLocked(now time.Time) {
	for conv, e := range d.limiters {
		if now.Sub(e.lastUsed) > limiterIdle {
			delete(d.limiters, conv)
		}
	}
}

func (d *Dispatcher) recordQuota(source string) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordQuotaDenial(source)
	}
}

func recordInvocation(tool string, kind datatypes.ErrorKind) {
	m := observability.DefaultMetrics
	if m == nil {
		return
	}
	outcome := "success"
	if kind != "" {
		outcome = string(kind)
	}
	m.RecordToolInvocation(tool, outcome)
}
