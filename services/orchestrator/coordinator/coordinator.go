// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator admits at most one in-flight query per conversation
// and owns the lifecycle of each admitted request.
//
// Different conversations proceed in parallel. A second query on a
// conversation that is already processing is rejected immediately with
// datatypes.ErrBusy; it never queues and never touches memory.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/artifacts"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/observability"
)

// State is the processing state of a conversation.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
)

// Config configures the coordinator.
type Config struct {
	// RequestTimeout is the deadline of every admitted request. Default: 30s.
	RequestTimeout time.Duration

	// ReleaseTimeout bounds artifact release in End. Default: 5s.
	ReleaseTimeout time.Duration

	// Quota is the per-request budget.
	Quota Quota
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		ReleaseTimeout: 5 * time.Second,
		Quota:          Quota{MaxInvocations: 8},
	}
}

// Coordinator tracks in-flight requests.
//
// # Description
//
// The in-flight set maps a conversation to its active RequestContext. The
// mutex guarding it is held only for map reads and writes, never across a
// call that can block.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	cache  artifacts.Cache
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[datatypes.ConversationID]*RequestContext
}

// New creates a Coordinator.
//
// # Inputs
//
//   - cache: Artifact cache released on End. May be nil in tests that store
//     nothing.
//   - cfg: Configuration. Zero durations take defaults.
//   - logger: Logger. Nil uses slog.Default().
func New(cache artifacts.Cache, cfg Config, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = def.ReleaseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[datatypes.ConversationID]*RequestContext),
	}
}

// Begin admits a query for conv.
//
// # Description
//
// Begin is non-blocking. If conv already has a request in flight it
// returns datatypes.ErrBusy at once. Otherwise it registers a new
// RequestContext whose context derives from ctx with the configured
// request deadline. The caller must pass the result to End exactly once;
// extra calls are harmless.
//
// # Inputs
//
//   - ctx: Parent context, usually the transport request context.
//   - conv: Conversation identifier. Must be non-empty.
//   - query: Query text.
//   - dataset: Dataset the query targets. May be zero.
//
// # Outputs
//
//   - *RequestContext: Admitted request.
//   - error: ErrBusy, ErrInvalid for an empty conversation, or the kind of
//     ctx's error when ctx is already done.
//
// # Examples
//
//	rc, err := coord.Begin(ctx, conv, query, dataset)
//	if err != nil {
//	    return err
//	}
//	defer coord.End(rc)
func (c *Coordinator) Begin(ctx context.Context, conv datatypes.ConversationID, query string, dataset datatypes.DatasetHandle) (*RequestContext, error) {
	if conv == "" {
		return nil, datatypes.NewError(datatypes.KindInvalidRequest, "conversation id is required", nil)
	}
	if err := datatypes.FromContext(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, busy := c.inflight[conv]; busy {
		c.mu.Unlock()
		if m := observability.DefaultMetrics; m != nil {
			m.RecordBusy()
		}
		c.logger.Debug("conversation busy", slog.String("conversation_id", conv.String()))
		return nil, datatypes.NewError(datatypes.KindBusy, "conversation is already processing a query", nil)
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	rc := &RequestContext{
		ctx:       rctx,
		cancel:    cancel,
		id:        uuid.NewString(),
		conv:      conv,
		query:     query,
		dataset:   dataset,
		startedAt: c.now(),
		quota:     c.cfg.Quota,
	}
	c.inflight[conv] = rc
	c.mu.Unlock()

	if m := observability.DefaultMetrics; m != nil {
		m.RequestStarted()
	}
	return rc, nil
}

// End finishes rc: it cancels the request context, releases every artifact
// stored under rc's scope, and returns the conversation to idle.
//
// # Description
//
// Release runs on a fresh background context bounded by ReleaseTimeout, so
// cleanup completes even when the request already timed out or was
// cancelled. End is idempotent.
func (c *Coordinator) End(rc *RequestContext) {
	if rc == nil {
		return
	}
	rc.endOnce.Do(func() {
		rc.cancel()

		if c.cache != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReleaseTimeout)
			n, err := c.cache.Release(ctx, rc.Scope())
			cancel()
			if err != nil {
				c.logger.Warn("artifact release failed",
					slog.String("conversation_id", rc.conv.String()),
					slog.String("request_id", rc.id),
					slog.String("error", err.Error()),
				)
			} else if n > 0 {
				c.logger.Debug("artifacts released",
					slog.String("request_id", rc.id),
					slog.Int("count", n),
				)
			}
		}

		c.mu.Lock()
		if c.inflight[rc.conv] == rc {
			delete(c.inflight, rc.conv)
		}
		c.mu.Unlock()

		if m := observability.DefaultMetrics; m != nil {
			m.RequestEnded()
		}
	})
}

// State reports whether conv has a request in flight.
func (c *Coordinator) State(conv datatypes.ConversationID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[conv]; ok {
		return StateProcessing
	}
	return StateIdle
}

// InFlight returns the number of requests in flight.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// IsLive reports whether scope belongs to a request still in flight. It
// implements artifacts.LivenessChecker for the orphan sweeper.
func (c *Coordinator) IsLive(scope datatypes.Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.inflight[scope.ConversationID]
	return ok && rc.id == scope.RequestID
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

var _ artifacts.LivenessChecker = (*Coordinator)(nil)
