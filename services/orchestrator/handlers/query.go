// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP and WebSocket surface of queryd.
//
// Handlers translate transport concerns (binding, status codes, SSE
// framing) into pipeline calls. They never hold per-query state beyond the
// stack of the request goroutine.
package handlers

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/pipeline"
)

// maxHistoryLimit caps the history page size.
const maxHistoryLimit = 500

// Asker runs one query. *pipeline.Pipeline implements it.
type Asker interface {
	Ask(ctx context.Context, in pipeline.Input, sink pipeline.EventSink) error
}

// QueryConfig tunes the query handlers.
type QueryConfig struct {
	// HistoryLimit is the default history page size. Default: 50.
	HistoryLimit int

	// HeartbeatInterval spaces SSE keep-alives. Zero disables them.
	HeartbeatInterval time.Duration

	// AllowedOrigins lists accepted WebSocket origins.
	AllowedOrigins []string
}

// QueryHandler serves queries, history, and the WebSocket transport.
//
// # Description
//
// Every query is admitted by the QuotaPolicy before it reaches the
// pipeline; a denial is passed through as Input.Denial so the pipeline
// emits the error without executing anything. Every query is audited.
//
// # Thread Safety
//
// Safe for concurrent use. Fields are read-only after construction.
type QueryHandler struct {
	asker  Asker
	memory memory.Store
	opts   extensions.ServiceOptions
	cfg    QueryConfig
	logger *slog.Logger
}

// NewQueryHandler creates a QueryHandler.
func NewQueryHandler(asker Asker, mem memory.Store, opts extensions.ServiceOptions, cfg QueryConfig, logger *slog.Logger) *QueryHandler {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryHandler{
		asker:  asker,
		memory: mem,
		opts:   opts.Normalized(),
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// POST /v1/conversations/:conversationId/query
// =============================================================================

// HandleQuery runs one query.
//
// # Description
//
// The response is an SSE stream when the body sets "stream" or the client
// accepts text/event-stream; otherwise the events are aggregated into a
// QueryResponse. Errors map to HTTP status: busy 409, quota 429, invalid
// 400, timeout 504. On a stream whose first event is an error the status
// is mapped the same way and the error event is the whole body.
func (h *QueryHandler) HandleQuery(c *gin.Context) {
	var req datatypes.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, invalid("invalid request body", err))
		return
	}
	req.ConversationID = c.Param("conversationId")
	if err := req.Validate(); err != nil {
		abortWithError(c, invalid("invalid request: validation failed", err))
		return
	}

	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	in := h.input(ctx, userID, req)
	if in.Denial != nil {
		if d := retryAfter(in.Denial); d > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}

	var err error
	if req.Stream || acceptsEventStream(c.GetHeader("Accept")) {
		err = h.stream(c, in)
	} else {
		err = h.aggregate(c, in)
	}
	h.audit(ctx, userID, in, err)
}

func (h *QueryHandler) aggregate(c *gin.Context, in pipeline.Input) error {
	collector := &pipeline.Collector{}
	err := h.asker.Ask(c.Request.Context(), in, collector)

	resp, failed := collector.Response()
	if failed != nil {
		c.JSON(StatusForKind(failed.ErrorKind), ErrorResponse{
			Error:     failed.Message,
			ErrorKind: failed.ErrorKind,
			Retryable: failed.Retryable,
			RequestID: failed.RequestID,
		})
		return err
	}
	c.JSON(http.StatusOK, resp)
	return err
}

func (h *QueryHandler) stream(c *gin.Context, in pipeline.Input) error {
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		abortWithError(c, datatypes.NewError(datatypes.KindInternal, "streaming unsupported", err))
		return err
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The first write commits the status line. An early error event picks
	// its own code; a keep-alive that wins the race commits 200.
	var commit sync.Once
	commitStatus := func(status int) { commit.Do(func() { c.Status(status) }) }

	if h.cfg.HeartbeatInterval > 0 {
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			runHeartbeat(ctx, writer, h.cfg.HeartbeatInterval, func() { commitStatus(http.StatusOK) }, logging.FromContext(ctx))
		}()
		defer func() {
			cancel()
			<-stopped
		}()
	}

	sink := pipeline.SinkFunc(func(ev datatypes.StreamEvent) error {
		status := http.StatusOK
		if ev.Type == datatypes.StreamEventError {
			status = StatusForKind(ev.ErrorKind)
		}
		commitStatus(status)
		return writer.WriteEvent(ev)
	})
	return h.asker.Ask(ctx, in, sink)
}

// runHeartbeat writes keep-alives until ctx ends or a write fails. It runs
// from the start of the request so a slow classification or tool call
// still keeps the connection alive. beforeWrite runs ahead of each
// keep-alive.
func runHeartbeat(ctx context.Context, writer SSEWriter, interval time.Duration, beforeWrite func(), logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beforeWrite()
			if err := writer.WriteKeepAlive(); err != nil {
				logger.Debug("keepalive failed", "error", err.Error())
				return
			}
		}
	}
}

// =============================================================================
// GET /v1/conversations/:conversationId/history
// =============================================================================

// HandleHistory returns the newest messages of a conversation, oldest
// first. ?limit= selects the page size, capped at 500.
func (h *QueryHandler) HandleHistory(c *gin.Context) {
	conv := c.Param("conversationId")
	if err := datatypes.ValidateConversationID(conv); err != nil {
		abortWithError(c, invalid("invalid conversation id", err))
		return
	}
	limit := h.cfg.HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithError(c, invalid("limit must be a positive integer", err))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.memory.Recent(c.Request.Context(), datatypes.ConversationID(conv), limit)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("history read failed", "error", err.Error())
		abortWithError(c, err)
		return
	}
	if msgs == nil {
		msgs = []datatypes.Message{}
	}
	c.JSON(http.StatusOK, datatypes.HistoryResponse{
		ConversationID: datatypes.ConversationID(conv),
		Messages:       msgs,
	})
}

// =============================================================================
// Shared
// =============================================================================

// input builds the pipeline input, consulting the quota policy.
func (h *QueryHandler) input(ctx context.Context, userID string, req datatypes.QueryRequest) pipeline.Input {
	in := pipeline.Input{
		ConversationID: datatypes.ConversationID(req.ConversationID),
		Query:          req.Query,
		Dataset:        datatypes.DatasetHandle{ID: req.DatasetID, Name: req.DatasetID},
	}
	decision := h.opts.QuotaPolicy.Check(ctx, extensions.QuotaRequest{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Action:         extensions.AuditQuery,
	})
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = datatypes.ErrQuotaExceeded.Message
		}
		in.Denial = &quotaDenial{
			QueryError: datatypes.NewError(datatypes.KindQuotaExceeded, reason, nil),
			retryAfter: decision.RetryAfter,
		}
	}
	return in
}

// quotaDenial carries the policy's retry hint alongside the error.
type quotaDenial struct {
	*datatypes.QueryError
	retryAfter time.Duration
}

func (d *quotaDenial) Unwrap() error { return d.QueryError }

func retryAfter(err error) time.Duration {
	if d, ok := err.(*quotaDenial); ok {
		return d.retryAfter
	}
	return 0
}

func (h *QueryHandler) audit(ctx context.Context, userID string, in pipeline.Input, err error) {
	outcome := extensions.OutcomeSuccess
	meta := map[string]any{"query_chars": len(in.Query)}
	switch {
	case in.Denial != nil:
		outcome = extensions.OutcomeDenied
	case err != nil:
		outcome = extensions.OutcomeFailure
	}
	if err != nil {
		meta["error_kind"] = string(datatypes.KindOf(err))
	}
	if in.Dataset.ID != "" {
		meta["dataset_id"] = in.Dataset.ID
	}
	if auditErr := h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    extensions.AuditQuery,
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       "query",
		ResourceType: "conversation",
		ResourceID:   string(in.ConversationID),
		Outcome:      outcome,
		Metadata:     meta,
	}); auditErr != nil {
		logging.FromContext(ctx).Warn("audit log failed", "error", auditErr.Error())
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		logging.FromContext(ctx).Debug("query audited", "trace_id", sc.TraceID().String(), "outcome", outcome)
	}
}

func acceptsEventStream(accept string) bool {
	return strings.Contains(strings.ToLower(accept), "text/event-stream")
}
