// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs one conversational query end to end: admission,
// classification, execution, summarization, memory, and event delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/artifacts"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/classifier"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/coordinator"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/executor"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/summarizer"
)

var tracer = otel.Tracer("aleutian.query.pipeline")

// Request outcomes recorded in metrics.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// Approver offers a gated export for a large structured result.
type Approver interface {
	Threshold() int
	Offer(ctx context.Context, conv datatypes.ConversationID, requestID, query string, table *datatypes.Table) (datatypes.Approval, error)
}

// Config configures the pipeline.
type Config struct {
	// HistoryWindow is the number of messages handed to the classifier.
	// Default: classifier.DefaultHistoryWindow.
	HistoryWindow int `yaml:"history_window" validate:"gte=0"`

	// ChunkSize is the target length of narrative chunk events. Default: 200.
	ChunkSize int `yaml:"chunk_size" validate:"gte=0"`
}

// Deps are the collaborators of a Pipeline. Approvals may be nil.
type Deps struct {
	Memory      memory.Store
	Classifier  classifier.Classifier
	Coordinator *coordinator.Coordinator
	Executor    *executor.Dispatcher
	Cache       artifacts.Cache
	Summarizer  *summarizer.Summarizer
	Approvals   Approver
}

// Input is one query.
//
// # Fields
//
//   - ConversationID: Conversation the query belongs to. Required.
//   - Query: User text.
//   - Dataset: Dataset the tools should use.
//   - Denial: A quota denial decided before the query reached the
//     pipeline. When set nothing runs and only an error event is emitted.
type Input struct {
	ConversationID datatypes.ConversationID
	Query          string
	Dataset        datatypes.DatasetHandle
	Denial         error
}

// Pipeline is the query control flow.
//
// # Thread Safety
//
// Safe for concurrent use. All per-query state lives on the stack of Ask
// and in the coordinator's RequestContext.
type Pipeline struct {
	deps     Deps
	cfg      Config
	splitter textsplitter.RecursiveCharacter
	logger   *slog.Logger
}

// New creates a Pipeline.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	var missing []string
	if deps.Memory == nil {
		missing = append(missing, "memory")
	}
	if deps.Classifier == nil {
		missing = append(missing, "classifier")
	}
	if deps.Coordinator == nil {
		missing = append(missing, "coordinator")
	}
	if deps.Executor == nil {
		missing = append(missing, "executor")
	}
	if deps.Cache == nil {
		missing = append(missing, "cache")
	}
	if deps.Summarizer == nil {
		missing = append(missing, "summarizer")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline missing dependencies: %s", strings.Join(missing, ", "))
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = classifier.DefaultHistoryWindow
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		deps: deps,
		cfg:  cfg,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.ChunkSize),
			textsplitter.WithChunkOverlap(0),
			textsplitter.WithSeparators([]string{"\n\n", "\n", " "}),
		),
		logger: logger,
	}, nil
}

// Ask runs in and delivers its events to sink.
//
// # Description
//
// The sequence is: Begin (or a busy error), Recent, Classify, Execute,
// Get, Summarize, AppendTurn, then events, with End always deferred. The
// status event goes out as soon as the question is classified, before the
// tool runs. A successful query follows it with chunk events for a
// narrative answer or one structured event, then needs-approval when an
// export is offered, then done. A failed query ends with exactly one error
// event and never touches memory. Panics are recovered and reported as internal errors.
//
// # Inputs
//
//   - ctx: Caller context. The request deadline is layered on top of it.
//   - in: The query.
//   - sink: Event destination. A sink error stops delivery but not the
//     query, whose turn is already in memory.
//
// # Outputs
//
//   - error: The error carried by the error event, or nil.
func (p *Pipeline) Ask(ctx context.Context, in Input, sink EventSink) (err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.Ask",
		trace.WithAttributes(attribute.String("conversation_id", string(in.ConversationID))),
	)
	defer span.End()

	out := &stream{sink: sink, conv: in.ConversationID, logger: p.logger}
	path := datatypes.Path("")
	defer func() {
		outcome := outcomeOK
		if err != nil {
			outcome = outcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, string(datatypes.KindOf(err)))
		}
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(string(path), outcome, time.Since(start).Seconds())
		}
	}()

	if in.Denial != nil {
		err = quotaError(in.Denial)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordQuotaDenial("policy")
		}
		out.fail(err)
		return err
	}

	rc, err := p.deps.Coordinator.Begin(ctx, in.ConversationID, in.Query, in.Dataset)
	if err != nil {
		out.fail(err)
		return err
	}
	defer p.deps.Coordinator.End(rc)
	out.requestID = rc.RequestID()
	span.SetAttributes(attribute.String("request_id", rc.RequestID()))

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("query panicked",
				slog.String("request_id", rc.RequestID()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = datatypes.NewError(datatypes.KindInternal, "internal error", fmt.Errorf("panic: %v", r))
			out.fail(err)
		}
	}()

	ans, err := p.run(ctx, rc, out)
	path = ans.decision.Path
	if err != nil {
		p.logger.Warn("query failed",
			slog.String("request_id", rc.RequestID()),
			slog.String("conversation_id", string(in.ConversationID)),
			slog.String("kind", string(datatypes.KindOf(err))),
			slog.String("error", err.Error()),
		)
		out.fail(err)
		return err
	}

	p.deliver(ctx, rc, ans, out)
	return nil
}

// answer is what a successful run hands to deliver.
type answer struct {
	decision datatypes.Decision
	env      datatypes.SummaryEnvelope
	raw      datatypes.RawToolResult
	stats    []datatypes.ColumnStats
}

// run performs the stages that can fail. Nothing is written to memory
// unless every stage succeeds.
func (p *Pipeline) run(ctx context.Context, rc *coordinator.RequestContext, out *stream) (answer, error) {
	reqCtx := rc.Context()
	conv := rc.ConversationID()

	history, err := p.deps.Memory.Recent(reqCtx, conv, p.cfg.HistoryWindow)
	if err != nil {
		return answer{}, stageError(reqCtx, "load history", err)
	}

	decision := p.deps.Classifier.Classify(reqCtx, rc.Query(), history)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordClassification(string(decision.Path), decision.Fallback)
	}
	if decision.Fallback {
		p.logger.Info("classification degraded",
			slog.String("request_id", rc.RequestID()),
			slog.String("reason", decision.Reason),
			slog.String("soft_error", decision.SoftError),
		)
	}
	out.emit(datatypes.StreamEvent{Type: datatypes.StreamEventStatus, Message: statusMessage(decision)})

	exec, err := p.deps.Executor.Execute(ctx, rc, decision)
	if err != nil {
		return answer{decision: decision}, err
	}

	var raw datatypes.RawToolResult
	var stats []datatypes.ColumnStats
	if exec.Preview != nil {
		stats = exec.Preview.Stats
	}
	switch {
	case exec.Handle != nil:
		raw, err = p.deps.Cache.Get(reqCtx, rc.Scope(), *exec.Handle)
		if err != nil {
			return answer{decision: decision}, stageError(reqCtx, "load result", err)
		}
	case exec.Scalar != nil:
		raw = datatypes.RawToolResult{Scalar: exec.Scalar}
	}

	env := p.deps.Summarizer.Summarize(raw, decision)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordDigest(len([]rune(env.Digest)))
	}
	if env.Warnings > 0 {
		p.logger.Warn("result rows repaired",
			slog.String("request_id", rc.RequestID()),
			slog.Int("warnings", env.Warnings),
		)
	}

	if err := datatypes.FromContext(reqCtx); err != nil {
		return answer{decision: decision}, err
	}
	user := datatypes.Message{Role: datatypes.RoleUser, Content: rc.Query()}
	assistant := datatypes.Message{
		Role:    datatypes.RoleAssistant,
		Content: env.Digest,
		Path:    decision.Path,
		Ref: &datatypes.PayloadRef{
			Kind:      env.Payload.Kind,
			RequestID: rc.RequestID(),
			Rows:      env.Payload.RowCount(),
		},
	}
	if _, err := p.deps.Memory.AppendTurn(reqCtx, conv, user, assistant); err != nil {
		return answer{decision: decision}, stageError(reqCtx, "save turn", err)
	}
	return answer{decision: decision, env: env, raw: raw, stats: stats}, nil
}

// deliver emits the success events.
func (p *Pipeline) deliver(ctx context.Context, rc *coordinator.RequestContext, ans answer, out *stream) {
	env := ans.env
	switch env.Payload.Kind {
	case datatypes.PayloadText:
		for _, chunk := range p.chunks(*env.Payload.Text) {
			out.emit(datatypes.StreamEvent{Type: datatypes.StreamEventChunk, Content: chunk})
		}
	case datatypes.PayloadTable, datatypes.PayloadChartSpec:
		payload := env.Payload
		out.emit(datatypes.StreamEvent{Type: datatypes.StreamEventStructured, Digest: env.Digest, Payload: &payload, Stats: ans.stats})
		if approval, ok := p.offer(ctx, rc, ans.raw); ok {
			out.emit(datatypes.StreamEvent{Type: datatypes.StreamEventNeedsApproval, Approval: &approval})
		}
	}

	out.emit(datatypes.StreamEvent{Type: datatypes.StreamEventDone, Digest: env.Digest, Path: ans.decision.Path})
}

// offer stores an export offer when the result is large enough.
func (p *Pipeline) offer(ctx context.Context, rc *coordinator.RequestContext, raw datatypes.RawToolResult) (datatypes.Approval, bool) {
	a := p.deps.Approvals
	if a == nil || a.Threshold() <= 0 || raw.Table == nil || raw.RowCount() < a.Threshold() {
		return datatypes.Approval{}, false
	}
	approval, err := a.Offer(context.WithoutCancel(ctx), rc.ConversationID(), rc.RequestID(), rc.Query(), raw.Table)
	if err != nil {
		p.logger.Warn("export offer failed",
			slog.String("request_id", rc.RequestID()),
			slog.String("error", err.Error()),
		)
		return datatypes.Approval{}, false
	}
	return approval, true
}

// chunks splits a narrative answer for streaming. Chunk boundaries fall on
// whitespace, which is restored so the chunks concatenate to the answer's
// words in order.
func (p *Pipeline) chunks(text string) []string {
	if len(text) <= p.cfg.ChunkSize {
		return []string{text}
	}
	parts, err := p.splitter.SplitText(text)
	if err != nil || len(parts) == 0 {
		return []string{text}
	}
	for i := 1; i < len(parts); i++ {
		parts[i] = " " + parts[i]
	}
	return parts
}

func statusMessage(d datatypes.Decision) string {
	switch {
	case d.Path == datatypes.PathStructured && d.Chart:
		return "Building a chart"
	case d.Path == datatypes.PathStructured:
		return "Building a table"
	default:
		return "Writing an answer"
	}
}

// stageError maps a collaborator failure, preferring the request's own
// deadline or cancellation when that is what happened.
func stageError(reqCtx context.Context, stage string, err error) error {
	if ctxErr := datatypes.FromContext(reqCtx); ctxErr != nil {
		return ctxErr
	}
	var qe *datatypes.QueryError
	if errors.As(err, &qe) {
		return err
	}
	return datatypes.NewError(datatypes.KindInternal, "internal error", fmt.Errorf("%s: %w", stage, err))
}

func quotaError(denial error) error {
	if datatypes.KindOf(denial) == datatypes.KindQuotaExceeded {
		return denial
	}
	return datatypes.NewError(datatypes.KindQuotaExceeded, datatypes.ErrQuotaExceeded.Message, denial)
}
