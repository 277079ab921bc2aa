// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/artifacts"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/coordinator"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	kv "github.com/AleutianAI/AleutianQuery/services/orchestrator/storage/badger"
)

type harness struct {
	cache    *artifacts.BadgerCache
	coord    *coordinator.Coordinator
	registry *Registry
}

func newHarness(t *testing.T, coordCfg coordinator.Config) *harness {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cache := artifacts.NewBadgerCache(db, artifacts.Options{TTL: time.Minute})
	return &harness{
		cache:    cache,
		coord:    coordinator.New(cache, coordCfg, nil),
		registry: NewRegistry(),
	}
}

func (h *harness) begin(t *testing.T, conv string) *coordinator.RequestContext {
	t.Helper()
	rc, err := h.coord.Begin(context.Background(), datatypes.ConversationID(conv), "show capacity",
		datatypes.DatasetHandle{ID: "capacity", Name: "capacity"})
	require.NoError(t, err)
	t.Cleanup(func() { h.coord.End(rc) })
	return rc
}

func rowsTable(n int) datatypes.RawToolResult {
	t := &datatypes.Table{Columns: []datatypes.Column{
		{Name: "country", Type: datatypes.CellText, Role: datatypes.RoleDimension},
		{Name: "capacity", Type: datatypes.CellNumber, Role: datatypes.RoleMeasure},
	}}
	for i := 0; i < n; i++ {
		t.Rows = append(t.Rows, []datatypes.Cell{datatypes.TextCell(fmt.Sprintf("c%d", i%3)), datatypes.NumberCell(float64(i))})
	}
	return datatypes.RawToolResult{Table: t}
}

func constant(name string, out Output, err error, calls *int32) Tool {
	return ToolFunc{ToolName: name, Fn: func(ctx context.Context, inv Invocation) (Output, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return out, err
	}}
}

var structuredDecision = datatypes.Decision{Path: datatypes.PathStructured, Query: "show capacity"}

func fastConfig() Config {
	return Config{CallTimeout: time.Second, MaxRetries: 2, RetryBackoff: time.Millisecond, PreviewRows: 5}
}

func TestExecute_TableIsParkedInCache(t *testing.T) {
	h := newHarness(t, coordinator.Config{})
	require.NoError(t, h.registry.Register(datatypes.PathStructured, constant("lookup", Output{Result: rowsTable(12)}, nil, nil)))
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)
	rc := h.begin(t, "c1")

	exec, err := d.Execute(context.Background(), rc, structuredDecision)
	require.NoError(t, err)
	require.NotNil(t, exec.Handle)
	assert.Nil(t, exec.Scalar)
	assert.Equal(t, "lookup", exec.Tool)
	assert.Equal(t, 1, exec.Attempts)
	assert.Equal(t, rc.Scope(), exec.Handle.Scope)
	assert.Equal(t, []artifacts.Handle{*exec.Handle}, rc.Handles())

	require.NotNil(t, exec.Preview)
	assert.Equal(t, 12, exec.Preview.RowCount)
	assert.Len(t, exec.Preview.Rows, 5)
	assert.Equal(t, 3, exec.Preview.Stats[0].Distinct)
	require.NotNil(t, exec.Preview.Stats[1].Sum)
	assert.Equal(t, 66.0, *exec.Preview.Stats[1].Sum)
	assert.Equal(t, 11.0, *exec.Preview.Stats[1].Max)
	assert.Nil(t, exec.Preview.Stats[0].Min)

	raw, err := h.cache.Get(context.Background(), rc.Scope(), *exec.Handle)
	require.NoError(t, err)
	assert.Equal(t, 12, raw.RowCount())
}

func TestExecute_ScalarIsInline(t *testing.T) {
	h := newHarness(t, coordinator.Config{})
	n := 42.0
	require.NoError(t, h.registry.Register(datatypes.PathNarrative,
		constant("narrative", Output{Result: datatypes.RawToolResult{Scalar: &datatypes.Scalar{Num: &n}}, Tokens: 7}, nil, nil)))
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)
	rc := h.begin(t, "c1")

	exec, err := d.Execute(context.Background(), rc, datatypes.Decision{Path: datatypes.PathNarrative})
	require.NoError(t, err)
	require.NotNil(t, exec.Scalar)
	assert.Nil(t, exec.Handle)
	assert.Equal(t, 7, exec.Tokens)
	assert.Empty(t, rc.Handles())
}

func TestExecute_DatasetOverrideWins(t *testing.T) {
	h := newHarness(t, coordinator.Config{})
	require.NoError(t, h.registry.Register(datatypes.PathStructured, constant("default", Output{Result: rowsTable(1)}, nil, nil)))
	require.NoError(t, h.registry.RegisterForDataset("capacity", datatypes.PathStructured, constant("special", Output{Result: rowsTable(1)}, nil, nil)))
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)

	exec, err := d.Execute(context.Background(), h.begin(t, "c1"), structuredDecision)
	require.NoError(t, err)
	assert.Equal(t, "special", exec.Tool)
	assert.Equal(t, []string{"default", "special"}, h.registry.Names())
}

func TestExecute_MissingTool(t *testing.T) {
	h := newHarness(t, coordinator.Config{})
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)
	_, err := d.Execute(context.Background(), h.begin(t, "c1"), structuredDecision)
	assert.Equal(t, datatypes.KindInternal, datatypes.KindOf(err))
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, coordinator.Config{})
	var calls int32
	tool := ToolFunc{ToolName: "flaky", Fn: func(ctx context.Context, inv Invocation) (Output, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Output{}, datatypes.ErrRateLimited
		}
		return Output{Result: rowsTable(2)}, nil
	}}
	require.NoError(t, h.registry.Register(datatypes.PathStructured, tool))
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)
	rc := h.begin(t, "c1")

	exec, err := d.Execute(context.Background(), rc, structuredDecision)
	require.NoError(t, err)
	assert.Equal(t, 3, exec.Attempts)
	inv, _ := rc.Usage()
	assert.Equal(t, 3, inv, "retries consume invocation budget")
}

func TestExecute_PerCallTimeoutExhaustsRetries(t *testing.T) {
	h := newHarness(t, coordinator.Config{})
	var calls int32
	tool := ToolFunc{ToolName: "slow", Fn: func(ctx context.Context, inv Invocation) (Output, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return Output{}, ctx.Err()
	}}
	require.NoError(t, h.registry.Register(datatypes.PathStructured, tool))
	cfg := fastConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 1
	d := NewDispatcher(h.registry, h.cache, cfg, nil)

	_, err := d.Execute(context.Background(), h.begin(t, "c1"), structuredDecision)
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrToolTimeout)
	assert.Equal(t, int32(2), calls)
}

func TestExecute_RequestDeadlineStopsExecution(t *testing.T) {
	h := newHarness(t, coordinator.Config{RequestTimeout: 30 * time.Millisecond})
	tool := ToolFunc{ToolName: "stuck", Fn: func(ctx context.Context, inv Invocation) (Output, error) {
		<-ctx.Done()
		return Output{}, ctx.Err()
	}}
	require.NoError(t, h.registry.Register(datatypes.PathStructured, tool))
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)

	start := time.Now()
	_, err := d.Execute(context.Background(), h.begin(t, "c1"), structuredDecision)
	assert.ErrorIs(t, err, datatypes.ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExecute_ToolIgnoringContextIsAbandoned(t *testing.T) {
	h := newHarness(t, coordinator.Config{RequestTimeout: 100 * time.Millisecond})
	release := make(chan struct{})
	finished := make(chan struct{})
	tool := ToolFunc{ToolName: "deaf", Fn: func(_ context.Context, _ Invocation) (Output, error) {
		defer close(finished)
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		return Output{Result: rowsTable(3)}, nil
	}}
	require.NoError(t, h.registry.Register(datatypes.PathStructured, tool))
	cfg := fastConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 0
	d := NewDispatcher(h.registry, h.cache, cfg, nil)

	rc, err := h.coord.Begin(context.Background(), "c1", "show capacity", datatypes.DatasetHandle{ID: "capacity"})
	require.NoError(t, err)

	start := time.Now()
	exec, err := d.Execute(context.Background(), rc, structuredDecision)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.Nil(t, exec)
	assert.True(t, errors.Is(err, datatypes.ErrToolTimeout) || errors.Is(err, datatypes.ErrTimeout), err.Error())
	assert.Less(t, elapsed, 500*time.Millisecond, "the call returns at its deadline")

	h.coord.End(rc)
	assert.Equal(t, coordinator.StateIdle, h.coord.State("c1"))

	close(release)
	<-finished
	n, err := h.cache.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a late result is never stored")
	assert.Empty(t, rc.Handles())
}

func TestExecute_CanceledRequest(t *testing.T) {
	h := newHarness(t, coordinator.Config{})
	require.NoError(t, h.registry.Register(datatypes.PathStructured, constant("lookup", Output{Result: rowsTable(1)}, nil, nil)))
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := h.coord.Begin(ctx, "c1", "q", datatypes.DatasetHandle{})
	require.NoError(t, err)
	defer h.coord.End(rc)
	cancel()

	_, err = d.Execute(context.Background(), rc, structuredDecision)
	assert.ErrorIs(t, err, datatypes.ErrCanceled)
}

func TestExecute_FailurePreservesCause(t *testing.T) {
	h := newHarness(t, coordinator.Config{})
	cause := errors.New("no such column: capcity")
	var calls int32
	require.NoError(t, h.registry.Register(datatypes.PathStructured, constant("sql", Output{}, cause, &calls)))
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)

	_, err := d.Execute(context.Background(), h.begin(t, "c1"), structuredDecision)
	assert.ErrorIs(t, err, datatypes.ErrToolFailure)
	assert.ErrorIs(t, err, cause)
	assert.NotContains(t, datatypes.PublicMessage(err), "capcity")
	assert.Equal(t, int32(1), calls, "failures are not retried")
}

func TestExecute_PanicIsToolFailure(t *testing.T) {
	h := newHarness(t, coordinator.Config{})
	tool := ToolFunc{ToolName: "boom", Fn: func(ctx context.Context, inv Invocation) (Output, error) {
		panic("index out of range")
	}}
	require.NoError(t, h.registry.Register(datatypes.PathStructured, tool))
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)

	_, err := d.Execute(context.Background(), h.begin(t, "c1"), structuredDecision)
	assert.ErrorIs(t, err, datatypes.ErrToolFailure)
}

func TestExecute_InvocationQuota(t *testing.T) {
	h := newHarness(t, coordinator.Config{Quota: coordinator.Quota{MaxInvocations: 2}})
	var calls int32
	require.NoError(t, h.registry.Register(datatypes.PathStructured, constant("limited", Output{}, datatypes.ErrRateLimited, &calls)))
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)

	_, err := d.Execute(context.Background(), h.begin(t, "c1"), structuredDecision)
	assert.ErrorIs(t, err, datatypes.ErrQuotaExceeded)
	assert.True(t, err.(*datatypes.QueryError).Retryable)
	assert.Equal(t, int32(2), calls)
}

func TestExecute_TokenQuota(t *testing.T) {
	h := newHarness(t, coordinator.Config{Quota: coordinator.Quota{MaxTokens: 10}})
	require.NoError(t, h.registry.Register(datatypes.PathNarrative,
		constant("chatty", Output{Result: datatypes.RawToolResult{Scalar: &datatypes.Scalar{Text: "x"}}, Tokens: 50}, nil, nil)))
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)

	_, err := d.Execute(context.Background(), h.begin(t, "c1"), datatypes.Decision{Path: datatypes.PathNarrative})
	assert.ErrorIs(t, err, datatypes.ErrQuotaExceeded)
}

func TestExecute_RateLimitIsPerConversation(t *testing.T) {
	h := newHarness(t, coordinator.Config{})
	require.NoError(t, h.registry.Register(datatypes.PathStructured, constant("lookup", Output{Result: rowsTable(1)}, nil, nil)))
	cfg := fastConfig()
	cfg.RatePerSecond = 0.001
	cfg.RateBurst = 1
	d := NewDispatcher(h.registry, h.cache, cfg, nil)

	rc := h.begin(t, "c1")
	_, err := d.Execute(context.Background(), rc, structuredDecision)
	require.NoError(t, err)
	h.coord.End(rc)

	rc = h.begin(t, "c1")
	_, err = d.Execute(context.Background(), rc, structuredDecision)
	assert.ErrorIs(t, err, datatypes.ErrQuotaExceeded)

	_, err = d.Execute(context.Background(), h.begin(t, "c2"), structuredDecision)
	assert.NoError(t, err)
}

func TestExecute_EmptyOutputIsEmptyTable(t *testing.T) {
	h := newHarness(t, coordinator.Config{})
	require.NoError(t, h.registry.Register(datatypes.PathStructured, constant("nothing", Output{}, nil, nil)))
	d := NewDispatcher(h.registry, h.cache, fastConfig(), nil)

	exec, err := d.Execute(context.Background(), h.begin(t, "c1"), structuredDecision)
	require.NoError(t, err)
	require.NotNil(t, exec.Handle)
	assert.Zero(t, exec.Preview.RowCount)
}

func TestRegistry_Validation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("sql", constant("x", Output{}, nil, nil)))
	assert.Error(t, r.Register(datatypes.PathNarrative, nil))
	assert.Error(t, r.RegisterForDataset("", datatypes.PathNarrative, constant("x", Output{}, nil, nil)))
}

func TestBuildPreview_DistinctCap(t *testing.T) {
	p := BuildPreview(rowsTable(100).Table, 3, 10)
	assert.Len(t, p.Rows, 3)
	assert.Equal(t, 100, p.RowCount)
	assert.True(t, p.Stats[1].DistinctCapped)
	assert.Equal(t, 10, p.Stats[1].Distinct)
	assert.False(t, p.Stats[0].DistinctCapped)
}
