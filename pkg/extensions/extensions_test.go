// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &NopAuditLogger{}, opts.AuditLogger)
	assert.IsType(t, &NopQuotaPolicy{}, opts.QuotaPolicy)
}

func TestServiceOptions_BuildersCopy(t *testing.T) {
	original := DefaultOptions()
	audit := &MemoryAuditLogger{}
	quota := NewRateQuotaPolicy(60, 1)
	auth := NewStaticTokenProvider(map[string]string{"t": "u"})

	opts := original.WithAudit(audit).WithQuota(quota).WithAuth(auth)

	assert.Same(t, audit, opts.AuditLogger)
	assert.Same(t, quota, opts.QuotaPolicy)
	assert.Same(t, auth, opts.AuthProvider)
	assert.IsType(t, &NopAuditLogger{}, original.AuditLogger, "builders must not mutate the receiver")
}

func TestServiceOptions_Normalized(t *testing.T) {
	opts := ServiceOptions{}.Normalized()
	assert.NotNil(t, opts.AuthProvider)
	assert.NotNil(t, opts.AuditLogger)
	assert.NotNil(t, opts.QuotaPolicy)
}

// ============================================================================
// Auth Tests
// ============================================================================

func TestNopAuthProvider(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, LocalUserID, info.UserID)
	assert.True(t, info.HasRole("admin"))
	assert.False(t, info.HasRole("auditor"))
}

func TestStaticTokenProvider(t *testing.T) {
	tokens := map[string]string{"s3cret": "analyst"}
	p := NewStaticTokenProvider(tokens)
	tokens["s3cret"] = "mutated"

	info, err := p.Validate(context.Background(), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "analyst", info.UserID)

	for _, tok := range []string{"", "wrong", "s3cre"} {
		_, err := p.Validate(context.Background(), tok)
		assert.True(t, errors.Is(err, ErrUnauthorized), "token %q", tok)
	}
}

// ============================================================================
// Audit Tests
// ============================================================================

func TestSlogAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, l.Log(context.Background(), AuditEvent{
		EventType:  AuditApproval,
		UserID:     "analyst",
		ResourceID: "apr-1",
		Outcome:    OutcomeSuccess,
		Metadata:   map[string]any{"rows": 120},
	}))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	audit, ok := rec["audit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "approval", audit["event_type"])
	assert.Equal(t, "analyst", audit["user_id"])
	assert.Equal(t, "success", audit["outcome"])
}

func TestMemoryAuditLogger_Concurrent(t *testing.T) {
	l := &MemoryAuditLogger{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Log(context.Background(), AuditEvent{EventType: AuditQuery})
		}()
	}
	wg.Wait()

	events := l.Events()
	assert.Len(t, events, 50)
	events[0].EventType = "mutated"
	assert.Equal(t, AuditQuery, l.Events()[0].EventType)
}

// ============================================================================
// Quota Tests
// ============================================================================

func TestNopQuotaPolicy(t *testing.T) {
	assert.True(t, (&NopQuotaPolicy{}).Check(context.Background(), QuotaRequest{}).Allowed)
}

func TestRateQuotaPolicy_BurstThenDeny(t *testing.T) {
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewRateQuotaPolicy(60, 2)
	p.now = func() time.Time { return clock }
	ctx := context.Background()
	req := QuotaRequest{UserID: "analyst", ConversationID: "c1"}

	assert.True(t, p.Check(ctx, req).Allowed)
	assert.True(t, p.Check(ctx, req).Allowed)

	denied := p.Check(ctx, req)
	assert.False(t, denied.Allowed)
	assert.NotEmpty(t, denied.Reason)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))

	assert.True(t, p.Check(ctx, QuotaRequest{UserID: "other"}).Allowed, "buckets are per user")

	clock = clock.Add(time.Second)
	assert.True(t, p.Check(ctx, req).Allowed, "one token refills per second at 60/min")
}

func TestRateQuotaPolicy_DropsIdleBuckets(t *testing.T) {
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewRateQuotaPolicy(60, 1)
	p.now = func() time.Time { return clock }

	p.Check(context.Background(), QuotaRequest{UserID: "a"})
	clock = clock.Add(time.Minute)
	p.Check(context.Background(), QuotaRequest{UserID: "b"})

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.NotContains(t, p.buckets, "a")
	assert.Contains(t, p.buckets, "b")
}

func TestRateQuotaPolicy_Unlimited(t *testing.T) {
	p := NewRateQuotaPolicy(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, p.Check(context.Background(), QuotaRequest{UserID: "x"}).Allowed)
	}
}
