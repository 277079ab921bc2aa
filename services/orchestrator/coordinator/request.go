// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/artifacts"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// Quota bounds the work a single request may do. Zero fields are unlimited.
type Quota struct {
	// MaxInvocations caps tool invocations, retries included.
	MaxInvocations int `yaml:"max_invocations" validate:"gte=0"`

	// MaxTokens caps tokens reported by tools.
	MaxTokens int `yaml:"max_tokens" validate:"gte=0"`
}

// RequestContext is the state owned by one in-flight query.
//
// # Description
//
// Everything a query produces lives here or under its Scope: the
// cancellable context, the quota counters, and the handles of artifacts it
// stored. Nothing is shared between requests, so two conversations can
// never observe each other's intermediate results.
//
// # Thread Safety
//
// Accessors are safe for concurrent use. Counters and handles are guarded
// by an internal mutex.
type RequestContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	id        string
	conv      datatypes.ConversationID
	query     string
	dataset   datatypes.DatasetHandle
	startedAt time.Time
	quota     Quota

	mu          sync.Mutex
	invocations int
	tokens      int
	handles     []artifacts.Handle

	endOnce sync.Once
}

// Context returns the request context. It is cancelled by End or when the
// request deadline passes.
func (rc *RequestContext) Context() context.Context { return rc.ctx }

// RequestID returns the unique request identifier.
func (rc *RequestContext) RequestID() string { return rc.id }

// ConversationID returns the owning conversation.
func (rc *RequestContext) ConversationID() datatypes.ConversationID { return rc.conv }

// Scope returns the artifact scope of this request.
func (rc *RequestContext) Scope() datatypes.Scope {
	return datatypes.Scope{ConversationID: rc.conv, RequestID: rc.id}
}

// Query returns the query text.
func (rc *RequestContext) Query() string { return rc.query }

// Dataset returns the dataset the query targets.
func (rc *RequestContext) Dataset() datatypes.DatasetHandle { return rc.dataset }

// StartedAt returns when Begin admitted the request.
func (rc *RequestContext) StartedAt() time.Time { return rc.startedAt }

// Quota returns the request's budget.
func (rc *RequestContext) Quota() Quota { return rc.quota }

// ConsumeInvocation charges one tool invocation against the budget.
//
// # Outputs
//
//   - error: datatypes.ErrQuotaExceeded kind when the budget is spent.
func (rc *RequestContext) ConsumeInvocation() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.quota.MaxInvocations > 0 && rc.invocations >= rc.quota.MaxInvocations {
		return datatypes.NewError(datatypes.KindQuotaExceeded,
			fmt.Sprintf("tool invocation budget of %d exhausted", rc.quota.MaxInvocations), nil)
	}
	rc.invocations++
	return nil
}

// ConsumeTokens charges n tokens against the budget. The tokens are
// recorded even when the charge overdraws, so Usage reflects real spend.
func (rc *RequestContext) ConsumeTokens(n int) error {
	if n <= 0 {
		return nil
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.tokens += n
	if rc.quota.MaxTokens > 0 && rc.tokens > rc.quota.MaxTokens {
		return datatypes.NewError(datatypes.KindQuotaExceeded,
			fmt.Sprintf("token budget of %d exhausted", rc.quota.MaxTokens), nil)
	}
	return nil
}

// Usage returns invocations and tokens consumed so far.
func (rc *RequestContext) Usage() (invocations, tokens int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.invocations, rc.tokens
}

// RecordHandle remembers an artifact stored by this request.
func (rc *RequestContext) RecordHandle(h artifacts.Handle) {
	rc.mu.Lock()
	rc.handles = append(rc.handles, h)
	rc.mu.Unlock()
}

// Handles returns a copy of the recorded artifact handles.
func (rc *RequestContext) Handles() []artifacts.Handle {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]artifacts.Handle, len(rc.handles))
	copy(out, rc.handles)
	return out
}
