// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorKind is the stable, machine-readable error category surfaced to
// callers in terminal error events.
type ErrorKind string

const (
	KindClassificationUnavailable ErrorKind = "classification_unavailable"
	KindToolTimeout               ErrorKind = "tool_timeout"
	KindToolRateLimited           ErrorKind = "tool_rate_limited"
	KindToolFailure               ErrorKind = "tool_failure"
	KindBusy                      ErrorKind = "busy"
	KindQuotaExceeded             ErrorKind = "quota_exceeded"
	KindTimeout                   ErrorKind = "timeout"
	KindCanceled                  ErrorKind = "canceled"
	KindInvalidRequest            ErrorKind = "invalid_request"
	KindNotFound                  ErrorKind = "not_found"
	KindInternal                  ErrorKind = "internal"
)

// Transient reports whether the kind is retried by the executor.
func (k ErrorKind) Transient() bool {
	return k == KindToolTimeout || k == KindToolRateLimited
}

// QueryError is the typed error carried through the query pipeline.
//
// # Description
//
// Message is safe to show to users. Cause preserves the underlying error for
// logs and is never sent to clients. Two QueryErrors match under errors.Is
// when their kinds are equal, so the Err* sentinels below can be used as
// targets.
type QueryError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

// Error implements error.
func (e *QueryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause.
func (e *QueryError) Unwrap() error { return e.Cause }

// Is matches any QueryError of the same kind.
func (e *QueryError) Is(target error) bool {
	var t *QueryError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a QueryError. Retryable defaults from the kind.
func NewError(kind ErrorKind, message string, cause error) *QueryError {
	return &QueryError{
		Kind:      kind,
		Message:   message,
		Retryable: kind.Transient() || kind == KindQuotaExceeded || kind == KindBusy,
		Cause:     cause,
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrBusy          = &QueryError{Kind: KindBusy, Message: "a query is already being processed for this conversation", Retryable: true}
	ErrQuotaExceeded = &QueryError{Kind: KindQuotaExceeded, Message: "usage quota exceeded", Retryable: true}
	ErrToolTimeout   = &QueryError{Kind: KindToolTimeout, Message: "tool call timed out", Retryable: true}
	ErrRateLimited   = &QueryError{Kind: KindToolRateLimited, Message: "tool is rate limited", Retryable: true}
	ErrToolFailure   = &QueryError{Kind: KindToolFailure, Message: "tool failed"}
	ErrTimeout       = &QueryError{Kind: KindTimeout, Message: "query deadline exceeded"}
	ErrCanceled      = &QueryError{Kind: KindCanceled, Message: "query canceled"}
	ErrNotFound      = &QueryError{Kind: KindNotFound, Message: "not found"}
	ErrInvalid       = &QueryError{Kind: KindInvalidRequest, Message: "invalid request"}
)

// KindOf returns the error kind of err. Context errors map to timeout and
// canceled; anything else that is not a QueryError maps to internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindInternal
}

// PublicMessage returns a message safe to send to clients.
func PublicMessage(err error) string {
	var qe *QueryError
	if errors.As(err, &qe) && qe.Message != "" {
		return qe.Message
	}
	switch KindOf(err) {
	case KindTimeout:
		return ErrTimeout.Message
	case KindCanceled:
		return ErrCanceled.Message
	}
	return "An internal error occurred. Please try again later."
}

// FromContext converts a finished context into the matching QueryError.
func FromContext(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, ErrTimeout.Message, err)
	default:
		return NewError(KindCanceled, ErrCanceled.Message, err)
	}
}
