// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the value types shared by the query orchestrator:
// conversation messages, classification decisions, raw tool results, summary
// envelopes, stream events, and the error taxonomy.
//
// Types in this package carry no behavior beyond validation and small
// accessors. They are safe to copy; none of them hold locks.
package datatypes

import "time"

// =============================================================================
// Identifiers
// =============================================================================

// ConversationID identifies one conversation. It is supplied by the caller
// and treated as opaque.
type ConversationID string

// String returns the raw identifier.
func (c ConversationID) String() string { return string(c) }

// Scope binds a piece of request state to the conversation and request that
// own it. Artifacts are visible only under the exact Scope that created them.
//
// A Scope with an empty RequestID addresses every request of the conversation
// (used for conversation-wide release).
type Scope struct {
	ConversationID ConversationID `json:"conversation_id"`
	RequestID      string         `json:"request_id"`
}

// DatasetHandle is an opaque reference to a tabular source. The core only
// requires that the referenced source has stable column names and row order.
type DatasetHandle struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IsZero reports whether no dataset was referenced.
func (d DatasetHandle) IsZero() bool { return d.ID == "" }

// =============================================================================
// Messages
// =============================================================================

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// PayloadRef records where the full payload of an assistant turn went,
// without carrying the payload itself.
type PayloadRef struct {
	Kind      PayloadKind `json:"kind"`
	RequestID string      `json:"request_id"`
	Rows      int         `json:"rows,omitempty"`
}

// Message is one immutable entry in a conversation log.
//
// # Description
//
// Seq is assigned by the memory store at append time and is strictly
// increasing per conversation, starting at 1. Content holds text only: for
// assistant turns it is the bounded digest, never a raw result.
//
// # Fields
//
//   - Seq: Position in the conversation. Zero before append.
//   - Role: user, assistant, or tool.
//   - Content: Text content (capped by the store).
//   - Path: Execution path that produced an assistant turn.
//   - Ref: Kind and location of the full payload, if any.
//   - CreatedAt: Store time of append.
type Message struct {
	Seq       int64       `json:"seq"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Path      Path        `json:"path,omitempty"`
	Ref       *PayloadRef `json:"ref,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// =============================================================================
// Classification
// =============================================================================

// Path is the execution path chosen for a query. The set is closed.
type Path string

const (
	// PathNarrative answers with prose. It is the conservative default.
	PathNarrative Path = "narrative"

	// PathStructured answers with a table or chart specification.
	PathStructured Path = "structured"
)

// Valid reports whether p is a member of the closed path set.
func (p Path) Valid() bool {
	return p == PathNarrative || p == PathStructured
}

// Opposite returns the other path.
func (p Path) Opposite() Path {
	if p == PathStructured {
		return PathNarrative
	}
	return PathStructured
}

// Decision is the output of intent classification.
//
// # Description
//
// A Decision is a pure function of the query text and the bounded history
// window passed to the classifier. ContextSeq and ContextSize identify that
// window so the decision can be reproduced.
//
// # Fields
//
//   - Path: Chosen execution path.
//   - Chart: True when a chart specification is wanted for a structured result.
//   - Query: The query text that was classified.
//   - PriorQuery: The user query of the turn this query follows up on, if any.
//   - ContextSeq: Seq of the newest history message considered (0 if none).
//   - ContextSize: Number of history messages considered.
//   - Reason: Short label of the rule that fired.
//   - Fallback: True when the classifier degraded to the default path.
//   - SoftError: Description of the degradation, for observability only.
type Decision struct {
	Path        Path   `json:"path"`
	Chart       bool   `json:"chart"`
	Query       string `json:"query"`
	PriorQuery  string `json:"prior_query,omitempty"`
	ContextSeq  int64  `json:"context_seq"`
	ContextSize int    `json:"context_size"`
	Reason      string `json:"reason"`
	Fallback    bool   `json:"fallback,omitempty"`
	SoftError   string `json:"soft_error,omitempty"`
}

// IsFollowUp reports whether the decision was resolved against a prior turn.
func (d Decision) IsFollowUp() bool { return d.PriorQuery != "" }
