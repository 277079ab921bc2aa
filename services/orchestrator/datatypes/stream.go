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

// =============================================================================
// Stream Events
// =============================================================================

// StreamEventType is the type of a delivery event.
type StreamEventType string

const (
	// StreamEventStatus carries progress text.
	StreamEventStatus StreamEventType = "status"

	// StreamEventChunk carries incremental narrative text.
	StreamEventChunk StreamEventType = "chunk"

	// StreamEventStructured carries a completed table or chart payload.
	StreamEventStructured StreamEventType = "structured"

	// StreamEventNeedsApproval offers a gated follow-up action.
	StreamEventNeedsApproval StreamEventType = "needs-approval"

	// StreamEventDone terminates a successful stream.
	StreamEventDone StreamEventType = "done"

	// StreamEventError terminates a failed stream. No done follows.
	StreamEventError StreamEventType = "error"
)

// IsTerminal reports whether the event ends the stream.
func (t StreamEventType) IsTerminal() bool {
	return t == StreamEventDone || t == StreamEventError
}

// Approval describes a gated follow-up action awaiting confirmation.
type Approval struct {
	ID          string `json:"id"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Rows        int    `json:"rows"`
	ExpiresAt   int64  `json:"expires_at"`
}

// StreamEvent is one event in the ordered per-query delivery sequence.
//
// # Description
//
// Transport-specific metadata (event ids, hash chains) is added by the
// writer; the pipeline fills only the semantic fields.
//
// # Fields
//
//   - Type: Event type.
//   - ConversationID, RequestID: Correlation.
//   - Message: Status text or error message.
//   - Content: Narrative chunk text.
//   - Digest: Final digest (structured and done events).
//   - Payload: Completed structured payload.
//   - Approval: Pending gated action.
//   - Stats: Column statistics over the full table (structured events).
//   - Path: Execution path (done events).
//   - ErrorKind: Machine-readable error kind (error events).
//   - Retryable: Whether the caller may retry (error events).
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	ConversationID ConversationID  `json:"conversation_id,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	Message        string          `json:"message,omitempty"`
	Content        string          `json:"content,omitempty"`
	Digest         string          `json:"digest,omitempty"`
	Payload        *Payload        `json:"payload,omitempty"`
	Approval       *Approval       `json:"approval,omitempty"`
	Stats          []ColumnStats   `json:"stats,omitempty"`
	Path           Path            `json:"path,omitempty"`
	ErrorKind      ErrorKind       `json:"error_kind,omitempty"`
	Retryable      bool            `json:"retryable,omitempty"`
}
