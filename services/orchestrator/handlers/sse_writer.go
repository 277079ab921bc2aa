// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/pipeline"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes query events as Server-Sent Events.
//
// # Description
//
// Every event is framed as "event: <type>\ndata: <json>\n\n" and flushed
// immediately. The JSON carries the event fields plus an id, a created_at
// timestamp in milliseconds, and a SHA-256 hash chained to the previous
// event's hash, so a client can detect dropped or reordered events.
//
// # Thread Safety
//
// Safe for concurrent use. Writes are serialized, which keeps the chain
// consistent when keep-alives interleave with events.
type SSEWriter interface {
	pipeline.EventSink

	// WriteEvent frames and flushes one event.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteKeepAlive writes a comment line that clients ignore.
	WriteKeepAlive() error
}

// SSEFrame is the JSON body of one SSE event.
type SSEFrame struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	PrevHash  string `json:"prev_hash,omitempty"`
	Hash      string `json:"hash"`
	datatypes.StreamEvent
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps w, which must support http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// Emit implements pipeline.EventSink.
func (w *sseWriter) Emit(event datatypes.StreamEvent) error {
	return w.WriteEvent(event)
}

// WriteEvent frames, hashes, and flushes event.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := SSEFrame{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now().UnixMilli(),
		PrevHash:    w.prevHash,
		StreamEvent: event,
	}
	hash, err := FrameHash(frame)
	if err != nil {
		return err
	}
	frame.Hash = hash

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.prevHash = hash
	w.flusher.Flush()
	return nil
}

// WriteKeepAlive writes ": ping".
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Hash chain
// =============================================================================

// FrameHash computes the hash of frame over its id, type, timestamp,
// previous hash, and the JSON of its event fields. frame.Hash is ignored.
func FrameHash(frame SSEFrame) (string, error) {
	body, err := json.Marshal(frame.StreamEvent)
	if err != nil {
		return "", fmt.Errorf("marshal event for hash: %w", err)
	}
	input := fmt.Sprintf("%s|%s|%d|%s|%s", frame.ID, frame.Type, frame.CreatedAt, frame.PrevHash, body)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:]), nil
}

// ErrBrokenChain is returned by VerifyChain.
var ErrBrokenChain = errors.New("sse hash chain broken")

// VerifyChain checks that frames form an unbroken chain starting at an
// empty previous hash.
func VerifyChain(frames []SSEFrame) error {
	prev := ""
	for i, f := range frames {
		if f.PrevHash != prev {
			return fmt.Errorf("%w: frame %d links to %q, want %q", ErrBrokenChain, i, f.PrevHash, prev)
		}
		want, err := FrameHash(f)
		if err != nil {
			return err
		}
		if f.Hash != want {
			return fmt.Errorf("%w: frame %d hash mismatch", ErrBrokenChain, i)
		}
		prev = f.Hash
	}
	return nil
}

// SetSSEHeaders sets the headers of an event stream response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
