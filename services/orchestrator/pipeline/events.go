// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// EventSink receives the ordered events of one query.
type EventSink interface {
	Emit(event datatypes.StreamEvent) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(event datatypes.StreamEvent) error

// Emit implements EventSink.
func (f SinkFunc) Emit(event datatypes.StreamEvent) error { return f(event) }

// stream stamps correlation ids on events and stops delivery after the
// first sink error or terminal event.
type stream struct {
	sink      EventSink
	conv      datatypes.ConversationID
	requestID string
	logger    *slog.Logger

	closed bool
	err    error
}

func (s *stream) emit(ev datatypes.StreamEvent) {
	if s.closed || s.sink == nil {
		return
	}
	ev.ConversationID = s.conv
	ev.RequestID = s.requestID
	if err := s.sink.Emit(ev); err != nil {
		s.err = err
		s.closed = true
		s.logger.Warn("event delivery stopped",
			slog.String("request_id", s.requestID),
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	if ev.Type.IsTerminal() {
		s.closed = true
	}
}

// fail emits the terminal error event for err.
func (s *stream) fail(err error) {
	kind := datatypes.KindOf(err)
	retryable := false
	var qe *datatypes.QueryError
	if errors.As(err, &qe) {
		retryable = qe.Retryable
	}
	s.emit(datatypes.StreamEvent{
		Type:      datatypes.StreamEventError,
		Message:   datatypes.PublicMessage(err),
		ErrorKind: kind,
		Retryable: retryable,
	})
}

// Collector is an EventSink that aggregates a query's events into a single
// response, for callers that do not stream.
//
// # Thread Safety
//
// Safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	events []datatypes.StreamEvent
	answer strings.Builder
	resp   datatypes.QueryResponse
	failed *datatypes.StreamEvent
}

// Emit implements EventSink.
func (c *Collector) Emit(ev datatypes.StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	c.resp.ConversationID = ev.ConversationID
	if ev.RequestID != "" {
		c.resp.RequestID = ev.RequestID
	}
	switch ev.Type {
	case datatypes.StreamEventChunk:
		c.answer.WriteString(ev.Content)
	case datatypes.StreamEventStructured:
		c.resp.Payload = ev.Payload
		c.resp.Stats = ev.Stats
	case datatypes.StreamEventNeedsApproval:
		c.resp.Approval = ev.Approval
	case datatypes.StreamEventDone:
		c.resp.Digest = ev.Digest
		c.resp.Path = ev.Path
	case datatypes.StreamEventError:
		e := ev
		c.failed = &e
	}
	return nil
}

// Events returns a copy of the events received.
func (c *Collector) Events() []datatypes.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datatypes.StreamEvent(nil), c.events...)
}

// Types returns the received event types in order.
func (c *Collector) Types() []datatypes.StreamEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]datatypes.StreamEventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

// Response returns the aggregate. The second value is the error event,
// if the query failed.
func (c *Collector) Response() (datatypes.QueryResponse, *datatypes.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := c.resp
	resp.Answer = c.answer.String()
	return resp, c.failed
}
