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
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/pipeline"
)

const (
	// wsReadLimit bounds one inbound frame.
	wsReadLimit = 64 * 1024

	// wsWriteWait bounds one outbound write.
	wsWriteWait = 10 * time.Second
)

// WSRequest is one inbound WebSocket frame.
type WSRequest struct {
	Query     string `json:"query"`
	DatasetID string `json:"dataset_id,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (w *wsConn) sendJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.ws.WriteJSON(v)
}

// Emit implements pipeline.EventSink.
func (w *wsConn) Emit(ev datatypes.StreamEvent) error {
	return w.sendJSON(ev)
}

// HandleWebSocket serves the WebSocket transport of a conversation.
//
// # Description
//
// After the upgrade a status event announces the conversation. Each
// inbound {query, dataset_id} frame runs one query and its events are
// written as JSON frames, ending in done or error. Frames are handled in
// order, so one connection never has two queries in flight. A malformed
// frame gets an invalid_request error event and the connection stays
// open. Quota and audit apply per frame, as on the HTTP route.
func (h *QueryHandler) HandleWebSocket(c *gin.Context) {
	conv := c.Param("conversationId")
	if err := datatypes.ValidateConversationID(conv); err != nil {
		abortWithError(c, invalid("invalid conversation id", err))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin:     originChecker(h.cfg.AllowedOrigins),
		ReadBufferSize:  4096,
		WriteBufferSize: 16 * 1024,
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logging.FromContext(c.Request.Context()).Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	defer ws.Close()
	ws.SetReadLimit(wsReadLimit)

	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)
	userID := middleware.UserID(c)
	conn := &wsConn{ws: ws}
	logger.Info("websocket connected")

	if err := conn.Emit(datatypes.StreamEvent{
		Type:           datatypes.StreamEventStatus,
		ConversationID: datatypes.ConversationID(conv),
		Message:        "connected",
	}); err != nil {
		return
	}

	for {
		var frame WSRequest
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("websocket closed", "error", err.Error())
			}
			return
		}

		req := datatypes.QueryRequest{ConversationID: conv, Query: frame.Query, DatasetID: frame.DatasetID}
		if err := req.Validate(); err != nil {
			if sendErr := conn.Emit(errorEvent(conv, invalid("invalid request: validation failed", err))); sendErr != nil {
				return
			}
			continue
		}

		in := h.input(ctx, userID, req)
		err := h.asker.Ask(ctx, in, conn)
		h.audit(ctx, userID, in, err)
		if ctx.Err() != nil {
			return
		}
	}
}

// errorEvent builds a terminal error event outside the pipeline.
func errorEvent(conv string, err error) datatypes.StreamEvent {
	ev := datatypes.StreamEvent{
		Type:           datatypes.StreamEventError,
		ConversationID: datatypes.ConversationID(conv),
		Message:        datatypes.PublicMessage(err),
		ErrorKind:      datatypes.KindOf(err),
	}
	var qe *datatypes.QueryError
	if errors.As(err, &qe) {
		ev.Retryable = qe.Retryable
	}
	return ev
}

// originChecker accepts requests without an Origin header, same-host
// origins, and listed origins. "*" accepts every origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		if !ok {
			slog.Debug("websocket origin rejected", "origin", origin)
		}
		return ok
	}
}

var _ pipeline.EventSink = (*wsConn)(nil)
