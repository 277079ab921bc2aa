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
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/approvals"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/export"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/middleware"
)

// ApprovalResolver consumes a pending export. *approvals.Store implements it.
type ApprovalResolver interface {
	Resolve(ctx context.Context, conv datatypes.ConversationID, id string, approve bool) (*approvals.Pending, error)
}

// ApprovalHandler confirms or discards export offers.
type ApprovalHandler struct {
	store ApprovalResolver
	opts  extensions.ServiceOptions
}

// NewApprovalHandler creates an ApprovalHandler.
func NewApprovalHandler(store ApprovalResolver, opts extensions.ServiceOptions) *ApprovalHandler {
	return &ApprovalHandler{store: store, opts: opts.Normalized()}
}

// HandleResolve handles POST .../approvals/:approvalId.
//
// # Description
//
// {"approve": true} returns the workbook as an attachment; {"approve":
// false} discards the offer. Either way the offer is consumed, so a second
// call returns 404, as does an expired offer or one belonging to another
// conversation.
func (h *ApprovalHandler) HandleResolve(c *gin.Context) {
	ctx := c.Request.Context()
	conv := c.Param("conversationId")
	id := c.Param("approvalId")
	if err := datatypes.ValidateConversationID(conv); err != nil {
		abortWithError(c, invalid("invalid conversation id", err))
		return
	}

	var req datatypes.ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, invalid("invalid request body", err))
		return
	}
	if err := req.Validate(); err != nil {
		abortWithError(c, invalid("invalid request: \"approve\" is required", err))
		return
	}
	approve := *req.Approve

	pending, err := h.store.Resolve(ctx, datatypes.ConversationID(conv), id, approve)
	h.audit(ctx, middleware.UserID(c), conv, id, approve, err)
	if err != nil {
		if datatypes.KindOf(err) != datatypes.KindNotFound {
			logging.FromContext(ctx).Error("approval resolve failed", "approval_id", id, "error", err.Error())
		}
		abortWithError(c, err)
		return
	}
	if pending == nil {
		c.JSON(http.StatusOK, gin.H{"status": "discarded", "approval_id": id})
		return
	}

	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, pending.Table, ""); err != nil {
		logging.FromContext(ctx).Error("export failed", "approval_id", id, "error", err.Error())
		abortWithError(c, datatypes.NewError(datatypes.KindInternal, "export failed", err))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(pending.Query)))
	c.Data(http.StatusOK, export.ContentTypeXLSX, buf.Bytes())
}

func (h *ApprovalHandler) audit(ctx context.Context, userID, conv, id string, approve bool, err error) {
	outcome := extensions.OutcomeSuccess
	if err != nil {
		outcome = extensions.OutcomeFailure
	}
	action := "discard"
	if approve {
		action = "approve"
	}
	if auditErr := h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    extensions.AuditApproval,
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       action,
		ResourceType: "approval",
		ResourceID:   id,
		Outcome:      outcome,
		Metadata:     map[string]any{"conversation_id": conv},
	}); auditErr != nil {
		logging.FromContext(ctx).Warn("audit log failed", "error", auditErr.Error())
	}
}
