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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// statusClientClosedRequest is the de-facto status for a caller that went
// away before the response.
const statusClientClosedRequest = 499

// ErrorResponse is the JSON body of every non-streaming error.
type ErrorResponse struct {
	Error     string              `json:"error"`
	ErrorKind datatypes.ErrorKind `json:"error_kind"`
	Retryable bool                `json:"retryable,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
}

// StatusForKind maps an error kind to an HTTP status.
func StatusForKind(kind datatypes.ErrorKind) int {
	switch kind {
	case datatypes.KindInvalidRequest:
		return http.StatusBadRequest
	case datatypes.KindNotFound:
		return http.StatusNotFound
	case datatypes.KindBusy:
		return http.StatusConflict
	case datatypes.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case datatypes.KindTimeout, datatypes.KindToolTimeout:
		return http.StatusGatewayTimeout
	case datatypes.KindCanceled:
		return statusClientClosedRequest
	case datatypes.KindToolRateLimited, datatypes.KindClassificationUnavailable:
		return http.StatusServiceUnavailable
	case datatypes.KindToolFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes err as an ErrorResponse. The cause is never sent.
func abortWithError(c *gin.Context, err error) {
	kind := datatypes.KindOf(err)
	resp := ErrorResponse{Error: datatypes.PublicMessage(err), ErrorKind: kind}
	var qe *datatypes.QueryError
	if errors.As(err, &qe) {
		resp.Retryable = qe.Retryable
	}
	c.AbortWithStatusJSON(StatusForKind(kind), resp)
}

// invalid wraps a binding or validation failure.
func invalid(message string, cause error) error {
	return datatypes.NewError(datatypes.KindInvalidRequest, message, cause)
}
