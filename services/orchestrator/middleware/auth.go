// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the gin middleware of the query API.
//
//	Request
//	   │
//	   ▼
//	RequestContext ─► request id, scoped logger, access log
//	   │
//	   ▼
//	AuthMiddleware ─► provider.Validate(ctx, bearer token)
//	   │
//	   ▼
//	Handler (GetAuthInfo, logging.FromContext)
//
// With NopAuthProvider every request is the local user, so the service
// runs without identity infrastructure.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/pkg/logging"
)

const authInfoKey = "queryd_auth_info"

// SetAuthInfo stores info in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// UserID returns the authenticated user id, or extensions.LocalUserID.
func UserID(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil && info.UserID != "" {
		return info.UserID
	}
	return extensions.LocalUserID
}

// AuthMiddleware validates the bearer token with provider.
//
// # Description
//
// On success the AuthInfo is stored for GetAuthInfo and the user id is
// added to the request logger. On failure the request is aborted with 401
// and the provider's error is logged, not returned.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(ctx, token)
		if err != nil {
			logger := logging.FromContext(ctx)
			if errors.Is(err, extensions.ErrUnauthorized) {
				logger.Info("request unauthorized", "token_present", token != "")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			logger.Warn("auth provider failed", "error", err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}

		SetAuthInfo(c, authInfo)
		scoped := logging.FromContext(ctx).With("user_id", authInfo.UserID)
		c.Request = c.Request.WithContext(logging.WithContext(ctx, scoped))
		c.Next()
	}
}

// extractBearerToken returns the token of "Authorization: Bearer <token>",
// or "" when the header is absent or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
