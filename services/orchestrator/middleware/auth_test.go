// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/pkg/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type failingProvider struct{ err error }

func (p failingProvider) Validate(context.Context, string) (*extensions.AuthInfo, error) {
	return nil, p.err
}

// ============================================================================
// Token extraction
// ============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer  spaced ", "spaced"},
		{"", ""},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

// ============================================================================
// AuthMiddleware
// ============================================================================

func newAuthRouter(provider extensions.AuthProvider) *gin.Engine {
	r := gin.New()
	r.Use(AuthMiddleware(provider))
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	return r
}

func TestAuthMiddleware_StaticTokens(t *testing.T) {
	r := newAuthRouter(extensions.NewStaticTokenProvider(map[string]string{"tok": "analyst"}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer tok")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "analyst", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"unauthorized"`)
}

func TestAuthMiddleware_ProviderErrorIsNotLeaked(t *testing.T) {
	r := newAuthRouter(failingProvider{err: errors.New("idp at 10.0.0.5 unreachable")})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication failed")
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
}

func TestAuthMiddleware_NopProvider(t *testing.T) {
	r := newAuthRouter(&extensions.NopAuthProvider{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, extensions.LocalUserID, w.Body.String())
}

func TestGetAuthInfo_MissingOrWrongType(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetAuthInfo(c))
	assert.Equal(t, extensions.LocalUserID, UserID(c))

	c.Set(authInfoKey, "not auth info")
	assert.Nil(t, GetAuthInfo(c))
}

// ============================================================================
// RequestContext
// ============================================================================

func TestRequestContext_ScopedLoggerAndHeader(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	r := gin.New()
	r.Use(RequestContext(base))
	r.GET("/v1/conversations/:conversationId/history", func(c *gin.Context) {
		logging.FromContext(c.Request.Context()).Info("inside handler")
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/conv-9/history", nil)
	req.Header.Set(RequestIDHeader, "req-abc")
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-abc", w.Header().Get(RequestIDHeader))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Equal(t, "req-abc", rec["http_request_id"])
		assert.Equal(t, "conv-9", rec["conversation_id"])
	}
	assert.Contains(t, lines[1], `"status":204`)
}

func TestRequestContext_ReplacesMalformedID(t *testing.T) {
	r := gin.New()
	r.Use(RequestContext(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "bad id\nwith newline")
	r.ServeHTTP(w, req)

	got := w.Header().Get(RequestIDHeader)
	assert.Len(t, got, 36)
	assert.NotContains(t, got, " ")
}
