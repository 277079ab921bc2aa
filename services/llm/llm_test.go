// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

func TestNew_Backends(t *testing.T) {
	client, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, client)
	assert.Nil(t, AsGenerateFunc(client))

	_, err = New(Config{Backend: "bogus"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Backend: BackendOllama}, nil)
	assert.Error(t, err, "ollama needs a base url")

	t.Setenv("OPENAI_API_KEY", "")
	_, err = NewOpenAIClient(Config{}, nil)
	assert.Error(t, err)

	client, err = New(Config{Backend: BackendOpenAI, APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, client)
}

func TestOllama_Generate(t *testing.T) {
	var got ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"model":"m","response":"{\"path\":\"structured\"}","done":true,"eval_count":7}`))
	}))
	defer srv.Close()

	client, err := NewOllamaClient(Config{BaseURL: srv.URL + "/", Model: "m", Timeout: time.Second}, nil)
	require.NoError(t, err)

	gen := AsGenerateFunc(client)
	out, err := gen(context.Background(), "classify this", 64)
	require.NoError(t, err)
	assert.Equal(t, `{"path":"structured"}`, out)
	assert.Equal(t, "m", got.Model)
	assert.False(t, got.Stream)
	assert.EqualValues(t, 64, got.Options["num_predict"])
	assert.EqualValues(t, 0, got.Options["temperature"])
	assert.EqualValues(t, 20, got.Options["top_k"])
}

func TestOllama_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"busy"}`, datatypes.ErrRateLimited},
		{"gateway timeout", http.StatusGatewayTimeout, ``, datatypes.ErrToolTimeout},
		{"server error", http.StatusInternalServerError, `boom`, datatypes.ErrToolFailure},
		{"missing model", http.StatusNotFound, `{"error":"model \"m\" not found"}`, datatypes.ErrToolFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client, err := NewOllamaClient(Config{BaseURL: srv.URL, Model: "m"}, nil)
			require.NoError(t, err)
			_, err = client.Generate(context.Background(), "p", GenerationParams{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOllama_ContextDeadlinePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, err := NewOllamaClient(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = client.Generate(ctx, "p", GenerationParams{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenAI_Generate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt","choices":[{"index":0,"message":{"role":"assistant","content":"SELECT 1"},"finish_reason":"stop"}],"usage":{"total_tokens":9}}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "gpt"}, nil)
	require.NoError(t, err)

	out, err := AsGenerateFunc(client)(context.Background(), "write sql", 32)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", out)
	assert.Equal(t, "gpt", got["model"])
	assert.EqualValues(t, 32, got["max_completion_tokens"])
}

func TestOpenAI_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL + "/v1"}, nil)
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), "p", GenerationParams{})
	assert.ErrorIs(t, err, datatypes.ErrRateLimited)
}

func TestAnthropic_Generate(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Germany "},{"type":"text","text":"leads."}]}`))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	out, err := AsGenerateFunc(client)(context.Background(), "explain", 0)
	require.NoError(t, err)
	assert.Equal(t, "Germany leads.", out)
	assert.Equal(t, 1024, got.MaxTokens)
	assert.Equal(t, defaultAnthropicModel, got.Model)
}

func TestAnthropic_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[],"error":{"type":"overloaded_error","message":"try later"}}`))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), "p", GenerationParams{})
	assert.ErrorIs(t, err, datatypes.ErrToolFailure)
	assert.Contains(t, err.Error(), "try later")
}
