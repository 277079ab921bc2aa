// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the language model backends used for intent
// classification, SQL generation, and narrative answers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// Backend names a model provider.
type Backend string

const (
	BackendNone      Backend = "none"
	BackendOpenAI    Backend = "openai"
	BackendOllama    Backend = "ollama"
	BackendAnthropic Backend = "anthropic"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// GenerateFunc is the narrow completion signature the query tools depend on.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// AsGenerateFunc adapts a client to GenerateFunc with deterministic
// sampling. A nil client yields a nil func.
func AsGenerateFunc(client LLMClient) GenerateFunc {
	if client == nil {
		return nil
	}
	return func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		temp := float32(0)
		params := GenerationParams{Temperature: &temp}
		if maxTokens > 0 {
			params.MaxTokens = &maxTokens
		}
		return client.Generate(ctx, prompt, params)
	}
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of none, openai, ollama, anthropic. Default: none.
	Backend Backend `yaml:"backend" validate:"omitempty,oneof=none openai ollama anthropic"`

	// Model is the provider model id. Each backend has a default.
	Model string `yaml:"model"`

	// BaseURL overrides the provider endpoint. Required for ollama.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// APIKey authenticates hosted backends. When empty the key is read
	// from the provider's environment variable, then from /run/secrets.
	APIKey string `yaml:"api_key"`

	// Timeout bounds one HTTP exchange. Default: 2m.
	Timeout time.Duration `yaml:"timeout"`
}

// New builds the client for cfg.Backend. BackendNone returns a nil client
// and no error; callers then run without a model.
func New(cfg Config, logger *slog.Logger) (LLMClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	switch cfg.Backend {
	case "", BackendNone:
		logger.Info("No LLM backend configured, using deterministic tools only")
		return nil, nil
	case BackendOpenAI:
		c, err := NewOpenAIClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case BackendOllama:
		c, err := NewOllamaClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case BackendAnthropic:
		c, err := NewAnthropicClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}

// resolveAPIKey returns explicit, then $envVar, then the podman secret.
func resolveAPIKey(explicit, envVar, secretPath string, logger *slog.Logger) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if key := os.Getenv(envVar); key != "" {
		return key, nil
	}
	if content, err := os.ReadFile(secretPath); err == nil {
		logger.Info("Read the API key from Podman Secrets", "path", secretPath)
		return strings.TrimSpace(string(content)), nil
	}
	return "", fmt.Errorf("%s environment variable not set and secret %s not found", envVar, secretPath)
}

// statusError maps a provider HTTP status to the query error taxonomy so
// the executor can retry rate limits and timeouts.
func statusError(provider string, status int, body string) error {
	cause := fmt.Errorf("%s returned status %d: %s", provider, status, truncateBody(body))
	switch {
	case status == http.StatusTooManyRequests:
		return datatypes.NewError(datatypes.KindToolRateLimited, "model provider is rate limited", cause)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return datatypes.NewError(datatypes.KindToolTimeout, "model provider timed out", cause)
	default:
		return datatypes.NewError(datatypes.KindToolFailure, "model provider failed", cause)
	}
}

// transportError maps a failed HTTP exchange. Context errors pass through
// so the executor can tell its own deadline from the provider's.
func transportError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return datatypes.NewError(datatypes.KindToolFailure, "model provider unreachable",
		fmt.Errorf("%s request failed: %w", provider, err))
}

func truncateBody(body string) string {
	if len(body) > 512 {
		return body[:512] + "..."
	}
	return body
}
