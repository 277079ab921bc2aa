// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func decodeLines(t *testing.T, s string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

// =============================================================================
// Level Tests
// =============================================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevel_StringAndSlog(t *testing.T) {
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, slog.LevelDebug, LevelDebug.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, Level(42).toSlogLevel())
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_NonTerminalWritesJSON(t *testing.T) {
	var buf syncBuffer
	logger := New(Config{Level: LevelInfo, Service: "queryd", Output: &buf})
	defer logger.Close()

	logger.Info("request completed", "path", "structured")
	logger.Debug("filtered out")

	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "request completed", lines[0]["msg"])
	assert.Equal(t, "queryd", lines[0]["service"])
	assert.Equal(t, "structured", lines[0]["path"])
}

func TestNew_QuietDiscards(t *testing.T) {
	var buf syncBuffer
	logger := New(Config{Quiet: true, Output: &buf})
	logger.Error("nothing")
	assert.Empty(t, buf.String())
	assert.NoError(t, logger.Close())
}

func TestNew_FileSink(t *testing.T) {
	dir := t.TempDir()
	var buf syncBuffer
	logger := New(Config{Level: LevelDebug, LogDir: dir, Service: "queryd", Output: &buf})

	logger.Debug("to both sinks", "k", 1)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "queryd_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)

	lines := decodeLines(t, string(data))
	require.Len(t, lines, 1)
	assert.Equal(t, "to both sinks", lines[0]["msg"])
	assert.Contains(t, buf.String(), "to both sinks")
}

func TestNew_UnwritableLogDirFallsBack(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	var buf syncBuffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	logger.Info("still logging")
	assert.Contains(t, buf.String(), "still logging")
	assert.NoError(t, logger.Close())
}

func TestLogger_WithAddsAttributes(t *testing.T) {
	var buf syncBuffer
	logger := New(Config{Output: &buf})
	logger.With("request_id", "r-1").Warn("slow tool")

	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "r-1", lines[0]["request_id"])
	assert.Equal(t, "WARN", lines[0]["level"])
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var buf syncBuffer
	logger := New(Config{Output: &buf})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Info("tick", "i", i)
		}(i)
	}
	wg.Wait()
	assert.Len(t, decodeLines(t, buf.String()), 20)
}

// =============================================================================
// Context Tests
// =============================================================================

func TestContextRoundTrip(t *testing.T) {
	var buf syncBuffer
	scoped := New(Config{Output: &buf}).Slog().With("conversation_id", "c1")

	ctx := WithContext(context.Background(), scoped)
	FromContext(ctx).Info("hello")

	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "c1", lines[0]["conversation_id"])

	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_RespectsPerHandlerLevels(t *testing.T) {
	var debugBuf, errBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&errBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h).With("svc", "q").WithGroup("g")

	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	logger.Info("info only", "k", "v")
	logger.Error("both")

	assert.Contains(t, debugBuf.String(), "info only")
	assert.Contains(t, debugBuf.String(), `"svc":"q"`)
	assert.NotContains(t, errBuf.String(), "info only")
	assert.Contains(t, errBuf.String(), "both")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}
