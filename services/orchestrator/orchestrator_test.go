// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/config"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/pipeline"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

const capacityCSV = `year,country,source,capacity
2023,Germany,Total,5255
2023,Germany,Solar,3100
2023,Germany,Wind,2155
2023,Italy,Total,4100
2023,Italy,Solar,2900
2023,Italy,Wind,1200
`

// testConfig returns an in-memory configuration with one CSV dataset.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capacity.csv")
	require.NoError(t, os.WriteFile(path, []byte(capacityCSV), 0o600))

	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Logging.Level = "error"
	cfg.Telemetry.Metrics = false
	cfg.Approvals.RowThreshold = 0
	cfg.Datasets.Specs = []datatypes.DatasetSpec{{Name: "capacity", Path: path, TotalColumn: "source"}}
	return cfg
}

func newService(t *testing.T, cfg config.Config, opts *extensions.ServiceOptions) Service {
	t.Helper()
	svc, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Addr = ""

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNew_MissingDatasetFileFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Datasets.Specs = append(cfg.Datasets.Specs, datatypes.DatasetSpec{
		Name: "missing",
		Path: filepath.Join(t.TempDir(), "missing.csv"),
	})

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load dataset missing")
}

func TestNew_LoadsConfiguredDatasets(t *testing.T) {
	svc := newService(t, testConfig(t), nil)

	datasets := svc.Datasets()
	require.Len(t, datasets, 1)
	assert.Equal(t, "capacity", datasets[0].Handle.ID)
}

func TestNew_PersistentStores(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Artifacts.Dir = filepath.Join(dir, "artifacts")
	cfg.Datasets.CatalogPath = filepath.Join(dir, "catalog.db")

	svc := newService(t, cfg, nil)
	require.NoError(t, svc.Close())
	assert.NoError(t, svc.Close(), "close is idempotent")

	_, err := os.Stat(cfg.Datasets.CatalogPath)
	assert.NoError(t, err)
}

// =============================================================================
// End-to-end Tests
// =============================================================================

func TestService_QueryOverHTTP(t *testing.T) {
	svc := newService(t, testConfig(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/c1/query",
		strings.NewReader(`{"query":"show capacity for Germany 2023","dataset_id":"capacity"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp datatypes.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, datatypes.PathStructured, resp.Path)
	assert.Equal(t, "3 records; year: 2023; country: Germany; total: 5255", resp.Digest)

	req = httptest.NewRequest(http.MethodGet, "/v1/conversations/c1/history", nil)
	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var history datatypes.HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.Messages, 2)
	assert.Equal(t, resp.Digest, history.Messages[1].Content)
}

func TestService_AskInProcess(t *testing.T) {
	svc := newService(t, testConfig(t), nil)

	var sink pipeline.Collector
	err := svc.Ask(context.Background(), pipeline.Input{
		ConversationID: "cli",
		Query:          "show capacity for Italy 2023",
		Dataset:        datatypes.DatasetHandle{ID: "capacity"},
	}, &sink)
	require.NoError(t, err)

	resp, failed := sink.Response()
	require.Nil(t, failed)
	assert.Equal(t, "3 records; year: 2023; country: Italy; total: 4100", resp.Digest)
}

func TestService_AuthFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.APITokens = map[string]string{"s3cret": "analyst"}
	svc := newService(t, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/datasets", nil)
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/datasets", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestService_RunStopsOnCancel(t *testing.T) {
	svc, err := New(testConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// =============================================================================
// Option Resolution Tests
// =============================================================================

func TestResolveOptions(t *testing.T) {
	cfg := config.Default()
	s := &service{cfg: cfg, logger: slog.Default()}

	opts := s.resolveOptions(nil)
	assert.IsType(t, &extensions.NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &extensions.SlogAuditLogger{}, opts.AuditLogger)
	assert.IsType(t, &extensions.NopQuotaPolicy{}, opts.QuotaPolicy)

	s.cfg.Server.APITokens = map[string]string{"t": "u"}
	s.cfg.Quota.QueriesPerMinute = 30
	opts = s.resolveOptions(nil)
	assert.IsType(t, &extensions.StaticTokenProvider{}, opts.AuthProvider)
	assert.IsType(t, &extensions.RateQuotaPolicy{}, opts.QuotaPolicy)

	audit := &extensions.MemoryAuditLogger{}
	opts = s.resolveOptions(&extensions.ServiceOptions{AuditLogger: audit})
	assert.Same(t, audit, opts.AuditLogger, "caller options take precedence")
}

func TestNew_ScreensDatasets(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "keys.csv")
	require.NoError(t, os.WriteFile(path, []byte("owner,key\nbob,AKIA1234567890123456\n"), 0o600))
	cfg.Datasets.Specs = append(cfg.Datasets.Specs, datatypes.DatasetSpec{Name: "keys", Path: path})

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restricted data")

	cfg.Datasets.Screening.Enabled = false
	svc := newService(t, cfg, nil)
	assert.Len(t, svc.Datasets(), 2)
}
