// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/cache"
	"github.com/AleutianAI/AleutianCompare/services/compare/config"
	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
	"github.com/AleutianAI/AleutianCompare/services/compare/monitor"
	"github.com/AleutianAI/AleutianCompare/services/compare/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Flags.Path = filepath.Join(dir, "flags.json")
	cfg.Flags.Watch = false
	cfg.Monitor.LogPath = filepath.Join(dir, "runs.jsonl")
	cfg.Telemetry.TraceExporter = telemetry.ExporterNone
	cfg.Telemetry.MetricExporter = telemetry.ExporterNone
	cfg.Cache.Store.Backend = backend
	cfg.Cache.Store.SQLitePath = filepath.Join(dir, "cache.db")
	cfg.Cache.Store.Badger.Path = filepath.Join(dir, "badger")
	require.NoError(t, cfg.Validate())
	return cfg
}

func buildApp(t *testing.T, cfg config.Config) *app {
	t.Helper()
	logger := logging.New(logging.Config{Quiet: true})
	a, err := build(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close(context.Background()) })
	return a
}

func compareRequest() datatypes.ComparisonRequest {
	return datatypes.ComparisonRequest{
		DocumentA: datatypes.Document{ID: "prime", Clauses: []datatypes.Clause{
			{ID: "c1", Heading: "Indemnification", Text: "Supplier shall indemnify and hold harmless Buyer against third-party claims."},
			{ID: "c2", Heading: "Payment", Text: "Payment is due net 30 days from invoice."},
		}},
		DocumentB: datatypes.Document{ID: "sub", Clauses: []datatypes.Clause{
			{ID: "c1", Heading: "Payment", Text: "Payment is due net 60 days from invoice."},
		}},
	}
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestBuild_AllFlagsOffEndToEnd(t *testing.T) {
	cfg := testConfig(t, cache.BackendMemory)
	a := buildApp(t, cfg)

	w := post(t, a.handler, "/v3/compare", compareRequest())
	require.Equal(t, http.StatusOK, w.Code)

	var res datatypes.ComparisonResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEqual(t, datatypes.PipelineFull, res.Meta.PipelineStatus)
	require.Len(t, res.Meta.Stages, 4)
	for _, env := range res.Meta.Stages {
		assert.Equal(t, datatypes.StatusSkipped, env.Status, env.StageName)
		assert.Nil(t, env.CacheHit)
	}

	require.NoError(t, a.monitor.Flush(context.Background()))
	f, err := os.Open(cfg.Monitor.LogPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := monitor.ReadLog(f)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.Meta.RequestID, records[0].RequestID)
}

func TestBuild_StagedRolloutOverBackends(t *testing.T) {
	for _, backend := range []string{cache.BackendMemory, cache.BackendSQLite, cache.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)

			// Activate ERCE and FAR out of band, the way stagectl would.
			ctx := context.Background()
			reg, err := flags.NewRegistry(ctx, flags.NewFileStore(cfg.Flags.Path))
			require.NoError(t, err)
			plan := flags.DefaultPlan()
			require.NoError(t, reg.ActivateStage(ctx, plan, 2))
			require.NoError(t, reg.ActivateStage(ctx, plan, 4))

			a := buildApp(t, cfg)
			w := post(t, a.handler, "/v3/compare", compareRequest())
			require.Equal(t, http.StatusOK, w.Code)

			var res datatypes.ComparisonResult
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			byStage := map[datatypes.StageName]datatypes.StageStatus{}
			for _, env := range res.Meta.Stages {
				byStage[env.StageName] = env.Status
			}
			assert.Equal(t, datatypes.StatusSkipped, byStage[datatypes.StageSAE])
			assert.Equal(t, datatypes.StatusSuccess, byStage[datatypes.StageERCE])
			assert.Equal(t, datatypes.StatusSkipped, byStage[datatypes.StageBIRL])
			assert.Equal(t, datatypes.StatusSuccess, byStage[datatypes.StageFAR])
			assert.NotEmpty(t, res.Gaps, "the dropped indemnity clause is a flow-down gap")

			fw := get(a.handler, "/v3/flags")
			require.Equal(t, http.StatusOK, fw.Code)
			assert.Contains(t, fw.Body.String(), `"stage":4`)
		})
	}
}

func TestBuild_MetricsAndReport(t *testing.T) {
	a := buildApp(t, testConfig(t, cache.BackendMemory))

	require.Equal(t, http.StatusOK, post(t, a.handler, "/v3/compare", compareRequest()).Code)
	require.NoError(t, a.monitor.Flush(context.Background()))

	mw := get(a.handler, "/metrics")
	require.Equal(t, http.StatusOK, mw.Code)
	assert.Contains(t, mw.Body.String(), "aleutian_compare_pipeline_status_total")
	assert.Contains(t, mw.Body.String(), "go_goroutines")

	rw := get(a.handler, "/v3/report?window=1h")
	require.Equal(t, http.StatusOK, rw.Code)
	var rep monitor.Report
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &rep))
	assert.Equal(t, 1, rep.Runs)

	hw := get(a.handler, "/health")
	require.Equal(t, http.StatusOK, hw.Code)
	assert.Contains(t, hw.Body.String(), `"embedding_available":false`)
}

func TestBuild_FailureClosesOpenedComponents(t *testing.T) {
	cfg := testConfig(t, cache.BackendMemory)
	cfg.Engines.FAR.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := build(context.Background(), cfg, logging.New(logging.Config{Quiet: true}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "far rules")
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t, cache.BackendMemory)
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Logging.Quiet = true
	cfg.Flags.Watch = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
