// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("").toSlogLevel())
}

func TestNew_WithLogDir_WritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelInfo, LogDir: dir, Service: "stagectl", Quiet: true})

	logger.Info("flag set", "flag", "compare_v3_sae_enabled", "stage", 1)
	logger.Debug("filtered out")
	require.NoError(t, logger.Close())

	name := "stagectl_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "flag set", record["msg"])
	assert.Equal(t, "stagectl", record["service"])
	assert.Equal(t, "compare_v3_sae_enabled", record["flag"])
}

func TestLogger_ExporterReceivesEntries(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelWarn, Quiet: true, Service: "compare", Exporter: exporter})

	logger.Info("below threshold")
	logger.Warn("stage fallback", "stage", "BIRL", "error", "timeout")

	require.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 5*time.Millisecond)

	entry := exporter.Entries()[0]
	assert.Equal(t, LevelWarn, entry.Level)
	assert.Equal(t, "stage fallback", entry.Message)
	assert.Equal(t, "BIRL", entry.Attrs["stage"])
	assert.Equal(t, "compare", entry.Service)
	require.NoError(t, logger.Close())
}

func TestLogger_With_SharesExporter(t *testing.T) {
	exporter := NewBufferedExporter()
	parent := New(Config{Quiet: true, Exporter: exporter})
	child := parent.With("request_id", "req-1")

	assert.Same(t, parent.exporter, child.exporter)
	assert.NotSame(t, parent.slog, child.slog)
}

func TestDiscardAndOrDiscard(t *testing.T) {
	assert.NotNil(t, Discard())
	assert.NotNil(t, OrDiscard(nil))

	l := slog.Default()
	assert.Same(t, l, OrDiscard(l))
}

func TestMultiHandler_EnabledWhenAnyEnabled(t *testing.T) {
	debug := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	errOnly := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
	h := &multiHandler{handlers: []slog.Handler{errOnly, debug}}

	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, (&multiHandler{handlers: []slog.Handler{errOnly}}).Enabled(context.Background(), slog.LevelInfo))
}

func TestArgsToMap_IgnoresDanglingAndNonStringKeys(t *testing.T) {
	got := argsToMap([]any{"a", 1, 2, "b", "dangling"})
	assert.Equal(t, map[string]any{"a": 1}, got)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".aleutian"), expandPath("~/.aleutian"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}
