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
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCompare/services/compare/datatypes"
	"github.com/AleutianAI/AleutianCompare/services/compare/flags"
	"github.com/AleutianAI/AleutianCompare/services/compare/monitor"
)

type cli struct {
	t         *testing.T
	flagsPath string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	for _, k := range []string{"COMPARE_CONFIG", "COMPARE_FLAGS_PATH", "COMPARE_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	return &cli{t: t, flagsPath: filepath.Join(t.TempDir(), "flags.json")}
}

// exec runs stagectl against the test's flag file.
func (c *cli) exec(args ...string) (string, string, error) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs(append([]string{"--flags-path", c.flagsPath}, args...))
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func (c *cli) status() statusView {
	c.t.Helper()
	out, _, err := c.exec("status", "-o", "json")
	require.NoError(c.t, err)
	var v statusView
	require.NoError(c.t, json.Unmarshal([]byte(out), &v))
	return v
}

func enabledFlags(v statusView) map[string]bool {
	m := map[string]bool{}
	for _, f := range v.Flags {
		m[f.Name] = f.Enabled
	}
	return m
}

func TestStatus_DefaultsAllOff(t *testing.T) {
	c := newCLI(t)

	v := c.status()
	assert.Equal(t, 0, v.Stage)
	require.Len(t, v.Flags, 5)
	for _, f := range v.Flags {
		assert.False(t, f.Enabled, f.Name)
	}

	out, _, err := c.exec("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Compare v3 rollout: stage 0")
	assert.Contains(t, out, "FLAG")
	assert.NotContains(t, out, "\x1b[", "no colour when stdout is not a terminal")
}

func TestActivate_PersistsAndPrints(t *testing.T) {
	c := newCLI(t)

	out, _, err := c.exec("activate", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "stage 1 activated: compare_v3_sae_enabled")

	_, _, err = c.exec("activate", "2")
	require.NoError(t, err)

	v := c.status()
	assert.Equal(t, 2, v.Stage)
	on := enabledFlags(v)
	assert.True(t, on[flags.FlagSAE])
	assert.True(t, on[flags.FlagERCE])
	assert.False(t, on[flags.FlagBIRL])

	_, err = os.Stat(c.flagsPath)
	assert.NoError(t, err, "activation is persisted to the flag document")
}

func TestActivate_InvalidStage(t *testing.T) {
	c := newCLI(t)
	for _, stage := range []string{"1", "2", "3"} {
		_, _, err := c.exec("activate", stage)
		require.NoError(t, err)
	}

	_, _, err := c.exec("activate", "2")
	var stageErr *flags.InvalidStageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, 3, stageErr.HighWater)
	assert.Equal(t, exitInvalidStage, exitCode(err))

	_, _, err = c.exec("activate", "--", "-1")
	assert.Equal(t, exitInvalidStage, exitCode(err))

	_, _, err = c.exec("activate", "9")
	assert.ErrorIs(t, err, flags.ErrUnknownStage)
	assert.Equal(t, exitError, exitCode(err))

	_, _, err = c.exec("activate", "two")
	assert.ErrorIs(t, err, errUsage)
}

func TestRollback(t *testing.T) {
	c := newCLI(t)
	for _, stage := range []string{"1", "2", "3"} {
		_, _, err := c.exec("activate", stage)
		require.NoError(t, err)
	}

	out, _, err := c.exec("rollback", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "rolled back to stage 1")

	v := c.status()
	assert.Equal(t, 1, v.Stage)
	on := enabledFlags(v)
	assert.True(t, on[flags.FlagSAE])
	assert.False(t, on[flags.FlagERCE])
	assert.False(t, on[flags.FlagBIRL])

	out, _, err = c.exec("rollback", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing rolled back")

	_, _, err = c.exec("rollback", "--", "-2")
	assert.Equal(t, exitInvalidStage, exitCode(err))
}

func TestHistory(t *testing.T) {
	c := newCLI(t)
	for _, args := range [][]string{{"activate", "1"}, {"activate", "2"}, {"rollback", "2"}} {
		_, _, err := c.exec(args...)
		require.NoError(t, err)
	}

	out, _, err := c.exec("history", flags.FlagERCE, "-o", "machine")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "\tset\ton\t2\t")
	assert.Contains(t, lines[1], "\trollback\toff\t2\t")

	out, _, err = c.exec("history", flags.FlagFAR)
	require.NoError(t, err)
	assert.Contains(t, out, "no history")
}

func TestSet(t *testing.T) {
	c := newCLI(t)
	_, _, err := c.exec("set", flags.FlagSnapshot, "on", "--stage", "5")
	require.NoError(t, err)
	assert.True(t, enabledFlags(c.status())[flags.FlagSnapshot])

	_, _, err = c.exec("set", flags.FlagSnapshot, "maybe")
	assert.ErrorIs(t, err, errUsage)
}

func TestStatus_At(t *testing.T) {
	c := newCLI(t)
	_, _, err := c.exec("activate", "1")
	require.NoError(t, err)

	out, _, err := c.exec("status", "--at", "2000-01-01T00:00:00Z", "-o", "json")
	require.NoError(t, err)
	var v statusView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, 0, v.Stage)
	assert.False(t, enabledFlags(v)[flags.FlagSAE])

	_, _, err = c.exec("status", "--at", "yesterday")
	assert.ErrorIs(t, err, errUsage)
}

func TestRootFlags_BadOutput(t *testing.T) {
	c := newCLI(t)
	_, _, err := c.exec("status", "-o", "yaml")
	assert.ErrorIs(t, err, errUsage)
}

func writeAuditLog(t *testing.T, records []datatypes.RunRecord, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		require.NoError(t, enc.Encode(r))
	}
	buf.WriteString(extra)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestReport(t *testing.T) {
	c := newCLI(t)
	now := time.Now().UTC()
	path := writeAuditLog(t, []datatypes.RunRecord{
		{
			RequestID: "r1", Timestamp: now.Add(-time.Minute), PipelineStatus: datatypes.PipelineFull,
			Stages: []datatypes.StageExecutionEnvelope{
				{StageName: datatypes.StageSAE, Status: datatypes.StatusSuccess, DurationMs: 20, CacheHit: datatypes.BoolPtr(true)},
				{StageName: datatypes.StageERCE, Status: datatypes.StatusSuccess, DurationMs: 5},
			},
		},
		{
			RequestID: "r2", Timestamp: now.Add(-2 * time.Minute), PipelineStatus: datatypes.PipelineDegraded,
			Stages: []datatypes.StageExecutionEnvelope{
				{StageName: datatypes.StageSAE, Status: datatypes.StatusFailed, DurationMs: 40, ErrorDetail: datatypes.StringPtr("store down")},
			},
		},
		{RequestID: "old", Timestamp: now.Add(-48 * time.Hour), PipelineStatus: datatypes.PipelinePartial},
	}, "not json\n")

	out, errOut, err := c.exec("report", "--log", path, "--window", "1h", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, errOut, "line 4", "malformed lines are reported")

	var rep monitor.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 2, rep.Runs)
	assert.Equal(t, 1, rep.PipelineStatus[datatypes.PipelineDegraded])
	require.NotEmpty(t, rep.Stages)
	assert.Equal(t, datatypes.StageSAE, rep.Stages[0].Stage)
	assert.Equal(t, 1, rep.Stages[0].Failed)

	out, _, err = c.exec("report", "--log", path, "--window", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "runs=3")
	assert.Contains(t, out, "CACHE HIT")
	assert.Contains(t, out, "100.0%")
}

func TestReport_MissingLog(t *testing.T) {
	c := newCLI(t)
	_, _, err := c.exec("report", "--log", filepath.Join(t.TempDir(), "none.jsonl"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
