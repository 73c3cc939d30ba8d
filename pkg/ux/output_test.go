// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectMode_NonTerminalIsPlain(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, ModePlain, DetectMode(&buf))

	f, err := os.Create(filepath.Join(t.TempDir(), "out.txt"))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, ModePlain, DetectMode(f), "regular files are not terminals")
}

func TestDetectMode_NoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.Equal(t, ModePlain, DetectMode(os.Stdout))
}

func TestPrinter_PlainHasNoEscapes(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Title("Compare rollout")
	p.Success("stage 2 activated")
	p.Warning("snapshot cache off")
	p.Error("invalid stage")
	p.Info("flags: 5")

	out := buf.String()
	assert.NotContains(t, out, "\x1b[")
	assert.Contains(t, out, "Compare rollout\n")
	assert.Contains(t, out, "✓ stage 2 activated\n")
	assert.Contains(t, out, "⚠ snapshot cache off\n")
	assert.Contains(t, out, "✗ invalid stage\n")
}

func TestPrinter_MachineMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinterWithMode(&buf, ModeMachine)

	p.Title("ignored")
	p.Muted("ignored")
	p.Success("done")
	p.Error("broken")
	p.Box("Stage", "3")

	assert.Equal(t, "OK: done\nERROR: broken\nStage: 3\n", buf.String())
	assert.Empty(t, p.Icon(IconSuccess))
}

func TestPrinter_Table(t *testing.T) {
	rows := [][]Cell{
		{Plain("compare_v3_sae_enabled"), Styled("on", Styles.Success), Plain("1")},
		{Plain("compare_v3_far_enabled"), Styled("off", Styles.Muted), Plain("-")},
	}

	t.Run("aligned", func(t *testing.T) {
		var buf bytes.Buffer
		NewPrinter(&buf).Table([]string{"FLAG", "STATE", "STAGE"}, rows)

		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, "FLAG                    STATE  STAGE", lines[0])
		assert.Equal(t, "compare_v3_sae_enabled  on     1", lines[1])
		assert.Equal(t, "compare_v3_far_enabled  off    -", lines[2])
	})

	t.Run("machine", func(t *testing.T) {
		var buf bytes.Buffer
		NewPrinterWithMode(&buf, ModeMachine).Table([]string{"FLAG", "STATE", "STAGE"}, rows)
		assert.Equal(t, "compare_v3_sae_enabled\ton\t1\ncompare_v3_far_enabled\toff\t-\n", buf.String())
	})
}

func TestPrinter_RichStylesText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinterWithMode(&buf, ModeRich)
	assert.Equal(t, ModeRich, p.Mode())
	assert.Contains(t, p.Render(Styles.Bold, "x"), "x")
}
