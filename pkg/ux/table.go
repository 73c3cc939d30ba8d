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
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Cell is one table cell with an optional style.
type Cell struct {
	Text  string
	Style *lipgloss.Style
}

// Plain is an unstyled cell.
func Plain(text string) Cell { return Cell{Text: text} }

// Styled is a cell rendered with s in rich mode.
func Styled(text string, s lipgloss.Style) Cell { return Cell{Text: text, Style: &s} }

// Table prints rows under headers.
//
// Description:
//
//	Columns are padded to the widest cell, measured on the unstyled text so
//	colour codes never break alignment. In machine mode the header is
//	omitted and cells are tab-separated.
func (p *Printer) Table(headers []string, rows [][]Cell) {
	if p.mode == ModeMachine {
		for _, row := range rows {
			texts := make([]string, len(row))
			for i, c := range row {
				texts[i] = c.Text
			}
			fmt.Fprintln(p.w, strings.Join(texts, "\t"))
		}
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, c := range row {
			if i < len(widths) && lipgloss.Width(c.Text) > widths[i] {
				widths[i] = lipgloss.Width(c.Text)
			}
		}
	}

	line := func(cells []Cell) string {
		var b strings.Builder
		for i, c := range cells {
			if i >= len(widths) {
				break
			}
			text := c.Text
			if c.Style != nil {
				text = p.Render(*c.Style, c.Text)
			}
			b.WriteString(text)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c.Text)+2))
			}
		}
		return strings.TrimRight(b.String(), " ")
	}

	header := make([]Cell, len(headers))
	for i, h := range headers {
		header[i] = Styled(h, Styles.Bold)
	}
	fmt.Fprintln(p.w, line(header))
	for _, row := range rows {
		fmt.Fprintln(p.w, line(row))
	}
}
