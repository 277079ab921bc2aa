// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package summarizer

import (
	"strings"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// temporalNames are column names that put a chart on a line mark.
var temporalNames = []string{"year", "month", "quarter", "week", "day", "date", "time", "period"}

// buildChart derives a chart specification from a table.
//
// # Description
//
// The x axis is the first dimension that varies across the non-total rows,
// the series the second such dimension, and the y axis the first measure.
// Tables without a varying dimension or without a measure are not
// plottable and ok is false; the caller falls back to a table payload.
func buildChart(t *datatypes.Table) (spec datatypes.ChartSpec, ok bool) {
	totalIdx := t.TotalRowIndex()
	rows := make([][]datatypes.Cell, 0, len(t.Rows))
	for i, row := range t.Rows {
		if i != totalIdx {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return spec, false
	}

	x, series, y := -1, -1, -1
	for i, col := range t.Columns {
		switch col.Role {
		case datatypes.RoleMeasure:
			if y < 0 {
				y = i
			}
		case datatypes.RoleDimension:
			if !varies(rows, i) {
				continue
			}
			if x < 0 {
				x = i
			} else if series < 0 {
				series = i
			}
		}
	}
	if x < 0 || y < 0 {
		return spec, false
	}

	xName := t.Columns[x].Name
	spec = datatypes.ChartSpec{
		Mark:  chartMark(xName),
		X:     xName,
		Y:     t.Columns[y].Name,
		Title: t.Columns[y].Name + " by " + xName,
		Data:  toTablePayload(t, true),
	}
	if series >= 0 {
		spec.Series = t.Columns[series].Name
	}
	return spec, true
}

func varies(rows [][]datatypes.Cell, col int) bool {
	first := rows[0][col].String()
	for _, row := range rows[1:] {
		if row[col].String() != first {
			return true
		}
	}
	return false
}

func chartMark(xName string) string {
	lower := strings.ToLower(xName)
	for _, n := range temporalNames {
		if strings.Contains(lower, n) {
			return "line"
		}
	}
	return "bar"
}
