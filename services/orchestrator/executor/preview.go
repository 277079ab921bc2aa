// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"math"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// Preview is a bounded view of a tabular result.
type Preview struct {
	Columns  []datatypes.Column      `json:"columns"`
	Rows     [][]datatypes.Cell      `json:"rows"`
	RowCount int                     `json:"row_count"`
	Stats    []datatypes.ColumnStats `json:"stats"`
}

// BuildPreview returns the first maxRows rows of t and per-column stats.
// Distinct counting stops at maxDistinct values per column.
func BuildPreview(t *datatypes.Table, maxRows, maxDistinct int) *Preview {
	p := &Preview{
		Columns:  t.Columns,
		RowCount: len(t.Rows),
		Stats:    make([]datatypes.ColumnStats, len(t.Columns)),
	}
	n := len(t.Rows)
	if n > maxRows {
		n = maxRows
	}
	p.Rows = make([][]datatypes.Cell, n)
	copy(p.Rows, t.Rows[:n])

	for i, col := range t.Columns {
		st := datatypes.ColumnStats{Name: col.Name}
		seen := make(map[string]struct{})
		min, max, sum := math.Inf(1), math.Inf(-1), 0.0
		numeric := false
		for _, row := range t.Rows {
			if i >= len(row) || row[i].IsNull() {
				continue
			}
			cell := row[i]
			st.NonNull++
			if !st.DistinctCapped {
				seen[cell.String()] = struct{}{}
				if len(seen) >= maxDistinct {
					st.DistinctCapped = true
				}
			}
			if cell.Type == datatypes.CellNumber {
				numeric = true
				min = math.Min(min, cell.Num)
				max = math.Max(max, cell.Num)
				sum += cell.Num
			}
		}
		st.Distinct = len(seen)
		if numeric {
			st.Min, st.Max, st.Sum = &min, &max, &sum
		}
		p.Stats[i] = st
	}
	return p
}
