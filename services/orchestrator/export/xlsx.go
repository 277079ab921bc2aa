// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export renders result tables as downloadable files.
package export

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// ContentTypeXLSX is the MIME type of the workbooks written here.
const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const defaultSheet = "Result"

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// WriteXLSX writes table as a single-sheet workbook to w.
//
// # Description
//
// Rows are written through excelize's stream writer so memory stays flat
// for large results. The header row is bold and frozen. Numeric cells are
// written as numbers, nulls as empty cells. The total row, when the table
// defines one, is bold.
//
// # Inputs
//
//   - w: Destination.
//   - table: Table to export. A table with no columns is rejected.
//   - sheet: Sheet name. Empty uses "Result".
func WriteXLSX(w io.Writer, table *datatypes.Table, sheet string) error {
	if table == nil || len(table.Columns) == 0 {
		return fmt.Errorf("no table data to export")
	}
	if sheet == "" {
		sheet = defaultSheet
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"D9E1F2"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("create stream writer: %w", err)
	}
	for i, col := range table.Columns {
		width := float64(len(col.Name)) * 1.5
		if width < 10 {
			width = 10
		}
		if width > 50 {
			width = 50
		}
		if err := sw.SetColWidth(i+1, i+1, width); err != nil {
			return err
		}
	}
	if err := sw.SetPanes(&excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}

	header := make([]any, len(table.Columns))
	for i, col := range table.Columns {
		header[i] = excelize.Cell{StyleID: bold, Value: col.Name}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	totalIdx := table.TotalRowIndex()
	for r, row := range table.Rows {
		values := make([]any, len(table.Columns))
		for c := range table.Columns {
			var v any
			if c < len(row) {
				v = row[c].Value()
			}
			if r == totalIdx {
				v = excelize.Cell{StyleID: bold, Value: v}
			}
			values[c] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, values); err != nil {
			return fmt.Errorf("write row %d: %w", r+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush workbook: %w", err)
	}
	return f.Write(w)
}

// FileName derives a download name from a query.
func FileName(query string) string {
	base := strings.Trim(unsafeFileChars.ReplaceAllString(strings.ToLower(query), "_"), "_")
	if len(base) > 48 {
		base = strings.TrimRight(base[:48], "_")
	}
	if base == "" {
		base = "result"
	}
	return base + ".xlsx"
}
