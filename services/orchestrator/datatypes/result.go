// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"math"
	"strconv"
)

// =============================================================================
// Cells
// =============================================================================

// CellType is the type of a single table cell or column.
type CellType string

const (
	CellNull   CellType = "null"
	CellText   CellType = "text"
	CellNumber CellType = "number"
)

// Cell is a typed table value.
//
// Numbers are stored as float64. Formatting is canonical (see Cell.String)
// so that digests derived from cells are byte-identical across runs.
type Cell struct {
	Type CellType `json:"t"`
	Text string   `json:"s,omitempty"`
	Num  float64  `json:"n,omitempty"`
}

// TextCell returns a text cell.
func TextCell(s string) Cell { return Cell{Type: CellText, Text: s} }

// NumberCell returns a numeric cell.
func NumberCell(f float64) Cell { return Cell{Type: CellNumber, Num: f} }

// NullCell returns a null cell.
func NullCell() Cell { return Cell{Type: CellNull} }

// IsNull reports whether the cell holds no value.
func (c Cell) IsNull() bool { return c.Type == CellNull || c.Type == "" }

// String formats the cell canonically. Integral numbers print without a
// fractional part; null prints as the empty string.
func (c Cell) String() string {
	switch c.Type {
	case CellText:
		return c.Text
	case CellNumber:
		return FormatNumber(c.Num)
	default:
		return ""
	}
}

// Value returns the cell as a plain Go value for JSON payloads:
// nil, string, or float64.
func (c Cell) Value() any {
	switch c.Type {
	case CellText:
		return c.Text
	case CellNumber:
		return c.Num
	default:
		return nil
	}
}

// FormatNumber renders f with the shortest exact representation and no
// exponent for values that fit comfortably in an int64.
func FormatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// =============================================================================
// Tables and scalars
// =============================================================================

// ColumnRole separates grouping columns from measured values.
type ColumnRole string

const (
	RoleDimension ColumnRole = "dimension"
	RoleMeasure   ColumnRole = "measure"
)

// Column describes one table column. Columns are ordered.
type Column struct {
	Name string     `json:"name"`
	Type CellType   `json:"type"`
	Role ColumnRole `json:"role"`
}

// TotalSpec names the distinguished aggregate row of a table: the row whose
// Column cell equals Marker.
type TotalSpec struct {
	Column string `json:"column"`
	Marker string `json:"marker"`
}

// Table is an ordered tabular result.
type Table struct {
	Columns []Column   `json:"columns"`
	Rows    [][]Cell   `json:"rows"`
	Total   *TotalSpec `json:"total,omitempty"`
}

// ColumnIndex returns the index of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// TotalRowIndex returns the index of the total row, or -1 when the table
// defines no total or no row carries the marker.
func (t *Table) TotalRowIndex() int {
	if t.Total == nil {
		return -1
	}
	col := t.ColumnIndex(t.Total.Column)
	if col < 0 {
		return -1
	}
	for i, row := range t.Rows {
		if col < len(row) && row[col].String() == t.Total.Marker {
			return i
		}
	}
	return -1
}

// Scalar is a single-valued tool result.
type Scalar struct {
	Text string   `json:"text,omitempty"`
	Num  *float64 `json:"num,omitempty"`
	Unit string   `json:"unit,omitempty"`
}

// String renders the scalar value followed by its unit.
func (s Scalar) String() string {
	v := s.Text
	if s.Num != nil {
		v = FormatNumber(*s.Num)
	}
	if s.Unit != "" && v != "" {
		return v + " " + s.Unit
	}
	return v
}

// RawToolResult is the full output of an analytical tool: exactly one of
// Scalar or Table is set.
type RawToolResult struct {
	Scalar *Scalar `json:"scalar,omitempty"`
	Table  *Table  `json:"table,omitempty"`
}

// IsTable reports whether the result is tabular.
func (r RawToolResult) IsTable() bool { return r.Table != nil }

// RowCount returns the number of table rows, or 0 for scalars.
func (r RawToolResult) RowCount() int {
	if r.Table == nil {
		return 0
	}
	return len(r.Table.Rows)
}

// =============================================================================
// Size classes
// =============================================================================

// SizeClass buckets artifacts by row count for metrics and eviction policy.
type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// ClassifySize returns the size class for a row count.
func ClassifySize(rows int) SizeClass {
	switch {
	case rows < 100:
		return SizeSmall
	case rows < 10000:
		return SizeMedium
	default:
		return SizeLarge
	}
}
