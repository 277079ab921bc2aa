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

import "fmt"

// =============================================================================
// Payload (closed tagged union)
// =============================================================================

// PayloadKind tags the variant held by a Payload.
type PayloadKind string

const (
	PayloadText      PayloadKind = "text"
	PayloadTable     PayloadKind = "table"
	PayloadChartSpec PayloadKind = "chart-spec"
)

// TablePayload is the caller-facing rendering of a table.
type TablePayload struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	TotalRow *int     `json:"total_row,omitempty"`
}

// ChartSpec is a renderer-agnostic chart description.
type ChartSpec struct {
	Mark   string       `json:"mark"`
	X      string       `json:"x"`
	Y      string       `json:"y"`
	Series string       `json:"series,omitempty"`
	Title  string       `json:"title"`
	Data   TablePayload `json:"data"`
}

// Payload is the full structured result delivered to the caller.
//
// # Description
//
// Exactly one of Text, Table, or Chart is populated, selected by Kind.
// Construct payloads with NewTextPayload, NewTablePayload, or
// NewChartPayload and consume them with a switch over Kind that handles
// every PayloadKind; Validate rejects any other shape.
type Payload struct {
	Kind  PayloadKind   `json:"kind"`
	Text  *string       `json:"text,omitempty"`
	Table *TablePayload `json:"table,omitempty"`
	Chart *ChartSpec    `json:"chart,omitempty"`
}

// NewTextPayload wraps a text answer.
func NewTextPayload(text string) Payload {
	return Payload{Kind: PayloadText, Text: &text}
}

// NewTablePayload wraps a table.
func NewTablePayload(t TablePayload) Payload {
	return Payload{Kind: PayloadTable, Table: &t}
}

// NewChartPayload wraps a chart specification.
func NewChartPayload(c ChartSpec) Payload {
	return Payload{Kind: PayloadChartSpec, Chart: &c}
}

// Validate checks that the variant matches its tag.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadText:
		if p.Text == nil || p.Table != nil || p.Chart != nil {
			return fmt.Errorf("text payload must carry only text")
		}
	case PayloadTable:
		if p.Table == nil || p.Text != nil || p.Chart != nil {
			return fmt.Errorf("table payload must carry only a table")
		}
	case PayloadChartSpec:
		if p.Chart == nil || p.Text != nil || p.Table != nil {
			return fmt.Errorf("chart-spec payload must carry only a chart")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// RowCount returns the number of rows carried by table and chart payloads.
func (p Payload) RowCount() int {
	switch p.Kind {
	case PayloadTable:
		return len(p.Table.Rows)
	case PayloadChartSpec:
		return len(p.Chart.Data.Rows)
	case PayloadText:
		return 0
	}
	return 0
}

// ColumnStats summarizes one column of a tabular result over all rows,
// including rows the payload does not carry.
type ColumnStats struct {
	Name           string   `json:"name"`
	NonNull        int      `json:"non_null"`
	Distinct       int      `json:"distinct"`
	DistinctCapped bool     `json:"distinct_capped,omitempty"`
	Min            *float64 `json:"min,omitempty"`
	Max            *float64 `json:"max,omitempty"`
	Sum            *float64 `json:"sum,omitempty"`
}

// SummaryEnvelope is the dual output of summarization: a bounded digest for
// conversation memory and the full payload for the caller.
type SummaryEnvelope struct {
	Digest   string  `json:"digest"`
	Payload  Payload `json:"payload"`
	Warnings int     `json:"warnings,omitempty"`
}
