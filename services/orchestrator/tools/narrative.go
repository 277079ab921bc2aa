// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianQuery/services/llm"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/executor"
)

// narrativeContextRows caps the rows shown to the model.
const narrativeContextRows = 20

// NarrativeTool answers in prose over the rows a lookup finds.
//
// # Description
//
// With a generate function the model answers from at most 20 matched rows
// rendered as CSV. Without one the answer is a deterministic sentence
// naming the record count, the filters, and the total.
type NarrativeTool struct {
	lookup    *LookupTool
	generate  llm.GenerateFunc
	maxTokens int
}

// NewNarrativeTool creates a NarrativeTool. generate may be nil.
func NewNarrativeTool(lookup *LookupTool, generate llm.GenerateFunc) *NarrativeTool {
	return &NarrativeTool{lookup: lookup, generate: generate, maxTokens: 400}
}

// Name implements executor.Tool.
func (t *NarrativeTool) Name() string { return "narrative" }

// Invoke implements executor.Tool.
func (t *NarrativeTool) Invoke(ctx context.Context, inv executor.Invocation) (executor.Output, error) {
	_, table, filters, err := t.lookup.Lookup(ctx, inv)
	if err != nil {
		return executor.Output{}, err
	}
	if t.generate == nil {
		return textOutput(Describe(table, filters), 0), nil
	}

	prompt := narrativePrompt(inv, table)
	resp, err := t.generate(ctx, prompt, t.maxTokens)
	if err != nil {
		return executor.Output{}, err
	}
	answer := strings.TrimSpace(resp)
	if answer == "" {
		answer = Describe(table, filters)
	}
	return textOutput(answer, EstimateTokens(prompt)+EstimateTokens(resp)), nil
}

func textOutput(text string, tokens int) executor.Output {
	return executor.Output{
		Result: datatypes.RawToolResult{Scalar: &datatypes.Scalar{Text: text}},
		Tokens: tokens,
	}
}

func narrativePrompt(inv executor.Invocation, table *datatypes.Table) string {
	var b strings.Builder
	b.WriteString("Answer the question in two or three sentences using only the data below.\n\n")
	if inv.PriorQuery != "" {
		fmt.Fprintf(&b, "Previous question: %s\n", inv.PriorQuery)
	}
	fmt.Fprintf(&b, "Question: %s\n\nData (%d rows", inv.Query, len(table.Rows))
	if len(table.Rows) > narrativeContextRows {
		fmt.Fprintf(&b, ", first %d shown", narrativeContextRows)
	}
	b.WriteString("):\n")

	w := csv.NewWriter(&b)
	header := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		header[i] = c.Name
	}
	_ = w.Write(header)
	for i, row := range table.Rows {
		if i == narrativeContextRows {
			break
		}
		rec := make([]string, len(row))
		for j, c := range row {
			rec[j] = c.String()
		}
		_ = w.Write(rec)
	}
	w.Flush()
	return b.String()
}

// Describe renders a one-sentence account of a lookup result.
//
// # Examples
//
//	Describe(table, filters)
//	// "3 records match year 2023 and country Germany. The total capacity is 5255."
func Describe(table *datatypes.Table, filters []Filter) string {
	n := len(table.Rows)
	if n == 0 {
		return "No records match the question."
	}
	var b strings.Builder
	if n == 1 {
		b.WriteString("1 record")
	} else {
		fmt.Fprintf(&b, "%d records", n)
	}
	if len(filters) == 0 {
		if n == 1 {
			b.WriteString(" is in the dataset.")
		} else {
			b.WriteString(" are in the dataset.")
		}
	} else {
		parts := make([]string, len(filters))
		for i, f := range filters {
			vals := make([]string, len(f.Values))
			for j, v := range f.Values {
				vals[j] = v.String()
			}
			parts[i] = f.Column + " " + strings.Join(vals, " or ")
		}
		verb := " match "
		if n == 1 {
			verb = " matches "
		}
		b.WriteString(verb + strings.Join(parts, " and ") + ".")
	}

	measure := -1
	for i, c := range table.Columns {
		if c.Role == datatypes.RoleMeasure {
			measure = i
			break
		}
	}
	if measure < 0 {
		return b.String()
	}
	name := table.Columns[measure].Name
	if idx := table.TotalRowIndex(); idx >= 0 && !table.Rows[idx][measure].IsNull() {
		fmt.Fprintf(&b, " The total %s is %s.", name, table.Rows[idx][measure].String())
		return b.String()
	}
	sum, seen := 0.0, false
	for _, row := range table.Rows {
		if c := row[measure]; c.Type == datatypes.CellNumber {
			sum += c.Num
			seen = true
		}
	}
	if seen {
		fmt.Fprintf(&b, " The %s values sum to %s.", name, datatypes.FormatNumber(sum))
	}
	return b.String()
}

var _ executor.Tool = (*NarrativeTool)(nil)
