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
	"fmt"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianQuery/pkg/validation"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/executor"
)

// DefaultMaxRows caps rows returned by the table tools.
const DefaultMaxRows = 50000

// Filter restricts one dimension to a set of values.
type Filter struct {
	Column string
	Values []datatypes.Cell
}

// String renders "column=v1|v2".
func (f Filter) String() string {
	vals := make([]string, len(f.Values))
	for i, v := range f.Values {
		vals[i] = v.String()
	}
	return f.Column + "=" + strings.Join(vals, "|")
}

// LookupTool answers structured queries by matching the words of the query
// against dimension values.
//
// # Description
//
// Every dimension value that appears in the query as a whole phrase
// becomes a filter on its column. A follow-up inherits the filters of its
// prior query for any column it does not mention itself, so "what about
// Italy" after "show capacity for Germany 2023" keeps the year. The total
// marker is never matched; the total row always travels with its
// breakdown.
//
// A query that matches nothing returns the whole dataset up to MaxRows.
//
// # Thread Safety
//
// Safe for concurrent use.
type LookupTool struct {
	catalog *Catalog
	maxRows int
}

// NewLookupTool creates a LookupTool. maxRows <= 0 uses DefaultMaxRows.
func NewLookupTool(catalog *Catalog, maxRows int) *LookupTool {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &LookupTool{catalog: catalog, maxRows: maxRows}
}

// Name implements executor.Tool.
func (t *LookupTool) Name() string { return "lookup" }

// Invoke implements executor.Tool.
func (t *LookupTool) Invoke(ctx context.Context, inv executor.Invocation) (executor.Output, error) {
	_, table, _, err := t.Lookup(ctx, inv)
	if err != nil {
		return executor.Output{}, err
	}
	return executor.Output{Result: datatypes.RawToolResult{Table: table}}, nil
}

// Lookup resolves the dataset, derives filters, and runs the query.
func (t *LookupTool) Lookup(ctx context.Context, inv executor.Invocation) (*Dataset, *datatypes.Table, []Filter, error) {
	ds, err := t.catalog.Resolve(inv.Dataset)
	if err != nil {
		return nil, nil, nil, err
	}
	filters := mergeFilters(matchFilters(ds, inv.Query), matchFilters(ds, inv.PriorQuery))
	query, args := buildSelect(ds, filters, t.maxRows)
	table, err := t.catalog.Query(ctx, ds, query, args...)
	if err != nil {
		return nil, nil, nil, err
	}
	return ds, table, filters, nil
}

// matchFilters returns the filters implied by query, in column order.
func matchFilters(ds *Dataset, query string) []Filter {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	padded := " " + normalizePhrase(query) + " "

	var filters []Filter
	for _, col := range ds.Columns {
		if col.Role != datatypes.RoleDimension {
			continue
		}
		var matched []datatypes.Cell
		for _, v := range ds.valuesOf(col.Name) {
			if ds.Total != nil && col.Name == ds.Total.Column && v.String() == ds.Total.Marker {
				continue
			}
			phrase := normalizePhrase(v.String())
			if phrase != "" && strings.Contains(padded, " "+phrase+" ") {
				matched = append(matched, v)
			}
		}
		if len(matched) > 0 {
			filters = append(filters, Filter{Column: col.Name, Values: matched})
		}
	}
	return filters
}

// mergeFilters adds prior filters on columns current does not constrain.
func mergeFilters(current, prior []Filter) []Filter {
	have := make(map[string]bool, len(current))
	for _, f := range current {
		have[f.Column] = true
	}
	out := append([]Filter(nil), current...)
	for _, f := range prior {
		if !have[f.Column] {
			out = append(out, f)
		}
	}
	return out
}

func buildSelect(ds *Dataset, filters []Filter, limit int) (string, []any) {
	cols := make([]string, len(ds.Columns))
	for i, c := range ds.Columns {
		cols[i] = validation.QuoteIdentifier(c.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(cols, ", "), validation.QuoteIdentifier(ds.Table))

	var args []any
	for i, f := range filters {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		marks := make([]string, len(f.Values))
		for j, v := range f.Values {
			marks[j] = "?"
			args = append(args, v.Value())
		}
		fmt.Fprintf(&b, "%s IN (%s)", validation.QuoteIdentifier(f.Column), strings.Join(marks, ", "))
	}
	b.WriteString(" ORDER BY rowid LIMIT ?")
	args = append(args, limit)
	return b.String(), args
}

// normalizePhrase lowercases s and collapses non-alphanumerics to spaces.
func normalizePhrase(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

var _ executor.Tool = (*LookupTool)(nil)
