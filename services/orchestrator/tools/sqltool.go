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
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianQuery/pkg/validation"
	"github.com/AleutianAI/AleutianQuery/services/llm"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/executor"
)

var (
	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	codeFence    = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")
	limitClause  = regexp.MustCompile(`(?i)\blimit\s+\d+(\s*(,|offset)\s*\d+)?\s*$`)
	forbiddenSQL = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|attach|detach|pragma|replace|vacuum|reindex|grant|truncate)\b`)
)

// ErrUnsafeSQL marks generated SQL that failed the read-only guard.
var ErrUnsafeSQL = errors.New("generated SQL is not a single read-only query")

// SQLTool answers structured queries with SQL written by a language model.
//
// # Description
//
// The model sees the dataset's table name, columns, roles, and a sample of
// dimension values, and must answer with one SELECT. The statement passes
// GuardSQL before it runs.
//
// # Thread Safety
//
// Safe for concurrent use.
type SQLTool struct {
	catalog   *Catalog
	generate  llm.GenerateFunc
	maxRows   int
	maxTokens int
}

// NewSQLTool creates an SQLTool.
func NewSQLTool(catalog *Catalog, generate llm.GenerateFunc, maxRows int) *SQLTool {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &SQLTool{catalog: catalog, generate: generate, maxRows: maxRows, maxTokens: 256}
}

// Name implements executor.Tool.
func (t *SQLTool) Name() string { return "sql" }

// Invoke implements executor.Tool.
func (t *SQLTool) Invoke(ctx context.Context, inv executor.Invocation) (executor.Output, error) {
	ds, err := t.catalog.Resolve(inv.Dataset)
	if err != nil {
		return executor.Output{}, err
	}
	prompt := sqlPrompt(ds, inv)
	resp, err := t.generate(ctx, prompt, t.maxTokens)
	if err != nil {
		return executor.Output{}, err
	}
	tokens := EstimateTokens(prompt) + EstimateTokens(resp)

	query, err := GuardSQL(extractSQL(resp), t.maxRows)
	if err != nil {
		return executor.Output{Tokens: tokens}, datatypes.NewError(datatypes.KindToolFailure, "generated query was rejected", err)
	}
	table, err := t.catalog.Query(ctx, ds, query)
	if err != nil {
		return executor.Output{Tokens: tokens}, err
	}
	return executor.Output{Result: datatypes.RawToolResult{Table: table}, Tokens: tokens}, nil
}

func sqlPrompt(ds *Dataset, inv executor.Invocation) string {
	var b strings.Builder
	b.WriteString("You write SQLite queries over one table.\n\n")
	fmt.Fprintf(&b, "Table: %s\nColumns:\n", validation.QuoteIdentifier(ds.Table))
	for _, c := range ds.Columns {
		fmt.Fprintf(&b, "- %s (%s, %s)", c.Name, c.Type, c.Role)
		if vals := ds.valuesOf(c.Name); len(vals) > 0 {
			n := len(vals)
			if n > 8 {
				n = 8
			}
			samples := make([]string, n)
			for i := 0; i < n; i++ {
				samples[i] = vals[i].String()
			}
			fmt.Fprintf(&b, " e.g. %s", strings.Join(samples, ", "))
		}
		b.WriteString("\n")
	}
	if ds.Total != nil {
		fmt.Fprintf(&b, "Rows where %s = '%s' are totals.\n", ds.Total.Column, ds.Total.Marker)
	}
	if inv.PriorQuery != "" {
		fmt.Fprintf(&b, "\nPrevious question: %s\n", inv.PriorQuery)
	}
	fmt.Fprintf(&b, "Question: %s\n\nAnswer with a single SELECT statement and nothing else.", inv.Query)
	return b.String()
}

func extractSQL(resp string) string {
	if m := codeFence.FindStringSubmatch(resp); m != nil {
		return m[1]
	}
	return resp
}

// GuardSQL validates and normalizes a generated statement.
//
// # Description
//
// Comments are stripped and a trailing semicolon removed. The remainder
// must be a single statement starting with SELECT or WITH and must not
// contain data or schema modifying keywords. A LIMIT of maxRows is
// appended when the statement has none.
//
// # Outputs
//
//   - string: The statement to run.
//   - error: Wraps ErrUnsafeSQL when the statement is rejected.
func GuardSQL(query string, maxRows int) (string, error) {
	q := blockComment.ReplaceAllString(query, " ")
	q = lineComment.ReplaceAllString(q, " ")
	q = strings.TrimSpace(q)
	q = strings.TrimSpace(strings.TrimRight(q, "; \n\t"))
	if q == "" {
		return "", fmt.Errorf("%w: empty statement", ErrUnsafeSQL)
	}
	if strings.Contains(q, ";") {
		return "", fmt.Errorf("%w: multiple statements", ErrUnsafeSQL)
	}
	lower := strings.ToLower(q)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return "", fmt.Errorf("%w: must start with SELECT or WITH", ErrUnsafeSQL)
	}
	if kw := forbiddenSQL.FindString(q); kw != "" {
		return "", fmt.Errorf("%w: contains %s", ErrUnsafeSQL, strings.ToUpper(kw))
	}
	if !limitClause.MatchString(q) {
		q = fmt.Sprintf("%s LIMIT %d", q, maxRows)
	}
	return q, nil
}

// EstimateTokens approximates model tokens as one per four bytes.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

var _ executor.Tool = (*SQLTool)(nil)
