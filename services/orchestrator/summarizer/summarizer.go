// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package summarizer turns a raw tool result into a SummaryEnvelope: a
// bounded digest safe to retain in conversation memory and the full payload
// for the caller.
//
// Summarize is pure. The same result and decision always yield a
// byte-identical digest: columns are visited in schema order, numbers are
// formatted canonically, and nothing depends on map iteration or time.
package summarizer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// NoRecordsDigest is the digest of an empty table.
const NoRecordsDigest = "no records found"

const ellipsis = "..."

// Config bounds digest construction.
type Config struct {
	// MaxDigestChars is the hard cap on digest length in runes. Default: 240.
	MaxDigestChars int

	// MaxKeyDimensions caps the constant dimensions listed. Default: 4.
	MaxKeyDimensions int

	// MaxValueChars caps each rendered value. Default: 40.
	MaxValueChars int
}

// DefaultConfig returns the default digest bounds.
func DefaultConfig() Config {
	return Config{
		MaxDigestChars:   240,
		MaxKeyDimensions: 4,
		MaxValueChars:    40,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxDigestChars < 32 {
		return fmt.Errorf("max_digest_chars must be at least 32, got %d", c.MaxDigestChars)
	}
	if c.MaxKeyDimensions < 0 {
		return fmt.Errorf("max_key_dimensions must be non-negative, got %d", c.MaxKeyDimensions)
	}
	if c.MaxValueChars < 8 {
		return fmt.Errorf("max_value_chars must be at least 8, got %d", c.MaxValueChars)
	}
	return nil
}

// Summarizer builds summary envelopes.
//
// # Thread Safety
//
// Safe for concurrent use; it holds only immutable configuration.
type Summarizer struct {
	cfg Config
}

// New creates a Summarizer. Zero fields in cfg take defaults.
func New(cfg Config) *Summarizer {
	def := DefaultConfig()
	if cfg.MaxDigestChars <= 0 {
		cfg.MaxDigestChars = def.MaxDigestChars
	}
	if cfg.MaxKeyDimensions <= 0 {
		cfg.MaxKeyDimensions = def.MaxKeyDimensions
	}
	if cfg.MaxValueChars <= 0 {
		cfg.MaxValueChars = def.MaxValueChars
	}
	return &Summarizer{cfg: cfg}
}

// Summarize converts raw into an envelope.
//
// # Description
//
// Tables are first validated: rows shorter than the schema are padded with
// nulls and longer rows are truncated, each repair counting one warning.
// The digest is then built by digestTable and the payload chosen by
// decision.Chart and the table's shape.
//
// # Inputs
//
//   - raw: Tool result. A result with neither scalar nor table is treated
//     as an empty table.
//   - decision: Classification that produced raw.
//
// # Outputs
//
//   - datatypes.SummaryEnvelope: Digest within MaxDigestChars and the payload.
//
// # Examples
//
//	env := s.Summarize(raw, datatypes.Decision{Path: datatypes.PathStructured})
//	// env.Digest == "3 records; year: 2023; country: Germany; total: 5255"
func (s *Summarizer) Summarize(raw datatypes.RawToolResult, decision datatypes.Decision) datatypes.SummaryEnvelope {
	switch {
	case raw.Scalar != nil:
		text := raw.Scalar.String()
		return datatypes.SummaryEnvelope{
			Digest:  s.clip(text),
			Payload: datatypes.NewTextPayload(text),
		}
	case raw.Table != nil:
		table, warnings := normalize(raw.Table)
		env := datatypes.SummaryEnvelope{
			Digest:   s.digestTable(table),
			Warnings: warnings,
		}
		if decision.Chart {
			if spec, ok := buildChart(table); ok {
				env.Payload = datatypes.NewChartPayload(spec)
				return env
			}
		}
		env.Payload = datatypes.NewTablePayload(toTablePayload(table, false))
		return env
	default:
		return datatypes.SummaryEnvelope{
			Digest:  NoRecordsDigest,
			Payload: datatypes.NewTablePayload(datatypes.TablePayload{Columns: []string{}, Rows: [][]any{}}),
		}
	}
}

// digestTable renders "N records; dim: value; ...; total: X".
func (s *Summarizer) digestTable(t *datatypes.Table) string {
	if len(t.Rows) == 0 {
		return NoRecordsDigest
	}

	parts := make([]string, 0, 2+s.cfg.MaxKeyDimensions)
	if len(t.Rows) == 1 {
		parts = append(parts, "1 record")
	} else {
		parts = append(parts, fmt.Sprintf("%d records", len(t.Rows)))
	}

	listed := 0
	for i, col := range t.Columns {
		if listed >= s.cfg.MaxKeyDimensions {
			break
		}
		if col.Role != datatypes.RoleDimension {
			continue
		}
		value, ok := constantValue(t, i)
		if !ok {
			continue
		}
		parts = append(parts, s.field(col.Name)+": "+s.field(value))
		listed++
	}

	if total, ok := totalValue(t); ok {
		parts = append(parts, "total: "+s.field(total))
	}

	return s.clip(strings.Join(parts, "; "))
}

// field caps a single rendered name or value.
func (s *Summarizer) field(v string) string {
	v = strings.Join(strings.Fields(v), " ")
	return truncate(v, s.cfg.MaxValueChars)
}

// clip enforces the digest budget.
func (s *Summarizer) clip(v string) string {
	return truncate(v, s.cfg.MaxDigestChars)
}

// constantValue returns the value of column col when it is identical and
// non-null in every row.
func constantValue(t *datatypes.Table, col int) (string, bool) {
	first := t.Rows[0][col]
	if first.IsNull() {
		return "", false
	}
	want := first.String()
	for _, row := range t.Rows[1:] {
		if row[col].IsNull() || row[col].String() != want {
			return "", false
		}
	}
	return want, true
}

// totalValue returns the first measure of the total row, if the table
// defines one and it is present.
func totalValue(t *datatypes.Table) (string, bool) {
	idx := t.TotalRowIndex()
	if idx < 0 {
		return "", false
	}
	for i, col := range t.Columns {
		if col.Role == datatypes.RoleMeasure {
			cell := t.Rows[idx][i]
			if cell.IsNull() {
				return "", false
			}
			return cell.String(), true
		}
	}
	return "", false
}

// normalize returns a table whose rows all match the column count.
func normalize(t *datatypes.Table) (*datatypes.Table, int) {
	width := len(t.Columns)
	warnings := 0
	for _, row := range t.Rows {
		if len(row) != width {
			warnings++
		}
	}
	if warnings == 0 {
		return t, 0
	}
	fixed := &datatypes.Table{Columns: t.Columns, Total: t.Total, Rows: make([][]datatypes.Cell, len(t.Rows))}
	for i, row := range t.Rows {
		switch {
		case len(row) == width:
			fixed.Rows[i] = row
		case len(row) > width:
			fixed.Rows[i] = row[:width]
		default:
			padded := make([]datatypes.Cell, width)
			copy(padded, row)
			for j := len(row); j < width; j++ {
				padded[j] = datatypes.NullCell()
			}
			fixed.Rows[i] = padded
		}
	}
	return fixed, warnings
}

// toTablePayload converts a table for the caller, optionally without its
// total row.
func toTablePayload(t *datatypes.Table, dropTotal bool) datatypes.TablePayload {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c.Name
	}
	totalIdx := t.TotalRowIndex()
	rows := make([][]any, 0, len(t.Rows))
	var totalRow *int
	for i, row := range t.Rows {
		if i == totalIdx && dropTotal {
			continue
		}
		if i == totalIdx {
			n := len(rows)
			totalRow = &n
		}
		out := make([]any, len(row))
		for j, c := range row {
			out[j] = c.Value()
		}
		rows = append(rows, out)
	}
	return datatypes.TablePayload{Columns: cols, Rows: rows, TotalRow: totalRow}
}

// truncate shortens v to at most max runes, marking the cut with "...".
func truncate(v string, max int) string {
	if utf8.RuneCountInString(v) <= max {
		return v
	}
	if max <= len(ellipsis) {
		return string([]rune(v)[:max])
	}
	return string([]rune(v)[:max-len(ellipsis)]) + ellipsis
}
