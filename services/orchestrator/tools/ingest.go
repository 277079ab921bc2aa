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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/AleutianAI/AleutianQuery/pkg/validation"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// Format is a supported file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatFromPath returns the format implied by a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, true
	case ".xlsx":
		return FormatXLSX, true
	}
	return "", false
}

// sqlite column affinities used for inference.
const (
	affInteger = "INTEGER"
	affReal    = "REAL"
	affText    = "TEXT"
)

// temporalHints mark integer columns that are dimensions, not measures.
var temporalHints = []string{"year", "month", "quarter", "week", "day", "date", "period", "id", "code"}

// LoadFile loads spec.Path, choosing the reader by extension.
func (c *Catalog) LoadFile(ctx context.Context, spec datatypes.DatasetSpec) (*Dataset, error) {
	format, ok := FormatFromPath(spec.Path)
	if !ok {
		return nil, fmt.Errorf("unsupported dataset file %q", spec.Path)
	}
	f, err := os.Open(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return c.Load(ctx, spec, format, f)
}

// Load reads a dataset in format from r and publishes it under spec.Name.
//
// # Description
//
// The first row is the header. Header names are lowercased and reduced to
// identifier characters; duplicates get a numeric suffix. Each column's
// type is inferred over every row: INTEGER if all non-empty values parse as
// integers, REAL if they parse as numbers, TEXT otherwise. Empty cells are
// stored as NULL.
//
// Roles: the column named by spec.Measure is the measure. Without one, the
// last numeric column that does not look temporal is. Every other column
// is a dimension unless spec.Dimensions is set, in which case unlisted
// numeric columns are measures too.
//
// Records pass the installed Screen, if any, before anything is written.
//
// # Outputs
//
//   - *Dataset: The published dataset.
//   - error: Non-nil for malformed input or unknown metadata columns.
func (c *Catalog) Load(ctx context.Context, spec datatypes.DatasetSpec, format Format, r io.Reader) (*Dataset, error) {
	if err := spec.Validate(); err != nil {
		return nil, datatypes.NewError(datatypes.KindInvalidRequest, "invalid dataset metadata", err)
	}

	var records [][]string
	var err error
	switch format {
	case FormatCSV:
		records, err = readCSV(r)
	case FormatXLSX:
		records, err = readXLSX(r, spec.Sheet)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, datatypes.NewError(datatypes.KindInvalidRequest, "could not read dataset file", err)
	}
	if len(records) == 0 {
		return nil, datatypes.NewError(datatypes.KindInvalidRequest, "dataset file has no header row", nil)
	}
	if err := c.screenRecords(records); err != nil {
		c.logger.Warn("dataset rejected by screen",
			slog.String("dataset", spec.Name),
			slog.String("reason", err.Error()),
		)
		return nil, datatypes.NewError(datatypes.KindInvalidRequest, err.Error(), err)
	}

	headers := sanitizeHeaders(records[0])
	data := records[1:]
	affinities := inferAffinities(len(headers), data)

	columns, err := assignRoles(headers, affinities, spec)
	if err != nil {
		return nil, datatypes.NewError(datatypes.KindInvalidRequest, err.Error(), nil)
	}

	ds := &Dataset{
		Handle:  datatypes.DatasetHandle{ID: spec.Name, Name: spec.Name},
		Table:   "ds_" + spec.Name,
		Columns: columns,
		Source:  spec.Path,
		Rows:    len(data),
		values:  make(map[string][]datatypes.Cell),
	}
	if spec.TotalColumn != "" {
		col := validation.NormalizeColumn(spec.TotalColumn)
		if _, ok := ds.Column(col); !ok {
			return nil, datatypes.NewError(datatypes.KindInvalidRequest,
				fmt.Sprintf("total column %q not in dataset", spec.TotalColumn), nil)
		}
		marker := spec.TotalMarker
		if marker == "" {
			marker = "Total"
		}
		ds.Total = &datatypes.TotalSpec{Column: col, Marker: marker}
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if err := c.writeTable(ctx, ds, affinities, data); err != nil {
		return nil, err
	}
	ds.LoadedAt = time.Now()
	c.publish(ds)

	c.logger.Info("dataset loaded",
		slog.String("dataset", spec.Name),
		slog.Int("rows", ds.Rows),
		slog.Int("columns", len(ds.Columns)),
	)
	return ds, nil
}

func (c *Catalog) screenRecords(records [][]string) error {
	c.loadMu.Lock()
	screen := c.screen
	c.loadMu.Unlock()
	if screen == nil {
		return nil
	}
	return screen.Screen(records)
}

// writeTable replaces the dataset's table and indexes dimension values.
func (c *Catalog) writeTable(ctx context.Context, ds *Dataset, affinities []string, data [][]string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	table := validation.QuoteIdentifier(ds.Table)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}
	defs := make([]string, len(ds.Columns))
	placeholders := make([]string, len(ds.Columns))
	for i, col := range ds.Columns {
		defs[i] = validation.QuoteIdentifier(col.Name) + " " + affinities[i]
		placeholders[i] = "?"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, strings.Join(placeholders, ",")))
	if err != nil {
		return err
	}
	defer stmt.Close()

	seen := make(map[string]map[string]bool)
	for _, col := range ds.Columns {
		if col.Role == datatypes.RoleDimension {
			seen[col.Name] = make(map[string]bool)
		}
	}

	vals := make([]any, len(ds.Columns))
	for n, row := range data {
		for j, col := range ds.Columns {
			cell := parseCell(row, j, affinities[j])
			vals[j] = cell.Value()
			if set, ok := seen[col.Name]; ok && !cell.IsNull() {
				key := cell.String()
				if !set[key] && len(set) < maxDistinctValues {
					set[key] = true
					ds.values[col.Name] = append(ds.values[col.Name], cell)
				}
			}
		}
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			return fmt.Errorf("insert row %d: %w", n+1, err)
		}
	}
	return tx.Commit()
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) > 0 && len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	}
	return dropBlankRows(records), nil
}

func readXLSX(r io.Reader, sheet string) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return dropBlankRows(rows), nil
}

func dropBlankRows(records [][]string) [][]string {
	out := records[:0]
	for _, rec := range records {
		blank := true
		for _, v := range rec {
			if strings.TrimSpace(v) != "" {
				blank = false
				break
			}
		}
		if !blank {
			out = append(out, rec)
		}
	}
	return out
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	used := make(map[string]int)
	for i, h := range raw {
		name := validation.NormalizeColumn(h)
		if name == "" {
			name = fmt.Sprintf("col_%d", i+1)
		}
		if name[0] >= '0' && name[0] <= '9' {
			name = "c_" + name
		}
		base := name
		for used[name] > 0 {
			used[base]++
			name = fmt.Sprintf("%s_%d", base, used[base])
		}
		used[name]++
		headers[i] = name
	}
	return headers
}

func inferAffinities(width int, data [][]string) []string {
	out := make([]string, width)
	for j := 0; j < width; j++ {
		aff := affInteger
		seen := false
		for _, row := range data {
			if j >= len(row) {
				continue
			}
			v := strings.TrimSpace(row[j])
			if v == "" {
				continue
			}
			seen = true
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				continue
			}
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				aff = affReal
				continue
			}
			aff = affText
			break
		}
		if !seen {
			aff = affText
		}
		out[j] = aff
	}
	return out
}

func assignRoles(headers, affinities []string, spec datatypes.DatasetSpec) ([]datatypes.Column, error) {
	cols := make([]datatypes.Column, len(headers))
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		typ := datatypes.CellText
		if affinities[i] != affText {
			typ = datatypes.CellNumber
		}
		cols[i] = datatypes.Column{Name: h, Type: typ, Role: datatypes.RoleDimension}
		index[h] = i
	}

	measure := -1
	if spec.Measure != "" {
		i, ok := index[validation.NormalizeColumn(spec.Measure)]
		if !ok {
			return nil, fmt.Errorf("measure column %q not in dataset", spec.Measure)
		}
		measure = i
	} else {
		for i := len(cols) - 1; i >= 0; i-- {
			if cols[i].Type == datatypes.CellNumber && !looksTemporal(cols[i].Name) {
				measure = i
				break
			}
		}
	}
	if measure >= 0 {
		cols[measure].Role = datatypes.RoleMeasure
	}

	if len(spec.Dimensions) > 0 {
		dims := make(map[string]bool, len(spec.Dimensions))
		for _, d := range spec.Dimensions {
			n := validation.NormalizeColumn(d)
			if _, ok := index[n]; !ok {
				return nil, fmt.Errorf("dimension column %q not in dataset", d)
			}
			dims[n] = true
		}
		for i := range cols {
			if !dims[cols[i].Name] && cols[i].Type == datatypes.CellNumber {
				cols[i].Role = datatypes.RoleMeasure
			}
		}
	}
	return cols, nil
}

func looksTemporal(name string) bool {
	for _, h := range temporalHints {
		if strings.Contains(name, h) {
			return true
		}
	}
	return false
}

func parseCell(row []string, j int, affinity string) datatypes.Cell {
	if j >= len(row) {
		return datatypes.NullCell()
	}
	v := strings.TrimSpace(row[j])
	if v == "" {
		return datatypes.NullCell()
	}
	switch affinity {
	case affInteger, affReal:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return datatypes.NullCell()
		}
		return datatypes.NumberCell(f)
	default:
		return datatypes.TextCell(v)
	}
}
