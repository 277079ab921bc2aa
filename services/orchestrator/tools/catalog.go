// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools holds the analytical engines behind the executor's Tool
// interface: a sqlite-backed dataset catalog with CSV and XLSX ingest, a
// deterministic lookup tool, an LLM-written SQL tool, and a narrative tool.
package tools

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianQuery/pkg/validation"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// maxDistinctValues caps the values indexed per dimension for matching.
const maxDistinctValues = 5000

// ErrDatasetNotFound is returned for unknown dataset ids.
var ErrDatasetNotFound = datatypes.NewError(datatypes.KindNotFound, "dataset not found", nil)

// Dataset is a loaded tabular source.
type Dataset struct {
	Handle   datatypes.DatasetHandle `json:"handle"`
	Table    string                  `json:"table"`
	Columns  []datatypes.Column      `json:"columns"`
	Total    *datatypes.TotalSpec    `json:"total,omitempty"`
	Source   string                  `json:"source,omitempty"`
	Rows     int                     `json:"rows"`
	LoadedAt time.Time               `json:"loaded_at"`

	// values holds the distinct non-null values of each dimension column,
	// in first-seen order.
	values map[string][]datatypes.Cell
}

// Column returns the column named name.
func (d *Dataset) Column(name string) (datatypes.Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return datatypes.Column{}, false
}

// Catalog owns the sqlite database that backs every dataset.
//
// # Description
//
// Datasets are loaded into one table each, named after the dataset. Row
// order is the file's row order and is preserved through rowid. Reloading
// a dataset replaces its table atomically.
//
// # Thread Safety
//
// Safe for concurrent use. Dataset metadata is immutable once published;
// a reload publishes a new *Dataset.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.RWMutex
	datasets map[string]*Dataset

	loadMu sync.Mutex
	screen Screen
}

// Screen inspects parsed records before a dataset is published. records[0]
// is the header row. A non-nil error rejects the dataset.
type Screen interface {
	Screen(records [][]string) error
}

// UseScreen installs s for subsequent loads. Call before serving.
func (c *Catalog) UseScreen(s Screen) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	c.screen = s
}

// OpenCatalog opens the catalog database.
//
// # Inputs
//
//   - path: sqlite file path. Empty keeps everything in memory.
//   - logger: Logger. Nil uses slog.Default().
//
// # Outputs
//
//   - *Catalog: Ready catalog.
//   - error: Non-nil if the database cannot be opened.
//
// # Limitations
//
// The in-memory database lives on a single connection, so queries against
// it are serialized.
func OpenCatalog(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := ":memory:"
	if path != "" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if path == "" {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	return &Catalog{
		db:       db,
		logger:   logger,
		datasets: make(map[string]*Dataset),
	}, nil
}

// Close closes the database.
func (c *Catalog) Close() error { return c.db.Close() }

// DB exposes the database for tools that run their own SQL.
func (c *Catalog) DB() *sql.DB { return c.db }

// Resolve returns the dataset for handle.
func (c *Catalog) Resolve(handle datatypes.DatasetHandle) (*Dataset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if handle.ID == "" && len(c.datasets) == 1 {
		for _, ds := range c.datasets {
			return ds, nil
		}
	}
	ds, ok := c.datasets[handle.ID]
	if !ok {
		return nil, ErrDatasetNotFound
	}
	return ds, nil
}

// List returns every dataset sorted by id.
func (c *Catalog) List() []*Dataset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Dataset, 0, len(c.datasets))
	for _, ds := range c.datasets {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle.ID < out[j].Handle.ID })
	return out
}

// Query runs a read-only statement against ds and returns the result with
// the dataset's column roles applied.
func (c *Catalog) Query(ctx context.Context, ds *Dataset, query string, args ...any) (*datatypes.Table, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", ds.Handle.ID, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	table := &datatypes.Table{Columns: make([]datatypes.Column, len(names))}
	for i, n := range names {
		col, ok := ds.Column(n)
		if !ok {
			col = datatypes.Column{Name: n, Type: datatypes.CellText, Role: datatypes.RoleDimension}
		}
		table.Columns[i] = col
	}
	if ds.Total != nil {
		if table.ColumnIndex(ds.Total.Column) >= 0 {
			t := *ds.Total
			table.Total = &t
		}
	}

	scan := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range scan {
		ptrs[i] = &scan[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]datatypes.Cell, len(names))
		for i, v := range scan {
			row[i] = toCell(v)
		}
		table.Rows = append(table.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A computed column with numeric values is a measure.
	for i, col := range table.Columns {
		if _, known := ds.Column(col.Name); known {
			continue
		}
		if numericColumn(table, i) {
			table.Columns[i].Type = datatypes.CellNumber
			table.Columns[i].Role = datatypes.RoleMeasure
		}
	}
	return table, nil
}

// valuesOf returns the indexed distinct values of a dimension.
func (d *Dataset) valuesOf(col string) []datatypes.Cell {
	return d.values[col]
}

func (c *Catalog) publish(ds *Dataset) {
	c.mu.Lock()
	c.datasets[ds.Handle.ID] = ds
	c.mu.Unlock()
}

// Remove drops a dataset.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.Lock()
	ds, ok := c.datasets[id]
	if ok {
		delete(c.datasets, id)
	}
	c.mu.Unlock()
	if !ok {
		return ErrDatasetNotFound
	}
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", validation.QuoteIdentifier(ds.Table)))
	return err
}

func toCell(v any) datatypes.Cell {
	switch x := v.(type) {
	case nil:
		return datatypes.NullCell()
	case int64:
		return datatypes.NumberCell(float64(x))
	case float64:
		return datatypes.NumberCell(x)
	case bool:
		if x {
			return datatypes.NumberCell(1)
		}
		return datatypes.NumberCell(0)
	case []byte:
		return datatypes.TextCell(string(x))
	case string:
		return datatypes.TextCell(x)
	case time.Time:
		return datatypes.TextCell(x.Format(time.RFC3339))
	default:
		return datatypes.TextCell(fmt.Sprint(x))
	}
}

func numericColumn(t *datatypes.Table, col int) bool {
	seen := false
	for _, row := range t.Rows {
		switch row[col].Type {
		case datatypes.CellNumber:
			seen = true
		case datatypes.CellText:
			return false
		}
	}
	return seen
}
