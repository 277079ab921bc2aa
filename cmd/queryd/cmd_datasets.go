// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianQuery/pkg/ux"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/tools"
	"github.com/AleutianAI/AleutianQuery/services/policy_engine"
)

func newDatasetsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "List configured datasets or inspect a file",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Load the configured datasets and list them",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			cfg.Logging.Level = "error"
			cfg.Telemetry.Metrics = false
			svc, err := orchestrator.New(cfg, nil)
			if err != nil {
				return err
			}
			defer svc.Close()
			return printDatasets(c.printer, svc.Datasets())
		},
	}

	var spec datatypes.DatasetSpec
	var dims string
	inspect := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Show the schema and classified content of a CSV or XLSX file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Path = args[0]
			if spec.Name == "" {
				spec.Name = tools.DatasetName(spec.Path)
			}
			if dims != "" {
				spec.Dimensions = strings.Split(dims, ",")
			}
			engine, err := policy_engine.NewPolicyEngine()
			if err != nil {
				return err
			}
			catalog, err := tools.OpenCatalog("", slog.New(slog.DiscardHandler))
			if err != nil {
				return err
			}
			defer catalog.Close()

			var rec recordingScreen
			catalog.UseScreen(&rec)
			ds, err := catalog.LoadFile(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return printSchema(c.printer, ds, engine.ScanRecords(rec.records))
		},
	}
	inspect.Flags().StringVar(&spec.Name, "name", "", "dataset id (default: derived from the file name)")
	inspect.Flags().StringVar(&spec.Sheet, "sheet", "", "XLSX sheet (default: first)")
	inspect.Flags().StringVar(&spec.Measure, "measure", "", "measure column (default: last numeric)")
	inspect.Flags().StringVar(&dims, "dimensions", "", "comma-separated dimension columns")
	inspect.Flags().StringVar(&spec.TotalColumn, "total-column", "", "column holding the total marker")
	inspect.Flags().StringVar(&spec.TotalMarker, "total-marker", "", "marker of the total row (default: Total)")

	cmd.AddCommand(list, inspect)
	return cmd
}

func printDatasets(p *ux.Printer, datasets []*tools.Dataset) error {
	if p.Mode() == ux.ModeMachine {
		return p.JSON(map[string]any{"datasets": datasets})
	}
	if len(datasets) == 0 {
		p.Warning("no datasets configured")
		return nil
	}
	rows := make([][]string, 0, len(datasets))
	for _, ds := range datasets {
		rows = append(rows, []string{
			ds.Handle.ID,
			strconv.Itoa(ds.Rows),
			strconv.Itoa(len(ds.Columns)),
			ux.Truncate(ds.Source, 48),
		})
	}
	p.Table([]string{"id", "rows", "columns", "source"}, rows, -1)
	return nil
}

// recordingScreen keeps the parsed records for classification.
type recordingScreen struct {
	records [][]string
}

func (r *recordingScreen) Screen(records [][]string) error {
	r.records = records
	return nil
}

func printSchema(p *ux.Printer, ds *tools.Dataset, findings []policy_engine.ScanFinding) error {
	if p.Mode() == ux.ModeMachine {
		return p.JSON(map[string]any{"dataset": ds, "findings": findings})
	}
	p.Title(fmt.Sprintf("%s (%d rows)", ds.Handle.ID, ds.Rows))
	rows := make([][]string, 0, len(ds.Columns))
	for _, col := range ds.Columns {
		rows = append(rows, []string{col.Name, string(col.Type), string(col.Role)})
	}
	p.Table([]string{"column", "type", "role"}, rows, -1)
	if ds.Total != nil {
		p.Muted(fmt.Sprintf("total row: %s = %q", ds.Total.Column, ds.Total.Marker))
	}
	if len(findings) == 0 {
		p.Success("no classified content found")
		return nil
	}
	p.Warning(fmt.Sprintf("%d classified value(s) found", len(findings)))
	rows = make([][]string, 0, len(findings))
	for _, f := range findings {
		rows = append(rows, []string{
			strconv.Itoa(f.Row), f.Column, f.ClassificationName, f.PatternId, string(f.Confidence), f.MatchedContent,
		})
	}
	p.Table([]string{"row", "column", "class", "pattern", "confidence", "match"}, rows, -1)
	return nil
}
