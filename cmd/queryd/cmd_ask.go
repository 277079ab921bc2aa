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
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianQuery/pkg/ux"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/pipeline"
)

// errQueryFailed marks an ask whose error event was already printed.
var errQueryFailed = errors.New("query failed")

type askOptions struct {
	dataset      string
	conversation string
	maxRows      int
	timeout      time.Duration
	verbose      bool
}

func newAskCmd(c *cli) *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question in process, without a server",
		Example: `  queryd ask -d capacity "show capacity for Germany 2023"
  queryd ask -o machine "which country has the most wind capacity"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), c, opts, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&opts.dataset, "dataset", "d", "", "dataset id (optional when one dataset is loaded)")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "", "conversation id (default: random)")
	cmd.Flags().IntVar(&opts.maxRows, "max-rows", 20, "rows of the result table to print")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "overrides coordinator.request_timeout")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "keep service logs at the configured level")
	return cmd
}

func runAsk(ctx context.Context, c *cli, opts askOptions, question string) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if !opts.verbose {
		cfg.Logging.Level = "error"
	}
	if opts.timeout > 0 {
		cfg.Coordinator.RequestTimeout = opts.timeout
	}
	// Offers need a server to resolve them.
	cfg.Approvals.RowThreshold = 0
	cfg.Telemetry.Metrics = false

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	conv := opts.conversation
	if conv == "" {
		conv = "cli-" + uuid.NewString()[:8]
	}
	sink := &terminalSink{printer: c.printer, maxRows: opts.maxRows}
	err = svc.Ask(ctx, pipeline.Input{
		ConversationID: datatypes.ConversationID(conv),
		Query:          question,
		Dataset:        datatypes.DatasetHandle{ID: opts.dataset},
	}, sink)
	if sink.failed {
		return errQueryFailed
	}
	return err
}

// terminalSink renders query events for a terminal, or as JSON lines in
// machine mode.
type terminalSink struct {
	printer *ux.Printer
	maxRows int
	chunked bool
	failed  bool
}

// Emit implements pipeline.EventSink.
func (s *terminalSink) Emit(ev datatypes.StreamEvent) error {
	p := s.printer
	if p.Mode() == ux.ModeMachine {
		if ev.Type == datatypes.StreamEventError {
			s.failed = true
		}
		return p.JSON(ev)
	}

	switch ev.Type {
	case datatypes.StreamEventStatus:
		p.Muted(ev.Message)
	case datatypes.StreamEventChunk:
		s.chunked = true
		p.Write(ev.Content)
	case datatypes.StreamEventStructured:
		if ev.Payload != nil {
			s.renderPayload(*ev.Payload)
		}
	case datatypes.StreamEventNeedsApproval:
		if a := ev.Approval; a != nil {
			p.WarningBox("Export available", fmt.Sprintf("%s (%d rows)", a.Description, a.Rows))
		}
	case datatypes.StreamEventDone:
		if s.chunked {
			p.Write("\n")
		}
		p.Box("Digest", ev.Digest)
		p.Success(fmt.Sprintf("answered via %s path", ev.Path))
	case datatypes.StreamEventError:
		s.failed = true
		msg := ev.Message
		if ev.Retryable {
			msg += " (retryable)"
		}
		p.Error(fmt.Sprintf("%s: %s", ev.ErrorKind, msg))
	}
	return nil
}

func (s *terminalSink) renderPayload(payload datatypes.Payload) {
	switch payload.Kind {
	case datatypes.PayloadTable:
		s.renderTable(*payload.Table)
	case datatypes.PayloadChartSpec:
		s.printer.Title(payload.Chart.Title)
		s.renderTable(payload.Chart.Data)
	case datatypes.PayloadText:
		// Already streamed as chunks.
	}
}

func (s *terminalSink) renderTable(t datatypes.TablePayload) {
	total := -1
	if t.TotalRow != nil {
		total = *t.TotalRow
	}
	rows := t.Rows
	if s.maxRows > 0 && len(rows) > s.maxRows {
		rows = rows[:s.maxRows]
	}
	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = make([]string, len(row))
		for j, v := range row {
			if v != nil {
				cells[i][j] = ux.Truncate(fmt.Sprint(v), 40)
			}
		}
	}
	s.printer.Table(t.Columns, cells, total)
	if hidden := len(t.Rows) - len(rows); hidden > 0 {
		s.printer.Muted(fmt.Sprintf("%d more rows", hidden))
	}
}

var _ pipeline.EventSink = (*terminalSink)(nil)
