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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianQuery/pkg/ux"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli holds state shared by subcommands.
type cli struct {
	configPath string
	output     string
	printer    *ux.Printer
}

// config loads the configuration file named by --config, or defaults.
func (c *cli) config() (config.Config, error) {
	return config.Load(c.configPath)
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "queryd",
		Short: "Conversational queries over tabular datasets",
		Long: `queryd answers natural-language questions about loaded datasets.
Each question is routed to a structured lookup or a narrative answer;
large results stay out of the conversation and are returned once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			mode := ux.DetectMode(os.Stdout)
			if c.output != "" {
				mode = ux.ParseMode(c.output)
			}
			c.printer = ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"),
		"path to the YAML configuration file")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "",
		"output mode: styled, plain, or machine (default: detected)")

	root.AddCommand(
		newServeCmd(c),
		newAskCmd(c),
		newDatasetsCmd(c),
		newVersionCmd(c),
	)
	return root
}

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the queryd version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if c.printer.Mode() == ux.ModeMachine {
				return c.printer.JSON(map[string]string{"version": version})
			}
			c.printer.Title("queryd " + version)
			return nil
		},
	}
}
