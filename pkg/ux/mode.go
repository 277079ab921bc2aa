// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// OutputEnv overrides output mode detection.
const OutputEnv = "QUERYD_OUTPUT"

// Mode defines the richness of CLI output.
type Mode string

const (
	// ModeStyled enables colors, icons, boxes, and rounded tables.
	ModeStyled Mode = "styled"

	// ModePlain prints icons and ASCII tables without color.
	ModePlain Mode = "plain"

	// ModeMachine prints one JSON document per line for scripting.
	ModeMachine Mode = "machine"
)

// ParseMode converts a flag or environment value to a Mode. Unknown
// values yield ModePlain.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "styled", "full", "color":
		return ModeStyled
	case "machine", "json", "quiet", "q":
		return ModeMachine
	default:
		return ModePlain
	}
}

// DetectMode picks the mode for f.
//
// # Description
//
// OutputEnv wins when set. Otherwise a terminal gets ModeStyled and
// anything else (pipes, files, CI logs) gets ModePlain.
func DetectMode(f *os.File) Mode {
	if env := os.Getenv(OutputEnv); env != "" {
		return ParseMode(env)
	}
	if f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return ModeStyled
	}
	return ModePlain
}
