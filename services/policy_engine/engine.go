// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine classifies dataset content against embedded
// regex policies and screens restricted data out of the catalog.
package policy_engine

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianQuery/services/policy_engine/enforcement"
)

// maxFindings bounds one scan; a file full of emails should not produce
// millions of findings.
const maxFindings = 100

// ErrRestrictedData is wrapped by Screener errors.
var ErrRestrictedData = errors.New("dataset contains restricted data")

// PolicyEngine holds the compiled classification rules.
type PolicyEngine struct {
	Classifiers []Classification
}

// NewPolicyEngine loads the policy embedded in the binary.
//
// It unmarshals the YAML, compiles every regex, and sorts classifications
// by priority. Returns an error if the embedded YAML is malformed or
// contains an invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	return NewPolicyEngineFromYAML(enforcement.DataClassificationPatterns)
}

// NewPolicyEngineFromYAML builds an engine from a policy document.
func NewPolicyEngineFromYAML(data []byte) (*PolicyEngine, error) {
	var classificationFile PolicyEngineClassificationFile
	if err := yaml.Unmarshal(data, &classificationFile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the policy file: %w", err)
	}
	if err := classificationFile.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex %w", err)
	}
	classificationFile.SortByPriority()
	return &PolicyEngine{Classifiers: classificationFile.ClassificationPatterns}, nil
}

// ClassifyData returns the name of the highest-priority classification
// matching data, or "public".
func (e *PolicyEngine) ClassifyData(data []byte) string {
	for _, classifier := range e.Classifiers {
		for _, re := range classifier.CompiledPatterns {
			if re.Match(data) {
				return classifier.Name
			}
		}
	}
	return "public"
}

// ScanRecords audits tabular records cell by cell.
//
// # Description
//
// records[0] is the header and names the columns of findings; it is not
// scanned. Blank cells are skipped. Scanning stops after maxFindings.
//
// # Outputs
//
//   - []ScanFinding: Findings in row order, highest priority first per cell.
func (e *PolicyEngine) ScanRecords(records [][]string) []ScanFinding {
	return e.scan(records, nil)
}

// scan is ScanRecords restricted to patterns accepted by keep.
func (e *PolicyEngine) scan(records [][]string, keep func(Classification, Pattern) bool) []ScanFinding {
	if len(records) < 2 {
		return nil
	}
	header := records[0]
	var findings []ScanFinding
	for r, row := range records[1:] {
		for c, cell := range row {
			if strings.TrimSpace(cell) == "" {
				continue
			}
			for _, classifier := range e.Classifiers {
				for _, pattern := range classifier.Patterns {
					if keep != nil && !keep(classifier, pattern) {
						continue
					}
					match := pattern.compiledPattern.FindString(cell)
					if match == "" {
						continue
					}
					column := fmt.Sprintf("column %d", c+1)
					if c < len(header) && header[c] != "" {
						column = header[c]
					}
					findings = append(findings, ScanFinding{
						Row:                r + 1,
						Column:             column,
						MatchedContent:     mask(match),
						ClassificationName: classifier.Name,
						PatternId:          pattern.Id,
						PatternDescription: pattern.Description,
						Confidence:         pattern.Confidence,
					})
					if len(findings) >= maxFindings {
						return findings
					}
				}
			}
		}
	}
	return findings
}

// =============================================================================
// Screener
// =============================================================================

// ScreenConfig selects which findings block a dataset.
type ScreenConfig struct {
	// Block lists classification names that reject a dataset.
	// Default: ["secret"].
	Block []string

	// MinConfidence ignores weaker findings. Default: Medium.
	MinConfidence ConfidenceLevel
}

// Screener rejects records carrying blocked classifications.
//
// # Thread Safety
//
// Safe for concurrent use; the engine is read-only after construction.
type Screener struct {
	engine *PolicyEngine
	block  map[string]bool
	min    ConfidenceLevel
}

// NewScreener creates a Screener over e.
func NewScreener(e *PolicyEngine, cfg ScreenConfig) *Screener {
	if len(cfg.Block) == 0 {
		cfg.Block = []string{"secret"}
	}
	if cfg.MinConfidence == "" {
		cfg.MinConfidence = Medium
	}
	block := make(map[string]bool, len(cfg.Block))
	for _, name := range cfg.Block {
		block[strings.ToLower(name)] = true
	}
	return &Screener{engine: e, block: block, min: cfg.MinConfidence}
}

// Blocking returns the findings that would reject records.
func (s *Screener) Blocking(records [][]string) []ScanFinding {
	return s.engine.scan(records, func(c Classification, p Pattern) bool {
		return s.block[strings.ToLower(c.Name)] && p.Confidence.AtLeast(s.min)
	})
}

// Screen returns an error wrapping ErrRestrictedData when records carry
// blocked data. The message names the location and pattern, never the
// content.
func (s *Screener) Screen(records [][]string) error {
	blocking := s.Blocking(records)
	if len(blocking) == 0 {
		return nil
	}
	first := blocking[0]
	return fmt.Errorf("%w: %s (%s) in row %d, column %q; %d finding(s)",
		ErrRestrictedData, first.ClassificationName, first.PatternDescription,
		first.Row, first.Column, len(blocking))
}
