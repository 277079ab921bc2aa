// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// Conversation ids and dataset names arrive from clients and end up in
// storage keys, log lines and SQL table names. Column names come from
// uploaded headers and end up in generated SQL. Everything that reaches a
// query goes through NormalizeColumn or QuoteIdentifier first.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches client-supplied identifiers.
// Allows: letters, digits, dot, underscore, colon, hyphen.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

var nonColumnChars = regexp.MustCompile(`[^a-z0-9_]+`)

// ValidateIdentifier validates a conversation id or dataset name.
//
// Returns an error if id is empty or contains characters outside
// [A-Za-z0-9._:-].
//
// Example:
//
//	if err := validation.ValidateIdentifier(conversationID); err != nil {
//	    return fmt.Errorf("invalid conversation: %w", err)
//	}
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier format: %q (letters, digits, '.', '_', ':' or '-' only)", id)
	}
	return nil
}

// ValidateIdentifiers validates several identifiers.
// Returns an error listing all invalid identifiers if any fail validation.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %q", invalid)
	}
	return nil
}

// NormalizeColumn turns a free-form header into a lowercase snake_case
// name. Runs of other characters collapse to one underscore; leading and
// trailing underscores are dropped. The result may be empty.
func NormalizeColumn(name string) string {
	n := nonColumnChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	return strings.Trim(n, "_")
}

// QuoteIdentifier quotes a SQL identifier, doubling embedded quotes.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
