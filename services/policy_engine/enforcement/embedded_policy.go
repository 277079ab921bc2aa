// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enforcement embeds the data classification policy in the binary.
package enforcement

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
)

// DataClassificationPatterns holds the raw bytes of
// data_classification_patterns.yaml, baked in at compile time so the
// rules travel with the executable.
//
//go:embed data_classification_patterns.yaml
var DataClassificationPatterns []byte

// PolicyHash returns the hex SHA-256 of the embedded policy, logged at
// startup so operators can tell which rule set a build carries.
func PolicyHash() string {
	sum := sha256.Sum256(DataClassificationPatterns)
	return hex.EncodeToString(sum[:])
}
