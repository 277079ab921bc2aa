// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package enforcement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestEmbeddedDataIntegrity(t *testing.T) {
	require.NotEmpty(t, DataClassificationPatterns, "embedded policy must not be empty")

	var dump map[string]any
	require.NoError(t, yaml.Unmarshal(DataClassificationPatterns, &dump))
	assert.Contains(t, dump, "classifications")
}

func TestPolicyHash(t *testing.T) {
	h := PolicyHash()
	assert.Len(t, h, 64)
	assert.Equal(t, h, PolicyHash(), "hash is stable")
}
