// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "capacity", false},
		{"mixed", "Conv-1.a_b:2", false},
		{"empty", "", true},
		{"space", "conv 1", true},
		{"slash", "../etc", true},
		{"quote", `a"b`, true},
		{"semicolon", "a;drop", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateIdentifiers(t *testing.T) {
	assert.NoError(t, ValidateIdentifiers([]string{"a", "b"}))
	assert.NoError(t, ValidateIdentifiers(nil))

	err := ValidateIdentifiers([]string{"ok", "not ok", "x/y"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not ok")
	assert.Contains(t, err.Error(), "x/y")
	assert.NotContains(t, err.Error(), `"ok"`)
}

func TestNormalizeColumn(t *testing.T) {
	assert.Equal(t, "installed_capacity_mw", NormalizeColumn(" Installed Capacity (MW) "))
	assert.Equal(t, "year", NormalizeColumn("YEAR"))
	assert.Equal(t, "", NormalizeColumn("---"))
	assert.Equal(t, "drop_table_x", NormalizeColumn(`"; DROP TABLE x; --`))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"capacity"`, QuoteIdentifier("capacity"))
	assert.Equal(t, `"a""b"`, QuoteIdentifier(`a"b`))

	quoted := QuoteIdentifier(`x"; DROP TABLE t; --`)
	inner := quoted[1 : len(quoted)-1]
	assert.Equal(t, 0, strings.Count(strings.ReplaceAll(inner, `""`, ""), `"`), "no unescaped quote")
}
