// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

func germany() *datatypes.Table {
	return &datatypes.Table{
		Columns: []datatypes.Column{
			{Name: "country", Type: datatypes.CellText, Role: datatypes.RoleDimension},
			{Name: "source", Type: datatypes.CellText, Role: datatypes.RoleDimension},
			{Name: "capacity", Type: datatypes.CellNumber, Role: datatypes.RoleMeasure},
		},
		Rows: [][]datatypes.Cell{
			{datatypes.TextCell("Germany"), datatypes.TextCell("Total"), datatypes.NumberCell(5255)},
			{datatypes.TextCell("Germany"), datatypes.TextCell("Solar"), datatypes.NumberCell(3100.5)},
			{datatypes.TextCell("Germany"), datatypes.NullCell(), datatypes.NumberCell(2154.5)},
		},
		Total: &datatypes.TotalSpec{Column: "source", Marker: "Total"},
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, germany(), ""))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Result"}, f.GetSheetList())
	rows, err := f.GetRows("Result")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"country", "source", "capacity"}, rows[0])
	assert.Equal(t, []string{"Germany", "Total", "5255"}, rows[1])
	assert.Equal(t, "3100.5", rows[2][2])
	assert.Equal(t, "", rows[3][1])

	typ, err := f.GetCellType("Result", "C3")
	require.NoError(t, err)
	assert.Equal(t, excelize.CellTypeNumber, typ)
}

func TestWriteXLSX_Rejects(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteXLSX(&buf, nil, ""))
	assert.Error(t, WriteXLSX(&buf, &datatypes.Table{}, ""))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "show_capacity_for_germany_2023.xlsx", FileName("Show capacity for Germany 2023?"))
	assert.Equal(t, "result.xlsx", FileName("???"))
	assert.LessOrEqual(t, len(FileName(string(bytes.Repeat([]byte("ab "), 100)))), 53)
}
