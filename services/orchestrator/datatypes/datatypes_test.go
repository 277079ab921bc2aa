// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCell_String(t *testing.T) {
	tests := []struct {
		name string
		cell Cell
		want string
	}{
		{"integral number", NumberCell(5255), "5255"},
		{"negative integral", NumberCell(-3), "-3"},
		{"fraction", NumberCell(12.5), "12.5"},
		{"text", TextCell("Germany"), "Germany"},
		{"null", NullCell(), ""},
		{"zero value", Cell{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cell.String())
		})
	}
}

func TestTable_TotalRowIndex(t *testing.T) {
	table := &Table{
		Columns: []Column{
			{Name: "source", Type: CellText, Role: RoleDimension},
			{Name: "mw", Type: CellNumber, Role: RoleMeasure},
		},
		Rows: [][]Cell{
			{TextCell("Solar"), NumberCell(1)},
			{TextCell("Total"), NumberCell(2)},
		},
	}
	assert.Equal(t, -1, table.TotalRowIndex(), "no total spec")

	table.Total = &TotalSpec{Column: "source", Marker: "Total"}
	assert.Equal(t, 1, table.TotalRowIndex())

	table.Total = &TotalSpec{Column: "missing", Marker: "Total"}
	assert.Equal(t, -1, table.TotalRowIndex())
}

func TestScalar_String(t *testing.T) {
	n := 42.0
	assert.Equal(t, "42 MW", Scalar{Num: &n, Unit: "MW"}.String())
	assert.Equal(t, "hello", Scalar{Text: "hello"}.String())
	assert.Equal(t, "", Scalar{Unit: "MW"}.String())
}

func TestPayload_Validate(t *testing.T) {
	require.NoError(t, NewTextPayload("hi").Validate())
	require.NoError(t, NewTablePayload(TablePayload{}).Validate())
	require.NoError(t, NewChartPayload(ChartSpec{}).Validate())

	bad := NewTextPayload("hi")
	bad.Table = &TablePayload{}
	assert.Error(t, bad.Validate())

	assert.Error(t, Payload{Kind: "pdf"}.Validate())
}

func TestQueryError_Is(t *testing.T) {
	err := NewError(KindBusy, "already running", nil)
	assert.True(t, errors.Is(err, ErrBusy))
	assert.False(t, errors.Is(err, ErrTimeout))

	wrapped := fmt.Errorf("begin: %w", err)
	assert.True(t, errors.Is(wrapped, ErrBusy))
	assert.Equal(t, KindBusy, KindOf(wrapped))
}

func TestQueryError_PreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(KindToolFailure, "tool failed", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, "tool failed", PublicMessage(err))
}

func TestKindOf_ContextErrors(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindCanceled, KindOf(context.Canceled))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.NotContains(t, PublicMessage(errors.New("secret detail")), "secret")
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, FromContext(ctx))
	cancel()
	assert.Equal(t, KindCanceled, KindOf(FromContext(ctx)))
}

func TestQueryRequest_Validate(t *testing.T) {
	valid := QueryRequest{ConversationID: "conv-1", Query: "show capacity", DatasetID: "energy"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		req  QueryRequest
	}{
		{"missing query", QueryRequest{ConversationID: "c"}},
		{"missing conversation", QueryRequest{Query: "q"}},
		{"bad conversation chars", QueryRequest{ConversationID: "a b", Query: "q"}},
		{"oversized query", QueryRequest{ConversationID: "c", Query: strings.Repeat("x", MaxQueryBytes+1)}},
		{"bad dataset id", QueryRequest{ConversationID: "c", Query: "q", DatasetID: "../etc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.req.Validate())
		})
	}
}

func TestValidateConversationID(t *testing.T) {
	assert.NoError(t, ValidateConversationID("conv-1"))
	assert.Error(t, ValidateConversationID(""))
	assert.Error(t, ValidateConversationID("a/b"))
	assert.Error(t, ValidateConversationID(strings.Repeat("c", MaxConversationIDBytes+1)))
}

func TestClassifySize(t *testing.T) {
	assert.Equal(t, SizeSmall, ClassifySize(0))
	assert.Equal(t, SizeMedium, ClassifySize(100))
	assert.Equal(t, SizeLarge, ClassifySize(100000))
}
