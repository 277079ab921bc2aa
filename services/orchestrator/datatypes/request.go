// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianQuery/pkg/validation"
)

const (
	// MaxQueryBytes bounds the size of a single query.
	MaxQueryBytes = 4 * 1024

	// MaxConversationIDBytes bounds conversation identifiers.
	MaxConversationIDBytes = 128
)

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return validation.ValidateIdentifier(fl.Field().String()) == nil
	})
}

// QueryRequest is the body of POST /v1/conversations/:conversationId/query
// and of inbound WebSocket frames.
//
// # Description
//
// ConversationID is taken from the URL path and copied in by the handler
// before validation.
//
// # Validation
//
//   - ConversationID: required, identifier characters only, at most 128 bytes
//   - Query: required, at most 4KB
//   - DatasetID: optional, identifier characters only
type QueryRequest struct {
	ConversationID string `json:"-" validate:"required,max=128,ident"`
	Query          string `json:"query" validate:"required,max=4096"`
	DatasetID      string `json:"dataset_id,omitempty" validate:"omitempty,max=128,ident"`
	Stream         bool   `json:"stream,omitempty"`
}

// Validate validates the request fields.
func (r *QueryRequest) Validate() error {
	return requestValidate.Struct(r)
}

// ValidateConversationID checks a conversation id taken from a URL path.
func ValidateConversationID(id string) error {
	return requestValidate.Var(id, "required,max=128,ident")
}

// ApprovalRequest is the body of the approval confirmation endpoint.
type ApprovalRequest struct {
	Approve *bool `json:"approve" validate:"required"`
}

// Validate validates the request fields.
func (r *ApprovalRequest) Validate() error {
	return requestValidate.Struct(r)
}

// DatasetSpec describes a dataset to load, from configuration or an upload.
type DatasetSpec struct {
	Name        string   `json:"name" yaml:"name" validate:"required,max=64,ident"`
	Path        string   `json:"path,omitempty" yaml:"path"`
	Sheet       string   `json:"sheet,omitempty" yaml:"sheet"`
	Measure     string   `json:"measure,omitempty" yaml:"measure"`
	Dimensions  []string `json:"dimensions,omitempty" yaml:"dimensions"`
	TotalColumn string   `json:"total_column,omitempty" yaml:"total_column"`
	TotalMarker string   `json:"total_marker,omitempty" yaml:"total_marker"`
}

// Validate validates the spec fields.
func (d *DatasetSpec) Validate() error {
	return requestValidate.Struct(d)
}

// HistoryResponse is returned by the history endpoint.
type HistoryResponse struct {
	ConversationID ConversationID `json:"conversation_id"`
	Messages       []Message      `json:"messages"`
}

// QueryResponse is the non-streaming aggregate of a query's events.
type QueryResponse struct {
	ConversationID ConversationID `json:"conversation_id"`
	RequestID      string         `json:"request_id"`
	Path           Path           `json:"path"`
	Digest         string         `json:"digest"`
	Answer         string         `json:"answer,omitempty"`
	Payload        *Payload       `json:"payload,omitempty"`
	Approval       *Approval      `json:"approval,omitempty"`
	Stats          []ColumnStats  `json:"stats,omitempty"`
}
