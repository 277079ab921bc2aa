// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/tools"
)

// DatasetHandler serves dataset upload and listing.
type DatasetHandler struct {
	catalog   *tools.Catalog
	opts      extensions.ServiceOptions
	maxUpload int64
}

// NewDatasetHandler creates a DatasetHandler. maxUpload bounds the request
// body in bytes; zero means 64 MiB.
func NewDatasetHandler(catalog *tools.Catalog, opts extensions.ServiceOptions, maxUpload int64) *DatasetHandler {
	if maxUpload <= 0 {
		maxUpload = 64 << 20
	}
	return &DatasetHandler{catalog: catalog, opts: opts.Normalized(), maxUpload: maxUpload}
}

// HandleUpload loads a CSV or XLSX upload.
//
// # Description
//
// Expects multipart/form-data with a "file" part. Optional form fields:
// name (defaults to the file name), sheet, measure, dimensions (comma
// separated), total_column, total_marker. Uploading an existing name
// replaces that dataset. Returns 201 with the dataset.
func (h *DatasetHandler) HandleUpload(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:     "upload exceeds size limit",
				ErrorKind: datatypes.KindInvalidRequest,
			})
			return
		}
		abortWithError(c, invalid("multipart field \"file\" is required", err))
		return
	}
	format, ok := tools.FormatFromPath(fh.Filename)
	if !ok {
		abortWithError(c, invalid("only .csv and .xlsx files are supported", nil))
		return
	}

	spec := datatypes.DatasetSpec{
		Name:        strings.TrimSpace(c.PostForm("name")),
		Sheet:       c.PostForm("sheet"),
		Measure:     c.PostForm("measure"),
		Dimensions:  splitList(c.PostForm("dimensions")),
		TotalColumn: c.PostForm("total_column"),
		TotalMarker: c.PostForm("total_marker"),
	}
	if spec.Name == "" {
		spec.Name = tools.DatasetName(fh.Filename)
	}

	f, err := fh.Open()
	if err != nil {
		abortWithError(c, invalid("could not read upload", err))
		return
	}
	defer f.Close()

	ds, err := h.catalog.Load(ctx, spec, format, f)
	h.audit(ctx, middleware.UserID(c), spec.Name, fh.Size, err)
	if err != nil {
		logger.Warn("dataset upload failed", "dataset", spec.Name, "error", err.Error())
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ds)
}

// HandleList returns every loaded dataset.
func (h *DatasetHandler) HandleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"datasets": h.catalog.List()})
}

func (h *DatasetHandler) audit(ctx context.Context, userID, name string, size int64, err error) {
	outcome := extensions.OutcomeSuccess
	if err != nil {
		outcome = extensions.OutcomeFailure
	}
	if auditErr := h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    extensions.AuditDatasetUpload,
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       "upload",
		ResourceType: "dataset",
		ResourceID:   name,
		Outcome:      outcome,
		Metadata:     map[string]any{"bytes": size},
	}); auditErr != nil {
		logging.FromContext(ctx).Warn("audit log failed", "error", auditErr.Error())
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
