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
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthSource reports live counters. Either function may be nil.
type HealthSource struct {
	InFlight func() int
	Datasets func() int
}

// HandleHealth returns a liveness handler.
func HandleHealth(src HealthSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if src.InFlight != nil {
			body["in_flight"] = src.InFlight()
		}
		if src.Datasets != nil {
			body["datasets"] = src.Datasets()
		}
		c.JSON(http.StatusOK, body)
	}
}
