// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/middleware"
)

// ServiceName names the server in traces.
const ServiceName = "queryd"

// Handlers bundles the route targets.
type Handlers struct {
	Query     *handlers.QueryHandler
	Datasets  *handlers.DatasetHandler
	Approvals *handlers.ApprovalHandler
	Health    handlers.HealthSource

	// Metrics serves /metrics when true.
	Metrics bool
}

// SetupRoutes registers middleware and routes on router.
//
// # Description
//
// Every request gets a request-scoped logger and a server span. /health
// and /metrics are unauthenticated; everything under /v1 passes through
// the AuthProvider of opts.
//
// # Inputs
//
//   - router: Engine to configure.
//   - h: Handlers. Query, Datasets, and Approvals must be non-nil.
//   - opts: Extension options; nil providers are replaced with no-ops.
//   - logger: Base logger for request scopes.
func SetupRoutes(router *gin.Engine, h Handlers, opts extensions.ServiceOptions, logger *slog.Logger) {
	opts = opts.Normalized()

	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(middleware.RequestContext(logger))

	router.GET("/health", handlers.HandleHealth(h.Health))
	if h.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		v1.POST("/datasets", h.Datasets.HandleUpload)
		v1.GET("/datasets", h.Datasets.HandleList)

		conv := v1.Group("/conversations/:conversationId")
		{
			conv.POST("/query", h.Query.HandleQuery)
			conv.GET("/history", h.Query.HandleHistory)
			conv.GET("/ws", h.Query.HandleWebSocket)
			conv.POST("/approvals/:approvalId", h.Approvals.HandleResolve)
		}
	}
}
