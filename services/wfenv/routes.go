// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wfenv

import (
	"github.com/AleutianAI/wfenv/services/wfenv/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

// RegisterRoutes registers the wfenv routes on rg.
//
// Routes:
//
//	GET  /wfenv/health                       - Health check
//	GET  /wfenv/environments                 - List live environments
//	GET  /wfenv/environments/:id             - Snapshot of one environment
//	POST /wfenv/environments/:id/resume      - Run deferred registry work
//	GET  /wfenv/mappables                    - List mappable locations
//	GET  /wfenv/mappables/stream             - WebSocket feed of registry events
//	POST /wfenv/updates                      - Apply a dynamic update
//	POST /wfenv/snapshots                    - Persist all environments
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	w := rg.Group("/wfenv")
	{
		w.GET("/health", h.HandleHealth)

		w.GET("/environments", h.HandleListEnvironments)
		w.GET("/environments/:id", h.HandleGetEnvironment)
		w.POST("/environments/:id/resume", h.HandleResume)

		w.GET("/mappables", h.HandleListMappables)
		w.GET("/mappables/stream", h.HandleStreamMappables)

		w.POST("/updates", h.HandleUpdate)
		w.POST("/snapshots", h.HandlePersist)
	}
}

// NewRouter builds the service router: recovery, tracing, an optional rate
// limit on the API group, /metrics and the /v1 routes.
func NewRouter(h *Handlers, serviceName string, limiter *rate.Limiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1")
	v1.Use(RateLimit(limiter))
	RegisterRoutes(v1, h)
	return router
}
