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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/wfenv/services/wfenv/config"
	"github.com/AleutianAI/wfenv/services/wfenv/environment"
	"github.com/AleutianAI/wfenv/services/wfenv/instance"
	"github.com/AleutianAI/wfenv/services/wfenv/mappable"
	"github.com/AleutianAI/wfenv/services/wfenv/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	streamBuffer = 64
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handlers contains the HTTP handlers for the wfenv API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers over svc.
func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger.With(slog.String("component", "wfenv_handlers"))}
}

// HandleHealth handles GET /v1/wfenv/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	host := h.svc.Host()
	c.JSON(http.StatusOK, HealthResponse{
		Status:       "healthy",
		Version:      ServiceVersion,
		Environments: host.Len(),
		Mappables:    host.Registry().Len(),
	})
}

// HandleListEnvironments handles GET /v1/wfenv/environments.
func (h *Handlers) HandleListEnvironments(c *gin.Context) {
	summaries := h.svc.Host().Summaries()
	c.JSON(http.StatusOK, ListEnvironmentsResponse{Environments: summaries, Count: len(summaries)})
}

// HandleGetEnvironment handles GET /v1/wfenv/environments/:id.
//
// Description:
//
//	Returns the snapshot of one live environment: its slot values, handle
//	kinds and lifecycle state.
//
// Outputs:
//
//	200 - environment.Snapshot.
//	400 - The id is not a UUID.
//	404 - No live environment has the id.
func (h *Handlers) HandleGetEnvironment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "environment id must be a UUID", Code: "INVALID_ID"})
		return
	}
	snap, err := h.svc.Host().Snapshot(id)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
			return
		}
		h.internalError(c, "snapshot failed", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleListMappables handles GET /v1/wfenv/mappables.
//
// The optional definition query parameter restricts the list to one
// activity definition.
func (h *Handlers) HandleListMappables(c *gin.Context) {
	registry := h.svc.Host().Registry()
	var entries []mappable.Entry
	if def := c.Query("definition"); def != "" {
		entries = registry.ListByDefinition(def)
	} else {
		entries = registry.List()
	}
	if entries == nil {
		entries = []mappable.Entry{}
	}
	c.JSON(http.StatusOK, ListMappablesResponse{Mappables: entries, Count: len(entries)})
}

// HandleStreamMappables handles GET /v1/wfenv/mappables/stream.
//
// Description:
//
//	Upgrades to a WebSocket and writes one JSON mappable.Event per
//	registration change until the client disconnects. Events are dropped,
//	not queued without bound, when the client falls behind.
func (h *Handlers) HandleStreamMappables(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := telemetry.LoggerWithTrace(c.Request.Context(), h.logger).With(slog.String("request_id", requestID))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	events, cancel := h.svc.Host().Registry().Subscribe(streamBuffer)
	defer cancel()

	// The read loop only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	logger.Debug("mappable stream opened")
	for {
		select {
		case <-closed:
			logger.Debug("mappable stream closed by client")
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Warn("mappable stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// HandleUpdate handles POST /v1/wfenv/updates.
//
// Description:
//
//	Applies a dynamic update to every environment running the activity
//	named by the body. The map is derived by name when omitted.
//
// Outputs:
//
//	200 - UpdateResponse.
//	400 - Malformed document or map.
//	404 - No running environment uses the activity.
//	409 - An environment rejected the update. Nothing was changed.
func (h *Handlers) HandleUpdate(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	ctx := c.Request.Context()
	logger := telemetry.LoggerWithTrace(ctx, h.logger).With(slog.String("request_id", requestID))

	var doc config.UpdateDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	result, err := h.svc.Update(ctx, &doc)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		case errors.Is(err, ErrUnknownActivity), errors.Is(err, instance.ErrNoMatchingEnvironments):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_ACTIVITY"})
		case errors.Is(err, environment.ErrUpdateRejected):
			logger.Info("update rejected", slog.String("activity_id", doc.Activity.ID), slog.String("error", err.Error()))
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "UPDATE_REJECTED"})
		default:
			h.internalError(c, "update failed", err)
		}
		return
	}

	c.JSON(http.StatusOK, UpdateResponse{
		ActivityID: doc.Activity.ID,
		Updated:    idStrings(result.Updated),
		Pending:    idStrings(result.Pending),
		Resumed:    doc.Resume,
	})
}

// HandleResume handles POST /v1/wfenv/environments/:id/resume.
func (h *Handlers) HandleResume(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "environment id must be a UUID", Code: "INVALID_ID"})
		return
	}
	if err := h.svc.Host().Resume(id); err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
			return
		}
		h.internalError(c, "resume failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandlePersist handles POST /v1/wfenv/snapshots.
func (h *Handlers) HandlePersist(c *gin.Context) {
	n, err := h.svc.Persist(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrNoStore) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "NO_STORE"})
			return
		}
		h.internalError(c, "persist failed", err)
		return
	}
	c.JSON(http.StatusOK, PersistResponse{Persisted: n})
}

func (h *Handlers) internalError(c *gin.Context, msg string, err error) {
	requestID := getOrCreateRequestID(c)
	telemetry.LoggerWithTrace(c.Request.Context(), h.logger).Error(msg,
		slog.String("request_id", requestID),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: msg, Code: "INTERNAL_ERROR"})
}

// RateLimit rejects mutating requests beyond limiter's rate with 429. Reads
// are never limited.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded", Code: "RATE_LIMITED"})
			return
		}
		c.Next()
	}
}

// getOrCreateRequestID gets the request ID from header or creates a new one.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
