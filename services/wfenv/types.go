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
	"github.com/AleutianAI/wfenv/services/wfenv/instance"
	"github.com/AleutianAI/wfenv/services/wfenv/mappable"
)

// ServiceVersion is the wfenv API version.
const ServiceVersion = "0.1.0"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`
}

// HealthResponse is returned by GET /v1/wfenv/health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Environments int    `json:"environments"`
	Mappables    int    `json:"mappables"`
}

// ListEnvironmentsResponse is returned by GET /v1/wfenv/environments.
type ListEnvironmentsResponse struct {
	Environments []instance.Summary `json:"environments"`
	Count        int                `json:"count"`
}

// ListMappablesResponse is returned by GET /v1/wfenv/mappables.
type ListMappablesResponse struct {
	Mappables []mappable.Entry `json:"mappables"`
	Count     int              `json:"count"`
}

// UpdateResponse is returned by POST /v1/wfenv/updates.
type UpdateResponse struct {
	ActivityID string   `json:"activity_id"`
	Updated    []string `json:"updated"`
	Pending    []string `json:"pending"`
	Resumed    bool     `json:"resumed"`
}

// PersistResponse is returned by POST /v1/wfenv/snapshots.
type PersistResponse struct {
	Persisted int `json:"persisted"`
}
