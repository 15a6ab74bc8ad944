// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for wfenv.
//
// OTel is used directly. Backends are chosen by exporter configuration:
//
//   - traces: "otlp" (gRPC), "stdout" or "none"
//   - metrics: "prometheus" (served at /metrics), "stdout" or "none"
//
// The promauto counters registered by the environment and mappable packages
// share the default Prometheus registry with the OTel exporter, so a single
// /metrics endpoint serves both.
//
// # Environment Variables
//
//   - WFENV_ENV: deployment environment (default: development)
//   - OTEL_TRACES_EXPORTER: trace exporter (default: none)
//   - OTEL_METRICS_EXPORTER: metric exporter (default: prometheus)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//
// # Thread Safety
//
// Init must be called once at startup. Everything else is safe for
// concurrent use.
package telemetry
