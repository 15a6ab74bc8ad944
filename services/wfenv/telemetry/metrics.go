// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments recorded by the environment host.
type Metrics struct {
	// UpdatesTotal counts host-wide dynamic updates by status.
	UpdatesTotal metric.Int64Counter

	// UpdateDuration records how long a host-wide update took.
	UpdateDuration metric.Float64Histogram

	// EnvironmentsActive tracks live environments.
	EnvironmentsActive metric.Int64UpDownCounter

	// PersistDuration records snapshot persistence time.
	PersistDuration metric.Float64Histogram

	// ErrorsTotal counts errors by operation.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.UpdatesTotal, err = meter.Int64Counter(
		"wfenv_host_updates_total",
		metric.WithDescription("Host-wide dynamic updates"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create host_updates_total: %w", err)
	}

	m.UpdateDuration, err = meter.Float64Histogram(
		"wfenv_host_update_duration_seconds",
		metric.WithDescription("Host-wide dynamic update duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create host_update_duration: %w", err)
	}

	m.EnvironmentsActive, err = meter.Int64UpDownCounter(
		"wfenv_environments_active",
		metric.WithDescription("Live environments owned by the host"),
		metric.WithUnit("{environment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create environments_active: %w", err)
	}

	m.PersistDuration, err = meter.Float64Histogram(
		"wfenv_persist_duration_seconds",
		metric.WithDescription("Snapshot persistence duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create persist_duration: %w", err)
	}

	m.ErrorsTotal, err = meter.Int64Counter(
		"wfenv_errors_total",
		metric.WithDescription("Errors by operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// DefaultMetrics creates Metrics on the global meter provider.
func DefaultMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter("wfenv"))
}

// RecordUpdate records one host-wide update.
func (m *Metrics) RecordUpdate(ctx context.Context, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.UpdatesTotal.Add(ctx, 1, attrs)
	m.UpdateDuration.Record(ctx, seconds, attrs)
}

// EnvironmentDelta adjusts the active environment count.
func (m *Metrics) EnvironmentDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.EnvironmentsActive.Add(ctx, delta)
}

// RecordPersist records one persistence pass.
func (m *Metrics) RecordPersist(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.PersistDuration.Record(ctx, seconds)
}

// RecordError counts one error for operation.
func (m *Metrics) RecordError(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
