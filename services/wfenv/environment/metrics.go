// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package environment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wfenv_environment_updates_total",
		Help: "Dynamic updates applied to environments by status",
	}, []string{"status"})

	disposalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wfenv_environment_disposals_total",
		Help: "Environments disposed",
	})

	handleFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wfenv_handle_failures_total",
		Help: "Handle lifecycle hook failures by hook",
	}, []string{"hook"})

	collapsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wfenv_environment_collapses_total",
		Help: "Temporary resolution placeholders collapsed",
	})
)
