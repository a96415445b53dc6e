// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registry = prometheus.NewRegistry()

// Registry returns the service's metrics registry.
func Registry() *prometheus.Registry { return registry }

var (
	// ReportsProcessed counts decoded printer reports by serial.
	ReportsProcessed = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "filatrack",
		Name:      "reports_processed_total",
		Help:      "Printer reports folded into state.",
	}, []string{"printer"})

	// ReportsRejected counts reports dropped before processing.
	ReportsRejected = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "filatrack",
		Name:      "reports_rejected_total",
		Help:      "Printer reports dropped as undecodable or failed.",
	}, []string{"printer", "reason"})

	// StateStores counts printer state snapshot attempts by outcome.
	StateStores = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "filatrack",
		Name:      "state_stores_total",
		Help:      "Printer state snapshot writes.",
	}, []string{"printer", "result"})

	// ConsumeEvents counts filament usage entries attributed to trays.
	ConsumeEvents = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "filatrack",
		Name:      "consume_events_total",
		Help:      "Filament usage entries consumed from print jobs.",
	}, []string{"printer"})

	// Reconnects counts transport reconnections.
	Reconnects = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "filatrack",
		Name:      "reconnects_total",
		Help:      "Printer transport reconnections.",
	}, []string{"printer"})

	// Connected reports the current transport connectivity per printer.
	Connected = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "filatrack",
		Name:      "connected",
		Help:      "Whether the printer transport is connected.",
	}, []string{"printer"})

	// AnalysisJobs counts print job usage analyses by outcome.
	AnalysisJobs = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "filatrack",
		Name:      "analysis_jobs_total",
		Help:      "Print job usage analyses.",
	}, []string{"printer", "result"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
