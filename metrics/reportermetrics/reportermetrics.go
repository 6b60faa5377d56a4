// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package reportermetrics implements the fetching and reporting of reporter specific metrics.
package reportermetrics // import "go.opentelemetry.io/apm-correlation/metrics/reportermetrics"

import (
	"context"
	"time"

	"go.opentelemetry.io/apm-correlation/metrics"
	"go.opentelemetry.io/apm-correlation/periodiccaller"
	"go.opentelemetry.io/apm-correlation/reporter"
)

// MetricsSource is the part of a reporter that exposes its counters.
type MetricsSource interface {
	GetMetrics() reporter.Metrics
}

// collect converts the reporter counters into a metric batch. Zero counters
// are left out.
func collect(m reporter.Metrics) []metrics.Metric {
	summary := metrics.Summary{}
	add := func(id metrics.MetricID, v int64) {
		if v != 0 {
			summary[id] = metrics.MetricValue(v)
		}
	}
	add(metrics.IDReporterTransactionsExported, int64(m.TransactionsExported))
	add(metrics.IDReporterTransactionsOverwritten, int64(m.TransactionsOverwritten))
	add(metrics.IDReporterExportErrors, int64(m.ExportErrors))
	add(metrics.IDReporterRPCBytesOut, m.RPCBytesOutCount)
	add(metrics.IDReporterRPCBytesIn, m.RPCBytesInCount)
	add(metrics.IDReporterWireBytesOut, m.WireBytesOutCount)
	add(metrics.IDReporterWireBytesIn, m.WireBytesInCount)
	return summary.Slice()
}

// report retrieves the reporter metrics and forwards these to the metrics package for processing.
func report(src MetricsSource) {
	if batch := collect(src.GetMetrics()); len(batch) > 0 {
		metrics.AddSlice(batch)
	}
}

// Start starts the reporter specific metric retrieval and reporting. The
// returned function stops it and publishes the remaining counts.
func Start(mainCtx context.Context, src MetricsSource, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(mainCtx)
	stopReporting := periodiccaller.Start(ctx, interval, func() {
		report(src)
	})

	return func() {
		cancel()
		stopReporting()
		report(src)
	}
}
