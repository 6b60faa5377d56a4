// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics contains the code for collecting and reporting the internal
metrics of the correlation subsystem.

Metric IDs are defined in metrics.json and turned into constants in ids.go by
genids. Components aggregate their counters locally and hand them to Add or
AddSlice; values are batched per second and forwarded to OTel instruments
created from the definitions.

	metrics
	├── agentmetrics/   // host process goroutines, heap and rusage
	├── genids/         // ids.go generator
	├── reportermetrics/// reporter queue and export counters
	├── metrics.go      // Add() and AddSlice()
	├── metrics.json    // metric definitions, append only
	└── types.go        // Metric, MetricID, MetricValue
*/
package metrics // import "go.opentelemetry.io/apm-correlation/metrics"
