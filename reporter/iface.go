// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/apm-correlation/reporter"

import (
	"context"

	"go.opentelemetry.io/apm-correlation/apm"
)

// Reporter is the top-level interface implemented by a full reporter.
type Reporter interface {
	// ReportTransaction enqueues an ended transaction for export. It must
	// not block on the network.
	apm.Reporter

	// Start starts the reporter in the background.
	//
	// If the reporter needs to perform a long-running starting operation then it
	// is recommended that Start() returns quickly and the long-running operation
	// is performed in the background.
	Start(context.Context) error

	// Stop exports what is still queued and shuts the reporter down.
	Stop()

	// GetMetrics returns the reporter counters accumulated since the
	// previous call.
	GetMetrics() Metrics
}
