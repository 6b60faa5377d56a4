// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package correlation // import "go.opentelemetry.io/apm-correlation/correlation"

import (
	"sync/atomic"

	"go.opentelemetry.io/apm-correlation/metrics"
)

// counter is a cumulative event count that is published to the metrics
// package as deltas. Only the publishing goroutine touches published.
type counter struct {
	atomic.Uint64
	id        metrics.MetricID
	published uint64
}

func newCounter(id metrics.MetricID) *counter {
	return &counter{id: id}
}

// appendDelta appends the increase since the last call, if any.
func (c *counter) appendDelta(out []metrics.Metric) []metrics.Metric {
	cur := c.Load()
	delta := cur - c.published
	if delta == 0 {
		return out
	}
	c.published = cur
	return append(out, metrics.Metric{ID: c.id, Value: metrics.MetricValue(delta)})
}
