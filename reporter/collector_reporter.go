// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/apm-correlation/reporter"

import (
	"context"

	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/pdata/ptrace"
)

// Assert that we implement the full Reporter interface.
var _ Reporter = (*CollectorReporter)(nil)

// CollectorReporter hands exported transactions to an in-process consumer,
// e.g. the next component of a collector pipeline.
type CollectorReporter struct {
	*baseReporter

	nextConsumer consumer.Traces
}

// NewCollector builds a new CollectorReporter. Without a next consumer the
// transactions are dropped on export.
func NewCollector(cfg *Config, nextConsumer consumer.Traces) (*CollectorReporter, error) {
	r := &CollectorReporter{nextConsumer: nextConsumer}
	base, err := newBaseReporter(cfg, r.consume)
	if err != nil {
		return nil, err
	}
	r.baseReporter = base
	return r, nil
}

func (r *CollectorReporter) consume(ctx context.Context, td ptrace.Traces) error {
	if r.nextConsumer == nil {
		return nil
	}
	return r.nextConsumer.ConsumeTraces(ctx, td)
}

// Start starts the periodic export.
func (r *CollectorReporter) Start(ctx context.Context) error {
	r.start(ctx)
	return nil
}
