// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/apm-correlation/reporter"

import (
	"context"
	"errors"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"go.opentelemetry.io/apm-correlation/apm"
)

// exportFunc sends a batch of spans to the backend.
type exportFunc func(context.Context, ptrace.Traces) error

// baseReporter encapsulates shared behavior between all the available reporters.
type baseReporter struct {
	cfg *Config

	// runLoop handles the run loop
	runLoop *runLoop

	// transactions holds ended transactions until the next export.
	transactions *FifoRingBuffer[*apm.Transaction]

	export exportFunc

	exported     atomic.Uint64
	exportErrors atomic.Uint64
}

func newBaseReporter(cfg *Config, export exportFunc) (*baseReporter, error) {
	if cfg.ReportInterval <= 0 {
		return nil, errors.New("report interval must be positive")
	}
	transactions, err := NewFifoRingBuffer[*apm.Transaction](cfg.QueueSize, "transactions")
	if err != nil {
		return nil, err
	}
	return &baseReporter{
		cfg:          cfg,
		runLoop:      newRunLoop(),
		transactions: transactions,
		export:       export,
	}, nil
}

// ReportTransaction enqueues an ended transaction for the next export.
func (b *baseReporter) ReportTransaction(tx *apm.Transaction) {
	b.transactions.Append(tx)
}

func (b *baseReporter) start(ctx context.Context) {
	b.runLoop.Start(ctx, b.cfg.ReportInterval, 0.2, b.reportTraces)
}

// Stop ends the run loop and exports what is still queued.
func (b *baseReporter) Stop() {
	b.runLoop.Stop()

	ctx := context.Background()
	if b.cfg.GRPCOperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.GRPCOperationTimeout)
		defer cancel()
	}
	b.reportTraces(ctx)
}

// reportTraces exports all queued transactions. Failed batches are dropped.
func (b *baseReporter) reportTraces(ctx context.Context) {
	txs := b.transactions.ReadAll()
	if len(txs) == 0 {
		return
	}
	td := buildTraces(b.cfg, txs)
	if err := b.export(ctx, td); err != nil {
		b.exportErrors.Add(1)
		log.Errorf("Request failed: %v", err)
		return
	}
	b.exported.Add(uint64(len(txs)))
	log.Debugf("Exported %d transactions", len(txs))
}

// GetMetrics returns the counters accumulated since the previous call.
func (b *baseReporter) GetMetrics() Metrics {
	return Metrics{
		TransactionsExported:    b.exported.Swap(0),
		TransactionsOverwritten: uint64(b.transactions.OverwriteCount()),
		ExportErrors:            b.exportErrors.Swap(0),
	}
}
