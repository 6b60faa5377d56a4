// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/apm-correlation/reporter"

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding/gzip"
)

// Assert that we implement the full Reporter interface.
var _ Reporter = (*OTLPReporter)(nil)

const (
	defaultGRPCOperationTimeout   = 5 * time.Second
	defaultGRPCStartupBackoffTime = time.Second
	defaultGRPCConnectionTimeout  = 3 * time.Second
)

// OTLPReporter exports transactions as OTLP traces over gRPC.
type OTLPReporter struct {
	*baseReporter

	// rpcStats stores gRPC related statistics.
	rpcStats *statsHandlerImpl

	conn   *grpc.ClientConn
	client ptraceotlp.GRPCClient
}

// NewOTLP returns a reporter for cfg.CollAgentAddr. Zero timeouts are
// replaced by defaults.
func NewOTLP(cfg *Config) (*OTLPReporter, error) {
	if cfg.CollAgentAddr == "" {
		return nil, errors.New("missing collection agent address")
	}
	if cfg.GRPCOperationTimeout <= 0 {
		cfg.GRPCOperationTimeout = defaultGRPCOperationTimeout
	}
	if cfg.GRPCStartupBackoffTime <= 0 {
		cfg.GRPCStartupBackoffTime = defaultGRPCStartupBackoffTime
	}
	if cfg.GRPCConnectionTimeout <= 0 {
		cfg.GRPCConnectionTimeout = defaultGRPCConnectionTimeout
	}

	r := &OTLPReporter{rpcStats: newStatsHandler()}
	base, err := newBaseReporter(cfg, r.exportTraces)
	if err != nil {
		return nil, err
	}
	r.baseReporter = base
	return r, nil
}

// Start connects to the collection agent and starts the periodic export.
// It fails if no connection could be established within MaxGRPCRetries
// attempts.
func (r *OTLPReporter) Start(ctx context.Context) error {
	conn, err := waitGrpcEndpoint(ctx, r.cfg, r.rpcStats)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", r.cfg.CollAgentAddr, err)
	}
	r.conn = conn
	r.client = ptraceotlp.NewGRPCClient(conn)
	r.start(ctx)
	return nil
}

// Stop exports what is queued and closes the connection.
func (r *OTLPReporter) Stop() {
	if r.conn == nil {
		return
	}
	r.baseReporter.Stop()
	if err := r.conn.Close(); err != nil {
		log.Warnf("Failed to close gRPC connection: %v", err)
	}
}

func (r *OTLPReporter) exportTraces(ctx context.Context, td ptrace.Traces) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.GRPCOperationTimeout)
	defer cancel()

	resp, err := r.client.Export(ctx, ptraceotlp.NewExportRequestFromTraces(td),
		grpc.UseCompressor(gzip.Name))
	if err != nil {
		return err
	}
	if ps := resp.PartialSuccess(); ps.RejectedSpans() > 0 {
		log.Warnf("Collection agent rejected %d spans: %s",
			ps.RejectedSpans(), ps.ErrorMessage())
	}
	return nil
}

// GetMetrics returns the counters accumulated since the previous call,
// including the gRPC byte counts.
func (r *OTLPReporter) GetMetrics() Metrics {
	m := r.baseReporter.GetMetrics()
	m.addRPCStats(r.rpcStats)
	return m
}
