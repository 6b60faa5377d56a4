// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/apm-correlation/reporter"

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc/stats"
)

// statsHandlerImpl counts the bytes of all RPCs of a connection.
type statsHandlerImpl struct {
	// Total number of uncompressed bytes in/out
	numRPCBytesOut atomic.Int64
	numRPCBytesIn  atomic.Int64

	// Total number of on-the-wire (post-compression) bytes in/out
	numWireBytesOut atomic.Int64
	numWireBytesIn  atomic.Int64
}

// Make sure that the handler implements stats.Handler.
var _ stats.Handler = (*statsHandlerImpl)(nil)

func newStatsHandler() *statsHandlerImpl {
	return &statsHandlerImpl{}
}

// TagRPC implements the stats.Handler interface.
func (sh *statsHandlerImpl) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context {
	return ctx
}

// TagConn implements the stats.Handler interface.
func (sh *statsHandlerImpl) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	return ctx
}

// HandleConn implements the stats.Handler interface.
func (sh *statsHandlerImpl) HandleConn(context.Context, stats.ConnStats) {
}

// HandleRPC implements the stats.Handler interface.
func (sh *statsHandlerImpl) HandleRPC(_ context.Context, s stats.RPCStats) {
	switch s := s.(type) {
	case *stats.InPayload:
		// WireLength is the length of data on wire (compressed, signed, encrypted,
		// with gRPC framing).
		sh.numWireBytesIn.Add(int64(s.WireLength))
		// Length is the uncompressed payload data
		sh.numRPCBytesIn.Add(int64(s.Length))
	case *stats.OutPayload:
		sh.numWireBytesOut.Add(int64(s.WireLength))
		sh.numRPCBytesOut.Add(int64(s.Length))
	}
}

// Metrics holds the metric counters for the reporter package.
type Metrics struct {
	TransactionsExported    uint64
	TransactionsOverwritten uint64
	ExportErrors            uint64
	RPCBytesOutCount        int64
	RPCBytesInCount         int64
	WireBytesOutCount       int64
	WireBytesInCount        int64
}

// addRPCStats moves the byte counts of sh into m.
func (m *Metrics) addRPCStats(sh *statsHandlerImpl) {
	m.RPCBytesOutCount = sh.numRPCBytesOut.Swap(0)
	m.RPCBytesInCount = sh.numRPCBytesIn.Swap(0)
	m.WireBytesOutCount = sh.numWireBytesOut.Swap(0)
	m.WireBytesInCount = sh.numWireBytesIn.Swap(0)
}
