// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/apm-correlation/reporter"

import (
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	"go.opentelemetry.io/apm-correlation/apm"
)

// Span attributes set on exported transactions.
const (
	AttrTransactionType        = "transaction.type"
	AttrTransactionSampled     = "transaction.sampled"
	AttrProfilerStackTraceIDs  = "profiler.stack_trace_ids"
	AttrSampledAllocationBytes = "profiler.allocation.sampled_bytes"
)

// buildTraces converts ended transactions into a single resource worth of
// spans.
func buildTraces(cfg *Config, txs []*apm.Transaction) ptrace.Traces {
	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()
	setResource(cfg, rs.Resource())

	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName(cfg.Name)
	ss.Scope().SetVersion(cfg.Version)

	spans := ss.Spans()
	spans.EnsureCapacity(len(txs))
	for _, tx := range txs {
		putTransaction(tx, spans.AppendEmpty())
	}
	return td
}

func setResource(cfg *Config, res pcommon.Resource) {
	attrs := res.Attributes()
	attrs.PutStr(string(semconv.ServiceNameKey), cfg.ServiceName)
	if cfg.Version != "" {
		attrs.PutStr(string(semconv.TelemetryDistroVersionKey), cfg.Version)
	}
	if cfg.HostName != "" {
		attrs.PutStr(string(semconv.HostNameKey), cfg.HostName)
	}
}

func putTransaction(tx *apm.Transaction, span ptrace.Span) {
	span.SetTraceID(pcommon.TraceID(tx.TraceID()))
	span.SetSpanID(pcommon.SpanID(tx.ID()))
	if parent := tx.ParentID(); !parent.IsZero() {
		span.SetParentSpanID(pcommon.SpanID(parent))
	}
	span.SetName(tx.Name())
	span.SetKind(ptrace.SpanKindServer)
	span.SetStartTimestamp(pcommon.NewTimestampFromTime(tx.Start()))
	span.SetEndTimestamp(pcommon.NewTimestampFromTime(tx.EndTime()))

	attrs := span.Attributes()
	attrs.PutStr(AttrTransactionType, tx.Type())
	attrs.PutBool(AttrTransactionSampled, tx.Sampled())
	if n := tx.SampledAllocationBytes(); n > 0 {
		attrs.PutInt(AttrSampledAllocationBytes, n)
	}

	// One entry per sample, so that consumers can weigh stack traces by
	// repetition.
	samples := tx.ProfilerSamples()
	if len(samples) == 0 {
		return
	}
	ids := attrs.PutEmptySlice(AttrProfilerStackTraceIDs)
	ids.EnsureCapacity(len(samples))
	for _, id := range samples {
		ids.AppendEmpty().SetStr(id.Base64())
	}
}
