// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package apm // import "go.opentelemetry.io/apm-correlation/apm"

import (
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/apm-correlation/libpf"
)

// FlagSampled is the trace flag marking a sampled trace.
const FlagSampled uint64 = 1

// Span is a unit of work within a transaction. A Transaction embeds the Span
// that represents itself.
type Span struct {
	tracer *Tracer
	tx     *Transaction

	traceID  libpf.APMTraceID
	id       libpf.APMSpanID
	parentID libpf.APMSpanID
	sampled  bool
	name     string
	start    time.Time

	mu  sync.Mutex
	end time.Time

	allocBytes atomic.Int64
}

// TraceID returns the ID of the trace the span belongs to.
func (s *Span) TraceID() libpf.APMTraceID { return s.traceID }

// ID returns the span ID.
func (s *Span) ID() libpf.APMSpanID { return s.id }

// ParentID returns the ID of the parent span or the zero ID for a root.
func (s *Span) ParentID() libpf.APMSpanID { return s.parentID }

// Name returns the name given at start.
func (s *Span) Name() string { return s.name }

// Sampled reports whether the trace is sampled.
func (s *Span) Sampled() bool { return s.sampled }

// Flags returns the trace flags of the span.
func (s *Span) Flags() uint64 {
	if s.sampled {
		return FlagSampled
	}
	return 0
}

// Transaction returns the transaction the span belongs to. For a transaction
// it returns the transaction itself.
func (s *Span) Transaction() *Transaction { return s.tx }

// TransactionID returns the span ID of the owning transaction.
func (s *Span) TransactionID() libpf.APMTransactionID { return s.tx.id }

// IsTransaction reports whether s is the span of a transaction.
func (s *Span) IsTransaction() bool { return s == &s.tx.Span }

// Start returns the start time.
func (s *Span) Start() time.Time { return s.start }

// EndTime returns the end time or the zero time while the span is running.
func (s *Span) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Ended reports whether End was called.
func (s *Span) Ended() bool {
	return !s.EndTime().IsZero()
}

// Duration returns the span duration, or zero while it is running.
func (s *Span) Duration() time.Duration {
	end := s.EndTime()
	if end.IsZero() {
		return 0
	}
	return end.Sub(s.start)
}

// AddSampledAllocationBytes accounts sampled allocation bytes to the span.
func (s *Span) AddSampledAllocationBytes(n int64) {
	s.allocBytes.Add(n)
}

// SampledAllocationBytes returns the sampled allocation bytes accounted so far.
func (s *Span) SampledAllocationBytes() int64 {
	return s.allocBytes.Load()
}

// StartSpan starts a child span.
func (s *Span) StartSpan(name string) *Span {
	return &Span{
		tracer:   s.tracer,
		tx:       s.tx,
		traceID:  s.traceID,
		id:       newSpanID(),
		parentID: s.id,
		sampled:  s.sampled,
		name:     name,
		start:    s.tracer.now(),
	}
}

// Activate makes s the active span of task.
func (s *Span) Activate(task libpf.TaskID) {
	s.tracer.Activate(task, s)
}

// Deactivate removes s from the activation stack of task.
func (s *Span) Deactivate(task libpf.TaskID) {
	s.tracer.Deactivate(task, s)
}

// End ends the span now. Ending a span twice has no effect.
func (s *Span) End() {
	s.EndAt(s.tracer.now())
}

// EndAt ends the span at the given time.
func (s *Span) EndAt(end time.Time) {
	if !s.setEnd(end) {
		return
	}
	if s.IsTransaction() {
		s.tracer.transactionEnded(s.tx)
	}
}

func (s *Span) setEnd(end time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.end.IsZero() {
		return false
	}
	s.end = end
	return true
}
