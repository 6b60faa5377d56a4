// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package apm // import "go.opentelemetry.io/apm-correlation/apm"

import (
	"sync"
	"time"

	"go.opentelemetry.io/apm-correlation/libpf"
)

// ProfilerSample is a stack trace of the external profiler that was captured
// Count times while the transaction was active.
type ProfilerSample struct {
	StackTraceID libpf.TraceHash
	Count        uint16
}

// Transaction is the top-level unit of observed work.
type Transaction struct {
	Span

	txType string

	samplesMu sync.Mutex
	samples   []ProfilerSample
	sealed    bool
}

// Type returns the transaction type, for example "request".
func (tx *Transaction) Type() string { return tx.txType }

// AddProfilerSamples appends count samples of the stack trace id. It reports
// false and records nothing once the transaction is sealed for reporting.
func (tx *Transaction) AddProfilerSamples(id libpf.TraceHash, count uint16) bool {
	tx.samplesMu.Lock()
	defer tx.samplesMu.Unlock()
	if tx.sealed {
		return false
	}
	tx.samples = append(tx.samples, ProfilerSample{StackTraceID: id, Count: count})
	return true
}

// Seal freezes the profiler samples. It is called right before the
// transaction is handed to a reporter.
func (tx *Transaction) Seal() {
	tx.samplesMu.Lock()
	tx.sealed = true
	tx.samplesMu.Unlock()
}

// Sealed reports whether Seal was called.
func (tx *Transaction) Sealed() bool {
	tx.samplesMu.Lock()
	defer tx.samplesMu.Unlock()
	return tx.sealed
}

// ProfilerSampleEntries returns a copy of the attributed samples in arrival
// order.
func (tx *Transaction) ProfilerSampleEntries() []ProfilerSample {
	tx.samplesMu.Lock()
	defer tx.samplesMu.Unlock()
	if len(tx.samples) == 0 {
		return nil
	}
	out := make([]ProfilerSample, len(tx.samples))
	copy(out, tx.samples)
	return out
}

// ProfilerSamples returns the attributed stack trace ids with every id
// repeated by its count.
func (tx *Transaction) ProfilerSamples() []libpf.TraceHash {
	tx.samplesMu.Lock()
	defer tx.samplesMu.Unlock()
	var out []libpf.TraceHash
	for _, s := range tx.samples {
		for range s.Count {
			out = append(out, s.StackTraceID)
		}
	}
	return out
}

// TimeSinceEnded returns how long ago the transaction ended relative to now.
// It returns zero for a running transaction.
func (tx *Transaction) TimeSinceEnded(now time.Time) time.Duration {
	end := tx.EndTime()
	if end.IsZero() {
		return 0
	}
	return now.Sub(end)
}
