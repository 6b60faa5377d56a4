// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/apm-correlation/libpf"

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// APMSpanID is the 64-bit identifier of an APM span. Transactions are spans
// too, so the same type identifies transactions.
type APMSpanID [8]byte

// APMTraceID is the 128-bit identifier of an APM trace.
type APMTraceID [16]byte

// APMTransactionID is the span ID of the transaction a span belongs to.
type APMTransactionID = APMSpanID

var (
	InvalidAPMSpanID  = APMSpanID{}
	InvalidAPMTraceID = APMTraceID{}
)

// APMSpanIDFromBytes decodes a span ID from exactly 8 bytes.
func APMSpanIDFromBytes(b []byte) (APMSpanID, error) {
	var id APMSpanID
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid length for span ID: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// APMSpanIDFromString decodes a span ID from its 16 character hex form.
func APMSpanIDFromString(s string) (APMSpanID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return APMSpanID{}, fmt.Errorf("invalid span ID %q: %w", s, err)
	}
	return APMSpanIDFromBytes(b)
}

// IsZero reports whether the ID is unset.
func (id APMSpanID) IsZero() bool {
	return id == InvalidAPMSpanID
}

func (id APMSpanID) String() string {
	return hex.EncodeToString(id[:])
}

// Hash32 returns a 32 bit hash of the ID for use as LRU key hash.
func (id APMSpanID) Hash32() uint32 {
	return uint32(xxh3.Hash(id[:]))
}

// APMTraceIDFromBytes decodes a trace ID from exactly 16 bytes.
func APMTraceIDFromBytes(b []byte) (APMTraceID, error) {
	var id APMTraceID
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid length for trace ID: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// APMTraceIDFromString decodes a trace ID from its 32 character hex form.
func APMTraceIDFromString(s string) (APMTraceID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return APMTraceID{}, fmt.Errorf("invalid trace ID %q: %w", s, err)
	}
	return APMTraceIDFromBytes(b)
}

// IsZero reports whether the ID is unset.
func (id APMTraceID) IsZero() bool {
	return id == InvalidAPMTraceID
}

func (id APMTraceID) String() string {
	return hex.EncodeToString(id[:])
}
