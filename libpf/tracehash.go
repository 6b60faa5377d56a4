// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/apm-correlation/libpf"

import (
	"encoding"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// TraceHash is the 128-bit identifier the profiler assigns to a collapsed
// stack trace. Correlation messages refer to samples by this hash.
//
// hi holds the most significant 64 bits. The byte representation is big
// endian, matching what profilers put on the wire.
type TraceHash struct { //nolint:recvcheck
	hi uint64
	lo uint64
}

func NewTraceHash(hi, lo uint64) TraceHash {
	return TraceHash{hi: hi, lo: lo}
}

// TraceHashFromBytes parses the 16 byte wire form of a trace hash.
func TraceHashFromBytes(b []byte) (TraceHash, error) {
	if len(b) != 16 {
		return TraceHash{}, fmt.Errorf("invalid length for trace hash: %d", len(b))
	}
	return TraceHash{
		hi: binary.BigEndian.Uint64(b[0:8]),
		lo: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// TraceHashFromString parses the 32 character hex form, optionally prefixed
// with "0x".
func TraceHashFromString(s string) (TraceHash, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 32 {
		return TraceHash{}, fmt.Errorf("invalid length for trace hash '%s': %d", s, len(s))
	}
	hi, err := strconv.ParseUint(s[0:16], 16, 64)
	if err != nil {
		return TraceHash{}, err
	}
	lo, err := strconv.ParseUint(s[16:32], 16, 64)
	if err != nil {
		return TraceHash{}, err
	}
	return NewTraceHash(hi, lo), nil
}

func (h TraceHash) Hi() uint64 { return h.hi }

func (h TraceHash) Lo() uint64 { return h.lo }

func (h TraceHash) IsZero() bool {
	return h.hi == 0 && h.lo == 0
}

func (h TraceHash) Equal(other TraceHash) bool {
	return h == other
}

// PutBytes16 writes the wire form into b.
func (h TraceHash) PutBytes16(b *[16]byte) {
	binary.BigEndian.PutUint64(b[0:8], h.hi)
	binary.BigEndian.PutUint64(b[8:16], h.lo)
}

// Bytes returns the wire form.
func (h TraceHash) Bytes() []byte {
	var b [16]byte
	h.PutBytes16(&b)
	return b[:]
}

// Base64 returns the URL-safe unpadded base64 form used in exported payloads.
func (h TraceHash) Base64() string {
	return base64.RawURLEncoding.EncodeToString(h.Bytes())
}

// StringNoQuotes returns the zero-padded 32 character hex form.
func (h TraceHash) StringNoQuotes() string {
	return fmt.Sprintf("%016x%016x", h.hi, h.lo)
}

func (h TraceHash) String() string {
	return h.StringNoQuotes()
}

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used for LRU caching.
func (h TraceHash) Hash32() uint32 {
	return uint32(h.lo)
}

func (h TraceHash) MarshalText() ([]byte, error) {
	return []byte(h.StringNoQuotes()), nil
}

func (h *TraceHash) UnmarshalText(text []byte) error {
	parsed, err := TraceHashFromString(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Compile-time interface checks
var _ encoding.TextUnmarshaler = (*TraceHash)(nil)
var _ encoding.TextMarshaler = (*TraceHash)(nil)
