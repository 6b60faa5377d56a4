// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// nopanicslicereader reads little endian values from a slice at a given
// offset. Zeroes are returned on out of bounds access instead of panic, which
// suits decoding memory images and datagrams written by another process.
package nopanicslicereader // import "go.opentelemetry.io/apm-correlation/nopanicslicereader"

import (
	"encoding/binary"
)

// Uint16 reads one 16-bit unsigned integer from given byte slice offset
func Uint16(b []byte, offs uint) uint16 {
	if offs+2 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint16(b[offs:])
}

// Uint64 reads one 64-bit unsigned integer from given byte slice offset
func Uint64(b []byte, offs uint) uint64 {
	if offs+8 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint64(b[offs:])
}

// Bytes returns n bytes starting at offs, or nil if they are out of bounds.
func Bytes(b []byte, offs, n uint) []byte {
	if offs+n > uint(len(b)) || offs+n < offs {
		return nil
	}
	return b[offs : offs+n]
}
