// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to the memory space of another process. The
// io.ReaderAt and io.WriterAt interfaces are used for the basic access, and
// convenience functions read the little endian words of the correlation
// storage layouts.
package remotememory // import "go.opentelemetry.io/apm-correlation/remotememory"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/apm-correlation/libpf"
)

// Accessor reads and writes memory at absolute addresses.
type Accessor interface {
	io.ReaderAt
	io.WriterAt
}

// RemoteMemory implements a set of convenience functions to access the remote memory
type RemoteMemory struct {
	Accessor
}

// Valid determines if this RemoteMemory instance contains a valid reference to target process
func (rm RemoteMemory) Valid() bool {
	return rm.Accessor != nil
}

// Read fills slice p[] with data from remote memory at address addr
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	_, err := rm.ReadAt(p, int64(addr))
	return err
}

// Write copies p to remote memory at address addr.
func (rm RemoteMemory) Write(addr libpf.Address, p []byte) error {
	_, err := rm.WriteAt(p, int64(addr))
	return err
}

// Uint64 reads a 64-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint64(addr libpf.Address) uint64 {
	v, err := rm.Uint64Checked(addr)
	if err != nil {
		return 0
	}
	return v
}

// Uint64Checked reads a 64-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint64Checked(addr libpf.Address) (uint64, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// PutUint64 writes a 64-bit unsigned integer to remote memory.
func (rm RemoteMemory) PutUint64(addr libpf.Address, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return rm.Write(addr, buf[:])
}

// LengthPrefixed reads a u64 length followed by that many bytes. It returns
// the bytes and the address following them.
func (rm RemoteMemory) LengthPrefixed(addr libpf.Address, maxLen int) ([]byte, libpf.Address, error) {
	length, err := rm.Uint64Checked(addr)
	if err != nil {
		return nil, 0, err
	}
	addr += 8
	if length > uint64(maxLen) {
		return nil, 0, fmt.Errorf("length %d at 0x%x exceeds maximum of %d", length, addr-8, maxLen)
	}
	if length == 0 {
		return nil, addr, nil
	}
	buf := make([]byte, length)
	if err = rm.Read(addr, buf); err != nil {
		return nil, 0, err
	}
	return buf, addr + libpf.Address(length), nil
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv and
// process_vm_writev syscalls.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

// NewProcessVirtualMemory returns a ProcessVirtualMemory backed RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID) RemoteMemory {
	return RemoteMemory{Accessor: ProcessVirtualMemory{pid}}
}

// Buffer is an Accessor over a local byte slice mapped at Base. Accesses
// outside the slice fail.
type Buffer struct {
	Base libpf.Address
	Data []byte
}

var errOutOfRange = errors.New("access out of range")

func (b *Buffer) slice(off int64, n int) ([]byte, error) {
	start := off - int64(b.Base)
	if start < 0 || start+int64(n) > int64(len(b.Data)) {
		return nil, fmt.Errorf("0x%x+%d: %w", off, n, errOutOfRange)
	}
	return b.Data[start : start+int64(n)], nil
}

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	s, err := b.slice(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, s), nil
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	s, err := b.slice(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(s, p), nil
}
