// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeagent // import "go.opentelemetry.io/apm-correlation/nativeagent"

import (
	"errors"

	"go.opentelemetry.io/apm-correlation/libpf"
)

var (
	// ErrUnsupportedPlatform is returned by Library.Load on platforms without
	// a native correlation implementation.
	ErrUnsupportedPlatform = errors.New("native correlation is not supported on this platform")

	// ErrAllocationSamplingUnsupported is returned when allocation sampling is
	// requested from a library that can not provide it.
	ErrAllocationSamplingUnsupported = errors.New("allocation sampling is not supported")
)

// AllocationCallback is invoked by a Library for every sampled allocation, on
// the task that performed the allocation.
type AllocationCallback func(task libpf.TaskID, sizeBytes int64)

// Library is the set of native primitives the correlation subsystem needs.
// Implementations do not track lifecycle state: Agent guarantees that every
// call other than Load and Init happens only after a successful Init and
// before Destroy.
type Library interface {
	// Load checks that the platform provides the primitives.
	Load() error
	// Init prepares the library for use.
	Init() error
	// Destroy releases everything Init and the primitives acquired.
	Destroy() error

	// AllocateStorage returns size bytes of zeroed memory that an external
	// profiler can locate through name.
	AllocateStorage(name string, size int) ([]byte, error)
	// FreeStorage releases memory returned by AllocateStorage.
	FreeStorage(mem []byte) error
	// SetProcessStorage registers the process correlation storage. nil
	// unregisters it.
	SetProcessStorage(mem []byte) error
	// SetThreadStorage registers the correlation storage of a task. nil
	// unregisters it.
	SetThreadStorage(task libpf.TaskID, mem []byte) error

	// StartReturnChannel binds the return channel at path.
	StartReturnChannel(path string) error
	// ReadReturnChannel reads one pending datagram into buf without blocking.
	// It returns 0 when nothing is pending.
	ReadReturnChannel(buf []byte) (int, error)
	// StopReturnChannel closes the return channel and removes path.
	StopReturnChannel() error

	IsAllocationSamplingSupported() bool
	// SetAllocationSamplingEnabled starts or stops sampling allocations
	// every rateBytes, delivering samples to cb.
	SetAllocationSamplingEnabled(enable bool, rateBytes int, cb AllocationCallback) error
	SetAllocationSamplingRate(rateBytes int) error
}
