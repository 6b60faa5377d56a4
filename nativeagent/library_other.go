//go:build !linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeagent // import "go.opentelemetry.io/apm-correlation/nativeagent"

import (
	"go.opentelemetry.io/apm-correlation/libpf"
)

// unsupportedLibrary fails to load, leaving the Agent in LoadFailed and all
// correlation features as no-ops.
type unsupportedLibrary struct{}

var _ Library = unsupportedLibrary{}

// NewLibrary returns the native library of the current platform.
func NewLibrary() Library {
	return unsupportedLibrary{}
}

// CurrentTask is not available on this platform.
func CurrentTask() (libpf.TaskID, bool) {
	return 0, false
}

func (unsupportedLibrary) Load() error    { return ErrUnsupportedPlatform }
func (unsupportedLibrary) Init() error    { return ErrUnsupportedPlatform }
func (unsupportedLibrary) Destroy() error { return ErrUnsupportedPlatform }

func (unsupportedLibrary) AllocateStorage(string, int) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

func (unsupportedLibrary) FreeStorage([]byte) error                    { return ErrUnsupportedPlatform }
func (unsupportedLibrary) SetProcessStorage([]byte) error              { return ErrUnsupportedPlatform }
func (unsupportedLibrary) SetThreadStorage(libpf.TaskID, []byte) error { return ErrUnsupportedPlatform }
func (unsupportedLibrary) StartReturnChannel(string) error             { return ErrUnsupportedPlatform }
func (unsupportedLibrary) ReadReturnChannel([]byte) (int, error)       { return 0, ErrUnsupportedPlatform }
func (unsupportedLibrary) StopReturnChannel() error                    { return ErrUnsupportedPlatform }
func (unsupportedLibrary) IsAllocationSamplingSupported() bool         { return false }

func (unsupportedLibrary) SetAllocationSamplingEnabled(bool, int, AllocationCallback) error {
	return ErrUnsupportedPlatform
}

func (unsupportedLibrary) SetAllocationSamplingRate(int) error { return ErrUnsupportedPlatform }
