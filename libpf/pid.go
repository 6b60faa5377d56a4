// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/apm-correlation/libpf"

// PID represent Unix Process ID (pid_t)
type PID uint32

func (p PID) Hash32() uint32 {
	return uint32(p)
}

// TaskID identifies the unit of execution that owns a thread correlation
// buffer. On Linux this is the kernel thread ID of an OS thread.
type TaskID uint64

func (t TaskID) Hash32() uint32 {
	return uint32(t)
}
