// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/apm-correlation/libpf"

// Address represents an address, or offset within a process
type Address uintptr
