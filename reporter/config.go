// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/apm-correlation/reporter"

import (
	"time"

	"google.golang.org/grpc"
)

type Config struct {
	// Name defines the instrumentation scope name of exported spans.
	Name string

	// Version defines the version of the exporting agent.
	Version string

	// ServiceName is set as service.name on the exported resource.
	ServiceName string

	// HostName is the name of the host.
	HostName string

	// CollAgentAddr defines the destination of the backend connection.
	CollAgentAddr string

	// MaxRPCMsgSize defines the maximum size of a gRPC message.
	MaxRPCMsgSize int

	// Disable secure communication with Collection Agent.
	DisableTLS bool

	// QueueSize is the number of ended transactions buffered between exports.
	QueueSize int

	// Number of connection attempts to the collector after which we give up retrying.
	MaxGRPCRetries uint32

	GRPCOperationTimeout   time.Duration
	GRPCStartupBackoffTime time.Duration
	GRPCConnectionTimeout  time.Duration
	ReportInterval         time.Duration

	// GRPCClientInterceptor is the client gRPC interceptor, e.g., for sending gRPC metadata.
	GRPCClientInterceptor grpc.UnaryClientInterceptor
}
