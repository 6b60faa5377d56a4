// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/apm-correlation/reporter"

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/apm-correlation/libpf"
)

// setupGrpcConnection creates a client for the collection agent. The
// connection is established lazily.
func setupGrpcConnection(c *Config, statsHandler *statsHandlerImpl) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithStatsHandler(statsHandler),
	}
	if c.MaxRPCMsgSize > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.MaxRPCMsgSize),
			grpc.MaxCallSendMsgSize(c.MaxRPCMsgSize)))
	}
	if c.GRPCClientInterceptor != nil {
		opts = append(opts, grpc.WithUnaryInterceptor(c.GRPCClientInterceptor))
	}

	if c.DisableTLS {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts,
			grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
				// Support only TLS1.3+ with valid CA certificates
				MinVersion:         tls.VersionTLS13,
				InsecureSkipVerify: false,
			})))
	}

	return grpc.NewClient(c.CollAgentAddr, opts...)
}

// awaitReady blocks until conn is ready or timeout passes.
func awaitReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connection to %s is %v: %w", conn.Target(), state, ctx.Err())
		}
	}
}

// When we are not able to connect immediately to the backend,
// we retry with backoff until MaxGRPCRetries attempts failed
// or the operation is canceled.
func waitGrpcEndpoint(ctx context.Context, c *Config,
	statsHandler *statsHandlerImpl) (*grpc.ClientConn, error) {
	conn, err := setupGrpcConnection(c, statsHandler)
	if err != nil {
		return nil, err
	}

	var retries uint32
	for {
		err = awaitReady(ctx, conn, c.GRPCConnectionTimeout)
		if err == nil {
			return conn, nil
		}
		if retries >= c.MaxGRPCRetries {
			_ = conn.Close()
			return nil, err
		}
		retries++

		log.Warnf(
			"Failed to setup gRPC connection (try %d of %d): %v",
			retries,
			c.MaxGRPCRetries,
			err,
		)
		// Sleep with a fixed backoff time added of +/- 20% jitter
		if err = libpf.SleepWithJitterAndContext(ctx, c.GRPCStartupBackoffTime, 0.2); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
}
