// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller allows periodic calls of functions.
package periodiccaller // import "go.opentelemetry.io/apm-correlation/periodiccaller"

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/apm-correlation/libpf"
)

// ErrStopTimeout is returned by Caller.Stop when the in-flight callback did not
// return within the given timeout.
var ErrStopTimeout = errors.New("timed out waiting for periodic callback to finish")

// Start starts a timer that calls <callback> every <interval> until the <ctx> is canceled.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback()
			case <-ctx.Done():
				return
			}
		}
	}()

	return ticker.Stop
}

// Caller is a periodic call that can be stopped synchronously.
type Caller struct {
	cancel context.CancelFunc
	done   chan libpf.Void
}

// StartAwaitable starts a timer that calls <callback> every <interval> until
// <ctx> is canceled or Stop is called. Callbacks never overlap.
func StartAwaitable(ctx context.Context, interval time.Duration, callback func()) *Caller {
	ctx, cancel := context.WithCancel(ctx)
	c := &Caller{
		cancel: cancel,
		done:   make(chan libpf.Void),
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback()
			case <-ctx.Done():
				return
			}
		}
	}()
	return c
}

// Stop cancels further calls and waits up to <timeout> for a callback that is
// currently executing to return. After a nil return no callback is running
// and none will run again.
func (c *Caller) Stop(timeout time.Duration) error {
	c.cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}
