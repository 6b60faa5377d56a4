// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/apm-correlation/reporter"

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/apm-correlation/libpf"
)

// runLoop implements the run loop for all reporters
type runLoop struct {
	// stopSignal is the stop signal for shutting down all background tasks.
	stopSignal chan libpf.Void
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func newRunLoop() *runLoop {
	return &runLoop{stopSignal: make(chan libpf.Void)}
}

// Start calls run every reportInterval +/- jitter until ctx is done or Stop
// is called.
func (rl *runLoop) Start(ctx context.Context, reportInterval time.Duration, jitter float64,
	run func(context.Context)) {
	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		tick := time.NewTicker(reportInterval)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-rl.stopSignal:
				return
			case <-tick.C:
				run(ctx)
				tick.Reset(libpf.AddJitter(reportInterval, jitter))
			}
		}
	}()
}

// Stop ends the loop and waits for a running iteration to complete.
func (rl *runLoop) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopSignal) })
	rl.wg.Wait()
}
