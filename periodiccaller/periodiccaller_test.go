// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package periodiccaller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// starters returns both flavors of periodic callers behind a common stop
// function.
func starters(interval time.Duration) map[string]func(context.Context, func()) func() {
	return map[string]func(context.Context, func()) func(){
		"Start": func(ctx context.Context, cb func()) func() {
			return Start(ctx, interval, cb)
		},
		"StartAwaitable": func(ctx context.Context, cb func()) func() {
			c := StartAwaitable(ctx, interval, cb)
			return func() { _ = c.Stop(time.Second) }
		},
	}
}

func TestPeriodicCaller(t *testing.T) {
	defer goleak.VerifyNone(t)

	for name, start := range starters(10 * time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			var calls atomic.Int32
			done := make(chan struct{})
			stop := start(ctx, func() {
				if calls.Add(1) == 2 {
					close(done)
				}
			})

			select {
			case <-done:
			case <-ctx.Done():
				assert.Failf(t, "timeout", "%s did not call back twice", name)
			}
			cancel()
			stop()
		})
	}
}

func TestPeriodicCallerCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	for name, start := range starters(time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()

			var calls atomic.Int32
			stop := start(ctx, func() { calls.Add(1) })
			<-ctx.Done()
			stop()

			// No calls after cancellation, allowing for one in flight.
			seen := calls.Load()
			time.Sleep(10 * time.Millisecond)
			assert.Positive(t, seen)
			assert.LessOrEqual(t, calls.Load(), seen+1)
		})
	}
}

func TestStopWaitsForInflightCallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var once sync.Once

	c := StartAwaitable(context.Background(), time.Millisecond, func() {
		once.Do(func() {
			close(entered)
			<-release
			finished.Store(true)
		})
	})
	<-entered

	time.AfterFunc(20*time.Millisecond, func() { close(release) })

	require.NoError(t, c.Stop(time.Second))
	assert.True(t, finished.Load())
}

func TestStopTimeout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	c := StartAwaitable(context.Background(), time.Millisecond, func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	<-entered

	require.ErrorIs(t, c.Stop(10*time.Millisecond), ErrStopTimeout)

	close(release)
	require.NoError(t, c.Stop(time.Second))
}
