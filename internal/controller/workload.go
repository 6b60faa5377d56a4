// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/apm-correlation/internal/controller"

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/nativeagent"
)

// syntheticTaskBase is the first task ID handed out on platforms without
// kernel thread IDs.
const syntheticTaskBase = 1 << 22

// taskReleaser releases the per-task state of the correlation subsystem.
type taskReleaser interface {
	ReleaseTask(task libpf.TaskID) error
}

// workload runs transactions on a fixed number of pinned OS threads, so
// that every worker keeps one task ID for its lifetime.
type workload struct {
	tracer   *apm.Tracer
	releaser taskReleaser
	workers  int
	interval time.Duration

	cancel context.CancelFunc
	group  *errgroup.Group
}

func startWorkload(ctx context.Context, tracer *apm.Tracer, releaser taskReleaser,
	workers int, interval time.Duration) *workload {
	w := &workload{
		tracer:   tracer,
		releaser: releaser,
		workers:  workers,
		interval: interval,
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.group, ctx = errgroup.WithContext(ctx)
	for i := range workers {
		w.group.Go(func() error {
			return w.run(ctx, i)
		})
	}
	log.Infof("Started %d workload workers", workers)
	return w
}

func (w *workload) run(ctx context.Context, worker int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	task, ok := nativeagent.CurrentTask()
	if !ok {
		task = libpf.TaskID(syntheticTaskBase + worker)
	}
	defer func() {
		if err := w.releaser.ReleaseTask(task); err != nil {
			log.Warnf("Failed to release task %d: %v", task, err)
		}
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for n := 0; ; n++ {
		w.transaction(task, worker, n)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// transaction runs one request: a transaction with a nested span, both
// activated on task while they do work.
func (w *workload) transaction(task libpf.TaskID, worker, n int) {
	tx := w.tracer.StartTransaction(fmt.Sprintf("GET /work/%d", worker), "request",
		apm.TransactionOptions{})
	tx.Activate(task)

	span := tx.StartSpan("compute")
	span.Activate(task)
	busy(n)
	span.Deactivate(task)
	span.End()

	tx.Deactivate(task)
	tx.End()
}

// sink keeps the result of busy alive.
var sink atomic.Pointer[[]byte]

// busy burns some CPU and allocates, giving the profiler something to
// sample.
func busy(n int) {
	buf := make([]byte, 64<<10)
	deadline := time.Now().Add(5 * time.Millisecond)
	for i := n; time.Now().Before(deadline); i++ {
		buf[i%len(buf)] ^= byte(i)
	}
	sink.Store(&buf)
}

// stop stops all workers and waits for them to release their tasks.
func (w *workload) stop() {
	w.cancel()
	_ = w.group.Wait()
}
