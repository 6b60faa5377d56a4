// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentmetrics reports resource usage of the process hosting the
// correlation subsystem.
package agentmetrics // import "go.opentelemetry.io/apm-correlation/metrics/agentmetrics"

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/apm-correlation/metrics"
	"go.opentelemetry.io/apm-correlation/periodiccaller"
)

// usage holds the CPU times observed by the previous collection.
type usage struct {
	utime unix.Timeval
	stime unix.Timeval
}

// timeDelta returns now - prev in milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	secDelta := (int64(now.Sec) - int64(prev.Sec)) * 1000
	usecDelta := (int64(now.Usec) - int64(prev.Usec)) / 1000
	return secDelta + usecDelta
}

// collect builds the metric batch for a single interval and remembers the
// current CPU times for the next call.
func (u *usage) collect(rusage *unix.Rusage, stats *runtime.MemStats, goroutines int) metrics.Summary {
	summary := metrics.Summary{
		metrics.IDAgentGoRoutines: metrics.MetricValue(goroutines),
		metrics.IDAgentHeapAlloc:  metrics.MetricValue(stats.HeapAlloc),
		metrics.IDAgentUTime:      metrics.MetricValue(timeDelta(rusage.Utime, u.utime)),
		metrics.IDAgentSTime:      metrics.MetricValue(timeDelta(rusage.Stime, u.stime)),
	}
	u.utime = rusage.Utime
	u.stime = rusage.Stime
	return summary
}

func (u *usage) report() {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		log.Errorf("Failed to fetch Rusage: %v", err)
		return
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	metrics.AddSlice(u.collect(&rusage, &stats, runtime.NumGoroutine()).Slice())
}

// Start starts the periodic collection. The returned function stops it.
func Start(mainCtx context.Context, interval time.Duration) (func(), error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return func() {}, err
	}

	prev := &usage{
		utime: rusage.Utime,
		stime: rusage.Stime,
	}

	ctx, cancel := context.WithCancel(mainCtx)
	stopReporting := periodiccaller.Start(ctx, interval, prev.report)

	return func() {
		cancel()
		stopReporting()
	}, nil
}
