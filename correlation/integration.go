// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package correlation joins tracer transactions with samples of an external
// profiler.
//
// The tracer publishes the identity of the active span of every task in
// native memory, from where the profiler copies it into its samples. The
// profiler sends attributions back over a datagram channel. Ended
// transactions are held back for a short delay so that attributions that
// arrive late can still be attached before the transaction is reported.
package correlation // import "go.opentelemetry.io/apm-correlation/correlation"

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/metrics"
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/periodiccaller"
)

// Integration wires the correlation components into a tracer.
type Integration struct {
	agent  *nativeagent.Agent
	tracer *apm.Tracer
	cfg    Config

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	storage    *ProcessStorage
	memory     *Memory
	activation *ActivationCorrelator
	correlator *TransactionCorrelator
	sink       apm.Reporter
	removers   []func()

	versionLogger    *periodiccaller.Caller
	metricsPublisher *periodiccaller.Caller
}

// NewIntegration returns a stopped integration.
func NewIntegration(agent *nativeagent.Agent, tracer *apm.Tracer, cfg Config) *Integration {
	return &Integration{agent: agent, tracer: tracer, cfg: cfg}
}

// Start sets up the shared memory, opens the return channel and registers
// with the tracer. Failures leave the tracer untouched; if only the return
// channel fails, transactions are reported without delay.
func (i *Integration) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		return errors.New("profiler correlation already started")
	}
	if err := i.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid correlation config: %w", err)
	}

	storage, err := NewProcessStorage(i.agent, i.tracer.ServiceName())
	if err != nil {
		log.Errorf("Failed to initialize profiler correlation: %v", err)
		return err
	}

	sink := i.tracer.Reporter()
	correlator, err := NewTransactionCorrelator(i.agent, storage, sink, i.cfg)
	if err != nil {
		return errors.Join(err, storage.Close())
	}

	ctx, cancel := context.WithCancel(ctx)
	if err = correlator.Start(ctx); err != nil {
		log.Warnf("Profiler correlation runs without return channel: %v", err)
	}

	i.storage = storage
	i.memory = NewMemory(i.agent)
	i.activation = NewActivationCorrelator(i.tracer, i.memory)
	i.correlator = correlator
	i.sink = sink
	i.cancel = cancel

	i.removers = []func(){
		i.tracer.AddTransactionListener(correlator),
		i.tracer.AddActivationListener(i.activation),
	}
	i.tracer.SetReporter(correlator)

	i.logProfilerVersion()
	i.versionLogger = periodiccaller.StartAwaitable(ctx, i.cfg.VersionLogInterval,
		i.logProfilerVersion)
	i.metricsPublisher = periodiccaller.StartAwaitable(ctx, i.cfg.MetricsInterval,
		i.publishMetrics)

	i.running = true
	return nil
}

func (i *Integration) logProfilerVersion() {
	log.Infof("Current profiler version: %x", i.storage.ProfilerVersion())
}

func (i *Integration) publishMetrics() {
	var out []metrics.Metric
	out = i.correlator.appendMetrics(out)
	out = i.activation.appendMetrics(out)
	metrics.AddSlice(out)
}

// Stop unregisters from the tracer, reports all held back transactions and
// releases the shared memory.
func (i *Integration) Stop() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.running {
		return nil
	}
	i.running = false

	for _, remove := range i.removers {
		remove()
	}
	i.removers = nil
	i.tracer.SetReporter(i.sink)

	errs := []error{i.correlator.Stop()}
	// Both callers must be gone before the storage is unmapped.
	for _, c := range []*periodiccaller.Caller{i.versionLogger, i.metricsPublisher} {
		if err := c.Stop(i.cfg.ShutdownTimeout); err != nil {
			i.cancel()
			return errors.Join(append(errs, err)...)
		}
	}
	i.cancel()
	i.publishMetrics()

	errs = append(errs, i.memory.Close(), i.storage.Close())
	return errors.Join(errs...)
}

// ReleaseTask releases the thread storage of a task that will not activate
// spans anymore.
func (i *Integration) ReleaseTask(task libpf.TaskID) error {
	i.mu.Lock()
	activation := i.activation
	i.mu.Unlock()
	if activation == nil {
		return nil
	}
	return activation.ReleaseTask(task)
}

// Running reports whether Start succeeded and Stop was not called yet.
func (i *Integration) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

// ProfilerVersion returns the version the profiler published, or zero.
func (i *Integration) ProfilerVersion() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.running {
		return 0
	}
	return i.storage.ProfilerVersion()
}

// ProcessStorage returns the process storage while running.
func (i *Integration) ProcessStorage() *ProcessStorage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.storage
}

// Memory returns the thread storage registry while running.
func (i *Integration) Memory() *Memory {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.memory
}

// Correlator returns the transaction correlator while running.
func (i *Integration) Correlator() *TransactionCorrelator {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.correlator
}
