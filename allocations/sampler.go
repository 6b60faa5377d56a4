// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package allocations attributes sampled heap allocations to the span that
// was active on the allocating task.
package allocations // import "go.opentelemetry.io/apm-correlation/allocations"

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/config"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/metrics"
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/periodiccaller"
)

// Sampler accounts every sampled allocation as sampling rate bytes to the
// active span and, for spans, also to their transaction.
type Sampler struct {
	agent  *nativeagent.Agent
	tracer *apm.Tracer
	rate   *config.Dynamic[int]

	mu             sync.Mutex
	running        bool
	removeListener func()
	publisher      *periodiccaller.Caller

	samples      atomic.Uint64
	unattributed atomic.Uint64
	sampledBytes atomic.Uint64
}

// NewSampler returns a stopped sampler.
func NewSampler(agent *nativeagent.Agent, tracer *apm.Tracer, rate *config.Dynamic[int]) *Sampler {
	return &Sampler{agent: agent, tracer: tracer, rate: rate}
}

// Start configures the sampling rate, follows its changes and enables
// allocation sampling. Metrics are published every metricsInterval.
func (s *Sampler) Start(ctx context.Context, metricsInterval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("allocation sampler already started")
	}
	if !s.agent.IsAllocationProfilingSupported() {
		return nativeagent.ErrAllocationSamplingUnsupported
	}

	if err := s.agent.SetAllocationSamplingRate(s.rate.Get()); err != nil {
		return err
	}
	s.agent.SetAllocationSamplingCallback(s.allocationSampled)
	if err := s.agent.SetAllocationProfilingEnabled(true); err != nil {
		s.agent.SetAllocationSamplingCallback(nil)
		return err
	}

	s.removeListener = s.rate.OnChange(func(_, updated int) {
		log.Infof("Changing allocation profiling rate to %d bytes", updated)
		if err := s.agent.SetAllocationSamplingRate(updated); err != nil {
			log.Warnf("Failed to change allocation profiling rate: %v", err)
		}
	})
	s.publisher = periodiccaller.StartAwaitable(ctx, metricsInterval, s.publishMetrics)
	s.running = true
	return nil
}

// Stop disables allocation sampling.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.removeListener()
	err := s.agent.SetAllocationProfilingEnabled(false)
	s.agent.SetAllocationSamplingCallback(nil)
	if stopErr := s.publisher.Stop(time.Second); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	s.publishMetrics()
	return err
}

// allocationSampled runs on the allocating task and must not block.
func (s *Sampler) allocationSampled(task libpf.TaskID, samplingRate int, _ int64) {
	span := s.tracer.Active(task)
	if span == nil {
		s.unattributed.Add(1)
		return
	}
	span.AddSampledAllocationBytes(int64(samplingRate))
	if !span.IsTransaction() {
		span.Transaction().AddSampledAllocationBytes(int64(samplingRate))
	}
	s.samples.Add(1)
	s.sampledBytes.Add(uint64(samplingRate))
}

func (s *Sampler) publishMetrics() {
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDAllocationSamples, Value: metrics.MetricValue(s.samples.Swap(0))},
		{ID: metrics.IDAllocationSamplesUnattributed,
			Value: metrics.MetricValue(s.unattributed.Swap(0))},
		{ID: metrics.IDAllocationSampledBytes,
			Value: metrics.MetricValue(s.sampledBytes.Swap(0))},
	})
}
