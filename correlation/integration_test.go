// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/nativeagent/nativeagenttest"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.SocketDir = nativeagenttest.SocketDir(t)
	return cfg
}

func snapshotOf(t *testing.T, lib *nativeagenttest.Library, task libpf.TaskID) ThreadSnapshot {
	t.Helper()
	snap, ok := DecodeThreadStorage(lib.ThreadStorage(task))
	require.True(t, ok, "task %d has no thread storage", task)
	return snap
}

func TestActivationCorrelator(t *testing.T) {
	agent, lib := newTestAgent(t)
	tracer := apm.NewTracer("svc", nil)
	c := NewActivationCorrelator(tracer, NewMemory(agent))
	tracer.AddActivationListener(c)

	tx := tracer.StartTransaction("GET /", "request", apm.TransactionOptions{})
	outer := tx.StartSpan("outer")
	inner := outer.StartSpan("inner")

	steps := []struct {
		do   func()
		want *apm.Span
	}{
		{func() { tx.Activate(1) }, &tx.Span},
		{func() { outer.Activate(1) }, outer},
		{func() { inner.Activate(1) }, inner},
		{func() { inner.Deactivate(1) }, outer},
		{func() { outer.Deactivate(1) }, &tx.Span},
		{func() { tx.Deactivate(1) }, nil},
	}
	for i, step := range steps {
		step.do()
		snap := snapshotOf(t, lib, 1)
		if step.want == nil {
			assert.Equal(t, ThreadSnapshot{}, snap, "step %d", i)
			continue
		}
		assert.True(t, snap.Active(), "step %d", i)
		assert.Equal(t, step.want.ID(), snap.SpanID, "step %d", i)
		assert.Equal(t, tx.ID(), snap.TransactionID, "step %d", i)
		assert.Equal(t, tx.TraceID(), snap.TraceID, "step %d", i)
	}

	// Tasks are isolated from each other.
	tx.Activate(2)
	assert.Equal(t, ThreadSnapshot{}, snapshotOf(t, lib, 1))
	assert.Equal(t, tx.ID(), snapshotOf(t, lib, 2).SpanID)
	tx.Deactivate(2)

	require.NoError(t, c.ReleaseTask(1))
	assert.Nil(t, lib.ThreadStorage(1))
	assert.Zero(t, c.BindErrors())
	assert.Zero(t, c.UpdateErrors())
}

func TestActivationCorrelatorUnavailable(t *testing.T) {
	lib := nativeagenttest.New()
	lib.FailInit(assert.AnError)
	agent := nativeagent.New(lib)
	tracer := apm.NewTracer("svc", nil)
	c := NewActivationCorrelator(tracer, NewMemory(agent))
	tracer.AddActivationListener(c)

	tx := tracer.StartTransaction("GET /", "request", apm.TransactionOptions{})
	for range 3 {
		tx.Activate(1)
		assert.Same(t, &tx.Span, tracer.Active(1))
		tx.Deactivate(1)
	}
	assert.Equal(t, uint64(3), c.BindErrors())
	assert.Equal(t, uint64(3), c.UpdateErrors())
	assert.Equal(t, nativeagent.InitializationFailed, agent.State())
	_, _, destroys := lib.Counts()
	assert.Zero(t, destroys)
}

func TestIntegration(t *testing.T) {
	agent, lib := newTestAgent(t)
	s := &sink{}
	tracer := apm.NewTracer("checkout", s)

	integration := NewIntegration(agent, tracer, testConfig(t))
	require.NoError(t, integration.Start(context.Background()))
	assert.True(t, integration.Running())
	assert.Error(t, integration.Start(context.Background()))

	ps := integration.ProcessStorage()
	assert.Equal(t, "checkout", ps.ServiceName())
	assert.Equal(t, lib.ChannelPath(), ps.SocketPath())
	assert.Zero(t, integration.ProfilerVersion())

	// A profiler attaches.
	setProfilerVersion(lib, 0x10203)
	assert.Equal(t, uint64(0x10203), integration.ProfilerVersion())

	tx := tracer.StartTransaction("GET /cart", "request", apm.TransactionOptions{})
	tx.Activate(42)
	snap := snapshotOf(t, lib, 42)
	require.True(t, snap.Active())

	// The profiler copies the identity into its samples and sends them back.
	stack := libpf.NewTraceHash(0xfeed, 0xbeef)
	msg := Message{
		TraceID:       snap.TraceID,
		TransactionID: snap.TransactionID,
		StackTraceID:  stack,
		Count:         3,
	}
	tx.Deactivate(42)
	tx.End()
	require.True(t, lib.Send(msg.EncodeVersioned()))
	assert.Empty(t, s.reported())

	require.NoError(t, integration.ReleaseTask(42))
	require.NoError(t, integration.Stop())
	assert.False(t, integration.Running())

	reported := s.reported()
	require.Len(t, reported, 1)
	assert.Equal(t, []libpf.TraceHash{stack, stack, stack}, reported[0].ProfilerSamples())

	// The tracer reports directly again.
	tracer.StartTransaction("after", "request", apm.TransactionOptions{}).End()
	assert.Len(t, s.reported(), 2)
	assert.Empty(t, lib.StorageNames())
	assert.Nil(t, lib.ProcessStorage())
	assert.Empty(t, lib.ChannelPath())
	require.NoError(t, integration.Stop())
}

func TestIntegrationUnavailable(t *testing.T) {
	lib := nativeagenttest.New()
	lib.FailLoad(nativeagent.ErrUnsupportedPlatform)
	agent := nativeagent.New(lib)
	s := &sink{}
	tracer := apm.NewTracer("svc", s)

	integration := NewIntegration(agent, tracer, testConfig(t))
	require.ErrorIs(t, integration.Start(context.Background()), nativeagent.ErrNotInitialized)
	assert.False(t, integration.Running())
	assert.Zero(t, integration.ProfilerVersion())
	require.NoError(t, integration.ReleaseTask(1))

	tx := tracer.StartTransaction("a", "request", apm.TransactionOptions{})
	tx.Activate(1)
	tx.Deactivate(1)
	tx.End()
	assert.Len(t, s.reported(), 1)
	assert.False(t, tx.Sealed())
	require.NoError(t, integration.Stop())
}

func TestIntegrationWithoutReturnChannel(t *testing.T) {
	agent, lib := newTestAgent(t)
	s := &sink{}
	tracer := apm.NewTracer("svc", s)

	// Occupy the channel so that the integration cannot open it.
	require.NoError(t, agent.StartReturnChannel("/elsewhere"))

	integration := NewIntegration(agent, tracer, testConfig(t))
	require.NoError(t, integration.Start(context.Background()))
	setProfilerVersion(lib, 1)
	assert.Empty(t, integration.ProcessStorage().SocketPath())

	tracer.StartTransaction("a", "request", apm.TransactionOptions{}).End()
	assert.Len(t, s.reported(), 1)
	assert.Equal(t, uint64(1), integration.Correlator().Stats().ReportedImmediately)
	require.NoError(t, integration.Stop())
}
