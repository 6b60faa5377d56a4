// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package allocations_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/apm-correlation/allocations"
	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/config"
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/nativeagent/nativeagenttest"
)

func newSampler(t *testing.T, supported bool) (*allocations.Sampler, *nativeagenttest.Library,
	*apm.Tracer, *config.Dynamic[int]) {
	t.Helper()
	lib := nativeagenttest.New()
	lib.SupportAllocationSampling(supported)
	agent := nativeagent.New(lib)
	tracer := apm.NewTracer("svc", nil)
	rate := config.NewDynamic(1024)
	return allocations.NewSampler(agent, tracer, rate), lib, tracer, rate
}

func TestSamplerAttribution(t *testing.T) {
	sampler, lib, tracer, _ := newSampler(t, true)
	require.NoError(t, sampler.Start(context.Background(), time.Hour))
	t.Cleanup(func() { require.NoError(t, sampler.Stop()) })
	assert.Equal(t, 1024, lib.AllocationSamplingRate())

	tx := tracer.StartTransaction("GET /", "request", apm.TransactionOptions{})
	span := tx.StartSpan("render")

	tests := map[string]struct {
		active   *apm.Span
		wantTx   int64
		wantSpan int64
	}{
		"no active span": {},
		"transaction active": {
			active: &tx.Span,
			wantTx: 1024,
		},
		"span active": {
			active:   span,
			wantTx:   2048,
			wantSpan: 1024,
		},
	}

	// Cases build on each other, run them in order.
	for _, name := range []string{"no active span", "transaction active", "span active"} {
		tc := tests[name]
		t.Run(name, func(t *testing.T) {
			if tc.active != nil {
				tc.active.Activate(3)
				defer tc.active.Deactivate(3)
			}
			require.True(t, lib.Allocate(3, 64))
			assert.Equal(t, tc.wantTx, tx.SampledAllocationBytes())
			assert.Equal(t, tc.wantSpan, span.SampledAllocationBytes())
		})
	}
}

func TestSamplerRateChange(t *testing.T) {
	sampler, lib, tracer, rate := newSampler(t, true)
	require.NoError(t, sampler.Start(context.Background(), time.Hour))

	rate.Set(4096)
	assert.Equal(t, 4096, lib.AllocationSamplingRate())

	tx := tracer.StartTransaction("GET /", "request", apm.TransactionOptions{})
	tx.Activate(1)
	lib.Allocate(1, 8)
	tx.Deactivate(1)
	assert.Equal(t, int64(4096), tx.SampledAllocationBytes())

	require.NoError(t, sampler.Stop())
	assert.False(t, lib.Allocate(1, 8))

	// Changes after stop are no longer forwarded.
	rate.Set(8192)
	assert.Equal(t, 4096, lib.AllocationSamplingRate())
}

func TestSamplerUnsupported(t *testing.T) {
	sampler, _, _, _ := newSampler(t, false)
	require.ErrorIs(t, sampler.Start(context.Background(), time.Hour),
		nativeagent.ErrAllocationSamplingUnsupported)
	require.NoError(t, sampler.Stop())
}
