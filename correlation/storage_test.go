// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package correlation

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/nativeagent/nativeagenttest"
)

func newTestAgent(t *testing.T) (*nativeagent.Agent, *nativeagenttest.Library) {
	t.Helper()
	lib := nativeagenttest.New()
	agent := nativeagent.New(lib)
	require.NoError(t, agent.EnsureInitialized())
	return agent, lib
}

// setProfilerVersion writes the version like an attached profiler would.
func setProfilerVersion(lib *nativeagenttest.Library, version uint64) {
	lib.StoreProcessWord(ProfilerVersionOffset, version)
}

func TestProcessStorage(t *testing.T) {
	agent, lib := newTestAgent(t)

	ps, err := NewProcessStorage(agent, "checkout")
	require.NoError(t, err)

	mem := lib.ProcessStorage()
	require.Len(t, mem, ProcessStorageSize)
	assert.Equal(t, []string{ProcessStorageName}, lib.StorageNames())

	assert.Zero(t, ps.ProfilerVersion())
	assert.Equal(t, uint64(8), binary.LittleEndian.Uint64(mem[ServiceNameOffset:]))
	assert.Equal(t, "checkout", string(mem[16:24]))
	assert.Equal(t, "checkout", ps.ServiceName())

	assert.Empty(t, ps.SocketPath())
	require.NoError(t, ps.SetSocketPath("/tmp/sock"))
	assert.Equal(t, "/tmp/sock", ps.SocketPath())
	// The socket path follows the service name, 8 byte aligned.
	assert.Equal(t, uint64(9), binary.LittleEndian.Uint64(mem[24:]))
	assert.Equal(t, "/tmp/sock", string(mem[32:41]))

	ps.ClearSocketPath()
	assert.Empty(t, ps.SocketPath())
	assert.ErrorIs(t, ps.SetSocketPath(strings.Repeat("a", MaxSocketPathLength+1)),
		ErrSocketPathTooLong)

	setProfilerVersion(lib, 0xcafe)
	assert.Equal(t, uint64(0xcafe), ps.ProfilerVersion())

	require.NoError(t, ps.Close())
	assert.Nil(t, lib.ProcessStorage())
	assert.Empty(t, lib.StorageNames())
}

func TestProcessStorageServiceName(t *testing.T) {
	tests := map[string]struct {
		name string
		want string
	}{
		"empty": {},
		"unaligned": {
			name: "svc",
			want: "svc",
		},
		"truncated": {
			name: strings.Repeat("x", MaxServiceNameLength+10),
			want: strings.Repeat("x", MaxServiceNameLength),
		},
		"truncated on rune boundary": {
			name: strings.Repeat("x", MaxServiceNameLength-1) + "ü",
			want: strings.Repeat("x", MaxServiceNameLength-1),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			agent, _ := newTestAgent(t)
			ps, err := NewProcessStorage(agent, tc.name)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ps.ServiceName())
			assert.Zero(t, ps.socketOffset%8)
			require.NoError(t, ps.SetSocketPath("/run/x"))
			assert.Equal(t, tc.want, ps.ServiceName())
			assert.Equal(t, "/run/x", ps.SocketPath())
		})
	}
}

func TestProcessStorageUnavailable(t *testing.T) {
	lib := nativeagenttest.New()
	lib.FailLoad(nativeagent.ErrUnsupportedPlatform)
	agent := nativeagent.New(lib)

	_, err := NewProcessStorage(agent, "svc")
	require.ErrorIs(t, err, nativeagent.ErrNotInitialized)
	assert.Equal(t, nativeagent.LoadFailed, agent.State())
}

// Every intermediate state of an update is either inactive or describes one
// span completely.
func TestThreadStorageWriteOrder(t *testing.T) {
	tracer := apm.NewTracer("svc", nil)
	txA := tracer.StartTransaction("a", "request", apm.TransactionOptions{
		TraceID: libpf.APMTraceID{0: 0xa, 15: 0xa},
		ID:      libpf.APMSpanID{0: 0xa1},
	})
	spanA := txA.StartSpan("a-child")
	txB := tracer.StartTransaction("b", "request", apm.TransactionOptions{
		TraceID:   libpf.APMTraceID{0: 0xb, 15: 0xb},
		ID:        libpf.APMSpanID{0: 0xb1},
		Unsampled: true,
	})

	tests := map[string]struct {
		from, to *apm.Span
	}{
		"span to span":        {from: spanA, to: &txB.Span},
		"span to nothing":     {from: spanA, to: nil},
		"nothing to span":     {from: nil, to: &txB.Span},
		"transaction to span": {from: &txA.Span, to: spanA},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mem := make([]byte, ThreadStorageSize)
			ts := &ThreadStorage{mem: mem}
			ts.Update(tc.from)

			plan := planUpdate(nil, tc.to)
			require.NotEmpty(t, plan)
			assert.Equal(t, wordWrite{FlagsOffset, 0}, plan[0])
			for _, w := range plan[1 : len(plan)-1] {
				assert.NotEqual(t, FlagsOffset, w.offset)
			}

			for i, w := range plan {
				storeWord(mem, w.offset, w.value)
				snap := ts.Snapshot()
				if i > 0 && i < len(plan)-1 {
					assert.False(t, snap.Active(), "active after %d stores", i+1)
				}
				if snap.Active() {
					assertDescribes(t, tc.to, snap)
				}
			}

			final := ts.Snapshot()
			if tc.to == nil {
				assert.Equal(t, ThreadSnapshot{}, final)
			} else {
				assert.True(t, final.Active())
				assertDescribes(t, tc.to, final)
				assert.Equal(t, tc.to.Sampled(), final.Sampled())
			}
		})
	}
}

func assertDescribes(t *testing.T, span *apm.Span, snap ThreadSnapshot) {
	t.Helper()
	require.NotNil(t, span)
	assert.Equal(t, span.TraceID(), snap.TraceID)
	assert.Equal(t, span.ID(), snap.SpanID)
	assert.Equal(t, span.TransactionID(), snap.TransactionID)
}

func TestThreadStorage(t *testing.T) {
	agent, lib := newTestAgent(t)
	memory := NewMemory(agent)
	tracer := apm.NewTracer("svc", nil)

	tx := tracer.StartTransaction("GET /", "request", apm.TransactionOptions{
		TraceID: libpf.APMTraceID{0: 1, 15: 2},
		ID:      libpf.APMSpanID{0: 3, 7: 4},
	})
	span := tx.StartSpan("db")

	require.NoError(t, memory.Bind(7))
	require.NoError(t, memory.Bind(7))
	assert.Equal(t, []string{ThreadStoragePrefix + "7"}, lib.StorageNames())
	mem := lib.ThreadStorage(7)
	require.Len(t, mem, ThreadStorageSize)

	require.True(t, memory.Update(7, span))
	snap, ok := DecodeThreadStorage(mem)
	require.True(t, ok)
	assert.Equal(t, tx.TraceID(), snap.TraceID)
	assert.Equal(t, span.ID(), snap.SpanID)
	assert.Equal(t, tx.ID(), snap.TransactionID)
	assert.True(t, snap.Active())
	assert.True(t, snap.Sampled())
	assert.Equal(t, apm.FlagSampled|FlagActive, snap.Flags)
	assert.Equal(t, []byte{1}, mem[0:1])
	assert.Equal(t, byte(2), mem[15])
	assert.Equal(t, byte(3), mem[TransactionIDOffset])
	assert.Equal(t, byte(4), mem[TransactionIDOffset+7])

	fromMemory, ok := memory.Snapshot(7)
	require.True(t, ok)
	assert.Equal(t, snap, fromMemory)

	require.True(t, memory.Update(7, nil))
	assert.Equal(t, make([]byte, ThreadStorageSize), mem)

	assert.False(t, memory.Update(8, span))
	_, ok = memory.Snapshot(8)
	assert.False(t, ok)

	require.NoError(t, memory.ReleaseTask(7))
	require.NoError(t, memory.ReleaseTask(7))
	assert.Nil(t, lib.ThreadStorage(7))
	assert.Empty(t, lib.StorageNames())
	assert.False(t, memory.Update(7, span))
}

func TestMemoryClose(t *testing.T) {
	agent, lib := newTestAgent(t)
	memory := NewMemory(agent)
	for task := range libpf.TaskID(4) {
		require.NoError(t, memory.Bind(task))
	}
	assert.Equal(t, 4, memory.Tasks())

	require.NoError(t, memory.Close())
	assert.Zero(t, memory.Tasks())
	assert.Empty(t, lib.StorageNames())
	assert.ErrorIs(t, memory.Bind(1), ErrMemoryClosed)
}

func TestMemoryBindFailure(t *testing.T) {
	agent, lib := newTestAgent(t)
	memory := NewMemory(agent)
	errBoom := errors.New("boom")

	lib.FailCalls(errBoom)
	require.ErrorIs(t, memory.Bind(1), errBoom)
	assert.False(t, memory.Bound(1))
	// Transient failures keep the agent usable.
	assert.Equal(t, nativeagent.Initialized, agent.State())

	lib.FailCalls(nil)
	require.NoError(t, memory.Bind(1))
	assert.True(t, memory.Bound(1))
}

func TestDecodeThreadStorageShort(t *testing.T) {
	_, ok := DecodeThreadStorage(make([]byte, ThreadStorageSize-1))
	assert.False(t, ok)
}
