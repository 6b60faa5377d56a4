// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package simprofiler

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/correlation"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/nativeagent/nativeagenttest"
	"go.opentelemetry.io/apm-correlation/remotememory"
)

const testMaps = `55d4c0a00000-55d4c0a22000 r--p 00000000 08:01 1234   /usr/bin/app
7f3a00000000-7f3a00001000 rw-p 00000000 00:00 0          [anon:APM_CORREL_PROC]
7f3a00001000-7f3a00002000 rw-p 00000000 00:00 0          [anon:APM_CORREL_TLS_41]
7f3a00002000-7f3a00003000 rw-p 00000000 00:00 0          [anon:APM_CORREL_TLS_7]
7f3a00003000-7f3a00004000 rw-p 00000000 00:00 0          [anon:APM_CORREL_TLS_x]
7f3a00004000-7f3a00005000 rw-p 00000000 00:00 0          [anon:other]
7f3a00005000-7f3a00006000 rw-p 00000000 00:00 0
7ffd1c000000-7ffd1c021000 rw-p 00000000 00:00 0          [stack]
`

func TestParseMaps(t *testing.T) {
	regions, err := ParseMaps(strings.NewReader(testMaps))
	require.NoError(t, err)
	require.Len(t, regions, 5)
	assert.Equal(t, Region{
		Start: 0x7f3a00000000,
		End:   0x7f3a00001000,
		Name:  correlation.ProcessStorageName,
	}, regions[0])

	layout := FindLayout(regions)
	assert.Equal(t, libpf.Address(0x7f3a00000000), layout.Process)
	assert.Equal(t, map[libpf.TaskID]libpf.Address{
		41: 0x7f3a00001000,
		7:  0x7f3a00002000,
	}, layout.Threads)

	_, err = ParseMaps(strings.NewReader("zz-10 rw-p 0 00:00 0 [anon:x]\n"))
	require.Error(t, err)
}

// testProcess lays out the storages of a traced process in a local buffer:
// the process storage at base, thread storages in the following pages.
type testProcess struct {
	buf     *remotememory.Buffer
	lib     *nativeagenttest.Library
	storage *correlation.ProcessStorage
	memory  *correlation.Memory
	tasks   []libpf.TaskID
}

const testBase = libpf.Address(0x7f3a00000000)

func newTestProcess(t *testing.T, service string, tasks ...libpf.TaskID) *testProcess {
	t.Helper()
	lib := nativeagenttest.New()
	agent := nativeagent.New(lib)
	require.NoError(t, agent.EnsureInitialized())
	storage, err := correlation.NewProcessStorage(agent, service)
	require.NoError(t, err)
	memory := correlation.NewMemory(agent)
	for _, task := range tasks {
		require.NoError(t, memory.Bind(task))
	}
	return &testProcess{
		buf:     &remotememory.Buffer{Base: testBase, Data: make([]byte, 4096*(1+len(tasks)))},
		lib:     lib,
		storage: storage,
		memory:  memory,
		tasks:   tasks,
	}
}

// sync copies the storages of the fake library into the buffer.
func (p *testProcess) sync() {
	copy(p.buf.Data, p.lib.ProcessStorage())
	for i, task := range p.tasks {
		copy(p.buf.Data[4096*(i+1):], p.lib.ThreadStorage(task))
	}
}

func (p *testProcess) regions() ([]Region, error) {
	regions := []Region{{Start: testBase, End: testBase + 4096, Name: correlation.ProcessStorageName}}
	for i, task := range p.tasks {
		start := testBase + libpf.Address(4096*(i+1))
		regions = append(regions, Region{
			Start: start,
			End:   start + 4096,
			Name:  correlation.ThreadStoragePrefix + strconv.FormatUint(uint64(task), 10),
		})
	}
	return regions, nil
}

func TestReadProcessStorage(t *testing.T) {
	tests := map[string]struct {
		service string
		socket  string
	}{
		"empty":          {},
		"service":        {service: "checkout"},
		"service socket": {service: "checkout", socket: "/tmp/correl.sock"},
		"aligned":        {service: "12345678", socket: "/s"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p := newTestProcess(t, tc.service)
			if tc.socket != "" {
				require.NoError(t, p.storage.SetSocketPath(tc.socket))
			}
			p.sync()

			info, err := ReadProcessStorage(remotememory.RemoteMemory{Accessor: p.buf}, testBase)
			require.NoError(t, err)
			assert.Equal(t, ProcessInfo{ServiceName: tc.service, SocketPath: tc.socket}, info)
		})
	}
}

func TestProfilerSample(t *testing.T) {
	p := newTestProcess(t, "checkout", 3, 5)
	rm := remotememory.RemoteMemory{Accessor: p.buf}
	p.sync()

	prof, err := attach(1, 0x10203, rm, p.regions)
	require.NoError(t, err)
	assert.Equal(t, []libpf.TaskID{3, 5}, prof.Tasks())
	assert.Equal(t, "checkout", prof.Info().ServiceName)

	// The version is written into the traced process.
	assert.Equal(t, uint64(0x10203), rm.Uint64(testBase+correlation.ProfilerVersionOffset))

	tracer := apm.NewTracer("checkout", nil)
	tx := tracer.StartTransaction("GET /", "request", apm.TransactionOptions{})
	require.True(t, p.memory.Update(5, &tx.Span))
	p.sync()

	samples := prof.Sample()
	require.Len(t, samples, 1)
	assert.Equal(t, libpf.TaskID(5), samples[0].Task)
	assert.Equal(t, tx.ID(), samples[0].Snapshot.TransactionID)
	assert.Equal(t, tx.TraceID(), samples[0].Snapshot.TraceID)
	assert.True(t, samples[0].Snapshot.Sampled())

	assert.Equal(t, samples[0].StackTraceID(), samples[0].StackTraceID())
	assert.False(t, samples[0].StackTraceID().IsZero())

	require.ErrorIs(t, prof.Report(samples[0], samples[0].StackTraceID(), 1), ErrNoReturnChannel)
}

func TestAttachWithoutProcessStorage(t *testing.T) {
	_, err := attach(1, 1, remotememory.RemoteMemory{Accessor: &remotememory.Buffer{}},
		func() ([]Region, error) { return nil, nil })
	require.ErrorIs(t, err, ErrNoProcessStorage)
}
