// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package nativeagenttest provides an in-memory nativeagent.Library for tests.
package nativeagenttest // import "go.opentelemetry.io/apm-correlation/nativeagent/nativeagenttest"

import (
	"errors"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/nativeagent"
)

// Library is a fake nativeagent.Library. The return channel is a queue of
// datagrams filled through Send, storage is plain Go memory.
type Library struct {
	mu sync.Mutex

	loadErr, initErr, destroyErr error
	callErr                      error

	loads, inits, destroys int

	allocationSupported bool
	allocEnabled        bool
	allocRate           int
	allocCallback       nativeagent.AllocationCallback

	storage   map[*byte]string
	process   []byte
	threads   map[libpf.TaskID][]byte
	path      string
	running   bool
	datagrams [][]byte
}

var _ nativeagent.Library = (*Library)(nil)

// New returns a fake library that loads and initializes successfully.
func New() *Library {
	return &Library{
		storage: make(map[*byte]string),
		threads: make(map[libpf.TaskID][]byte),
	}
}

// FailLoad makes Load fail with err.
func (l *Library) FailLoad(err error) { l.mu.Lock(); l.loadErr = err; l.mu.Unlock() }

// FailInit makes Init fail with err.
func (l *Library) FailInit(err error) { l.mu.Lock(); l.initErr = err; l.mu.Unlock() }

// FailDestroy makes Destroy fail with err.
func (l *Library) FailDestroy(err error) { l.mu.Lock(); l.destroyErr = err; l.mu.Unlock() }

// FailCalls makes every primitive fail with err until called with nil.
func (l *Library) FailCalls(err error) { l.mu.Lock(); l.callErr = err; l.mu.Unlock() }

// SupportAllocationSampling toggles allocation sampling support.
func (l *Library) SupportAllocationSampling(supported bool) {
	l.mu.Lock()
	l.allocationSupported = supported
	l.mu.Unlock()
}

// Counts returns how often Load, Init and Destroy were called.
func (l *Library) Counts() (loads, inits, destroys int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads, l.inits, l.destroys
}

func (l *Library) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	return l.loadErr
}

func (l *Library) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inits++
	return l.initErr
}

func (l *Library) Destroy() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroys++
	if l.destroyErr != nil {
		return l.destroyErr
	}
	l.running = false
	l.datagrams = nil
	l.allocEnabled = false
	l.process = nil
	clear(l.threads)
	return nil
}

func (l *Library) AllocateStorage(name string, size int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.callErr != nil {
		return nil, l.callErr
	}
	if size <= 0 {
		return nil, errors.New("invalid size")
	}
	mem := make([]byte, size)
	l.storage[&mem[0]] = name
	return mem, nil
}

func (l *Library) FreeStorage(mem []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.callErr != nil {
		return l.callErr
	}
	if len(mem) == 0 {
		return nil
	}
	if _, ok := l.storage[&mem[0]]; !ok {
		return errors.New("unknown storage")
	}
	delete(l.storage, &mem[0])
	return nil
}

// StorageNames returns the names of all storage regions currently allocated.
func (l *Library) StorageNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.storage))
	for _, name := range l.storage {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (l *Library) SetProcessStorage(mem []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.callErr != nil {
		return l.callErr
	}
	l.process = mem
	return nil
}

// StoreProcessWord atomically writes v at the 8 byte aligned offset of the
// registered process storage, the way a profiler publishes its version.
func (l *Library) StoreProcessWord(offset int, v uint64) {
	mem := l.ProcessStorage()
	_ = mem[offset+7]
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&mem[offset])), v)
}

// ProcessStorage returns the registered process storage, as a profiler would
// see it.
func (l *Library) ProcessStorage() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.process
}

func (l *Library) SetThreadStorage(task libpf.TaskID, mem []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.callErr != nil {
		return l.callErr
	}
	if mem == nil {
		delete(l.threads, task)
		return nil
	}
	l.threads[task] = mem
	return nil
}

// ThreadStorage returns the registered storage of task or nil.
func (l *Library) ThreadStorage(task libpf.TaskID) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threads[task]
}

func (l *Library) StartReturnChannel(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.callErr != nil {
		return l.callErr
	}
	if l.running {
		return errors.New("already running")
	}
	l.path = path
	l.running = true
	return nil
}

// ChannelPath returns the path of the running return channel or "".
func (l *Library) ChannelPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return ""
	}
	return l.path
}

// Send queues a datagram on the return channel. It reports false if the
// channel is not running, in which case the datagram is dropped.
func (l *Library) Send(datagram []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return false
	}
	l.datagrams = append(l.datagrams, slices.Clone(datagram))
	return true
}

// Pending returns the number of unread datagrams.
func (l *Library) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.datagrams)
}

func (l *Library) ReadReturnChannel(buf []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.callErr != nil {
		return 0, l.callErr
	}
	if !l.running {
		return 0, errors.New("not running")
	}
	if len(l.datagrams) == 0 {
		return 0, nil
	}
	n := copy(buf, l.datagrams[0])
	l.datagrams = l.datagrams[1:]
	return n, nil
}

func (l *Library) StopReturnChannel() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.callErr != nil {
		return l.callErr
	}
	l.running = false
	l.datagrams = nil
	return nil
}

func (l *Library) IsAllocationSamplingSupported() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocationSupported
}

func (l *Library) SetAllocationSamplingEnabled(enable bool, rateBytes int,
	cb nativeagent.AllocationCallback) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.callErr != nil {
		return l.callErr
	}
	if !l.allocationSupported {
		return nativeagent.ErrAllocationSamplingUnsupported
	}
	l.allocEnabled = enable
	l.allocRate = rateBytes
	l.allocCallback = cb
	return nil
}

func (l *Library) SetAllocationSamplingRate(rateBytes int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.callErr != nil {
		return l.callErr
	}
	l.allocRate = rateBytes
	return nil
}

// AllocationSamplingRate returns the rate last forwarded by the agent.
func (l *Library) AllocationSamplingRate() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocRate
}

// Allocate simulates a sampled allocation on task. It reports whether the
// callback was invoked.
func (l *Library) Allocate(task libpf.TaskID, sizeBytes int64) bool {
	l.mu.Lock()
	cb := l.allocCallback
	enabled := l.allocEnabled
	l.mu.Unlock()
	if !enabled || cb == nil {
		return false
	}
	cb(task, sizeBytes)
	return true
}

// SocketDir returns a fresh directory with a path short enough for unix
// socket names, which t.TempDir does not guarantee for long test names.
func SocketDir(tb testing.TB) string {
	tb.Helper()
	dir, err := os.MkdirTemp("", "apmc")
	if err != nil {
		tb.Fatalf("failed to create socket directory: %v", err)
	}
	tb.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}
