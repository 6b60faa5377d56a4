// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package correlation // import "go.opentelemetry.io/apm-correlation/correlation"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unicode/utf8"
	"unsafe"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/libpf/xsync"
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/nopanicslicereader"
)

const (
	// ProcessStorageName labels the process storage mapping.
	ProcessStorageName = "APM_CORREL_PROC"
	// ThreadStoragePrefix labels thread storage mappings, followed by the task.
	ThreadStoragePrefix = "APM_CORREL_TLS_"

	// ProcessStorageSize is the size of the process storage region.
	ProcessStorageSize = 4096
	// ThreadStorageSize is the size of a thread storage region.
	ThreadStorageSize = 40

	// Process storage layout.
	ProfilerVersionOffset = 0
	ServiceNameOffset     = 8

	// Thread storage layout.
	TraceIDOffset       = 0
	SpanIDOffset        = 16
	FlagsOffset         = 24
	TransactionIDOffset = 32

	// FlagActive marks a thread storage that describes an active span.
	FlagActive uint64 = 1 << 8

	// MaxServiceNameLength is the longest service name stored. Longer names
	// are truncated.
	MaxServiceNameLength = 128
	// MaxSocketPathLength is the longest socket path that can be published.
	MaxSocketPathLength = 1024
)

// ErrSocketPathTooLong is returned when a socket path does not fit the
// process storage.
var ErrSocketPathTooLong = errors.New("socket path too long")

// storeWord atomically writes v at the 8 byte aligned offset of mem.
func storeWord(mem []byte, offset int, v uint64) {
	_ = mem[offset+7]
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&mem[offset])), v)
}

// loadWord atomically reads the word at the 8 byte aligned offset of mem.
func loadWord(mem []byte, offset int) uint64 {
	_ = mem[offset+7]
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&mem[offset])))
}

// loadBytes fills b with a sequence of atomic word loads. len(b) must be a
// multiple of 8.
func loadBytes(mem []byte, offset int, b []byte) {
	for i := 0; i < len(b); i += 8 {
		binary.LittleEndian.PutUint64(b[i:], loadWord(mem, offset+i))
	}
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// ProcessStorage is the process wide region that tells the profiler which
// service it is looking at and where to send attributions. The profiler
// writes its version at offset 0 once it discovered the region.
//
// Layout: u64 profiler version, u64 service name length, service name bytes,
// padding to 8 bytes, u64 socket path length, socket path bytes.
type ProcessStorage struct {
	agent *nativeagent.Agent
	mem   []byte

	socketOffset int
}

// NewProcessStorage allocates and registers the process storage.
func NewProcessStorage(agent *nativeagent.Agent, serviceName string) (*ProcessStorage, error) {
	mem, err := agent.AllocateStorage(ProcessStorageName, ProcessStorageSize)
	if err != nil {
		return nil, err
	}
	ps := &ProcessStorage{agent: agent, mem: mem}
	ps.resetProfilerVersion()
	ps.setServiceName(serviceName)

	if err = agent.SetProcessStorage(mem); err != nil {
		_ = agent.FreeStorage(mem)
		return nil, err
	}
	return ps, nil
}

func (ps *ProcessStorage) resetProfilerVersion() {
	storeWord(ps.mem, ProfilerVersionOffset, 0)
}

// setServiceName publishes the length only after the bytes are in place, so
// a concurrent reader sees either no name or the complete one.
func (ps *ProcessStorage) setServiceName(name string) {
	if len(name) > MaxServiceNameLength {
		log.Warnf("Service name %q truncated to %d bytes", name, MaxServiceNameLength)
		name = truncateUTF8(name, MaxServiceNameLength)
	}
	storeWord(ps.mem, ServiceNameOffset, 0)
	copy(ps.mem[ServiceNameOffset+8:], name)
	storeWord(ps.mem, ServiceNameOffset, uint64(len(name)))

	ps.socketOffset = align8(ServiceNameOffset + 8 + len(name))
	storeWord(ps.mem, ps.socketOffset, 0)
}

func truncateUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ProfilerVersion returns the version written by the profiler, or zero if no
// profiler has discovered this process yet.
func (ps *ProcessStorage) ProfilerVersion() uint64 {
	return loadWord(ps.mem, ProfilerVersionOffset)
}

// ServiceName returns the published service name.
func (ps *ProcessStorage) ServiceName() string {
	n := loadWord(ps.mem, ServiceNameOffset)
	return string(ps.mem[ServiceNameOffset+8 : ServiceNameOffset+8+int(n)])
}

// SetSocketPath publishes the return channel path.
func (ps *ProcessStorage) SetSocketPath(path string) error {
	if len(path) > MaxSocketPathLength {
		return fmt.Errorf("%w: %d bytes", ErrSocketPathTooLong, len(path))
	}
	storeWord(ps.mem, ps.socketOffset, 0)
	copy(ps.mem[ps.socketOffset+8:], path)
	storeWord(ps.mem, ps.socketOffset, uint64(len(path)))
	return nil
}

// ClearSocketPath withdraws the published return channel path.
func (ps *ProcessStorage) ClearSocketPath() {
	storeWord(ps.mem, ps.socketOffset, 0)
}

// SocketPath returns the published return channel path or "".
func (ps *ProcessStorage) SocketPath() string {
	n := int(loadWord(ps.mem, ps.socketOffset))
	return string(ps.mem[ps.socketOffset+8 : ps.socketOffset+8+n])
}

// Close unregisters and frees the region.
func (ps *ProcessStorage) Close() error {
	return errors.Join(
		ps.agent.SetProcessStorage(nil),
		ps.agent.FreeStorage(ps.mem))
}

// ThreadSnapshot is a decoded copy of a thread storage.
type ThreadSnapshot struct {
	TraceID       libpf.APMTraceID
	SpanID        libpf.APMSpanID
	TransactionID libpf.APMTransactionID
	Flags         uint64
}

// Active reports whether the snapshot describes an active span.
func (s ThreadSnapshot) Active() bool {
	return s.Flags&FlagActive != 0
}

// Sampled reports whether the active span is sampled.
func (s ThreadSnapshot) Sampled() bool {
	return s.Flags&apm.FlagSampled != 0
}

// DecodeThreadStorage decodes a thread storage image. It returns false if b is
// too short.
func DecodeThreadStorage(b []byte) (ThreadSnapshot, bool) {
	var s ThreadSnapshot
	if len(b) < ThreadStorageSize {
		return s, false
	}
	copy(s.TraceID[:], nopanicslicereader.Bytes(b, TraceIDOffset, 16))
	copy(s.SpanID[:], nopanicslicereader.Bytes(b, SpanIDOffset, 8))
	s.Flags = nopanicslicereader.Uint64(b, FlagsOffset)
	copy(s.TransactionID[:], nopanicslicereader.Bytes(b, TransactionIDOffset, 8))
	return s, true
}

// ThreadStorage is the region describing the active span of one task.
type ThreadStorage struct {
	mem []byte
}

// Update publishes span, or "no span" when span is nil. The active flag is
// cleared first and set last so the profiler never sees a mix of two spans
// marked active.
func (ts *ThreadStorage) Update(span *apm.Span) {
	var buf [threadStorageWords + 1]wordWrite
	for _, w := range planUpdate(buf[:0], span) {
		storeWord(ts.mem, w.offset, w.value)
	}
}

// wordWrite is one atomic store into a thread storage.
type wordWrite struct {
	offset int
	value  uint64
}

const threadStorageWords = ThreadStorageSize / 8

// planUpdate appends the stores publishing span to dst, in the order they
// must happen.
func planUpdate(dst []wordWrite, span *apm.Span) []wordWrite {
	dst = append(dst, wordWrite{FlagsOffset, 0})
	if span == nil {
		return append(dst,
			wordWrite{TraceIDOffset, 0},
			wordWrite{TraceIDOffset + 8, 0},
			wordWrite{SpanIDOffset, 0},
			wordWrite{TransactionIDOffset, 0})
	}

	traceID := span.TraceID()
	spanID := span.ID()
	txID := span.TransactionID()
	return append(dst,
		wordWrite{TraceIDOffset, binary.LittleEndian.Uint64(traceID[:8])},
		wordWrite{TraceIDOffset + 8, binary.LittleEndian.Uint64(traceID[8:])},
		wordWrite{SpanIDOffset, binary.LittleEndian.Uint64(spanID[:])},
		wordWrite{TransactionIDOffset, binary.LittleEndian.Uint64(txID[:])},
		wordWrite{FlagsOffset, span.Flags() | FlagActive})
}

// Snapshot returns a word wise atomic copy of the storage.
func (ts *ThreadStorage) Snapshot() ThreadSnapshot {
	var buf [ThreadStorageSize]byte
	loadBytes(ts.mem, 0, buf[:])
	s, _ := DecodeThreadStorage(buf[:])
	return s
}

// ErrMemoryClosed is returned by Bind after Close.
var ErrMemoryClosed = errors.New("correlation memory closed")

type threadRegistry struct {
	closed  bool
	storage map[libpf.TaskID]*ThreadStorage
}

// Memory owns the thread storage of all tasks. Storage is only written while
// holding the registry lock, so a release never unmaps a region that is being
// updated.
type Memory struct {
	agent   *nativeagent.Agent
	threads xsync.RWMutex[threadRegistry]
}

// NewMemory returns an empty Memory.
func NewMemory(agent *nativeagent.Agent) *Memory {
	return &Memory{
		agent: agent,
		threads: xsync.NewRWMutex(threadRegistry{
			storage: make(map[libpf.TaskID]*ThreadStorage),
		}),
	}
}

// Bound reports whether task has storage.
func (m *Memory) Bound(task libpf.TaskID) bool {
	threads := m.threads.RLock()
	defer m.threads.RUnlock(&threads)
	_, ok := threads.storage[task]
	return ok
}

// Bind allocates and registers the storage of task unless it already exists.
func (m *Memory) Bind(task libpf.TaskID) error {
	if m.Bound(task) {
		return nil
	}

	threads := m.threads.WLock()
	defer m.threads.WUnlock(&threads)
	if threads.closed {
		return ErrMemoryClosed
	}
	if _, ok := threads.storage[task]; ok {
		return nil
	}

	mem, err := m.agent.AllocateStorage(fmt.Sprintf("%s%d", ThreadStoragePrefix, task),
		ThreadStorageSize)
	if err != nil {
		return err
	}
	if err = m.agent.SetThreadStorage(task, mem); err != nil {
		_ = m.agent.FreeStorage(mem)
		return err
	}
	threads.storage[task] = &ThreadStorage{mem: mem}
	return nil
}

// Update publishes span in the storage of task. It reports false if task has
// no storage.
func (m *Memory) Update(task libpf.TaskID, span *apm.Span) bool {
	threads := m.threads.RLock()
	defer m.threads.RUnlock(&threads)
	ts := threads.storage[task]
	if ts == nil {
		return false
	}
	ts.Update(span)
	return true
}

// Snapshot returns the current content of the storage of task.
func (m *Memory) Snapshot(task libpf.TaskID) (ThreadSnapshot, bool) {
	threads := m.threads.RLock()
	defer m.threads.RUnlock(&threads)
	ts := threads.storage[task]
	if ts == nil {
		return ThreadSnapshot{}, false
	}
	return ts.Snapshot(), true
}

// ReleaseTask unregisters and frees the storage of task. Tasks must be
// released once they will never activate spans again.
func (m *Memory) ReleaseTask(task libpf.TaskID) error {
	threads := m.threads.WLock()
	defer m.threads.WUnlock(&threads)
	return m.release(threads, task)
}

func (m *Memory) release(threads *threadRegistry, task libpf.TaskID) error {
	ts := threads.storage[task]
	if ts == nil {
		return nil
	}
	delete(threads.storage, task)
	return errors.Join(
		m.agent.SetThreadStorage(task, nil),
		m.agent.FreeStorage(ts.mem))
}

// Tasks returns the number of tasks with storage.
func (m *Memory) Tasks() int {
	threads := m.threads.RLock()
	defer m.threads.RUnlock(&threads)
	return len(threads.storage)
}

// Close releases every task and refuses further bindings.
func (m *Memory) Close() error {
	threads := m.threads.WLock()
	defer m.threads.WUnlock(&threads)
	threads.closed = true

	var errs []error
	for task := range threads.storage {
		if err := m.release(threads, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
