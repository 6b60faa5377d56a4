// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package simprofiler emulates the external profiler side of the correlation
// protocol. It discovers the correlation storages of a traced process,
// announces itself by writing a profiler version, samples the active span of
// every task and sends attributions back over the return channel.
package simprofiler // import "go.opentelemetry.io/apm-correlation/simprofiler"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/apm-correlation/correlation"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/remotememory"
)

// ErrNoProcessStorage is returned when the process does not publish a
// process storage.
var ErrNoProcessStorage = errors.New("process storage not found")

// ErrNoReturnChannel is returned when the process storage holds no socket path.
var ErrNoReturnChannel = errors.New("no return channel published")

// ProcessInfo is the content of the process storage.
type ProcessInfo struct {
	ProfilerVersion uint64
	ServiceName     string
	SocketPath      string
}

// ReadProcessStorage decodes the process storage at addr.
func ReadProcessStorage(rm remotememory.RemoteMemory, addr libpf.Address) (ProcessInfo, error) {
	version, err := rm.Uint64Checked(addr + correlation.ProfilerVersionOffset)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("failed to read profiler version: %w", err)
	}
	name, next, err := rm.LengthPrefixed(addr+correlation.ServiceNameOffset,
		correlation.MaxServiceNameLength)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("failed to read service name: %w", err)
	}
	// The socket path starts at the next 8 byte boundary.
	next = (next + 7) &^ 7
	path, _, err := rm.LengthPrefixed(next, correlation.MaxSocketPathLength)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("failed to read socket path: %w", err)
	}
	return ProcessInfo{
		ProfilerVersion: version,
		ServiceName:     string(name),
		SocketPath:      string(path),
	}, nil
}

// Sample is the state of one task at sampling time.
type Sample struct {
	Task     libpf.TaskID
	Snapshot correlation.ThreadSnapshot
}

// StackTraceID derives a stable stack trace ID for a sample, standing in for
// the hash of an unwound stack.
func (s Sample) StackTraceID() libpf.TraceHash {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(s.Task))
	copy(buf[8:], s.Snapshot.SpanID[:])
	h := xxh3.Hash128(buf[:])
	return libpf.NewTraceHash(h.Hi, h.Lo)
}

// Profiler is attached to one traced process.
type Profiler struct {
	pid     libpf.PID
	rm      remotememory.RemoteMemory
	version uint64
	regions func() ([]Region, error)

	layout Layout
	info   ProcessInfo
	socket *agentSocket
}

// Attach discovers the correlation storages of pid and writes version into
// its process storage.
func Attach(pid libpf.PID, version uint64) (*Profiler, error) {
	return attach(pid, version, remotememory.NewProcessVirtualMemory(pid),
		func() ([]Region, error) { return ReadMaps(pid) })
}

func attach(pid libpf.PID, version uint64, rm remotememory.RemoteMemory,
	regions func() ([]Region, error)) (*Profiler, error) {
	p := &Profiler{
		pid:     pid,
		rm:      rm,
		version: version,
		regions: regions,
	}
	if err := p.Refresh(); err != nil {
		return nil, err
	}
	if err := rm.PutUint64(p.layout.Process+correlation.ProfilerVersionOffset,
		version); err != nil {
		return nil, fmt.Errorf("failed to write profiler version: %w", err)
	}
	log.Infof("Attached to PID %d, service %q, return channel %q",
		pid, p.info.ServiceName, p.info.SocketPath)
	return p, nil
}

// Refresh re-reads the memory map and the process storage. The return
// channel is resolved again when its path changed.
func (p *Profiler) Refresh() error {
	regions, err := p.regions()
	if err != nil {
		return fmt.Errorf("failed to read memory map of PID %d: %w", p.pid, err)
	}
	layout := FindLayout(regions)
	if layout.Process == 0 {
		return ErrNoProcessStorage
	}
	info, err := ReadProcessStorage(p.rm, layout.Process)
	if err != nil {
		return err
	}

	if info.SocketPath != p.info.SocketPath || p.socket == nil {
		p.socket = nil
		if info.SocketPath != "" {
			socket, err := openAgentSocket(p.pid, info.SocketPath)
			if err != nil {
				log.Warnf("Failed to open return channel of PID %d: %v", p.pid, err)
			} else {
				p.socket = socket
			}
		}
	}
	p.layout = layout
	p.info = info
	return nil
}

// Info returns the process storage content seen by the last Refresh.
func (p *Profiler) Info() ProcessInfo {
	return p.info
}

// Tasks returns the tasks with a thread storage, in ascending order.
func (p *Profiler) Tasks() []libpf.TaskID {
	return slices.Sorted(maps.Keys(p.layout.Threads))
}

// Sample reads the thread storage of every task and returns the tasks that
// have an active span.
func (p *Profiler) Sample() []Sample {
	var samples []Sample
	buf := make([]byte, correlation.ThreadStorageSize)
	for _, task := range p.Tasks() {
		if err := p.rm.Read(p.layout.Threads[task], buf); err != nil {
			log.Debugf("Failed to read thread storage of task %d: %v", task, err)
			continue
		}
		snap, ok := correlation.DecodeThreadStorage(buf)
		if !ok || !snap.Active() {
			continue
		}
		samples = append(samples, Sample{Task: task, Snapshot: snap})
	}
	return samples
}

// Report sends count attributions of stack to the transaction of s.
func (p *Profiler) Report(s Sample, stack libpf.TraceHash, count uint16) error {
	if p.socket == nil {
		return ErrNoReturnChannel
	}
	msg := correlation.Message{
		TraceID:       s.Snapshot.TraceID,
		TransactionID: s.Snapshot.TransactionID,
		StackTraceID:  stack,
		Count:         count,
	}
	log.Debugf("Reporting %dx trace hash %s -> TX %s for PID %d",
		count, stack.StringNoQuotes(), s.Snapshot.TransactionID, p.pid)
	return p.socket.send(msg.EncodeVersioned())
}
