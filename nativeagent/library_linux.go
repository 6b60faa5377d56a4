// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeagent // import "go.opentelemetry.io/apm-correlation/nativeagent"

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/apm-correlation/libpf"
)

// linuxLibrary implements Library with anonymous mappings and a unix datagram
// socket. Mappings are named with PR_SET_VMA_ANON_NAME so that they show up
// as [anon:<name>] in /proc/<pid>/maps.
type linuxLibrary struct {
	mu sync.Mutex

	// regions maps the first byte of every handed out storage slice to its
	// full page aligned mapping.
	regions map[*byte][]byte
	process []byte
	threads map[libpf.TaskID][]byte

	fd   int
	path string

	namingUnsupported bool
}

var _ Library = (*linuxLibrary)(nil)

// NewLibrary returns the native library of the current platform.
func NewLibrary() Library {
	return &linuxLibrary{fd: -1}
}

// CurrentTask returns the kernel thread ID of the calling OS thread. Callers
// must pin their goroutine with runtime.LockOSThread for the ID to stay
// meaningful.
func CurrentTask() (libpf.TaskID, bool) {
	return libpf.TaskID(unix.Gettid()), true
}

func (l *linuxLibrary) Load() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("unix datagram sockets unavailable: %w", err)
	}
	_ = unix.Close(fd)

	mem, err := unix.Mmap(-1, 0, os.Getpagesize(),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("anonymous mappings unavailable: %w", err)
	}
	return unix.Munmap(mem)
}

func (l *linuxLibrary) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.regions = make(map[*byte][]byte)
	l.threads = make(map[libpf.TaskID][]byte)
	l.process = nil
	l.fd = -1
	l.path = ""
	return nil
}

func (l *linuxLibrary) Destroy() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.fd >= 0 {
		errs = append(errs, l.stopReturnChannel())
	}
	l.process = nil
	clear(l.threads)
	// Regions still handed out are owned by their users and freed through
	// FreeStorage or left mapped.
	return errors.Join(errs...)
}

func (l *linuxLibrary) AllocateStorage(name string, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid storage size %d", size)
	}
	pageSize := os.Getpagesize()
	mapSize := (size + pageSize - 1) &^ (pageSize - 1)

	mapping, err := unix.Mmap(-1, 0, mapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", mapSize, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nameRegion(mapping, name)
	l.regions[&mapping[0]] = mapping
	return mapping[:size], nil
}

// nameRegion labels the mapping. Kernels without CONFIG_ANON_VMA_NAME reject
// the request, in which case the storage still works but can only be found
// through the registered addresses.
func (l *linuxLibrary) nameRegion(mapping []byte, name string) {
	if l.namingUnsupported {
		return
	}
	cname, err := unix.ByteSliceFromString(name)
	if err != nil {
		log.Warnf("Invalid storage name %q: %v", name, err)
		return
	}
	err = unix.Prctl(unix.PR_SET_VMA, unix.PR_SET_VMA_ANON_NAME,
		uintptr(unsafe.Pointer(&mapping[0])), uintptr(len(mapping)),
		uintptr(unsafe.Pointer(&cname[0])))
	if err != nil {
		log.Infof("Naming anonymous mappings is not supported: %v", err)
		l.namingUnsupported = true
	}
}

func (l *linuxLibrary) FreeStorage(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := &mem[0]
	mapping, ok := l.regions[key]
	if !ok {
		return errors.New("storage was not allocated by this library")
	}
	delete(l.regions, key)
	return unix.Munmap(mapping)
}

func (l *linuxLibrary) SetProcessStorage(mem []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.process = mem
	return nil
}

func (l *linuxLibrary) SetThreadStorage(task libpf.TaskID, mem []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mem == nil {
		delete(l.threads, task)
		return nil
	}
	l.threads[task] = mem
	return nil
}

func (l *linuxLibrary) StartReturnChannel(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fd >= 0 {
		return fmt.Errorf("return channel already bound to %s", l.path)
	}
	fd, err := unix.Socket(unix.AF_UNIX,
		unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create return channel socket: %w", err)
	}
	if err = unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind return channel to %s: %w", path, err)
	}
	l.fd = fd
	l.path = path
	return nil
}

func (l *linuxLibrary) ReadReturnChannel(buf []byte) (int, error) {
	l.mu.Lock()
	fd := l.fd
	l.mu.Unlock()
	if fd < 0 {
		return 0, errors.New("return channel is not running")
	}

	for {
		n, _, err := unix.Recvfrom(fd, buf, unix.MSG_DONTWAIT)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return 0, nil
		default:
			return 0, err
		}
	}
}

func (l *linuxLibrary) StopReturnChannel() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd < 0 {
		return nil
	}
	return l.stopReturnChannel()
}

// stopReturnChannel must be called with mu held.
func (l *linuxLibrary) stopReturnChannel() error {
	err := unix.Close(l.fd)
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	l.fd = -1
	l.path = ""
	return err
}

// The Go runtime offers no hook to observe individual allocations.
func (l *linuxLibrary) IsAllocationSamplingSupported() bool {
	return false
}

func (l *linuxLibrary) SetAllocationSamplingEnabled(enable bool, _ int, _ AllocationCallback) error {
	if !enable {
		return nil
	}
	return ErrAllocationSamplingUnsupported
}

func (l *linuxLibrary) SetAllocationSamplingRate(int) error {
	return ErrAllocationSamplingUnsupported
}
