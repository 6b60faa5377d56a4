// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package nativeagent gates access to the native primitives that expose trace
// identity to an external profiler and receive sample attributions back.
//
// An Agent drives its Library through the lifecycle
//
//	NotLoaded -> Loaded -> Initialized -> (Destroy) -> Loaded
//
// where every step may fail into a terminal state. Every primitive wrapper
// initializes lazily and fails fast with ErrNotInitialized if the capability is
// unavailable, so callers degrade to no-ops instead of checking platforms.
package nativeagent // import "go.opentelemetry.io/apm-correlation/nativeagent"

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/apm-correlation/libpf"
)

// DefaultAllocationSamplingRate is the sampling interval in bytes used until
// SetAllocationSamplingRate is called.
const DefaultAllocationSamplingRate = 512 * 1024

// ErrNotInitialized is returned by all primitive wrappers when the agent is
// not in the Initialized state after trying to initialize it.
var ErrNotInitialized = errors.New("native correlation agent is not initialized")

// AllocationHandler receives sampled allocations together with the sampling
// rate that was active when the sample was taken.
type AllocationHandler func(task libpf.TaskID, samplingRateBytes int, sizeBytes int64)

// Agent owns the lifecycle of a native Library. Multiple independent agents
// may exist in one process.
type Agent struct {
	lib Library

	// mu guards state and cause. Primitive calls hold the read lock for the
	// duration of the native call so Destroy can never run concurrently.
	mu    sync.RWMutex
	state State
	cause error

	// allocMu serializes allocation sampling configuration changes.
	allocMu      sync.Mutex
	allocEnabled atomic.Bool
	allocRate    atomic.Int64
	allocHandler atomic.Pointer[AllocationHandler]
}

// New returns an Agent in the NotLoaded state.
func New(lib Library) *Agent {
	a := &Agent{lib: lib}
	a.allocRate.Store(DefaultAllocationSamplingRate)
	return a
}

// NewDefault returns an Agent backed by the library of the current platform.
func NewDefault() *Agent {
	return New(NewLibrary())
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// notInitializedError must be called with mu held.
func (a *Agent) notInitializedError() error {
	if a.cause != nil {
		return fmt.Errorf("%w (state: %s): %w", ErrNotInitialized, a.state, a.cause)
	}
	return fmt.Errorf("%w (state: %s)", ErrNotInitialized, a.state)
}

// EnsureInitialized drives the agent towards Initialized. It is idempotent
// and safe for concurrent use. A failed load or init is logged once and
// reported by every later call without touching the library again.
func (a *Agent) EnsureInitialized() error {
	a.mu.RLock()
	state := a.state
	a.mu.RUnlock()
	if state == Initialized {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case NotLoaded:
		if err := a.lib.Load(); err != nil {
			log.Errorf("Failed to load native correlation library: %v", err)
			a.state = LoadFailed
			a.cause = err
			return a.notInitializedError()
		}
		a.state = Loaded
		fallthrough
	case Loaded:
		if err := a.lib.Init(); err != nil {
			log.Errorf("Failed to initialize native correlation library: %v", err)
			a.state = InitializationFailed
			a.cause = err
			return a.notInitializedError()
		}
		a.state = Initialized
		log.Debugf("Native correlation library initialized")
		return nil
	case Initialized:
		return nil
	default:
		return a.notInitializedError()
	}
}

// Destroy tears down an Initialized agent. On success the agent returns to
// Loaded and may be initialized again. On failure it enters DestroyFailed and
// refuses all further native calls. Destroy is a no-op in any other state.
func (a *Agent) Destroy() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Initialized {
		return nil
	}
	if err := a.lib.Destroy(); err != nil {
		log.Errorf("Failed to shut down native correlation library: %v", err)
		a.state = DestroyFailed
		a.cause = err
		return fmt.Errorf("destroy native correlation library: %w", err)
	}
	a.allocEnabled.Store(false)
	a.state = Loaded
	return nil
}

// call runs fn against the library while holding the agent in the
// Initialized state. Errors returned by fn leave the state untouched.
func (a *Agent) call(op string, fn func(Library) error) error {
	if err := a.EnsureInitialized(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	// Destroy may have run between EnsureInitialized and taking the lock.
	if a.state != Initialized {
		return fmt.Errorf("%s: %w", op, a.notInitializedError())
	}
	if err := fn(a.lib); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AllocateStorage returns native memory of size bytes labelled with name.
func (a *Agent) AllocateStorage(name string, size int) ([]byte, error) {
	var mem []byte
	err := a.call("allocate storage", func(lib Library) error {
		var err error
		mem, err = lib.AllocateStorage(name, size)
		return err
	})
	return mem, err
}

// FreeStorage releases memory returned by AllocateStorage.
func (a *Agent) FreeStorage(mem []byte) error {
	return a.call("free storage", func(lib Library) error {
		return lib.FreeStorage(mem)
	})
}

// SetProcessStorage registers the process storage with the native layer.
func (a *Agent) SetProcessStorage(mem []byte) error {
	return a.call("set process storage", func(lib Library) error {
		return lib.SetProcessStorage(mem)
	})
}

// SetThreadStorage registers the storage of a single task.
func (a *Agent) SetThreadStorage(task libpf.TaskID, mem []byte) error {
	return a.call("set thread storage", func(lib Library) error {
		return lib.SetThreadStorage(task, mem)
	})
}

// StartReturnChannel opens the profiler return channel at path.
func (a *Agent) StartReturnChannel(path string) error {
	return a.call("start return channel", func(lib Library) error {
		return lib.StartReturnChannel(path)
	})
}

// ReadReturnChannel reads a single pending datagram without blocking.
func (a *Agent) ReadReturnChannel(buf []byte) (int, error) {
	var n int
	err := a.call("read return channel", func(lib Library) error {
		var err error
		n, err = lib.ReadReturnChannel(buf)
		return err
	})
	return n, err
}

// StopReturnChannel closes the profiler return channel.
func (a *Agent) StopReturnChannel() error {
	return a.call("stop return channel", func(lib Library) error {
		return lib.StopReturnChannel()
	})
}

// IsAllocationProfilingSupported reports whether allocation sampling can be
// enabled. Failures are logged and reported as false.
func (a *Agent) IsAllocationProfilingSupported() bool {
	supported := false
	err := a.call("check allocation sampling support", func(lib Library) error {
		supported = lib.IsAllocationSamplingSupported()
		return nil
	})
	if err != nil {
		log.Debugf("Allocation sampling unavailable: %v", err)
		return false
	}
	return supported
}

// SetAllocationSamplingCallback sets the handler for sampled allocations.
// The handler is invoked synchronously on the allocating task and must not
// block.
func (a *Agent) SetAllocationSamplingCallback(h AllocationHandler) {
	if h == nil {
		a.allocHandler.Store(nil)
		return
	}
	a.allocHandler.Store(&h)
}

// AllocationSamplingRate returns the configured sampling rate in bytes.
func (a *Agent) AllocationSamplingRate() int {
	return int(a.allocRate.Load())
}

// SetAllocationSamplingRate remembers the sampling rate and forwards it to the
// library while allocation sampling is enabled.
func (a *Agent) SetAllocationSamplingRate(rateBytes int) error {
	a.allocMu.Lock()
	defer a.allocMu.Unlock()

	if a.allocEnabled.Load() {
		if err := a.call("set allocation sampling rate", func(lib Library) error {
			return lib.SetAllocationSamplingRate(rateBytes)
		}); err != nil {
			return err
		}
	}
	a.allocRate.Store(int64(rateBytes))
	return nil
}

// SetAllocationProfilingEnabled starts or stops allocation sampling.
func (a *Agent) SetAllocationProfilingEnabled(enable bool) error {
	a.allocMu.Lock()
	defer a.allocMu.Unlock()

	rate := int(a.allocRate.Load())
	if err := a.call("set allocation sampling enabled", func(lib Library) error {
		return lib.SetAllocationSamplingEnabled(enable, rate, a.allocationSampled)
	}); err != nil {
		return err
	}
	a.allocEnabled.Store(enable)
	return nil
}

// AllocationProfilingEnabled reports whether allocation sampling is active.
func (a *Agent) AllocationProfilingEnabled() bool {
	return a.allocEnabled.Load()
}

func (a *Agent) allocationSampled(task libpf.TaskID, sizeBytes int64) {
	h := a.allocHandler.Load()
	if h == nil {
		return
	}
	(*h)(task, int(a.allocRate.Load()), sizeBytes)
}
