// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "go.opentelemetry.io/apm-correlation/reporter"

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FifoRingBuffer is a bounded first-in-first-out queue that is safe for
// concurrent access. When full, appending drops the oldest element.
type FifoRingBuffer[T any] struct {
	mu sync.Mutex

	// name identifies the buffer in log messages.
	name string

	data []T

	// head is the position of the oldest element in data.
	head int

	// count is the number of elements in data.
	count int

	// overwritten counts dropped elements since the last OverwriteCount call.
	overwritten uint32

	// warned is set when the buffer filled up and reset when it is drained.
	warned bool
}

// NewFifoRingBuffer returns an empty buffer holding up to size elements.
func NewFifoRingBuffer[T any](size int, name string) (*FifoRingBuffer[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("unsupported size of fifo %s: %d", name, size)
	}
	return &FifoRingBuffer[T]{
		name: name,
		data: make([]T, size),
	}, nil
}

// Append adds v to the end of the buffer. It reports whether the oldest
// element had to be dropped to make room.
func (q *FifoRingBuffer[T]) Append(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := len(q.data)
	if q.count < size {
		q.data[(q.head+q.count)%size] = v
		q.count++
		if q.count == size && !q.warned {
			q.warned = true
			log.Warnf("About to start overwriting elements in buffer for %s", q.name)
		}
		return false
	}

	q.data[q.head] = v
	q.head = (q.head + 1) % size
	q.overwritten++
	return true
}

// ReadAll removes and returns all elements, oldest first.
func (q *FifoRingBuffer[T]) ReadAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, q.count)
	var zero T
	for i := range out {
		pos := (q.head + i) % len(q.data)
		out[i] = q.data[pos]
		// Allow the element to be garbage collected.
		q.data[pos] = zero
	}
	q.head = 0
	q.count = 0
	q.warned = false
	return out
}

// Len returns the number of queued elements.
func (q *FifoRingBuffer[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// OverwriteCount returns the number of dropped elements since the previous
// call.
func (q *FifoRingBuffer[T]) OverwriteCount() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.overwritten
	q.overwritten = 0
	return n
}
