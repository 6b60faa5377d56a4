// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package config // import "go.opentelemetry.io/apm-correlation/config"

import (
	"slices"
	"sync"
)

// Dynamic is a configuration value that may change at runtime. Listeners
// are notified after every change, in registration order.
type Dynamic[T comparable] struct {
	mu        sync.Mutex
	value     T
	nextID    int
	listeners []listener[T]
}

type listener[T comparable] struct {
	id int
	fn func(old, updated T)
}

// NewDynamic returns a Dynamic holding initial.
func NewDynamic[T comparable](initial T) *Dynamic[T] {
	return &Dynamic[T]{value: initial}
}

// Get returns the current value.
func (d *Dynamic[T]) Get() T {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value
}

// Set stores value and notifies the listeners if it differs from the current
// one. Listeners run on the calling goroutine without any lock held.
func (d *Dynamic[T]) Set(value T) {
	d.mu.Lock()
	old := d.value
	if old == value {
		d.mu.Unlock()
		return
	}
	d.value = value
	listeners := slices.Clone(d.listeners)
	d.mu.Unlock()

	for _, l := range listeners {
		l.fn(old, value)
	}
}

// OnChange registers fn and returns a function that unregisters it.
func (d *Dynamic[T]) OnChange(fn func(old, updated T)) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners = append(d.listeners, listener[T]{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.listeners = slices.DeleteFunc(d.listeners, func(l listener[T]) bool {
			return l.id == id
		})
	}
}
