// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package freelru wraps a synced go-freelru LRU and counts hits, misses and
// evictions so that cache behavior can be reported.
package freelru // import "go.opentelemetry.io/apm-correlation/libpf/freelru"

import (
	"sync/atomic"

	lru "github.com/elastic/go-freelru"
)

// LRU is a thread safe LRU with embedded statistics.
type LRU[K comparable, V any] struct {
	lru *lru.SyncedLRU[K, V]

	hit     atomic.Uint64
	miss    atomic.Uint64
	added   atomic.Uint64
	evicted atomic.Uint64
}

type Statistics struct {
	// Number of lookups that found an entry.
	Hit uint64
	// Number of lookups that found no entry.
	Miss uint64
	// Number of elements that were added to the cache.
	Added uint64
	// Number of elements that were pushed out by newer ones.
	Evicted uint64
}

func New[K comparable, V any](capacity uint32, hash lru.HashKeyCallback[K]) (*LRU[K, V], error) {
	cache, err := lru.NewSynced[K, V](capacity, hash)
	if err != nil {
		return nil, err
	}
	c := &LRU[K, V]{lru: cache}
	cache.SetOnEvict(func(K, V) { c.evicted.Add(1) })
	return c, nil
}

func (c *LRU[K, V]) Add(key K, value V) (evicted bool) {
	evicted = c.lru.Add(key, value)
	c.added.Add(1)
	return evicted
}

func (c *LRU[K, V]) Contains(key K) (ok bool) {
	ok = c.lru.Contains(key)
	if ok {
		c.hit.Add(1)
	} else {
		c.miss.Add(1)
	}
	return ok
}

// GetAndResetStatistics returns the internal statistics for this LRU and resets all values to 0.
func (c *LRU[K, V]) GetAndResetStatistics() Statistics {
	return Statistics{
		Hit:     c.hit.Swap(0),
		Miss:    c.miss.Swap(0),
		Added:   c.added.Swap(0),
		Evicted: c.evicted.Swap(0),
	}
}
