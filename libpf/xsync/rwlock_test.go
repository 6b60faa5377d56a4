// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"go.opentelemetry.io/apm-correlation/libpf/xsync"
)

type registry struct {
	buffers xsync.RWMutex[map[int][]byte]
}

func TestRWMutex(t *testing.T) {
	r := registry{buffers: xsync.NewRWMutex(map[int][]byte{})}

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buffers := r.buffers.WLock()
			(*buffers)[i] = make([]byte, 40)
			r.buffers.WUnlock(&buffers)
		}()
	}
	wg.Wait()

	buffers := r.buffers.RLock()
	assert.Len(t, *buffers, 16)
	r.buffers.RUnlock(&buffers)
	// RUnlock zeros the reference to make sure we can't accidentally use it after unlocking.
	assert.Nil(t, buffers)
}

func TestRWMutex_CrashOnUseAfterUnlock(t *testing.T) {
	m := xsync.NewRWMutex(uint64(0))
	p := m.WLock()
	*p = 123
	m.WUnlock(&p)

	assert.Panics(t, func() {
		*p = 345
	})
}
