// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_RetainRelease(t *testing.T) {
	pool := NewBufferPool(64, 4)
	buf := pool.Get(10)

	assert.Equal(t, 10, buf.Len())
	assert.Equal(t, 64, buf.Cap())
	assert.Equal(t, int32(1), buf.RefCount())

	buf.Retain()
	assert.Equal(t, int32(2), buf.RefCount())

	buf.Release()
	assert.Equal(t, int32(1), buf.RefCount())
	assert.Equal(t, int64(1), pool.Stats().Leased)

	buf.Release()
	assert.Equal(t, int64(0), pool.Stats().Leased)
}

func TestBuffer_DoubleReleasePanics(t *testing.T) {
	pool := NewBufferPool(64, 4)
	buf := pool.Get(10)
	buf.Release()

	assert.Panics(t, func() { buf.Release() })
}

func TestBufferPool_Reuse(t *testing.T) {
	pool := NewBufferPool(64, 4)

	buf1 := pool.Get(32)
	ptr1 := &buf1.data[0]
	buf1.Release()

	buf2 := pool.Get(16)
	ptr2 := &buf2.data[0]
	assert.Same(t, ptr1, ptr2, "buffer should be reused from pool")
	assert.Equal(t, 16, buf2.Len())
	assert.Equal(t, int32(1), buf2.RefCount())
	buf2.Release()

	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Leased)
}

func TestBufferPool_OversizedNotPooled(t *testing.T) {
	pool := NewBufferPool(64, 4)

	big := pool.Get(100)
	assert.Equal(t, 100, big.Len())
	big.Release()

	assert.Empty(t, pool.free)
	assert.Equal(t, int64(0), pool.Stats().Leased)
}

func TestBufferPool_FullPoolDropsBuffers(t *testing.T) {
	pool := NewBufferPool(64, 1)

	a, b := pool.Get(1), pool.Get(1)
	a.Release()
	b.Release()

	assert.Len(t, pool.free, 1)
	assert.Equal(t, DefaultBufferSize, NewBufferPool(0, 1).BufferSize())
}

type countingReleaser struct {
	calls atomic.Int32
}

func (c *countingReleaser) Release() {
	c.calls.Add(1)
}

func TestSharedRelease_FiresOnLastShare(t *testing.T) {
	target := &countingReleaser{}
	shared := NewSharedRelease(target, 3)

	shared.Release()
	shared.Release()
	assert.Equal(t, int32(0), target.calls.Load())
	assert.Equal(t, 1, shared.Remaining())

	shared.Release()
	assert.Equal(t, int32(1), target.calls.Load())
}

func TestSharedRelease_ZeroReleasesImmediately(t *testing.T) {
	for _, n := range []int{0, -1} {
		target := &countingReleaser{}
		shared := NewSharedRelease(target, n)
		assert.Equal(t, int32(1), target.calls.Load())

		shared.Release()
		assert.Equal(t, int32(1), target.calls.Load())
	}
}

func TestSharedRelease_ExtraCallsIgnored(t *testing.T) {
	target := &countingReleaser{}
	shared := NewSharedRelease(target, 2)

	for i := 0; i < 5; i++ {
		shared.Release()
	}
	assert.Equal(t, int32(1), target.calls.Load())
	assert.Equal(t, 0, shared.Remaining())
}

func TestSharedRelease_Concurrent(t *testing.T) {
	pool := NewBufferPool(64, 4)
	buf := pool.Get(8)
	shared := NewSharedRelease(buf, 64)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shared.Release()
			shared.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), pool.Stats().Leased)
	require.Len(t, pool.free, 1)
}

func TestReleaseFunc(t *testing.T) {
	called := 0
	ReleaseFunc(func() { called++ }).Release()
	assert.Equal(t, 1, called)

	assert.NotPanics(t, func() { Nop.Release() })
}
