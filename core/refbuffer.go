// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sync/atomic"
)

// DefaultBufferSize is the receive buffer capacity used when none is configured.
const DefaultBufferSize = 8192

// Buffer is a leased, fixed-capacity receive buffer. A leased buffer has a
// reference count of 1. Retain() increments the count, and Release()
// decrements it. When the count reaches 0, the buffer goes back to its pool.
//
// Releasing a buffer more times than it was retained is a caller bug and panics.
type Buffer struct {
	data     []byte
	refCount atomic.Int32
	pool     *BufferPool
}

// Bytes returns the leased bytes.
// The slice must not be modified after the buffer is shared.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the length of the leased region.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Cap returns the fixed capacity of the buffer.
func (b *Buffer) Cap() int {
	if b == nil {
		return 0
	}
	return cap(b.data)
}

// Retain increments the reference count.
func (b *Buffer) Retain() {
	if b == nil {
		return
	}
	b.refCount.Add(1)
}

// Release decrements the reference count and returns the buffer to its pool
// once nobody holds it.
func (b *Buffer) Release() {
	if b == nil {
		return
	}

	n := b.refCount.Add(-1)
	switch {
	case n == 0:
		if b.pool != nil {
			b.pool.put(b)
		}
	case n < 0:
		panic("core: buffer released more times than retained")
	}
}

// RefCount returns the current reference count (for testing/debugging).
func (b *Buffer) RefCount() int32 {
	if b == nil {
		return 0
	}
	return b.refCount.Load()
}

// BufferPool leases fixed-size buffers. Buffers requested larger than the
// pool size are allocated outside the pool and dropped on release.
type BufferPool struct {
	free    chan *Buffer
	bufSize int

	leased atomic.Int64
	hits   atomic.Uint64
	misses atomic.Uint64
}

// BufferPoolStats is a snapshot of pool counters.
type BufferPoolStats struct {
	// Leased is the number of buffers handed out and not yet released.
	Leased int64
	Hits   uint64
	Misses uint64
}

// NewBufferPool creates a pool of buffers of bufSize bytes keeping at most
// capacity idle buffers around.
func NewBufferPool(bufSize, capacity int) *BufferPool {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if capacity < 0 {
		capacity = 0
	}
	return &BufferPool{
		free:    make(chan *Buffer, capacity),
		bufSize: bufSize,
	}
}

// BufferSize returns the capacity of pooled buffers.
func (p *BufferPool) BufferSize() int {
	return p.bufSize
}

// Get leases a buffer whose length is size.
func (p *BufferPool) Get(size int) *Buffer {
	p.leased.Add(1)

	if size > p.bufSize {
		p.misses.Add(1)
		b := &Buffer{data: make([]byte, size), pool: p}
		b.refCount.Store(1)
		return b
	}

	select {
	case b := <-p.free:
		p.hits.Add(1)
		b.data = b.data[:size]
		b.refCount.Store(1)
		return b
	default:
		p.misses.Add(1)
		b := &Buffer{data: make([]byte, size, p.bufSize), pool: p}
		b.refCount.Store(1)
		return b
	}
}

func (p *BufferPool) put(b *Buffer) {
	p.leased.Add(-1)
	if cap(b.data) != p.bufSize {
		return
	}

	// Non-blocking; a full pool lets the GC have it.
	select {
	case p.free <- b:
	default:
	}
}

// Stats returns current pool statistics.
func (p *BufferPool) Stats() BufferPoolStats {
	return BufferPoolStats{
		Leased: p.leased.Load(),
		Hits:   p.hits.Load(),
		Misses: p.misses.Load(),
	}
}
