// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "sync/atomic"

// Releaser gives back a leased resource. Each lease is released once per
// logical consumer.
type Releaser interface {
	Release()
}

// ReleaseFunc adapts a function to the Releaser interface.
type ReleaseFunc func()

// Release calls f.
func (f ReleaseFunc) Release() {
	if f != nil {
		f()
	}
}

// Nop is a Releaser that does nothing.
var Nop Releaser = ReleaseFunc(nil)

var (
	_ Releaser = (*Buffer)(nil)
	_ Releaser = (*SharedRelease)(nil)
)

// SharedRelease splits one release obligation across n consumers.
// The underlying Releaser fires exactly once, on the call that brings the
// count to zero. Calls beyond n are ignored.
type SharedRelease struct {
	remaining atomic.Int32
	target    Releaser
}

// NewSharedRelease returns a SharedRelease for n consumers of r.
// With n <= 0 there is nobody to wait for and r is released immediately.
func NewSharedRelease(r Releaser, n int) *SharedRelease {
	s := &SharedRelease{target: r}
	if n <= 0 {
		r.Release()
		return s
	}
	s.remaining.Store(int32(n))
	return s
}

// Release gives back one share.
func (s *SharedRelease) Release() {
	for {
		n := s.remaining.Load()
		if n <= 0 {
			return
		}
		if s.remaining.CompareAndSwap(n, n-1) {
			if n == 1 {
				s.target.Release()
			}
			return
		}
	}
}

// Remaining returns the number of shares not yet released.
func (s *SharedRelease) Remaining() int {
	return int(s.remaining.Load())
}
