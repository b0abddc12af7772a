// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"

	"github.com/absmach/brokerish/core"
	"github.com/absmach/brokerish/mqtt/packets"
)

// DefaultOutboxSize is the per-client outgoing queue capacity.
const DefaultOutboxSize = 256

// Outgoing is a packet queued for one client.
type Outgoing struct {
	Packet packets.Packet
	// Release, if set, is called once the packet has been written or dropped.
	Release core.Releaser
	// CloseAfterSend closes the connection once the packet is written.
	CloseAfterSend bool
}

func (o Outgoing) release() {
	if o.Release != nil {
		o.Release.Release()
	}
}

// Outbox is the bounded outgoing queue of one connection. The broker offers
// packets without blocking; the connection writer drains it.
type Outbox struct {
	mu     sync.Mutex
	ch     chan Outgoing
	closed bool
}

// NewOutbox creates an outbox holding at most size packets.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{ch: make(chan Outgoing, size)}
}

// Offer queues m without blocking. It reports false when the outbox is full
// or closed; the caller keeps the release obligation of m in that case.
func (o *Outbox) Offer(m Outgoing) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- m:
		return true
	default:
		return false
	}
}

// C returns the channel the writer drains. It is closed by Close.
func (o *Outbox) C() <-chan Outgoing {
	return o.ch
}

// Close stops accepting packets. Packets already queued stay readable from C
// so the consumer can release them. Close is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}

// Closed reports whether Close has been called.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Len returns the number of queued packets.
func (o *Outbox) Len() int {
	return len(o.ch)
}

// Drain releases every queued packet without writing it. It returns once
// the outbox is closed and empty.
func (o *Outbox) Drain() {
	for m := range o.ch {
		m.release()
	}
}
