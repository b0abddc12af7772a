// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"sync"
)

const compactThreshold = 64

// queue is an unbounded FIFO of commands with a single consumer.
// push never blocks.
type queue struct {
	mu     sync.Mutex
	items  []Command
	head   int
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

// push appends c. It reports false once the queue is closed.
func (q *queue) push(c Command) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, c)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop waits for the next command. It returns false when ctx is done or the
// queue is closed and empty.
func (q *queue) pop(ctx context.Context) (Command, bool) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			c := q.items[q.head]
			q.items[q.head] = nil
			q.head++
			q.compact()
			q.mu.Unlock()
			return c, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

func (q *queue) compact() {
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}

// close stops accepting commands and returns the ones never consumed.
func (q *queue) close() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := make([]Command, len(q.items)-q.head)
	copy(rest, q.items[q.head:])
	q.items = nil
	q.head = 0

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return rest
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
