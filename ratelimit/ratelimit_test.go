// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, r float64, burst int) (*IPRateLimiter, *fakeClock) {
	l := NewIPRateLimiter(r, burst, time.Hour)
	t.Cleanup(l.Stop)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l.now = clock.now
	return l, clock
}

type hostPort string

func (a hostPort) Network() string { return "websocket" }
func (a hostPort) String() string  { return string(a) }

func TestIPRateLimiter_Allow(t *testing.T) {
	l, clock := newLimiter(t, 5, 2)
	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	assert.True(t, l.Allow(addr))
	assert.True(t, l.Allow(addr), "second request is within the burst")
	assert.False(t, l.Allow(addr), "burst exhausted")

	clock.advance(200 * time.Millisecond)
	assert.True(t, l.Allow(addr), "one token refilled")
	assert.False(t, l.Allow(addr))
}

func TestIPRateLimiter_DifferentIPs(t *testing.T) {
	l, _ := newLimiter(t, 1, 1)
	addr1 := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	addr2 := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 1234}

	assert.True(t, l.Allow(addr1))
	assert.True(t, l.Allow(addr2))
	assert.False(t, l.Allow(addr1))
	assert.False(t, l.Allow(addr2))

	// Same IP, different port shares the bucket.
	assert.False(t, l.Allow(&net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 9999}))
	assert.Equal(t, 2, l.Len())
}

func TestIPRateLimiter_NilAddr(t *testing.T) {
	l, _ := newLimiter(t, 1, 1)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(nil))
	}
	assert.Equal(t, 0, l.Len())
}

func TestIPRateLimiter_RemoveStale(t *testing.T) {
	l, clock := newLimiter(t, 1, 1)
	old := &net.TCPAddr{IP: net.ParseIP("10.0.0.1")}
	fresh := &net.TCPAddr{IP: net.ParseIP("10.0.0.2")}

	l.Allow(old)
	clock.advance(90 * time.Minute)
	l.Allow(fresh)
	clock.advance(40 * time.Minute)

	l.removeStale()
	assert.Equal(t, 1, l.Len())

	// The stale IP starts over with a full bucket.
	assert.True(t, l.Allow(old))
	assert.Equal(t, 2, l.Len())
}

func TestNilLimiterAllows(t *testing.T) {
	var l *IPRateLimiter
	assert.True(t, l.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.1")}))
	assert.Equal(t, 0, l.Len())
	l.Stop()
}

func TestNew(t *testing.T) {
	assert.Nil(t, New(DefaultConfig()))

	cfg := DefaultConfig()
	cfg.Enabled = true
	l := New(cfg)
	defer l.Stop()
	assert.NotNil(t, l)
	assert.Equal(t, cfg.Burst, l.burst)
}

func TestExtractIP(t *testing.T) {
	cases := []struct {
		desc string
		addr net.Addr
		want string
	}{
		{desc: "tcp", addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}, want: "192.168.1.1"},
		{desc: "udp", addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5678}, want: "10.0.0.1"},
		{desc: "ipv6", addr: &net.TCPAddr{IP: net.ParseIP("::1"), Port: 1234}, want: "::1"},
		{desc: "host port string", addr: hostPort("172.16.0.3:40000"), want: "172.16.0.3"},
		{desc: "bare string", addr: hostPort("unix-socket"), want: "unix-socket"},
		{desc: "nil", addr: nil, want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, extractIP(tc.addr))
		})
	}
}
