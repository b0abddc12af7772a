// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/brokerish/broker"
	"github.com/absmach/brokerish/mqtt/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type stubListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newStubListener() *stubListener {
	return &stubListener{
		conns:  make(chan net.Conn, 32),
		closed: make(chan struct{}),
	}
}

func (l *stubListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	case conn := <-l.conns:
		return conn, nil
	}
}

func (l *stubListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *stubListener) Addr() net.Addr { return stubAddr("in-memory") }

type stubAddr string

func (a stubAddr) Network() string { return "stub" }
func (a stubAddr) String() string  { return string(a) }

type trackingConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackingConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// blockingHandler holds every connection until ctx is cancelled.
type blockingHandler struct {
	served atomic.Int32
}

func (h *blockingHandler) HandleConnection(ctx context.Context, conn net.Conn) {
	h.served.Add(1)
	<-ctx.Done()
}

type closingHandler struct {
	served atomic.Int32
}

func (h *closingHandler) HandleConnection(_ context.Context, conn net.Conn) {
	h.served.Add(1)
	conn.Close()
}

type denyAll struct {
	calls atomic.Int32
}

func (d *denyAll) Allow(net.Addr) bool {
	d.calls.Add(1)
	return false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(broker.DefaultConfig(), nil, quietLogger(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b
}

// listen runs s on a loopback port and returns its address.
func listen(t *testing.T, s *Server) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * waitTimeout):
			t.Error("server did not shut down")
		}
	})

	require.Eventually(t, func() bool { return s.Addr() != nil }, waitTimeout, time.Millisecond)
	return s.Addr().String()
}

func connect(t *testing.T, conn net.Conn, clientID string) *packets.ConnAck {
	t.Helper()
	bufs, err := packets.Encode(&packets.Connect{
		ProtocolName:    packets.ProtocolName,
		ProtocolVersion: packets.V5,
		CleanStart:      true,
		ClientID:        clientID,
	})
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(waitTimeout)))
	_, err = bufs.WriteTo(conn)
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	h, err := packets.ReadFixedHeader(r)
	require.NoError(t, err)
	content := make([]byte, h.RemainingLength)
	_, err = io.ReadFull(r, content)
	require.NoError(t, err)
	p, err := packets.Decode(h, content)
	require.NoError(t, err)

	ack, ok := p.(*packets.ConnAck)
	require.True(t, ok)
	return ack
}

// serve runs s on ln and returns a cancel func and the channel Serve reports on.
func serve(s *Server, ln net.Listener) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()
	return cancel, errCh
}

func wait(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * waitTimeout):
		require.FailNow(t, "Serve did not return")
		return nil
	}
}

func TestServerStartStop(t *testing.T) {
	server := New(Config{ShutdownTimeout: time.Second, Logger: quietLogger()}, &closingHandler{})

	cancel, errCh := serve(server, newStubListener())
	cancel()
	assert.NoError(t, wait(t, errCh))
}

func TestServeStopsWhenListenerCloses(t *testing.T) {
	server := New(Config{Logger: quietLogger()}, &closingHandler{})
	ln := newStubListener()

	cancel, errCh := serve(server, ln)
	defer cancel()
	ln.Close()
	assert.NoError(t, wait(t, errCh))
}

func TestShutdownDrainsConnections(t *testing.T) {
	h := &closingHandler{}
	server := New(Config{ShutdownTimeout: waitTimeout, Logger: quietLogger()}, h)
	ln := newStubListener()
	cancel, errCh := serve(server, ln)

	const n = 20
	for i := 0; i < n; i++ {
		serverConn, clientConn := net.Pipe()
		defer clientConn.Close()
		ln.conns <- serverConn
	}
	require.Eventually(t, func() bool { return h.served.Load() == n }, waitTimeout, time.Millisecond)

	cancel()
	assert.NoError(t, wait(t, errCh))
}

func TestShutdownTimeoutCancelsConnections(t *testing.T) {
	h := &blockingHandler{}
	server := New(Config{ShutdownTimeout: 20 * time.Millisecond, Logger: quietLogger()}, h)
	ln := newStubListener()
	cancel, errCh := serve(server, ln)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	conn := &trackingConn{Conn: serverConn}
	ln.conns <- conn
	require.Eventually(t, func() bool { return h.served.Load() == 1 }, waitTimeout, time.Millisecond)

	cancel()
	assert.ErrorIs(t, wait(t, errCh), ErrShutdownTimeout)
	assert.True(t, conn.closed.Load())
}

func TestConnectionLimit(t *testing.T) {
	server := New(Config{MaxConnections: 1, Logger: quietLogger()}, &closingHandler{})

	s1, c1 := net.Pipe()
	defer c1.Close()
	require.True(t, server.admit(s1))

	s2, c2 := net.Pipe()
	defer c2.Close()
	assert.False(t, server.admit(s2))

	server.release()
	s3, c3 := net.Pipe()
	defer c3.Close()
	assert.True(t, server.admit(s3))
	server.release()
}

func TestConnectionLimitRejectsOverCap(t *testing.T) {
	h := &blockingHandler{}
	server := New(Config{MaxConnections: 1, ShutdownTimeout: 20 * time.Millisecond, Logger: quietLogger()}, h)
	ln := newStubListener()
	cancel, errCh := serve(server, ln)

	s1, c1 := net.Pipe()
	defer c1.Close()
	ln.conns <- s1
	require.Eventually(t, func() bool { return h.served.Load() == 1 }, waitTimeout, time.Millisecond)

	s2, c2 := net.Pipe()
	defer c2.Close()
	extra := &trackingConn{Conn: s2}
	ln.conns <- extra
	require.Eventually(t, extra.closed.Load, waitTimeout, time.Millisecond)
	assert.Equal(t, int32(1), h.served.Load())

	cancel()
	assert.ErrorIs(t, wait(t, errCh), ErrShutdownTimeout)
}

func TestRateLimitedConnectionsAreClosed(t *testing.T) {
	h := &closingHandler{}
	limiter := &denyAll{}
	server := New(Config{RateLimiter: limiter, Logger: quietLogger()}, h)
	ln := newStubListener()
	cancel, errCh := serve(server, ln)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	conn := &trackingConn{Conn: serverConn}
	ln.conns <- conn

	require.Eventually(t, conn.closed.Load, waitTimeout, time.Millisecond)
	assert.Equal(t, int32(1), limiter.calls.Load())
	assert.Equal(t, int32(0), h.served.Load())

	cancel()
	assert.NoError(t, wait(t, errCh))
}

func TestDefaultConfigApplied(t *testing.T) {
	server := New(Config{}, &closingHandler{})

	assert.NotNil(t, server.cfg.Logger)
	assert.Equal(t, defaultShutdownTimeout, server.cfg.ShutdownTimeout)
	assert.Equal(t, defaultKeepAlive, server.cfg.TCPKeepAlive)
	assert.Nil(t, server.slots)
	assert.Nil(t, server.Addr())
}

func TestServeBroker(t *testing.T) {
	b := startBroker(t)
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: waitTimeout, Logger: quietLogger()}, b)
	addr := listen(t, server)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	ack := connect(t, conn, "plain-test-client")
	assert.Equal(t, packets.Success, ack.ReasonCode)
	require.Eventually(t, func() bool { return b.Stats().CurrentConnections == 1 }, waitTimeout, time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return b.Stats().CurrentConnections == 0 }, waitTimeout, time.Millisecond)
}
