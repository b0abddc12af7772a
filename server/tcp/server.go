// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp serves MQTT over plain TCP and TLS.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrShutdownTimeout reports connections that outlived ShutdownTimeout and
// were cancelled.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultKeepAlive       = 15 * time.Second
	// cancelGrace bounds the wait for handlers after their context is cancelled.
	cancelGrace = time.Second
)

// Handler serves a single accepted connection until it is closed.
type Handler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

// RateLimiter decides whether a connection from addr may be served.
type RateLimiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the TCP listener settings. Zero durations take defaults.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	RateLimiter     RateLimiter
	ShutdownTimeout time.Duration
	TCPKeepAlive    time.Duration
	MaxConnections  int
	DisableNoDelay  bool
}

// Server accepts connections and hands each to the Handler on its own
// goroutine.
type Server struct {
	cfg     Config
	handler Handler
	// slots holds one token per open connection; nil means unlimited.
	slots chan struct{}
	conns sync.WaitGroup

	mu sync.Mutex
	ln net.Listener
}

// New returns a server for h.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = defaultKeepAlive
	}

	s := &Server{cfg: cfg, handler: h}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Listen binds Address and serves it until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	attrs := []any{slog.String("address", ln.Addr().String()), slog.Bool("tls", s.cfg.TLSConfig != nil)}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.cfg.Logger.Info("TCP server started", attrs...)

	return s.Serve(ctx, ln)
}

// Serve accepts from ln until ctx is done or ln is closed. It then closes ln
// and waits up to ShutdownTimeout for open connections before cancelling
// them, in which case ErrShutdownTimeout is returned.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.cfg.Logger.Error("accept failed", slog.String("error", err.Error()))
			continue
		}
		if !s.admit(conn) {
			conn.Close()
			continue
		}
		s.conns.Add(1)
		go s.serveConn(connCtx, conn)
	}

	ln.Close()
	return s.drain(cancelConns)
}

// admit applies the rate limit and the connection cap, then tunes the
// socket. A false result leaves conn for the caller to close.
func (s *Server) admit(conn net.Conn) bool {
	remote := slog.String("remote", conn.RemoteAddr().String())
	if s.cfg.RateLimiter != nil && !s.cfg.RateLimiter.Allow(conn.RemoteAddr()) {
		s.cfg.Logger.Warn("connection rate limited", remote)
		return false
	}
	if !s.acquire() {
		s.cfg.Logger.Warn("connection limit reached", remote, slog.Int("max", s.cfg.MaxConnections))
		return false
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := s.tune(tcpConn); err != nil {
			s.cfg.Logger.Error("failed to configure connection", remote, slog.String("error", err.Error()))
			s.release()
			return false
		}
	}
	return true
}

func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) tune(conn *net.TCPConn) error {
	if s.cfg.TCPKeepAlive > 0 {
		if err := conn.SetKeepAliveConfig(net.KeepAliveConfig{Enable: true, Idle: s.cfg.TCPKeepAlive}); err != nil {
			return fmt.Errorf("keepalive: %w", err)
		}
	}
	if !s.cfg.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("nodelay: %w", err)
		}
	}
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.conns.Done()
	defer s.release()
	defer conn.Close()

	// The broker's connect timer starts after this, so a slow handshake
	// does not eat into it.
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.cfg.Logger.Warn("TLS handshake failed",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return
		}
	}

	s.handler.HandleConnection(ctx, conn)
}

func (s *Server) drain(cancelConns context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cfg.Logger.Info("TCP server stopped")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
	}

	s.cfg.Logger.Warn("connections still open after shutdown timeout, cancelling",
		slog.Duration("timeout", s.cfg.ShutdownTimeout))
	cancelConns()
	select {
	case <-done:
	case <-time.After(cancelGrace):
	}
	return ErrShutdownTimeout
}

// Addr returns the bound address, or nil before Listen has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
