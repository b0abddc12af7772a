// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package middleware decorates connection handlers.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// ConnectionHandler serves one accepted connection until it is closed.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

var _ ConnectionHandler = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger    *slog.Logger
	transport string
	next      ConnectionHandler
}

// NewLogging creates logging middleware that wraps a connection handler.
func NewLogging(next ConnectionHandler, transport string, logger *slog.Logger) ConnectionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingMiddleware{logger: logger, transport: transport, next: next}
}

// HandleConnection logs how long the connection was served.
func (lm *loggingMiddleware) HandleConnection(ctx context.Context, conn net.Conn) {
	defer func(begin time.Time) {
		lm.logger.Info("HandleConnection",
			slog.String("transport", lm.transport),
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("duration", time.Since(begin).String()),
		)
	}(time.Now())

	lm.next.HandleConnection(ctx, conn)
}
