// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	calls int
	conn  net.Conn
}

func (h *recordingHandler) HandleConnection(_ context.Context, conn net.Conn) {
	h.calls++
	h.conn = conn
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	next := &recordingHandler{}

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	NewLogging(next, "tcp", logger).HandleConnection(context.Background(), server)

	assert.Equal(t, 1, next.calls)
	assert.Same(t, server, next.conn)
	assert.Contains(t, buf.String(), "msg=HandleConnection")
	assert.Contains(t, buf.String(), "transport=tcp")
	assert.Contains(t, buf.String(), "duration=")
}
