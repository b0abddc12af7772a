// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/absmach/brokerish/core"
	"github.com/absmach/brokerish/mqtt/packets"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const readBufferSize = 4096

var (
	// ErrConnectExpected is returned when the first packet is not CONNECT.
	ErrConnectExpected = fmt.Errorf("%w: first packet must be CONNECT", packets.ErrProtocolError)
	// ErrSecondConnect is returned when a client sends CONNECT twice.
	ErrSecondConnect = fmt.Errorf("%w: second CONNECT on connection", packets.ErrProtocolError)
)

// connection serves one network connection. The read loop runs on the
// goroutine calling HandleConnection and turns packets into commands; the
// write loop drains the connection's Outbox.
type connection struct {
	broker *Broker
	conn   net.Conn
	reader *bufio.Reader
	remote string
	logger *slog.Logger
}

// HandleConnection serves an MQTT connection until the peer goes away, a
// protocol violation is detected or ctx is done. The connection is closed
// on return.
func (b *Broker) HandleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	ctx, span := b.tracer.Start(ctx, "mqtt.connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("net.peer.address", remote)),
	)
	defer span.End()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c := &connection{
		broker: b,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, readBufferSize),
		remote: remote,
		logger: b.logger.With(slog.String("remote", remote)),
	}
	err := c.serve(span)
	conn.Close()

	switch {
	case err == nil, isClosed(err):
		c.logger.Debug("connection closed")
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.logger.Debug("connection timed out")
		b.metrics.RecordError("timeout")
	default:
		if errors.Is(err, packets.ErrProtocolError) {
			b.stats.protocolErrors.Add(1)
			b.metrics.RecordError("protocol")
		} else {
			b.stats.packetErrors.Add(1)
			b.metrics.RecordError("malformed")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("closing connection", slog.String("error", err.Error()))
	}
}

func (c *connection) serve(span trace.Span) error {
	b := c.broker
	connect, buf, err := c.readConnect()
	if err != nil {
		return err
	}

	clientID := connect.ClientID
	if clientID == "" {
		if clientID, err = GenerateClientID(); err != nil {
			buf.Release()
			return err
		}
	}
	span.SetAttributes(attribute.String("mqtt.client_id", clientID))
	c.logger = c.logger.With(slog.String("client_id", clientID))

	out := NewOutbox(b.cfg.OutboxSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(out)
	}()

	if err := b.Submit(ClientConnected{ClientID: clientID, Outbox: out}); err != nil {
		buf.Release()
		out.Close()
		<-writerDone
		return err
	}
	_ = b.Submit(PacketReceived{ClientID: clientID, Outbox: out, Packet: connect, Release: buf})
	c.logger.Info("client connected", slog.Int("keep_alive", int(connect.KeepAlive)))

	err = c.readLoop(clientID, out, connect.KeepAlive)

	_ = b.Submit(ClientDisconnected{ClientID: clientID, Outbox: out})
	c.conn.Close()
	out.Close()
	<-writerDone
	return err
}

// readConnect reads the first packet, which must be a valid CONNECT.
func (c *connection) readConnect() (*packets.Connect, *core.Buffer, error) {
	if t := c.broker.cfg.ConnectTimeout; t > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(t)); err != nil {
			return nil, nil, err
		}
	}

	h, buf, err := c.readPacket()
	if err != nil {
		return nil, nil, err
	}
	if h.Type != packets.ConnectType {
		buf.Release()
		return nil, nil, ErrConnectExpected
	}

	pkt, err := packets.Decode(h, buf.Bytes())
	if err != nil {
		buf.Release()
		if errors.Is(err, packets.ErrUnsupportedProtocolVersion) {
			ack := &packets.ConnAck{ReasonCode: packets.UnsupportedProtocolVersion}
			if werr := c.write(ack); werr != nil {
				c.broker.logError("connack", werr, slog.String("remote", c.remote))
			}
		}
		return nil, nil, err
	}
	return pkt.(*packets.Connect), buf, nil
}

func (c *connection) readLoop(clientID string, out *Outbox, keepAlive uint16) error {
	b := c.broker
	timeout := time.Duration(0)
	if keepAlive > 0 {
		timeout = time.Duration(keepAlive)*time.Second + b.cfg.KeepAliveGrace
	}

	for {
		deadline := time.Time{}
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return err
		}

		h, buf, err := c.readPacket()
		if err != nil {
			return err
		}
		pkt, err := packets.Decode(h, buf.Bytes())
		if err != nil {
			buf.Release()
			if errors.Is(err, packets.ErrNotImplemented) {
				c.logger.Debug("dropping unsupported packet", slog.String("type", h.Type.String()))
				continue
			}
			return err
		}

		switch p := pkt.(type) {
		case *packets.Connect:
			buf.Release()
			return ErrSecondConnect
		case *packets.Disconnect:
			buf.Release()
			c.logger.Debug("client disconnected", slog.String("reason", p.ReasonCode.String()))
			return nil
		case *packets.Publish:
			b.metrics.RecordMessageReceived(int64(len(p.Payload)))
		}

		if err := b.Submit(PacketReceived{ClientID: clientID, Outbox: out, Packet: pkt, Release: buf}); err != nil {
			return err
		}
	}
}

// readPacket reads one packet into a leased buffer.
func (c *connection) readPacket() (packets.FixedHeader, *core.Buffer, error) {
	h, err := packets.ReadFixedHeader(c.reader)
	if err != nil {
		return h, nil, err
	}
	if int64(h.RemainingLength) > int64(c.broker.cfg.MaxPacketSize) {
		return h, nil, fmt.Errorf("%w: %d bytes", packets.ErrPacketTooLarge, h.RemainingLength)
	}

	buf := c.broker.pool.Get(int(h.RemainingLength))
	if _, err := io.ReadFull(c.reader, buf.Bytes()); err != nil {
		buf.Release()
		return h, nil, err
	}
	c.broker.stats.bytesReceived.Add(uint64(h.RemainingLength))
	return h, buf, nil
}

// writeLoop writes queued packets until the outbox is closed. After a failed
// write or a CloseAfterSend packet the rest is released without writing.
func (c *connection) writeLoop(out *Outbox) {
	done := false
	for m := range out.C() {
		if done {
			m.release()
			continue
		}
		if err := c.write(m.Packet); err != nil {
			if !isClosed(err) {
				c.broker.logError("write", err, slog.String("remote", c.remote))
			}
			done = true
		} else if m.CloseAfterSend {
			done = true
		}
		m.release()
		if done {
			c.conn.Close()
		}
	}
	c.conn.Close()
}

func (c *connection) write(p packets.Packet) error {
	bufs, err := packets.Encode(p)
	if err != nil {
		return err
	}
	if t := c.broker.cfg.WriteTimeout; t > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(t)); err != nil {
			return err
		}
	}
	var n int64
	if bw, ok := c.conn.(BuffersWriter); ok {
		n, err = bw.WriteBuffers(bufs)
	} else {
		n, err = bufs.WriteTo(c.conn)
	}
	if err != nil {
		return err
	}

	c.broker.stats.messagesSent.Add(1)
	c.broker.stats.bytesSent.Add(uint64(n))
	if p.Type() == packets.PublishType {
		c.broker.metrics.RecordMessageSent(n)
	}
	return nil
}

// BuffersWriter is implemented by connections that frame their own writes.
// WriteBuffers receives one complete encoded packet per call.
type BuffersWriter interface {
	WriteBuffers(bufs net.Buffers) (int64, error)
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrBrokerClosed)
}
