// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/absmach/brokerish/broker"
	"github.com/absmach/brokerish/mqtt/packets"
	"github.com/absmach/brokerish/topics"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type denyAll struct{}

func (denyAll) Allow(net.Addr) bool { return false }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, cfg Config) (*broker.Broker, string) {
	t.Helper()
	b := broker.New(broker.DefaultConfig(), nil, quietLogger(), nil, nil)
	runCtx, stopBroker := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = b.Run(runCtx)
	}()

	cfg.Address = "127.0.0.1:0"
	cfg.ShutdownTimeout = waitTimeout
	s := New(cfg, b, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
		stopBroker()
		<-runDone
	})

	require.Eventually(t, func() bool { return s.Addr() != nil }, waitTimeout, time.Millisecond)
	return b, "ws://" + s.Addr().String() + s.config.Path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{"mqtt"}, HandshakeTimeout: waitTimeout}
	ws, resp, err := d.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, "mqtt", resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { ws.Close() })
	return ws
}

func encode(t *testing.T, p packets.Packet) []byte {
	t.Helper()
	bufs, err := packets.Encode(p)
	require.NoError(t, err)
	var b bytes.Buffer
	_, err = bufs.WriteTo(&b)
	require.NoError(t, err)
	return b.Bytes()
}

// readPacket reads one binary message and decodes exactly one packet from it.
func readPacket(t *testing.T, ws *websocket.Conn) packets.Packet {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)

	r := bufio.NewReader(bytes.NewReader(data))
	h, err := packets.ReadFixedHeader(r)
	require.NoError(t, err)
	content := make([]byte, h.RemainingLength)
	_, err = io.ReadFull(r, content)
	require.NoError(t, err)
	p, err := packets.Decode(h, content)
	require.NoError(t, err)
	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "message must hold a single packet")
	return p
}

func connectPacket(clientID string) *packets.Connect {
	return &packets.Connect{
		ProtocolName:    packets.ProtocolName,
		ProtocolVersion: packets.V5,
		CleanStart:      true,
		ClientID:        clientID,
	}
}

func TestWebSocket_PublishRoundTrip(t *testing.T) {
	_, url := startServer(t, Config{})

	sub := dial(t, url)
	require.NoError(t, sub.WriteMessage(websocket.BinaryMessage, encode(t, connectPacket("sub"))))
	require.IsType(t, &packets.ConnAck{}, readPacket(t, sub))
	require.NoError(t, sub.WriteMessage(websocket.BinaryMessage, encode(t, &packets.Subscribe{
		ID:            1,
		Subscriptions: []packets.Subscription{{Filter: "ws/#"}},
	})))
	require.IsType(t, &packets.SubAck{}, readPacket(t, sub))

	pub := dial(t, url)
	require.NoError(t, pub.WriteMessage(websocket.BinaryMessage, encode(t, connectPacket("pub"))))
	require.IsType(t, &packets.ConnAck{}, readPacket(t, pub))

	// PUBLISH followed by PINGREQ in one message.
	msg := append(encode(t, &packets.Publish{TopicName: "ws/a", Payload: []byte("hello")}), encode(t, &packets.PingReq{})...)
	require.NoError(t, pub.WriteMessage(websocket.BinaryMessage, msg))
	require.IsType(t, &packets.PingResp{}, readPacket(t, pub))

	got, ok := readPacket(t, sub).(*packets.Publish)
	require.True(t, ok)
	assert.Equal(t, topics.Topic("ws/a"), got.TopicName)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestWebSocket_PacketSplitAcrossMessages(t *testing.T) {
	_, url := startServer(t, Config{})

	ws := dial(t, url)
	raw := encode(t, connectPacket("split"))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, raw[:3]))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, raw[3:]))

	ack, ok := readPacket(t, ws).(*packets.ConnAck)
	require.True(t, ok)
	assert.Equal(t, packets.Success, ack.ReasonCode)
}

func TestWebSocket_TextFrameCloses(t *testing.T) {
	b, url := startServer(t, Config{})

	ws := dial(t, url)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, int64(0), b.Stats().CurrentConnections)
}

func TestWebSocket_RateLimited(t *testing.T) {
	_, url := startServer(t, Config{RateLimiter: denyAll{}})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	allowAll := checkOrigin(nil)
	only := checkOrigin([]string{"https://app.example.com"})

	req := func(origin string) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "/mqtt", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, allowAll(req("https://evil.example.com")))
	assert.True(t, only(req("https://app.example.com")))
	assert.True(t, only(req("")))
	assert.False(t, only(req("https://evil.example.com")))
}
