// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/brokerish/broker/router"
	"github.com/absmach/brokerish/core"
	"github.com/absmach/brokerish/mqtt/packets"
	"github.com/absmach/brokerish/topics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrBrokerClosed is returned by Submit once the broker loop has stopped.
var ErrBrokerClosed = errors.New("broker closed")

// Config holds the broker and connection settings.
type Config struct {
	// MaximumQoS is the highest QoS accepted on PUBLISH and advertised in CONNACK.
	MaximumQoS byte
	// MaxPacketSize bounds the remaining length of inbound packets.
	MaxPacketSize int
	// OutboxSize is the capacity of each client's outgoing queue.
	OutboxSize int
	// ConnectTimeout bounds the wait for the first packet.
	ConnectTimeout time.Duration
	// KeepAliveGrace is added to the client keep alive to form the read deadline.
	KeepAliveGrace time.Duration
	// WriteTimeout bounds a single socket write. Zero disables it.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default broker settings.
func DefaultConfig() Config {
	return Config{
		MaximumQoS:     0,
		MaxPacketSize:  core.DefaultBufferSize,
		OutboxSize:     DefaultOutboxSize,
		ConnectTimeout: 10 * time.Second,
		KeepAliveGrace: 2 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Broker owns the client registry and the subscription tree. Both are
// touched only by the goroutine running Run; every other goroutine talks to
// the broker through Submit.
type Broker struct {
	cfg     Config
	queue   *queue
	clients map[string]*Outbox
	tree    *router.Tree
	pool    *core.BufferPool
	logger  *slog.Logger
	stats   *Stats
	metrics Metrics
	tracer  trace.Tracer
	running atomic.Bool
}

// New creates a broker.
// Parameters:
//   - cfg: broker and connection settings
//   - pool: receive buffer pool (nil creates one sized by cfg.MaxPacketSize)
//   - logger: logger instance (nil uses default)
//   - metrics: metrics sink (nil disables metrics)
//   - tracer: OTel tracer (nil uses the global provider)
func New(cfg Config, pool *core.BufferPool, logger *slog.Logger, metrics Metrics, tracer trace.Tracer) *Broker {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = core.DefaultBufferSize
	}
	if cfg.MaximumQoS > 2 {
		cfg.MaximumQoS = 2
	}
	if pool == nil {
		pool = core.NewBufferPool(cfg.MaxPacketSize, 1024)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if tracer == nil {
		tracer = otel.Tracer("github.com/absmach/brokerish/broker")
	}

	return &Broker{
		cfg:     cfg,
		queue:   newQueue(),
		clients: make(map[string]*Outbox),
		tree:    router.New(),
		pool:    pool,
		logger:  logger,
		stats:   NewStats(),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Submit enqueues cmd without blocking. Once the broker has stopped, the
// payload of a PacketReceived is released and ErrBrokerClosed is returned.
func (b *Broker) Submit(cmd Command) error {
	if b.queue.push(cmd) {
		return nil
	}
	if c, ok := cmd.(PacketReceived); ok {
		c.release()
	}
	return ErrBrokerClosed
}

// Run processes commands in queue order until ctx is done. On return every
// connected client has been asked to disconnect and every pending payload
// has been released.
func (b *Broker) Run(ctx context.Context) error {
	b.running.Store(true)
	defer b.running.Store(false)
	b.logger.Info("broker started", slog.Int("max_qos", int(b.cfg.MaximumQoS)))
	for {
		cmd, ok := b.queue.pop(ctx)
		if !ok {
			break
		}
		b.handle(cmd)
	}
	b.shutdown()
	b.logger.Info("broker stopped")
	return nil
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Snapshot {
	s := b.stats.snapshot()
	s.Subscriptions = b.tree.Len()
	s.QueueDepth = b.queue.len()
	s.LeasedBuffers = b.pool.Stats().Leased
	return s
}

// Running reports whether Run is processing commands.
func (b *Broker) Running() bool {
	return b.running.Load()
}

// Config returns the effective settings.
func (b *Broker) Config() Config {
	return b.cfg
}

func (b *Broker) handle(cmd Command) {
	switch c := cmd.(type) {
	case ClientConnected:
		b.connect(c)
	case ClientDisconnected:
		b.disconnect(c)
	case PacketReceived:
		b.receive(c)
	}
}

func (b *Broker) connect(c ClientConnected) {
	if old, ok := b.clients[c.ClientID]; ok && old != c.Outbox {
		b.takeover(c.ClientID, old)
	}
	b.clients[c.ClientID] = c.Outbox
	b.stats.connected()
	b.metrics.RecordConnection()
	b.logOp("client_connected", slog.String("client_id", c.ClientID))
}

// takeover disconnects the previous session of clientID. Nothing of the old
// session survives: its subscriptions go with it.
func (b *Broker) takeover(clientID string, old *Outbox) {
	n := b.tree.RemoveClient(clientID)
	b.metrics.RecordSubscriptionRemoved(n)

	msg := Outgoing{
		Packet:         &packets.Disconnect{ReasonCode: packets.SessionTakenOver},
		CloseAfterSend: true,
	}
	if !old.Offer(msg) {
		old.Close()
	}

	b.stats.takeovers.Add(1)
	b.stats.disconnected()
	b.metrics.RecordDisconnection("session_taken_over")
	b.logger.Info("session taken over", slog.String("client_id", clientID))
}

func (b *Broker) disconnect(c ClientDisconnected) {
	if cur, ok := b.clients[c.ClientID]; !ok || cur != c.Outbox {
		b.logOp("stale_disconnect", slog.String("client_id", c.ClientID))
		return
	}
	n := b.tree.RemoveClient(c.ClientID)
	delete(b.clients, c.ClientID)

	b.stats.disconnected()
	b.metrics.RecordSubscriptionRemoved(n)
	b.metrics.RecordDisconnection("closed")
	b.logOp("client_disconnected", slog.String("client_id", c.ClientID), slog.Int("subscriptions", n))
}

func (b *Broker) receive(c PacketReceived) {
	out, ok := b.clients[c.ClientID]
	if !ok || out != c.Outbox {
		// The connection raced with a disconnect or a takeover.
		c.release()
		return
	}

	switch p := c.Packet.(type) {
	case *packets.Connect:
		b.handleConnect(c, p, out)
	case *packets.PingReq:
		c.release()
		b.send(c.ClientID, out, Outgoing{Packet: &packets.PingResp{}})
	case *packets.Subscribe:
		b.handleSubscribe(c, p, out)
	case *packets.Unsubscribe:
		b.handleUnsubscribe(c, p, out)
	case *packets.Publish:
		b.handlePublish(c, p, out)
	default:
		b.logOp("packet_dropped", slog.String("client_id", c.ClientID), slog.String("type", c.Packet.Type().String()))
		c.release()
	}
}

func (b *Broker) handleConnect(c PacketReceived, p *packets.Connect, out *Outbox) {
	unavailable := false
	maxPacket := uint32(b.cfg.MaxPacketSize)
	props := packets.ConnAckProperties{
		RetainAvailable:    &unavailable,
		SharedSubAvailable: &unavailable,
		MaximumPacketSize:  &maxPacket,
	}
	if b.cfg.MaximumQoS < 2 {
		qos := b.cfg.MaximumQoS
		props.MaximumQoS = &qos
	}
	if p.ClientID == "" {
		props.AssignedClientID = c.ClientID
	}
	c.release()

	b.send(c.ClientID, out, Outgoing{Packet: &packets.ConnAck{
		SessionPresent: false,
		ReasonCode:     packets.Success,
		Properties:     props,
	}})
}

func (b *Broker) handleSubscribe(c PacketReceived, p *packets.Subscribe, out *Outbox) {
	codes := make([]packets.ReasonCode, len(p.Subscriptions))
	for i, s := range p.Subscriptions {
		if s.Filter.Shared() {
			codes[i] = packets.SharedSubscriptionsNotSupported
			continue
		}
		codes[i] = packets.GrantedQoS0
	}
	b.send(c.ClientID, out, Outgoing{Packet: &packets.SubAck{ID: p.ID, ReasonCodes: codes}})
	c.release()

	for i, s := range p.Subscriptions {
		if codes[i] != packets.GrantedQoS0 {
			continue
		}
		opts := s.Options
		opts.QoS = 0
		replaced := b.tree.Subscribe(router.Subscription{
			ClientID: c.ClientID,
			Filter:   s.Filter,
			Options:  opts,
			ID:       p.Properties.SubscriptionID,
		})
		if !replaced {
			b.metrics.RecordSubscriptionAdded()
		}
		b.logOp("subscribe", slog.String("client_id", c.ClientID), slog.String("filter", string(s.Filter)))
	}
}

func (b *Broker) handleUnsubscribe(c PacketReceived, p *packets.Unsubscribe, out *Outbox) {
	codes := make([]packets.ReasonCode, len(p.Filters))
	removed := 0
	for i, f := range p.Filters {
		if b.tree.Unsubscribe(c.ClientID, f) {
			codes[i] = packets.Success
			removed++
			continue
		}
		codes[i] = packets.NoSubscriptionExisted
	}
	c.release()

	b.metrics.RecordSubscriptionRemoved(removed)
	b.send(c.ClientID, out, Outgoing{Packet: &packets.UnsubAck{ID: p.ID, ReasonCodes: codes}})
}

func (b *Broker) handlePublish(c PacketReceived, p *packets.Publish, out *Outbox) {
	b.stats.publishReceived.Add(1)

	switch {
	case p.QoS > b.cfg.MaximumQoS:
		b.reject(c, out, packets.QoSNotSupported)
		return
	case p.Properties.TopicAlias != nil:
		// Topic Alias Maximum is never advertised, so any alias is invalid.
		b.reject(c, out, packets.TopicAliasInvalid)
		return
	}

	start := time.Now()
	targets := b.targets(c.ClientID, p.TopicName)
	if len(targets) == 0 {
		c.release()
		return
	}

	var release core.Releaser = core.Nop
	if c.Release != nil {
		release = c.Release
	}
	shared := core.NewSharedRelease(release, len(targets))
	for _, t := range targets {
		dst, ok := b.clients[t.clientID]
		if !ok {
			shared.Release()
			continue
		}
		b.send(t.clientID, dst, Outgoing{Packet: forward(p, t.ids), Release: shared})
	}

	b.metrics.RecordFanOutDuration(float64(time.Since(start).Microseconds()) / 1000)
	b.logOp("publish", slog.String("client_id", c.ClientID), slog.String("topic", string(p.TopicName)), slog.Int("targets", len(targets)))
}

// reject answers a protocol violation with DISCONNECT and closes the connection.
func (b *Broker) reject(c PacketReceived, out *Outbox, code packets.ReasonCode) {
	c.release()
	b.stats.protocolErrors.Add(1)
	b.metrics.RecordError("protocol")
	b.logger.Warn("rejecting client", slog.String("client_id", c.ClientID), slog.String("reason", code.String()))
	b.send(c.ClientID, out, Outgoing{
		Packet:         &packets.Disconnect{ReasonCode: code},
		CloseAfterSend: true,
	})
}

type target struct {
	clientID string
	ids      []uint32
}

// targets groups the matching subscriptions per client. A client matched by
// several filters gets one copy carrying every subscription identifier.
func (b *Broker) targets(sender string, topic topics.Topic) []target {
	subs := b.tree.Match(topic)
	if len(subs) == 0 {
		return nil
	}

	var out []target
	index := make(map[string]int, len(subs))
	for _, s := range subs {
		if s.Options.NoLocal && s.ClientID == sender {
			continue
		}
		i, ok := index[s.ClientID]
		if !ok {
			i = len(out)
			index[s.ClientID] = i
			out = append(out, target{clientID: s.ClientID})
		}
		if s.ID != 0 {
			out[i].ids = append(out[i].ids, s.ID)
		}
	}
	return out
}

// forward builds the QoS 0 copy of p delivered to one subscriber. The
// payload is shared with the inbound packet.
func forward(p *packets.Publish, subIDs []uint32) *packets.Publish {
	props := p.Properties
	props.TopicAlias = nil
	props.SubscriptionIDs = subIDs
	return &packets.Publish{
		TopicName:  p.TopicName,
		Properties: props,
		Payload:    p.Payload,
	}
}

// send offers m to out. A full or closed outbox drops m and releases it.
func (b *Broker) send(clientID string, out *Outbox, m Outgoing) bool {
	if out.Offer(m) {
		return true
	}
	m.release()
	b.stats.messagesDropped.Add(1)
	b.metrics.RecordMessageDropped()
	b.logOp("outbox_full", slog.String("client_id", clientID), slog.String("type", m.Packet.Type().String()))
	return false
}

func (b *Broker) shutdown() {
	for _, cmd := range b.queue.close() {
		if c, ok := cmd.(PacketReceived); ok {
			c.release()
		}
	}
	for id, out := range b.clients {
		msg := Outgoing{
			Packet:         &packets.Disconnect{ReasonCode: packets.ServerShuttingDown},
			CloseAfterSend: true,
		}
		if !out.Offer(msg) {
			out.Close()
		}
		delete(b.clients, id)
		b.stats.disconnected()
		b.metrics.RecordSubscriptionRemoved(b.tree.RemoveClient(id))
		b.metrics.RecordDisconnection("server_shutdown")
	}
}

func (b *Broker) logOp(op string, attrs ...any) {
	b.logger.Debug(op, attrs...)
}

func (b *Broker) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		b.logger.Error(op, allAttrs...)
	}
}
