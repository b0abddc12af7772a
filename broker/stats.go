// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker counters. Counters are updated from the broker loop
// and the connection handlers and can be read from anywhere.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Int64
	disconnections     atomic.Uint64
	takeovers          atomic.Uint64

	// Message stats
	publishReceived atomic.Uint64
	messagesSent    atomic.Uint64
	messagesDropped atomic.Uint64

	// Byte stats
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// Error stats
	protocolErrors atomic.Uint64
	packetErrors   atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

func (s *Stats) connected() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) disconnected() {
	s.currentConnections.Add(-1)
	s.disconnections.Add(1)
}

// Snapshot is a point-in-time copy of the broker counters.
type Snapshot struct {
	Uptime             time.Duration `json:"uptime"`
	TotalConnections   uint64        `json:"total_connections"`
	CurrentConnections int64         `json:"current_connections"`
	Disconnections     uint64        `json:"disconnections"`
	Takeovers          uint64        `json:"takeovers"`
	PublishReceived    uint64        `json:"publish_received"`
	MessagesSent       uint64        `json:"messages_sent"`
	MessagesDropped    uint64        `json:"messages_dropped"`
	BytesReceived      uint64        `json:"bytes_received"`
	BytesSent          uint64        `json:"bytes_sent"`
	ProtocolErrors     uint64        `json:"protocol_errors"`
	PacketErrors       uint64        `json:"packet_errors"`
	Subscriptions      int           `json:"subscriptions"`
	QueueDepth         int           `json:"queue_depth"`
	LeasedBuffers      int64         `json:"leased_buffers"`
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Uptime:             time.Since(s.startTime),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
		Disconnections:     s.disconnections.Load(),
		Takeovers:          s.takeovers.Load(),
		PublishReceived:    s.publishReceived.Load(),
		MessagesSent:       s.messagesSent.Load(),
		MessagesDropped:    s.messagesDropped.Load(),
		BytesReceived:      s.bytesReceived.Load(),
		BytesSent:          s.bytesSent.Load(),
		ProtocolErrors:     s.protocolErrors.Load(),
		PacketErrors:       s.packetErrors.Load(),
	}
}
