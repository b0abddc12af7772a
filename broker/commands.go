// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"github.com/absmach/brokerish/core"
	"github.com/absmach/brokerish/mqtt/packets"
)

// Command is a unit of work for the broker. The set is closed: ClientConnected,
// ClientDisconnected and PacketReceived.
type Command interface {
	command()
}

// ClientConnected registers Outbox as the live session of ClientID. An
// existing session for the same ID is taken over.
type ClientConnected struct {
	ClientID string
	Outbox   *Outbox
}

// ClientDisconnected drops the session of ClientID if Outbox still owns it.
type ClientDisconnected struct {
	ClientID string
	Outbox   *Outbox
}

// PacketReceived hands a decoded packet to the broker. The broker owns
// Release from here on and calls it once the packet content is no longer
// referenced.
type PacketReceived struct {
	ClientID string
	Outbox   *Outbox
	Packet   packets.Packet
	Release  core.Releaser
}

func (ClientConnected) command()    {}
func (ClientDisconnected) command() {}
func (PacketReceived) command()     {}

func (c PacketReceived) release() {
	if c.Release != nil {
		c.Release.Release()
	}
}
