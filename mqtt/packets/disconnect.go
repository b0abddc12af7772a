// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"net"

	"github.com/absmach/brokerish/mqtt/codec"
)

// Disconnect is an internal representation of the fields of the DISCONNECT MQTT packet.
type Disconnect struct {
	ReasonCode ReasonCode
	Properties DisconnectProperties
}

// DisconnectProperties are the DISCONNECT properties.
type DisconnectProperties struct {
	// SessionExpiryInterval may be updated by the client on disconnect.
	SessionExpiryInterval *uint32
	// ReasonString is a human readable diagnostic.
	ReasonString string
	// User is a slice of user provided properties (key and value).
	User []User
	// ServerReference names another server the client can use.
	ServerReference string
}

func (*Disconnect) packet() {}

// Type returns the packet type.
func (*Disconnect) Type() Type {
	return DisconnectType
}

func decodeDisconnect(r *codec.Reader) (*Disconnect, error) {
	pkt := &Disconnect{}
	// An empty body means normal disconnection without properties.
	if r.Remaining() == 0 {
		return pkt, nil
	}
	rc, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(rc)
	if r.Remaining() == 0 {
		return pkt, nil
	}
	err = readProperties(r, func(id byte, pr *codec.Reader) error {
		var err error
		switch id {
		case SessionExpiryIntervalProp:
			pkt.Properties.SessionExpiryInterval, err = readUint32Ptr(pr)
		case ReasonStringProp:
			pkt.Properties.ReasonString, err = pr.ReadString()
		case UserProp:
			pkt.Properties.User, err = readUser(pr, pkt.Properties.User)
		case ServerReferenceProp:
			pkt.Properties.ServerReference, err = pr.ReadString()
		default:
			return unknownProperty(id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

func (pkt *Disconnect) encode() (net.Buffers, error) {
	var w propWriter
	p := &pkt.Properties
	if p.SessionExpiryInterval != nil {
		w.uint32Prop(SessionExpiryIntervalProp, *p.SessionExpiryInterval)
	}
	if p.ReasonString != "" {
		w.stringProp(ReasonStringProp, p.ReasonString)
	}
	w.users(p.User)
	if p.ServerReference != "" {
		w.stringProp(ServerReferenceProp, p.ServerReference)
	}
	body := w.appendTo([]byte{byte(pkt.ReasonCode)})
	return frame(DisconnectType, 0, body)
}
