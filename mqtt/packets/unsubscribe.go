// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"net"

	"github.com/absmach/brokerish/mqtt/codec"
	"github.com/absmach/brokerish/topics"
)

// Unsubscribe is an internal representation of the fields of the UNSUBSCRIBE MQTT packet.
type Unsubscribe struct {
	ID         uint16
	Properties UnsubscribeProperties
	Filters    []topics.Filter
}

// UnsubscribeProperties are the UNSUBSCRIBE properties.
type UnsubscribeProperties struct {
	// User is a slice of user provided properties (key and value).
	User []User
}

func (*Unsubscribe) packet() {}

// Type returns the packet type.
func (*Unsubscribe) Type() Type {
	return UnsubscribeType
}

func decodeUnsubscribe(r *codec.Reader) (*Unsubscribe, error) {
	pkt := &Unsubscribe{}
	var err error
	if pkt.ID, err = readPacketID(r); err != nil {
		return nil, err
	}
	err = readProperties(r, func(id byte, pr *codec.Reader) error {
		if id != UserProp {
			return unknownProperty(id)
		}
		var err error
		pkt.Properties.User, err = readUser(pr, pkt.Properties.User)
		return err
	})
	if err != nil {
		return nil, err
	}
	for r.Remaining() > 0 {
		f, err := readFilter(r)
		if err != nil {
			return nil, err
		}
		pkt.Filters = append(pkt.Filters, f)
	}
	if len(pkt.Filters) == 0 {
		return nil, protocolError("unsubscribe without topic filters")
	}
	return pkt, nil
}

func (pkt *Unsubscribe) encode() (net.Buffers, error) {
	var w propWriter
	w.users(pkt.Properties.User)
	body := codec.AppendUint16(nil, pkt.ID)
	body = w.appendTo(body)
	for _, f := range pkt.Filters {
		body = codec.AppendString(body, string(f))
	}
	return frame(UnsubscribeType, requiredFlags[UnsubscribeType], body)
}
