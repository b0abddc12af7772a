// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"net"

	"github.com/absmach/brokerish/mqtt/codec"
)

// UnsubAck is an internal representation of the fields of the UNSUBACK MQTT packet.
type UnsubAck struct {
	ID          uint16
	Properties  AckProperties
	ReasonCodes []ReasonCode
}

func (*UnsubAck) packet() {}

// Type returns the packet type.
func (*UnsubAck) Type() Type {
	return UnsubAckType
}

func decodeUnsubAck(r *codec.Reader) (*UnsubAck, error) {
	pkt := &UnsubAck{}
	var err error
	if pkt.ID, err = readPacketID(r); err != nil {
		return nil, err
	}
	if err := pkt.Properties.unpack(r); err != nil {
		return nil, err
	}
	pkt.ReasonCodes = readReasonCodes(r)
	return pkt, nil
}

func (pkt *UnsubAck) encode() (net.Buffers, error) {
	return encodeAck(UnsubAckType, pkt.ID, &pkt.Properties, pkt.ReasonCodes)
}
