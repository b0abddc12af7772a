// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"net"

	"github.com/absmach/brokerish/mqtt/codec"
)

// SubAck is an internal representation of the fields of the SUBACK MQTT packet.
type SubAck struct {
	ID          uint16
	Properties  AckProperties
	ReasonCodes []ReasonCode
}

func (*SubAck) packet() {}

// Type returns the packet type.
func (*SubAck) Type() Type {
	return SubAckType
}

func decodeSubAck(r *codec.Reader) (*SubAck, error) {
	pkt := &SubAck{}
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

func (pkt *SubAck) encode() (net.Buffers, error) {
	return encodeAck(SubAckType, pkt.ID, &pkt.Properties, pkt.ReasonCodes)
}

func readReasonCodes(r *codec.Reader) []ReasonCode {
	rest := r.ReadRemaining()
	codes := make([]ReasonCode, len(rest))
	for i, b := range rest {
		codes[i] = ReasonCode(b)
	}
	return codes
}

func encodeAck(t Type, id uint16, props *AckProperties, codes []ReasonCode) (net.Buffers, error) {
	w := props.encode()
	body := make([]byte, 0, 2+codec.VBISize(uint32(len(w)))+len(w)+len(codes))
	body = codec.AppendUint16(body, id)
	body = w.appendTo(body)
	for _, c := range codes {
		body = append(body, byte(c))
	}
	return frame(t, 0, body)
}
