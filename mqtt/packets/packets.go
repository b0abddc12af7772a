// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets implements the MQTT 5.0 control packets handled by the broker.
// Decoding borrows from the receive buffer where the data does not outlive the
// packet, and encoding produces a scatter list of segments ready to be written.
package packets

import (
	"fmt"
	"io"
	"net"

	"github.com/absmach/brokerish/mqtt/codec"
)

// V5 is the only protocol level the broker speaks.
const V5 byte = 0x05

// ProtocolName is the protocol name carried by CONNECT.
const ProtocolName = "MQTT"

// Type is the control packet type carried in the high nibble of the fixed header.
type Type byte

// Packet type constants.
const (
	ConnectType Type = iota + 1 // 0 value is forbidden
	ConnAckType
	PublishType
	PubAckType
	PubRecType
	PubRelType
	PubCompType
	SubscribeType
	SubAckType
	UnsubscribeType
	UnsubAckType
	PingReqType
	PingRespType
	DisconnectType
	AuthType
)

var typeNames = map[Type]string{
	ConnectType:     "CONNECT",
	ConnAckType:     "CONNACK",
	PublishType:     "PUBLISH",
	PubAckType:      "PUBACK",
	PubRecType:      "PUBREC",
	PubRelType:      "PUBREL",
	PubCompType:     "PUBCOMP",
	SubscribeType:   "SUBSCRIBE",
	SubAckType:      "SUBACK",
	UnsubscribeType: "UNSUBSCRIBE",
	UnsubAckType:    "UNSUBACK",
	PingReqType:     "PINGREQ",
	PingRespType:    "PINGRESP",
	DisconnectType:  "DISCONNECT",
	AuthType:        "AUTH",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(t))
}

// requiredFlags holds the only legal flag nibble for every type except
// PUBLISH, whose flags carry DUP, QoS and RETAIN.
var requiredFlags = [16]byte{
	PubRelType:      0x02,
	SubscribeType:   0x02,
	UnsubscribeType: 0x02,
}

// Error taxonomy, shared with the codec package.
var (
	ErrMalformedPacket = codec.ErrMalformedPacket
	ErrProtocolError   = codec.ErrProtocolError
	ErrNotImplemented  = codec.ErrNotImplemented

	// ErrUnsupportedProtocolVersion is returned for a CONNECT that is not MQTT 5.0.
	ErrUnsupportedProtocolVersion = fmt.Errorf("%w: unsupported protocol version", ErrProtocolError)
	// ErrPacketTooLarge is returned when a packet does not fit the limits of the encoding or the receive buffer.
	ErrPacketTooLarge = fmt.Errorf("%w: packet too large", ErrMalformedPacket)
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedPacket}, args...)...)
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocolError}, args...)...)
}

// Packet is one of the control packets defined in this package.
// The set is closed: Decode and Encode handle every implementation.
type Packet interface {
	Type() Type
	packet()
}

// User is a user property key/value pair.
type User struct {
	Key   string
	Value string
}

// FixedHeader is the first part of every control packet.
type FixedHeader struct {
	Type            Type
	Flags           byte
	RemainingLength uint32
}

// ParseHeader validates the first byte of a packet against the flags table.
func ParseHeader(b byte) (FixedHeader, error) {
	h := FixedHeader{Type: Type(b >> 4), Flags: b & 0x0F}
	if h.Type < ConnectType || h.Type > AuthType {
		return FixedHeader{}, malformed("invalid packet type %d", byte(h.Type))
	}
	if h.Type != PublishType && h.Flags != requiredFlags[h.Type] {
		return FixedHeader{}, malformed("invalid flags 0x%x for %s", h.Flags, h.Type)
	}
	return h, nil
}

// ReadFixedHeader reads the type byte and the remaining length from r.
// Errors from r are returned unchanged.
func ReadFixedHeader(r io.ByteReader) (FixedHeader, error) {
	b, err := r.ReadByte()
	if err != nil {
		return FixedHeader{}, err
	}
	h, err := ParseHeader(b)
	if err != nil {
		return FixedHeader{}, err
	}
	if h.RemainingLength, _, err = codec.DecodeVBI(r); err != nil {
		return FixedHeader{}, err
	}
	return h, nil
}

func (h FixedHeader) encode() []byte {
	b := make([]byte, 0, 1+codec.VBISize(h.RemainingLength))
	b = append(b, byte(h.Type)<<4|h.Flags)
	return codec.AppendVBI(b, h.RemainingLength)
}

// Decode parses the content of a packet whose fixed header has already been
// read. content must hold exactly RemainingLength bytes. Fields that are kept
// beyond the packet lifetime are copied; PUBLISH payloads borrow content.
func Decode(h FixedHeader, content []byte) (Packet, error) {
	if uint32(len(content)) != h.RemainingLength {
		return nil, malformed("remaining length %d does not match content size %d", h.RemainingLength, len(content))
	}
	r := codec.NewReader(content)
	var (
		pkt Packet
		err error
	)
	switch h.Type {
	case ConnectType:
		pkt, err = decodeConnect(r)
	case ConnAckType:
		pkt, err = decodeConnAck(r)
	case PublishType:
		pkt, err = decodePublish(h.Flags, r)
	case SubscribeType:
		pkt, err = decodeSubscribe(r)
	case SubAckType:
		pkt, err = decodeSubAck(r)
	case UnsubscribeType:
		pkt, err = decodeUnsubscribe(r)
	case UnsubAckType:
		pkt, err = decodeUnsubAck(r)
	case PingReqType:
		if len(content) != 0 {
			return nil, malformed("PINGREQ too large")
		}
		return &PingReq{}, nil
	case PingRespType:
		if len(content) != 0 {
			return nil, malformed("PINGRESP too large")
		}
		return &PingResp{}, nil
	case DisconnectType:
		pkt, err = decodeDisconnect(r)
	case PubAckType, PubRecType, PubRelType, PubCompType, AuthType:
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, h.Type)
	default:
		return nil, malformed("invalid packet type %d", byte(h.Type))
	}
	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, malformed("%d trailing bytes in %s", r.Remaining(), h.Type)
	}
	return pkt, nil
}

// Encode serializes p into an ordered list of segments to be written verbatim.
// Segments may be shared with other callers and must not be modified.
func Encode(p Packet) (net.Buffers, error) {
	switch pkt := p.(type) {
	case *Connect:
		return pkt.encode()
	case *ConnAck:
		return pkt.encode()
	case *Publish:
		return pkt.encode()
	case *Subscribe:
		return pkt.encode()
	case *SubAck:
		return pkt.encode()
	case *Unsubscribe:
		return pkt.encode()
	case *UnsubAck:
		return pkt.encode()
	case *PingReq:
		return net.Buffers{pingReqBytes}, nil
	case *PingResp:
		return net.Buffers{pingRespBytes}, nil
	case *Disconnect:
		return pkt.encode()
	default:
		return nil, fmt.Errorf("cannot encode packet of type %T", p)
	}
}

// frame prepends the fixed header to body and trailing segments.
func frame(t Type, flags byte, body []byte, tail ...[]byte) (net.Buffers, error) {
	length := len(body)
	for _, seg := range tail {
		length += len(seg)
	}
	if length > codec.MaxVBI {
		return nil, ErrPacketTooLarge
	}
	h := FixedHeader{Type: t, Flags: flags, RemainingLength: uint32(length)}
	bufs := make(net.Buffers, 0, 2+len(tail))
	bufs = append(bufs, h.encode(), body)
	for _, seg := range tail {
		if len(seg) > 0 {
			bufs = append(bufs, seg)
		}
	}
	return bufs, nil
}

// Size returns the total number of bytes in bufs.
func Size(bufs net.Buffers) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}
