// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"net"

	"github.com/absmach/brokerish/mqtt/codec"
)

// ConnAck is an internal representation of the fields of the CONNACK MQTT packet.
type ConnAck struct {
	SessionPresent bool
	ReasonCode     ReasonCode
	Properties     ConnAckProperties
}

// ConnAckProperties are the CONNACK properties. Optional values that have
// a protocol default are pointers and are omitted from the wire when nil.
type ConnAckProperties struct {
	// SessionExpiryInterval overrides the interval requested by the client.
	SessionExpiryInterval *uint32
	// ReceiveMaximum is the number of QoS 1 and 2 messages the server processes concurrently.
	ReceiveMaximum *uint16
	// MaximumQoS is the highest QoS the server accepts.
	MaximumQoS *byte
	// RetainAvailable declares whether retained messages are supported.
	RetainAvailable *bool
	// MaximumPacketSize is the largest packet the server accepts.
	MaximumPacketSize *uint32
	// AssignedClientID is the identifier the server generated for a client
	// that connected with an empty one.
	AssignedClientID string
	// TopicAliasMaximum is the highest topic alias the server accepts.
	TopicAliasMaximum *uint16
	// ReasonString is a human readable diagnostic.
	ReasonString string
	// User is a slice of user provided properties (key and value).
	User []User
	// WildcardSubAvailable declares whether wildcard filters are supported.
	WildcardSubAvailable *bool
	// SubIDAvailable declares whether subscription identifiers are supported.
	SubIDAvailable *bool
	// SharedSubAvailable declares whether shared subscriptions are supported.
	SharedSubAvailable *bool
	// ServerKeepAlive overrides the keep alive requested by the client.
	ServerKeepAlive *uint16
	// ResponseInfo is used as the basis for creating a response topic.
	ResponseInfo string
	// ServerReference names another server the client can use.
	ServerReference string
	// AuthMethod names the extended authentication method.
	AuthMethod string
	// AuthData is binary data containing authentication data.
	AuthData []byte
}

func (*ConnAck) packet() {}

// Type returns the packet type.
func (*ConnAck) Type() Type {
	return ConnAckType
}

func decodeConnAck(r *codec.Reader) (*ConnAck, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if flags&^0x01 != 0 {
		return nil, malformed("reserved connack flags set")
	}
	rc, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	pkt := &ConnAck{SessionPresent: flags&0x01 != 0, ReasonCode: ReasonCode(rc)}
	if err := pkt.Properties.unpack(r); err != nil {
		return nil, err
	}
	return pkt, nil
}

func (p *ConnAckProperties) unpack(r *codec.Reader) error {
	return readProperties(r, func(id byte, pr *codec.Reader) error {
		var err error
		switch id {
		case SessionExpiryIntervalProp:
			p.SessionExpiryInterval, err = readUint32Ptr(pr)
		case ReceiveMaximumProp:
			p.ReceiveMaximum, err = readUint16Ptr(pr)
		case MaximumQOSProp:
			var q byte
			if q, err = pr.ReadByte(); err == nil {
				if q > 1 {
					return protocolError("invalid maximum qos %d", q)
				}
				p.MaximumQoS = &q
			}
		case RetainAvailableProp:
			p.RetainAvailable, err = readBoolPtr(pr, id)
		case MaximumPacketSizeProp:
			p.MaximumPacketSize, err = readUint32Ptr(pr)
		case AssignedClientIDProp:
			p.AssignedClientID, err = pr.ReadString()
		case TopicAliasMaximumProp:
			p.TopicAliasMaximum, err = readUint16Ptr(pr)
		case ReasonStringProp:
			p.ReasonString, err = pr.ReadString()
		case UserProp:
			p.User, err = readUser(pr, p.User)
		case WildcardSubAvailableProp:
			p.WildcardSubAvailable, err = readBoolPtr(pr, id)
		case SubIDAvailableProp:
			p.SubIDAvailable, err = readBoolPtr(pr, id)
		case SharedSubAvailableProp:
			p.SharedSubAvailable, err = readBoolPtr(pr, id)
		case ServerKeepAliveProp:
			p.ServerKeepAlive, err = readUint16Ptr(pr)
		case ResponseInfoProp:
			p.ResponseInfo, err = pr.ReadString()
		case ServerReferenceProp:
			p.ServerReference, err = pr.ReadString()
		case AuthMethodProp:
			p.AuthMethod, err = pr.ReadString()
		case AuthDataProp:
			p.AuthData, err = pr.ReadBinary()
		default:
			return unknownProperty(id)
		}
		return err
	})
}

func (p *ConnAckProperties) encode() propWriter {
	var w propWriter
	if p.SessionExpiryInterval != nil {
		w.uint32Prop(SessionExpiryIntervalProp, *p.SessionExpiryInterval)
	}
	if p.ReceiveMaximum != nil {
		w.uint16Prop(ReceiveMaximumProp, *p.ReceiveMaximum)
	}
	if p.MaximumQoS != nil {
		w.byteProp(MaximumQOSProp, *p.MaximumQoS)
	}
	if p.RetainAvailable != nil {
		w.boolProp(RetainAvailableProp, *p.RetainAvailable)
	}
	if p.MaximumPacketSize != nil {
		w.uint32Prop(MaximumPacketSizeProp, *p.MaximumPacketSize)
	}
	if p.AssignedClientID != "" {
		w.stringProp(AssignedClientIDProp, p.AssignedClientID)
	}
	if p.TopicAliasMaximum != nil {
		w.uint16Prop(TopicAliasMaximumProp, *p.TopicAliasMaximum)
	}
	if p.ReasonString != "" {
		w.stringProp(ReasonStringProp, p.ReasonString)
	}
	w.users(p.User)
	if p.WildcardSubAvailable != nil {
		w.boolProp(WildcardSubAvailableProp, *p.WildcardSubAvailable)
	}
	if p.SubIDAvailable != nil {
		w.boolProp(SubIDAvailableProp, *p.SubIDAvailable)
	}
	if p.SharedSubAvailable != nil {
		w.boolProp(SharedSubAvailableProp, *p.SharedSubAvailable)
	}
	if p.ServerKeepAlive != nil {
		w.uint16Prop(ServerKeepAliveProp, *p.ServerKeepAlive)
	}
	if p.ResponseInfo != "" {
		w.stringProp(ResponseInfoProp, p.ResponseInfo)
	}
	if p.ServerReference != "" {
		w.stringProp(ServerReferenceProp, p.ServerReference)
	}
	if p.AuthMethod != "" {
		w.stringProp(AuthMethodProp, p.AuthMethod)
	}
	if len(p.AuthData) > 0 {
		w.binaryProp(AuthDataProp, p.AuthData)
	}
	return w
}

func (pkt *ConnAck) encode() (net.Buffers, error) {
	body := []byte{codec.EncodeBool(pkt.SessionPresent), byte(pkt.ReasonCode)}
	body = pkt.Properties.encode().appendTo(body)
	return frame(ConnAckType, 0, body)
}

func readUint16Ptr(pr *codec.Reader) (*uint16, error) {
	v, err := pr.ReadUint16()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func readUint32Ptr(pr *codec.Reader) (*uint32, error) {
	v, err := pr.ReadUint32()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func readBoolPtr(pr *codec.Reader, id byte) (*bool, error) {
	v, err := readBool(pr, id)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
