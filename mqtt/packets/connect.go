// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"net"

	"github.com/absmach/brokerish/mqtt/codec"
	"github.com/absmach/brokerish/topics"
)

// Connect flag bits.
const (
	reservedFlag   byte = 0x01
	cleanStartFlag byte = 0x02
	willFlag       byte = 0x04
	willQoSMask    byte = 0x18
	willRetainFlag byte = 0x20
	passwordFlag   byte = 0x40
	usernameFlag   byte = 0x80
)

// Connect is an internal representation of the fields of the CONNECT MQTT packet.
type Connect struct {
	ProtocolName    string
	ProtocolVersion byte
	CleanStart      bool
	KeepAlive       uint16
	Properties      ConnectProperties
	ClientID        string
	// Will is nil unless the will flag is set.
	Will         *Will
	UsernameFlag bool
	Username     string
	PasswordFlag bool
	Password     []byte
}

// ConnectProperties hold the CONNECT properties with MQTT defaults applied
// for absent values.
type ConnectProperties struct {
	// SessionExpiryInterval is the time in seconds after a client disconnects
	// that the server should retain the session information.
	SessionExpiryInterval uint32
	// ReceiveMaximum is the maximum number of QoS 1 and 2 messages the client
	// is willing to process concurrently. Zero is treated as the default 65535.
	ReceiveMaximum uint16
	// MaximumPacketSize is the largest packet the client accepts; 0 means no limit.
	MaximumPacketSize uint32
	// TopicAliasMaximum is the highest topic alias the client accepts.
	TopicAliasMaximum uint16
	// RequestResponseInfo asks the server to return response information in CONNACK.
	RequestResponseInfo bool
	// RequestProblemInfo allows the server to return reason strings and user
	// properties on failures. Defaults to true.
	RequestProblemInfo bool
	// User is a slice of user provided properties (key and value).
	User []User
	// AuthMethod names the extended authentication method.
	AuthMethod string
	// AuthData is binary data containing authentication data.
	AuthData []byte
}

// DefaultReceiveMaximum applies when CONNECT carries no Receive Maximum.
const DefaultReceiveMaximum uint16 = 65535

// Will is the will message declared by CONNECT.
type Will struct {
	QoS        byte
	Retain     bool
	Properties WillProperties
	Topic      topics.Topic
	Payload    []byte
}

// WillProperties are the properties attached to a will message.
type WillProperties struct {
	// WillDelayInterval is the number of seconds the server waits before
	// publishing the will message.
	WillDelayInterval uint32
	// PayloadFormat is 0 for unspecified bytes and 1 for UTF-8 data.
	PayloadFormat byte
	// MessageExpiry is the lifetime of the will message in seconds.
	MessageExpiry *uint32
	// ContentType is a UTF8 string describing the content of the message.
	ContentType string
	// ResponseTopic is the topic name for a response message.
	ResponseTopic string
	// CorrelationData is used by the sender of a request to identify the response.
	CorrelationData []byte
	// User is a slice of user provided properties (key and value).
	User []User
}

func (*Connect) packet() {}

// Type returns the packet type.
func (*Connect) Type() Type {
	return ConnectType
}

func decodeConnect(r *codec.Reader) (*Connect, error) {
	pkt := &Connect{}
	var err error

	if pkt.ProtocolName, err = r.ReadString(); err != nil {
		return nil, err
	}
	if pkt.ProtocolName != ProtocolName {
		return nil, malformed("invalid protocol name %q", pkt.ProtocolName)
	}
	if pkt.ProtocolVersion, err = r.ReadByte(); err != nil {
		return nil, err
	}
	if pkt.ProtocolVersion != V5 {
		return nil, ErrUnsupportedProtocolVersion
	}

	flags, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if flags&reservedFlag != 0 {
		return nil, malformed("reserved connect flag is set (MQTT-3.1.2-3)")
	}
	pkt.CleanStart = flags&cleanStartFlag != 0
	pkt.UsernameFlag = flags&usernameFlag != 0
	pkt.PasswordFlag = flags&passwordFlag != 0
	hasWill := flags&willFlag != 0
	willQoS := (flags & willQoSMask) >> 3
	willRetain := flags&willRetainFlag != 0
	if willQoS > 2 {
		return nil, malformed("invalid will qos %d", willQoS)
	}
	if !hasWill && (willQoS != 0 || willRetain) {
		return nil, malformed("will qos or retain set without will flag")
	}

	if pkt.KeepAlive, err = r.ReadUint16(); err != nil {
		return nil, err
	}
	if err := pkt.Properties.unpack(r); err != nil {
		return nil, err
	}
	if pkt.ClientID, err = r.ReadString(); err != nil {
		return nil, err
	}

	if hasWill {
		will := &Will{QoS: willQoS, Retain: willRetain}
		if err := will.Properties.unpack(r); err != nil {
			return nil, err
		}
		topic, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		if topic == "" {
			return nil, malformed("empty will topic (MQTT-3.1.3-11)")
		}
		will.Topic = topics.Topic(topic)
		if err := topics.ValidateTopicName(will.Topic); err != nil {
			return nil, malformed("will topic: %v", err)
		}
		if will.Payload, err = r.ReadBinary(); err != nil {
			return nil, err
		}
		pkt.Will = will
	}

	if pkt.UsernameFlag {
		if pkt.Username, err = r.ReadString(); err != nil {
			return nil, err
		}
	}
	if pkt.PasswordFlag {
		if pkt.Password, err = r.ReadBinary(); err != nil {
			return nil, err
		}
	}

	return pkt, nil
}

func (p *ConnectProperties) unpack(r *codec.Reader) error {
	p.ReceiveMaximum = DefaultReceiveMaximum
	p.RequestProblemInfo = true
	return readProperties(r, func(id byte, pr *codec.Reader) error {
		var err error
		switch id {
		case SessionExpiryIntervalProp:
			p.SessionExpiryInterval, err = pr.ReadUint32()
		case ReceiveMaximumProp:
			if p.ReceiveMaximum, err = pr.ReadUint16(); err == nil && p.ReceiveMaximum == 0 {
				return protocolError("receive maximum must not be 0")
			}
		case MaximumPacketSizeProp:
			if p.MaximumPacketSize, err = pr.ReadUint32(); err == nil && p.MaximumPacketSize == 0 {
				return protocolError("maximum packet size must not be 0")
			}
		case TopicAliasMaximumProp:
			p.TopicAliasMaximum, err = pr.ReadUint16()
		case RequestResponseInfoProp:
			p.RequestResponseInfo, err = readBool(pr, id)
		case RequestProblemInfoProp:
			p.RequestProblemInfo, err = readBool(pr, id)
		case UserProp:
			p.User, err = readUser(pr, p.User)
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

func (p *ConnectProperties) encode() propWriter {
	var w propWriter
	if p.SessionExpiryInterval != 0 {
		w.uint32Prop(SessionExpiryIntervalProp, p.SessionExpiryInterval)
	}
	if p.ReceiveMaximum != 0 && p.ReceiveMaximum != DefaultReceiveMaximum {
		w.uint16Prop(ReceiveMaximumProp, p.ReceiveMaximum)
	}
	if p.MaximumPacketSize != 0 {
		w.uint32Prop(MaximumPacketSizeProp, p.MaximumPacketSize)
	}
	if p.TopicAliasMaximum != 0 {
		w.uint16Prop(TopicAliasMaximumProp, p.TopicAliasMaximum)
	}
	if p.RequestResponseInfo {
		w.boolProp(RequestResponseInfoProp, true)
	}
	if !p.RequestProblemInfo {
		w.boolProp(RequestProblemInfoProp, false)
	}
	w.users(p.User)
	if p.AuthMethod != "" {
		w.stringProp(AuthMethodProp, p.AuthMethod)
	}
	if len(p.AuthData) > 0 {
		w.binaryProp(AuthDataProp, p.AuthData)
	}
	return w
}

func (p *WillProperties) unpack(r *codec.Reader) error {
	return readProperties(r, func(id byte, pr *codec.Reader) error {
		var err error
		switch id {
		case WillDelayIntervalProp:
			p.WillDelayInterval, err = pr.ReadUint32()
		case PayloadFormatProp:
			p.PayloadFormat, err = readPayloadFormat(pr)
		case MessageExpiryProp:
			var v uint32
			if v, err = pr.ReadUint32(); err == nil {
				p.MessageExpiry = &v
			}
		case ContentTypeProp:
			p.ContentType, err = pr.ReadString()
		case ResponseTopicProp:
			p.ResponseTopic, err = pr.ReadString()
		case CorrelationDataProp:
			p.CorrelationData, err = pr.ReadBinary()
		case UserProp:
			p.User, err = readUser(pr, p.User)
		default:
			return unknownProperty(id)
		}
		return err
	})
}

func (p *WillProperties) encode() propWriter {
	var w propWriter
	if p.WillDelayInterval != 0 {
		w.uint32Prop(WillDelayIntervalProp, p.WillDelayInterval)
	}
	if p.PayloadFormat != PayloadFormatBytes {
		w.byteProp(PayloadFormatProp, p.PayloadFormat)
	}
	if p.MessageExpiry != nil {
		w.uint32Prop(MessageExpiryProp, *p.MessageExpiry)
	}
	if p.ContentType != "" {
		w.stringProp(ContentTypeProp, p.ContentType)
	}
	if p.ResponseTopic != "" {
		w.stringProp(ResponseTopicProp, p.ResponseTopic)
	}
	if len(p.CorrelationData) > 0 {
		w.binaryProp(CorrelationDataProp, p.CorrelationData)
	}
	w.users(p.User)
	return w
}

func (pkt *Connect) encode() (net.Buffers, error) {
	var flags byte
	if pkt.CleanStart {
		flags |= cleanStartFlag
	}
	if pkt.Will != nil {
		flags |= willFlag | pkt.Will.QoS<<3
		if pkt.Will.Retain {
			flags |= willRetainFlag
		}
	}
	if pkt.UsernameFlag {
		flags |= usernameFlag
	}
	if pkt.PasswordFlag {
		flags |= passwordFlag
	}

	body := codec.AppendString(nil, pkt.ProtocolName)
	body = append(body, pkt.ProtocolVersion, flags)
	body = codec.AppendUint16(body, pkt.KeepAlive)
	body = pkt.Properties.encode().appendTo(body)
	body = codec.AppendString(body, pkt.ClientID)
	if pkt.Will != nil {
		body = pkt.Will.Properties.encode().appendTo(body)
		body = codec.AppendString(body, string(pkt.Will.Topic))
		body = codec.AppendBytes(body, pkt.Will.Payload)
	}
	if pkt.UsernameFlag {
		body = codec.AppendString(body, pkt.Username)
	}
	if pkt.PasswordFlag {
		body = codec.AppendBytes(body, pkt.Password)
	}
	return frame(ConnectType, 0, body)
}
