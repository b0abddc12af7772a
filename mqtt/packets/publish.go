// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"net"

	"github.com/absmach/brokerish/mqtt/codec"
	"github.com/absmach/brokerish/topics"
)

// Publish is an internal representation of the fields of the PUBLISH MQTT packet.
type Publish struct {
	// Fixed header flags.
	Dup    bool
	QoS    byte
	Retain bool
	// Variable Header
	TopicName  topics.Topic
	ID         uint16
	Properties PublishProperties
	// Payload borrows the receive buffer of a decoded packet. It is written
	// out as its own segment when encoding.
	Payload []byte
}

// PublishProperties are the PUBLISH properties.
type PublishProperties struct {
	// PayloadFormat indicates the format of the payload of the message
	// 0 is unspecified bytes
	// 1 is UTF8 encoded character data
	PayloadFormat *byte
	// MessageExpiry is the lifetime of the message in seconds.
	MessageExpiry *uint32
	// TopicAlias is an identifier of a Topic Alias.
	TopicAlias *uint16
	// ResponseTopic indicates the topic name to which any response to this
	// message should be sent.
	ResponseTopic string
	// CorrelationData is binary data used to associate future response
	// messages with the original request message.
	CorrelationData []byte
	// User is a slice of user provided properties (key and value).
	User []User
	// SubscriptionIDs identify the subscriptions the message matched.
	SubscriptionIDs []uint32
	// ContentType is a UTF8 string describing the content of the message
	// for example it could be a MIME type.
	ContentType string
}

func (*Publish) packet() {}

// Type returns the packet type.
func (*Publish) Type() Type {
	return PublishType
}

// Flags returns the fixed header flags nibble.
func (pkt *Publish) Flags() byte {
	var f byte
	if pkt.Dup {
		f |= 0x08
	}
	f |= pkt.QoS << 1
	if pkt.Retain {
		f |= 0x01
	}
	return f
}

func decodePublish(flags byte, r *codec.Reader) (*Publish, error) {
	pkt := &Publish{
		Dup:    flags&0x08 != 0,
		QoS:    (flags >> 1) & 0x03,
		Retain: flags&0x01 != 0,
	}
	if pkt.QoS > 2 {
		return nil, malformed("invalid publish qos %d", pkt.QoS)
	}
	if pkt.QoS == 0 && pkt.Dup {
		return nil, malformed("dup flag set on qos 0 publish")
	}

	topic, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	pkt.TopicName = topics.Topic(topic)
	if topic != "" {
		if err := topics.ValidateTopicName(pkt.TopicName); err != nil {
			return nil, malformed("%v", err)
		}
	}

	if pkt.QoS > 0 {
		if pkt.ID, err = r.ReadUint16(); err != nil {
			return nil, err
		}
		if pkt.ID == 0 {
			return nil, protocolError("publish packet identifier must not be 0")
		}
	}

	if err := pkt.Properties.unpack(r); err != nil {
		return nil, err
	}
	if topic == "" && pkt.Properties.TopicAlias == nil {
		return nil, protocolError("empty topic name without topic alias")
	}

	pkt.Payload = r.ReadRemaining()
	return pkt, nil
}

func (p *PublishProperties) unpack(r *codec.Reader) error {
	return readProperties(r, func(id byte, pr *codec.Reader) error {
		var err error
		switch id {
		case PayloadFormatProp:
			var pf byte
			if pf, err = readPayloadFormat(pr); err == nil {
				p.PayloadFormat = &pf
			}
		case MessageExpiryProp:
			p.MessageExpiry, err = readUint32Ptr(pr)
		case TopicAliasProp:
			var ta *uint16
			if ta, err = readUint16Ptr(pr); err == nil {
				if *ta == 0 {
					return protocolError("topic alias must not be 0")
				}
				p.TopicAlias = ta
			}
		case ResponseTopicProp:
			var b []byte
			if b, err = pr.ReadBinary(); err == nil {
				p.ResponseTopic = string(b)
			}
		case CorrelationDataProp:
			p.CorrelationData, err = pr.ReadBinary()
		case UserProp:
			p.User, err = readUser(pr, p.User)
		case SubscriptionIdentifierProp:
			var sid uint32
			if sid, err = pr.ReadVBI(); err == nil {
				if sid == 0 {
					return protocolError("subscription identifier must not be 0")
				}
				p.SubscriptionIDs = append(p.SubscriptionIDs, sid)
			}
		case ContentTypeProp:
			p.ContentType, err = pr.ReadString()
		default:
			return unknownProperty(id)
		}
		return err
	}, SubscriptionIdentifierProp)
}

func (p *PublishProperties) encode() propWriter {
	var w propWriter
	if p.PayloadFormat != nil {
		w.byteProp(PayloadFormatProp, *p.PayloadFormat)
	}
	if p.MessageExpiry != nil {
		w.uint32Prop(MessageExpiryProp, *p.MessageExpiry)
	}
	if p.TopicAlias != nil {
		w.uint16Prop(TopicAliasProp, *p.TopicAlias)
	}
	if p.ResponseTopic != "" {
		w.stringProp(ResponseTopicProp, p.ResponseTopic)
	}
	if len(p.CorrelationData) > 0 {
		w.binaryProp(CorrelationDataProp, p.CorrelationData)
	}
	w.users(p.User)
	for _, id := range p.SubscriptionIDs {
		w.vbiProp(SubscriptionIdentifierProp, id)
	}
	if p.ContentType != "" {
		w.stringProp(ContentTypeProp, p.ContentType)
	}
	return w
}

func (pkt *Publish) encode() (net.Buffers, error) {
	props := pkt.Properties.encode()
	size := codec.StringSize(len(pkt.TopicName)) + codec.VBISize(uint32(len(props))) + len(props)
	if pkt.QoS > 0 {
		size += 2
	}

	body := make([]byte, 0, size)
	body = codec.AppendString(body, string(pkt.TopicName))
	if pkt.QoS > 0 {
		body = codec.AppendUint16(body, pkt.ID)
	}
	body = props.appendTo(body)
	return frame(PublishType, pkt.Flags(), body, pkt.Payload)
}
