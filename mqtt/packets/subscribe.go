// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"net"

	"github.com/absmach/brokerish/mqtt/codec"
	"github.com/absmach/brokerish/topics"
)

// Subscription option bits.
const (
	subQoSMask           byte = 0x03
	subNoLocal           byte = 0x04
	subRetainAsPublished byte = 0x08
	subRetainHandling    byte = 0x30
	subReserved          byte = 0xC0
)

// Subscribe is an internal representation of the fields of the SUBSCRIBE MQTT packet.
type Subscribe struct {
	ID            uint16
	Properties    SubscribeProperties
	Subscriptions []Subscription
}

// SubscribeProperties are the SUBSCRIBE properties.
type SubscribeProperties struct {
	// SubscriptionID is attached to every message delivered for these
	// subscriptions. 0 means none.
	SubscriptionID uint32
	// User is a slice of user provided properties (key and value).
	User []User
}

// Subscription is one filter requested by SUBSCRIBE.
type Subscription struct {
	Filter  topics.Filter
	Options SubOptions
}

// SubOptions is the decomposed subscription options byte.
type SubOptions struct {
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

func (*Subscribe) packet() {}

// Type returns the packet type.
func (*Subscribe) Type() Type {
	return SubscribeType
}

// Encode returns the options byte.
func (o SubOptions) Encode() byte {
	b := o.QoS & subQoSMask
	if o.NoLocal {
		b |= subNoLocal
	}
	if o.RetainAsPublished {
		b |= subRetainAsPublished
	}
	return b | (o.RetainHandling<<4)&subRetainHandling
}

// DecodeSubOptions decomposes a subscription options byte.
func DecodeSubOptions(b byte) (SubOptions, error) {
	if b&subReserved != 0 {
		return SubOptions{}, malformed("reserved subscription option bits set")
	}
	o := SubOptions{
		QoS:               b & subQoSMask,
		NoLocal:           b&subNoLocal != 0,
		RetainAsPublished: b&subRetainAsPublished != 0,
		RetainHandling:    (b & subRetainHandling) >> 4,
	}
	if o.QoS > 2 {
		return SubOptions{}, malformed("invalid subscription qos %d", o.QoS)
	}
	if o.RetainHandling > 2 {
		return SubOptions{}, protocolError("invalid retain handling %d", o.RetainHandling)
	}
	return o, nil
}

func decodeSubscribe(r *codec.Reader) (*Subscribe, error) {
	pkt := &Subscribe{}
	var err error
	if pkt.ID, err = readPacketID(r); err != nil {
		return nil, err
	}
	if err := pkt.Properties.unpack(r); err != nil {
		return nil, err
	}
	for r.Remaining() > 0 {
		filter, err := readFilter(r)
		if err != nil {
			return nil, err
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		opts, err := DecodeSubOptions(b)
		if err != nil {
			return nil, err
		}
		pkt.Subscriptions = append(pkt.Subscriptions, Subscription{Filter: filter, Options: opts})
	}
	if len(pkt.Subscriptions) == 0 {
		return nil, protocolError("subscribe without topic filters")
	}
	return pkt, nil
}

func (p *SubscribeProperties) unpack(r *codec.Reader) error {
	return readProperties(r, func(id byte, pr *codec.Reader) error {
		var err error
		switch id {
		case SubscriptionIdentifierProp:
			if p.SubscriptionID, err = pr.ReadVBI(); err == nil && p.SubscriptionID == 0 {
				return protocolError("subscription identifier must not be 0")
			}
		case UserProp:
			p.User, err = readUser(pr, p.User)
		default:
			return unknownProperty(id)
		}
		return err
	})
}

func (p *SubscribeProperties) encode() propWriter {
	var w propWriter
	if p.SubscriptionID != 0 {
		w.vbiProp(SubscriptionIdentifierProp, p.SubscriptionID)
	}
	w.users(p.User)
	return w
}

func (pkt *Subscribe) encode() (net.Buffers, error) {
	body := codec.AppendUint16(nil, pkt.ID)
	body = pkt.Properties.encode().appendTo(body)
	for _, s := range pkt.Subscriptions {
		body = codec.AppendString(body, string(s.Filter))
		body = append(body, s.Options.Encode())
	}
	return frame(SubscribeType, requiredFlags[SubscribeType], body)
}

func readPacketID(r *codec.Reader) (uint16, error) {
	id, err := r.ReadUint16()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, protocolError("packet identifier must not be 0")
	}
	return id, nil
}

// readFilter reads a topic filter. The string conversion copies it out of
// the receive buffer since filters outlive the packet in the subscription tree.
func readFilter(r *codec.Reader) (topics.Filter, error) {
	s, err := r.ReadString()
	if err != nil {
		return "", err
	}
	f := topics.Filter(s)
	if err := topics.ValidateFilter(f); err != nil {
		return "", malformed("%v: %q", err, s)
	}
	return f, nil
}
