// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"github.com/absmach/brokerish/mqtt/codec"
)

// Property identifiers.
const (
	PayloadFormatProp          byte = 1
	MessageExpiryProp          byte = 2
	ContentTypeProp            byte = 3
	ResponseTopicProp          byte = 8
	CorrelationDataProp        byte = 9
	SubscriptionIdentifierProp byte = 11
	SessionExpiryIntervalProp  byte = 17
	AssignedClientIDProp       byte = 18
	ServerKeepAliveProp        byte = 19
	AuthMethodProp             byte = 21
	AuthDataProp               byte = 22
	RequestProblemInfoProp     byte = 23
	WillDelayIntervalProp      byte = 24
	RequestResponseInfoProp    byte = 25
	ResponseInfoProp           byte = 26
	ServerReferenceProp        byte = 28
	ReasonStringProp           byte = 31
	ReceiveMaximumProp         byte = 33
	TopicAliasMaximumProp      byte = 34
	TopicAliasProp             byte = 35
	MaximumQOSProp             byte = 36
	RetainAvailableProp        byte = 37
	UserProp                   byte = 38
	MaximumPacketSizeProp      byte = 39
	WildcardSubAvailableProp   byte = 40
	SubIDAvailableProp         byte = 41
	SharedSubAvailableProp     byte = 42
)

const maxPropID = SharedSubAvailableProp

// PayloadFormat values.
const (
	PayloadFormatBytes byte = 0
	PayloadFormatUTF8  byte = 1
)

// readProperties reads a length-prefixed property block and hands every
// property to set with a reader positioned on its value. A non-repeatable
// property seen twice is a protocol error; set reports unknown ids via
// unknownProperty. User properties are always repeatable.
func readProperties(r *codec.Reader, set func(id byte, pr *codec.Reader) error, repeatable ...byte) error {
	length, err := r.ReadVBI()
	if err != nil {
		return err
	}
	block, err := r.ReadN(int(length))
	if err != nil {
		return err
	}

	pr := codec.NewReader(block)
	var seen [maxPropID + 1]bool
	for pr.Remaining() > 0 {
		v, err := pr.ReadVBI()
		if err != nil {
			return err
		}
		if v > uint32(maxPropID) {
			return unknownProperty(byte(v))
		}
		id := byte(v)
		if seen[id] && id != UserProp && !contains(repeatable, id) {
			return protocolError("duplicate property 0x%02x", id)
		}
		seen[id] = true
		if err := set(id, pr); err != nil {
			return err
		}
	}
	return nil
}

func contains(ids []byte, id byte) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func unknownProperty(id byte) error {
	return malformed("unknown property 0x%02x", id)
}

// readBool reads a property that may only be 0 or 1.
func readBool(pr *codec.Reader, id byte) (bool, error) {
	b, err := pr.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, protocolError("property 0x%02x must be 0 or 1, got %d", id, b)
	}
}

func readPayloadFormat(pr *codec.Reader) (byte, error) {
	b, err := pr.ReadByte()
	if err != nil {
		return 0, err
	}
	if b != PayloadFormatBytes && b != PayloadFormatUTF8 {
		return 0, protocolError("invalid payload format %d", b)
	}
	return b, nil
}

func readUser(pr *codec.Reader, users []User) ([]User, error) {
	k, err := pr.ReadString()
	if err != nil {
		return nil, err
	}
	v, err := pr.ReadString()
	if err != nil {
		return nil, err
	}
	return append(users, User{Key: k, Value: v}), nil
}

// propWriter accumulates an encoded property block.
type propWriter []byte

func (w *propWriter) byteProp(id, v byte) {
	*w = append(*w, id, v)
}

func (w *propWriter) boolProp(id byte, v bool) {
	*w = append(*w, id, codec.EncodeBool(v))
}

func (w *propWriter) uint16Prop(id byte, v uint16) {
	*w = codec.AppendUint16(append(*w, id), v)
}

func (w *propWriter) uint32Prop(id byte, v uint32) {
	*w = codec.AppendUint32(append(*w, id), v)
}

func (w *propWriter) vbiProp(id byte, v uint32) {
	*w = codec.AppendVBI(append(*w, id), v)
}

func (w *propWriter) stringProp(id byte, v string) {
	*w = codec.AppendString(append(*w, id), v)
}

func (w *propWriter) binaryProp(id byte, v []byte) {
	*w = codec.AppendBytes(append(*w, id), v)
}

func (w *propWriter) users(users []User) {
	for _, u := range users {
		*w = append(*w, UserProp)
		*w = codec.AppendString(*w, u.Key)
		*w = codec.AppendString(*w, u.Value)
	}
}

// appendTo appends the length-prefixed block to dst.
func (w propWriter) appendTo(dst []byte) []byte {
	dst = codec.AppendVBI(dst, uint32(len(w)))
	return append(dst, w...)
}

// AckProperties are the properties carried by SUBACK and UNSUBACK.
type AckProperties struct {
	// ReasonString is a UTF8 string representing the reason associated with
	// this response, intended to be human readable for diagnostic purposes.
	ReasonString string
	// User is a slice of user provided properties (key and value).
	User []User
}

func (p *AckProperties) unpack(r *codec.Reader) error {
	return readProperties(r, func(id byte, pr *codec.Reader) error {
		var err error
		switch id {
		case ReasonStringProp:
			p.ReasonString, err = pr.ReadString()
		case UserProp:
			p.User, err = readUser(pr, p.User)
		default:
			return unknownProperty(id)
		}
		return err
	})
}

func (p *AckProperties) encode() propWriter {
	var w propWriter
	if p.ReasonString != "" {
		w.stringProp(ReasonStringProp, p.ReasonString)
	}
	w.users(p.User)
	return w
}
