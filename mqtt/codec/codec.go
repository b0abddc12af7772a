// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec implements the MQTT 5.0 primitive data representations:
// Variable Byte Integers, big-endian integers, UTF-8 strings and binary data.
package codec

import (
	"errors"
	"fmt"
)

const (
	// MaxVBI is the largest value a Variable Byte Integer can carry.
	MaxVBI = 268_435_455
	// MaxVBILen is the maximum encoded size of a Variable Byte Integer.
	MaxVBILen = 4
)

// Error taxonomy shared by every decoder. Narrower errors wrap one of these
// three, so callers classify with errors.Is.
var (
	// ErrMalformedPacket marks structurally invalid input.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrProtocolError marks well-formed input that MQTT forbids.
	ErrProtocolError = errors.New("protocol error")
	// ErrNotImplemented marks a recognized packet or feature the broker does not handle.
	ErrNotImplemented = errors.New("not implemented")
)

// Errors for zero-copy decoding.
var (
	ErrBufferTooShort = fmt.Errorf("%w: buffer too short", ErrMalformedPacket)
	ErrMalformedVBI   = fmt.Errorf("%w: variable byte integer longer than 4 bytes", ErrMalformedPacket)
	ErrStringTooLong  = fmt.Errorf("%w: string exceeds buffer", ErrMalformedPacket)
	ErrInvalidUTF8    = fmt.Errorf("%w: invalid UTF-8 string", ErrMalformedPacket)
)
