// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

// Both ping packets have no body, so their encodings are constant and shared
// by every caller. They must never be written to.
var (
	pingReqBytes  = []byte{byte(PingReqType) << 4, 0x00}
	pingRespBytes = []byte{byte(PingRespType) << 4, 0x00}
)

// PingReq is an internal representation of the PINGREQ MQTT packet.
type PingReq struct{}

func (*PingReq) packet() {}

// Type returns the packet type.
func (*PingReq) Type() Type {
	return PingReqType
}

// PingResp is an internal representation of the PINGRESP MQTT packet.
type PingResp struct{}

func (*PingResp) packet() {}

// Type returns the packet type.
func (*PingResp) Type() Type {
	return PingRespType
}
