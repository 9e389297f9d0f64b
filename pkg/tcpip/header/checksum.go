// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package header provides the implementation of the encoding and decoding of
// network protocol headers.
//
// Header types are byte slices. Accessors do not check bounds: callers must
// validate the slice (IsValid or an explicit length check) before reading
// any field, since packets come straight off the wire.
package header

import (
	"encoding/binary"
	"net/netip"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/checksum"
)

// PseudoHeaderChecksum calculates the pseudo-header checksum for the given
// destination protocol and network address. Pseudo-headers are needed by
// transport layers when calculating their own checksum.
func PseudoHeaderChecksum(protocol tcpip.TransportProtocolNumber, srcAddr, dstAddr netip.Addr, totalLen uint16) uint16 {
	xsum := checksum.Checksum(srcAddr.AsSlice(), 0)
	xsum = checksum.Checksum(dstAddr.AsSlice(), xsum)

	// Add the length portion of the checksum to the pseudo-checksum.
	tmp := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp, totalLen)
	xsum = checksum.Checksum(tmp, xsum)

	return checksum.Checksum([]byte{0, uint8(protocol)}, xsum)
}

// TransportChecksum returns the value of the checksum field for a transport
// header plus payload sent from src to dst. The checksum field of hdr must be
// zero.
func TransportChecksum(protocol tcpip.TransportProtocolNumber, src, dst netip.Addr, segment []byte) uint16 {
	xsum := PseudoHeaderChecksum(protocol, src, dst, uint16(len(segment)))
	return ^checksum.Checksum(segment, xsum)
}

// TransportChecksumValid reports whether segment, including its checksum
// field, sums to all ones under the pseudo-header.
func TransportChecksumValid(protocol tcpip.TransportProtocolNumber, src, dst netip.Addr, segment []byte) bool {
	xsum := PseudoHeaderChecksum(protocol, src, dst, uint16(len(segment)))
	return checksum.Checksum(segment, xsum) == 0xffff
}

// IPVersion returns the version of the IP packet in b, or -1 if b is empty.
func IPVersion(b []byte) int {
	if len(b) < 1 {
		return -1
	}
	return int(b[0] >> 4)
}
