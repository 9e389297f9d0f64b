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

package header

import (
	"encoding/binary"
	"net/netip"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/checksum"
)

// ICMPv6 represents an ICMPv6 header stored in a byte array.
type ICMPv6 []byte

const (
	// ICMPv6MinimumSize is the minimum size of a valid ICMP packet.
	ICMPv6MinimumSize = 4

	// ICMPv6HeaderSize is the size of the fixed part of every message we
	// handle: type, code, checksum and the 4 byte type specific field.
	ICMPv6HeaderSize = 8

	// ICMPv6ProtocolNumber is the ICMP transport protocol number.
	ICMPv6ProtocolNumber tcpip.TransportProtocolNumber = tcpip.ICMPv6ProtocolNumber

	// ICMPv6EchoMinimumSize is the minimum size of a valid ICMP echo packet.
	ICMPv6EchoMinimumSize = 8

	// ICMPv6ErrorHeaderSize is the size of the header of every error
	// message.
	ICMPv6ErrorHeaderSize = 8

	icmpv6ChecksumOffset = 2
	icmpv6MTUOffset      = 4
	icmpv6IdentOffset    = 4
	icmpv6SequenceOffset = 6
)

// ICMPv6Type is the ICMP type field described in RFC 4443 and friends.
type ICMPv6Type byte

// Typical values of ICMPv6Type defined in RFC 4443.
const (
	ICMPv6DstUnreachable ICMPv6Type = 1
	ICMPv6PacketTooBig   ICMPv6Type = 2
	ICMPv6TimeExceeded   ICMPv6Type = 3
	ICMPv6ParamProblem   ICMPv6Type = 4
	ICMPv6EchoRequest    ICMPv6Type = 128
	ICMPv6EchoReply      ICMPv6Type = 129
	ICMPv6RedirectMsg    ICMPv6Type = 137
)

// IsErrorType reports whether t is an ICMPv6 error message type (RFC 4443,
// section 2.1).
func (t ICMPv6Type) IsErrorType() bool {
	return t < 128
}

// ICMPv6Code is the ICMP code field described in RFC 4443.
type ICMPv6Code byte

// Values for ICMP code as defined in RFC 4443.
const (
	ICMPv6NetworkUnreachable ICMPv6Code = 0
	ICMPv6Prohibited         ICMPv6Code = 1
	ICMPv6AddressUnreachable ICMPv6Code = 3
	ICMPv6PortUnreachable    ICMPv6Code = 4
	ICMPv6HopLimitExceeded   ICMPv6Code = 0
	ICMPv6ReassemblyTimeout  ICMPv6Code = 1
)

// Type is the ICMP type field.
func (b ICMPv6) Type() ICMPv6Type { return ICMPv6Type(b[0]) }

// SetType sets the ICMP type field.
func (b ICMPv6) SetType(t ICMPv6Type) { b[0] = byte(t) }

// Code is the ICMP code field. Its meaning depends on the value of Type.
func (b ICMPv6) Code() ICMPv6Code { return ICMPv6Code(b[1]) }

// SetCode sets the ICMP code field.
func (b ICMPv6) SetCode(c ICMPv6Code) { b[1] = byte(c) }

// Checksum is the ICMP checksum field.
func (b ICMPv6) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[icmpv6ChecksumOffset:])
}

// SetChecksum sets the ICMP checksum field.
func (b ICMPv6) SetChecksum(xsum uint16) {
	checksum.Put(b[icmpv6ChecksumOffset:], xsum)
}

// MTU retrieves the MTU field from a packet too big message.
func (b ICMPv6) MTU() uint32 {
	return binary.BigEndian.Uint32(b[icmpv6MTUOffset:])
}

// SetMTU sets the MTU field of a packet too big message.
func (b ICMPv6) SetMTU(mtu uint32) {
	binary.BigEndian.PutUint32(b[icmpv6MTUOffset:], mtu)
}

// Ident retrieves the Ident field from an echo message.
func (b ICMPv6) Ident() uint16 {
	return binary.BigEndian.Uint16(b[icmpv6IdentOffset:])
}

// SetIdent sets the Ident field of an echo message.
func (b ICMPv6) SetIdent(ident uint16) {
	binary.BigEndian.PutUint16(b[icmpv6IdentOffset:], ident)
}

// SetIdentWithChecksumUpdate sets the Ident field and incrementally updates
// the checksum.
func (b ICMPv6) SetIdentWithChecksumUpdate(new uint16) {
	old := b.Ident()
	b.SetIdent(new)
	b.SetChecksum(checksum.Update(b.Checksum(), old, new))
}

// Sequence retrieves the Sequence field from an echo message.
func (b ICMPv6) Sequence() uint16 {
	return binary.BigEndian.Uint16(b[icmpv6SequenceOffset:])
}

// SetSequence sets the Sequence field of an echo message.
func (b ICMPv6) SetSequence(sequence uint16) {
	binary.BigEndian.PutUint16(b[icmpv6SequenceOffset:], sequence)
}

// Payload returns the message body following the 8 byte header.
func (b ICMPv6) Payload() []byte {
	return b[ICMPv6HeaderSize:]
}

// ICMPv6Checksum calculates the ICMP checksum over the provided ICMPv6 message
// including the IPv6 pseudo-header. The checksum field of b is ignored.
func ICMPv6Checksum(b ICMPv6, src, dst netip.Addr) uint16 {
	h2, h3 := b[2], b[3]
	b[2], b[3] = 0, 0
	xsum := TransportChecksum(ICMPv6ProtocolNumber, src, dst, b)
	b[2], b[3] = h2, h3
	return xsum
}

// IsChecksumValid reports whether the message checksum is valid for a
// message sent from src to dst.
func (b ICMPv6) IsChecksumValid(src, dst netip.Addr) bool {
	return TransportChecksumValid(ICMPv6ProtocolNumber, src, dst, b)
}
