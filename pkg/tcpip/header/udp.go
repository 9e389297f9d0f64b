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
	"math"
	"net/netip"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/checksum"
)

const (
	udpSrcPort  = 0
	udpDstPort  = 2
	udpLength   = 4
	udpChecksum = 6
)

const (
	// UDPMaximumPacketSize is the largest possible UDP packet.
	UDPMaximumPacketSize = 0xffff
)

// UDPFields contains the fields of a UDP packet. It is used to describe the
// fields of a packet that needs to be encoded.
type UDPFields struct {
	// SrcPort is the "source port" field of a UDP packet.
	SrcPort uint16

	// DstPort is the "destination port" field of a UDP packet.
	DstPort uint16

	// Length is the "length" field of a UDP packet.
	Length uint16

	// Checksum is the "checksum" field of a UDP packet.
	Checksum uint16
}

// UDP represents a UDP header stored in a byte array.
type UDP []byte

const (
	// UDPMinimumSize is the minimum size of a valid UDP packet.
	UDPMinimumSize = 8

	// UDPMaximumSize is the maximum size of a valid UDP packet. The length field
	// in the UDP header is 16 bits as per RFC 768.
	UDPMaximumSize = math.MaxUint16

	// UDPProtocolNumber is UDP's transport protocol number.
	UDPProtocolNumber tcpip.TransportProtocolNumber = tcpip.UDPProtocolNumber
)

// SourcePort returns the "source port" field of the UDP header.
func (b UDP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[udpSrcPort:])
}

// DestinationPort returns the "destination port" field of the UDP header.
func (b UDP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[udpDstPort:])
}

// Length returns the "length" field of the UDP header.
func (b UDP) Length() uint16 {
	return binary.BigEndian.Uint16(b[udpLength:])
}

// Payload returns the data contained in the UDP datagram.
func (b UDP) Payload() []byte {
	return b[UDPMinimumSize:]
}

// Checksum returns the "checksum" field of the UDP header.
func (b UDP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[udpChecksum:])
}

// SetSourcePort sets the "source port" field of the UDP header.
func (b UDP) SetSourcePort(port uint16) {
	binary.BigEndian.PutUint16(b[udpSrcPort:], port)
}

// SetDestinationPort sets the "destination port" field of the UDP header.
func (b UDP) SetDestinationPort(port uint16) {
	binary.BigEndian.PutUint16(b[udpDstPort:], port)
}

// SetChecksum sets the "checksum" field of the UDP header.
func (b UDP) SetChecksum(xsum uint16) {
	checksum.Put(b[udpChecksum:], xsum)
}

// SetLength sets the "length" field of the UDP header.
func (b UDP) SetLength(length uint16) {
	binary.BigEndian.PutUint16(b[udpLength:], length)
}

// SetSourcePortWithChecksumUpdate implements ChecksummableTransport. A zero
// checksum means "no checksum" and is left alone.
func (b UDP) SetSourcePortWithChecksumUpdate(new uint16) {
	old := b.SourcePort()
	b.SetSourcePort(new)
	if b.Checksum() != 0 {
		b.SetChecksum(nonZero(checksum.Update(b.Checksum(), old, new)))
	}
}

// SetDestinationPortWithChecksumUpdate implements ChecksummableTransport.
func (b UDP) SetDestinationPortWithChecksumUpdate(new uint16) {
	old := b.DestinationPort()
	b.SetDestinationPort(new)
	if b.Checksum() != 0 {
		b.SetChecksum(nonZero(checksum.Update(b.Checksum(), old, new)))
	}
}

// UpdateChecksumPseudoHeaderAddress implements ChecksummableTransport.
func (b UDP) UpdateChecksumPseudoHeaderAddress(old, new netip.Addr) {
	if b.Checksum() != 0 {
		b.SetChecksum(nonZero(checksum.UpdateAddress(b.Checksum(), old, new)))
	}
}

// IsChecksumValid returns true iff the UDP header's checksum is valid or
// absent. b must span the whole datagram.
func (b UDP) IsChecksumValid(src, dst netip.Addr) bool {
	if b.Checksum() == 0 {
		return src.Is4()
	}
	return TransportChecksumValid(UDPProtocolNumber, src, dst, b)
}

// CalculateChecksum sets the checksum of the datagram sent from src to dst.
// The computed value 0 is transmitted as all ones (RFC 768).
func (b UDP) CalculateChecksum(src, dst netip.Addr) {
	b.SetChecksum(0)
	b.SetChecksum(nonZero(TransportChecksum(UDPProtocolNumber, src, dst, b)))
}

// Encode encodes all the fields of the UDP header.
func (b UDP) Encode(u *UDPFields) {
	b.SetSourcePort(u.SrcPort)
	b.SetDestinationPort(u.DstPort)
	b.SetLength(u.Length)
	b.SetChecksum(u.Checksum)
}

// IsValid reports whether b holds a header whose length field fits inside b.
func (b UDP) IsValid() bool {
	if len(b) < UDPMinimumSize {
		return false
	}
	l := int(b.Length())
	return l >= UDPMinimumSize && l <= len(b)
}

func nonZero(xsum uint16) uint16 {
	if xsum == 0 {
		return 0xffff
	}
	return xsum
}

// ChecksummableTransport is a transport header whose ports and checksum can
// be rewritten in place.
type ChecksummableTransport interface {
	SourcePort() uint16
	DestinationPort() uint16
	SetSourcePortWithChecksumUpdate(uint16)
	SetDestinationPortWithChecksumUpdate(uint16)
	UpdateChecksumPseudoHeaderAddress(old, new netip.Addr)
}

var (
	_ ChecksummableTransport = UDP(nil)
	_ ChecksummableTransport = TCP(nil)
)
