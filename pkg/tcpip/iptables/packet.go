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

package iptables

import (
	"net/netip"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/checksum"
	"netengine.dev/netengine/pkg/tcpip/header"
)

// Packet is the firewall's parsed view of a datagram. The exported fields are
// what rules and matchers look at; rewrites go through the unexported
// methods so that every checksum stays consistent.
type Packet struct {
	NetProto tcpip.NetworkProtocolNumber
	Proto    tcpip.TransportProtocolNumber
	Src      netip.Addr
	Dst      netip.Addr

	// SrcPort and DstPort are the transport ports. For ICMP echo requests
	// the identifier is the source port, for echo replies it is the
	// destination port.
	SrcPort uint16
	DstPort uint16

	// HasPorts is set when the transport header was parsed.
	HasPorts bool

	// TCPFlags holds the flags of a TCP segment.
	TCPFlags header.TCPFlags

	// ICMPType and ICMPCode are set for ICMP messages.
	ICMPType uint8
	ICMPCode uint8

	// Length is the size of the whole datagram.
	Length int

	ip        []byte
	transport []byte

	// echo is set on ICMP echo requests and replies, icmpErr on the ICMP
	// errors that quote a datagram, held in inner.
	echo    bool
	icmpErr bool
	inner   *Packet

	// quoted is set on the datagram quoted inside an ICMP error; its
	// transport header may be truncated to 8 bytes.
	quoted bool
}

func (p *Packet) v4() bool {
	return p.NetProto == header.IPv4ProtocolNumber
}

// trackable reports whether the packet can start a tracked connection.
func (p *Packet) trackable() bool {
	if !p.HasPorts || p.icmpErr {
		return false
	}
	switch p.Proto {
	case header.TCPProtocolNumber, header.UDPProtocolNumber:
		return true
	case header.ICMPv4ProtocolNumber, header.ICMPv6ProtocolNumber:
		return p.echo
	}
	return false
}

// parsePacket parses a whole datagram starting at its IP header. It returns
// false for datagrams that are too short to hold what their headers claim.
func parsePacket(b []byte) (Packet, bool) {
	return parse(b, false)
}

func parse(b []byte, quoted bool) (Packet, bool) {
	p := Packet{Length: len(b), quoted: quoted}
	var fragment bool
	switch header.IPVersion(b) {
	case header.IPv4Version:
		if len(b) < header.IPv4MinimumSize {
			return p, false
		}
		h := header.IPv4(b)
		hlen := int(h.HeaderLength())
		if quoted {
			// A quote is cut short, only the header must be whole.
			if hlen < header.IPv4MinimumSize || hlen > len(b) {
				return p, false
			}
			p.transport = b[hlen:]
		} else {
			if !h.IsValid(len(b)) {
				return p, false
			}
			p.transport = b[hlen:h.TotalLength()]
		}
		p.ip = b[:hlen]
		p.NetProto = header.IPv4ProtocolNumber
		p.Proto = h.TransportProtocol()
		p.Src = h.SourceAddress()
		p.Dst = h.DestinationAddress()
		fragment = h.More() || h.FragmentOffset() != 0
	case header.IPv6Version:
		if len(b) < header.IPv6MinimumSize {
			return p, false
		}
		h := header.IPv6(b)
		if quoted {
			p.transport = b[header.IPv6MinimumSize:]
		} else {
			if !h.IsValid(len(b)) {
				return p, false
			}
			p.transport = b[header.IPv6MinimumSize:][:h.PayloadLength()]
		}
		p.ip = b[:header.IPv6MinimumSize]
		p.NetProto = header.IPv6ProtocolNumber
		p.Proto = h.TransportProtocol()
		p.Src = h.SourceAddress()
		p.Dst = h.DestinationAddress()
		fragment = h.NextHeader() == header.IPv6FragmentHeader
	default:
		return p, false
	}

	if fragment {
		// Reassembly runs before the firewall, so only quoted fragments and
		// outbound fragments of foreign stacks get here. They have no ports
		// to match.
		return p, true
	}

	t := p.transport
	switch p.Proto {
	case header.TCPProtocolNumber:
		if quoted {
			if len(t) < 8 {
				return p, true
			}
		} else {
			if !header.TCP(t).IsValid() {
				return p, false
			}
			p.TCPFlags = header.TCP(t).Flags()
		}
		p.SrcPort = header.TCP(t).SourcePort()
		p.DstPort = header.TCP(t).DestinationPort()
		p.HasPorts = true
	case header.UDPProtocolNumber:
		if len(t) < header.UDPMinimumSize {
			if quoted {
				return p, true
			}
			return p, false
		}
		p.SrcPort = header.UDP(t).SourcePort()
		p.DstPort = header.UDP(t).DestinationPort()
		p.HasPorts = true
	case header.ICMPv4ProtocolNumber:
		if len(t) < header.ICMPv4MinimumSize {
			return p, quoted
		}
		ic := header.ICMPv4(t)
		p.ICMPType, p.ICMPCode = uint8(ic.Type()), uint8(ic.Code())
		switch ic.Type() {
		case header.ICMPv4Echo:
			p.SrcPort, p.echo, p.HasPorts = ic.Ident(), true, true
		case header.ICMPv4EchoReply:
			p.DstPort, p.echo, p.HasPorts = ic.Ident(), true, true
		case header.ICMPv4DstUnreachable, header.ICMPv4TimeExceeded, header.ICMPv4ParamProblem:
			if !quoted {
				p.parseInner(ic[header.ICMPv4MinimumSize:])
			}
		}
	case header.ICMPv6ProtocolNumber:
		if len(t) < header.ICMPv6HeaderSize {
			return p, quoted
		}
		ic := header.ICMPv6(t)
		p.ICMPType, p.ICMPCode = uint8(ic.Type()), uint8(ic.Code())
		switch ic.Type() {
		case header.ICMPv6EchoRequest:
			p.SrcPort, p.echo, p.HasPorts = ic.Ident(), true, true
		case header.ICMPv6EchoReply:
			p.DstPort, p.echo, p.HasPorts = ic.Ident(), true, true
		case header.ICMPv6DstUnreachable, header.ICMPv6PacketTooBig, header.ICMPv6TimeExceeded, header.ICMPv6ParamProblem:
			if !quoted {
				p.parseInner(ic[header.ICMPv6ErrorHeaderSize:])
			}
		}
	}
	return p, true
}

func (p *Packet) parseInner(b []byte) {
	inner, ok := parse(b, true)
	if !ok || inner.NetProto != p.NetProto {
		return
	}
	p.icmpErr = true
	p.inner = &inner
}

// setSrc rewrites the source address and port.
func (p *Packet) setSrc(addr netip.Addr, port uint16) {
	if addr != p.Src {
		old := p.Src
		if p.v4() {
			header.IPv4(p.ip).SetSourceAddressWithChecksumUpdate(addr)
		} else {
			header.IPv6(p.ip).SetSourceAddress(addr)
		}
		p.updatePseudoHeader(old, addr)
		p.Src = addr
	}
	if port != p.SrcPort && p.HasPorts {
		p.setPort(port, true)
		p.SrcPort = port
	}
}

// setDst rewrites the destination address and port.
func (p *Packet) setDst(addr netip.Addr, port uint16) {
	if addr != p.Dst {
		old := p.Dst
		if p.v4() {
			header.IPv4(p.ip).SetDestinationAddressWithChecksumUpdate(addr)
		} else {
			header.IPv6(p.ip).SetDestinationAddress(addr)
		}
		p.updatePseudoHeader(old, addr)
		p.Dst = addr
	}
	if port != p.DstPort && p.HasPorts {
		p.setPort(port, false)
		p.DstPort = port
	}
}

func (p *Packet) updatePseudoHeader(old, new netip.Addr) {
	t := p.transport
	switch p.Proto {
	case header.TCPProtocolNumber:
		if !p.quoted {
			header.TCP(t).UpdateChecksumPseudoHeaderAddress(old, new)
		}
	case header.UDPProtocolNumber:
		if len(t) >= header.UDPMinimumSize {
			header.UDP(t).UpdateChecksumPseudoHeaderAddress(old, new)
		}
	case header.ICMPv6ProtocolNumber:
		if len(t) >= header.ICMPv6MinimumSize {
			ic := header.ICMPv6(t)
			ic.SetChecksum(checksum.UpdateAddress(ic.Checksum(), old, new))
		}
	}
}

func (p *Packet) setPort(port uint16, src bool) {
	t := p.transport
	switch p.Proto {
	case header.TCPProtocolNumber:
		tcp := header.TCP(t)
		switch {
		case p.quoted && src:
			tcp.SetSourcePort(port)
		case p.quoted:
			tcp.SetDestinationPort(port)
		case src:
			tcp.SetSourcePortWithChecksumUpdate(port)
		default:
			tcp.SetDestinationPortWithChecksumUpdate(port)
		}
	case header.UDPProtocolNumber:
		if src {
			header.UDP(t).SetSourcePortWithChecksumUpdate(port)
		} else {
			header.UDP(t).SetDestinationPortWithChecksumUpdate(port)
		}
	case header.ICMPv4ProtocolNumber:
		header.ICMPv4(t).SetIdentWithChecksumUpdate(port)
	case header.ICMPv6ProtocolNumber:
		header.ICMPv6(t).SetIdentWithChecksumUpdate(port)
	}
}

// fixICMPChecksum recomputes the checksum of an ICMP error after its quote
// was rewritten.
func (p *Packet) fixICMPChecksum() {
	if p.v4() {
		ic := header.ICMPv4(p.transport)
		ic.SetChecksum(header.ICMPv4Checksum(ic, ic[header.ICMPv4MinimumSize:]))
		return
	}
	ic := header.ICMPv6(p.transport)
	ic.SetChecksum(header.ICMPv6Checksum(ic, p.Src, p.Dst))
}
