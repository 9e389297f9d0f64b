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

package ipv6

import (
	"net/netip"

	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/network/fragmentation"
	"netengine.dev/netengine/pkg/tcpip/network/ip"
	"netengine.dev/netengine/pkg/tcpip/routetable"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

const (
	icmpv6UnrecognizedNextHeader header.ICMPv6Code = 1

	// Offsets into a redirect message (RFC 4861, section 4.5).
	redirectTargetOffset = 8
	redirectDstOffset    = 24
	redirectMinimumSize  = 40

	// ndpHopLimit is the hop limit every neighbor discovery message,
	// redirects included, is sent with.
	ndpHopLimit = 255

	// maxErrorSize bounds an error message so it fits the minimum MTU
	// (RFC 4443, section 2.4).
	maxErrorSize = header.IPv6MinimumMTU - header.IPv6MinimumSize
)

// handleControl notifies the transport endpoint that sent the datagram
// quoted by an ICMP error.
func (e *endpoint) handleControl(typ stack.ControlType, extra uint32, quoted []byte) {
	if len(quoted) < header.IPv6MinimumSize {
		return
	}
	hdr := header.IPv6(quoted)
	src := hdr.SourceAddress()
	if e.protocol.stack.CheckLocalAddress(0, src) == 0 {
		return
	}
	trans := quoted[header.IPv6MinimumSize:]
	next := hdr.NextHeader()
	if next == header.IPv6FragmentHeader {
		if len(trans) < header.IPv6FragmentHeaderSize {
			return
		}
		frag := header.IPv6Fragment(trans)
		if frag.FragmentOffset() != 0 {
			return
		}
		next = frag.NextHeader()
		trans = trans[header.IPv6FragmentHeaderSize:]
	}
	if len(trans) < 8 {
		return
	}
	e.dispatcher.DeliverTransportError(src, hdr.DestinationAddress(), ProtocolNumber, tcpip.TransportProtocolNumber(next), typ, extra, trans)
}

// handleICMP processes an ICMPv6 message addressed to this host. The view of
// pkt starts at the ICMP header.
func (e *endpoint) handleICMP(pkt *buffer.PacketBuffer) {
	stats := e.stats()
	received := stats.ICMP.V6.PacketsReceived
	h := header.ICMPv6(pkt.Data())
	if len(h) < header.ICMPv6HeaderSize || !h.IsChecksumValid(pkt.Src, pkt.Dst) {
		received.Invalid.Increment()
		pkt.Release()
		return
	}

	switch h.Type() {
	case header.ICMPv6EchoRequest:
		received.Echo.Increment()
		e.deliverRaw(pkt)
		e.echoReply(pkt)
		pkt.Release()
		return

	case header.ICMPv6EchoReply:
		received.EchoReply.Increment()
		if e.dispatcher.DeliverTransportPacket(header.ICMPv6ProtocolNumber, pkt) != stack.TransportPacketHandled {
			pkt.Release()
		}
		return

	case header.ICMPv6DstUnreachable:
		received.DstUnreachable.Increment()
		switch h.Code() {
		case header.ICMPv6NetworkUnreachable:
			e.handleControl(stack.ControlNetworkUnreachable, 0, h.Payload())
		case header.ICMPv6AddressUnreachable:
			e.handleControl(stack.ControlHostUnreachable, 0, h.Payload())
		case header.ICMPv6PortUnreachable:
			e.handleControl(stack.ControlPortUnreachable, 0, h.Payload())
		}

	case header.ICMPv6PacketTooBig:
		received.PacketTooBig.Increment()
		mtu := h.MTU()
		if mtu < header.IPv6MinimumMTU {
			mtu = header.IPv6MinimumMTU
		}
		e.handleControl(stack.ControlPacketTooBig, calculateMTU(mtu), h.Payload())

	case header.ICMPv6TimeExceeded:
		received.TimeExceeded.Increment()
		e.handleControl(stack.ControlTimeExceeded, 0, h.Payload())

	case header.ICMPv6ParamProblem:
		received.ParamProblem.Increment()

	case header.ICMPv6RedirectMsg:
		received.Redirect.Increment()
		if nh := header.IPv6(pkt.NetworkHeader()); len(nh) >= header.IPv6MinimumSize && nh.HopLimit() == ndpHopLimit {
			e.handleRedirect(pkt.Src, h)
		}
	}
	e.deliverRaw(pkt)
	pkt.Release()
}

func (e *endpoint) deliverRaw(pkt *buffer.PacketBuffer) {
	if e.dispatcher.DeliverRawPacket(header.ICMPv6ProtocolNumber, pkt) {
		e.stats().ICMP.V6.PacketsReceived.DeliveredToRaw.Increment()
	}
}

// echoReply answers the echo request in pkt with the same payload.
func (e *endpoint) echoReply(pkt *buffer.PacketBuffer) {
	sent := e.stats().ICMP.V6.PacketsSent

	local := pkt.Dst
	if e.protocol.stack.CheckLocalAddress(0, local) == 0 {
		// Replies to multicast requests come from a unicast address.
		local = netip.Addr{}
	}
	r, err := e.protocol.stack.FindRoute(0, local, pkt.Src, ProtocolNumber)
	if err != nil {
		return
	}

	reply := buffer.NewPacketBuffer(int(r.MaxHeaderLength()), pkt.Data())
	h := header.ICMPv6(reply.Data())
	h.SetType(header.ICMPv6EchoReply)
	h.SetCode(0)
	h.SetChecksum(header.ICMPv6Checksum(h, r.LocalAddress, r.RemoteAddress))
	reply.TransportProtocolNumber = header.ICMPv6ProtocolNumber
	if err := r.WritePacket(stack.NetworkHeaderParams{Protocol: header.ICMPv6ProtocolNumber}, reply); err != nil {
		sent.Dropped.Increment()
		return
	}
	sent.EchoReply.Increment()
}

// handleRedirect installs a host route learned from a redirect sent by the
// first hop currently used for the destination (RFC 4861, section 8.1).
func (e *endpoint) handleRedirect(from netip.Addr, h header.ICMPv6) {
	s := e.protocol.stack
	if !s.AcceptRedirects() || len(h) < redirectMinimumSize || h.Code() != 0 {
		return
	}
	target := netip.AddrFrom16([16]byte(h[redirectTargetOffset : redirectTargetOffset+header.IPv6AddressSize]))
	dst := netip.AddrFrom16([16]byte(h[redirectDstOffset : redirectDstOffset+header.IPv6AddressSize]))
	if dst.IsMulticast() {
		return
	}

	cur, ok := s.RouteTable().Lookup(dst)
	if !ok || cur.NextHop(dst) != from || cur.NIC != e.nic.ID() {
		return
	}
	entry := routetable.Entry{
		Destination: netip.PrefixFrom(dst, 128),
		NIC:         e.nic.ID(),
		Metric:      cur.Metric,
		Kind:        routetable.KindRedirect,
	}
	// A target equal to the destination says the destination is a
	// neighbor.
	if target != dst {
		onLink := target.IsLinkLocalUnicast()
		for _, p := range e.nic.Addresses() {
			if p.Contains(target) && p.Addr() != target {
				onLink = true
				break
			}
		}
		if !onLink {
			return
		}
		entry.Gateway = target
	}
	if err := s.RouteTable().Replace(entry); err != nil {
		log.Debugf("ipv6: ignoring redirect for %s via %s: %v", dst, target, err)
	}
}

// reassemblyTimeout reports an expired datagram to its sender when the first
// fragment arrived (RFC 8200, section 4.5).
func (p *protocol) reassemblyTimeout(id fragmentation.FragmentID, first *fragmentation.Fragment) {
	if first == nil || len(first.Header) < header.IPv6MinimumSize {
		return
	}
	orig := make([]byte, 0, len(first.Header)+len(first.Data))
	orig = append(orig, first.Header...)
	orig = append(orig, first.Data...)
	header.IPv6(orig).SetNextHeader(id.Protocol)
	p.sendICMPError(orig, header.ICMPv6TimeExceeded, header.ICMPv6ReassemblyTimeout, 0, false)
}

// sendICMPError sends an ICMPv6 error of the given type and code about orig,
// a datagram starting at its IPv6 header, back to its source. extra fills
// the type specific field: the MTU of packet too big errors, the pointer of
// parameter problems. bypass skips the outbound firewall pass.
//
// As per RFC 4443 section 2.4, errors are never sent about an ICMP error, a
// datagram whose source does not name a unique host, or a datagram sent to a
// multicast address unless the error is packet too big. Only the first
// fragment of a datagram is answered.
func (p *protocol) sendICMPError(orig []byte, typ header.ICMPv6Type, code header.ICMPv6Code, extra uint32, bypass bool) {
	if len(orig) < header.IPv6MinimumSize {
		return
	}
	h := header.IPv6(orig)
	src, dst := h.SourceAddress(), h.DestinationAddress()
	if !ip.IsUnicastSource(src) || (dst.IsMulticast() && typ != header.ICMPv6PacketTooBig) {
		return
	}
	next, rest := h.NextHeader(), orig[header.IPv6MinimumSize:]
	if next == header.IPv6FragmentHeader {
		if len(rest) < header.IPv6FragmentHeaderSize {
			return
		}
		frag := header.IPv6Fragment(rest)
		if frag.FragmentOffset() != 0 {
			return
		}
		next, rest = frag.NextHeader(), rest[header.IPv6FragmentHeaderSize:]
	}
	if tcpip.TransportProtocolNumber(next) == header.ICMPv6ProtocolNumber {
		if len(rest) == 0 || header.ICMPv6Type(rest[0]).IsErrorType() {
			return
		}
	}

	sent := p.stack.Stats().ICMP.V6.PacketsSent
	if !p.icmpLimiter.Allow() {
		sent.RateLimited.Increment()
		return
	}

	r, err := p.stack.FindRoute(0, netip.Addr{}, src, ProtocolNumber)
	if err != nil {
		return
	}
	if !dst.IsMulticast() && p.stack.CheckLocalAddress(0, dst) != 0 {
		r.LocalAddress = dst
	}
	out, ok := r.NIC().NetworkEndpoint(ProtocolNumber).(*endpoint)
	if !ok {
		return
	}

	quoteLen := len(orig)
	if quoteLen > maxErrorSize-header.ICMPv6ErrorHeaderSize {
		quoteLen = maxErrorSize - header.ICMPv6ErrorHeaderSize
	}
	msg := make([]byte, header.ICMPv6ErrorHeaderSize+quoteLen)
	copy(msg[header.ICMPv6ErrorHeaderSize:], orig[:quoteLen])
	icmp := header.ICMPv6(msg)
	icmp.SetType(typ)
	icmp.SetCode(code)
	icmp.SetMTU(extra)
	icmp.SetChecksum(header.ICMPv6Checksum(icmp, r.LocalAddress, r.RemoteAddress))

	pkt := buffer.NewPacketBuffer(header.IPv6MinimumSize, msg)
	pkt.TransportProtocolNumber = header.ICMPv6ProtocolNumber
	if err := out.writePacket(r, stack.NetworkHeaderParams{Protocol: header.ICMPv6ProtocolNumber}, pkt, !bypass && !r.Loop); err != nil {
		sent.Dropped.Increment()
		return
	}
	switch typ {
	case header.ICMPv6DstUnreachable:
		sent.DstUnreachable.Increment()
	case header.ICMPv6PacketTooBig:
		sent.PacketTooBig.Increment()
	case header.ICMPv6TimeExceeded:
		sent.TimeExceeded.Increment()
	case header.ICMPv6ParamProblem:
		sent.ParamProblem.Increment()
	}
}
