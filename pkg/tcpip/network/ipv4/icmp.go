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

package ipv4

import (
	"net/netip"

	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/network/fragmentation"
	"netengine.dev/netengine/pkg/tcpip/network/ip"
	"netengine.dev/netengine/pkg/tcpip/routetable"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

// handleControl handles the case when an ICMP packet contains the headers of
// the original packet that caused the ICMP one to be sent. This information is
// used to find out which transport endpoint must be notified about the ICMP
// packet.
func (e *endpoint) handleControl(typ stack.ControlType, extra uint32, quoted []byte) {
	if len(quoted) < header.IPv4MinimumSize {
		return
	}
	hdr := header.IPv4(quoted)

	// We don't use IsValid() here because ICMP only requires that the IP
	// header plus 8 bytes of the transport header be included.
	src := hdr.SourceAddress()
	if e.protocol.stack.CheckLocalAddress(0, src) == 0 {
		return
	}
	hlen := int(hdr.HeaderLength())
	if hlen < header.IPv4MinimumSize || len(quoted) < hlen+8 || hdr.FragmentOffset() != 0 {
		// Without the transport ports there is nobody to tell.
		return
	}
	e.dispatcher.DeliverTransportError(src, hdr.DestinationAddress(), ProtocolNumber, hdr.TransportProtocol(), typ, extra, quoted[hlen:])
}

// handleICMP processes an ICMP message addressed to this host. The view of
// pkt starts at the ICMP header.
func (e *endpoint) handleICMP(pkt *buffer.PacketBuffer) {
	stats := e.stats()
	received := stats.ICMP.V4.PacketsReceived
	h := header.ICMPv4(pkt.Data())
	if len(h) < header.ICMPv4MinimumSize || !h.IsChecksumValid() {
		received.Invalid.Increment()
		pkt.Release()
		return
	}

	switch h.Type() {
	case header.ICMPv4Echo:
		received.Echo.Increment()
		e.deliverRaw(pkt)
		e.echoReply(pkt)
		pkt.Release()
		return

	case header.ICMPv4EchoReply:
		received.EchoReply.Increment()
		// Ping sockets are demultiplexed on the echo identifier.
		if e.dispatcher.DeliverTransportPacket(header.ICMPv4ProtocolNumber, pkt) != stack.TransportPacketHandled {
			pkt.Release()
		}
		return

	case header.ICMPv4DstUnreachable:
		received.DstUnreachable.Increment()
		switch h.Code() {
		case header.ICMPv4NetUnreachable:
			e.handleControl(stack.ControlNetworkUnreachable, 0, h.Payload())
		case header.ICMPv4HostUnreachable:
			e.handleControl(stack.ControlHostUnreachable, 0, h.Payload())
		case header.ICMPv4PortUnreachable:
			e.handleControl(stack.ControlPortUnreachable, 0, h.Payload())
		case header.ICMPv4FragmentationNeeded:
			e.handleControl(stack.ControlPacketTooBig, calculateMTU(uint32(h.MTU())), h.Payload())
		}

	case header.ICMPv4TimeExceeded:
		received.TimeExceeded.Increment()
		e.handleControl(stack.ControlTimeExceeded, 0, h.Payload())

	case header.ICMPv4Redirect:
		received.Redirect.Increment()
		e.handleRedirect(pkt.Src, h)

	case header.ICMPv4ParamProblem:
		received.ParamProblem.Increment()
	}
	e.deliverRaw(pkt)
	pkt.Release()
}

func (e *endpoint) deliverRaw(pkt *buffer.PacketBuffer) {
	if e.dispatcher.DeliverRawPacket(header.ICMPv4ProtocolNumber, pkt) {
		e.stats().ICMP.V4.PacketsReceived.DeliveredToRaw.Increment()
	}
}

// echoReply answers the echo request in pkt. The reply carries the request
// payload unchanged.
func (e *endpoint) echoReply(pkt *buffer.PacketBuffer) {
	sent := e.stats().ICMP.V4.PacketsSent

	// As per RFC 1122 section 3.2.1.3, when a host sends any datagram, the
	// IP source address MUST be one of its own IP addresses (but not a
	// broadcast or multicast address).
	local := pkt.Dst
	if e.protocol.stack.CheckLocalAddress(0, local) == 0 {
		local = netip.Addr{}
	}
	r, err := e.protocol.stack.FindRoute(0, local, pkt.Src, ProtocolNumber)
	if err != nil {
		// If we cannot find a route to the destination, silently drop
		// the packet.
		return
	}

	reply := buffer.NewPacketBuffer(int(r.MaxHeaderLength()), pkt.Data())
	h := header.ICMPv4(reply.Data())
	h.SetType(header.ICMPv4EchoReply)
	h.SetCode(0)
	h.SetChecksum(0)
	h.SetChecksum(header.ICMPv4Checksum(h, h.Payload()))
	reply.TransportProtocolNumber = header.ICMPv4ProtocolNumber
	if err := r.WritePacket(stack.NetworkHeaderParams{Protocol: header.ICMPv4ProtocolNumber}, reply); err != nil {
		sent.Dropped.Increment()
		return
	}
	sent.EchoReply.Increment()
}

// handleRedirect installs a host route through the gateway named by a
// redirect, provided the redirect comes from the gateway currently used for
// the destination (RFC 1122, section 3.2.2.2).
func (e *endpoint) handleRedirect(from netip.Addr, h header.ICMPv4) {
	s := e.protocol.stack
	if !s.AcceptRedirects() {
		return
	}
	quoted := h.Payload()
	if len(quoted) < header.IPv4MinimumSize {
		return
	}
	dst := header.IPv4(quoted).DestinationAddress()
	gw := h.Gateway()

	cur, ok := s.RouteTable().Lookup(dst)
	if !ok || cur.NextHop(dst) != from || cur.NIC != e.nic.ID() {
		return
	}
	onLink := false
	for _, p := range e.nic.Addresses() {
		if p.Contains(gw) && p.Addr() != gw {
			onLink = true
			break
		}
	}
	if !onLink {
		return
	}
	entry := routetable.Entry{
		Destination: netip.PrefixFrom(dst, 32),
		Gateway:     gw,
		NIC:         e.nic.ID(),
		Metric:      cur.Metric,
		Kind:        routetable.KindRedirect,
	}
	if err := s.RouteTable().Replace(entry); err != nil {
		log.Debugf("ipv4: ignoring redirect for %s via %s: %v", dst, gw, err)
	}
}

// reassemblyTimeout tells the sender of an incomplete datagram that it was
// dropped. Nothing is sent unless the first fragment arrived (RFC 792).
func (p *protocol) reassemblyTimeout(_ fragmentation.FragmentID, first *fragmentation.Fragment) {
	if first == nil {
		return
	}
	orig := make([]byte, 0, len(first.Header)+len(first.Data))
	orig = append(orig, first.Header...)
	orig = append(orig, first.Data...)
	p.sendICMPError(orig, header.ICMPv4TimeExceeded, header.ICMPv4ReassemblyTimeout, 0, false)
}

// sendICMPError sends an ICMP error of the given type and code about orig, a
// datagram starting at its IP header, back to its source. mtu is only used
// by fragmentation needed errors. bypass skips the outbound firewall pass for
// errors the firewall itself generated.
//
// As per RFC 1812 section 4.3.2.7, errors are never sent about an ICMP
// error, a datagram sent to a broadcast or multicast address, a datagram
// whose source does not name a unique host or a fragment other than the
// first.
func (p *protocol) sendICMPError(orig []byte, typ header.ICMPv4Type, code header.ICMPv4Code, mtu uint16, bypass bool) {
	if len(orig) < header.IPv4MinimumSize {
		return
	}
	h := header.IPv4(orig)
	hlen := int(h.HeaderLength())
	if hlen < header.IPv4MinimumSize || hlen > len(orig) {
		return
	}
	src, dst := h.SourceAddress(), h.DestinationAddress()
	if !ip.IsUnicastSource(src) || dst.IsMulticast() || dst == broadcast || h.FragmentOffset() != 0 {
		return
	}
	if h.TransportProtocol() == header.ICMPv4ProtocolNumber {
		if len(orig) <= hlen || header.ICMPv4Type(orig[hlen]).IsErrorType() {
			return
		}
	}

	sent := p.stack.Stats().ICMP.V4.PacketsSent
	if !p.icmpLimiter.Allow() {
		sent.RateLimited.Increment()
		return
	}

	r, err := p.stack.FindRoute(0, netip.Addr{}, src, ProtocolNumber)
	if err != nil {
		return
	}
	if p.stack.CheckLocalAddress(0, dst) != 0 {
		r.LocalAddress = dst
	}
	out, ok := r.NIC().NetworkEndpoint(ProtocolNumber).(*endpoint)
	if !ok {
		return
	}

	// The quote is the offending header plus the first 8 bytes of its
	// payload (RFC 792).
	quoteLen := hlen + 8
	if quoteLen > len(orig) {
		quoteLen = len(orig)
	}
	msg := make([]byte, header.ICMPv4MinimumSize+quoteLen)
	copy(msg[header.ICMPv4MinimumSize:], orig[:quoteLen])
	icmp := header.ICMPv4(msg)
	icmp.SetType(typ)
	icmp.SetCode(code)
	if typ == header.ICMPv4DstUnreachable && code == header.ICMPv4FragmentationNeeded {
		icmp.SetMTU(mtu)
	}
	icmp.SetChecksum(header.ICMPv4Checksum(icmp, icmp.Payload()))

	pkt := buffer.NewPacketBuffer(header.IPv4MinimumSize, msg)
	pkt.TransportProtocolNumber = header.ICMPv4ProtocolNumber
	if err := out.writePacket(r, stack.NetworkHeaderParams{Protocol: header.ICMPv4ProtocolNumber}, pkt, !bypass && !r.Loop); err != nil {
		sent.Dropped.Increment()
		return
	}
	switch typ {
	case header.ICMPv4DstUnreachable:
		sent.DstUnreachable.Increment()
	case header.ICMPv4TimeExceeded:
		sent.TimeExceeded.Increment()
	case header.ICMPv4ParamProblem:
		sent.ParamProblem.Increment()
	}
}
