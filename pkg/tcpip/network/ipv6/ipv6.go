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

// Package ipv6 contains the implementation of the ipv6 network protocol. To use
// it in the networking stack, pass ipv6.NewProtocol (or a factory returned by
// NewProtocolWithOptions) as one of the network protocols when calling
// stack.New(). Then endpoints can be created by passing ipv6.ProtocolNumber as
// the network protocol number when calling Stack.NewEndpoint().
//
// Only the Fragment extension header is understood. Datagrams carrying any
// other extension header are dropped.
package ipv6

import (
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/iptables"
	"netengine.dev/netengine/pkg/tcpip/network/fragmentation"
	"netengine.dev/netengine/pkg/tcpip/network/hash"
	"netengine.dev/netengine/pkg/tcpip/network/ip"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

const (
	// ProtocolName is the string representation of the ipv6 protocol name.
	ProtocolName = "ipv6"

	// ProtocolNumber is the ipv6 protocol number.
	ProtocolNumber = header.IPv6ProtocolNumber

	// maxPayloadSize is the maximum size that can be encoded in the 16-bit
	// PayloadLength field of the ipv6 header.
	maxPayloadSize = 0xffff

	// DefaultHopLimit is the default hop limit for this endpoint.
	DefaultHopLimit = 64

	buckets = 2048
)

// Extension headers other than Fragment. Their presence drops the datagram.
var unsupportedExtensions = map[uint8]bool{
	0:   true, // Hop-by-Hop Options.
	43:  true, // Routing.
	50:  true, // Encapsulating Security Payload.
	51:  true, // Authentication Header.
	60:  true, // Destination Options.
	135: true, // Mobility.
	139: true, // Host Identity Protocol.
	140: true, // Shim6.
}

// Options configure the protocol.
type Options struct {
	// ReassemblyTimeout is how long an incomplete datagram is held.
	ReassemblyTimeout time.Duration

	// ReassemblyHighLimit and ReassemblyLowLimit bound the memory held by
	// incomplete datagrams.
	ReassemblyHighLimit int
	ReassemblyLowLimit  int

	// DefaultHopLimit is the hop limit of locally generated datagrams.
	DefaultHopLimit uint8

	// ICMPRateLimit and ICMPBurst bound the rate of generated ICMP errors.
	ICMPRateLimit rate.Limit
	ICMPBurst     int
}

type protocol struct {
	stack *stack.Stack

	hopLimit atomic.Uint32

	fragmentation *fragmentation.Fragmentation
	icmpLimiter   *ip.ICMPRateLimiter

	ids    [buckets]atomic.Uint32
	hashIV uint32
}

// NewProtocolWithOptions returns a factory for an ipv6 protocol configured
// with opts.
func NewProtocolWithOptions(opts Options) stack.NetworkProtocolFactory {
	return func(s *stack.Stack) stack.NetworkProtocol {
		if opts.ReassemblyTimeout <= 0 {
			opts.ReassemblyTimeout = ip.DefaultIPv6ReassemblyTimeout
		}
		if opts.DefaultHopLimit == 0 {
			opts.DefaultHopLimit = DefaultHopLimit
		}
		p := &protocol{
			stack:       s,
			icmpLimiter: ip.NewICMPRateLimiter(opts.ICMPRateLimit, opts.ICMPBurst, s.Clock()),
		}
		p.hopLimit.Store(uint32(opts.DefaultHopLimit))

		r := hash.RandN32(1 + buckets)
		for i := range p.ids {
			p.ids[i].Store(r[i])
		}
		p.hashIV = r[buckets]

		stats := s.Stats()
		p.fragmentation = fragmentation.NewFragmentation(fragmentation.Options{
			HighLimit: opts.ReassemblyHighLimit,
			LowLimit:  opts.ReassemblyLowLimit,
			Timeout:   opts.ReassemblyTimeout,
			Clock:     s.Clock(),
			Timers:    s.Timers(),
			OnTimeout: p.reassemblyTimeout,
			Stats:     &stats.IP,
		})
		return p
	}
}

// NewProtocol returns an ipv6 protocol with default options.
func NewProtocol(s *stack.Stack) stack.NetworkProtocol {
	return NewProtocolWithOptions(Options{})(s)
}

// Number returns the ipv6 protocol number.
func (p *protocol) Number() tcpip.NetworkProtocolNumber {
	return ProtocolNumber
}

// MinimumPacketSize returns the minimum valid ipv6 packet size.
func (p *protocol) MinimumPacketSize() int {
	return header.IPv6MinimumSize
}

// ParseAddresses implements stack.NetworkProtocol.ParseAddresses.
func (*protocol) ParseAddresses(v []byte) (src, dst netip.Addr) {
	if len(v) < header.IPv6MinimumSize {
		return netip.Addr{}, netip.Addr{}
	}
	h := header.IPv6(v)
	return h.SourceAddress(), h.DestinationAddress()
}

// SetOption implements stack.NetworkProtocol.SetOption.
func (p *protocol) SetOption(option any) *tcpip.Error {
	switch v := option.(type) {
	case tcpip.TTLOption:
		if v == 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.hopLimit.Store(uint32(v))
		return nil
	case ip.ICMPRateLimitOption:
		if v < 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.icmpLimiter.SetLimit(rate.Limit(v))
		return nil
	default:
		return tcpip.ErrUnknownProtocolOption
	}
}

// Option implements stack.NetworkProtocol.Option.
func (p *protocol) Option(option any) *tcpip.Error {
	switch v := option.(type) {
	case *tcpip.TTLOption:
		*v = tcpip.TTLOption(p.hopLimit.Load())
		return nil
	default:
		return tcpip.ErrUnknownProtocolOption
	}
}

// Close implements stack.NetworkProtocol.Close.
func (*protocol) Close() {}

// Fragmentation returns the reassembly state shared by the protocol's
// endpoints.
func (p *protocol) Fragmentation() *fragmentation.Fragmentation {
	return p.fragmentation
}

func (p *protocol) nextID(src, dst netip.Addr) uint32 {
	b := hash.Hash3Words(hash.AddressPairHash(src, dst, 0), 0, 0, p.hashIV) % buckets
	return p.ids[b].Add(1)
}

// NewEndpoint creates a new ipv6 endpoint.
func (p *protocol) NewEndpoint(nic *stack.NIC, dispatcher stack.TransportDispatcher) stack.NetworkEndpoint {
	return &endpoint{
		nic:        nic,
		protocol:   p,
		dispatcher: dispatcher,
	}
}

type endpoint struct {
	nic        *stack.NIC
	protocol   *protocol
	dispatcher stack.TransportDispatcher
	closed     atomic.Bool
}

func (e *endpoint) stats() tcpip.Stats {
	return e.protocol.stack.Stats()
}

// DefaultTTL is the default hop limit for this endpoint.
func (e *endpoint) DefaultTTL() uint8 {
	return uint8(e.protocol.hopLimit.Load())
}

// MTU implements stack.NetworkEndpoint.MTU. It returns the link-layer MTU minus
// the network layer max header length.
func (e *endpoint) MTU() uint32 {
	return calculateMTU(e.nic.MTU())
}

// MaxHeaderLength returns the maximum length needed by ipv6 headers.
func (e *endpoint) MaxHeaderLength() uint16 {
	return header.IPv6MinimumSize + header.IPv6FragmentHeaderSize
}

// Close cleans up resources associated with the endpoint.
func (e *endpoint) Close() {
	e.closed.Store(true)
}

func calculateMTU(mtu uint32) uint32 {
	if mtu < header.IPv6MinimumSize {
		return 0
	}
	mtu -= header.IPv6MinimumSize
	if mtu <= maxPayloadSize {
		return mtu
	}
	return maxPayloadSize
}

// HandlePacket is called by the link layer when new ipv6 packets arrive for
// this endpoint.
func (e *endpoint) HandlePacket(pkt *buffer.PacketBuffer) {
	if e.closed.Load() {
		pkt.Release()
		return
	}
	e.stats().IP.PacketsReceived.Increment()
	d := e.ProcessInbound(pkt)
	switch d.Kind {
	case ip.Deliver:
		e.deliver(d.Protocol, d.Packet)
	case ip.Forward:
		e.forward(d.Packet)
	}
}

// ProcessInbound validates pkt, reassembles fragments, runs the inbound
// firewall pass and decides whether the datagram is for this host. The view
// of a delivered packet starts at the upper layer header; a forwarded packet
// spans the whole datagram.
func (e *endpoint) ProcessInbound(pkt *buffer.PacketBuffer) ip.Decision {
	stats := e.stats()
	drop := func(r ip.DropReason) ip.Decision {
		pkt.Release()
		return ip.Decision{Kind: ip.Drop, Reason: r}
	}

	h := header.IPv6(pkt.Data())
	if !h.IsValid(pkt.Size()) {
		stats.IP.MalformedPacketsReceived.Increment()
		return drop(ip.DropMalformed)
	}
	pkt.CapLength(header.IPv6MinimumSize + int(h.PayloadLength()))
	pkt.ConsumeNetworkHeader(header.IPv6MinimumSize)
	pkt.NetworkProtocolNumber = ProtocolNumber
	pkt.Src = h.SourceAddress()
	pkt.Dst = h.DestinationAddress()

	if pkt.Src.IsMulticast() {
		stats.IP.InvalidSourceAddressesReceived.Increment()
		return drop(ip.DropInvalidSource)
	}

	next := h.NextHeader()
	if unsupportedExtensions[next] {
		stats.IP.MalformedPacketsReceived.Increment()
		return drop(ip.DropUnsupportedExtension)
	}

	if next == header.IPv6FragmentHeader {
		v, ok := pkt.Consume(header.IPv6FragmentHeaderSize)
		if !ok {
			stats.IP.MalformedPacketsReceived.Increment()
			return drop(ip.DropMalformed)
		}
		frag := header.IPv6Fragment(v)
		if unsupportedExtensions[frag.NextHeader()] || frag.NextHeader() == header.IPv6FragmentHeader {
			stats.IP.MalformedPacketsReceived.Increment()
			return drop(ip.DropUnsupportedExtension)
		}
		next = frag.NextHeader()

		// An atomic fragment (RFC 6946) is a whole datagram.
		if frag.More() || frag.FragmentOffset() != 0 {
			stats.IP.FragmentsReceived.Increment()
			payload := pkt.Data()
			first := int(frag.FragmentOffset()) * 8
			if len(payload) == 0 || first+len(payload) > maxPayloadSize+1 {
				stats.IP.MalformedFragmentsReceived.Increment()
				return drop(ip.DropFragment)
			}
			res, done, err := e.protocol.fragmentation.Process(
				fragmentation.FragmentID{
					Source:      pkt.Src,
					Destination: pkt.Dst,
					ID:          frag.ID(),
					Protocol:    next,
				},
				uint16(first), uint16(first+len(payload)-1), frag.More(), h[:header.IPv6MinimumSize], payload)
			if err != nil {
				stats.IP.MalformedFragmentsReceived.Increment()
				log.Debugf("ipv6: dropping fragment of %s: %v", pkt.Src, err)
				return drop(ip.DropFragment)
			}
			if !done {
				pkt.Release()
				return ip.Decision{Kind: ip.Held}
			}
			nicID := pkt.NICID
			pkt.Release()
			var ok bool
			if pkt, ok = reassembled(res, next); !ok {
				stats.IP.MalformedPacketsReceived.Increment()
				return ip.Decision{Kind: ip.Drop, Reason: ip.DropMalformed}
			}
			pkt.NICID = nicID
		}
	}
	pkt.TransportProtocolNumber = tcpip.TransportProtocolNumber(next)

	switch res := e.protocol.stack.Filter(pkt, iptables.In, e.nic); res.Verdict {
	case iptables.Deny:
		return drop(ip.DropFirewall)
	case iptables.Reject:
		e.reject(pkt)
		return drop(ip.DropFirewall)
	}

	if e.protocol.stack.IsLocalDestination(e.nic, pkt.Dst) {
		pkt.Forwarding = false
		return ip.Decision{Kind: ip.Deliver, Protocol: pkt.TransportProtocolNumber, Packet: pkt}
	}
	if !e.protocol.stack.Forwarding() {
		stats.IP.InvalidDestinationAddressesReceived.Increment()
		stats.IP.Forwarding.Disabled.Increment()
		return drop(ip.DropForwardingDisabled)
	}
	pkt.Forwarding = true
	pkt.ResetView()
	return ip.Decision{Kind: ip.Forward, Packet: pkt}
}

// reassembled builds the packet for a complete datagram: the fixed header of
// the first fragment, without the fragment header, followed by the payload.
func reassembled(f *fragmentation.Fragment, next uint8) (*buffer.PacketBuffer, bool) {
	if len(f.Data) > maxPayloadSize {
		return nil, false
	}
	b := make([]byte, header.IPv6MinimumSize+len(f.Data))
	copy(b, f.Header[:header.IPv6MinimumSize])
	copy(b[header.IPv6MinimumSize:], f.Data)
	h := header.IPv6(b)
	h.SetNextHeader(next)
	h.SetPayloadLength(uint16(len(f.Data)))

	pkt := buffer.NewInboundPacketBuffer(b)
	pkt.Transfer(buffer.OwnerNetwork)
	pkt.ConsumeNetworkHeader(header.IPv6MinimumSize)
	pkt.NetworkProtocolNumber = ProtocolNumber
	pkt.Src = h.SourceAddress()
	pkt.Dst = h.DestinationAddress()
	return pkt, true
}

// deliver hands a local datagram to the transport layer.
func (e *endpoint) deliver(proto tcpip.TransportProtocolNumber, pkt *buffer.PacketBuffer) {
	stats := e.stats()
	stats.IP.PacketsDelivered.Increment()
	if proto == header.ICMPv6ProtocolNumber {
		e.handleICMP(pkt)
		return
	}
	switch e.dispatcher.DeliverTransportPacket(proto, pkt) {
	case stack.TransportPacketProtocolUnreachable:
		stats.IP.UnknownProtocolReceived.Increment()
		// Unrecognized next header, pointing at the field (RFC 8200).
		e.protocol.sendICMPError(pkt.NetworkPacket(), header.ICMPv6ParamProblem, icmpv6UnrecognizedNextHeader, header.IPv6NextHeaderOffset, false)
		pkt.Release()
	case stack.TransportPacketDestinationPortUnreachable:
		e.protocol.sendICMPError(pkt.NetworkPacket(), header.ICMPv6DstUnreachable, header.ICMPv6PortUnreachable, 0, false)
		pkt.Release()
	}
}

// forward routes pkt, a whole datagram for another host. Routers never
// fragment ipv6 datagrams: oversize ones are answered with packet too big.
func (e *endpoint) forward(pkt *buffer.PacketBuffer) {
	stats := e.stats()
	h := header.IPv6(pkt.Data())
	if h.HopLimit() <= 1 {
		stats.IP.Forwarding.ExhaustedTTL.Increment()
		e.protocol.sendICMPError(pkt.Data(), header.ICMPv6TimeExceeded, header.ICMPv6HopLimitExceeded, 0, false)
		pkt.Release()
		return
	}

	r, err := e.protocol.stack.FindRoute(0, netip.Addr{}, pkt.Dst, ProtocolNumber)
	if err != nil {
		stats.IP.Forwarding.Unrouteable.Increment()
		e.protocol.sendICMPError(pkt.Data(), header.ICMPv6DstUnreachable, header.ICMPv6NetworkUnreachable, 0, false)
		pkt.Release()
		return
	}
	h.SetHopLimit(h.HopLimit() - 1)

	out := r.NIC()
	switch res := e.protocol.stack.Filter(pkt, iptables.Out, out); res.Verdict {
	case iptables.Deny:
		pkt.Release()
		return
	case iptables.Reject:
		e.reject(pkt)
		pkt.Release()
		return
	}

	if mtu := out.MTU(); uint32(pkt.Size()) > mtu {
		stats.IP.Forwarding.PacketTooBig.Increment()
		e.protocol.sendICMPError(pkt.Data(), header.ICMPv6PacketTooBig, 0, mtu, false)
		pkt.Release()
		return
	}
	pkt.Forwarding = true
	if err := out.WritePacketToLink(pkt, false); err != nil {
		stats.IP.Forwarding.Errors.Increment()
		stats.IP.OutgoingPacketErrors.Increment()
		return
	}
	stats.IP.Forwarding.Forwarded.Increment()
}

// WritePacket writes a packet to the given destination address and protocol.
func (e *endpoint) WritePacket(r *stack.Route, params stack.NetworkHeaderParams, pkt *buffer.PacketBuffer) *tcpip.Error {
	return e.writePacket(r, params, pkt, !r.Loop)
}

func (e *endpoint) writePacket(r *stack.Route, params stack.NetworkHeaderParams, pkt *buffer.PacketBuffer, filter bool) *tcpip.Error {
	stats := e.stats()
	hop := params.TTL
	if hop == 0 {
		hop = e.DefaultTTL()
	}
	fields := header.IPv6Fields{
		TrafficClass: params.TOS,
		NextHeader:   uint8(params.Protocol),
		HopLimit:     hop,
		SrcAddr:      r.LocalAddress,
		DstAddr:      r.RemoteAddress,
	}
	mtu := int(e.nic.MTU())
	if r.Loop {
		mtu = header.IPv6MinimumSize + maxPayloadSize
	}
	var check func(*buffer.PacketBuffer) *tcpip.Error
	if filter {
		check = func(pkt *buffer.PacketBuffer) *tcpip.Error {
			if res := e.protocol.stack.Filter(pkt, iptables.Out, e.nic); res.Verdict != iptables.Allow {
				return tcpip.ErrNotPermitted
			}
			return nil
		}
	}
	id := func() uint32 { return e.protocol.nextID(r.LocalAddress, r.RemoteAddress) }
	frags, err := BuildOutbound(pkt, &fields, mtu, id, check)
	if err != nil {
		stats.IP.OutgoingPacketErrors.Increment()
		return err
	}
	if len(frags) > 1 {
		stats.IP.FragmentsCreated.IncrementBy(uint64(len(frags)))
	}
	for _, f := range frags {
		if err := e.nic.WritePacketToLink(f, r.Loop); err != nil {
			stats.IP.OutgoingPacketErrors.Increment()
			return err
		}
		stats.IP.PacketsSent.Increment()
	}
	return nil
}

// BuildOutbound prepends the header described by f to pkt, whose view holds
// the upper layer message, and splits the datagram with fragment headers to
// fit mtu. id is only called when fragmenting. check, when not nil, sees the
// whole datagram before it is fragmented and can veto it. It takes ownership
// of pkt, also on error.
func BuildOutbound(pkt *buffer.PacketBuffer, f *header.IPv6Fields, mtu int, id func() uint32, check func(*buffer.PacketBuffer) *tcpip.Error) ([]*buffer.PacketBuffer, *tcpip.Error) {
	if pkt.Size() > maxPayloadSize {
		pkt.Release()
		return nil, tcpip.ErrMessageTooLong
	}
	fields := *f
	fields.PayloadLength = uint16(pkt.Size())
	hdr := pkt.PushNetworkHeader(header.IPv6MinimumSize)
	if hdr == nil {
		pkt.Release()
		return nil, tcpip.ErrNoBufferSpace
	}
	header.IPv6(hdr).Encode(&fields)
	pkt.NetworkProtocolNumber = ProtocolNumber
	pkt.TransportProtocolNumber = tcpip.TransportProtocolNumber(f.NextHeader)
	pkt.Src = f.SrcAddr
	pkt.Dst = f.DstAddr

	if check != nil {
		if err := check(pkt); err != nil {
			pkt.Release()
			return nil, err
		}
	}
	if pkt.Size() <= mtu {
		return []*buffer.PacketBuffer{pkt}, nil
	}
	return fragment(pkt, mtu, id())
}

// fragment splits pkt, a whole unfragmented datagram, into fragments of at
// most mtu bytes sharing identification ident.
func fragment(pkt *buffer.PacketBuffer, mtu int, ident uint32) ([]*buffer.PacketBuffer, *tcpip.Error) {
	orig := header.IPv6(pkt.Data())
	payload := orig[header.IPv6MinimumSize:]
	next := orig.NextHeader()
	const hlen = header.IPv6MinimumSize + header.IPv6FragmentHeaderSize
	chunk := (mtu - hlen) &^ 7
	if chunk < 8 {
		pkt.Release()
		return nil, tcpip.ErrMessageTooLong
	}

	var frags []*buffer.PacketBuffer
	for off := 0; off < len(payload); off += chunk {
		size := chunk
		more := true
		if off+size >= len(payload) {
			size = len(payload) - off
			more = false
		}
		f := buffer.NewPacketBuffer(hlen, payload[off:off+size])
		fh := f.PushNetworkHeader(hlen)
		copy(fh, orig[:header.IPv6MinimumSize])
		h := header.IPv6(fh)
		h.SetNextHeader(header.IPv6FragmentHeader)
		h.SetPayloadLength(uint16(header.IPv6FragmentHeaderSize + size))
		header.IPv6Fragment(fh[header.IPv6MinimumSize:]).Encode(&header.IPv6FragmentFields{
			NextHeader:     next,
			FragmentOffset: uint16(off / 8),
			M:              more,
			Identification: ident,
		})
		f.Transfer(buffer.OwnerNetwork)
		f.NICID = pkt.NICID
		f.NetworkProtocolNumber = ProtocolNumber
		f.TransportProtocolNumber = pkt.TransportProtocolNumber
		f.Src, f.Dst = pkt.Src, pkt.Dst
		frags = append(frags, f)
	}
	pkt.Release()
	return frags, nil
}

// reject answers a packet refused by the firewall: a reset for TCP, a port
// unreachable error otherwise. pkt is left to the caller.
func (e *endpoint) reject(pkt *buffer.PacketBuffer) {
	dgram := header.IPv6(pkt.NetworkPacket())
	if pkt.TransportProtocolNumber != header.TCPProtocolNumber || dgram.NextHeader() != uint8(header.TCPProtocolNumber) {
		e.protocol.sendICMPError(dgram, header.ICMPv6DstUnreachable, header.ICMPv6PortUnreachable, 0, true)
		return
	}
	src, dst := dgram.SourceAddress(), dgram.DestinationAddress()
	rst, ok := ip.BuildReset(header.TCP(dgram[header.IPv6MinimumSize:]), src, dst)
	if !ok {
		return
	}
	r, err := e.protocol.stack.FindRoute(0, netip.Addr{}, src, ProtocolNumber)
	if err != nil {
		return
	}
	r.LocalAddress = dst
	out, ok := r.NIC().NetworkEndpoint(ProtocolNumber).(*endpoint)
	if !ok {
		return
	}
	reply := buffer.NewPacketBuffer(header.IPv6MinimumSize, rst)
	reply.TransportProtocolNumber = header.TCPProtocolNumber
	if err := out.writePacket(r, stack.NetworkHeaderParams{Protocol: header.TCPProtocolNumber}, reply, false); err == nil {
		e.stats().TCP.ResetsSent.Increment()
	}
}
