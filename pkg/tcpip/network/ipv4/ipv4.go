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

// Package ipv4 contains the implementation of the ipv4 network protocol. To use
// it in the networking stack, pass ipv4.NewProtocol (or a factory returned by
// NewProtocolWithOptions) as one of the network protocols when calling
// stack.New(). Then endpoints can be created by passing ipv4.ProtocolNumber as
// the network protocol number when calling Stack.NewEndpoint().
package ipv4

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
	// ProtocolName is the string representation of the ipv4 protocol name.
	ProtocolName = "ipv4"

	// ProtocolNumber is the ipv4 protocol number.
	ProtocolNumber = header.IPv4ProtocolNumber

	// MaxTotalSize is maximum size that can be encoded in the 16-bit
	// TotalLength field of the ipv4 header.
	MaxTotalSize = 0xffff

	// DefaultTTL is the default time-to-live value for this endpoint.
	DefaultTTL = 64

	// buckets is the number of identifier buckets.
	buckets = 2048
)

var broadcast = header.IPv4Broadcast

// Options configure the protocol.
type Options struct {
	// ReassemblyTimeout is how long an incomplete datagram is held.
	ReassemblyTimeout time.Duration

	// ReassemblyHighLimit and ReassemblyLowLimit bound the memory held by
	// incomplete datagrams.
	ReassemblyHighLimit int
	ReassemblyLowLimit  int

	// DefaultTTL is the TTL of locally generated datagrams.
	DefaultTTL uint8

	// ICMPRateLimit and ICMPBurst bound the rate of generated ICMP errors.
	ICMPRateLimit rate.Limit
	ICMPBurst     int
}

type protocol struct {
	stack *stack.Stack
	opts  Options

	defaultTTL atomic.Uint32

	fragmentation *fragmentation.Fragmentation
	icmpLimiter   *ip.ICMPRateLimiter

	ids    [buckets]atomic.Uint32
	hashIV uint32
}

// NewProtocolWithOptions returns a factory for an ipv4 protocol configured
// with opts.
func NewProtocolWithOptions(opts Options) stack.NetworkProtocolFactory {
	return func(s *stack.Stack) stack.NetworkProtocol {
		if opts.ReassemblyTimeout <= 0 {
			opts.ReassemblyTimeout = ip.DefaultIPv4ReassemblyTimeout
		}
		if opts.DefaultTTL == 0 {
			opts.DefaultTTL = DefaultTTL
		}
		p := &protocol{
			stack:       s,
			opts:        opts,
			icmpLimiter: ip.NewICMPRateLimiter(opts.ICMPRateLimit, opts.ICMPBurst, s.Clock()),
		}
		p.defaultTTL.Store(uint32(opts.DefaultTTL))

		// Randomly initialize hashIV and the ids.
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

// NewProtocol returns an ipv4 protocol with default options.
func NewProtocol(s *stack.Stack) stack.NetworkProtocol {
	return NewProtocolWithOptions(Options{})(s)
}

// Number returns the ipv4 protocol number.
func (p *protocol) Number() tcpip.NetworkProtocolNumber {
	return ProtocolNumber
}

// MinimumPacketSize returns the minimum valid ipv4 packet size.
func (p *protocol) MinimumPacketSize() int {
	return header.IPv4MinimumSize
}

// ParseAddresses implements stack.NetworkProtocol.ParseAddresses.
func (*protocol) ParseAddresses(v []byte) (src, dst netip.Addr) {
	if len(v) < header.IPv4MinimumSize {
		return netip.Addr{}, netip.Addr{}
	}
	h := header.IPv4(v)
	return h.SourceAddress(), h.DestinationAddress()
}

// SetOption implements stack.NetworkProtocol.SetOption.
func (p *protocol) SetOption(option any) *tcpip.Error {
	switch v := option.(type) {
	case tcpip.TTLOption:
		if v == 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.defaultTTL.Store(uint32(v))
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
		*v = tcpip.TTLOption(p.defaultTTL.Load())
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

func (p *protocol) nextID(src, dst netip.Addr, proto tcpip.TransportProtocolNumber) uint16 {
	b := hash.Hash3Words(hash.AddressPairHash(src, dst, uint32(proto)), 0, 0, p.hashIV) % buckets
	return uint16(p.ids[b].Add(1))
}

// NewEndpoint creates a new ipv4 endpoint.
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

// DefaultTTL is the default time-to-live value for this endpoint.
func (e *endpoint) DefaultTTL() uint8 {
	return uint8(e.protocol.defaultTTL.Load())
}

// MTU implements stack.NetworkEndpoint.MTU. It returns the link-layer MTU minus
// the network layer max header length.
func (e *endpoint) MTU() uint32 {
	return calculateMTU(e.nic.MTU())
}

// MaxHeaderLength returns the maximum length needed by ipv4 headers (and
// underlying protocols).
func (e *endpoint) MaxHeaderLength() uint16 {
	return header.IPv4MinimumSize
}

// Close cleans up resources associated with the endpoint.
func (e *endpoint) Close() {
	e.closed.Store(true)
}

// calculateMTU calculates the network-layer payload MTU based on the link-layer
// payload mtu.
func calculateMTU(mtu uint32) uint32 {
	if mtu > MaxTotalSize {
		mtu = MaxTotalSize
	}
	if mtu < header.IPv4MinimumSize {
		return 0
	}
	return mtu - header.IPv4MinimumSize
}

// HandlePacket is called by the link layer when new ipv4 packets arrive for
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
// of a delivered packet starts at the transport header; a forwarded packet
// spans the whole datagram.
func (e *endpoint) ProcessInbound(pkt *buffer.PacketBuffer) ip.Decision {
	stats := e.stats()
	drop := func(r ip.DropReason) ip.Decision {
		pkt.Release()
		return ip.Decision{Kind: ip.Drop, Reason: r}
	}

	h := header.IPv4(pkt.Data())
	if !h.IsValid(pkt.Size()) {
		stats.IP.MalformedPacketsReceived.Increment()
		return drop(ip.DropMalformed)
	}
	if !h.IsChecksumValid() {
		stats.IP.MalformedPacketsReceived.Increment()
		return drop(ip.DropChecksum)
	}
	hlen := int(h.HeaderLength())
	pkt.CapLength(int(h.TotalLength()))
	if _, ok := pkt.ConsumeNetworkHeader(hlen); !ok {
		stats.IP.MalformedPacketsReceived.Increment()
		return drop(ip.DropMalformed)
	}
	pkt.NetworkProtocolNumber = ProtocolNumber
	pkt.TransportProtocolNumber = h.TransportProtocol()
	pkt.Src = h.SourceAddress()
	pkt.Dst = h.DestinationAddress()

	if pkt.Src.IsMulticast() || pkt.Src == broadcast {
		stats.IP.InvalidSourceAddressesReceived.Increment()
		return drop(ip.DropInvalidSource)
	}

	if h.More() || h.FragmentOffset() != 0 {
		stats.IP.FragmentsReceived.Increment()
		payload := pkt.Data()
		if len(payload) == 0 || int(h.FragmentOffset())+len(payload) > MaxTotalSize+1 {
			stats.IP.MalformedFragmentsReceived.Increment()
			return drop(ip.DropFragment)
		}
		first := h.FragmentOffset()
		last := first + uint16(len(payload)) - 1
		res, done, err := e.protocol.fragmentation.Process(
			fragmentation.FragmentID{
				Source:      pkt.Src,
				Destination: pkt.Dst,
				ID:          uint32(h.ID()),
				Protocol:    h.Protocol(),
			},
			first, last, h.More(), h[:hlen], payload)
		if err != nil {
			stats.IP.MalformedFragmentsReceived.Increment()
			log.Debugf("ipv4: dropping fragment of %s: %v", pkt.Src, err)
			return drop(ip.DropFragment)
		}
		if !done {
			pkt.Release()
			return ip.Decision{Kind: ip.Held}
		}
		nicID := pkt.NICID
		pkt.Release()
		var ok bool
		if pkt, ok = reassembled(res); !ok {
			stats.IP.MalformedPacketsReceived.Increment()
			return ip.Decision{Kind: ip.Drop, Reason: ip.DropMalformed}
		}
		pkt.NICID = nicID
	}

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

// reassembled builds the packet for a complete datagram: the first
// fragment's header, made whole again, followed by the payload.
func reassembled(f *fragmentation.Fragment) (*buffer.PacketBuffer, bool) {
	hlen := len(f.Header)
	if hlen+len(f.Data) > MaxTotalSize {
		return nil, false
	}
	b := make([]byte, hlen+len(f.Data))
	copy(b, f.Header)
	copy(b[hlen:], f.Data)
	h := header.IPv4(b)
	h.SetTotalLength(uint16(len(b)))
	h.SetFlagsFragmentOffset(h.Flags()&^header.IPv4FlagMoreFragments, 0)
	h.SetChecksum(0)
	h.SetChecksum(^h.CalculateChecksum())

	pkt := buffer.NewInboundPacketBuffer(b)
	pkt.Transfer(buffer.OwnerNetwork)
	pkt.ConsumeNetworkHeader(hlen)
	pkt.NetworkProtocolNumber = ProtocolNumber
	pkt.TransportProtocolNumber = h.TransportProtocol()
	pkt.Src = h.SourceAddress()
	pkt.Dst = h.DestinationAddress()
	return pkt, true
}

// deliver hands a local datagram to the transport layer. The view of pkt
// starts at the transport header.
func (e *endpoint) deliver(proto tcpip.TransportProtocolNumber, pkt *buffer.PacketBuffer) {
	stats := e.stats()
	stats.IP.PacketsDelivered.Increment()
	if proto == header.ICMPv4ProtocolNumber {
		e.handleICMP(pkt)
		return
	}
	switch e.dispatcher.DeliverTransportPacket(proto, pkt) {
	case stack.TransportPacketProtocolUnreachable:
		stats.IP.UnknownProtocolReceived.Increment()
		e.protocol.sendICMPError(pkt.NetworkPacket(), header.ICMPv4DstUnreachable, header.ICMPv4ProtoUnreachable, 0, false)
		pkt.Release()
	case stack.TransportPacketDestinationPortUnreachable:
		e.protocol.sendICMPError(pkt.NetworkPacket(), header.ICMPv4DstUnreachable, header.ICMPv4PortUnreachable, 0, false)
		pkt.Release()
	}
}

// forward routes pkt, a whole datagram for another host, out of the NIC the
// routing table selects.
func (e *endpoint) forward(pkt *buffer.PacketBuffer) {
	stats := e.stats()
	h := header.IPv4(pkt.Data())
	if h.TTL() <= 1 {
		stats.IP.Forwarding.ExhaustedTTL.Increment()
		e.protocol.sendICMPError(pkt.Data(), header.ICMPv4TimeExceeded, header.ICMPv4TTLExceeded, 0, false)
		pkt.Release()
		return
	}

	r, err := e.protocol.stack.FindRoute(0, netip.Addr{}, pkt.Dst, ProtocolNumber)
	if err != nil {
		stats.IP.Forwarding.Unrouteable.Increment()
		e.protocol.sendICMPError(pkt.Data(), header.ICMPv4DstUnreachable, header.ICMPv4NetUnreachable, 0, false)
		pkt.Release()
		return
	}
	h.DecrementTTLWithChecksumUpdate()

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

	mtu := int(out.MTU())
	if mtu > MaxTotalSize {
		mtu = MaxTotalSize
	}
	if pkt.Size() > mtu && h.DontFragment() {
		stats.IP.Forwarding.PacketTooBig.Increment()
		e.protocol.sendICMPError(pkt.Data(), header.ICMPv4DstUnreachable, header.ICMPv4FragmentationNeeded, uint16(mtu), false)
		pkt.Release()
		return
	}
	frags, ferr := Fragment(pkt, mtu)
	if ferr != nil {
		stats.IP.Forwarding.Errors.Increment()
		pkt.Release()
		return
	}
	if len(frags) > 1 {
		stats.IP.FragmentsCreated.IncrementBy(uint64(len(frags)))
	}
	for _, f := range frags {
		f.Forwarding = true
		if err := out.WritePacketToLink(f, false); err != nil {
			stats.IP.Forwarding.Errors.Increment()
			stats.IP.OutgoingPacketErrors.Increment()
			continue
		}
		stats.IP.Forwarding.Forwarded.Increment()
	}
}

// WritePacket writes a packet to the given destination address and protocol.
func (e *endpoint) WritePacket(r *stack.Route, params stack.NetworkHeaderParams, pkt *buffer.PacketBuffer) *tcpip.Error {
	return e.writePacket(r, params, pkt, !r.Loop)
}

func (e *endpoint) writePacket(r *stack.Route, params stack.NetworkHeaderParams, pkt *buffer.PacketBuffer, filter bool) *tcpip.Error {
	stats := e.stats()
	ttl := params.TTL
	if ttl == 0 {
		ttl = e.DefaultTTL()
	}
	fields := header.IPv4Fields{
		TOS:      params.TOS,
		ID:       e.protocol.nextID(r.LocalAddress, r.RemoteAddress, params.Protocol),
		TTL:      ttl,
		Protocol: uint8(params.Protocol),
		SrcAddr:  r.LocalAddress,
		DstAddr:  r.RemoteAddress,
	}
	if params.DontFragment {
		fields.Flags = header.IPv4FlagDontFragment
	}

	mtu := int(e.nic.MTU())
	if r.Loop {
		// Nothing limits the size of a looped datagram but the header.
		mtu = MaxTotalSize
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
	frags, err := BuildOutbound(pkt, &fields, mtu, check)
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
// the transport segment, and splits the datagram to fit mtu. check, when not
// nil, sees the whole datagram before it is fragmented and can veto it. It
// takes ownership of pkt, also on error.
func BuildOutbound(pkt *buffer.PacketBuffer, f *header.IPv4Fields, mtu int, check func(*buffer.PacketBuffer) *tcpip.Error) ([]*buffer.PacketBuffer, *tcpip.Error) {
	length := header.IPv4MinimumSize + pkt.Size()
	if length > MaxTotalSize {
		pkt.Release()
		return nil, tcpip.ErrMessageTooLong
	}
	hdr := pkt.PushNetworkHeader(header.IPv4MinimumSize)
	if hdr == nil {
		pkt.Release()
		return nil, tcpip.ErrNoBufferSpace
	}
	fields := *f
	fields.IHL = header.IPv4MinimumSize
	fields.TotalLength = uint16(length)
	fields.Checksum = 0
	h := header.IPv4(hdr)
	h.Encode(&fields)
	h.SetChecksum(^h.CalculateChecksum())
	pkt.NetworkProtocolNumber = ProtocolNumber
	pkt.TransportProtocolNumber = tcpip.TransportProtocolNumber(f.Protocol)
	pkt.Src = f.SrcAddr
	pkt.Dst = f.DstAddr

	if check != nil {
		if err := check(pkt); err != nil {
			pkt.Release()
			return nil, err
		}
	}
	if pkt.Size() > mtu && header.IPv4(pkt.Data()).DontFragment() {
		pkt.Release()
		return nil, tcpip.ErrMessageTooLong
	}
	return Fragment(pkt, mtu)
}

// Fragment splits pkt, a whole datagram, into datagrams of at most mtu bytes.
// Every fragment carries the identification of pkt; the payload of all but
// the last is a multiple of 8 bytes. A datagram that already fits is
// returned as is. It takes ownership of pkt.
func Fragment(pkt *buffer.PacketBuffer, mtu int) ([]*buffer.PacketBuffer, *tcpip.Error) {
	if pkt.Size() <= mtu {
		return []*buffer.PacketBuffer{pkt}, nil
	}
	orig := header.IPv4(pkt.Data())
	hlen := int(orig.HeaderLength())
	payload := orig[hlen:orig.TotalLength()]
	firstHdr := orig[:hlen]
	restHdr := copiedOptions(firstHdr)

	if mtu-len(restHdr) < 8 || mtu-hlen < 8 {
		pkt.Release()
		return nil, tcpip.ErrMessageTooLong
	}

	flags := orig.Flags()
	baseOffset := orig.FragmentOffset()
	var frags []*buffer.PacketBuffer
	for off := 0; off < len(payload); {
		h := firstHdr
		if off > 0 {
			h = restHdr
		}
		size := (mtu - len(h)) &^ 7
		more := true
		if off+size >= len(payload) {
			size = len(payload) - off
			more = flags&header.IPv4FlagMoreFragments != 0
		}

		f := buffer.NewPacketBuffer(len(h), payload[off:off+size])
		fh := header.IPv4(f.PushNetworkHeader(len(h)))
		copy(fh, h)
		fh.SetTotalLength(uint16(len(h) + size))
		fl := flags &^ header.IPv4FlagMoreFragments
		if more {
			fl |= header.IPv4FlagMoreFragments
		}
		fh.SetFlagsFragmentOffset(fl, baseOffset+uint16(off))
		fh.SetChecksum(0)
		fh.SetChecksum(^fh.CalculateChecksum())

		f.Transfer(buffer.OwnerNetwork)
		f.NICID = pkt.NICID
		f.NetworkProtocolNumber = ProtocolNumber
		f.TransportProtocolNumber = pkt.TransportProtocolNumber
		f.Src, f.Dst = pkt.Src, pkt.Dst
		frags = append(frags, f)
		off += size
	}
	pkt.Release()
	return frags, nil
}

// copiedOptions returns the header of the fragments after the first: the
// fixed header followed by the options whose copied flag is set (RFC 791,
// page 15), padded to a multiple of 4 bytes.
func copiedOptions(hdr []byte) []byte {
	out := append([]byte(nil), hdr[:header.IPv4MinimumSize]...)
	opts := hdr[header.IPv4MinimumSize:]
	for i := 0; i < len(opts); {
		switch t := opts[i]; t {
		case 0: // End of option list.
			i = len(opts)
		case 1: // No operation.
			i++
		default:
			if i+1 >= len(opts) {
				i = len(opts)
				break
			}
			l := int(opts[i+1])
			if l < 2 || i+l > len(opts) {
				i = len(opts)
				break
			}
			if t&0x80 != 0 {
				out = append(out, opts[i:i+l]...)
			}
			i += l
		}
	}
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	out[0] = (header.IPv4Version << 4) | byte(len(out)/4)
	return out
}

// reject answers a packet refused by the firewall: a reset for TCP, a port
// unreachable error otherwise. pkt is left to the caller.
func (e *endpoint) reject(pkt *buffer.PacketBuffer) {
	dgram := header.IPv4(pkt.NetworkPacket())
	hlen := int(dgram.HeaderLength())
	if dgram.TransportProtocol() != header.TCPProtocolNumber || dgram.FragmentOffset() != 0 {
		e.protocol.sendICMPError(dgram, header.ICMPv4DstUnreachable, header.ICMPv4PortUnreachable, 0, true)
		return
	}
	rst, ok := ip.BuildReset(header.TCP(dgram[hlen:]), dgram.SourceAddress(), dgram.DestinationAddress())
	if !ok {
		return
	}
	r, err := e.protocol.stack.FindRoute(0, netip.Addr{}, dgram.SourceAddress(), ProtocolNumber)
	if err != nil {
		return
	}
	// The reset claims to come from the refused destination.
	r.LocalAddress = dgram.DestinationAddress()
	out, ok := r.NIC().NetworkEndpoint(ProtocolNumber).(*endpoint)
	if !ok {
		return
	}
	reply := buffer.NewPacketBuffer(header.IPv4MinimumSize, rst)
	reply.TransportProtocolNumber = header.TCPProtocolNumber
	if err := out.writePacket(r, stack.NetworkHeaderParams{Protocol: header.TCPProtocolNumber}, reply, false); err == nil {
		e.stats().TCP.ResetsSent.Increment()
	}
}
