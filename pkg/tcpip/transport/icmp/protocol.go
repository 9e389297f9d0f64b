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

// Package icmp contains the implementation of ICMP sockets. Two kinds are
// offered: ping endpoints, created with Stack.NewEndpoint, which send echo
// requests and receive the matching replies demultiplexed on the echo
// identifier; and raw endpoints, created with Stack.NewRawEndpoint, which see
// every ICMP message that reaches the stack.
//
// Pass NewProtocol4 and/or NewProtocol6 as transport protocols to stack.New.
package icmp

import (
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/waiter"
)

const (
	// ProtocolNumber4 is the ICMP protocol number.
	ProtocolNumber4 = header.ICMPv4ProtocolNumber

	// ProtocolNumber6 is the IPv6 ICMP protocol number.
	ProtocolNumber6 = header.ICMPv6ProtocolNumber

	// DefaultBufferSize is the receive and send buffer size of new
	// endpoints.
	DefaultBufferSize = 32 << 10

	// minBufferSize and maxBufferSize bound the buffer size options.
	minBufferSize = 4 << 10
	maxBufferSize = 4 << 20
)

// protocol implements stack.TransportProtocol for one ICMP version.
type protocol struct {
	stack    *stack.Stack
	number   tcpip.TransportProtocolNumber
	netProto tcpip.NetworkProtocolNumber
}

// NewProtocol4 returns an ICMPv4 transport protocol.
func NewProtocol4(s *stack.Stack) stack.TransportProtocol {
	return &protocol{stack: s, number: ProtocolNumber4, netProto: header.IPv4ProtocolNumber}
}

// NewProtocol6 returns an ICMPv6 transport protocol.
func NewProtocol6(s *stack.Stack) stack.TransportProtocol {
	return &protocol{stack: s, number: ProtocolNumber6, netProto: header.IPv6ProtocolNumber}
}

// Number returns the ICMP protocol number.
func (p *protocol) Number() tcpip.TransportProtocolNumber {
	return p.number
}

// NewEndpoint creates a new ping endpoint.
func (p *protocol) NewEndpoint(netProto tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) (tcpip.Endpoint, *tcpip.Error) {
	if netProto != p.netProto {
		return nil, tcpip.ErrUnknownProtocol
	}
	return newEndpoint(p, waiterQueue), nil
}

// NewRawEndpoint creates a new raw ICMP endpoint. It starts receiving right
// away.
func (p *protocol) NewRawEndpoint(netProto tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) (tcpip.Endpoint, *tcpip.Error) {
	if netProto != p.netProto {
		return nil, tcpip.ErrUnknownProtocol
	}
	return newRawEndpoint(p, waiterQueue)
}

// MinimumPacketSize returns the size of an echo header, the only ICMP
// messages demultiplexed to endpoints.
func (p *protocol) MinimumPacketSize() int {
	if p.number == ProtocolNumber4 {
		return header.ICMPv4MinimumSize
	}
	return header.ICMPv6EchoMinimumSize
}

// echoSize is the size of the echo header.
func (p *protocol) echoSize() int {
	return p.MinimumPacketSize()
}

// ParsePorts returns the echo identifier as both ports. Replies and the
// errors quoting a request are then matched to the endpoint that owns the
// identifier.
func (p *protocol) ParsePorts(v []byte) (src, dst uint16, err *tcpip.Error) {
	if len(v) < p.echoSize() {
		return 0, 0, tcpip.ErrUnknownProtocol
	}
	var ident uint16
	if p.number == ProtocolNumber4 {
		ident = header.ICMPv4(v).Ident()
	} else {
		ident = header.ICMPv6(v).Ident()
	}
	return ident, ident, nil
}

// HandleUnknownDestinationPacket drops echo replies nobody waits for. ICMP
// is never answered with a port unreachable.
func (*protocol) HandleUnknownDestinationPacket(stack.TransportEndpointID, *buffer.PacketBuffer) stack.UnknownDestinationPacketDisposition {
	return stack.UnknownDestinationPacketHandled
}

// SetOption implements stack.TransportProtocol.SetOption.
func (*protocol) SetOption(any) *tcpip.Error {
	return tcpip.ErrUnknownProtocolOption
}

// Option implements stack.TransportProtocol.Option.
func (*protocol) Option(any) *tcpip.Error {
	return tcpip.ErrUnknownProtocolOption
}

// Close implements stack.TransportProtocol.Close.
func (*protocol) Close() {}

// Wait implements stack.TransportProtocol.Wait.
func (*protocol) Wait() {}

// isEchoRequest reports whether msg is an echo request of the protocol's
// ICMP version.
func (p *protocol) isEchoRequest(msg []byte) bool {
	if p.number == ProtocolNumber4 {
		return header.ICMPv4(msg).Type() == header.ICMPv4Echo
	}
	return header.ICMPv6(msg).Type() == header.ICMPv6EchoRequest
}

// send fills in the checksum of the ICMP message msg and writes it on r.
func (p *protocol) send(r *stack.Route, msg []byte, ttl uint8) *tcpip.Error {
	pkt := buffer.NewPacketBuffer(int(r.MaxHeaderLength()), msg)
	stats := r.Stats().ICMP.V4.PacketsSent
	if p.number == ProtocolNumber4 {
		h := header.ICMPv4(pkt.Data())
		h.SetChecksum(0)
		h.SetChecksum(header.ICMPv4Checksum(h, h.Payload()))
	} else {
		stats = r.Stats().ICMP.V6.PacketsSent
		h := header.ICMPv6(pkt.Data())
		h.SetChecksum(header.ICMPv6Checksum(h, r.LocalAddress, r.RemoteAddress))
	}
	echo := p.isEchoRequest(msg)
	pkt.TransportProtocolNumber = p.number
	if ttl == 0 {
		ttl = r.DefaultTTL()
	}
	if err := r.WritePacket(stack.NetworkHeaderParams{Protocol: p.number, TTL: ttl}, pkt); err != nil {
		stats.Dropped.Increment()
		return err
	}
	if echo {
		stats.Echo.Increment()
	}
	return nil
}
