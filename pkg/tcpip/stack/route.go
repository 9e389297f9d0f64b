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

package stack

import (
	"net/netip"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
)

// Route represents a route through the networking stack to a given
// destination.
type Route struct {
	// NetProto is the network-layer protocol.
	NetProto tcpip.NetworkProtocolNumber

	// LocalAddress is the local address where the route starts.
	LocalAddress netip.Addr

	// RemoteAddress is the final destination of the route.
	RemoteAddress netip.Addr

	// NextHop is the next node in the path to the destination: the gateway,
	// or RemoteAddress itself for an on-link destination.
	NextHop netip.Addr

	// Loop is set when the destination is one of the stack's own addresses.
	// Packets then go through the loopback queue instead of the link.
	Loop bool

	nic *NIC
}

// NIC returns the NIC packets on r leave from.
func (r *Route) NIC() *NIC {
	return r.nic
}

// NICID returns the id of the NIC from which this route originates.
func (r *Route) NICID() tcpip.NICID {
	return r.nic.id
}

// Stack returns the instance of the Stack that owns this route.
func (r *Route) Stack() *Stack {
	return r.nic.stack
}

// Stats returns the stack's counters.
func (r *Route) Stats() tcpip.Stats {
	return r.nic.stack.Stats()
}

func (r *Route) endpoint() NetworkEndpoint {
	return r.nic.NetworkEndpoint(r.NetProto)
}

// MaxHeaderLength forwards the call to the network endpoint's
// implementation.
func (r *Route) MaxHeaderLength() uint16 {
	ep := r.endpoint()
	if ep == nil {
		return header.IPv6MinimumSize + header.IPv6FragmentHeaderSize
	}
	return ep.MaxHeaderLength()
}

// MTU returns the MTU of the underlying network endpoint: the largest
// transport segment that fits in one datagram.
func (r *Route) MTU() uint32 {
	ep := r.endpoint()
	if ep == nil {
		return 0
	}
	return ep.MTU()
}

// DefaultTTL returns the default TTL of the underlying network endpoint.
func (r *Route) DefaultTTL() uint8 {
	ep := r.endpoint()
	if ep == nil {
		return DefaultTTL
	}
	return ep.DefaultTTL()
}

// PseudoHeaderChecksum forwards the call to the network endpoint's
// implementation.
func (r *Route) PseudoHeaderChecksum(protocol tcpip.TransportProtocolNumber, totalLen uint16) uint16 {
	return header.PseudoHeaderChecksum(protocol, r.LocalAddress, r.RemoteAddress, totalLen)
}

// WritePacket writes the packet through the given route. It takes ownership
// of pkt.
func (r *Route) WritePacket(params NetworkHeaderParams, pkt *buffer.PacketBuffer) *tcpip.Error {
	ep := r.endpoint()
	if ep == nil {
		pkt.Release()
		return tcpip.ErrUnknownProtocol
	}
	pkt.NICID = r.nic.id
	pkt.NetworkProtocolNumber = r.NetProto
	pkt.TransportProtocolNumber = params.Protocol
	pkt.Src = r.LocalAddress
	pkt.Dst = r.RemoteAddress
	pkt.Transfer(buffer.OwnerNetwork)
	return ep.WritePacket(r, params, pkt)
}
