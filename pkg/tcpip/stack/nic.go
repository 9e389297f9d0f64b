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
	"slices"
	"sync"
	"sync/atomic"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
)

// NIC represents a "network interface card" to which the networking stack is
// attached.
type NIC struct {
	stack  *Stack
	id     tcpip.NICID
	name   string
	linkEP LinkEndpoint

	enabled atomic.Bool

	mu        sync.RWMutex
	addresses []netip.Prefix
	endpoints map[tcpip.NetworkProtocolNumber]NetworkEndpoint
}

func newNIC(stack *Stack, id tcpip.NICID, name string, ep LinkEndpoint) *NIC {
	n := &NIC{
		stack:     stack,
		id:        id,
		name:      name,
		linkEP:    ep,
		endpoints: make(map[tcpip.NetworkProtocolNumber]NetworkEndpoint),
	}
	for num, proto := range stack.networkProtocols {
		n.endpoints[num] = proto.NewEndpoint(n, n)
	}
	return n
}

// ID returns the identifier of n.
func (n *NIC) ID() tcpip.NICID {
	return n.id
}

// Name returns the name of n.
func (n *NIC) Name() string {
	return n.name
}

// Stack returns the instance of the Stack that owns this NIC.
func (n *NIC) Stack() *Stack {
	return n.stack
}

// LinkEndpoint returns the link endpoint of n.
func (n *NIC) LinkEndpoint() LinkEndpoint {
	return n.linkEP
}

// MTU returns the link MTU.
func (n *NIC) MTU() uint32 {
	return n.linkEP.MTU()
}

// Enabled returns true if n is enabled.
func (n *NIC) Enabled() bool {
	return n.enabled.Load()
}

func (n *NIC) enable() *tcpip.Error {
	if n.enabled.Swap(true) {
		return nil
	}
	n.linkEP.Attach(n)
	return nil
}

func (n *NIC) disable() {
	n.enabled.Store(false)
}

func (n *NIC) closeEndpoints() {
	n.mu.Lock()
	eps := n.endpoints
	n.endpoints = make(map[tcpip.NetworkProtocolNumber]NetworkEndpoint)
	n.mu.Unlock()
	for _, ep := range eps {
		ep.Close()
	}
}

// NetworkEndpoint returns the endpoint of protocol num on n, or nil.
func (n *NIC) NetworkEndpoint(num tcpip.NetworkProtocolNumber) NetworkEndpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[num]
}

func (n *NIC) addAddress(addr netip.Prefix) *tcpip.Error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range n.addresses {
		if a.Addr() == addr.Addr() {
			return tcpip.ErrDuplicateAddress
		}
	}
	n.addresses = append(n.addresses, addr)
	return nil
}

func (n *NIC) removeAddress(addr netip.Addr) (netip.Prefix, *tcpip.Error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, a := range n.addresses {
		if a.Addr() == addr {
			n.addresses = slices.Delete(n.addresses, i, i+1)
			return a, nil
		}
	}
	return netip.Prefix{}, tcpip.ErrBadLocalAddress
}

// Addresses returns the addresses assigned to n.
func (n *NIC) Addresses() []netip.Prefix {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.addresses)
}

// PrimaryAddress returns the first address of n for the given protocol.
func (n *NIC) PrimaryAddress(proto tcpip.NetworkProtocolNumber) (netip.Prefix, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, a := range n.addresses {
		if tcpip.NetworkProtocolFor(a.Addr()) == proto {
			return a, true
		}
	}
	return netip.Prefix{}, false
}

func (n *NIC) hasAddress(addr netip.Addr) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, a := range n.addresses {
		if a.Addr() == addr {
			return true
		}
	}
	return false
}

// isSubnetBroadcast reports whether addr is the directed broadcast address
// of an IPv4 subnet assigned to n.
func (n *NIC) isSubnetBroadcast(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, a := range n.addresses {
		if !a.Addr().Is4() || a.Bits() >= 31 || !a.Contains(addr) {
			continue
		}
		b := a.Masked().Addr().As4()
		host := uint32(0xffffffff) >> a.Bits()
		v := (uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])) | host
		if netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}) == addr {
			return true
		}
	}
	return false
}

// DeliverNetworkPacket finds the network protocol endpoint for the datagram
// in pkt and hands it over. It is called by the link-layer endpoint for
// every frame it receives.
func (n *NIC) DeliverNetworkPacket(pkt *buffer.PacketBuffer) {
	if !n.Enabled() {
		n.stack.stats.DroppedPackets.Increment()
		pkt.Release()
		return
	}
	pkt.NICID = n.id

	var proto tcpip.NetworkProtocolNumber
	switch header.IPVersion(pkt.Data()) {
	case header.IPv4Version:
		proto = header.IPv4ProtocolNumber
	case header.IPv6Version:
		proto = header.IPv6ProtocolNumber
	default:
		n.stack.stats.MalformedRcvdPackets.Increment()
		pkt.Release()
		return
	}

	ep := n.NetworkEndpoint(proto)
	if ep == nil {
		n.stack.stats.UnknownProtocolRcvdPackets.Increment()
		pkt.Release()
		return
	}
	pkt.NetworkProtocolNumber = proto
	pkt.Transfer(buffer.OwnerNetwork)
	ep.HandlePacket(pkt)
}

// DeliverTransportPacket delivers the packets to the appropriate transport
// protocol endpoint. pkt is consumed unless an unreachable disposition is
// returned, in which case the caller still owns it.
func (n *NIC) DeliverTransportPacket(protocol tcpip.TransportProtocolNumber, pkt *buffer.PacketBuffer) TransportPacketDisposition {
	state, ok := n.stack.transportProtocols[protocol]
	if !ok {
		n.stack.stats.UnknownProtocolRcvdPackets.Increment()
		return TransportPacketProtocolUnreachable
	}

	transProto := state.proto

	// Raw endpoints see a copy of every packet of their protocol, even
	// those no socket ends up claiming.
	raw := n.stack.demux.deliverRawPacket(pkt.NetworkProtocolNumber, protocol, pkt)

	if pkt.Size() < transProto.MinimumPacketSize() {
		n.stack.stats.MalformedRcvdPackets.Increment()
		pkt.Release()
		return TransportPacketHandled
	}

	srcPort, dstPort, err := transProto.ParsePorts(pkt.Data())
	if err != nil {
		n.stack.stats.MalformedRcvdPackets.Increment()
		pkt.Release()
		return TransportPacketHandled
	}

	id := TransportEndpointID{
		LocalPort:     dstPort,
		LocalAddress:  pkt.Dst,
		RemotePort:    srcPort,
		RemoteAddress: pkt.Src,
	}
	pkt.Transfer(buffer.OwnerTransport)
	if n.stack.demux.deliverPacket(pkt.NetworkProtocolNumber, protocol, pkt, id) {
		return TransportPacketHandled
	}

	// Nobody claimed the packet. The protocol may answer it, otherwise the
	// caller keeps pkt to build a port unreachable error.
	switch transProto.HandleUnknownDestinationPacket(id, pkt) {
	case UnknownDestinationPacketMalformed:
		n.stack.stats.MalformedRcvdPackets.Increment()
	case UnknownDestinationPacketUnhandled:
		if !raw {
			pkt.Transfer(buffer.OwnerNetwork)
			return TransportPacketDestinationPortUnreachable
		}
	}
	pkt.Release()
	return TransportPacketHandled
}

// DeliverTransportError implements TransportDispatcher. transHdr holds at
// least the first 8 bytes of the transport header of the packet that caused
// the error, as quoted by the ICMP message.
func (n *NIC) DeliverTransportError(local, remote netip.Addr, net tcpip.NetworkProtocolNumber, trans tcpip.TransportProtocolNumber, typ ControlType, extra uint32, transHdr []byte) {
	state, ok := n.stack.transportProtocols[trans]
	if !ok {
		return
	}
	srcPort, dstPort, err := state.proto.ParsePorts(transHdr)
	if err != nil {
		return
	}
	// The quoted packet went from us to the peer.
	id := TransportEndpointID{
		LocalPort:     srcPort,
		LocalAddress:  local,
		RemotePort:    dstPort,
		RemoteAddress: remote,
	}
	n.stack.demux.deliverError(net, trans, typ, extra, id)
}

// DeliverRawPacket implements TransportDispatcher.
func (n *NIC) DeliverRawPacket(protocol tcpip.TransportProtocolNumber, pkt *buffer.PacketBuffer) bool {
	return n.stack.demux.deliverRawPacket(pkt.NetworkProtocolNumber, protocol, pkt)
}

// WritePacketToLink hands a complete datagram to the link endpoint, or to
// the loopback queue when loop is set.
func (n *NIC) WritePacketToLink(pkt *buffer.PacketBuffer, loop bool) *tcpip.Error {
	if !n.Enabled() {
		pkt.Release()
		return tcpip.ErrNoRoute
	}
	pkt.NICID = n.id
	if loop {
		return n.stack.deliverLocal(n, pkt)
	}
	pkt.Transfer(buffer.OwnerLink)
	return n.linkEP.WritePacket(pkt)
}
