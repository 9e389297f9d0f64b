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
	"netengine.dev/netengine/pkg/waiter"
)

// TransportEndpointID is the identifier of a transport layer protocol endpoint.
type TransportEndpointID struct {
	// LocalPort is the local port associated with the endpoint.
	LocalPort uint16

	// LocalAddress is the local [network layer] address associated with
	// the endpoint.
	LocalAddress netip.Addr

	// RemotePort is the remote port associated with the endpoint.
	RemotePort uint16

	// RemoteAddress it the remote [network layer] address associated with
	// the endpoint.
	RemoteAddress netip.Addr
}

// ControlType is the type of network control message.
type ControlType int

// The following are the allowed values for ControlType values.
const (
	ControlPacketTooBig ControlType = iota
	ControlPortUnreachable
	ControlNetworkUnreachable
	ControlHostUnreachable
	ControlTimeExceeded
	ControlUnknown
)

// String implements fmt.Stringer.
func (t ControlType) String() string {
	switch t {
	case ControlPacketTooBig:
		return "packet too big"
	case ControlPortUnreachable:
		return "port unreachable"
	case ControlNetworkUnreachable:
		return "network unreachable"
	case ControlHostUnreachable:
		return "host unreachable"
	case ControlTimeExceeded:
		return "time exceeded"
	}
	return "unknown"
}

// TransportEndpoint is the interface that needs to be implemented by transport
// protocol (e.g., tcp, udp) endpoints that can handle packets.
type TransportEndpoint interface {
	// HandlePacket is called by the stack when new packets arrive to this
	// transport endpoint. The view of pkt starts at the transport header.
	// The endpoint takes ownership of pkt.
	HandlePacket(id TransportEndpointID, pkt *buffer.PacketBuffer)

	// HandleError is called when an ICMP error quoting a packet sent by
	// this endpoint arrives. extra carries the MTU for
	// ControlPacketTooBig.
	HandleError(typ ControlType, extra uint32)
}

// RawTransportEndpoint is the interface that needs to be implemented by raw
// transport protocol endpoints. RawTransportEndpoints receive the whole
// datagram, network header included, of every packet of their protocol.
type RawTransportEndpoint interface {
	// HandlePacket is called with a private copy of the packet.
	HandlePacket(pkt *buffer.PacketBuffer)
}

// UnknownDestinationPacketDisposition is the result of
// TransportProtocol.HandleUnknownDestinationPacket.
type UnknownDestinationPacketDisposition int

const (
	// UnknownDestinationPacketMalformed means the packet could not be parsed.
	UnknownDestinationPacketMalformed UnknownDestinationPacketDisposition = iota

	// UnknownDestinationPacketUnhandled means the network layer should send
	// a port unreachable error.
	UnknownDestinationPacketUnhandled

	// UnknownDestinationPacketHandled means the protocol answered the packet
	// itself, for instance with a TCP reset.
	UnknownDestinationPacketHandled
)

// TransportProtocol is the interface that needs to be implemented by transport
// protocols (e.g., tcp, udp) that want to be part of the networking stack.
type TransportProtocol interface {
	// Number returns the transport protocol number.
	Number() tcpip.TransportProtocolNumber

	// NewEndpoint creates a new endpoint of the transport protocol.
	NewEndpoint(netProto tcpip.NetworkProtocolNumber, waitQueue *waiter.Queue) (tcpip.Endpoint, *tcpip.Error)

	// NewRawEndpoint creates a new raw endpoint of the transport protocol.
	NewRawEndpoint(netProto tcpip.NetworkProtocolNumber, waitQueue *waiter.Queue) (tcpip.Endpoint, *tcpip.Error)

	// MinimumPacketSize returns the minimum valid packet size of this
	// transport protocol. The stack automatically drops any packets smaller
	// than this targeted at this protocol.
	MinimumPacketSize() int

	// ParsePorts returns the source and destination ports stored in a
	// packet of this protocol.
	ParsePorts(v []byte) (src, dst uint16, err *tcpip.Error)

	// HandleUnknownDestinationPacket handles packets targeted at this
	// protocol that don't match any existing endpoint. For example, it is
	// targeted at a port that has no listeners.
	HandleUnknownDestinationPacket(id TransportEndpointID, pkt *buffer.PacketBuffer) UnknownDestinationPacketDisposition

	// SetOption allows enabling/disabling protocol specific features.
	// SetOption returns an error if the option is not supported or the
	// provided option value is invalid.
	SetOption(option any) *tcpip.Error

	// Option allows retrieving protocol specific option values.
	// Option returns an error if the option is not supported or the
	// provided option value is invalid.
	Option(option any) *tcpip.Error

	// Close requests that any worker goroutines owned by the protocol
	// stop.
	Close()

	// Wait waits for any worker goroutines owned by the protocol to stop.
	Wait()
}

// TransportProtocolFactory instantiates a transport protocol for a stack.
type TransportProtocolFactory func(*Stack) TransportProtocol

// TransportPacketDisposition is the result of delivering a packet to the
// transport layer.
type TransportPacketDisposition int

const (
	// TransportPacketHandled indicates that a transport packet was handled
	// by the transport layer and callers need not take any further action.
	TransportPacketHandled TransportPacketDisposition = iota

	// TransportPacketProtocolUnreachable indicates that the transport
	// protocol requested in the packet is not supported.
	TransportPacketProtocolUnreachable

	// TransportPacketDestinationPortUnreachable indicates that there weren't
	// any listeners interested in the packet and the transport protocol has
	// no means to notify the sender.
	TransportPacketDestinationPortUnreachable
)

// TransportDispatcher contains the methods used by the network stack to deliver
// packets to the appropriate transport endpoint after it has been handled by
// the network layer.
type TransportDispatcher interface {
	// DeliverTransportPacket delivers packets to the appropriate transport
	// protocol endpoint. The view of pkt starts at the transport header and
	// the network header is recorded.
	DeliverTransportPacket(protocol tcpip.TransportProtocolNumber, pkt *buffer.PacketBuffer) TransportPacketDisposition

	// DeliverTransportError delivers an ICMP error to the endpoint that sent
	// the quoted packet. local and remote are the addresses of the quoted
	// packet, transHdr its transport header or a prefix of it.
	DeliverTransportError(local, remote netip.Addr, net tcpip.NetworkProtocolNumber, trans tcpip.TransportProtocolNumber, typ ControlType, extra uint32, transHdr []byte)

	// DeliverRawPacket hands a copy of pkt to the raw endpoints of
	// protocol. The view of pkt covers the whole datagram.
	DeliverRawPacket(protocol tcpip.TransportProtocolNumber, pkt *buffer.PacketBuffer) bool
}

// NetworkHeaderParams are the header parameters given as input by the
// transport endpoint to the network.
type NetworkHeaderParams struct {
	// Protocol refers to the transport protocol number.
	Protocol tcpip.TransportProtocolNumber

	// TTL refers to Time To Live field of the IP-header. Zero uses the
	// endpoint default.
	TTL uint8

	// TOS refers to TypeOfService or TrafficClass field of the IP-header.
	TOS uint8

	// DontFragment sets the IPv4 DF bit: the datagram is not fragmented
	// locally either and fails with ErrMessageTooLong.
	DontFragment bool
}

// NetworkEndpoint is the interface that needs to be implemented by endpoints
// of network layer protocols (e.g., ipv4, ipv6). There is one per NIC and
// protocol.
type NetworkEndpoint interface {
	// DefaultTTL is the default time-to-live value (or hop limit, in ipv6)
	// for this endpoint.
	DefaultTTL() uint8

	// MTU is the maximum transmission unit for this endpoint. This is
	// generally calculated as the MTU of the underlying data link endpoint
	// minus the network endpoint max header length.
	MTU() uint32

	// MaxHeaderLength returns the maximum size the network (and lower
	// level layers combined) headers can have. Higher levels use this
	// information to reserve space in the front of the packets they're
	// building.
	MaxHeaderLength() uint16

	// WritePacket prepends the network header to pkt, runs the outbound
	// firewall pass and hands the datagram, fragmented if needed, to the
	// link. It takes ownership of pkt.
	WritePacket(r *Route, params NetworkHeaderParams, pkt *buffer.PacketBuffer) *tcpip.Error

	// HandlePacket is called by the link layer when new packets arrive to
	// this network endpoint. It takes ownership of pkt.
	HandlePacket(pkt *buffer.PacketBuffer)

	// Close is called when the endpoint is removed from a stack.
	Close()
}

// NetworkProtocol is the interface that needs to be implemented by network
// protocols (e.g., ipv4, ipv6) that want to be part of the networking stack.
type NetworkProtocol interface {
	// Number returns the network protocol number.
	Number() tcpip.NetworkProtocolNumber

	// MinimumPacketSize returns the minimum valid packet size of this
	// network protocol. The stack automatically drops any packets smaller
	// than this targeted at this protocol.
	MinimumPacketSize() int

	// ParseAddresses returns the source and destination addresses stored in
	// a packet of this protocol.
	ParseAddresses(v []byte) (src, dst netip.Addr)

	// NewEndpoint creates a new endpoint of this protocol.
	NewEndpoint(nic *NIC, dispatcher TransportDispatcher) NetworkEndpoint

	// SetOption allows enabling/disabling protocol specific features.
	// SetOption returns an error if the option is not supported or the
	// provided option value is invalid.
	SetOption(option any) *tcpip.Error

	// Option allows retrieving protocol specific option values.
	// Option returns an error if the option is not supported or the
	// provided option value is invalid.
	Option(option any) *tcpip.Error

	// Close releases the protocol's timers.
	Close()
}

// NetworkProtocolFactory instantiates a network protocol for a stack.
type NetworkProtocolFactory func(*Stack) NetworkProtocol

// NetworkDispatcher contains the methods used by the network stack to deliver
// packets to the appropriate network endpoint after it has been handled by
// the data link layer.
type NetworkDispatcher interface {
	// DeliverNetworkPacket finds the appropriate network protocol endpoint
	// and hands the packet over for further processing. The view of pkt
	// starts at the IP header. It takes ownership of pkt.
	DeliverNetworkPacket(pkt *buffer.PacketBuffer)
}

// LinkEndpoint is the interface implemented by data link layer protocols
// (e.g., tun, pipe) and used by network layer protocols to send packets out
// through the implementer's data link endpoint. Frames are bare IP
// datagrams: there is no link header and no link address resolution.
type LinkEndpoint interface {
	// MTU is the maximum transmission unit for this endpoint. This is
	// usually dictated by the backing physical network; when such a
	// physical network doesn't exist, the limit is generally 64k, which
	// includes the maximum size of an IP packet.
	MTU() uint32

	// WritePacket writes a datagram to the link. It takes ownership of pkt.
	// Implementations must not deliver packets to the attached dispatcher
	// from within WritePacket.
	WritePacket(pkt *buffer.PacketBuffer) *tcpip.Error

	// Attach attaches the data link layer endpoint to the network-layer
	// dispatcher of the stack. A nil dispatcher detaches it.
	Attach(dispatcher NetworkDispatcher)

	// IsAttached returns whether a NetworkDispatcher is attached to the
	// endpoint.
	IsAttached() bool

	// LinkUp reports whether the link can carry packets.
	LinkUp() bool

	// Wait waits for any worker goroutines owned by the endpoint to stop.
	//
	// For now, requesting that an endpoint's worker goroutine(s) stop is
	// implementation specific.
	//
	// Wait will not block if the endpoint hasn't started any goroutines
	// yet, even if it might later.
	Wait()
}
