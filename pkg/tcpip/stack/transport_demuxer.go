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

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
)

type protocolIDs struct {
	network   tcpip.NetworkProtocolNumber
	transport tcpip.TransportProtocolNumber
}

// transportEndpoints manages all endpoints of a given protocol. It has its own
// mutex so as to reduce interference between protocols.
type transportEndpoints struct {
	// mu protects all fields of the transportEndpoints.
	mu        sync.RWMutex
	endpoints map[TransportEndpointID]*multiPortEndpoint
	// rawEndpoints contains endpoints for raw sockets, which receive all
	// traffic of a given protocol regardless of port.
	rawEndpoints []RawTransportEndpoint
}

// multiPortEndpoint is a container for TransportEndpoints which are bound to
// the same pair of address and port. endpoints always has at least one
// element.
type multiPortEndpoint struct {
	endpoints []TransportEndpoint
	// reuse indicates if more than one endpoint is allowed.
	reuse bool
}

// current returns the endpoint packets go to: the most recently bound one.
func (ep *multiPortEndpoint) current() TransportEndpoint {
	return ep.endpoints[len(ep.endpoints)-1]
}

// transportDemuxer demultiplexes packets targeted at a transport endpoint
// (i.e., after they've been parsed by the network layer). It does two levels
// of demultiplexing: first based on the network and transport protocols, then
// based on endpoints IDs. It should only be instantiated via
// newTransportDemuxer.
type transportDemuxer struct {
	// protocol is immutable.
	protocol map[protocolIDs]*transportEndpoints
}

func newTransportDemuxer(stack *Stack) *transportDemuxer {
	d := &transportDemuxer{protocol: make(map[protocolIDs]*transportEndpoints)}

	// Add each network and transport pair to the demuxer.
	for netProto := range stack.networkProtocols {
		for proto := range stack.transportProtocols {
			d.protocol[protocolIDs{netProto, proto}] = &transportEndpoints{
				endpoints: make(map[TransportEndpointID]*multiPortEndpoint),
			}
		}
	}

	return d
}

// registerEndpoint registers the given endpoint with the dispatcher such that
// packets that match the endpoint ID are delivered to it. Endpoints may share
// an ID only when all of them set reuse.
func (d *transportDemuxer) registerEndpoint(netProtos []tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint, reuse bool) *tcpip.Error {
	for i, n := range netProtos {
		if err := d.singleRegisterEndpoint(n, protocol, id, ep, reuse); err != nil {
			d.unregisterEndpoint(netProtos[:i], protocol, id, ep)
			return err
		}
	}
	return nil
}

func (d *transportDemuxer) singleRegisterEndpoint(netProto tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint, reuse bool) *tcpip.Error {
	eps, ok := d.protocol[protocolIDs{netProto, protocol}]
	if !ok {
		return tcpip.ErrUnknownProtocol
	}

	eps.mu.Lock()
	defer eps.mu.Unlock()
	if mpep, ok := eps.endpoints[id]; ok {
		if !mpep.reuse || !reuse {
			return tcpip.ErrPortInUse
		}
		mpep.endpoints = append(mpep.endpoints, ep)
		return nil
	}
	eps.endpoints[id] = &multiPortEndpoint{endpoints: []TransportEndpoint{ep}, reuse: reuse}
	return nil
}

// unregisterEndpoint unregisters the endpoint with the given id such that it
// won't receive any more packets.
func (d *transportDemuxer) unregisterEndpoint(netProtos []tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint) {
	for _, n := range netProtos {
		eps, ok := d.protocol[protocolIDs{n, protocol}]
		if !ok {
			continue
		}
		eps.mu.Lock()
		if mpep, ok := eps.endpoints[id]; ok {
			if i := slices.Index(mpep.endpoints, ep); i >= 0 {
				mpep.endpoints = slices.Delete(mpep.endpoints, i, i+1)
			}
			if len(mpep.endpoints) == 0 {
				delete(eps.endpoints, id)
			}
		}
		eps.mu.Unlock()
	}
}

// findEndpointLocked returns the endpoint that most closely matches the
// given id: the connected endpoint, then the endpoint bound to the local
// address, then the endpoint bound to the wildcard address.
//
// Precondition: eps.mu is held.
func (eps *transportEndpoints) findEndpointLocked(id TransportEndpointID) TransportEndpoint {
	if mpep, ok := eps.endpoints[id]; ok {
		return mpep.current()
	}

	// Try to find a match with the id minus the remote part.
	nid := id
	nid.RemoteAddress = netip.Addr{}
	nid.RemotePort = 0
	if mpep, ok := eps.endpoints[nid]; ok {
		return mpep.current()
	}

	// Try to find a match with only the local port.
	nid.LocalAddress = netip.Addr{}
	if mpep, ok := eps.endpoints[nid]; ok {
		return mpep.current()
	}
	return nil
}

func (d *transportDemuxer) findEndpoint(netProto tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID) TransportEndpoint {
	eps, ok := d.protocol[protocolIDs{netProto, protocol}]
	if !ok {
		return nil
	}
	eps.mu.RLock()
	defer eps.mu.RUnlock()
	return eps.findEndpointLocked(id)
}

// deliverPacket attempts to find one or more matching transport endpoints,
// and then, if matches are found, delivers the packet to them. Returns true if
// the packet no longer needs to be handled.
func (d *transportDemuxer) deliverPacket(netProto tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, pkt *buffer.PacketBuffer, id TransportEndpointID) bool {
	ep := d.findEndpoint(netProto, protocol, id)
	if ep == nil {
		return false
	}
	// The lock is released before delivery so that the endpoint may
	// unregister itself while handling the packet.
	ep.HandlePacket(id, pkt)
	return true
}

// deliverError attempts to deliver the given error to the appropriate
// transport endpoint. Returns true if an endpoint took it.
func (d *transportDemuxer) deliverError(netProto tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, typ ControlType, extra uint32, id TransportEndpointID) bool {
	ep := d.findEndpoint(netProto, protocol, id)
	if ep == nil {
		return false
	}
	ep.HandleError(typ, extra)
	return true
}

// deliverRawPacket attempts to deliver the given packet and returns whether
// it was delivered to an endpoint. Every raw endpoint gets its own copy.
func (d *transportDemuxer) deliverRawPacket(netProto tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, pkt *buffer.PacketBuffer) bool {
	eps, ok := d.protocol[protocolIDs{netProto, protocol}]
	if !ok {
		return false
	}

	eps.mu.RLock()
	raw := slices.Clone(eps.rawEndpoints)
	eps.mu.RUnlock()

	for _, rawEP := range raw {
		c := pkt.Clone()
		c.ResetView()
		rawEP.HandlePacket(c)
	}
	return len(raw) != 0
}

// registerRawEndpoint registers the given endpoint with the dispatcher such
// that packets of the appropriate protocol are delivered to it.
func (d *transportDemuxer) registerRawEndpoint(netProto tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, ep RawTransportEndpoint) *tcpip.Error {
	eps, ok := d.protocol[protocolIDs{netProto, protocol}]
	if !ok {
		return tcpip.ErrNotSupported
	}

	eps.mu.Lock()
	defer eps.mu.Unlock()
	eps.rawEndpoints = append(eps.rawEndpoints, ep)
	return nil
}

// unregisterRawEndpoint unregisters the raw endpoint for the given transport
// protocol such that it won't receive any more packets.
func (d *transportDemuxer) unregisterRawEndpoint(netProto tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, ep RawTransportEndpoint) {
	eps, ok := d.protocol[protocolIDs{netProto, protocol}]
	if !ok {
		return
	}

	eps.mu.Lock()
	defer eps.mu.Unlock()
	if i := slices.Index(eps.rawEndpoints, ep); i >= 0 {
		eps.rawEndpoints = slices.Delete(eps.rawEndpoints, i, i+1)
	}
}
