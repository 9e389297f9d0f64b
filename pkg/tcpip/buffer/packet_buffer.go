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

package buffer

import (
	"fmt"
	"net/netip"

	"netengine.dev/netengine/pkg/tcpip"
)

// Owner identifies the layer responsible for a PacketBuffer.
type Owner uint8

// Owners, in the order an inbound packet visits them.
const (
	OwnerNone Owner = iota
	OwnerLink
	OwnerNetwork
	OwnerFirewall
	OwnerTransport
	OwnerSocket
	ownerReleased
)

func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerLink:
		return "link"
	case OwnerNetwork:
		return "network"
	case OwnerFirewall:
		return "firewall"
	case OwnerTransport:
		return "transport"
	case OwnerSocket:
		return "socket"
	case ownerReleased:
		return "released"
	}
	return fmt.Sprintf("Owner(%d)", uint8(o))
}

type span struct {
	off, len int
}

// A PacketBuffer contains all the data of a network packet.
//
// The bytes live in one fixed-capacity region. head and tail delimit the
// current view: inbound layers consume their header from the front, outbound
// layers prepend theirs into the headroom reserved at construction. Neither
// operation copies.
//
// A PacketBuffer has exactly one owner at a time. Layers hand it on with
// Transfer; once Release is called, any further use panics. Clone must be
// used when a packet has to be handed to more than one consumer.
type PacketBuffer struct {
	buf  []byte
	head int
	tail int

	owner Owner

	networkHeader   span
	transportHeader span

	// NICID is the NIC the packet arrived on, or will leave from.
	NICID tcpip.NICID

	// NetworkProtocolNumber is set once the network header was parsed or
	// built.
	NetworkProtocolNumber tcpip.NetworkProtocolNumber

	// TransportProtocolNumber is set by the network layer.
	TransportProtocolNumber tcpip.TransportProtocolNumber

	// Src and Dst are the network addresses from the network header.
	Src, Dst netip.Addr

	// Forwarding is set on packets the stack is routing for another host.
	Forwarding bool

	// Tracking is the connection tracking state attached by the firewall on
	// the inbound pass, consumed again on the outbound pass of a forwarded
	// packet. Only the firewall interprets it.
	Tracking any
}

// NewPacketBuffer returns a packet buffer holding a copy of payload with
// reserve bytes of headroom for headers.
func NewPacketBuffer(reserve int, payload []byte) *PacketBuffer {
	buf := make([]byte, reserve+len(payload))
	copy(buf[reserve:], payload)
	return &PacketBuffer{buf: buf, head: reserve, tail: len(buf)}
}

// NewInboundPacketBuffer wraps a received frame. The caller gives up the
// frame: it must not be touched after this call.
func NewInboundPacketBuffer(frame []byte) *PacketBuffer {
	return &PacketBuffer{buf: frame, head: 0, tail: len(frame), owner: OwnerLink}
}

func (pk *PacketBuffer) checkLive() {
	if pk.owner == ownerReleased {
		panic("use of released PacketBuffer")
	}
}

// Owner returns the layer that currently owns pk.
func (pk *PacketBuffer) Owner() Owner {
	return pk.owner
}

// Transfer hands pk to another layer.
func (pk *PacketBuffer) Transfer(to Owner) {
	pk.checkLive()
	pk.owner = to
}

// Release ends the life of pk. Views previously returned stay valid for
// their holders.
func (pk *PacketBuffer) Release() {
	pk.checkLive()
	pk.owner = ownerReleased
}

// Released reports whether Release was called.
func (pk *PacketBuffer) Released() bool {
	return pk.owner == ownerReleased
}

// Data returns the current view.
func (pk *PacketBuffer) Data() View {
	pk.checkLive()
	return pk.buf[pk.head:pk.tail:pk.tail]
}

// Size returns the length of the current view.
func (pk *PacketBuffer) Size() int {
	return pk.tail - pk.head
}

// Headroom returns the number of bytes that can still be prepended.
func (pk *PacketBuffer) Headroom() int {
	return pk.head
}

// Capacity returns the size of the backing region.
func (pk *PacketBuffer) Capacity() int {
	return len(pk.buf)
}

// Prepend extends the view by size bytes at the front and returns them, or
// nil if the headroom is too small.
func (pk *PacketBuffer) Prepend(size int) View {
	pk.checkLive()
	if size < 0 || size > pk.head {
		return nil
	}
	pk.head -= size
	return pk.buf[pk.head : pk.head+size : pk.head+size]
}

// Consume strips size bytes from the front of the view and returns them.
// It returns false, leaving pk untouched, if the view is shorter than size.
func (pk *PacketBuffer) Consume(size int) (View, bool) {
	pk.checkLive()
	if size < 0 || size > pk.Size() {
		return nil, false
	}
	v := pk.buf[pk.head : pk.head+size : pk.head+size]
	pk.head += size
	return v, true
}

// CapLength irreversibly reduces the view to length bytes. It is a no-op if
// the view is already shorter.
func (pk *PacketBuffer) CapLength(length int) {
	pk.checkLive()
	if length >= 0 && length < pk.Size() {
		pk.tail = pk.head + length
	}
}

// Append copies b after the view. It returns false if the region has no
// room left.
func (pk *PacketBuffer) Append(b []byte) bool {
	pk.checkLive()
	if len(pk.buf)-pk.tail < len(b) {
		return false
	}
	copy(pk.buf[pk.tail:], b)
	pk.tail += len(b)
	return true
}

// PushNetworkHeader prepends size bytes and records them as the network
// header.
func (pk *PacketBuffer) PushNetworkHeader(size int) View {
	v := pk.Prepend(size)
	if v != nil {
		pk.networkHeader = span{off: pk.head, len: size}
	}
	return v
}

// PushTransportHeader prepends size bytes and records them as the transport
// header.
func (pk *PacketBuffer) PushTransportHeader(size int) View {
	v := pk.Prepend(size)
	if v != nil {
		pk.transportHeader = span{off: pk.head, len: size}
	}
	return v
}

// ConsumeNetworkHeader strips size bytes and records them as the network
// header.
func (pk *PacketBuffer) ConsumeNetworkHeader(size int) (View, bool) {
	off := pk.head
	v, ok := pk.Consume(size)
	if ok {
		pk.networkHeader = span{off: off, len: size}
	}
	return v, ok
}

// ConsumeTransportHeader strips size bytes and records them as the
// transport header.
func (pk *PacketBuffer) ConsumeTransportHeader(size int) (View, bool) {
	off := pk.head
	v, ok := pk.Consume(size)
	if ok {
		pk.transportHeader = span{off: off, len: size}
	}
	return v, ok
}

// MarkTransportHeader records the first size bytes of the view as the
// transport header without consuming them. The firewall inspects ports this
// way before the transport layer runs.
func (pk *PacketBuffer) MarkTransportHeader(size int) (View, bool) {
	pk.checkLive()
	if size < 0 || size > pk.Size() {
		return nil, false
	}
	pk.transportHeader = span{off: pk.head, len: size}
	return pk.TransportHeader(), true
}

// NetworkHeader returns the recorded network header, or nil.
func (pk *PacketBuffer) NetworkHeader() View {
	return pk.view(pk.networkHeader)
}

// TransportHeader returns the recorded transport header, or nil.
func (pk *PacketBuffer) TransportHeader() View {
	return pk.view(pk.transportHeader)
}

func (pk *PacketBuffer) view(s span) View {
	pk.checkLive()
	if s.len == 0 {
		return nil
	}
	return pk.buf[s.off : s.off+s.len : s.off+s.len]
}

// NetworkPacket returns the bytes from the start of the network header to
// the end of the view. For inbound packets this is the whole IP datagram
// even after the header was consumed.
func (pk *PacketBuffer) NetworkPacket() View {
	pk.checkLive()
	start := pk.head
	if pk.networkHeader.len != 0 && pk.networkHeader.off < start {
		start = pk.networkHeader.off
	}
	return pk.buf[start:pk.tail:pk.tail]
}

// ResetView makes the view cover the whole network packet again, dropping
// the recorded transport header. Forwarding uses it to hand the datagram to
// the egress path.
func (pk *PacketBuffer) ResetView() {
	pk.checkLive()
	if pk.networkHeader.len != 0 && pk.networkHeader.off < pk.head {
		pk.head = pk.networkHeader.off
	}
	pk.transportHeader = span{}
}

// Clone returns a deep copy of pk owned by the same layer.
func (pk *PacketBuffer) Clone() *PacketBuffer {
	pk.checkLive()
	c := *pk
	c.buf = append([]byte(nil), pk.buf...)
	return &c
}
