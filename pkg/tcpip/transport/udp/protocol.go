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

// Package udp contains the implementation of the UDP transport protocol. To use
// it in the networking stack, pass udp.NewProtocol (or the factory returned by
// NewProtocolWithOptions) as one of the transport protocols when calling
// stack.New(). Then endpoints can be created by passing udp.ProtocolNumber as
// the transport protocol number when calling Stack.NewEndpoint().
package udp

import (
	"net/netip"
	"sync"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/waiter"
)

const (
	// ProtocolNumber is the udp protocol number.
	ProtocolNumber = header.UDPProtocolNumber

	// MinBufferSize is the smallest receive or send buffer.
	MinBufferSize = 4 << 10

	// DefaultReceiveBufferSize bounds the bytes queued on a new endpoint.
	DefaultReceiveBufferSize = 208 << 10

	// DefaultSendBufferSize is the send buffer size reported by new
	// endpoints.
	DefaultSendBufferSize = 208 << 10

	// MaxBufferSize is the largest receive or send buffer.
	MaxBufferSize = 4 << 20

	// maxPayload is the largest payload a single datagram can carry.
	maxPayload = header.UDPMaximumPacketSize - header.UDPMinimumSize
)

// Options configures the UDP protocol.
type Options struct {
	// ReceiveBufferSize is the receive queue bound of new endpoints.
	ReceiveBufferSize int

	// SendBufferSize is the send buffer size of new endpoints.
	SendBufferSize int
}

func (o *Options) fillIn() {
	if o.ReceiveBufferSize <= 0 {
		o.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = DefaultSendBufferSize
	}
}

type protocol struct {
	stack *stack.Stack

	mu   sync.RWMutex
	opts Options
}

// NewProtocolWithOptions returns a UDP factory configured with opts.
func NewProtocolWithOptions(opts Options) stack.TransportProtocolFactory {
	opts.fillIn()
	return func(s *stack.Stack) stack.TransportProtocol {
		return &protocol{stack: s, opts: opts}
	}
}

// NewProtocol returns a UDP transport protocol with default options.
func NewProtocol(s *stack.Stack) stack.TransportProtocol {
	return NewProtocolWithOptions(Options{})(s)
}

func (p *protocol) options() Options {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opts
}

// Number returns the udp protocol number.
func (*protocol) Number() tcpip.TransportProtocolNumber {
	return ProtocolNumber
}

// NewEndpoint creates a new udp endpoint.
func (p *protocol) NewEndpoint(netProto tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) (tcpip.Endpoint, *tcpip.Error) {
	return newEndpoint(p, netProto, waiterQueue), nil
}

// NewRawEndpoint implements stack.TransportProtocol. Raw UDP sockets are
// unsupported.
func (*protocol) NewRawEndpoint(tcpip.NetworkProtocolNumber, *waiter.Queue) (tcpip.Endpoint, *tcpip.Error) {
	return nil, tcpip.ErrNotSupported
}

// MinimumPacketSize returns the minimum valid udp packet size.
func (*protocol) MinimumPacketSize() int {
	return header.UDPMinimumSize
}

// ParsePorts returns the source and destination ports stored in the given udp
// packet.
func (*protocol) ParsePorts(v []byte) (src, dst uint16, err *tcpip.Error) {
	if len(v) < 4 {
		return 0, 0, tcpip.ErrBadAddress
	}
	h := header.UDP(v)
	return h.SourcePort(), h.DestinationPort(), nil
}

// HandleUnknownDestinationPacket handles packets targeted at this protocol but
// that don't match any existing endpoint. The network layer answers with a
// port unreachable error unless the datagram is invalid or was not sent to
// a unicast address.
func (p *protocol) HandleUnknownDestinationPacket(id stack.TransportEndpointID, pkt *buffer.PacketBuffer) stack.UnknownDestinationPacketDisposition {
	stats := p.stack.Stats().UDP
	hdr := header.UDP(pkt.Data())
	if !hdr.IsValid() {
		stats.MalformedPacketsReceived.Increment()
		return stack.UnknownDestinationPacketMalformed
	}
	if !header.UDP(pkt.Data()[:hdr.Length()]).IsChecksumValid(pkt.Src, pkt.Dst) {
		// A corrupted datagram says nothing reliable about the port it
		// was meant for.
		stats.ChecksumErrors.Increment()
		return stack.UnknownDestinationPacketHandled
	}
	stats.UnknownPortErrors.Increment()
	if !isUnicast(id.LocalAddress) {
		return stack.UnknownDestinationPacketHandled
	}
	return stack.UnknownDestinationPacketUnhandled
}

func isUnicast(a netip.Addr) bool {
	return a.IsValid() && !a.IsUnspecified() && !a.IsMulticast() && a != header.IPv4Broadcast
}

// SetOption implements stack.TransportProtocol.SetOption.
func (p *protocol) SetOption(option any) *tcpip.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch v := option.(type) {
	case tcpip.ReceiveBufferSizeOption:
		if int(v) < MinBufferSize || int(v) > MaxBufferSize {
			return tcpip.ErrInvalidOptionValue
		}
		p.opts.ReceiveBufferSize = int(v)
	case tcpip.SendBufferSizeOption:
		if int(v) < MinBufferSize || int(v) > MaxBufferSize {
			return tcpip.ErrInvalidOptionValue
		}
		p.opts.SendBufferSize = int(v)
	default:
		return tcpip.ErrUnknownProtocolOption
	}
	return nil
}

// Option implements stack.TransportProtocol.Option.
func (p *protocol) Option(option any) *tcpip.Error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch v := option.(type) {
	case *tcpip.ReceiveBufferSizeOption:
		*v = tcpip.ReceiveBufferSizeOption(p.opts.ReceiveBufferSize)
	case *tcpip.SendBufferSizeOption:
		*v = tcpip.SendBufferSizeOption(p.opts.SendBufferSize)
	default:
		return tcpip.ErrUnknownProtocolOption
	}
	return nil
}

// Close implements stack.TransportProtocol.Close.
func (*protocol) Close() {}

// Wait implements stack.TransportProtocol.Wait.
func (*protocol) Wait() {}
