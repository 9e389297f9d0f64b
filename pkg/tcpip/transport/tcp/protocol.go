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

// Package tcp contains the implementation of the TCP transport protocol. To use
// it in the networking stack, pass tcp.NewProtocol (or the factory returned by
// NewProtocolWithOptions) as one of the transport protocols when calling
// stack.New(). Then endpoints can be created by passing tcp.ProtocolNumber as
// the transport protocol number when calling Stack.NewEndpoint().
package tcp

import (
	"sync"
	"time"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/network/hash"
	"netengine.dev/netengine/pkg/tcpip/network/ip"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/waiter"
)

const (
	// ProtocolNumber is the tcp protocol number.
	ProtocolNumber = header.TCPProtocolNumber

	// MinBufferSize is the smallest size of a receive or send buffer.
	MinBufferSize = 4 << 10 // 4096 bytes.

	// DefaultSendBufferSize is the default size of the send buffer for
	// an endpoint.
	DefaultSendBufferSize = 1 << 20 // 1MB

	// DefaultReceiveBufferSize is the default size of the receive buffer
	// for an endpoint.
	DefaultReceiveBufferSize = 1 << 20 // 1MB

	// MaxBufferSize is the largest size a receive/send buffer can grow to.
	MaxBufferSize = 4 << 20 // 4MB

	// DefaultInitialRTO is the RTO used before the first RTT sample
	// (RFC 6298, section 2.1).
	DefaultInitialRTO = time.Second

	// DefaultMinRTO is the lower bound of the RTO.
	DefaultMinRTO = 200 * time.Millisecond

	// DefaultMaxRTO is the upper bound of the RTO.
	DefaultMaxRTO = 120 * time.Second

	// DefaultMaxRetries is the number of consecutive retransmission
	// timeouts after which the connection is dropped.
	DefaultMaxRetries = 15

	// DefaultInitialCwnd is the initial congestion window, in segments
	// (RFC 6928).
	DefaultInitialCwnd = 10

	// DefaultDupAckThreshold is the number of duplicate ACKs that trigger
	// fast retransmit.
	DefaultDupAckThreshold = 3

	// DefaultTimeWaitTimeout is the amount of time that sockets linger
	// in TIME_WAIT state before being marked closed: twice the maximum
	// segment lifetime.
	DefaultTimeWaitTimeout = 60 * time.Second

	// DefaultFinWait2Timeout is the amount of time that orphaned sockets
	// linger in FIN_WAIT_2 state before being marked closed.
	DefaultFinWait2Timeout = 60 * time.Second

	// DefaultBacklog is used by Listen when the backlog is not positive.
	DefaultBacklog = 128
)

// Options configures the protocol. Zero fields take the defaults above.
type Options struct {
	InitialRTO      time.Duration
	MinRTO          time.Duration
	MaxRTO          time.Duration
	MaxRetries      int
	InitialCwnd     int
	DupAckThreshold int
	TimeWaitTimeout time.Duration
	FinWait2Timeout time.Duration

	SendBufferSize    int
	ReceiveBufferSize int

	// NoDelay disables Nagle's algorithm on new endpoints.
	NoDelay bool
}

// DefaultOptions returns the protocol defaults.
func DefaultOptions() Options {
	return Options{
		InitialRTO:        DefaultInitialRTO,
		MinRTO:            DefaultMinRTO,
		MaxRTO:            DefaultMaxRTO,
		MaxRetries:        DefaultMaxRetries,
		InitialCwnd:       DefaultInitialCwnd,
		DupAckThreshold:   DefaultDupAckThreshold,
		TimeWaitTimeout:   DefaultTimeWaitTimeout,
		FinWait2Timeout:   DefaultFinWait2Timeout,
		SendBufferSize:    DefaultSendBufferSize,
		ReceiveBufferSize: DefaultReceiveBufferSize,
	}
}

func (o *Options) fillIn() {
	d := DefaultOptions()
	if o.InitialRTO <= 0 {
		o.InitialRTO = d.InitialRTO
	}
	if o.MinRTO <= 0 {
		o.MinRTO = d.MinRTO
	}
	if o.MaxRTO <= 0 {
		o.MaxRTO = d.MaxRTO
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.InitialCwnd <= 0 {
		o.InitialCwnd = d.InitialCwnd
	}
	if o.DupAckThreshold <= 0 {
		o.DupAckThreshold = d.DupAckThreshold
	}
	if o.TimeWaitTimeout <= 0 {
		o.TimeWaitTimeout = d.TimeWaitTimeout
	}
	if o.FinWait2Timeout <= 0 {
		o.FinWait2Timeout = d.FinWait2Timeout
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = d.SendBufferSize
	}
	if o.ReceiveBufferSize <= 0 {
		o.ReceiveBufferSize = d.ReceiveBufferSize
	}
}

// RTOBoundsOption is used by Stack.SetTransportProtocolOption to change the
// RTO clamp.
type RTOBoundsOption struct {
	Min time.Duration
	Max time.Duration
}

// MaxRetriesOption sets the retransmission limit.
type MaxRetriesOption int

// TimeWaitTimeoutOption sets how long connections stay in TIME_WAIT.
type TimeWaitTimeoutOption time.Duration

// FinWait2TimeoutOption sets how long orphaned connections stay in
// FIN_WAIT_2.
type FinWait2TimeoutOption time.Duration

// InitialCwndOption sets the initial congestion window, in segments.
type InitialCwndOption int

// DelayEnabled is used by Stack.SetTransportProtocolOption to enable or
// disable Nagle's algorithm on new endpoints.
type DelayEnabled bool

type protocol struct {
	stack *stack.Stack

	mu   sync.RWMutex
	opts Options

	// isnKey keys the initial sequence number hash (RFC 6528).
	isnKey uint32

	epMu      sync.Mutex
	endpoints map[*endpoint]struct{}
	closed    bool
}

// NewProtocolWithOptions returns a TCP factory configured with opts.
func NewProtocolWithOptions(opts Options) stack.TransportProtocolFactory {
	opts.fillIn()
	return func(s *stack.Stack) stack.TransportProtocol {
		return &protocol{
			stack:     s,
			opts:      opts,
			isnKey:    hash.RandN32(1)[0],
			endpoints: make(map[*endpoint]struct{}),
		}
	}
}

// NewProtocol returns a TCP transport protocol with default options.
func NewProtocol(s *stack.Stack) stack.TransportProtocol {
	return NewProtocolWithOptions(Options{})(s)
}

// Number returns the tcp protocol number.
func (*protocol) Number() tcpip.TransportProtocolNumber {
	return ProtocolNumber
}

// NewEndpoint creates a new tcp endpoint.
func (p *protocol) NewEndpoint(netProto tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) (tcpip.Endpoint, *tcpip.Error) {
	return newEndpoint(p, netProto, waiterQueue), nil
}

// NewRawEndpoint implements stack.TransportProtocol. Raw TCP sockets are
// unsupported.
func (*protocol) NewRawEndpoint(tcpip.NetworkProtocolNumber, *waiter.Queue) (tcpip.Endpoint, *tcpip.Error) {
	return nil, tcpip.ErrNotSupported
}

// MinimumPacketSize returns the minimum valid tcp packet size.
func (*protocol) MinimumPacketSize() int {
	return header.TCPMinimumSize
}

// ParsePorts returns the source and destination ports stored in the given tcp
// packet.
func (*protocol) ParsePorts(v []byte) (src, dst uint16, err *tcpip.Error) {
	if len(v) < 4 {
		return 0, 0, tcpip.ErrBadAddress
	}
	h := header.TCP(v)
	return h.SourcePort(), h.DestinationPort(), nil
}

// HandleUnknownDestinationPacket handles packets targeted at this protocol but
// that don't match any existing endpoint.
//
// RFC 793, page 36, states that "If the connection does not exist (CLOSED) then
// a reset is sent in response to any incoming segment except another reset. In
// particular, SYNs addressed to a non-existent connection are rejected by this
// means."
func (p *protocol) HandleUnknownDestinationPacket(id stack.TransportEndpointID, pkt *buffer.PacketBuffer) stack.UnknownDestinationPacketDisposition {
	stats := p.stack.Stats()
	seg := header.TCP(pkt.Data())
	if !seg.IsValid() {
		stats.TCP.InvalidSegmentsReceived.Increment()
		return stack.UnknownDestinationPacketMalformed
	}
	if !seg.IsChecksumValid(pkt.Src, pkt.Dst) {
		stats.TCP.ChecksumErrors.Increment()
		return stack.UnknownDestinationPacketMalformed
	}
	rst, ok := ip.BuildReset(seg, pkt.Src, pkt.Dst)
	if !ok {
		return stack.UnknownDestinationPacketHandled
	}
	r, err := p.stack.FindRoute(pkt.NICID, id.LocalAddress, id.RemoteAddress, pkt.NetworkProtocolNumber)
	if err != nil {
		return stack.UnknownDestinationPacketHandled
	}
	out := buffer.NewPacketBuffer(int(r.MaxHeaderLength()), rst)
	if err := r.WritePacket(stack.NetworkHeaderParams{Protocol: ProtocolNumber, TTL: r.DefaultTTL()}, out); err != nil {
		stats.TCP.SegmentSendErrors.Increment()
		return stack.UnknownDestinationPacketHandled
	}
	stats.TCP.SegmentsSent.Increment()
	stats.TCP.ResetsSent.Increment()
	return stack.UnknownDestinationPacketHandled
}

// SetOption implements stack.TransportProtocol.SetOption.
func (p *protocol) SetOption(option any) *tcpip.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch v := option.(type) {
	case DelayEnabled:
		p.opts.NoDelay = !bool(v)
	case tcpip.SendBufferSizeOption:
		if int(v) < MinBufferSize || int(v) > MaxBufferSize {
			return tcpip.ErrInvalidOptionValue
		}
		p.opts.SendBufferSize = int(v)
	case tcpip.ReceiveBufferSizeOption:
		if int(v) < MinBufferSize || int(v) > MaxBufferSize {
			return tcpip.ErrInvalidOptionValue
		}
		p.opts.ReceiveBufferSize = int(v)
	case RTOBoundsOption:
		if v.Min <= 0 || v.Max < v.Min {
			return tcpip.ErrInvalidOptionValue
		}
		p.opts.MinRTO, p.opts.MaxRTO = v.Min, v.Max
	case MaxRetriesOption:
		if v <= 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.opts.MaxRetries = int(v)
	case TimeWaitTimeoutOption:
		if v < 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.opts.TimeWaitTimeout = time.Duration(v)
	case FinWait2TimeoutOption:
		if v < 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.opts.FinWait2Timeout = time.Duration(v)
	case InitialCwndOption:
		if v <= 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.opts.InitialCwnd = int(v)
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
	case *DelayEnabled:
		*v = DelayEnabled(!p.opts.NoDelay)
	case *tcpip.SendBufferSizeOption:
		*v = tcpip.SendBufferSizeOption(p.opts.SendBufferSize)
	case *tcpip.ReceiveBufferSizeOption:
		*v = tcpip.ReceiveBufferSizeOption(p.opts.ReceiveBufferSize)
	case *RTOBoundsOption:
		*v = RTOBoundsOption{Min: p.opts.MinRTO, Max: p.opts.MaxRTO}
	case *MaxRetriesOption:
		*v = MaxRetriesOption(p.opts.MaxRetries)
	case *TimeWaitTimeoutOption:
		*v = TimeWaitTimeoutOption(p.opts.TimeWaitTimeout)
	case *FinWait2TimeoutOption:
		*v = FinWait2TimeoutOption(p.opts.FinWait2Timeout)
	case *InitialCwndOption:
		*v = InitialCwndOption(p.opts.InitialCwnd)
	default:
		return tcpip.ErrUnknownProtocolOption
	}
	return nil
}

func (p *protocol) options() Options {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opts
}

// track records a live endpoint so that Close can abort it. It returns false
// once the protocol was closed.
func (p *protocol) track(e *endpoint) bool {
	p.epMu.Lock()
	defer p.epMu.Unlock()
	if p.closed {
		return false
	}
	p.endpoints[e] = struct{}{}
	return true
}

func (p *protocol) untrack(e *endpoint) {
	p.epMu.Lock()
	delete(p.endpoints, e)
	p.epMu.Unlock()
}

// Close implements stack.TransportProtocol.Close. Every endpoint is
// aborted.
func (p *protocol) Close() {
	p.epMu.Lock()
	p.closed = true
	eps := make([]*endpoint, 0, len(p.endpoints))
	for e := range p.endpoints {
		eps = append(eps, e)
	}
	p.epMu.Unlock()
	for _, e := range eps {
		e.Abort()
	}
}

// Wait implements stack.TransportProtocol.Wait. TCP owns no goroutines: its
// timers run on the stack's sweeper.
func (*protocol) Wait() {}

// Connections returns the number of endpoints that have not reached CLOSED.
func (p *protocol) Connections() int {
	p.epMu.Lock()
	defer p.epMu.Unlock()
	return len(p.endpoints)
}

// isn returns the initial sequence number for a connection (RFC 6528): a
// keyed hash of the 4-tuple plus a 4 microsecond clock.
func (p *protocol) isn(id stack.TransportEndpointID) uint32 {
	h := hash.FourTupleHash(id.LocalAddress, id.RemoteAddress, id.LocalPort, id.RemotePort, p.isnKey)
	return h + uint32(p.stack.Clock().Now().UnixNano()/4000)
}
