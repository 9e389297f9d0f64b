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

// Package tcpip provides the interfaces and related types that users of the
// tcpip stack will use in order to create endpoints used to send and receive
// data over the network stack.
//
// The starting point is the creation and configuration of a stack. A stack
// can be created by calling the New() function of the tcpip/stack package;
// configuring a stack involves creating NICs (via calls to
// Stack.CreateNIC()), adding network addresses (via calls to
// Stack.AddAddress()), and populating the route table handle that was given
// to the stack at construction.
//
// Once a stack is configured, endpoints can be created by calling
// Stack.NewEndpoint(). Such endpoints can be used to send/receive data,
// connect to peers, listen for connections, accept connections, etc.,
// depending on the transport protocol selected. The socket package wraps
// endpoints in a blocking, handle based API.
package tcpip

import (
	"fmt"
	"net/netip"
	"time"

	"netengine.dev/netengine/pkg/waiter"
)

// A Clock provides the current time. Internal deadlines are computed from
// the monotonic reading carried by the returned time.Time.
type Clock interface {
	Now() time.Time
}

// StdClock implements Clock with the system clock.
type StdClock struct{}

// Now implements Clock.Now.
func (StdClock) Now() time.Time {
	return time.Now()
}

// NICID is a number that uniquely identifies a NIC.
type NICID int32

// TransportProtocolNumber is the number of a transport protocol.
type TransportProtocolNumber uint32

// NetworkProtocolNumber is the number of a network protocol.
type NetworkProtocolNumber uint32

// Network protocol numbers, matching the EtherType values.
const (
	IPv4ProtocolNumber NetworkProtocolNumber = 0x0800
	IPv6ProtocolNumber NetworkProtocolNumber = 0x86dd
)

// Transport protocol numbers, matching the IP protocol field.
const (
	ICMPv4ProtocolNumber TransportProtocolNumber = 1
	TCPProtocolNumber    TransportProtocolNumber = 6
	UDPProtocolNumber    TransportProtocolNumber = 17
	ICMPv6ProtocolNumber TransportProtocolNumber = 58
)

// String implements fmt.Stringer.
func (p TransportProtocolNumber) String() string {
	switch p {
	case ICMPv4ProtocolNumber:
		return "icmp"
	case TCPProtocolNumber:
		return "tcp"
	case UDPProtocolNumber:
		return "udp"
	case ICMPv6ProtocolNumber:
		return "icmpv6"
	}
	return fmt.Sprintf("proto(%d)", uint32(p))
}

// String implements fmt.Stringer.
func (p NetworkProtocolNumber) String() string {
	switch p {
	case IPv4ProtocolNumber:
		return "ipv4"
	case IPv6ProtocolNumber:
		return "ipv6"
	}
	return fmt.Sprintf("netproto(%#x)", uint32(p))
}

// NetworkProtocolFor returns the network protocol number matching the family
// of addr.
func NetworkProtocolFor(addr netip.Addr) NetworkProtocolNumber {
	if addr.Is4() || addr.Is4In6() {
		return IPv4ProtocolNumber
	}
	return IPv6ProtocolNumber
}

// FullAddress represents a full transport node address, as required by the
// Connect() and Bind() methods.
type FullAddress struct {
	// NIC is the ID of the NIC this address refers to.
	//
	// This may not be used by all endpoint types.
	NIC NICID

	// Addr is the network address. The zero value means unspecified.
	Addr netip.Addr

	// Port is the transport port.
	//
	// This may not be used by all endpoint types.
	Port uint16
}

// String implements fmt.Stringer.
func (a FullAddress) String() string {
	if !a.Addr.IsValid() {
		return fmt.Sprintf("*:%d", a.Port)
	}
	return netip.AddrPortFrom(a.Addr, a.Port).String()
}

// ShutdownFlags represents flags that can be passed to the Shutdown() method
// of the Endpoint interface.
type ShutdownFlags int

// Values of the flags that can be passed to the Shutdown() method. They can
// be OR'ed together.
const (
	ShutdownRead ShutdownFlags = 1 << iota
	ShutdownWrite
)

// WriteOptions contains options for Endpoint.Write.
type WriteOptions struct {
	// If To is not nil, write to the given address instead of the endpoint's
	// peer.
	To *FullAddress

	// More has the same semantics as Linux's MSG_MORE.
	More bool
}

// Endpoint is the interface implemented by transport protocols (e.g., tcp,
// udp) that exposes functionality like read, write, connect, etc. to users of
// the networking stack. Methods never block; blocking behavior is built on
// top of Readiness and the endpoint's waiter.Queue.
type Endpoint interface {
	// Close puts the endpoint in a closed state and frees all resources
	// associated with it. Stream endpoints start an orderly release and
	// keep running in the stack until the connection is fully closed.
	Close()

	// Abort releases the endpoint immediately, resetting any connection.
	Abort()

	// Read reads data from the endpoint into dst and optionally returns the
	// sender in addr.
	//
	// It returns ErrWouldBlock if there is no data pending and
	// ErrClosedForReceive once the peer has closed and all data was read.
	Read(dst []byte, addr *FullAddress) (int, *Error)

	// Write writes data to the endpoint's peer. Only stream endpoints may
	// perform a partial write, and only when writing more would block.
	// Datagram endpoints either write the whole message or fail.
	Write(p []byte, opts WriteOptions) (int, *Error)

	// Connect connects the endpoint to its peer. Specifying a NIC is
	// optional.
	//
	// There are three classes of return values:
	//	nil -- the attempt to connect succeeded.
	//	ErrConnectStarted/ErrAlreadyConnecting -- the connect attempt started
	//		but hasn't completed yet. The caller waits for EventOut and reads
	//		the result with GetSockOpt(*ErrorOption).
	//	Anything else -- the attempt to connect failed.
	Connect(address FullAddress) *Error

	// Shutdown closes the read and/or write end of the endpoint connection
	// to its peer.
	Shutdown(flags ShutdownFlags) *Error

	// Listen puts the endpoint in "listen" mode, which allows it to accept
	// new connections.
	Listen(backlog int) *Error

	// Accept returns a new endpoint if a peer has established a connection
	// to an endpoint previously set to listen mode. This method does not
	// block if no new connections are available.
	//
	// The returned Queue is the wait queue for the newly created endpoint.
	Accept(peerAddr *FullAddress) (Endpoint, *waiter.Queue, *Error)

	// Bind binds the endpoint to a specific local address and port.
	// Specifying a NIC is optional.
	Bind(address FullAddress) *Error

	// GetLocalAddress returns the address to which the endpoint is bound.
	GetLocalAddress() (FullAddress, *Error)

	// GetRemoteAddress returns the address to which the endpoint is
	// connected.
	GetRemoteAddress() (FullAddress, *Error)

	// Readiness returns the current readiness of the endpoint. For example,
	// if waiter.EventIn is set, the endpoint is immediately readable.
	Readiness(mask waiter.EventMask) waiter.EventMask

	// SetSockOpt sets a socket option. opt should be one of the *Option
	// types.
	SetSockOpt(opt interface{}) *Error

	// GetSockOpt gets a socket option. opt should be a pointer to one of the
	// *Option types.
	GetSockOpt(opt interface{}) *Error

	// State returns a protocol specific state number.
	State() uint32
}

// ErrorOption is used in GetSockOpt to retrieve and clear the last error
// latched on the endpoint. GetSockOpt returns the error itself.
type ErrorOption struct{}

// ReceiveBufferSizeOption is used by SetSockOpt/GetSockOpt to specify the
// receive buffer size option.
type ReceiveBufferSizeOption int

// SendBufferSizeOption is used by SetSockOpt/GetSockOpt to specify the send
// buffer size option.
type SendBufferSizeOption int

// ReceiveQueueSizeOption is used in GetSockOpt to specify that the number of
// unread bytes in the input buffer should be returned.
type ReceiveQueueSizeOption int

// SendQueueSizeOption is used in GetSockOpt to specify that the number of
// unsent or unacknowledged bytes in the output buffer should be returned.
// A pending FIN counts as one byte.
type SendQueueSizeOption int

// ReuseAddressOption is used by SetSockOpt/GetSockOpt to specify whether
// other sockets may bind to the same local address.
type ReuseAddressOption bool

// NoDelayOption is used by SetSockOpt/GetSockOpt to disable Nagle's
// algorithm.
type NoDelayOption bool

// ReceiveTimeoutOption bounds how long a blocking receive may wait. Zero
// means forever.
type ReceiveTimeoutOption time.Duration

// SendTimeoutOption bounds how long a blocking send may wait. Zero means
// forever.
type SendTimeoutOption time.Duration

// LingerOption controls what Close does with unsent data.
type LingerOption struct {
	Enabled bool
	Timeout time.Duration
}

// TTLOption is used by SetSockOpt/GetSockOpt to control the default TTL or
// hop limit value for unicast packets sent by this endpoint. Zero uses the
// stack default.
type TTLOption uint8

// TCPInfoOption is used by GetSockOpt to expose TCP statistics.
type TCPInfoOption struct {
	State              uint32
	RTT                time.Duration
	RTTVar             time.Duration
	RTO                time.Duration
	CongestionWindow   int
	SlowStartThreshold int
	SendMSS            int
	ReceiveWindow      int
	SendWindow         int
	Retransmits        uint64
}
