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

package udp

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/ports"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/waiter"
)

type udpPacket struct {
	senderAddress tcpip.FullAddress
	data          []byte
	timestamp     time.Time
}

// EndpointState represents the state of a UDP endpoint.
type EndpointState uint32

// Endpoint states.
const (
	StateInitial EndpointState = iota
	StateBound
	StateConnected
	StateClosed
)

// String implements fmt.Stringer.String.
func (s EndpointState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateBound:
		return "BOUND"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("EndpointState(%d)", uint32(s))
}

// endpoint represents a UDP endpoint. This struct serves as the interface
// between users of the endpoint and the protocol implementation; it is legal to
// have concurrent goroutines make calls into the endpoint, they are properly
// synchronized.
//
// It implements tcpip.Endpoint.
type endpoint struct {
	// The following fields are initialized at creation time and do not
	// change throughout the lifetime of the endpoint.
	stack       *stack.Stack
	netProto    tcpip.NetworkProtocolNumber
	waiterQueue *waiter.Queue

	// The following fields are used to manage the receive queue, and are
	// protected by rcvMu.
	rcvMu         sync.Mutex
	rcvReady      bool
	rcvList       []*udpPacket
	rcvBufSizeMax int
	rcvBufSize    int
	rcvClosed     bool

	// The following fields are protected by the mu mutex.
	mu         sync.RWMutex
	sndBufSize int
	state      EndpointState
	id         stack.TransportEndpointID
	route      *stack.Route
	ttl        uint8
	reuseAddr  bool

	// bindNIC and bindAddr are what Bind asked for. The port is reserved
	// on bindAddr with portFlags.
	bindNIC   tcpip.NICID
	bindAddr  netip.Addr
	portFlags ports.Flags
	ownsPort  bool

	// regID is the identifier the endpoint is registered under with the
	// demuxer, when registered is set.
	regID      stack.TransportEndpointID
	registered bool

	// lastError is set by ICMP errors for a connected endpoint and
	// reported once, by the next Read, Write or GetSockOpt(ErrorOption).
	lastError *tcpip.Error

	// shutdownFlags represent the current shutdown state of the endpoint.
	shutdownFlags tcpip.ShutdownFlags
}

func newEndpoint(p *protocol, netProto tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) *endpoint {
	opts := p.options()
	return &endpoint{
		stack:         p.stack,
		netProto:      netProto,
		waiterQueue:   waiterQueue,
		rcvBufSizeMax: opts.ReceiveBufferSize,
		sndBufSize:    opts.SendBufferSize,
		state:         StateInitial,
	}
}

func (e *endpoint) netProtos() []tcpip.NetworkProtocolNumber {
	return []tcpip.NetworkProtocolNumber{e.netProto}
}

// normalize validates addr for the endpoint's network protocol. The
// unspecified address becomes the zero netip.Addr.
func (e *endpoint) normalize(addr netip.Addr) (netip.Addr, *tcpip.Error) {
	if !addr.IsValid() {
		return addr, nil
	}
	if e.netProto == header.IPv4ProtocolNumber {
		addr = addr.Unmap()
	}
	if tcpip.NetworkProtocolFor(addr) != e.netProto {
		return netip.Addr{}, tcpip.ErrBadAddress
	}
	if addr.IsUnspecified() {
		return netip.Addr{}, nil
	}
	return addr, nil
}

// Close puts the endpoint in a closed state and frees all resources
// associated with it.
func (e *endpoint) Close() {
	e.mu.Lock()
	e.shutdownFlags = tcpip.ShutdownRead | tcpip.ShutdownWrite
	e.unregisterLocked()
	e.releasePortLocked()
	e.route = nil
	e.state = StateClosed

	// Close the receive list and drain it.
	e.rcvMu.Lock()
	e.rcvClosed = true
	e.rcvBufSize = 0
	e.rcvList = nil
	e.rcvMu.Unlock()
	e.mu.Unlock()

	e.waiterQueue.Notify(waiter.EventHUp | waiter.EventErr | waiter.EventIn | waiter.EventOut)
}

// Abort implements tcpip.Endpoint.Abort. Datagram endpoints have no
// connection to reset.
func (e *endpoint) Abort() {
	e.Close()
}

func (e *endpoint) unregisterLocked() {
	if e.registered {
		e.stack.UnregisterTransportEndpoint(e.netProtos(), ProtocolNumber, e.regID, e)
		e.registered = false
	}
}

func (e *endpoint) releasePortLocked() {
	if e.ownsPort {
		e.stack.PortManager().ReleasePort(e.netProtos(), ProtocolNumber, e.bindAddr, e.id.LocalPort, e.portFlags)
		e.ownsPort = false
	}
}

// takeError returns and clears the pending ICMP error.
func (e *endpoint) takeError() *tcpip.Error {
	e.rcvMu.Lock()
	defer e.rcvMu.Unlock()
	err := e.lastError
	e.lastError = nil
	return err
}

// Read reads one datagram from the endpoint. A datagram larger than dst is
// truncated; the rest of it is discarded. This method does not block if
// there is no data pending.
func (e *endpoint) Read(dst []byte, addr *tcpip.FullAddress) (int, *tcpip.Error) {
	if err := e.takeError(); err != nil {
		return 0, err
	}

	e.rcvMu.Lock()
	if len(e.rcvList) == 0 {
		err := tcpip.ErrWouldBlock
		if e.rcvClosed {
			err = tcpip.ErrClosedForReceive
		}
		e.rcvMu.Unlock()
		return 0, err
	}

	p := e.rcvList[0]
	e.rcvList[0] = nil
	e.rcvList = e.rcvList[1:]
	e.rcvBufSize -= len(p.data)
	e.rcvMu.Unlock()

	if addr != nil {
		*addr = p.senderAddress
	}
	return copy(dst, p.data), nil
}

// bindLocked reserves addr's port and registers the endpoint to receive
// datagrams sent to it.
func (e *endpoint) bindLocked(addr tcpip.FullAddress) *tcpip.Error {
	if e.state != StateInitial {
		return tcpip.ErrInvalidEndpointState
	}
	a, err := e.normalize(addr.Addr)
	if err != nil {
		return err
	}
	nic := addr.NIC
	if a.IsValid() {
		nic = e.stack.CheckLocalAddress(addr.NIC, a)
		if nic == 0 {
			return tcpip.ErrBadLocalAddress
		}
	}
	flags := ports.Flags{Reuse: e.reuseAddr}
	port, err := e.stack.PortManager().ReservePort(e.netProtos(), ProtocolNumber, a, addr.Port, flags)
	if err != nil {
		return err
	}
	id := stack.TransportEndpointID{LocalAddress: a, LocalPort: port}
	if err := e.stack.RegisterTransportEndpoint(e.netProtos(), ProtocolNumber, id, e, flags.Reuse); err != nil {
		e.stack.PortManager().ReleasePort(e.netProtos(), ProtocolNumber, a, port, flags)
		return err
	}
	e.ownsPort = true
	e.portFlags = flags
	e.bindNIC = addr.NIC
	e.bindAddr = a
	e.id = id
	e.regID = id
	e.registered = true
	e.state = StateBound

	e.rcvMu.Lock()
	e.rcvReady = true
	e.rcvMu.Unlock()
	return nil
}

// Bind binds the endpoint to a specific local address and port.
// Specifying a NIC is optional.
func (e *endpoint) Bind(addr tcpip.FullAddress) *tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateBound || e.state == StateConnected {
		return tcpip.ErrAlreadyBound
	}
	return e.bindLocked(addr)
}

// routeTo finds the route for a datagram sent to addr.
func (e *endpoint) routeTo(addr tcpip.FullAddress) (*stack.Route, *tcpip.Error) {
	remote, err := e.normalize(addr.Addr)
	if err != nil {
		return nil, err
	}
	if !remote.IsValid() {
		return nil, tcpip.ErrBadAddress
	}
	nic := e.bindNIC
	if addr.NIC != 0 {
		if nic != 0 && nic != addr.NIC {
			return nil, tcpip.ErrNoRoute
		}
		nic = addr.NIC
	}
	return e.stack.FindRoute(nic, e.bindAddr, remote, e.netProto)
}

// Write sends p as one datagram to the endpoint's peer, or to opts.To. An
// unbound endpoint is bound to an ephemeral port first. This method does not
// block if the data cannot be written.
func (e *endpoint) Write(p []byte, opts tcpip.WriteOptions) (int, *tcpip.Error) {
	if opts.More {
		return 0, tcpip.ErrInvalidOptionValue
	}
	if err := e.takeError(); err != nil {
		return 0, err
	}
	if len(p) > maxPayload {
		return 0, tcpip.ErrMessageTooLong
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// If we've shutdown with SHUT_WR we are in an invalid state for sending.
	if e.shutdownFlags&tcpip.ShutdownWrite != 0 {
		return 0, tcpip.ErrClosedForSend
	}

	switch e.state {
	case StateInitial:
		if opts.To == nil {
			return 0, tcpip.ErrDestinationRequired
		}
		if err := e.bindLocked(tcpip.FullAddress{}); err != nil {
			return 0, err
		}
	case StateBound:
		if opts.To == nil {
			return 0, tcpip.ErrDestinationRequired
		}
	case StateConnected:
	default:
		return 0, tcpip.ErrInvalidEndpointState
	}

	r := e.route
	dstPort := e.id.RemotePort
	if opts.To != nil {
		if opts.To.Port == 0 {
			return 0, tcpip.ErrBadAddress
		}
		var err *tcpip.Error
		r, err = e.routeTo(*opts.To)
		if err != nil {
			return 0, err
		}
		dstPort = opts.To.Port
	}

	if err := sendUDP(r, p, e.id.LocalPort, dstPort, e.ttl); err != nil {
		return 0, err
	}
	return len(p), nil
}

func sendUDP(r *stack.Route, data []byte, localPort, remotePort uint16, ttl uint8) *tcpip.Error {
	pkt := buffer.NewPacketBuffer(header.UDPMinimumSize+int(r.MaxHeaderLength()), data)
	length := uint16(header.UDPMinimumSize + len(data))
	header.UDP(pkt.PushTransportHeader(header.UDPMinimumSize)).Encode(&header.UDPFields{
		SrcPort: localPort,
		DstPort: remotePort,
		Length:  length,
	})
	header.UDP(pkt.Data()).CalculateChecksum(r.LocalAddress, r.RemoteAddress)

	if ttl == 0 {
		ttl = r.DefaultTTL()
	}
	stats := r.Stats().UDP
	if err := r.WritePacket(stack.NetworkHeaderParams{Protocol: ProtocolNumber, TTL: ttl}, pkt); err != nil {
		stats.PacketSendErrors.Increment()
		return err
	}
	stats.PacketsSent.Increment()
	return nil
}

// Connect sets the default destination of the endpoint and restricts the
// datagrams it receives to those sent from that address. Connecting to an
// address without a port and with the zero address dissolves the
// association.
func (e *endpoint) Connect(addr tcpip.FullAddress) *tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !addr.Addr.IsValid() && addr.Port == 0 {
		return e.disconnectLocked()
	}
	if addr.Port == 0 {
		return tcpip.ErrBadAddress
	}
	switch e.state {
	case StateInitial, StateBound, StateConnected:
	default:
		return tcpip.ErrInvalidEndpointState
	}

	r, err := e.routeTo(addr)
	if err != nil {
		return err
	}

	if e.state == StateInitial {
		flags := ports.Flags{Reuse: e.reuseAddr}
		port, err := e.stack.PortManager().ReservePort(e.netProtos(), ProtocolNumber, netip.Addr{}, 0, flags)
		if err != nil {
			return err
		}
		e.ownsPort = true
		e.portFlags = flags
		e.bindAddr = netip.Addr{}
		e.id.LocalPort = port
	}

	// The registration carries the route's source address so that the
	// demuxer's exact match finds the endpoint.
	id := stack.TransportEndpointID{
		LocalAddress:  r.LocalAddress,
		LocalPort:     e.id.LocalPort,
		RemoteAddress: r.RemoteAddress,
		RemotePort:    addr.Port,
	}
	e.unregisterLocked()
	if err := e.stack.RegisterTransportEndpoint(e.netProtos(), ProtocolNumber, id, e, e.portFlags.Reuse); err != nil {
		if e.state == StateInitial {
			e.releasePortLocked()
		} else {
			e.registerBoundLocked()
		}
		return err
	}
	e.id = id
	e.regID = id
	e.registered = true
	e.route = r
	e.state = StateConnected

	e.rcvMu.Lock()
	e.rcvReady = true
	e.lastError = nil
	e.rcvMu.Unlock()
	return nil
}

// registerBoundLocked registers the endpoint for its bound address and port.
func (e *endpoint) registerBoundLocked() {
	id := stack.TransportEndpointID{LocalAddress: e.bindAddr, LocalPort: e.id.LocalPort}
	if err := e.stack.RegisterTransportEndpoint(e.netProtos(), ProtocolNumber, id, e, e.portFlags.Reuse); err == nil {
		e.regID = id
		e.registered = true
	}
}

func (e *endpoint) disconnectLocked() *tcpip.Error {
	if e.state != StateConnected {
		return nil
	}
	e.unregisterLocked()
	e.registerBoundLocked()
	e.id = stack.TransportEndpointID{LocalAddress: e.bindAddr, LocalPort: e.id.LocalPort}
	e.route = nil
	e.state = StateBound
	return nil
}

// Shutdown closes the read and/or write end of the endpoint.
func (e *endpoint) Shutdown(flags tcpip.ShutdownFlags) *tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateConnected {
		return tcpip.ErrNotConnected
	}

	e.shutdownFlags |= flags

	if flags&tcpip.ShutdownRead != 0 {
		e.rcvMu.Lock()
		wasClosed := e.rcvClosed
		e.rcvClosed = true
		e.rcvMu.Unlock()

		if !wasClosed {
			e.waiterQueue.Notify(waiter.EventIn)
		}
	}
	return nil
}

// Listen is not supported by UDP, it just fails.
func (*endpoint) Listen(int) *tcpip.Error {
	return tcpip.ErrNotSupported
}

// Accept is not supported by UDP, it just fails.
func (*endpoint) Accept(*tcpip.FullAddress) (tcpip.Endpoint, *waiter.Queue, *tcpip.Error) {
	return nil, nil, tcpip.ErrNotSupported
}

// GetLocalAddress returns the address to which the endpoint is bound.
func (e *endpoint) GetLocalAddress() (tcpip.FullAddress, *tcpip.Error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	nic := e.bindNIC
	if e.route != nil {
		nic = e.route.NICID()
	}
	return tcpip.FullAddress{
		NIC:  nic,
		Addr: e.id.LocalAddress,
		Port: e.id.LocalPort,
	}, nil
}

// GetRemoteAddress returns the address to which the endpoint is connected.
func (e *endpoint) GetRemoteAddress() (tcpip.FullAddress, *tcpip.Error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state != StateConnected {
		return tcpip.FullAddress{}, tcpip.ErrNotConnected
	}
	return tcpip.FullAddress{
		NIC:  e.route.NICID(),
		Addr: e.id.RemoteAddress,
		Port: e.id.RemotePort,
	}, nil
}

// Readiness returns the current readiness of the endpoint. For example, if
// waiter.EventIn is set, the endpoint is immediately readable.
func (e *endpoint) Readiness(mask waiter.EventMask) waiter.EventMask {
	// The endpoint is always writable.
	result := waiter.EventOut & mask

	e.rcvMu.Lock()
	if mask&waiter.EventIn != 0 && (len(e.rcvList) != 0 || e.rcvClosed) {
		result |= waiter.EventIn
	}
	if mask&waiter.EventErr != 0 && e.lastError != nil {
		result |= waiter.EventErr
	}
	e.rcvMu.Unlock()
	return result
}

func clampBufferSize(v int) int {
	return min(max(v, MinBufferSize), MaxBufferSize)
}

// SetSockOpt sets a socket option.
func (e *endpoint) SetSockOpt(opt interface{}) *tcpip.Error {
	switch v := opt.(type) {
	case tcpip.ReceiveBufferSizeOption:
		e.rcvMu.Lock()
		e.rcvBufSizeMax = clampBufferSize(int(v))
		e.rcvMu.Unlock()

	case tcpip.SendBufferSizeOption:
		e.mu.Lock()
		e.sndBufSize = clampBufferSize(int(v))
		e.mu.Unlock()

	case tcpip.ReuseAddressOption:
		e.mu.Lock()
		e.reuseAddr = bool(v)
		e.mu.Unlock()

	case tcpip.TTLOption:
		e.mu.Lock()
		e.ttl = uint8(v)
		e.mu.Unlock()

	default:
		return tcpip.ErrUnknownProtocolOption
	}
	return nil
}

// GetSockOpt gets a socket option.
func (e *endpoint) GetSockOpt(opt interface{}) *tcpip.Error {
	switch o := opt.(type) {
	case tcpip.ErrorOption:
		return e.takeError()

	case *tcpip.ReceiveBufferSizeOption:
		e.rcvMu.Lock()
		*o = tcpip.ReceiveBufferSizeOption(e.rcvBufSizeMax)
		e.rcvMu.Unlock()

	case *tcpip.SendBufferSizeOption:
		e.mu.RLock()
		*o = tcpip.SendBufferSizeOption(e.sndBufSize)
		e.mu.RUnlock()

	case *tcpip.ReceiveQueueSizeOption:
		// The size of the next datagram, as FIONREAD reports it.
		e.rcvMu.Lock()
		v := 0
		if len(e.rcvList) != 0 {
			v = len(e.rcvList[0].data)
		}
		e.rcvMu.Unlock()
		*o = tcpip.ReceiveQueueSizeOption(v)

	case *tcpip.ReuseAddressOption:
		e.mu.RLock()
		*o = tcpip.ReuseAddressOption(e.reuseAddr)
		e.mu.RUnlock()

	case *tcpip.TTLOption:
		e.mu.RLock()
		*o = tcpip.TTLOption(e.ttl)
		e.mu.RUnlock()

	default:
		return tcpip.ErrUnknownProtocolOption
	}
	return nil
}

// HandlePacket is called by the stack when new packets arrive to this transport
// endpoint.
func (e *endpoint) HandlePacket(id stack.TransportEndpointID, pkt *buffer.PacketBuffer) {
	stats := e.stack.Stats().UDP
	hdr := header.UDP(pkt.Data())
	if !hdr.IsValid() {
		stats.MalformedPacketsReceived.Increment()
		pkt.Release()
		return
	}
	// Bytes past the UDP length are link padding.
	pkt.CapLength(int(hdr.Length()))
	hdr = header.UDP(pkt.Data())
	if !hdr.IsChecksumValid(pkt.Src, pkt.Dst) {
		stats.ChecksumErrors.Increment()
		pkt.Release()
		return
	}
	nic := pkt.NICID
	payload := append([]byte(nil), hdr.Payload()...)
	pkt.Release()

	e.rcvMu.Lock()
	stats.PacketsReceived.Increment()

	// Drop the packet if our buffer is currently full.
	if !e.rcvReady || e.rcvClosed || e.rcvBufSize >= e.rcvBufSizeMax {
		e.rcvMu.Unlock()
		stats.ReceiveBufferErrors.Increment()
		return
	}

	wasEmpty := len(e.rcvList) == 0
	e.rcvList = append(e.rcvList, &udpPacket{
		senderAddress: tcpip.FullAddress{
			NIC:  nic,
			Addr: id.RemoteAddress,
			Port: id.RemotePort,
		},
		data:      payload,
		timestamp: e.stack.Clock().Now(),
	})
	e.rcvBufSize += len(payload)
	e.rcvMu.Unlock()

	// Notify any waiters that there's data to be read now.
	if wasEmpty {
		e.waiterQueue.Notify(waiter.EventIn)
	}
}

// HandleError implements stack.TransportEndpoint.HandleError. Only a
// connected endpoint hears about errors: without a peer there is nobody the
// error could be attributed to.
func (e *endpoint) HandleError(typ stack.ControlType, extra uint32) {
	var err *tcpip.Error
	switch typ {
	case stack.ControlPortUnreachable:
		err = tcpip.ErrConnectionRefused
	case stack.ControlNetworkUnreachable:
		err = tcpip.ErrNetworkUnreachable
	case stack.ControlHostUnreachable:
		err = tcpip.ErrHostUnreachable
	default:
		return
	}
	e.mu.RLock()
	connected := e.state == StateConnected
	e.mu.RUnlock()
	if !connected {
		return
	}
	e.rcvMu.Lock()
	e.lastError = err
	e.rcvMu.Unlock()
	e.waiterQueue.Notify(waiter.EventErr | waiter.EventIn | waiter.EventOut)
}

// State implements tcpip.Endpoint.State.
func (e *endpoint) State() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint32(e.state)
}
