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

package icmp

import (
	"net/netip"
	"sync"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/ports"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/waiter"
)

type icmpPacket struct {
	senderAddress tcpip.FullAddress
	data          []byte
}

// rcvQueue is the receive side shared by ping and raw endpoints. A message
// is queued while the queued bytes stay below the limit.
type rcvQueue struct {
	mu      sync.Mutex
	list    []*icmpPacket
	size    int
	sizeMax int
	closed  bool
	// lastError is reported once by the next Read, Write or
	// GetSockOpt(ErrorOption).
	lastError *tcpip.Error
}

// push queues data and reports whether the queue was empty before.
func (q *rcvQueue) push(from tcpip.FullAddress, data []byte) (queued, wasEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.size >= q.sizeMax {
		return false, false
	}
	wasEmpty = len(q.list) == 0
	q.list = append(q.list, &icmpPacket{senderAddress: from, data: data})
	q.size += len(data)
	return true, wasEmpty
}

func (q *rcvQueue) read(dst []byte, addr *tcpip.FullAddress) (int, *tcpip.Error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.lastError; err != nil {
		q.lastError = nil
		return 0, err
	}
	if len(q.list) == 0 {
		if q.closed {
			return 0, tcpip.ErrClosedForReceive
		}
		return 0, tcpip.ErrWouldBlock
	}
	p := q.list[0]
	q.list[0] = nil
	q.list = q.list[1:]
	q.size -= len(p.data)
	if addr != nil {
		*addr = p.senderAddress
	}
	return copy(dst, p.data), nil
}

func (q *rcvQueue) takeError() *tcpip.Error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.lastError
	q.lastError = nil
	return err
}

func (q *rcvQueue) setError(err *tcpip.Error) {
	q.mu.Lock()
	q.lastError = err
	q.mu.Unlock()
}

// close drains the queue and reports whether it was open.
func (q *rcvQueue) close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	was := !q.closed
	q.closed = true
	q.list = nil
	q.size = 0
	return was
}

func (q *rcvQueue) readiness(mask waiter.EventMask) waiter.EventMask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var result waiter.EventMask
	if mask&waiter.EventIn != 0 && (len(q.list) != 0 || q.closed) {
		result |= waiter.EventIn
	}
	if mask&waiter.EventErr != 0 && q.lastError != nil {
		result |= waiter.EventErr
	}
	return result
}

func (q *rcvQueue) getSockOpt(opt interface{}) (bool, *tcpip.Error) {
	switch o := opt.(type) {
	case tcpip.ErrorOption:
		return true, q.takeError()
	case *tcpip.ReceiveBufferSizeOption:
		q.mu.Lock()
		*o = tcpip.ReceiveBufferSizeOption(q.sizeMax)
		q.mu.Unlock()
		return true, nil
	case *tcpip.ReceiveQueueSizeOption:
		q.mu.Lock()
		v := 0
		if len(q.list) != 0 {
			v = len(q.list[0].data)
		}
		q.mu.Unlock()
		*o = tcpip.ReceiveQueueSizeOption(v)
		return true, nil
	}
	return false, nil
}

func clampBufferSize(v int) int {
	return min(max(v, minBufferSize), maxBufferSize)
}

// EndpointState represents the state of an ICMP endpoint.
type EndpointState uint32

// Endpoint states.
const (
	StateInitial EndpointState = iota
	StateBound
	StateConnected
	StateClosed
)

// endpoint is a ping endpoint. Its local port is the echo identifier: Write
// takes an echo request, header included, and stamps the identifier and
// checksum on it; Read returns the echo replies carrying the identifier.
type endpoint struct {
	protocol    *protocol
	stack       *stack.Stack
	waiterQueue *waiter.Queue

	rcv rcvQueue

	mu            sync.RWMutex
	state         EndpointState
	id            stack.TransportEndpointID
	route         *stack.Route
	bindNIC       tcpip.NICID
	bindAddr      netip.Addr
	registered    bool
	ownsIdent     bool
	sndBufSize    int
	ttl           uint8
	shutdownFlags tcpip.ShutdownFlags
}

func newEndpoint(p *protocol, waiterQueue *waiter.Queue) *endpoint {
	e := &endpoint{
		protocol:    p,
		stack:       p.stack,
		waiterQueue: waiterQueue,
		sndBufSize:  DefaultBufferSize,
	}
	e.rcv.sizeMax = DefaultBufferSize
	return e
}

func (e *endpoint) netProtos() []tcpip.NetworkProtocolNumber {
	return []tcpip.NetworkProtocolNumber{e.protocol.netProto}
}

// Close implements tcpip.Endpoint.Close.
func (e *endpoint) Close() {
	e.mu.Lock()
	e.shutdownFlags = tcpip.ShutdownRead | tcpip.ShutdownWrite
	e.unregisterLocked()
	if e.ownsIdent {
		e.stack.PortManager().ReleasePort(e.netProtos(), e.protocol.number, e.bindAddr, e.id.LocalPort, ports.Flags{})
		e.ownsIdent = false
	}
	e.route = nil
	e.state = StateClosed
	e.mu.Unlock()

	e.rcv.close()
	e.waiterQueue.Notify(waiter.EventHUp | waiter.EventErr | waiter.EventIn | waiter.EventOut)
}

// Abort implements tcpip.Endpoint.Abort.
func (e *endpoint) Abort() {
	e.Close()
}

func (e *endpoint) unregisterLocked() {
	if e.registered {
		e.stack.UnregisterTransportEndpoint(e.netProtos(), e.protocol.number, e.id, e)
		e.registered = false
	}
}

// Read implements tcpip.Endpoint.Read. Each call returns one ICMP message.
func (e *endpoint) Read(dst []byte, addr *tcpip.FullAddress) (int, *tcpip.Error) {
	return e.rcv.read(dst, addr)
}

func normalize(netProto tcpip.NetworkProtocolNumber, addr netip.Addr) (netip.Addr, *tcpip.Error) {
	if !addr.IsValid() {
		return addr, nil
	}
	if netProto == header.IPv4ProtocolNumber {
		addr = addr.Unmap()
	}
	if tcpip.NetworkProtocolFor(addr) != netProto {
		return netip.Addr{}, tcpip.ErrBadAddress
	}
	if addr.IsUnspecified() {
		return netip.Addr{}, nil
	}
	return addr, nil
}

// bindLocked reserves the identifier addr.Port, or an ephemeral one, and
// registers for the replies carrying it.
func (e *endpoint) bindLocked(addr tcpip.FullAddress) *tcpip.Error {
	if e.state != StateInitial {
		return tcpip.ErrAlreadyBound
	}
	a, err := normalize(e.protocol.netProto, addr.Addr)
	if err != nil {
		return err
	}
	if a.IsValid() && e.stack.CheckLocalAddress(addr.NIC, a) == 0 {
		return tcpip.ErrBadLocalAddress
	}
	ident, err := e.stack.PortManager().ReservePort(e.netProtos(), e.protocol.number, a, addr.Port, ports.Flags{})
	if err != nil {
		return err
	}
	id := stack.TransportEndpointID{LocalAddress: a, LocalPort: ident}
	if err := e.stack.RegisterTransportEndpoint(e.netProtos(), e.protocol.number, id, e, false); err != nil {
		e.stack.PortManager().ReleasePort(e.netProtos(), e.protocol.number, a, ident, ports.Flags{})
		return err
	}
	e.ownsIdent = true
	e.registered = true
	e.bindNIC = addr.NIC
	e.bindAddr = a
	e.id = id
	e.state = StateBound
	return nil
}

// Bind implements tcpip.Endpoint.Bind. The port is the echo identifier.
func (e *endpoint) Bind(addr tcpip.FullAddress) *tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bindLocked(addr)
}

func (e *endpoint) findRoute(addr tcpip.FullAddress) (*stack.Route, *tcpip.Error) {
	remote, err := normalize(e.protocol.netProto, addr.Addr)
	if err != nil {
		return nil, err
	}
	if !remote.IsValid() {
		return nil, tcpip.ErrBadAddress
	}
	nic := e.bindNIC
	if addr.NIC != 0 {
		nic = addr.NIC
	}
	return e.stack.FindRoute(nic, e.bindAddr, remote, e.protocol.netProto)
}

// Connect implements tcpip.Endpoint.Connect. The port of addr is ignored.
func (e *endpoint) Connect(addr tcpip.FullAddress) *tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateInitial:
		if err := e.bindLocked(tcpip.FullAddress{NIC: addr.NIC}); err != nil {
			return err
		}
	case StateBound, StateConnected:
	default:
		return tcpip.ErrInvalidEndpointState
	}

	r, err := e.findRoute(addr)
	if err != nil {
		return err
	}
	id := stack.TransportEndpointID{
		LocalAddress:  r.LocalAddress,
		LocalPort:     e.id.LocalPort,
		RemoteAddress: r.RemoteAddress,
		RemotePort:    e.id.LocalPort,
	}
	e.unregisterLocked()
	if err := e.stack.RegisterTransportEndpoint(e.netProtos(), e.protocol.number, id, e, false); err != nil {
		return err
	}
	e.registered = true
	e.id = id
	e.route = r
	e.state = StateConnected
	return nil
}

// Write implements tcpip.Endpoint.Write. p must be an echo request.
func (e *endpoint) Write(p []byte, opts tcpip.WriteOptions) (int, *tcpip.Error) {
	if err := e.rcv.takeError(); err != nil {
		return 0, err
	}
	if len(p) < e.protocol.echoSize() || !e.protocol.isEchoRequest(p) {
		return 0, tcpip.ErrInvalidOptionValue
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdownFlags&tcpip.ShutdownWrite != 0 {
		return 0, tcpip.ErrClosedForSend
	}
	if opts.To == nil && e.state != StateConnected {
		return 0, tcpip.ErrDestinationRequired
	}
	if e.state == StateInitial {
		if err := e.bindLocked(tcpip.FullAddress{}); err != nil {
			return 0, err
		}
	}
	if e.state == StateClosed {
		return 0, tcpip.ErrInvalidEndpointState
	}

	r := e.route
	if opts.To != nil {
		var err *tcpip.Error
		if r, err = e.findRoute(*opts.To); err != nil {
			return 0, err
		}
	}

	msg := append([]byte(nil), p...)
	if e.protocol.number == ProtocolNumber4 {
		header.ICMPv4(msg).SetIdent(e.id.LocalPort)
	} else {
		header.ICMPv6(msg).SetIdent(e.id.LocalPort)
	}
	if err := e.protocol.send(r, msg, e.ttl); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Shutdown implements tcpip.Endpoint.Shutdown.
func (e *endpoint) Shutdown(flags tcpip.ShutdownFlags) *tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected {
		return tcpip.ErrNotConnected
	}
	e.shutdownFlags |= flags
	if flags&tcpip.ShutdownRead != 0 && e.rcv.close() {
		e.waiterQueue.Notify(waiter.EventIn)
	}
	return nil
}

// Listen is not supported by ICMP.
func (*endpoint) Listen(int) *tcpip.Error {
	return tcpip.ErrNotSupported
}

// Accept is not supported by ICMP.
func (*endpoint) Accept(*tcpip.FullAddress) (tcpip.Endpoint, *waiter.Queue, *tcpip.Error) {
	return nil, nil, tcpip.ErrNotSupported
}

// GetLocalAddress implements tcpip.Endpoint.GetLocalAddress.
func (e *endpoint) GetLocalAddress() (tcpip.FullAddress, *tcpip.Error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return tcpip.FullAddress{NIC: e.bindNIC, Addr: e.id.LocalAddress, Port: e.id.LocalPort}, nil
}

// GetRemoteAddress implements tcpip.Endpoint.GetRemoteAddress.
func (e *endpoint) GetRemoteAddress() (tcpip.FullAddress, *tcpip.Error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateConnected {
		return tcpip.FullAddress{}, tcpip.ErrNotConnected
	}
	return tcpip.FullAddress{NIC: e.route.NICID(), Addr: e.id.RemoteAddress}, nil
}

// Readiness implements tcpip.Endpoint.Readiness.
func (e *endpoint) Readiness(mask waiter.EventMask) waiter.EventMask {
	return waiter.EventOut&mask | e.rcv.readiness(mask)
}

// SetSockOpt implements tcpip.Endpoint.SetSockOpt.
func (e *endpoint) SetSockOpt(opt interface{}) *tcpip.Error {
	switch v := opt.(type) {
	case tcpip.ReceiveBufferSizeOption:
		e.rcv.mu.Lock()
		e.rcv.sizeMax = clampBufferSize(int(v))
		e.rcv.mu.Unlock()
	case tcpip.SendBufferSizeOption:
		e.mu.Lock()
		e.sndBufSize = clampBufferSize(int(v))
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

// GetSockOpt implements tcpip.Endpoint.GetSockOpt.
func (e *endpoint) GetSockOpt(opt interface{}) *tcpip.Error {
	if ok, err := e.rcv.getSockOpt(opt); ok {
		return err
	}
	switch o := opt.(type) {
	case *tcpip.SendBufferSizeOption:
		e.mu.RLock()
		*o = tcpip.SendBufferSizeOption(e.sndBufSize)
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

// HandlePacket implements stack.TransportEndpoint.HandlePacket. Only echo
// replies are demultiplexed to ping endpoints.
func (e *endpoint) HandlePacket(id stack.TransportEndpointID, pkt *buffer.PacketBuffer) {
	msg := append([]byte(nil), pkt.Data()...)
	nic := pkt.NICID
	pkt.Release()

	from := tcpip.FullAddress{NIC: nic, Addr: id.RemoteAddress}
	if queued, wasEmpty := e.rcv.push(from, msg); !queued {
		e.stack.Stats().DroppedPackets.Increment()
	} else if wasEmpty {
		e.waiterQueue.Notify(waiter.EventIn)
	}
}

// HandleError implements stack.TransportEndpoint.HandleError. Errors are
// kept for connected endpoints only.
func (e *endpoint) HandleError(typ stack.ControlType, _ uint32) {
	var err *tcpip.Error
	switch typ {
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
	e.rcv.setError(err)
	e.waiterQueue.Notify(waiter.EventErr)
}

// State implements tcpip.Endpoint.State.
func (e *endpoint) State() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint32(e.state)
}
