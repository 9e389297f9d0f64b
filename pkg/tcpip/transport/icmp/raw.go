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
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/waiter"
)

// rawEndpoint receives a copy of every ICMP message of its version that
// reaches the stack, whether or not another endpoint claims it. Read returns
// the ICMP message without the IP header. Write sends the ICMP message given
// by the caller unchanged except for the checksum.
type rawEndpoint struct {
	protocol    *protocol
	stack       *stack.Stack
	waiterQueue *waiter.Queue

	rcv rcvQueue

	mu sync.RWMutex
	// bindAddr, when set, restricts delivery to messages sent to it.
	bindNIC  tcpip.NICID
	bindAddr netip.Addr
	// remote, when set, is the default destination and restricts delivery
	// to messages sent by it.
	remote        tcpip.FullAddress
	route         *stack.Route
	connected     bool
	closed        bool
	ttl           uint8
	sndBufSize    int
	shutdownFlags tcpip.ShutdownFlags
}

func newRawEndpoint(p *protocol, waiterQueue *waiter.Queue) (*rawEndpoint, *tcpip.Error) {
	e := &rawEndpoint{
		protocol:    p,
		stack:       p.stack,
		waiterQueue: waiterQueue,
		sndBufSize:  DefaultBufferSize,
	}
	e.rcv.sizeMax = DefaultBufferSize
	if err := p.stack.RegisterRawTransportEndpoint(p.netProto, p.number, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Close implements tcpip.Endpoint.Close.
func (e *rawEndpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.route = nil
	e.shutdownFlags = tcpip.ShutdownRead | tcpip.ShutdownWrite
	e.mu.Unlock()

	e.stack.UnregisterRawTransportEndpoint(e.protocol.netProto, e.protocol.number, e)
	e.rcv.close()
	e.waiterQueue.Notify(waiter.EventHUp | waiter.EventErr | waiter.EventIn | waiter.EventOut)
}

// Abort implements tcpip.Endpoint.Abort.
func (e *rawEndpoint) Abort() {
	e.Close()
}

// Read implements tcpip.Endpoint.Read.
func (e *rawEndpoint) Read(dst []byte, addr *tcpip.FullAddress) (int, *tcpip.Error) {
	return e.rcv.read(dst, addr)
}

// Bind implements tcpip.Endpoint.Bind. Only the address is used.
func (e *rawEndpoint) Bind(addr tcpip.FullAddress) *tcpip.Error {
	a, err := normalize(e.protocol.netProto, addr.Addr)
	if err != nil {
		return err
	}
	if a.IsValid() && e.stack.CheckLocalAddress(addr.NIC, a) == 0 {
		return tcpip.ErrBadLocalAddress
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return tcpip.ErrInvalidEndpointState
	}
	e.bindNIC = addr.NIC
	e.bindAddr = a
	return nil
}

func (e *rawEndpoint) findRouteLocked(addr tcpip.FullAddress) (*stack.Route, *tcpip.Error) {
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

// Connect implements tcpip.Endpoint.Connect.
func (e *rawEndpoint) Connect(addr tcpip.FullAddress) *tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return tcpip.ErrInvalidEndpointState
	}
	r, err := e.findRouteLocked(addr)
	if err != nil {
		return err
	}
	e.route = r
	e.remote = tcpip.FullAddress{NIC: r.NICID(), Addr: r.RemoteAddress}
	e.connected = true
	return nil
}

// Write implements tcpip.Endpoint.Write.
func (e *rawEndpoint) Write(p []byte, opts tcpip.WriteOptions) (int, *tcpip.Error) {
	minSize := header.ICMPv4MinimumSize
	if e.protocol.number == ProtocolNumber6 {
		minSize = header.ICMPv6MinimumSize
	}
	if len(p) < minSize {
		return 0, tcpip.ErrInvalidOptionValue
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed || e.shutdownFlags&tcpip.ShutdownWrite != 0 {
		return 0, tcpip.ErrClosedForSend
	}
	r := e.route
	if opts.To != nil {
		var err *tcpip.Error
		if r, err = e.findRouteLocked(*opts.To); err != nil {
			return 0, err
		}
	} else if !e.connected {
		return 0, tcpip.ErrDestinationRequired
	}
	if err := e.protocol.send(r, append([]byte(nil), p...), e.ttl); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Shutdown implements tcpip.Endpoint.Shutdown.
func (e *rawEndpoint) Shutdown(flags tcpip.ShutdownFlags) *tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return tcpip.ErrNotConnected
	}
	e.shutdownFlags |= flags
	if flags&tcpip.ShutdownRead != 0 && e.rcv.close() {
		e.waiterQueue.Notify(waiter.EventIn)
	}
	return nil
}

// Listen is not supported by raw endpoints.
func (*rawEndpoint) Listen(int) *tcpip.Error {
	return tcpip.ErrNotSupported
}

// Accept is not supported by raw endpoints.
func (*rawEndpoint) Accept(*tcpip.FullAddress) (tcpip.Endpoint, *waiter.Queue, *tcpip.Error) {
	return nil, nil, tcpip.ErrNotSupported
}

// GetLocalAddress implements tcpip.Endpoint.GetLocalAddress.
func (e *rawEndpoint) GetLocalAddress() (tcpip.FullAddress, *tcpip.Error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return tcpip.FullAddress{NIC: e.bindNIC, Addr: e.bindAddr}, nil
}

// GetRemoteAddress implements tcpip.Endpoint.GetRemoteAddress.
func (e *rawEndpoint) GetRemoteAddress() (tcpip.FullAddress, *tcpip.Error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.connected {
		return tcpip.FullAddress{}, tcpip.ErrNotConnected
	}
	return e.remote, nil
}

// Readiness implements tcpip.Endpoint.Readiness.
func (e *rawEndpoint) Readiness(mask waiter.EventMask) waiter.EventMask {
	return waiter.EventOut&mask | e.rcv.readiness(mask)
}

// SetSockOpt implements tcpip.Endpoint.SetSockOpt.
func (e *rawEndpoint) SetSockOpt(opt interface{}) *tcpip.Error {
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
func (e *rawEndpoint) GetSockOpt(opt interface{}) *tcpip.Error {
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

// transportOffset returns where the ICMP message starts in the datagram b.
// The only IPv6 extension header that survives to delivery is the header
// of an atomic fragment.
func transportOffset(netProto tcpip.NetworkProtocolNumber, b []byte) int {
	if netProto == header.IPv4ProtocolNumber {
		return int(header.IPv4(b).HeaderLength())
	}
	off := header.IPv6MinimumSize
	if header.IPv6(b).NextHeader() == header.IPv6FragmentHeader {
		off += header.IPv6FragmentHeaderSize
	}
	return off
}

// HandlePacket implements stack.RawTransportEndpoint.HandlePacket. pkt holds
// the whole datagram.
func (e *rawEndpoint) HandlePacket(pkt *buffer.PacketBuffer) {
	defer pkt.Release()

	e.mu.RLock()
	bindAddr, bindNIC := e.bindAddr, e.bindNIC
	remote, connected := e.remote.Addr, e.connected
	e.mu.RUnlock()

	switch {
	case bindNIC != 0 && pkt.NICID != bindNIC:
		return
	case bindAddr.IsValid() && pkt.Dst != bindAddr:
		return
	case connected && pkt.Src != remote:
		return
	}

	b := pkt.Data()
	off := transportOffset(e.protocol.netProto, b)
	if off > len(b) {
		return
	}
	msg := append([]byte(nil), b[off:]...)
	from := tcpip.FullAddress{NIC: pkt.NICID, Addr: pkt.Src}
	if queued, wasEmpty := e.rcv.push(from, msg); !queued {
		e.stack.Stats().DroppedPackets.Increment()
	} else if wasEmpty {
		e.waiterQueue.Notify(waiter.EventIn)
	}
}

// State implements tcpip.Endpoint.State.
func (e *rawEndpoint) State() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case e.closed:
		return uint32(StateClosed)
	case e.connected:
		return uint32(StateConnected)
	case e.bindAddr.IsValid():
		return uint32(StateBound)
	}
	return uint32(StateInitial)
}
