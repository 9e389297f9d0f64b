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

package tcp

import (
	"net/netip"
	"sync"
	"time"

	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/ports"
	"netengine.dev/netengine/pkg/tcpip/seqnum"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/timer"
	"netengine.dev/netengine/pkg/waiter"
)

// endpoint represents a TCP endpoint. This struct serves as the interface
// between users of the endpoint and the protocol implementation; it is legal
// to have concurrent goroutines make calls into the endpoint, they are
// properly synchronized. Inbound segments are processed on the goroutine
// that delivers them, and timers on the stack's sweeper.
type endpoint struct {
	protocol    *protocol
	stack       *stack.Stack
	netProto    tcpip.NetworkProtocolNumber
	waiterQueue *waiter.Queue

	// mu protects all fields below, the sender and the receiver. Waiter
	// notifications raised while holding it are delivered by unlock.
	mu    sync.Mutex
	state EndpointState
	id    stack.TransportEndpointID
	route *stack.Route

	bindNIC   tcpip.NICID
	bindAddr  netip.Addr
	portFlags ports.Flags
	ownsPort  bool

	// regID is the identifier the endpoint is registered under with the
	// demuxer, when registered is set.
	regID      stack.TransportEndpointID
	registered bool

	// closed is set once the application called Close or Abort.
	closed        bool
	shutdownFlags tcpip.ShutdownFlags

	// lastError is reported, and cleared, by GetSockOpt(ErrorOption).
	// hardError is returned by every Read and Write once the connection
	// failed.
	lastError *tcpip.Error
	hardError *tcpip.Error

	rcvBuf     []byte
	rcvBufSize int
	sndBufSize int

	noDelay   bool
	reuseAddr bool
	ttl       uint8
	linger    tcpip.LingerOption

	// advertisedMSS is the MSS announced in our SYN.
	advertisedMSS int
	// sendWS is set when our SYN carries the window scale option.
	sendWS   bool
	rcvScale uint8

	snd *sender
	rcv *receiver

	timeWaitTimer *timer.Timer
	finWait2Timer *timer.Timer

	retransmits   uint64
	everConnected bool

	pendingEvents waiter.EventMask

	// backlog bounds the accept queue plus the connections still in
	// handshake. acceptMu protects the listener fields and is always the
	// innermost lock.
	acceptMu      sync.Mutex
	backlog       int
	acceptQueue   []*endpoint
	pendingAccept int
	acceptClosed  bool

	// listener is the listening endpoint that spawned e, until e is
	// accepted. awaitingAccept is set while e is counted in the
	// listener's pendingAccept.
	listener       *endpoint
	awaitingAccept bool
}

func newEndpoint(p *protocol, netProto tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) *endpoint {
	opts := p.options()
	e := &endpoint{
		protocol:    p,
		stack:       p.stack,
		netProto:    netProto,
		waiterQueue: waiterQueue,
		rcvBufSize:  opts.ReceiveBufferSize,
		sndBufSize:  opts.SendBufferSize,
		noDelay:     opts.NoDelay,
	}
	e.timeWaitTimer = e.stack.Timers().NewTimer(e.handleTimeWait)
	e.finWait2Timer = e.stack.Timers().NewTimer(e.handleFinWait2)
	return e
}

func (e *endpoint) now() time.Time {
	return e.stack.Clock().Now()
}

func (e *endpoint) stats() tcpip.Stats {
	return e.stack.Stats()
}

func (e *endpoint) netProtos() []tcpip.NetworkProtocolNumber {
	return []tcpip.NetworkProtocolNumber{e.netProto}
}

// notify queues waiter events to be delivered when mu is released.
func (e *endpoint) notify(mask waiter.EventMask) {
	e.pendingEvents |= mask
}

// unlock releases mu and delivers the queued waiter events.
func (e *endpoint) unlock() {
	ev := e.pendingEvents
	e.pendingEvents = 0
	e.mu.Unlock()
	if ev != 0 {
		e.waiterQueue.Notify(ev)
	}
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

// mssFor returns the MSS to advertise on r.
func mssFor(r *stack.Route) int {
	mss := int(r.MTU()) - header.TCPMinimumSize
	if mss < header.TCPMinimumMSS {
		return header.TCPDefaultMSS
	}
	return mss
}

// Bind binds the endpoint to a specific local address and port.
func (e *endpoint) Bind(addr tcpip.FullAddress) *tcpip.Error {
	e.mu.Lock()
	defer e.unlock()

	if e.closed || e.state != StateClosed {
		return tcpip.ErrInvalidEndpointState
	}
	if e.ownsPort {
		return tcpip.ErrAlreadyBound
	}
	a, err := e.normalize(addr.Addr)
	if err != nil {
		return err
	}
	if a.IsValid() && e.stack.CheckLocalAddress(addr.NIC, a) == 0 {
		return tcpip.ErrBadLocalAddress
	}
	flags := ports.Flags{Reuse: e.reuseAddr}
	port, err := e.stack.PortManager().ReservePort(e.netProtos(), ProtocolNumber, a, addr.Port, flags)
	if err != nil {
		return err
	}
	e.ownsPort = true
	e.portFlags = flags
	e.bindNIC = addr.NIC
	e.bindAddr = a
	e.id.LocalAddress = a
	e.id.LocalPort = port
	return nil
}

// Listen puts the endpoint in "listen" mode.
func (e *endpoint) Listen(backlog int) *tcpip.Error {
	e.mu.Lock()
	defer e.unlock()

	if backlog < 1 {
		backlog = 1
	}
	if e.closed {
		return tcpip.ErrInvalidEndpointState
	}
	if e.state == StateListen {
		e.acceptMu.Lock()
		e.backlog = backlog
		e.acceptMu.Unlock()
		return nil
	}
	if e.state != StateClosed {
		return tcpip.ErrInvalidEndpointState
	}
	if !e.protocol.track(e) {
		return tcpip.ErrInvalidEndpointState
	}
	if !e.ownsPort {
		port, err := e.stack.PortManager().ReservePort(e.netProtos(), ProtocolNumber, e.bindAddr, 0, ports.Flags{})
		if err != nil {
			return err
		}
		e.ownsPort = true
		e.portFlags = ports.Flags{}
		e.id.LocalPort = port
	}
	id := stack.TransportEndpointID{LocalAddress: e.bindAddr, LocalPort: e.id.LocalPort}
	if err := e.stack.RegisterTransportEndpoint(e.netProtos(), ProtocolNumber, id, e, false); err != nil {
		return err
	}
	e.regID = id
	e.registered = true

	e.acceptMu.Lock()
	e.backlog = backlog
	e.acceptClosed = false
	e.acceptMu.Unlock()

	e.doTransition(evPassiveOpen, nil)
	return nil
}

// Accept returns a new endpoint if a peer has established a connection to
// an endpoint previously set to listen mode.
func (e *endpoint) Accept(peerAddr *tcpip.FullAddress) (tcpip.Endpoint, *waiter.Queue, *tcpip.Error) {
	e.mu.Lock()
	if e.state != StateListen {
		e.mu.Unlock()
		return nil, nil, tcpip.ErrInvalidEndpointState
	}
	e.acceptMu.Lock()
	if len(e.acceptQueue) == 0 {
		e.acceptMu.Unlock()
		e.mu.Unlock()
		return nil, nil, tcpip.ErrWouldBlock
	}
	c := e.acceptQueue[0]
	e.acceptQueue[0] = nil
	e.acceptQueue = e.acceptQueue[1:]
	e.acceptMu.Unlock()
	e.mu.Unlock()

	c.mu.Lock()
	c.listener = nil
	if peerAddr != nil {
		*peerAddr = tcpip.FullAddress{
			NIC:  c.route.NICID(),
			Addr: c.id.RemoteAddress,
			Port: c.id.RemotePort,
		}
	}
	c.mu.Unlock()
	return c, c.waiterQueue, nil
}

// Connect connects the endpoint to its peer. The handshake completes
// asynchronously: the call returns ErrConnectStarted and the caller waits
// for EventOut.
func (e *endpoint) Connect(addr tcpip.FullAddress) *tcpip.Error {
	e.mu.Lock()
	defer e.unlock()

	switch e.state {
	case StateClosed:
	case StateSynSent, StateSynRecv:
		return tcpip.ErrAlreadyConnecting
	case StateListen:
		return tcpip.ErrInvalidEndpointState
	default:
		return tcpip.ErrAlreadyConnected
	}
	if e.closed {
		return tcpip.ErrInvalidEndpointState
	}
	remote, err := e.normalize(addr.Addr)
	if err != nil {
		return err
	}
	if !remote.IsValid() || addr.Port == 0 {
		return tcpip.ErrBadAddress
	}
	nic := e.bindNIC
	if addr.NIC != 0 {
		if nic != 0 && nic != addr.NIC {
			return tcpip.ErrBadAddress
		}
		nic = addr.NIC
	}
	if !e.protocol.track(e) {
		return tcpip.ErrInvalidEndpointState
	}
	r, err := e.stack.FindRoute(nic, e.bindAddr, remote, e.netProto)
	if err != nil {
		return err
	}

	id := stack.TransportEndpointID{
		LocalAddress:  r.LocalAddress,
		LocalPort:     e.id.LocalPort,
		RemoteAddress: remote,
		RemotePort:    addr.Port,
	}
	reserved := false
	if !e.ownsPort {
		port, err := e.stack.PortManager().ReservePort(e.netProtos(), ProtocolNumber, r.LocalAddress, 0, ports.Flags{})
		if err != nil {
			return err
		}
		reserved = true
		e.ownsPort = true
		e.portFlags = ports.Flags{}
		e.bindAddr = r.LocalAddress
		id.LocalPort = port
	}
	if err := e.stack.RegisterTransportEndpoint(e.netProtos(), ProtocolNumber, id, e, false); err != nil {
		if reserved {
			e.stack.PortManager().ReleasePort(e.netProtos(), ProtocolNumber, e.bindAddr, id.LocalPort, e.portFlags)
			e.ownsPort = false
		}
		return err
	}
	e.regID = id
	e.registered = true
	e.id = id
	e.route = r
	e.lastError = nil
	e.hardError = nil
	e.rcvBuf = nil

	e.advertisedMSS = mssFor(r)
	e.sendWS = true
	e.rcvScale = windowScaleFor(e.rcvBufSize)
	e.snd = newSender(e, seqnum.Value(e.protocol.isn(id)), e.advertisedMSS)
	e.rcv = nil

	e.doTransition(evActiveOpen, nil)
	return tcpip.ErrConnectStarted
}

// Read reads data from the endpoint.
func (e *endpoint) Read(dst []byte, addr *tcpip.FullAddress) (int, *tcpip.Error) {
	e.mu.Lock()
	defer e.unlock()

	if len(e.rcvBuf) == 0 {
		switch {
		case e.hardError != nil:
			return 0, e.hardError
		case e.state == StateSynSent || e.state == StateSynRecv:
			return 0, tcpip.ErrWouldBlock
		case e.rcv == nil:
			return 0, tcpip.ErrNotConnected
		case e.rcv.finRcvd || e.shutdownFlags&tcpip.ShutdownRead != 0 || e.state == StateClosed:
			return 0, tcpip.ErrClosedForReceive
		}
		return 0, tcpip.ErrWouldBlock
	}

	n := copy(dst, e.rcvBuf)
	e.rcvBuf = e.rcvBuf[n:]
	if len(e.rcvBuf) == 0 {
		e.rcvBuf = nil
	}
	if addr != nil {
		*addr = tcpip.FullAddress{Addr: e.id.RemoteAddress, Port: e.id.RemotePort}
	}
	if e.state.acceptsData() && e.rcv.windowUpdateDue() {
		e.sendAck()
	}
	return n, nil
}

// Write queues p for transmission. It writes as much as the send buffer
// has room for and returns ErrWouldBlock only when nothing fits.
func (e *endpoint) Write(p []byte, _ tcpip.WriteOptions) (int, *tcpip.Error) {
	e.mu.Lock()
	defer e.unlock()

	if e.hardError != nil {
		return 0, e.hardError
	}
	if e.shutdownFlags&tcpip.ShutdownWrite != 0 {
		return 0, tcpip.ErrClosedForSend
	}
	switch e.state {
	case StateEstablished, StateCloseWait:
	case StateSynSent, StateSynRecv:
		return 0, tcpip.ErrWouldBlock
	case StateClosed, StateListen:
		if e.everConnected {
			return 0, tcpip.ErrClosedForSend
		}
		return 0, tcpip.ErrNotConnected
	default:
		return 0, tcpip.ErrClosedForSend
	}
	if len(p) == 0 {
		return 0, nil
	}
	avail := e.sndBufSize - len(e.snd.buf)
	if avail <= 0 {
		return 0, tcpip.ErrWouldBlock
	}
	n := min(len(p), avail)
	e.snd.buf = append(e.snd.buf, p[:n]...)
	e.snd.sendData()
	return n, nil
}

// Shutdown closes the read and/or write end of the connection.
func (e *endpoint) Shutdown(flags tcpip.ShutdownFlags) *tcpip.Error {
	e.mu.Lock()
	defer e.unlock()

	if !e.state.synchronized() {
		return tcpip.ErrNotConnected
	}
	if flags&tcpip.ShutdownWrite != 0 && e.shutdownFlags&tcpip.ShutdownWrite == 0 {
		e.shutdownFlags |= tcpip.ShutdownWrite
		if _, ok := lookupTransition(e.state, evClose); ok {
			e.doTransition(evClose, nil)
		}
	}
	if flags&tcpip.ShutdownRead != 0 {
		e.shutdownFlags |= tcpip.ShutdownRead
		e.notify(waiter.EventIn)
	}
	return nil
}

// Close starts an orderly release. Unread data, or a zero linger timeout,
// turns it into an abortive release.
func (e *endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.shutdownFlags = tcpip.ShutdownRead | tcpip.ShutdownWrite

	var children []*endpoint
	switch e.state {
	case StateListen:
		children = e.closeAcceptQueue()
		e.doTransition(evClose, nil)
	case StateClosed:
		e.cleanupLocked()
	case StateSynSent:
		e.doTransition(evClose, nil)
	default:
		if len(e.rcvBuf) > 0 || (e.linger.Enabled && e.linger.Timeout == 0) {
			e.rcvBuf = nil
			e.doTransition(evAbort, nil)
		} else if _, ok := lookupTransition(e.state, evClose); ok {
			e.doTransition(evClose, nil)
		} else if e.state == StateFinWait2 {
			e.armFinWait2()
		}
	}
	e.unlock()

	for _, c := range children {
		c.Abort()
	}
}

// Abort resets the connection and releases the endpoint at once.
func (e *endpoint) Abort() {
	e.mu.Lock()
	e.closed = true
	e.shutdownFlags = tcpip.ShutdownRead | tcpip.ShutdownWrite
	var children []*endpoint
	if e.state == StateListen {
		children = e.closeAcceptQueue()
	}
	if e.state == StateClosed {
		e.cleanupLocked()
	} else {
		e.doTransition(evAbort, nil)
	}
	e.unlock()

	for _, c := range children {
		c.Abort()
	}
}

// GetLocalAddress returns the address to which the endpoint is bound.
func (e *endpoint) GetLocalAddress() (tcpip.FullAddress, *tcpip.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	nic := e.bindNIC
	if e.route != nil {
		nic = e.route.NICID()
	}
	return tcpip.FullAddress{NIC: nic, Addr: e.id.LocalAddress, Port: e.id.LocalPort}, nil
}

// GetRemoteAddress returns the address to which the endpoint is connected.
func (e *endpoint) GetRemoteAddress() (tcpip.FullAddress, *tcpip.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.connected() {
		return tcpip.FullAddress{}, tcpip.ErrNotConnected
	}
	return tcpip.FullAddress{NIC: e.route.NICID(), Addr: e.id.RemoteAddress, Port: e.id.RemotePort}, nil
}

// Readiness returns the current readiness of the endpoint.
func (e *endpoint) Readiness(mask waiter.EventMask) waiter.EventMask {
	e.mu.Lock()
	defer e.mu.Unlock()

	var r waiter.EventMask
	switch e.state {
	case StateListen:
		e.acceptMu.Lock()
		if len(e.acceptQueue) > 0 {
			r |= waiter.EventIn
		}
		e.acceptMu.Unlock()
	case StateSynSent, StateSynRecv:
	case StateClosed:
		r |= waiter.EventHUp
		if e.everConnected || e.hardError != nil {
			r |= waiter.EventIn | waiter.EventOut
		}
	default:
		if len(e.rcvBuf) > 0 || e.rcv.finRcvd || e.shutdownFlags&tcpip.ShutdownRead != 0 {
			r |= waiter.EventIn
		}
		if e.state.canSend() && e.shutdownFlags&tcpip.ShutdownWrite == 0 && len(e.snd.buf) < e.sndBufSize {
			r |= waiter.EventOut
		}
		if e.snd.finAcked() {
			r |= waiter.EventHUp
		}
	}
	if e.lastError != nil {
		r |= waiter.EventErr
	}
	return r & mask
}

// SetSockOpt sets a socket option.
func (e *endpoint) SetSockOpt(opt any) *tcpip.Error {
	e.mu.Lock()
	defer e.unlock()

	switch v := opt.(type) {
	case tcpip.ReceiveBufferSizeOption:
		e.rcvBufSize = clampBufferSize(int(v))
		if e.rcv != nil && e.state.acceptsData() && e.rcv.windowUpdateDue() {
			e.sendAck()
		}
	case tcpip.SendBufferSizeOption:
		e.sndBufSize = clampBufferSize(int(v))
		e.notify(waiter.EventOut)
	case tcpip.ReuseAddressOption:
		e.reuseAddr = bool(v)
	case tcpip.NoDelayOption:
		e.noDelay = bool(v)
		if e.noDelay && e.snd != nil {
			e.snd.sendData()
		}
	case tcpip.LingerOption:
		if v.Timeout < 0 {
			return tcpip.ErrInvalidOptionValue
		}
		e.linger = v
	case tcpip.TTLOption:
		e.ttl = uint8(v)
	default:
		return tcpip.ErrUnknownProtocolOption
	}
	return nil
}

func clampBufferSize(n int) int {
	return max(MinBufferSize, min(n, MaxBufferSize))
}

// GetSockOpt implements tcpip.Endpoint.GetSockOpt.
func (e *endpoint) GetSockOpt(opt any) *tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch o := opt.(type) {
	case tcpip.ErrorOption:
		err := e.lastError
		e.lastError = nil
		return err
	case *tcpip.ReceiveBufferSizeOption:
		*o = tcpip.ReceiveBufferSizeOption(e.rcvBufSize)
	case *tcpip.SendBufferSizeOption:
		*o = tcpip.SendBufferSizeOption(e.sndBufSize)
	case *tcpip.ReceiveQueueSizeOption:
		*o = tcpip.ReceiveQueueSizeOption(len(e.rcvBuf))
	case *tcpip.SendQueueSizeOption:
		n := 0
		if e.snd != nil {
			n = len(e.snd.buf)
		}
		*o = tcpip.SendQueueSizeOption(n)
	case *tcpip.ReuseAddressOption:
		*o = tcpip.ReuseAddressOption(e.reuseAddr)
	case *tcpip.NoDelayOption:
		*o = tcpip.NoDelayOption(e.noDelay)
	case *tcpip.LingerOption:
		*o = e.linger
	case *tcpip.TTLOption:
		*o = tcpip.TTLOption(e.ttl)
	case *tcpip.TCPInfoOption:
		*o = e.info()
	default:
		return tcpip.ErrUnknownProtocolOption
	}
	return nil
}

func (e *endpoint) info() tcpip.TCPInfoOption {
	info := tcpip.TCPInfoOption{
		State:       uint32(e.state),
		Retransmits: e.retransmits,
	}
	if s := e.snd; s != nil {
		info.RTT = s.srtt
		info.RTTVar = s.rttvar
		info.RTO = s.rto
		info.CongestionWindow = s.cc.cwnd
		info.SlowStartThreshold = s.cc.ssthresh
		info.SendMSS = s.mss
		info.SendWindow = int(s.sndWnd)
	}
	if e.rcv != nil {
		info.ReceiveWindow = int(e.rcv.window())
	}
	return info
}

// State implements tcpip.Endpoint.State.
func (e *endpoint) State() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint32(e.state)
}

// HandlePacket implements stack.TransportEndpoint.HandlePacket.
func (e *endpoint) HandlePacket(id stack.TransportEndpointID, pkt *buffer.PacketBuffer) {
	s, ok, csumOK := parseSegment(id, pkt, e.now())
	pkt.Release()
	st := e.stats().TCP
	switch {
	case !ok:
		st.InvalidSegmentsReceived.Increment()
		return
	case !csumOK:
		st.ChecksumErrors.Increment()
		return
	}
	st.ValidSegmentsReceived.Increment()
	if s.flagIsSet(header.TCPFlagRst) {
		st.ResetsReceived.Increment()
	}

	e.mu.Lock()
	defer e.unlock()
	switch e.state {
	case StateListen:
		e.handleListenSegment(s)
	case StateSynSent:
		e.handleSynSentSegment(s)
	case StateClosed:
		if !s.flagIsSet(header.TCPFlagRst) {
			e.replyWithReset(s)
		}
	default:
		e.handleSynchronizedSegment(s)
	}
}

// HandleError implements stack.TransportEndpoint.HandleError.
func (e *endpoint) HandleError(typ stack.ControlType, extra uint32) {
	e.mu.Lock()
	defer e.unlock()

	switch typ {
	case stack.ControlPacketTooBig:
		if e.snd == nil {
			return
		}
		hdr := header.IPv4MinimumSize
		if e.netProto == header.IPv6ProtocolNumber {
			hdr = header.IPv6MinimumSize
		}
		mss := int(extra) - hdr - header.TCPMinimumSize
		if mss < header.TCPMinimumMSS || mss >= e.snd.mss {
			return
		}
		e.snd.mss = mss
		if e.state.connected() && e.snd.flight() > 0 {
			e.snd.retransmitFirst()
		}
	case stack.ControlPortUnreachable:
		e.softError(tcpip.ErrConnectionRefused)
	case stack.ControlNetworkUnreachable:
		e.softError(tcpip.ErrNetworkUnreachable)
	case stack.ControlHostUnreachable:
		e.softError(tcpip.ErrHostUnreachable)
	}
}

// softError records an ICMP-reported error. It is fatal only while the
// connection is being opened.
func (e *endpoint) softError(err *tcpip.Error) {
	switch {
	case e.state == StateSynSent:
		e.doTransition(evRcvRst, err)
	case e.state.connected():
		e.lastError = err
		e.notify(waiter.EventErr)
	}
}

func (e *endpoint) handleRTO(time.Time) {
	e.mu.Lock()
	defer e.unlock()
	switch e.state {
	case StateClosed, StateListen, StateTimeWait:
		return
	}
	if !e.snd.handleTimeout() {
		e.doTransition(evRetransmitLimit, nil)
	}
}

func (e *endpoint) handleTimeWait(time.Time) {
	e.mu.Lock()
	defer e.unlock()
	if e.state == StateTimeWait {
		e.doTransition(evTimeWaitExpired, nil)
	}
}

func (e *endpoint) handleFinWait2(time.Time) {
	e.mu.Lock()
	defer e.unlock()
	if e.state == StateFinWait2 {
		e.doTransition(evFinWait2Timeout, nil)
	}
}

func (e *endpoint) armFinWait2() {
	if !e.finWait2Timer.Enabled() {
		e.finWait2Timer.Reset(e.now().Add(e.protocol.options().FinWait2Timeout))
	}
}

// doTransition applies ev to the state machine and performs the actions of
// the transition. err overrides the error reported by a refused connection.
// It returns false if ev is invalid in the current state.
func (e *endpoint) doTransition(ev event, err *tcpip.Error) bool {
	t, ok := lookupTransition(e.state, ev)
	if !ok {
		return false
	}
	prev := e.state
	e.setState(t.next)
	if l := e.stack.Logger(); l.IsLogging(log.Debug) {
		l.Debugf("tcp %v:%d -> %v:%d: %v -> %v on %v", e.id.LocalAddress, e.id.LocalPort, e.id.RemoteAddress, e.id.RemotePort, prev, t.next, ev)
	}

	a := t.actions
	st := e.stats().TCP
	if a.has(actSendSyn) {
		if prev == StateClosed {
			st.ActiveConnectionOpenings.Increment()
		}
		e.sendSyn()
	}
	if a.has(actSendSynAck) {
		e.sendSyn()
	}
	if a.has(actSendFin) {
		e.snd.queueFin()
	}
	if a.has(actSendRst) {
		e.sendRaw(header.TCPFlagRst|header.TCPFlagAck, e.snd.sndNxt, nil, nil)
	}
	if a.has(actSendAck) {
		e.sendAck()
	}
	if a.has(actStartTimeWait) {
		e.snd.rtoTimer.Stop()
		e.finWait2Timer.Stop()
		e.timeWaitTimer.Reset(e.now().Add(e.protocol.options().TimeWaitTimeout))
	}
	abort := false
	if a.has(actNotifyConnected) {
		e.everConnected = true
		e.notify(waiter.EventOut)
		if e.listener != nil && !e.deliverToListener() {
			abort = true
		}
	}
	if a.has(actNotifyRefused) {
		if err == nil {
			err = tcpip.ErrConnectionRefused
		}
		e.setError(err)
	}
	if a.has(actNotifyReset) {
		e.setError(tcpip.ErrConnectionReset)
	}
	if a.has(actNotifyTimedOut) {
		if prev.connected() {
			st.EstablishedTimedout.Increment()
		}
		e.setError(tcpip.ErrTimeout)
	}
	if a.has(actNotifyEOF) {
		e.notify(waiter.EventIn)
	}

	if t.next == StateClosed && prev != StateClosed {
		e.cleanupLocked()
	}
	if abort {
		e.doTransition(evAbort, nil)
	}
	return true
}

// setState moves the endpoint to next and keeps the connection gauges in
// step.
func (e *endpoint) setState(next EndpointState) {
	prev := e.state
	if prev == next {
		return
	}
	st := e.stats().TCP
	if next == StateEstablished {
		st.CurrentEstablished.Increment()
	} else if prev == StateEstablished {
		st.CurrentEstablished.Decrement()
	}
	switch {
	case next.connected() && !prev.connected():
		st.CurrentConnected.Increment()
	case prev.connected() && !next.connected():
		st.CurrentConnected.Decrement()
	}
	if next == StateClosed {
		switch prev {
		case StateSynSent, StateSynRecv:
			st.FailedConnectionAttempts.Increment()
		case StateEstablished, StateCloseWait:
			st.EstablishedResets.Increment()
		}
		if prev.connected() {
			st.EstablishedClosed.Increment()
		}
	}
	e.state = next
	if next == StateFinWait2 && e.closed {
		e.armFinWait2()
	}
}

// setError latches a fatal connection error. Unread data is discarded.
func (e *endpoint) setError(err *tcpip.Error) {
	e.hardError = err
	e.lastError = err
	e.rcvBuf = nil
	e.notify(waiter.EventIn | waiter.EventOut | waiter.EventErr | waiter.EventHUp)
}

// cleanupLocked releases everything the endpoint holds in the stack once it
// reaches CLOSED. It is idempotent.
func (e *endpoint) cleanupLocked() {
	if e.snd != nil {
		e.snd.rtoTimer.Stop()
	}
	e.timeWaitTimer.Stop()
	e.finWait2Timer.Stop()
	if e.registered {
		e.stack.UnregisterTransportEndpoint(e.netProtos(), ProtocolNumber, e.regID, e)
		e.registered = false
	}
	if e.ownsPort {
		e.stack.PortManager().ReleasePort(e.netProtos(), ProtocolNumber, e.bindAddr, e.id.LocalPort, e.portFlags)
		e.ownsPort = false
	}
	if e.listener != nil && e.awaitingAccept {
		e.listener.childGone()
		e.awaitingAccept = false
	}
	if e.closed {
		e.protocol.untrack(e)
	}
	e.notify(waiter.EventIn | waiter.EventOut | waiter.EventHUp)
}
