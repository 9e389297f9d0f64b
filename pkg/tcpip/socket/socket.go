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

// Package socket provides a handle based, POSIX shaped API on top of the
// stack's transport endpoints.
//
// Endpoints never block. A Table turns them into blocking calls by waiting
// on the endpoint's waiter.Queue, bounded by the caller's context and the
// socket's send and receive timeouts. Sockets in non-blocking mode return
// tcpip.ErrWouldBlock instead of waiting.
package socket

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/transport/icmp"
	"netengine.dev/netengine/pkg/tcpip/transport/tcp"
	"netengine.dev/netengine/pkg/tcpip/transport/udp"
	"netengine.dev/netengine/pkg/waiter"
)

// DefaultMaxSockets bounds the number of open sockets when
// Options.MaxSockets is zero.
const DefaultMaxSockets = 4096

// Type is the type of a socket.
type Type int

// Socket types.
const (
	// Stream sockets carry a reliable byte stream (TCP).
	Stream Type = iota + 1

	// Datagram sockets carry messages (UDP, or ICMP echo when opened with
	// an ICMP protocol).
	Datagram

	// Raw sockets see every ICMP message of their network protocol.
	Raw
)

func (t Type) String() string {
	switch t {
	case Stream:
		return "stream"
	case Datagram:
		return "datagram"
	case Raw:
		return "raw"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Handle names an open socket in a Table.
type Handle int32

// Options configures a Table.
type Options struct {
	// MaxSockets bounds the number of open sockets.
	MaxSockets int

	// Logger defaults to the stack's logger.
	Logger log.Logger
}

// Table is the registry of open sockets. It is safe for concurrent use.
type Table struct {
	stack  *stack.Stack
	max    int
	logger log.Logger

	mu     sync.Mutex
	next   Handle
	socks  map[Handle]*sock
	closed bool
}

// sock is one open socket.
type sock struct {
	stack *stack.Stack
	typ   Type
	net   tcpip.NetworkProtocolNumber
	trans tcpip.TransportProtocolNumber
	ep    tcpip.Endpoint
	wq    *waiter.Queue

	mu          sync.Mutex
	nonBlocking bool
	rcvTimeout  time.Duration
	sndTimeout  time.Duration
	linger      tcpip.LingerOption
}

// NewTable returns an empty socket table for s.
func NewTable(s *stack.Stack, opts Options) *Table {
	if opts.MaxSockets <= 0 {
		opts.MaxSockets = DefaultMaxSockets
	}
	if opts.Logger == nil {
		opts.Logger = s.Logger()
	}
	return &Table{
		stack:  s,
		max:    opts.MaxSockets,
		logger: opts.Logger,
		socks:  make(map[Handle]*sock),
	}
}

// Len returns the number of open sockets.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.socks)
}

// transportFor maps a socket type to its default transport protocol.
func transportFor(typ Type, netProto tcpip.NetworkProtocolNumber) (tcpip.TransportProtocolNumber, *tcpip.Error) {
	switch typ {
	case Stream:
		return tcp.ProtocolNumber, nil
	case Datagram:
		return udp.ProtocolNumber, nil
	case Raw:
		if netProto == tcpip.IPv6ProtocolNumber {
			return icmp.ProtocolNumber6, nil
		}
		return icmp.ProtocolNumber4, nil
	}
	return 0, tcpip.ErrNotSupported
}

// Socket opens a socket of the given type: TCP for Stream, UDP for
// Datagram and ICMP for Raw.
func (t *Table) Socket(typ Type, netProto tcpip.NetworkProtocolNumber) (Handle, error) {
	trans, err := transportFor(typ, netProto)
	if err != nil {
		return 0, err
	}
	return t.SocketProtocol(typ, netProto, trans)
}

// SocketProtocol opens a socket with an explicit transport protocol. A
// Datagram socket of an ICMP protocol is a ping socket.
func (t *Table) SocketProtocol(typ Type, netProto tcpip.NetworkProtocolNumber, trans tcpip.TransportProtocolNumber) (Handle, error) {
	switch typ {
	case Stream:
		if trans != tcp.ProtocolNumber {
			return 0, tcpip.ErrNotSupported
		}
	case Datagram, Raw:
	default:
		return 0, tcpip.ErrNotSupported
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, tcpip.ErrInvalidEndpointState
	}
	if len(t.socks) >= t.max {
		t.mu.Unlock()
		return 0, tcpip.ErrTooManySockets
	}
	// Reserve the slot before creating the endpoint so that concurrent
	// opens cannot exceed the limit.
	h := t.allocLocked(nil)
	t.mu.Unlock()

	wq := &waiter.Queue{}
	var (
		ep   tcpip.Endpoint
		terr *tcpip.Error
	)
	if typ == Raw {
		ep, terr = t.stack.NewRawEndpoint(trans, netProto, wq)
	} else {
		ep, terr = t.stack.NewEndpoint(trans, netProto, wq)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if terr != nil || t.closed {
		delete(t.socks, h)
		if terr == nil {
			ep.Abort()
			terr = tcpip.ErrInvalidEndpointState
		}
		return 0, terr
	}
	t.socks[h] = &sock{stack: t.stack, typ: typ, net: netProto, trans: trans, ep: ep, wq: wq}
	t.logger.Debugf("socket %d: open %s %s/%s", h, typ, netProto, trans)
	return h, nil
}

// allocLocked assigns the next free handle to s.
func (t *Table) allocLocked(s *sock) Handle {
	for {
		t.next++
		if t.next <= 0 {
			t.next = 1
		}
		if _, ok := t.socks[t.next]; !ok {
			t.socks[t.next] = s
			return t.next
		}
	}
}

func (t *Table) get(h Handle) (*sock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.socks[h]
	if s == nil {
		return nil, tcpip.ErrBadDescriptor
	}
	return s, nil
}

// asError keeps a nil *tcpip.Error from becoming a non-nil error.
func asError(err *tcpip.Error) error {
	if err == nil {
		return nil
	}
	return err
}

// Bind binds the socket to a local address.
func (t *Table) Bind(h Handle, addr tcpip.FullAddress) error {
	s, err := t.get(h)
	if err != nil {
		return err
	}
	return asError(s.ep.Bind(addr))
}

// Listen puts a stream socket in listening mode.
func (t *Table) Listen(h Handle, backlog int) error {
	s, err := t.get(h)
	if err != nil {
		return err
	}
	if s.typ != Stream {
		return tcpip.ErrNotSupported
	}
	return asError(s.ep.Listen(backlog))
}

// Accept waits for a connection on a listening socket and returns a handle
// for it together with the peer's address.
func (t *Table) Accept(ctx context.Context, h Handle) (Handle, tcpip.FullAddress, error) {
	s, err := t.get(h)
	if err != nil {
		return 0, tcpip.FullAddress{}, err
	}
	if s.typ != Stream {
		return 0, tcpip.FullAddress{}, tcpip.ErrNotSupported
	}
	var (
		peer tcpip.FullAddress
		nep  tcpip.Endpoint
		nwq  *waiter.Queue
	)
	err = s.block(ctx, waiter.EventIn, s.rcvTimeoutValue(), func() *tcpip.Error {
		var terr *tcpip.Error
		nep, nwq, terr = s.ep.Accept(&peer)
		return terr
	})
	if err != nil {
		return 0, tcpip.FullAddress{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || len(t.socks) >= t.max {
		nep.Abort()
		if t.closed {
			return 0, tcpip.FullAddress{}, tcpip.ErrInvalidEndpointState
		}
		return 0, tcpip.FullAddress{}, tcpip.ErrTooManySockets
	}
	ns := &sock{stack: t.stack, typ: Stream, net: s.net, trans: s.trans, ep: nep, wq: nwq}
	s.mu.Lock()
	ns.rcvTimeout, ns.sndTimeout, ns.linger = s.rcvTimeout, s.sndTimeout, s.linger
	s.mu.Unlock()
	nh := t.allocLocked(ns)
	t.logger.Debugf("socket %d: accepted %d from %s", h, nh, peer)
	return nh, peer, nil
}

// Connect connects the socket to addr. For stream sockets it waits for the
// handshake to finish; a canceled wait leaves the attempt running.
func (t *Table) Connect(ctx context.Context, h Handle, addr tcpip.FullAddress) error {
	s, err := t.get(h)
	if err != nil {
		return err
	}
	terr := s.ep.Connect(addr)
	if terr != tcpip.ErrConnectStarted && terr != tcpip.ErrAlreadyConnecting {
		return asError(terr)
	}
	if s.isNonBlocking() {
		return terr
	}
	return s.block(ctx, waiter.EventOut, s.sndTimeoutValue(), func() *tcpip.Error {
		if s.ep.Readiness(waiter.EventOut|waiter.EventErr|waiter.EventHUp) == 0 {
			return tcpip.ErrWouldBlock
		}
		return s.ep.GetSockOpt(tcpip.ErrorOption{})
	})
}

// Send writes b to the socket's peer. Stream sockets write all of b unless
// the socket is non-blocking, in which case the count may be short.
func (t *Table) Send(ctx context.Context, h Handle, b []byte) (int, error) {
	return t.send(ctx, h, b, nil)
}

// SendTo writes b to addr.
func (t *Table) SendTo(ctx context.Context, h Handle, b []byte, addr tcpip.FullAddress) (int, error) {
	return t.send(ctx, h, b, &addr)
}

func (t *Table) send(ctx context.Context, h Handle, b []byte, to *tcpip.FullAddress) (int, error) {
	s, err := t.get(h)
	if err != nil {
		return 0, err
	}
	opts := tcpip.WriteOptions{To: to}
	if s.typ != Stream {
		var n int
		err := s.block(ctx, waiter.EventOut, s.sndTimeoutValue(), func() *tcpip.Error {
			var terr *tcpip.Error
			n, terr = s.ep.Write(b, opts)
			return terr
		})
		return n, err
	}

	total := 0
	for total < len(b) {
		var n int
		err := s.block(ctx, waiter.EventOut, s.sndTimeoutValue(), func() *tcpip.Error {
			var terr *tcpip.Error
			n, terr = s.ep.Write(b[total:], opts)
			return terr
		})
		total += n
		if err != nil {
			if total > 0 && err == tcpip.ErrWouldBlock {
				return total, nil
			}
			return total, err
		}
		if s.isNonBlocking() {
			break
		}
	}
	return total, nil
}

// Recv reads from the socket into b. A stream socket whose peer closed
// returns io.EOF once the buffered data was read.
func (t *Table) Recv(ctx context.Context, h Handle, b []byte) (int, error) {
	return t.recv(ctx, h, b, nil)
}

// RecvFrom is Recv that also returns the sender's address.
func (t *Table) RecvFrom(ctx context.Context, h Handle, b []byte) (int, tcpip.FullAddress, error) {
	var from tcpip.FullAddress
	n, err := t.recv(ctx, h, b, &from)
	return n, from, err
}

func (t *Table) recv(ctx context.Context, h Handle, b []byte, from *tcpip.FullAddress) (int, error) {
	s, err := t.get(h)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.block(ctx, waiter.EventIn, s.rcvTimeoutValue(), func() *tcpip.Error {
		var terr *tcpip.Error
		n, terr = s.ep.Read(b, from)
		return terr
	})
	if err == tcpip.ErrClosedForReceive {
		return 0, io.EOF
	}
	return n, err
}

// Shutdown closes one or both directions of a connection.
func (t *Table) Shutdown(h Handle, flags tcpip.ShutdownFlags) error {
	s, err := t.get(h)
	if err != nil {
		return err
	}
	return asError(s.ep.Shutdown(flags))
}

// Close closes the socket and frees its handle. With a linger timeout set
// on a stream socket, Close waits up to that long for the unsent data to be
// acknowledged and resets the connection if it was not.
func (t *Table) Close(h Handle) error {
	t.mu.Lock()
	s := t.socks[h]
	if s == nil {
		t.mu.Unlock()
		return tcpip.ErrBadDescriptor
	}
	delete(t.socks, h)
	t.mu.Unlock()

	s.close()
	t.logger.Debugf("socket %d: closed", h)
	return nil
}

func (s *sock) close() {
	s.mu.Lock()
	linger := s.linger
	s.mu.Unlock()

	if s.typ != Stream || !linger.Enabled || linger.Timeout <= 0 {
		s.ep.Close()
		return
	}

	entry, ch := waiter.NewChannelEntry(nil)
	s.wq.EventRegister(&entry, waiter.EventHUp)
	defer s.wq.EventUnregister(&entry)

	s.ep.Close()
	expired, stop := s.after(linger.Timeout)
	defer stop()
	for s.ep.Readiness(waiter.EventHUp) == 0 {
		select {
		case <-ch:
		case <-expired:
			s.ep.Abort()
			return
		}
	}
}

// after returns a channel that is closed once d has passed on the stack's
// clock, and a function that cancels it. The deadline is noticed when the
// stack sweeps its timers.
func (s *sock) after(d time.Duration) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	tm := s.stack.Timers().NewTimer(func(time.Time) { close(ch) })
	tm.Reset(s.stack.Clock().Now().Add(d))
	return ch, func() { tm.Stop() }
}

// SetNonBlocking switches the socket between blocking and non-blocking
// mode.
func (t *Table) SetNonBlocking(h Handle, v bool) error {
	s, err := t.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.nonBlocking = v
	s.mu.Unlock()
	return nil
}

// SetOption sets a socket option. Timeouts are handled by the table, the
// other options by the endpoint.
func (t *Table) SetOption(h Handle, opt any) error {
	s, err := t.get(h)
	if err != nil {
		return err
	}
	switch v := opt.(type) {
	case tcpip.ReceiveTimeoutOption:
		if v < 0 {
			return tcpip.ErrInvalidOptionValue
		}
		s.mu.Lock()
		s.rcvTimeout = time.Duration(v)
		s.mu.Unlock()
		return nil
	case tcpip.SendTimeoutOption:
		if v < 0 {
			return tcpip.ErrInvalidOptionValue
		}
		s.mu.Lock()
		s.sndTimeout = time.Duration(v)
		s.mu.Unlock()
		return nil
	case tcpip.LingerOption:
		if v.Timeout < 0 {
			return tcpip.ErrInvalidOptionValue
		}
		s.mu.Lock()
		s.linger = v
		s.mu.Unlock()
		if s.typ != Stream {
			return nil
		}
	}
	return asError(s.ep.SetSockOpt(opt))
}

// GetOption reads a socket option into opt, which must be a pointer to one
// of the tcpip option types.
func (t *Table) GetOption(h Handle, opt any) error {
	s, err := t.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o := opt.(type) {
	case *tcpip.ReceiveTimeoutOption:
		*o = tcpip.ReceiveTimeoutOption(s.rcvTimeout)
		return nil
	case *tcpip.SendTimeoutOption:
		*o = tcpip.SendTimeoutOption(s.sndTimeout)
		return nil
	case *tcpip.LingerOption:
		*o = s.linger
		return nil
	}
	return asError(s.ep.GetSockOpt(opt))
}

// LocalAddress returns the address the socket is bound to.
func (t *Table) LocalAddress(h Handle) (tcpip.FullAddress, error) {
	s, err := t.get(h)
	if err != nil {
		return tcpip.FullAddress{}, err
	}
	a, terr := s.ep.GetLocalAddress()
	return a, asError(terr)
}

// RemoteAddress returns the address of the socket's peer.
func (t *Table) RemoteAddress(h Handle) (tcpip.FullAddress, error) {
	s, err := t.get(h)
	if err != nil {
		return tcpip.FullAddress{}, err
	}
	a, terr := s.ep.GetRemoteAddress()
	return a, asError(terr)
}

// Readiness returns the events in mask the socket is ready for.
func (t *Table) Readiness(h Handle, mask waiter.EventMask) (waiter.EventMask, error) {
	s, err := t.get(h)
	if err != nil {
		return 0, err
	}
	return s.ep.Readiness(mask), nil
}

// CloseAll closes every open socket. Lingering closes run concurrently.
func (t *Table) CloseAll() {
	t.mu.Lock()
	t.closed = true
	socks := t.socks
	t.socks = make(map[Handle]*sock)
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range socks {
		if s == nil {
			continue
		}
		wg.Add(1)
		go func(s *sock) {
			defer wg.Done()
			s.close()
		}(s)
	}
	wg.Wait()
}

func (s *sock) isNonBlocking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonBlocking
}

func (s *sock) rcvTimeoutValue() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rcvTimeout
}

func (s *sock) sndTimeoutValue() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sndTimeout
}

// block runs op until it stops returning ErrWouldBlock. Between attempts it
// waits for an event in mask, ctx or the timeout. It returns ctx.Err() when
// ctx ends and ErrWouldBlock when the timeout expires or the socket is
// non-blocking.
func (s *sock) block(ctx context.Context, mask waiter.EventMask, timeout time.Duration, op func() *tcpip.Error) error {
	err := op()
	if err != tcpip.ErrWouldBlock || s.isNonBlocking() {
		return asError(err)
	}

	// Errors and hang-ups end every wait.
	entry, ch := waiter.NewChannelEntry(nil)
	s.wq.EventRegister(&entry, mask|waiter.EventErr|waiter.EventHUp)
	defer s.wq.EventUnregister(&entry)

	var expired <-chan struct{}
	if timeout > 0 {
		c, stop := s.after(timeout)
		defer stop()
		expired = c
	}
	for {
		// Retry once after registering: the event may have fired between
		// the first attempt and the registration.
		if err := op(); err != tcpip.ErrWouldBlock {
			return asError(err)
		}
		select {
		case <-ch:
		case <-expired:
			return tcpip.ErrWouldBlock
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
