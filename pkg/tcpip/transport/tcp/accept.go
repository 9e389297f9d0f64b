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
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/seqnum"
	"netengine.dev/netengine/pkg/waiter"
)

// handleListenSegment processes a segment addressed to a listening
// endpoint. A SYN spawns a child endpoint that runs the rest of the
// handshake on its own 4-tuple.
func (e *endpoint) handleListenSegment(s *segment) {
	switch {
	case s.flagIsSet(header.TCPFlagRst):
		return
	case s.flagIsSet(header.TCPFlagAck):
		e.replyWithReset(s)
		return
	case !s.flagIsSet(header.TCPFlagSyn):
		return
	}

	e.acceptMu.Lock()
	full := len(e.acceptQueue)+e.pendingAccept >= e.backlog
	if !full {
		e.pendingAccept++
	}
	e.acceptMu.Unlock()
	if full {
		e.stats().TCP.ListenOverflowSynDrop.Increment()
		return
	}
	if err := e.newChild(s); err != nil {
		e.childGone()
	}
}

// newChild creates the endpoint for a connection requested by s and sends
// the SYN-ACK.
func (e *endpoint) newChild(s *segment) *tcpip.Error {
	r, err := e.stack.FindRoute(e.bindNIC, s.id.LocalAddress, s.id.RemoteAddress, e.netProto)
	if err != nil {
		return err
	}
	c := newEndpoint(e.protocol, e.netProto, &waiter.Queue{})
	c.rcvBufSize = e.rcvBufSize
	c.sndBufSize = e.sndBufSize
	c.noDelay = e.noDelay
	c.reuseAddr = e.reuseAddr
	c.ttl = e.ttl
	c.linger = e.linger
	c.bindNIC = e.bindNIC
	c.bindAddr = s.id.LocalAddress
	c.id = s.id
	c.route = r
	c.listener = e
	c.awaitingAccept = true
	c.state = StateListen

	// Segments for the child wait on its lock until the SYN-ACK is out.
	c.mu.Lock()
	defer c.unlock()
	if !e.protocol.track(c) {
		c.awaitingAccept = false
		return tcpip.ErrInvalidEndpointState
	}
	if err := e.stack.RegisterTransportEndpoint(c.netProtos(), ProtocolNumber, s.id, c, false); err != nil {
		e.protocol.untrack(c)
		c.awaitingAccept = false
		return err
	}
	c.regID = s.id
	c.registered = true

	c.advertisedMSS = mssFor(r)
	c.snd = newSender(c, seqnum.Value(e.protocol.isn(s.id)), c.advertisedMSS)
	c.initFromSyn(s)
	c.doTransition(evRcvSyn, nil)
	return nil
}

// deliverToListener moves an established child to its listener's accept
// queue. It returns false if the listener is gone.
func (e *endpoint) deliverToListener() bool {
	l := e.listener
	l.acceptMu.Lock()
	if e.awaitingAccept {
		l.pendingAccept--
		e.awaitingAccept = false
	}
	if l.acceptClosed {
		l.acceptMu.Unlock()
		return false
	}
	l.acceptQueue = append(l.acceptQueue, e)
	l.acceptMu.Unlock()
	e.stats().TCP.PassiveConnectionOpenings.Increment()
	l.waiterQueue.Notify(waiter.EventIn)
	return true
}

// childGone releases the backlog slot of a child that died before
// completing its handshake.
func (e *endpoint) childGone() {
	e.acceptMu.Lock()
	e.pendingAccept--
	e.acceptMu.Unlock()
}

// closeAcceptQueue stops the listener from queueing new connections and
// returns the established ones nobody accepted. The caller aborts them once
// it released mu.
func (e *endpoint) closeAcceptQueue() []*endpoint {
	e.acceptMu.Lock()
	defer e.acceptMu.Unlock()
	e.acceptClosed = true
	q := e.acceptQueue
	e.acceptQueue = nil
	return q
}
