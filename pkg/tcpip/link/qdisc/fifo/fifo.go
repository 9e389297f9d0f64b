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

// Package fifo provides the implementation of FIFO queuing discipline that
// queues all outbound packets and asynchronously dispatches them to the
// lower link endpoint in the order that they were queued.
package fifo

import (
	"sync"
	"sync/atomic"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/network/hash"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// Endpoint is a link endpoint that queues outbound packets and writes them
// to the lower endpoint from dispatcher goroutines. Packets are spread over
// the dispatchers by address pair and protocol, so packets of one flow keep
// their order. Inbound packets bypass the queues.
type Endpoint struct {
	lower       stack.LinkEndpoint
	dispatchers []queueDispatcher
	wg          sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool

	// Dropped counts packets refused because their queue was full.
	Dropped tcpip.StatCounter
}

// queueDispatcher is responsible for dispatching all outbound packets in its
// queue.
type queueDispatcher struct {
	queue chan *buffer.PacketBuffer
	stop  chan struct{}
}

// New creates a new fifo queuing discipline in front of lower, with n queues
// each holding up to queueLen packets.
func New(lower stack.LinkEndpoint, n int, queueLen int) *Endpoint {
	if n < 1 {
		n = 1
	}
	e := &Endpoint{
		lower:       lower,
		dispatchers: make([]queueDispatcher, n),
	}
	for i := range e.dispatchers {
		qd := &e.dispatchers[i]
		qd.queue = make(chan *buffer.PacketBuffer, queueLen)
		qd.stop = make(chan struct{})

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			qd.dispatchLoop(lower)
		}()
	}
	return e
}

func (qd *queueDispatcher) dispatchLoop(lower stack.LinkEndpoint) {
	for {
		select {
		case pkt := <-qd.queue:
			_ = lower.WritePacket(pkt)
		case <-qd.stop:
			// Drain what is left without writing it.
			for {
				select {
				case pkt := <-qd.queue:
					pkt.Release()
				default:
					return
				}
			}
		}
	}
}

// WritePacket implements stack.LinkEndpoint.WritePacket. It fails with
// ErrNoBufferSpace when the packet's queue is full.
func (e *Endpoint) WritePacket(pkt *buffer.PacketBuffer) *tcpip.Error {
	if e.closed.Load() {
		pkt.Release()
		return tcpip.ErrClosedForSend
	}
	h := hash.AddressPairHash(pkt.Src, pkt.Dst, uint32(pkt.TransportProtocolNumber))
	qd := &e.dispatchers[int(h%uint32(len(e.dispatchers)))]
	select {
	case qd.queue <- pkt:
		return nil
	default:
		e.Dropped.Increment()
		pkt.Release()
		return tcpip.ErrNoBufferSpace
	}
}

// Attach implements stack.LinkEndpoint.Attach.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.lower.Attach(dispatcher)
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *Endpoint) IsAttached() bool {
	return e.lower.IsAttached()
}

// MTU implements stack.LinkEndpoint.MTU.
func (e *Endpoint) MTU() uint32 {
	return e.lower.MTU()
}

// LinkUp implements stack.LinkEndpoint.LinkUp.
func (e *Endpoint) LinkUp() bool {
	return !e.closed.Load() && e.lower.LinkUp()
}

// Close stops the dispatchers. Packets still queued are dropped.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		for i := range e.dispatchers {
			close(e.dispatchers[i].stop)
		}
	})
	e.wg.Wait()
}

// Wait implements stack.LinkEndpoint.Wait.
func (e *Endpoint) Wait() {
	e.wg.Wait()
	e.lower.Wait()
}
