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

// Package pipe provides the implementation of pipe-like data-link layer
// endpoints. Such endpoints allow packets to be sent between two interfaces.
//
// Each end delivers what its peer wrote from a goroutine of its own, so
// WritePacket never calls back into the writing stack.
package pipe

import (
	"sync"
	"sync/atomic"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

// DefaultQueueLen is the number of frames an end buffers for delivery.
const DefaultQueueLen = 1024

// DropFunc decides whether a datagram written to an end is lost. It sees
// the whole datagram and must not retain it.
type DropFunc func(frame []byte) bool

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// New returns both ends of a new pipe.
func New(mtu uint32) (*Endpoint, *Endpoint) {
	return NewWithQueueLen(mtu, DefaultQueueLen)
}

// NewWithQueueLen returns both ends of a new pipe buffering up to queueLen
// frames per direction.
func NewWithQueueLen(mtu uint32, queueLen int) (*Endpoint, *Endpoint) {
	ep1 := newEndpoint(mtu, queueLen)
	ep2 := newEndpoint(mtu, queueLen)
	ep1.linked = ep2
	ep2.linked = ep1
	ep1.start()
	ep2.start()
	return ep1, ep2
}

// Endpoint is one end of a pipe.
type Endpoint struct {
	linked *Endpoint
	mtu    uint32

	mu         sync.RWMutex
	dispatcher stack.NetworkDispatcher
	drop       DropFunc

	inbound   chan []byte
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	down      atomic.Bool

	// Dropped counts datagrams lost to the drop filter or a full queue.
	Dropped tcpip.StatCounter
}

func newEndpoint(mtu uint32, queueLen int) *Endpoint {
	return &Endpoint{
		mtu:     mtu,
		inbound: make(chan []byte, queueLen),
		stop:    make(chan struct{}),
	}
}

func (e *Endpoint) start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pump()
	}()
}

func (e *Endpoint) pump() {
	for {
		select {
		case <-e.stop:
			return
		case frame := <-e.inbound:
			e.mu.RLock()
			d := e.dispatcher
			e.mu.RUnlock()
			if d == nil || e.down.Load() {
				continue
			}
			d.DeliverNetworkPacket(buffer.NewInboundPacketBuffer(frame))
		}
	}
}

// SetDropFunc installs f as the loss filter for datagrams written to e. A
// nil f disables loss.
func (e *Endpoint) SetDropFunc(f DropFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drop = f
}

// WritePacket implements stack.LinkEndpoint. The datagram is copied and
// queued for delivery at the other end.
func (e *Endpoint) WritePacket(pkt *buffer.PacketBuffer) *tcpip.Error {
	defer pkt.Release()
	if e.down.Load() {
		return tcpip.ErrNoRoute
	}
	frame := append([]byte(nil), pkt.Data()...)

	e.mu.RLock()
	drop := e.drop
	e.mu.RUnlock()
	if drop != nil && drop(frame) {
		e.Dropped.Increment()
		return nil
	}

	select {
	case <-e.linked.stop:
		return tcpip.ErrClosedForSend
	default:
	}
	select {
	case e.linked.inbound <- frame:
	default:
		e.Dropped.Increment()
	}
	return nil
}

// Attach implements stack.LinkEndpoint.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.
func (e *Endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// SetLinkUp brings this end up or down.
func (e *Endpoint) SetLinkUp(up bool) {
	e.down.Store(!up)
}

// LinkUp implements stack.LinkEndpoint.
func (e *Endpoint) LinkUp() bool {
	return !e.down.Load()
}

// Close stops delivery at this end.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.stop) })
}

// Wait implements stack.LinkEndpoint.
func (e *Endpoint) Wait() {
	e.wg.Wait()
}

// MTU implements stack.LinkEndpoint.
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}
