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

// Package loopback provides the implementation of loopback data-link layer
// endpoints. Such endpoints just turn outbound packets into inbound ones.
//
// Loopback endpoints can be used in the networking stack by calling New() to
// create a new endpoint, and then passing it as an argument to
// Stack.CreateNIC().
package loopback

import (
	"sync"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

// MTU matches the linux loopback interface.
const MTU = 65536

const queueLen = 1024

type endpoint struct {
	mu         sync.RWMutex
	dispatcher stack.NetworkDispatcher

	queue     chan *buffer.PacketBuffer
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   tcpip.StatCounter
}

// Endpoint is a loopback link endpoint. Close stops its delivery goroutine.
type Endpoint interface {
	stack.LinkEndpoint

	// Close stops the endpoint.
	Close()
}

// New creates a new loopback endpoint. This link-layer endpoint just turns
// outbound packets into inbound packets, delivered from its own goroutine.
func New() Endpoint {
	e := &endpoint{
		queue: make(chan *buffer.PacketBuffer, queueLen),
		stop:  make(chan struct{}),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop()
	}()
	return e
}

func (e *endpoint) loop() {
	for {
		select {
		case <-e.stop:
			return
		case pkt := <-e.queue:
			e.mu.RLock()
			d := e.dispatcher
			e.mu.RUnlock()
			if d == nil {
				pkt.Release()
				continue
			}
			d.DeliverNetworkPacket(pkt)
		}
	}
}

// Attach implements stack.LinkEndpoint.Attach. It just saves the stack network-
// layer dispatcher for later use when packets need to be dispatched.
func (e *endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.MTU.
func (*endpoint) MTU() uint32 {
	return MTU
}

// LinkUp implements stack.LinkEndpoint.LinkUp. Loopback is always up.
func (*endpoint) LinkUp() bool {
	return true
}

// WritePacket implements stack.LinkEndpoint.WritePacket. The datagram is
// copied into a fresh inbound packet and queued for delivery.
func (e *endpoint) WritePacket(pkt *buffer.PacketBuffer) *tcpip.Error {
	frame := append([]byte(nil), pkt.Data()...)
	pkt.Release()
	select {
	case <-e.stop:
		return tcpip.ErrClosedForSend
	default:
	}
	select {
	case e.queue <- buffer.NewInboundPacketBuffer(frame):
		return nil
	default:
		e.dropped.Increment()
		return tcpip.ErrNoBufferSpace
	}
}

func (e *endpoint) Close() {
	e.closeOnce.Do(func() { close(e.stop) })
}

// Wait implements stack.LinkEndpoint.Wait.
func (e *endpoint) Wait() {
	e.wg.Wait()
}
