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

// Package channel provides the implemention of channel-based data-link layer
// endpoints. Such endpoints allow injection of inbound packets and store
// outbound packets in a channel.
package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

// Notification is the interface for receiving notification from the packet
// queue.
type Notification interface {
	// WriteNotify will be called when a write happens to the queue.
	WriteNotify()
}

// NotificationHandle is an opaque handle to the registered notification target.
// It can be used to unregister the notification when no longer interested.
type NotificationHandle struct {
	n Notification
}

type queue struct {
	// c is the outbound packet channel.
	c chan *buffer.PacketBuffer
	// mu protects fields below.
	mu     sync.RWMutex
	notify []*NotificationHandle
}

func (q *queue) Close() {
	close(q.c)
}

func (q *queue) Read() (*buffer.PacketBuffer, bool) {
	select {
	case p := <-q.c:
		return p, true
	default:
		return nil, false
	}
}

func (q *queue) ReadContext(ctx context.Context) (*buffer.PacketBuffer, bool) {
	select {
	case pkt := <-q.c:
		return pkt, true
	case <-ctx.Done():
		return nil, false
	}
}

func (q *queue) Write(p *buffer.PacketBuffer) bool {
	wrote := false
	select {
	case q.c <- p:
		wrote = true
	default:
	}
	q.mu.RLock()
	notify := q.notify
	q.mu.RUnlock()

	if wrote {
		// Send notification outside of lock.
		for _, h := range notify {
			h.n.WriteNotify()
		}
	}
	return wrote
}

func (q *queue) Num() int {
	return len(q.c)
}

func (q *queue) AddNotify(notify Notification) *NotificationHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := &NotificationHandle{n: notify}
	q.notify = append(q.notify, h)
	return h
}

func (q *queue) RemoveNotify(handle *NotificationHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Make a copy, since we reads the array outside of lock when notifying.
	notify := make([]*NotificationHandle, 0, len(q.notify))
	for _, h := range q.notify {
		if h != handle {
			notify = append(notify, h)
		}
	}
	q.notify = notify
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// Endpoint is link layer endpoint that stores outbound packets in a channel
// and allows injection of inbound packets.
type Endpoint struct {
	mu         sync.RWMutex
	dispatcher stack.NetworkDispatcher
	mtu        atomic.Uint32
	down       atomic.Bool

	// Outbound packet queue.
	q *queue

	// Dropped counts outbound packets lost to a full queue.
	Dropped tcpip.StatCounter
}

// New creates a new channel endpoint.
func New(size int, mtu uint32) *Endpoint {
	e := &Endpoint{
		q: &queue{
			c: make(chan *buffer.PacketBuffer, size),
		},
	}
	e.mtu.Store(mtu)
	return e
}

// Close closes e. Further writes will panic. Reads continue to succeed until
// all packets are read.
func (e *Endpoint) Close() {
	e.q.Close()
}

// Read does non-blocking read one packet from the outbound packet queue.
func (e *Endpoint) Read() (*buffer.PacketBuffer, bool) {
	return e.q.Read()
}

// ReadContext does blocking read for one packet from the outbound packet queue.
// It can be cancelled by ctx, and in this case, it returns false.
func (e *Endpoint) ReadContext(ctx context.Context) (*buffer.PacketBuffer, bool) {
	return e.q.ReadContext(ctx)
}

// Drain removes all outbound packets from the channel and counts them.
func (e *Endpoint) Drain() int {
	c := 0
	for {
		pkt, ok := e.Read()
		if !ok {
			return c
		}
		pkt.Release()
		c++
	}
}

// NumQueued returns the number of packet queued for outbound.
func (e *Endpoint) NumQueued() int {
	return e.q.Num()
}

// InjectInbound injects an inbound frame holding a bare IP datagram. The
// caller gives up frame.
func (e *Endpoint) InjectInbound(frame []byte) {
	e.InjectPacket(buffer.NewInboundPacketBuffer(frame))
}

// InjectPacket injects an inbound packet. It is dropped when no dispatcher
// is attached.
func (e *Endpoint) InjectPacket(pkt *buffer.PacketBuffer) {
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d == nil || e.down.Load() {
		pkt.Release()
		return
	}
	d.DeliverNetworkPacket(pkt)
}

// Attach saves the stack network-layer dispatcher for use later when packets
// are injected.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *Endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// SetLinkUp brings the link up or down. A down link neither sends nor
// receives.
func (e *Endpoint) SetLinkUp(up bool) {
	e.down.Store(!up)
}

// LinkUp implements stack.LinkEndpoint.LinkUp.
func (e *Endpoint) LinkUp() bool {
	return !e.down.Load()
}

// MTU implements stack.LinkEndpoint.MTU. It returns the value initialized
// during construction.
func (e *Endpoint) MTU() uint32 {
	return e.mtu.Load()
}

// SetMTU sets the MTU of the endpoint.
func (e *Endpoint) SetMTU(mtu uint32) {
	e.mtu.Store(mtu)
}

// WritePacket stores outbound packets into the channel. Packets that do not
// fit are dropped.
func (e *Endpoint) WritePacket(pkt *buffer.PacketBuffer) *tcpip.Error {
	if e.down.Load() {
		pkt.Release()
		return tcpip.ErrNoRoute
	}
	if !e.q.Write(pkt) {
		e.Dropped.Increment()
		pkt.Release()
	}
	return nil
}

// Wait implements stack.LinkEndpoint.Wait.
func (*Endpoint) Wait() {}

// AddNotify adds a notification target for receiving event about outgoing
// packets.
func (e *Endpoint) AddNotify(notify Notification) *NotificationHandle {
	return e.q.AddNotify(notify)
}

// RemoveNotify removes handle from the list of notification targets.
func (e *Endpoint) RemoveNotify(handle *NotificationHandle) {
	e.q.RemoveNotify(handle)
}
