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

//go:build linux

// Package fdbased provides the implemention of data-link layer endpoints
// backed by boundary-preserving file descriptors (e.g., TUN devices,
// seqpacket/datagram sockets).
//
// FD based endpoints can be used in the networking stack by calling New() to
// create a new endpoint, and then passing it as an argument to
// Stack.CreateNIC().
package fdbased

import (
	"sync"
	"sync/atomic"
	"time"

	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/link/rawfile"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

// pollInterval bounds how long the dispatch loop takes to notice Close.
const pollInterval = 100 * time.Millisecond

// Options specify the details about the fd-based endpoint to be created.
type Options struct {
	// FD is the file descriptor used to send and receive packets. The
	// endpoint does not take ownership of it.
	FD int

	// MTU is the maximum transmission unit of the link.
	MTU uint32

	// ClosedFunc is called when the dispatch loop stops because of an
	// error, typically the peer closing its end.
	ClosedFunc func(*tcpip.Error)
}

// Endpoint is a link endpoint reading and writing bare IP datagrams on a
// file descriptor.
type Endpoint struct {
	// fd is the file descriptor used to send and receive packets.
	fd int

	// mtu (maximum transmission unit) is the maximum size of a packet.
	mtu uint32

	// closed is a function to be called when the FD's peer (if any) closes
	// its end of the communication pipe.
	closed func(*tcpip.Error)

	mu         sync.RWMutex
	dispatcher stack.NetworkDispatcher

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	down      atomic.Bool

	// Stats of the link.
	RxPackets tcpip.StatCounter
	TxPackets tcpip.StatCounter
	TxErrors  tcpip.StatCounter
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// New creates a new fd-based endpoint.
//
// Does not take ownership of fd, which must remain open for the lifetime of
// the returned endpoint.
func New(opts *Options) (*Endpoint, error) {
	if opts.MTU == 0 {
		return nil, tcpip.ErrInvalidOptionValue
	}
	return &Endpoint{
		fd:     opts.FD,
		mtu:    opts.MTU,
		closed: opts.ClosedFunc,
		stop:   make(chan struct{}),
	}, nil
}

// Attach launches the goroutine that reads packets from the file descriptor and
// dispatches them via the provided dispatcher. A nil dispatcher stops
// delivery; the goroutine keeps running until Close.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	start := e.dispatcher == nil && dispatcher != nil
	e.dispatcher = dispatcher
	e.mu.Unlock()
	if start {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatchLoop()
		}()
	}
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *Endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.MTU. It returns the value initialized
// during construction.
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}

// LinkUp implements stack.LinkEndpoint.LinkUp.
func (e *Endpoint) LinkUp() bool {
	return !e.down.Load()
}

// WritePacket writes outbound packets to the file descriptor. If it is not
// currently writable, the packet is dropped.
func (e *Endpoint) WritePacket(pkt *buffer.PacketBuffer) *tcpip.Error {
	defer pkt.Release()
	if err := rawfile.NonBlockingWrite(e.fd, pkt.Data()); err != nil {
		e.TxErrors.Increment()
		return err
	}
	e.TxPackets.Increment()
	return nil
}

// dispatchLoop reads packets from the file descriptor in a loop and dispatches
// them to the network stack.
func (e *Endpoint) dispatchLoop() {
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		// Every datagram gets its own buffer: the stack keeps it.
		buf := make([]byte, e.mtu)
		n, ok, err := rawfile.BlockingRead(e.fd, buf, pollInterval)
		if err != nil {
			e.down.Store(true)
			log.Warningf("fdbased: fd %d: read failed: %v", e.fd, err)
			if e.closed != nil {
				e.closed(err)
			}
			return
		}
		if !ok {
			continue
		}

		// We don't get any indication of what the packet is: the network
		// layer looks at the version nibble.
		if v := header.IPVersion(buf[:n]); v != header.IPv4Version && v != header.IPv6Version {
			continue
		}
		e.RxPackets.Increment()

		e.mu.RLock()
		d := e.dispatcher
		e.mu.RUnlock()
		if d == nil {
			continue
		}
		d.DeliverNetworkPacket(buffer.NewInboundPacketBuffer(buf[:n]))
	}
}

// Close stops the dispatch loop. It does not close the file descriptor.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.stop) })
}

// Wait implements stack.LinkEndpoint.Wait. It waits for the dispatch loop to
// return.
func (e *Endpoint) Wait() {
	e.wg.Wait()
}
