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

// Package context provides the two-host test bed used by transport
// endpoint tests. A client and a server stack are wired back to back over
// channel links and share a manual clock, so that nothing moves until the
// test shuttles frames or advances time.
package context

import (
	"net/netip"
	"testing"
	"time"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/faketime"
	"netengine.dev/netengine/pkg/tcpip/link/channel"
	"netengine.dev/netengine/pkg/tcpip/link/sniffer"
	"netengine.dev/netengine/pkg/tcpip/network/ipv4"
	"netengine.dev/netengine/pkg/tcpip/network/ipv6"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/waiter"
)

const (
	// NICID is the id of the nic created on both stacks.
	NICID = 1

	// DefaultMTU is the MTU used by the Context, except where another value
	// is explicitly specified during initialization.
	DefaultMTU = 1500
)

// Addresses of the two hosts.
var (
	ClientV4 = netip.MustParseAddr("10.0.0.1")
	ServerV4 = netip.MustParseAddr("10.0.0.2")
	ClientV6 = netip.MustParseAddr("fd00::1")
	ServerV6 = netip.MustParseAddr("fd00::2")
)

// Options contains options for creating a new test context.
type Options struct {
	// MTU is the mtu that the link endpoints will be initialized with.
	MTU uint32
}

// Context is a testing context for transport endpoints.
type Context struct {
	// T is the testing context.
	T *testing.T

	// Clock drives the timers of both stacks.
	Clock *faketime.ManualClock

	Client, Server         *stack.Stack
	ClientLink, ServerLink *channel.Endpoint

	// Drop, when set, decides whether a frame in flight is lost. toServer
	// tells the direction. Drop may rewrite the frame, which is a private
	// copy.
	Drop func(toServer bool, frame []byte) bool
}

// New allocates and initializes a test context with the default options.
func New(t *testing.T, transportProtocols []stack.TransportProtocolFactory) *Context {
	t.Helper()
	return NewWithOptions(t, transportProtocols, Options{MTU: DefaultMTU})
}

// NewWithOptions allocates and initializes a test context. Both stacks are
// closed when the test ends.
func NewWithOptions(t *testing.T, transportProtocols []stack.TransportProtocolFactory, options Options) *Context {
	t.Helper()
	if options.MTU == 0 {
		options.MTU = DefaultMTU
	}
	c := &Context{T: t, Clock: faketime.NewManualClock()}
	c.Client, c.ClientLink = c.newStack(transportProtocols, options.MTU, ClientV4, ClientV6)
	c.Server, c.ServerLink = c.newStack(transportProtocols, options.MTU, ServerV4, ServerV6)
	return c
}

func (c *Context) newStack(transportProtocols []stack.TransportProtocolFactory, mtu uint32, addrs ...netip.Addr) (*stack.Stack, *channel.Endpoint) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: transportProtocols,
		Clock:              c.Clock,
		ManualSweep:        true,
	})
	ep := channel.New(1024, mtu)
	var linkEP stack.LinkEndpoint = ep
	if testing.Verbose() {
		linkEP = sniffer.New(ep)
	}
	if err := s.CreateNIC(NICID, linkEP, stack.NICOptions{}); err != nil {
		c.T.Fatalf("CreateNIC(%d, _): %s", NICID, err)
	}
	for _, a := range addrs {
		bits := 24
		if a.Is6() {
			bits = 64
		}
		if err := s.AddAddress(NICID, netip.PrefixFrom(a, bits)); err != nil {
			c.T.Fatalf("AddAddress(%d, %s): %s", NICID, a, err)
		}
	}
	c.T.Cleanup(func() {
		s.Close()
		s.Wait()
	})
	return s, ep
}

// Shuttle moves frames between the two stacks until both links are quiet.
// It returns the number of frames moved, dropped ones included.
func (c *Context) Shuttle() int {
	total := 0
	for {
		n := c.forward(c.ClientLink, c.ServerLink, true) + c.forward(c.ServerLink, c.ClientLink, false)
		if n == 0 {
			return total
		}
		total += n
	}
}

func (c *Context) forward(from, to *channel.Endpoint, toServer bool) int {
	n := 0
	for {
		pkt, ok := from.Read()
		if !ok {
			return n
		}
		frame := append([]byte(nil), pkt.Data()...)
		pkt.Release()
		n++
		if c.Drop != nil && c.Drop(toServer, frame) {
			continue
		}
		to.InjectInbound(frame)
	}
}

// Advance moves the clock, runs the timers that became due on both stacks
// and delivers whatever they sent.
func (c *Context) Advance(d time.Duration) {
	c.Clock.Advance(d)
	c.Client.Sweep(c.Clock.Now())
	c.Server.Sweep(c.Clock.Now())
	c.Shuttle()
}

// NewEndpoint creates an endpoint on s that is closed when the test ends.
func (c *Context) NewEndpoint(s *stack.Stack, transProto tcpip.TransportProtocolNumber, netProto tcpip.NetworkProtocolNumber) (tcpip.Endpoint, *waiter.Queue) {
	c.T.Helper()
	wq := new(waiter.Queue)
	ep, err := s.NewEndpoint(transProto, netProto, wq)
	if err != nil {
		c.T.Fatalf("NewEndpoint(%d, %d): %s", transProto, netProto, err)
	}
	c.T.Cleanup(ep.Close)
	return ep, wq
}

// ServerAddr returns the server address of the family of netProto.
func ServerAddr(netProto tcpip.NetworkProtocolNumber) netip.Addr {
	if netProto == ipv6.ProtocolNumber {
		return ServerV6
	}
	return ServerV4
}

// ClientAddr returns the client address of the family of netProto.
func ClientAddr(netProto tcpip.NetworkProtocolNumber) netip.Addr {
	if netProto == ipv6.ProtocolNumber {
		return ClientV6
	}
	return ClientV4
}
