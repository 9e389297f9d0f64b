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

package integration_test

import (
	"net/netip"
	"testing"
	"time"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/faketime"
	"netengine.dev/netengine/pkg/tcpip/iptables"
	"netengine.dev/netengine/pkg/tcpip/link/channel"
	"netengine.dev/netengine/pkg/tcpip/network/ipv4"
	"netengine.dev/netengine/pkg/tcpip/network/ipv6"
	"netengine.dev/netengine/pkg/tcpip/routetable"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/transport/icmp"
	"netengine.dev/netengine/pkg/tcpip/transport/tcp"
	"netengine.dev/netengine/pkg/tcpip/transport/udp"
	"netengine.dev/netengine/pkg/waiter"
)

// The topology is a client and a server on two subnets joined by a router:
//
//	client (nic 1) --- (nic 1) router (nic 2) --- (nic 1) server
const (
	clientNIC = 1
	lanNIC    = 1
	wanNIC    = 2
	serverNIC = 1
)

var (
	clientV4     = netip.MustParseAddr("10.0.1.2")
	routerLANV4  = netip.MustParseAddr("10.0.1.1")
	routerWANV4  = netip.MustParseAddr("192.168.0.1")
	serverV4     = netip.MustParseAddr("192.168.0.2")
	clientV6     = netip.MustParseAddr("fd00:1::2")
	routerLANV6  = netip.MustParseAddr("fd00:1::1")
	routerWANV6  = netip.MustParseAddr("fd00:2::1")
	serverV6     = netip.MustParseAddr("fd00:2::2")
	unreachable4 = netip.MustParseAddr("172.16.0.1")
)

type family struct {
	name     string
	netProto tcpip.NetworkProtocolNumber
	client   netip.Addr
	server   netip.Addr
}

var families = []family{
	{"IPv4", ipv4.ProtocolNumber, clientV4, serverV4},
	{"IPv6", ipv6.ProtocolNumber, clientV6, serverV6},
}

// wire joins two channel links. drop, when set, may discard or rewrite a
// frame going from a to b (forward) or back.
type wire struct {
	a, b *channel.Endpoint
	drop func(forward bool, frame []byte) bool
}

type options struct {
	lanMTU, wanMTU uint32
}

type topology struct {
	t     *testing.T
	clock *faketime.ManualClock

	client, router, server *stack.Stack
	lan, wan               *wire
}

func newTopology(t *testing.T, opts options) *topology {
	t.Helper()
	if opts.lanMTU == 0 {
		opts.lanMTU = 1500
	}
	if opts.wanMTU == 0 {
		opts.wanMTU = 1500
	}
	tp := &topology{t: t, clock: faketime.NewManualClock()}
	tp.lan = &wire{a: channel.New(256, opts.lanMTU), b: channel.New(256, opts.lanMTU)}
	tp.wan = &wire{a: channel.New(256, opts.wanMTU), b: channel.New(256, opts.wanMTU)}

	tp.client = tp.newStack(stack.Options{})
	tp.addNIC(tp.client, clientNIC, tp.lan.a, "10.0.1.2/24", "fd00:1::2/64")
	tp.addDefaultRoutes(tp.client, clientNIC, routerLANV4, routerLANV6)

	tp.router = tp.newStack(stack.Options{Forwarding: true})
	tp.addNIC(tp.router, lanNIC, tp.lan.b, "10.0.1.1/24", "fd00:1::1/64")
	tp.addNIC(tp.router, wanNIC, tp.wan.a, "192.168.0.1/24", "fd00:2::1/64")

	tp.server = tp.newStack(stack.Options{})
	tp.addNIC(tp.server, serverNIC, tp.wan.b, "192.168.0.2/24", "fd00:2::2/64")
	tp.addDefaultRoutes(tp.server, serverNIC, routerWANV4, routerWANV6)
	return tp
}

// newFirewall installs an empty firewall on the router.
func (tp *topology) newFirewall(opts iptables.Options) *iptables.Engine {
	opts.Clock = tp.clock
	fw := iptables.NewEngine(opts)
	tp.router.SetFirewall(fw)
	tp.t.Cleanup(fw.Close)
	return fw
}

func (tp *topology) newStack(opts stack.Options) *stack.Stack {
	opts.NetworkProtocols = []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol}
	opts.TransportProtocols = []stack.TransportProtocolFactory{udp.NewProtocol, tcp.NewProtocol, icmp.NewProtocol4, icmp.NewProtocol6}
	opts.Clock = tp.clock
	opts.ManualSweep = true
	s := stack.New(opts)
	tp.t.Cleanup(func() {
		s.Close()
		s.Wait()
	})
	return s
}

func (tp *topology) addNIC(s *stack.Stack, id tcpip.NICID, ep *channel.Endpoint, addrs ...string) {
	tp.t.Helper()
	if err := s.CreateNIC(id, ep, stack.NICOptions{}); err != nil {
		tp.t.Fatalf("CreateNIC(%d): %s", id, err)
	}
	for _, a := range addrs {
		if err := s.AddAddress(id, netip.MustParsePrefix(a)); err != nil {
			tp.t.Fatalf("AddAddress(%d, %s): %s", id, a, err)
		}
	}
}

func (tp *topology) addDefaultRoutes(s *stack.Stack, id tcpip.NICID, gws ...netip.Addr) {
	tp.t.Helper()
	for _, gw := range gws {
		dst := netip.PrefixFrom(netip.IPv4Unspecified(), 0)
		if gw.Is6() {
			dst = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
		}
		if err := s.RouteTable().Add(routetable.Entry{Destination: dst, Gateway: gw, NIC: id}); err != nil {
			tp.t.Fatalf("add default route via %s: %s", gw, err)
		}
	}
}

// shuttle moves frames over both wires until the network is quiet.
func (tp *topology) shuttle() {
	for {
		n := tp.lan.move() + tp.wan.move()
		if n == 0 {
			return
		}
	}
}

func (w *wire) move() int {
	return w.pass(w.a, w.b, true) + w.pass(w.b, w.a, false)
}

func (w *wire) pass(from, to *channel.Endpoint, forward bool) int {
	n := 0
	for {
		pkt, ok := from.Read()
		if !ok {
			return n
		}
		frame := append([]byte(nil), pkt.Data()...)
		pkt.Release()
		n++
		if w.drop != nil && w.drop(forward, frame) {
			continue
		}
		to.InjectInbound(frame)
	}
}

func (tp *topology) advance(d time.Duration) {
	tp.clock.Advance(d)
	for _, s := range []*stack.Stack{tp.client, tp.router, tp.server} {
		s.Sweep(tp.clock.Now())
	}
	tp.shuttle()
}

func (tp *topology) endpoint(s *stack.Stack, trans tcpip.TransportProtocolNumber, netProto tcpip.NetworkProtocolNumber) (tcpip.Endpoint, *waiter.Queue) {
	tp.t.Helper()
	wq := new(waiter.Queue)
	ep, err := s.NewEndpoint(trans, netProto, wq)
	if err != nil {
		tp.t.Fatalf("NewEndpoint(%d, %d): %s", trans, netProto, err)
	}
	tp.t.Cleanup(ep.Close)
	return ep, wq
}

// udpPair returns a server endpoint bound to port and an unbound client
// endpoint.
func (tp *topology) udpPair(netProto tcpip.NetworkProtocolNumber, port uint16) (client, server tcpip.Endpoint) {
	tp.t.Helper()
	server, _ = tp.endpoint(tp.server, udp.ProtocolNumber, netProto)
	if err := server.Bind(tcpip.FullAddress{Port: port}); err != nil {
		tp.t.Fatalf("Bind(%d): %s", port, err)
	}
	client, _ = tp.endpoint(tp.client, udp.ProtocolNumber, netProto)
	return client, server
}

func send(t *testing.T, ep tcpip.Endpoint, b []byte, to *tcpip.FullAddress) {
	t.Helper()
	if _, err := ep.Write(b, tcpip.WriteOptions{To: to}); err != nil {
		t.Fatalf("Write(%d bytes): %s", len(b), err)
	}
}

func recv(t *testing.T, ep tcpip.Endpoint) ([]byte, tcpip.FullAddress) {
	t.Helper()
	buf := make([]byte, 65536)
	var from tcpip.FullAddress
	n, err := ep.Read(buf, &from)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	return buf[:n], from
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 31)
	}
	return b
}
